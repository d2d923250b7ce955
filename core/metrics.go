package core

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var metricsLog = logrus.WithField("component", "metrics")

// RuntimeSnapshot is a point-in-time view of the node's own health,
// distinct from the business metrics tracked per-request below.
type RuntimeSnapshot struct {
	MemAlloc      uint64 `json:"mem_alloc"`
	NumGoroutines int    `json:"goroutines"`
	Timestamp     int64  `json:"timestamp"`
}

// HealthMonitor exposes Prometheus counters/gauges for the governance
// runtime. The registry owns every collector, and the
// StartMetricsServer/ShutdownMetricsServer pair bounds its lifecycle. A nil
// *HealthMonitor is always safe to call into — every subsystem that accepts
// one treats it as optional.
type HealthMonitor struct {
	mu       sync.Mutex
	registry *prometheus.Registry

	hostCalls          *prometheus.CounterVec
	fuelConsumed       prometheus.Counter
	sandboxExecutions  *prometheus.CounterVec
	dagNodesStored     prometheus.Counter
	budgetProposals    *prometheus.CounterVec
	govProposals       *prometheus.CounterVec
	memAllocGauge      prometheus.Gauge
	goroutinesGauge    prometheus.Gauge
	errorCounter       prometheus.Counter
}

// NewHealthMonitor constructs and registers every gauge/counter against a
// fresh registry.
func NewHealthMonitor() *HealthMonitor {
	reg := prometheus.NewRegistry()
	h := &HealthMonitor{
		registry: reg,
		hostCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_host_calls_total",
			Help: "Total host ABI calls, by function name.",
		}, []string{"function"}),
		fuelConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "covenant_fuel_consumed_total",
			Help: "Total sandbox fuel (compute units) consumed across all executions.",
		}),
		sandboxExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_sandbox_executions_total",
			Help: "Total sandbox executions, by outcome (success/trap).",
		}, []string{"outcome"}),
		dagNodesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "covenant_dag_nodes_stored_total",
			Help: "Total DAG nodes persisted across all entity partitions.",
		}),
		budgetProposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_budget_proposals_total",
			Help: "Total budget proposals finalized, by resulting status.",
		}, []string{"status"}),
		govProposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_governance_proposals_total",
			Help: "Total governance proposals, by lifecycle event.",
		}, []string{"event"}),
		memAllocGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "covenant_mem_alloc_bytes",
			Help: "Current memory allocation in bytes.",
		}),
		goroutinesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "covenant_goroutines",
			Help: "Number of running goroutines.",
		}),
		errorCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "covenant_errors_total",
			Help: "Total error-level events logged.",
		}),
	}
	reg.MustRegister(
		h.hostCalls, h.fuelConsumed, h.sandboxExecutions, h.dagNodesStored,
		h.budgetProposals, h.govProposals, h.memAllocGauge, h.goroutinesGauge,
		h.errorCounter,
	)
	return h
}

// RecordHostCall increments the per-function host-call counter.
func (h *HealthMonitor) RecordHostCall(name string) {
	if h == nil {
		return
	}
	h.hostCalls.WithLabelValues(name).Inc()
}

// RecordFuelConsumed adds n to the cumulative fuel counter.
func (h *HealthMonitor) RecordFuelConsumed(n uint64) {
	if h == nil {
		return
	}
	h.fuelConsumed.Add(float64(n))
}

// RecordSandboxExecution tags one completed execution as success or trap.
func (h *HealthMonitor) RecordSandboxExecution(success bool) {
	if h == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "trap"
	}
	h.sandboxExecutions.WithLabelValues(outcome).Inc()
}

// RecordDAGNodeStored increments the DAG node counter.
func (h *HealthMonitor) RecordDAGNodeStored() {
	if h == nil {
		return
	}
	h.dagNodesStored.Inc()
}

// RecordBudgetProposalFinalized tags one finalized budget proposal with its
// resulting status.
func (h *HealthMonitor) RecordBudgetProposalFinalized(status ProposalStatus) {
	if h == nil {
		return
	}
	h.budgetProposals.WithLabelValues(string(status)).Inc()
}

// RecordGovProposalEvent tags one governance-proposal lifecycle transition.
func (h *HealthMonitor) RecordGovProposalEvent(event string) {
	if h == nil {
		return
	}
	h.govProposals.WithLabelValues(event).Inc()
}

// RecordError increments the error counter.
func (h *HealthMonitor) RecordError() {
	if h == nil {
		return
	}
	h.errorCounter.Inc()
}

// Snapshot gathers current process-level runtime stats and updates the
// gauges.
func (h *HealthMonitor) Snapshot() RuntimeSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s := RuntimeSnapshot{
		MemAlloc:      mem.Alloc,
		NumGoroutines: runtime.NumGoroutine(),
		Timestamp:     time.Now().UTC().Unix(),
	}
	if h != nil {
		h.mu.Lock()
		h.memAllocGauge.Set(float64(s.MemAlloc))
		h.goroutinesGauge.Set(float64(s.NumGoroutines))
		h.mu.Unlock()
	}
	return s
}

// RunCollector periodically refreshes the runtime gauges until ctx is
// canceled.
func (h *HealthMonitor) RunCollector(ctx context.Context, interval time.Duration) {
	if h == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Snapshot()
		case <-ctx.Done():
			return
		}
	}
}

// StartMetricsServer exposes the registry on addr's "/metrics" path.
func (h *HealthMonitor) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsLog.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// ShutdownMetricsServer gracefully stops srv.
func (h *HealthMonitor) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
