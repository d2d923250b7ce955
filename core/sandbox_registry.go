package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SandboxExecutionInfo is the lifecycle record for one Sandbox.Execute
// invocation, keyed by the VMContext's execution id; the limit tracked is
// the Compute fuel ceiling computed by fuelLimitFor.
type SandboxExecutionInfo struct {
	ExecutionID uuid.UUID
	CallerDID   DID
	FuelLimit   uint64
	FuelUsed    uint64
	Started     time.Time
	Active      bool
}

// SandboxRegistry tracks in-flight and recently completed sandbox
// executions. It is an injected instance any number of Sandbox executors
// can share, matching the convention this codebase already uses for
// AuthorizationStore and BudgetEngine rather than package-level state.
type SandboxRegistry struct {
	mu         sync.RWMutex
	executions map[uuid.UUID]*SandboxExecutionInfo
}

// NewSandboxRegistry returns an empty registry.
func NewSandboxRegistry() *SandboxRegistry {
	return &SandboxRegistry{executions: make(map[uuid.UUID]*SandboxExecutionInfo)}
}

// StartSandbox records a freshly started execution. It fails if executionID
// is already tracked and active.
func (r *SandboxRegistry) StartSandbox(executionID uuid.UUID, caller DID, fuelLimit uint64) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.executions[executionID]; ok && existing.Active {
		return fmt.Errorf("%w: execution %s already active", ErrInstantiation, executionID)
	}
	r.executions[executionID] = &SandboxExecutionInfo{
		ExecutionID: executionID,
		CallerDID:   caller,
		FuelLimit:   fuelLimit,
		Started:     time.Now().UTC(),
		Active:      true,
	}
	return nil
}

// StopSandbox marks executionID as no longer active and records its final
// fuel consumption. Stopping an unknown or already-inactive execution
// reports an error.
func (r *SandboxRegistry) StopSandbox(executionID uuid.UUID, fuelUsed uint64) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.executions[executionID]
	if !ok || !info.Active {
		return fmt.Errorf("%w: execution %s not active", ErrInstantiation, executionID)
	}
	info.Active = false
	info.FuelUsed = fuelUsed
	return nil
}

// ResetSandbox discards executionID's tracked record entirely.
func (r *SandboxRegistry) ResetSandbox(executionID uuid.UUID) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executions, executionID)
}

// SandboxStatus returns the tracked record for executionID, if any.
func (r *SandboxRegistry) SandboxStatus(executionID uuid.UUID) (SandboxExecutionInfo, bool) {
	if r == nil {
		return SandboxExecutionInfo{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.executions[executionID]
	if !ok {
		return SandboxExecutionInfo{}, false
	}
	return *info, true
}

// ListSandboxes returns every tracked execution, active or completed.
func (r *SandboxRegistry) ListSandboxes() []SandboxExecutionInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SandboxExecutionInfo, 0, len(r.executions))
	for _, info := range r.executions {
		out = append(out, *info)
	}
	return out
}
