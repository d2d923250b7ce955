package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

var sandboxLog = logrus.WithField("component", "sandbox")

// defaultFuelLimit is used when the caller carries no unexpired Compute
// authorization with allowance left.
const defaultFuelLimit uint64 = 1_000_000

// entryPointOrder is tried in order until an export resolves. Only "invoke"
// is called with two i32 parameters; every other entry point takes none.
var entryPointOrder = []string{"invoke", "_start", "main", "run", "__main"}

// meteringCosts charges one fuel point per operator. The middleware only
// meters operators present in the map, so every operator a module can loop
// or compute with must appear here; anything omitted runs free.
var meteringCosts = map[wasmer.Opcode]uint32{
	wasmer.Unreachable: 1, wasmer.Nop: 1, wasmer.Block: 1, wasmer.Loop: 1,
	wasmer.If: 1, wasmer.Else: 1, wasmer.End: 1, wasmer.Br: 1,
	wasmer.BrIf: 1, wasmer.BrTable: 1, wasmer.Return: 1, wasmer.Call: 1,
	wasmer.CallIndirect: 1, wasmer.Drop: 1, wasmer.Select: 1,
	wasmer.LocalGet: 1, wasmer.LocalSet: 1, wasmer.LocalTee: 1,
	wasmer.GlobalGet: 1, wasmer.GlobalSet: 1,
	wasmer.I32Load: 1, wasmer.I64Load: 1, wasmer.I32Store: 1, wasmer.I64Store: 1,
	wasmer.MemorySize: 1, wasmer.MemoryGrow: 1,
	wasmer.I32Const: 1, wasmer.I64Const: 1,
	wasmer.I32Eqz: 1, wasmer.I32Eq: 1, wasmer.I32Ne: 1,
	wasmer.I32LtS: 1, wasmer.I32LtU: 1, wasmer.I32GtS: 1, wasmer.I32GtU: 1,
	wasmer.I32LeS: 1, wasmer.I32LeU: 1, wasmer.I32GeS: 1, wasmer.I32GeU: 1,
	wasmer.I32Add: 1, wasmer.I32Sub: 1, wasmer.I32Mul: 1,
	wasmer.I32DivS: 1, wasmer.I32DivU: 1, wasmer.I32RemS: 1, wasmer.I32RemU: 1,
	wasmer.I32And: 1, wasmer.I32Or: 1, wasmer.I32Xor: 1,
	wasmer.I32Shl: 1, wasmer.I32ShrS: 1, wasmer.I32ShrU: 1,
	wasmer.I64Add: 1, wasmer.I64Sub: 1, wasmer.I64Mul: 1,
}

// ExecutionResult is what every sandbox execution returns.
type ExecutionResult struct {
	Success           bool
	ReturnData        []byte
	Logs              []LogEntry
	ConsumedResources map[ResourceType]uint64
	CreatedEntityDID  *DID
	CreatedEntityCID  string
	Error             string
}

// Sandbox is a fuel-metered Wasmer executor bound to a HostEnv. One
// Sandbox may run many executions; each Execute call builds its own engine,
// store, and module instance so that no state leaks between executions.
type Sandbox struct {
	env      *HostEnv
	registry *SandboxRegistry
}

// NewSandbox binds a sandbox to env; env's subsystem pointers are shared
// across executions, but env.Logs is reset per Execute call.
func NewSandbox(env *HostEnv) *Sandbox {
	return &Sandbox{env: env}
}

// SetRegistry installs an optional execution registry; nil disables
// lifecycle tracking, matching the nil-safe SetHealthMonitor convention
// used elsewhere in this package.
func (s *Sandbox) SetRegistry(r *SandboxRegistry) { s.registry = r }

func fuelLimitFor(ctx *VMContext) uint64 {
	for _, a := range ctx.Authorizations {
		if a.Resource != ResourceCompute {
			continue
		}
		if a.Expiry != nil && *a.Expiry <= ctx.Timestamp.Unix() {
			continue
		}
		if a.Authorized > a.Consumed {
			return a.Authorized - a.Consumed
		}
	}
	return defaultFuelLimit
}

// hostBridge is the per-execution glue between HostEnv's Go-level methods
// and wasm linear memory: every import reads its arguments out of the
// instance's memory through here.
type hostBridge struct {
	env *HostEnv
	ctx *VMContext
	mem *wasmer.Memory
}

// ErrMemoryAccess-returning bounds check.
func (b *hostBridge) read(ptr, length int32) ([]byte, error) {
	if b.mem == nil {
		return nil, ErrMemoryAccess
	}
	data := b.mem.Data()
	if ptr < 0 || length < 0 || int64(ptr)+int64(length) > int64(len(data)) {
		return nil, ErrMemoryAccess
	}
	out := make([]byte, length)
	copy(out, data[ptr:ptr+length])
	return out, nil
}

func (b *hostBridge) readString(ptr, length int32) (string, error) {
	raw, err := b.read(ptr, length)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: invalid utf-8", ErrMemoryAccess)
	}
	return string(raw), nil
}

// writeOut fills the caller-supplied buffer at outPtr (capacity max) and
// returns bytes-written, or -101 if data does not fit.
func (b *hostBridge) writeOut(outPtr, max int32, data []byte) int32 {
	if b.mem == nil {
		return -101
	}
	mdata := b.mem.Data()
	if outPtr < 0 || max < 0 || int64(outPtr)+int64(max) > int64(len(mdata)) {
		return -101
	}
	if int32(len(data)) > max {
		return -101
	}
	copy(mdata[outPtr:], data)
	return int32(len(data))
}

// Execute runs bytecode under ctx against the sandbox's HostEnv, following
// the execution protocol.
func (s *Sandbox) Execute(bytecode []byte, ctx *VMContext) (*ExecutionResult, error) {
	s.env.Logs = nil
	limit := fuelLimitFor(ctx)
	if err := s.registry.StartSandbox(ctx.ExecutionID, ctx.CallerDID, limit); err != nil {
		return nil, err
	}

	config := wasmer.NewConfig().UseCraneliftCompiler().PushMeteringMiddleware(limit, meteringCosts)
	engine := wasmer.NewEngineWithConfig(config)
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, bytecode)
	if err != nil {
		_ = s.registry.StopSandbox(ctx.ExecutionID, 0)
		return nil, fmt.Errorf("%w: %v", ErrModuleLoad, err)
	}

	bridge := &hostBridge{env: s.env, ctx: ctx}
	imports := registerHostImports(store, bridge)

	instance, err := wasmer.NewInstance(module, imports)
	if err != nil {
		_ = s.registry.StopSandbox(ctx.ExecutionID, 0)
		return nil, fmt.Errorf("%w: %v", ErrInstantiation, err)
	}
	if mem, err := instance.Exports.GetMemory("memory"); err == nil {
		bridge.mem = mem
	}

	entryName, fn, takesArgs, err := resolveEntryPoint(instance)
	if err != nil {
		_ = s.registry.StopSandbox(ctx.ExecutionID, 0)
		return nil, err
	}

	var callErr error
	if takesArgs {
		_, callErr = fn(int32(0), int32(0))
	} else {
		_, callErr = fn()
	}

	consumedFuel := limit
	if remaining := instance.GetRemainingPoints(); remaining < limit {
		consumedFuel = limit - remaining
	}
	if ctx.ConsumedResources == nil {
		ctx.ConsumedResources = make(map[ResourceType]uint64)
	}
	ctx.ConsumedResources[ResourceCompute] += consumedFuel
	s.env.Health.RecordFuelConsumed(consumedFuel)

	result := &ExecutionResult{
		Success:           true,
		Logs:              s.env.Logs,
		ConsumedResources: ctx.ConsumedResources,
	}

	if callErr != nil {
		if instance.MeteringPointsExhausted() || isFuelExhaustion(callErr) {
			result.Success = false
			result.Error = ErrResourceLimitExceeded.Error()
		} else {
			result.Success = false
			result.Error = callErr.Error()
		}
		_ = s.registry.StopSandbox(ctx.ExecutionID, consumedFuel)
		s.env.Health.RecordSandboxExecution(false)
		sandboxLog.WithFields(logrus.Fields{"entry": entryName, "execution_id": ctx.ExecutionID}).Warn("execution trapped")
		return result, nil
	}

	_ = s.registry.StopSandbox(ctx.ExecutionID, consumedFuel)
	s.env.Health.RecordSandboxExecution(true)
	sandboxLog.WithFields(logrus.Fields{"entry": entryName, "execution_id": ctx.ExecutionID, "fuel_used": consumedFuel}).Info("execution completed")
	return result, nil
}

func isFuelExhaustion(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "fuel") || strings.Contains(lower, "metering")
}

// resolveEntryPoint tries entryPointOrder in turn.
func resolveEntryPoint(instance *wasmer.Instance) (string, wasmer.NativeFunction, bool, error) {
	for _, name := range entryPointOrder {
		fn, err := instance.Exports.GetFunction(name)
		if err == nil && fn != nil {
			return name, fn, name == "invoke", nil
		}
	}
	return "", nil, false, ErrMissingEntryPoint
}

// i32 is shorthand for the repeated wasmer.ValueKind(wasmer.I32) value type.
func i32() wasmer.ValueKind { return wasmer.ValueKind(wasmer.I32) }

// wrapI32 builds a single-i32-result function value slice.
func wrapI32(v int32) []wasmer.Value { return []wasmer.Value{wasmer.NewI32(v)} }

// registerHostImports binds every host function into the "env" wasm import
// namespace, driven by HostEnv's typed methods so the marshaling here stays
// free of business logic.
func registerHostImports(store *wasmer.Store, b *hostBridge) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()
	fns := make(map[string]wasmer.IntoExtern)

	def := func(name string, params, results []wasmer.ValueKind, handler func(args []wasmer.Value) ([]wasmer.Value, error)) {
		fns[name] = wasmer.NewFunction(store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(params...), wasmer.NewValueTypes(results...)),
			handler,
		)
	}

	i := i32()

	def("storage_get", []wasmer.ValueKind{i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		key, err := b.read(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		val, ok, code := b.env.StorageGet(b.ctx, key)
		if code != 0 {
			return wrapI32(code), nil
		}
		if !ok {
			return wrapI32(0), nil
		}
		return wrapI32(b.writeOut(args[2].I32(), args[3].I32(), val)), nil
	})

	def("storage_put", []wasmer.ValueKind{i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		key, err := b.read(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		val, err := b.read(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		return wrapI32(b.env.StoragePut(b.ctx, key, val)), nil
	})

	def("blob_put", []wasmer.ValueKind{i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		content, err := b.read(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		c, code := b.env.BlobPut(b.ctx, content)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(b.writeOut(args[2].I32(), args[3].I32(), []byte(c.String()))), nil
	})

	def("blob_get", []wasmer.ValueKind{i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		cidStr, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		c, err := ParseContentID(cidStr)
		if err != nil {
			return wrapI32(-4), nil
		}
		val, ok, code := b.env.BlobGet(b.ctx, c)
		if code != 0 {
			return wrapI32(code), nil
		}
		if !ok {
			return wrapI32(0), nil
		}
		return wrapI32(b.writeOut(args[2].I32(), args[3].I32(), val)), nil
	})

	def("get_caller_did", []wasmer.ValueKind{i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		did, code := b.env.GetCallerDID(b.ctx)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(b.writeOut(args[0].I32(), args[1].I32(), []byte(did))), nil
	})

	def("get_caller_scope", nil, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		scope, code := b.env.GetCallerScope(b.ctx)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(int32(scopeOrdinal(scope))), nil
	})

	def("verify_signature", []wasmer.ValueKind{i, i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		did, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		msg, err := b.read(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		sig, err := b.read(args[4].I32(), args[5].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		ok, code := b.env.VerifySignature(b.ctx, DID(did), msg, sig)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(ok), nil
	})

	def("check_resource_authorization", []wasmer.ValueKind{i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		resource := resourceFromOrdinal(args[0].I32())
		ok, code := b.env.CheckResourceAuthorization(b.ctx, resource, uint64(args[1].I32()))
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(ok), nil
	})

	def("record_resource_usage", []wasmer.ValueKind{i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		resource := resourceFromOrdinal(args[0].I32())
		code := b.env.RecordResourceUsage(b.ctx, resource, uint64(args[1].I32()))
		return wrapI32(code), nil
	})

	def("log", []wasmer.ValueKind{i, i, i}, nil, func(args []wasmer.Value) ([]wasmer.Value, error) {
		msg, err := b.readString(args[1].I32(), args[2].I32())
		if err != nil {
			return nil, nil
		}
		level := logLevelFromOrdinal(args[0].I32())
		b.env.Log(b.ctx, level, msg)
		return nil, nil
	})

	def("anchor_to_dag", []wasmer.ValueKind{i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		raw, err := b.read(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		var payload any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return wrapI32(-4), nil
		}
		blobID, _, code := b.env.AnchorToDAG(b.ctx, payload)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(b.writeOut(args[2].I32(), args[3].I32(), []byte(blobID.String()))), nil
	})

	def("budget_allocate", []wasmer.ValueKind{i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		budgetID, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		resource := resourceFromOrdinal(args[2].I32())
		return wrapI32(b.env.BudgetAllocate(b.ctx, budgetID, resource, uint64(args[3].I32()))), nil
	})

	def("propose_budget_spend", []wasmer.ValueKind{i, i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		budgetID, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		raw, err := b.read(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		var req struct {
			Title       string                   `json:"title"`
			Description string                   `json:"description"`
			Category    string                   `json:"category"`
			Requested   map[ResourceType]uint64 `json:"requested"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return wrapI32(-4), nil
		}
		p, code := b.env.ProposeBudgetSpend(b.ctx, budgetID, req.Title, req.Description, req.Category, req.Requested)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(b.writeOut(args[4].I32(), args[5].I32(), []byte(p.ID))), nil
	})

	def("query_budget_balance", []wasmer.ValueKind{i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		budgetID, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		resource := resourceFromOrdinal(args[2].I32())
		balance, code := b.env.QueryBudgetBalance(b.ctx, budgetID, resource)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(b.writeOut(args[3].I32(), args[4].I32(), []byte(fmt.Sprintf("%d", balance)))), nil
	})

	def("record_budget_vote", []wasmer.ValueKind{i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		budgetID, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		proposalID, err := b.readString(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		vote := voteChoiceFromOrdinal(args[4].I32())
		return wrapI32(b.env.RecordBudgetVote(b.ctx, budgetID, proposalID, vote, nil)), nil
	})

	def("tally_budget_votes", []wasmer.ValueKind{i, i, i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		budgetID, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		proposalID, err := b.readString(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		result, code := b.env.TallyBudgetVotes(b.ctx, budgetID, proposalID, int(args[4].I32()))
		if code != 0 {
			return wrapI32(code), nil
		}
		enc, err := json.Marshal(result)
		if err != nil {
			return wrapI32(-4), nil
		}
		return wrapI32(b.writeOut(args[5].I32(), args[6].I32(), enc)), nil
	})

	def("finalize_budget_proposal", []wasmer.ValueKind{i, i, i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		budgetID, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		proposalID, err := b.readString(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		status, code := b.env.FinalizeBudgetProposal(b.ctx, budgetID, proposalID, int(args[4].I32()))
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(b.writeOut(args[5].I32(), args[6].I32(), []byte(status))), nil
	})

	def("mint_token", []wasmer.ValueKind{i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		to, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		return wrapI32(b.env.MintToken(b.ctx, DID(to), uint64(args[2].I32()))), nil
	})

	def("transfer_resource", []wasmer.ValueKind{i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		to, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		return wrapI32(b.env.TransferResource(b.ctx, DID(to), uint64(args[2].I32()))), nil
	})

	def("lock_tokens", []wasmer.ValueKind{i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		escrowID, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		to, err := b.readString(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		return wrapI32(b.env.LockTokens(b.ctx, escrowID, DID(to), uint64(args[4].I32()))), nil
	})

	def("release_tokens", []wasmer.ValueKind{i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		escrowID, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		return wrapI32(b.env.ReleaseTokens(b.ctx, escrowID)), nil
	})

	def("refund_tokens", []wasmer.ValueKind{i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		escrowID, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		return wrapI32(b.env.RefundTokens(b.ctx, escrowID)), nil
	})

	def("create_sub_dag", []wasmer.ValueKind{i, i, i, i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		parent, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		raw, err := b.read(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		var payload any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return wrapI32(-4), nil
		}
		entityType, err := b.readString(args[4].I32(), args[5].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		did, _, code := b.env.CreateSubDag(b.ctx, DID(parent), payload, entityType)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(b.writeOut(args[6].I32(), args[7].I32(), []byte(did))), nil
	})

	def("store_node", []wasmer.ValueKind{i, i, i, i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		entity, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		raw, err := b.read(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		var payload any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return wrapI32(-4), nil
		}
		sig, err := b.read(args[4].I32(), args[5].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		c, code := b.env.StoreNode(b.ctx, DID(entity), payload, nil, sig, nil)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(b.writeOut(args[6].I32(), args[7].I32(), []byte(c.String()))), nil
	})

	def("get_node", []wasmer.ValueKind{i, i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		entity, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		cidStr, err := b.readString(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		c, err := ParseContentID(cidStr)
		if err != nil {
			return wrapI32(-4), nil
		}
		node, ok, code := b.env.GetNode(b.ctx, DID(entity), c)
		if code != 0 {
			return wrapI32(code), nil
		}
		if !ok {
			return wrapI32(0), nil
		}
		enc, err := json.Marshal(node)
		if err != nil {
			return wrapI32(-4), nil
		}
		return wrapI32(b.writeOut(args[4].I32(), args[5].I32(), enc)), nil
	})

	def("contains_node", []wasmer.ValueKind{i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		entity, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		cidStr, err := b.readString(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		c, err := ParseContentID(cidStr)
		if err != nil {
			return wrapI32(-4), nil
		}
		ok, code := b.env.ContainsNode(b.ctx, DID(entity), c)
		if code != 0 {
			return wrapI32(code), nil
		}
		if ok {
			return wrapI32(1), nil
		}
		return wrapI32(0), nil
	})

	def("get_active_mesh_policy_cid", []wasmer.ValueKind{i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		scope, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		cidStr, code := b.env.GetActiveMeshPolicyCID(b.ctx, DID(scope))
		if code != 0 {
			return wrapI32(code), nil
		}
		if cidStr == "" {
			return wrapI32(0), nil
		}
		return wrapI32(b.writeOut(args[2].I32(), args[3].I32(), []byte(cidStr))), nil
	})

	def("load_mesh_policy", []wasmer.ValueKind{i, i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		scope, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		cidStr, err := b.readString(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		p, code := b.env.LoadMeshPolicy(b.ctx, DID(scope), cidStr)
		if code != 0 {
			return wrapI32(code), nil
		}
		enc, err := json.Marshal(p)
		if err != nil {
			return wrapI32(-4), nil
		}
		return wrapI32(b.writeOut(args[4].I32(), args[5].I32(), enc)), nil
	})

	def("update_mesh_policy", []wasmer.ValueKind{i, i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		scope, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		raw, err := b.read(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		var p MeshPolicy
		if err := json.Unmarshal(raw, &p); err != nil {
			return wrapI32(-4), nil
		}
		cidStr, code := b.env.UpdateMeshPolicy(b.ctx, DID(scope), p)
		if code != 0 {
			return wrapI32(code), nil
		}
		return wrapI32(b.writeOut(args[4].I32(), args[5].I32(), []byte(cidStr))), nil
	})

	def("activate_mesh_policy", []wasmer.ValueKind{i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		scope, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		cidStr, err := b.readString(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		return wrapI32(b.env.ActivateMeshPolicy(b.ctx, DID(scope), cidStr)), nil
	})

	def("record_policy_vote", []wasmer.ValueKind{i, i, i, i, i}, []wasmer.ValueKind{i}, func(args []wasmer.Value) ([]wasmer.Value, error) {
		scope, err := b.readString(args[0].I32(), args[1].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		cidStr, err := b.readString(args[2].I32(), args[3].I32())
		if err != nil {
			return wrapI32(int32(hostErrorCode(err))), nil
		}
		vote := voteChoiceFromOrdinal(args[4].I32())
		return wrapI32(b.env.RecordPolicyVote(b.ctx, DID(scope), cidStr, vote)), nil
	})

	imports.Register("env", fns)
	return imports
}

// voteChoiceFromOrdinal maps the wasm vote encoding (0=Approve,
// 1=Reject, 2=Abstain) to a VoteChoice; any other ordinal is treated as an
// abstention rather than a hard failure, since an out-of-range vote is a
// caller bug, not a host fault.
func voteChoiceFromOrdinal(v int32) VoteChoice {
	switch v {
	case 0:
		return VoteChoice{Kind: VoteApprove}
	case 1:
		return VoteChoice{Kind: VoteReject}
	default:
		return VoteChoice{Kind: VoteAbstain}
	}
}

func scopeOrdinal(s ScopeType) int {
	order := []ScopeType{ScopeFederation, ScopeCooperative, ScopeCommunity, ScopeNode, ScopeIndividual, ScopeAdministrator, ScopeGuardian}
	for i, o := range order {
		if o == s {
			return i
		}
	}
	return -1
}

func resourceFromOrdinal(v int32) ResourceType {
	order := []ResourceType{ResourceCompute, ResourceStorage, ResourceNetwork, ResourceToken}
	if int(v) < 0 || int(v) >= len(order) {
		return ResourceCompute
	}
	return order[v]
}

func logLevelFromOrdinal(v int32) string {
	switch v {
	case 0:
		return "Debug"
	case 2:
		return "Warn"
	case 3:
		return "Error"
	default:
		return "Info"
	}
}
