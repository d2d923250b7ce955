package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

var abiLog = logrus.WithField("component", "hostabi")

// baseCost is the static per-call charge against the Compute
// authorization, keyed by host function name: this ABI has no bytecode
// opcode space of its own — every call is a named import.
var baseCost = map[string]uint64{
	"storage_get":                    50,
	"storage_put":                    100,
	"blob_put":                       150,
	"blob_get":                       50,
	"get_caller_did":                 5,
	"get_caller_scope":               5,
	"verify_signature":               200,
	"check_resource_authorization":   10,
	"record_resource_usage":          10,
	"budget_allocate":                100,
	"propose_budget_spend":           150,
	"query_budget_balance":           20,
	"record_budget_vote":             100,
	"tally_budget_votes":             150,
	"finalize_budget_proposal":       200,
	"mint_token":                     200,
	"transfer_resource":              150,
	"lock_tokens":                    150,
	"release_tokens":                 150,
	"refund_tokens":                  150,
	"create_sub_dag":                 300,
	"store_node":                     200,
	"get_node":                       50,
	"contains_node":                  20,
	"anchor_to_dag":                  300,
	"get_active_mesh_policy_cid":     20,
	"load_mesh_policy":               100,
	"update_mesh_policy":             200,
	"activate_mesh_policy":           150,
	"record_policy_vote":             100,
	"log":                            5,
}

// defaultBaseCost is charged for any host function name not present in the
// table above; it is deliberately punitive so an un-priced addition to the
// ABI gets noticed rather than silently running free.
const defaultBaseCost = 10_000

// sizeCostPerByte is the size-linear portion added to baseCost for calls
// whose argument length scales with payload size.
const sizeCostPerByte uint64 = 1

// chargeHostCall debits the Compute authorization for a named host call
// plus size bytes of linear cost, returning the negative code to
// surface to the module on failure (0 on success).
func chargeHostCall(ctx *VMContext, name string, size int) int32 {
	cost, ok := baseCost[name]
	if !ok {
		cost = defaultBaseCost
	}
	cost += uint64(size) * sizeCostPerByte
	if err := RecordConsumption(ctx, ResourceCompute, cost); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// charge is chargeHostCall plus an optional Prometheus observation; every
// HostEnv method routes its cost check through this instead of
// chargeHostCall directly so the call-site count stays accurate even when
// Health is nil.
func (h *HostEnv) charge(ctx *VMContext, name string, size int) int32 {
	h.Health.RecordHostCall(name)
	return chargeHostCall(ctx, name, size)
}

// HostEnv binds every capability a sandboxed module can reach through the
// import set. One HostEnv may serve many executions (a Sandbox reuses its
// env and resets Logs on each Execute); authorization consumption lives in
// the VMContext passed to each call, which keeps RecordConsumption
// single-threaded per context.
type HostEnv struct {
	KV       KVStore
	Blobs    *BlobStore
	DAG      *EntityDAGStore
	Keys     *KeyManager
	Auths    *AuthorizationStore
	Budgets  *BudgetEngine
	Tokens   *TokenLedger
	Policies *PolicyStore
	Health   *HealthMonitor // optional; nil disables metrics
	Logs     []LogEntry
}

// LogEntry is one line emitted through the log host function.
type LogEntry struct {
	Level string
	Msg   string
}

// NewHostEnv wires a fresh environment over the given subsystem instances.
// Any of them may be nil; calls routed to a nil subsystem fail with the
// matching ABI error class instead of panicking.
func NewHostEnv(kv KVStore, blobs *BlobStore, dag *EntityDAGStore, keys *KeyManager, auths *AuthorizationStore, budgets *BudgetEngine, tokens *TokenLedger, policies *PolicyStore) *HostEnv {
	return &HostEnv{KV: kv, Blobs: blobs, DAG: dag, Keys: keys, Auths: auths, Budgets: budgets, Tokens: tokens, Policies: policies}
}

// --- Storage / blob -------------------------------------------------------

// StorageGet is storage_get: a caller-keyed read against the module's own
// KV namespace, distinct from blob_get's content-addressed lookup.
// Absence is reported via the bool, not an error.
func (h *HostEnv) StorageGet(ctx *VMContext, key []byte) ([]byte, bool, int32) {
	if code := h.charge(ctx, "storage_get", len(key)); code != 0 {
		return nil, false, code
	}
	if h.KV == nil {
		return nil, false, -2
	}
	val, err := h.KV.Get(moduleKVKey(ctx, key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, 0
		}
		return nil, false, hostErrorCode(err)
	}
	return val, true, 0
}

// StoragePut is storage_put: stores val under the caller's own key within
// its module KV namespace.
func (h *HostEnv) StoragePut(ctx *VMContext, key, val []byte) int32 {
	if code := h.charge(ctx, "storage_put", len(key)+len(val)); code != 0 {
		return code
	}
	if h.KV == nil {
		return -2
	}
	if err := h.KV.Set(moduleKVKey(ctx, key), val); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// moduleKVKey namespaces a module-supplied key under the calling entity's
// DID so two entities' sandboxed programs never collide in the shared
// KVStore.
func moduleKVKey(ctx *VMContext, key []byte) []byte {
	return append([]byte("mod::"+string(ctx.CallerDID)+"::"), key...)
}

// BlobPut is blob_put.
func (h *HostEnv) BlobPut(ctx *VMContext, content []byte) (cid.Cid, int32) {
	if code := h.charge(ctx, "blob_put", len(content)); code != 0 {
		return cid.Undef, code
	}
	if h.Blobs == nil {
		return cid.Undef, -2
	}
	c, err := h.Blobs.Put(content)
	if err != nil {
		return cid.Undef, hostErrorCode(err)
	}
	return c, 0
}

// BlobGet is blob_get.
func (h *HostEnv) BlobGet(ctx *VMContext, id cid.Cid) ([]byte, bool, int32) {
	if code := h.charge(ctx, "blob_get", 0); code != 0 {
		return nil, false, code
	}
	if h.Blobs == nil {
		return nil, false, -2
	}
	val, ok, err := h.Blobs.Get(id)
	if err != nil {
		return nil, false, hostErrorCode(err)
	}
	return val, ok, 0
}

// --- Identity ---------------------------------------------------------

// GetCallerDID is get_caller_did.
func (h *HostEnv) GetCallerDID(ctx *VMContext) (DID, int32) {
	if code := h.charge(ctx, "get_caller_did", 0); code != 0 {
		return "", code
	}
	return ctx.CallerDID, 0
}

// GetCallerScope is get_caller_scope.
func (h *HostEnv) GetCallerScope(ctx *VMContext) (ScopeType, int32) {
	if code := h.charge(ctx, "get_caller_scope", 0); code != 0 {
		return "", code
	}
	return ctx.CallerScope, 0
}

// VerifySignature is verify_signature, returning {0,1} on success, negative
// on a hard ABI failure (malformed DID, not a cryptographic mismatch —
// that's reported as 0).
func (h *HostEnv) VerifySignature(ctx *VMContext, did DID, msg, sig []byte) (int32, int32) {
	if code := h.charge(ctx, "verify_signature", len(msg)+len(sig)); code != 0 {
		return 0, code
	}
	if _, err := PublicKeyFromDIDKey(did); err != nil {
		return 0, hostErrorCode(err)
	}
	if err := Verify(msg, sig, did); err != nil {
		return 0, 0
	}
	return 1, 0
}

// --- Economics ----------------------------------------------------------

// CheckResourceAuthorization is check_resource_authorization.
func (h *HostEnv) CheckResourceAuthorization(ctx *VMContext, resource ResourceType, amount uint64) (int32, int32) {
	if code := h.charge(ctx, "check_resource_authorization", 0); code != 0 {
		return 0, code
	}
	for _, a := range ctx.Authorizations {
		if a.Resource != resource {
			continue
		}
		if a.Expiry != nil && *a.Expiry <= ctx.Timestamp.Unix() {
			continue
		}
		if a.Consumed+amount <= a.Authorized {
			return 1, 0
		}
	}
	if ctx.ResourceAuthorizations[resource] {
		return 1, 0
	}
	return 0, 0
}

// RecordResourceUsage is record_resource_usage.
func (h *HostEnv) RecordResourceUsage(ctx *VMContext, resource ResourceType, amount uint64) int32 {
	if code := h.charge(ctx, "record_resource_usage", 0); code != 0 {
		return code
	}
	if err := RecordConsumption(ctx, resource, amount); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// BudgetAllocate is budget_allocate.
func (h *HostEnv) BudgetAllocate(ctx *VMContext, budgetID string, resource ResourceType, amount uint64) int32 {
	if code := h.charge(ctx, "budget_allocate", 0); code != 0 {
		return code
	}
	if h.Budgets == nil {
		return -5
	}
	if err := h.Budgets.AllocateToBudget(budgetID, resource, amount); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// ProposeBudgetSpend is propose_budget_spend.
func (h *HostEnv) ProposeBudgetSpend(ctx *VMContext, budgetID, title, description, category string, requested map[ResourceType]uint64) (*BudgetProposal, int32) {
	if code := h.charge(ctx, "propose_budget_spend", len(title)+len(description)); code != 0 {
		return nil, code
	}
	if h.Budgets == nil {
		return nil, -5
	}
	p, err := h.Budgets.ProposeBudgetSpend(budgetID, title, description, requested, ctx.CallerDID, category, nil, ctx.Timestamp)
	if err != nil {
		return nil, hostErrorCode(err)
	}
	return p, 0
}

// QueryBudgetBalance is query_budget_balance: remaining = allocated - spent
// for the given resource.
func (h *HostEnv) QueryBudgetBalance(ctx *VMContext, budgetID string, resource ResourceType) (uint64, int32) {
	if code := h.charge(ctx, "query_budget_balance", 0); code != 0 {
		return 0, code
	}
	if h.Budgets == nil {
		return 0, -5
	}
	bal, err := h.Budgets.QueryBalance(budgetID, resource)
	if err != nil {
		return 0, hostErrorCode(err)
	}
	return bal, 0
}

// RecordBudgetVote is record_budget_vote.
func (h *HostEnv) RecordBudgetVote(ctx *VMContext, budgetID, proposalID string, vote VoteChoice, membership MembershipChecker) int32 {
	if code := h.charge(ctx, "record_budget_vote", 0); code != 0 {
		return code
	}
	if h.Budgets == nil {
		return -5
	}
	if err := h.Budgets.RecordBudgetVote(budgetID, proposalID, ctx.CallerDID, vote, ctx.Timestamp, membership); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// TallyBudgetVotes is tally_budget_votes.
func (h *HostEnv) TallyBudgetVotes(ctx *VMContext, budgetID, proposalID string, eligibleVoters int) (TallyResult, int32) {
	if code := h.charge(ctx, "tally_budget_votes", 0); code != 0 {
		return TallyResult{}, code
	}
	if h.Budgets == nil {
		return TallyResult{}, -5
	}
	r, err := h.Budgets.TallyBudgetVotes(budgetID, proposalID, eligibleVoters)
	if err != nil {
		return TallyResult{}, hostErrorCode(err)
	}
	return r, 0
}

// FinalizeBudgetProposal is finalize_budget_proposal.
func (h *HostEnv) FinalizeBudgetProposal(ctx *VMContext, budgetID, proposalID string, eligibleVoters int) (ProposalStatus, int32) {
	if code := h.charge(ctx, "finalize_budget_proposal", 0); code != 0 {
		return "", code
	}
	if h.Budgets == nil {
		return "", -5
	}
	status, err := h.Budgets.FinalizeBudgetProposal(budgetID, proposalID, eligibleVoters, ctx.Timestamp)
	if err != nil {
		return "", hostErrorCode(err)
	}
	return status, 0
}

// TokenLedger is the minimal balance/escrow ledger backing mint_token,
// transfer_resource, and the lock/release/refund escrow triad: a balances
// map plus a keyed escrow table.
type TokenLedger struct {
	mu       sync.Mutex
	balances map[DID]uint64
	escrow   map[string]tokenEscrow
}

type tokenEscrow struct {
	from, to DID
	amount   uint64
	locked   bool
}

// NewTokenLedger returns an empty ledger.
func NewTokenLedger() *TokenLedger {
	return &TokenLedger{balances: make(map[DID]uint64), escrow: make(map[string]tokenEscrow)}
}

func (l *TokenLedger) Balance(did DID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[did]
}

func (l *TokenLedger) mint(to DID, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] += amount
}

func (l *TokenLedger) transfer(from, to DID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return ErrInsufficientBalance
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

func (l *TokenLedger) lock(escrowID string, from, to DID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return ErrInsufficientBalance
	}
	if _, exists := l.escrow[escrowID]; exists {
		return fmt.Errorf("%w: escrow already exists", ErrInvalidBudget)
	}
	l.balances[from] -= amount
	l.escrow[escrowID] = tokenEscrow{from: from, to: to, amount: amount, locked: true}
	return nil
}

func (l *TokenLedger) release(escrowID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrow[escrowID]
	if !ok || !e.locked {
		return ErrInvalidBudget
	}
	l.balances[e.to] += e.amount
	e.locked = false
	l.escrow[escrowID] = e
	return nil
}

func (l *TokenLedger) refund(escrowID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrow[escrowID]
	if !ok || !e.locked {
		return ErrInvalidBudget
	}
	l.balances[e.from] += e.amount
	e.locked = false
	l.escrow[escrowID] = e
	return nil
}

// MintToken is mint_token: administrator-scope only.
func (h *HostEnv) MintToken(ctx *VMContext, to DID, amount uint64) int32 {
	if code := h.charge(ctx, "mint_token", 0); code != 0 {
		return code
	}
	if ctx.CallerScope != ScopeAdministrator {
		return hostErrorCode(ErrGovUnauthorized)
	}
	if h.Tokens == nil {
		return -5
	}
	h.Tokens.mint(to, amount)
	return 0
}

// TransferResource is transfer_resource.
func (h *HostEnv) TransferResource(ctx *VMContext, to DID, amount uint64) int32 {
	if code := h.charge(ctx, "transfer_resource", 0); code != 0 {
		return code
	}
	if h.Tokens == nil {
		return -5
	}
	if err := h.Tokens.transfer(ctx.CallerDID, to, amount); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// LockTokens is lock_tokens: escrows amount from the caller under escrowID.
func (h *HostEnv) LockTokens(ctx *VMContext, escrowID string, to DID, amount uint64) int32 {
	if code := h.charge(ctx, "lock_tokens", len(escrowID)); code != 0 {
		return code
	}
	if h.Tokens == nil {
		return -5
	}
	if err := h.Tokens.lock(escrowID, ctx.CallerDID, to, amount); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// ReleaseTokens is release_tokens: credits the escrow's recipient.
func (h *HostEnv) ReleaseTokens(ctx *VMContext, escrowID string) int32 {
	if code := h.charge(ctx, "release_tokens", len(escrowID)); code != 0 {
		return code
	}
	if h.Tokens == nil {
		return -5
	}
	if err := h.Tokens.release(escrowID); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// RefundTokens is refund_tokens: returns the escrow to its sender.
func (h *HostEnv) RefundTokens(ctx *VMContext, escrowID string) int32 {
	if code := h.charge(ctx, "refund_tokens", len(escrowID)); code != 0 {
		return code
	}
	if h.Tokens == nil {
		return -5
	}
	if err := h.Tokens.refund(escrowID); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// --- DAG ------------------------------------------------------------------

// CreateSubDag is create_sub_dag: generates a fresh DID, stores the genesis
// node under it, registers entity metadata, and returns the new DID.
func (h *HostEnv) CreateSubDag(ctx *VMContext, parentDID DID, genesisPayload any, entityType string) (DID, cid.Cid, int32) {
	if code := h.charge(ctx, "create_sub_dag", 0); code != 0 {
		return "", cid.Undef, code
	}
	if h.DAG == nil || h.Keys == nil {
		return "", cid.Undef, -3
	}
	did, _, err := h.Keys.GenerateAndStoreDIDKey()
	if err != nil {
		return "", cid.Undef, hostErrorCode(err)
	}
	builder := NodeBuilder{Payload: genesisPayload, ContentType: entityType, Timestamp: ctx.Timestamp.Unix()}
	c, _, err := h.DAG.StoreNewDAGRoot(did, builder)
	if err != nil {
		return "", cid.Undef, hostErrorCode(err)
	}
	meta := EntityMetadata{
		EntityDID:  did,
		ParentDID:  &parentDID,
		GenesisCID: c.String(),
		EntityType: entityType,
		CreatedAt:  ctx.Timestamp,
	}
	if err := h.Keys.RegisterEntityMetadata(meta); err != nil {
		return "", cid.Undef, hostErrorCode(err)
	}
	return did, c, 0
}

// StoreNode is store_node.
func (h *HostEnv) StoreNode(ctx *VMContext, entity DID, payload any, parents []cid.Cid, sig []byte, tags []string) (cid.Cid, int32) {
	if code := h.charge(ctx, "store_node", 0); code != 0 {
		return cid.Undef, code
	}
	if h.DAG == nil {
		return cid.Undef, -3
	}
	c, _, err := h.DAG.StoreNode(entity, NodeBuilder{
		Parents: parents, Payload: payload, Signature: sig, Tags: tags, Timestamp: ctx.Timestamp.Unix(),
	})
	if err != nil {
		return cid.Undef, hostErrorCode(err)
	}
	return c, 0
}

// GetNode is get_node.
func (h *HostEnv) GetNode(ctx *VMContext, entity DID, c cid.Cid) (*Node, bool, int32) {
	if code := h.charge(ctx, "get_node", 0); code != 0 {
		return nil, false, code
	}
	if h.DAG == nil {
		return nil, false, -3
	}
	n, ok := h.DAG.GetNode(entity, c)
	return n, ok, 0
}

// ContainsNode is contains_node.
func (h *HostEnv) ContainsNode(ctx *VMContext, entity DID, c cid.Cid) (bool, int32) {
	if code := h.charge(ctx, "contains_node", 0); code != 0 {
		return false, code
	}
	if h.DAG == nil {
		return false, -3
	}
	return h.DAG.ContainsNode(entity, c), 0
}

// AnchorToDAG is anchor_to_dag: wraps payload with {anchored_by,
// execution_id, timestamp} metadata and stores both a blob and a DAG entry
// for the caller's own partition.
func (h *HostEnv) AnchorToDAG(ctx *VMContext, payload any) (cid.Cid, cid.Cid, int32) {
	if code := h.charge(ctx, "anchor_to_dag", 0); code != 0 {
		return cid.Undef, cid.Undef, code
	}
	if h.DAG == nil || h.Blobs == nil {
		return cid.Undef, cid.Undef, -3
	}
	wrapped := map[string]any{
		"payload":      payload,
		"anchored_by":  ctx.CallerDID,
		"execution_id": ctx.ExecutionID.String(),
		"timestamp":    ctx.Timestamp.Unix(),
	}
	enc, err := canonicalJSON(wrapped)
	if err != nil {
		return cid.Undef, cid.Undef, -4
	}
	blobID, err := h.Blobs.Put(enc)
	if err != nil {
		return cid.Undef, cid.Undef, hostErrorCode(err)
	}
	nodeID, _, err := h.DAG.StoreNode(ctx.CallerDID, NodeBuilder{Payload: wrapped, Timestamp: ctx.Timestamp.Unix()})
	if err != nil {
		return blobID, cid.Undef, hostErrorCode(err)
	}
	return blobID, nodeID, 0
}

// --- Governance (mesh policy) ----------------------------------------------

// GetActiveMeshPolicyCID is get_active_mesh_policy_cid.
func (h *HostEnv) GetActiveMeshPolicyCID(ctx *VMContext, scope DID) (string, int32) {
	if code := h.charge(ctx, "get_active_mesh_policy_cid", 0); code != 0 {
		return "", code
	}
	if h.Policies == nil {
		return "", -6
	}
	c, ok := h.Policies.ActiveCID(scope)
	if !ok {
		return "", 0
	}
	return c, 0
}

// LoadMeshPolicy is load_mesh_policy.
func (h *HostEnv) LoadMeshPolicy(ctx *VMContext, scope DID, policyCID string) (MeshPolicy, int32) {
	if code := h.charge(ctx, "load_mesh_policy", len(policyCID)); code != 0 {
		return MeshPolicy{}, code
	}
	if h.Policies == nil {
		return MeshPolicy{}, -6
	}
	p, err := h.Policies.Load(scope, policyCID)
	if err != nil {
		return MeshPolicy{}, hostErrorCode(err)
	}
	return p, 0
}

// UpdateMeshPolicy is update_mesh_policy.
func (h *HostEnv) UpdateMeshPolicy(ctx *VMContext, scope DID, p MeshPolicy) (string, int32) {
	if code := h.charge(ctx, "update_mesh_policy", 0); code != 0 {
		return "", code
	}
	if h.Policies == nil {
		return "", -6
	}
	c, err := h.Policies.Update(scope, p)
	if err != nil {
		return "", hostErrorCode(err)
	}
	return c, 0
}

// ActivateMeshPolicy is activate_mesh_policy.
func (h *HostEnv) ActivateMeshPolicy(ctx *VMContext, scope DID, policyCID string) int32 {
	if code := h.charge(ctx, "activate_mesh_policy", len(policyCID)); code != 0 {
		return code
	}
	if h.Policies == nil {
		return -6
	}
	if err := h.Policies.Activate(scope, policyCID); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// RecordPolicyVote is record_policy_vote.
func (h *HostEnv) RecordPolicyVote(ctx *VMContext, scope DID, policyCID string, vote VoteChoice) int32 {
	if code := h.charge(ctx, "record_policy_vote", len(policyCID)); code != 0 {
		return code
	}
	if h.Policies == nil {
		return -6
	}
	if err := h.Policies.RecordVote(scope, policyCID, ctx.CallerDID, vote); err != nil {
		return hostErrorCode(err)
	}
	return 0
}

// --- Logging ----------------------------------------------------------

// Log is the log host function; it charges only the constant per-call base
// cost regardless of message length.
func (h *HostEnv) Log(ctx *VMContext, level, msg string) int32 {
	if code := h.charge(ctx, "log", 0); code != 0 {
		return code
	}
	h.Logs = append(h.Logs, LogEntry{Level: level, Msg: msg})
	entry := abiLog.WithField("execution_id", ctx.ExecutionID)
	switch level {
	case "Debug":
		entry.Debug(msg)
	case "Warn":
		entry.Warn(msg)
	case "Error":
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
	return 0
}
