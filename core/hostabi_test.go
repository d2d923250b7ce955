package core

import (
	"testing"
	"time"
)

func newTestHostEnv(t *testing.T) (*HostEnv, *KeyManager) {
	t.Helper()
	kv := NewMemoryKVStore()
	blobs := NewBlobStore(kv, 0)
	dag := NewEntityDAGStore(kv)
	keys := NewKeyManager()
	auths := NewAuthorizationStore(kv)
	budgets := NewBudgetEngine(auths)
	tokens := NewTokenLedger()
	policies := NewPolicyStore(blobs)
	return NewHostEnv(kv, blobs, dag, keys, auths, budgets, tokens, policies), keys
}

func newTestVMContext(caller DID, scope ScopeType, auths []Authorization) *VMContext {
	return NewVMContext(caller, scope, auths, time.Now().UTC())
}

// newPermissiveVMContext allow-lists Compute so per-call charges are
// recorded without a ceiling; used by tests that exercise host functions
// other than the charging itself.
func newPermissiveVMContext(caller DID, scope ScopeType) *VMContext {
	ctx := NewVMContext(caller, scope, nil, time.Now().UTC())
	ctx.ResourceAuthorizations[ResourceCompute] = true
	return ctx
}

func TestHostEnvRecordResourceUsageChargesThroughRecordConsumption(t *testing.T) {
	env, _ := newTestHostEnv(t)
	ctx := newTestVMContext("did:key:zCaller", ScopeIndividual, []Authorization{
		{Resource: ResourceCompute, Authorized: 100},
	})

	// record_resource_usage itself costs 10 from the base-cost table, so
	// the first call lands at 10 + 40 = 50 consumed.
	if code := env.RecordResourceUsage(ctx, ResourceCompute, 40); code != 0 {
		t.Fatalf("expected successful charge, got code %d", code)
	}
	if got := ctx.ConsumedResources[ResourceCompute]; got != 50 {
		t.Fatalf("expected 50 consumed (10 base + 40 usage), got %d", got)
	}

	// The second call's base cost still fits (50 + 10 = 60) but the 90-unit
	// usage would overrun the 100 ceiling, so only the base cost sticks.
	if code := env.RecordResourceUsage(ctx, ResourceCompute, 90); code != hostErrorCode(ErrResourceLimitExceeded) {
		t.Fatalf("expected ErrResourceLimitExceeded code %d, got %d", hostErrorCode(ErrResourceLimitExceeded), code)
	}
	if got := ctx.ConsumedResources[ResourceCompute]; got != 60 {
		t.Fatalf("expected consumed at 60 after a rejected usage charge, got %d", got)
	}
}

func TestHostEnvRecordResourceUsageRejectsUnauthorizedCaller(t *testing.T) {
	env, _ := newTestHostEnv(t)
	ctx := newTestVMContext("did:key:zCaller", ScopeIndividual, nil)

	if code := env.RecordResourceUsage(ctx, ResourceCompute, 1); code != hostErrorCode(ErrUnauthorizedAccess) {
		t.Fatalf("expected ErrUnauthorizedAccess code, got %d", code)
	}
}

func TestHostEnvMintTokenRequiresAdministratorScope(t *testing.T) {
	env, _ := newTestHostEnv(t)
	ctx := newPermissiveVMContext("did:key:zIndividual", ScopeIndividual)

	if code := env.MintToken(ctx, "did:key:zRecipient", 500); code != hostErrorCode(ErrGovUnauthorized) {
		t.Fatalf("expected ErrGovUnauthorized for a non-administrator caller, got %d", code)
	}
	if bal := env.Tokens.Balance("did:key:zRecipient"); bal != 0 {
		t.Fatalf("expected no tokens minted on a rejected call, got balance %d", bal)
	}
}

func TestHostEnvMintTokenAdministratorSucceeds(t *testing.T) {
	env, _ := newTestHostEnv(t)
	ctx := newPermissiveVMContext("did:key:zAdmin", ScopeAdministrator)

	if code := env.MintToken(ctx, "did:key:zRecipient", 500); code != 0 {
		t.Fatalf("expected administrator mint to succeed, got code %d", code)
	}
	if bal := env.Tokens.Balance("did:key:zRecipient"); bal != 500 {
		t.Fatalf("expected recipient balance 500, got %d", bal)
	}
}

func TestHostEnvTokenEscrowLockReleaseTriad(t *testing.T) {
	env, _ := newTestHostEnv(t)
	admin := newPermissiveVMContext("did:key:zAdmin", ScopeAdministrator)
	if code := env.MintToken(admin, "did:key:zFrom", 1000); code != 0 {
		t.Fatalf("mint failed: code %d", code)
	}

	from := newPermissiveVMContext("did:key:zFrom", ScopeIndividual)
	if code := env.LockTokens(from, "escrow-1", "did:key:zTo", 300); code != 0 {
		t.Fatalf("LockTokens failed: code %d", code)
	}
	if bal := env.Tokens.Balance("did:key:zFrom"); bal != 700 {
		t.Fatalf("expected sender balance debited to 700 while locked, got %d", bal)
	}

	if code := env.ReleaseTokens(from, "escrow-1"); code != 0 {
		t.Fatalf("ReleaseTokens failed: code %d", code)
	}
	if bal := env.Tokens.Balance("did:key:zTo"); bal != 300 {
		t.Fatalf("expected recipient credited 300 on release, got %d", bal)
	}

	// Releasing a second time must fail: the escrow is no longer locked.
	if code := env.ReleaseTokens(from, "escrow-1"); code == 0 {
		t.Fatalf("expected second release of the same escrow to fail")
	}
}

func TestHostEnvTokenEscrowLockRefund(t *testing.T) {
	env, _ := newTestHostEnv(t)
	admin := newPermissiveVMContext("did:key:zAdmin", ScopeAdministrator)
	if code := env.MintToken(admin, "did:key:zFrom", 1000); code != 0 {
		t.Fatalf("mint failed: code %d", code)
	}

	from := newPermissiveVMContext("did:key:zFrom", ScopeIndividual)
	if code := env.LockTokens(from, "escrow-2", "did:key:zTo", 250); code != 0 {
		t.Fatalf("LockTokens failed: code %d", code)
	}
	if code := env.RefundTokens(from, "escrow-2"); code != 0 {
		t.Fatalf("RefundTokens failed: code %d", code)
	}
	if bal := env.Tokens.Balance("did:key:zFrom"); bal != 1000 {
		t.Fatalf("expected sender refunded back to 1000, got %d", bal)
	}
	if bal := env.Tokens.Balance("did:key:zTo"); bal != 0 {
		t.Fatalf("expected recipient to receive nothing on a refund, got %d", bal)
	}

	// Refunding an already-released (or already-refunded) escrow must fail.
	if code := env.RefundTokens(from, "escrow-2"); code == 0 {
		t.Fatalf("expected refund of an already-settled escrow to fail")
	}
}

func TestHostEnvCreateSubDagThenAnchorToDAG(t *testing.T) {
	env, _ := newTestHostEnv(t)
	parent := newPermissiveVMContext("did:key:zParent", ScopeCooperative)

	childDID, genesisCID, code := env.CreateSubDag(parent, "did:key:zParent", map[string]any{"kind": "genesis"}, "Community")
	if code != 0 {
		t.Fatalf("CreateSubDag failed: code %d", code)
	}
	if childDID == "" || genesisCID.String() == "" {
		t.Fatalf("expected a non-empty child DID and genesis CID")
	}
	if !env.DAG.ContainsNode(childDID, genesisCID) {
		t.Fatalf("expected the genesis node to be stored under the new entity's partition")
	}
	meta, ok := env.Keys.GetEntityMetadata(childDID)
	if !ok {
		t.Fatalf("expected entity metadata to be registered for the new sub-DAG")
	}
	if meta.ParentDID == nil || *meta.ParentDID != "did:key:zParent" {
		t.Fatalf("expected parent DID to be recorded, got %+v", meta.ParentDID)
	}

	child := newPermissiveVMContext(childDID, ScopeCommunity)
	blobID, nodeID, code := env.AnchorToDAG(child, map[string]any{"event": "milestone"})
	if code != 0 {
		t.Fatalf("AnchorToDAG failed: code %d", code)
	}
	if blobID.String() == "" || nodeID.String() == "" {
		t.Fatalf("expected non-empty blob and node content ids")
	}
	if _, ok, err := env.Blobs.Get(blobID); err != nil || !ok {
		t.Fatalf("expected the anchored payload to be retrievable from the blob store: ok=%v err=%v", ok, err)
	}
	if !env.DAG.ContainsNode(childDID, nodeID) {
		t.Fatalf("expected the anchor to also append a DAG node under the caller's partition")
	}
}

func TestHostEnvChargeGatesEveryCall(t *testing.T) {
	env, _ := newTestHostEnv(t)
	ctx := newTestVMContext("did:key:zCaller", ScopeIndividual, []Authorization{
		{Resource: ResourceCompute, Authorized: 1},
	})

	// get_caller_did costs 5 in the base-cost table; a 1-unit Compute
	// authorization cannot cover it.
	if _, code := env.GetCallerDID(ctx); code == 0 {
		t.Fatalf("expected an under-funded caller to be charged out of the call")
	}
}
