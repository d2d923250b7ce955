package core

import (
	"testing"
)

func TestPolicyStoreUpdateLoadRoundTrip(t *testing.T) {
	ps := NewPolicyStore(nil)
	scope := DID("did:key:zScope")
	p := MeshPolicy{Roles: map[string][]string{"voter": {"vote"}}, Quorum: QuorumConfig{Kind: QuorumMajority}}

	cidStr, err := ps.Update(scope, p)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	loaded, err := ps.Load(scope, cidStr)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Roles["voter"][0] != "vote" {
		t.Fatalf("loaded policy does not match stored policy: %+v", loaded)
	}
}

func TestPolicyStoreActivateRequiresMajority(t *testing.T) {
	ps := NewPolicyStore(nil)
	scope := DID("did:key:zScope")
	cidStr, err := ps.Update(scope, MeshPolicy{Quorum: QuorumConfig{Kind: QuorumMajority}})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if err := ps.RecordVote(scope, cidStr, "did:key:zV1", VoteChoice{Kind: VoteApprove}); err != nil {
		t.Fatalf("RecordVote failed: %v", err)
	}
	if err := ps.Activate(scope, cidStr); err != nil {
		t.Fatalf("expected 1-of-1 approve to satisfy majority: %v", err)
	}

	activeCID, ok := ps.ActiveCID(scope)
	if !ok || activeCID != cidStr {
		t.Fatalf("expected activated policy to become the active one")
	}
}

func TestPolicyStoreActivateFailsWithoutQuorum(t *testing.T) {
	ps := NewPolicyStore(nil)
	scope := DID("did:key:zScope")
	cidStr, err := ps.Update(scope, MeshPolicy{Quorum: QuorumConfig{Kind: QuorumMajority}})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if err := ps.RecordVote(scope, cidStr, "did:key:zV1", VoteChoice{Kind: VoteApprove}); err != nil {
		t.Fatalf("RecordVote failed: %v", err)
	}
	if err := ps.RecordVote(scope, cidStr, "did:key:zV2", VoteChoice{Kind: VoteReject}); err != nil {
		t.Fatalf("RecordVote failed: %v", err)
	}
	if err := ps.Activate(scope, cidStr); err == nil {
		t.Fatalf("expected a 1-1 tie to fail majority activation")
	}
}

func TestPolicyStoreActivateRejectsNonMajorityQuorumKind(t *testing.T) {
	ps := NewPolicyStore(nil)
	scope := DID("did:key:zScope")
	cidStr, err := ps.Update(scope, MeshPolicy{Quorum: QuorumConfig{Kind: QuorumThreshold, Percent: 67}})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	_ = ps.RecordVote(scope, cidStr, "did:key:zV1", VoteChoice{Kind: VoteApprove})
	if err := ps.Activate(scope, cidStr); err == nil {
		t.Fatalf("expected Threshold quorum kind to be rejected for unsigned mesh-policy votes")
	}
}

func TestPolicyStoreActivePolicyBeforeActivation(t *testing.T) {
	ps := NewPolicyStore(nil)
	scope := DID("did:key:zScope")
	if _, ok := ps.ActivePolicy(scope); ok {
		t.Fatalf("expected no active policy before any Activate call")
	}
}

func TestPolicyStoreRecordVoteUnknownVersion(t *testing.T) {
	ps := NewPolicyStore(nil)
	if err := ps.RecordVote("did:key:zScope", "bogus-cid", "did:key:zV1", VoteChoice{Kind: VoteApprove}); err == nil {
		t.Fatalf("expected vote on an unknown policy version to fail")
	}
}

func TestPolicyStoreUsesBlobStoreWhenProvided(t *testing.T) {
	blobs := NewBlobStore(NewMemoryKVStore(), 0)
	ps := NewPolicyStore(blobs)
	scope := DID("did:key:zScope")

	cidStr, err := ps.Update(scope, MeshPolicy{Description: "v1"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	c, err := ParseContentID(cidStr)
	if err != nil {
		t.Fatalf("ParseContentID failed: %v", err)
	}
	if ok, _ := blobs.Contains(c); !ok {
		t.Fatalf("expected policy bytes to be content-addressed through the blob store")
	}
}
