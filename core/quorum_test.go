package core

import (
	"testing"
	"time"
)

func signVote(did DID, kp KeyPair, hash []byte) QuorumVote {
	return QuorumVote{Signer: did, Signature: Sign(hash, kp)}
}

func TestVerifyQuorumProofMajority(t *testing.T) {
	hash := []byte("content hash")
	d1, k1 := genKeyPair(t)
	d2, k2 := genKeyPair(t)
	d3, k3 := genKeyPair(t)
	authorized := map[DID]bool{d1: true, d2: true, d3: true}

	qp := QuorumProof{
		Config: QuorumConfig{Kind: QuorumMajority},
		Votes:  []QuorumVote{signVote(d1, k1, hash), signVote(d2, k2, hash)},
	}
	ok, err := VerifyQuorumProof(qp, hash, authorized)
	if err != nil {
		t.Fatalf("VerifyQuorumProof failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected 2-of-3 valid votes to satisfy majority over 2 submitted")
	}
	_ = k3
}

func TestVerifyQuorumProofMajorityFailsOnMinority(t *testing.T) {
	hash := []byte("content hash")
	d1, k1 := genKeyPair(t)
	d2, _ := genKeyPair(t)
	authorized := map[DID]bool{d1: true, d2: true}

	qp := QuorumProof{
		Config: QuorumConfig{Kind: QuorumMajority},
		Votes:  []QuorumVote{signVote(d1, k1, hash), {Signer: d2, Signature: []byte("bogus")}},
	}
	ok, err := VerifyQuorumProof(qp, hash, authorized)
	if err != nil {
		t.Fatalf("VerifyQuorumProof failed: %v", err)
	}
	if ok {
		t.Fatalf("expected 1 valid of 2 submitted votes to miss majority")
	}
}

func TestVerifyQuorumProofUnresolvableSignerErrors(t *testing.T) {
	hash := []byte("content hash")
	bogus := DID("did:key:zNotAValidKey")
	authorized := map[DID]bool{bogus: true}

	qp := QuorumProof{
		Config: QuorumConfig{Kind: QuorumMajority},
		Votes:  []QuorumVote{{Signer: bogus, Signature: []byte("sig")}},
	}
	if _, err := VerifyQuorumProof(qp, hash, authorized); err == nil {
		t.Fatalf("expected an unresolvable signer DID to short-circuit to an error")
	}
}

func TestVerifyQuorumProofIgnoresUnauthorizedSigner(t *testing.T) {
	hash := []byte("content hash")
	d1, k1 := genKeyPair(t)
	outsider, outsiderKp := genKeyPair(t)
	authorized := map[DID]bool{d1: true}

	qp := QuorumProof{
		Config: QuorumConfig{Kind: QuorumMajority},
		Votes:  []QuorumVote{signVote(d1, k1, hash), signVote(outsider, outsiderKp, hash)},
	}
	ok, err := VerifyQuorumProof(qp, hash, authorized)
	if err != nil {
		t.Fatalf("VerifyQuorumProof failed: %v", err)
	}
	if ok {
		t.Fatalf("expected the outsider's vote to be ignored: 1 valid of 2 submitted misses majority")
	}
}

func TestVerifyQuorumProofDedupesRepeatedSigner(t *testing.T) {
	hash := []byte("content hash")
	d1, k1 := genKeyPair(t)
	d2, _ := genKeyPair(t)
	authorized := map[DID]bool{d1: true, d2: true}

	qp := QuorumProof{
		Config: QuorumConfig{Kind: QuorumMajority},
		Votes:  []QuorumVote{signVote(d1, k1, hash), signVote(d1, k1, hash), signVote(d1, k1, hash)},
	}
	ok, err := VerifyQuorumProof(qp, hash, authorized)
	if err != nil {
		t.Fatalf("VerifyQuorumProof failed: %v", err)
	}
	if ok {
		t.Fatalf("expected repeated votes from one signer to count once: 1 valid of 3 submitted misses majority")
	}
}

func TestVerifyQuorumProofThreshold(t *testing.T) {
	hash := []byte("content hash")
	d1, k1 := genKeyPair(t)
	d2, k2 := genKeyPair(t)
	d3, _ := genKeyPair(t)
	authorized := map[DID]bool{d1: true, d2: true, d3: true}

	qp := QuorumProof{
		Config: QuorumConfig{Kind: QuorumThreshold, Percent: 67},
		Votes:  []QuorumVote{signVote(d1, k1, hash), signVote(d2, k2, hash)},
	}
	ok, err := VerifyQuorumProof(qp, hash, authorized)
	if err != nil {
		t.Fatalf("VerifyQuorumProof failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected 2 of 2 submitted votes to satisfy a 67%% threshold")
	}
}

func TestVerifyQuorumProofWeighted(t *testing.T) {
	hash := []byte("content hash")
	d1, k1 := genKeyPair(t)
	d2, k2 := genKeyPair(t)
	authorized := map[DID]bool{d1: true, d2: true}

	qp := QuorumProof{
		Config: QuorumConfig{
			Kind:     QuorumWeighted,
			Signers:  []WeightedSigner{{Signer: d1, Weight: 60}, {Signer: d2, Weight: 40}},
			Required: 50,
		},
		Votes: []QuorumVote{signVote(d1, k1, hash)},
	}
	ok, err := VerifyQuorumProof(qp, hash, authorized)
	if err != nil {
		t.Fatalf("VerifyQuorumProof failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected weight 60 to satisfy a required 50")
	}

	qp.Votes = []QuorumVote{signVote(d2, k2, hash)}
	ok, err = VerifyQuorumProof(qp, hash, authorized)
	if err != nil {
		t.Fatalf("VerifyQuorumProof failed: %v", err)
	}
	if ok {
		t.Fatalf("expected weight 40 to fail a required 50")
	}
}

func TestTrustBundleCanonicalHashStable(t *testing.T) {
	tb := TrustBundle{EpochID: 3, FederationID: "fed-1", DAGRoots: []string{"cidA", "cidB"}}
	h1, err := tb.CanonicalHash()
	if err != nil {
		t.Fatalf("CanonicalHash failed: %v", err)
	}
	h2, err := tb.CanonicalHash()
	if err != nil {
		t.Fatalf("CanonicalHash failed: %v", err)
	}
	if string(h1) != string(h2) {
		t.Fatalf("expected stable canonical hash across calls")
	}

	tb2 := TrustBundle{EpochID: 4, FederationID: "fed-1", DAGRoots: []string{"cidA", "cidB"}}
	h3, err := tb2.CanonicalHash()
	if err != nil {
		t.Fatalf("CanonicalHash failed: %v", err)
	}
	if string(h1) == string(h3) {
		t.Fatalf("expected different epoch ids to produce different hashes")
	}
}

func TestVerifyTrustBundleRoundTrip(t *testing.T) {
	guardianDID, guardianKp := genKeyPair(t)
	guardians := map[DID]bool{guardianDID: true}

	tb := TrustBundle{EpochID: 1, FederationID: "fed-1", DAGRoots: []string{"cidA"}}
	hash, err := tb.CanonicalHash()
	if err != nil {
		t.Fatalf("CanonicalHash failed: %v", err)
	}
	tb.Proof = &QuorumProof{
		Config: QuorumConfig{Kind: QuorumMajority},
		Votes:  []QuorumVote{signVote(guardianDID, guardianKp, hash)},
	}

	ok, err := VerifyTrustBundle(tb, guardians, time.Now().UTC())
	if err != nil {
		t.Fatalf("VerifyTrustBundle failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected trust bundle with a valid quorum proof to verify")
	}
}

func TestVerifyTrustBundleMissingProofFails(t *testing.T) {
	tb := TrustBundle{EpochID: 1, FederationID: "fed-1"}
	if _, err := VerifyTrustBundle(tb, map[DID]bool{}, time.Now().UTC()); err == nil {
		t.Fatalf("expected missing proof to fail verification")
	}
}
