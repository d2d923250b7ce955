package core

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

// QuorumConfigKind discriminates the QuorumConfig sum type.
type QuorumConfigKind string

const (
	QuorumMajority  QuorumConfigKind = "Majority"
	QuorumThreshold QuorumConfigKind = "Threshold"
	QuorumWeighted  QuorumConfigKind = "Weighted"
)

// WeightedSigner is one entry of a Weighted quorum config's signer list.
type WeightedSigner struct {
	Signer DID    `json:"signer"`
	Weight uint32 `json:"weight"`
}

// QuorumConfig is {Majority, Threshold(percent), Weighted(signers,
// required)}.
type QuorumConfig struct {
	Kind     QuorumConfigKind `json:"kind"`
	Percent  uint32           `json:"percent,omitempty"`  // Threshold
	Signers  []WeightedSigner `json:"signers,omitempty"`  // Weighted
	Required uint32           `json:"required,omitempty"` // Weighted
}

// QuorumVote pairs a signer DID with its signature over the content hash.
type QuorumVote struct {
	Signer    DID
	Signature []byte
}

// QuorumProof is a set of votes evaluated against a QuorumConfig and an
// authorized-signer set.
type QuorumProof struct {
	Votes  []QuorumVote
	Config QuorumConfig
}

// VerifyQuorumProof checks qp against content hash H and authorized signer
// set authorized, per dedupe-then-tally algorithm. A signature that
// fails to verify simply does not count toward the tally; a hard
// cryptographic error (a signer DID that cannot be resolved to a key)
// short-circuits to a returned error rather than a false.
func VerifyQuorumProof(qp QuorumProof, contentHash []byte, authorized map[DID]bool) (bool, error) {
	seen := make(map[DID]bool, len(qp.Votes))
	validCount := 0
	var weightedSum uint64
	totalSubmitted := len(qp.Votes)

	for _, v := range qp.Votes {
		if !authorized[v.Signer] {
			continue
		}
		if seen[v.Signer] {
			continue
		}
		seen[v.Signer] = true
		pub, err := PublicKeyFromDIDKey(v.Signer)
		if err != nil {
			return false, fmt.Errorf("%w: signer %s", ErrVerificationFailed, v.Signer)
		}
		if !ed25519.Verify(pub, contentHash, v.Signature) {
			continue
		}
		validCount++
		if qp.Config.Kind == QuorumWeighted {
			for _, ws := range qp.Config.Signers {
				if ws.Signer == v.Signer {
					weightedSum += uint64(ws.Weight)
					break
				}
			}
		}
	}

	switch qp.Config.Kind {
	case QuorumMajority:
		return validCount*2 > totalSubmitted, nil
	case QuorumThreshold:
		needed := ceilDiv(uint64(totalSubmitted)*uint64(qp.Config.Percent), 100)
		return uint64(validCount) >= needed, nil
	case QuorumWeighted:
		return weightedSum >= uint64(qp.Config.Required), nil
	default:
		return false, fmt.Errorf("%w: unknown quorum config kind %q", ErrInvalidCredential, qp.Config.Kind)
	}
}

func ceilDiv(num, den uint64) uint64 {
	if den == 0 {
		return 0
	}
	return (num + den - 1) / den
}

// TrustBundle is a federation's versioned attestation set.
type TrustBundle struct {
	EpochID      uint64
	FederationID string
	DAGRoots     []string // ContentId strings, in order
	Attestations []VerifiableCredential
	Proof        *QuorumProof
}

// CanonicalHash computes SHA-256 over (epoch_id big-endian || federation_id
// bytes || root ContentIds in order || each attestation's canonical bytes
// in order), excluding the proof field.
func (tb TrustBundle) CanonicalHash() ([]byte, error) {
	var buf []byte
	var epochBE [8]byte
	for i := 0; i < 8; i++ {
		epochBE[7-i] = byte(tb.EpochID >> (8 * i))
	}
	buf = append(buf, epochBE[:]...)
	buf = append(buf, []byte(tb.FederationID)...)
	for _, r := range tb.DAGRoots {
		buf = append(buf, []byte(r)...)
	}
	for _, a := range tb.Attestations {
		enc, err := canonicalCredentialBytes(a)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return sha256Sum(buf), nil
}

// VerifyTrustBundle runs attestation verification on each credential that
// carries a proof, then delegates to VerifyQuorumProof against the
// federation's authorized guardian set. A missing proof on the bundle
// itself is an error for full validation.
func VerifyTrustBundle(tb TrustBundle, guardians map[DID]bool, now time.Time) (bool, error) {
	for _, a := range tb.Attestations {
		if a.Proof == nil {
			continue
		}
		if err := VerifyCredential(a, now); err != nil {
			return false, err
		}
	}
	if tb.Proof == nil {
		return false, fmt.Errorf("%w: trust bundle missing proof", ErrInvalidCredential)
	}
	hash, err := tb.CanonicalHash()
	if err != nil {
		return false, err
	}
	return VerifyQuorumProof(*tb.Proof, hash, guardians)
}
