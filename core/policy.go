package core

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var policyLog = logrus.WithField("component", "policy")

// MeshPolicy is a scope's versioned governance configuration: the set of
// named roles, the permissions each role grants, and the quorum required to
// activate a new version.
type MeshPolicy struct {
	Scope       DID                 `json:"scope"`
	Version     uint64              `json:"version"`
	Roles       map[string][]string `json:"roles"` // role name -> permissions
	Quorum      QuorumConfig        `json:"quorum"`
	Description string              `json:"description,omitempty"`
}

type policyRecord struct {
	policy MeshPolicy
	cid    string
	votes  map[DID]VoteChoice
}

// PolicyStore persists every mesh policy version proposed for a scope and
// tracks which one is active, with a vote tally kept per (scope, policy
// version).
type PolicyStore struct {
	mu       sync.RWMutex
	byCID    map[string]*policyRecord // keyed by "<scope>:<cid>"
	active   map[DID]string           // scope -> active policy cid
	blobs    *BlobStore
}

// NewPolicyStore returns a store that content-addresses policy bytes
// through blobs (may be nil for a purely in-memory store).
func NewPolicyStore(blobs *BlobStore) *PolicyStore {
	return &PolicyStore{
		byCID:  make(map[string]*policyRecord),
		active: make(map[DID]string),
		blobs:  blobs,
	}
}

func policyKey(scope DID, cidStr string) string {
	return string(scope) + ":" + cidStr
}

// Update stores a new candidate policy version for scope and returns its
// ContentId string. It does not activate the policy; Activate does that
// once quorum is satisfied.
func (s *PolicyStore) Update(scope DID, p MeshPolicy) (string, error) {
	p.Scope = scope
	enc, err := canonicalJSON(p)
	if err != nil {
		return "", ErrEncodingFailed
	}
	var cidStr string
	if s.blobs != nil {
		c, err := s.blobs.Put(enc)
		if err != nil {
			return "", err
		}
		cidStr = c.String()
	} else {
		c, err := ComputeContentID(RawCodec, enc)
		if err != nil {
			return "", ErrEncodingFailed
		}
		cidStr = c.String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := policyKey(scope, cidStr)
	if _, exists := s.byCID[key]; !exists {
		s.byCID[key] = &policyRecord{policy: p, cid: cidStr, votes: make(map[DID]VoteChoice)}
	}
	policyLog.WithFields(logrus.Fields{"scope": scope, "cid": cidStr}).Info("proposed mesh policy version")
	return cidStr, nil
}

// Load returns the policy version stored under cidStr for scope.
func (s *PolicyStore) Load(scope DID, cidStr string) (MeshPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byCID[policyKey(scope, cidStr)]
	if !ok {
		return MeshPolicy{}, ErrKeyNotFound
	}
	return rec.policy, nil
}

// RecordVote records scope's voter's choice on the candidate policy version
// cidStr.
func (s *PolicyStore) RecordVote(scope DID, cidStr string, voter DID, vote VoteChoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byCID[policyKey(scope, cidStr)]
	if !ok {
		return ErrKeyNotFound
	}
	rec.votes[voter] = vote
	return nil
}

// Activate promotes cidStr to scope's active policy once its recorded votes
// satisfy the candidate's own QuorumConfig, evaluated as a Majority count
// over approve votes (Threshold/Weighted configs require signed
// QuorumVotes, which mesh-policy votes — plain VoteChoice, no signature —
// do not carry; those kinds are rejected here rather than silently
// downgraded to Majority).
func (s *PolicyStore) Activate(scope DID, cidStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byCID[policyKey(scope, cidStr)]
	if !ok {
		return ErrKeyNotFound
	}
	if rec.policy.Quorum.Kind != "" && rec.policy.Quorum.Kind != QuorumMajority {
		return ErrInvalidProposal
	}
	approve, total := 0, 0
	for _, v := range rec.votes {
		total++
		if v.Kind == VoteApprove {
			approve++
		}
	}
	if total == 0 || approve*2 <= total {
		return ErrInvalidProposal
	}
	s.active[scope] = cidStr
	policyLog.WithFields(logrus.Fields{"scope": scope, "cid": cidStr}).Info("activated mesh policy")
	return nil
}

// ActiveCID returns the currently active policy version for scope, if any.
func (s *PolicyStore) ActiveCID(scope DID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.active[scope]
	return c, ok
}

// ActivePolicy resolves scope's active policy version in one call.
func (s *PolicyStore) ActivePolicy(scope DID) (MeshPolicy, bool) {
	cidStr, ok := s.ActiveCID(scope)
	if !ok {
		return MeshPolicy{}, false
	}
	p, err := s.Load(scope, cidStr)
	if err != nil {
		return MeshPolicy{}, false
	}
	return p, true
}
