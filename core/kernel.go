package core

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var kernelLog = logrus.WithField("component", "kernel")

// GovProposalStatus is the lifecycle state of a generic governance
// Proposal, distinct from BudgetProposal's own status enum.
type GovProposalStatus string

const (
	GovProposalDraft     GovProposalStatus = "Draft"
	GovProposalActive    GovProposalStatus = "Active"
	GovProposalFinalized GovProposalStatus = "Finalized"
	GovProposalExecuted  GovProposalStatus = "Executed"
)

// GovernanceConfig is the per-scope declarative structure parsed from
// CCL: decision method, quorum/majority thresholds, and the
// role-to-permission map consulted by permission checks.
type GovernanceConfig struct {
	ScopeID         DID                 `json:"scope_id"`
	DecisionMethod  string              `json:"decision_method"`
	QuorumPercent   uint32              `json:"quorum_percent"`
	MajorityPercent uint32              `json:"majority_percent"`
	Roles           map[string][]string `json:"roles"` // role name -> permissions
	ProposalTypes   []string            `json:"proposal_types,omitempty"`
}

// Proposal is a generic governance proposal processed, voted on, and
// finalized over the DAG and credential layers.
type Proposal struct {
	ID        string                `json:"id"`
	ScopeID   DID                   `json:"scope_id"`
	Proposer  DID                   `json:"proposer"`
	Title     string                `json:"title"`
	Description string              `json:"description"`
	Status    GovProposalStatus     `json:"status"`
	Votes     map[DID]VoteChoice    `json:"votes"`
	CreatedAt time.Time             `json:"created_at"`
	Payload   any                   `json:"payload,omitempty"`
	ContentID string                `json:"content_id,omitempty"`
}

// RoleAssignmentCredential grants subject a set of roles within scope,
// self-issued and self-signed by the kernel.
type RoleAssignmentCredential struct {
	ID         string     `json:"id"`
	Issuer     DID        `json:"issuer"`
	Subject    DID        `json:"subject"`
	IssuanceDate time.Time `json:"issuance_date"`
	Expiration *time.Time `json:"expiration,omitempty"`
	ScopeID    DID        `json:"scope_id"`
	ScopeType  ScopeType  `json:"scope_type"`
	Roles      []string   `json:"roles"`
	Proof      string     `json:"proof"`
}

func roleCredentialCanonicalBytes(c RoleAssignmentCredential) ([]byte, error) {
	c.Proof = ""
	return canonicalJSON(c)
}

// Kernel orchestrates generic governance proposals and role-assignment
// credentials over the DAG and identity layers.
type Kernel struct {
	mu         sync.RWMutex
	dag        *EntityDAGStore
	keys       *KeyManager
	events     *EventBus
	kv         KVStore // optional kv plane for derived-key records
	kernelDID  DID
	kernelKeys KeyPair
	configs    map[DID]GovernanceConfig
	proposals  map[string]*Proposal
	roleCreds  map[string]RoleAssignmentCredential
	roleIndex  map[string][]string // "<scope>:<subject>" -> credential ids
	health     *HealthMonitor
}

// SetHealthMonitor installs an optional metrics sink; nil disables it.
func (k *Kernel) SetHealthMonitor(h *HealthMonitor) { k.health = h }

// SetKVStore attaches the kv plane the kernel persists its structured
// records into (proposals, votes, configs, role credentials and their
// index), keyed by derivedKey. A nil store keeps the kernel in-memory
// only.
func (k *Kernel) SetKVStore(kv KVStore) { k.kv = kv }

// NewKernel constructs a kernel that signs role-assignment credentials with
// kernelKeys and issues them under kernelDID.
func NewKernel(dag *EntityDAGStore, keys *KeyManager, events *EventBus, kernelDID DID, kernelKeys KeyPair) *Kernel {
	return &Kernel{
		dag:        dag,
		keys:       keys,
		events:     events,
		kernelDID:  kernelDID,
		kernelKeys: kernelKeys,
		configs:    make(map[DID]GovernanceConfig),
		proposals:  make(map[string]*Proposal),
		roleCreds:  make(map[string]RoleAssignmentCredential),
		roleIndex:  make(map[string][]string),
	}
}

// SetGovernanceConfig installs (or replaces) scope's configuration.
func (k *Kernel) SetGovernanceConfig(cfg GovernanceConfig) {
	k.mu.Lock()
	k.configs[cfg.ScopeID] = cfg
	kv := k.kv
	k.mu.Unlock()
	if err := persistRecord(kv, cfg, "governance", "config", string(cfg.ScopeID)); err != nil {
		kernelLog.WithField("scope", cfg.ScopeID).WithError(err).Error("persisting governance config")
	}
	if k.events != nil {
		k.events.Emit(Event{Kind: EventConfigUpdated, ScopeID: cfg.ScopeID, Timestamp: time.Now().UTC()})
	}
}

// GetGovernanceConfig returns scope's configuration, if set.
func (k *Kernel) GetGovernanceConfig(scope DID) (GovernanceConfig, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	cfg, ok := k.configs[scope]
	return cfg, ok
}

func roleIndexKey(scope, subject DID) string { return string(scope) + ":" + string(subject) }

// derivedKey is the storage-key derivation for the kernel's structured
// records: ContentId(codec=dag-cbor, multihash=sha256(utf8(joined parts))),
// with parts joined by "::". The kv plane stays keyed by hashes for
// uniformity with the blob plane, but the two planes never share a
// namespace.
func derivedKey(parts ...string) []byte {
	name := strings.Join(parts, "::")
	c, err := ComputeContentID(DagCBORCodec, []byte(name))
	if err != nil {
		// SHA-256 over an in-memory string cannot fail; keep the raw name
		// as a last-resort key rather than panicking in a persistence path.
		return []byte(name)
	}
	return c.Bytes()
}

// persistRecord writes v's canonical JSON under the derived key, if a kv
// plane is attached. Persistence failures are surfaced to the caller:
// records must be durable before the emitting method returns.
func persistRecord(kv KVStore, v any, parts ...string) error {
	if kv == nil {
		return nil
	}
	enc, err := canonicalJSON(v)
	if err != nil {
		return ErrEncodingFailed
	}
	return kv.Set(derivedKey(parts...), enc)
}

// ProcessProposal creates a Draft proposal for scope, requiring the
// proposer to hold create_proposals, serializes it into the scope's
// entity-DAG, and emits ProposalCreated.
func (k *Kernel) ProcessProposal(scope, proposer DID, title, description string, payload any, now time.Time) (*Proposal, error) {
	ok, err := k.CheckPermission(scope, proposer, "create_proposals", now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGovUnauthorized
	}
	p := &Proposal{
		ID:          uuid.New().String(),
		ScopeID:     scope,
		Proposer:    proposer,
		Title:       title,
		Description: description,
		Status:      GovProposalDraft,
		Votes:       make(map[DID]VoteChoice),
		CreatedAt:   now,
		Payload:     payload,
	}
	if k.dag != nil && k.dag.PartitionExists(scope) {
		enc, err := canonicalJSON(p)
		if err != nil {
			return nil, ErrEncodingFailed
		}
		c, _, err := k.dag.StoreNode(scope, NodeBuilder{Payload: map[string]any{"proposal": string(enc)}, Timestamp: now.Unix()})
		if err != nil {
			return nil, err
		}
		p.ContentID = c.String()
	}
	k.mu.Lock()
	k.proposals[p.ID] = p
	k.mu.Unlock()
	if err := persistRecord(k.kv, p, "proposal", p.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEventEmission, err)
	}
	if k.events != nil {
		k.events.Emit(Event{Kind: EventProposalCreated, ScopeID: scope, Subject: p.ID, Actor: proposer, Timestamp: now})
	}
	kernelLog.WithFields(logrus.Fields{"scope": scope, "proposal_id": p.ID}).Info("processed proposal")
	return p, nil
}

// RecordVote requires vote_on_proposals and the proposal to be in {Draft,
// Active}; a second vote by the same voter replaces the first.
func (k *Kernel) RecordVote(scope DID, proposalID string, voter DID, vote VoteChoice, now time.Time) error {
	ok, err := k.CheckPermission(scope, voter, "vote_on_proposals", now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGovUnauthorized
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p, exists := k.proposals[proposalID]
	if !exists || p.ScopeID != scope {
		return ErrProposalNotFound
	}
	if p.Status != GovProposalDraft && p.Status != GovProposalActive {
		return ErrInvalidProposal
	}
	p.Votes[voter] = vote
	p.Status = GovProposalActive
	if err := persistRecord(k.kv, vote, "vote", proposalID, string(voter)); err != nil {
		return fmt.Errorf("%w: %v", ErrEventEmission, err)
	}
	if k.events != nil {
		k.events.Emit(Event{Kind: EventVoteCast, ScopeID: scope, Subject: proposalID, Actor: voter, Timestamp: now})
	}
	return nil
}

// Finalize tallies votes against scope's MajorityPercent/QuorumPercent and
// transitions the proposal to Finalized.
func (k *Kernel) Finalize(scope DID, proposalID string, eligibleVoters int, now time.Time) (GovProposalStatus, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, exists := k.proposals[proposalID]
	if !exists || p.ScopeID != scope {
		return "", ErrProposalNotFound
	}
	if p.Status == GovProposalFinalized || p.Status == GovProposalExecuted {
		return p.Status, nil
	}
	cfg := k.configs[scope]
	if cfg.QuorumPercent > 0 && eligibleVoters > 0 {
		needed := ceilDiv(uint64(eligibleVoters)*uint64(cfg.QuorumPercent), 100)
		if uint64(len(p.Votes)) < needed {
			return p.Status, fmt.Errorf("%w: quorum not met", ErrInvalidProposal)
		}
	}
	approve, total := 0, 0
	for _, v := range p.Votes {
		if v.Kind == VoteAbstain {
			continue
		}
		total++
		if v.Kind == VoteApprove {
			approve++
		}
	}
	majority := cfg.MajorityPercent
	if majority == 0 {
		majority = 50
	}
	p.Status = GovProposalFinalized
	k.health.RecordGovProposalEvent("finalized")
	if total == 0 || float64(approve)/float64(total)*100 <= float64(majority) {
		if k.events != nil {
			k.events.Emit(Event{Kind: EventProposalFinal, ScopeID: scope, Subject: proposalID, Timestamp: now, Data: map[string]any{"approved": false}})
		}
		return p.Status, nil
	}
	if k.events != nil {
		k.events.Emit(Event{Kind: EventProposalFinal, ScopeID: scope, Subject: proposalID, Timestamp: now, Data: map[string]any{"approved": true}})
	}
	return p.Status, nil
}

// Execute transitions a Finalized proposal to Executed and emits
// ProposalExecuted; it is idempotent once Executed.
func (k *Kernel) Execute(scope DID, proposalID string, now time.Time) (GovProposalStatus, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, exists := k.proposals[proposalID]
	if !exists || p.ScopeID != scope {
		return "", ErrProposalNotFound
	}
	if p.Status == GovProposalExecuted {
		return p.Status, nil
	}
	if p.Status != GovProposalFinalized {
		return "", ErrInvalidProposal
	}
	p.Status = GovProposalExecuted
	k.health.RecordGovProposalEvent("executed")
	if k.events != nil {
		k.events.Emit(Event{Kind: EventProposalExecuted, ScopeID: scope, Subject: proposalID, Timestamp: now})
	}
	return p.Status, nil
}

// GetProposal returns the proposal recorded under id, if any.
func (k *Kernel) GetProposal(id string) (*Proposal, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.proposals[id]
	return p, ok
}

// AssignRoles issues a self-signed RoleAssignmentCredential granting
// subject the named roles within scope. Every role name
// must exist in scope's GovernanceConfig.Roles.
func (k *Kernel) AssignRoles(scope, subject DID, roles []string, expiresInDays *int, now time.Time) (RoleAssignmentCredential, error) {
	k.mu.Lock()
	cfg, ok := k.configs[scope]
	k.mu.Unlock()
	if !ok {
		return RoleAssignmentCredential{}, ErrInvalidProposal
	}
	for _, r := range roles {
		if _, known := cfg.Roles[r]; !known {
			return RoleAssignmentCredential{}, fmt.Errorf("%w: role %q", ErrUnknownRole, r)
		}
	}
	cred := RoleAssignmentCredential{
		ID:           NewCredentialID(),
		Issuer:       k.kernelDID,
		Subject:      subject,
		IssuanceDate: now,
		ScopeID:      scope,
		ScopeType:    cfg.scopeTypeOrDefault(),
		Roles:        roles,
	}
	if expiresInDays != nil {
		exp := now.AddDate(0, 0, *expiresInDays)
		cred.Expiration = &exp
	}
	canonical, err := roleCredentialCanonicalBytes(cred)
	if err != nil {
		return RoleAssignmentCredential{}, ErrEncodingFailed
	}
	hash := sha256Sum(canonical)
	sig := Sign(hash, k.kernelKeys)
	cred.Proof = base64.StdEncoding.EncodeToString(sig)

	k.mu.Lock()
	k.roleCreds[cred.ID] = cred
	key := roleIndexKey(scope, subject)
	k.roleIndex[key] = append(k.roleIndex[key], cred.ID)
	index := append([]string{}, k.roleIndex[key]...)
	k.mu.Unlock()
	if err := persistRecord(k.kv, cred, "role_credential", string(scope), string(subject), cred.ID); err != nil {
		return RoleAssignmentCredential{}, fmt.Errorf("%w: %v", ErrEventEmission, err)
	}
	if err := persistRecord(k.kv, index, "role_index", string(scope), string(subject)); err != nil {
		return RoleAssignmentCredential{}, fmt.Errorf("%w: %v", ErrEventEmission, err)
	}
	kernelLog.WithFields(logrus.Fields{"scope": scope, "subject": subject, "roles": roles}).Info("assigned roles")
	return cred, nil
}

// scopeTypeOrDefault is a tiny accessor kept next to GovernanceConfig's
// consumers rather than on the struct itself, since scope type isn't part
// of the CCL-parsed config but every issued credential still needs
// one; callers that care about it should populate Roles-bearing configs
// consistently per scope.
func (cfg GovernanceConfig) scopeTypeOrDefault() ScopeType {
	return ScopeCooperative
}

// GetVerifiedRoles returns the deduplicated set of role names currently
// granted to subject within scope, skipping expired credentials and
// rejecting any credential not self-issued by this kernel.
func (k *Kernel) GetVerifiedRoles(scope, subject DID, now time.Time) ([]string, error) {
	k.mu.RLock()
	ids := append([]string{}, k.roleIndex[roleIndexKey(scope, subject)]...)
	k.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		k.mu.RLock()
		cred, ok := k.roleCreds[id]
		k.mu.RUnlock()
		if !ok {
			continue
		}
		if cred.Expiration != nil && cred.Expiration.Before(now) {
			continue
		}
		if cred.Issuer != k.kernelDID {
			return nil, fmt.Errorf("%w: external issuer not supported", ErrVerificationFailed)
		}
		canonical, err := roleCredentialCanonicalBytes(cred)
		if err != nil {
			return nil, ErrEncodingFailed
		}
		hash := sha256Sum(canonical)
		sig, err := base64.StdEncoding.DecodeString(cred.Proof)
		if err != nil {
			return nil, ErrVerificationFailed
		}
		if err := Verify(hash, sig, k.kernelDID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		for _, r := range cred.Roles {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// CheckPermission is get_verified_roles(subject, scope) intersected with
// the roles whose permission list contains permission.
func (k *Kernel) CheckPermission(scope, subject DID, permission string, now time.Time) (bool, error) {
	k.mu.RLock()
	cfg, ok := k.configs[scope]
	k.mu.RUnlock()
	if !ok {
		return false, nil
	}
	roles, err := k.GetVerifiedRoles(scope, subject, now)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		perms, ok := cfg.Roles[r]
		if !ok {
			continue
		}
		for _, p := range perms {
			if p == permission {
				return true, nil
			}
		}
	}
	return false, nil
}
