package core

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProposalStatus is the BudgetProposal lifecycle state.
type ProposalStatus string

const (
	StatusProposed   ProposalStatus = "Proposed"
	StatusVotingOpen ProposalStatus = "VotingOpen"
	StatusApproved   ProposalStatus = "Approved"
	StatusExecuted   ProposalStatus = "Executed"
	StatusRejected   ProposalStatus = "Rejected"
	StatusFailed     ProposalStatus = "Failed"
	StatusCancelled  ProposalStatus = "Cancelled"
)

// VotingMethod selects the tallying rule applied by TallyBudgetVotes.
type VotingMethod string

const (
	VotingSimpleMajority VotingMethod = "SimpleMajority"
	VotingThreshold      VotingMethod = "Threshold"
	VotingQuadratic      VotingMethod = "Quadratic"
)

// CategoryRule bounds how much of a budget's total allocation a single
// category of spend proposal may request.
type CategoryRule struct {
	MaxAllocationPercent uint32
}

// BudgetRules is the optional rule set governing a Budget's voting and
// category behaviour.
type BudgetRules struct {
	VotingMethod      VotingMethod
	ThresholdPercent  uint32 // used when VotingMethod == Threshold
	QuorumPercentage  *uint32
	MinParticipants   *int
	Categories        map[string]CategoryRule
	AllowedVoters     []DID // Cooperative/Community custom eligibility
}

// BudgetProposal is a request to spend from a Budget.
type BudgetProposal struct {
	ID          string
	BudgetID    string
	Title       string
	Description string
	Proposer    DID
	Requested   map[ResourceType]uint64
	Status      ProposalStatus
	Category    string
	Votes       map[DID]VoteChoice
	CreatedAt   time.Time
	Metadata    map[string]any
}

// Budget is a scoped pool of allocated resources.
type Budget struct {
	mu              sync.Mutex
	ID              string
	Name            string
	Scope           DID
	ScopeType       ScopeType
	TotalAllocated  map[ResourceType]uint64
	SpentByProposal map[string]map[ResourceType]uint64
	Proposals       map[string]*BudgetProposal
	Rules           *BudgetRules
	Start, End      time.Time
}

// BudgetEngine owns the budget half of the economics layer: lifecycle,
// proposing spend, voting, tallying, and finalization.
type BudgetEngine struct {
	mu      sync.RWMutex
	budgets map[string]*Budget
	auths   *AuthorizationStore
	kv      KVStore // optional; budgets persist under budget::<id> key
	health  *HealthMonitor
	quorum  *BudgetQuorumRegistry
}

// NewBudgetEngine returns an engine that issues Authorizations into auths
// on proposal finalization.
func NewBudgetEngine(auths *AuthorizationStore) *BudgetEngine {
	return &BudgetEngine{
		budgets: make(map[string]*Budget),
		auths:   auths,
		quorum:  NewBudgetQuorumRegistry(),
	}
}

// SetHealthMonitor installs an optional metrics sink; nil disables it.
func (e *BudgetEngine) SetHealthMonitor(h *HealthMonitor) { e.health = h }

// SetKVStore attaches the kv plane budgets are snapshotted into, keyed as
// budget::<id>, on creation and on every finalization. A nil store keeps
// the engine in-memory only.
func (e *BudgetEngine) SetKVStore(kv KVStore) { e.kv = kv }

// persistBudget snapshots b into the kv plane; it takes the budget lock.
func (e *BudgetEngine) persistBudget(b *Budget) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.persistBudgetLocked(b)
}

// persistBudgetLocked is persistBudget for callers already holding b.mu.
func (e *BudgetEngine) persistBudgetLocked(b *Budget) {
	if e.kv == nil {
		return
	}
	if err := persistRecord(e.kv, b, "budget", b.ID); err != nil {
		econLog.WithField("budget_id", b.ID).WithError(err).Error("persisting budget")
	}
}

// CreateBudget allocates a fresh budget id and registers an empty budget.
func (e *BudgetEngine) CreateBudget(name string, scope DID, scopeType ScopeType, start, end time.Time, rules *BudgetRules) (*Budget, error) {
	b := &Budget{
		ID:              uuid.New().String(),
		Name:            name,
		Scope:           scope,
		ScopeType:       scopeType,
		TotalAllocated:  make(map[ResourceType]uint64),
		SpentByProposal: make(map[string]map[ResourceType]uint64),
		Proposals:       make(map[string]*BudgetProposal),
		Rules:           rules,
		Start:           start,
		End:             end,
	}
	e.mu.Lock()
	e.budgets[b.ID] = b
	e.mu.Unlock()
	e.persistBudget(b)
	econLog.WithField("budget_id", b.ID).Info("created budget")
	return b, nil
}

func (e *BudgetEngine) get(id string) (*Budget, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.budgets[id]
	if !ok {
		return nil, ErrInvalidBudget
	}
	return b, nil
}

// AllocateToBudget increases total_allocated[resource] for budgetID.
func (e *BudgetEngine) AllocateToBudget(budgetID string, resource ResourceType, amount uint64) error {
	b, err := e.get(budgetID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.TotalAllocated[resource] += amount
	return nil
}

// QueryBalance returns the remaining allocation for resource in budgetID:
// total_allocated minus everything spent by executed proposals.
func (e *BudgetEngine) QueryBalance(budgetID string, resource ResourceType) (uint64, error) {
	b, err := e.get(budgetID)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.TotalAllocated[resource] - b.spentTotal(resource), nil
}

func (b *Budget) spentTotal(resource ResourceType) uint64 {
	var total uint64
	for _, byRes := range b.SpentByProposal {
		total += byRes[resource]
	}
	return total
}

// ProposeBudgetSpend creates a BudgetProposal in state Proposed after
// checking the voting window, available balance per resource, and any
// category allocation ceiling.
func (e *BudgetEngine) ProposeBudgetSpend(
	budgetID, title, description string,
	requested map[ResourceType]uint64,
	proposer DID,
	category string,
	metadata map[string]any,
	now time.Time,
) (*BudgetProposal, error) {
	b, err := e.get(budgetID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Before(b.Start) || now.After(b.End) {
		return nil, fmt.Errorf("%w: outside budget window", ErrInvalidBudget)
	}
	for res, amt := range requested {
		available := b.TotalAllocated[res] - b.spentTotal(res)
		if amt > available {
			return nil, ErrInsufficientBalance
		}
	}
	if b.Rules != nil && len(b.Rules.Categories) > 0 && category != "" {
		rule, ok := b.Rules.Categories[category]
		if !ok {
			return nil, ErrUnknownCategory
		}
		for res, amt := range requested {
			cap := b.TotalAllocated[res] * uint64(rule.MaxAllocationPercent) / 100
			if amt > cap {
				return nil, ErrCategoryLimitExceeded
			}
		}
	}

	p := &BudgetProposal{
		ID:          uuid.New().String(),
		BudgetID:    budgetID,
		Title:       title,
		Description: description,
		Proposer:    proposer,
		Requested:   requested,
		Status:      StatusProposed,
		Category:    category,
		Votes:       make(map[DID]VoteChoice),
		CreatedAt:   now,
		Metadata:    metadata,
	}
	b.Proposals[p.ID] = p
	econLog.WithFields(logrus.Fields{"budget_id": budgetID, "proposal_id": p.ID}).Info("proposed budget spend")
	return p, nil
}

// MembershipChecker resolves external voter eligibility for scopes whose
// membership is not captured locally. Production wires this to the
// kernel's role index; tests supply a fixed set.
type MembershipChecker func(scope DID, voter DID) bool

func (e *BudgetEngine) voterEligible(b *Budget, voter DID, membership MembershipChecker) bool {
	switch b.ScopeType {
	case ScopeIndividual, ScopeNode:
		return voter == b.Scope
	case ScopeCooperative, ScopeCommunity:
		if b.Rules != nil && len(b.Rules.AllowedVoters) > 0 {
			for _, v := range b.Rules.AllowedVoters {
				if v == voter {
					return true
				}
			}
			return false
		}
		return true
	case ScopeFederation, ScopeGuardian, ScopeAdministrator:
		if membership == nil {
			return false
		}
		return membership(b.Scope, voter)
	default:
		return false
	}
}

// RecordBudgetVote records or overwrites voter's vote on a proposal,
// enforcing the voting window, proposal state, eligibility, and
// voting-method constraints.
func (e *BudgetEngine) RecordBudgetVote(budgetID, proposalID string, voter DID, vote VoteChoice, now time.Time, membership MembershipChecker) error {
	b, err := e.get(budgetID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.After(b.End) {
		return ErrVotingWindowClosed
	}
	p, ok := b.Proposals[proposalID]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Status != StatusProposed && p.Status != StatusVotingOpen {
		return ErrProposalNotVotable
	}
	if !e.voterEligible(b, voter, membership) {
		return ErrIneligibleVoter
	}
	if b.Rules != nil && b.Rules.VotingMethod == VotingQuadratic && vote.Kind != VoteQuadratic && vote.Kind != VoteReject {
		return fmt.Errorf("%w: quadratic budget requires a quadratic-weighted approve or reject vote", ErrInvalidProposal)
	}
	p.Votes[voter] = vote
	if p.Status == StatusProposed {
		p.Status = StatusVotingOpen
	}
	return nil
}

// TallyResult summarizes a vote tally before a status is committed.
type TallyResult struct {
	Approve, Reject, Abstain int
	QuadraticApprove         float64
	QuadraticReject          float64
	Status                   ProposalStatus
}

// TallyBudgetVotes sums votes by category, checks quorum, and applies the
// configured voting method's verdict rule. It
// does not mutate proposal state; FinalizeBudgetProposal commits the
// verdict.
func (e *BudgetEngine) TallyBudgetVotes(budgetID, proposalID string, eligibleVoters int) (TallyResult, error) {
	b, err := e.get(budgetID)
	if err != nil {
		return TallyResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.Proposals[proposalID]
	if !ok {
		return TallyResult{}, ErrProposalNotFound
	}

	var r TallyResult
	for _, v := range p.Votes {
		switch v.Kind {
		case VoteApprove:
			r.Approve++
		case VoteReject:
			// Also weight-bearing on a quadratic budget (see
			// RecordBudgetVote): feeds the Σ√w_reject side of tally.
			r.Reject++
			r.QuadraticReject += math.Sqrt(float64(v.Weight))
		case VoteAbstain:
			r.Abstain++
		case VoteQuadratic:
			r.QuadraticApprove += math.Sqrt(float64(v.Weight))
		}
	}

	quorumMet := true
	if b.Rules != nil && (b.Rules.QuorumPercentage != nil || b.Rules.MinParticipants != nil) {
		threshold := eligibleVoters
		if b.Rules.QuorumPercentage != nil {
			threshold = int(ceilDiv(uint64(eligibleVoters)*uint64(*b.Rules.QuorumPercentage), 100))
		} else if b.Rules.MinParticipants != nil {
			threshold = *b.Rules.MinParticipants
		}
		tracker := e.quorum.TrackerFor(budgetID, proposalID, eligibleVoters, threshold)
		tracker.Reset()
		for voter := range p.Votes {
			tracker.AddVote(voter)
		}
		quorumMet = tracker.HasQuorum()
	}
	if !quorumMet {
		r.Status = StatusVotingOpen
		return r, nil
	}

	method := VotingSimpleMajority
	thresholdPct := uint32(50)
	if b.Rules != nil && b.Rules.VotingMethod != "" {
		method = b.Rules.VotingMethod
		if b.Rules.ThresholdPercent > 0 {
			thresholdPct = b.Rules.ThresholdPercent
		}
	}

	switch method {
	case VotingSimpleMajority:
		total := r.Approve + r.Reject
		if total == 0 {
			r.Status = StatusVotingOpen
			return r, nil
		}
		if float64(r.Approve)/float64(total)*100 > float64(thresholdPct) {
			r.Status = StatusApproved
		} else {
			r.Status = StatusRejected
		}
	case VotingThreshold:
		if eligibleVoters == 0 {
			r.Status = StatusVotingOpen
			return r, nil
		}
		if float64(r.Approve)/float64(eligibleVoters)*100 >= float64(thresholdPct) {
			r.Status = StatusApproved
		} else {
			r.Status = StatusRejected
		}
	case VotingQuadratic:
		if r.QuadraticApprove == 0 && r.QuadraticReject == 0 {
			r.Status = StatusVotingOpen
			return r, nil
		}
		total := r.QuadraticApprove + r.QuadraticReject
		ratio := r.QuadraticApprove / total
		if ratio >= float64(thresholdPct)/100 {
			r.Status = StatusApproved
		} else {
			r.Status = StatusRejected
		}
	default:
		return r, fmt.Errorf("%w: unknown voting method %q", ErrInvalidBudget, method)
	}
	return r, nil
}

// FinalizeBudgetProposal is idempotent on terminal states. On Approved it
// credits spent_by_proposal, transitions to Executed, and issues one
// Authorization per requested resource.
func (e *BudgetEngine) FinalizeBudgetProposal(budgetID, proposalID string, eligibleVoters int, now time.Time) (ProposalStatus, error) {
	b, err := e.get(budgetID)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	p, ok := b.Proposals[proposalID]
	if !ok {
		b.mu.Unlock()
		return "", ErrProposalNotFound
	}
	if p.Status == StatusExecuted || p.Status == StatusFailed || p.Status == StatusRejected || p.Status == StatusCancelled {
		status := p.Status
		b.mu.Unlock()
		return status, nil
	}
	b.mu.Unlock()

	tally, err := e.TallyBudgetVotes(budgetID, proposalID, eligibleVoters)
	if err != nil {
		return "", err
	}
	if tally.Status == StatusVotingOpen && now.Before(b.End) {
		return StatusVotingOpen, nil
	}
	verdict := tally.Status
	if verdict == StatusVotingOpen {
		// end has passed; force the verdict per rather than leaving
		// the proposal open forever.
		if tally.Approve > tally.Reject {
			verdict = StatusApproved
		} else {
			verdict = StatusRejected
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch verdict {
	case StatusApproved:
		if b.SpentByProposal[p.ID] == nil {
			b.SpentByProposal[p.ID] = make(map[ResourceType]uint64)
		}
		for res, amt := range p.Requested {
			b.SpentByProposal[p.ID][res] += amt
		}
		p.Status = StatusExecuted
		endUnix := b.End.Unix()
		for res, amt := range p.Requested {
			auth := Authorization{
				ID:         uuid.New(),
				Grantor:    b.Scope,
				Grantee:    p.Proposer,
				Resource:   res,
				Authorized: amt,
				Scope:      b.ScopeType,
				Expiry:     &endUnix,
				Metadata:   map[string]any{"proposal_id": p.ID, "budget_id": b.ID},
			}
			if e.auths != nil {
				if err := e.auths.Issue(auth); err != nil {
					return "", err
				}
			}
		}
		econLog.WithFields(logrus.Fields{"budget_id": b.ID, "proposal_id": p.ID}).Info("budget proposal executed")
	case StatusRejected:
		delete(b.SpentByProposal, p.ID)
		p.Status = StatusRejected
	default:
		p.Status = verdict
	}
	e.quorum.Forget(budgetID, proposalID)
	e.health.RecordBudgetProposalFinalized(p.Status)
	e.persistBudgetLocked(b)
	return p.Status, nil
}
