package core

import (
	"errors"
	"testing"
	"time"
)

func newTestKernel(t *testing.T) (*Kernel, DID) {
	t.Helper()
	km := NewKeyManager()
	kernelDID, kernelPub, err := km.GenerateAndStoreDIDKey()
	if err != nil {
		t.Fatalf("GenerateAndStoreDIDKey failed: %v", err)
	}
	kp, _ := km.GetKey(kernelDID)
	_ = kernelPub
	k := NewKernel(NewEntityDAGStore(nil), km, NewEventBus(), kernelDID, kp)
	return k, kernelDID
}

func TestKernelAssignRolesAndCheckPermission(t *testing.T) {
	k, _ := newTestKernel(t)
	scope := DID("did:key:zScope")
	subject := DID("did:key:zSubject")

	k.SetGovernanceConfig(GovernanceConfig{
		ScopeID: scope,
		Roles:   map[string][]string{"member": {"create_proposals", "vote_on_proposals"}},
	})

	if _, err := k.AssignRoles(scope, subject, []string{"member"}, nil, time.Now().UTC()); err != nil {
		t.Fatalf("AssignRoles failed: %v", err)
	}

	ok, err := k.CheckPermission(scope, subject, "create_proposals", time.Now().UTC())
	if err != nil {
		t.Fatalf("CheckPermission failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected subject with 'member' role to have create_proposals permission")
	}

	ok, err = k.CheckPermission(scope, subject, "delete_everything", time.Now().UTC())
	if err != nil {
		t.Fatalf("CheckPermission failed: %v", err)
	}
	if ok {
		t.Fatalf("expected permission not granted by any held role to be denied")
	}
}

func TestKernelAssignRolesRejectsUnknownRole(t *testing.T) {
	k, _ := newTestKernel(t)
	scope := DID("did:key:zScope")
	k.SetGovernanceConfig(GovernanceConfig{ScopeID: scope, Roles: map[string][]string{"member": {"vote_on_proposals"}}})

	if _, err := k.AssignRoles(scope, "did:key:zSubject", []string{"admin"}, nil, time.Now().UTC()); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestKernelGetVerifiedRolesSkipsExpired(t *testing.T) {
	k, _ := newTestKernel(t)
	scope := DID("did:key:zScope")
	subject := DID("did:key:zSubject")
	k.SetGovernanceConfig(GovernanceConfig{ScopeID: scope, Roles: map[string][]string{"member": {"vote_on_proposals"}}})

	past := -1
	if _, err := k.AssignRoles(scope, subject, []string{"member"}, &past, time.Now().UTC()); err != nil {
		t.Fatalf("AssignRoles failed: %v", err)
	}

	roles, err := k.GetVerifiedRoles(scope, subject, time.Now().UTC())
	if err != nil {
		t.Fatalf("GetVerifiedRoles failed: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected expired role credential to be excluded, got %v", roles)
	}
}

func TestKernelProcessProposalRequiresPermission(t *testing.T) {
	k, _ := newTestKernel(t)
	scope := DID("did:key:zScope")
	k.SetGovernanceConfig(GovernanceConfig{ScopeID: scope, Roles: map[string][]string{"member": {"vote_on_proposals"}}})

	if _, err := k.ProcessProposal(scope, "did:key:zProposer", "title", "desc", nil, time.Now().UTC()); !errors.Is(err, ErrGovUnauthorized) {
		t.Fatalf("expected ErrGovUnauthorized without create_proposals permission, got %v", err)
	}
}

func TestKernelFullProposalLifecycle(t *testing.T) {
	k, _ := newTestKernel(t)
	scope := DID("did:key:zScope")
	proposer := DID("did:key:zProposer")
	voter := DID("did:key:zVoter")

	k.SetGovernanceConfig(GovernanceConfig{
		ScopeID:         scope,
		MajorityPercent: 50,
		Roles:           map[string][]string{"member": {"create_proposals", "vote_on_proposals"}},
	})
	if _, err := k.AssignRoles(scope, proposer, []string{"member"}, nil, time.Now().UTC()); err != nil {
		t.Fatalf("AssignRoles (proposer) failed: %v", err)
	}
	if _, err := k.AssignRoles(scope, voter, []string{"member"}, nil, time.Now().UTC()); err != nil {
		t.Fatalf("AssignRoles (voter) failed: %v", err)
	}

	now := time.Now().UTC()
	p, err := k.ProcessProposal(scope, proposer, "upgrade", "", nil, now)
	if err != nil {
		t.Fatalf("ProcessProposal failed: %v", err)
	}
	if p.Status != GovProposalDraft {
		t.Fatalf("expected Draft status, got %s", p.Status)
	}

	if err := k.RecordVote(scope, p.ID, voter, VoteChoice{Kind: VoteApprove}, now); err != nil {
		t.Fatalf("RecordVote failed: %v", err)
	}

	status, err := k.Finalize(scope, p.ID, 1, now)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if status != GovProposalFinalized {
		t.Fatalf("expected Finalized, got %s", status)
	}

	status, err = k.Execute(scope, p.ID, now)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != GovProposalExecuted {
		t.Fatalf("expected Executed, got %s", status)
	}

	status, err = k.Execute(scope, p.ID, now)
	if err != nil {
		t.Fatalf("second Execute should be idempotent, got error: %v", err)
	}
	if status != GovProposalExecuted {
		t.Fatalf("expected idempotent Execute to stay Executed, got %s", status)
	}
}

func TestKernelExecuteRequiresFinalized(t *testing.T) {
	k, _ := newTestKernel(t)
	scope := DID("did:key:zScope")
	proposer := DID("did:key:zProposer")
	k.SetGovernanceConfig(GovernanceConfig{ScopeID: scope, Roles: map[string][]string{"m": {"create_proposals"}}})
	if _, err := k.AssignRoles(scope, proposer, []string{"m"}, nil, time.Now().UTC()); err != nil {
		t.Fatalf("AssignRoles failed: %v", err)
	}
	now := time.Now().UTC()
	p, err := k.ProcessProposal(scope, proposer, "t", "", nil, now)
	if err != nil {
		t.Fatalf("ProcessProposal failed: %v", err)
	}
	if _, err := k.Execute(scope, p.ID, now); !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal for executing a non-finalized proposal, got %v", err)
	}
}

func TestKernelFinalizeQuorumNotMet(t *testing.T) {
	k, _ := newTestKernel(t)
	scope := DID("did:key:zScope")
	proposer := DID("did:key:zProposer")
	k.SetGovernanceConfig(GovernanceConfig{
		ScopeID: scope, QuorumPercent: 80,
		Roles: map[string][]string{"m": {"create_proposals"}},
	})
	if _, err := k.AssignRoles(scope, proposer, []string{"m"}, nil, time.Now().UTC()); err != nil {
		t.Fatalf("AssignRoles failed: %v", err)
	}
	now := time.Now().UTC()
	p, err := k.ProcessProposal(scope, proposer, "t", "", nil, now)
	if err != nil {
		t.Fatalf("ProcessProposal failed: %v", err)
	}
	if _, err := k.Finalize(scope, p.ID, 10, now); err == nil {
		t.Fatalf("expected quorum-not-met error with zero votes cast against 10 eligible voters")
	}
}
