package core

import (
	"time"

	"github.com/google/uuid"
)

// DID is an opaque decentralized identifier string of the form
// "did:<method>:<id>". The only method implemented in-process is "key".
type DID string

// ScopeType is the closed set of entity kinds every DID belongs to.
type ScopeType string

const (
	ScopeFederation     ScopeType = "Federation"
	ScopeCooperative    ScopeType = "Cooperative"
	ScopeCommunity      ScopeType = "Community"
	ScopeNode           ScopeType = "Node"
	ScopeIndividual     ScopeType = "Individual"
	ScopeAdministrator  ScopeType = "Administrator"
	ScopeGuardian       ScopeType = "Guardian"
)

// ResourceType enumerates the meterable resources in the system.
type ResourceType string

const (
	ResourceCompute ResourceType = "Compute"
	ResourceStorage ResourceType = "Storage"
	ResourceNetwork ResourceType = "Network"
	ResourceToken   ResourceType = "Token"
)

// VoteChoiceKind discriminates the VoteChoice sum type.
type VoteChoiceKind string

const (
	VoteApprove   VoteChoiceKind = "Approve"
	VoteReject    VoteChoiceKind = "Reject"
	VoteAbstain   VoteChoiceKind = "Abstain"
	VoteQuadratic VoteChoiceKind = "Quadratic"
)

// VoteChoice is {Approve, Reject, Abstain, Quadratic(weight)}.
type VoteChoice struct {
	Kind   VoteChoiceKind `json:"kind"`
	Weight uint32         `json:"weight,omitempty"`
}

// EntityMetadata is created once per entity at genesis time and is
// thereafter immutable.
type EntityMetadata struct {
	EntityDID   DID            `json:"entity_did"`
	ParentDID   *DID           `json:"parent_did,omitempty"`
	GenesisCID  string         `json:"genesis_cid"`
	EntityType  string         `json:"entity_type"`
	CreatedAt   time.Time      `json:"created_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Authorization grants a grantee DID permission to consume up to a bounded
// amount of a resource type, optionally expiring.
type Authorization struct {
	ID         uuid.UUID      `json:"id"`
	Grantor    DID            `json:"grantor"`
	Grantee    DID            `json:"grantee"`
	Resource   ResourceType   `json:"resource"`
	Authorized uint64         `json:"authorized"`
	Consumed   uint64         `json:"consumed"`
	Scope      ScopeType      `json:"scope"`
	Expiry     *int64         `json:"expiry,omitempty"` // unix seconds
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// VMContext is the per-execution frame: caller identity, the authorizations
// it carries into the call, and the consumption accumulated during it.
// Its lifetime is exactly one sandbox execution; it is never shared across
// executions, which is what lets authorization consumption be treated as
// single-threaded.
type VMContext struct {
	CallerDID              DID
	CallerScope            ScopeType
	Authorizations         []Authorization
	ResourceAuthorizations map[ResourceType]bool // permissive allow-list, legacy mode
	ConsumedResources      map[ResourceType]uint64
	ExecutionID            uuid.UUID
	Timestamp              time.Time
	ProposalCID            *string
}

// NewVMContext builds a fresh execution frame with zeroed accounting.
func NewVMContext(caller DID, scope ScopeType, auths []Authorization, ts time.Time) *VMContext {
	return &VMContext{
		CallerDID:              caller,
		CallerScope:            scope,
		Authorizations:         auths,
		ResourceAuthorizations: make(map[ResourceType]bool),
		ConsumedResources:      make(map[ResourceType]uint64),
		ExecutionID:            uuid.New(),
		Timestamp:              ts,
	}
}
