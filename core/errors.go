package core

import (
	"errors"
	"fmt"
)

// Each subsystem returns a typed error so callers (and the host ABI
// translation layer in hostabi.go) can distinguish failure classes without
// parsing strings.

// StorageError classes.
var (
	ErrKeyNotFound      = fmt.Errorf("storage: key not found")
	ErrBlobNotFound     = fmt.Errorf("storage: blob not found")
	ErrInvalidContentID = fmt.Errorf("storage: invalid content id")
)

// BlobTooLarge is returned by Put when a payload exceeds the configured
// per-instance max_blob_size.
type BlobTooLarge struct {
	Actual, Max uint64
}

func (e *BlobTooLarge) Error() string {
	return fmt.Sprintf("storage: blob too large (%d > %d)", e.Actual, e.Max)
}

// DagError classes.
var (
	ErrParentMissing    = fmt.Errorf("dag: parent missing")
	ErrNodeMissing      = fmt.Errorf("dag: node missing")
	ErrPartitionMissing = fmt.Errorf("dag: partition missing")
	ErrGenesisExists    = fmt.Errorf("dag: genesis already exists")
	ErrWrongIssuer      = fmt.Errorf("dag: node issuer does not match partition")
	ErrEncodingFailed   = fmt.Errorf("dag: canonical encoding failed")
)

// IdentityError classes.
var (
	ErrInvalidDID            = fmt.Errorf("identity: invalid did")
	ErrInvalidSignature      = fmt.Errorf("identity: invalid signature")
	ErrInvalidCredential     = fmt.Errorf("identity: invalid credential")
	ErrKeypairGeneration     = fmt.Errorf("identity: keypair generation failed")
	ErrScopeViolation        = fmt.Errorf("identity: scope violation")
	ErrVerificationFailed    = fmt.Errorf("identity: verification failed")
	ErrKeyStorageFailed      = fmt.Errorf("identity: key storage failed")
	ErrMetadataStorageFailed = fmt.Errorf("identity: metadata storage failed")
	ErrDIDResolutionFailed   = fmt.Errorf("identity: did resolution failed")
)

// EconomicsError classes.
var (
	ErrInvalidBudget          = fmt.Errorf("economics: invalid budget")
	ErrInsufficientBalance    = fmt.Errorf("economics: insufficient balance")
	ErrUnauthorizedAccess     = fmt.Errorf("economics: unauthorized access")
	ErrResourceLimitExceeded  = fmt.Errorf("economics: resource limit exceeded")
	ErrProposalNotVotable     = fmt.Errorf("economics: proposal not open for voting")
	ErrVotingWindowClosed     = fmt.Errorf("economics: voting window closed")
	ErrIneligibleVoter        = fmt.Errorf("economics: voter not eligible")
	ErrUnknownCategory        = fmt.Errorf("economics: unknown budget category")
	ErrCategoryLimitExceeded  = fmt.Errorf("economics: category allocation limit exceeded")
)

// VmError classes.
var (
	ErrModuleLoad         = fmt.Errorf("vm: module load failed")
	ErrInstantiation      = fmt.Errorf("vm: instantiation failed")
	ErrHostFunction       = fmt.Errorf("vm: host function error")
	ErrMemoryAccess       = fmt.Errorf("vm: memory access out of bounds")
	ErrMissingEntryPoint  = fmt.Errorf("vm: no recognised entry point")
	ErrVMInternal         = fmt.Errorf("vm: internal error")
)

// GovernanceError classes.
var (
	ErrProposalNotFound = fmt.Errorf("governance: proposal not found")
	ErrInvalidProposal  = fmt.Errorf("governance: invalid proposal")
	ErrGovUnauthorized  = fmt.Errorf("governance: unauthorized")
	ErrEventEmission    = fmt.Errorf("governance: event emission failed")
	ErrUnknownRole      = fmt.Errorf("governance: unknown role")
)

// hostErrorCode maps an error to the negative host-ABI code. Unknown
// errors fall back to the "other" class (-99); -100 is reserved for
// ErrVMInternal. This matches the
// "translation never drops the original message" policy in — callers
// that need the message use the Go error directly; the ABI only needs the
// class.
func hostErrorCode(err error) int32 {
	switch {
	case err == nil:
		return 0
	case isAny(err, ErrInvalidDID, ErrInvalidSignature, ErrInvalidCredential,
		ErrKeypairGeneration, ErrScopeViolation, ErrVerificationFailed,
		ErrKeyStorageFailed, ErrMetadataStorageFailed, ErrDIDResolutionFailed):
		return -1
	case isAny(err, ErrKeyNotFound, ErrBlobNotFound, ErrInvalidContentID):
		return -2
	case isAny(err, ErrParentMissing, ErrNodeMissing, ErrPartitionMissing,
		ErrGenesisExists, ErrWrongIssuer):
		return -3
	case isAny(err, ErrEncodingFailed):
		return -4
	case isAny(err, ErrUnknownCategory, ErrInvalidBudget, ErrInvalidProposal):
		return -5
	case isAny(err, ErrGovUnauthorized, ErrUnknownRole):
		return -6
	case isAny(err, ErrResourceLimitExceeded):
		return -102
	case isAny(err, ErrMemoryAccess, ErrMissingEntryPoint, ErrInstantiation, ErrModuleLoad):
		return -101
	case isAny(err, ErrVMInternal):
		return -100
	default:
		return -99
	}
}

func isAny(err error, sentinels ...error) bool {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}
