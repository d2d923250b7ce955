package core

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var econLog = logrus.WithField("component", "economics")

// RecordConsumption debits an authorization in ctx for amount units of
// resource: a matching, unexpired Authorization is charged up to its
// ceiling; failing that, a resource type on the permissive allow-list is
// recorded with no ceiling; anything else is unauthorized.
//
// Consumption within one VMContext is single-threaded: callers must
// not share a *VMContext across goroutines.
func RecordConsumption(ctx *VMContext, resource ResourceType, amount uint64) error {
	for i := range ctx.Authorizations {
		a := &ctx.Authorizations[i]
		if a.Resource != resource {
			continue
		}
		if a.Expiry != nil && *a.Expiry <= ctx.Timestamp.Unix() {
			continue
		}
		if a.Consumed+amount > a.Authorized {
			return ErrResourceLimitExceeded
		}
		a.Consumed += amount
		ctx.ConsumedResources[resource] += amount
		return nil
	}
	if ctx.ResourceAuthorizations[resource] {
		ctx.ConsumedResources[resource] += amount
		return nil
	}
	return ErrUnauthorizedAccess
}

// AuthorizationStore persists issued Authorizations keyed by a ContentId
// derived from the authorization id, so any subsystem
// (the sandbox, the CLI, a future replication path) can look one up by
// id without re-deriving the key scheme.
type AuthorizationStore struct {
	mu   sync.RWMutex
	kv   KVStore
	byID map[uuid.UUID]Authorization
}

// NewAuthorizationStore returns a store mirroring writes into kv, if
// non-nil.
func NewAuthorizationStore(kv KVStore) *AuthorizationStore {
	return &AuthorizationStore{kv: kv, byID: make(map[uuid.UUID]Authorization)}
}

// Issue persists auth under the auth::<uuid> derived key.
func (s *AuthorizationStore) Issue(auth Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[auth.ID] = auth
	if err := persistRecord(s.kv, auth, "auth", auth.ID.String()); err != nil {
		return fmt.Errorf("authorization persist: %w", err)
	}
	econLog.WithFields(logrus.Fields{
		"auth_id": auth.ID, "grantee": auth.Grantee, "resource": auth.Resource, "amount": auth.Authorized,
	}).Info("issued authorization")
	return nil
}

// Get returns the authorization with id, if known.
func (s *AuthorizationStore) Get(id uuid.UUID) (Authorization, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// ForGrantee returns every authorization issued to grantee.
func (s *AuthorizationStore) ForGrantee(grantee DID) []Authorization {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Authorization
	for _, a := range s.byID {
		if a.Grantee == grantee {
			out = append(out, a)
		}
	}
	return out
}
