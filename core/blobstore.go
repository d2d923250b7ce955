package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

// blobLog tags every log line emitted by the blob store.
var blobLog = logrus.WithField("component", "blobstore")

// ReplicationPolicy names an outbound replication target triggered by Pin.
// Replication is best-effort: failure never fails the local pin.
type ReplicationPolicy string

// ReplicationNotifier is invoked after a successful Pin; production wires a
// real gossip/replication hook here, tests use a no-op or recording stub.
type ReplicationNotifier func(cid cid.Cid, policy ReplicationPolicy)

// BlobStore stores bytes keyed by their content hash, with
// an optional max blob size and a pin set for GC-eligibility bookkeeping.
type BlobStore struct {
	mu           sync.RWMutex
	kv           KVStore
	maxBlobSize  uint64 // 0 means unlimited
	pinned       map[string]ReplicationPolicy
	onReplicate  ReplicationNotifier
}

// NewBlobStore constructs a store over kv. maxBlobSize of 0 disables the
// size ceiling.
func NewBlobStore(kv KVStore, maxBlobSize uint64) *BlobStore {
	return &BlobStore{
		kv:          kv,
		maxBlobSize: maxBlobSize,
		pinned:      make(map[string]ReplicationPolicy),
	}
}

// SetReplicationNotifier installs the hook invoked on a successful Pin.
func (b *BlobStore) SetReplicationNotifier(fn ReplicationNotifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReplicate = fn
}

func blobKey(c cid.Cid) []byte { return append([]byte("blob:"), c.Bytes()...) }

// Put stores payload and returns its ContentId. Put is idempotent: a
// repeated Put of the same bytes is a no-op on already-stored content.
func (b *BlobStore) Put(payload []byte) (cid.Cid, error) {
	if b.maxBlobSize > 0 && uint64(len(payload)) > b.maxBlobSize {
		return cid.Undef, &BlobTooLarge{Actual: uint64(len(payload)), Max: b.maxBlobSize}
	}
	c, err := ComputeContentID(RawCodec, payload)
	if err != nil {
		return cid.Undef, err
	}
	key := blobKey(c)
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok, _ := b.kv.Has(key); ok {
		return c, nil
	}
	if err := b.kv.Set(key, payload); err != nil {
		return cid.Undef, fmt.Errorf("blobstore put: %w", err)
	}
	blobLog.WithField("cid", c.String()).Debug("stored blob")
	return c, nil
}

// Get returns the payload for id, or (nil, false) if absent — absence is
// not an error.
func (b *BlobStore) Get(id cid.Cid) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, err := b.kv.Get(blobKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

// Contains reports whether id is stored.
func (b *BlobStore) Contains(id cid.Cid) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.kv.Has(blobKey(id))
}

// Delete removes a blob unconditionally of its pin state. Callers are
// expected to check IsPinned first if pin-respecting deletion matters to
// them; the store itself does not enforce that policy.
func (b *BlobStore) Delete(id cid.Cid) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pinned, id.String())
	return b.kv.Delete(blobKey(id))
}

// Size returns the stored payload length for id, if present.
func (b *BlobStore) Size(id cid.Cid) (uint64, bool, error) {
	v, ok, err := b.Get(id)
	if err != nil || !ok {
		return 0, ok, err
	}
	return uint64(len(v)), true, nil
}

// Pin marks id as preservation-required and triggers the replication
// notifier, if any. Notifier failures (panics aside) never fail the pin —
// there is nothing to catch because the notifier itself does not return an
// error; see ReplicationNotifier's doc comment.
func (b *BlobStore) Pin(id cid.Cid, policy ReplicationPolicy) {
	b.mu.Lock()
	b.pinned[id.String()] = policy
	notify := b.onReplicate
	b.mu.Unlock()
	if notify != nil {
		notify(id, policy)
	}
}

// Unpin removes id from the preservation set.
func (b *BlobStore) Unpin(id cid.Cid) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pinned, id.String())
}

// IsPinned reports whether id is currently pinned.
func (b *BlobStore) IsPinned(id cid.Cid) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.pinned[id.String()]
	return ok
}
