package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

var dagLog = logrus.WithField("component", "dag")

// partition is one entity's append-only node set, guarded by its own
// RWMutex so that a logical write holds the lock for the duration of
// (hash, check-parents, persist) while concurrent readers see either the
// pre- or post-write snapshot.
type partition struct {
	mu      sync.RWMutex
	hasRoot bool
	nodes   map[string]*Node // key: ContentId string
}

// EntityDAGStore keeps one logical append-only partition per entity DID.
type EntityDAGStore struct {
	mu         sync.RWMutex // guards the partitions map itself, not its contents
	partitions map[DID]*partition
	kv         KVStore // optional durable mirror; nil means in-memory only
	health     *HealthMonitor
}

// SetHealthMonitor installs an optional metrics sink; nil disables it.
func (s *EntityDAGStore) SetHealthMonitor(h *HealthMonitor) { s.health = h }

// NewEntityDAGStore returns a store whose partitions are mirrored into kv
// for durability. kv may be nil for a purely in-memory store (used by
// tests and by the sandbox's ephemeral scratch DAGs).
func NewEntityDAGStore(kv KVStore) *EntityDAGStore {
	return &EntityDAGStore{
		partitions: make(map[DID]*partition),
		kv:         kv,
	}
}

func (s *EntityDAGStore) partitionFor(did DID, create bool) (*partition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[did]
	if !ok && create {
		p = &partition{nodes: make(map[string]*Node)}
		s.partitions[did] = p
	}
	return p, ok || (create && p != nil)
}

func dagNodeKey(entity DID, c cid.Cid) []byte {
	return []byte(fmt.Sprintf("dag:%s:%s", entity, c.String()))
}

func (s *EntityDAGStore) persist(entity DID, c cid.Cid, n *Node) error {
	if s.kv == nil {
		return nil
	}
	enc, err := n.CanonicalEncode()
	if err != nil {
		return ErrEncodingFailed
	}
	return s.kv.Set(dagNodeKey(entity, c), enc)
}

func parentStrings(parents []cid.Cid) []string {
	out := make([]string, len(parents))
	for i, p := range parents {
		out[i] = p.String()
	}
	return out
}

func (s *EntityDAGStore) finalize(entity DID, b NodeBuilder) *Node {
	ts := b.Timestamp
	if ts == 0 {
		ts = time.Now().UTC().Unix()
	}
	tags := b.Tags
	if tags == nil {
		tags = []string{}
	}
	return &Node{
		Issuer:  entity,
		Parents: parentStrings(b.Parents),
		Metadata: NodeMetadata{
			Timestamp:   ts,
			Sequence:    b.Sequence,
			ContentType: b.ContentType,
			Tags:        tags,
		},
		Payload:   b.Payload,
		Signature: b.Signature,
	}
}

// StoreNewDAGRoot creates entity's partition if absent and stores a genesis
// node (empty parents). It fails if the partition already contains a
// genesis.
func (s *EntityDAGStore) StoreNewDAGRoot(entity DID, b NodeBuilder) (cid.Cid, *Node, error) {
	if len(b.Parents) != 0 {
		return cid.Undef, nil, fmt.Errorf("%w: genesis node must have no parents", ErrInvalidContentID)
	}
	p, _ := s.partitionFor(entity, true)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasRoot {
		return cid.Undef, nil, ErrGenesisExists
	}
	n := s.finalize(entity, b)
	c, err := n.ContentID()
	if err != nil {
		return cid.Undef, nil, err
	}
	if err := s.persist(entity, c, n); err != nil {
		return cid.Undef, nil, err
	}
	p.nodes[c.String()] = n
	p.hasRoot = true
	s.health.RecordDAGNodeStored()
	dagLog.WithFields(logrus.Fields{"entity": entity, "cid": c.String()}).Info("stored genesis node")
	return c, n, nil
}

// StoreNode appends a node to entity's partition. The partition must
// already exist and every cited parent must already be present in it.
func (s *EntityDAGStore) StoreNode(entity DID, b NodeBuilder) (cid.Cid, *Node, error) {
	p, ok := s.partitionFor(entity, false)
	if !ok {
		return cid.Undef, nil, ErrPartitionMissing
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, parent := range b.Parents {
		if _, ok := p.nodes[parent.String()]; !ok {
			return cid.Undef, nil, ErrParentMissing
		}
	}
	n := s.finalize(entity, b)
	c, err := n.ContentID()
	if err != nil {
		return cid.Undef, nil, err
	}
	if _, exists := p.nodes[c.String()]; exists {
		// identical content already stored under this key; idempotent.
		return c, p.nodes[c.String()], nil
	}
	if err := s.persist(entity, c, n); err != nil {
		return cid.Undef, nil, err
	}
	p.nodes[c.String()] = n
	s.health.RecordDAGNodeStored()
	dagLog.WithFields(logrus.Fields{"entity": entity, "cid": c.String(), "parents": len(b.Parents)}).Debug("stored node")
	return c, n, nil
}

// GetNode returns the node stored under cid in entity's partition.
func (s *EntityDAGStore) GetNode(entity DID, c cid.Cid) (*Node, bool) {
	p, ok := s.partitionFor(entity, false)
	if !ok {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[c.String()]
	return n, ok
}

// GetNodeBytes returns the canonical encoding of the node stored under cid.
func (s *EntityDAGStore) GetNodeBytes(entity DID, c cid.Cid) ([]byte, bool, error) {
	n, ok := s.GetNode(entity, c)
	if !ok {
		return nil, false, nil
	}
	enc, err := n.CanonicalEncode()
	if err != nil {
		return nil, true, ErrEncodingFailed
	}
	return enc, true, nil
}

// ContainsNode reports whether cid exists in entity's partition.
func (s *EntityDAGStore) ContainsNode(entity DID, c cid.Cid) bool {
	_, ok := s.GetNode(entity, c)
	return ok
}

// PartitionExists reports whether entity has any partition at all.
func (s *EntityDAGStore) PartitionExists(entity DID) bool {
	_, ok := s.partitionFor(entity, false)
	return ok
}
