package core

import (
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
)

func TestStoreNewDAGRootThenGet(t *testing.T) {
	s := NewEntityDAGStore(nil)
	entity := DID("did:key:zEntity")

	c, n, err := s.StoreNewDAGRoot(entity, NodeBuilder{Payload: "genesis", ContentType: "init"})
	if err != nil {
		t.Fatalf("StoreNewDAGRoot failed: %v", err)
	}
	if len(n.Parents) != 0 {
		t.Fatalf("expected genesis node to have no parents")
	}
	got, ok := s.GetNode(entity, c)
	if !ok {
		t.Fatalf("expected genesis node to be retrievable")
	}
	if got.Payload != "genesis" {
		t.Fatalf("unexpected payload: %v", got.Payload)
	}
	if !s.PartitionExists(entity) {
		t.Fatalf("expected partition to exist after genesis")
	}
}

func TestStoreNewDAGRootRejectsSecondGenesis(t *testing.T) {
	s := NewEntityDAGStore(nil)
	entity := DID("did:key:zEntity")

	if _, _, err := s.StoreNewDAGRoot(entity, NodeBuilder{Payload: "first"}); err != nil {
		t.Fatalf("first genesis failed: %v", err)
	}
	if _, _, err := s.StoreNewDAGRoot(entity, NodeBuilder{Payload: "second"}); !errors.Is(err, ErrGenesisExists) {
		t.Fatalf("expected ErrGenesisExists, got %v", err)
	}
}

func TestStoreNewDAGRootRejectsParents(t *testing.T) {
	s := NewEntityDAGStore(nil)
	entity := DID("did:key:zEntity")
	fakeParent, _ := ComputeContentID(DagCBORCodec, []byte("x"))

	if _, _, err := s.StoreNewDAGRoot(entity, NodeBuilder{Payload: "x", Parents: []cid.Cid{fakeParent}}); err == nil {
		t.Fatalf("expected genesis with parents to be rejected")
	}
}

func TestStoreNodeRequiresExistingPartition(t *testing.T) {
	s := NewEntityDAGStore(nil)
	entity := DID("did:key:zEntity")
	if _, _, err := s.StoreNode(entity, NodeBuilder{Payload: "orphan"}); !errors.Is(err, ErrPartitionMissing) {
		t.Fatalf("expected ErrPartitionMissing, got %v", err)
	}
}

func TestStoreNodeParentBeforeChild(t *testing.T) {
	s := NewEntityDAGStore(nil)
	entity := DID("did:key:zEntity")
	root, _, err := s.StoreNewDAGRoot(entity, NodeBuilder{Payload: "root"})
	if err != nil {
		t.Fatalf("StoreNewDAGRoot failed: %v", err)
	}

	child, _, err := s.StoreNode(entity, NodeBuilder{Payload: "child", Parents: []cid.Cid{root}})
	if err != nil {
		t.Fatalf("StoreNode with existing parent failed: %v", err)
	}
	if !s.ContainsNode(entity, child) {
		t.Fatalf("expected child node to be stored")
	}
}

func TestStoreNodeRejectsMissingParent(t *testing.T) {
	s := NewEntityDAGStore(nil)
	entity := DID("did:key:zEntity")
	if _, _, err := s.StoreNewDAGRoot(entity, NodeBuilder{Payload: "root"}); err != nil {
		t.Fatalf("StoreNewDAGRoot failed: %v", err)
	}
	fakeParent, _ := ComputeContentID(DagCBORCodec, []byte("never stored"))

	if _, _, err := s.StoreNode(entity, NodeBuilder{Payload: "orphan", Parents: []cid.Cid{fakeParent}}); !errors.Is(err, ErrParentMissing) {
		t.Fatalf("expected ErrParentMissing, got %v", err)
	}
}

func TestStoreNodeIdempotentOnIdenticalContent(t *testing.T) {
	s := NewEntityDAGStore(nil)
	entity := DID("did:key:zEntity")
	root, _, err := s.StoreNewDAGRoot(entity, NodeBuilder{Payload: "root"})
	if err != nil {
		t.Fatalf("StoreNewDAGRoot failed: %v", err)
	}

	b := NodeBuilder{Payload: "same", Parents: []cid.Cid{root}, Timestamp: 1234}
	c1, _, err := s.StoreNode(entity, b)
	if err != nil {
		t.Fatalf("first StoreNode failed: %v", err)
	}
	c2, _, err := s.StoreNode(entity, b)
	if err != nil {
		t.Fatalf("second StoreNode failed: %v", err)
	}
	if !c1.Equals(c2) {
		t.Fatalf("expected identical node content to resolve to the same content id")
	}
}

func TestEntityDAGStorePersistsToKV(t *testing.T) {
	kv := NewMemoryKVStore()
	s := NewEntityDAGStore(kv)
	entity := DID("did:key:zEntity")
	c, _, err := s.StoreNewDAGRoot(entity, NodeBuilder{Payload: "root"})
	if err != nil {
		t.Fatalf("StoreNewDAGRoot failed: %v", err)
	}
	if ok, _ := kv.Has(dagNodeKey(entity, c)); !ok {
		t.Fatalf("expected genesis node mirrored into kv store")
	}
}

func TestGetNodeBytesMatchesCanonicalEncoding(t *testing.T) {
	s := NewEntityDAGStore(nil)
	entity := DID("did:key:zEntity")
	c, n, err := s.StoreNewDAGRoot(entity, NodeBuilder{Payload: "root"})
	if err != nil {
		t.Fatalf("StoreNewDAGRoot failed: %v", err)
	}
	enc, ok, err := s.GetNodeBytes(entity, c)
	if err != nil || !ok {
		t.Fatalf("GetNodeBytes failed: ok=%v err=%v", ok, err)
	}
	want, err := n.CanonicalEncode()
	if err != nil {
		t.Fatalf("CanonicalEncode failed: %v", err)
	}
	if string(enc) != string(want) {
		t.Fatalf("GetNodeBytes does not match node's own canonical encoding")
	}
}
