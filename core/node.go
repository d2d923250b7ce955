package core

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// NodeMetadata is the fixed metadata tuple attached to every DAG node.
type NodeMetadata struct {
	Timestamp   int64    `cbor:"timestamp" json:"timestamp"`
	Sequence    uint64   `cbor:"sequence" json:"sequence"`
	ContentType string   `cbor:"content_type,omitempty" json:"content_type,omitempty"`
	Tags        []string `cbor:"tags" json:"tags"`
}

// Node is the DAG node tuple: (issuer, parents, payload, metadata,
// optional signature). A genesis node has an empty Parents list. StoreNode
// does not require a parent, so a non-genesis node may also have an empty
// Parents list.
type Node struct {
	Issuer    DID          `cbor:"issuer" json:"issuer"`
	Parents   []string     `cbor:"parents" json:"parents"` // ContentId strings, ordered
	Metadata  NodeMetadata `cbor:"metadata" json:"metadata"`
	Payload   any          `cbor:"payload" json:"payload"`
	Signature []byte       `cbor:"signature,omitempty" json:"signature,omitempty"`
}

var canonicalEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// CanonicalEncode produces the DAG-CBOR canonical encoding of n: field
// order fixed, integers minimal, maps sorted by key. This is the byte
// sequence hashed to produce the node's ContentId.
func (n *Node) CanonicalEncode() ([]byte, error) {
	return canonicalEncMode.Marshal(n)
}

// ContentID computes the node's ContentId over its canonical encoding.
func (n *Node) ContentID() (cid.Cid, error) {
	enc, err := n.CanonicalEncode()
	if err != nil {
		return cid.Undef, ErrEncodingFailed
	}
	return ComputeContentID(DagCBORCodec, enc)
}

// NodeBuilder accumulates the fields of a not-yet-stored Node. The DAG
// store finalizes it (sets issuer, sequence, computes the ContentId) when
// StoreNode/StoreNewDAGRoot is called.
type NodeBuilder struct {
	Parents     []cid.Cid
	Payload     any
	ContentType string
	Tags        []string
	Signature   []byte
	Timestamp   int64
	Sequence    uint64
}
