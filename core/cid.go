package core

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// DagCBORCodec is the multicodec used for canonical node encodings.
// 0x71 is the standard IPLD dag-cbor codec point.
const DagCBORCodec = 0x71

// RawCodec is used for opaque blob payloads that are not DAG nodes.
const RawCodec = 0x55

// ComputeContentID hashes payload with SHA-256, wraps it in a multihash, and
// frames it as a CIDv1 with the given codec. Two equal byte strings always
// yield the same ContentId.
func ComputeContentID(codec uint64, payload []byte) (cid.Cid, error) {
	digest, err := mh.Sum(payload, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("multihash sum: %w", err)
	}
	return cid.NewCidV1(codec, digest), nil
}

// ComputeContentIDV0 produces the legacy base58-of-raw-multihash form.
// It is only used where a v0 identifier is explicitly requested; v1 is the
// default produced by ComputeContentID.
func ComputeContentIDV0(payload []byte) (cid.Cid, error) {
	digest, err := mh.Sum(payload, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("multihash sum: %w", err)
	}
	return cid.NewCidV0(digest), nil
}

// ParseContentID decodes a string produced by (cid.Cid).String() back into
// a ContentId, accepting both v0 (base58btc) and v1 (multibase-prefixed)
// forms.
func ParseContentID(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, ErrInvalidContentID
	}
	return c, nil
}
