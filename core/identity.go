package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/multiformats/go-multibase"
	"github.com/sirupsen/logrus"
)

var idLog = logrus.WithField("component", "identity")

// ed25519MulticodecPrefix is the two-byte varint multicodec prefix for an
// ed25519 public key (0xed01), used to build did:key identifiers.
var ed25519MulticodecPrefix = []byte{0xed, 0x01}

// KeyPair holds an Ed25519 key pair. Private material never leaves the
// process boundary except to sign: Sign takes a KeyPair by value
// from the key store, never returns PrivateKey to a caller.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// DIDKeyFromPublic derives the did:key string for an Ed25519 public key:
// the multicodec-prefixed key bytes, multibase-encoded as base58btc (the
// "z" prefix the did:key method mandates).
func DIDKeyFromPublic(pub ed25519.PublicKey) DID {
	buf := make([]byte, 0, len(ed25519MulticodecPrefix)+len(pub))
	buf = append(buf, ed25519MulticodecPrefix...)
	buf = append(buf, pub...)
	enc, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		// Base58BTC is a registered encoding; Encode only fails on an
		// unknown base.
		panic(err)
	}
	return DID("did:key:" + enc)
}

// PublicKeyFromDIDKey recovers the Ed25519 public key encoded in a did:key
// identifier, without any key-store lookup — resolution for this method is
// purely a function of the DID string.
func PublicKeyFromDIDKey(did DID) (ed25519.PublicKey, error) {
	s := string(did)
	const prefix = "did:key:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return nil, ErrInvalidDID
	}
	encoding, raw, err := multibase.Decode(s[len(prefix):])
	if err != nil || encoding != multibase.Base58BTC {
		return nil, ErrInvalidDID
	}
	if len(raw) != len(ed25519MulticodecPrefix)+ed25519.PublicKeySize {
		return nil, ErrInvalidDID
	}
	if raw[0] != ed25519MulticodecPrefix[0] || raw[1] != ed25519MulticodecPrefix[1] {
		return nil, ErrInvalidDID
	}
	return ed25519.PublicKey(raw[len(ed25519MulticodecPrefix):]), nil
}

// DIDDocument is the minimal resolved-document shape returned by ResolveDID.
type DIDDocument struct {
	ID                 DID      `json:"id"`
	VerificationMethod []string `json:"verificationMethod"`
	Authentication      []string `json:"authentication"`
}

// ResolutionMetadata reports the outcome of a DID resolution attempt.
type ResolutionMetadata struct {
	ContentType string `json:"contentType"`
	Error       string `json:"error,omitempty"`
}

// DocumentMetadata carries bookkeeping about the resolved document.
type DocumentMetadata struct {
	Created time.Time `json:"created"`
}

// KeyManager holds DID generation, key custody, signing, and resolution,
// plus the one-time entity metadata registered at genesis.
type KeyManager struct {
	mu       sync.RWMutex
	keys     map[DID]KeyPair
	entities map[DID]EntityMetadata
}

// NewKeyManager returns an empty key manager.
func NewKeyManager() *KeyManager {
	return &KeyManager{
		keys:     make(map[DID]KeyPair),
		entities: make(map[DID]EntityMetadata),
	}
}

// GenerateAndStoreDIDKey creates a fresh Ed25519 key pair, derives its
// did:key identifier, persists the pair, and returns the DID plus the
// public-only half.
func (km *KeyManager) GenerateAndStoreDIDKey() (DID, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, ErrKeypairGeneration
	}
	did := DIDKeyFromPublic(pub)
	km.mu.Lock()
	km.keys[did] = KeyPair{Public: pub, Private: priv}
	km.mu.Unlock()
	idLog.WithField("did", did).Info("generated did:key identity")
	return did, pub, nil
}

// GetKey returns the stored key pair for did, if present.
func (km *KeyManager) GetKey(did DID) (KeyPair, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	kp, ok := km.keys[did]
	return kp, ok
}

// ImportKeyPair registers a keypair generated outside this manager (e.g.
// recovered from a persisted seed file across a process restart) under did,
// so subsequent GetKey lookups and host-ABI signing calls see it exactly as
// if GenerateAndStoreDIDKey had minted it in this process.
func (km *KeyManager) ImportKeyPair(did DID, kp KeyPair) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.keys[did] = kp
}

// RegisterEntityMetadata records the one-time, immutable metadata for a
// newly created entity.
func (km *KeyManager) RegisterEntityMetadata(meta EntityMetadata) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if _, exists := km.entities[meta.EntityDID]; exists {
		return ErrMetadataStorageFailed
	}
	km.entities[meta.EntityDID] = meta
	return nil
}

// GetEntityMetadata returns the metadata recorded for did, if any.
func (km *KeyManager) GetEntityMetadata(did DID) (EntityMetadata, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	m, ok := km.entities[did]
	return m, ok
}

// ResolveDID resolves a did:key identifier to a document, deriving it
// purely from the DID string. Other methods are not implemented: resolving
// one fails with ErrDIDResolutionFailed.
func (km *KeyManager) ResolveDID(did DID) (ResolutionMetadata, *DIDDocument, *DocumentMetadata, error) {
	pub, err := PublicKeyFromDIDKey(did)
	if err != nil {
		return ResolutionMetadata{Error: "notFound"}, nil, nil, ErrDIDResolutionFailed
	}
	_ = pub
	vm := string(did) + "#key1"
	doc := &DIDDocument{
		ID:                 did,
		VerificationMethod: []string{vm},
		Authentication:     []string{vm},
	}
	return ResolutionMetadata{ContentType: "application/did+json"}, doc, &DocumentMetadata{Created: time.Now().UTC()}, nil
}

// Sign signs message with kp's private key. Private key material never
// leaves this call.
func Sign(message []byte, kp KeyPair) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify resolves did to a public key and checks sig over message. An
// empty DID or empty signature fails fast with ErrInvalidSignature.
func Verify(message, sig []byte, did DID) error {
	if did == "" || len(sig) == 0 {
		return ErrInvalidSignature
	}
	pub, err := PublicKeyFromDIDKey(did)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(pub, message, sig) {
		return ErrInvalidSignature
	}
	return nil
}
