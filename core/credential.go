package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Proof is the detached-signature envelope attached to an issued
// credential.
type Proof struct {
	Type               string    `json:"type"`
	Created            time.Time `json:"created"`
	ProofPurpose       string    `json:"proofPurpose"`
	VerificationMethod string    `json:"verificationMethod"`
	JWS                string    `json:"jws"`
}

// VerifiableCredential is issued by sign_credential and checked by
// VerifyCredential.
type VerifiableCredential struct {
	ID             string         `json:"id"`
	Types          []string       `json:"types"`
	Issuer         DID            `json:"issuer"`
	IssuanceDate   time.Time      `json:"issuanceDate"`
	Subject        map[string]any `json:"subject"`
	Proof          *Proof         `json:"proof,omitempty"`
	ExpirationDate *time.Time     `json:"expirationDate,omitempty"`
}

// canonicalJSON re-encodes v with object keys sorted and no extraneous
// whitespace. encoding/json already
// sorts map[string]any keys when marshaling; round-tripping through a
// generic map is the simplest way to get that guarantee for an arbitrary
// struct without hand-rolling a key-sorting encoder.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// canonicalCredentialBytes returns the signing-input base for vc: its
// canonical JSON with the proof field forced to an empty object.
func canonicalCredentialBytes(vc VerifiableCredential) ([]byte, error) {
	stripped := vc
	stripped.Proof = nil
	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	generic["proof"] = map[string]any{}
	return json.Marshal(generic)
}

func base64urlNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// SignCredential issues a detached JWS proof over vc's canonical bytes and
// returns the credential with Proof populated.
func SignCredential(vc VerifiableCredential, issuer DID, kp KeyPair, now time.Time) (VerifiableCredential, error) {
	vc.Issuer = issuer
	vc.Proof = nil
	canonical, err := canonicalCredentialBytes(vc)
	if err != nil {
		return vc, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	header := fmt.Sprintf(`{"alg":"EdDSA","typ":"JWT","kid":"%s#key1"}`, issuer)
	signingInput := base64urlNoPad([]byte(header)) + "." + base64urlNoPad(canonical)
	sig := Sign([]byte(signingInput), kp)
	jws := signingInput + "." + base64urlNoPad(sig)
	vc.Proof = &Proof{
		Type:               "JsonWebSignature2020",
		Created:            now,
		ProofPurpose:       "assertionMethod",
		VerificationMethod: fmt.Sprintf("%s#key1", issuer),
		JWS:                jws,
	}
	return vc, nil
}

// VerifyCredential checks expiration, proof shape, and the Ed25519
// signature over the recomputed signing input.
func VerifyCredential(vc VerifiableCredential, now time.Time) error {
	if vc.ExpirationDate != nil && !vc.ExpirationDate.After(now) {
		return ErrInvalidCredential
	}
	if vc.Proof == nil {
		return ErrInvalidCredential
	}
	if vc.Proof.Type != "JsonWebSignature2020" {
		return ErrInvalidCredential
	}
	issuer, err := verificationMethodDID(vc.Proof.VerificationMethod)
	if err != nil {
		return err
	}
	canonical, err := canonicalCredentialBytes(vc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	header := fmt.Sprintf(`{"alg":"EdDSA","typ":"JWT","kid":"%s#key1"}`, issuer)
	signingInput := base64urlNoPad([]byte(header)) + "." + base64urlNoPad(canonical)

	parts := splitJWS(vc.Proof.JWS)
	if parts == nil {
		return ErrInvalidCredential
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return ErrInvalidCredential
	}
	recomputedPrefix := parts[0] + "." + parts[1]
	if recomputedPrefix != signingInput {
		return ErrInvalidCredential
	}
	if err := Verify([]byte(signingInput), sig, issuer); err != nil {
		return ErrInvalidCredential
	}
	return nil
}

func splitJWS(jws string) []string {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		return nil
	}
	return parts
}

func verificationMethodDID(vm string) (DID, error) {
	for i := len(vm) - 1; i >= 0; i-- {
		if vm[i] == '#' {
			return DID(vm[:i]), nil
		}
	}
	return "", ErrInvalidCredential
}

// NewCredentialID returns a fresh urn:uuid credential identifier.
func NewCredentialID() string {
	return "urn:uuid:" + uuid.New().String()
}
