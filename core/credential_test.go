package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func genKeyPair(t *testing.T) (DID, KeyPair) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	did := DIDKeyFromPublic(pub)
	return did, KeyPair{Public: pub, Private: priv}
}

func TestSignAndVerifyCredentialRoundTrip(t *testing.T) {
	issuer, kp := genKeyPair(t)
	now := time.Now().UTC()

	vc := VerifiableCredential{
		ID:           NewCredentialID(),
		Types:        []string{"VerifiableCredential", "RoleAssignmentCredential"},
		IssuanceDate: now,
		Subject:      map[string]any{"role": "voter"},
	}

	signed, err := SignCredential(vc, issuer, kp, now)
	if err != nil {
		t.Fatalf("SignCredential failed: %v", err)
	}
	if signed.Proof == nil {
		t.Fatalf("expected proof to be set")
	}
	if err := VerifyCredential(signed, now); err != nil {
		t.Fatalf("VerifyCredential failed on a freshly signed credential: %v", err)
	}
}

func TestVerifyCredentialRejectsTamperedSubject(t *testing.T) {
	issuer, kp := genKeyPair(t)
	now := time.Now().UTC()

	vc := VerifiableCredential{
		ID: NewCredentialID(), Types: []string{"VerifiableCredential"},
		IssuanceDate: now, Subject: map[string]any{"role": "voter"},
	}
	signed, err := SignCredential(vc, issuer, kp, now)
	if err != nil {
		t.Fatalf("SignCredential failed: %v", err)
	}
	signed.Subject["role"] = "admin"

	if err := VerifyCredential(signed, now); err == nil {
		t.Fatalf("expected tampered credential to fail verification")
	}
}

func TestVerifyCredentialRejectsExpired(t *testing.T) {
	issuer, kp := genKeyPair(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	vc := VerifiableCredential{
		ID: NewCredentialID(), Types: []string{"VerifiableCredential"},
		IssuanceDate: now.Add(-2 * time.Hour), Subject: map[string]any{"a": 1},
		ExpirationDate: &past,
	}
	signed, err := SignCredential(vc, issuer, kp, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("SignCredential failed: %v", err)
	}

	if err := VerifyCredential(signed, now); err == nil {
		t.Fatalf("expected expired credential to fail verification")
	}
}

func TestVerifyCredentialRejectsMissingProof(t *testing.T) {
	vc := VerifiableCredential{ID: NewCredentialID(), Subject: map[string]any{"a": 1}}
	if err := VerifyCredential(vc, time.Now().UTC()); err == nil {
		t.Fatalf("expected missing proof to fail verification")
	}
}

func TestVerifyCredentialRejectsWrongSigner(t *testing.T) {
	issuer, _ := genKeyPair(t)
	_, otherKp := genKeyPair(t)
	now := time.Now().UTC()

	vc := VerifiableCredential{
		ID: NewCredentialID(), Types: []string{"VerifiableCredential"},
		IssuanceDate: now, Subject: map[string]any{"a": 1},
	}
	signed, err := SignCredential(vc, issuer, otherKp, now)
	if err != nil {
		t.Fatalf("SignCredential failed: %v", err)
	}
	if err := VerifyCredential(signed, now); err == nil {
		t.Fatalf("expected signature from the wrong key to fail verification")
	}
}

func TestNewCredentialIDUnique(t *testing.T) {
	a := NewCredentialID()
	b := NewCredentialID()
	if a == b {
		t.Fatalf("expected distinct credential ids")
	}
}
