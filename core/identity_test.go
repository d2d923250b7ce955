package core

import (
	"strings"
	"testing"
)

func TestGenerateAndStoreDIDKeyThenGetKey(t *testing.T) {
	km := NewKeyManager()
	did, pub, err := km.GenerateAndStoreDIDKey()
	if err != nil {
		t.Fatalf("GenerateAndStoreDIDKey failed: %v", err)
	}
	if !strings.HasPrefix(string(did), "did:key:z") {
		t.Fatalf("expected did:key:z prefix, got %s", did)
	}
	kp, ok := km.GetKey(did)
	if !ok {
		t.Fatalf("expected generated key to be retrievable")
	}
	if string(kp.Public) != string(pub) {
		t.Fatalf("stored public key does not match returned public key")
	}
}

func TestDIDKeyFromPublicAndBackAreInverse(t *testing.T) {
	km := NewKeyManager()
	did, pub, err := km.GenerateAndStoreDIDKey()
	if err != nil {
		t.Fatalf("GenerateAndStoreDIDKey failed: %v", err)
	}
	recovered, err := PublicKeyFromDIDKey(did)
	if err != nil {
		t.Fatalf("PublicKeyFromDIDKey failed: %v", err)
	}
	if string(recovered) != string(pub) {
		t.Fatalf("recovered public key does not match original")
	}
}

func TestPublicKeyFromDIDKeyRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not-a-did",
		"did:key:",
		"did:web:example.com",
		"did:key:zInvalidBase58!!!",
	}
	for _, c := range cases {
		if _, err := PublicKeyFromDIDKey(DID(c)); err == nil {
			t.Fatalf("expected error for malformed did %q", c)
		}
	}
}

func TestImportKeyPairMakesKeyRetrievable(t *testing.T) {
	km := NewKeyManager()
	src := NewKeyManager()
	did, _, err := src.GenerateAndStoreDIDKey()
	if err != nil {
		t.Fatalf("GenerateAndStoreDIDKey failed: %v", err)
	}
	kp, ok := src.GetKey(did)
	if !ok {
		t.Fatalf("expected source manager to hold the generated key")
	}

	if _, ok := km.GetKey(did); ok {
		t.Fatalf("key should not be present before import")
	}
	km.ImportKeyPair(did, kp)
	got, ok := km.GetKey(did)
	if !ok {
		t.Fatalf("expected key to be retrievable after ImportKeyPair")
	}
	if string(got.Private) != string(kp.Private) {
		t.Fatalf("imported private key mismatch")
	}
}

func TestRegisterEntityMetadataOnceOnly(t *testing.T) {
	km := NewKeyManager()
	did, _, err := km.GenerateAndStoreDIDKey()
	if err != nil {
		t.Fatalf("GenerateAndStoreDIDKey failed: %v", err)
	}
	meta := EntityMetadata{EntityDID: did, EntityType: "Individual"}
	if err := km.RegisterEntityMetadata(meta); err != nil {
		t.Fatalf("first RegisterEntityMetadata failed: %v", err)
	}
	if err := km.RegisterEntityMetadata(meta); err == nil {
		t.Fatalf("expected second registration for the same entity to fail")
	}
	got, ok := km.GetEntityMetadata(did)
	if !ok || got.EntityType != "Individual" {
		t.Fatalf("expected metadata to be retrievable unchanged, got %+v ok=%v", got, ok)
	}
}

func TestResolveDIDKeyDerivesDocument(t *testing.T) {
	km := NewKeyManager()
	did, _, err := km.GenerateAndStoreDIDKey()
	if err != nil {
		t.Fatalf("GenerateAndStoreDIDKey failed: %v", err)
	}
	_, doc, _, err := km.ResolveDID(did)
	if err != nil {
		t.Fatalf("ResolveDID failed: %v", err)
	}
	if doc.ID != did {
		t.Fatalf("expected resolved document id to match did")
	}
	if len(doc.VerificationMethod) != 1 || doc.VerificationMethod[0] != string(did)+"#key1" {
		t.Fatalf("unexpected verification method: %v", doc.VerificationMethod)
	}
}

func TestResolveDIDUnknownMethodFails(t *testing.T) {
	km := NewKeyManager()
	if _, _, _, err := km.ResolveDID("did:web:example.com"); err == nil {
		t.Fatalf("expected resolution of a non-key method to fail")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	km := NewKeyManager()
	did, _, err := km.GenerateAndStoreDIDKey()
	if err != nil {
		t.Fatalf("GenerateAndStoreDIDKey failed: %v", err)
	}
	kp, _ := km.GetKey(did)
	msg := []byte("covenant message")
	sig := Sign(msg, kp)
	if err := Verify(msg, sig, did); err != nil {
		t.Fatalf("Verify failed on a freshly signed message: %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	km := NewKeyManager()
	did, _, err := km.GenerateAndStoreDIDKey()
	if err != nil {
		t.Fatalf("GenerateAndStoreDIDKey failed: %v", err)
	}
	kp, _ := km.GetKey(did)
	sig := Sign([]byte("original"), kp)
	if err := Verify([]byte("tampered"), sig, did); err == nil {
		t.Fatalf("expected tampered message to fail verification")
	}
}

func TestVerifyRejectsEmptyInputs(t *testing.T) {
	if err := Verify([]byte("msg"), nil, "did:key:zFoo"); err == nil {
		t.Fatalf("expected empty signature to fail")
	}
	if err := Verify([]byte("msg"), []byte{1, 2, 3}, ""); err == nil {
		t.Fatalf("expected empty did to fail")
	}
}
