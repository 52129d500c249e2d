package signer

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/calendrion/core/internal/calcore"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generating random key: %s", err)
	}
	s, err := New(hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return s
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := newTestSigner(t)
	hash := calcore.Sha256Hex([]byte("block contents"))

	sig, err := s.Sign(hash)
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}

	v, err := NewVerifier(s.PublicKeyHex())
	if err != nil {
		t.Fatalf("NewVerifier: %s", err)
	}
	ok, err := v.Verify(hash, sig)
	if err != nil {
		t.Fatalf("Verify: %s", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestSignatureFormatIsFingerprintColonBase64(t *testing.T) {
	s := newTestSigner(t)
	sig, err := s.Sign(calcore.Sha256Hex([]byte("x")))
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}
	if len(sig) < 14 || sig[12] != ':' {
		t.Fatalf("expected fingerprint12:base64Signature, got %q", sig)
	}
	if sig[:12] != s.Fingerprint() {
		t.Fatalf("embedded fingerprint %q != signer fingerprint %q", sig[:12], s.Fingerprint())
	}
}

func TestVerifyRejectsTamperedHash(t *testing.T) {
	s := newTestSigner(t)
	hash := calcore.Sha256Hex([]byte("original"))
	sig, err := s.Sign(hash)
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}
	v, err := NewVerifier(s.PublicKeyHex())
	if err != nil {
		t.Fatalf("NewVerifier: %s", err)
	}
	tampered := calcore.Sha256Hex([]byte("tampered"))
	ok, _ := v.Verify(tampered, sig)
	if ok {
		t.Fatal("expected verification to fail against a different hash")
	}
}

func TestVerifyRejectsUnknownFingerprint(t *testing.T) {
	s := newTestSigner(t)
	other := newTestSigner(t)
	hash := calcore.Sha256Hex([]byte("x"))
	sig, err := s.Sign(hash)
	if err != nil {
		t.Fatalf("Sign: %s", err)
	}
	v, err := NewVerifier(other.PublicKeyHex())
	if err != nil {
		t.Fatalf("NewVerifier: %s", err)
	}
	if _, err := v.Verify(hash, sig); err == nil {
		t.Fatal("expected an error for a signature from an untrusted fingerprint")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	s := newTestSigner(t)
	v, err := NewVerifier(s.PublicKeyHex())
	if err != nil {
		t.Fatalf("NewVerifier: %s", err)
	}
	if _, err := v.Verify(calcore.Sha256Hex([]byte("x")), "not-a-valid-sig"); err == nil {
		t.Fatal("expected an error for a malformed signature")
	}
}
