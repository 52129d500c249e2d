// Package signer produces and verifies the detached signatures attached to every
// Calendar block, per §4.2. It is grounded on the teacher's own Schnorr-over-secp256k1
// signing (`mindmachine.Sign`/`RawMessage.Verify` in mindmachine/cryptography.go) and
// its nip06 seed-word wallet generation (mindmachine/wallet.go).
package signer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr/nip06"

	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/calerr"
)

// Signer holds a long-lived Schnorr keypair. Rotation is not supported within a
// single run (§4.2): a new Signer means a new fingerprint, and old blocks keep
// verifying under whichever fingerprint originally signed them.
type Signer struct {
	privateKey  *btcec.PrivateKey
	publicKey   *btcec.PublicKey
	fingerprint string
}

// New builds a Signer from a hex-encoded private key.
func New(privateKeyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, calerr.Wrap(calerr.Fatal, "invalid signer private key hex", err)
	}
	sk, pk := btcec.PrivKeyFromBytes(raw)
	return &Signer{
		privateKey:  sk,
		publicKey:   pk,
		fingerprint: fingerprintOf(pk),
	}, nil
}

// Generate creates a fresh keypair from freshly generated nip06 seed words, matching
// `mindmachine.makeNewWallet`. It returns the Signer plus the seed words so the
// operator can write them down.
func Generate() (*Signer, string, error) {
	seedWords, err := nip06.GenerateSeedWords()
	if err != nil {
		return nil, "", calerr.Wrap(calerr.Fatal, "generating signer seed words", err)
	}
	seed := nip06.SeedFromWords(seedWords)
	skHex, err := nip06.PrivateKeyFromSeed(seed)
	if err != nil {
		return nil, "", calerr.Wrap(calerr.Fatal, "deriving signer private key", err)
	}
	s, err := New(skHex)
	if err != nil {
		return nil, "", err
	}
	return s, seedWords, nil
}

// fingerprintOf returns the first 12 hex chars of SHA-256(pubkeyBytes), per §4.2.
func fingerprintOf(pk *btcec.PublicKey) string {
	sum := sha256.Sum256(pk.SerializeCompressed())
	return hex.EncodeToString(sum[:])[:12]
}

// Fingerprint returns this Signer's fingerprint prefix.
func (s *Signer) Fingerprint() string { return s.fingerprint }

// PublicKeyHex returns the compressed public key as hex, for out-of-band distribution
// to verifiers.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.publicKey.SerializeCompressed())
}

// Sign signs the ASCII of hashHex and returns the block `sig` field:
// "fingerprint12:base64Signature", per §3/§4.2.
func (s *Signer) Sign(hashHex calcore.S256Hash) (string, error) {
	digest := sha256.Sum256([]byte(hashHex))
	sig, err := schnorr.Sign(s.privateKey, digest[:])
	if err != nil {
		return "", calerr.Wrap(calerr.Fatal, "signing block hash", err)
	}
	return fmt.Sprintf("%s:%s", s.fingerprint, base64.StdEncoding.EncodeToString(sig.Serialize())), nil
}

// Verifier checks signatures against a set of known public keys, keyed by
// fingerprint, so that a reader can verify blocks from multiple co-existing signing
// identities (§4.2: "fingerprints allow multi-org coexistence").
type Verifier struct {
	byFingerprint map[string]*btcec.PublicKey
}

// NewVerifier builds a Verifier trusting the given compressed hex public keys.
func NewVerifier(publicKeysHex ...string) (*Verifier, error) {
	v := &Verifier{byFingerprint: make(map[string]*btcec.PublicKey)}
	for _, pkHex := range publicKeysHex {
		raw, err := hex.DecodeString(pkHex)
		if err != nil {
			return nil, calerr.Wrap(calerr.Validation, "invalid verifier public key hex", err)
		}
		pk, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, calerr.Wrap(calerr.Validation, "invalid verifier public key", err)
		}
		v.byFingerprint[fingerprintOf(pk)] = pk
	}
	return v, nil
}

// Trust adds a public key the Verifier didn't originally know about (used when a
// Signer is generated at runtime and its own Verifier needs to trust itself).
func (v *Verifier) Trust(pkHex string) error {
	raw, err := hex.DecodeString(pkHex)
	if err != nil {
		return calerr.Wrap(calerr.Validation, "invalid verifier public key hex", err)
	}
	pk, err := btcec.ParsePubKey(raw)
	if err != nil {
		return calerr.Wrap(calerr.Validation, "invalid verifier public key", err)
	}
	v.byFingerprint[fingerprintOf(pk)] = pk
	return nil
}

// Verify checks that sig verifies hashHex under the fingerprint embedded in sig,
// per the invariant in §8.3: "every sig verifies under the advertised fingerprint's
// public key."
func (v *Verifier) Verify(hashHex calcore.S256Hash, sig string) (bool, error) {
	fp, sigB64, ok := splitSig(sig)
	if !ok {
		return false, calerr.New(calerr.Validation, "malformed signature: expected fingerprint12:base64Signature")
	}
	pk, ok := v.byFingerprint[fp]
	if !ok {
		return false, calerr.New(calerr.AuthFailure, "unknown signer fingerprint "+fp)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, calerr.Wrap(calerr.Validation, "malformed base64 signature", err)
	}
	parsed, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, calerr.Wrap(calerr.Validation, "malformed schnorr signature", err)
	}
	digest := sha256.Sum256([]byte(hashHex))
	return parsed.Verify(digest[:], pk), nil
}

func splitSig(sig string) (fingerprint, sigB64 string, ok bool) {
	if len(sig) < 14 || sig[12] != ':' {
		return "", "", false
	}
	return sig[:12], sig[13:], true
}
