// Package sign signs JSON records with ed25519 over their RFC 8785 canonical
// digest, and manages the project signing key.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// AlgEd25519 is the only supported signature algorithm.
const AlgEd25519 = "ed25519"

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// KeyPair is an ed25519 signing key pair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Signature is embedded in signed records.
type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest"`
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID is the hex sha256 of the public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Digest canonicalizes JSON input and returns its sha256 hex digest.
func Digest(input []byte) (string, error) {
	canonical, err := jcs.Transform(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize json: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// SignJSON signs the canonical digest of input.
func SignJSON(priv ed25519.PrivateKey, input []byte) (Signature, error) {
	digestHex, err := Digest(input)
	if err != nil {
		return Signature{}, err
	}
	digest, _ := hex.DecodeString(digestHex)
	return Signature{
		Alg:          AlgEd25519,
		KeyID:        KeyID(priv.Public().(ed25519.PublicKey)),
		Sig:          base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)),
		SignedDigest: digestHex,
	}, nil
}

// VerifyJSON checks that sig covers input and was made by pub.
func VerifyJSON(pub ed25519.PublicKey, sig Signature, input []byte) error {
	if sig.Alg != AlgEd25519 {
		return fmt.Errorf("%w: unsupported alg %q", ErrInvalidSignature, sig.Alg)
	}
	if sig.KeyID != KeyID(pub) {
		return fmt.Errorf("%w: key id mismatch", ErrInvalidSignature)
	}
	digestHex, err := Digest(input)
	if err != nil {
		return err
	}
	if sig.SignedDigest != digestHex {
		return fmt.Errorf("%w: signed_digest mismatch", ErrInvalidSignature)
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("%w: decode sig: %v", ErrInvalidSignature, err)
	}
	if len(raw) != ed25519.SignatureSize {
		return fmt.Errorf("%w: invalid signature length %d", ErrInvalidSignature, len(raw))
	}
	digest, _ := hex.DecodeString(digestHex)
	if !ed25519.Verify(pub, digest, raw) {
		return ErrInvalidSignature
	}
	return nil
}
