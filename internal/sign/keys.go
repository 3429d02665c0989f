package sign

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/stopgate/internal/fsutil"
	"github.com/ShayCichocki/stopgate/internal/lock"
)

const (
	privateKeyFile = "signing.key"
	publicKeyFile  = "signing.pub"
)

// LoadOrCreate returns the project key pair in dir, generating one on first
// use. Generation happens under the directory's lease so racing processes
// agree on a single key.
func LoadOrCreate(ctx context.Context, dir string, cfg lock.Config) (KeyPair, error) {
	if kp, err := Load(dir); err == nil {
		return kp, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return KeyPair{}, fmt.Errorf("create keys dir: %w", err)
	}

	var kp KeyPair
	err := lock.With(ctx, filepath.Join(dir, privateKeyFile), cfg, func() error {
		existing, err := Load(dir)
		if err == nil {
			kp = existing
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		kp, err = GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate key pair: %w", err)
		}
		if err := fsutil.WriteFileAtomic(filepath.Join(dir, publicKeyFile), encode(kp.Public), 0o644); err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(filepath.Join(dir, privateKeyFile), encode(kp.Private), 0o600)
	})
	return kp, err
}

// Load reads the key pair from dir.
func Load(dir string) (KeyPair, error) {
	privRaw, err := readKey(filepath.Join(dir, privateKeyFile), ed25519.PrivateKeySize)
	if err != nil {
		return KeyPair{}, err
	}
	priv := ed25519.PrivateKey(privRaw)
	pub := priv.Public().(ed25519.PublicKey)
	if stored, err := LoadPublic(dir); err == nil && !stored.Equal(pub) {
		return KeyPair{}, fmt.Errorf("public key does not match private key")
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// LoadPublic reads only the verification key from dir.
func LoadPublic(dir string) (ed25519.PublicKey, error) {
	raw, err := readKey(filepath.Join(dir, publicKeyFile), ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

func readKey(path string, size int) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(b)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("invalid key length in %s: %d", filepath.Base(path), len(raw))
	}
	return raw, nil
}

func encode(key []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(key) + "\n")
}
