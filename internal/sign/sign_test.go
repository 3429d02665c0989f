package sign

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/stopgate/internal/lock"
)

func TestDigestIsCanonical(t *testing.T) {
	a, err := Digest([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := Digest([]byte(`{ "a": 1, "b": 2 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	_, err = Digest([]byte(`{not json`))
	assert.Error(t, err)
}

func TestSignVerifyJSON(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	record := []byte(`{"agent_id":"agentA","completed_steps":["a","b"]}`)
	sig, err := SignJSON(kp.Private, record)
	require.NoError(t, err)
	assert.Equal(t, AlgEd25519, sig.Alg)
	assert.Equal(t, KeyID(kp.Public), sig.KeyID)

	require.NoError(t, VerifyJSON(kp.Public, sig, []byte(`{"completed_steps":["a","b"],"agent_id":"agentA"}`)))

	err = VerifyJSON(kp.Public, sig, []byte(`{"agent_id":"agentB","completed_steps":["a","b"]}`))
	assert.True(t, errors.Is(err, ErrInvalidSignature), "tampered record: %v", err)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	err = VerifyJSON(other.Public, sig, record)
	assert.True(t, errors.Is(err, ErrInvalidSignature), "wrong key: %v", err)

	forged := sig
	forged.Sig = sig.Sig[:len(sig.Sig)-4] + "AAAA"
	err = VerifyJSON(kp.Public, forged, record)
	assert.True(t, errors.Is(err, ErrInvalidSignature), "forged sig: %v", err)
}

func TestLoadOrCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	_, err := Load(dir)
	require.True(t, errors.Is(err, os.ErrNotExist))

	kp, err := LoadOrCreate(context.Background(), dir, lock.DefaultConfig())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadOrCreate(context.Background(), dir, lock.DefaultConfig())
	require.NoError(t, err)
	assert.True(t, kp.Public.Equal(again.Public))

	pub, err := LoadPublic(dir)
	require.NoError(t, err)
	assert.True(t, kp.Public.Equal(pub))
}

func TestLoadOrCreateConcurrent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp, err := LoadOrCreate(context.Background(), dir, lock.DefaultConfig())
			if err == nil {
				ids[i] = KeyID(kp.Public)
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.NotEmpty(t, ids[0])
}
