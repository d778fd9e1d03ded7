package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFiles_GenerateThenLoad(t *testing.T) {
	kf := KeyFiles{Dir: filepath.Join(t.TempDir(), ".keys")}

	first, err := kf.LoadOrGenerate("node", true)
	require.NoError(t, err)

	info, err := os.Stat(kf.PrivatePath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	pub, err := kf.ReadPublicKey()
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), pub)

	second, err := kf.LoadOrGenerate("node", true)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey(), "existing key must be reused")
}

func TestKeyFiles_MissingWithoutGenerate(t *testing.T) {
	kf := KeyFiles{Dir: t.TempDir()}
	_, err := kf.LoadOrGenerate("node", false)
	assert.ErrorIs(t, err, ErrKeysMissing)
}

func TestKeyFiles_RepairsPublicKey(t *testing.T) {
	kf := KeyFiles{Dir: t.TempDir()}
	privHex, pubHex, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, kf.Write(privHex, "stale"))

	signer, err := kf.LoadOrGenerate("node", false)
	require.NoError(t, err)
	assert.Equal(t, pubHex, signer.PublicKey())

	stored, err := kf.ReadPublicKey()
	require.NoError(t, err)
	assert.Equal(t, pubHex, stored)
}

func TestKeyFiles_CorruptPrivateKey(t *testing.T) {
	kf := KeyFiles{Dir: t.TempDir()}
	require.NoError(t, os.WriteFile(kf.PrivatePath(), []byte("garbage"), 0600))

	_, err := kf.LoadOrGenerate("node", true)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
