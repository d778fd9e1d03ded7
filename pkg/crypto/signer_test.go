package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_SignVerify(t *testing.T) {
	privHex, pubHex, err := GenerateKeyPair()
	require.NoError(t, err)

	signer, err := NewEd25519SignerFromHex(privHex, "node-1")
	require.NoError(t, err)
	assert.Equal(t, pubHex, signer.PublicKey())

	msg := []byte("hello world")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)

	assert.True(t, Verify(sig, msg, pubHex))
	assert.False(t, Verify(sig, []byte("hello world!"), pubHex), "different message")

	_, otherPub, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, Verify(sig, msg, otherPub), "different key")
}

func TestSigner_Deterministic(t *testing.T) {
	signer, err := NewEd25519Signer("k")
	require.NoError(t, err)

	s1, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	s2, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, ed25519.SignatureSize*2)
}

func TestSigner_NoPrivateKey(t *testing.T) {
	s := NewVerifyOnlySigner("verify-only")
	assert.False(t, s.HasPrivateKey())
	assert.Equal(t, "", s.PublicKey())

	_, err := s.Sign([]byte("x"))
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestNewEd25519SignerFromHex(t *testing.T) {
	seed := strings.Repeat("01", ed25519.SeedSize)

	fromSeed, err := NewEd25519SignerFromHex(seed, "a")
	require.NoError(t, err)

	raw, _ := hex.DecodeString(seed)
	full := hex.EncodeToString(ed25519.NewKeyFromSeed(raw))
	fromFull, err := NewEd25519SignerFromHex(full, "b")
	require.NoError(t, err)
	assert.Equal(t, fromSeed.PublicKey(), fromFull.PublicKey())

	withNewline, err := NewEd25519SignerFromHex(seed+"\n", "c")
	require.NoError(t, err)
	assert.Equal(t, fromSeed.PublicKey(), withNewline.PublicKey())

	for _, bad := range []string{"zz", "abcd", ""} {
		_, err := NewEd25519SignerFromHex(bad, "bad")
		assert.ErrorIs(t, err, ErrInvalidKey, "input %q", bad)
	}
}

func TestVerify_Total(t *testing.T) {
	signer, err := NewEd25519Signer("k")
	require.NoError(t, err)
	msg := []byte("m")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	pub := signer.PublicKey()

	tests := []struct {
		name string
		sig  string
		pub  string
	}{
		{"malformed sig hex", "not-hex", pub},
		{"malformed pub hex", sig, "not-hex"},
		{"short pub", sig, pub[:10]},
		{"short sig", sig[:20], pub},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, Verify(tt.sig, msg, tt.pub))
			})
		})
	}

	// Uppercase hex is still the same key material.
	assert.True(t, Verify(strings.ToUpper(sig), msg, strings.ToUpper(pub)))
}

func TestGenerateKeyPair_Independent(t *testing.T) {
	p1, pub1, err := GenerateKeyPair()
	require.NoError(t, err)
	p2, pub2, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.NotEqual(t, pub1, pub2)
	assert.Len(t, p1, 64)
	assert.Len(t, pub1, 64)
	assert.Equal(t, strings.ToLower(pub1), pub1)
}
