package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoPrivateKey is returned when signing with a verify-only signer.
	ErrNoPrivateKey = errors.New("crypto: signing capability requires a private key")
	// ErrInvalidKey is returned for key material of the wrong encoding or size.
	ErrInvalidKey = errors.New("crypto: invalid key material")
)

// Signer produces detached signatures over byte payloads.
type Signer interface {
	// Sign returns the lowercase hex signature of message.
	Sign(message []byte) (string, error)
	// PublicKey returns the lowercase hex public key, or "" when none is loaded.
	PublicKey() string
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh ephemeral key.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

// NewEd25519SignerFromHex loads a private key exchanged as hex text. Both the
// 32-byte seed form and the 64-byte expanded form are accepted.
func NewEd25519SignerFromHex(privHex, keyID string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(privHex))
	if err != nil {
		return nil, fmt.Errorf("%w: private key hex: %v", ErrInvalidKey, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(raw), keyID), nil
	case ed25519.PrivateKeySize:
		return NewEd25519SignerFromKey(ed25519.PrivateKey(raw), keyID), nil
	default:
		return nil, fmt.Errorf("%w: private key must be %d or %d bytes, got %d",
			ErrInvalidKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// NewVerifyOnlySigner returns a signer that holds no private key. It can only
// be used through the package-level Verify function.
func NewVerifyOnlySigner(keyID string) *Ed25519Signer {
	return &Ed25519Signer{KeyID: keyID}
}

func (s *Ed25519Signer) Sign(message []byte) (string, error) {
	if len(s.privKey) == 0 {
		return "", ErrNoPrivateKey
	}
	sig := ed25519.Sign(s.privKey, message)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	if len(s.pubKey) == 0 {
		return ""
	}
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// HasPrivateKey reports whether the signer can produce signatures.
func (s *Ed25519Signer) HasPrivateKey() bool {
	return len(s.privKey) != 0
}

// Verify reports whether sigHex is a valid Ed25519 signature of exactly
// message under pubKeyHex. Malformed hex, wrong sizes and cryptographic
// mismatches all yield false.
func Verify(sigHex string, message []byte, pubKeyHex string) bool {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig)
}

// GenerateKeyPair returns a fresh random key pair as lowercase hex: the
// 32-byte private seed and the 32-byte public key.
func GenerateKeyPair() (privHex, pubHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("key generation failed: %w", err)
	}
	return hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub), nil
}
