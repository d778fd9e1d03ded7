package crypto

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	PrivateKeyFile = "ed25519_private.hex"
	PublicKeyFile  = "ed25519_public.hex"
)

// ErrKeysMissing is returned when no key files exist and generation is not allowed.
var ErrKeysMissing = errors.New("crypto: key files missing")

// KeyFiles locates the hex key pair inside a directory.
type KeyFiles struct {
	Dir string
}

func (k KeyFiles) PrivatePath() string { return filepath.Join(k.Dir, PrivateKeyFile) }
func (k KeyFiles) PublicPath() string  { return filepath.Join(k.Dir, PublicKeyFile) }

// Write stores a key pair, private key 0600 and public key 0644.
func (k KeyFiles) Write(privHex, pubHex string) error {
	if err := os.MkdirAll(k.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create keys dir: %w", err)
	}
	if err := os.WriteFile(k.PrivatePath(), []byte(privHex), 0600); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	//nolint:gosec // G306: public key is meant to be readable
	if err := os.WriteFile(k.PublicPath(), []byte(pubHex), 0644); err != nil {
		return fmt.Errorf("failed to save public key: %w", err)
	}
	return nil
}

// ReadPublicKey returns the stored public key hex.
func (k KeyFiles) ReadPublicKey() (string, error) {
	b, err := os.ReadFile(k.PublicPath())
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// LoadOrGenerate loads the node signing key from disk. When the private key
// file is absent and allowGenerate is set, a new pair is generated and saved.
func (k KeyFiles) LoadOrGenerate(keyID string, allowGenerate bool) (*Ed25519Signer, error) {
	logger := slog.Default().With("component", "keys")

	b, err := os.ReadFile(k.PrivatePath())
	switch {
	case err == nil:
		signer, err := NewEd25519SignerFromHex(string(b), keyID)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", PrivateKeyFile, err)
		}
		// Keep the public half in sync with the private key on disk.
		if pub, err := k.ReadPublicKey(); err != nil || pub != signer.PublicKey() {
			//nolint:gosec // G306: public key is meant to be readable
			if werr := os.WriteFile(k.PublicPath(), []byte(signer.PublicKey()), 0644); werr != nil {
				logger.Warn("failed to rewrite public key", "error", werr)
			}
		}
		logger.Info("loaded existing signing key", "dir", k.Dir)
		return signer, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", PrivateKeyFile, err)
	}

	if !allowGenerate {
		return nil, fmt.Errorf("%w: %s", ErrKeysMissing, k.PrivatePath())
	}

	logger.Warn("generating new signing key pair", "dir", k.Dir)
	privHex, pubHex, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := k.Write(privHex, pubHex); err != nil {
		return nil, err
	}
	return NewEd25519SignerFromHex(privHex, keyID)
}
