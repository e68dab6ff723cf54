package binder

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	privateKeyFile = "binder_ed25519.key"
	publicKeyFile  = "binder_ed25519.pub"
)

// LoadOrGenerateSigner loads the binding keypair from dir, generating and
// persisting a fresh one on first run. The private key file is written
// with owner-only permissions.
func LoadOrGenerateSigner(dir, keyID string) (*Ed25519Signer, error) {
	privPath := filepath.Join(dir, privateKeyFile)

	raw, err := os.ReadFile(privPath)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("binder: decode key file %s: %w", privPath, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("binder: key file %s: bad seed length %d", privPath, len(seed))
		}
		return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("binder: read key file %s: %w", privPath, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("binder: key generation failed: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("binder: create key dir %s: %w", dir, err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("binder: write key file: %w", err)
	}
	pubPath := filepath.Join(dir, publicKeyFile)
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return nil, fmt.Errorf("binder: write public key file: %w", err)
	}
	return NewEd25519SignerFromKey(priv, keyID), nil
}
