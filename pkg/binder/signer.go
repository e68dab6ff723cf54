package binder

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// Signer produces detached hex signatures over raw bytes.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	KeyID() string
}

// Ed25519Signer signs binding hashes with a single Ed25519 key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("binder: key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pubKey) }
func (s *Ed25519Signer) KeyID() string     { return s.keyID }

// Private exposes the private key for surfaces that need raw key material,
// like the compliance exporter's attestation signing.
func (s *Ed25519Signer) Private() ed25519.PrivateKey { return s.privKey }

func (s *Ed25519Signer) Verify(message []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pubKey, message, sig)
}

// VerifyWithPublicKey verifies a hex signature against a hex-encoded
// Ed25519 public key.
func VerifyWithPublicKey(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("binder: invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("binder: invalid public key size %d", len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("binder: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// KeyRing holds the active signing key plus historical public keys so
// bindings sealed before a rotation still verify.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]*Ed25519Signer
}

func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]*Ed25519Signer)}
}

// AddKey adds a signer. Signing always uses the lexicographically last
// key ID, so rotation is adding a key with a later ID.
func (k *KeyRing) AddKey(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
}

// RevokeKey removes a key. Bindings signed by it stop verifying.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
}

func (k *KeyRing) active() (*Ed25519Signer, error) {
	ids := make([]string, 0, len(k.signers))
	for id := range k.signers {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("binder: no keyring keys available")
	}
	sort.Strings(ids)
	return k.signers[ids[len(ids)-1]], nil
}

func (k *KeyRing) Sign(data []byte) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, err := k.active()
	if err != nil {
		return "", err
	}
	return s.Sign(data)
}

func (k *KeyRing) PublicKey() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, err := k.active()
	if err != nil {
		return ""
	}
	return s.PublicKey()
}

func (k *KeyRing) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, err := k.active()
	if err != nil {
		return ""
	}
	return s.KeyID()
}

// VerifyKey verifies a signature for a specific key ID.
func (k *KeyRing) VerifyKey(keyID string, message []byte, sigHex string) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[keyID]
	if !ok {
		return false, fmt.Errorf("binder: unknown or revoked key: %s", keyID)
	}
	return s.Verify(message, sigHex), nil
}
