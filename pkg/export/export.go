// Package export produces self-contained compliance bundles: the audit
// ledger, the signing public key, and a signed attestation over both.
// A bundle is independently verifiable; checking it requires no trust in
// the process that exported it.
package export

import (
	"archive/zip"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/aegis/pkg/canonicalize"
	"github.com/Mindburn-Labs/aegis/pkg/ledger"
)

// Bundle entry names.
const (
	LedgerEntry      = "ledger.jsonl"
	PublicKeyEntry   = "signing_key.pub"
	AttestationEntry = "attestation.jwt"
	ManifestEntry    = "manifest.json"
)

// Manifest summarizes a bundle for quick inspection.
type Manifest struct {
	CreatedAt       time.Time `json:"created_at"`
	BlockCount      int       `json:"block_count"`
	HeadHash        string    `json:"head_hash"`
	AttestationHash string    `json:"attestation_hash"`
	KeyID           string    `json:"key_id"`
}

// AttestationClaims is the JWT payload binding the ledger to the exporter
// key at export time.
type AttestationClaims struct {
	AttestationHash string `json:"attestation_hash"`
	BlockCount      int    `json:"block_count"`
	HeadHash        string `json:"head_hash"`
	jwt.RegisteredClaims
}

// Exporter writes compliance bundles signed with an Ed25519 key.
type Exporter struct {
	priv  ed25519.PrivateKey
	keyID string
	clock func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Exporter) { e.clock = clock }
}

// NewExporter creates an Exporter signing with priv.
func NewExporter(priv ed25519.PrivateKey, keyID string, opts ...Option) *Exporter {
	e := &Exporter{priv: priv, keyID: keyID, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AttestationHash canonically hashes the full block slice. Any byte of any
// block changing changes this hash.
func AttestationHash(blocks []ledger.Block) (string, error) {
	h, err := canonicalize.Hash(blocks)
	if err != nil {
		return "", fmt.Errorf("export: attestation hash: %w", err)
	}
	return h, nil
}

// Write emits a bundle for blocks to w.
func (e *Exporter) Write(w io.Writer, blocks []ledger.Block) error {
	attHash, err := AttestationHash(blocks)
	if err != nil {
		return err
	}

	headHash := ""
	if len(blocks) > 0 {
		headHash = blocks[len(blocks)-1].BlockHash
	}

	now := e.clock().UTC()
	claims := AttestationClaims{
		AttestationHash: attHash,
		BlockCount:      len(blocks),
		HeadHash:        headHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "aegis-export",
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = e.keyID
	attestation, err := token.SignedString(e.priv)
	if err != nil {
		return fmt.Errorf("export: sign attestation: %w", err)
	}

	zw := zip.NewWriter(w)

	lw, err := zw.Create(LedgerEntry)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", LedgerEntry, err)
	}
	if err := ledger.WriteJSONL(lw, blocks); err != nil {
		return err
	}

	pub := e.priv.Public().(ed25519.PublicKey)
	if err := writeEntry(zw, PublicKeyEntry, []byte(fmt.Sprintf("%x", pub))); err != nil {
		return err
	}
	if err := writeEntry(zw, AttestationEntry, []byte(attestation)); err != nil {
		return err
	}

	manifest, err := json.MarshalIndent(Manifest{
		CreatedAt:       now,
		BlockCount:      len(blocks),
		HeadHash:        headHash,
		AttestationHash: attHash,
		KeyID:           e.keyID,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("export: marshal manifest: %w", err)
	}
	if err := writeEntry(zw, ManifestEntry, manifest); err != nil {
		return err
	}

	return zw.Close()
}

// WriteFile emits a bundle for blocks to path.
func (e *Exporter) WriteFile(path string, blocks []ledger.Block) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	if err := e.Write(f, blocks); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("export: write %s: %w", name, err)
	}
	return nil
}
