package export

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/aegis/pkg/ledger"
)

// Report is the outcome of verifying a bundle from scratch. Every field is
// recomputed from the bundle's own contents.
type Report struct {
	ChainOK          bool     `json:"chain_ok"`
	FirstBrokenIndex int      `json:"first_broken_index"`
	AttestationOK    bool     `json:"attestation_ok"`
	BlockCount       int      `json:"block_count"`
	HeadHash         string   `json:"head_hash"`
	Issues           []string `json:"issues,omitempty"`
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	return r.ChainOK && r.AttestationOK && len(r.Issues) == 0
}

// VerifyBundle checks a bundle: the hash chain is recomputed from genesis,
// the attestation hash is recomputed over the blocks, and the attestation
// signature is verified against the bundled public key.
func VerifyBundle(r io.ReaderAt, size int64) (*Report, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("export: open bundle: %w", err)
	}

	report := &Report{FirstBrokenIndex: -1}

	ledgerData, err := readEntry(zr, LedgerEntry)
	if err != nil {
		return nil, err
	}
	blocks, err := ledger.ReadJSONL(bytes.NewReader(ledgerData))
	if err != nil {
		return nil, err
	}
	report.BlockCount = len(blocks)
	if len(blocks) > 0 {
		report.HeadHash = blocks[len(blocks)-1].BlockHash
	}

	report.ChainOK, report.FirstBrokenIndex = ledger.VerifyBlocks(blocks)
	if !report.ChainOK {
		report.Issues = append(report.Issues,
			fmt.Sprintf("hash chain broken at block index %d", report.FirstBrokenIndex))
	}

	pubHex, err := readEntry(zr, PublicKeyEntry)
	if err != nil {
		return nil, err
	}
	pubBytes, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		report.Issues = append(report.Issues, "bundled public key is malformed")
		return report, nil
	}
	pub := ed25519.PublicKey(pubBytes)

	attestation, err := readEntry(zr, AttestationEntry)
	if err != nil {
		return nil, err
	}

	var claims AttestationClaims
	token, err := jwt.ParseWithClaims(string(attestation), &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return pub, nil
		})
	if err != nil || !token.Valid {
		report.Issues = append(report.Issues, fmt.Sprintf("attestation signature invalid: %v", err))
		return report, nil
	}

	recomputed, err := AttestationHash(blocks)
	if err != nil {
		return nil, err
	}
	if recomputed != claims.AttestationHash {
		report.Issues = append(report.Issues, "attestation hash does not match ledger contents")
		return report, nil
	}
	if claims.BlockCount != len(blocks) {
		report.Issues = append(report.Issues, "attested block count does not match ledger")
		return report, nil
	}
	if claims.HeadHash != report.HeadHash {
		report.Issues = append(report.Issues, "attested head hash does not match ledger")
		return report, nil
	}

	report.AttestationOK = true
	return report, nil
}

// VerifyBundleBytes verifies an in-memory bundle.
func VerifyBundleBytes(data []byte) (*Report, error) {
	return VerifyBundle(bytes.NewReader(data), int64(len(data)))
}

func readEntry(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("export: bundle missing %s: %w", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("export: read %s: %w", name, err)
	}
	return data, nil
}
