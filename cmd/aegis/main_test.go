package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegis/pkg/ledger"
)

func writeLedgerFixture(t *testing.T) string {
	t.Helper()
	l := newLedger(t)
	_, err := l.Append("policy_denied", map[string]any{"reason": "test"})
	require.NoError(t, err)
	_, err = l.Append("execution_committed", map[string]any{"action": "read"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, ledger.SaveFile(path, l.Blocks()))
	return path
}

func TestRun_NoArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"aegis"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, out.String(), "USAGE")
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "verify-audit")
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestVerifyAudit_Valid(t *testing.T) {
	path := writeLedgerFixture(t)

	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "verify-audit", "--ledger", path}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "Chain verified")
}

func TestVerifyAudit_Tampered(t *testing.T) {
	path := writeLedgerFixture(t)

	blocks, err := ledger.LoadFile(path)
	require.NoError(t, err)
	payload := append([]byte(nil), blocks[1].Payload...)
	// Flip a byte inside the string value so the payload stays valid JSON
	// (the payload ends `..."}`); corrupting the leading `{` would make
	// SaveFile fail before verification is ever exercised.
	payload[len(payload)-3] ^= 0x20
	blocks[1].Payload = payload
	require.NoError(t, ledger.SaveFile(path, blocks))

	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "verify-audit", "--ledger", path}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "BROKEN at block 1")
}

func TestVerifyAudit_MissingFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "verify-audit"}, &out, &errOut)
	assert.Equal(t, 2, code)
}

func TestVerifyAudit_JSON(t *testing.T) {
	path := writeLedgerFixture(t)

	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "verify-audit", "--ledger", path, "--json"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), `"valid": true`)
	assert.Contains(t, out.String(), `"broken_index": -1`)
}

func TestExportAndVerifyBundle(t *testing.T) {
	ledgerPath := writeLedgerFixture(t)
	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "bundle.zip")

	var out, errOut bytes.Buffer
	code := Run([]string{
		"aegis", "export-bundle",
		"--ledger", ledgerPath,
		"--out", bundlePath,
		"--key-dir", filepath.Join(dir, "keys"),
	}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Bundle created")

	out.Reset()
	errOut.Reset()
	code = Run([]string{"aegis", "verify-bundle", "--bundle", bundlePath}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Bundle verified")
}

func TestExportBundle_RefusesBrokenChain(t *testing.T) {
	ledgerPath := writeLedgerFixture(t)
	blocks, err := ledger.LoadFile(ledgerPath)
	require.NoError(t, err)
	blocks[2].PrevHash = "sha256:forged"
	require.NoError(t, ledger.SaveFile(ledgerPath, blocks))

	dir := t.TempDir()
	var out, errOut bytes.Buffer
	code := Run([]string{
		"aegis", "export-bundle",
		"--ledger", ledgerPath,
		"--out", filepath.Join(dir, "bundle.zip"),
		"--key-dir", filepath.Join(dir, "keys"),
	}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "Refusing to export")
}

func TestDemo_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AEGIS_KEY_DIR", filepath.Join(dir, "keys"))
	t.Setenv("AEGIS_FLUSH_PATH", filepath.Join(dir, "ledger.jsonl"))
	t.Setenv("AEGIS_LEDGER_BACKEND", "memory")

	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "demo"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "ledger verified")

	// The flushed snapshot verifies on its own.
	_, err := os.Stat(filepath.Join(dir, "ledger.jsonl"))
	require.NoError(t, err)
	out.Reset()
	code = Run([]string{"aegis", "verify-audit", "--ledger", filepath.Join(dir, "ledger.jsonl")}, &out, &errOut)
	assert.Equal(t, 0, code)
}

func TestDemo_Sovereign(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AEGIS_KEY_DIR", filepath.Join(dir, "keys"))
	t.Setenv("AEGIS_FLUSH_PATH", filepath.Join(dir, "ledger.jsonl"))

	var out, errOut bytes.Buffer
	code := Run([]string{"aegis", "demo", "--sovereign"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "read_balance (alice): committed")
}

func newLedger(t *testing.T, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(opts...)
	require.NoError(t, err)
	return l
}
