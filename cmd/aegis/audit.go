package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/aegis/pkg/binder"
	"github.com/Mindburn-Labs/aegis/pkg/export"
	"github.com/Mindburn-Labs/aegis/pkg/ledger"
)

func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		ledgerPath string
		jsonOutput bool
	)
	cmd.StringVar(&ledgerPath, "ledger", "", "Path to ledger JSONL snapshot (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if ledgerPath == "" {
		fmt.Fprintln(stderr, "Error: --ledger is required")
		cmd.Usage()
		return 2
	}

	blocks, err := ledger.LoadFile(ledgerPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading ledger: %v\n", err)
		return 2
	}

	ok, broken := ledger.VerifyBlocks(blocks)
	if jsonOutput {
		result := map[string]any{
			"ledger":       ledgerPath,
			"valid":        ok,
			"block_count":  len(blocks),
			"broken_index": broken,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if ok {
		fmt.Fprintf(stdout, "Chain verified: %s (%d blocks)\n", ledgerPath, len(blocks))
	} else {
		fmt.Fprintf(stderr, "Chain BROKEN at block %d: %s\n", broken, ledgerPath)
	}

	if !ok {
		return 1
	}
	return 0
}

func runExportBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export-bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		ledgerPath string
		outPath    string
		keyDir     string
		keyID      string
		jsonOutput bool
	)
	cmd.StringVar(&ledgerPath, "ledger", "", "Path to ledger JSONL snapshot (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output path for the bundle zip (REQUIRED)")
	cmd.StringVar(&keyDir, "key-dir", ".aegis/keys", "Directory holding the signing key")
	cmd.StringVar(&keyID, "key-id", "aegis-key-1", "Signing key identifier")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if ledgerPath == "" || outPath == "" {
		fmt.Fprintln(stderr, "Error: --ledger and --out are required")
		cmd.Usage()
		return 2
	}

	blocks, err := ledger.LoadFile(ledgerPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading ledger: %v\n", err)
		return 2
	}
	if ok, broken := ledger.VerifyBlocks(blocks); !ok {
		fmt.Fprintf(stderr, "Refusing to export: chain broken at block %d\n", broken)
		return 1
	}

	signer, err := binder.LoadOrGenerateSigner(keyDir, keyID)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading signing key: %v\n", err)
		return 2
	}

	exporter := export.NewExporter(signer.Private(), keyID)
	if err := exporter.WriteFile(outPath, blocks); err != nil {
		fmt.Fprintf(stderr, "Error writing bundle: %v\n", err)
		return 1
	}

	if jsonOutput {
		result := map[string]any{
			"bundle":      outPath,
			"block_count": len(blocks),
			"key_id":      keyID,
			"status":      "created",
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "Bundle created: %s (%d blocks, key %s)\n", outPath, len(blocks), keyID)
	}
	return 0
}

func runVerifyBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to bundle zip (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(bundlePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading bundle: %v\n", err)
		return 2
	}

	report, err := export.VerifyBundleBytes(data)
	if err != nil {
		fmt.Fprintf(stderr, "Error verifying bundle: %v\n", err)
		return 1
	}

	if jsonOutput {
		result := map[string]any{
			"bundle":         bundlePath,
			"valid":          report.OK(),
			"chain_ok":       report.ChainOK,
			"attestation_ok": report.AttestationOK,
			"block_count":    report.BlockCount,
			"head_hash":      report.HeadHash,
			"broken_index":   report.FirstBrokenIndex,
			"issues":         report.Issues,
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(out))
	} else if report.OK() {
		fmt.Fprintf(stdout, "Bundle verified: %s\n", bundlePath)
		fmt.Fprintf(stdout, "   Blocks: %d\n", report.BlockCount)
		fmt.Fprintf(stdout, "   Head:   %s\n", report.HeadHash)
	} else {
		fmt.Fprintf(stderr, "Bundle verification FAILED: %s\n", bundlePath)
		for _, issue := range report.Issues {
			fmt.Fprintf(stderr, "   - %s\n", issue)
		}
	}

	if !report.OK() {
		return 1
	}
	return 0
}
