package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// WriteJSONL streams the chain as one block per line, in sequence order.
func WriteJSONL(w io.Writer, blocks []Block) error {
	enc := json.NewEncoder(w)
	for _, b := range blocks {
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("ledger: encode block %d: %w", b.Sequence, err)
		}
	}
	return nil
}

// ReadJSONL loads a chain previously written by WriteJSONL. It does not
// verify the chain; callers run VerifyBlocks on the result.
func ReadJSONL(r io.Reader) ([]Block, error) {
	var blocks []Block
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var b Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("ledger: line %d: %w", line, err)
		}
		blocks = append(blocks, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read: %w", err)
	}
	return blocks, nil
}

// SaveFile writes the chain to path, creating or truncating it.
func SaveFile(path string, blocks []Block) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ledger: create %s: %w", path, err)
	}
	if err := WriteJSONL(f, blocks); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a chain from path.
func LoadFile(path string) ([]Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadJSONL(f)
}
