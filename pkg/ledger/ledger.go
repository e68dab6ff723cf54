// Package ledger implements the append-only audit ledger.
//
// Every kernel decision point (policy verdict, binding verification, shadow
// activation, commit/quarantine, escalation) appends one hash-chained block.
// The ledger is the only shared mutable state in the system besides the
// signing key; appends are serialized by a single mutex so the chain order
// is total, while unrelated executions proceed concurrently.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/canonicalize"
	"github.com/Mindburn-Labs/aegis/pkg/store"
)

// GenesisPrevHash is the prev_hash of the genesis block.
var GenesisPrevHash = strings.Repeat("0", 64)

// AuditTable is the store table that holds serialized blocks.
const AuditTable = "audit"

// ErrCorrupted reports a broken hash chain. It is never auto-repaired; the
// broken index surfaces to the operator.
var ErrCorrupted = errors.New("ledger: hash chain corrupted")

// Sink is the minimal audit capability handed to collaborators (shadow
// plane, containment engine) so they can seal records without holding a
// kernel reference.
type Sink interface {
	Append(eventType string, payload any) (blockHash string, err error)
}

// Block is one immutable, hash-chained audit record.
type Block struct {
	Sequence  uint64          `json:"sequence_no"`
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	BlockHash string          `json:"block_hash"`
}

// Ledger is a single-writer, hash-chained append log. Optional store-backed
// durability writes each block to the audit table on append.
type Ledger struct {
	mu      sync.RWMutex
	blocks  []Block
	head    string
	clock   func() time.Time
	backend store.Store
}

// Option configures a Ledger at construction.
type Option func(*Ledger)

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithStore attaches an append-only durability backend.
func WithStore(s store.Store) Option {
	return func(l *Ledger) { l.backend = s }
}

// New creates a ledger with a genesis block. When a store backend already
// holds blocks from a prior run, the persisted chain is verified and resumed
// so appends continue the existing chain across restarts.
func New(opts ...Option) (*Ledger, error) {
	l := &Ledger{
		head:  GenesisPrevHash,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.backend != nil {
		resumed, err := l.resume()
		if err != nil {
			return nil, err
		}
		if resumed {
			return l, nil
		}
	}
	// Genesis is a real block so an exported ledger is self-describing.
	if _, err := l.Append("genesis", map[string]any{"message": "ledger initialized"}); err != nil {
		return nil, err
	}
	return l, nil
}

// resume loads the persisted chain from the backend and restores the tail.
// A corrupted persisted chain refuses to open rather than fork silently.
func (l *Ledger) resume() (bool, error) {
	rows, err := l.backend.Query(context.Background(), AuditTable, store.Filter{})
	if errors.Is(err, store.ErrTableNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: load persisted chain: %w", err)
	}

	blocks := make([]Block, 0, len(rows))
	for _, raw := range rows {
		var b Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return false, fmt.Errorf("ledger: decode persisted block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if len(blocks) == 0 {
		return false, nil
	}
	if ok, broken := VerifyBlocks(blocks); !ok {
		return false, fmt.Errorf("%w: first broken block index %d", ErrCorrupted, broken)
	}

	l.blocks = blocks
	l.head = blocks[len(blocks)-1].BlockHash
	return true, nil
}

// Append seals one block onto the chain and returns its hash.
func (l *Ledger) Append(eventType string, payload any) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	block := Block{
		Sequence:  uint64(len(l.blocks)) + 1,
		Timestamp: l.clock().UTC(),
		EventType: eventType,
		Payload:   payloadBytes,
		PrevHash:  l.head,
	}
	hash, err := computeBlockHash(block)
	if err != nil {
		return "", err
	}
	block.BlockHash = hash

	if l.backend != nil {
		raw, err := json.Marshal(block)
		if err != nil {
			return "", fmt.Errorf("ledger: marshal block: %w", err)
		}
		key := fmt.Sprintf("%012d", block.Sequence)
		if err := l.backend.Put(context.Background(), AuditTable, key, raw); err != nil {
			return "", fmt.Errorf("ledger: persist block %d: %w", block.Sequence, err)
		}
	}

	l.blocks = append(l.blocks, block)
	l.head = hash
	return hash, nil
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Length returns the number of blocks including genesis.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Blocks returns a copy of the chain for export and inspection.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// Get retrieves a block by sequence number (1-based).
func (l *Ledger) Get(seq uint64) (Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.blocks)) {
		return Block{}, fmt.Errorf("ledger: block %d not found", seq)
	}
	return l.blocks[seq-1], nil
}

// VerifyChain walks the chain from genesis, recomputing every hash.
// Returns (true, -1) on an intact chain, otherwise (false, index) where
// index is the 0-based position of the first broken block.
func (l *Ledger) VerifyChain() (bool, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyBlocks(l.blocks)
}

// VerifyBlocks verifies an arbitrary block slice, for use on loaded or
// exported ledgers outside a live Ledger.
func VerifyBlocks(blocks []Block) (bool, int) {
	prev := GenesisPrevHash
	for i, b := range blocks {
		if b.PrevHash != prev {
			return false, i
		}
		computed, err := computeBlockHash(b)
		if err != nil || computed != b.BlockHash {
			return false, i
		}
		prev = b.BlockHash
	}
	return true, -1
}

func computeBlockHash(b Block) (string, error) {
	// block_hash = hash(prev_hash || sequence || timestamp || event_type || payload)
	hashInput := struct {
		PrevHash  string          `json:"prev_hash"`
		Sequence  uint64          `json:"sequence_no"`
		Timestamp time.Time       `json:"timestamp"`
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	}{b.PrevHash, b.Sequence, b.Timestamp, b.EventType, b.Payload}

	hash, err := canonicalize.Hash(hashInput)
	if err != nil {
		return "", fmt.Errorf("ledger: hash block %d: %w", b.Sequence, err)
	}
	return hash, nil
}
