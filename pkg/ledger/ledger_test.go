package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegis/pkg/store"
)

func testClock() func() time.Time {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	var n int
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func mustNew(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)
	return l
}

func TestNewStartsWithGenesis(t *testing.T) {
	l := mustNew(t, WithClock(testClock()))

	require.Equal(t, 1, l.Length())
	genesis, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0", 64), genesis.PrevHash)
	assert.Equal(t, "genesis", genesis.EventType)
	assert.Equal(t, genesis.BlockHash, l.Head())
}

func TestAppendChainsBlocks(t *testing.T) {
	l := mustNew(t, WithClock(testClock()))

	h1, err := l.Append("policy_denied", map[string]any{"reason": "mutation not permitted"})
	require.NoError(t, err)
	h2, err := l.Append("escalation", map[string]any{"severity": "high"})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	b1, err := l.Get(2)
	require.NoError(t, err)
	b2, err := l.Get(3)
	require.NoError(t, err)

	assert.Equal(t, h1, b1.BlockHash)
	assert.Equal(t, h1, b2.PrevHash)
	assert.Equal(t, h2, l.Head())

	ok, broken := l.VerifyChain()
	assert.True(t, ok)
	assert.Equal(t, -1, broken)
}

func TestVerifyChainReportsFirstMutatedBlock(t *testing.T) {
	l := mustNew(t, WithClock(testClock()))
	for i := 0; i < 5; i++ {
		_, err := l.Append("execution_committed", map[string]any{"step": i})
		require.NoError(t, err)
	}

	blocks := l.Blocks()
	// Flip one byte of block 3's payload.
	tampered := make([]Block, len(blocks))
	copy(tampered, blocks)
	payload := append([]byte(nil), tampered[3].Payload...)
	payload[len(payload)/2] ^= 0xFF
	tampered[3].Payload = payload

	ok, broken := VerifyBlocks(tampered)
	assert.False(t, ok)
	assert.Equal(t, 3, broken)
}

func TestVerifyChainReportsBrokenLink(t *testing.T) {
	l := mustNew(t, WithClock(testClock()))
	_, err := l.Append("a", nil)
	require.NoError(t, err)
	_, err = l.Append("b", nil)
	require.NoError(t, err)

	blocks := l.Blocks()
	blocks[2].PrevHash = strings.Repeat("f", 64)

	ok, broken := VerifyBlocks(blocks)
	assert.False(t, ok)
	assert.Equal(t, 2, broken)
}

func TestMutatingAnyByteBreaksAtThatBlock(t *testing.T) {
	l := mustNew(t, WithClock(testClock()))
	for i := 0; i < 8; i++ {
		_, err := l.Append("event", map[string]any{"n": i, "tag": "abcdefgh"})
		require.NoError(t, err)
	}
	blocks := l.Blocks()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("single-byte payload mutation is detected at the mutated index", prop.ForAll(
		func(blockIdx int, byteOff int) bool {
			idx := 1 + blockIdx%(len(blocks)-1) // skip genesis, it has a tiny payload too but keep non-zero payloads
			tampered := make([]Block, len(blocks))
			copy(tampered, blocks)
			payload := append([]byte(nil), tampered[idx].Payload...)
			payload[byteOff%len(payload)] ^= 0x01
			tampered[idx].Payload = payload

			ok, broken := VerifyBlocks(tampered)
			return !ok && broken == idx
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestConcurrentAppendsKeepTotalOrder(t *testing.T) {
	l := mustNew(t, WithClock(testClock()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := l.Append("concurrent", map[string]any{"worker": n})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 21, l.Length())
	ok, broken := l.VerifyChain()
	assert.True(t, ok)
	assert.Equal(t, -1, broken)

	blocks := l.Blocks()
	for i, b := range blocks {
		assert.Equal(t, uint64(i+1), b.Sequence)
	}
}

func TestStoreBackedAppend(t *testing.T) {
	mem := store.NewMemoryStore()
	l := mustNew(t, WithClock(testClock()), WithStore(mem))
	_, err := l.Append("policy_allowed", map[string]any{"action": "read"})
	require.NoError(t, err)

	rows, err := mem.Query(context.Background(), AuditTable, store.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var persisted Block
	require.NoError(t, json.Unmarshal(rows[1], &persisted))
	assert.Equal(t, uint64(2), persisted.Sequence)
	assert.Equal(t, "policy_allowed", persisted.EventType)
}

func TestJSONLRoundTrip(t *testing.T) {
	l := mustNew(t, WithClock(testClock()))
	_, err := l.Append("binding_verified", map[string]any{"key_id": "k1"})
	require.NoError(t, err)
	_, err = l.Append("execution_committed", map[string]any{"result": "ok"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, l.Blocks()))

	loaded, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	ok, broken := VerifyBlocks(loaded)
	assert.True(t, ok)
	assert.Equal(t, -1, broken)
}

func TestSaveLoadFile(t *testing.T) {
	l := mustNew(t, WithClock(testClock()))
	_, err := l.Append("shadow_quarantine", map[string]any{"reason": "resource_exceeded"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, SaveFile(path, l.Blocks()))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	ok, _ := VerifyBlocks(loaded)
	assert.True(t, ok)
}

func TestResumeFromPersistedStore(t *testing.T) {
	mem := store.NewMemoryStore()
	l := mustNew(t, WithClock(testClock()), WithStore(mem))
	_, err := l.Append("policy_denied", map[string]any{"reason": "mutation not permitted"})
	require.NoError(t, err)
	head := l.Head()
	length := l.Length()

	// A second ledger over the same backend resumes the persisted chain
	// instead of colliding with the existing genesis row.
	l2, err := New(WithClock(testClock()), WithStore(mem))
	require.NoError(t, err)
	assert.Equal(t, length, l2.Length())
	assert.Equal(t, head, l2.Head())

	// Appends continue the chain across the restart.
	_, err = l2.Append("execution_committed", map[string]any{"action": "read"})
	require.NoError(t, err)
	ok, broken := l2.VerifyChain()
	assert.True(t, ok)
	assert.Equal(t, -1, broken)
	assert.Equal(t, length+1, mem.Len(AuditTable))
}

func TestResumeRefusesCorruptedChain(t *testing.T) {
	mem := store.NewMemoryStore()
	forged := Block{
		Sequence:  1,
		Timestamp: time.Date(2026, 1, 15, 9, 0, 1, 0, time.UTC),
		EventType: "genesis",
		Payload:   []byte(`{}`),
		PrevHash:  GenesisPrevHash,
		BlockHash: "sha256:forged",
	}
	raw, err := json.Marshal(forged)
	require.NoError(t, err)
	require.NoError(t, mem.Put(context.Background(), AuditTable, "000000000001", raw))

	_, err = New(WithStore(mem))
	require.ErrorIs(t, err, ErrCorrupted)
}
