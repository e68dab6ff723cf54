package shadow

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/aegis/pkg/ledger"
)

// StateWriter is the canonical-state surface a shadow callable might try
// to reach. Primary executions write through it directly.
type StateWriter interface {
	Write(key string, value any) error
	Read(key string) (any, bool)
}

// MemoryState is an in-memory StateWriter for primaries and tests.
type MemoryState struct {
	mu   sync.RWMutex
	data map[string]any
}

func NewMemoryState() *MemoryState {
	return &MemoryState{data: make(map[string]any)}
}

func (s *MemoryState) Write(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryState) Read(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// GuardedState is the mutation boundary handed to shadow callables in place
// of canonical state. Reads pass through; every write is rejected before it
// reaches the backing store and recorded as a containment event.
type GuardedState struct {
	backing StateWriter
	sink    ledger.Sink
	traceID string
	mu      sync.Mutex
	keys    []string
}

// NewGuardedState wraps backing for use inside a shadow execution.
func NewGuardedState(backing StateWriter, sink ledger.Sink, traceID string) *GuardedState {
	return &GuardedState{backing: backing, sink: sink, traceID: traceID}
}

func (g *GuardedState) Write(key string, value any) error {
	g.mu.Lock()
	g.keys = append(g.keys, key)
	g.mu.Unlock()

	if g.sink != nil {
		_, _ = g.sink.Append("containment_event", map[string]any{
			"trace_id": g.traceID,
			"kind":     "mutation_boundary_violation",
			"key":      key,
		})
	}
	return fmt.Errorf("%w: write to %q from shadow execution", ErrMutationBoundary, key)
}

func (g *GuardedState) Read(key string) (any, bool) {
	return g.backing.Read(key)
}

type boundaryKey struct{}

// WithBoundary attaches a state surface to ctx. The plane gives primary
// callables the backing store and shadow callables the guard.
func WithBoundary(ctx context.Context, s StateWriter) context.Context {
	return context.WithValue(ctx, boundaryKey{}, s)
}

// BoundaryFromContext returns the state surface attached to ctx, or nil.
func BoundaryFromContext(ctx context.Context) StateWriter {
	s, _ := ctx.Value(boundaryKey{}).(StateWriter)
	return s
}

// Violations returns the keys of writes the boundary rejected, in order.
func (g *GuardedState) Violations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.keys))
	copy(out, g.keys)
	return out
}
