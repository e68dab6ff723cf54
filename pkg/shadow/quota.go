package shadow

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MemoryMeter tracks cooperative memory charges for one shadow execution.
// Shadow callables charge the meter for their significant allocations; a
// charge past the ceiling fails with ErrResourceExceeded and the plane
// quarantines the run.
type MemoryMeter struct {
	limit int64
	used  atomic.Int64
}

// NewMemoryMeter creates a meter with the given byte ceiling. A ceiling of
// zero or below disables accounting.
func NewMemoryMeter(limit int64) *MemoryMeter {
	return &MemoryMeter{limit: limit}
}

// Charge records n bytes of shadow allocation.
func (m *MemoryMeter) Charge(n int64) error {
	if m.limit <= 0 {
		return nil
	}
	if m.used.Add(n) > m.limit {
		return fmt.Errorf("%w: memory ceiling %d bytes", ErrResourceExceeded, m.limit)
	}
	return nil
}

// Used returns the bytes charged so far.
func (m *MemoryMeter) Used() int64 { return m.used.Load() }

type meterKey struct{}

// WithMeter attaches a memory meter to ctx.
func WithMeter(ctx context.Context, m *MemoryMeter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

// MeterFromContext returns the meter attached to ctx, or a no-op meter.
func MeterFromContext(ctx context.Context) *MemoryMeter {
	if m, ok := ctx.Value(meterKey{}).(*MemoryMeter); ok {
		return m
	}
	return NewMemoryMeter(0)
}
