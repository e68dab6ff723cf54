package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/aegis/pkg/ledger"
	"github.com/Mindburn-Labs/aegis/pkg/policy"
)

// Request describes one call the plane observes.
type Request struct {
	TraceID    string
	Primary    Callable
	Shadow     Callable // defaults to Primary when nil
	Predicates []ActivationPredicate
	Invariants []Invariant
	Divergence DivergencePolicy
	Boundary   *GuardedState
	Quota      Quota
	Context    policy.ExecutionContext
}

// historySize bounds the in-memory record of recent shadow runs.
const historySize = 128

// HistoryEntry summarizes one completed shadow run.
type HistoryEntry struct {
	ShadowID            string    `json:"shadow_id"`
	TraceID             string    `json:"trace_id"`
	Timestamp           time.Time `json:"timestamp"`
	Decision            Decision  `json:"decision"`
	DivergenceDetected  bool      `json:"divergence_detected"`
	DivergenceMagnitude float64   `json:"divergence_magnitude"`
	QuarantineReason    string    `json:"quarantine_reason,omitempty"`
}

// Summary aggregates the retained history.
type Summary struct {
	TotalRuns     int     `json:"total_runs"`
	Quarantines   int     `json:"quarantines"`
	Divergences   int     `json:"divergences"`
	MeanMagnitude float64 `json:"mean_divergence_magnitude"`
}

// Plane executes shadow validations. It holds only an audit sink, never a
// kernel reference; the kernel injects the sink at construction.
type Plane struct {
	sink       ledger.Sink
	logger     *slog.Logger
	concurrent bool

	mu      sync.Mutex
	history []HistoryEntry

	activations metric.Int64Counter
	quarantines metric.Int64Counter
	divergences metric.Float64Histogram
}

// PlaneOption configures a Plane.
type PlaneOption func(*Plane)

// WithConcurrentShadow runs the shadow alongside the primary instead of
// strictly after it. Opt-in: the sequential default guarantees the shadow
// never observes a half-committed primary side effect.
func WithConcurrentShadow() PlaneOption {
	return func(p *Plane) { p.concurrent = true }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) PlaneOption {
	return func(p *Plane) { p.logger = l }
}

// NewPlane creates a shadow plane sealing results to sink.
func NewPlane(sink ledger.Sink, opts ...PlaneOption) *Plane {
	p := &Plane{sink: sink, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	meter := otel.Meter("aegis/shadow")
	p.activations, _ = meter.Int64Counter("shadow.activations",
		metric.WithDescription("Shadow plane activations"))
	p.quarantines, _ = meter.Int64Counter("shadow.quarantines",
		metric.WithDescription("Shadow runs ending in quarantine"))
	p.divergences, _ = meter.Float64Histogram("shadow.divergence_magnitude",
		metric.WithDescription("Measured primary/shadow divergence"))
	return p
}

// Run evaluates activation predicates and, when one matches, executes the
// primary and a quota-bounded shadow, validates invariants, applies the
// divergence policy, and seals the result. When no predicate matches the
// plane is inert: the returned Result has Activated == false and neither
// callable has run.
func (p *Plane) Run(ctx context.Context, req Request) (*Result, error) {
	result := &Result{
		TraceID:          req.TraceID,
		InvariantsPassed: true,
		Decision:         DecisionCommit,
	}

	reason := ""
	for _, pred := range req.Predicates {
		if pred.Match(req.Context) {
			reason = pred.Name
			break
		}
	}
	if reason == "" {
		return result, nil
	}

	shadowFn := req.Shadow
	if shadowFn == nil {
		shadowFn = req.Primary
	}
	quota := req.Quota
	if quota.WallClock <= 0 {
		quota = DefaultQuota
	}

	invariantNames := make([]string, 0, len(req.Invariants))
	for _, inv := range req.Invariants {
		invariantNames = append(invariantNames, inv.Name)
	}
	activation := Context{
		ShadowID:         uuid.New().String(),
		TraceID:          req.TraceID,
		ActivationReason: reason,
		Divergence:       req.Divergence,
		Invariants:       invariantNames,
		Quota:            quota,
	}

	result.Activated = true
	result.ActivationReason = reason
	result.ShadowID = activation.ShadowID
	p.activations.Add(ctx, 1)
	p.logger.Debug("shadow activated",
		"shadow_id", result.ShadowID,
		"trace_id", req.TraceID,
		"reason", reason)

	if p.sink != nil {
		if _, err := p.sink.Append("shadow_activated", activation); err != nil {
			return nil, err
		}
	}

	// The primary sees canonical state directly; the shadow only ever sees
	// the guarded boundary.
	primaryCtx := ctx
	shadowCtx := ctx
	if req.Boundary != nil {
		primaryCtx = WithBoundary(ctx, req.Boundary.backing)
		shadowCtx = WithBoundary(ctx, req.Boundary)
	}

	var primaryErr, shadowErr error
	if p.concurrent {
		done := make(chan struct{})
		go func() {
			defer close(done)
			result.ShadowResult, shadowErr = p.runShadow(shadowCtx, shadowFn, req.Context, quota)
		}()
		result.PrimaryResult, primaryErr = req.Primary(primaryCtx, req.Context)
		<-done
	} else {
		result.PrimaryResult, primaryErr = req.Primary(primaryCtx, req.Context)
		result.ShadowResult, shadowErr = p.runShadow(shadowCtx, shadowFn, req.Context, quota)
	}

	if primaryErr != nil {
		// The plane validates; it does not rescue a failing primary.
		p.seal(result)
		return result, primaryErr
	}

	if shadowErr != nil {
		result.InvariantsPassed = false
		result.DivergenceDetected = true
		result.Decision = DecisionQuarantine
		if errors.Is(shadowErr, ErrResourceExceeded) {
			result.QuarantineReason = "resource_exceeded"
		} else if errors.Is(shadowErr, ErrMutationBoundary) {
			result.QuarantineReason = "mutation_boundary_violation"
		} else {
			result.QuarantineReason = fmt.Sprintf("shadow_failed: %v", shadowErr)
		}
		p.quarantines.Add(ctx, 1)
		p.seal(result)
		return result, nil
	}

	critical := false
	for _, inv := range req.Invariants {
		passed, detail := inv.Validate(result.PrimaryResult, result.ShadowResult)
		if passed {
			continue
		}
		result.InvariantsPassed = false
		result.ViolatedInvariants = append(result.ViolatedInvariants,
			fmt.Sprintf("%s: %s", inv.Name, detail))
		if inv.Critical {
			critical = true
			result.DivergenceDetected = true
		}
	}

	result.DivergenceMagnitude = distance(result.PrimaryResult, result.ShadowResult)
	if result.DivergenceMagnitude > 0 {
		result.DivergenceDetected = true
	}
	p.divergences.Record(ctx, result.DivergenceMagnitude)

	p.decide(req.Divergence, critical, result)
	if result.Decision == DecisionQuarantine {
		p.quarantines.Add(ctx, 1)
	}
	p.seal(result)
	return result, nil
}

func (p *Plane) decide(dp DivergencePolicy, critical bool, result *Result) {
	if !result.DivergenceDetected {
		result.Decision = DecisionCommit
		return
	}
	switch dp.Mode {
	case RequireIdentical:
		result.Decision = DecisionQuarantine
		result.QuarantineReason = "divergence_detected"
	case AllowEpsilon:
		// A critical invariant failure quarantines regardless of distance.
		if critical {
			result.Decision = DecisionQuarantine
			result.QuarantineReason = "critical_invariant_violated"
			return
		}
		if result.DivergenceMagnitude > dp.Epsilon {
			result.Decision = DecisionQuarantine
			result.QuarantineReason = fmt.Sprintf("divergence %g exceeds epsilon %g",
				result.DivergenceMagnitude, dp.Epsilon)
		} else {
			result.Decision = DecisionCommit
		}
	case LogOnly:
		result.Decision = DecisionCommit
	case FailPrimary:
		result.Decision = DecisionCommit
		result.Untrusted = true
	}
}

// runShadow executes fn under the quota: a wall-clock deadline plus a
// cooperative memory meter carried in the context. Cancellation on quota
// exhaustion never corrupts the ledger; the run just resolves to quarantine.
func (p *Plane) runShadow(ctx context.Context, fn Callable, execCtx policy.ExecutionContext, quota Quota) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, quota.WallClock)
	defer cancel()
	meter := NewMemoryMeter(quota.MaxMemory)
	runCtx = WithMeter(runCtx, meter)

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := fn(runCtx, execCtx)
		ch <- outcome{r, err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: wall clock %s", ErrResourceExceeded, quota.WallClock)
		}
		return nil, runCtx.Err()
	}
}

func (p *Plane) seal(result *Result) {
	p.record(result)
	if p.sink == nil {
		return
	}
	hash, err := p.sink.Append("shadow_completed", result)
	if err != nil {
		p.logger.Error("sealing shadow result failed", "error", err, "shadow_id", result.ShadowID)
		return
	}
	result.AuditHash = hash
}

func (p *Plane) record(result *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, HistoryEntry{
		ShadowID:            result.ShadowID,
		TraceID:             result.TraceID,
		Timestamp:           time.Now().UTC(),
		Decision:            result.Decision,
		DivergenceDetected:  result.DivergenceDetected,
		DivergenceMagnitude: result.DivergenceMagnitude,
		QuarantineReason:    result.QuarantineReason,
	})
	if len(p.history) > historySize {
		p.history = p.history[len(p.history)-historySize:]
	}
}

// History returns a copy of the retained run records, oldest first.
func (p *Plane) History() []HistoryEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HistoryEntry, len(p.history))
	copy(out, p.history)
	return out
}

// Summarize aggregates the retained history.
func (p *Plane) Summarize() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Summary{TotalRuns: len(p.history)}
	total := 0.0
	for _, e := range p.history {
		if e.Decision == DecisionQuarantine {
			s.Quarantines++
		}
		if e.DivergenceDetected {
			s.Divergences++
		}
		total += e.DivergenceMagnitude
	}
	if s.TotalRuns > 0 {
		s.MeanMagnitude = total / float64(s.TotalRuns)
	}
	return s
}

// RunSimulation executes fn in a pure what-if mode: full shadow machinery
// (quota, guarded state, audit trail) with no primary and no commit path.
// The returned value is advisory only.
func (p *Plane) RunSimulation(ctx context.Context, traceID string, fn Callable, execCtx policy.ExecutionContext, quota Quota) (any, error) {
	if quota.WallClock <= 0 {
		quota = DefaultQuota
	}
	start := time.Now()
	result, err := p.runShadow(ctx, fn, execCtx, quota)
	if p.sink != nil {
		payload := map[string]any{
			"trace_id":    traceID,
			"duration_ms": time.Since(start).Milliseconds(),
			"simulation":  true,
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		_, _ = p.sink.Append("shadow_simulation", payload)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
