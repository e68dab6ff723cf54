package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPolicyTimeout bounds a single policy evaluation. Policies are
// side-effect-free and fast; one that exceeds its timeout is treated as
// Escalate, not Allow, to fail closed.
const DefaultPolicyTimeout = 250 * time.Millisecond

// Runtime is an ordered, immutable chain of policies. Evaluation order is
// significant and fixed at construction; hot-reload replaces the whole
// runtime atomically, never patches in place.
type Runtime struct {
	policies []Policy
	timeout  time.Duration
	logger   *slog.Logger
}

// RuntimeOption configures a Runtime at construction.
type RuntimeOption func(*Runtime)

// WithPolicyTimeout overrides the per-policy evaluation timeout.
func WithPolicyTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.timeout = d }
}

// WithLogger overrides the runtime logger.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime builds a runtime from a static policy list. An empty list is
// fail-open by definition and logged as a configuration warning.
func NewRuntime(policies []Policy, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		policies: make([]Policy, len(policies)),
		timeout:  DefaultPolicyTimeout,
		logger:   slog.Default(),
	}
	copy(r.policies, policies)
	for _, opt := range opts {
		opt(r)
	}
	if len(r.policies) == 0 {
		r.logger.Warn("policy runtime constructed with empty chain: all actions allowed",
			"component", "policy")
	}
	return r
}

// Len reports the number of policies in the chain.
func (r *Runtime) Len() int { return len(r.policies) }

// Evaluate runs the chain in fixed order against the original context.
// The first non-Allow verdict terminates evaluation. Evaluation is read-only
// and safe to run concurrently across calls.
func (r *Runtime) Evaluate(ctx context.Context, ec ExecutionContext) Verdict {
	for _, p := range r.policies {
		v := r.evaluateOne(ctx, p, ec)
		v.PolicyID = p.ID()
		if v.Decision != DecisionAllow {
			return v
		}
	}
	return Allow()
}

// evaluateOne bounds a single policy by the runtime timeout. A timed-out
// policy escalates rather than allows.
func (r *Runtime) evaluateOne(ctx context.Context, p Policy, ec ExecutionContext) Verdict {
	evalCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Verdict, 1)
	go func() {
		done <- p.Evaluate(evalCtx, ec)
	}()

	select {
	case v := <-done:
		return v
	case <-evalCtx.Done():
		return Escalate(
			fmt.Sprintf("policy %s exceeded evaluation timeout (%s)", p.ID(), r.timeout),
			SeverityHigh,
		)
	}
}

// Snapshot returns the policy state used for constitutional binding: the
// ordered identifier list. Two runtimes with the same chain produce the same
// snapshot and therefore the same config hash.
func (r *Runtime) Snapshot() map[string]any {
	ids := make([]string, len(r.policies))
	for i, p := range r.policies {
		ids[i] = p.ID()
	}
	return map[string]any{
		"policy_chain": ids,
		"policy_count": len(ids),
	}
}
