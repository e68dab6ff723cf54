// Package kernel orchestrates policy-gated execution: policy evaluation,
// constitutional binding verification, shadow validation, and audited
// action invocation, as one irreversible state machine per call.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/aegis/pkg/binder"
	"github.com/Mindburn-Labs/aegis/pkg/escalation"
	"github.com/Mindburn-Labs/aegis/pkg/ledger"
	"github.com/Mindburn-Labs/aegis/pkg/policy"
	"github.com/Mindburn-Labs/aegis/pkg/shadow"
)

// State of one execution call. Transitions are irreversible; a retry is a
// new Execute call with a fresh context.
type State string

const (
	StateIdle             State = "Idle"
	StatePolicyEvaluating State = "PolicyEvaluating"
	StateBlocked          State = "Blocked"
	StateEscalating       State = "Escalating"
	StateBindingRequired  State = "BindingRequired"
	StateBindingVerifying State = "BindingVerifying"
	StateShadowCheck      State = "ShadowCheck"
	StateExecuting        State = "Executing"
	StateQuarantined      State = "Quarantined"
	StateCompleted        State = "Completed"
)

// Action is an executable unit submitted to the kernel.
type Action struct {
	Name   string
	Params map[string]any
	// Schema optionally validates Params before any policy runs.
	Schema *ParamSchema
	Invoke shadow.Callable
}

// ShadowConfig wires the shadow plane into the kernel's ShadowCheck stage.
type ShadowConfig struct {
	Predicates []shadow.ActivationPredicate
	Invariants []shadow.Invariant
	Divergence shadow.DivergencePolicy
	Quota      shadow.Quota
	State      shadow.StateWriter
}

// Result of one Execute call.
type Result struct {
	TraceID     string
	State       State
	Transitions []State
	Verdict     policy.Verdict
	Value       any
	Shadow      *shadow.Result
	Untrusted   bool
	Escalation  *escalation.Intent
}

// Kernel coordinates the governance collaborators. Policy evaluation is
// read-only and runs fully in parallel across calls; only the audit ledger
// serializes appends.
type Kernel struct {
	runtime     *policy.Runtime
	binder      *binder.Binder
	audit       *ledger.Ledger
	escalations *escalation.Handler
	plane       *shadow.Plane
	shadowCfg   *ShadowConfig
	sovereign   bool
	flushPath   string
	logger      *slog.Logger
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithSovereignMode requires a verified GovernanceBinding on every allowed
// execution. There is no path from an ALLOW verdict to action invocation
// that skips binding verification while this mode is on.
func WithSovereignMode() Option {
	return func(k *Kernel) { k.sovereign = true }
}

// WithShadowPlane attaches a shadow plane and its activation configuration.
func WithShadowPlane(p *shadow.Plane, cfg ShadowConfig) Option {
	return func(k *Kernel) {
		k.plane = p
		k.shadowCfg = &cfg
	}
}

// WithLedgerFlushPath sets where the ledger is snapshotted before the
// process halts on a fatal escalation.
func WithLedgerFlushPath(path string) Option {
	return func(k *Kernel) { k.flushPath = path }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// New creates a Kernel over the given collaborators.
func New(rt *policy.Runtime, bnd *binder.Binder, audit *ledger.Ledger, esc *escalation.Handler, opts ...Option) *Kernel {
	k := &Kernel{
		runtime:     rt,
		binder:      bnd,
		audit:       audit,
		escalations: esc,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Sovereign reports whether binding verification is mandatory.
func (k *Kernel) Sovereign() bool { return k.sovereign }

// Ledger exposes the audit ledger for export and verification surfaces.
func (k *Kernel) Ledger() *ledger.Ledger { return k.audit }

// Execute runs action under the full governance pipeline. The returned
// Result reports the terminal state and every transition taken.
func (k *Kernel) Execute(ctx context.Context, action Action, execCtx policy.ExecutionContext, binding *binder.GovernanceBinding) (*Result, error) {
	res := &Result{
		TraceID:     uuid.New().String(),
		State:       StateIdle,
		Transitions: []State{StateIdle},
	}

	if action.Schema != nil {
		if err := action.Schema.Validate(action.Params); err != nil {
			k.transition(res, StateBlocked)
			if auditErr := k.append("action_rejected", map[string]any{
				"trace_id": res.TraceID,
				"action":   action.Name,
				"error":    err.Error(),
			}); auditErr != nil {
				return res, auditErr
			}
			return res, fmt.Errorf("%w: %v", ErrActionInvalid, err)
		}
	}

	k.transition(res, StatePolicyEvaluating)
	verdict := k.runtime.Evaluate(ctx, execCtx)
	res.Verdict = verdict

	switch verdict.Decision {
	case policy.DecisionDeny:
		k.transition(res, StateBlocked)
		if auditErr := k.append("policy_denied", map[string]any{
			"trace_id":  res.TraceID,
			"action":    action.Name,
			"policy_id": verdict.PolicyID,
			"reason":    verdict.Reason,
		}); auditErr != nil {
			return res, auditErr
		}
		return res, fmt.Errorf("%w: %s (policy %s)", ErrPolicyDenied, verdict.Reason, verdict.PolicyID)

	case policy.DecisionEscalate:
		k.transition(res, StateEscalating)
		outcome, err := k.escalations.Handle(ctx, res.TraceID, verdict, execCtx)
		if outcome != nil && outcome.Fatal {
			// Flush before the entry point halts the process.
			k.flushLedger()
			k.transition(res, StateBlocked)
			return res, err
		}
		if err != nil {
			k.transition(res, StateBlocked)
			return res, err
		}
		res.Escalation = outcome.Intent
		k.transition(res, StateBlocked)
		return res, fmt.Errorf("%w: %s (intent %s)", ErrEscalationRequired, verdict.Reason, outcome.Intent.IntentID)
	}

	// ALLOW path.
	if k.sovereign || binding != nil {
		k.transition(res, StateBindingRequired)
		if binding == nil {
			k.transition(res, StateBlocked)
			if auditErr := k.append("binding_missing", map[string]any{
				"trace_id": res.TraceID,
				"action":   action.Name,
			}); auditErr != nil {
				return res, auditErr
			}
			return res, fmt.Errorf("%w: sovereign mode requires a governance binding", ErrBindingMissing)
		}
		k.transition(res, StateBindingVerifying)
		if err := k.binder.Verify(binding, k.runtime.Snapshot(), execCtx); err != nil {
			k.transition(res, StateBlocked)
			return res, err
		}
	}

	k.transition(res, StateShadowCheck)
	if k.plane != nil && k.shadowCfg != nil {
		return k.executeShadowed(ctx, action, execCtx, res)
	}
	return k.executeDirect(ctx, action, execCtx, res)
}

func (k *Kernel) executeDirect(ctx context.Context, action Action, execCtx policy.ExecutionContext, res *Result) (*Result, error) {
	k.transition(res, StateExecuting)
	if k.shadowCfg != nil && k.shadowCfg.State != nil {
		ctx = shadow.WithBoundary(ctx, k.shadowCfg.State)
	}
	value, err := action.Invoke(ctx, execCtx)
	if err != nil {
		if auditErr := k.append("execution_failed", map[string]any{
			"trace_id": res.TraceID,
			"action":   action.Name,
			"error":    err.Error(),
		}); auditErr != nil {
			return res, errors.Join(err, auditErr)
		}
		k.transition(res, StateCompleted)
		return res, err
	}
	res.Value = value
	if auditErr := k.append("execution_committed", map[string]any{
		"trace_id": res.TraceID,
		"action":   action.Name,
	}); auditErr != nil {
		return res, auditErr
	}
	k.transition(res, StateCompleted)
	return res, nil
}

func (k *Kernel) executeShadowed(ctx context.Context, action Action, execCtx policy.ExecutionContext, res *Result) (*Result, error) {
	var boundary *shadow.GuardedState
	if k.shadowCfg.State != nil {
		boundary = shadow.NewGuardedState(k.shadowCfg.State, k.audit, res.TraceID)
	}

	shadowRes, err := k.plane.Run(ctx, shadow.Request{
		TraceID:    res.TraceID,
		Primary:    action.Invoke,
		Predicates: k.shadowCfg.Predicates,
		Invariants: k.shadowCfg.Invariants,
		Divergence: k.shadowCfg.Divergence,
		Quota:      k.shadowCfg.Quota,
		Boundary:   boundary,
		Context:    execCtx,
	})
	if err != nil {
		if auditErr := k.append("execution_failed", map[string]any{
			"trace_id": res.TraceID,
			"action":   action.Name,
			"error":    err.Error(),
		}); auditErr != nil {
			return res, errors.Join(err, auditErr)
		}
		k.transition(res, StateCompleted)
		return res, err
	}
	res.Shadow = shadowRes

	if !shadowRes.Activated {
		// Plane was inert; run the action directly.
		return k.executeDirect(ctx, action, execCtx, res)
	}

	if shadowRes.Decision == shadow.DecisionQuarantine {
		k.transition(res, StateQuarantined)
		if auditErr := k.append("execution_quarantined", map[string]any{
			"trace_id":  res.TraceID,
			"action":    action.Name,
			"shadow_id": shadowRes.ShadowID,
			"reason":    shadowRes.QuarantineReason,
		}); auditErr != nil {
			return res, auditErr
		}
		if shadowRes.QuarantineReason == "resource_exceeded" {
			// Quota exhaustion never withholds the primary result; only the
			// shadow-informed decision is quarantined.
			res.Value = shadowRes.PrimaryResult
			res.Untrusted = true
			return res, nil
		}
		return res, fmt.Errorf("%w: %s", ErrInvariantViolated, shadowRes.QuarantineReason)
	}

	// Commit: the plane already ran the primary; surface its result.
	k.transition(res, StateExecuting)
	res.Value = shadowRes.PrimaryResult
	res.Untrusted = shadowRes.Untrusted
	if auditErr := k.append("execution_committed", map[string]any{
		"trace_id":  res.TraceID,
		"action":    action.Name,
		"shadow_id": shadowRes.ShadowID,
	}); auditErr != nil {
		return res, auditErr
	}
	k.transition(res, StateCompleted)
	return res, nil
}

// VerifyLedger walks the audit chain and reports the first broken block.
func (k *Kernel) VerifyLedger() error {
	ok, broken := k.audit.VerifyChain()
	if !ok {
		return fmt.Errorf("%w: first broken block index %d", ErrLedgerCorrupted, broken)
	}
	return nil
}

func (k *Kernel) transition(res *Result, next State) {
	res.State = next
	res.Transitions = append(res.Transitions, next)
}

// append seals one audit block. An append failure fails the whole call:
// a decision that cannot be recorded must not stand.
func (k *Kernel) append(eventType string, payload map[string]any) error {
	if _, err := k.audit.Append(eventType, payload); err != nil {
		k.logger.Error("audit append failed", "event_type", eventType, "error", err)
		return fmt.Errorf("kernel: audit append %s: %w", eventType, err)
	}
	return nil
}

func (k *Kernel) flushLedger() {
	if k.flushPath == "" {
		return
	}
	if err := ledger.SaveFile(k.flushPath, k.audit.Blocks()); err != nil {
		k.logger.Error("ledger flush failed", "path", k.flushPath, "error", err)
	}
}
