// Package shadow runs a secondary, quota-bounded execution of an action and
// compares it against the primary through declared invariants. The plane is
// inert unless an activation predicate matches, so its overhead is
// proportional to activation rate, not call volume. Shadow executions are
// never authorized to mutate canonical state.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/canonicalize"
	"github.com/Mindburn-Labs/aegis/pkg/policy"
)

var (
	// ErrResourceExceeded reports a shadow execution cancelled on quota
	// exhaustion. It never blocks the primary result.
	ErrResourceExceeded = errors.New("shadow: resource quota exceeded")
	// ErrMutationBoundary reports a shadow write to canonical state.
	ErrMutationBoundary = errors.New("shadow: mutation boundary violation")
	// ErrInvariantViolated reports a critical invariant failure.
	ErrInvariantViolated = errors.New("shadow: invariant violated")
)

// Callable is an executable unit in either the primary or shadow role.
type Callable func(ctx context.Context, execCtx policy.ExecutionContext) (any, error)

// ActivationPredicate gates whether the plane activates for a context.
// Predicates must be cheap; they run on every call the plane observes.
type ActivationPredicate struct {
	Name  string
	Match func(execCtx policy.ExecutionContext) bool
}

// Invariant validates a (primary, shadow) result pair. Validate must be
// deterministic and side-effect-free. A failing critical invariant forces
// divergence regardless of numeric distance.
type Invariant struct {
	Name     string
	Critical bool
	Validate func(primary, shadow any) (passed bool, detail string)
}

// DivergenceMode selects the commit policy applied to a detected divergence.
type DivergenceMode int

const (
	// RequireIdentical quarantines on any difference.
	RequireIdentical DivergenceMode = iota
	// AllowEpsilon quarantines only when distance exceeds Epsilon.
	AllowEpsilon
	// LogOnly always commits; divergence is recorded, never enforced.
	LogOnly
	// FailPrimary commits the primary result but flags it untrusted.
	FailPrimary
)

func (m DivergenceMode) String() string {
	switch m {
	case RequireIdentical:
		return "require_identical"
	case AllowEpsilon:
		return "allow_epsilon"
	case LogOnly:
		return "log_only"
	case FailPrimary:
		return "fail_primary"
	default:
		return fmt.Sprintf("divergence_mode(%d)", int(m))
	}
}

// DivergencePolicy pairs a mode with its epsilon tolerance.
type DivergencePolicy struct {
	Mode    DivergenceMode `json:"mode"`
	Epsilon float64        `json:"epsilon,omitempty"`
}

// Quota bounds one shadow execution. Memory accounting is cooperative:
// the shadow charges MeterFromContext as it allocates.
type Quota struct {
	WallClock time.Duration `json:"wall_clock_ns"`
	MaxMemory int64         `json:"max_memory_bytes"`
}

// DefaultQuota bounds shadows that declare no quota of their own.
var DefaultQuota = Quota{WallClock: 2 * time.Second, MaxMemory: 64 << 20}

// Decision is the plane's commit verdict.
type Decision string

const (
	DecisionCommit     Decision = "COMMIT"
	DecisionQuarantine Decision = "QUARANTINE"
)

// Context describes one activated shadow execution. It exists only while
// the shadow runs and is summarized into an audit block at completion.
type Context struct {
	ShadowID         string           `json:"shadow_id"`
	TraceID          string           `json:"trace_id"`
	ActivationReason string           `json:"activation_reason"`
	Divergence       DivergencePolicy `json:"divergence_policy"`
	Invariants       []string         `json:"invariants"`
	Quota            Quota            `json:"resource_quota"`
}

// Result is the outcome of one shadow run.
type Result struct {
	ShadowID            string   `json:"shadow_id"`
	TraceID             string   `json:"trace_id"`
	Activated           bool     `json:"activated"`
	ActivationReason    string   `json:"activation_reason,omitempty"`
	PrimaryResult       any      `json:"primary_result"`
	ShadowResult        any      `json:"shadow_result"`
	InvariantsPassed    bool     `json:"invariants_passed"`
	ViolatedInvariants  []string `json:"violated_invariants,omitempty"`
	DivergenceDetected  bool     `json:"divergence_detected"`
	DivergenceMagnitude float64  `json:"divergence_magnitude"`
	Decision            Decision `json:"decision"`
	QuarantineReason    string   `json:"quarantine_reason,omitempty"`
	Untrusted           bool     `json:"untrusted,omitempty"`
	AuditHash           string   `json:"audit_hash,omitempty"`
}

// distance measures how far apart two results are: absolute difference for
// numeric pairs, 0/1 canonical equality otherwise.
func distance(primary, shadow any) float64 {
	pf, pok := asFloat(primary)
	sf, sok := asFloat(shadow)
	if pok && sok {
		return math.Abs(pf - sf)
	}
	ph, perr := canonicalize.Hash(primary)
	sh, serr := canonicalize.Hash(shadow)
	if perr != nil || serr != nil || ph != sh {
		return 1
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
