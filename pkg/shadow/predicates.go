package shadow

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/aegis/pkg/policy"
)

// PredicateFunc builds a predicate from a plain match function.
func PredicateFunc(name string, match func(policy.ExecutionContext) bool) ActivationPredicate {
	return ActivationPredicate{Name: name, Match: match}
}

// PredicateCEL compiles a CEL expression over the execution context into an
// activation predicate. Evaluation errors count as no-match; activation
// gating must never fail a call on its own.
func PredicateCEL(name, expression string) (ActivationPredicate, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return ActivationPredicate{}, fmt.Errorf("shadow: cel env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return ActivationPredicate{}, fmt.Errorf("shadow: compile predicate %s: %w", name, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return ActivationPredicate{}, fmt.Errorf("shadow: program predicate %s: %w", name, err)
	}
	return ActivationPredicate{
		Name: name,
		Match: func(execCtx policy.ExecutionContext) bool {
			out, _, err := prg.Eval(map[string]any{"ctx": map[string]any(execCtx)})
			if err != nil {
				return false
			}
			matched, ok := out.Value().(bool)
			return ok && matched
		},
	}, nil
}

// ActivateOnHighStakes matches contexts flagged high-stakes.
func ActivateOnHighStakes() ActivationPredicate {
	return PredicateFunc("high_stakes", func(execCtx policy.ExecutionContext) bool {
		return execCtx.Bool("high_stakes")
	})
}

// ActivateOnThreatScore matches contexts whose threat_score reaches min.
func ActivateOnThreatScore(min float64) ActivationPredicate {
	return PredicateFunc("threat_score", func(execCtx policy.ExecutionContext) bool {
		if _, present := execCtx["threat_score"]; !present {
			return false
		}
		return execCtx.Float("threat_score") >= min
	})
}

// ActivateOnMutation matches contexts that declare a mutation.
func ActivateOnMutation() ActivationPredicate {
	return PredicateFunc("mutation", func(execCtx policy.ExecutionContext) bool {
		return execCtx.Bool("mutation")
	})
}

// IdenticalResults is a non-critical invariant that results match exactly
// under canonical comparison.
func IdenticalResults() Invariant {
	return Invariant{
		Name: "identical_results",
		Validate: func(primary, shadow any) (bool, string) {
			if d := distance(primary, shadow); d != 0 {
				return false, fmt.Sprintf("results differ (distance %g)", d)
			}
			return true, ""
		},
	}
}

// WithinEpsilon is a non-critical invariant that numeric results stay
// within eps of each other.
func WithinEpsilon(eps float64) Invariant {
	return Invariant{
		Name: fmt.Sprintf("within_epsilon_%g", eps),
		Validate: func(primary, shadow any) (bool, string) {
			if d := distance(primary, shadow); d > eps {
				return false, fmt.Sprintf("distance %g exceeds epsilon %g", d, eps)
			}
			return true, ""
		},
	}
}

// ShadowSucceeded is a critical invariant that the shadow produced a result
// at all; a nil shadow result marks the run divergent.
func ShadowSucceeded() Invariant {
	return Invariant{
		Name:     "shadow_succeeded",
		Critical: true,
		Validate: func(_, shadow any) (bool, string) {
			if shadow == nil {
				return false, "shadow produced no result"
			}
			return true, ""
		},
	}
}
