package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELPolicy evaluates a compiled CEL expression over the execution context.
// The expression sees a single "ctx" map and must return a boolean: true
// allows, false produces the configured verdict. Compilation happens once at
// construction so evaluation stays deterministic and cheap.
type CELPolicy struct {
	id      string
	program cel.Program
	onFail  Verdict
}

// NewCELPolicy compiles expr and returns a policy that yields onFail
// whenever the expression evaluates to false. onFail must be a Deny or
// Escalate verdict.
func NewCELPolicy(id, expr string, onFail Verdict) (*CELPolicy, error) {
	if onFail.Decision == DecisionAllow {
		return nil, fmt.Errorf("policy %s: on-fail verdict must be Deny or Escalate", id)
	}

	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy %s: cel env: %w", id, err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy %s: cel compile: %w", id, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy %s: cel program: %w", id, err)
	}

	return &CELPolicy{id: id, program: program, onFail: onFail}, nil
}

func (p *CELPolicy) ID() string { return p.id }

// Evaluate runs the expression. Any evaluation error fails closed as an
// escalation: a policy that cannot be evaluated must not silently allow.
func (p *CELPolicy) Evaluate(_ context.Context, ec ExecutionContext) Verdict {
	out, _, err := p.program.Eval(map[string]any{"ctx": map[string]any(ec)})
	if err != nil {
		return Escalate(fmt.Sprintf("policy %s: evaluation error: %v", p.id, err), SeverityHigh)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Escalate(fmt.Sprintf("policy %s: expression did not return bool", p.id), SeverityHigh)
	}
	if !allowed {
		return p.onFail
	}
	return Allow()
}
