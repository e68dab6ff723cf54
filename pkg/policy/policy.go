// Package policy defines the policy plug-in contract and the ordered
// evaluation runtime. A Policy is a named, pure decision function over an
// execution context; the runtime evaluates a fixed chain fail-fast so the
// specific policy responsible for a block is always identifiable.
package policy

import (
	"context"
	"fmt"
)

// ExecutionContext is the situation an action runs in: actor identity,
// mutation flags, risk indicators, environment tags. Owned per call and
// never mutated in place; With produces a new context.
type ExecutionContext map[string]any

// With returns a copy of the context with one key replaced.
func (c ExecutionContext) With(key string, value any) ExecutionContext {
	next := make(ExecutionContext, len(c)+1)
	for k, v := range c {
		next[k] = v
	}
	next[key] = value
	return next
}

// Clone returns a shallow copy of the context.
func (c ExecutionContext) Clone() ExecutionContext {
	next := make(ExecutionContext, len(c))
	for k, v := range c {
		next[k] = v
	}
	return next
}

// Bool reads a boolean key, defaulting to false.
func (c ExecutionContext) Bool(key string) bool {
	v, _ := c[key].(bool)
	return v
}

// Float reads a numeric key, accepting int or float64.
func (c ExecutionContext) Float(key string) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// String reads a string key, defaulting to "".
func (c ExecutionContext) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// Decision is the outcome class of one policy evaluation.
type Decision string

const (
	DecisionAllow    Decision = "ALLOW"
	DecisionDeny     Decision = "DENY"
	DecisionEscalate Decision = "ESCALATE"
)

// Severity grades an escalation. SeverityFatal is reserved for escalations
// the system cannot safely continue past.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityFatal:
		return "FATAL"
	}
	return fmt.Sprintf("SEVERITY(%d)", int(s))
}

// Verdict is the immutable outcome of one policy evaluation.
// PolicyID carries the originating policy for audit.
type Verdict struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	PolicyID string   `json:"policy_id,omitempty"`
}

// Allow is the verdict that lets an action proceed.
func Allow() Verdict {
	return Verdict{Decision: DecisionAllow}
}

// Deny blocks the action with a reason.
func Deny(reason string) Verdict {
	return Verdict{Decision: DecisionDeny, Reason: reason}
}

// Escalate hands the action to the escalation handler.
func Escalate(reason string, severity Severity) Verdict {
	return Verdict{Decision: DecisionEscalate, Reason: reason, Severity: severity}
}

// Policy is the closed plug-in contract. Domain policies (ethics rules, risk
// heuristics) implement exactly this; the runtime calls nothing else.
// Evaluate must be a pure function of its input.
type Policy interface {
	ID() string
	Evaluate(ctx context.Context, ec ExecutionContext) Verdict
}

// Func adapts a plain function into a Policy.
type Func struct {
	Name string
	Eval func(ctx context.Context, ec ExecutionContext) Verdict
}

func (f Func) ID() string { return f.Name }

func (f Func) Evaluate(ctx context.Context, ec ExecutionContext) Verdict {
	return f.Eval(ctx, ec)
}
