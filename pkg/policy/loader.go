package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChainSpec is the YAML schema for a policy chain. Order in the file is the
// evaluation order.
type ChainSpec struct {
	Policies []PolicySpec `yaml:"policies"`
}

// PolicySpec declares one CEL policy in a chain file.
type PolicySpec struct {
	ID         string `yaml:"id"`
	Expression string `yaml:"expression"`
	OnFail     string `yaml:"on_fail"`  // "deny" | "escalate"
	Reason     string `yaml:"reason"`   // verdict reason when the expression fails
	Severity   string `yaml:"severity"` // escalation severity: low|medium|high|fatal
}

// LoadChain reads a YAML chain file and builds a Runtime from it.
func LoadChain(path string, opts ...RuntimeOption) (*Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: load chain %q: %w", path, err)
	}
	var spec ChainSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("policy: parse chain %q: %w", path, err)
	}
	return BuildChain(spec, opts...)
}

// BuildChain compiles every policy in the spec, preserving file order.
func BuildChain(spec ChainSpec, opts ...RuntimeOption) (*Runtime, error) {
	policies := make([]Policy, 0, len(spec.Policies))
	for _, ps := range spec.Policies {
		if ps.ID == "" {
			return nil, fmt.Errorf("policy: chain entry missing id")
		}
		onFail, err := verdictFromSpec(ps)
		if err != nil {
			return nil, err
		}
		p, err := NewCELPolicy(ps.ID, ps.Expression, onFail)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return NewRuntime(policies, opts...), nil
}

func verdictFromSpec(ps PolicySpec) (Verdict, error) {
	reason := ps.Reason
	if reason == "" {
		reason = fmt.Sprintf("policy %s failed", ps.ID)
	}
	switch ps.OnFail {
	case "", "deny":
		return Deny(reason), nil
	case "escalate":
		sev, err := parseSeverity(ps.Severity)
		if err != nil {
			return Verdict{}, fmt.Errorf("policy %s: %w", ps.ID, err)
		}
		return Escalate(reason, sev), nil
	default:
		return Verdict{}, fmt.Errorf("policy %s: unknown on_fail %q", ps.ID, ps.OnFail)
	}
}

func parseSeverity(s string) (Severity, error) {
	switch s {
	case "", "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "fatal":
		return SeverityFatal, nil
	default:
		return SeverityLow, fmt.Errorf("unknown severity %q", s)
	}
}
