// Package containment profiles adversarial behavior and applies controlled
// deception to contain it.
//
// Deception doctrine: synthetic responses are permitted only toward
// adversaries. A legitimate user is never deceived, real compromise is never
// masked, and the internal truth of every containment action is preserved
// unmodified alongside the externally visible shaped response.
package containment

import (
	"time"
)

// ThreatClass grades a session's threat level.
type ThreatClass string

const (
	ClassBenign      ThreatClass = "benign"
	ClassSuspicious  ThreatClass = "suspicious"
	ClassAdversarial ThreatClass = "adversarial"
	ClassCritical    ThreatClass = "critical"
)

// Score thresholds mapping threat scores onto classes.
const (
	suspiciousThreshold  = 0.2
	adversarialThreshold = 0.5
	criticalThreshold    = 0.8
)

// ClassForScore maps a bounded threat score onto its class.
func ClassForScore(score float64) ThreatClass {
	switch {
	case score >= criticalThreshold:
		return ClassCritical
	case score >= adversarialThreshold:
		return ClassAdversarial
	case score >= suspiciousThreshold:
		return ClassSuspicious
	default:
		return ClassBenign
	}
}

// Mode is the containment operational mode.
type Mode string

const (
	ModeObserve    Mode = "observe"
	ModeInstrument Mode = "instrument"
	ModeRedirect   Mode = "redirect"
	ModeIsolate    Mode = "isolate"
	ModeTerminate  Mode = "terminate"
)

// Tactic is a deception tactic applied to an adversary.
type Tactic string

const (
	TacticSyntheticSuccess    Tactic = "synthetic_success"
	TacticMirroredEnvironment Tactic = "mirrored_environment"
	TacticSimulatedVulnerable Tactic = "simulated_vulnerable"
	TacticResponseShaping     Tactic = "response_shaping"
	TacticHoneypot            Tactic = "honeypot"
)

// Profile is the recomputed-per-request threat profile of a session. It is
// not persisted beyond its audit record unless escalated.
type Profile struct {
	ProfileID  string      `json:"profile_id"`
	SessionID  string      `json:"session_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Class      ThreatClass `json:"threat_class"`
	Score      float64     `json:"threat_score"`
	Confidence float64     `json:"confidence"`

	JailbreakAttempts int      `json:"jailbreak_attempts"`
	InjectionPatterns []string `json:"prompt_injection_patterns,omitempty"`
	AbuseIndicators   []string `json:"api_abuse_indicators,omitempty"`
	AuthBypassCount   int      `json:"auth_bypass_attempts"`
	RequestRate       float64  `json:"request_rate"`

	SourceIP        string `json:"source_ip,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	FingerprintHash string `json:"behavioral_fingerprint_hash,omitempty"`
}

// DetectedPatterns returns all pattern hits across categories.
func (p *Profile) DetectedPatterns() []string {
	out := make([]string, 0, len(p.InjectionPatterns)+len(p.AbuseIndicators))
	out = append(out, p.InjectionPatterns...)
	out = append(out, p.AbuseIndicators...)
	return out
}

// updateScore recomputes the bounded threat score from indicators and
// reclassifies the profile. Weights follow the severity of each category:
// auth bypass dominates, jailbreaks and injections weigh heavily, rate and
// abuse indicators weigh lightly.
func (p *Profile) updateScore() {
	score := 0.0
	score += min(float64(p.JailbreakAttempts)*0.15, 0.5)
	score += min(float64(len(p.InjectionPatterns))*0.1, 0.3)
	score += min(float64(len(p.AbuseIndicators))*0.05, 0.2)
	score += min(float64(p.AuthBypassCount)*0.25, 0.75)
	if p.RequestRate > highRequestRate {
		score += 0.1
	}
	p.Score = min(score, 1.0)
	p.Class = ClassForScore(p.Score)
}

// Action is one executed containment decision, audit-sealed.
type Action struct {
	ActionID  string    `json:"action_id"`
	ProfileID string    `json:"profile_id"`
	Timestamp time.Time `json:"timestamp"`

	Mode   Mode    `json:"mode"`
	Tactic *Tactic `json:"deception_tactic,omitempty"`

	OriginalRequest map[string]any `json:"original_request"`
	ShapedResponse  map[string]any `json:"shaped_response"`
	InternalTruth   map[string]any `json:"internal_truth"`

	Reason    string `json:"reason"`
	AuditHash string `json:"audit_hash,omitempty"`
}
