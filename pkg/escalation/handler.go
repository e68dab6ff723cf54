// Package escalation handles ESCALATE verdicts from the policy runtime.
//
// Non-fatal escalations become pending intents awaiting operator judgment;
// a fatal-severity escalation produces a typed FatalEscalation outcome that
// the process entry point acts on. The handler itself never exits the
// process, so fatal paths stay testable.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/aegis/pkg/ledger"
	"github.com/Mindburn-Labs/aegis/pkg/policy"
)

// Status of a pending escalation intent.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusTimedOut Status = "TIMED_OUT"
)

// DefaultIntentTimeout bounds how long an intent waits for judgment.
const DefaultIntentTimeout = 5 * time.Minute

// Intent is one escalation awaiting operator judgment.
type Intent struct {
	IntentID  string                  `json:"intent_id"`
	TraceID   string                  `json:"trace_id"`
	PolicyID  string                  `json:"policy_id"`
	Reason    string                  `json:"reason"`
	Severity  policy.Severity         `json:"severity"`
	Context   policy.ExecutionContext `json:"context"`
	CreatedAt time.Time               `json:"created_at"`
	ExpiresAt time.Time               `json:"expires_at"`
	Status    Status                  `json:"status"`
}

// Receipt records the resolution of an intent.
type Receipt struct {
	ReceiptID  string    `json:"receipt_id"`
	IntentID   string    `json:"intent_id"`
	Outcome    Status    `json:"outcome"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	DenyReason string    `json:"deny_reason,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
	DurationMs int64     `json:"duration_ms"`
}

// FatalEscalation is returned to the caller when severity reaches the
// fatal threshold. The entry point decides whether to abort the process
// after the audit ledger is flushed.
type FatalEscalation struct {
	PolicyID string
	Reason   string
	Severity policy.Severity
}

func (f *FatalEscalation) Error() string {
	return fmt.Sprintf("fatal escalation from policy %s: %s", f.PolicyID, f.Reason)
}

// Outcome is the handler's disposition of an ESCALATE verdict.
type Outcome struct {
	Fatal  bool
	Intent *Intent
}

// Notifier receives non-fatal escalation intents. Implementations must not
// block; slow delivery belongs behind the implementation's own queue.
type Notifier interface {
	Notify(ctx context.Context, intent *Intent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, intent *Intent)

func (f NotifierFunc) Notify(ctx context.Context, intent *Intent) { f(ctx, intent) }

// Handler tracks escalation intents and classifies fatal escalations.
type Handler struct {
	mu             sync.Mutex
	intents        map[string]*Intent
	fatalThreshold policy.Severity
	intentTimeout  time.Duration
	notifiers      []Notifier
	audit          ledger.Sink
	logger         *slog.Logger
	clock          func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) { h.clock = clock }
}

// WithFatalThreshold lowers or raises the severity that halts execution.
func WithFatalThreshold(s policy.Severity) Option {
	return func(h *Handler) { h.fatalThreshold = s }
}

// WithIntentTimeout overrides the pending-intent expiry.
func WithIntentTimeout(d time.Duration) Option {
	return func(h *Handler) { h.intentTimeout = d }
}

// WithNotifier registers a notifier hook.
func WithNotifier(n Notifier) Option {
	return func(h *Handler) { h.notifiers = append(h.notifiers, n) }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler auditing to sink.
func NewHandler(sink ledger.Sink, opts ...Option) *Handler {
	h := &Handler{
		intents:        make(map[string]*Intent),
		fatalThreshold: policy.SeverityFatal,
		intentTimeout:  DefaultIntentTimeout,
		audit:          sink,
		logger:         slog.Default(),
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle dispositions an ESCALATE verdict. It audits the escalation, and
// either returns a fatal outcome or opens a pending intent and notifies.
func (h *Handler) Handle(ctx context.Context, traceID string, verdict policy.Verdict, execCtx policy.ExecutionContext) (*Outcome, error) {
	if verdict.Decision != policy.DecisionEscalate {
		return nil, fmt.Errorf("escalation: verdict %s is not an escalation", verdict.Decision)
	}

	if h.audit != nil {
		if _, err := h.audit.Append("escalation_raised", map[string]any{
			"trace_id":  traceID,
			"policy_id": verdict.PolicyID,
			"reason":    verdict.Reason,
			"severity":  verdict.Severity.String(),
		}); err != nil {
			return nil, err
		}
	}

	if verdict.Severity >= h.fatalThreshold {
		h.logger.Error("fatal escalation",
			"trace_id", traceID,
			"policy_id", verdict.PolicyID,
			"reason", verdict.Reason)
		if h.audit != nil {
			if _, err := h.audit.Append("escalation_fatal", map[string]any{
				"trace_id":  traceID,
				"policy_id": verdict.PolicyID,
			}); err != nil {
				return nil, err
			}
		}
		return &Outcome{Fatal: true}, &FatalEscalation{
			PolicyID: verdict.PolicyID,
			Reason:   verdict.Reason,
			Severity: verdict.Severity,
		}
	}

	now := h.clock()
	intent := &Intent{
		IntentID:  uuid.New().String(),
		TraceID:   traceID,
		PolicyID:  verdict.PolicyID,
		Reason:    verdict.Reason,
		Severity:  verdict.Severity,
		Context:   execCtx.Clone(),
		CreatedAt: now,
		ExpiresAt: now.Add(h.intentTimeout),
		Status:    StatusPending,
	}

	h.mu.Lock()
	h.intents[intent.IntentID] = intent
	h.mu.Unlock()

	h.logger.Warn("escalation pending judgment",
		"intent_id", intent.IntentID,
		"policy_id", verdict.PolicyID,
		"severity", verdict.Severity.String())

	for _, n := range h.notifiers {
		n.Notify(ctx, intent)
	}

	return &Outcome{Intent: intent}, nil
}

// Approve resolves a pending intent as approved.
func (h *Handler) Approve(ctx context.Context, intentID, approverID string) (*Receipt, error) {
	_ = ctx
	h.mu.Lock()
	defer h.mu.Unlock()

	intent, ok := h.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("escalation: intent %q not found", intentID)
	}
	if intent.Status != StatusPending {
		return nil, fmt.Errorf("escalation: intent %q is not PENDING (status=%s)", intentID, intent.Status)
	}

	now := h.clock()
	if now.After(intent.ExpiresAt) {
		intent.Status = StatusTimedOut
		return h.seal(intent, now, "", ""), nil
	}

	intent.Status = StatusApproved
	return h.seal(intent, now, approverID, ""), nil
}

// Deny resolves a pending intent as denied.
func (h *Handler) Deny(ctx context.Context, intentID, denierID, reason string) (*Receipt, error) {
	_ = ctx
	h.mu.Lock()
	defer h.mu.Unlock()

	intent, ok := h.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("escalation: intent %q not found", intentID)
	}
	if intent.Status != StatusPending {
		return nil, fmt.Errorf("escalation: intent %q is not PENDING (status=%s)", intentID, intent.Status)
	}

	intent.Status = StatusDenied
	return h.seal(intent, h.clock(), denierID, reason), nil
}

// CheckTimeouts expires pending intents past their deadline.
func (h *Handler) CheckTimeouts(ctx context.Context) ([]*Receipt, error) {
	_ = ctx
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock()
	var receipts []*Receipt
	for _, intent := range h.intents {
		if intent.Status != StatusPending {
			continue
		}
		if now.After(intent.ExpiresAt) {
			intent.Status = StatusTimedOut
			receipts = append(receipts, h.seal(intent, now, "", ""))
		}
	}
	return receipts, nil
}

// GetIntent returns an intent by ID.
func (h *Handler) GetIntent(intentID string) (*Intent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	intent, ok := h.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("escalation: intent %q not found", intentID)
	}
	return intent, nil
}

// PendingCount returns the number of intents awaiting judgment.
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, intent := range h.intents {
		if intent.Status == StatusPending {
			n++
		}
	}
	return n
}

func (h *Handler) seal(intent *Intent, resolvedAt time.Time, resolvedBy, denyReason string) *Receipt {
	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		IntentID:   intent.IntentID,
		Outcome:    intent.Status,
		ResolvedBy: resolvedBy,
		DenyReason: denyReason,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(intent.CreatedAt).Milliseconds(),
	}
	if h.audit != nil {
		_, _ = h.audit.Append("escalation_resolved", map[string]any{
			"intent_id": intent.IntentID,
			"outcome":   intent.Status,
		})
	}
	return receipt
}
