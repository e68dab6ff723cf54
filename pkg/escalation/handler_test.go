package escalation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegis/pkg/ledger"
	"github.com/Mindburn-Labs/aegis/pkg/policy"
)

type manualClock struct {
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *manualClock) fn() func() time.Time { return func() time.Time { return c.now } }
func (c *manualClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func escalateVerdict(sev policy.Severity) policy.Verdict {
	v := policy.Escalate("elevated risk detected", sev)
	v.PolicyID = "risk_gate"
	return v
}

func TestHandleOpensPendingIntent(t *testing.T) {
	clock := newManualClock()
	audit := newLedger(t, ledger.WithClock(clock.fn()))
	h := NewHandler(audit, WithClock(clock.fn()))

	execCtx := policy.ExecutionContext{"actor": "svc-a", "risk_score": 0.6}
	outcome, err := h.Handle(context.Background(), "trace-1", escalateVerdict(policy.SeverityHigh), execCtx)
	require.NoError(t, err)
	require.NotNil(t, outcome.Intent)
	assert.False(t, outcome.Fatal)
	assert.Equal(t, StatusPending, outcome.Intent.Status)
	assert.Equal(t, "risk_gate", outcome.Intent.PolicyID)
	assert.Equal(t, 1, h.PendingCount())

	var raised bool
	for _, blk := range audit.Blocks() {
		if blk.EventType == "escalation_raised" {
			raised = true
		}
	}
	assert.True(t, raised)
}

func TestHandleFatalSeverity(t *testing.T) {
	clock := newManualClock()
	audit := newLedger(t, ledger.WithClock(clock.fn()))
	h := NewHandler(audit, WithClock(clock.fn()))

	outcome, err := h.Handle(context.Background(), "trace-2", escalateVerdict(policy.SeverityFatal), policy.ExecutionContext{})
	require.Error(t, err)

	var fatal *FatalEscalation
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "risk_gate", fatal.PolicyID)
	assert.True(t, outcome.Fatal)
	assert.Nil(t, outcome.Intent)
	// No pending intent is opened on the fatal path.
	assert.Equal(t, 0, h.PendingCount())
}

func TestHandleRespectsLoweredFatalThreshold(t *testing.T) {
	clock := newManualClock()
	h := NewHandler(nil, WithClock(clock.fn()), WithFatalThreshold(policy.SeverityHigh))

	_, err := h.Handle(context.Background(), "trace-3", escalateVerdict(policy.SeverityHigh), policy.ExecutionContext{})
	var fatal *FatalEscalation
	require.True(t, errors.As(err, &fatal))
}

func TestHandleRejectsNonEscalation(t *testing.T) {
	h := NewHandler(nil)
	_, err := h.Handle(context.Background(), "trace-4", policy.Allow(), policy.ExecutionContext{})
	require.Error(t, err)
}

func TestNotifierReceivesIntent(t *testing.T) {
	clock := newManualClock()
	var notified atomic.Int32
	h := NewHandler(nil, WithClock(clock.fn()), WithNotifier(NotifierFunc(func(_ context.Context, intent *Intent) {
		assert.Equal(t, StatusPending, intent.Status)
		notified.Add(1)
	})))

	_, err := h.Handle(context.Background(), "trace-5", escalateVerdict(policy.SeverityMedium), policy.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), notified.Load())
}

func TestApproveAndDeny(t *testing.T) {
	clock := newManualClock()
	h := NewHandler(nil, WithClock(clock.fn()))

	o1, err := h.Handle(context.Background(), "t1", escalateVerdict(policy.SeverityLow), policy.ExecutionContext{})
	require.NoError(t, err)
	o2, err := h.Handle(context.Background(), "t2", escalateVerdict(policy.SeverityMedium), policy.ExecutionContext{})
	require.NoError(t, err)

	clock.advance(30 * time.Second)
	receipt, err := h.Approve(context.Background(), o1.Intent.IntentID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, receipt.Outcome)
	assert.Equal(t, "operator-1", receipt.ResolvedBy)
	assert.Equal(t, int64(30000), receipt.DurationMs)

	receipt, err = h.Deny(context.Background(), o2.Intent.IntentID, "operator-2", "out of hours")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, receipt.Outcome)
	assert.Equal(t, "out of hours", receipt.DenyReason)

	// Resolved intents cannot be re-resolved.
	_, err = h.Approve(context.Background(), o1.Intent.IntentID, "operator-1")
	require.Error(t, err)
	assert.Equal(t, 0, h.PendingCount())
}

func TestApproveAfterExpiryTimesOut(t *testing.T) {
	clock := newManualClock()
	h := NewHandler(nil, WithClock(clock.fn()), WithIntentTimeout(time.Minute))

	o, err := h.Handle(context.Background(), "t1", escalateVerdict(policy.SeverityLow), policy.ExecutionContext{})
	require.NoError(t, err)

	clock.advance(2 * time.Minute)
	receipt, err := h.Approve(context.Background(), o.Intent.IntentID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, receipt.Outcome)
}

func TestCheckTimeouts(t *testing.T) {
	clock := newManualClock()
	h := NewHandler(nil, WithClock(clock.fn()), WithIntentTimeout(time.Minute))

	for i := 0; i < 3; i++ {
		_, err := h.Handle(context.Background(), "t", escalateVerdict(policy.SeverityLow), policy.ExecutionContext{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, h.PendingCount())

	clock.advance(90 * time.Second)
	receipts, err := h.CheckTimeouts(context.Background())
	require.NoError(t, err)
	assert.Len(t, receipts, 3)
	assert.Equal(t, 0, h.PendingCount())
}

func newLedger(t *testing.T, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(opts...)
	require.NoError(t, err)
	return l
}
