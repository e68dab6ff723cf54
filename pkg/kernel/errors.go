package kernel

import (
	"errors"

	"github.com/Mindburn-Labs/aegis/pkg/binder"
	"github.com/Mindburn-Labs/aegis/pkg/ledger"
	"github.com/Mindburn-Labs/aegis/pkg/shadow"
)

var (
	// ErrPolicyDenied reports a DENY verdict. Terminal for the call and
	// always audited before returning.
	ErrPolicyDenied = errors.New("kernel: policy denied")
	// ErrEscalationRequired reports a non-fatal ESCALATE verdict. The call
	// is blocked; an operator may resolve the intent and resubmit.
	ErrEscalationRequired = errors.New("kernel: escalation required")
	// ErrActionInvalid reports action parameters that failed schema
	// validation before any policy ran.
	ErrActionInvalid = errors.New("kernel: action parameters invalid")

	// Re-exported collaborator sentinels so callers match on one package.
	ErrBindingMissing         = binder.ErrBindingMissing
	ErrBindingInvalid         = binder.ErrBindingInvalid
	ErrLedgerCorrupted        = ledger.ErrCorrupted
	ErrShadowResourceExceeded = shadow.ErrResourceExceeded
	ErrInvariantViolated      = shadow.ErrInvariantViolated
)
