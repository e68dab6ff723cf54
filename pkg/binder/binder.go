// Package binder seals execution contexts to the governance configuration
// that authorized them. A binding carries hashes of the policy state and
// the execution context plus an Ed25519 signature over their combination;
// verification always recomputes both hashes from the presented material,
// so a stale or tampered context cannot ride on a previously valid binding.
package binder

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/canonicalize"
	"github.com/Mindburn-Labs/aegis/pkg/ledger"
)

var (
	// ErrBindingMissing reports an execution attempted without a binding.
	ErrBindingMissing = errors.New("binder: binding missing")
	// ErrBindingInvalid reports a binding that failed recomputation or
	// signature verification.
	ErrBindingInvalid = errors.New("binder: binding invalid")
)

// GovernanceBinding cryptographically ties an execution context to the
// governance configuration in force when it was sealed.
type GovernanceBinding struct {
	ConfigHash      string    `json:"config_hash"`
	ContextHash     string    `json:"context_hash"`
	BindingHash     string    `json:"binding_hash"`
	Signature       string    `json:"signature"`
	SignerPublicKey string    `json:"signer_public_key"`
	KeyID           string    `json:"key_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// Binder seals and verifies governance bindings and audits binding events.
type Binder struct {
	signer Signer
	audit  *ledger.Ledger
	clock  func() time.Time
}

// Option configures a Binder.
type Option func(*Binder)

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Binder) { b.clock = clock }
}

// New creates a Binder signing with signer and auditing to audit.
func New(signer Signer, audit *ledger.Ledger, opts ...Option) *Binder {
	b := &Binder{signer: signer, audit: audit, clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Snapshot canonically hashes the current governance configuration.
func Snapshot(policyState any) (string, error) {
	h, err := canonicalize.Hash(policyState)
	if err != nil {
		return "", fmt.Errorf("binder: snapshot policy state: %w", err)
	}
	return h, nil
}

// Bind seals context to policyState and returns a signed binding.
func (b *Binder) Bind(policyState, execContext any) (*GovernanceBinding, error) {
	configHash, err := Snapshot(policyState)
	if err != nil {
		return nil, err
	}
	contextHash, err := canonicalize.Hash(execContext)
	if err != nil {
		return nil, fmt.Errorf("binder: hash context: %w", err)
	}
	bindingHash := combineHashes(configHash, contextHash)

	sig, err := b.signer.Sign([]byte(bindingHash))
	if err != nil {
		return nil, fmt.Errorf("binder: sign binding: %w", err)
	}

	binding := &GovernanceBinding{
		ConfigHash:      configHash,
		ContextHash:     contextHash,
		BindingHash:     bindingHash,
		Signature:       sig,
		SignerPublicKey: b.signer.PublicKey(),
		KeyID:           b.signer.KeyID(),
		Timestamp:       b.clock().UTC(),
	}

	if b.audit != nil {
		if _, err := b.audit.Append("binding_created", map[string]any{
			"binding_hash": bindingHash,
			"config_hash":  configHash,
			"key_id":       binding.KeyID,
		}); err != nil {
			return nil, err
		}
	}
	return binding, nil
}

// Verify checks binding against the presented policy state and context.
// It always recomputes both hashes; a verification result is never cached
// or trusted from a prior call.
func (b *Binder) Verify(binding *GovernanceBinding, policyState, execContext any) error {
	if binding == nil {
		return ErrBindingMissing
	}

	configHash, err := Snapshot(policyState)
	if err != nil {
		return err
	}
	contextHash, err := canonicalize.Hash(execContext)
	if err != nil {
		return fmt.Errorf("binder: hash context: %w", err)
	}

	if configHash != binding.ConfigHash {
		b.auditFailure(binding, "config_hash_mismatch")
		return fmt.Errorf("%w: governance configuration changed since binding", ErrBindingInvalid)
	}
	if contextHash != binding.ContextHash {
		b.auditFailure(binding, "context_hash_mismatch")
		return fmt.Errorf("%w: execution context does not match binding", ErrBindingInvalid)
	}

	bindingHash := combineHashes(configHash, contextHash)
	if bindingHash != binding.BindingHash {
		b.auditFailure(binding, "binding_hash_mismatch")
		return fmt.Errorf("%w: binding hash mismatch", ErrBindingInvalid)
	}

	ok, err := VerifyWithPublicKey(binding.SignerPublicKey, binding.Signature, []byte(bindingHash))
	if err != nil {
		b.auditFailure(binding, "signature_malformed")
		return fmt.Errorf("%w: %v", ErrBindingInvalid, err)
	}
	if !ok {
		b.auditFailure(binding, "signature_mismatch")
		return fmt.Errorf("%w: signature does not verify", ErrBindingInvalid)
	}

	if b.audit != nil {
		if _, err := b.audit.Append("binding_verified", map[string]any{
			"binding_hash": binding.BindingHash,
			"key_id":       binding.KeyID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Binder) auditFailure(binding *GovernanceBinding, reason string) {
	if b.audit == nil {
		return
	}
	_, _ = b.audit.Append("binding_rejected", map[string]any{
		"binding_hash": binding.BindingHash,
		"reason":       reason,
	})
}

// Audit appends an event to the binder's ledger and returns the block hash.
func (b *Binder) Audit(eventType string, payload any) (string, error) {
	if b.audit == nil {
		return "", fmt.Errorf("binder: no audit ledger attached")
	}
	return b.audit.Append(eventType, payload)
}

func combineHashes(configHash, contextHash string) string {
	sum := sha256.Sum256([]byte(configHash + contextHash))
	return canonicalize.HashPrefix + hex.EncodeToString(sum[:])
}
