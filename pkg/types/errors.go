package types

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDeliveryFailure   = errors.New("delivery failure")
	ErrConfiguration     = errors.New("configuration error")
)

// NotFoundError reports an unknown fingerprint, incident, policy or window.
type NotFoundError struct {
	Kind string // "alert", "incident", "policy", "window"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a double link or a duplicate identifier.
type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Kind, e.ID, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// InvalidTransitionError reports an illegal state machine edge.
type InvalidTransitionError struct {
	Kind string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s cannot transition from %s to %s", e.Kind, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// DeliveryFailure records a failed provider call. It is always recovered
// locally and never aborts an escalation fan-out.
type DeliveryFailure struct {
	Provider string
	Target   string
	Err      error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery via %s to %s failed: %v", e.Provider, e.Target, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

func (e *DeliveryFailure) Is(target error) bool { return target == ErrDeliveryFailure }

// ConfigurationError rejects a malformed policy, window, rule or provider.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
