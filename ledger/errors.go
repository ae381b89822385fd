package ledger

import (
	"errors"
	"fmt"
)

// Kind is a stable category for programmatic error handling.
// Callers should branch on Kind and Rule rather than on error strings.
type Kind string

const (
	KindRoleResolution       Kind = "RoleResolution"
	KindAuthorization        Kind = "Authorization"
	KindContractViolation    Kind = "ContractViolation"
	KindCounterpartyRejected Kind = "CounterpartyRejected"
	KindUniquenessConflict   Kind = "UniquenessConflict"
	KindArbiterUnavailable   Kind = "ArbiterUnavailable"
	KindTransport            Kind = "Transport"
	KindPersistence          Kind = "Persistence"
)

// Error is the structured error every protocol stage reports.
//
// Rule names the violated contract rule for ContractViolation and
// CounterpartyRejected; Party names the remote identity when one is involved.
type Error struct {
	Kind    Kind
	Rule    string
	Party   string
	Message string
	Refs    []StateRef
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Party != "" {
		msg += " (" + e.Party + ")"
	}
	if e.Rule != "" {
		msg += " [" + e.Rule + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// RoleResolutionError ...
func RoleResolutionError(role Role, found int) error {
	return &Error{
		Kind:    KindRoleResolution,
		Message: fmt.Sprintf("expected exactly one %s identity, found %d", role, found),
	}
}

// AuthorizationError ...
func AuthorizationError(who string, format string, args ...interface{}) error {
	return &Error{Kind: KindAuthorization, Party: who, Message: fmt.Sprintf(format, args...)}
}

// ContractViolation ...
func ContractViolation(rule string, format string, args ...interface{}) error {
	return &Error{Kind: KindContractViolation, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// CounterpartyRejected ...
func CounterpartyRejected(party, rule, reason string) error {
	return &Error{Kind: KindCounterpartyRejected, Party: party, Rule: rule, Message: reason}
}

// UniquenessConflict ...
func UniquenessConflict(refs []StateRef) error {
	return &Error{
		Kind:    KindUniquenessConflict,
		Message: fmt.Sprintf("%d input(s) already consumed", len(refs)),
		Refs:    append([]StateRef(nil), refs...),
	}
}

// ArbiterUnavailable ...
func ArbiterUnavailable(notary string, cause error) error {
	return &Error{Kind: KindArbiterUnavailable, Party: notary, Cause: cause}
}

// TransportError ...
func TransportError(party string, cause error) error {
	return &Error{Kind: KindTransport, Party: party, Cause: cause}
}

// PersistenceError ...
func PersistenceError(party string, cause error) error {
	return &Error{Kind: KindPersistence, Party: party, Cause: cause}
}

// KindOf returns the Kind of a structured error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RuleOf returns the violated rule of a structured error, or "".
func RuleOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Rule
}

// RefsOf returns the conflicting state refs of a UniquenessConflict.
func RefsOf(err error) []StateRef {
	var e *Error
	if !errors.As(err, &e) {
		return nil
	}
	return e.Refs
}

// Retryable reports whether the caller may retry the same proposal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindArbiterUnavailable, KindTransport:
		return true
	default:
		return false
	}
}
