// Package apperr implements the error taxonomy from spec.md section 7:
// a small closed set of kinds that every layer from the ledger up to the
// HTTP transport agrees on, so the transport can map a kind to a status
// code without inspecting message text.
package apperr

import (
	"errors"
	"fmt"

	"github.com/PStryder/legivellum/internal/validation"
)

// Kind is one of the stable error kinds spec.md section 7 enumerates.
type Kind string

const (
	KindValidation        Kind = "Validation"
	KindDuplicate         Kind = "Duplicate"
	KindNotFound          Kind = "NotFound"
	KindLeaseExpired      Kind = "LeaseExpired"
	KindLeaseNotOwned     Kind = "LeaseNotOwned"
	KindLeaseReleased     Kind = "LeaseReleased"
	KindUnauthenticated   Kind = "Unauthenticated"
	KindTenantUnresolved  Kind = "TenantUnresolved"
	KindSizeLimitExceeded Kind = "SizeLimitExceeded"
	KindStoreUnavailable  Kind = "StoreUnavailable"
	KindConflict          Kind = "Conflict"
	KindInternal          Kind = "Internal"
)

// Error is the common error envelope propagated out of every component.
type Error struct {
	Kind    Kind
	Message string
	// Errs carries the structured validation failures when Kind ==
	// KindValidation or KindSizeLimitExceeded.
	Errs validation.Errors
	// Wrapped is the underlying cause, if any, for logging and %w chains.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// New builds a plain Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// FromValidation builds an error carrying the structured field-level
// errors the validator collected: KindSizeLimitExceeded if any of them is
// an oversized field, otherwise KindValidation.
func FromValidation(errs validation.Errors) *Error {
	kind := KindValidation
	if errs.HasCode(validation.CodeSizeLimitExceeded) {
		kind = KindSizeLimitExceeded
	}
	return &Error{Kind: kind, Message: errs.Error(), Errs: errs}
}

// As is a small helper over errors.As for the common case of pulling an
// *Error out of an error chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// KindInternal otherwise — the transport's fallback is always "we don't
// know what this is, treat it as internal," never a guess.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Sentinel errors for the simple, message-free cases, mirroring the
// teacher's storage.ErrNotFound pattern for callers that just need an
// errors.Is check.
var (
	ErrNotFound      = fmt.Errorf("%s", "not found")
	ErrLeaseExpired  = fmt.Errorf("%s", "lease expired")
	ErrLeaseNotOwned = fmt.Errorf("%s", "lease not owned by this worker")
)
