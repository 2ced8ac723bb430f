// Package mcore carries the error taxonomy shared by every component of
// the terminal firmware core: the NFC worker, the session orchestrator,
// and the personalization pipeline all wrap their failures in a
// mcore.Error so callers can branch on Code without parsing messages.
// The cloud gateway reports its own cloud.RequestError; the
// orchestrator wraps those under CodeCloud.
package mcore

import (
	"errors"
	"fmt"

	"github.com/barnettlynn/mauthterm/pkg/ntag424"
)

// Code categorizes a failure at the level a caller needs to act on:
// retry locally, escalate to a hardware reset, fail the session, or
// surface a configuration problem at bring-up.
type Code string

const (
	CodeNfcTransport         Code = "nfc_transport"
	CodeNtagProtocol         Code = "ntag_protocol"
	CodeCloud                Code = "cloud"
	CodeMalformed            Code = "malformed"
	CodeNoTag                Code = "no_tag"
	CodeConfigurationMissing Code = "configuration_missing"
	CodeCounterExhausted     Code = "counter_exhausted"
	CodeTimeout              Code = "timeout"

	// The three NTAG protocol sub-cases spec.md §7 calls out as needing
	// distinct handling: AuthenticationDelay is retried silently,
	// PermissionDenied and IntegrityError are surfaced (the latter also
	// forcing re-authentication). Anything else on the tag side stays
	// CodeNtagProtocol.
	CodeAuthenticationDelay Code = "ntag_authentication_delay"
	CodePermissionDenied    Code = "ntag_permission_denied"
	CodeIntegrityError      Code = "ntag_integrity_error"
)

// Error is the structured error type used across the module. Op names
// the operation that failed (e.g. "nfcworker.transceive"); Code is the
// category; Inner is the wrapped cause, if any.
type Error struct {
	Op    string
	Code  Code
	Inner error
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Inner)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is match any *Error target that carries the same
// Code, whatever its Op or Inner, so failures compare by category.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// Wrap builds an Error from an operation name, a category, and the
// underlying cause.
func Wrap(op string, code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Inner: err}
}

// New builds an Error with no wrapped cause.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Inner: errors.New(msg)}
}

// HasCode reports whether err (or any error it wraps) is a *Error
// with the given Code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// ClassifyNtag buckets a pkg/ntag424 protocol failure into the
// three-way split spec.md §7 requires (AuthenticationDelay /
// PermissionDenied / IntegrityError), falling back to the general
// CodeNtagProtocol for anything else (wrong key, transport, malformed
// length, ...). Callers that need to retry in place on a delay should
// check ntag424.IsAuthenticationDelay directly rather than fail
// through this classification.
func ClassifyNtag(err error) Code {
	switch {
	case ntag424.IsAuthenticationDelay(err):
		return CodeAuthenticationDelay
	case ntag424.IsPermissionDenied(err):
		return CodePermissionDenied
	case ntag424.IsIntegrityError(err):
		return CodeIntegrityError
	default:
		return CodeNtagProtocol
	}
}
