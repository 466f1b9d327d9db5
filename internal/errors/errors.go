// Package errors classifies failures for the CLI and the HTTP API.
//
// Every failure resolves to a Kind. The kind decides the HTTP status, the
// machine-readable error code and the process exit code.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/pbs-extend/pkg/admission"
)

// Kind is a failure class.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindConnectivity  Kind = "connectivity"
	KindNotFound      Kind = "not-found"
	KindValidation    Kind = "validation"
	KindQuota         Kind = "quota"
	KindConflict      Kind = "conflict"
	KindPermission    Kind = "permission"
	KindInternal      Kind = "internal"
)

// Exit statuses not covered by foundry.
const (
	ExitFailure = 1
	// ExitDenied is the exit status of a request the policy refused.
	ExitDenied = 1
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// New returns an Error of kind with the kind's default code.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: CodeFor(kind), Message: message}
}

// Wrap classifies err.
func Wrap(kind Kind, message string, err error) *Error {
	e := New(kind, message)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches structured context.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCode overrides the default code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf returns err's kind. Unclassified errors are internal, except
// context deadlines, which count as connectivity failures.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	return KindInternal
}

// FromDecision converts a denied decision into an Error. It returns nil
// for approvals.
func FromDecision(d *admission.Decision) *Error {
	if d == nil || d.Allowed {
		return nil
	}
	kind := KindFromReason(d.Reason)
	e := New(kind, d.Message).WithCode(reasonCode(d.Reason))
	details := map[string]any{"reason": string(d.Reason)}
	if d.JobID != "" {
		details["job_id"] = d.JobID
	}
	if d.MaxAffordable != nil {
		details["max_affordable_walltime"] = *d.MaxAffordable
	}
	return e.WithDetails(details)
}

// KindFromReason maps an admission reason to a failure kind.
func KindFromReason(r admission.Reason) Kind {
	switch r.Kind() {
	case admission.KindConnectivity:
		return KindConnectivity
	case admission.KindNotFound:
		return KindNotFound
	case admission.KindQuota:
		return KindQuota
	case admission.KindConflict:
		return KindConflict
	case admission.KindPermission:
		return KindPermission
	default:
		return KindValidation
	}
}

// CodeFor is the default machine-readable code of kind.
func CodeFor(kind Kind) string {
	switch kind {
	case KindConfiguration:
		return "CONFIGURATION_ERROR"
	case KindConnectivity:
		return "SERVICE_UNAVAILABLE"
	case KindNotFound:
		return "NOT_FOUND"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindQuota:
		return "QUOTA_EXCEEDED"
	case KindConflict:
		return "CONFLICT"
	case KindPermission:
		return "FORBIDDEN"
	default:
		return "INTERNAL_ERROR"
	}
}

// ExitCodeFor is the CLI exit status for kind.
func ExitCodeFor(kind Kind) int {
	switch kind {
	case KindConfiguration, KindValidation:
		return foundry.ExitInvalidArgument
	case KindConnectivity:
		return foundry.ExitExternalServiceUnavailable
	case KindInternal:
		return ExitFailure
	default:
		return ExitDenied
	}
}

func reasonCode(r admission.Reason) string {
	return strings.ToUpper(strings.ReplaceAll(string(r), "-", "_"))
}

// ExitCodeForReason is the CLI exit status after an admission pass.
// Malformed requests and unreachable services keep their own codes; every
// other refusal is a policy denial.
func ExitCodeForReason(r admission.Reason) int {
	switch {
	case r == admission.ReasonApproved:
		return 0
	case r == admission.ReasonBadRequest:
		return foundry.ExitInvalidArgument
	case r.Kind() == admission.KindConnectivity:
		return foundry.ExitExternalServiceUnavailable
	default:
		return ExitDenied
	}
}
