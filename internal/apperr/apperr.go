// Package apperr defines the closed set of error kinds a billable action can
// fail with, and the stable user-facing message for each kind.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error. The set is closed: anything not produced by
// this package is reported as Internal.
type Kind int

const (
	Internal Kind = iota
	Unauthenticated
	PermissionDenied
	InvalidArgument
	RateLimited
	InsufficientCredits
	MonthlyLimitReached
	DailyLimitReached
	PreviewLimitReached
	AlreadyActivated
	AlreadyExists
	NotFound
	Unavailable
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{
	Internal, Unauthenticated, PermissionDenied, InvalidArgument, RateLimited,
	InsufficientCredits, MonthlyLimitReached, DailyLimitReached, PreviewLimitReached,
	AlreadyActivated, AlreadyExists, NotFound, Unavailable,
}

var kindCodes = map[Kind]string{
	Internal:            "internal",
	Unauthenticated:     "unauthenticated",
	PermissionDenied:    "permission_denied",
	InvalidArgument:     "invalid_argument",
	RateLimited:         "rate_limited",
	InsufficientCredits: "insufficient_credits",
	MonthlyLimitReached: "monthly_limit_reached",
	DailyLimitReached:   "daily_limit_reached",
	PreviewLimitReached: "preview_limit_reached",
	AlreadyActivated:    "already_activated",
	AlreadyExists:       "already_exists",
	NotFound:            "not_found",
	Unavailable:         "unavailable",
}

// String returns the wire code for the kind.
func (k Kind) String() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[Internal]
}

// Error is a classified failure. Only the fields relevant to Kind are set.
type Error struct {
	Kind   Kind
	Detail string
	Field  string

	// InsufficientCredits
	Required  int64
	Available int64

	// quota kinds
	Limit int

	// RateLimited
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error of the same kind, so errors.Is(err, ErrRateLimited)
// works regardless of detail fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthenticated     = &Error{Kind: Unauthenticated}
	ErrPermissionDenied    = &Error{Kind: PermissionDenied}
	ErrInvalidArgument     = &Error{Kind: InvalidArgument}
	ErrRateLimited         = &Error{Kind: RateLimited}
	ErrInsufficientCredits = &Error{Kind: InsufficientCredits}
	ErrMonthlyLimitReached = &Error{Kind: MonthlyLimitReached}
	ErrDailyLimitReached   = &Error{Kind: DailyLimitReached}
	ErrPreviewLimitReached = &Error{Kind: PreviewLimitReached}
	ErrAlreadyActivated    = &Error{Kind: AlreadyActivated}
	ErrAlreadyExists       = &Error{Kind: AlreadyExists}
	ErrNotFound            = &Error{Kind: NotFound}
	ErrUnavailable         = &Error{Kind: Unavailable}
	ErrInternal            = &Error{Kind: Internal}
)

// New builds an error of the given kind with a free-form detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

func Unauthenticatedf(format string, args ...any) *Error {
	return New(Unauthenticated, fmt.Sprintf(format, args...))
}

func PermissionDeniedf(format string, args ...any) *Error {
	return New(PermissionDenied, fmt.Sprintf(format, args...))
}

// Invalid reports a bad input field.
func Invalid(field, reason string) *Error {
	return &Error{Kind: InvalidArgument, Field: field, Detail: reason}
}

// Throttled reports a rate-limit rejection for scope.
func Throttled(scope string, retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Detail: scope, RetryAfter: retryAfter}
}

// Insufficient reports a balance shortfall as "need X, have Y".
func Insufficient(required, available int64) *Error {
	return &Error{
		Kind:      InsufficientCredits,
		Detail:    fmt.Sprintf("need %d, have %d", required, available),
		Required:  required,
		Available: available,
	}
}

// LimitReached reports an exhausted quota of the given kind.
func LimitReached(kind Kind, limit int) *Error {
	return &Error{Kind: kind, Limit: limit, Detail: fmt.Sprintf("limit %d", limit)}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

// ServiceUnavailable marks a transient failure that is safe to retry.
func ServiceUnavailable(service string, cause error) *Error {
	return Wrap(Unavailable, service, cause)
}

// InternalError hides cause behind the Internal kind.
func InternalError(cause error) *Error {
	return Wrap(Internal, "", cause)
}

// As extracts the *Error in err's chain, classifying anything else as Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalError(err)
}

// KindOf returns the kind of err, or Internal if err is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	return As(err).Kind
}

// Retryable reports whether the caller may safely retry. Only transient
// upstream failures qualify.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == Unavailable
}
