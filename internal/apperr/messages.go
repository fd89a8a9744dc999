package apperr

import "net/http"

const defaultMessage = "Something went wrong. Please try again."

var messages = map[Kind]string{
	Unauthenticated:     "Please sign in to continue.",
	PermissionDenied:    "You don't have permission for this action.",
	InvalidArgument:     "Please check your input and try again.",
	RateLimited:         "Too many requests. Please wait a moment.",
	InsufficientCredits: "Not enough credits. Please top up.",
	MonthlyLimitReached: "Monthly lead limit reached. Upgrade for more.",
	DailyLimitReached:   "Daily message limit reached. Resets at midnight.",
	PreviewLimitReached: "Preview limit reached. Start your free trial!",
	AlreadyActivated:    "Your trial is already active!",
	AlreadyExists:       "You already belong to an organization.",
	NotFound:            "The requested item could not be found.",
	Unavailable:         "Service temporarily unavailable. Please try again.",
	Internal:            defaultMessage,
}

// Message returns the user-facing message for kind. It is defined for
// every value; unknown kinds get the generic message.
func Message(kind Kind) string {
	if m, ok := messages[kind]; ok {
		return m
	}
	return defaultMessage
}

// UserMessage is Message(KindOf(err)).
func UserMessage(err error) string {
	return Message(KindOf(err))
}

var statuses = map[Kind]int{
	Unauthenticated:     http.StatusUnauthorized,
	PermissionDenied:    http.StatusForbidden,
	InvalidArgument:     http.StatusBadRequest,
	RateLimited:         http.StatusTooManyRequests,
	InsufficientCredits: http.StatusPaymentRequired,
	MonthlyLimitReached: http.StatusTooManyRequests,
	DailyLimitReached:   http.StatusTooManyRequests,
	PreviewLimitReached: http.StatusTooManyRequests,
	AlreadyActivated:    http.StatusConflict,
	AlreadyExists:       http.StatusConflict,
	NotFound:            http.StatusNotFound,
	Unavailable:         http.StatusServiceUnavailable,
	Internal:            http.StatusInternalServerError,
}

// HTTPStatus maps kind to a response status code.
func HTTPStatus(kind Kind) int {
	if s, ok := statuses[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}
