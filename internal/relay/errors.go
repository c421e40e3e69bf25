package relay

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/whisper/relay/internal/ratelimit"
)

// Kind classifies a relay failure for callers and transports.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnauthorized covers missing, unknown and mismatched tokens alike.
	KindUnauthorized
	// KindValidation is malformed or empty input.
	KindValidation
	// KindRejected is a policy conflict such as a concurrent login.
	KindRejected
	// KindNotFound is a soft miss on state that must already exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Rejection reasons reported to callers.
const (
	ReasonAlreadyActive = "already active"
	ReasonBadPassword   = "bad password"
	ReasonRateLimited   = "rate limited"
	ReasonBlocked       = "blocked content"
)

// Error is the typed failure returned by every Service operation.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
	// RetryAfter is set on rate-limit rejections to the window of the
	// rule that denied the request.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return "relay: " + e.Kind.String()
	}
	return fmt.Sprintf("relay: %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Reason when the target carries one, so that
// errors.Is(err, ErrRejected) and errors.Is(err, ErrAlreadyActive) both hold.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrRejected     = &Error{Kind: KindRejected}
	ErrNotFound     = &Error{Kind: KindNotFound}

	ErrAlreadyActive = &Error{Kind: KindRejected, Reason: ReasonAlreadyActive}
	ErrBadPassword   = &Error{Kind: KindRejected, Reason: ReasonBadPassword}
	ErrRateLimited   = &Error{Kind: KindRejected, Reason: ReasonRateLimited}
	ErrBlocked       = &Error{Kind: KindRejected, Reason: ReasonBlocked}
)

// KindOf returns the Kind of err, or KindUnknown if err is not a relay error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// RetryAfter returns how long the caller should back off after err, or
// zero if err is not a rate-limit rejection.
func RetryAfter(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) && re.Reason == ReasonRateLimited {
		return re.RetryAfter
	}
	return 0
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds, at least one.
func RetryAfterSeconds(err error) int {
	n := int((RetryAfter(err) + time.Second - 1) / time.Second)
	if n < 1 {
		return 1
	}
	return n
}

func rateLimited(rule ratelimit.Rule) error {
	return &Error{Kind: KindRejected, Reason: ReasonRateLimited, RetryAfter: rule.Window}
}

func validationError(err error) error {
	return &Error{Kind: KindValidation, Reason: err.Error(), Err: err}
}

func invalid(reason string) error {
	return &Error{Kind: KindValidation, Reason: reason}
}
