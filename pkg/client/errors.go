package client

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	// KindRateLimited is a quota rejection (429). Retryable; starts a cooldown.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTransient is a 5xx response or a network/timeout error. Retryable.
	KindTransient ErrorKind = "transient"

	// KindProtocol is a malformed response body. Retryable like KindTransient.
	KindProtocol ErrorKind = "protocol"

	// KindAuth is a 401/403. Never retried; fatal to the whole run.
	KindAuth ErrorKind = "auth"

	// KindClient is any other 4xx. Not retried; fatal to the term only.
	KindClient ErrorKind = "client"
)

// Sentinel errors matching each kind via errors.Is.
var (
	ErrRateLimited = errors.New("search: rate limited")
	ErrTransient   = errors.New("search: transient failure")
	ErrProtocol    = errors.New("search: malformed response")
	ErrAuth        = errors.New("search: authentication rejected")
	ErrClient      = errors.New("search: request rejected")
)

// FetchError is the error returned by Client.Fetch for every failed call.
type FetchError struct {
	Kind       ErrorKind
	Term       string
	StatusCode int
	Message    string

	// RetryAfter is the quota cooldown applied for KindRateLimited.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("search %s error for %q", e.Kind, e.Term)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the error's kind.
func (e *FetchError) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(kind ErrorKind) error {
	switch kind {
	case KindRateLimited:
		return ErrRateLimited
	case KindTransient:
		return ErrTransient
	case KindProtocol:
		return ErrProtocol
	case KindAuth:
		return ErrAuth
	case KindClient:
		return ErrClient
	default:
		return nil
	}
}

// KindOf returns the kind of a fetch error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether the caller should retry after err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient, KindProtocol:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return KindOf(err) == KindAuth
}
