package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dshills/ctxengine/pkg/types"
)

// ErrorKind classifies provider failures
type ErrorKind string

const (
	KindUnreachable ErrorKind = "unreachable"
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
	KindServer      ErrorKind = "server"
	KindBadRequest  ErrorKind = "bad_request"
)

// ProviderError is a failed embedding call
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == types.ErrProvider
}

// Transient reports whether retrying may succeed
func (e *ProviderError) Transient() bool {
	switch e.Kind {
	case KindUnreachable, KindRateLimited, KindServer:
		return true
	}
	return false
}

// kindForStatus maps an HTTP status to an error kind
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServer
	default:
		return KindBadRequest
	}
}

// isTransient is the retry classifier for embedding calls
func isTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
