package completion

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/prompt"
)

// Kind classifies a failed completion.
type Kind string

const (
	// KindTransientNetwork covers connection problems, timeouts and upstream overload.
	// The same payload may be retried.
	KindTransientNetwork Kind = "transient_network"
	// KindUpstreamRejected means the backend refused the request (quota, invalid request).
	// Retrying the same payload will not help.
	KindUpstreamRejected Kind = "upstream_rejected"
	// KindMalformedResponse means the backend answered without usable text.
	KindMalformedResponse Kind = "malformed_response"
)

// Result is a successful completion.
type Result struct {
	Text string
}

// Error is a classified completion failure.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the failure kind from err. Unclassified errors count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransientNetwork
}

// IsRetryable reports whether the failure may be retried with the same payload.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransientNetwork
}

// Client submits one prompt to the generative backend. Implementations never touch
// conversation history.
type Client interface {
	Complete(ctx context.Context, req prompt.Request) (Result, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req prompt.Request) (Result, error)

func (f ClientFunc) Complete(ctx context.Context, req prompt.Request) (Result, error) {
	return f(ctx, req)
}
