// Package xrpc holds the error taxonomy and wire envelope shared by the PDS
// client, the Watcher, the Orchestrator, and the Gateway. None of these
// kinds are ever surfaced to a client as a stack trace (spec.md §7).
package xrpc

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is one of the taxonomy entries from spec.md §7.
type Kind string

const (
	KindMethodNotFound       Kind = "MethodNotFound"
	KindInvalidRequest       Kind = "InvalidRequest"
	KindMethodMismatch       Kind = "MethodMismatch"
	KindUnsupportedTransport Kind = "UnsupportedTransport"
	KindServiceUnavailable   Kind = "ServiceUnavailable"
	KindUpstreamFailure      Kind = "UpstreamFailure"
	KindUpstreamTimeout      Kind = "UpstreamTimeout"
	KindUnsupportedExpr      Kind = "UnsupportedExpression"
	KindDeployValidation     Kind = "DeployValidationError"
	KindStorageError         Kind = "StorageError"
	KindInternalServerError  Kind = "InternalServerError"
	KindResolutionError      Kind = "ResolutionError"
	KindNotFound             Kind = "NotFound"
)

// Status returns the HTTP status code mirroring the kind, per spec.md §7/§6.
func (k Kind) Status() int {
	switch k {
	case KindMethodNotFound, KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindMethodMismatch:
		return http.StatusMethodNotAllowed
	case KindUnsupportedTransport:
		return http.StatusNotImplemented
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamFailure, KindResolutionError:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUnsupportedExpr:
		return http.StatusBadRequest
	case KindDeployValidation:
		return http.StatusBadRequest
	case KindStorageError, KindInternalServerError:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Error is a taxonomy-tagged error. It wraps an underlying cause without
// leaking it verbatim to clients; Message is the client-visible text.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a taxonomy error with no wrapped cause.
func New(k Kind, message string) *Error {
	return &Error{Kind: k, Message: message}
}

// Wrap attaches a taxonomy kind to an existing error, preserving it as the
// cause via pkg/errors so call sites further up still see the chain.
func Wrap(k Kind, cause error, message string) *Error {
	return &Error{Kind: k, Message: message, cause: errors.Wrap(cause, message)}
}

// As extracts a taxonomy Error from err, or returns a generic
// InternalServerError wrapping err if it doesn't carry one.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternalServerError, Message: "internal error", cause: err}
}

// Envelope is the {error, message} JSON body every HTTP response uses.
type Envelope struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Envelope() Envelope {
	return Envelope{Error: e.Kind, Message: e.Message}
}
