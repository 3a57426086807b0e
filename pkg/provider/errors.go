// Package provider holds cross-cutting helpers shared by all external service
// adapters (VAD, STT, LLM, TTS, vision).
//
// Every adapter reports failures as *Error so that callers can tell a service
// that could not be reached apart from one that answered with an error:
//
//	if errors.Is(err, provider.ErrUnreachable) { ... }
//	if errors.Is(err, provider.ErrResponse) { ... }
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUnreachable marks failures where the service could not be contacted
	// at all: DNS, connection refused, TLS, or timeouts.
	ErrUnreachable = errors.New("provider: service unreachable")

	// ErrResponse marks failures where the service answered but the answer was
	// an error: non-2xx status, error body, or an undecodable payload.
	ErrResponse = errors.New("provider: service returned an error")
)

// Error is the typed error returned by adapters.
type Error struct {
	// Service names the adapter, e.g. "whisper" or "silero".
	Service string

	// StatusCode is the HTTP status when the failure came from a response.
	// Zero for transport failures and non-HTTP transports.
	StatusCode int

	// Err is the underlying cause.
	Err error

	kind error
}

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: service returned HTTP %d: %v", e.Service, e.StatusCode, e.Err)
	case e.kind == ErrUnreachable:
		return fmt.Sprintf("%s: service unreachable: %v", e.Service, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
}

// Unwrap exposes both the classification sentinel and the cause.
func (e *Error) Unwrap() []error {
	return []error{e.kind, e.Err}
}

// Unreachable wraps err as a transport failure of service.
func Unreachable(service string, err error) error {
	return &Error{Service: service, Err: err, kind: ErrUnreachable}
}

// Response wraps err as an error answer of service. status may be zero.
func Response(service string, status int, err error) error {
	return &Error{Service: service, StatusCode: status, Err: err, kind: ErrResponse}
}

// Classify wraps err as Unreachable when it looks like a transport failure and
// as Response otherwise. Context cancellation is returned unchanged so callers
// can still detect it with errors.Is. Errors already classified pass through.
func Classify(service string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return Unreachable(service, err)
	}
	return Response(service, 0, err)
}

// Kind returns "unreachable", "response", or "" for errors other than *Error.
// It is used as a metric and log attribute.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrResponse):
		return "response"
	}
	return ""
}
