package shuttle

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrRuntimeMisuse reports a programmer error against the runtime
	// capability: selecting a runtime twice, or after first use. Fatal,
	// never retried.
	ErrRuntimeMisuse = errors.New("runtime capability already selected or in use")

	// ErrPoolExhausted reports that an origin is at its connection limit
	// with no idle connection available.
	ErrPoolExhausted = errors.New("connection pool exhausted for origin")
)

// ConnectError wraps a failure to establish a TCP connection to an origin.
type ConnectError struct {
	Origin Origin
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s", e.Origin, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TLSHandshakeError wraps a failure to upgrade a connection to TLS.
type TLSHandshakeError struct {
	Origin Origin
	Err    error
}

func (e *TLSHandshakeError) Error() string {
	return fmt.Sprintf("tls handshake %s: %s", e.Origin, e.Err)
}

func (e *TLSHandshakeError) Unwrap() error { return e.Err }

// ProtocolMismatchError reports that a forced protocol version is
// incompatible with what ALPN negotiated.
type ProtocolMismatchError struct {
	Want Proto
	Got  Proto
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("protocol mismatch: forced %s but negotiated %s", e.Want, e.Got)
}

// TimeoutError reports that a pipeline phase exceeded its deadline. The
// connection involved is discarded, never pooled.
type TimeoutError struct {
	Phase string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %s", e.Phase, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout implements the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// RedirectError reports a redirect chain exceeding the configured bound.
type RedirectError struct {
	Count int
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("too many redirects (%d)", e.Count)
}

// DecodeError reports a body decoding failure. Chunks delivered before the
// failure remain valid; subsequent reads keep returning the error.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AsTimeout maps deadline expiry, whether it surfaced through the context
// or through an I/O deadline, to a TimeoutError for the given phase,
// passing every other error through.
func AsTimeout(phase string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &TimeoutError{Phase: phase, Err: err}
	}
	return err
}
