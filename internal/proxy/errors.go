package proxy

import (
	"errors"
	"fmt"

	"pwn-gpsd/internal/upstream"
)

// Process exit codes. A supervisor can tell fatal conditions apart without parsing logs.
const (
	ExitOK                = 0
	ExitConfig            = 1
	ExitUpstreamClosed    = 10
	ExitUpstreamMalformed = 11
	ExitClientError       = 12
	ExitListenExhausted   = 13
)

// FatalError stops the proxy loop. Code is the process exit code.
type FatalError struct {
	Code int
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal (exit %d): %v", e.Code, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(code int, err error) *FatalError {
	return &FatalError{Code: code, Err: err}
}

// upstreamFatal classifies an upstream failure.
func upstreamFatal(err error) *FatalError {
	if errors.Is(err, upstream.ErrMalformed) {
		return fatal(ExitUpstreamMalformed, err)
	}
	return fatal(ExitUpstreamClosed, err)
}

// ExitCode maps an error returned by Run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ExitClientError
}
