package pgcluster

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the root of every error caused by invalid settings.
// Such errors are returned only by constructors and are fatal for the
// pool or detector being built.
var ErrConfiguration = errors.New("invalid configuration")

// ClientError is an error produced by this client, i.e. connection
// failures, timeouts or an overloaded pool.
type ClientError struct {
	Code uint32
	Msg  string
	// Err is the underlying cause, if any.
	Err error
}

// Error converts a ClientError to a string.
func (clierr ClientError) Error() string {
	if clierr.Err != nil {
		return fmt.Sprintf("%s (0x%x): %s", clierr.Msg, clierr.Code, clierr.Err)
	}
	return fmt.Sprintf("%s (0x%x)", clierr.Msg, clierr.Code)
}

// Unwrap returns the underlying cause.
func (clierr ClientError) Unwrap() error {
	return clierr.Err
}

// Temporary returns true if next attempt to perform request may succeeded.
//
// Currently it returns true when:
//
// - a new connection could not be established or timed out
//
// - the pool had no free connection before the deadline
func (clierr ClientError) Temporary() bool {
	switch clierr.Code {
	case ErrConnectFailed, ErrConnectTimeout, ErrPoolOverloaded:
		return true
	default:
		return false
	}
}

// Client error codes.
const (
	ErrConnectFailed       = 0x4000 + iota
	ErrConnectTimeout      = 0x4000 + iota
	ErrPoolOverloaded      = 0x4000 + iota
	ErrPoolClosed          = 0x4000 + iota
	ErrProbeTimeout        = 0x4000 + iota
	ErrProbeFailed         = 0x4000 + iota
	ErrTransactionFinished = 0x4000 + iota
)

// NewClientError creates a ClientError with the code and a cause.
func NewClientError(code uint32, msg string, cause error) ClientError {
	return ClientError{Code: code, Msg: msg, Err: cause}
}

// IsClientError reports whether any error in err's chain is a ClientError
// with the code.
func IsClientError(err error, code uint32) bool {
	var clierr ClientError
	if !errors.As(err, &clierr) {
		return false
	}
	return clierr.Code == code
}
