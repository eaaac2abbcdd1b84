package clickhouse

import (
	"errors"
	"fmt"
)

// Result classifies one send attempt.
type Result int

const (
	// Success means ClickHouse accepted the whole chunk.
	Success Result = iota
	// Retryable means the same chunk should be sent again later.
	Retryable
	// Unrecoverable means the output should stop sending to this target.
	Unrecoverable
	// Dropped means the failure was logged and the chunk is considered handled.
	Dropped
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Unrecoverable:
		return "unrecoverable"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Outcome is the classified result of a send attempt.
type Outcome struct {
	Result Result
	// StatusCode is zero when no HTTP response was received.
	StatusCode int
	// Message is the response body, or the transport error text.
	Message string
	// Cause is set for failures that did not produce a response.
	Cause error
}

// Err returns nil for Success and Dropped, and a typed error otherwise.
func (o Outcome) Err() error {
	switch o.Result {
	case Retryable:
		return &RetryableError{StatusCode: o.StatusCode, Message: o.Message, Cause: o.Cause}
	case Unrecoverable:
		return &UnrecoverableError{StatusCode: o.StatusCode, Message: o.Message, Cause: o.Cause}
	default:
		return nil
	}
}

// ErrConfiguration marks failures that happen while validating the endpoint at startup.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError is returned by the startup health check.
type ConfigurationError struct {
	Msg   string
	Cause error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *ConfigurationError) Unwrap() []error { return []error{ErrConfiguration, e.Cause} }

// RetryableError signals that the chunk should be re-sent unchanged.
type RetryableError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *RetryableError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("clickhouse request failed: %v", e.Cause)
	}
	return fmt.Sprintf("Clickhouse responded %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// UnrecoverableError signals that further sends to this target should stop.
type UnrecoverableError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *UnrecoverableError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("clickhouse chunk rejected: %v", e.Cause)
	}
	return fmt.Sprintf("Clickhouse responded %d: %s", e.StatusCode, e.Message)
}

func (e *UnrecoverableError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err carries a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsUnrecoverable reports whether err carries an UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}
