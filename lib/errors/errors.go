// Package errors collects the error taxonomy used to translate internal
// failures into the wire-level {ok:false, error:...} responses, plus the
// AggregateError helper that the worker pool uses to merge the termination
// errors of the workers it tears down at shutdown (kept from the teacher's
// forwarder package, which used it to merge client->upstream and
// upstream->client copy errors).
package errors

import "fmt"

type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if e == nil {
		return fmt.Sprintf("AggregateError: nil")
	}
	return fmt.Sprintf("AggregateError: %v", e.Errors)
}

// AggregateErrorFromChannel gathers non-nil error values (if any)
// from the given channel and bundles them into an AggregateError.
// The channel must contain some finite number of errors and be closed.
// If no errors are read from the channel, nil is returned.
func AggregateErrorFromChannel(errorchan <-chan error) error {
	errs := make([]error, 0)
	for err := range errorchan {
		if err == nil {
			continue
		}
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return &AggregateError{Errors: errs}
	}
	return nil
}

// Kind classifies a failure per spec section 7, so that callers at the
// Dispatcher/Listener boundary can decide how to respond without needing to
// inspect error strings.
type Kind string

const (
	KindFraming      Kind = "framing"
	KindDecode       Kind = "decode"
	KindWorkerIO     Kind = "worker_io"
	KindWorkerCrash  Kind = "worker_crash"
	KindTimeout      Kind = "timeout"
	KindShutdown     Kind = "shutdown"
	KindOverCapacity Kind = "over_capacity"
)

// TaskError is a classified failure that is always convertible into a
// {ok:false, error:...} response; it never unwinds past the Dispatcher
// boundary (spec section 7).
type TaskError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}

func newTaskError(kind Kind, message string, cause error) *TaskError {
	return &TaskError{Kind: kind, Message: message, Cause: cause}
}

func Framing(message string, cause error) *TaskError {
	return newTaskError(KindFraming, message, cause)
}

func Decode(message string, cause error) *TaskError {
	return newTaskError(KindDecode, message, cause)
}

func WorkerIO(message string, cause error) *TaskError {
	return newTaskError(KindWorkerIO, message, cause)
}

func WorkerCrash(message string, cause error) *TaskError {
	return newTaskError(KindWorkerCrash, message, cause)
}

// Timeout builds the synthesized timeout failure described in spec section 4.5.
func Timeout(timeoutMs int64) *TaskError {
	return newTaskError(KindTimeout, fmt.Sprintf("task timed out after %d ms", timeoutMs), nil)
}

// Shutdown builds the synthesized shutdown failure described in spec section 4.6.
func Shutdown() *TaskError {
	return newTaskError(KindShutdown, "daemon shutting down", nil)
}

func OverCapacity() *TaskError {
	return newTaskError(KindOverCapacity, "daemon overloaded", nil)
}
