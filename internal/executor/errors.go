package executor

import (
	"errors"
	"fmt"

	"github.com/vk/gridflow/internal/codec"
	"github.com/vk/gridflow/internal/task"
)

// TaskError wraps a failure raised by a task body. The original error is
// preserved (or reconstructed from a structured record, when the task ran
// across an execution boundary); RemoteTraceback carries the far side's
// stack as text when one was forwarded.
type TaskError struct {
	Key             task.Key
	Cause           error
	RemoteTraceback string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Key, e.Cause)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// CancelError reports that an external stop signal ended the run. It is a
// distinct kind from task errors: nothing failed, the caller asked to
// stop.
type CancelError struct {
	Cause error
}

func (e *CancelError) Error() string {
	if e.Cause == nil {
		return "execution canceled"
	}
	return fmt.Sprintf("execution canceled: %v", e.Cause)
}

func (e *CancelError) Unwrap() error { return e.Cause }

// CallbackError reports a callback that panicked. The executor contains
// the panic so its own state stays consistent, then surfaces this to the
// caller of Run.
type CallbackError struct {
	Hook  string
	Value any
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback panicked: %v", e.Hook, e.Value)
}

// wrapTaskErr normalizes a completion error. Structural serialization
// errors pass through unwrapped; remote errors contribute their forwarded
// traceback.
func wrapTaskErr(k task.Key, err error) error {
	var serr *codec.SerializationError
	if errors.As(err, &serr) {
		return err
	}
	te := &TaskError{Key: k, Cause: err}
	var rerr *codec.RemoteError
	if errors.As(err, &rerr) {
		te.RemoteTraceback = rerr.Traceback
	}
	return te
}
