// Package codec defines the wire form of tasks, values, and errors for
// execution backends that cross a process boundary (subprocess workers
// and remote workers). Everything travels as msgpack; errors travel as a
// structured record rather than a concrete Go type, because the receiving
// side can never assume the original error type is reconstructible.
package codec

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/gridflow/internal/task"
)

// SerializationError reports a task, argument, or result that cannot
// cross the execution boundary. It names the offending value so the
// caller can find it, instead of hanging or corrupting output.
type SerializationError struct {
	Key    task.Key
	What   string // "task", "argument", or "result"
	GoType string
	Cause  error
}

func (e *SerializationError) Error() string {
	msg := fmt.Sprintf("cannot serialize %s of %s: unsupported value of type %s", e.What, e.Key, e.GoType)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// WireKey is the transportable form of task.Key.
type WireKey struct {
	Name   string `msgpack:"name"`
	Part   int    `msgpack:"part"`
	Parted bool   `msgpack:"parted"`
}

// ToWireKey converts a key for transport.
func ToWireKey(k task.Key) WireKey {
	return WireKey{Name: k.Name, Part: k.Part, Parted: k.Parted}
}

// FromWireKey converts a transported key back.
func FromWireKey(w WireKey) task.Key {
	return task.Key{Name: w.Name, Part: w.Part, Parted: w.Parted}
}

// WireTask mirrors the task sum type for transport. Functions travel by
// registered name only.
type WireTask struct {
	Kind   uint8               `msgpack:"kind"`
	Value  any                 `msgpack:"value,omitempty"`
	Key    WireKey             `msgpack:"key,omitempty"`
	Fn     string              `msgpack:"fn,omitempty"`
	Args   []*WireTask         `msgpack:"args,omitempty"`
	Items  []*WireTask         `msgpack:"items,omitempty"`
	Fields map[string]*WireTask `msgpack:"fields,omitempty"`
}

// ToWireTask converts a task expression for transport. References must
// already be bound to literals (task.Bind); an unbound reference is a
// caller bug surfaced as an error.
func ToWireTask(k task.Key, t *task.Task) (*WireTask, error) {
	if t == nil {
		return nil, nil
	}
	switch t.Kind {
	case task.KindLiteral:
		if err := checkEncodable(t.Value); err != nil {
			return nil, &SerializationError{Key: k, What: "argument", GoType: fmt.Sprintf("%T", t.Value), Cause: err}
		}
		return &WireTask{Kind: uint8(t.Kind), Value: t.Value}, nil
	case task.KindRef:
		return &WireTask{Kind: uint8(t.Kind), Key: ToWireKey(t.Key)}, nil
	case task.KindCall:
		args := make([]*WireTask, len(t.Args))
		for i, a := range t.Args {
			w, err := ToWireTask(k, a)
			if err != nil {
				return nil, err
			}
			args[i] = w
		}
		return &WireTask{Kind: uint8(t.Kind), Fn: t.Fn, Args: args}, nil
	case task.KindList:
		items := make([]*WireTask, len(t.Items))
		for i, it := range t.Items {
			w, err := ToWireTask(k, it)
			if err != nil {
				return nil, err
			}
			items[i] = w
		}
		return &WireTask{Kind: uint8(t.Kind), Items: items}, nil
	case task.KindMap:
		fields := make(map[string]*WireTask, len(t.Fields))
		for name, f := range t.Fields {
			w, err := ToWireTask(k, f)
			if err != nil {
				return nil, err
			}
			fields[name] = w
		}
		return &WireTask{Kind: uint8(t.Kind), Fields: fields}, nil
	}
	return nil, fmt.Errorf("unknown task kind %d", t.Kind)
}

// FromWireTask rebuilds a task expression on the receiving side.
func FromWireTask(w *WireTask) *task.Task {
	if w == nil {
		return nil
	}
	switch task.Kind(w.Kind) {
	case task.KindLiteral:
		return task.Literal(w.Value)
	case task.KindRef:
		return task.Ref(FromWireKey(w.Key))
	case task.KindCall:
		args := make([]*task.Task, len(w.Args))
		for i, a := range w.Args {
			args[i] = FromWireTask(a)
		}
		return task.Call(w.Fn, args...)
	case task.KindList:
		items := make([]*task.Task, len(w.Items))
		for i, it := range w.Items {
			items[i] = FromWireTask(it)
		}
		return task.List(items...)
	case task.KindMap:
		fields := make(map[string]*task.Task, len(w.Fields))
		for name, f := range w.Fields {
			fields[name] = FromWireTask(f)
		}
		return task.MapOf(fields)
	}
	return nil
}

// WireError is the structured error record crossing the boundary: the
// original type name, its message, and the remote stack trace as text.
type WireError struct {
	Type      string `msgpack:"type"`
	Message   string `msgpack:"message"`
	Traceback string `msgpack:"traceback,omitempty"`
}

// ToWireError captures an error for transport.
func ToWireError(err error, traceback string) *WireError {
	if err == nil {
		return nil
	}
	return &WireError{Type: fmt.Sprintf("%T", err), Message: err.Error(), Traceback: traceback}
}

// RemoteError is the local reconstruction of a WireError. The original
// message is preserved verbatim; the remote traceback rides along for
// diagnostics.
type RemoteError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// AsError converts a received record into a local error value.
func (w *WireError) AsError() error {
	if w == nil {
		return nil
	}
	return &RemoteError{Type: w.Type, Message: w.Message, Traceback: w.Traceback}
}

// TaskFrame is one unit of work sent to a worker. References inside Task
// are already bound to literal values.
type TaskFrame struct {
	Key  WireKey   `msgpack:"key"`
	Task *WireTask `msgpack:"task"`
}

// ResultFrame is a worker's answer for one key.
type ResultFrame struct {
	Key   WireKey    `msgpack:"key"`
	Value any        `msgpack:"value,omitempty"`
	Err   *WireError `msgpack:"err,omitempty"`
}

// EncodeTaskFrame serializes a bound task for a worker, attributing any
// serialization failure to the offending value.
func EncodeTaskFrame(k task.Key, bound *task.Task) ([]byte, error) {
	wt, err := ToWireTask(k, bound)
	if err != nil {
		return nil, err
	}
	buf, err := msgpack.Marshal(&TaskFrame{Key: ToWireKey(k), Task: wt})
	if err != nil {
		return nil, &SerializationError{Key: k, What: "task", GoType: fmt.Sprintf("%T", bound), Cause: err}
	}
	return buf, nil
}

// DecodeTaskFrame deserializes a unit of work on the worker side.
func DecodeTaskFrame(data []byte) (*TaskFrame, error) {
	var f TaskFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed task frame: %w", err)
	}
	return &f, nil
}

// EncodeResultFrame serializes a worker's answer. An unencodable result
// value degrades into an encodable serialization error so the scheduler
// always hears back.
func EncodeResultFrame(k task.Key, value any, taskErr *WireError) ([]byte, error) {
	if taskErr == nil {
		if err := checkEncodable(value); err != nil {
			taskErr = ToWireError(&SerializationError{
				Key: k, What: "result", GoType: fmt.Sprintf("%T", value), Cause: err,
			}, "")
			value = nil
		}
	}
	return msgpack.Marshal(&ResultFrame{Key: ToWireKey(k), Value: value, Err: taskErr})
}

// DecodeResultFrame deserializes a worker's answer on the scheduler side.
func DecodeResultFrame(data []byte) (*ResultFrame, error) {
	var f ResultFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed result frame: %w", err)
	}
	return &f, nil
}

// checkEncodable rejects values msgpack cannot represent, recursively for
// containers, so the error names the value instead of surfacing as an
// opaque marshal failure mid-dispatch.
func checkEncodable(v any) error {
	if v == nil {
		return nil
	}
	return checkEncodableValue(reflect.ValueOf(v))
}

func checkEncodableValue(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Errorf("%s values cannot cross an execution boundary", rv.Kind())
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return checkEncodableValue(rv.Elem())
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := checkEncodableValue(rv.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if err := checkEncodableValue(iter.Key()); err != nil {
				return err
			}
			if err := checkEncodableValue(iter.Value()); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if !rv.Type().Field(i).IsExported() {
				continue
			}
			if err := checkEncodableValue(rv.Field(i)); err != nil {
				return err
			}
		}
	}
	return nil
}
