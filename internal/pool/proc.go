package pool

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/gridflow/internal/codec"
	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/executor"
	"github.com/vk/gridflow/internal/task"
)

// Processes runs invocations in worker subprocesses. Each worker is this
// binary re-executed in stdio worker mode, speaking length-prefixed
// msgpack frames on stdin/stdout, so task expressions, arguments, and
// results all have to survive serialization. A value that cannot is
// reported as a codec.SerializationError before dispatch, never a hang.
type Processes struct {
	n    int
	argv []string

	mu      sync.Mutex
	workers []*procWorker
	idle    chan *procWorker
	group   *errgroup.Group
	started bool
}

// procWorker is one subprocess and its framed pipes.
type procWorker struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader
	mu  sync.Mutex
}

// NewProcesses creates a subprocess-backed runner. workerCmd overrides
// the executable to spawn; empty re-executes the current binary with the
// stdio worker flag.
func NewProcesses(n int, workerCmd string) *Processes {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Processes{n: n, argv: workerArgv(workerCmd)}
}

func workerArgv(workerCmd string) []string {
	if workerCmd != "" {
		return []string{workerCmd, "-worker-stdio"}
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return []string{exe, "-worker-stdio"}
}

// NumWorkers implements executor.Runner.
func (p *Processes) NumWorkers() int { return p.n }

// Start implements executor.Runner by spawning the worker subprocesses.
func (p *Processes) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	p.idle = make(chan *procWorker, p.n)
	p.group = &errgroup.Group{}
	for i := 0; i < p.n; i++ {
		cmd := exec.Command(p.argv[0], p.argv[1:]...)
		cmd.Stderr = os.Stderr
		in, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("worker %d stdin: %w", i, err)
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("worker %d stdout: %w", i, err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("spawning worker %d: %w", i, err)
		}
		logger.Debug("Process worker spawned.", "worker", i, "pid", cmd.Process.Pid)
		w := &procWorker{cmd: cmd, in: in, out: bufio.NewReader(out)}
		p.workers = append(p.workers, w)
		p.idle <- w
		p.group.Go(func() error {
			// workers exit zero once stdin reaches EOF during shutdown
			return cmd.Wait()
		})
	}
	p.started = true
	return nil
}

// Exec implements executor.Runner. Serialization failures complete the
// invocation immediately; otherwise an idle worker handles the round
// trip.
func (p *Processes) Exec(ctx context.Context, inv executor.Invocation, done func(executor.Completion)) {
	started := time.Now()
	frame, err := codec.EncodeTaskFrame(inv.Key, inv.Bound)
	if err != nil {
		done(executor.Completion{Key: inv.Key, Err: err, Started: started, Finished: time.Now()})
		return
	}
	go func() {
		var w *procWorker
		select {
		case w = <-p.idle:
		case <-ctx.Done():
			done(executor.Completion{Key: inv.Key, Err: ctx.Err(), Started: started, Finished: time.Now()})
			return
		}
		value, taskErr := w.roundTrip(frame)
		p.idle <- w
		done(executor.Completion{Key: inv.Key, Value: value, Err: taskErr, Started: started, Finished: time.Now()})
	}()
}

// roundTrip writes one task frame and reads one result frame.
func (w *procWorker) roundTrip(frame []byte) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := writeFrame(w.in, frame); err != nil {
		return nil, fmt.Errorf("writing to worker: %w", err)
	}
	data, err := readFrame(w.out)
	if err != nil {
		return nil, fmt.Errorf("reading from worker: %w", err)
	}
	res, err := codec.DecodeResultFrame(data)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err.AsError()
	}
	return res.Value, nil
}

// Close implements executor.Runner: close stdins so workers exit on EOF,
// then wait for them.
func (p *Processes) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	for _, w := range p.workers {
		_ = w.in.Close()
	}
	err := p.group.Wait()
	p.workers = nil
	p.started = false
	return err
}

// ServeStdio is the worker side of the subprocess protocol: read task
// frames until EOF, evaluate each against the registry, answer with
// result frames. A panicking task body answers with a structured error
// record carrying this process's stack as the remote traceback.
func ServeStdio(ctx context.Context, reg *task.Registry, in io.Reader, out io.Writer) error {
	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	for {
		data, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		frame, err := codec.DecodeTaskFrame(data)
		if err != nil {
			return err
		}
		resp, err := EvalTaskFrame(ctx, reg, frame)
		if err != nil {
			return err
		}
		if err := writeFrame(w, resp); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// EvalTaskFrame evaluates one decoded unit of work and encodes the
// answer. Both the stdio workers and the remote workers funnel through
// here, so the two boundaries report failures identically.
func EvalTaskFrame(ctx context.Context, reg *task.Registry, frame *codec.TaskFrame) ([]byte, error) {
	key := codec.FromWireKey(frame.Key)
	value, wireErr := evalForWire(ctx, key, codec.FromWireTask(frame.Task), reg)
	return codec.EncodeResultFrame(key, value, wireErr)
}

// evalForWire evaluates one task, catching panics into an error record.
func evalForWire(ctx context.Context, key task.Key, t *task.Task, reg *task.Registry) (value any, wireErr *codec.WireError) {
	defer func() {
		if v := recover(); v != nil {
			wireErr = &codec.WireError{
				Type:      "panic",
				Message:   fmt.Sprintf("task %s panicked: %v", key, v),
				Traceback: string(debug.Stack()),
			}
			value = nil
		}
	}()
	v, err := task.Eval(ctx, t, reg, nil)
	if err != nil {
		return nil, codec.ToWireError(err, "")
	}
	return v, nil
}

// writeFrame emits one length-prefixed frame.
func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
