package pool

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridflow/internal/codec"
	"github.com/vk/gridflow/internal/executor"
	"github.com/vk/gridflow/internal/task"
)

func builtinRegistry() *task.Registry {
	reg := task.NewRegistry()
	task.Builtins{}.Register(reg)
	return reg
}

func TestSyncRunsInline(t *testing.T) {
	s := NewSync()
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	var got executor.Completion
	s.Exec(context.Background(), executor.Invocation{
		Key:      task.K("x"),
		Bound:    task.Call("add", task.Literal(1), task.Literal(2)),
		Registry: builtinRegistry(),
	}, func(c executor.Completion) { got = c })

	require.NoError(t, got.Err)
	assert.Equal(t, 3.0, got.Value)
	assert.Equal(t, task.K("x"), got.Key)
	assert.False(t, got.Finished.Before(got.Started))
}

func TestThreadsRunsConcurrently(t *testing.T) {
	p := NewThreads(4)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()
	assert.Equal(t, 4, p.NumWorkers())

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[task.Key]any)
	for _, k := range []task.Key{task.K("a"), task.K("b"), task.K("c")} {
		wg.Add(1)
		p.Exec(context.Background(), executor.Invocation{
			Key:      k,
			Bound:    task.Call("concat", task.Literal(k.Name), task.Literal("!")),
			Registry: builtinRegistry(),
		}, func(c executor.Completion) {
			mu.Lock()
			results[c.Key] = c.Value
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, "a!", results[task.K("a")])
	assert.Equal(t, "c!", results[task.K("c")])
}

func TestEvalInvocationContainsPanic(t *testing.T) {
	reg := builtinRegistry()
	reg.Register("explode", func(ctx context.Context, args []any) (any, error) {
		panic("boom")
	})
	c := evalInvocation(context.Background(), executor.Invocation{
		Key:      task.K("p"),
		Bound:    task.Call("explode"),
		Registry: reg,
	})
	require.Error(t, c.Err)
	assert.Contains(t, c.Err.Error(), "panic: boom")
	assert.Nil(t, c.Value)
}

func TestManagerCachesByConfig(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, Config{Kind: "threads", Workers: 2})
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, Config{Kind: "threads", Workers: 2})
	require.NoError(t, err)
	assert.Same(t, a.(*Threads), b.(*Threads), "same config reuses the pool")

	c, err := m.GetOrCreate(ctx, Config{Kind: "threads", Workers: 3})
	require.NoError(t, err)
	assert.NotSame(t, a.(*Threads), c.(*Threads))

	_, err = m.GetOrCreate(ctx, Config{Kind: "fibers"})
	assert.Error(t, err)
}

// stdioPipe runs ServeStdio over in-memory pipes and returns framed
// reader/writer handles plus a wait function.
func stdioPipe(t *testing.T, reg *task.Registry) (io.Writer, *bufio.Reader, func() error) {
	t.Helper()
	toWorker, fromTest := io.Pipe()
	fromWorker, toTest := io.Pipe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServeStdio(context.Background(), reg, toWorker, toTest)
	}()
	t.Cleanup(func() {
		fromTest.Close()
		fromWorker.Close()
	})
	return fromTest, bufio.NewReader(fromWorker), func() error {
		fromTest.Close()
		return <-errCh
	}
}

func TestServeStdioRoundTrip(t *testing.T) {
	in, out, wait := stdioPipe(t, builtinRegistry())

	frame, err := codec.EncodeTaskFrame(task.K("w"), task.Call("mul", task.Literal(6), task.Literal(7)))
	require.NoError(t, err)
	require.NoError(t, writeFrame(in, frame))

	data, err := readFrame(out)
	require.NoError(t, err)
	res, err := codec.DecodeResultFrame(data)
	require.NoError(t, err)
	require.Nil(t, res.Err)
	assert.EqualValues(t, 42, res.Value)

	assert.NoError(t, wait(), "EOF is a clean shutdown")
}

func TestServeStdioReportsTaskErrors(t *testing.T) {
	in, out, wait := stdioPipe(t, builtinRegistry())

	frame, err := codec.EncodeTaskFrame(task.K("bad"), task.Call("inc", task.Literal("zzz")))
	require.NoError(t, err)
	require.NoError(t, writeFrame(in, frame))

	data, err := readFrame(out)
	require.NoError(t, err)
	res, err := codec.DecodeResultFrame(data)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "expected a number")

	assert.NoError(t, wait())
}

func TestEvalTaskFrameCatchesPanics(t *testing.T) {
	reg := builtinRegistry()
	reg.Register("kaboom", func(ctx context.Context, args []any) (any, error) {
		panic("worker down")
	})

	data, err := codec.EncodeTaskFrame(task.K("k"), task.Call("kaboom"))
	require.NoError(t, err)
	frame, err := codec.DecodeTaskFrame(data)
	require.NoError(t, err)

	resp, err := EvalTaskFrame(context.Background(), reg, frame)
	require.NoError(t, err)
	res, err := codec.DecodeResultFrame(resp)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "worker down")
	assert.NotEmpty(t, res.Err.Traceback, "the worker forwards its stack")
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}
