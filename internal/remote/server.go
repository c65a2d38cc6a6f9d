// Package remote is the distributed execution backend: a scheduler-side
// socket.io server that remote worker processes register against, and the
// worker-side client loop. It implements the same Runner contract as the
// local pools, so the executor's failure policy and release semantics
// hold unchanged when task bodies run on other machines.
//
// This is a reference implementation of the interface boundary, not a
// fault-tolerant cluster scheduler: a worker that disconnects fails its
// in-flight keys, and the run's normal failure policy takes over.
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zishang520/engine.io/v2/types"
	sio "github.com/zishang520/socket.io/v2/socket"

	"github.com/vk/gridflow/internal/codec"
	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/executor"
	"github.com/vk/gridflow/internal/task"
)

// slot is one unit of registered worker capacity.
type slot struct {
	client *sio.Socket
}

// pendingTask tracks one dispatched key until its result event arrives.
type pendingTask struct {
	done    func(executor.Completion)
	slot    *slot
	started time.Time
}

// Server is the scheduler side of the distributed backend.
type Server struct {
	addr string

	httpServer *types.HttpServer
	io         *sio.Server

	mu       sync.Mutex
	capacity int
	idle     chan *slot
	pending  map[task.Key]*pendingTask
	started  bool
}

// NewServer creates a distributed runner listening on addr
// (host:port).
func NewServer(addr string) *Server {
	return &Server{
		addr:    addr,
		idle:    make(chan *slot, 1024),
		pending: make(map[task.Key]*pendingTask),
	}
}

// NumWorkers implements executor.Runner. Capacity grows as workers
// register; before any registration it reports one so the scheduling
// loop has something to wait on.
func (s *Server) NumWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity < 1 {
		return 1
	}
	return s.capacity
}

// Start implements executor.Runner: listen and wait for the first worker
// registration.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	registered := make(chan struct{}, 1)

	s.httpServer = types.NewWebServer(nil)
	s.io = sio.NewServer(s.httpServer, nil)
	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*sio.Socket)
		logger.Debug("Worker connected.", "sid", client.Id())

		client.On("register", func(args ...any) {
			n := 1
			if len(args) > 0 {
				n = asInt(args[0])
			}
			if n < 1 {
				n = 1
			}
			s.mu.Lock()
			s.capacity += n
			s.mu.Unlock()
			for i := 0; i < n; i++ {
				s.idle <- &slot{client: client}
			}
			logger.Info("Worker registered.", "sid", client.Id(), "slots", n)
			select {
			case registered <- struct{}{}:
			default:
			}
		})

		client.On("result", func(args ...any) {
			if len(args) == 0 {
				return
			}
			data, ok := asBytes(args[0])
			if !ok {
				logger.Warn("Discarding malformed result event.", "sid", client.Id())
				return
			}
			s.handleResult(data)
		})

		client.On("disconnect", func(...any) {
			s.failClient(client, fmt.Errorf("worker %s disconnected", client.Id()))
		})
	})

	s.httpServer.Listen(s.addr, nil)
	logger.Info("Distributed scheduler listening.", "addr", s.addr)

	select {
	case <-registered:
		return nil
	case <-ctx.Done():
		return &executor.CancelError{Cause: ctx.Err()}
	}
}

// Exec implements executor.Runner: serialize the bound task and hand it
// to the next idle worker slot.
func (s *Server) Exec(ctx context.Context, inv executor.Invocation, done func(executor.Completion)) {
	started := time.Now()
	frame, err := codec.EncodeTaskFrame(inv.Key, inv.Bound)
	if err != nil {
		done(executor.Completion{Key: inv.Key, Err: err, Started: started, Finished: time.Now()})
		return
	}
	go func() {
		var sl *slot
		select {
		case sl = <-s.idle:
		case <-ctx.Done():
			done(executor.Completion{Key: inv.Key, Err: ctx.Err(), Started: started, Finished: time.Now()})
			return
		}
		s.mu.Lock()
		s.pending[inv.Key] = &pendingTask{done: done, slot: sl, started: started}
		s.mu.Unlock()
		sl.client.Emit("task", frame)
	}()
}

// handleResult completes the pending key a result frame answers.
func (s *Server) handleResult(data []byte) {
	res, err := codec.DecodeResultFrame(data)
	if err != nil {
		return
	}
	key := codec.FromWireKey(res.Key)
	s.mu.Lock()
	p, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.idle <- p.slot
	c := executor.Completion{Key: key, Value: res.Value, Started: p.started, Finished: time.Now()}
	if res.Err != nil {
		c.Err = res.Err.AsError()
		c.Value = nil
	}
	p.done(c)
}

// failClient fails every pending key assigned to a departed worker and
// retires its idle slots.
func (s *Server) failClient(client *sio.Socket, cause error) {
	s.mu.Lock()
	var failed []*pendingTask
	var keys []task.Key
	for k, p := range s.pending {
		if p.slot.client == client {
			failed = append(failed, p)
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		delete(s.pending, k)
	}
	s.mu.Unlock()

	now := time.Now()
	for i, p := range failed {
		p.done(executor.Completion{Key: keys[i], Err: cause, Started: p.started, Finished: now})
	}

	// drain the idle queue once, keeping other clients' slots
	retired := 0
	var keep []*slot
drain:
	for {
		select {
		case sl := <-s.idle:
			if sl.client == client {
				retired++
			} else {
				keep = append(keep, sl)
			}
		default:
			break drain
		}
	}
	for _, sl := range keep {
		s.idle <- sl
	}
	s.mu.Lock()
	s.capacity -= retired + len(failed)
	if s.capacity < 0 {
		s.capacity = 0
	}
	s.mu.Unlock()
}

// Close implements executor.Runner.
func (s *Server) Close() error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}
	if s.io != nil {
		s.io.Close(nil)
	}
	if s.httpServer != nil {
		s.httpServer.Close(nil)
	}
	return nil
}

// asInt extracts an integer from a decoded socket.io event argument.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 1
}

// asBytes extracts a binary payload from a decoded socket.io event
// argument.
func asBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	}
	return nil, false
}
