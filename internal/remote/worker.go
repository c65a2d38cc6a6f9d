package remote

import (
	"context"
	"fmt"
	"net/url"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/gridflow/internal/codec"
	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/pool"
	"github.com/vk/gridflow/internal/task"
)

// RunWorker is the worker side of the distributed backend: connect to the
// scheduler, register the given concurrency, and answer task events until
// the context ends or the connection drops. Task functions resolve
// against the local registry; results and failures travel back keyed by
// the task's key.
func RunWorker(ctx context.Context, rawURL string, reg *task.Registry, concurrency int) error {
	logger := ctxlog.FromContext(ctx).With("scheduler", rawURL)
	if concurrency < 1 {
		concurrency = 1
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse scheduler URL: %w", err)
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	opts := socket.DefaultOptions()
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket("/", opts)
	defer func() {
		logger.Debug("Disconnecting from scheduler.")
		io.Disconnect()
	}()

	fatal := make(chan error, 1)

	io.On(types.EventName("connect"), func(...any) {
		logger.Info("Connected to scheduler.", "sid", io.Id(), "slots", concurrency)
		io.Emit("register", concurrency)
	})

	io.On(types.EventName("connect_error"), func(errs ...any) {
		if len(errs) > 0 {
			if err, ok := errs[0].(error); ok {
				fatal <- err
				return
			}
			fatal <- fmt.Errorf("connect error: %v", errs[0])
			return
		}
		fatal <- fmt.Errorf("connect error")
	})

	io.On(types.EventName("disconnect"), func(...any) {
		fatal <- fmt.Errorf("scheduler connection closed")
	})

	io.On(types.EventName("task"), func(data ...any) {
		if len(data) == 0 {
			return
		}
		payload, ok := asBytes(data[0])
		if !ok {
			logger.Warn("Discarding malformed task event.")
			return
		}
		// each task evaluates on its own goroutine up to the registered
		// concurrency, which the scheduler enforces by slot accounting
		go func() {
			frame, err := codec.DecodeTaskFrame(payload)
			if err != nil {
				logger.Error("Failed to decode task frame.", "error", err)
				return
			}
			resp, err := pool.EvalTaskFrame(ctx, reg, frame)
			if err != nil {
				logger.Error("Failed to encode result frame.", "error", err)
				return
			}
			io.Emit("result", resp)
		}()
	})

	io.Connect()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fatal:
		return err
	}
}
