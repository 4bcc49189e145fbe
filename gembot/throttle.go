package gembot

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RequestThrottle serializes model invocations across all conversations:
// at most one task runs at a time, and consecutive admissions are spaced
// by at least the configured interval (protecting a rate-limited
// external quota).
//
// Tasks are admitted strictly in enqueue order. The queue is unbounded:
// a burst of inbound work simply delays later replies by multiples of
// the spacing interval. A single drain goroutine is started lazily on
// Enqueue and exits when the queue empties.
//
// A task must contain its own failures. The drain loop recovers panics
// so a misbehaving task can't stall the queue forever, but tasks are
// expected to catch and report their own errors.
type RequestThrottle struct {
	mu       sync.Mutex
	queue    []func(context.Context)
	draining bool
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func NewRequestThrottle(spacing time.Duration, logger *slog.Logger) *RequestThrottle {
	if logger == nil {
		logger = slog.Default()
	}
	if spacing <= 0 {
		spacing = DefaultRequestSpacing
	}
	return &RequestThrottle{
		limiter: rate.NewLimiter(rate.Every(spacing), 1),
		logger:  logger.With(loggerNameKey, "request_throttle"),
	}
}

// Enqueue appends task to the FIFO and starts a drain loop if none is
// active.
func (t *RequestThrottle) Enqueue(ctx context.Context, task func(context.Context)) {
	t.mu.Lock()
	t.queue = append(t.queue, task)
	queued := len(t.queue)
	startDrain := !t.draining
	if startDrain {
		t.draining = true
	}
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "enqueued task", "queue_size", queued)
	if startDrain {
		go t.drain(ctx)
	}
}

// Len returns the number of tasks awaiting admission.
func (t *RequestThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *RequestThrottle) drain(ctx context.Context) {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}
		task := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		// Wait out the remainder of the spacing interval since the last
		// admission. Only fails if ctx is canceled; remaining tasks stay
		// queued for the next Enqueue to restart the loop.
		if err := t.limiter.Wait(ctx); err != nil {
			t.mu.Lock()
			t.queue = append([]func(context.Context){task}, t.queue...)
			t.draining = false
			t.mu.Unlock()
			t.logger.WarnContext(
				ctx,
				"drain loop stopping",
				"error", err,
				"queue_size", t.Len(),
			)
			return
		}
		t.runTask(ctx, task)
	}
}

func (t *RequestThrottle) runTask(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(
				ctx,
				"recovered panic in queued task",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	task(ctx)
}
