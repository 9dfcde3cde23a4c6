package compactor

import (
	"context"
	"log/slog"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"crabkv/pkg/listener"
)

// Request is sent from the engine to the background worker. Shutdown marks
// the final request: the worker runs one last pass, if requested, then
// exits (spec section 4.5, CompactAndShutdown).
type Request struct {
	Shutdown bool
}

// RunFunc performs one compaction pass. The engine supplies this; it owns
// the write lock and the actual rewrite pipeline.
type RunFunc func(ctx context.Context) error

// backoffCap bounds the jittered delay after a failed pass, so a
// persistently failing compactor doesn't spin the worker goroutine hot.
const backoffCap = 200 * time.Millisecond

// Worker runs compaction passes off the engine's calling goroutine. The
// engine communicates over a capacity-1 channel: a non-blocking send from
// the producer implements the "coalesce additional requests while one is
// outstanding" rule in spec section 4.5 for free, since a full channel
// means a request is already pending.
type Worker struct {
	requests     chan Request
	run          RunFunc
	job          listener.Job
	shutdownDone chan struct{}
}

// NewWorker returns a Worker that calls run for every enqueued request.
func NewWorker(run RunFunc) *Worker {
	w := &Worker{
		requests:     make(chan Request, 1),
		run:          run,
		shutdownDone: make(chan struct{}),
	}
	w.job = listener.New[Request](w.requests, w.handle)
	return w
}

// Start launches the worker goroutine; it exits when ctx is cancelled or
// after Shutdown has been processed.
func (w *Worker) Start(ctx context.Context) {
	w.job.Start(ctx)
}

// Stop cancels the worker and waits for it to exit, without running a final
// pass. Use Shutdown for a clean CompactAndShutdown handoff instead.
func (w *Worker) Stop() {
	w.job.Stop()
}

// Enqueue requests a compaction pass without blocking. It returns false if
// a request is already pending, which is not an error: the pending pass
// will observe the engine's latest state when it runs.
func (w *Worker) Enqueue(shutdown bool) bool {
	select {
	case w.requests <- Request{Shutdown: shutdown}:
		return true
	default:
		return false
	}
}

// Shutdown sends a final CompactAndShutdown request, blocks until the
// worker has run it, then joins the worker goroutine (spec section 4.5:
// "on engine close, the engine sends CompactAndShutdown and joins the
// worker"). Unlike Enqueue this blocks if a request is already pending,
// so the shutdown pass is never silently dropped.
func (w *Worker) Shutdown() {
	w.requests <- Request{Shutdown: true}
	<-w.shutdownDone
	w.job.Stop()
}

func (w *Worker) handle(req Request) error {
	ctx := context.Background()
	if err := w.run(ctx); err != nil {
		slog.Error("background compaction pass failed", "error", err)
		time.Sleep(time.Duration(fastrand.Uint32n(uint32(backoffCap))))
	}
	if req.Shutdown {
		close(w.shutdownDone)
	}
	return nil
}
