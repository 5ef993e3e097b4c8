package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// DefaultTaskTimeout bounds a collection whose Task carries no timeout.
const DefaultTaskTimeout = 10 * time.Second

// ─────────────────────────────────────────────────────────────────────────────
// Task: unit of work
// ─────────────────────────────────────────────────────────────────────────────

// Task is one collection for one device.
type Task struct {
	DeviceID string
	Profile  models.ConnectionProfile

	// Timeout is the hard limit for this collection.
	Timeout time.Duration

	// Context, when set, is an extra cancellation source for the collection
	// on top of the pool's own context.
	Context context.Context

	// Done receives the outcome exactly once, on the worker goroutine.
	Done func(models.RawMetrics, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// WorkerPool: bounded fan-out of collection tasks
// ─────────────────────────────────────────────────────────────────────────────

// WorkerPool runs tasks on a fixed number of goroutines. The job channel is
// unbuffered: TrySubmit only succeeds when a worker is idle, so at most
// numWorkers collections are ever in flight.
type WorkerPool struct {
	numWorkers int
	collector  Collector
	logger     *zerolog.Logger

	jobs chan Task
	wg   sync.WaitGroup
	busy atomic.Int64

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a pool of numWorkers goroutines that run tasks
// against collector.
func NewWorkerPool(numWorkers int, collector Collector, log *zerolog.Logger) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 16
	}
	return &WorkerPool{
		numWorkers: numWorkers,
		collector:  collector,
		logger:     logger.OrNop(log),
		jobs:       make(chan Task),
	}
}

// Start launches the workers. Cancelling ctx cancels every running
// collection; workers exit when Stop is called or ctx is done.
func (w *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < w.numWorkers; i++ {
		w.wg.Add(1)
		go w.worker(ctx)
	}
}

// TrySubmit hands task to an idle worker without blocking. It returns false
// when every worker is busy or the pool is stopped.
func (w *WorkerPool) TrySubmit(task Task) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return false
	}
	select {
	case w.jobs <- task:
		return true
	default:
		return false
	}
}

// Size returns the number of workers.
func (w *WorkerPool) Size() int { return w.numWorkers }

// Busy returns the number of workers currently running a task.
func (w *WorkerPool) Busy() int { return int(w.busy.Load()) }

// Stop closes the job channel and waits for all workers to return.
func (w *WorkerPool) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.jobs)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// worker is the per-goroutine loop.
func (w *WorkerPool) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case task, ok := <-w.jobs:
			if !ok {
				return
			}
			w.busy.Add(1)
			w.run(ctx, task)
			w.busy.Add(-1)
		case <-ctx.Done():
			return
		}
	}
}

type collectResult struct {
	metrics models.RawMetrics
	err     error
}

// run executes one task under its hard timeout. The collector runs on its own
// goroutine; if it ignores cancellation it is abandoned and the task fails as
// a timeout, so the worker and the device's in-flight flag are freed on time.
func (w *WorkerPool) run(ctx context.Context, task Task) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if task.Context != nil {
		stop := context.AfterFunc(task.Context, cancel)
		defer stop()
	}

	results := make(chan collectResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- collectResult{err: models.NewCollectorError(models.CollectorProtocolError, task.DeviceID,
					fmt.Errorf("collector panic: %v", r))}
			}
		}()
		m, err := w.collector.Collect(tctx, task.Profile)
		results <- collectResult{metrics: m, err: err}
	}()

	var res collectResult
	select {
	case res = <-results:
		res.err = classify(tctx, task.DeviceID, models.CollectorProtocolError, res.err)
	case <-tctx.Done():
		res.err = models.NewCollectorError(models.CollectorTimeout, task.DeviceID, tctx.Err())
		w.logger.Warn().Str("device", task.DeviceID).Dur("timeout", timeout).
			Msg("poller: collection abandoned")
	}

	if task.Done != nil {
		task.Done(res.metrics, res.err)
	}
}
