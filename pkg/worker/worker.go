// Package worker implements the cooperative worker loop: lease a task,
// dispatch it to its registered handler with a timeout, and record
// completion or failure. It generalizes the teacher's inline
// cmd/worker/main.go startWorker loop (switch on task.Type, fixed 3
// retries, hardcoded rate limit) into a reusable Worker driven by a
// handlers.Registry and taskerr-based retry decisions.
package worker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/metrics"
	"github.com/guido-cesarano/mailqueue/pkg/scheduler"
	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
	"github.com/rs/zerolog"
)

// Handler is the typed per-kind handler signature from the registry.
type Handler func(ctx context.Context, task *tasks.Task) error

// Registry maps task kind to handler.
type Registry interface {
	Lookup(kind tasks.Kind) (Handler, bool)
}

// RateLimiter checks and consumes a token for kind, same shape as the
// teacher's Client.Allow.
type RateLimiter interface {
	Allow(ctx context.Context, key string, rate, burst int, nowUnix int64) (bool, error)
}

// Worker runs a single cooperative loop: lease, dispatch, complete/fail.
type Worker struct {
	sch       *scheduler.Scheduler
	registry  Registry
	limiter   RateLimiter
	metrics   *metrics.Registry
	log       zerolog.Logger
	pollDelay time.Duration
	rateLimit int
	rateBurst int
}

type Option func(*Worker)

func WithLogger(log zerolog.Logger) Option   { return func(w *Worker) { w.log = log } }
func WithMetrics(m *metrics.Registry) Option { return func(w *Worker) { w.metrics = m } }
func WithPollDelay(d time.Duration) Option   { return func(w *Worker) { w.pollDelay = d } }
func WithRateLimit(rate, burst int) Option {
	return func(w *Worker) { w.rateLimit = rate; w.rateBurst = burst }
}

func New(sch *scheduler.Scheduler, registry Registry, limiter RateLimiter, opts ...Option) *Worker {
	w := &Worker{
		sch:       sch,
		registry:  registry,
		limiter:   limiter,
		log:       zerolog.New(io.Discard),
		pollDelay: time.Second,
		rateLimit: 10,
		rateBurst: 20,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run loops until ctx is cancelled. On cancellation, a task currently being
// processed is marked failed with "worker stopped" before Run returns.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.sch.Lease(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("worker: lease failed")
			w.sleep(ctx)
			continue
		}
		if task == nil {
			w.sleep(ctx)
			continue
		}

		if w.limiter != nil {
			allowed, err := w.limiter.Allow(ctx, fmt.Sprintf("ratelimit:%s", task.Kind), w.rateLimit, w.rateBurst, time.Now().Unix())
			if err != nil {
				w.log.Error().Err(err).Msg("worker: rate limit check failed, processing anyway")
			} else if !allowed {
				w.log.Warn().Str("kind", string(task.Kind)).Msg("worker: rate limit exceeded, deferring")
				_ = w.sch.Fail(ctx, task, taskerr.Transientf("rate limited"))
				continue
			}
		}

		w.dispatch(ctx, task)
	}
}

func (w *Worker) dispatch(ctx context.Context, task *tasks.Task) {
	handler, ok := w.registry.Lookup(task.Kind)
	if !ok {
		_ = w.sch.Fail(ctx, task, taskerr.New(taskerr.TerminalFatal, fmt.Errorf("unsupported kind %q", task.Kind)))
		w.observe(task, "unsupported_kind", 0)
		return
	}

	start := time.Now()
	if w.metrics != nil {
		latency := start.Sub(time.UnixMilli(task.CreatedAt))
		w.metrics.QueueLatency.WithLabelValues(string(task.Kind)).Observe(latency.Seconds())
	}

	hctx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	err := w.runHandler(hctx, handler, task)
	duration := time.Since(start)

	if ctx.Err() != nil {
		// Shutdown arrived while the handler ran: record the task failed with
		// "worker stopped" and leave rescheduling to the retry policy.
		if ferr := w.sch.Fail(context.WithoutCancel(ctx), task, taskerr.Transientf("worker stopped")); ferr != nil {
			w.log.Error().Err(ferr).Str("task_id", task.ID).Msg("worker: failed to record worker stopped")
		}
		w.observe(task, "worker_stopped", duration)
		return
	}

	if err != nil {
		if hctx.Err() == context.DeadlineExceeded {
			err = taskerr.New(taskerr.Timeout, err)
		}
		w.log.Error().Err(err).Str("task_id", task.ID).Str("kind", string(task.Kind)).Msg("worker: task failed")
		if ferr := w.sch.Fail(ctx, task, err); ferr != nil {
			w.log.Error().Err(ferr).Str("task_id", task.ID).Msg("worker: failed to record failure")
		}
		w.observe(task, "retry_or_failed", duration)
		return
	}

	if cerr := w.sch.Complete(ctx, task); cerr != nil {
		w.log.Error().Err(cerr).Str("task_id", task.ID).Msg("worker: failed to record completion")
	}
	w.observe(task, "success", duration)
}

// runHandler recovers a handler panic into an error so one bad handler
// cannot kill the worker loop.
func (w *Worker) runHandler(ctx context.Context, h Handler, task *tasks.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = taskerr.Integrityf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

func (w *Worker) observe(task *tasks.Task, outcome string, duration time.Duration) {
	if w.metrics == nil {
		return
	}
	w.metrics.TasksProcessed.WithLabelValues(outcome, string(task.Kind)).Inc()
	if duration > 0 {
		w.metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(duration.Seconds())
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollDelay):
	}
}

// CollectQueueDepths periodically updates the queue depth gauge, the
// teacher's cmd/worker collectQueueMetrics goroutine generalized to take
// an explicit store and metrics registry.
func CollectQueueDepths(ctx context.Context, store *kv.Store, m *metrics.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	partitions := []string{kv.KeyReady, kv.KeyScheduled, kv.KeyProcessing, kv.KeyFailed}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range partitions {
				if card, err := store.ZCard(ctx, p); err == nil {
					m.QueueDepth.WithLabelValues(p).Set(float64(card))
				}
			}
		}
	}
}
