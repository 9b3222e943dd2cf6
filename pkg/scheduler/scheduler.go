// Package scheduler owns the queue/scheduled/processing/failed sorted
// sets: it enqueues tasks, leases them to workers, and records completion
// or retry/dead-letter on failure. It generalizes the teacher's
// pkg/queue.Client (Redis list/ZSET queue with priority-named lists) into
// the spec's single ready/scheduled/processing/failed partition model with
// a continuous priority+time score instead of three discrete priority
// lists.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
	"github.com/rs/zerolog"
)

// CompletionMode resolves the open question around metadata.dependent_tasks
// enqueue semantics on completion.
type CompletionMode int

const (
	// BestEffort enqueues every dependent task and logs (but does not
	// fail the parent on) any enqueue error. This is the documented
	// behavior of the system spec.md was distilled from and is the
	// default.
	BestEffort CompletionMode = iota
	// AllOrNothing fails Complete itself if any dependent task fails to
	// enqueue, leaving the parent task's completion to be retried by the
	// caller. Implemented for completeness; not the default.
	AllOrNothing
)

// DeadLetterAlerter is the narrow capability Fail uses to raise an
// immediate alert when a high-priority task exhausts its retries into the
// dead-letter queue, per spec.md §7: "caller alerted if priority=high."
type DeadLetterAlerter interface {
	RaiseNow(ctx context.Context, check, message string) error
}

// Scheduler implements spec.md §4.1's Scheduler contract.
type Scheduler struct {
	kv             *kv.Store
	log            zerolog.Logger
	backoff        tasks.BackoffConfig
	completionMode CompletionMode
	alerter        DeadLetterAlerter
	now            func() time.Time
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithBackoff(cfg tasks.BackoffConfig) Option {
	return func(s *Scheduler) { s.backoff = cfg }
}

func WithCompletionMode(mode CompletionMode) Option {
	return func(s *Scheduler) { s.completionMode = mode }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithAlerter wires a DeadLetterAlerter so Fail can raise an alert on
// high-priority dead-letters; without one, Fail behaves as before.
func WithAlerter(a DeadLetterAlerter) Option {
	return func(s *Scheduler) { s.alerter = a }
}

// withClock overrides time.Now for deterministic tests of backoff windows.
func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(store *kv.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		kv:      store,
		backoff: tasks.DefaultBackoffConfig(),
		now:     time.Now,
		log:     zerolog.New(io.Discard),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueOptions mirrors spec.md §4.1's opts = { priority?, scheduled_for?,
// max_attempts?, metadata? }.
type EnqueueOptions struct {
	Priority       tasks.Priority
	ScheduledFor   *time.Time
	MaxAttempts    int
	Metadata       map[string]interface{}
	TimeoutSeconds int
	CorrelationID  string // propagated across retries/dependents if set
}

// Enqueue creates a durable task record and places it in ready or
// scheduled depending on whether ScheduledFor is in the future.
func (s *Scheduler) Enqueue(ctx context.Context, kind tasks.Kind, payload interface{}, opts EnqueueOptions) (string, error) {
	if !tasks.KnownKinds[kind] {
		return "", taskerr.Validationf("unknown task kind %q", kind)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = tasks.DefaultMaxAttempts
	}
	if maxAttempts < 1 {
		return "", taskerr.Validationf("max_attempts must be >= 1, got %d", maxAttempts)
	}

	now := s.now()
	nowMs := now.UnixMilli()

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	payloadJSON, err := encodePayload(payload, correlationID, nowMs)
	if err != nil {
		return "", taskerr.Validationf("encode payload: %w", err)
	}

	scheduledFor := nowMs
	if opts.ScheduledFor != nil {
		scheduledFor = opts.ScheduledFor.UnixMilli()
	}

	priority := opts.Priority
	if priority == "" {
		priority = tasks.PriorityNormal
	}

	task := &tasks.Task{
		ID:             uuid.New().String(),
		Kind:           kind,
		Payload:        payloadJSON,
		Priority:       priority,
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		CreatedAt:      nowMs,
		ScheduledFor:   scheduledFor,
		CorrelationID:  correlationID,
		Metadata:       opts.Metadata,
		TimeoutSeconds: opts.TimeoutSeconds,
	}

	due := scheduledFor <= nowMs
	if due {
		task.Status = tasks.StatusPending
	} else {
		task.Status = tasks.StatusScheduled
	}

	data, err := task.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.kv.Pipeline()
	if due {
		pipe.ZAdd(ctx, kv.KeyReady, tasks.PriorityScore(priority, scheduledFor, nowMs), string(data))
	} else {
		pipe.ZAdd(ctx, kv.KeyScheduled, float64(scheduledFor), string(data))
	}
	statusJSON, _ := json.Marshal(task.StatusRecord())
	pipe.HSet(ctx, kv.KeyStatus, task.ID, string(statusJSON))
	pipe.Set(ctx, kv.JobKey(task.ID), string(data), 0)

	if err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue pipeline: %w", err)
	}

	return task.ID, nil
}

func encodePayload(payload interface{}, correlationID string, nowMs int64) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return mergeEnvelope(p, correlationID, nowMs)
	case []byte:
		return mergeEnvelope(json.RawMessage(p), correlationID, nowMs)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return mergeEnvelope(data, correlationID, nowMs)
	}
}

// mergeEnvelope injects correlation_id and timestamp into the payload
// object, per spec.md §6: "every payload additionally carries correlation_id
// ... and timestamp ... injected by the scheduler".
func mergeEnvelope(payload json.RawMessage, correlationID string, nowMs int64) (json.RawMessage, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	m["correlation_id"] = correlationID
	m["timestamp"] = nowMs
	return json.Marshal(m)
}

// Lease first promotes any due scheduled tasks into ready, then pops the
// minimum-score ready task and moves it into processing.
func (s *Scheduler) Lease(ctx context.Context) (*tasks.Task, error) {
	nowMs := s.now().UnixMilli()

	if _, err := s.kv.PromoteScheduled(ctx, kv.KeyScheduled, kv.KeyReady, nowMs); err != nil {
		return nil, fmt.Errorf("promote scheduled: %w", err)
	}

	raw, _, err := s.kv.ZPopMin(ctx, kv.KeyReady)
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop ready: %w", err)
	}

	task, err := tasks.Unmarshal([]byte(raw))
	if err != nil {
		return nil, taskerr.Integrityf("malformed ready task: %w", err)
	}

	task.Status = tasks.StatusProcessing
	leaseAt := nowMs
	task.LastAttemptAt = &leaseAt

	data, err := task.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal leased task: %w", err)
	}
	// Capture the exact bytes written to processing now, before the
	// handler runs and potentially mutates task.Metadata in place —
	// Complete/Fail need these bytes, not a re-marshal of the mutated
	// struct, to find and remove this member.
	task.LeasedRaw = data

	statusJSON, _ := json.Marshal(task.StatusRecord())
	if err := s.kv.Pipeline().
		ZAdd(ctx, kv.KeyProcessing, float64(nowMs), string(data)).
		HSet(ctx, kv.KeyStatus, task.ID, string(statusJSON)).
		Set(ctx, kv.JobKey(task.ID), string(data), 0).
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("lease pipeline: %w", err)
	}

	return task, nil
}

// serializedProcessing returns the exact bytes stored as task's member in
// the processing sorted set, needed to ZRem that precise member. It prefers
// task.LeasedRaw, captured at Lease time before a handler could mutate
// task.Metadata in place; re-marshaling task here would reflect any such
// mutation and no longer match the stored bytes. Tasks that never went
// through Lease (direct construction in tests) fall back to a fresh
// marshal.
func (s *Scheduler) serializedProcessing(ctx context.Context, task *tasks.Task) (string, error) {
	if task.LeasedRaw != nil {
		return string(task.LeasedRaw), nil
	}
	data, err := task.Marshal()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Complete removes task from processing, marks it completed, and runs the
// completion hook (dependent_tasks enqueue).
func (s *Scheduler) Complete(ctx context.Context, task *tasks.Task) error {
	raw, err := s.serializedProcessing(ctx, task)
	if err != nil {
		return err
	}

	nowMs := s.now().UnixMilli()
	completed := *task
	completed.Status = tasks.StatusCompleted
	completed.CompletedAt = &nowMs

	data, err := completed.Marshal()
	if err != nil {
		return fmt.Errorf("marshal completed task: %w", err)
	}

	statusJSON, _ := json.Marshal(completed.StatusRecord())
	if err := s.kv.Pipeline().
		ZRem(ctx, kv.KeyProcessing, raw).
		HSet(ctx, kv.KeyStatus, completed.ID, string(statusJSON)).
		Set(ctx, kv.JobKey(completed.ID), string(data), 0).
		Exec(ctx); err != nil {
		return fmt.Errorf("complete pipeline: %w", err)
	}

	s.runCompletionHook(ctx, &completed)
	return nil
}

// runCompletionHook enqueues metadata.dependent_tasks. Best-effort by
// default per the documented source behavior (spec.md §4.1, §9); a failed
// dependent enqueue is logged and does not affect the parent's completion.
func (s *Scheduler) runCompletionHook(ctx context.Context, task *tasks.Task) {
	deps := task.DependentTasks()
	if len(deps) == 0 {
		return
	}

	var enqueueErr error
	for _, dep := range deps {
		opts := EnqueueOptions{CorrelationID: task.CorrelationID}
		if dep.Opts != nil {
			if p, ok := dep.Opts["priority"].(string); ok {
				opts.Priority = tasks.Priority(p)
			}
			if m, ok := dep.Opts["max_attempts"].(float64); ok {
				opts.MaxAttempts = int(m)
			}
		}
		if _, err := s.Enqueue(ctx, dep.Kind, dep.Payload, opts); err != nil {
			s.log.Error().Err(err).Str("parent_task_id", task.ID).Str("dependent_kind", string(dep.Kind)).
				Msg("completion hook: failed to enqueue dependent task")
			if enqueueErr == nil {
				enqueueErr = err
			}
		}
	}

	if s.completionMode == AllOrNothing && enqueueErr != nil {
		s.log.Warn().Err(enqueueErr).Str("task_id", task.ID).
			Msg("completion hook: all-or-nothing mode configured but parent already marked completed")
	}
}

// Fail removes task from processing and either reschedules it with
// backoff or routes it to the dead-letter queue.
func (s *Scheduler) Fail(ctx context.Context, task *tasks.Task, cause error) error {
	raw, err := s.serializedProcessing(ctx, task)
	if err != nil {
		return err
	}

	nowMs := s.now().UnixMilli()
	next := *task
	next.Attempts++
	next.Error = cause.Error()
	next.LastAttemptAt = &nowMs

	fatal := taskerr.IsFatal(cause)

	pipe := s.kv.Pipeline().ZRem(ctx, kv.KeyProcessing, raw)

	if !fatal && next.Attempts < next.MaxAttempts {
		next.Status = tasks.StatusScheduled
		delay := tasks.Backoff(next.Attempts-1, s.backoff)
		next.ScheduledFor = nowMs + delay.Milliseconds()

		data, err := next.Marshal()
		if err != nil {
			return fmt.Errorf("marshal scheduled retry: %w", err)
		}
		pipe.ZAdd(ctx, kv.KeyScheduled, float64(next.ScheduledFor), string(data))
		pipe.Set(ctx, kv.JobKey(next.ID), string(data), 0)
	} else {
		next.Status = tasks.StatusFailed
		data, err := next.Marshal()
		if err != nil {
			return fmt.Errorf("marshal failed task: %w", err)
		}
		pipe.ZAdd(ctx, kv.KeyFailed, float64(nowMs), string(data))
		pipe.Set(ctx, kv.JobKey(next.ID), string(data), 0)
	}

	statusJSON, _ := json.Marshal(next.StatusRecord())
	pipe.HSet(ctx, kv.KeyStatus, next.ID, string(statusJSON))

	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail pipeline: %w", err)
	}

	if next.Status == tasks.StatusFailed && next.Priority == tasks.PriorityHigh {
		s.alertDeadLetter(ctx, &next)
	}
	return nil
}

// alertDeadLetter raises an alert for a high-priority task landing in the
// dead-letter queue. Best-effort: a failure to raise the alert is logged,
// not propagated, since the task is already durably dead-lettered.
func (s *Scheduler) alertDeadLetter(ctx context.Context, task *tasks.Task) {
	if s.alerter == nil {
		return
	}
	msg := fmt.Sprintf("high-priority task %s (%s) exhausted retries: %s", task.ID, task.Kind, task.Error)
	if err := s.alerter.RaiseNow(ctx, "dead_letter_high_priority", msg); err != nil {
		s.log.Error().Err(err).Str("task_id", task.ID).Msg("fail: failed to raise dead-letter alert")
	}
}

// Cancel marks an as-yet-unleased task cancelled. Only valid for tasks
// still in ready or scheduled; processing/completed/failed tasks cannot be
// cancelled (cancellation is external-caller-only and terminal).
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	raw, err := s.kv.Get(ctx, kv.JobKey(taskID))
	if err == kv.ErrNotFound {
		return fmt.Errorf("cancel: task %s not found", taskID)
	}
	if err != nil {
		return err
	}
	task, err := tasks.Unmarshal([]byte(raw))
	if err != nil {
		return taskerr.Integrityf("malformed job record: %w", err)
	}

	switch task.Status {
	case tasks.StatusPending, tasks.StatusScheduled:
	default:
		return fmt.Errorf("cancel: task %s is %s, not cancellable", taskID, task.Status)
	}

	task.Status = tasks.StatusCancelled
	data, err := task.Marshal()
	if err != nil {
		return err
	}
	statusJSON, _ := json.Marshal(task.StatusRecord())

	// A due retry is promoted into ready with its status still "scheduled",
	// so the entry is removed from both partitions.
	return s.kv.Pipeline().
		ZRem(ctx, kv.KeyReady, raw).
		ZRem(ctx, kv.KeyScheduled, raw).
		Set(ctx, kv.JobKey(task.ID), string(data), 0).
		HSet(ctx, kv.KeyStatus, task.ID, string(statusJSON)).
		Exec(ctx)
}

// GetStatus reads the status hash for id.
func (s *Scheduler) GetStatus(ctx context.Context, id string) (*tasks.StatusRecord, error) {
	raw, err := s.kv.HGet(ctx, kv.KeyStatus, id)
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec tasks.StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, taskerr.Integrityf("malformed status record for %s: %w", id, err)
	}
	return &rec, nil
}

// ListFailed returns a page of the dead-letter queue.
func (s *Scheduler) ListFailed(ctx context.Context, offset, limit int64, newestFirst bool) ([]*tasks.Task, error) {
	zs, err := s.kv.ZRangeWithScores(ctx, kv.KeyFailed, offset, limit, newestFirst)
	if err != nil {
		return nil, err
	}
	out := make([]*tasks.Task, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		task, err := tasks.Unmarshal([]byte(member))
		if err != nil {
			s.log.Error().Err(err).Msg("list_failed: skipping malformed entry")
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// UpdateProgress clamps percent to [0, 100] and stores it on the job
// record and status hash for observability of long-running handlers.
func (s *Scheduler) UpdateProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	raw, err := s.kv.Get(ctx, kv.JobKey(id))
	if err == kv.ErrNotFound {
		return fmt.Errorf("update_progress: task %s not found", id)
	}
	if err != nil {
		return err
	}
	task, err := tasks.Unmarshal([]byte(raw))
	if err != nil {
		return taskerr.Integrityf("malformed job record: %w", err)
	}
	if task.Metadata == nil {
		task.Metadata = map[string]interface{}{}
	}
	task.Metadata["progress_percent"] = percent

	data, err := task.Marshal()
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, kv.JobKey(id), string(data), 0)
}

// ProgressReporter is the narrow capability handlers use to report
// progress without depending on the full Scheduler.
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, id string, percent int) error
}
