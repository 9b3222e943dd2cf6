// Package tasks defines the durable task record for the mailqueue background
// task subsystem: the closed set of task kinds, priority/status enums, the
// wire codec, and the priority-score and backoff formulas the scheduler uses
// to order the ready and scheduled partitions.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the closed set of task kinds the handler registry knows how to run.
type Kind string

const (
	KindProcessEmail       Kind = "process_email"
	KindSendEmail          Kind = "send_email"
	KindProcessAttachments Kind = "process_attachments"
	KindGenerateAnalytics  Kind = "generate_analytics"
	KindCleanupStorage     Kind = "cleanup_storage"
	KindIndexSearch        Kind = "index_search"
	KindUpdateThread       Kind = "update_thread"
	KindSendNotification   Kind = "send_notification"
)

// KnownKinds lists every task kind the system accepts at enqueue time.
var KnownKinds = map[Kind]bool{
	KindProcessEmail:       true,
	KindSendEmail:          true,
	KindProcessAttachments: true,
	KindGenerateAnalytics:  true,
	KindCleanupStorage:     true,
	KindIndexSearch:        true,
	KindUpdateThread:       true,
	KindSendNotification:   true,
}

// Priority is the closed set of task priority classes.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Status is the closed set of task lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// DefaultTimeoutSeconds is used when a task omits TimeoutSeconds.
const DefaultTimeoutSeconds = 300

// Task is the durable record stored, serialized, in the ready/scheduled/
// processing/failed sorted sets and mirrored at job:{id}.
type Task struct {
	ID             string                 `json:"id"`
	Kind           Kind                   `json:"kind"`
	Payload        json.RawMessage        `json:"payload"`
	Priority       Priority               `json:"priority"`
	Status         Status                 `json:"status"`
	Attempts       int                    `json:"attempts"`
	MaxAttempts    int                    `json:"max_attempts"`
	CreatedAt      int64                  `json:"created_at"`
	ScheduledFor   int64                  `json:"scheduled_for"`
	LastAttemptAt  *int64                 `json:"last_attempt_at,omitempty"`
	CompletedAt    *int64                 `json:"completed_at,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CorrelationID  string                 `json:"correlation_id"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`

	// LeasedRaw holds the exact bytes Lease wrote as this task's member in
	// the processing sorted set, captured at lease time so Complete/Fail
	// can find and remove that same member even after a handler has
	// mutated Metadata in place on this pointer — re-marshaling the
	// mutated struct would produce different bytes than what's actually
	// stored and ZREM would match nothing.
	LeasedRaw []byte `json:"-"`
}

// Timeout returns the task's handler execution budget, defaulting to 5
// minutes per the worker contract.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// DependentTask is one entry of metadata.dependent_tasks: a follow-up task
// the scheduler enqueues from the completion hook.
type DependentTask struct {
	Kind    Kind                   `json:"kind"`
	Payload json.RawMessage        `json:"payload"`
	Opts    map[string]interface{} `json:"opts,omitempty"`
}

// DependentTasks extracts metadata.dependent_tasks, the completion-hook
// follow-up enqueue list, if present.
func (t *Task) DependentTasks() []DependentTask {
	if t.Metadata == nil {
		return nil
	}
	raw, ok := t.Metadata["dependent_tasks"]
	if !ok {
		return nil
	}
	// Metadata round-trips through JSON, so dependent_tasks may arrive as
	// either []DependentTask (constructed in-process) or []interface{}
	// (decoded from a stored record).
	if deps, ok := raw.([]DependentTask); ok {
		return deps
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var deps []DependentTask
	if err := json.Unmarshal(data, &deps); err != nil {
		return nil
	}
	return deps
}

// Marshal serializes the task to the JSON form stored in every partition.
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// Unmarshal decodes a task from its stored JSON form.
func Unmarshal(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// StatusRecord is the value stored in the status hash, field = task id.
type StatusRecord struct {
	Status        Status `json:"status"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt *int64 `json:"last_attempt_at,omitempty"`
	Error         string `json:"error,omitempty"`
	CompletedAt   *int64 `json:"completed_at,omitempty"`
}

// StatusRecord projects the task onto the value stored in the status hash.
func (t *Task) StatusRecord() StatusRecord {
	return StatusRecord{
		Status:        t.Status,
		Attempts:      t.Attempts,
		LastAttemptAt: t.LastAttemptAt,
		Error:         t.Error,
		CompletedAt:   t.CompletedAt,
	}
}

// weight is the priority class separation term in PriorityScore.
func weight(p Priority) float64 {
	switch p {
	case PriorityHigh:
		return 1_000_000
	case PriorityLow:
		return 10_000
	default:
		return 100_000
	}
}

// PriorityScore computes the ready-set sort key: older, higher-priority
// tasks bubble to the front since ZPopMin pops the smallest score first.
func PriorityScore(p Priority, scheduledForMs, nowMs int64) float64 {
	return float64(scheduledForMs-nowMs) - weight(p)
}

// BackoffStrategy selects the retry delay formula.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// BackoffConfig parameterizes the Backoff formula; the zero value is
// invalid, use DefaultBackoffConfig.
type BackoffConfig struct {
	Strategy BackoffStrategy
	Initial  time.Duration
	Cap      time.Duration
}

// DefaultBackoffConfig matches the scheduler contract's default: exponential,
// 1s initial, 30s cap, 3 max attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Strategy: BackoffExponential, Initial: time.Second, Cap: 30 * time.Second}
}

// DefaultMaxAttempts is used when enqueue opts omit MaxAttempts.
const DefaultMaxAttempts = 3

// Backoff computes the delay before retry number attempts+1, i.e. before
// attempt attempts+2: Backoff(0, ...) is the delay after the first failure.
func Backoff(attempts int, cfg BackoffConfig) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	var d time.Duration
	switch cfg.Strategy {
	case BackoffLinear:
		d = cfg.Initial * time.Duration(attempts+1)
	default:
		d = cfg.Initial * time.Duration(int64(1)<<uint(attempts))
	}
	if cfg.Cap > 0 && d > cfg.Cap {
		d = cfg.Cap
	}
	return d
}
