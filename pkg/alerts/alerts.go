// Package alerts implements the Alert / Health Monitor (spec.md §4.9):
// periodic health checks synthesized into alert records in the shared KV
// substrate. The consecutive-failure-before-alerting pattern is grounded on
// johnjansen-torua's internal/coordinator HealthMonitor, adapted from HTTP
// node pings to KV/docstore/queue-depth checks.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/rs/zerolog"
)

// Severity is the closed ladder spec.md §4.9 defines.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CheckResult is what a HealthCheck reports back.
type CheckResult struct {
	Name     string
	Healthy  bool
	Severity Severity
	Message  string
}

// HealthCheck probes one subsystem and reports its status.
type HealthCheck func(ctx context.Context) CheckResult

// Alert is a persisted alert record.
type Alert struct {
	ID           string    `json:"id"`
	Check        string    `json:"check"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	CreatedAt    int64     `json:"created_at"`
	AckedBy      string    `json:"acked_by,omitempty"`
	AckedAt      int64     `json:"acked_at,omitempty"`
	ResolvedAt   int64     `json:"resolved_at,omitempty"`
	Resolved     bool      `json:"resolved"`
}

const maxConsecutiveFailures = 3

// checkState tracks consecutive failures per named check, mirroring
// torua's NodeHealth.ConsecutiveFails.
type checkState struct {
	consecutiveFails int
}

// Monitor runs registered checks and raises/tracks alerts.
type Monitor struct {
	kv     *kv.Store
	log    zerolog.Logger
	mu     sync.Mutex
	checks map[string]HealthCheck
	state  map[string]*checkState
}

func New(store *kv.Store, log zerolog.Logger) *Monitor {
	return &Monitor{
		kv:     store,
		log:    log,
		checks: make(map[string]HealthCheck),
		state:  make(map[string]*checkState),
	}
}

// Register adds a named health check.
func (m *Monitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
	m.state[name] = &checkState{}
}

// RunChecks runs every registered check once. A check only raises an alert
// once it has failed maxConsecutiveFailures times in a row; a recovery
// resets its counter without clearing already-raised alerts (those still
// need explicit Resolve).
func (m *Monitor) RunChecks(ctx context.Context) ([]Alert, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	m.mu.Unlock()

	var raised []Alert
	for _, name := range names {
		m.mu.Lock()
		check := m.checks[name]
		state := m.state[name]
		m.mu.Unlock()

		result := check(ctx)

		m.mu.Lock()
		if result.Healthy {
			state.consecutiveFails = 0
			m.mu.Unlock()
			continue
		}
		state.consecutiveFails++
		fails := state.consecutiveFails
		m.mu.Unlock()

		if fails < maxConsecutiveFailures {
			continue
		}

		alert, err := m.raise(ctx, result)
		if err != nil {
			return raised, err
		}
		raised = append(raised, *alert)
	}
	return raised, nil
}

func (m *Monitor) raise(ctx context.Context, result CheckResult) (*Alert, error) {
	alert := Alert{
		ID:        uuid.New().String(),
		Check:     result.Name,
		Severity:  result.Severity,
		Message:   result.Message,
		CreatedAt: time.Now().UnixMilli(),
	}

	raw, err := json.Marshal(alert)
	if err != nil {
		return nil, err
	}

	err = m.kv.Pipeline().
		HSet(ctx, kv.AlertKey(alert.ID), "record", string(raw)).
		ZAdd(ctx, kv.KeyAlerts, float64(alert.CreatedAt), alert.ID).
		Exec(ctx)
	if err != nil {
		return nil, err
	}

	m.log.Warn().Str("check", result.Name).Str("severity", string(result.Severity)).Msg("alert raised")
	return &alert, nil
}

// RaiseNow immediately persists a high-severity alert, bypassing the
// consecutive-failure gate RunChecks applies to periodic checks — for
// event-driven alerts such as a high-priority task landing in the
// dead-letter queue, which should alert on the first occurrence.
func (m *Monitor) RaiseNow(ctx context.Context, check, message string) error {
	_, err := m.raise(ctx, CheckResult{Name: check, Severity: SeverityHigh, Message: message})
	return err
}

// Acknowledge records who/when an alert was acknowledged.
func (m *Monitor) Acknowledge(ctx context.Context, id, by string) error {
	alert, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	alert.AckedBy = by
	alert.AckedAt = time.Now().UnixMilli()
	return m.put(ctx, alert)
}

// Resolve is separate from and terminal past acknowledgment.
func (m *Monitor) Resolve(ctx context.Context, id string) error {
	alert, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	alert.Resolved = true
	alert.ResolvedAt = time.Now().UnixMilli()
	return m.put(ctx, alert)
}

func (m *Monitor) get(ctx context.Context, id string) (*Alert, error) {
	raw, err := m.kv.HGet(ctx, kv.AlertKey(id), "record")
	if err != nil {
		return nil, err
	}
	var alert Alert
	if err := json.Unmarshal([]byte(raw), &alert); err != nil {
		return nil, fmt.Errorf("alerts: malformed alert record %s: %w", id, err)
	}
	return &alert, nil
}

func (m *Monitor) put(ctx context.Context, alert *Alert) error {
	raw, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return m.kv.HSet(ctx, kv.AlertKey(alert.ID), "record", string(raw))
}

// List returns the most recent alerts, newest first.
func (m *Monitor) List(ctx context.Context, limit int64) ([]Alert, error) {
	zs, err := m.kv.ZRangeWithScores(ctx, kv.KeyAlerts, 0, limit, true)
	if err != nil {
		return nil, err
	}
	alerts := make([]Alert, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		alert, err := m.get(ctx, id)
		if err != nil {
			continue
		}
		alerts = append(alerts, *alert)
	}
	return alerts, nil
}

// KVReachabilityCheck probes the KV substrate with Ping.
func KVReachabilityCheck(store *kv.Store) HealthCheck {
	return func(ctx context.Context) CheckResult {
		if err := store.Ping(ctx); err != nil {
			return CheckResult{Name: "kv_reachability", Healthy: false, Severity: SeverityCritical, Message: err.Error()}
		}
		return CheckResult{Name: "kv_reachability", Healthy: true}
	}
}

// DocstorePinger is the narrow capability the docstore health check needs.
type DocstorePinger interface {
	Ping(ctx context.Context) error
}

func DocstoreReachabilityCheck(store DocstorePinger) HealthCheck {
	return func(ctx context.Context) CheckResult {
		if err := store.Ping(ctx); err != nil {
			return CheckResult{Name: "docstore_reachability", Healthy: false, Severity: SeverityHigh, Message: err.Error()}
		}
		return CheckResult{Name: "docstore_reachability", Healthy: true}
	}
}

// QueueDepthCheck raises a degrading-severity alert once the ready queue
// backs up past threshold.
func QueueDepthCheck(store *kv.Store, threshold int64) HealthCheck {
	return func(ctx context.Context) CheckResult {
		depth, err := store.ZCard(ctx, kv.KeyReady)
		if err != nil {
			return CheckResult{Name: "queue_depth", Healthy: false, Severity: SeverityHigh, Message: err.Error()}
		}
		if depth > threshold {
			return CheckResult{
				Name: "queue_depth", Healthy: false, Severity: SeverityMedium,
				Message: fmt.Sprintf("ready queue depth %d exceeds threshold %d", depth, threshold),
			}
		}
		return CheckResult{Name: "queue_depth", Healthy: true}
	}
}

// StorageStatsCheck wraps optimizer.Report's status into a health check;
// reportFn is the optimizer's cached Analyze result fetch.
func StorageStatsCheck(reportFn func(ctx context.Context) (status string, issues []string, err error)) HealthCheck {
	return func(ctx context.Context) CheckResult {
		status, issues, err := reportFn(ctx)
		if err != nil {
			return CheckResult{Name: "storage_stats", Healthy: false, Severity: SeverityHigh, Message: err.Error()}
		}
		if status == "unhealthy" {
			return CheckResult{Name: "storage_stats", Healthy: false, Severity: SeverityHigh, Message: fmt.Sprintf("index unhealthy: %v", issues)}
		}
		if status == "degraded" {
			return CheckResult{Name: "storage_stats", Healthy: false, Severity: SeverityLow, Message: fmt.Sprintf("index degraded: %v", issues)}
		}
		return CheckResult{Name: "storage_stats", Healthy: true}
	}
}
