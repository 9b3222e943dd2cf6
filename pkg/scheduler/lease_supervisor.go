package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

// LeaseSupervisor reaps stale processing entries back to scheduled (or to
// failed when out of attempts) with attempts incremented. spec.md §9 flags this as the recommended fix for a
// "robust reimplementation" and notes the distilled source left it
// unimplemented ("no explicit reaper is implemented") — we build it rather
// than leave the gap, since §9 recommends it rather than excluding it.
type LeaseSupervisor struct {
	sch          *Scheduler
	leaseTimeout time.Duration
	tick         time.Duration
}

func NewLeaseSupervisor(sch *Scheduler, leaseTimeout, tick time.Duration) *LeaseSupervisor {
	return &LeaseSupervisor{sch: sch, leaseTimeout: leaseTimeout, tick: tick}
}

// Run scans processing once per tick until ctx is cancelled.
func (l *LeaseSupervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.ReapOnce(ctx); err != nil {
				l.sch.log.Error().Err(err).Msg("lease supervisor: reap failed")
			}
		}
	}
}

// ReapOnce takes every processing entry whose lease (score = acquisition
// time) is older than leaseTimeout, increments attempts, and returns it to
// scheduled, or moves it to failed once attempts reach MaxAttempts.
func (l *LeaseSupervisor) ReapOnce(ctx context.Context) error {
	now := l.sch.now()
	cutoff := now.Add(-l.leaseTimeout).UnixMilli()

	stale, err := l.sch.kv.ZRangeByScore(ctx, kv.KeyProcessing, 0, float64(cutoff))
	if err != nil {
		return err
	}

	for _, raw := range stale {
		task, err := tasks.Unmarshal([]byte(raw))
		if err != nil {
			l.sch.log.Error().Err(err).Msg("lease supervisor: skipping malformed processing entry")
			continue
		}

		task.Attempts++
		nowMs := now.UnixMilli()
		task.LastAttemptAt = &nowMs

		pipe := l.sch.kv.Pipeline().ZRem(ctx, kv.KeyProcessing, raw)

		if task.Attempts < task.MaxAttempts {
			task.Status = tasks.StatusScheduled
			task.ScheduledFor = nowMs
			data, err := task.Marshal()
			if err != nil {
				return err
			}
			pipe.ZAdd(ctx, kv.KeyScheduled, float64(task.ScheduledFor), string(data))
			pipe.Set(ctx, kv.JobKey(task.ID), string(data), 0)
		} else {
			task.Status = tasks.StatusFailed
			task.Error = "lease expired: worker did not complete task within lease_timeout"
			data, err := task.Marshal()
			if err != nil {
				return err
			}
			pipe.ZAdd(ctx, kv.KeyFailed, float64(nowMs), string(data))
			pipe.Set(ctx, kv.JobKey(task.ID), string(data), 0)
		}

		statusJSON, _ := json.Marshal(task.StatusRecord())
		pipe.HSet(ctx, kv.KeyStatus, task.ID, string(statusJSON))

		if err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
