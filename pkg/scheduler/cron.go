package scheduler

import (
	"context"

	"github.com/guido-cesarano/mailqueue/pkg/tasks"
	"github.com/robfig/cron/v3"
)

// CronRegistrar wraps *cron.Cron, the same library and field the teacher's
// Client embedded, generalized from a single ad-hoc task template into a
// typed kind+payload registration that mints a fresh id and correlation id
// on every tick (the teacher's Client.Schedule left this as an open
// question in its own comments).
type CronRegistrar struct {
	cron *cron.Cron
	sch  *Scheduler
}

func NewCronRegistrar(sch *Scheduler) *CronRegistrar {
	return &CronRegistrar{
		cron: cron.New(cron.WithSeconds()),
		sch:  sch,
	}
}

// Schedule registers spec to enqueue a fresh kind/payload/opts task on
// every firing.
func (r *CronRegistrar) Schedule(spec string, kind tasks.Kind, payload interface{}, opts EnqueueOptions) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		ctx := context.Background()
		// Each firing gets its own id and correlation id; the caller's
		// CorrelationID, if any, is ignored so repeated runs don't
		// collide.
		runOpts := opts
		runOpts.CorrelationID = ""
		if _, err := r.sch.Enqueue(ctx, kind, payload, runOpts); err != nil {
			r.sch.log.Error().Err(err).Str("spec", spec).Str("kind", string(kind)).
				Msg("cron: failed to enqueue scheduled task")
		}
	})
}

// ScheduleFunc registers spec to enqueue a kind/opts task built fresh on
// every firing via payload, for maintenance tasks whose payload (a cutoff
// or time window) must reflect the firing time rather than registration
// time.
func (r *CronRegistrar) ScheduleFunc(spec string, kind tasks.Kind, payload func() interface{}, opts EnqueueOptions) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		ctx := context.Background()
		runOpts := opts
		runOpts.CorrelationID = ""
		if _, err := r.sch.Enqueue(ctx, kind, payload(), runOpts); err != nil {
			r.sch.log.Error().Err(err).Str("spec", spec).Str("kind", string(kind)).
				Msg("cron: failed to enqueue scheduled task")
		}
	})
}

// Every registers spec to run fn directly on every firing, for periodic
// in-process work that isn't a task enqueue (index optimization, alert
// evaluation).
func (r *CronRegistrar) Every(spec string, fn func(ctx context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() { fn(context.Background()) })
}

func (r *CronRegistrar) Start() { r.cron.Start() }
func (r *CronRegistrar) Stop()  { r.cron.Stop() }
