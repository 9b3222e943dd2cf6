// Package main implements the mailqueue worker process: it leases tasks
// from the scheduler, dispatches them to the handler registry, tracks
// Prometheus metrics, and runs the lease supervisor, index optimizer, and
// alert monitor on their own periodic schedules.
//
// The worker connects to Redis at 127.0.0.1:6379 (override with
// REDIS_ADDR) and exposes metrics at :8080/metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/alerts"
	"github.com/guido-cesarano/mailqueue/pkg/blob"
	"github.com/guido-cesarano/mailqueue/pkg/docstore"
	"github.com/guido-cesarano/mailqueue/pkg/handlers"
	"github.com/guido-cesarano/mailqueue/pkg/index"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
	"github.com/guido-cesarano/mailqueue/pkg/logger"
	"github.com/guido-cesarano/mailqueue/pkg/mail"
	"github.com/guido-cesarano/mailqueue/pkg/metrics"
	"github.com/guido-cesarano/mailqueue/pkg/optimizer"
	"github.com/guido-cesarano/mailqueue/pkg/scheduler"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
	"github.com/guido-cesarano/mailqueue/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	leaseTimeout = 30 * time.Second
	reaperTick   = 15 * time.Second
)

// mailSender picks a SendGridSender when SENDGRID_API_KEY is set, and a
// FakeSender otherwise so the worker still runs end to end in dev without
// a live account.
func mailSender() mail.Sender {
	if key := os.Getenv("SENDGRID_API_KEY"); key != "" {
		return mail.NewSendGridSender(key)
	}
	logger.Log.Warn().Msg("SENDGRID_API_KEY not set, using in-memory fake mail sender")
	return &mail.FakeSender{}
}

func main() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	store := kv.NewFromAddr(addr)
	locks := lock.New(store)

	monitor := alerts.New(store, logger.Log)

	sch := scheduler.New(store, scheduler.WithLogger(logger.Log), scheduler.WithAlerter(monitor))
	cron := scheduler.NewCronRegistrar(sch)

	env := &handlers.Env{
		Locks:     locks,
		Indexer:   index.New(store, locks),
		Mail:      mailSender(),
		Docs:      docstore.NewMemoryStore(),
		Blobs:     blob.NewMemoryStore(),
		Progress:  sch,
		Log:       logger.Log,
		Scheduler: sch,
	}
	registry := handlers.NewRegistry(env)

	monitor.Register("kv_reachable", alerts.KVReachabilityCheck(store))
	monitor.Register("ready_queue_depth", alerts.QueueDepthCheck(store, 10000))

	opt := optimizer.New(store, locks, logger.Log)
	monitor.Register("index_health", alerts.StorageStatsCheck(func(ctx context.Context) (string, []string, error) {
		report, err := opt.Analyze(ctx)
		if err != nil {
			return "", nil, err
		}
		return report.Status, report.Issues, nil
	}))

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Msg("metrics server listening on :8080")
		if err := http.ListenAndServe(":8080", nil); err != nil {
			logger.Log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("shutting down worker")
		cancel()
	}()

	supervisor := scheduler.NewLeaseSupervisor(sch, leaseTimeout, reaperTick)
	go supervisor.Run(ctx)

	go worker.CollectQueueDepths(ctx, store, reg, 5*time.Second)

	registerMaintenanceJobs(cron, opt, monitor)
	cron.Start()
	defer cron.Stop()

	w := worker.New(sch, registry, store,
		worker.WithLogger(logger.Log),
		worker.WithMetrics(reg),
		worker.WithRateLimit(10, 20),
	)

	logger.Log.Info().Msg("worker started, waiting for tasks")
	w.Run(ctx)
}

// registerMaintenanceJobs wires the periodic sweeps spec.md §4.8/§4.9 call
// for: index optimization, alert evaluation, and the cleanup_storage /
// generate_analytics tasks that keep docstore bounded and reporting fresh.
// cleanup_storage and generate_analytics go through ScheduleFunc so their
// cutoff/window reflects firing time rather than registration time.
func registerMaintenanceJobs(cron *scheduler.CronRegistrar, opt *optimizer.Optimizer, monitor *alerts.Monitor) {
	if _, err := cron.Every("@hourly", func(ctx context.Context) {
		if err := opt.Run(ctx); err != nil {
			logger.Log.Error().Err(err).Msg("optimizer run failed")
		}
	}); err != nil {
		logger.Log.Error().Err(err).Msg("failed to register optimizer cron")
	}

	if _, err := cron.Every("@every 1m", func(ctx context.Context) {
		if _, err := monitor.RunChecks(ctx); err != nil {
			logger.Log.Error().Err(err).Msg("alert checks failed")
		}
	}); err != nil {
		logger.Log.Error().Err(err).Msg("failed to register alert checks cron")
	}

	if _, err := cron.ScheduleFunc("@daily", tasks.KindCleanupStorage, func() interface{} {
		return cleanupPayload(30 * 24 * time.Hour)
	}, scheduler.EnqueueOptions{Priority: tasks.PriorityLow}); err != nil {
		logger.Log.Error().Err(err).Msg("failed to register cleanup_storage cron")
	}

	if _, err := cron.ScheduleFunc("@hourly", tasks.KindGenerateAnalytics, func() interface{} {
		return analyticsPayload(time.Hour)
	}, scheduler.EnqueueOptions{Priority: tasks.PriorityLow}); err != nil {
		logger.Log.Error().Err(err).Msg("failed to register generate_analytics cron")
	}
}

func cleanupPayload(maxAge time.Duration) tasks.CleanupStoragePayload {
	return tasks.CleanupStoragePayload{
		Types:    []string{"email", "thread", "analytics"},
		CutoffMs: time.Now().Add(-maxAge).UnixMilli(),
	}
}

func analyticsPayload(window time.Duration) tasks.GenerateAnalyticsPayload {
	now := time.Now()
	return tasks.GenerateAnalyticsPayload{
		WindowStartMs: now.Add(-window).UnixMilli(),
		WindowEndMs:   now.UnixMilli(),
	}
}
