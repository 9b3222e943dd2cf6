// Package main implements the mailqueue HTTP API server: enqueue tasks,
// check status, run searches, and inspect alerts/queue depth.
//
// API Endpoints:
//
//	POST /enqueue  - enqueue a task {kind, payload, priority, scheduled_for?}
//	GET  /status   - task status by ?id=
//	POST /schedule - register a recurring cron enqueue {spec, kind, payload, priority}
//	GET  /search   - run a query {q, type?, from?, size?, fuzzy?}
//	GET  /alerts   - list recent alerts
//	GET  /stats    - queue depths and index health
//
// The server listens on :8081 and connects to Redis at 127.0.0.1:6379 by
// default (override with REDIS_ADDR).
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/alerts"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
	"github.com/guido-cesarano/mailqueue/pkg/logger"
	"github.com/guido-cesarano/mailqueue/pkg/optimizer"
	"github.com/guido-cesarano/mailqueue/pkg/scheduler"
	"github.com/guido-cesarano/mailqueue/pkg/search"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// statsResponse is the /stats payload: queue depths by partition plus the
// optimizer's cached index health report.
type statsResponse struct {
	QueueDepths map[string]int64  `json:"queue_depths"`
	Index       *optimizer.Report `json:"index,omitempty"`
}

// setupRouter configures the HTTP handlers and returns the mux.
func setupRouter(store *kv.Store, sch *scheduler.Scheduler, cron *scheduler.CronRegistrar, engine *search.Engine, monitor *alerts.Monitor, opt *optimizer.Optimizer, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/enqueue", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Kind         string                 `json:"kind"`
			Payload      map[string]interface{} `json:"payload"`
			Priority     string                 `json:"priority"`
			ScheduledFor *int64                 `json:"scheduled_for"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		opts := scheduler.EnqueueOptions{Priority: tasks.Priority(req.Priority)}
		if opts.Priority == "" {
			opts.Priority = tasks.PriorityNormal
		}
		if req.ScheduledFor != nil {
			at := time.UnixMilli(*req.ScheduledFor)
			opts.ScheduledFor = &at
		}

		id, err := sch.Enqueue(r.Context(), tasks.Kind(req.Kind), req.Payload, opts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	}, apiKey)))

	mux.HandleFunc("/status", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing id parameter", http.StatusBadRequest)
			return
		}

		status, err := sch.GetStatus(r.Context(), id)
		if err != nil || status == nil {
			http.Error(w, "status not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}, apiKey)))

	mux.HandleFunc("/schedule", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Spec     string                 `json:"spec"`
			Kind     string                 `json:"kind"`
			Payload  map[string]interface{} `json:"payload"`
			Priority string                 `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		opts := scheduler.EnqueueOptions{Priority: tasks.Priority(req.Priority)}
		if opts.Priority == "" {
			opts.Priority = tasks.PriorityNormal
		}

		entryID, err := cron.Schedule(req.Spec, tasks.Kind(req.Kind), req.Payload, opts)
		if err != nil {
			http.Error(w, "invalid cron spec: "+err.Error(), http.StatusBadRequest)
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{"entry_id": entryID})
	}, apiKey)))

	mux.HandleFunc("/search", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := search.Request{
			QueryText: q.Get("q"),
			Language:  q.Get("lang"),
			Fuzzy:     q.Get("fuzzy") == "true",
			Size:      20,
		}
		if t := q.Get("type"); t != "" {
			req.Filters = map[string]string{"type": t}
		}
		if from, err := strconv.Atoi(q.Get("from")); err == nil {
			req.From = from
		}
		if size, err := strconv.Atoi(q.Get("size")); err == nil && size > 0 {
			req.Size = size
		}

		result, err := engine.Search(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}, apiKey)))

	mux.HandleFunc("/alerts", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		limit := int64(50)
		if n, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && n > 0 {
			limit = n
		}

		alertList, err := monitor.List(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(alertList)
	}, apiKey)))

	mux.HandleFunc("/stats", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		depths := map[string]int64{}
		for _, p := range []string{kv.KeyReady, kv.KeyScheduled, kv.KeyProcessing, kv.KeyFailed} {
			card, err := store.ZCard(ctx, p)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			depths[p] = card
		}

		report, err := opt.Analyze(ctx)
		if err != nil {
			logger.Log.Warn().Err(err).Msg("stats: index analysis failed")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statsResponse{QueueDepths: depths, Index: report})
	}, apiKey)))

	return mux
}

func main() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	store := kv.NewFromAddr(addr)
	locks := lock.New(store)

	sch := scheduler.New(store, scheduler.WithLogger(logger.Log))
	cron := scheduler.NewCronRegistrar(sch)
	cron.Start()
	defer cron.Stop()

	vocab := search.NewVocabularyCache()
	if err := vocab.Refresh(context.Background(), store); err != nil {
		logger.Log.Warn().Err(err).Msg("initial vocabulary refresh failed")
	}
	engine := search.New(store, vocab, logger.Log)
	monitor := alerts.New(store, logger.Log)
	opt := optimizer.New(store, locks, logger.Log)

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Log.Warn().Msg("API_KEY not set, authentication disabled")
	} else {
		logger.Log.Info().Msg("API authentication enabled")
	}

	mux := setupRouter(store, sch, cron, engine, monitor, opt, apiKey)

	logger.Log.Info().Msg("server listening on :8081")
	if err := http.ListenAndServe(":8081", mux); err != nil {
		logger.Log.Fatal().Err(err).Msg("server failed")
	}
}
