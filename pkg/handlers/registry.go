// Package handlers implements the Handler Registry (spec.md §4.4) and the
// eight task-kind handlers (§4.5). Each handler validates its payload
// first — an invalid payload is fatal, no retry — then does its work
// idempotently under replay, acquiring per-resource locks where it
// mutates shared state.
package handlers

import (
	"github.com/guido-cesarano/mailqueue/pkg/blob"
	"github.com/guido-cesarano/mailqueue/pkg/docstore"
	"github.com/guido-cesarano/mailqueue/pkg/index"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
	"github.com/guido-cesarano/mailqueue/pkg/mail"
	"github.com/guido-cesarano/mailqueue/pkg/scheduler"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
	"github.com/guido-cesarano/mailqueue/pkg/worker"
	"github.com/rs/zerolog"
)

// Env is the shared set of collaborators every handler is constructed
// with: the narrow capability interfaces from spec.md §6 plus the
// in-process components (indexer, lock manager, progress reporter).
type Env struct {
	Locks     *lock.Manager
	Indexer   *index.Indexer
	Mail      mail.Sender
	Docs      docstore.Store
	Blobs     blob.Store
	Progress  scheduler.ProgressReporter
	Log       zerolog.Logger
	Scheduler *scheduler.Scheduler // for update_thread's optional re-index enqueue
}

// Registry implements worker.Registry over a map[tasks.Kind]worker.Handler
// built from an Env — the typed handler table spec.md §9 calls for in
// place of duck-typed dispatch.
type Registry struct {
	handlers map[tasks.Kind]worker.Handler
}

// NewRegistry builds the closed set of eight handlers bound to env.
func NewRegistry(env *Env) *Registry {
	return &Registry{
		handlers: map[tasks.Kind]worker.Handler{
			tasks.KindProcessEmail:       env.handleProcessEmail,
			tasks.KindSendEmail:          env.handleSendEmail,
			tasks.KindProcessAttachments: env.handleProcessAttachments,
			tasks.KindGenerateAnalytics:  env.handleGenerateAnalytics,
			tasks.KindCleanupStorage:     env.handleCleanupStorage,
			tasks.KindIndexSearch:        env.handleIndexSearch,
			tasks.KindUpdateThread:       env.handleUpdateThread,
			tasks.KindSendNotification:   env.handleSendNotification,
		},
	}
}

func (r *Registry) Lookup(kind tasks.Kind) (worker.Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}
