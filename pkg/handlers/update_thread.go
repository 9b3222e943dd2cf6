package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/docstore"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

const threadLockTTL = 10 * time.Second

// handleUpdateThread implements update_thread: apply a partial mutation to
// a thread record under the per-thread lock (the "compare-and-set by lock"
// invariant), optionally re-enqueuing index_search afterward.
func (e *Env) handleUpdateThread(ctx context.Context, task *tasks.Task) error {
	payload, err := decodeJSON[tasks.UpdateThreadPayload](task.Payload)
	if err != nil {
		return err
	}
	if payload.ThreadID == "" {
		return taskerr.Validationf("update_thread: thread_id is required")
	}

	var thread docstore.Thread
	lockName := "thread:" + payload.ThreadID
	err = e.Locks.WithLock(ctx, lockName, threadLockTTL, func(ctx context.Context) error {
		return e.Docs.UpdateThread(ctx, payload.ThreadID, func(t *docstore.Thread) error {
			applyMutation(t, payload.Mutation)
			thread = *t
			return nil
		})
	})
	if err == lock.ErrHeld {
		return taskerr.New(taskerr.LockHeld, fmt.Errorf("thread %s lock held", payload.ThreadID))
	}
	if err == docstore.ErrNotFound {
		return taskerr.Validationf("update_thread: thread %s not found", payload.ThreadID)
	}
	if err != nil {
		return taskerr.Transientf("update thread: %w", err)
	}

	if !payload.ReindexAfter {
		return nil
	}

	content := thread.Subject
	indexPayload := tasks.IndexSearchPayload{
		DocType: "thread",
		DocID:   thread.ID,
		Content: content,
	}
	indexRaw, err := json.Marshal(indexPayload)
	if err != nil {
		return fmt.Errorf("marshal index_search dependent payload: %w", err)
	}

	if task.Metadata == nil {
		task.Metadata = map[string]interface{}{}
	}
	task.Metadata["dependent_tasks"] = []tasks.DependentTask{
		{Kind: tasks.KindIndexSearch, Payload: indexRaw},
	}
	return nil
}

// applyMutation merges a flat set of known field updates into t. Unknown
// keys land in t.Metadata so forward-compatible mutation fields survive a
// round trip instead of being silently dropped.
func applyMutation(t *docstore.Thread, mutation map[string]interface{}) {
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	for k, v := range mutation {
		switch strings.ToLower(k) {
		case "subject":
			if s, ok := v.(string); ok {
				t.Subject = s
			}
		default:
			t.Metadata[k] = v
		}
	}
}
