package handlers

import (
	"context"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

// handleCleanupStorage implements cleanup_storage: delete docstore rows
// older than cutoff_ms subject to exclude_patterns (exclude-wins on
// conflict with types, per the documented default), optionally dry-run.
// Never deletes anything newer than the cutoff, and is idempotent — a
// second run over the same cutoff finds nothing left to delete.
func (e *Env) handleCleanupStorage(ctx context.Context, task *tasks.Task) error {
	payload, err := decodeJSON[tasks.CleanupStoragePayload](task.Payload)
	if err != nil {
		return err
	}
	if payload.CutoffMs <= 0 {
		return taskerr.Validationf("cleanup_storage: cutoff_ms is required")
	}

	cutoff := time.UnixMilli(payload.CutoffMs)
	deleted, err := e.Docs.DeleteOlderThan(ctx, payload.Types, cutoff, payload.ExcludePatterns, payload.DryRun)
	if err != nil {
		return taskerr.Transientf("cleanup_storage: %w", err)
	}

	if task.Metadata == nil {
		task.Metadata = map[string]interface{}{}
	}
	task.Metadata["cleanup_deleted_count"] = deleted
	task.Metadata["cleanup_dry_run"] = payload.DryRun

	e.Log.Info().Int("deleted", deleted).Bool("dry_run", payload.DryRun).Msg("cleanup_storage: completed")
	return nil
}
