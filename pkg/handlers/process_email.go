package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/mailqueue/pkg/docstore"
	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

// handleProcessEmail implements the process_email task: normalize the
// inbound email, find or create its thread by reference chain, persist the
// record, and add an index_search entry to task.Metadata["dependent_tasks"]
// for the scheduler's completion hook to enqueue. Attachments listed in the
// payload are only logged; this handler does not store or copy their bytes.
func (e *Env) handleProcessEmail(ctx context.Context, task *tasks.Task) error {
	payload, err := decodeJSON[tasks.ProcessEmailPayload](task.Payload)
	if err != nil {
		return err
	}
	if payload.MessageID == "" || payload.From == "" {
		return taskerr.Validationf("process_email: message_id and from are required")
	}

	if existing, err := e.Docs.GetEmailByMessageID(ctx, payload.MessageID); err == nil && existing != nil {
		e.Log.Info().Str("message_id", payload.MessageID).Msg("process_email: already processed, skipping")
		return nil
	} else if err != nil && err != docstore.ErrNotFound {
		return taskerr.Transientf("lookup existing email: %w", err)
	}

	threadID, err := e.resolveThread(ctx, payload.Subject, payload.ThreadRefs, payload.MessageID)
	if err != nil {
		return err
	}

	emailID := uuid.New().String()
	email := docstore.Email{
		ID:          emailID,
		MessageID:   payload.MessageID,
		ThreadID:    threadID,
		From:        payload.From,
		To:          payload.To,
		Subject:     payload.Subject,
		TextContent: payload.TextContent,
		HTMLContent: payload.HTMLContent,
		Priority:    string(task.Priority),
		CreatedAt:   time.UnixMilli(task.CreatedAt),
	}
	if err := e.Docs.PutEmail(ctx, email); err != nil {
		if err == docstore.ErrConflict {
			return nil // duplicate delivery, already indexed under another id
		}
		return taskerr.Transientf("put email: %w", err)
	}

	if err := e.Docs.UpdateThread(ctx, threadID, func(t *docstore.Thread) error {
		t.EmailIDs = append(t.EmailIDs, emailID)
		t.UpdatedAt = time.Now()
		return nil
	}); err != nil {
		e.Log.Warn().Err(err).Str("thread_id", threadID).Msg("process_email: failed to attach email to thread")
	}

	for i, att := range payload.Attachments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if att.BlobKey == "" {
			continue
		}
		e.Log.Debug().Int("index", i).Str("filename", att.Filename).Msg("process_email: attachment referenced")
	}

	indexContent := payload.Subject + "\n" + payload.TextContent
	indexPayload := tasks.IndexSearchPayload{
		DocType: "email",
		DocID:   emailID,
		Content: indexContent,
		Metadata: map[string]interface{}{
			"thread_id": threadID,
			"from":      payload.From,
			"priority":  string(task.Priority),
		},
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

// resolveThread finds an existing thread by reference chain, or creates a
// new one, returning its id.
func (e *Env) resolveThread(ctx context.Context, subject string, refs []string, messageID string) (string, error) {
	if len(refs) > 0 {
		thread, err := e.Docs.FindThreadByReferences(ctx, refs)
		if err == nil {
			return thread.ID, nil
		}
		if err != docstore.ErrNotFound {
			return "", taskerr.Transientf("find thread by references: %w", err)
		}
	}

	threadID := uuid.New().String()
	newRefs := append(append([]string{}, refs...), messageID)
	thread := docstore.Thread{
		ID:        threadID,
		Subject:   subject,
		UpdatedAt: time.Now(),
		Metadata:  map[string]interface{}{"reference_chain": newRefs},
	}
	if err := e.Docs.PutThread(ctx, thread); err != nil {
		return "", taskerr.Transientf("put thread: %w", err)
	}
	return threadID, nil
}
