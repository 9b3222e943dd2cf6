package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/guido-cesarano/mailqueue/pkg/blob"
	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

const defaultMaxAttachmentBytes = 25 << 20 // 25 MiB

// handleProcessAttachments implements process_attachments: validate MIME
// and size against the payload's (or default) limits, sanitize the
// filename, compute SHA-256, and copy raw bytes into their final blob key.
// Rejects (fatal, no retry) anything over the size limit or off the MIME
// whitelist.
func (e *Env) handleProcessAttachments(ctx context.Context, task *tasks.Task) error {
	payload, err := decodeJSON[tasks.ProcessAttachmentsPayload](task.Payload)
	if err != nil {
		return err
	}
	if len(payload.Attachments) == 0 {
		return taskerr.Validationf("process_attachments: at least one attachment is required")
	}

	maxBytes := payload.MaxSizeBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxAttachmentBytes
	}

	for _, att := range payload.Attachments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if att.SizeBytes > maxBytes {
			return taskerr.Validationf("attachment %s: size %d exceeds limit %d", att.Filename, att.SizeBytes, maxBytes)
		}
		if len(payload.AllowedMimeList) > 0 && !mimeAllowed(att.ContentType, payload.AllowedMimeList) {
			return taskerr.Validationf("attachment %s: mime type %s not whitelisted", att.Filename, att.ContentType)
		}

		raw, err := e.Blobs.Get(ctx, att.RawBlobKey)
		if err != nil {
			return taskerr.Transientf("fetch raw attachment %s: %w", att.RawBlobKey, err)
		}

		sum := sha256.Sum256(raw.Bytes)
		checksum := hex.EncodeToString(sum[:])

		finalKey := blob.AttachmentKey(att.Filename)
		if err := e.Blobs.Put(ctx, finalKey, raw.Bytes, blob.Metadata{
			HTTPMetadata:   map[string]string{"Content-Type": att.ContentType},
			CustomMetadata: map[string]string{"sha256": checksum, "message_id": payload.MessageID},
		}); err != nil {
			return taskerr.Transientf("store attachment %s: %w", finalKey, err)
		}
	}
	return nil
}

func mimeAllowed(mime string, allowed []string) bool {
	for _, a := range allowed {
		if a == mime {
			return true
		}
	}
	return false
}
