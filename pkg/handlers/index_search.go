package handlers

import (
	"context"

	"github.com/guido-cesarano/mailqueue/pkg/index"
	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

const chunkThreshold = 1000

// handleIndexSearch implements index_search: index (or delete) a document
// in the inverted index, chunking long content per spec.md §4.6. Progress
// is reported for the chunked path; single-document indexing is fast
// enough not to need it.
func (e *Env) handleIndexSearch(ctx context.Context, task *tasks.Task) error {
	payload, err := decodeJSON[tasks.IndexSearchPayload](task.Payload)
	if err != nil {
		return err
	}
	if payload.DocType == "" || payload.DocID == "" {
		return taskerr.Validationf("index_search: doc_type and doc_id are required")
	}

	lang := payload.Options.Language
	if lang == "" {
		lang = "en"
	}

	if payload.Delete {
		return e.Indexer.DeleteDocument(ctx, payload.DocType, payload.DocID, lang)
	}
	if payload.Content == "" {
		return taskerr.Validationf("index_search: content is required unless delete=true")
	}

	if len([]rune(payload.Content)) > chunkThreshold {
		chunkSize := payload.Options.ChunkSize
		progress := func(ctx context.Context, percent int) error {
			return e.Progress.UpdateProgress(ctx, task.ID, percent)
		}
		return e.Indexer.ChunkAndIndex(ctx, payload.DocID, payload.DocType, payload.Content, chunkSize, lang, progress)
	}

	doc := index.Document{
		ID:       payload.DocID,
		Type:     payload.DocType,
		Content:  payload.Content,
		Metadata: payload.Metadata,
	}
	return e.Indexer.IndexDocument(ctx, doc, lang)
}
