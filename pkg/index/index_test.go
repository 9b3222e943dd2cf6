package index

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
)

func setup(t *testing.T) *Indexer {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	store := kv.NewFromAddr(s.Addr())
	return New(store, lock.New(store))
}

func TestIndexDocumentWritesDocAndPostings(t *testing.T) {
	ix := setup(t)
	ctx := context.Background()

	doc := Document{ID: "1", Type: "email", Content: "Quarterly revenue report for the finance team"}
	if err := ix.IndexDocument(ctx, doc, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	raw, err := ix.kv.HGet(ctx, kv.DocKey("email"), "1")
	if err != nil {
		t.Fatalf("HGet doc: %v", err)
	}
	if raw == "" {
		t.Fatalf("expected stored document")
	}

	score, err := ix.kv.ZScore(ctx, kv.PostingKey("quarterly"), "email:1")
	if err != nil {
		t.Fatalf("ZScore posting: %v", err)
	}
	if score <= 0 {
		t.Fatalf("expected positive posting score, got %f", score)
	}

	if _, err := ix.kv.HGet(ctx, kv.MetaKey("email"), "1"); err != nil {
		t.Fatalf("expected meta record, got %v", err)
	}
}

func TestIndexDocumentRejectsShortAndStopWords(t *testing.T) {
	ix := setup(t)
	ctx := context.Background()

	doc := Document{ID: "2", Type: "email", Content: "the and for"}
	if err := ix.IndexDocument(ctx, doc, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	if _, err := ix.kv.ZScore(ctx, kv.PostingKey("the"), "email:2"); err != kv.ErrNotFound {
		t.Fatalf("expected stop word to be dropped from postings, got err=%v", err)
	}
}

func TestIndexDocumentRejectsUnsupportedLanguage(t *testing.T) {
	ix := setup(t)
	ctx := context.Background()

	err := ix.IndexDocument(ctx, Document{ID: "3", Type: "email", Content: "hola mundo"}, "it")
	if err == nil {
		t.Fatalf("expected validation error for unsupported language")
	}
}

func TestDeleteDocumentRemovesPostingsAndDoc(t *testing.T) {
	ix := setup(t)
	ctx := context.Background()

	doc := Document{ID: "4", Type: "email", Content: "Quarterly revenue report"}
	if err := ix.IndexDocument(ctx, doc, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	if err := ix.DeleteDocument(ctx, "email", "4", "en"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	if _, err := ix.kv.HGet(ctx, kv.DocKey("email"), "4"); err != kv.ErrNotFound {
		t.Fatalf("expected doc removed, got err=%v", err)
	}
	if _, err := ix.kv.ZScore(ctx, kv.PostingKey("quarterly"), "email:4"); err != kv.ErrNotFound {
		t.Fatalf("expected posting removed, got err=%v", err)
	}
}

func TestDeleteDocumentIsIdempotent(t *testing.T) {
	ix := setup(t)
	ctx := context.Background()

	if err := ix.DeleteDocument(ctx, "email", "missing", "en"); err != nil {
		t.Fatalf("expected idempotent delete of missing doc, got %v", err)
	}
}

func TestReindexReplacesPostings(t *testing.T) {
	ix := setup(t)
	ctx := context.Background()

	if err := ix.IndexDocument(ctx, Document{ID: "5", Type: "email", Content: "annual budget forecast"}, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if err := ix.Reindex(ctx, Document{ID: "5", Type: "email", Content: "quarterly revenue numbers"}, "en"); err != nil {
		t.Fatalf("Reindex: %v", err)
	}

	if _, err := ix.kv.ZScore(ctx, kv.PostingKey("annual"), "email:5"); err != kv.ErrNotFound {
		t.Fatalf("expected stale posting removed after reindex, got err=%v", err)
	}
	if _, err := ix.kv.ZScore(ctx, kv.PostingKey("quarterly"), "email:5"); err != nil {
		t.Fatalf("expected new posting present after reindex, got err=%v", err)
	}
}

func TestChunkAndIndexSplitsAndReportsProgress(t *testing.T) {
	ix := setup(t)
	ctx := context.Background()

	content := make([]byte, 2500)
	for i := range content {
		content[i] = byte('a' + i%26)
	}

	var lastPercent int
	progress := func(ctx context.Context, percent int) error {
		lastPercent = percent
		return nil
	}

	if err := ix.ChunkAndIndex(ctx, "doc-1", "email", string(content), 1000, "en", progress); err != nil {
		t.Fatalf("ChunkAndIndex: %v", err)
	}

	if lastPercent != 100 {
		t.Fatalf("expected final progress report of 100, got %d", lastPercent)
	}

	n, err := ix.DocumentCount(ctx, "document_chunk")
	if err != nil {
		t.Fatalf("DocumentCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 chunks for 2500 runes at size 1000, got %d", n)
	}
}

func TestChunkVectorIsUnitNormalized(t *testing.T) {
	vec := chunkVector("revenue revenue forecast quarterly budget", "en")
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq < 0.99 || sumSq > 1.01 {
		t.Fatalf("expected unit-norm vector, got sum-of-squares %f", sumSq)
	}
}

func TestTermScoreIncreasesWithFrequency(t *testing.T) {
	low := termScore(1, 100)
	high := termScore(5, 100)
	if !(high > low) {
		t.Fatalf("expected score to increase with frequency: low=%f high=%f", low, high)
	}
}
