package optimizer

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/mailqueue/pkg/index"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
	"github.com/rs/zerolog"
)

func setup(t *testing.T) (*Optimizer, *index.Indexer, *kv.Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	store := kv.NewFromAddr(s.Addr())
	locks := lock.New(store)
	ix := index.New(store, locks)
	return New(store, locks, zerolog.Nop()), ix, store
}

func TestCleanupRemovesEmptyPostings(t *testing.T) {
	o, _, store := setup(t)
	ctx := context.Background()

	if err := store.ZAdd(ctx, kv.PostingKey("ghost"), 1.0, "email:1"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if err := store.ZRem(ctx, kv.PostingKey("ghost"), "email:1"); err != nil {
		t.Fatalf("ZRem: %v", err)
	}

	if err := o.cleanupEmptyPostings(ctx); err != nil {
		t.Fatalf("cleanupEmptyPostings: %v", err)
	}

	if _, err := store.Get(ctx, kv.PostingKey("ghost")); err != kv.ErrNotFound {
		card, _ := store.ZCard(ctx, kv.PostingKey("ghost"))
		if card != 0 {
			t.Fatalf("expected empty posting removed, card=%d", card)
		}
	}
}

func TestRecomputeTermFrequenciesRescales(t *testing.T) {
	o, ix, store := setup(t)
	ctx := context.Background()

	if err := ix.IndexDocument(ctx, index.Document{ID: "1", Type: "email", Content: "quarterly revenue report"}, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	before, err := store.ZScore(ctx, kv.PostingKey("quarterly"), "email:1")
	if err != nil {
		t.Fatalf("ZScore before: %v", err)
	}

	if err := o.recomputeTermFrequencies(ctx); err != nil {
		t.Fatalf("recomputeTermFrequencies: %v", err)
	}

	after, err := store.ZScore(ctx, kv.PostingKey("quarterly"), "email:1")
	if err != nil {
		t.Fatalf("ZScore after: %v", err)
	}
	if after == before {
		t.Fatalf("expected score to be rescaled by idf, stayed at %f", before)
	}
}

func TestAnalyzeReportsHealthyWithNoData(t *testing.T) {
	o, _, _ := setup(t)
	ctx := context.Background()

	report, err := o.Analyze(ctx)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if report.TotalTerms != 0 || report.TotalDocuments != 0 {
		t.Fatalf("expected zeroed report on empty index, got %+v", report)
	}
}

func TestAnalyzeCachesReport(t *testing.T) {
	o, ix, store := setup(t)
	ctx := context.Background()

	if err := ix.IndexDocument(ctx, index.Document{ID: "1", Type: "email", Content: "quarterly revenue report"}, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	if _, err := o.Analyze(ctx); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	raw, err := store.Get(ctx, "search:stats")
	if err != nil {
		t.Fatalf("expected cached report, got %v", err)
	}
	if raw == "" {
		t.Fatalf("expected non-empty cached report")
	}
}

func TestRunHeldLockPropagatesErr(t *testing.T) {
	o, _, store := setup(t)
	ctx := context.Background()
	locks := lock.New(store)

	token, err := locks.Acquire(ctx, optimizationLockName, optimizationLockTTL)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer locks.Release(ctx, optimizationLockName, token)

	if err := o.Run(ctx); err != lock.ErrHeld {
		t.Fatalf("expected ErrHeld when lock contended, got %v", err)
	}
}
