package search

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/mailqueue/pkg/index"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
	"github.com/rs/zerolog"
)

func setup(t *testing.T) (*Engine, *index.Indexer, *kv.Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	store := kv.NewFromAddr(s.Addr())
	ix := index.New(store, lock.New(store))
	vocab := NewVocabularyCache()
	return New(store, vocab, zerolog.Nop()), ix, store
}

func TestSearchRanksByScore(t *testing.T) {
	e, ix, _ := setup(t)
	ctx := context.Background()

	docs := []index.Document{
		{ID: "1", Type: "email", Content: "quarterly revenue quarterly revenue forecast"},
		{ID: "2", Type: "email", Content: "quarterly planning meeting notes"},
	}
	for _, d := range docs {
		if err := ix.IndexDocument(ctx, d, "en"); err != nil {
			t.Fatalf("IndexDocument: %v", err)
		}
	}

	res, err := e.Search(ctx, Request{QueryText: "quarterly revenue", Size: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(res.Hits))
	}
	if res.Hits[0].ID != "1" {
		t.Fatalf("expected doc 1 to rank first, got %s", res.Hits[0].ID)
	}
}

func TestSearchFiltersByMetadata(t *testing.T) {
	e, ix, _ := setup(t)
	ctx := context.Background()

	if err := ix.IndexDocument(ctx, index.Document{
		ID: "1", Type: "email", Content: "budget forecast",
		Metadata: map[string]interface{}{"priority": "high"},
	}, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if err := ix.IndexDocument(ctx, index.Document{
		ID: "2", Type: "email", Content: "budget forecast",
		Metadata: map[string]interface{}{"priority": "low"},
	}, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	res, err := e.Search(ctx, Request{QueryText: "budget forecast", Filters: map[string]string{"priority": "high"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 || res.Hits[0].ID != "1" {
		t.Fatalf("expected only doc 1 to survive the filter, got %+v", res.Hits)
	}
}

func TestSearchDropsDocWithMissingMetadataWhenFiltering(t *testing.T) {
	e, ix, _ := setup(t)
	ctx := context.Background()

	if err := ix.IndexDocument(ctx, index.Document{ID: "1", Type: "email", Content: "budget forecast"}, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	res, err := e.Search(ctx, Request{QueryText: "budget forecast", Filters: map[string]string{"priority": "high"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 0 {
		t.Fatalf("expected doc with missing metadata field to be dropped, got %+v", res.Hits)
	}
}

func TestSearchPaginates(t *testing.T) {
	e, ix, _ := setup(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := ix.IndexDocument(ctx, index.Document{ID: id, Type: "email", Content: "budget forecast detail"}, "en"); err != nil {
			t.Fatalf("IndexDocument: %v", err)
		}
	}

	res, err := e.Search(ctx, Request{QueryText: "budget forecast", From: 1, Size: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 3 {
		t.Fatalf("expected total=3, got %d", res.Total)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("expected 1 hit on this page, got %d", len(res.Hits))
	}
}

func TestSearchHighlightTruncates(t *testing.T) {
	e, ix, _ := setup(t)
	ctx := context.Background()

	long := make([]byte, 500)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	if err := ix.IndexDocument(ctx, index.Document{ID: "1", Type: "email", Content: "budget " + string(long)}, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	res, err := e.Search(ctx, Request{QueryText: "budget", Highlight: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(res.Hits))
	}
	if len(res.Hits[0].Highlight) >= len(long) {
		t.Fatalf("expected highlight to be truncated")
	}
}

func TestSearchFuzzyExpandsWithinDistance(t *testing.T) {
	e, ix, store := setup(t)
	ctx := context.Background()

	if err := ix.IndexDocument(ctx, index.Document{ID: "1", Type: "email", Content: "forecast budget"}, "en"); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if err := e.vocab.Refresh(ctx, store); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// "forecest" is one substitution away from "forecast".
	res, err := e.Search(ctx, Request{QueryText: "forecest", Fuzzy: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("expected fuzzy match to surface doc 1, got %+v", res.Hits)
	}
}

func TestLevenshteinDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"forecast", "forecest", 1},
	}
	for _, c := range cases {
		got := levenshtein(c.a, c.b)
		if got != c.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
