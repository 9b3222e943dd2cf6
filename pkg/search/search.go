// Package search implements the Query Engine (spec.md §4.7): tokenize,
// fetch postings, optionally expand via fuzzy matching against a cached
// vocabulary, sum scores, filter by metadata, sort/paginate, highlight.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/index"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/rs/zerolog"
)

const fuzzyWeight = 0.5
const fuzzyMaxDistance = 2
const highlightLen = 200

// Request mirrors spec.md §4.7's query input.
type Request struct {
	QueryText string
	From      int
	Size      int
	Filters   map[string]string
	Highlight bool
	Fuzzy     bool
	Language  string
}

// Hit is one scored, fetched, optionally-highlighted result.
type Hit struct {
	Type      string  `json:"type"`
	ID        string  `json:"id"`
	Score     float64 `json:"score"`
	Highlight string  `json:"highlight,omitempty"`
}

// Result is the full response to a Search call.
type Result struct {
	Hits  []Hit `json:"hits"`
	Total int   `json:"total"`
}

// VocabularyCache holds a snapshot of every indexed term, taken by Refresh
// rather than scanned per query (spec.md §9's bound on the fuzzy candidate
// set). Nothing refreshes it automatically: cmd/server calls Refresh once at
// startup, so terms indexed after the last Refresh are not fuzzy candidates.
type VocabularyCache struct {
	mu      sync.RWMutex
	terms   []string
	updated time.Time
}

func NewVocabularyCache() *VocabularyCache { return &VocabularyCache{} }

func (v *VocabularyCache) Refresh(ctx context.Context, store *kv.Store) error {
	var terms []string
	err := store.ScanKeys(ctx, "posting:*", 1000, func(batch []string) error {
		for _, k := range batch {
			terms = append(terms, strings.TrimPrefix(k, "posting:"))
		}
		return nil
	})
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.terms = terms
	v.updated = time.Now()
	v.mu.Unlock()
	return nil
}

func (v *VocabularyCache) snapshot() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.terms))
	copy(out, v.terms)
	return out
}

// Engine answers Search requests over the shared KV substrate.
type Engine struct {
	kv    *kv.Store
	vocab *VocabularyCache
	log   zerolog.Logger
}

func New(store *kv.Store, vocab *VocabularyCache, log zerolog.Logger) *Engine {
	return &Engine{kv: store, vocab: vocab, log: log}
}

// Search implements spec.md §4.7's seven-step algorithm.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	if req.Size <= 0 {
		req.Size = 20
	}
	lang := req.Language
	if lang == "" {
		lang = "en"
	}

	tokens := index.Tokenize(req.QueryText, lang)
	scores := make(map[string]float64)

	for _, term := range tokens {
		if err := e.addPostings(ctx, term, 1.0, scores); err != nil {
			return nil, err
		}
	}

	if req.Fuzzy {
		for _, term := range tokens {
			for _, candidate := range e.vocab.snapshot() {
				if candidate == term {
					continue
				}
				if levenshtein(term, candidate) <= fuzzyMaxDistance {
					if err := e.addPostings(ctx, candidate, fuzzyWeight, scores); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	type scored struct {
		typ, id string
		score   float64
	}
	var candidates []scored
	for member, score := range scores {
		parts := strings.SplitN(member, ":", 2)
		if len(parts) != 2 {
			continue
		}
		candidates = append(candidates, scored{typ: parts[0], id: parts[1], score: score})
	}

	var survivors []scored
	for _, c := range candidates {
		ok, err := e.matchesFilters(ctx, c.typ, c.id, req.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			survivors = append(survivors, c)
		}
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].score != survivors[j].score {
			return survivors[i].score > survivors[j].score
		}
		return survivors[i].id < survivors[j].id
	})

	total := len(survivors)
	from := req.From
	if from > len(survivors) {
		from = len(survivors)
	}
	to := from + req.Size
	if to > len(survivors) {
		to = len(survivors)
	}
	page := survivors[from:to]

	hits := make([]Hit, 0, len(page))
	for _, c := range page {
		hit := Hit{Type: c.typ, ID: c.id, Score: c.score}
		if req.Highlight {
			snippet, err := e.highlight(ctx, c.typ, c.id)
			if err != nil {
				return nil, err
			}
			hit.Highlight = snippet
		}
		hits = append(hits, hit)
	}

	return &Result{Hits: hits, Total: total}, nil
}

// addPostings fetches the full posting list for term with its members'
// scores and accumulates weight*score per doc.
func (e *Engine) addPostings(ctx context.Context, term string, weight float64, scores map[string]float64) error {
	zs, err := e.kv.Raw().ZRangeWithScores(ctx, kv.PostingKey(term), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, z := range zs {
		member, _ := z.Member.(string)
		if member == "" {
			continue
		}
		scores[member] += z.Score * weight
	}
	return nil
}

// matchesFilters implements the filter step: missing or malformed metadata
// drops the doc; every requested filter key must match exactly.
func (e *Engine) matchesFilters(ctx context.Context, typ, id string, filters map[string]string) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	raw, err := e.kv.HGet(ctx, kv.MetaKey(typ), id)
	if err == kv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var meta index.Meta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		e.log.Warn().Err(err).Str("type", typ).Str("id", id).Msg("malformed metadata, dropping from results")
		return false, nil
	}

	for k, want := range filters {
		got, ok := meta.Metadata[k]
		if !ok {
			return false, nil
		}
		if fmt.Sprintf("%v", got) != want {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) highlight(ctx context.Context, typ, id string) (string, error) {
	raw, err := e.kv.HGet(ctx, kv.DocKey(typ), id)
	if err == kv.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var doc index.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", nil
	}
	content := []rune(doc.Content)
	if len(content) <= highlightLen {
		return doc.Content, nil
	}
	return string(content[:highlightLen]) + "...", nil
}

// levenshtein computes the standard edit-distance dynamic program; used
// only over the small cached vocabulary, never the full content corpus.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	n, m := len(ra), len(rb)
	if n == 0 {
		return m
	}
	if m == 0 {
		return n
	}

	prev := make([]int, m+1)
	curr := make([]int, m+1)
	for j := 0; j <= m; j++ {
		prev[j] = j
	}

	for i := 1; i <= n; i++ {
		curr[0] = i
		for j := 1; j <= m; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[m]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
