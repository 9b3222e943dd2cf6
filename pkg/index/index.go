// Package index implements the Indexer (spec.md §4.6): tokenization,
// TF-IDF-style scoring, the inverted postings and metadata side-store,
// chunked indexing with dense per-chunk vectors, and deletion.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
)

const (
	docLockTTL      = 30 * time.Second
	defaultChunkLen = 1000
	vectorDims      = 1536
)

// Document is the original content + metadata stored under doc[type][id].
type Document struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Meta is the stored meta[type][id] record: merged caller metadata plus
// lastIndexed.
type Meta struct {
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	LastIndexed int64                  `json:"last_indexed"`
}

// ProgressFunc reports chunk-indexing progress, satisfied by
// scheduler.ProgressReporter.UpdateProgress.
type ProgressFunc func(ctx context.Context, percent int) error

// Indexer owns posting/meta/doc writes under the per-document lock.
type Indexer struct {
	kv    *kv.Store
	locks *lock.Manager
}

func New(store *kv.Store, locks *lock.Manager) *Indexer {
	return &Indexer{kv: store, locks: locks}
}

func docLockName(typ, id string) string { return fmt.Sprintf("doc:%s:%s", typ, id) }

// IndexDocument implements spec.md §4.6's per-document indexing steps:
// acquire the per-document lock, write the document, compute term
// frequencies, write postings, write metadata, release.
func (ix *Indexer) IndexDocument(ctx context.Context, doc Document, lang string) error {
	if lang == "" {
		lang = "en"
	}
	if !SupportedLanguage(lang) {
		return taskerr.Validationf("unsupported index language %q", lang)
	}

	token, err := ix.locks.Acquire(ctx, docLockName(doc.Type, doc.ID), docLockTTL)
	if err != nil {
		if err == lock.ErrHeld {
			return taskerr.New(taskerr.LockHeld, fmt.Errorf("lock:doc:%s:%s held", doc.Type, doc.ID))
		}
		return err
	}
	defer ix.locks.Release(context.WithoutCancel(ctx), docLockName(doc.Type, doc.ID), token)

	return ix.writeDocument(ctx, doc, lang)
}

func (ix *Indexer) writeDocument(ctx context.Context, doc Document, lang string) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := ix.kv.HSet(ctx, kv.DocKey(doc.Type), doc.ID, string(docJSON)); err != nil {
		return err
	}

	tokens := Tokenize(doc.Content, lang)
	tf := TermFrequencies(tokens)
	member := fmt.Sprintf("%s:%s", doc.Type, doc.ID)
	contentLen := float64(len([]rune(doc.Content)))

	for term, freq := range tf {
		score := termScore(freq, contentLen)
		if err := ix.kv.ZAdd(ctx, kv.PostingKey(term), score, member); err != nil {
			return err
		}
	}

	meta := Meta{Metadata: mergeMeta(doc.Metadata), LastIndexed: time.Now().UnixMilli()}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return ix.kv.HSet(ctx, kv.MetaKey(doc.Type), doc.ID, string(metaJSON))
}

func mergeMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// termScore implements spec.md §4.6's score(f, d) = log(1+f) * (1/sqrt(len(content))).
func termScore(freq int, contentLen float64) float64 {
	if contentLen <= 0 {
		contentLen = 1
	}
	return math.Log(1+float64(freq)) * (1 / math.Sqrt(contentLen))
}

// DeleteDocument re-tokenizes the stored document, removes it from every
// posting for its unique tokens, and deletes doc+meta in one pipelined
// write.
func (ix *Indexer) DeleteDocument(ctx context.Context, typ, id, lang string) error {
	if lang == "" {
		lang = "en"
	}
	token, err := ix.locks.Acquire(ctx, docLockName(typ, id), docLockTTL)
	if err != nil {
		if err == lock.ErrHeld {
			return taskerr.New(taskerr.LockHeld, fmt.Errorf("lock:doc:%s:%s held", typ, id))
		}
		return err
	}
	defer ix.locks.Release(context.WithoutCancel(ctx), docLockName(typ, id), token)

	raw, err := ix.kv.HGet(ctx, kv.DocKey(typ), id)
	if err == kv.ErrNotFound {
		return nil // idempotent: already gone
	}
	if err != nil {
		return err
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return taskerr.Integrityf("malformed stored document %s:%s: %w", typ, id, err)
	}

	member := fmt.Sprintf("%s:%s", typ, id)
	tokens := Tokenize(doc.Content, lang)
	seen := map[string]bool{}
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		if err := ix.kv.ZRem(ctx, kv.PostingKey(t), member); err != nil {
			return err
		}
	}

	return ix.kv.Pipeline().
		HDel(ctx, kv.DocKey(typ), id).
		HDel(ctx, kv.MetaKey(typ), id).
		Exec(ctx)
}

// Reindex deletes then indexes doc under the same document lock, as
// spec.md §4.6's "re-index on content change" describes.
func (ix *Indexer) Reindex(ctx context.Context, doc Document, lang string) error {
	if lang == "" {
		lang = "en"
	}
	token, err := ix.locks.Acquire(ctx, docLockName(doc.Type, doc.ID), docLockTTL)
	if err != nil {
		if err == lock.ErrHeld {
			return taskerr.New(taskerr.LockHeld, fmt.Errorf("lock:doc:%s:%s held", doc.Type, doc.ID))
		}
		return err
	}
	defer ix.locks.Release(context.WithoutCancel(ctx), docLockName(doc.Type, doc.ID), token)

	if raw, err := ix.kv.HGet(ctx, kv.DocKey(doc.Type), doc.ID); err == nil {
		var old Document
		if jerr := json.Unmarshal([]byte(raw), &old); jerr == nil {
			member := fmt.Sprintf("%s:%s", doc.Type, doc.ID)
			for _, t := range uniqueTokens(Tokenize(old.Content, lang)) {
				ix.kv.ZRem(ctx, kv.PostingKey(t), member)
			}
		}
	} else if err != kv.ErrNotFound {
		return err
	}

	return ix.writeDocument(ctx, doc, lang)
}

func uniqueTokens(tokens []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// ChunkAndIndex implements spec.md §4.6's chunked indexing for long
// documents: split content into fixed-size chunks, index each as a
// synthetic document_chunk with a dense bag-of-words vector, reporting
// progress after each chunk.
func (ix *Indexer) ChunkAndIndex(ctx context.Context, docID, typ, content string, chunkSize int, lang string, progress ProgressFunc) error {
	if chunkSize <= 0 {
		chunkSize = defaultChunkLen
	}
	if lang == "" {
		lang = "en"
	}
	if !SupportedLanguage(lang) {
		return taskerr.Validationf("unsupported index language %q", lang)
	}

	chunks := splitChunks(content, chunkSize)
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunkID := fmt.Sprintf("%s_chunk_%d", docID, i)
		vec := chunkVector(chunk, lang)

		doc := Document{
			ID:      chunkID,
			Type:    "document_chunk",
			Content: chunk,
			Metadata: map[string]interface{}{
				"parent_doc_id":   docID,
				"parent_doc_type": typ,
				"chunk_index":     i,
				"vector":          vec,
			},
		}
		if err := ix.writeDocument(ctx, doc, lang); err != nil {
			return err
		}

		if progress != nil {
			percent := int(float64(i+1) / float64(len(chunks)) * 100)
			if err := progress(ctx, percent); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitChunks(content string, size int) []string {
	runes := []rune(content)
	if len(runes) == 0 {
		return []string{""}
	}
	var chunks []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// chunkVector produces a bag-of-words frequency vector over chunk's
// tokens, truncated or zero-padded to vectorDims and L2-normalized.
func chunkVector(chunk, lang string) []float64 {
	tokens := Tokenize(chunk, lang)
	vec := make([]float64, vectorDims)
	for i, t := range tokens {
		if i >= vectorDims {
			break
		}
		vec[hashToDim(t)]++
	}
	return l2Normalize(vec)
}

// hashToDim maps a token deterministically into [0, vectorDims) via FNV-1a,
// avoiding a vocabulary-sized dictionary for a fixed-width vector.
func hashToDim(token string) int {
	var h uint32 = 2166136261
	for i := 0; i < len(token); i++ {
		h ^= uint32(token[i])
		h *= 16777619
	}
	return int(h % uint32(vectorDims))
}

func l2Normalize(vec []float64) []float64 {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return vec
	}
	norm := math.Sqrt(sumSq)
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// DocumentCount returns the number of documents of typ currently stored, the
// length of the same doc:{type} KV hash the optimizer reads.
func (ix *Indexer) DocumentCount(ctx context.Context, typ string) (int64, error) {
	return ix.kv.HLen(ctx, kv.DocKey(typ))
}
