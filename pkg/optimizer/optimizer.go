// Package optimizer implements the Index Optimizer / Health component
// (spec.md §4.8): three maintenance passes under a single global lock, plus
// a cached health analysis report.
package optimizer

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/guido-cesarano/mailqueue/pkg/kv"
	"github.com/guido-cesarano/mailqueue/pkg/lock"
	"github.com/rs/zerolog"
)

const (
	optimizationLockName = "search:optimization:lock"
	optimizationLockTTL  = time.Hour
	batchSize            = 50
	batchPause           = 100 * time.Millisecond
	scanBatch            = 1000
	statsTTL             = time.Hour
	metadataMaxLen       = 1000
	storageSampleSize    = 100
)

// Optimizer runs the three periodic passes and the health analysis.
type Optimizer struct {
	kv    *kv.Store
	locks *lock.Manager
	log   zerolog.Logger
}

func New(store *kv.Store, locks *lock.Manager, log zerolog.Logger) *Optimizer {
	return &Optimizer{kv: store, locks: locks, log: log}
}

// Run executes the three maintenance passes under the single global lock,
// returning ErrHeld (via the lock package) if another optimizer holds it.
func (o *Optimizer) Run(ctx context.Context) error {
	return o.locks.WithLock(ctx, optimizationLockName, optimizationLockTTL, func(ctx context.Context) error {
		if err := o.cleanupEmptyPostings(ctx); err != nil {
			return err
		}
		if err := o.recomputeTermFrequencies(ctx); err != nil {
			return err
		}
		return o.optimizeMetadata(ctx)
	})
}

func pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(batchPause):
		return nil
	}
}

// cleanupEmptyPostings scans posting:* in batches of 1000 and deletes any
// posting with zero members.
func (o *Optimizer) cleanupEmptyPostings(ctx context.Context) error {
	var toDelete []string
	err := o.kv.ScanKeys(ctx, "posting:*", scanBatch, func(batch []string) error {
		for _, key := range batch {
			card, err := o.kv.ZCard(ctx, key)
			if err != nil {
				return err
			}
			if card == 0 {
				toDelete = append(toDelete, key)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := 0; i < len(toDelete); i += batchSize {
		end := min(i+batchSize, len(toDelete))
		if err := o.kv.Del(ctx, toDelete[i:end]...); err != nil {
			return err
		}
		if end < len(toDelete) {
			if err := pause(ctx); err != nil {
				return err
			}
		}
	}
	o.log.Info().Int("deleted", len(toDelete)).Msg("optimizer: cleaned up empty postings")
	return nil
}

// recomputeTermFrequencies rewrites every posting's member scores as
// (score/n)*idf where n is the member count and idf = log(n+1).
func (o *Optimizer) recomputeTermFrequencies(ctx context.Context) error {
	var postingKeys []string
	err := o.kv.ScanKeys(ctx, "posting:*", scanBatch, func(batch []string) error {
		postingKeys = append(postingKeys, batch...)
		return nil
	})
	if err != nil {
		return err
	}

	for i := 0; i < len(postingKeys); i += batchSize {
		end := min(i+batchSize, len(postingKeys))
		for _, key := range postingKeys[i:end] {
			if err := o.recomputeOnePosting(ctx, key); err != nil {
				return err
			}
		}
		if end < len(postingKeys) {
			if err := pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Optimizer) recomputeOnePosting(ctx context.Context, key string) error {
	members, err := o.kv.Raw().ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	n := len(members)
	if n == 0 {
		return nil
	}
	idf := math.Log(float64(n) + 1)

	p := o.kv.Pipeline()
	for _, m := range members {
		member, _ := m.Member.(string)
		newScore := (m.Score / float64(n)) * idf
		p.ZAdd(ctx, key, newScore, member)
	}
	return p.Exec(ctx)
}

// optimizeMetadata scans meta:* hashes and strips nulls / truncates
// string values > 1000 chars, pipelining a delete+re-set per hash field.
func (o *Optimizer) optimizeMetadata(ctx context.Context) error {
	var metaKeys []string
	err := o.kv.ScanKeys(ctx, "meta:*", scanBatch, func(batch []string) error {
		metaKeys = append(metaKeys, batch...)
		return nil
	})
	if err != nil {
		return err
	}

	for i := 0; i < len(metaKeys); i += batchSize {
		end := min(i+batchSize, len(metaKeys))
		for _, key := range metaKeys[i:end] {
			if err := o.optimizeOneMetaHash(ctx, key); err != nil {
				return err
			}
		}
		if end < len(metaKeys) {
			if err := pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Optimizer) optimizeOneMetaHash(ctx context.Context, key string) error {
	fields, err := o.kv.HGetAll(ctx, key)
	if err != nil {
		return err
	}

	p := o.kv.Pipeline()
	changed := false
	for field, raw := range fields {
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		meta, _ := rec["metadata"].(map[string]interface{})
		cleaned := cleanMetadata(meta)
		rec["metadata"] = cleaned

		newRaw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if string(newRaw) != raw {
			p.HDel(ctx, key, field)
			p.HSet(ctx, key, field, string(newRaw))
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return p.Exec(ctx)
}

func cleanMetadata(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && len(s) > metadataMaxLen {
			out[k] = s[:metadataMaxLen] + "..."
			continue
		}
		out[k] = v
	}
	return out
}

// Report is the spec.md §4.8 health analysis payload, cached 1h in
// search:stats.
type Report struct {
	TotalTerms      int64   `json:"total_terms"`
	TotalDocuments  int64   `json:"total_documents"`
	AvgTermFreq     float64 `json:"avg_term_frequency"`
	HighFreqTerms   int64   `json:"high_freq_terms"`
	MediumFreqTerms int64   `json:"medium_freq_terms"`
	LowFreqTerms    int64   `json:"low_freq_terms"`
	StorageBytes    int64   `json:"storage_estimate_bytes"`
	Status          string  `json:"status"`
	Issues          []string `json:"issues,omitempty"`
	GeneratedAt     int64   `json:"generated_at"`
}

// Analyze computes the health report and caches it in search:stats for
// statsTTL.
func (o *Optimizer) Analyze(ctx context.Context) (*Report, error) {
	var postingKeys, metaKeys []string
	if err := o.kv.ScanKeys(ctx, "posting:*", scanBatch, func(b []string) error {
		postingKeys = append(postingKeys, b...)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := o.kv.ScanKeys(ctx, "meta:*", scanBatch, func(b []string) error {
		metaKeys = append(metaKeys, b...)
		return nil
	}); err != nil {
		return nil, err
	}

	var totalFreq float64
	var docCount int64
	var freqs []int64
	for _, key := range postingKeys {
		card, err := o.kv.ZCard(ctx, key)
		if err != nil {
			return nil, err
		}
		freqs = append(freqs, card)
		totalFreq += float64(card)
	}
	for _, key := range metaKeys {
		n, err := o.kv.HLen(ctx, key)
		if err != nil {
			return nil, err
		}
		docCount += n
	}

	avgFreq := 0.0
	if len(freqs) > 0 {
		avgFreq = totalFreq / float64(len(freqs))
	}

	var high, medium, low int64
	for _, f := range freqs {
		switch {
		case float64(f) > avgFreq*1.5:
			high++
		case float64(f) < avgFreq*0.5:
			low++
		default:
			medium++
		}
	}

	storage := o.estimateStorage(ctx, append(append([]string{}, postingKeys...), metaKeys...))

	var issues []string
	if avgFreq < 1 {
		issues = append(issues, "low average term frequency")
	}
	if high > 2*medium {
		issues = append(issues, "unbalanced term distribution")
	}
	const oneGB = int64(1) << 30
	if storage > oneGB {
		issues = append(issues, "high storage usage")
	}

	status := "healthy"
	switch {
	case len(issues) >= 2:
		status = "unhealthy"
	case len(issues) == 1:
		status = "degraded"
	}

	report := &Report{
		TotalTerms:      int64(len(postingKeys)),
		TotalDocuments:  docCount,
		AvgTermFreq:     avgFreq,
		HighFreqTerms:   high,
		MediumFreqTerms: medium,
		LowFreqTerms:    low,
		StorageBytes:    storage,
		Status:          status,
		Issues:          issues,
		GeneratedAt:     time.Now().UnixMilli(),
	}

	raw, err := json.Marshal(report)
	if err == nil {
		_ = o.kv.Set(ctx, "search:stats", string(raw), statsTTL)
	}
	return report, nil
}

// estimateStorage samples up to storageSampleSize keys and sums a size
// proxy of key length + value length.
func (o *Optimizer) estimateStorage(ctx context.Context, keys []string) int64 {
	sample := keys
	if len(sample) > storageSampleSize {
		sample = sample[:storageSampleSize]
	}

	var total int64
	for _, key := range sample {
		total += int64(len(key))
		if strings.HasPrefix(key, "posting:") {
			members, err := o.kv.Raw().ZRangeWithScores(ctx, key, 0, -1).Result()
			if err != nil {
				continue
			}
			for _, m := range members {
				if s, ok := m.Member.(string); ok {
					total += int64(len(s)) + 8 // score as float64
				}
			}
		} else {
			fields, err := o.kv.HGetAll(ctx, key)
			if err != nil {
				continue
			}
			for f, v := range fields {
				total += int64(len(f) + len(v))
			}
		}
	}

	if len(keys) > len(sample) && len(sample) > 0 {
		avg := total / int64(len(sample))
		total = avg * int64(len(keys))
	}
	return total
}
