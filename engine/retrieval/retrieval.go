// Package retrieval implements multi-path memory search: a lexical stage
// over the store's fulltext index and a semantic stage over the vector
// index, merged, scored and re-ranked for diversity.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/mnemos/engine/cache"
	"github.com/hrygo/mnemos/engine/embedding"
	"github.com/hrygo/mnemos/engine/index"
	"github.com/hrygo/mnemos/engine/reranker"
	"github.com/hrygo/mnemos/metrics"
	"github.com/hrygo/mnemos/store"
)

// Error wraps a retrieval failure. It is returned only when every stage
// failed; a single failing stage degrades to the surviving one instead.
type Error struct {
	Query string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retrieval failed for %q: %v", e.Query, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ScoredMemory is one search hit with its score breakdown.
type ScoredMemory struct {
	Memory *store.MemoryEntry

	Relevance      float64 `json:"relevance_score"`
	KeywordScore   float64 `json:"keyword_score"`
	SemanticScore  float64 `json:"semantic_score"`
	TimeScore      float64 `json:"time_score"`
	AccessScore    float64 `json:"access_score"`
	DiversityBonus float64 `json:"diversity_bonus"`
}

// Result is a completed retrieval.
type Result struct {
	RequestID string
	Memories  []*ScoredMemory

	// Degraded is set when one search stage failed and results come from
	// the surviving stage only.
	Degraded  bool
	FromCache bool
}

// Stats is a snapshot of retrieval counters.
type Stats struct {
	TotalSearches int64       `json:"total_searches"`
	Degraded      int64       `json:"degraded"`
	Cache         cache.Stats `json:"cache"`
}

// Retriever runs the retrieval pipeline.
type Retriever struct {
	store    *store.Store
	index    *index.Index
	embedder embedding.Service
	reranker reranker.Service
	cache    *cache.ResultCache[[]*ScoredMemory]
	logger   *slog.Logger

	searches atomic.Int64
	degraded atomic.Int64
}

// New creates a Retriever. The reranker may be disabled; the cache capacity
// follows the profile.
func New(st *store.Store, idx *index.Index, embedder embedding.Service, rr reranker.Service, cacheCapacity int, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    st,
		index:    idx,
		embedder: embedder,
		reranker: rr,
		cache:    cache.NewResultCache[[]*ScoredMemory](cacheCapacity, 5*time.Minute),
		logger:   logger,
	}
}

// Retrieve returns the topK most relevant memories for the query.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, memoryType *store.MemoryType) (*Result, error) {
	start := time.Now()
	requestID := shortuuid.New()
	r.searches.Add(1)

	if topK <= 0 {
		topK = 5
	}

	key := cache.Key{Query: query, TopK: topK, TypeFilter: typeFilterKey(memoryType)}
	if cached, ok := r.cache.Get(key); ok {
		metrics.ObserveRetrieval(time.Since(start), true, false)
		r.logger.DebugContext(ctx, "retrieval cache hit",
			"request_id", requestID,
			"query", truncate(query, 50),
			"results", len(cached),
		)
		return &Result{RequestID: requestID, Memories: cached, FromCache: true}, nil
	}

	candidates, degraded, err := r.multiStage(ctx, requestID, query, topK, memoryType)
	if err != nil {
		metrics.ObserveRetrieval(time.Since(start), false, false)
		return nil, err
	}
	if degraded {
		r.degraded.Add(1)
	}

	// A type filter also drops semantic hits of other types that were
	// hydrated without the filter applied.
	if memoryType != nil {
		filtered := make([]*ScoredMemory, 0, len(candidates))
		for _, c := range candidates {
			if c.Memory.MemoryType == *memoryType {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	ranked := rankResults(candidates, query, time.Now())
	ranked = r.applyReranker(ctx, requestID, query, ranked, topK)
	final := diversityRerank(ranked, topK)

	r.touch(ctx, requestID, final)
	r.cache.Set(key, final)

	metrics.ObserveRetrieval(time.Since(start), false, degraded)
	r.logger.InfoContext(ctx, "memories retrieved",
		"request_id", requestID,
		"query", truncate(query, 50),
		"candidates", len(candidates),
		"results", len(final),
		"degraded", degraded,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Result{RequestID: requestID, Memories: final, Degraded: degraded}, nil
}

// multiStage runs the lexical and semantic stages in parallel. Both stages
// failing is an error; one failing degrades to the other.
func (r *Retriever) multiStage(ctx context.Context, requestID, query string, topK int, memoryType *store.MemoryType) ([]*ScoredMemory, bool, error) {
	type lexicalResult struct {
		err     error
		entries []*store.MemoryEntry
	}
	type semanticResult struct {
		err     error
		matches []index.Match
	}

	lexicalCh := make(chan lexicalResult, 1)
	semanticCh := make(chan semanticResult, 1)

	go func() {
		entries, err := r.lexicalSearch(ctx, query, topK*3, memoryType)
		select {
		case <-ctx.Done():
		case lexicalCh <- lexicalResult{err: err, entries: entries}:
		}
	}()

	go func() {
		// Composite queries search with the mean of the expansion variants.
		queryVector, err := embedding.EmbedMean(ctx, r.embedder, expandQuery(query))
		if err != nil {
			select {
			case <-ctx.Done():
			case semanticCh <- semanticResult{err: fmt.Errorf("failed to embed query: %w", err)}:
			}
			return
		}
		matches, err := r.index.Search(ctx, queryVector, topK*2, memoryType)
		select {
		case <-ctx.Done():
		case semanticCh <- semanticResult{err: err, matches: matches}:
		}
	}()

	var lexical lexicalResult
	var semantic semanticResult
	for i := 0; i < 2; i++ {
		select {
		case lexical = <-lexicalCh:
		case semantic = <-semanticCh:
		case <-ctx.Done():
			return nil, false, &Error{Query: query, Err: ctx.Err()}
		}
	}

	if lexical.err != nil && semantic.err != nil {
		return nil, false, &Error{
			Query: query,
			Err:   fmt.Errorf("both stages failed: lexical=%v, semantic=%v", lexical.err, semantic.err),
		}
	}

	degraded := false
	if lexical.err != nil {
		degraded = true
		r.logger.WarnContext(ctx, "lexical stage failed, using semantic only",
			"request_id", requestID,
			"error", lexical.err,
		)
	}
	if semantic.err != nil {
		degraded = true
		r.logger.WarnContext(ctx, "semantic stage failed, using lexical only",
			"request_id", requestID,
			"error", semantic.err,
		)
	}

	merged := r.merge(ctx, lexical.entries, semantic.matches)
	return merged, degraded, nil
}

// lexicalSearch unions the fulltext hits of every query variation.
func (r *Retriever) lexicalSearch(ctx context.Context, query string, limit int, memoryType *store.MemoryType) ([]*store.MemoryEntry, error) {
	var (
		entries []*store.MemoryEntry
		seen    = map[string]struct{}{}
		lastErr error
		failed  int
	)

	variations := expandQuery(query)
	for _, variation := range variations {
		hits, err := r.store.SearchFulltext(ctx, &store.FulltextQuery{
			Query:      variation,
			MemoryType: memoryType,
			Limit:      limit,
		})
		if err != nil {
			lastErr = err
			failed++
			continue
		}
		for _, hit := range hits {
			if _, ok := seen[hit.ID]; ok {
				continue
			}
			seen[hit.ID] = struct{}{}
			entries = append(entries, hit)
		}
	}

	if failed == len(variations) && lastErr != nil {
		return nil, lastErr
	}
	return entries, nil
}

// merge combines the two stages. Lexical hits start with a fixed keyword
// score and earn a bonus when the semantic stage found them too; hits only
// the semantic stage found are hydrated from the store with their
// similarity discounted.
func (r *Retriever) merge(ctx context.Context, lexical []*store.MemoryEntry, semantic []index.Match) []*ScoredMemory {
	lexicalByID := make(map[string]struct{}, len(lexical))
	for _, entry := range lexical {
		lexicalByID[entry.ID] = struct{}{}
	}
	semanticByID := make(map[string]float64, len(semantic))
	for _, match := range semantic {
		semanticByID[match.ID] = match.Similarity
	}

	merged := make([]*ScoredMemory, 0, len(lexical)+len(semantic))
	for _, entry := range lexical {
		scored := &ScoredMemory{Memory: entry, KeywordScore: lexicalBaseScore}
		if _, ok := semanticByID[entry.ID]; ok {
			scored.SemanticScore = bothStagesSemanticBonus
			scored.DiversityBonus = bothStagesDiversityBonus
		}
		merged = append(merged, scored)
	}

	for _, match := range semantic {
		if _, ok := lexicalByID[match.ID]; ok {
			continue
		}
		entry, err := r.store.GetMemory(ctx, match.ID)
		if err != nil || entry == nil {
			// Index can briefly reference entries the store dropped.
			continue
		}
		merged = append(merged, &ScoredMemory{
			Memory:        entry,
			SemanticScore: match.Similarity * semanticOnlyDiscount,
		})
	}

	return merged
}

// applyReranker reorders the top candidates with the cross-encoder when one
// is configured. Any failure keeps the existing order.
func (r *Retriever) applyReranker(ctx context.Context, requestID, query string, ranked []*ScoredMemory, topK int) []*ScoredMemory {
	if r.reranker == nil || !r.reranker.IsEnabled() || len(ranked) <= 1 {
		return ranked
	}

	window := topK * 2
	if window > len(ranked) {
		window = len(ranked)
	}
	documents := make([]string, window)
	for i := 0; i < window; i++ {
		documents[i] = ranked[i].Memory.Content
	}

	results, err := r.reranker.Rerank(ctx, query, documents, window)
	if err != nil {
		r.logger.WarnContext(ctx, "reranker failed, keeping original order",
			"request_id", requestID,
			"error", err,
		)
		return ranked
	}

	reordered := make([]*ScoredMemory, 0, len(ranked))
	for _, res := range results {
		if res.Index >= 0 && res.Index < window {
			reordered = append(reordered, ranked[res.Index])
		}
	}
	return append(reordered, ranked[window:]...)
}

// touch bumps access counters for returned memories. Failures are logged
// and ignored; bookkeeping never breaks a read.
func (r *Retriever) touch(ctx context.Context, requestID string, results []*ScoredMemory) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.Memory.ID)
	}
	if err := r.store.TouchMemories(ctx, ids, time.Now()); err != nil {
		r.logger.WarnContext(ctx, "failed to update access counters",
			"request_id", requestID,
			"error", err,
		)
	}
}

// InvalidateCache drops every cached retrieval result. Called on each write.
func (r *Retriever) InvalidateCache() {
	r.cache.InvalidateAll()
}

func (r *Retriever) Stats() Stats {
	return Stats{
		TotalSearches: r.searches.Load(),
		Degraded:      r.degraded.Load(),
		Cache:         r.cache.Stats(),
	}
}

func typeFilterKey(memoryType *store.MemoryType) string {
	if memoryType == nil {
		return ""
	}
	return string(*memoryType)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
