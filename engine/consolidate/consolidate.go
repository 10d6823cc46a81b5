// Package consolidate implements periodic memory consolidation: insight
// extraction from recent memories and compression of related clusters.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/mnemos/engine/embedding"
	"github.com/hrygo/mnemos/engine/index"
	"github.com/hrygo/mnemos/engine/summarize"
	"github.com/hrygo/mnemos/metrics"
	"github.com/hrygo/mnemos/store"
)

// ClusterError reports a failed compression of one cluster. It never aborts
// the run; the cluster is skipped and picked up next time.
type ClusterError struct {
	Size int
	Err  error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("failed to compress cluster of %d memories: %v", e.Size, e.Err)
}

func (e *ClusterError) Unwrap() error {
	return e.Err
}

// Invalidator drops cached retrieval results. A run is LLM-bound and can
// take minutes, so the cache is invalidated after every store mutation
// rather than once at the end; otherwise retrieval keeps serving source
// entries the run has already replaced.
type Invalidator interface {
	InvalidateCache()
}

// Config tunes a consolidation run.
type Config struct {
	// LookbackHours bounds how far back a run reviews memories.
	LookbackHours int
	// CompressThreshold is the minimum number of recent memories before
	// compression kicks in. Clusters compress at half this size.
	CompressThreshold int
	// MaxPerRun caps the memories reviewed in one run.
	MaxPerRun int
	// QualityFloor decides whether a summary replaces its sources. Below
	// it the summary is kept but the originals survive.
	QualityFloor float64
	// DisableClustering skips vector-proximity grouping and compresses by
	// memory type only.
	DisableClustering bool
}

// DefaultConfig mirrors a nightly review of the last day.
func DefaultConfig() Config {
	return Config{
		LookbackHours:     24,
		CompressThreshold: 10,
		MaxPerRun:         200,
		QualityFloor:      0.5,
	}
}

const (
	insightBatchSize    = 20
	maxInsightsPerBatch = 5
	clusterProbeK       = 5
	compressConcurrency = 2
)

// Result reports one consolidation run.
type Result struct {
	Reviewed     int                 `json:"reviewed"`
	Insights     []summarize.Insight `json:"insights"`
	Compressed   []string            `json:"compressed_ids"`
	Replaced     int                 `json:"replaced"`
	Skipped      int                 `json:"skipped_clusters"`
	IndexUpdated bool                `json:"index_updated"`
}

// Consolidator compresses and distills memories, the way sleep consolidates
// the day's experiences.
type Consolidator struct {
	store       *store.Store
	index       *index.Index
	embedder    embedding.Service
	summarizer  summarize.Service
	invalidator Invalidator
	config      Config
	logger      *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

func New(st *store.Store, idx *index.Index, embedder embedding.Service, summarizer summarize.Service, invalidator Invalidator, config Config, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.LookbackHours <= 0 {
		config.LookbackHours = DefaultConfig().LookbackHours
	}
	if config.CompressThreshold <= 0 {
		config.CompressThreshold = DefaultConfig().CompressThreshold
	}
	if config.MaxPerRun <= 0 {
		config.MaxPerRun = DefaultConfig().MaxPerRun
	}
	if config.QualityFloor <= 0 {
		config.QualityFloor = DefaultConfig().QualityFloor
	}
	return &Consolidator{
		store:       st,
		index:       idx,
		embedder:    embedder,
		summarizer:  summarizer,
		invalidator: invalidator,
		config:      config,
		logger:      logger,
	}
}

func (c *Consolidator) invalidate() {
	if c.invalidator != nil {
		c.invalidator.InvalidateCache()
	}
}

// Run executes one consolidation pass.
func (c *Consolidator) Run(ctx context.Context) (*Result, error) {
	cutoff := time.Now().Add(-time.Duration(c.config.LookbackHours) * time.Hour)
	recent, err := c.store.ListMemories(ctx, &store.FindMemory{
		CreatedAfter: &cutoff,
		Limit:        c.config.MaxPerRun,
	})
	if err != nil {
		metrics.ObserveConsolidation(0, err)
		return nil, err
	}

	result := &Result{Reviewed: len(recent)}
	if len(recent) == 0 {
		c.logger.InfoContext(ctx, "no memories to consolidate", "lookback_hours", c.config.LookbackHours)
		metrics.ObserveConsolidation(0, nil)
		return result, nil
	}

	c.logger.InfoContext(ctx, "starting consolidation",
		"memories", len(recent),
		"lookback_hours", c.config.LookbackHours,
	)

	result.Insights = c.extractInsights(ctx, recent)

	if len(recent) >= c.config.CompressThreshold {
		c.compress(ctx, recent, result)
	}

	// Pick up entries stored without vectors while the provider was down.
	rebuild, err := c.index.RebuildIncremental(ctx, c.store, c.embedder)
	if err != nil {
		c.logger.WarnContext(ctx, "index update failed during consolidation", "error", err)
	}
	result.IndexUpdated = rebuild.Indexed > 0

	c.mu.Lock()
	c.lastRun = time.Now()
	c.mu.Unlock()

	metrics.ObserveConsolidation(len(result.Compressed), nil)
	c.logger.InfoContext(ctx, "consolidation complete",
		"insights", len(result.Insights),
		"compressed", len(result.Compressed),
		"replaced", result.Replaced,
		"skipped_clusters", result.Skipped,
		"index_updated", result.IndexUpdated,
	)
	return result, nil
}

// LastRun returns when the last run finished, zero before the first.
func (c *Consolidator) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

// extractInsights asks the summarizer for recurring patterns in batches and
// stores each insight as a semantic memory. Failed batches are skipped.
func (c *Consolidator) extractInsights(ctx context.Context, recent []*store.MemoryEntry) []summarize.Insight {
	if c.summarizer == nil || !c.summarizer.IsEnabled() {
		return nil
	}

	var all []summarize.Insight
	for start := 0; start < len(recent); start += insightBatchSize {
		end := start + insightBatchSize
		if end > len(recent) {
			end = len(recent)
		}
		batch := recent[start:end]

		contents := make([]string, 0, len(batch))
		for _, m := range batch {
			contents = append(contents, fmt.Sprintf("[%s] %s", m.MemoryType, truncateRunes(m.Content, 200)))
		}

		insights, err := c.summarizer.ExtractInsights(ctx, contents)
		if err != nil {
			c.logger.WarnContext(ctx, "insight extraction failed", "error", err)
			continue
		}
		if len(insights) > maxInsightsPerBatch {
			insights = insights[:maxInsightsPerBatch]
		}

		for _, insight := range insights {
			if err := c.storeInsight(ctx, insight); err != nil {
				c.logger.WarnContext(ctx, "failed to store insight", "title", insight.Title, "error", err)
				continue
			}
			all = append(all, insight)
		}
	}
	return all
}

func (c *Consolidator) storeInsight(ctx context.Context, insight summarize.Insight) error {
	now := time.Now()
	entry := &store.MemoryEntry{
		ID:           uuid.NewString(),
		Content:      fmt.Sprintf("Insight: %s - %s", insight.Title, insight.Content),
		MemoryType:   store.MemoryTypeSemantic,
		Importance:   0.8,
		CreatedAt:    now,
		LastAccessed: now,
		Metadata: store.Metadata{
			"source":     "consolidation",
			"category":   insight.Category,
			"confidence": insight.Confidence,
		},
	}
	if _, err := c.store.CreateMemory(ctx, entry); err != nil {
		return err
	}
	c.invalidate()
	return nil
}

// compress clusters the recent memories and summarizes each big enough
// cluster. Clusters are compressed concurrently; every failure is a skipped
// cluster, never a failed run.
func (c *Consolidator) compress(ctx context.Context, recent []*store.MemoryEntry, result *Result) {
	if c.summarizer == nil || !c.summarizer.IsEnabled() {
		return
	}

	clusters := c.cluster(ctx, recent)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(compressConcurrency)

	for _, cluster := range clusters {
		cluster := cluster
		g.Go(func() error {
			id, replaced, err := c.compressCluster(gctx, cluster)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Skipped++
				c.logger.WarnContext(gctx, "cluster compression failed",
					"error", &ClusterError{Size: len(cluster), Err: err},
				)
				return nil
			}
			result.Compressed = append(result.Compressed, id)
			result.Replaced += replaced
			return nil
		})
	}
	_ = g.Wait()
}

// cluster groups memories by their nearest index neighbor. Without vectors
// the grouping falls back to memory type.
func (c *Consolidator) cluster(ctx context.Context, recent []*store.MemoryEntry) [][]*store.MemoryEntry {
	minSize := c.config.CompressThreshold / 2
	if minSize < 2 {
		minSize = 2
	}

	if !c.config.DisableClustering && c.index != nil && c.index.Count() > 0 {
		groups := map[string][]*store.MemoryEntry{}
		for _, memory := range recent {
			if len(memory.Embedding) == 0 {
				continue
			}
			matches, err := c.index.Search(ctx, memory.Embedding, clusterProbeK, nil)
			if err != nil || len(matches) == 0 {
				continue
			}
			key := matches[0].ID
			groups[key] = append(groups[key], memory)
		}

		clusters := make([][]*store.MemoryEntry, 0, len(groups))
		for _, group := range groups {
			if len(group) >= minSize {
				clusters = append(clusters, group)
			}
		}
		if len(clusters) > 0 {
			return clusters
		}
	}

	// Type grouping needs the full threshold since it is much coarser.
	groups := map[store.MemoryType][]*store.MemoryEntry{}
	for _, memory := range recent {
		groups[memory.MemoryType] = append(groups[memory.MemoryType], memory)
	}
	clusters := make([][]*store.MemoryEntry, 0, len(groups))
	for _, group := range groups {
		if len(group) >= c.config.CompressThreshold {
			clusters = append(clusters, group)
		}
	}
	return clusters
}

// compressCluster summarizes one cluster into a compressed memory. When the
// summary quality clears the floor the source memories are deleted, so the
// summary replaces them; otherwise both are kept.
func (c *Consolidator) compressCluster(ctx context.Context, cluster []*store.MemoryEntry) (string, int, error) {
	sample := cluster
	if len(sample) > 10 {
		sample = sample[len(sample)-10:]
	}
	contents := make([]string, 0, len(sample))
	for _, m := range sample {
		contents = append(contents, truncateRunes(m.Content, 150))
	}

	summary, err := c.summarizer.Summarize(ctx, contents)
	if err != nil {
		return "", 0, err
	}

	quality := compressionQuality(cluster, summary)
	sourceIDs := make([]string, 0, len(cluster))
	for _, m := range cluster {
		sourceIDs = append(sourceIDs, m.ID)
	}

	now := time.Now()
	compressed := &store.MemoryEntry{
		ID:           uuid.NewString(),
		Content:      summary,
		MemoryType:   store.MemoryTypeSemantic,
		Importance:   0.6,
		CreatedAt:    now,
		LastAccessed: now,
		Metadata: store.Metadata{
			"source":        "compression",
			"source_count":  float64(len(cluster)),
			"quality_score": quality,
			"source_ids":    sourceIDs,
		},
	}

	if vec, err := c.embedder.Embed(ctx, summary); err == nil {
		compressed.Embedding = vec
	}

	if _, err := c.store.CreateMemory(ctx, compressed); err != nil {
		return "", 0, err
	}
	c.invalidate()
	if len(compressed.Embedding) > 0 {
		if err := c.index.Add(ctx, compressed); err == nil {
			_ = c.store.MarkIndexed(ctx, []string{compressed.ID})
		}
	}

	replaced := 0
	if quality >= c.config.QualityFloor {
		for _, m := range cluster {
			if err := c.store.DeleteMemory(ctx, m.ID); err != nil {
				c.logger.WarnContext(ctx, "failed to delete compressed source", "id", m.ID, "error", err)
				continue
			}
			_ = c.index.Remove(ctx, m.ID)
			c.invalidate()
			replaced++
		}
	}

	c.logger.InfoContext(ctx, "cluster compressed",
		"original", len(cluster),
		"replaced", replaced,
		"quality", quality,
	)
	return compressed.ID, replaced, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
