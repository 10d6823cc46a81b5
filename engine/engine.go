// Package engine assembles the memory engine: persistent storage, vector
// index, multi-path retrieval, consolidation and lifecycle management
// behind one facade.
package engine

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemos/engine/consolidate"
	"github.com/hrygo/mnemos/engine/embedding"
	"github.com/hrygo/mnemos/engine/index"
	"github.com/hrygo/mnemos/engine/lifecycle"
	"github.com/hrygo/mnemos/engine/reranker"
	"github.com/hrygo/mnemos/engine/retrieval"
	"github.com/hrygo/mnemos/engine/summarize"
	"github.com/hrygo/mnemos/internal/profile"
	"github.com/hrygo/mnemos/metrics"
	"github.com/hrygo/mnemos/store"
)

// Engine is the facade over the memory subsystem. All writes flow through
// it so the cache, the store and the vector index stay consistent.
type Engine struct {
	profile      *profile.Profile
	store        *store.Store
	index        *index.Index
	embedder     embedding.Service
	retriever    *retrieval.Retriever
	consolidator *consolidate.Consolidator
	lifecycle    *lifecycle.Manager
	logger       *slog.Logger
}

// Stats aggregates engine state for diagnostics.
type Stats struct {
	Memories      int                `json:"memories"`
	Index         index.Stats        `json:"index"`
	Retrieval     retrieval.Stats    `json:"retrieval"`
	LastCleanup   *lifecycle.Result  `json:"last_cleanup,omitempty"`
	Consolidation *time.Time         `json:"last_consolidation,omitempty"`
}

// New wires the engine from the profile. The store must already be open;
// migration and index recovery happen in Init.
func New(p *profile.Profile, st *store.Store, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	embedder, err := embedding.NewService(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build embedding service")
	}

	if err := os.MkdirAll(p.IndexDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create index directory")
	}
	idx, err := index.New(p.IndexDir())
	if err != nil {
		return nil, err
	}

	rr := reranker.NewService(p)
	retriever := retrieval.New(st, idx, embedder, rr, p.CacheCapacity, logger)

	e := &Engine{
		profile:   p,
		store:     st,
		index:     idx,
		embedder:  embedder,
		retriever: retriever,
		logger:    logger,
	}

	if p.Consolidation {
		summarizer := summarize.NewService(p)
		e.consolidator = consolidate.New(st, idx, embedder, summarizer, retriever, consolidate.DefaultConfig(), logger)
	}
	if p.Lifecycle {
		config := lifecycle.DefaultConfig()
		if p.MaxMemories > 0 {
			config.MaxMemories = p.MaxMemories
		}
		e.lifecycle = lifecycle.New(st, e, config, logger)
	}

	return e, nil
}

// Init migrates the schema, recovers the vector index from the durable
// indexed flags, and starts the cleanup loop. The loop stops when ctx is
// cancelled or Close is called.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return errors.Wrap(err, "failed to migrate store")
	}

	rebuild, err := e.index.RebuildIncremental(ctx, e.store, e.embedder)
	if err != nil {
		// The engine still serves lexical search; consolidation retries
		// the rebuild later.
		e.logger.WarnContext(ctx, "index recovery incomplete", "error", err, "indexed", rebuild.Indexed)
	} else if rebuild.Indexed > 0 {
		e.logger.InfoContext(ctx, "index recovered", "indexed", rebuild.Indexed, "embedded", rebuild.Embedded)
	}

	if e.lifecycle != nil {
		e.lifecycle.Start(ctx)
	}

	if count, err := e.store.CountMemories(ctx); err == nil {
		metrics.SetMemoriesTotal(count)
	}

	e.logger.InfoContext(ctx, "memory engine initialized",
		"driver", e.profile.Driver,
		"embedding_provider", e.profile.EmbeddingProvider,
		"consolidation", e.consolidator != nil,
		"lifecycle", e.lifecycle != nil,
	)
	return nil
}

// Close stops background work and closes the store.
func (e *Engine) Close() error {
	if e.lifecycle != nil {
		e.lifecycle.Stop()
	}
	return e.store.Close()
}

// StoreOption customizes an entry on the write path.
type StoreOption func(*store.MemoryEntry)

// WithTags attaches labels to the entry. Tags are normalized on store.
func WithTags(tags ...string) StoreOption {
	return func(entry *store.MemoryEntry) {
		entry.Tags = tags
	}
}

// WithSourceConversation records the conversation the memory came from.
func WithSourceConversation(id string) StoreOption {
	return func(entry *store.MemoryEntry) {
		entry.SourceConversationID = id
	}
}

// Store persists a new memory. The embedding is best effort: when the
// provider fails the entry is stored without a vector and indexed by the
// next rebuild. Storage failures always propagate.
func (e *Engine) Store(ctx context.Context, content string, memoryType store.MemoryType, importance float64, metadata store.Metadata, opts ...StoreOption) (entry *store.MemoryEntry, err error) {
	defer func() { metrics.CountMemoryOp("store", err) }()

	if content == "" {
		return nil, errors.New("content required")
	}
	if memoryType == "" {
		memoryType = store.MemoryTypeEpisodic
	}
	if !memoryType.Valid() {
		return nil, errors.Errorf("invalid memory type: %s", memoryType)
	}
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	if metadata == nil {
		metadata = store.Metadata{}
	}
	if err := store.ValidateMetadata(metadata); err != nil {
		return nil, err
	}

	now := time.Now()
	entry = &store.MemoryEntry{
		ID:           uuid.NewString(),
		Content:      content,
		MemoryType:   memoryType,
		Importance:   importance,
		CreatedAt:    now,
		LastAccessed: now,
		Metadata:     metadata,
	}
	for _, opt := range opts {
		opt(entry)
	}

	if vec, embedErr := e.embedder.Embed(ctx, content); embedErr != nil {
		e.logger.WarnContext(ctx, "embedding generation failed, storing without vector",
			"error", embedErr,
		)
	} else {
		entry.Embedding = vec
	}

	if _, err = e.store.CreateMemory(ctx, entry); err != nil {
		return nil, err
	}

	if len(entry.Embedding) > 0 {
		if indexErr := e.index.Add(ctx, entry); indexErr != nil {
			e.logger.WarnContext(ctx, "vector index add failed", "id", entry.ID, "error", indexErr)
		} else if markErr := e.store.MarkIndexed(ctx, []string{entry.ID}); markErr != nil {
			e.logger.WarnContext(ctx, "failed to mark entry indexed", "id", entry.ID, "error", markErr)
		} else {
			entry.Indexed = true
		}
	}

	// Data changed; drop every cached result before returning.
	e.retriever.InvalidateCache()

	if count, countErr := e.store.CountMemories(ctx); countErr == nil {
		metrics.SetMemoriesTotal(count)
	}
	return entry, nil
}

// Retrieve returns the most relevant memories for the query.
func (e *Engine) Retrieve(ctx context.Context, query string, topK int, memoryType *store.MemoryType) (*retrieval.Result, error) {
	return e.retriever.Retrieve(ctx, query, topK, memoryType)
}

// Get returns one memory by ID, nil when absent.
func (e *Engine) Get(ctx context.Context, id string) (*store.MemoryEntry, error) {
	return e.store.GetMemory(ctx, id)
}

// Recent returns the newest memories.
func (e *Engine) Recent(ctx context.Context, limit int) ([]*store.MemoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.store.ListMemories(ctx, &store.FindMemory{Limit: limit})
}

// ByConversation returns memories back-referencing a conversation.
func (e *Engine) ByConversation(ctx context.Context, conversationID string, limit int) ([]*store.MemoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.store.ListMemories(ctx, &store.FindMemory{
		SourceConversationID: &conversationID,
		Limit:                limit,
	})
}

// Count returns the number of stored memories.
func (e *Engine) Count(ctx context.Context) (int, error) {
	return e.store.CountMemories(ctx)
}

// Delete removes a memory from the store, the vector index and the cache.
// It also serves the lifecycle manager as its deleter.
func (e *Engine) Delete(ctx context.Context, id string) (err error) {
	defer func() { metrics.CountMemoryOp("delete", err) }()

	if err = e.store.DeleteMemory(ctx, id); err != nil {
		return err
	}
	if indexErr := e.index.Remove(ctx, id); indexErr != nil {
		// Tombstoned inside the index; retried on the next delete.
		e.logger.WarnContext(ctx, "vector index delete failed", "id", id, "error", indexErr)
	}
	e.retriever.InvalidateCache()
	return nil
}

// Consolidate runs one consolidation pass.
func (e *Engine) Consolidate(ctx context.Context) (*consolidate.Result, error) {
	if e.consolidator == nil {
		return nil, errors.New("consolidation disabled")
	}
	result, err := e.consolidator.Run(ctx)
	if err != nil {
		return nil, err
	}
	// Consolidation writes and deletes memories.
	e.retriever.InvalidateCache()
	return result, nil
}

// Cleanup runs one lifecycle pass immediately.
func (e *Engine) Cleanup(ctx context.Context) (lifecycle.Result, error) {
	if e.lifecycle == nil {
		return lifecycle.Result{}, errors.New("lifecycle disabled")
	}
	return e.lifecycle.RunOnce(ctx), nil
}

// RebuildIndex indexes every entry the vector index is missing.
func (e *Engine) RebuildIndex(ctx context.Context) (index.RebuildResult, error) {
	return e.index.RebuildIncremental(ctx, e.store, e.embedder)
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	count, err := e.store.CountMemories(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Memories:  count,
		Index:     e.index.Stats(),
		Retrieval: e.retriever.Stats(),
	}
	if e.lifecycle != nil {
		if history := e.lifecycle.History(); len(history) > 0 {
			last := history[len(history)-1]
			stats.LastCleanup = &last
		}
	}
	if e.consolidator != nil {
		if last := e.consolidator.LastRun(); !last.IsZero() {
			stats.Consolidation = &last
		}
	}
	return stats, nil
}
