package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/mnemos/engine/lifecycle"
	"github.com/hrygo/mnemos/internal/profile"
	"github.com/hrygo/mnemos/store"
	"github.com/hrygo/mnemos/store/db"
)

func newTestEngine(t *testing.T, mutate func(p *profile.Profile)) (*Engine, context.Context) {
	t.Helper()

	dir := t.TempDir()
	p := &profile.Profile{
		EmbeddingProvider:   "static",
		EmbeddingDimensions: 128,
		CacheCapacity:       100,
		MaxMemories:         10000,
		Mode:                "dev",
		Data:                dir,
		Driver:              "sqlite",
		DSN:                 filepath.Join(dir, "mnemos_test.db"),
		Version:             "0.1.0",
	}
	if mutate != nil {
		mutate(p)
	}

	driver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	st := store.New(driver, p)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(p, st, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Init(ctx))
	t.Cleanup(func() {
		_ = e.Close()
	})
	return e, ctx
}

func TestEngineStoreAndGet(t *testing.T) {
	e, ctx := newTestEngine(t, nil)

	entry, err := e.Store(ctx, "user prefers dark mode in every editor", store.MemoryTypeSemantic, 0.8, store.Metadata{
		"source": "settings",
	})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)
	require.Equal(t, store.MemoryTypeSemantic, entry.MemoryType)
	require.True(t, entry.Indexed, "static embedding should index on write")

	got, err := e.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, entry.Content, got.Content)
	require.Equal(t, 0.8, got.Importance)

	count, err := e.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestEngineStoreValidation(t *testing.T) {
	e, ctx := newTestEngine(t, nil)

	_, err := e.Store(ctx, "", store.MemoryTypeEpisodic, 0.5, nil)
	require.Error(t, err)

	_, err = e.Store(ctx, "something", store.MemoryType("imaginary"), 0.5, nil)
	require.Error(t, err)

	_, err = e.Store(ctx, "bad metadata", store.MemoryTypeEpisodic, 0.5, store.Metadata{
		"nested": map[string]any{"no": true},
	})
	require.Error(t, err)

	// Importance is clamped, defaults fill in.
	entry, err := e.Store(ctx, "clamped", "", 2.5, nil)
	require.NoError(t, err)
	require.Equal(t, store.MemoryTypeEpisodic, entry.MemoryType)
	require.Equal(t, 1.0, entry.Importance)
}

func TestEngineStoreOptions(t *testing.T) {
	e, ctx := newTestEngine(t, nil)

	entry, err := e.Store(ctx, "user asked how to center a div", store.MemoryTypeEpisodic, 0.4, nil,
		WithTags("CSS", "frontend", "css"),
		WithSourceConversation("conv-7"),
	)
	require.NoError(t, err)
	require.Equal(t, []string{"css", "frontend"}, entry.Tags)

	byConv, err := e.ByConversation(ctx, "conv-7", 10)
	require.NoError(t, err)
	require.Len(t, byConv, 1)
	require.Equal(t, entry.ID, byConv[0].ID)
}

func TestEngineRetrieveScenario(t *testing.T) {
	e, ctx := newTestEngine(t, nil)

	python := []string{
		"user is learning python and asked about decorators",
		"user wrote a python script to rename photos",
		"python generators were confusing, explained yield",
		"user debugged a python import error in the project",
		"recommended a python testing library to the user",
	}
	cooking := []string{
		"user enjoys cooking italian food on weekends",
		"user asked for a carbonara recipe",
		"user burned the garlic while cooking dinner",
		"shared a tip about resting meat after cooking",
		"user wants to learn to cook thai curry",
	}
	for _, content := range python {
		_, err := e.Store(ctx, content, store.MemoryTypeEpisodic, 0.5, nil)
		require.NoError(t, err)
	}
	for _, content := range cooking {
		_, err := e.Store(ctx, content, store.MemoryTypeSemantic, 0.5, nil)
		require.NoError(t, err)
	}

	result, err := e.Retrieve(ctx, "python programming", 3, nil)
	require.NoError(t, err)
	require.Len(t, result.Memories, 3)
	require.False(t, result.Degraded)
	for _, m := range result.Memories {
		require.Contains(t, m.Memory.Content, "python")
	}

	// Type filter narrows results.
	semantic := store.MemoryTypeSemantic
	filtered, err := e.Retrieve(ctx, "cooking food", 3, &semantic)
	require.NoError(t, err)
	for _, m := range filtered.Memories {
		require.Equal(t, store.MemoryTypeSemantic, m.Memory.MemoryType)
	}
}

func TestEngineDeleteInvalidatesRetrieval(t *testing.T) {
	e, ctx := newTestEngine(t, nil)

	entry, err := e.Store(ctx, "temporary note about the kafka outage", store.MemoryTypeEpisodic, 0.5, nil)
	require.NoError(t, err)

	result, err := e.Retrieve(ctx, "kafka outage", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Memories)

	require.NoError(t, e.Delete(ctx, entry.ID))

	got, err := e.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	// The cached result was dropped with the delete.
	result, err = e.Retrieve(ctx, "kafka outage", 5, nil)
	require.NoError(t, err)
	require.False(t, result.FromCache)
	require.Empty(t, result.Memories)
}

func TestEngineRecent(t *testing.T) {
	e, ctx := newTestEngine(t, nil)

	for _, content := range []string{"first", "second", "third"} {
		_, err := e.Store(ctx, content, store.MemoryTypeEpisodic, 0.5, nil)
		require.NoError(t, err)
	}

	recent, err := e.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
}

func TestEngineStats(t *testing.T) {
	e, ctx := newTestEngine(t, nil)

	_, err := e.Store(ctx, "stats fixture", store.MemoryTypeEpisodic, 0.5, nil)
	require.NoError(t, err)
	_, err = e.Retrieve(ctx, "stats", 5, nil)
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Memories)
	require.Equal(t, 1, stats.Index.Documents)
	require.Equal(t, int64(1), stats.Retrieval.TotalSearches)
}

func TestEngineDisabledJobs(t *testing.T) {
	e, ctx := newTestEngine(t, nil)

	_, err := e.Consolidate(ctx)
	require.Error(t, err)

	_, err = e.Cleanup(ctx)
	require.Error(t, err)
}

func TestEngineLifecycleCleanup(t *testing.T) {
	e, ctx := newTestEngine(t, func(p *profile.Profile) {
		p.Lifecycle = true
	})

	_, err := e.Store(ctx, "kept within ttl", store.MemoryTypeEpisodic, 0.5, nil)
	require.NoError(t, err)

	result, err := e.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.Expired)
	require.Equal(t, 0, result.Evicted)
	// Total counts deletions, not survivors.
	require.Equal(t, 0, result.Total)

	count, err := e.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.LastCleanup)
}

func TestEngineRebuildIndexAfterRestart(t *testing.T) {
	dir := t.TempDir()
	build := func() (*Engine, *profile.Profile) {
		p := &profile.Profile{
			EmbeddingProvider:   "static",
			EmbeddingDimensions: 128,
			CacheCapacity:       100,
			Mode:                "dev",
			Data:                dir,
			Driver:              "sqlite",
			DSN:                 filepath.Join(dir, "mnemos_test.db"),
			Version:             "0.1.0",
		}
		driver, err := db.NewDBDriver(p)
		require.NoError(t, err)
		st := store.New(driver, p)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		e, err := New(p, st, logger)
		require.NoError(t, err)
		return e, p
	}

	ctx := context.Background()
	e, _ := build()
	require.NoError(t, e.Init(ctx))
	entry, err := e.Store(ctx, "memory surviving a restart", store.MemoryTypeSemantic, 0.7, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, _ = build()
	require.NoError(t, e.Init(ctx))
	defer e.Close()

	got, err := e.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	result, err := e.Retrieve(ctx, "restart surviving memory", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Memories)
}

var _ lifecycle.Deleter = (*Engine)(nil)
