package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/mnemos/engine/embedding"
	"github.com/hrygo/mnemos/engine/index"
	"github.com/hrygo/mnemos/engine/reranker"
	"github.com/hrygo/mnemos/internal/profile"
	"github.com/hrygo/mnemos/store"
	"github.com/hrygo/mnemos/store/db/sqlite"
)

type fixture struct {
	store     *store.Store
	index     *index.Index
	retriever *Retriever
}

func newFixture(t *testing.T, embedder embedding.Service) *fixture {
	t.Helper()

	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "mnemos_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })

	st := store.New(driver, p)
	idx, err := index.NewInMemory()
	require.NoError(t, err)

	rr := reranker.NewService(p) // no key configured, passthrough
	return &fixture{
		store:     st,
		index:     idx,
		retriever: New(st, idx, embedder, rr, 100, nil),
	}
}

func (f *fixture) seed(t *testing.T, embedder embedding.Service, content string, memoryType store.MemoryType) *store.MemoryEntry {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	entry := &store.MemoryEntry{
		ID:           uuid.NewString(),
		Content:      content,
		MemoryType:   memoryType,
		Importance:   0.5,
		CreatedAt:    now,
		LastAccessed: now,
		Metadata:     store.Metadata{},
	}
	vec, err := embedder.Embed(ctx, content)
	require.NoError(t, err)
	entry.Embedding = vec
	_, err = f.store.CreateMemory(ctx, entry)
	require.NoError(t, err)
	require.NoError(t, f.index.Add(ctx, entry))
	return entry
}

var testEmbedder = embedding.NewStaticService(128)

func TestRetrieve_FindsRelevantMemories(t *testing.T) {
	f := newFixture(t, testEmbedder)
	ctx := context.Background()

	want := f.seed(t, testEmbedder, "python decorators wrap functions", store.MemoryTypeSemantic)
	f.seed(t, testEmbedder, "sourdough bread needs long fermentation", store.MemoryTypeEpisodic)
	f.seed(t, testEmbedder, "the standup moved to ten on mondays", store.MemoryTypeEpisodic)

	result, err := f.retriever.Retrieve(ctx, "python decorators", 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Memories)
	assert.Equal(t, want.ID, result.Memories[0].Memory.ID)
	assert.False(t, result.Degraded)
	assert.False(t, result.FromCache)
	assert.NotEmpty(t, result.RequestID)
}

func TestRetrieve_CacheHitOnRepeat(t *testing.T) {
	f := newFixture(t, testEmbedder)
	ctx := context.Background()

	f.seed(t, testEmbedder, "python decorators wrap functions", store.MemoryTypeSemantic)

	first, err := f.retriever.Retrieve(ctx, "python", 5, nil)
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := f.retriever.Retrieve(ctx, "python", 5, nil)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Len(t, second.Memories, len(first.Memories))

	stats := f.retriever.Stats()
	assert.Equal(t, int64(2), stats.TotalSearches)
	assert.Equal(t, int64(1), stats.Cache.Hits)
}

func TestRetrieve_InvalidateCacheForcesSearch(t *testing.T) {
	f := newFixture(t, testEmbedder)
	ctx := context.Background()

	f.seed(t, testEmbedder, "python decorators wrap functions", store.MemoryTypeSemantic)

	_, err := f.retriever.Retrieve(ctx, "python", 5, nil)
	require.NoError(t, err)

	f.retriever.InvalidateCache()

	again, err := f.retriever.Retrieve(ctx, "python", 5, nil)
	require.NoError(t, err)
	assert.False(t, again.FromCache)
}

func TestRetrieve_TypeFilter(t *testing.T) {
	f := newFixture(t, testEmbedder)
	ctx := context.Background()

	f.seed(t, testEmbedder, "python is dynamically typed", store.MemoryTypeSemantic)
	f.seed(t, testEmbedder, "wrote python code today", store.MemoryTypeEpisodic)

	episodic := store.MemoryTypeEpisodic
	result, err := f.retriever.Retrieve(ctx, "python", 5, &episodic)
	require.NoError(t, err)
	require.NotEmpty(t, result.Memories)
	for _, m := range result.Memories {
		assert.Equal(t, store.MemoryTypeEpisodic, m.Memory.MemoryType)
	}
}

func TestRetrieve_TouchesAccessCounters(t *testing.T) {
	f := newFixture(t, testEmbedder)
	ctx := context.Background()

	entry := f.seed(t, testEmbedder, "python decorators wrap functions", store.MemoryTypeSemantic)

	_, err := f.retriever.Retrieve(ctx, "python decorators", 5, nil)
	require.NoError(t, err)

	got, err := f.store.GetMemory(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("provider unavailable")
}

func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider unavailable")
}

func (failingEmbedder) Dimensions() int { return 128 }

func TestRetrieve_DegradesWhenSemanticStageFails(t *testing.T) {
	f := newFixture(t, failingEmbedder{})
	ctx := context.Background()

	// Seed through the store only; the index stays empty.
	now := time.Now()
	entry := &store.MemoryEntry{
		ID:           uuid.NewString(),
		Content:      "python decorators wrap functions",
		MemoryType:   store.MemoryTypeSemantic,
		Importance:   0.5,
		CreatedAt:    now,
		LastAccessed: now,
	}
	_, err := f.store.CreateMemory(ctx, entry)
	require.NoError(t, err)

	result, err := f.retriever.Retrieve(ctx, "python decorators", 5, nil)
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	require.NotEmpty(t, result.Memories)
	assert.Equal(t, entry.ID, result.Memories[0].Memory.ID)
}

func TestRetrieve_ErrorWhenBothStagesFail(t *testing.T) {
	f := newFixture(t, failingEmbedder{})

	// Closing the store makes the lexical stage fail too.
	require.NoError(t, f.store.Close())

	_, err := f.retriever.Retrieve(context.Background(), "anything", 5, nil)
	require.Error(t, err)

	var retrievalErr *Error
	assert.ErrorAs(t, err, &retrievalErr)
	assert.Equal(t, "anything", retrievalErr.Query)
}

func TestRetrieve_EmptyStore(t *testing.T) {
	f := newFixture(t, testEmbedder)

	result, err := f.retriever.Retrieve(context.Background(), "anything at all", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Memories)
}
