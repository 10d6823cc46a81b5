package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/mnemos/internal/profile"
	"github.com/hrygo/mnemos/store"
)

func newTestDB(t *testing.T) store.Driver {
	t.Helper()

	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "mnemos_test.db"),
	}
	driver, err := NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = driver.Close()
	})
	return driver
}

func newTestEntry(content string, memoryType store.MemoryType) *store.MemoryEntry {
	now := time.Now()
	return &store.MemoryEntry{
		ID:           uuid.NewString(),
		Content:      content,
		MemoryType:   memoryType,
		Importance:   0.5,
		CreatedAt:    now,
		LastAccessed: now,
		Metadata:     store.Metadata{},
	}
}

func TestCreateAndGetMemory(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	entry := newTestEntry("Python uses reference counting for memory management", store.MemoryTypeSemantic)
	entry.Metadata = store.Metadata{"topic": "python", "confidence": 0.9}
	entry.Embedding = []float32{0.1, 0.2, 0.3}

	_, err := driver.CreateMemory(ctx, entry)
	require.NoError(t, err)

	got, err := driver.GetMemory(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Content, got.Content)
	assert.Equal(t, store.MemoryTypeSemantic, got.MemoryType)
	assert.Equal(t, "python", got.Metadata["topic"])
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.False(t, got.Indexed)
}

func TestCreateMemory_TagsAndSource(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	entry := newTestEntry("pinned a fix for the flaky login test", store.MemoryTypeEpisodic)
	entry.Tags = []string{" CI ", "testing", "ci", ""}
	entry.SourceConversationID = "conv-42"

	_, err := driver.CreateMemory(ctx, entry)
	require.NoError(t, err)

	got, err := driver.GetMemory(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"ci", "testing"}, got.Tags)
	assert.Equal(t, "conv-42", got.SourceConversationID)

	convID := "conv-42"
	list, err := driver.ListMemories(ctx, &store.FindMemory{SourceConversationID: &convID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, entry.ID, list[0].ID)

	// Tags participate in the lexical stage.
	found, err := driver.SearchFulltext(ctx, &store.FulltextQuery{Query: "testing", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, entry.ID, found[0].ID)
}

func TestGetMemory_NotFound(t *testing.T) {
	driver := newTestDB(t)

	got, err := driver.GetMemory(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteMemory(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	entry := newTestEntry("to be deleted", store.MemoryTypeEpisodic)
	_, err := driver.CreateMemory(ctx, entry)
	require.NoError(t, err)

	require.NoError(t, driver.DeleteMemory(ctx, entry.ID))

	got, err := driver.GetMemory(ctx, entry.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an absent row is not an error.
	require.NoError(t, driver.DeleteMemory(ctx, entry.ID))
}

func TestSearchFulltext(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	contents := []string{
		"learned how to make sourdough bread",
		"python decorators wrap functions",
		"bread flour has more protein than all purpose",
	}
	for _, c := range contents {
		_, err := driver.CreateMemory(ctx, newTestEntry(c, store.MemoryTypeEpisodic))
		require.NoError(t, err)
	}

	results, err := driver.SearchFulltext(ctx, &store.FulltextQuery{Query: "bread", Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Contains(t, r.Content, "bread")
	}
}

func TestSearchFulltext_CJKFallsBackToLike(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	entry := newTestEntry("用户喜欢每天早上喝咖啡", store.MemoryTypeEpisodic)
	_, err := driver.CreateMemory(ctx, entry)
	require.NoError(t, err)

	// The default FTS5 tokenizer cannot split CJK text, so a substring
	// query yields zero FTS hits and must match via LIKE instead.
	results, err := driver.SearchFulltext(ctx, &store.FulltextQuery{Query: "喝咖啡", Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, entry.ID, results[0].ID)
}

func TestSearchFulltext_TypeFilter(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	_, err := driver.CreateMemory(ctx, newTestEntry("python is dynamically typed", store.MemoryTypeSemantic))
	require.NoError(t, err)
	_, err = driver.CreateMemory(ctx, newTestEntry("wrote python today", store.MemoryTypeEpisodic))
	require.NoError(t, err)

	semantic := store.MemoryTypeSemantic
	results, err := driver.SearchFulltext(ctx, &store.FulltextQuery{Query: "python", MemoryType: &semantic, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.MemoryTypeSemantic, results[0].MemoryType)
}

func TestTouchMemories(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	entry := newTestEntry("touch target", store.MemoryTypeEpisodic)
	_, err := driver.CreateMemory(ctx, entry)
	require.NoError(t, err)

	accessedAt := time.Now().Add(time.Hour)
	require.NoError(t, driver.TouchMemories(ctx, []string{entry.ID}, accessedAt))
	require.NoError(t, driver.TouchMemories(ctx, []string{entry.ID}, accessedAt))

	got, err := driver.GetMemory(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.Equal(t, accessedAt.Unix(), got.LastAccessed.Unix())
}

func TestListLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	cold := newTestEntry("cold entry", store.MemoryTypeEpisodic)
	warm := newTestEntry("warm entry", store.MemoryTypeEpisodic)
	_, err := driver.CreateMemory(ctx, cold)
	require.NoError(t, err)
	_, err = driver.CreateMemory(ctx, warm)
	require.NoError(t, err)
	require.NoError(t, driver.TouchMemories(ctx, []string{warm.ID}, time.Now()))

	victims, err := driver.ListLeastRecentlyUsed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, victims, 1)
	assert.Equal(t, cold.ID, victims[0].ID)
}

func TestListMemoriesOlderThan(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	old := newTestEntry("old episode", store.MemoryTypeEpisodic)
	old.CreatedAt = time.Now().Add(-10 * 24 * time.Hour)
	fresh := newTestEntry("fresh episode", store.MemoryTypeEpisodic)
	_, err := driver.CreateMemory(ctx, old)
	require.NoError(t, err)
	_, err = driver.CreateMemory(ctx, fresh)
	require.NoError(t, err)

	expired, err := driver.ListMemoriesOlderThan(ctx, store.MemoryTypeEpisodic, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
}

func TestUnindexedBookkeeping(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	first := newTestEntry("first", store.MemoryTypeEpisodic)
	second := newTestEntry("second", store.MemoryTypeEpisodic)
	_, err := driver.CreateMemory(ctx, first)
	require.NoError(t, err)
	_, err = driver.CreateMemory(ctx, second)
	require.NoError(t, err)

	pending, err := driver.ListUnindexed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, driver.MarkIndexed(ctx, []string{first.ID}))

	pending, err = driver.ListUnindexed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	// Marking again is idempotent.
	require.NoError(t, driver.MarkIndexed(ctx, []string{first.ID}))
}

func TestUpdateMemoryEmbedding(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	entry := newTestEntry("needs a vector", store.MemoryTypeSemantic)
	_, err := driver.CreateMemory(ctx, entry)
	require.NoError(t, err)

	vec := []float32{0.5, -0.25, 1.0}
	require.NoError(t, driver.UpdateMemoryEmbedding(ctx, entry.ID, vec))

	got, err := driver.GetMemory(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, vec, got.Embedding)
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := []float32{0, 1.5, -2.25, 3.14159}
	assert.Equal(t, vec, blobToFloat32Vector(float32VectorToBlob(vec)))
	assert.Nil(t, blobToFloat32Vector(nil))
	assert.Nil(t, float32VectorToBlob(nil))
}
