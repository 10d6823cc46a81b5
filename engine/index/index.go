// Package index wraps an embedded vector database for semantic search.
package index

import (
	"context"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemos/store"
)

const collectionName = "memories"

// Match is a single semantic search hit.
type Match struct {
	ID         string
	Similarity float64
}

// Stats is a snapshot of the index state.
type Stats struct {
	Documents  int `json:"documents"`
	Tombstones int `json:"tombstones"`
}

// Index stores memory embeddings in chromem-go, a pure Go embedded vector
// database with cosine similarity search.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection

	// IDs whose delete failed. Search results are filtered against this
	// set until a later delete succeeds.
	mu         sync.RWMutex
	tombstones map[string]struct{}
}

// New opens a persistent index under dir.
func New(dir string) (*Index, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open vector index")
	}
	return newIndex(db)
}

// NewInMemory creates a non-persistent index.
func NewInMemory() (*Index, error) {
	return newIndex(chromem.NewDB())
}

func newIndex(db *chromem.DB) (*Index, error) {
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open index collection")
	}
	return &Index{
		db:         db,
		col:        col,
		tombstones: make(map[string]struct{}),
	}, nil
}

// Add inserts or replaces the vector for a memory entry.
func (idx *Index) Add(ctx context.Context, entry *store.MemoryEntry) error {
	if len(entry.Embedding) == 0 {
		return errors.New("entry has no embedding")
	}

	doc := chromem.Document{
		ID:        entry.ID,
		Content:   entry.Content,
		Embedding: entry.Embedding,
		Metadata: map[string]string{
			"memory_type": string(entry.MemoryType),
		},
	}
	if err := idx.col.AddDocument(ctx, doc); err != nil {
		return errors.Wrap(err, "failed to add document")
	}

	idx.mu.Lock()
	delete(idx.tombstones, entry.ID)
	idx.mu.Unlock()
	return nil
}

// Remove deletes a vector. When the underlying delete fails the ID is
// tombstoned so search never returns it, and the next Remove retries.
func (idx *Index) Remove(ctx context.Context, id string) error {
	if err := idx.col.Delete(ctx, nil, nil, id); err != nil {
		idx.mu.Lock()
		idx.tombstones[id] = struct{}{}
		idx.mu.Unlock()
		return errors.Wrap(err, "failed to delete document")
	}
	idx.mu.Lock()
	delete(idx.tombstones, id)
	idx.mu.Unlock()
	return nil
}

// Search returns up to limit matches by cosine similarity, most similar
// first. An empty index returns no matches and no error.
func (idx *Index) Search(ctx context.Context, embedding []float32, limit int, memoryType *store.MemoryType) ([]Match, error) {
	if limit <= 0 {
		return nil, nil
	}
	count := idx.col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	var where map[string]string
	if memoryType != nil {
		where = map[string]string{"memory_type": string(*memoryType)}
	}

	// chromem requires nResults <= number of matching documents; a type
	// filter can shrink that below the collection count, so retry with
	// smaller limits.
	var results []chromem.Result
	for n := limit; n >= 1; n-- {
		var err error
		results, err = idx.col.QueryEmbedding(ctx, embedding, n, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if n == 1 {
				return nil, nil
			}
			continue
		}
		return nil, errors.Wrap(err, "vector query failed")
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matches := make([]Match, 0, len(results))
	for _, result := range results {
		if _, dead := idx.tombstones[result.ID]; dead {
			continue
		}
		matches = append(matches, Match{
			ID:         result.ID,
			Similarity: float64(result.Similarity),
		})
	}
	return matches, nil
}

// Count returns the number of live documents.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.col.Count() - len(idx.tombstones)
}

func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Stats{
		Documents:  idx.col.Count(),
		Tombstones: len(idx.tombstones),
	}
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
