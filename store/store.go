package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/hrygo/mnemos/internal/profile"
)

// Driver is an interface for store driver.
// It contains all the memory persistence methods a backend must implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// Memory model related methods.
	CreateMemory(ctx context.Context, create *MemoryEntry) (*MemoryEntry, error)
	GetMemory(ctx context.Context, id string) (*MemoryEntry, error)
	ListMemories(ctx context.Context, find *FindMemory) ([]*MemoryEntry, error)
	DeleteMemory(ctx context.Context, id string) error
	CountMemories(ctx context.Context) (int, error)

	// Lexical search stage.
	SearchFulltext(ctx context.Context, q *FulltextQuery) ([]*MemoryEntry, error)

	// Access bookkeeping.
	TouchMemories(ctx context.Context, ids []string, accessedAt time.Time) error

	// Lifecycle queries.
	ListMemoriesOlderThan(ctx context.Context, memoryType MemoryType, cutoff time.Time) ([]*MemoryEntry, error)
	ListLeastRecentlyUsed(ctx context.Context, limit int) ([]*MemoryEntry, error)

	// Vector index bookkeeping.
	ListUnindexed(ctx context.Context, limit int) ([]*MemoryEntry, error)
	MarkIndexed(ctx context.Context, ids []string) error
	UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error
}

// Store provides database access to memory records.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateMemory(ctx context.Context, create *MemoryEntry) (*MemoryEntry, error) {
	return s.driver.CreateMemory(ctx, create)
}

func (s *Store) GetMemory(ctx context.Context, id string) (*MemoryEntry, error) {
	return s.driver.GetMemory(ctx, id)
}

func (s *Store) ListMemories(ctx context.Context, find *FindMemory) ([]*MemoryEntry, error) {
	return s.driver.ListMemories(ctx, find)
}

func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return s.driver.DeleteMemory(ctx, id)
}

func (s *Store) CountMemories(ctx context.Context) (int, error) {
	return s.driver.CountMemories(ctx)
}

func (s *Store) SearchFulltext(ctx context.Context, q *FulltextQuery) ([]*MemoryEntry, error) {
	return s.driver.SearchFulltext(ctx, q)
}

func (s *Store) TouchMemories(ctx context.Context, ids []string, accessedAt time.Time) error {
	return s.driver.TouchMemories(ctx, ids, accessedAt)
}

func (s *Store) ListMemoriesOlderThan(ctx context.Context, memoryType MemoryType, cutoff time.Time) ([]*MemoryEntry, error) {
	return s.driver.ListMemoriesOlderThan(ctx, memoryType, cutoff)
}

func (s *Store) ListLeastRecentlyUsed(ctx context.Context, limit int) ([]*MemoryEntry, error) {
	return s.driver.ListLeastRecentlyUsed(ctx, limit)
}

func (s *Store) ListUnindexed(ctx context.Context, limit int) ([]*MemoryEntry, error) {
	return s.driver.ListUnindexed(ctx, limit)
}

func (s *Store) MarkIndexed(ctx context.Context, ids []string) error {
	return s.driver.MarkIndexed(ctx, ids)
}

func (s *Store) UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	return s.driver.UpdateMemoryEmbedding(ctx, id, embedding)
}
