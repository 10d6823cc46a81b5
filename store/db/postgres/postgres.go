package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemos/internal/profile"
	"github.com/hrygo/mnemos/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection with the DSN from the profile.
// The pgvector extension is required for the embedding column.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres connection")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	driver := DB{db: db, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	memory_type TEXT NOT NULL DEFAULT 'episodic',
	importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	tags JSONB NOT NULL DEFAULT '[]',
	source_conversation_id TEXT NOT NULL DEFAULT '',
	created_ts BIGINT NOT NULL,
	last_accessed_ts BIGINT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}',
	embedding vector,
	indexed BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_memories_type_created ON memories (memory_type, created_ts);
CREATE INDEX IF NOT EXISTS idx_memories_lru ON memories (access_count, last_accessed_ts);
CREATE INDEX IF NOT EXISTS idx_memories_indexed ON memories (indexed);
CREATE INDEX IF NOT EXISTS idx_memories_content_fts ON memories USING GIN (to_tsvector('simple', content));
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to run postgres migration")
	}
	return nil
}

// placeholder returns a positional parameter like $1.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns a comma separated parameter list like $1, $2, $3.
func placeholders(n int) string {
	list := []string{}
	for i := 0; i < n; i++ {
		list = append(list, placeholder(i+1))
	}
	return strings.Join(list, ", ")
}
