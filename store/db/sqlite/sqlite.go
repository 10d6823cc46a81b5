package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/mnemos/internal/profile"
	"github.com/hrygo/mnemos/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile

	// Set during Migrate. When the FTS5 module is unavailable the lexical
	// stage falls back to LIKE matching.
	ftsEnabled bool
}

// NewDB opens the SQLite database at the DSN from the profile.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect with some sane settings:
	// - No foreign key constraints: disabled by default, but be explicit.
	// - busy_timeout: wait instead of failing on a locked database.
	// - Journal mode set to WAL: the recommended mode for most applications.
	//
	// With the `modernc.org/sqlite` driver each pragma must be prefixed
	// with `_pragma=`; see https://pkg.go.dev/modernc.org/sqlite#Driver.Open.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// SQLite with WAL works best over a single connection.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	memory_type TEXT NOT NULL DEFAULT 'episodic',
	importance REAL NOT NULL DEFAULT 0.5,
	tags TEXT NOT NULL DEFAULT '[]',
	source_conversation_id TEXT NOT NULL DEFAULT '',
	created_ts INTEGER NOT NULL,
	last_accessed_ts INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	embedding BLOB,
	indexed INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memories_type_created ON memories (memory_type, created_ts);
CREATE INDEX IF NOT EXISTS idx_memories_lru ON memories (access_count, last_accessed_ts);
CREATE INDEX IF NOT EXISTS idx_memories_indexed ON memories (indexed);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content,
	tags,
	content='memories',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts (rowid, content, tags) VALUES (new.rowid, new.content, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts (memories_fts, rowid, content, tags) VALUES ('delete', old.rowid, old.content, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE OF content, tags ON memories BEGIN
	INSERT INTO memories_fts (memories_fts, rowid, content, tags) VALUES ('delete', old.rowid, old.content, old.tags);
	INSERT INTO memories_fts (rowid, content, tags) VALUES (new.rowid, new.content, new.tags);
END;
`

// Migrate creates the schema. The FTS5 virtual table is optional: some
// builds of the driver ship without the module, in which case lexical
// search degrades to LIKE matching.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to create memories table")
	}
	if _, err := d.db.ExecContext(ctx, ftsSchema); err == nil {
		d.ftsEnabled = true
	}
	return nil
}
