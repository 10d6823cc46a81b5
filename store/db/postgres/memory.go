package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemos/store"
)

func (d *DB) CreateMemory(ctx context.Context, create *store.MemoryEntry) (*store.MemoryEntry, error) {
	if err := store.ValidateMetadata(create.Metadata); err != nil {
		return nil, store.NewStorageError("create", err)
	}
	metadata, err := store.MarshalMetadata(create.Metadata)
	if err != nil {
		return nil, store.NewStorageError("create", err)
	}
	create.Tags = store.NormalizeTags(create.Tags)
	tags, err := store.MarshalTags(create.Tags)
	if err != nil {
		return nil, store.NewStorageError("create", err)
	}

	stmt := `
		INSERT INTO memories (id, content, memory_type, importance, tags, source_conversation_id, created_ts, last_accessed_ts, access_count, metadata, embedding, indexed)
		VALUES (` + placeholders(12) + `)
	`
	_, err = d.db.ExecContext(ctx, stmt,
		create.ID,
		create.Content,
		string(create.MemoryType),
		create.Importance,
		tags,
		create.SourceConversationID,
		create.CreatedAt.Unix(),
		create.LastAccessed.Unix(),
		create.AccessCount,
		metadata,
		vectorParam(create.Embedding),
		create.Indexed,
	)
	if err != nil {
		return nil, store.NewStorageError("create", err)
	}
	return create, nil
}

func (d *DB) GetMemory(ctx context.Context, id string) (*store.MemoryEntry, error) {
	stmt := selectMemoryFields + " FROM memories WHERE id = $1"
	entry, err := scanMemory(d.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, store.NewStorageError("get", err)
	}
	return entry, nil
}

func (d *DB) ListMemories(ctx context.Context, find *store.FindMemory) ([]*store.MemoryEntry, error) {
	where, args := []string{"1 = 1"}, []any{}

	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.MemoryType; v != nil {
		where, args = append(where, "memory_type = "+placeholder(len(args)+1)), append(args, string(*v))
	}
	if v := find.SourceConversationID; v != nil {
		where, args = append(where, "source_conversation_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.CreatedAfter; v != nil {
		where, args = append(where, "created_ts >= "+placeholder(len(args)+1)), append(args, v.Unix())
	}

	query := selectMemoryFields + " FROM memories WHERE " + strings.Join(where, " AND ") + " ORDER BY created_ts DESC"
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
		if find.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewStorageError("list", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

func (d *DB) DeleteMemory(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM memories WHERE id = $1", id); err != nil {
		return store.NewStorageError("delete", err)
	}
	return nil
}

func (d *DB) CountMemories(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&count); err != nil {
		return 0, store.NewStorageError("count", err)
	}
	return count, nil
}

// SearchFulltext runs the lexical stage over a tsvector with the "simple"
// configuration, ranked by ts_rank. ILIKE matching is the fallback for
// queries the tokenizer reduces to nothing.
func (d *DB) SearchFulltext(ctx context.Context, q *store.FulltextQuery) ([]*store.MemoryEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"to_tsvector('simple', content) @@ plainto_tsquery('simple', $1)"}
	args := []any{q.Query}
	if v := q.MemoryType; v != nil {
		where, args = append(where, "memory_type = "+placeholder(len(args)+1)), append(args, string(*v))
	}
	args = append(args, limit)

	query := selectMemoryFields + `
		FROM memories
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ts_rank(to_tsvector('simple', content), plainto_tsquery('simple', $1)) DESC
		LIMIT ` + placeholder(len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewStorageError("search_fts", err)
	}
	defer rows.Close()

	entries, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}
	return d.searchLike(ctx, q, limit)
}

func (d *DB) searchLike(ctx context.Context, q *store.FulltextQuery, limit int) ([]*store.MemoryEntry, error) {
	where, args := []string{"content ILIKE $1"}, []any{"%" + q.Query + "%"}
	if v := q.MemoryType; v != nil {
		where, args = append(where, "memory_type = "+placeholder(len(args)+1)), append(args, string(*v))
	}
	args = append(args, limit)

	query := selectMemoryFields + " FROM memories WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_ts DESC LIMIT " + placeholder(len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewStorageError("search_like", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

func (d *DB) TouchMemories(ctx context.Context, ids []string, accessedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	list := make([]string, 0, len(ids))
	args := []any{accessedAt.Unix()}
	for i, id := range ids {
		list = append(list, placeholder(i+2))
		args = append(args, id)
	}
	stmt := "UPDATE memories SET access_count = access_count + 1, last_accessed_ts = $1 WHERE id IN (" + strings.Join(list, ", ") + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return store.NewStorageError("touch", err)
	}
	return nil
}

func (d *DB) ListMemoriesOlderThan(ctx context.Context, memoryType store.MemoryType, cutoff time.Time) ([]*store.MemoryEntry, error) {
	query := selectMemoryFields + " FROM memories WHERE memory_type = $1 AND created_ts < $2 ORDER BY created_ts ASC"
	rows, err := d.db.QueryContext(ctx, query, string(memoryType), cutoff.Unix())
	if err != nil {
		return nil, store.NewStorageError("list_older", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

func (d *DB) ListLeastRecentlyUsed(ctx context.Context, limit int) ([]*store.MemoryEntry, error) {
	query := selectMemoryFields + " FROM memories ORDER BY access_count ASC, last_accessed_ts ASC LIMIT $1"
	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, store.NewStorageError("list_lru", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

func (d *DB) ListUnindexed(ctx context.Context, limit int) ([]*store.MemoryEntry, error) {
	query := selectMemoryFields + " FROM memories WHERE indexed = FALSE ORDER BY created_ts ASC LIMIT $1"
	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, store.NewStorageError("list_unindexed", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

func (d *DB) MarkIndexed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	list := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		list = append(list, placeholder(i+1))
		args = append(args, id)
	}
	stmt := "UPDATE memories SET indexed = TRUE WHERE id IN (" + strings.Join(list, ", ") + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return store.NewStorageError("mark_indexed", err)
	}
	return nil
}

func (d *DB) UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	stmt := "UPDATE memories SET embedding = $1 WHERE id = $2"
	if _, err := d.db.ExecContext(ctx, stmt, vectorParam(embedding), id); err != nil {
		return store.NewStorageError("update_embedding", err)
	}
	return nil
}

const selectMemoryFields = "SELECT id, content, memory_type, importance, tags, source_conversation_id, created_ts, last_accessed_ts, access_count, metadata, embedding, indexed"

type rowScanner interface {
	Scan(dest ...any) error
}

// nullVector scans a nullable pgvector column.
type nullVector struct {
	vec []float32
}

func (n *nullVector) Scan(src any) error {
	if src == nil {
		return nil
	}
	var vector pgvector.Vector
	if err := vector.Scan(src); err != nil {
		return err
	}
	n.vec = vector.Slice()
	return nil
}

// vectorParam converts an embedding to a statement parameter, keeping
// NULL for entries without one.
func vectorParam(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return pgvector.NewVector(vec)
}

func scanMemory(row rowScanner) (*store.MemoryEntry, error) {
	var (
		entry       store.MemoryEntry
		memoryType  string
		rawTags     string
		createdTs   int64
		accessedTs  int64
		rawMetadata string
		vector      nullVector
	)
	err := row.Scan(
		&entry.ID,
		&entry.Content,
		&memoryType,
		&entry.Importance,
		&rawTags,
		&entry.SourceConversationID,
		&createdTs,
		&accessedTs,
		&entry.AccessCount,
		&rawMetadata,
		&vector,
		&entry.Indexed,
	)
	if err != nil {
		return nil, err
	}

	entry.MemoryType = store.MemoryType(memoryType)
	entry.CreatedAt = time.Unix(createdTs, 0)
	entry.LastAccessed = time.Unix(accessedTs, 0)
	entry.Embedding = vector.vec
	entry.Tags, err = store.UnmarshalTags(rawTags)
	if err != nil {
		return nil, err
	}
	entry.Metadata, err = store.UnmarshalMetadata(rawMetadata)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func collectMemories(rows *sql.Rows) ([]*store.MemoryEntry, error) {
	list := []*store.MemoryEntry{}
	for rows.Next() {
		entry, err := scanMemory(rows)
		if err != nil {
			return nil, store.NewStorageError("scan", err)
		}
		list = append(list, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStorageError("rows", err)
	}
	return list, nil
}
