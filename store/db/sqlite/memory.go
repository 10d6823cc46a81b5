package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		float32VectorToBlob(create.Embedding),
		boolToInt(create.Indexed),
	)
	if err != nil {
		return nil, store.NewStorageError("create", err)
	}
	return create, nil
}

func (d *DB) GetMemory(ctx context.Context, id string) (*store.MemoryEntry, error) {
	stmt := selectMemoryFields + " FROM memories WHERE id = ?"
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
		where, args = append(where, "id = ?"), append(args, *v)
	}
	if v := find.MemoryType; v != nil {
		where, args = append(where, "memory_type = ?"), append(args, string(*v))
	}
	if v := find.SourceConversationID; v != nil {
		where, args = append(where, "source_conversation_id = ?"), append(args, *v)
	}
	if v := find.CreatedAfter; v != nil {
		where, args = append(where, "created_ts >= ?"), append(args, v.Unix())
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
	if _, err := d.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
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

// SearchFulltext runs the lexical stage. FTS5 is preferred; when the module
// is unavailable the query degrades to case-insensitive LIKE matching.
func (d *DB) SearchFulltext(ctx context.Context, q *store.FulltextQuery) ([]*store.MemoryEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	if d.ftsEnabled {
		entries, err := d.searchFTS(ctx, q, limit)
		if err == nil && len(entries) > 0 {
			return entries, nil
		}
		// FTS5 rejects some query strings outright, and its default
		// tokenizer cannot split CJK text, so zero hits fall through
		// to LIKE as well.
	}
	return d.searchLike(ctx, q, limit)
}

func (d *DB) searchFTS(ctx context.Context, q *store.FulltextQuery, limit int) ([]*store.MemoryEntry, error) {
	where, args := []string{"memories_fts MATCH ?"}, []any{ftsQuote(q.Query)}
	if v := q.MemoryType; v != nil {
		where, args = append(where, "m.memory_type = ?"), append(args, string(*v))
	}
	args = append(args, limit)

	query := `
		SELECT m.id, m.content, m.memory_type, m.importance, m.tags, m.source_conversation_id, m.created_ts, m.last_accessed_ts, m.access_count, m.metadata, m.embedding, m.indexed
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY bm25(memories_fts)
		LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewStorageError("search_fts", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

func (d *DB) searchLike(ctx context.Context, q *store.FulltextQuery, limit int) ([]*store.MemoryEntry, error) {
	where, args := []string{"content LIKE ? COLLATE NOCASE"}, []any{"%" + q.Query + "%"}
	if v := q.MemoryType; v != nil {
		where, args = append(where, "memory_type = ?"), append(args, string(*v))
	}
	args = append(args, limit)

	query := selectMemoryFields + " FROM memories WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_ts DESC LIMIT ?"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewStorageError("search_like", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

// ftsQuote turns free text into an FTS5 query: every term is quoted so
// user input cannot inject FTS operators, terms are OR-ed together.
func ftsQuote(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return `""`
	}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, `""`)
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func (d *DB) TouchMemories(ctx context.Context, ids []string, accessedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := []any{accessedAt.Unix()}
	for _, id := range ids {
		args = append(args, id)
	}
	stmt := "UPDATE memories SET access_count = access_count + 1, last_accessed_ts = ? WHERE id IN (" + placeholders + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return store.NewStorageError("touch", err)
	}
	return nil
}

func (d *DB) ListMemoriesOlderThan(ctx context.Context, memoryType store.MemoryType, cutoff time.Time) ([]*store.MemoryEntry, error) {
	query := selectMemoryFields + " FROM memories WHERE memory_type = ? AND created_ts < ? ORDER BY created_ts ASC"
	rows, err := d.db.QueryContext(ctx, query, string(memoryType), cutoff.Unix())
	if err != nil {
		return nil, store.NewStorageError("list_older", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

func (d *DB) ListLeastRecentlyUsed(ctx context.Context, limit int) ([]*store.MemoryEntry, error) {
	query := selectMemoryFields + " FROM memories ORDER BY access_count ASC, last_accessed_ts ASC LIMIT ?"
	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, store.NewStorageError("list_lru", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

func (d *DB) ListUnindexed(ctx context.Context, limit int) ([]*store.MemoryEntry, error) {
	query := selectMemoryFields + " FROM memories WHERE indexed = 0 ORDER BY created_ts ASC LIMIT ?"
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
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	stmt := "UPDATE memories SET indexed = 1 WHERE id IN (" + placeholders + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return store.NewStorageError("mark_indexed", err)
	}
	return nil
}

func (d *DB) UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	stmt := "UPDATE memories SET embedding = ? WHERE id = ?"
	if _, err := d.db.ExecContext(ctx, stmt, float32VectorToBlob(embedding), id); err != nil {
		return store.NewStorageError("update_embedding", err)
	}
	return nil
}

const selectMemoryFields = "SELECT id, content, memory_type, importance, tags, source_conversation_id, created_ts, last_accessed_ts, access_count, metadata, embedding, indexed"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*store.MemoryEntry, error) {
	var (
		entry       store.MemoryEntry
		memoryType  string
		rawTags     string
		createdTs   int64
		accessedTs  int64
		rawMetadata string
		blob        []byte
		indexed     int
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
		&blob,
		&indexed,
	)
	if err != nil {
		return nil, err
	}

	entry.MemoryType = store.MemoryType(memoryType)
	entry.CreatedAt = time.Unix(createdTs, 0)
	entry.LastAccessed = time.Unix(accessedTs, 0)
	entry.Indexed = indexed != 0
	entry.Embedding = blobToFloat32Vector(blob)
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

// float32VectorToBlob serializes a vector as little-endian IEEE 754 floats.
func float32VectorToBlob(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	blob := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func blobToFloat32Vector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
