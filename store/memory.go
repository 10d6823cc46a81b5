package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MemoryType classifies a memory entry.
type MemoryType string

const (
	// MemoryTypeEpisodic holds event-like memories tied to a point in time.
	MemoryTypeEpisodic MemoryType = "episodic"
	// MemoryTypeSemantic holds distilled facts and knowledge.
	MemoryTypeSemantic MemoryType = "semantic"
	// MemoryTypeProcedural holds how-to knowledge. Never expires.
	MemoryTypeProcedural MemoryType = "procedural"
)

// Valid reports whether t is one of the known memory types.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryTypeEpisodic, MemoryTypeSemantic, MemoryTypeProcedural:
		return true
	}
	return false
}

// MetaValue is the restricted value set allowed inside entry metadata:
// string, float64, bool, or []string. Anything else is rejected at write
// time so every driver can round-trip metadata losslessly.
type MetaValue any

// Metadata is a typed key/value bag attached to a memory entry.
type Metadata map[string]MetaValue

// ValidateMetadata rejects metadata values outside the supported union.
func ValidateMetadata(md Metadata) error {
	for key, value := range md {
		switch v := value.(type) {
		case string, float64, bool, nil:
		case int:
			// Accepted for caller convenience, normalized on store.
			md[key] = float64(v)
		case []string:
		case []any:
			ss := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return errors.Errorf("metadata key %q: list values must be strings, got %T", key, item)
				}
				ss = append(ss, s)
			}
			md[key] = ss
		default:
			return errors.Errorf("metadata key %q: unsupported value type %T", key, value)
		}
	}
	return nil
}

// MarshalMetadata encodes metadata as JSON for storage.
func MarshalMetadata(md Metadata) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	buf, err := json.Marshal(md)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal metadata")
	}
	return string(buf), nil
}

// UnmarshalMetadata decodes stored JSON into typed metadata.
func UnmarshalMetadata(raw string) (Metadata, error) {
	if raw == "" || raw == "{}" {
		return Metadata{}, nil
	}
	var md Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal metadata")
	}
	if err := ValidateMetadata(md); err != nil {
		return nil, err
	}
	return md, nil
}

// NormalizeTags trims, lowercases and deduplicates tags preserving first
// occurrence order. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MarshalTags encodes tags as a JSON list for storage.
func MarshalTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	buf, err := json.Marshal(tags)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal tags")
	}
	return string(buf), nil
}

// UnmarshalTags decodes a stored JSON list of tags.
func UnmarshalTags(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal tags")
	}
	return tags, nil
}

// MemoryEntry is a single stored memory.
type MemoryEntry struct {
	ID         string
	Content    string
	MemoryType MemoryType
	Importance float64 // [0, 1]
	Tags       []string
	// SourceConversationID is an optional back-reference for lookups. It is
	// never treated as an ownership edge.
	SourceConversationID string
	CreatedAt            time.Time
	LastAccessed         time.Time
	AccessCount          int
	Metadata             Metadata
	Embedding            []float32 // nil when no embedding has been computed
	Indexed              bool      // true once the entry is present in the vector index
}

// FindMemory specifies filter conditions for listing memories.
type FindMemory struct {
	ID                   *string
	MemoryType           *MemoryType
	SourceConversationID *string
	CreatedAfter         *time.Time
	Limit                int
	Offset               int
}

// FulltextQuery describes a lexical search over memory content.
type FulltextQuery struct {
	Query      string
	MemoryType *MemoryType
	Limit      int
}

// StorageError wraps a failure inside a store driver. Storage errors always
// propagate to the caller; the engine never degrades around them.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err with the failing operation name.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}
