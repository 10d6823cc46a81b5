package index

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hrygo/mnemos/engine/embedding"
	"github.com/hrygo/mnemos/store"
)

const defaultRebuildBatch = 100

// RebuildResult reports one incremental rebuild pass.
type RebuildResult struct {
	Scanned  int `json:"scanned"`
	Embedded int `json:"embedded"`
	Indexed  int `json:"indexed"`
}

// RebuildIncremental indexes every entry whose durable indexed flag is still
// unset, computing missing embeddings along the way. The flag is only marked
// after a successful index insert, so a crash mid-rebuild re-processes the
// remainder on the next pass and an up-to-date index makes this a no-op.
func (idx *Index) RebuildIncremental(ctx context.Context, st *store.Store, embedder embedding.Service) (RebuildResult, error) {
	var result RebuildResult

	for {
		pending, err := st.ListUnindexed(ctx, defaultRebuildBatch)
		if err != nil {
			return result, errors.Wrap(err, "failed to list unindexed entries")
		}
		if len(pending) == 0 {
			return result, nil
		}
		result.Scanned += len(pending)

		embedded, err := idx.embedMissing(ctx, st, embedder, pending)
		if err != nil {
			return result, err
		}
		result.Embedded += embedded

		indexed := make([]string, 0, len(pending))
		for _, entry := range pending {
			if len(entry.Embedding) == 0 {
				continue
			}
			if err := idx.Add(ctx, entry); err != nil {
				return result, err
			}
			indexed = append(indexed, entry.ID)
		}
		result.Indexed += len(indexed)

		// A batch that indexes nothing (an embedder handing back empty
		// vectors without erroring) would otherwise return the same rows
		// from ListUnindexed forever.
		if len(indexed) == 0 {
			return result, nil
		}

		if err := st.MarkIndexed(ctx, indexed); err != nil {
			return result, errors.Wrap(err, "failed to mark entries indexed")
		}
		if len(pending) < defaultRebuildBatch {
			return result, nil
		}
	}
}

func (idx *Index) embedMissing(ctx context.Context, st *store.Store, embedder embedding.Service, entries []*store.MemoryEntry) (int, error) {
	var (
		texts   []string
		missing []*store.MemoryEntry
	)
	for _, entry := range entries {
		if len(entry.Embedding) == 0 {
			texts = append(texts, entry.Content)
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, errors.Wrap(err, "failed to embed pending entries")
	}
	for i, entry := range missing {
		entry.Embedding = vectors[i]
		if err := st.UpdateMemoryEmbedding(ctx, entry.ID, vectors[i]); err != nil {
			return 0, err
		}
	}
	return len(missing), nil
}
