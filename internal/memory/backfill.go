package memory

import (
	"context"
	"fmt"
	"log"
)

// BackfillEmbeddings embeds summaries written before an embedder was
// available (or whose embed failed at write time). It works in batches and
// is idempotent: already-embedded summaries are never revisited, and a
// partial run leaves valid state. Returns the number of summaries updated.
func (s *Summarizer) BackfillEmbeddings(ctx context.Context, batchSize int) (int, error) {
	if s.embedder == nil {
		return 0, fmt.Errorf("backfill requires an embedder")
	}
	if batchSize <= 0 {
		batchSize = 20
	}

	updated := 0
	for {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		missing, err := s.store.SummariesMissingEmbeddings(batchSize)
		if err != nil {
			return updated, err
		}
		if len(missing) == 0 {
			return updated, nil
		}

		texts := make([]string, len(missing))
		for i, sum := range missing {
			texts[i] = sum.Text
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return updated, fmt.Errorf("embed backfill batch: %w", err)
		}
		for i, sum := range missing {
			if err := s.store.UpdateSummaryEmbedding(sum.ID, vecs[i]); err != nil {
				return updated, err
			}
			updated++
		}
		log.Printf("[memory] backfilled %d summary embeddings", updated)

		if len(missing) < batchSize {
			return updated, nil
		}
	}
}
