package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SummarizerPolicy holds the retry and promotion knobs for the warm tier.
type SummarizerPolicy struct {
	Retries           int
	AttemptTimeout    time.Duration
	KeyFactImportance float64
}

// Summarizer folds spans of evicted turns into summaries. A summary is
// persisted, and the folded turns linked to it, in one transaction before
// the caller is allowed to drop the span from working memory.
type Summarizer struct {
	store     *Store
	extractor Extractor
	embedder  Embedder
	longTerm  *LongTermMemory
	policy    SummarizerPolicy
}

func NewSummarizer(store *Store, extractor Extractor, embedder Embedder, longTerm *LongTermMemory, policy SummarizerPolicy) *Summarizer {
	if policy.Retries < 1 {
		policy.Retries = 1
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = 30 * time.Second
	}
	return &Summarizer{store: store, extractor: extractor, embedder: embedder, longTerm: longTerm, policy: policy}
}

// Summarize condenses span into a persisted summary. On success the
// summary row exists, the span's turns carry its backlink, and each key
// fact has been offered to long-term memory. On error nothing has been
// persisted and the caller must keep the span resident.
func (s *Summarizer) Summarize(ctx context.Context, span []Turn) (*Summary, error) {
	if len(span) == 0 {
		return nil, fmt.Errorf("summarize empty span")
	}

	conversation := RenderConversation(span)

	var resp *SummaryResponse
	var lastErr error
	for attempt := 1; attempt <= s.policy.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.policy.AttemptTimeout)
		resp, lastErr = s.extractor.Summarize(attemptCtx, conversation)
		cancel()
		if lastErr == nil {
			break
		}
		log.Printf("[memory] summarize attempt %d/%d failed: %v", attempt, s.policy.Retries, lastErr)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("summarize span: %w", ctx.Err())
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("summarize span after %d attempts: %w", s.policy.Retries, lastErr)
	}

	// Embedding the summary is best effort. A summary without an embedding
	// is still a valid replacement for the span; backfill picks it up later.
	var embedding []float32
	if s.embedder != nil {
		var err error
		embedding, err = s.embedder.Embed(ctx, resp.Summary)
		if err != nil {
			log.Printf("[memory] embed summary: %v (stored without embedding)", err)
			embedding = nil
		}
	}

	sum := Summary{
		ID:          uuid.NewString(),
		SpanStartID: span[0].ID,
		SpanEndID:   span[len(span)-1].ID,
		Text:        resp.Summary,
		KeyFacts:    resp.KeyFacts,
		Topics:      resp.Topics,
		ToolsUsed:   resp.ToolsUsed,
		Embedding:   embedding,
		CreatedAt:   time.Now().UTC(),
	}

	turnIDs := make([]string, len(span))
	for i, t := range span {
		turnIDs[i] = t.ID
	}
	if err := s.store.SaveSummary(sum, turnIDs); err != nil {
		return nil, err
	}

	// Key facts ride the dedup path, so re-summarized themes don't pile up.
	if s.longTerm != nil {
		for _, fact := range resp.KeyFacts {
			if fact == "" {
				continue
			}
			if _, err := s.longTerm.Store(ctx, fact, KindFact, s.policy.KeyFactImportance, sum.SpanEndID); err != nil {
				log.Printf("[memory] promote key fact: %v", err)
			}
		}
	}

	return &sum, nil
}

// RecentSummaries returns the n most recent summaries, newest first.
func (s *Summarizer) RecentSummaries(n int) ([]Summary, error) {
	return s.store.RecentSummaries(n)
}

// SearchSimilarSummaries returns up to k summaries at least minSim similar
// to the query embedding, best first, ties broken by recency. Summaries
// without embeddings are skipped.
func (s *Summarizer) SearchSimilarSummaries(embedding []float32, k int, minSim float64) ([]SummaryMatch, error) {
	sums, err := s.store.EmbeddedSummaries()
	if err != nil {
		return nil, err
	}

	var matches []SummaryMatch
	for _, sum := range sums {
		sim := CosineSimilarity(embedding, sum.Embedding)
		if sim >= minSim {
			matches = append(matches, SummaryMatch{Summary: sum, Similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if !matches[i].Summary.CreatedAt.Equal(matches[j].Summary.CreatedAt) {
			return matches[i].Summary.CreatedAt.After(matches[j].Summary.CreatedAt)
		}
		return matches[i].Summary.ID < matches[j].Summary.ID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
