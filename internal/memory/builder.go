package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// BuilderPolicy holds the retrieval and sizing knobs for context assembly.
type BuilderPolicy struct {
	LongTermTopK    int
	LongTermMinSim  float64
	RecentSummaries int
	SummaryMinSim   float64
	MaxTokens       int
}

// ContextBuilder assembles the memory enrichment block prepended to the
// prompt. It draws only on long-term entries and summaries; turns still
// resident in working memory are sent to the model as history and never
// duplicated here.
//
// Each section is best effort: a failing tier is logged and skipped, and
// the remaining sections still render. Given the same stored state and
// query the output is identical.
type ContextBuilder struct {
	longTerm   *LongTermMemory
	summarizer *Summarizer
	embedder   Embedder
	estimator  TokenEstimator
	policy     BuilderPolicy
}

func NewContextBuilder(longTerm *LongTermMemory, summarizer *Summarizer, embedder Embedder, estimator TokenEstimator, policy BuilderPolicy) *ContextBuilder {
	return &ContextBuilder{
		longTerm:   longTerm,
		summarizer: summarizer,
		embedder:   embedder,
		estimator:  estimator,
		policy:     policy,
	}
}

// Build returns the enrichment block for query, or "" when nothing
// relevant is stored.
func (b *ContextBuilder) Build(ctx context.Context, query string) string {
	var queryEmbedding []float32
	if b.embedder != nil && strings.TrimSpace(query) != "" {
		var err error
		queryEmbedding, err = b.embedder.Embed(ctx, query)
		if err != nil {
			log.Printf("[memory] embed context query: %v", err)
		}
	}

	sections := []string{}
	if s := b.longTermSection(queryEmbedding); s != "" {
		sections = append(sections, s)
	}

	recent, recentIDs := b.recentSection()
	if recent != "" {
		sections = append(sections, recent)
	}
	if s := b.relevantOlderSection(queryEmbedding, recentIDs); s != "" {
		sections = append(sections, s)
	}

	if len(sections) == 0 {
		return ""
	}

	// Trim whole sections from the end until the block fits. The long-term
	// facts section is dropped last.
	if b.policy.MaxTokens > 0 {
		for len(sections) > 0 {
			block := strings.Join(sections, "\n")
			if b.estimator.EstimateText(block) <= b.policy.MaxTokens {
				return block
			}
			sections = sections[:len(sections)-1]
		}
		return ""
	}
	return strings.Join(sections, "\n")
}

func (b *ContextBuilder) longTermSection(queryEmbedding []float32) string {
	if b.longTerm == nil || len(queryEmbedding) == 0 {
		return ""
	}
	results, err := b.longTerm.SearchByEmbedding(queryEmbedding, b.policy.LongTermTopK, b.policy.LongTermMinSim)
	if err != nil {
		log.Printf("[memory] long-term retrieval: %v", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Relevant Context:\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "- %s\n", r.Entry.Content)
	}
	return sb.String()
}

func (b *ContextBuilder) recentSection() (string, map[string]bool) {
	if b.summarizer == nil || b.policy.RecentSummaries <= 0 {
		return "", nil
	}
	sums, err := b.summarizer.RecentSummaries(b.policy.RecentSummaries)
	if err != nil {
		log.Printf("[memory] recent summaries: %v", err)
		return "", nil
	}
	if len(sums) == 0 {
		return "", nil
	}

	ids := make(map[string]bool, len(sums))
	var sb strings.Builder
	sb.WriteString("## Recent Session Summaries:\n")
	for _, sum := range sums {
		ids[sum.ID] = true
		fmt.Fprintf(&sb, "[%s] %s\n", sum.CreatedAt.Format("2006-01-02"), sum.Text)
		if len(sum.KeyFacts) > 0 {
			fmt.Fprintf(&sb, "Facts: %s\n", strings.Join(sum.KeyFacts, "; "))
		}
	}
	return sb.String(), ids
}

func (b *ContextBuilder) relevantOlderSection(queryEmbedding []float32, recentIDs map[string]bool) string {
	if b.summarizer == nil || len(queryEmbedding) == 0 {
		return ""
	}
	matches, err := b.summarizer.SearchSimilarSummaries(queryEmbedding, 1, b.policy.SummaryMinSim)
	if err != nil {
		log.Printf("[memory] summary retrieval: %v", err)
		return ""
	}
	// Only the single best match counts. When it is already among the
	// recent summaries the section is omitted, not filled with a weaker hit.
	if len(matches) == 0 || recentIDs[matches[0].Summary.ID] {
		return ""
	}

	m := matches[0]
	var sb strings.Builder
	sb.WriteString("## Relevant Earlier Conversation:\n")
	fmt.Fprintf(&sb, "[%s, %.0f%% relevant] %s\n",
		m.Summary.CreatedAt.Format("2006-01-02"), m.Similarity*100, m.Summary.Text)
	if len(m.Summary.KeyFacts) > 0 {
		fmt.Fprintf(&sb, "Facts: %s\n", strings.Join(m.Summary.KeyFacts, "; "))
	}
	return sb.String()
}
