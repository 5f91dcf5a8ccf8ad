package memory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Conversation ties the tiers together for the chat loop: it persists
// turns, keeps the hot buffer filled, and runs summarize-then-evict when
// the buffer crosses its threshold.
type Conversation struct {
	store      *Store
	working    *WorkingMemory
	summarizer *Summarizer
	facts      *FactExtractor
	longTerm   *LongTermMemory
}

func NewConversation(store *Store, working *WorkingMemory, summarizer *Summarizer, facts *FactExtractor, longTerm *LongTermMemory) *Conversation {
	return &Conversation{
		store:      store,
		working:    working,
		summarizer: summarizer,
		facts:      facts,
		longTerm:   longTerm,
	}
}

// RecordTurn persists a turn, appends it to working memory, and evicts if
// the buffer has crossed its fill threshold. The turn is durable before it
// enters the buffer, so a crash between the two loses nothing.
func (c *Conversation) RecordTurn(ctx context.Context, role Role, content string) (Turn, error) {
	t := Turn{
		ID:         uuid.NewString(),
		Role:       role,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
		Importance: 0.5,
	}
	if err := c.store.SaveTurn(t); err != nil {
		return Turn{}, err
	}
	c.working.Append(t)

	if c.working.ShouldEvict() {
		if err := c.evict(ctx); err != nil {
			// The span stays resident; the next turn retries.
			log.Printf("[memory] eviction deferred: %v", err)
		}
	}
	return t, nil
}

// RecordExchange records a completed user/agent exchange and spawns
// background fact extraction over it.
func (c *Conversation) RecordExchange(ctx context.Context, userContent, agentContent string) error {
	userTurn, err := c.RecordTurn(ctx, RoleUser, userContent)
	if err != nil {
		return fmt.Errorf("record user turn: %w", err)
	}
	agentTurn, err := c.RecordTurn(ctx, RoleAgent, agentContent)
	if err != nil {
		return fmt.Errorf("record agent turn: %w", err)
	}
	if c.facts != nil {
		c.facts.SpawnExtraction(userTurn, agentTurn)
	}
	return nil
}

// evict folds the oldest span into a summary, then drops it from the
// buffer. The drop happens only after the summary has been persisted.
func (c *Conversation) evict(ctx context.Context) error {
	span := c.working.EvictableSpan()
	if len(span) == 0 {
		return nil
	}
	sum, err := c.summarizer.Summarize(ctx, span)
	if err != nil {
		return err
	}
	c.working.CommitEviction(len(span))
	log.Printf("[memory] evicted %d turns into summary %s (%d tokens resident)",
		len(span), sum.ID, c.working.TokenCount())
	return nil
}

// LoadHistory restores working memory from persisted, unsummarized turns.
// Startup-only; it never triggers summarization.
func (c *Conversation) LoadHistory() error {
	turns, err := c.store.UnsummarizedTurns()
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	c.working.LoadFrom(turns)
	log.Printf("[memory] restored %d turns (%d tokens)", c.working.Len(), c.working.TokenCount())
	return nil
}

// Stats returns a snapshot of the memory system.
func (c *Conversation) Stats() (Stats, error) {
	entries, err := c.longTerm.Count()
	if err != nil {
		return Stats{}, err
	}
	summaries, err := c.store.CountSummaries()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		WorkingTurns:  c.working.Len(),
		WorkingTokens: c.working.TokenCount(),
		Utilization:   c.working.Utilization(),
		Entries:       entries,
		Summaries:     summaries,
	}, nil
}
