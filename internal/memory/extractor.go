package memory

import (
	"context"
	"log"
	"time"
)

// FactExtractor mines durable facts from completed exchanges in the
// background. Extraction never blocks or fails the response path: each
// exchange gets a fire-and-forget goroutine with its own timeout, and any
// failure is logged and dropped.
type FactExtractor struct {
	extractor Extractor
	longTerm  *LongTermMemory
	timeout   time.Duration
}

func NewFactExtractor(extractor Extractor, longTerm *LongTermMemory, timeout time.Duration) *FactExtractor {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &FactExtractor{extractor: extractor, longTerm: longTerm, timeout: timeout}
}

// SpawnExtraction launches extraction for a user/agent exchange and
// returns immediately.
func (f *FactExtractor) SpawnExtraction(userTurn, agentTurn Turn) {
	go f.extract(userTurn, agentTurn)
}

func (f *FactExtractor) extract(userTurn, agentTurn Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	conversation := RenderConversation([]Turn{userTurn, agentTurn})
	resp, err := f.extractor.ExtractFacts(ctx, conversation)
	if err != nil {
		log.Printf("[memory] fact extraction: %v", err)
		return
	}

	stored, deduped := 0, 0
	for _, fact := range resp.Facts {
		if fact.Content == "" {
			continue
		}
		outcome, err := f.longTerm.Store(ctx, fact.Content, ParseMemoryKind(fact.Kind), fact.Importance, userTurn.ID)
		if err != nil {
			log.Printf("[memory] store extracted fact: %v", err)
			continue
		}
		if outcome.Deduplicated {
			deduped++
		} else {
			stored++
		}
	}
	if stored > 0 || deduped > 0 {
		log.Printf("[memory] extracted %d facts (%d deduplicated)", stored+deduped, deduped)
	}
}
