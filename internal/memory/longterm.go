package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LongTermMemory is the cold tier: embedded entries with insert-time
// deduplication. The mutex spans the whole find-then-insert sequence in
// Store, so two concurrent near-duplicate inserts cannot both land.
// Embeddings are computed before the lock is taken.
type LongTermMemory struct {
	mu             sync.Mutex
	store          *Store
	embedder       Embedder
	dedupThreshold float64
}

func NewLongTermMemory(store *Store, embedder Embedder, dedupThreshold float64) *LongTermMemory {
	return &LongTermMemory{store: store, embedder: embedder, dedupThreshold: dedupThreshold}
}

// Store embeds content and inserts it unless an existing entry is at least
// dedupThreshold similar, in which case the existing entry is left
// untouched and reported in the outcome.
func (m *LongTermMemory) Store(ctx context.Context, content string, kind MemoryKind, importance float64, sourceTurnID string) (StoreOutcome, error) {
	embedding, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return StoreOutcome{}, fmt.Errorf("embed memory content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, sim, err := m.findSimilar(embedding)
	if err != nil {
		return StoreOutcome{}, err
	}
	if existing != nil {
		log.Printf("[memory] dedup skip: %.3f similar to entry %s", sim, existing.ID)
		return StoreOutcome{ID: existing.ID, Deduplicated: true}, nil
	}

	now := time.Now().UTC()
	entry := MemoryEntry{
		ID:           uuid.NewString(),
		Content:      content,
		Embedding:    embedding,
		Kind:         kind,
		Importance:   clampImportance(importance),
		CreatedAt:    now,
		LastAccessed: now,
		SourceTurnID: sourceTurnID,
	}
	if err := m.store.InsertEntry(entry); err != nil {
		return StoreOutcome{}, err
	}
	return StoreOutcome{ID: entry.ID}, nil
}

// FindSimilar returns the best existing match at or above the dedup
// threshold, or nil when the closest entry is below it.
func (m *LongTermMemory) FindSimilar(embedding []float32) (*MemoryEntry, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findSimilar(embedding)
}

// findSimilar scans every entry and returns the best match at or above the
// dedup threshold, or nil.
func (m *LongTermMemory) findSimilar(embedding []float32) (*MemoryEntry, float64, error) {
	entries, err := m.store.AllEntries()
	if err != nil {
		return nil, 0, err
	}
	var best *MemoryEntry
	var bestSim float64
	for i := range entries {
		sim := CosineSimilarity(embedding, entries[i].Embedding)
		if sim >= m.dedupThreshold && (best == nil || sim > bestSim) {
			best = &entries[i]
			bestSim = sim
		}
	}
	return best, bestSim, nil
}

// Search embeds the query and returns the top-k entries above minSim,
// ordered by similarity (ties broken by recency, then ID). Matches get
// their access bookkeeping bumped.
func (m *LongTermMemory) Search(ctx context.Context, query string, k int, minSim float64) ([]SearchResult, error) {
	embedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}
	return m.SearchByEmbedding(embedding, k, minSim)
}

// SearchByEmbedding is Search with a precomputed query vector. It holds
// the tier lock, so a read never interleaves with a find-then-insert.
func (m *LongTermMemory) SearchByEmbedding(embedding []float32, k int, minSim float64) ([]SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.store.AllEntries()
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, e := range entries {
		sim := CosineSimilarity(embedding, e.Embedding)
		if sim >= minSim {
			results = append(results, SearchResult{Entry: e, Similarity: sim})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if !results[i].Entry.CreatedAt.Equal(results[j].Entry.CreatedAt) {
			return results[i].Entry.CreatedAt.After(results[j].Entry.CreatedAt)
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Entry.ID
	}
	if err := m.store.TouchEntries(ids); err != nil {
		log.Printf("[memory] touch entries: %v", err)
	}
	return results, nil
}

func (m *LongTermMemory) SearchByKind(kind MemoryKind) ([]MemoryEntry, error) {
	return m.store.EntriesByKind(kind)
}

// Delete removes an entry. Returns false when no entry has that ID.
func (m *LongTermMemory) Delete(id string) (bool, error) {
	return m.store.DeleteEntry(id)
}

func (m *LongTermMemory) Count() (int, error) {
	return m.store.CountEntries()
}
