package memory

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestConversation(t *testing.T, extractor *stubExtractor, budget int) (*Conversation, *Store, *WorkingMemory) {
	t.Helper()
	store := newTestStore(t)
	embedder := newStubEmbedder()
	ltm := NewLongTermMemory(store, embedder, 0.92)
	summarizer := NewSummarizer(store, extractor, embedder, ltm, SummarizerPolicy{
		Retries: 2, AttemptTimeout: time.Second, KeyFactImportance: 0.6,
	})
	working := NewWorkingMemory(WorkingPolicy{
		TokenBudget:     budget,
		FillRatio:       0.7,
		EvictBatchRatio: 0.3,
		MinRetainTurns:  2,
	}, HeuristicEstimator{})
	conv := NewConversation(store, working, summarizer, nil, ltm)
	return conv, store, working
}

func TestRecordTurnPersistsBeforeBuffering(t *testing.T) {
	ctx := context.Background()
	conv, store, working := newTestConversation(t, &stubExtractor{summary: SummaryResponse{Summary: "s"}}, 100000)

	turn, err := conv.RecordTurn(ctx, RoleUser, "hello there")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if turn.ID == "" {
		t.Fatal("turn has no id")
	}

	persisted, err := store.UnsummarizedTurns()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Content != "hello there" {
		t.Fatalf("turn not persisted: %+v", persisted)
	}
	if working.Len() != 1 {
		t.Errorf("turn not buffered: %d", working.Len())
	}
}

func TestRecordTurnEvictsWhenFull(t *testing.T) {
	ctx := context.Background()
	conv, store, working := newTestConversation(t, &stubExtractor{summary: SummaryResponse{Summary: "condensed"}}, 1000)

	content := strings.Repeat("w", 400)
	for i := 0; i < 10; i++ {
		if _, err := conv.RecordTurn(ctx, RoleUser, content); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	if n, _ := store.CountSummaries(); n == 0 {
		t.Fatal("crossing the threshold should have produced a summary")
	}
	if working.TokenCount() >= 700 {
		t.Errorf("buffer still at %d tokens after eviction", working.TokenCount())
	}

	// Evicted turns carry the summary backlink; resident ones do not.
	resident, err := store.UnsummarizedTurns()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(resident) != working.Len() {
		t.Errorf("%d unsummarized turns vs %d resident", len(resident), working.Len())
	}
}

func TestRecordTurnKeepsSpanOnSummarizeFailure(t *testing.T) {
	ctx := context.Background()
	extractor := &stubExtractor{failuresLeft: 1000}
	conv, store, working := newTestConversation(t, extractor, 1000)

	content := strings.Repeat("w", 400)
	for i := 0; i < 10; i++ {
		if _, err := conv.RecordTurn(ctx, RoleUser, content); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	// Summarization never succeeds, so nothing may be lost or linked.
	if n, _ := store.CountSummaries(); n != 0 {
		t.Errorf("failed summarization produced %d summaries", n)
	}
	if working.Len() != 10 {
		t.Errorf("buffer lost turns without a summary: %d of 10 left", working.Len())
	}
	resident, _ := store.UnsummarizedTurns()
	if len(resident) != 10 {
		t.Errorf("turns were linked despite failure: %d unsummarized", len(resident))
	}
}

func TestRecordTurnRecoversOnRetry(t *testing.T) {
	ctx := context.Background()
	// Policy retries twice per eviction; fail the first eviction entirely,
	// let a later one succeed.
	extractor := &stubExtractor{summary: SummaryResponse{Summary: "finally"}, failuresLeft: 2}
	conv, store, working := newTestConversation(t, extractor, 1000)

	content := strings.Repeat("w", 400)
	for i := 0; i < 12; i++ {
		if _, err := conv.RecordTurn(ctx, RoleUser, content); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	if n, _ := store.CountSummaries(); n == 0 {
		t.Error("eviction never recovered after transient failures")
	}
	if working.Len() == 12 {
		t.Error("buffer never drained after recovery")
	}
}

func TestLoadHistoryRestoresBuffer(t *testing.T) {
	ctx := context.Background()
	conv, store, working := newTestConversation(t, &stubExtractor{summary: SummaryResponse{Summary: "s"}}, 100000)

	for i := 0; i < 5; i++ {
		if _, err := conv.RecordTurn(ctx, RoleUser, "message"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// Fresh components over the same database simulate a restart.
	embedder := newStubEmbedder()
	ltm := NewLongTermMemory(store, embedder, 0.92)
	summarizer := NewSummarizer(store, &stubExtractor{}, embedder, ltm, SummarizerPolicy{
		Retries: 1, AttemptTimeout: time.Second, KeyFactImportance: 0.6,
	})
	working2 := NewWorkingMemory(WorkingPolicy{
		TokenBudget: 100000, FillRatio: 0.7, EvictBatchRatio: 0.3, MinRetainTurns: 2,
	}, HeuristicEstimator{})
	conv2 := NewConversation(store, working2, summarizer, nil, ltm)

	if err := conv2.LoadHistory(); err != nil {
		t.Fatalf("load history: %v", err)
	}
	if working2.Len() != working.Len() {
		t.Errorf("restored %d turns, want %d", working2.Len(), working.Len())
	}
	if n, _ := store.CountSummaries(); n != 0 {
		t.Errorf("restore triggered summarization: %d summaries", n)
	}
}

func TestConversationStats(t *testing.T) {
	ctx := context.Background()
	conv, _, _ := newTestConversation(t, &stubExtractor{summary: SummaryResponse{Summary: "s"}}, 100000)

	if _, err := conv.RecordTurn(ctx, RoleUser, "hi"); err != nil {
		t.Fatalf("record: %v", err)
	}
	stats, err := conv.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.WorkingTurns != 1 || stats.WorkingTokens <= 0 {
		t.Errorf("working stats: %+v", stats)
	}
	if stats.Entries != 0 || stats.Summaries != 0 {
		t.Errorf("cold tiers should be empty: %+v", stats)
	}
	if stats.Utilization <= 0 {
		t.Errorf("utilization should be positive: %v", stats.Utilization)
	}
}
