package memory

import (
	"context"
	"sync"
	"testing"
)

func newTestLongTerm(t *testing.T) (*LongTermMemory, *stubEmbedder) {
	t.Helper()
	embedder := newStubEmbedder()
	return NewLongTermMemory(newTestStore(t), embedder, 0.92), embedder
}

func TestLongTermStoreAndSearch(t *testing.T) {
	ctx := context.Background()
	ltm, _ := newTestLongTerm(t)

	outcome, err := ltm.Store(ctx, "User lives in Berlin", KindFact, 0.8, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if outcome.Deduplicated {
		t.Fatal("first insert flagged as duplicate")
	}

	results, err := ltm.Search(ctx, "User lives in Berlin", 5, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Entry.Content != "User lives in Berlin" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Similarity < 0.99 {
		t.Errorf("self-similarity %v, want ~1", results[0].Similarity)
	}
}

func TestLongTermDedupSkipsNearDuplicate(t *testing.T) {
	ctx := context.Background()
	ltm, embedder := newTestLongTerm(t)

	base := hashVector("berlin-residence", embedder.dims)
	embedder.override("User lives in Berlin", base)
	embedder.override("The user resides in Berlin, Germany", nearVector(base, 0.95, 0))

	first, err := ltm.Store(ctx, "User lives in Berlin", KindFact, 0.8, "")
	if err != nil {
		t.Fatalf("store first: %v", err)
	}
	second, err := ltm.Store(ctx, "The user resides in Berlin, Germany", KindFact, 0.8, "")
	if err != nil {
		t.Fatalf("store paraphrase: %v", err)
	}

	if !second.Deduplicated {
		t.Fatal("paraphrase above threshold should be deduplicated")
	}
	if second.ID != first.ID {
		t.Errorf("dedup outcome points at %s, want existing entry %s", second.ID, first.ID)
	}
	if n, _ := ltm.Count(); n != 1 {
		t.Errorf("store holds %d entries, want 1", n)
	}
}

func TestLongTermDedupIdempotent(t *testing.T) {
	ctx := context.Background()
	ltm, _ := newTestLongTerm(t)

	first, err := ltm.Store(ctx, "User prefers dark mode", KindPreference, 0.5, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := ltm.Store(ctx, "User prefers dark mode", KindPreference, 0.5, "")
		if err != nil {
			t.Fatalf("re-store: %v", err)
		}
		if !again.Deduplicated || again.ID != first.ID {
			t.Fatalf("exact re-insert %d not deduplicated: %+v", i, again)
		}
	}
	if n, _ := ltm.Count(); n != 1 {
		t.Errorf("store holds %d entries, want 1", n)
	}
}

func TestLongTermDistinctBelowThreshold(t *testing.T) {
	ctx := context.Background()
	ltm, embedder := newTestLongTerm(t)

	base := hashVector("distinct", embedder.dims)
	embedder.override("fact one", base)
	embedder.override("fact two", nearVector(base, 0.80, 0))

	if _, err := ltm.Store(ctx, "fact one", KindFact, 0.5, ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	outcome, err := ltm.Store(ctx, "fact two", KindFact, 0.5, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if outcome.Deduplicated {
		t.Error("0.80 similarity is below the 0.92 threshold, should insert")
	}
	if n, _ := ltm.Count(); n != 2 {
		t.Errorf("store holds %d entries, want 2", n)
	}
}

func TestLongTermFindSimilar(t *testing.T) {
	ctx := context.Background()
	ltm, embedder := newTestLongTerm(t)

	outcome, err := ltm.Store(ctx, "User speaks French", KindFact, 0.5, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	vec, _ := embedder.Embed(ctx, "User speaks French")
	match, sim, err := ltm.FindSimilar(vec)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if match == nil || match.ID != outcome.ID || sim < 0.99 {
		t.Errorf("exact vector should match its entry: %v, %v", match, sim)
	}

	none, _, err := ltm.FindSimilar(hashVector("unrelated", embedder.dims))
	if err != nil {
		t.Fatalf("find unrelated: %v", err)
	}
	if none != nil {
		t.Errorf("unrelated vector matched %+v", none)
	}
}

func TestLongTermSearchRankingAndFloor(t *testing.T) {
	ctx := context.Background()
	ltm, embedder := newTestLongTerm(t)

	query := hashVector("query", embedder.dims)
	embedder.override("q", query)
	embedder.override("close match", nearVector(query, 0.90, 0))
	embedder.override("medium match", nearVector(query, 0.70, 2))
	embedder.override("far match", nearVector(query, 0.30, 4))

	for _, content := range []string{"far match", "close match", "medium match"} {
		if _, err := ltm.Store(ctx, content, KindFact, 0.5, ""); err != nil {
			t.Fatalf("store %q: %v", content, err)
		}
	}

	results, err := ltm.Search(ctx, "q", 10, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("floor 0.5 should keep 2 results, got %d", len(results))
	}
	if results[0].Entry.Content != "close match" || results[1].Entry.Content != "medium match" {
		t.Errorf("wrong ranking: %q then %q", results[0].Entry.Content, results[1].Entry.Content)
	}

	top1, err := ltm.Search(ctx, "q", 1, 0.5)
	if err != nil {
		t.Fatalf("search top-1: %v", err)
	}
	if len(top1) != 1 || top1[0].Entry.Content != "close match" {
		t.Errorf("top-1 should keep only the best match, got %+v", top1)
	}
}

func TestLongTermSearchBumpsAccess(t *testing.T) {
	ctx := context.Background()
	ltm, _ := newTestLongTerm(t)

	if _, err := ltm.Store(ctx, "User is a violinist", KindFact, 0.5, ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := ltm.Search(ctx, "User is a violinist", 5, 0.5); err != nil {
		t.Fatalf("search: %v", err)
	}

	entries, err := ltm.SearchByKind(KindFact)
	if err != nil {
		t.Fatalf("by kind: %v", err)
	}
	if len(entries) != 1 || entries[0].AccessCount != 1 {
		t.Errorf("expected access_count 1, got %+v", entries)
	}
}

func TestLongTermDelete(t *testing.T) {
	ctx := context.Background()
	ltm, _ := newTestLongTerm(t)

	outcome, err := ltm.Store(ctx, "temporary note", KindContext, 0.3, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	ok, err := ltm.Delete(outcome.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if n, _ := ltm.Count(); n != 0 {
		t.Errorf("store holds %d entries after delete", n)
	}

	ok, err = ltm.Delete(outcome.ID)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if ok {
		t.Error("deleting a missing entry should report false")
	}
}

func TestLongTermSearchByKind(t *testing.T) {
	ctx := context.Background()
	ltm, _ := newTestLongTerm(t)

	seeds := map[string]MemoryKind{
		"likes espresso":   KindPreference,
		"knows Rust":       KindSkill,
		"lives in Berlin":  KindFact,
		"prefers mornings": KindPreference,
	}
	for content, kind := range seeds {
		if _, err := ltm.Store(ctx, content, kind, 0.5, ""); err != nil {
			t.Fatalf("store %q: %v", content, err)
		}
	}

	prefs, err := ltm.SearchByKind(KindPreference)
	if err != nil {
		t.Fatalf("by kind: %v", err)
	}
	if len(prefs) != 2 {
		t.Errorf("got %d preferences, want 2", len(prefs))
	}
}

func TestLongTermConcurrentStoreAndSearch(t *testing.T) {
	ctx := context.Background()
	ltm, embedder := newTestLongTerm(t)

	query, _ := embedder.Embed(ctx, "User lives in Berlin")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ltm.Store(ctx, "User lives in Berlin", KindFact, 0.8, ""); err != nil {
				t.Errorf("store: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ltm.SearchByEmbedding(query, 5, 0.5); err != nil {
				t.Errorf("search: %v", err)
			}
		}()
	}
	wg.Wait()

	// Every concurrent insert of the same content collapses onto one entry.
	if n, _ := ltm.Count(); n != 1 {
		t.Errorf("concurrent stores left %d entries, want 1", n)
	}
}

func TestLongTermStoreEmbedderFailure(t *testing.T) {
	ctx := context.Background()
	ltm, embedder := newTestLongTerm(t)
	embedder.fail = true

	if _, err := ltm.Store(ctx, "anything", KindFact, 0.5, ""); err == nil {
		t.Error("store should surface embedder failure")
	}
	if n, _ := ltm.Count(); n != 0 {
		t.Errorf("failed store left %d entries", n)
	}
}

func TestParseMemoryKind(t *testing.T) {
	cases := map[string]MemoryKind{
		"fact":        KindFact,
		"Preference":  KindPreference,
		" skill ":     KindSkill,
		"CONTEXT":     KindContext,
		"":            KindFact,
		"hallucinate": KindFact,
	}
	for in, want := range cases {
		if got := ParseMemoryKind(in); got != want {
			t.Errorf("ParseMemoryKind(%q) = %s, want %s", in, got, want)
		}
	}
}
