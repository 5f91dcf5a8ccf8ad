package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "memoir.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// hashVector derives a deterministic unit vector from text. Distinct texts
// land far apart, so it only collides where a test plants an override.
func hashVector(text string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>11))/float64(1<<52) - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// stubEmbedder returns hash-derived vectors, with per-text overrides so
// tests can make chosen texts arbitrarily similar.
type stubEmbedder struct {
	mu        sync.Mutex
	overrides map[string][]float32
	dims      int
	calls     int
	fail      bool
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{overrides: make(map[string][]float32), dims: 64}
}

func (e *stubEmbedder) override(text string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[text] = vec
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail {
		return nil, fmt.Errorf("embedder unavailable")
	}
	if vec, ok := e.overrides[text]; ok {
		return vec, nil
	}
	return hashVector(text, e.dims), nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// stubExtractor returns canned responses, or fails for a configured number
// of calls.
type stubExtractor struct {
	mu           sync.Mutex
	summary      SummaryResponse
	facts        FactExtractionResponse
	failuresLeft int
	calls        int
}

func (s *stubExtractor) Summarize(ctx context.Context, conversation string) (*SummaryResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return nil, fmt.Errorf("model overloaded")
	}
	out := s.summary
	return &out, nil
}

func (s *stubExtractor) ExtractFacts(ctx context.Context, conversation string) (*FactExtractionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return nil, fmt.Errorf("model overloaded")
	}
	out := s.facts
	return &out, nil
}

// nearVector returns a unit vector within the given cosine of base,
// rotated in the plane spanned by base and the orthogonal direction built
// on the given axis pair. Distinct axes keep the results dissimilar to
// each other.
func nearVector(base []float32, cosine float64, axis int) []float32 {
	ortho := make([]float32, len(base))
	ortho[axis], ortho[axis+1] = -base[axis+1], base[axis]
	var norm float64
	for _, v := range ortho {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)

	sin := math.Sqrt(1 - cosine*cosine)
	out := make([]float32, len(base))
	for i := range base {
		out[i] = float32(cosine*float64(base[i]) + sin*float64(ortho[i])/norm)
	}
	return out
}
