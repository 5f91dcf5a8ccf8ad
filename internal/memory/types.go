package memory

import (
	"strings"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Turn is one message in the conversation. SummaryID is set once the turn
// has been folded into a summary and evicted from working memory.
type Turn struct {
	ID         string
	Role       Role
	Content    string
	CreatedAt  time.Time
	Importance float64
	SummaryID  string
}

// Summary is the condensed replacement for an evicted span of turns.
// Embedding is nil for summaries written before an embedder was available;
// those are invisible to similarity search until backfilled.
type Summary struct {
	ID          string
	SpanStartID string
	SpanEndID   string
	Text        string
	KeyFacts    []string
	Topics      []string
	ToolsUsed   []string
	Embedding   []float32
	CreatedAt   time.Time
}

// MemoryKind classifies a long-term entry.
type MemoryKind string

const (
	KindFact       MemoryKind = "fact"
	KindPreference MemoryKind = "preference"
	KindSkill      MemoryKind = "skill"
	KindContext    MemoryKind = "context"
)

// ParseMemoryKind maps a free-form kind string from extraction output onto
// a known kind. Unrecognized values fall back to fact.
func ParseMemoryKind(s string) MemoryKind {
	switch MemoryKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPreference:
		return KindPreference
	case KindSkill:
		return KindSkill
	case KindContext:
		return KindContext
	default:
		return KindFact
	}
}

// MemoryEntry is a durable, embedded item in long-term memory.
type MemoryEntry struct {
	ID           string
	Content      string
	Embedding    []float32
	Kind         MemoryKind
	Importance   float64
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
	SourceTurnID string
}

// StoreOutcome reports the result of a long-term store call. A deduplicated
// insert is a normal outcome, not an error; ID names the entry already
// present.
type StoreOutcome struct {
	ID           string
	Deduplicated bool
}

// SearchResult pairs a long-term entry with its similarity to the query.
type SearchResult struct {
	Entry      MemoryEntry
	Similarity float64
}

// SummaryMatch pairs a summary with its similarity to the query.
type SummaryMatch struct {
	Summary    Summary
	Similarity float64
}

// SummaryResponse is the structured extraction output for a span of turns.
type SummaryResponse struct {
	Summary   string   `json:"summary"`
	KeyFacts  []string `json:"key_facts"`
	ToolsUsed []string `json:"tools_used"`
	Topics    []string `json:"topics"`
}

// ExtractedFact is one durable-fact candidate mined from an exchange.
type ExtractedFact struct {
	Content    string  `json:"content"`
	Kind       string  `json:"kind"`
	Importance float64 `json:"importance"`
}

// FactExtractionResponse is the structured extraction output for one
// user/agent exchange.
type FactExtractionResponse struct {
	Facts []ExtractedFact `json:"facts"`
}

// Stats is a point-in-time snapshot for status surfaces.
type Stats struct {
	WorkingTurns  int
	WorkingTokens int
	Utilization   float64
	Entries       int
	Summaries     int
}

func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
