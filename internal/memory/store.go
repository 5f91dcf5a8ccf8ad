package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Store is the sqlite persistence layer shared by the memory tiers. Writes
// are serialized by a mutex; reads go straight to the pool.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (creating if needed) the memory database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id          TEXT PRIMARY KEY,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		importance  REAL NOT NULL DEFAULT 0.5,
		summary_id  TEXT REFERENCES summaries(id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_summary ON turns(summary_id);

	CREATE TABLE IF NOT EXISTS summaries (
		id             TEXT PRIMARY KEY,
		span_start_id  TEXT NOT NULL,
		span_end_id    TEXT NOT NULL,
		text           TEXT NOT NULL,
		key_facts      TEXT NOT NULL DEFAULT '[]',
		topics         TEXT NOT NULL DEFAULT '[]',
		tools_used     TEXT NOT NULL DEFAULT '[]',
		embedding      BLOB,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_created ON summaries(created_at);

	CREATE TABLE IF NOT EXISTS memory_entries (
		id             TEXT PRIMARY KEY,
		content        TEXT NOT NULL,
		embedding      BLOB NOT NULL,
		kind           TEXT NOT NULL DEFAULT 'fact',
		importance     REAL NOT NULL DEFAULT 0.5,
		created_at     TEXT NOT NULL,
		last_accessed  TEXT NOT NULL,
		access_count   INTEGER NOT NULL DEFAULT 0,
		source_turn_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entries_kind ON memory_entries(kind);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- turns ---

func (s *Store) SaveTurn(t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO turns (id, role, content, created_at, importance, summary_id)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))
	`, t.ID, string(t.Role), t.Content, t.CreatedAt.UTC().Format(time.RFC3339Nano), t.Importance, t.SummaryID)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// UnsummarizedTurns returns turns not yet folded into a summary, oldest
// first. Used to restore working memory on startup.
func (s *Store) UnsummarizedTurns() ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, created_at, importance, COALESCE(summary_id, '')
		FROM turns WHERE summary_id IS NULL
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query unsummarized turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// LinkTurnsToSummary sets the summary backlink on every turn in ids, inside
// the given transaction so the link commits atomically with the summary.
func linkTurnsToSummary(tx *sql.Tx, summaryID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, summaryID)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.Exec(
		"UPDATE turns SET summary_id = ? WHERE id IN ("+placeholders+")", args...,
	); err != nil {
		return fmt.Errorf("link turns to summary: %w", err)
	}
	return nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var t Turn
		var role, createdAt string
		if err := rows.Scan(&t.ID, &role, &t.Content, &createdAt, &t.Importance, &t.SummaryID); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = parseTimestamp(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// --- summaries ---

// SaveSummary persists the summary and links the folded turns in one
// transaction.
func (s *Store) SaveSummary(sum Summary, turnIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin summary tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO summaries (id, span_start_id, span_end_id, text, key_facts, topics, tools_used, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sum.ID, sum.SpanStartID, sum.SpanEndID, sum.Text,
		marshalStrings(sum.KeyFacts), marshalStrings(sum.Topics), marshalStrings(sum.ToolsUsed),
		EncodeVector(sum.Embedding), sum.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	if err := linkTurnsToSummary(tx, sum.ID, turnIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit summary tx: %w", err)
	}
	return nil
}

// RecentSummaries returns the n most recent summaries, newest first.
func (s *Store) RecentSummaries(n int) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, span_start_id, span_end_id, text, key_facts, topics, tools_used, embedding, created_at
		FROM summaries ORDER BY created_at DESC, id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// EmbeddedSummaries returns every summary that carries an embedding, newest
// first.
func (s *Store) EmbeddedSummaries() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, span_start_id, span_end_id, text, key_facts, topics, tools_used, embedding, created_at
		FROM summaries WHERE embedding IS NOT NULL
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query embedded summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// SummariesMissingEmbeddings returns up to limit summaries without an
// embedding, oldest first, for backfill.
func (s *Store) SummariesMissingEmbeddings(limit int) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, span_start_id, span_end_id, text, key_facts, topics, tools_used, embedding, created_at
		FROM summaries WHERE embedding IS NULL
		ORDER BY created_at ASC, id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query summaries missing embeddings: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *Store) UpdateSummaryEmbedding(id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE summaries SET embedding = ? WHERE id = ?", EncodeVector(embedding), id)
	if err != nil {
		return fmt.Errorf("update summary embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("summary %s not found", id)
	}
	return nil
}

func (s *Store) CountSummaries() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(1) FROM summaries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count summaries: %w", err)
	}
	return n, nil
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	var sums []Summary
	for rows.Next() {
		var sum Summary
		var keyFacts, topics, tools, createdAt string
		var blob []byte
		if err := rows.Scan(&sum.ID, &sum.SpanStartID, &sum.SpanEndID, &sum.Text,
			&keyFacts, &topics, &tools, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.KeyFacts = unmarshalStrings(keyFacts)
		sum.Topics = unmarshalStrings(topics)
		sum.ToolsUsed = unmarshalStrings(tools)
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode summary %s embedding: %w", sum.ID, err)
		}
		sum.Embedding = vec
		sum.CreatedAt = parseTimestamp(createdAt)
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// --- long-term entries ---

func (s *Store) InsertEntry(e MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO memory_entries (id, content, embedding, kind, importance, created_at, last_accessed, access_count, source_turn_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))
	`, e.ID, e.Content, EncodeVector(e.Embedding), string(e.Kind), e.Importance,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.LastAccessed.UTC().Format(time.RFC3339Nano),
		e.AccessCount, e.SourceTurnID)
	if err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

// AllEntries returns every long-term entry. Retrieval is an exhaustive
// linear scan over these.
func (s *Store) AllEntries() ([]MemoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, content, embedding, kind, importance, created_at, last_accessed, access_count, COALESCE(source_turn_id, '')
		FROM memory_entries ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) EntriesByKind(kind MemoryKind) ([]MemoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, content, embedding, kind, importance, created_at, last_accessed, access_count, COALESCE(source_turn_id, '')
		FROM memory_entries WHERE kind = ?
		ORDER BY created_at DESC, id DESC
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query entries by kind: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) DeleteEntry(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM memory_entries WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete memory entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CountEntries() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(1) FROM memory_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// TouchEntries bumps access bookkeeping on the given entries.
func (s *Store) TouchEntries(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.Exec(
		"UPDATE memory_entries SET last_accessed = ?, access_count = access_count + 1 WHERE id IN ("+placeholders+")",
		args...,
	); err != nil {
		return fmt.Errorf("touch entries: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]MemoryEntry, error) {
	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var kind, createdAt, lastAccessed string
		var blob []byte
		if err := rows.Scan(&e.ID, &e.Content, &blob, &kind, &e.Importance,
			&createdAt, &lastAccessed, &e.AccessCount, &e.SourceTurnID); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode entry %s embedding: %w", e.ID, err)
		}
		e.Embedding = vec
		e.Kind = MemoryKind(kind)
		e.CreatedAt = parseTimestamp(createdAt)
		e.LastAccessed = parseTimestamp(lastAccessed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- helpers ---

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
