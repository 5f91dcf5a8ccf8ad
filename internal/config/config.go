package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the full memoir configuration, stored as JSON at
// ~/.memoir/config.json. Missing fields fall back to defaults; a few
// fields can be overridden through MEMOIR_* environment variables.
type Config struct {
	DatabasePath string            `json:"database_path"`
	Embedding    EmbeddingConfig   `json:"embedding"`
	Extraction   ExtractionConfig  `json:"extraction"`
	Working      WorkingConfig     `json:"working_memory"`
	LongTerm     LongTermConfig    `json:"long_term"`
	Summarizer   SummarizerConfig  `json:"summarizer"`
	Context      ContextConfig     `json:"context"`
	Maintenance  MaintenanceConfig `json:"maintenance"`
}

type EmbeddingConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

type ExtractionConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
}

type WorkingConfig struct {
	TokenBudget     int     `json:"token_budget"`
	FillRatio       float64 `json:"fill_ratio"`
	EvictBatchRatio float64 `json:"evict_batch_ratio"`
	MinRetainTurns  int     `json:"min_retain_turns"`
	UseTiktoken     bool    `json:"use_tiktoken"`
}

type LongTermConfig struct {
	DedupThreshold float64 `json:"dedup_threshold"`
}

type SummarizerConfig struct {
	Retries           int     `json:"retries"`
	AttemptTimeoutSec int     `json:"attempt_timeout_sec"`
	KeyFactImportance float64 `json:"key_fact_importance"`
}

type ContextConfig struct {
	RecentSummaries int     `json:"recent_summaries"`
	SummaryMinSim   float64 `json:"summary_min_similarity"`
	LongTermTopK    int     `json:"long_term_top_k"`
	LongTermMinSim  float64 `json:"long_term_min_similarity"`
	MaxTokens       int     `json:"max_tokens"`
}

type MaintenanceConfig struct {
	BackfillSchedule  string `json:"backfill_schedule"`
	BackfillBatchSize int    `json:"backfill_batch_size"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DatabasePath: filepath.Join(home, ".memoir", "memoir.db"),
		Embedding: EmbeddingConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Extraction: ExtractionConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
		},
		Working: WorkingConfig{
			TokenBudget:     50000,
			FillRatio:       0.7,
			EvictBatchRatio: 0.3,
			MinRetainTurns:  2,
		},
		LongTerm: LongTermConfig{
			DedupThreshold: 0.92,
		},
		Summarizer: SummarizerConfig{
			Retries:           3,
			AttemptTimeoutSec: 30,
			KeyFactImportance: 0.6,
		},
		Context: ContextConfig{
			RecentSummaries: 3,
			SummaryMinSim:   0.6,
			LongTermTopK:    5,
			LongTermMinSim:  0.5,
			MaxTokens:       2000,
		},
		Maintenance: MaintenanceConfig{
			BackfillSchedule:  "0 0 3 * * *",
			BackfillBatchSize: 20,
		},
	}
}

// ConfigPath returns the config file location, honoring MEMOIR_CONFIG.
func ConfigPath() string {
	if p := os.Getenv("MEMOIR_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memoir", "config.json")
}

// LoadConfig reads the config file, fills in defaults for anything unset,
// and applies environment overrides. A missing file yields pure defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMOIR_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("MEMOIR_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("MEMOIR_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("MEMOIR_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("MEMOIR_EXTRACTION_BASE_URL"); v != "" {
		cfg.Extraction.BaseURL = v
	}
	if v := os.Getenv("MEMOIR_EXTRACTION_API_KEY"); v != "" {
		cfg.Extraction.APIKey = v
	}
	if v := os.Getenv("MEMOIR_EXTRACTION_MODEL"); v != "" {
		cfg.Extraction.Model = v
	}
	if v := os.Getenv("MEMOIR_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Working.TokenBudget = n
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Working.TokenBudget <= 0 {
		return fmt.Errorf("token_budget must be positive")
	}
	if cfg.Working.FillRatio <= 0 || cfg.Working.FillRatio > 1 {
		return fmt.Errorf("fill_ratio must be in (0, 1]")
	}
	if cfg.Working.EvictBatchRatio <= 0 || cfg.Working.EvictBatchRatio > 1 {
		return fmt.Errorf("evict_batch_ratio must be in (0, 1]")
	}
	if cfg.Working.MinRetainTurns < 0 {
		return fmt.Errorf("min_retain_turns must not be negative")
	}
	if cfg.LongTerm.DedupThreshold <= 0 || cfg.LongTerm.DedupThreshold > 1 {
		return fmt.Errorf("dedup_threshold must be in (0, 1]")
	}
	return nil
}

// SaveConfig writes cfg as indented JSON, creating the directory if needed.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
