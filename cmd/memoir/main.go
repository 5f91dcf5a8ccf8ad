package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quillarc/memoir/internal/config"
	"github.com/quillarc/memoir/internal/maintenance"
	"github.com/quillarc/memoir/internal/memory"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "memoir",
	Short: "Tiered conversational memory for a personal AI agent",
}

var addCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Store a long-term memory entry",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search long-term memory by semantic similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var forgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Delete a long-term memory entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory system statistics",
	RunE:  runStats,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed summaries that are missing embeddings",
	RunE:  runBackfill,
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run scheduled maintenance until interrupted",
	RunE:  runMaintain,
}

var (
	addKind       string
	addImportance float64
	searchTopK    int
	searchMinSim  float64
)

func init() {
	addCmd.Flags().StringVar(&addKind, "kind", "fact", "entry kind: fact, preference, skill, context")
	addCmd.Flags().Float64Var(&addImportance, "importance", 0.5, "importance in [0, 1]")
	searchCmd.Flags().IntVar(&searchTopK, "top", 5, "maximum results")
	searchCmd.Flags().Float64Var(&searchMinSim, "min-sim", 0.5, "similarity floor")
	rootCmd.AddCommand(addCmd, searchCmd, forgetCmd, statsCmd, backfillCmd, maintainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app wires the memory tiers from config for CLI use.
type app struct {
	cfg        *config.Config
	store      *memory.Store
	longTerm   *memory.LongTermMemory
	summarizer *memory.Summarizer
	working    *memory.WorkingMemory
}

func openApp() (*app, error) {
	cfg, err := config.LoadConfig(config.ConfigPath())
	if err != nil {
		return nil, err
	}

	store, err := memory.OpenStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	embedder := memory.NewHTTPEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	extractor := memory.NewLLMExtractor(cfg.Extraction.BaseURL, cfg.Extraction.APIKey, cfg.Extraction.Model)
	longTerm := memory.NewLongTermMemory(store, embedder, cfg.LongTerm.DedupThreshold)

	var estimator memory.TokenEstimator = memory.HeuristicEstimator{}
	if cfg.Working.UseTiktoken {
		tk, err := memory.NewTiktokenEstimator()
		if err != nil {
			store.Close()
			return nil, err
		}
		estimator = tk
	}

	working := memory.NewWorkingMemory(memory.WorkingPolicy{
		TokenBudget:     cfg.Working.TokenBudget,
		FillRatio:       cfg.Working.FillRatio,
		EvictBatchRatio: cfg.Working.EvictBatchRatio,
		MinRetainTurns:  cfg.Working.MinRetainTurns,
	}, estimator)

	summarizer := memory.NewSummarizer(store, extractor, embedder, longTerm, memory.SummarizerPolicy{
		Retries:           cfg.Summarizer.Retries,
		AttemptTimeout:    time.Duration(cfg.Summarizer.AttemptTimeoutSec) * time.Second,
		KeyFactImportance: cfg.Summarizer.KeyFactImportance,
	})

	return &app{cfg: cfg, store: store, longTerm: longTerm, summarizer: summarizer, working: working}, nil
}

func (a *app) close() {
	a.store.Close()
}

func runAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	content := strings.Join(args, " ")
	outcome, err := a.longTerm.Store(cmd.Context(), content, memory.ParseMemoryKind(addKind), addImportance, "")
	if err != nil {
		return err
	}
	if outcome.Deduplicated {
		fmt.Printf("already stored as %s\n", outcome.ID)
	} else {
		fmt.Printf("stored %s\n", outcome.ID)
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	results, err := a.longTerm.Search(cmd.Context(), strings.Join(args, " "), searchTopK, searchMinSim)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%.0f%%  [%s]  %s  (%s)\n", r.Similarity*100, r.Entry.Kind, r.Entry.Content, r.Entry.ID)
	}
	return nil
}

func runForget(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ok, err := a.longTerm.Delete(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no entry with id %s", args[0])
	}
	fmt.Println("deleted")
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	conv := memory.NewConversation(a.store, a.working, a.summarizer, nil, a.longTerm)
	if err := conv.LoadHistory(); err != nil {
		return err
	}
	stats, err := conv.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("working memory: %d turns, %d tokens (%.0f%% of budget)\n",
		stats.WorkingTurns, stats.WorkingTokens, stats.Utilization*100)
	fmt.Printf("long-term entries: %d\n", stats.Entries)
	fmt.Printf("summaries: %d\n", stats.Summaries)
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.summarizer.BackfillEmbeddings(cmd.Context(), a.cfg.Maintenance.BackfillBatchSize)
	if err != nil {
		return err
	}
	fmt.Printf("backfilled %d summaries\n", n)
	return nil
}

func runMaintain(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := maintenance.NewService([]maintenance.Task{
		{
			Name:     "summary-embedding-backfill",
			Schedule: a.cfg.Maintenance.BackfillSchedule,
			Run: func(ctx context.Context) error {
				_, err := a.summarizer.BackfillEmbeddings(ctx, a.cfg.Maintenance.BackfillBatchSize)
				return err
			},
		},
	})
	if err := svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
