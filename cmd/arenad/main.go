// Package main is the arena CLI: it runs experiment configurations
// end-to-end against mock or live providers and prints the resulting
// statistics.
//
// Basic usage:
//
//	arenad run --config engine.yaml experiment.yaml
//	arenad validate --config engine.yaml
//	arenad validate experiment.yaml
//
// Engine settings may also come from ARENA_-prefixed environment
// variables, e.g. ARENA_PROVIDERS_OPENAI_API_KEY.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/symbi-labs/arena/internal/bus"
	"github.com/symbi-labs/arena/internal/config"
	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/experiment"
	"github.com/symbi-labs/arena/internal/gateway"
	"github.com/symbi-labs/arena/internal/gateway/pricing"
	"github.com/symbi-labs/arena/internal/gateway/providers"
	"github.com/symbi-labs/arena/internal/gateway/ratelimit"
	"github.com/symbi-labs/arena/internal/gateway/retry"
	"github.com/symbi-labs/arena/internal/orchestrator"
	"github.com/symbi-labs/arena/internal/privacy"
	"github.com/symbi-labs/arena/internal/scoring"
	"github.com/symbi-labs/arena/internal/stats"
	"github.com/symbi-labs/arena/internal/storage"
	"github.com/symbi-labs/arena/internal/storage/memory"
	"github.com/symbi-labs/arena/internal/storage/sqlite"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "arenad",
		Short:         "Comparative experiment engine for model variants",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string
	var mock bool

	cmd := &cobra.Command{
		Use:   "run [experiment file]",
		Short: "Run an experiment end-to-end and print statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engineCfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			expCfg, err := loadExperimentFile(args[0])
			if err != nil {
				return err
			}
			return runExperiment(cmd, engineCfg, expCfg, mock)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "engine configuration file")
	cmd.Flags().BoolVar(&mock, "mock", false, "use the mock provider core instead of live providers")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate [experiment file]",
		Short: "Validate engine and experiment configuration files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" && len(args) == 0 {
				return fmt.Errorf("nothing to validate: pass --config and/or an experiment file")
			}
			if configPath != "" {
				if _, err := config.Load(configPath); err != nil {
					return fmt.Errorf("engine config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "engine config %s: OK\n", configPath)
			}
			if len(args) == 1 {
				expCfg, err := loadExperimentFile(args[0])
				if err != nil {
					return fmt.Errorf("experiment config: %w", err)
				}
				if err := expCfg.Validate(); err != nil {
					return fmt.Errorf("experiment config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "experiment config %s: OK (%d variants, %d tasks)\n",
					args[0], len(expCfg.Variants), len(expCfg.Tasks))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "engine configuration file")
	return cmd
}

// loadExperimentFile parses a YAML or JSON experiment definition.
func loadExperimentFile(path string) (*domain.ExperimentConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment file: %w", err)
	}

	// YAML is a superset of JSON, so one parser covers both. The raw map
	// round-trips through JSON to honor the domain struct's json tags.
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse experiment file: %w", err)
	}
	raw, err := json.Marshal(k.Raw())
	if err != nil {
		return nil, fmt.Errorf("decode experiment file: %w", err)
	}

	var cfg domain.ExperimentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode experiment file: %w", err)
	}
	return &cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openRepository(cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		return sqlite.Open(cfg.Path)
	default:
		return memory.New(), nil
	}
}

// buildGateway assembles the provider client. Mock mode replaces the HTTP
// core while keeping the full middleware pipeline.
func buildGateway(engineCfg *config.Config, expCfg *domain.ExperimentConfig, logger *slog.Logger, mock bool) (gateway.Client, error) {
	registry := pricing.NewDefaultRegistry()
	for _, variant := range expCfg.Variants {
		if _, err := registry.Lookup(variant.Provider, variant.Model); err != nil {
			// Unpriced models get a nominal rate so cost accounting stays on.
			registry.Set(pricing.Entry{
				Provider:          variant.Provider,
				Model:             variant.Model,
				PromptCostPer1000: 100,
				OutputCostPer1000: 100,
			})
		}
	}

	cfg := gateway.Config{
		Pricing: registry,
		Logger:  logger,
		Retry: retry.Config{
			MaxRetries:      engineCfg.Retry.MaxRetries,
			InitialInterval: engineCfg.Retry.InitialInterval,
			MaxInterval:     engineCfg.Retry.MaxInterval,
			UseJitter:       true,
		},
	}

	if mock {
		cfg.Core = providers.NewMock(providers.MockScript{})
		return gateway.New(cfg)
	}

	providerCfgs := make(map[string]providers.Config, len(engineCfg.Providers))
	for name, p := range engineCfg.Providers {
		providerCfgs[name] = providers.Config{
			Endpoint:          p.Endpoint,
			APIKey:            p.APIKey,
			RequestsPerMinute: p.RequestsPerMinute,
			TokensPerMinute:   p.TokensPerMinute,
		}
	}
	for _, variant := range expCfg.Variants {
		if _, ok := providerCfgs[variant.Provider]; !ok {
			return nil, fmt.Errorf("variant %q uses provider %q, which is not configured (or pass --mock)",
				variant.ID, variant.Provider)
		}
	}
	cfg.Providers = providerCfgs
	return gateway.New(cfg)
}

func runExperiment(cmd *cobra.Command, engineCfg *config.Config, expCfg *domain.ExperimentConfig, mock bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(engineCfg.Logging)
	out := cmd.OutOrStdout()

	repo, err := openRepository(engineCfg.Storage)
	if err != nil {
		return err
	}
	defer repo.Close()

	// Mock mode without explicit --mock: every variant on the mock provider.
	if !mock {
		mock = allMock(expCfg)
	}

	client, err := buildGateway(engineCfg, expCfg, logger, mock)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Limits{})
	for name, p := range engineCfg.Providers {
		requests, tokens := providers.Config{
			RequestsPerMinute: p.RequestsPerMinute,
			TokensPerMinute:   p.TokensPerMinute,
		}.RateLimitDefaults()
		limiter.Register(name, ratelimit.Limits{RequestsPerMinute: requests, TokensPerMinute: tokens})
	}

	scorers := scoring.NewRegistry()
	scorers.Register(scoring.NewLexicalScorer())

	eventBus := bus.New()
	defer eventBus.Close()

	orch, err := orchestrator.New(orchestrator.Config{
		Client:         client,
		Limiter:        limiter,
		Registry:       scorers,
		Repo:           repo,
		Bus:            eventBus,
		Logger:         logger,
		Concurrency:    engineCfg.Orchestrator.Concurrency,
		CallTimeout:    engineCfg.Orchestrator.CallTimeout,
		AbortOnFailure: engineCfg.Orchestrator.AbortOnFailure,
	})
	if err != nil {
		return err
	}

	mgr, err := experiment.New(experiment.Config{
		Repo:         repo,
		Orchestrator: orch,
		Limiter:      limiter,
		Privacy:      privacy.NewManager(),
		Bus:          eventBus,
		Logger:       logger,
		Actor:        "arenad",
	})
	if err != nil {
		return err
	}

	created, err := mgr.CreateExperiment(ctx, expCfg, privacy.AuthorizationContext{})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "experiment %q created (%d variants × %d tasks × %d samples)\n",
		created.Name, len(created.Variants), len(created.Tasks), created.SampleSize)

	run, err := mgr.StartExperiment(ctx, created.Name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s started: %d trials\n", run.ID, run.TotalTrials)

	// An interrupt cancels the run but lets in-flight trials finish.
	go func() {
		<-ctx.Done()
		if err := mgr.CancelRun(context.Background(), run.ID); err == nil {
			logger.Info("cancellation requested, waiting for in-flight trials")
		}
	}()

	final, err := orch.Wait(context.Background(), run.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nrun %s: %s", final.ID, final.Status)
	if final.StopReason != "" {
		fmt.Fprintf(out, " (%s)", final.StopReason)
	}
	fmt.Fprintf(out, "\ntrials: %d completed, %d failed of %d; cost %s\n",
		final.CompletedTrials, final.FailedTrials, final.TotalTrials, final.CostCents)

	results, err := mgr.GetRunResults(ctx, run.ID)
	if err != nil {
		return err
	}
	printStatistics(out, results.Statistics)
	return nil
}

func allMock(cfg *domain.ExperimentConfig) bool {
	for _, v := range cfg.Variants {
		if v.Provider != providers.ProviderMock {
			return false
		}
	}
	return true
}

func printStatistics(out io.Writer, summary *stats.Summary) {
	fmt.Fprintf(out, "\nstatistics (%d evaluated trials, confidence %.3f):\n",
		summary.EvaluatedTrials, summary.ConfidenceLevel)

	ids := make([]string, 0, len(summary.Variants))
	for id := range summary.Variants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := summary.Variants[id]
		fmt.Fprintf(out, "  %-20s wins %3d  losses %3d  ties %3d  win rate %5.1f%%  mean score %6.2f  %s\n",
			r.VariantID, r.Wins, r.Losses, r.Ties, r.WinRate*100, r.MeanScore, r.Significance)
	}
}
