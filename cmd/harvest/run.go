package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/tagharvest/pkg/client"
	"github.com/Sternrassler/tagharvest/pkg/config"
	"github.com/Sternrassler/tagharvest/pkg/logging"
	"github.com/Sternrassler/tagharvest/pkg/metrics"
	"github.com/Sternrassler/tagharvest/pkg/output"
	"github.com/Sternrassler/tagharvest/pkg/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var runFlags struct {
	target    int
	terms     []string
	parallel  bool
	consumers int
	out       string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Harvest records until the target is reached",
	Long: `Runs one harvest. Terms come from --term, the config file, or the
built-in defaults. SIGINT or SIGTERM stops the run; records collected so
far are still written.`,
	Args: cobra.NoArgs,
	RunE: runHarvest,
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runFlags.target, "target", 0, "unique records to collect")
	f.StringSliceVarP(&runFlags.terms, "term", "t", nil, "search term (repeatable)")
	f.BoolVar(&runFlags.parallel, "parallel", false, "run all terms at once instead of one after another")
	f.IntVar(&runFlags.consumers, "consumers", 0, "number of sink workers")
	f.StringVarP(&runFlags.out, "out", "o", "", "output directory")
	rootCmd.AddCommand(runCmd)
}

// loadConfig merges defaults, the config file, the environment and flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("target") {
		cfg.Run.Target = runFlags.target
	}
	if flags.Changed("term") {
		cfg.Run.Terms = runFlags.terms
	}
	if flags.Changed("parallel") && runFlags.parallel {
		cfg.Run.StartMode = string(pipeline.StartParallel)
	}
	if flags.Changed("consumers") {
		cfg.Run.Consumers = runFlags.consumers
	}
	if flags.Changed("out") {
		cfg.Output.Dir = runFlags.out
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	lc := cfg.Logging()
	lc.Output = cmd.ErrOrStderr()
	logging.Setup(lc)
	logger := logging.NewLogger("cli")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cc := cfg.Client()
	if rdb := connectRedis(ctx, cfg.Redis, logger); rdb != nil {
		defer rdb.Close()
		cc.Redis = rdb
	}

	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics.Addr, logger)
		defer shutdownServer(srv, logger)
	}

	searchClient, err := client.New(cc)
	if err != nil {
		return fmt.Errorf("create search client: %w", err)
	}

	out, err := output.Open(cfg.OutputSettings())
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close output")
		}
	}()

	opts := []pipeline.Option{pipeline.WithLogger(logging.NewLogger("pipeline"))}
	if cfg.Run.Resume && out.Store() != nil {
		seen, err := out.Store().SeenIDs(ctx)
		if err != nil {
			return fmt.Errorf("load seen ids: %w", err)
		}
		opts = append(opts, pipeline.WithSeen(seen))
	}

	coordinator, err := pipeline.New(cfg.Pipeline(), searchClient, opts...)
	if err != nil {
		return err
	}

	result, runErr := coordinator.Run(ctx, cfg.Run.Terms)
	if result == nil {
		return runErr
	}

	// Records are kept on abort, so persist them even after a signal.
	persistCtx := context.WithoutCancel(ctx)
	if err := out.Write(persistCtx, result.Records); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if store := out.Store(); store != nil {
		if err := store.RecordRun(persistCtx, runRecord(result, cfg.Run.Terms)); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run")
		}
		if n, err := store.Count(persistCtx); err == nil {
			logger.Info().Int("records", n).Str("path", store.Path()).Msg("Store updated")
		}
	}

	stdout := cmd.OutOrStdout()
	fmt.Fprintln(stdout, result.Summary())
	if len(result.Records) > 0 {
		fmt.Fprintf(stdout, "Output written to %s\n", cfg.Output.Dir)
	}
	return runErr
}

func runRecord(res *pipeline.Result, terms []string) output.Run {
	run := output.Run{
		ID:          res.RunID,
		Outcome:     string(res.Outcome),
		UniqueCount: res.Status.UniqueCount,
		Target:      res.Status.Target,
		Terms:       terms,
		Started:     res.Started,
		Finished:    res.Finished,
	}
	if res.Cause != nil {
		run.Cause = res.Cause.Error()
	}
	return run
}

// connectRedis returns nil when Redis is not configured or unreachable;
// the harvest then runs without cooldown persistence and page cache.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unavailable, continuing without it")
		rdb.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")
	return rdb
}

func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
