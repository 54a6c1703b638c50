package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinrep/clinrep/internal/config"
	"github.com/clinrep/clinrep/internal/federate"
	"github.com/clinrep/clinrep/internal/ingest"
	"github.com/clinrep/clinrep/internal/platform/db"
	"github.com/clinrep/clinrep/internal/report"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootCmd is the whole CLI: the root command runs the pipeline.
func rootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "clinrep-engine",
		Short:         "Cohort report engine",
		Long:          "Loads a cohort extract into Postgres and writes the report artifacts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(envFile)
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with engine settings")
	return cmd
}

func runEngine(envFile string) error {
	logger := newLogger("info", false)

	cfg, err := config.LoadFrom(envFile)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid config")
		return err
	}
	logger = newLogger(cfg.LogLevel, cfg.IsDev())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("run failed")
		return err
	}
	return nil
}

func newLogger(level string, dev bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if dev {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(lvl)
}

// run executes the pipeline: store up, schema applied, sources loaded,
// reports written. Artifacts from completed report sets stay on disk
// even when a later set fails.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	databaseURL := cfg.DatabaseURL
	if cfg.UsesEmbeddedDB() {
		logger.Info().
			Uint32("port", cfg.EmbeddedPort).
			Str("runtime_dir", cfg.EmbeddedRuntimeDir).
			Msg("starting embedded postgres")

		server, err := db.StartEmbedded(cfg.EmbeddedPort, cfg.EmbeddedRuntimeDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn().Err(err).Msg("failed to stop embedded postgres")
			}
		}()
		databaseURL = server.URL()
	}

	pool, err := db.NewPool(ctx, databaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	applied, err := db.NewMigrator(pool, db.MigrationFiles()).Up(ctx)
	if err != nil {
		return err
	}
	if applied > 0 {
		logger.Info().Int("applied", applied).Msg("migrations applied")
	}

	result, err := ingest.NewLoader(pool, logger).Load(ctx, cfg.DataDir)
	if err != nil {
		return err
	}

	svc := report.NewService(
		report.NewRepo(pool),
		federate.NewService(pool),
		report.NewWriter(cfg.OutputDir),
		logger,
	)
	summary, err := svc.Run(ctx, result.Partitions, sourceCounts(result.Tables))
	if err != nil {
		return err
	}

	logger.Debug().Interface("pool", db.GetPoolStats(pool)).Msg("pool statistics")
	logger.Info().
		Str("run_id", summary.RunID).
		Int("reports", len(summary.Reports)).
		Int64("elapsed_ms", summary.ElapsedMS).
		Str("output_dir", cfg.OutputDir).
		Msg("run complete")
	return nil
}

func sourceCounts(tables []ingest.TableCount) []report.SourceCount {
	counts := make([]report.SourceCount, 0, len(tables))
	for _, t := range tables {
		counts = append(counts, report.SourceCount{Table: t.Table, Rows: t.Rows})
	}
	return counts
}
