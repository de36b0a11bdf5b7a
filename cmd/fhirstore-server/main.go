package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirstore/internal/config"
	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/pathexpr"
	"github.com/ehr/fhirstore/internal/platform/payload"
	"github.com/ehr/fhirstore/internal/reindex"
	"github.com/ehr/fhirstore/internal/search"
	"github.com/ehr/fhirstore/internal/server"
	"github.com/ehr/fhirstore/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirstore-server",
		Short: "Resource persistence and search-indexing engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reindexCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.StatementTimeout)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.StatementTimeout)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func reindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-extract search parameters over stored resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			types, _ := cmd.Flags().GetStringSlice("type")
			remote, _ := cmd.Flags().GetBool("remote")
			force, _ := cmd.Flags().GetBool("force")
			return runReindex(types, remote, force)
		},
	}
	cmd.Flags().StringSlice("type", nil, "Resource types to reindex (default all)")
	cmd.Flags().Bool("remote", false, "Drive the remote $reindex endpoint instead of a local scan")
	cmd.Flags().Bool("force", false, "Re-extract even when the index state is current")
	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func newDialect(cfg *config.Config) search.Dialect {
	switch cfg.Dialect {
	case "ansi":
		return search.ANSIDialect{}
	case "postgres+sharded":
		return search.ShardedDialect{Base: search.PostgresDialect{}, ShardColumn: "shard_key"}
	default:
		return search.PostgresDialect{}
	}
}

// buildEngine wires the extraction pipeline and the store over one pool.
// The common-value cache activates only when the dedup tables exist;
// until then token and canonical values stay inline.
func buildEngine(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*store.Store, *search.Builder, *search.Registry) {
	reg := search.DefaultRegistry()

	var table search.ValueTable
	schemaInfo := db.NewSchemaInfo(pool)
	if v, err := schemaInfo.CurrentVersion(ctx, "table", "common_token_values"); err != nil {
		logger.Warn().Err(err).Msg("schema version probe failed, dedup disabled")
	} else if v > 0 {
		table = search.NewPGValueTable(pool)
	} else {
		logger.Info().Msg("common value tables not present, storing token values inline")
	}
	cache := search.NewCommonValueCache(table, cfg.CacheSize)

	extractor := search.NewExtractor(pathexpr.NewTreeEvaluator(), reg, cache, cfg.BaseURL, logger)

	var payloads payload.Store = payload.NewMemoryStore()
	if cfg.PayloadOffloadBytes > 0 {
		payloads = payload.NewPGStore(pool)
	}

	dialect := newDialect(cfg)
	st := store.New(pool, dialect, extractor, payloads, cfg.PayloadOffloadBytes, logger)
	builder := search.NewBuilder(dialect, reg, cache)
	return st, builder, reg
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.StatementTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	st, builder, reg := buildEngine(ctx, cfg, pool, logger)
	endpoint := reindex.NewEndpoint(pool, st, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(server.Recovery(logger))
	e.Use(server.RequestID())
	e.Use(server.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	e.GET("/health/db", db.HealthHandler(pool))

	h := server.NewHandler(st, builder, reg, endpoint, logger)
	h.RegisterRoutes(e.Group("/fhir"), server.BearerAuth(cfg.AuthSecret))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runReindex(types []string, remote, force bool) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var source reindex.Source
	var pool *pgxpool.Pool

	if remote {
		if cfg.ReindexEndpoint == "" {
			return fmt.Errorf("REINDEX_ENDPOINT is required for --remote")
		}
		client := &http.Client{Timeout: cfg.ReindexCallTimeout}
		source = reindex.NewRemoteSource(client, cfg.ReindexEndpoint, cfg.AuthSecret, cfg.ReindexBatchSize, force, logger)
	} else {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.StatementTimeout)
		if err != nil {
			return err
		}
		defer pool.Close()

		st, _, _ := buildEngine(ctx, cfg, pool, logger)
		source = reindex.NewLocalSource(pool, st, newDialect(cfg), types, cfg.ReindexBatchSize, force, logger)
	}

	driver := reindex.NewDriver(source, reindex.Options{
		Workers:      cfg.ReindexWorkers,
		Stagger:      cfg.ReindexStagger,
		ProbeBackoff: cfg.ReindexProbeBackoff,
		JoinTimeout:  cfg.ReindexJoinTimeout,
	}, logger)

	if err := driver.Run(ctx); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}
	logger.Info().Int64("processed", driver.Processed()).Msg("reindex done")
	return nil
}
