package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/internal/config"
	"github.com/getpup/searchsync/internal/logging"
	"github.com/getpup/searchsync/metrics"
	"github.com/getpup/searchsync/mongodb"
	"github.com/getpup/searchsync/pkg/replication"
	"github.com/getpup/searchsync/pkg/version"
	"github.com/getpup/searchsync/resume"
)

// flagKeys maps run flags onto config keys.
var flagKeys = map[string]string{
	"mongodb-uri":       "mongodb.uri",
	"database":          "mongodb.database",
	"collection":        "mongodb.collection",
	"index-id":          "index.id",
	"generation":        "index.generation",
	"checkpoint-driver": "checkpoint.driver",
	"checkpoint-dsn":    "checkpoint.dsn",
	"decode-workers":    "scheduler.decodeWorkers",
	"index-workers":     "scheduler.indexWorkers",
	"batch-size":        "changestream.batchSize",
	"max-await-time":    "changestream.maxAwaitTime",
	"metrics-addr":      "metrics.addr",
	"log-level":         "log.level",
	"log-format":        "log.format",
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replicate a collection until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, path)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("mongodb-uri", "", "MongoDB connection string")
	flags.String("database", "", "source database")
	flags.String("collection", "", "source collection")
	flags.String("index-id", "", "index identifier")
	flags.Int64("generation", 0, "index generation")
	flags.String("checkpoint-driver", "", "checkpoint store: memory|postgres|mysql|sqlite3|pebble")
	flags.String("checkpoint-dsn", "", "checkpoint store DSN, or directory for pebble")
	flags.Int("decode-workers", 0, "concurrent decode batches (default GOMAXPROCS)")
	flags.Int("index-workers", 0, "concurrent index batches (default GOMAXPROCS)")
	flags.Int32("batch-size", 0, "documents per getMore (default server default)")
	flags.Duration("max-await-time", 0, "change stream getMore wait")
	flags.String("metrics-addr", "", "address of the /metrics endpoint")
	flags.String("log-level", "", "debug|info|warn|error")
	flags.String("log-format", "", "text|json")

	for name, key := range flagKeys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "json" {
		return logging.NewJSON(os.Stderr, level), nil
	}
	return logging.NewText(os.Stderr, level), nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	logger.Info(ctx, "starting searchsync", "version", version.Version)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		return fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			logger.Error(ctx, "failed to disconnect from mongodb", "error", err)
		}
	}()

	serverVersion, err := mongodb.ServerVersion(ctx, client)
	if err != nil {
		return err
	}
	logger.Info(ctx, "connected to mongodb", "serverVersion", serverVersion.String())

	checkpoints, closeCheckpoints, err := openCheckpoints(ctx, cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCheckpoints(); err != nil {
			logger.Error(ctx, "failed to close checkpoint store", "error", err)
		}
	}()

	ns := resume.Namespace{Database: cfg.MongoDB.Database, Collection: cfg.MongoDB.Collection}
	gen := replication.Generation{
		ID:        searchsync.GenerationID{IndexID: cfg.Index.ID, Generation: cfg.Index.Generation},
		Namespace: ns,
		Indexer: indexer.NewMemory(indexer.MemoryConfig{
			Definition:   indexer.Definition{IndexID: cfg.Index.ID},
			MaxDocuments: cfg.Index.MaxDocuments,
		}),
	}

	resolver := mongodb.NewResolver(client)
	uuid, err := resolver.CollectionUUID(ctx, ns)
	var missing *searchsync.NamespaceError
	switch {
	case errors.As(err, &missing):
		logger.Info(ctx, "source collection does not exist yet", "namespace", ns.String())
	case err != nil:
		return err
	default:
		gen.NamespaceCheck = resolver.Check(uuid)
	}

	if cfg.Metrics.Enabled {
		server := metrics.NewServer(cfg.Metrics.Addr,
			metrics.WithReadinessCheck("mongodb", func(ctx context.Context) error {
				return client.Ping(ctx, nil)
			}),
			metrics.WithReadinessCheck("checkpoints", func(ctx context.Context) error {
				_, err := checkpoints.Load(ctx, gen.ID)
				if errors.Is(err, checkpoint.ErrNotFound) {
					return nil
				}
				return err
			}),
		)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error(ctx, "failed to stop metrics server", "error", err)
			}
		}()
		logger.Info(ctx, "serving metrics", "addr", cfg.Metrics.Addr)
	}

	service, err := replication.New(
		replication.WithCommander(mongodb.NewCommander(client)),
		replication.WithCheckpointStore(checkpoints),
		replication.WithServerVersion(serverVersion),
		replication.WithDecodeWorkers(cfg.Scheduler.DecodeWorkers),
		replication.WithIndexWorkers(cfg.Scheduler.IndexWorkers),
		replication.WithBatchSize(cfg.ChangeStream.BatchSize),
		replication.WithMaxAwaitTime(cfg.ChangeStream.MaxAwaitTime),
		replication.WithRetryInterval(cfg.ChangeStream.RetryInterval, cfg.ChangeStream.MaxRetryInterval),
		replication.WithDisableNaturalOrder(cfg.ChangeStream.DisableNaturalOrder),
		replication.WithLogger(logger),
		replication.WithMetricsEnabled(cfg.Metrics.Enabled),
	)
	if err != nil {
		return err
	}

	runErr := service.Run(ctx, gen)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "failed to shut down schedulers", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info(ctx, "searchsync stopped")
	return nil
}
