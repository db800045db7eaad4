// Command tessera-lambda applies write plans from a DynamoDB stream.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jacentio/tessera/backend"
	"github.com/jacentio/tessera/backend/badgerdb"
	"github.com/jacentio/tessera/backend/dynamo"
	"github.com/jacentio/tessera/backend/memory"
	"github.com/jacentio/tessera/backend/redis"
	"github.com/jacentio/tessera/batch"
	"github.com/jacentio/tessera/internal/config"
	"github.com/jacentio/tessera/metrics"
	"github.com/jacentio/tessera/stream"
	"github.com/jacentio/tessera/unitofwork"
)

var (
	// Version is set by build flags
	Version = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting tessera", "version", Version, "backend", cfg.Backend)

	ctx := context.Background()
	b, closer, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Error("failed to open backend", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	defer closer.Close()

	rels, err := cfg.Relationships()
	if err != nil {
		logger.Error("invalid relationships", "error", err)
		os.Exit(1)
	}
	registry := unitofwork.NewRegistry()
	for _, rel := range rels {
		registry.Register(rel)
	}

	reg := prometheus.NewRegistry()
	engine := batch.NewEngine(b,
		batch.WithLogger(logger),
		batch.WithObserver(metrics.NewCollector(reg)),
		batch.WithMaxCommands(cfg.MaxCommands),
	)
	handler := stream.NewHandler(engine, registry, logger, stream.WithBatchTimeout(cfg.BatchTimeout))

	if cfg.PushgatewayURL == "" {
		lambda.Start(handler.HandlePlans)
		return
	}
	pusher := metrics.NewPusher(cfg.PushgatewayURL, cfg.MetricsJob, reg)
	lambda.Start(func(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
		resp, err := handler.HandlePlans(ctx, event)
		if perr := pusher.Push(ctx); perr != nil {
			logger.Warn("failed to push metrics", "error", perr)
		}
		return resp, err
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openBackend(ctx context.Context, cfg *config.Config) (backend.Backend, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		unique, err := cfg.Dynamo.UniqueColumns()
		if err != nil {
			return nil, nil, err
		}
		return dynamo.New(dynamodb.NewFromConfig(awsCfg), dynamo.Config{
			TablePrefix: cfg.Dynamo.TablePrefix,
			IDAttribute: cfg.Dynamo.IDAttribute,
			MaxItems:    cfg.Dynamo.MaxItems,
			UniqueTable: cfg.Dynamo.UniqueTable,
			Unique:      unique,
		}), nopCloser{}, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		rcfg := redis.DefaultConfig()
		rcfg.KeyPrefix = cfg.Redis.KeyPrefix
		return redis.New(client, rcfg), client, nil

	case config.BackendBadger:
		db, err := badgerdb.Open(badgerdb.Config{Dir: cfg.Badger.Dir, InMemory: cfg.Badger.InMemory})
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil

	case config.BackendMemory:
		return memory.New(), nopCloser{}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}
