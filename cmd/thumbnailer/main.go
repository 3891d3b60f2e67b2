package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/thumbnailer/internal/api/handlers/jobs"
	"github.com/aliskhannn/thumbnailer/internal/api/router"
	"github.com/aliskhannn/thumbnailer/internal/api/server"
	"github.com/aliskhannn/thumbnailer/internal/config"
	"github.com/aliskhannn/thumbnailer/internal/fetcher"
	kafkaqueue "github.com/aliskhannn/thumbnailer/internal/infra/kafka"
	redisqueue "github.com/aliskhannn/thumbnailer/internal/infra/redis"
	sqsqueue "github.com/aliskhannn/thumbnailer/internal/infra/sqs"
	"github.com/aliskhannn/thumbnailer/internal/processor"
	"github.com/aliskhannn/thumbnailer/internal/queue"
	"github.com/aliskhannn/thumbnailer/internal/report"
	"github.com/aliskhannn/thumbnailer/internal/staging"
	"github.com/aliskhannn/thumbnailer/internal/storage/local"
	"github.com/aliskhannn/thumbnailer/internal/storage/minio"
	s3storage "github.com/aliskhannn/thumbnailer/internal/storage/s3"
	"github.com/aliskhannn/thumbnailer/internal/thumbnail"
	"github.com/aliskhannn/thumbnailer/internal/worker"
)

const release = "thumbnailer@1.0.0"

// publisher is satisfied by every storage backend.
type publisher interface {
	Publish(ctx context.Context, key, path string) error
}

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Retry strategy for queue plumbing.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Error reporting is optional.
	var reporter processor.Reporter
	if cfg.Sentry.DSN != "" {
		s, err := report.Init(cfg.Sentry.DSN, cfg.Sentry.Environment, release)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to init sentry")
		}
		defer s.Flush(2 * time.Second)
		reporter = s
	}

	stagingManager, err := staging.NewManager(cfg.Staging.Root)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to prepare staging")
	}

	pub, err := newPublisher(ctx, cfg.Storage)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to connect to storage")
	}

	q, err := newQueue(ctx, cfg.Queue, strategy)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Str("backend", cfg.Queue.Backend).Msg("failed to connect to queue")
	}

	p := processor.New(
		fetcher.New(nil, cfg.Fetch.Timeout),
		thumbnail.New(thumbnail.Options{
			MaxWidth:  cfg.Thumbnail.MaxWidth,
			MaxHeight: cfg.Thumbnail.MaxHeight,
			Label:     cfg.Thumbnail.Label,
		}),
		pub,
		stagingManager,
		q,
		reporter,
		component("processor"),
	)

	w := worker.New(q, p, strategy, cfg.Queue.MaxAttempts, component("worker"))

	// Start the worker loop in a separate goroutine.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	// Ops HTTP server (health, job submission).
	var s *http.Server
	if cfg.Server.HTTPPort != "" {
		r := router.Setup(jobs.NewHandler(q, component("api")))
		s = server.New(cfg.Server.HTTPPort, r)
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Logger.Fatal().Err(err).Msg("failed to start server")
			}
		}()
	}

	zlog.Logger.Info().
		Str("queue_backend", cfg.Queue.Backend).
		Str("queue", cfg.Queue.Name).
		Str("storage_backend", cfg.Storage.Backend).
		Str("bucket", cfg.Storage.BucketName).
		Msg("thumbnailer started")

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Workers stop receiving; a job already taken runs to completion.
	wg.Wait()

	if s != nil {
		// Graceful shutdown with timeout for HTTP server.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		zlog.Logger.Info().Msg("shutting down server")
		if err := s.Shutdown(shutdownCtx); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
		}
		if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
			zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
		}
	}

	if err := q.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close queue client")
	}
}

func component(name string) zerolog.Logger {
	return zlog.Logger.With().Str("component", name).Logger()
}

func newPublisher(ctx context.Context, cfg config.Storage) (publisher, error) {
	switch cfg.Backend {
	case config.StorageMinio:
		return minio.NewStorage(ctx, cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.BucketName, cfg.UseSSL)
	case config.StorageS3:
		return s3storage.NewStorage(ctx, s3storage.Options{
			Bucket:    cfg.BucketName,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	case config.StorageLocal:
		return local.NewStorage(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newQueue(ctx context.Context, cfg config.Queue, strategy retry.Strategy) (queue.Queue, error) {
	switch cfg.Backend {
	case config.QueueSQS:
		return sqsqueue.Dial(ctx, sqsqueue.Options{
			QueueName:           cfg.Name,
			DeadLetterQueueName: cfg.DeadLetterName,
			WaitTime:            cfg.WaitTime,
			VisibilityTimeout:   cfg.VisibilityTimeout,
			Region:              cfg.Region,
			Endpoint:            cfg.Endpoint,
		})
	case config.QueueKafka:
		return kafkaqueue.New(kafkaqueue.Options{
			Brokers:         cfg.Kafka.Brokers,
			Topic:           cfg.Name,
			GroupID:         cfg.Kafka.GroupID,
			DeadLetterTopic: cfg.DeadLetterName,
			WaitTime:        cfg.WaitTime,
			RedeliveryDelay: cfg.VisibilityTimeout,
		}, strategy)
	case config.QueueRedis:
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redisqueue.New(ctx, rc, redisqueue.Options{
			Stream:            cfg.Name,
			Group:             cfg.Redis.Group,
			Consumer:          cfg.Redis.Consumer,
			Block:             cfg.WaitTime,
			VisibilityTimeout: cfg.VisibilityTimeout,
			DeadLetterStream:  cfg.DeadLetterName,
			MaxLen:            cfg.Redis.MaxLen,
		}, component("redis-queue"))
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
