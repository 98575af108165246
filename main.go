package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sqs-buffer/src/buffer"
	"sqs-buffer/src/client"
	"sqs-buffer/src/config"
	"sqs-buffer/src/logging"
	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
	"sqs-buffer/src/storage/memory"
	"sqs-buffer/src/storage/sqlite"
	"sqs-buffer/src/storage/sqs"
)

func main() {
	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			panic(err)
		}
	}

	logger, err := logging.New(logging.Options{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		Filename: cfg.LogFile,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	conns, closeBackend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize backend", zap.Error(err))
	}
	defer closeBackend()

	manager, err := client.NewManager(conns,
		client.WithNameRegistry(queue.NewRegistry(cfg.QueuePrefix)),
		client.WithDefaults(client.Defaults{
			VisibilityTimeout: cfg.VisibilityTimeout,
			ReceiveWaitTime:   cfg.ReceiveWaitTime,
			ReceiveBatchSize:  cfg.ReceiveBatchSize,
			MaxReceiveCount:   cfg.MaxReceiveCount,
			DisableBuffering:  cfg.DisableBuffering,
		}),
		client.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialize queue manager", zap.Error(err))
	}
	defer manager.Close()

	buffers, err := buffer.NewFactory(conns,
		buffer.WithLogger(logger),
		buffer.WithRegisterer(prometheus.DefaultRegisterer),
		buffer.WithFlushInterval(cfg.FlushInterval))
	if err != nil {
		logger.Fatal("failed to initialize buffers", zap.Error(err))
	}
	defer buffers.Close()

	consumer := client.NewClient(manager, buffers)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", zap.String("addr", cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runWorker(ctx, consumer, cfg.WorkerQueue, logger.Named("worker"))
	}()

	logger.Info("worker started",
		zap.String("backend", cfg.Backend),
		zap.String("queue", cfg.WorkerQueue),
		zap.Duration("flush_interval", cfg.FlushInterval))

	<-ctx.Done()
	logger.Info("shutting down")
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server forced to shutdown", zap.Error(err))
	}
	if err := consumer.Close(); err != nil {
		logger.Warn("failed to flush buffers", zap.Error(err))
	}
	logger.Info("worker exited")
}

// openBackend returns the configured backend as a connection factory and
// the function that releases it.
func openBackend(cfg *config.Config, logger *zap.Logger) (storage.ConnectionFactory, func() error, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := sqlite.NewSQLiteStorage(cfg.DBPath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.BackendSQS:
		conns, err := sqs.NewConnectionFactory(sqs.Config{
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.SQSEndpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return conns, func() error { return nil }, nil
	default:
		em := memory.New(memory.WithLogger(logger))
		return em, em.Close, nil
	}
}

// runWorker logs and acknowledges every message on queueName until ctx is
// done. Payloads that are not JSON objects go to the dead-letter queue.
func runWorker(ctx context.Context, c *client.Client, queueName string, logger *zap.Logger) {
	for {
		env, err := c.Get(ctx, queueName, queue.MaxWaitTime*time.Second)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if env == nil {
			continue
		}

		var payload map[string]any
		if err := env.Decode(&payload); err != nil {
			logger.Warn("undecodable payload", zap.String("envelope", env.ID), zap.Error(err))
			if err := c.Nak(ctx, env, false, err); err != nil {
				logger.Error("nak failed", zap.Error(err))
			}
			continue
		}

		logger.Info("processed message",
			zap.String("envelope", env.ID),
			zap.Int("retry_attempts", env.RetryAttempts),
			zap.Int("fields", len(payload)))
		if err := c.Ack(ctx, env); err != nil {
			logger.Error("ack failed", zap.String("envelope", env.ID), zap.Error(err))
		}
	}
}
