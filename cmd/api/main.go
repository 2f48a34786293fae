package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iago/distribution-engine/internal/ai"
	"github.com/iago/distribution-engine/internal/allocation"
	"github.com/iago/distribution-engine/internal/config"
	httpserver "github.com/iago/distribution-engine/internal/http"
	"github.com/iago/distribution-engine/internal/http/handlers"
	"github.com/iago/distribution-engine/internal/queue"
	"github.com/iago/distribution-engine/internal/repository"
	"github.com/iago/distribution-engine/internal/service"
	"github.com/iago/distribution-engine/internal/tracing"
	"github.com/iago/distribution-engine/internal/worker"
)

type stores struct {
	previews  repository.PreviewStore
	groups    service.GroupReader
	tasks     service.TaskStore
	users     service.UserReader
	closeFunc func()
}

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("failed loading configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracer, err := tracing.InitTracer("distribution-engine", os.Stdout)
		if err != nil {
			logger.Error("failed to initialize tracer", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracer(shutdownCtx)
			}()
		}
	}

	data := setupStores(ctx, cfg, logger)
	defer data.closeFunc()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	chatClient := ai.NewChatClient(ai.ChatClientConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Timeout:    cfg.OpenAITimeout,
		MaxRetries: cfg.OpenAIMaxRetries,
		SiteURL:    cfg.OpenAISiteURL,
		AppName:    cfg.OpenAIAppName,
	})
	var generative allocation.Strategy
	if chatClient.Available() {
		allocator, err := allocation.NewGenerativeAllocator(chatClient, allocation.GenerativeConfig{
			Model:                 cfg.OpenAIModel,
			Temperature:           cfg.DistributionTemperature,
			MaxTokens:             cfg.DistributionMaxTokens,
			TargetVariancePercent: cfg.DistributionTargetVariance,
		}, logger)
		if err != nil {
			logger.Error("failed to build generative allocator, rule-based only", "error", err)
		} else {
			generative = allocator
		}
	} else {
		logger.Info("OPENAI_API_KEY not configured, distributions will be rule-based")
	}

	distributions := service.NewDistributionService(service.DistributionDependencies{
		Previews:   data.previews,
		Groups:     data.groups,
		Tasks:      data.tasks,
		Users:      data.users,
		Producer:   producer,
		Generative: generative,
		Fallback:   allocation.NewGreedyBalancer(),
		Config: service.DistributionConfig{
			BatchSize:         cfg.DistributionBatchSize,
			Retention:         cfg.DistributionRetention,
			AllocationTimeout: cfg.DistributionAllocationTimeout,
		},
		Logger: logger,
	})

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(distributions, logger),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, distributions, cfg.WorkerConcurrency, logger)
		group.Go(func() error { return processor.Start(groupCtx) })
	} else {
		logger.Info("worker disabled by configuration")
	}

	sweeper := worker.NewSweeper(data.previews, cfg.SweepSchedule, logger)
	group.Go(func() error { return sweeper.Start(groupCtx) })

	group.Go(func() error {
		logger.Info("api listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}

func setupStores(ctx context.Context, cfg config.Config, logger *slog.Logger) stores {
	if cfg.DatabaseURL != "" {
		pool, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err == nil {
			err = repository.EnsurePreviewSchema(ctx, pool)
			if err != nil {
				pool.Close()
			}
		}
		if err == nil {
			logger.Info("postgres stores initialized")
			workspace := repository.NewPostgresWorkspace(pool)
			return stores{
				previews:  repository.NewPostgresPreviewStore(pool),
				groups:    workspace,
				tasks:     workspace,
				users:     workspace,
				closeFunc: pool.Close,
			}
		}
		logger.Error("failed to initialize postgres, fallback to memory", "error", err)
	} else {
		logger.Info("DATABASE_URL not configured, using in-memory stores")
	}

	workspace := repository.NewMemoryWorkspace()
	if cfg.WorkspaceSeedFile != "" {
		if err := workspace.LoadWorkspaceSeed(cfg.WorkspaceSeedFile); err != nil {
			logger.Error("failed to load workspace seed", "path", cfg.WorkspaceSeedFile, "error", err)
		}
	}
	return stores{
		previews:  repository.NewMemoryPreviewStore(),
		groups:    workspace,
		tasks:     workspace,
		users:     workspace,
		closeFunc: func() {},
	}
}

func setupQueue(ctx context.Context, cfg config.Config, logger *slog.Logger) (queue.Producer, queue.Consumer, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger)
		return local, local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: cfg.QueueMaxAttempts,

		ClaimMinIdle: cfg.RedisClaimMinIdle,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize redis streams queue, fallback to local", "error", err)
		local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger)
		return local, local, func() {}
	}
	logger.Info("redis streams queue initialized", "stream", cfg.RedisStream)
	return streams, streams, func() { _ = streams.Close() }
}
