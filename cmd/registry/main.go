package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushreg/internal/api"
	"github.com/lalithlochan/pushreg/internal/circuitbreaker"
	"github.com/lalithlochan/pushreg/internal/config"
	"github.com/lalithlochan/pushreg/internal/db"
	"github.com/lalithlochan/pushreg/internal/feedback"
	"github.com/lalithlochan/pushreg/internal/metrics"
	"github.com/lalithlochan/pushreg/internal/observ"
	"github.com/lalithlochan/pushreg/internal/redis"
	"github.com/lalithlochan/pushreg/internal/registry"
	"github.com/lalithlochan/pushreg/internal/sns"
	"github.com/lalithlochan/pushreg/internal/sqs"
	"github.com/lalithlochan/pushreg/internal/subscription"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting push subscription registry",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.Bool("cache", cfg.CacheEnabled),
		zap.Duration("cache_ttl", cfg.CacheTTL),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	handlerChecks := map[string]api.HealthCheck{}

	// Storage
	var store registry.Store
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("using in-memory store, subscriptions are lost on restart")
		store = registry.NewMemory(subscription.UUIDGenerator{})
	default:
		partitions, err := db.NewStaticPartitions(cfg.PartitionSchemas)
		if err != nil {
			return fmt.Errorf("invalid partitions: %w", err)
		}

		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: cfg.DBMaxConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		store = db.NewStore(database, partitions, subscription.UUIDGenerator{}, logger)
		handlerChecks["database"] = database.Health
	}

	opts := []registry.Option{}
	cacheEnabled := cfg.CacheEnabled

	var breakers []*circuitbreaker.CircuitBreaker

	// Redis carries peer cache invalidation and rate limiting. Both are
	// optional: without Redis the node runs standalone and unthrottled.
	var limiter api.Limiter
	var listener *redis.Listener
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and peer invalidation disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		handlerChecks["redis"] = redisClient.Ping

		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})

		if cacheEnabled {
			bus := redis.NewInvalidationBus(redisClient, logger)
			listener, err = bus.Subscribe(ctx)
			if err != nil {
				return fmt.Errorf("failed to subscribe to invalidations: %w", err)
			}
			broadcaster := circuitbreaker.NewProtectedBroadcaster(bus,
				circuitbreaker.New(circuitbreaker.DefaultConfig("redis-invalidation"), logger))
			breakers = append(breakers, broadcaster.Breaker())
			opts = append(opts, registry.WithBroadcaster(broadcaster))
		}
	}

	// A shared store written by other nodes may only be cached while their
	// invalidations reach us. The memory store has no other writers.
	if cacheEnabled && listener == nil && cfg.StoreDriver != config.StoreMemory {
		logger.Warn("peer invalidation unavailable, running without subscription cache")
		cacheEnabled = false
	}
	if cacheEnabled {
		opts = append(opts, registry.WithCache(), registry.WithCacheTTL(cfg.CacheTTL))
	}

	if cfg.EventsTopicARN != "" {
		var publisher *sns.Publisher
		if cfg.SNSEndpoint != "" {
			publisher, err = sns.NewPublisherWithEndpoint(ctx, cfg.EventsTopicARN, cfg.SNSEndpoint, cfg.AWSRegion)
		} else {
			publisher, err = sns.NewPublisher(ctx, cfg.EventsTopicARN)
		}
		if err != nil {
			logger.Warn("sns publisher unavailable, lifecycle events disabled", zap.Error(err))
		} else {
			protected := circuitbreaker.NewProtectedPublisher(publisher,
				circuitbreaker.New(circuitbreaker.DefaultConfig("sns-events"), logger), logger)
			breakers = append(breakers, protected.Breaker())
			opts = append(opts, registry.WithEvents(protected))
		}
	}

	reg := registry.New(store, logger, opts...)

	if listener != nil {
		go listener.Run(ctx, reg.Cache())
	}

	if cfg.FeedbackQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.FeedbackQueueURL,
			Endpoint: cfg.SQSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, token feedback disabled", zap.Error(err))
		} else {
			w := feedback.New(consumer, reg, feedback.Config{}, logger)
			go w.Start(ctx)
		}
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, reg)
	for name, check := range handlerChecks {
		handler.AddHealthCheck(name, check)
	}
	for _, cb := range breakers {
		handler.AddBreaker(cb)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(limiter, logger, api.ContextKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop the feedback worker and invalidation listener first.
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
