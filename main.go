package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/inkwell-ai/inkwell/internal/auth"
	"github.com/inkwell-ai/inkwell/internal/chat"
	"github.com/inkwell-ai/inkwell/internal/circuitbreaker"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/db"
	"github.com/inkwell-ai/inkwell/internal/embeddings"
	"github.com/inkwell-ai/inkwell/internal/fewshot"
	"github.com/inkwell-ai/inkwell/internal/health"
	"github.com/inkwell-ai/inkwell/internal/httpapi"
	"github.com/inkwell-ai/inkwell/internal/inspect"
	"github.com/inkwell-ai/inkwell/internal/llm"
	_ "github.com/inkwell-ai/inkwell/internal/metrics" // Import for side effects
	"github.com/inkwell-ai/inkwell/internal/notebook"
	"github.com/inkwell-ai/inkwell/internal/pricing"
	"github.com/inkwell-ai/inkwell/internal/ratecontrol"
	"github.com/inkwell-ai/inkwell/internal/reranker"
	"github.com/inkwell-ai/inkwell/internal/retrieval"
	"github.com/inkwell-ai/inkwell/internal/schema"
	"github.com/inkwell-ai/inkwell/internal/secrets"
	"github.com/inkwell-ai/inkwell/internal/session"
	"github.com/inkwell-ai/inkwell/internal/sqlchat"
	"github.com/inkwell-ai/inkwell/internal/sqlconn"
	"github.com/inkwell-ai/inkwell/internal/sqlexec"
	"github.com/inkwell-ai/inkwell/internal/sqlgen"
	"github.com/inkwell-ai/inkwell/internal/streaming"
	"github.com/inkwell-ai/inkwell/internal/telemetry"
	"github.com/inkwell-ai/inkwell/internal/tracing"
	"github.com/inkwell-ai/inkwell/internal/vectordb"
	"github.com/inkwell-ai/inkwell/migrations"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Root context for background services
	ctx := context.Background()

	cfgPath := config.ResolvePath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	if cfgPath != "" {
		logger.Info("Configuration loaded", zap.String("path", cfgPath))
	} else {
		logger.Info("No config file found, using defaults and environment")
	}

	// Start circuit breaker metrics collection
	circuitbreaker.StartMetricsCollection()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without traces", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Bring up the health manager and admin endpoints early so probes
	// respond while the rest of the stack is still starting.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	if cfg.Health.CheckInterval > 0 {
		hm.SetCheckInterval(cfg.Health.CheckInterval)
	}
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())
	adminSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: adminMux,
	}
	go func() {
		logger.Info("Admin endpoints listening",
			zap.Int("port", cfg.Service.MetricsPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()
	if cfg.Health.Enabled {
		if err := hm.Start(ctx); err != nil {
			logger.Warn("Health manager failed to start", zap.Error(err))
		}
	}

	// ------------------------------------------------------------------
	// Application database. NewClient applies the app migrations.
	// ------------------------------------------------------------------
	dbClient, err := db.NewClient(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbClient.Close()
	if err := hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.DB().DB, dbClient.Wrapper(), logger)); err != nil {
		logger.Warn("Failed to register database health checker", zap.Error(err))
	}

	// Redis backs the embedding cache and per-user rate limits. Both
	// degrade gracefully, so an unreachable Redis only logs a warning.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("Redis unreachable, continuing without it",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			redisClient = nil
		} else {
			rw := circuitbreaker.NewRedisWrapper(redisClient, logger)
			if err := hm.RegisterChecker(health.NewRedisHealthChecker(redisClient, rw, logger)); err != nil {
				logger.Warn("Failed to register Redis health checker", zap.Error(err))
			}
		}
	}

	// ------------------------------------------------------------------
	// Vector store. Initialize owns the pool and the vector migrations;
	// the few-shot example table shares the same database.
	// ------------------------------------------------------------------
	vectorStore, err := vectordb.Initialize(cfg.VectorStore, nil, logger)
	if err != nil {
		logger.Fatal("Failed to initialize vector store", zap.Error(err))
	}
	defer vectorStore.Close()

	migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = migrations.Apply(migCtx, vectorStore.DB().DB, "fewshot", map[string]string{
		"dim": fmt.Sprintf("%d", cfg.VectorStore.EmbedDim),
	})
	cancel()
	if err != nil {
		logger.Fatal("Failed to migrate few-shot store", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Embedding and completion clients.
	// ------------------------------------------------------------------
	var embedCache embeddings.EmbeddingCache
	if cfg.Embeddings.UseRedisCache && redisClient != nil {
		if rc, err := embeddings.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			logger.Warn("Embedding Redis cache unavailable, using local LRU only", zap.Error(err))
		} else {
			embedCache = rc
		}
	}
	embeddings.Initialize(embeddings.Config{
		Provider:     cfg.Embeddings.Provider,
		BaseURL:      cfg.Embeddings.BaseURL,
		APIKey:       cfg.Embeddings.APIKey,
		DefaultModel: cfg.Embeddings.Model,
		Timeout:      cfg.Embeddings.Timeout,
		CacheTTL:     cfg.Embeddings.CacheTTL,
		MaxLRU:       cfg.Embeddings.MaxLRU,
		Chunking: embeddings.ChunkingConfig{
			Enabled:        cfg.Embeddings.Chunking.Enabled,
			MaxTokens:      cfg.Embeddings.Chunking.MaxTokens,
			OverlapTokens:  cfg.Embeddings.Chunking.OverlapTokens,
			MinChunkTokens: cfg.Embeddings.Chunking.MinChunkTokens,
		},
	}, embedCache)
	if cfg.Embeddings.BaseURL != "" {
		if err := hm.RegisterChecker(health.NewHTTPServiceHealthChecker("embeddings", cfg.Embeddings.BaseURL, logger)); err != nil {
			logger.Warn("Failed to register embeddings health checker", zap.Error(err))
		}
	}

	// Client-side pacing falls back to the provider table in models.yaml
	// when the config leaves requests_per_minute unset.
	rpm := cfg.LLM.RequestsPerMinute
	if rpm == 0 {
		rpm = ratecontrol.LimitForProvider(cfg.LLM.Provider).RPM
	}
	llmClient, err := llm.NewClient(llm.Config{
		Provider:          cfg.LLM.Provider,
		Model:             cfg.LLM.Model,
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Timeout:           cfg.LLM.Timeout,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
		RequestsPerMinute: rpm,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize LLM client", zap.Error(err))
	}
	if cfg.LLM.BaseURL != "" {
		if err := hm.RegisterChecker(health.NewHTTPServiceHealthChecker("llm", cfg.LLM.BaseURL, logger)); err != nil {
			logger.Warn("Failed to register LLM health checker", zap.Error(err))
		}
	}

	reranker.Initialize(reranker.Config{
		Enabled: cfg.Reranker.Enabled,
		Model:   cfg.Reranker.Model,
		BaseURL: cfg.Reranker.BaseURL,
		TopN:    cfg.Reranker.TopN,
		Timeout: cfg.Reranker.Timeout,
	}, logger)

	// ------------------------------------------------------------------
	// Notebook RAG pipeline.
	// ------------------------------------------------------------------
	retriever := retrieval.New(cfg.Retrieval, vectorStore, embeddings.Get(), logger)
	router := retrieval.NewRouter(retriever, llmClient, logger)
	notebookSvc := notebook.NewService(notebook.Deps{
		Chat: cfg.Chat,
		Chunking: embeddings.ChunkingConfig{
			Enabled:        cfg.Embeddings.Chunking.Enabled,
			MaxTokens:      cfg.Embeddings.Chunking.MaxTokens,
			OverlapTokens:  cfg.Embeddings.Chunking.OverlapTokens,
			MinChunkTokens: cfg.Embeddings.Chunking.MinChunkTokens,
		},
		Store:    vectorStore,
		Embedder: embeddings.Get(),
		DB:       dbClient,
		Engine: chat.Deps{
			Retriever: retriever,
			Router:    router,
			LLM:       llmClient,
			Store:     dbClient,
		},
		Logger: logger,
	})

	// ------------------------------------------------------------------
	// SQL chat pipeline.
	// ------------------------------------------------------------------
	cipher := secrets.NewCipher(cfg.SQLChat.EncryptionKey)
	connMgr := sqlconn.NewManager(dbClient, cipher, cfg.SQLChat, logger)
	schemaSvc := schema.NewService(cfg.SQLChat, connMgr, logger)
	linker := schema.NewLinker(embeddings.Get(), cfg.SQLChat.SchemaTopK, logger)
	fewshotStore := fewshot.NewStore(vectorStore.DB(), embeddings.Get(), logger)
	generator := sqlgen.NewGenerator(llmClient, cfg.SQLChat.MaxSyntaxRetries, logger)
	estimator := sqlexec.NewEstimator(cfg.SQLChat.MaxEstimatedRows, cfg.SQLChat.MaxEstimatedCost, logger)
	executor := sqlexec.NewExecutor(cfg.SQLChat.QueryTimeout, cfg.SQLChat.MaxResultRows, logger)
	inspector := inspect.NewInspector(cfg.SQLChat.MaxInspectionRows, cfg.SQLChat.MaxSemanticRetries, logger)
	telemetryLogger := telemetry.NewLogger(cfg.Telemetry, dbClient, logger)
	sessionMgr := session.NewManager(cfg.Sessions, logger)

	streaming.Configure(cfg.Streaming.RingCapacity)
	events := streaming.Get()

	sqlchatSvc := sqlchat.NewService(sqlchat.Deps{
		Config:    cfg.SQLChat,
		Conns:     connMgr,
		Sessions:  sessionMgr,
		Schemas:   schemaSvc,
		Linker:    linker,
		FewShots:  fewshotStore,
		Generator: generator,
		Estimator: estimator,
		Executor:  executor,
		Inspector: inspector,
		Telemetry: telemetryLogger,
		Events:    events,
		Logger:    logger,
	})

	// ------------------------------------------------------------------
	// HTTP API.
	// ------------------------------------------------------------------
	authSvc := auth.NewService(dbClient.DB(), cfg.Auth, logger)
	authMw := auth.NewMiddleware(authSvc, cfg.Auth, logger)
	var limiter *httpapi.RateLimiter
	if redisClient != nil {
		limiter = httpapi.NewRateLimiter(redisClient, cfg.RateLimit, logger)
	}
	apiServer := httpapi.NewServer(httpapi.Deps{
		Notebook:  notebookSvc,
		SQLChat:   sqlchatSvc,
		Conns:     connMgr,
		Telemetry: telemetryLogger,
		Events:    events,
		Auth:      authMw,
		RateLimit: limiter,
		Logger:    logger,
	})

	// Hot-reload model pricing and provider rate tables on change.
	var watcher *config.Watcher
	if cfgPath != "" {
		watcher, err = config.NewWatcher(filepath.Dir(cfgPath), logger)
		if err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			watcher.SetValidator("models.yaml", pricing.ValidateMap)
			watcher.OnChange("models.yaml", func(config.ChangeEvent) error {
				pricing.Reload()
				ratecontrol.Reload()
				return nil
			})
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("Config watcher failed to start", zap.Error(err))
				watcher = nil
			}
		}
	}

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:        apiServer.Handler(),
		ReadTimeout:    cfg.Service.ReadTimeout,
		WriteTimeout:   cfg.Service.WriteTimeout,
		IdleTimeout:    cfg.Service.IdleTimeout,
		MaxHeaderBytes: cfg.Service.MaxHeaderBytes,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Service.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// Shutdown.
	// ------------------------------------------------------------------
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	gracefulTimeout := cfg.Service.GracefulTimeout
	if gracefulTimeout <= 0 {
		gracefulTimeout = 30 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown failed", zap.Error(err))
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := hm.Stop(); err != nil {
		logger.Warn("Health manager stop failed", zap.Error(err))
	}

	// Drain in dependency order: conversation engines flush through the
	// app store, telemetry drains to it, then the pools close (deferred).
	notebookSvc.Close(shutdownCtx)
	sessionMgr.Close()
	telemetryLogger.Close()
	if redisClient != nil {
		redisClient.Close()
	}

	logger.Info("Shutdown complete")
}

// buildLogger constructs the zap logger from config. Development mode
// flips to the console encoder and debug level unless overridden.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	if len(cfg.ErrorOutputPaths) > 0 {
		zc.ErrorOutputPaths = cfg.ErrorOutputPaths
	}
	return zc.Build()
}
