package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/rerank/internal/artifact"
	"github.com/knoguchi/rerank/internal/auth"
	"github.com/knoguchi/rerank/internal/config"
	"github.com/knoguchi/rerank/internal/embedder"
	"github.com/knoguchi/rerank/internal/llm"
	"github.com/knoguchi/rerank/internal/metrics"
	"github.com/knoguchi/rerank/internal/model"
	"github.com/knoguchi/rerank/internal/repository"
	"github.com/knoguchi/rerank/internal/repository/postgres"
	"github.com/knoguchi/rerank/internal/reranker"
	"github.com/knoguchi/rerank/internal/retriever"
	"github.com/knoguchi/rerank/internal/scorer"
	"github.com/knoguchi/rerank/internal/server"
	"github.com/knoguchi/rerank/internal/service"
	"github.com/knoguchi/rerank/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	tiers, err := cfg.Tiers()
	if err != nil {
		return fmt.Errorf("invalid tier configuration: %w", err)
	}

	slog.Info("starting rerank service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"tiers", tiers,
		"model_cache_dir", cfg.ModelCacheDir,
	)

	m := metrics.New()

	// Model artifacts, one registry per builder
	registryOpts := []artifact.Option{
		artifact.WithLogger(slog.Default()),
		artifact.WithObserver(m),
		artifact.WithRetryBackoff(cfg.ArtifactRetryInitial, cfg.ArtifactRetryMax),
	}
	lexicalRegistry, err := artifact.NewRegistry(cfg.LexicalCacheDir(), model.LexicalBuilder{}, registryOpts...)
	if err != nil {
		return fmt.Errorf("failed to create lexical model registry: %w", err)
	}
	defer lexicalRegistry.Close()

	onnxRegistry, err := artifact.NewRegistry(cfg.ONNXCacheDir(), model.EmbeddingBuilder{}, registryOpts...)
	if err != nil {
		return fmt.Errorf("failed to create onnx model registry: %w", err)
	}
	defer onnxRegistry.Close()

	// Scoring tiers in fallback order
	var (
		backends  []reranker.Backend
		inProcess []reranker.Backend
		warmers   []service.Warmer
	)
	for _, tier := range tiers {
		switch tier {
		case config.TierLocal:
			b := scorer.NewModelBackend(config.TierLocal, cfg.RerankerModel, lexicalRegistry)
			backends, inProcess, warmers = append(backends, b), append(inProcess, b), append(warmers, b)
		case config.TierAccelerated:
			b := scorer.NewModelBackend(config.TierAccelerated, cfg.ONNXModel, onnxRegistry)
			backends, inProcess, warmers = append(backends, b), append(inProcess, b), append(warmers, b)
		case config.TierRemote:
			b, err := scorer.NewRemoteBackend(scorer.RemoteConfig{
				URL:         cfg.RemoteURL,
				Timeout:     cfg.RemoteTimeout,
				MaxBatch:    cfg.RemoteMaxBatch,
				Concurrency: cfg.RemoteConcurrency,
				RateLimit:   cfg.RemoteRateLimit,
				Logger:      slog.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create remote backend: %w", err)
			}
			backends = append(backends, b)
		case config.TierLLM:
			llmClient := llm.NewOllamaClient(
				llm.WithBaseURL(cfg.OllamaURL),
				llm.WithModel(cfg.OllamaLLMModel),
			)
			backends = append(backends, scorer.NewLLMBackend(llmClient, scorer.WithModel(cfg.OllamaLLMModel)))
		}
	}

	chain := reranker.NewChain(backends,
		reranker.WithChainLogger(slog.Default()),
		reranker.WithObserver(m),
	)
	pipeline := reranker.NewPipeline(chain,
		reranker.WithDefaultTopK(cfg.DefaultTopK),
		reranker.WithDefaultBatchSize(cfg.DefaultBatchSize),
		reranker.WithLogger(slog.Default()),
		reranker.WithRecorder(m),
	)
	// The score endpoint never calls the remote tier, which may be this service.
	scoringChain := reranker.NewChain(inProcess,
		reranker.WithChainLogger(slog.Default()),
		reranker.WithObserver(m),
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	documentRepo := postgres.NewDocumentRepo(db)

	// Initialize Qdrant vector store
	vectorStore, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectorStore.Close()
	slog.Info("connected to Qdrant")

	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	// Retriever cache
	openers := retriever.Openers{
		retriever.KindSQLite: retriever.SQLiteOpener{},
		retriever.KindQdrant: retriever.NewQdrantOpener(vectorStore, embed),
	}
	retrievers, err := retriever.NewCache(
		retriever.NewDocumentResolver(documentRepo, slog.Default()),
		openers,
		retriever.WithLogger(slog.Default()),
		retriever.WithObserver(m),
		retriever.WithMaxAge(cfg.RetrieverMaxAge),
		retriever.WithMaxEntries(cfg.RetrieverMaxEntries),
	)
	if err != nil {
		return fmt.Errorf("failed to create retriever cache: %w", err)
	}
	defer retrievers.Close()
	go retrievers.Run(ctx, cfg.RetrieverSweepInterval)

	rerankSvc := service.NewRerankService(pipeline, retrievers,
		service.WithScoringChain(scoringChain),
		service.WithWarmers(warmers...),
		service.WithRegistries(lexicalRegistry, onnxRegistry),
		service.WithCandidates(cfg.Candidates),
		service.WithMaxScoreBatch(cfg.RemoteMaxBatch),
		service.WithBatchSize(cfg.DefaultBatchSize),
		service.WithModelName(cfg.RerankerModel),
		service.WithLogger(slog.Default()),
	)

	if cfg.PreloadModels {
		slog.Info("preloading models", "tiers", len(warmers))
		rerankSvc.Warm(ctx)
	}

	jwtManager := auth.NewJWTManager(&auth.JWTConfig{
		Secret: cfg.JWTSecret,
		Expiry: cfg.JWTExpiry,
		Issuer: "rerank-service",
	})
	admin := auth.NewAdmin(cfg.AdminAPIKey, jwtManager, slog.Default())

	grpcServer, err := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:            cfg.HTTPPort,
		Logger:          slog.Default(),
		AllowedOrigins:  []string{"*"}, // Configure in production
		Service:         rerankSvc,
		AdminMiddleware: admin.Middleware,
		Metrics:         m.Handler(),
		ReadinessChecks: map[string]server.ReadinessCheck{
			"postgres": db.Ping,
			"qdrant":   vectorStore.Health,
		},
		EvictMaxAge:     cfg.RetrieverMaxAge,
		EvictMaxEntries: cfg.RetrieverMaxEntries,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Start servers
	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	grpcServer.SetServing(true)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers...")
	grpcServer.SetServing(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.DocumentRepository = (*postgres.DocumentRepo)(nil)
	_ vectorstore.VectorStore       = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder             = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                       = (*llm.OllamaClient)(nil)
	_ service.Warmer                = (*scorer.ModelBackend)(nil)
)
