package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"time"

	"codecompass/internal/broker"
	"codecompass/internal/config"
	"codecompass/internal/indexer"
	"codecompass/internal/jobs"
	"codecompass/internal/llm"
	"codecompass/internal/rag"
	"codecompass/internal/scheduler"
	"codecompass/internal/service"
	"codecompass/internal/storage"
	"codecompass/internal/vectorstore"
	"codecompass/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// cleanups runs registered close functions in reverse order.
type cleanups []func() error

func (c *cleanups) add(f func() error) {
	*c = append(*c, f)
}

func (c cleanups) run() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
	}
}

// dialBroker connects to the relay at cfg.BrokerURL.
func dialBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("BROKER_URL is required; use the standalone command for a single process")
	}
	b, err := broker.Dial(ctx, cfg.BrokerURL, jobs.PendingChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	slog.Info("connected to broker", "url", cfg.BrokerURL)
	return b, nil
}

// openStore opens the configured similarity store.
func openStore(ctx context.Context, cfg *config.Config, c *cleanups) (vectorstore.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreQdrant:
		store, err := vectorstore.NewQdrantStore(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
		}
		c.add(store.Close)
		if err := store.EnsureCollection(ctx, cfg.VectorSize); err != nil {
			return nil, fmt.Errorf("failed to ensure Qdrant collection: %w", err)
		}
		slog.Info("Qdrant collection ready", "collection", cfg.QdrantCollection, "vector_size", cfg.VectorSize)
		return store, nil
	default:
		db, err := storage.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		c.add(db.Close)
		if err := storage.Migrate(db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("database initialized", "path", cfg.DBPath)
		return vectorstore.NewLocalStore(storage.NewChunkRepo(db), db), nil
	}
}

func newGenerator(cfg *config.Config) llm.Generator {
	if cfg.LLMProvider == config.ProviderAnthropic {
		return llm.NewAnthropicClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModelName)
	}
	return llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModelName)
}

func newEmbedder(cfg *config.Config) llm.Embedder {
	if cfg.EmbeddingProvider == config.ProviderOpenAI {
		return llm.NewOpenAIEmbedder(cfg.EmbeddingAPIKey, cfg.EmbeddingBaseURL, cfg.EmbeddingModelName, cfg.VectorSize)
	}
	return llm.NewEmbeddingsClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModelName, cfg.VectorSize)
}

// buildWorker wires the job handlers over store and registers them on a new
// Worker publishing through b.
func buildWorker(ctx context.Context, cfg *config.Config, b broker.Broker, store vectorstore.Store, c *cleanups) (*worker.Worker, error) {
	embedder := newEmbedder(cfg)

	// Fail fast when the embedding service is unreachable or misconfigured.
	sample, err := embedder.EmbedTexts(ctx, []string{"test"})
	if err != nil {
		return nil, fmt.Errorf("failed to validate embedding client: %w", err)
	}
	if len(sample) == 0 || len(sample[0]) != cfg.VectorSize {
		return nil, fmt.Errorf("embedding vector size mismatch: expected %d", cfg.VectorSize)
	}
	slog.Info("embedding client validated", "provider", cfg.EmbeddingProvider, "vector_size", cfg.VectorSize)

	generateSched, err := scheduler.New("generate", cfg.GenerationRPM)
	if err != nil {
		return nil, err
	}
	c.add(generateSched.Close)
	embedSched, err := scheduler.New("embed", cfg.EmbeddingRPM)
	if err != nil {
		return nil, err
	}
	c.add(embedSched.Close)

	retrier := scheduler.NewRetrier(scheduler.RetryPolicy{
		MaxRetries: cfg.RetryMax,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		MaxJitter:  scheduler.DefaultRetryPolicy().MaxJitter,
	})

	pipeline := indexer.NewPipeline(
		indexer.NewCodeExtractor(),
		indexer.NewSplitter(cfg.ChunkMaxLines, cfg.ChunkMaxChars, cfg.ChunkOverlapLines),
		embedder,
		store,
		embedSched,
		retrier,
		cfg.EmbedBatchSize,
		cfg.EmbeddingModelName,
	)
	retriever := rag.NewRetriever(embedder, store, embedSched, retrier)
	assistant := service.NewAssistant(retriever, newGenerator(cfg), generateSched, retrier)

	w := worker.New(b, worker.Options{
		Concurrency: cfg.WorkerConcurrency,
		QueueSize:   cfg.WorkerQueueSize,
	})
	w.Register(jobs.CommandIndex, worker.NewIndexHandler(pipeline, indexer.NewScanner(cfg.IndexRoot)))
	w.Register(jobs.CommandPlan, worker.NewPlanHandler(assistant))
	w.Register(jobs.CommandAnalyzeError, worker.NewAnalyzeErrorHandler(assistant))

	slog.Info("worker configured",
		"concurrency", cfg.WorkerConcurrency,
		"queue_size", cfg.WorkerQueueSize,
		"generation_rpm", cfg.GenerationRPM,
		"embedding_rpm", cfg.EmbeddingRPM,
		"llm_provider", cfg.LLMProvider,
		"tree_sitter", indexer.TreeSitterAvailable,
		"index_root", cfg.IndexRoot,
	)
	return w, nil
}

// serve runs handler on addr until ctx is cancelled, then shuts down.
func serve(ctx context.Context, name, addr string, handler nethttp.Handler) error {
	srv := &nethttp.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "server", name, "addr", addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server failed: %w", name, err)
	case <-ctx.Done():
		slog.Info("shutting down server", "server", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
