package indexer

import (
	"context"
	"fmt"
	"time"

	"codecompass/internal/contextutil"
	"codecompass/internal/jobs"
	"codecompass/internal/llm"
	"codecompass/internal/scheduler"
	"codecompass/internal/vectorstore"
)

// DefaultBatchSize is the number of chunks embedded per call.
const DefaultBatchSize = 20

// ProgressFunc receives progress after each embedded batch.
type ProgressFunc func(ctx context.Context, p jobs.Progress) error

// Pipeline rebuilds a project's index: extract, split, clear, embed in
// batches, store.
type Pipeline struct {
	extractor      Extractor
	splitter       *Splitter
	embedder       llm.Embedder
	store          vectorstore.Store
	scheduler      *scheduler.Scheduler
	retrier        *scheduler.Retrier
	batchSize      int
	embeddingModel string
}

// NewPipeline creates a new indexing pipeline. Embedding calls are paced by
// sched and retried by retrier.
func NewPipeline(
	extractor Extractor,
	splitter *Splitter,
	embedder llm.Embedder,
	store vectorstore.Store,
	sched *scheduler.Scheduler,
	retrier *scheduler.Retrier,
	batchSize int,
	embeddingModel string,
) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Pipeline{
		extractor:      extractor,
		splitter:       splitter,
		embedder:       embedder,
		store:          store,
		scheduler:      sched,
		retrier:        retrier,
		batchSize:      batchSize,
		embeddingModel: embeddingModel,
	}
}

// Chunks extracts and splits files. A file the extractor rejects is indexed
// as a single file-fallback chunk.
func (p *Pipeline) Chunks(ctx context.Context, files []File) ([]vectorstore.Chunk, *RunReport) {
	logger := contextutil.LoggerFromContext(ctx)
	report := &RunReport{
		ChunkerVersion: ChunkerVersion,
		IndexVersion:   IndexVersion(p.embeddingModel, p.splitter),
	}

	var extracted []vectorstore.Chunk
	for _, f := range files {
		chunks, err := p.extractor.Extract(ctx, f)
		if err != nil {
			logger.WarnContext(ctx, "extraction failed, falling back to whole file", "path", f.Path, "error", err)
			chunks = fileFallback(f)
		}
		report.FilesProcessed++
		if len(chunks) == 1 && chunks[0].Kind == vectorstore.KindFileFallback {
			report.FilesFallback++
		}
		extracted = append(extracted, chunks...)
	}
	report.ChunksExtracted = len(extracted)

	split := p.splitter.SplitAll(extracted)
	report.ChunksSplit = len(split) - len(extracted)
	report.ChunkTokenStats = chunkTokenStats(split)
	return split, report
}

// Run replaces the project's index with the chunks of files. The prior index
// is cleared before any new chunk is written.
func (p *Pipeline) Run(ctx context.Context, ownerID, projectID string, files []File, progress ProgressFunc) (*vectorstore.Stats, error) {
	logger := contextutil.LoggerFromContext(ctx)
	start := time.Now()

	chunks, report := p.Chunks(ctx, files)
	logger.InfoContext(ctx, "starting indexing",
		"owner_id", ownerID, "project_id", projectID, "files", len(files), "chunks", len(chunks))

	if err := p.store.Clear(ctx, ownerID, projectID); err != nil {
		return nil, fmt.Errorf("failed to clear project index: %w", err)
	}

	total := len(chunks)
	for offset := 0; offset < total; offset += p.batchSize {
		end := min(offset+p.batchSize, total)
		batch := chunks[offset:end]

		vectors, err := p.embed(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunks %d-%d: %w", offset+1, end, err)
		}
		for i := range batch {
			batch[i].Embedding = vectors[i]
		}
		report.ChunksEmbedded = end

		if progress != nil {
			if err := progress(ctx, jobs.Progress{
				Current:    end,
				Total:      total,
				Message:    fmt.Sprintf("Embedded %d/%d chunks", end, total),
				Percentage: end * 100 / total,
			}); err != nil {
				return nil, fmt.Errorf("failed to report progress: %w", err)
			}
		}
	}

	if total > 0 {
		if err := p.store.PutBatch(ctx, ownerID, projectID, chunks); err != nil {
			return nil, fmt.Errorf("failed to store chunks: %w", err)
		}
	}

	stats, err := p.store.Stats(ctx, ownerID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read index stats: %w", err)
	}

	logger.InfoContext(ctx, "indexing completed",
		"owner_id", ownerID,
		"project_id", projectID,
		"files", report.FilesProcessed,
		"fallback_files", report.FilesFallback,
		"chunks", stats.TotalChunks,
		"split_extra", report.ChunksSplit,
		"token_p95", report.ChunkTokenStats.P95,
		"index_version", report.IndexVersion,
		"duration", time.Since(start),
	)
	return stats, nil
}

func (p *Pipeline) embed(ctx context.Context, batch []vectorstore.Chunk) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}

	vectors, err := scheduler.Call(ctx, p.scheduler, p.retrier, "embed", func(ctx context.Context) ([][]float32, error) {
		return p.embedder.EmbedTexts(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("embedding count mismatch: expected %d, got %d", len(batch), len(vectors))
	}
	return vectors, nil
}
