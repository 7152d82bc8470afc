package rag

import (
	"context"
	"fmt"
	"sort"

	"codecompass/internal/contextutil"
	"codecompass/internal/llm"
	"codecompass/internal/scheduler"
	"codecompass/internal/vectorstore"
)

// Retriever finds the chunks most relevant to a query within one project.
type Retriever struct {
	embedder  llm.Embedder
	store     vectorstore.Store
	scheduler *scheduler.Scheduler
	retrier   *scheduler.Retrier
}

// NewRetriever creates a Retriever. The query embedding call is paced by
// sched and retried by retrier.
func NewRetriever(embedder llm.Embedder, store vectorstore.Store, sched *scheduler.Scheduler, retrier *scheduler.Retrier) *Retriever {
	return &Retriever{
		embedder:  embedder,
		store:     store,
		scheduler: sched,
		retrier:   retrier,
	}
}

// Retrieve embeds query and returns up to k chunks, ordered by cosine
// similarity plus a small keyword bonus. A project with no index yields an
// empty slice.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, projectID, query string, k int) ([]RetrievedChunk, error) {
	logger := contextutil.LoggerFromContext(ctx)

	vectors, err := scheduler.Call(ctx, r.scheduler, r.retrier, "embed-query", func(ctx context.Context) ([][]float32, error) {
		return r.embedder.EmbedTexts(ctx, []string{query})
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to embed query", "error", err)
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned for query")
	}

	matches, err := r.store.Search(ctx, ownerID, projectID, vectors[0], k)
	if err != nil {
		logger.ErrorContext(ctx, "failed to search project index", "error", err)
		return nil, fmt.Errorf("failed to search project index: %w", err)
	}

	out := make([]RetrievedChunk, len(matches))
	for i, m := range matches {
		lex := float64(lexicalScore(query, m.Chunk.Content, m.Chunk.Name))
		chunk := m.Chunk
		chunk.Embedding = nil
		out[i] = RetrievedChunk{
			Chunk:        chunk,
			ScoreVector:  m.Score,
			ScoreLexical: lex,
			ScoreFinal:   m.Score + lex,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScoreFinal > out[j].ScoreFinal
	})
	for i := range out {
		out[i].Rank = i + 1
	}

	logger.InfoContext(ctx, "context retrieved", "k_requested", k, "results_count", len(out))
	if len(out) > 0 {
		logger.DebugContext(ctx, "top retrieved chunk", "id", out[0].Chunk.ID, "score", out[0].ScoreFinal)
	}
	return out, nil
}

// ResolveTopK returns requested when it is in range, otherwise def.
func ResolveTopK(requested, def int) int {
	if requested <= 0 {
		return def
	}
	if requested > maxTopK {
		return maxTopK
	}
	return requested
}
