package vectorstore

import (
	"context"
	"fmt"

	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
	"codecompass/internal/storage"
)

// pinger is satisfied by *sql.DB.
type pinger interface {
	PingContext(ctx context.Context) error
}

// LocalStore implements Store over the SQLite chunk table with a brute-force
// cosine scan. Ties rank by insertion order.
type LocalStore struct {
	repo storage.ChunkStore
	db   pinger
}

// NewLocalStore creates a LocalStore. db may be nil, in which case Ping
// always succeeds.
func NewLocalStore(repo storage.ChunkStore, db pinger) *LocalStore {
	return &LocalStore{repo: repo, db: db}
}

// Put stores one chunk.
func (s *LocalStore) Put(ctx context.Context, ownerID, projectID string, chunk Chunk) error {
	if err := validateChunks([]Chunk{chunk}); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, toRecord(ownerID, projectID, chunk)); err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to store chunk", "owner_id", ownerID, "project_id", projectID, "chunk_id", chunk.ID, "error", err)
		return errs.Wrap(errs.ErrStoreUnavailable, err)
	}
	return nil
}

func toRecord(ownerID, projectID string, c Chunk) *storage.ChunkRecord {
	return &storage.ChunkRecord{
		OwnerID:    ownerID,
		ProjectID:  projectID,
		ID:         c.ID,
		Kind:       string(c.Kind),
		SourcePath: c.SourcePath,
		Name:       c.Name,
		Content:    c.Content,
		Embedding:  c.Embedding,
	}
}

// PutBatch stores chunks in one transaction.
func (s *LocalStore) PutBatch(ctx context.Context, ownerID, projectID string, chunks []Chunk) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(chunks) == 0 {
		return nil
	}
	if err := validateChunks(chunks); err != nil {
		return err
	}

	records := make([]*storage.ChunkRecord, 0, len(chunks))
	for _, c := range chunks {
		records = append(records, toRecord(ownerID, projectID, c))
	}

	if err := s.repo.UpsertBatch(ctx, records); err != nil {
		logger.ErrorContext(ctx, "failed to store chunks", "owner_id", ownerID, "project_id", projectID, "count", len(chunks), "error", err)
		return errs.Wrap(errs.ErrStoreUnavailable, err)
	}

	logger.InfoContext(ctx, "stored chunks", "owner_id", ownerID, "project_id", projectID, "count", len(chunks))
	return nil
}

// Search scans every embedded chunk of the project and keeps the k most similar.
// Chunks whose embedding dimension differs from the query are skipped.
func (s *LocalStore) Search(ctx context.Context, ownerID, projectID string, query []float32, k int) ([]Match, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateQuery(query, k); err != nil {
		return nil, err
	}

	best := newTopK(k)
	scanned, skipped := 0, 0
	err := s.repo.Scan(ctx, ownerID, projectID, func(rec *storage.ChunkRecord) error {
		scanned++
		score, ok := Cosine(query, rec.Embedding)
		if !ok {
			skipped++
			return nil
		}
		best.offer(Match{Chunk: fromRecord(rec), Score: score})
		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to scan chunks", "owner_id", ownerID, "project_id", projectID, "error", err)
		return nil, errs.Wrap(errs.ErrStoreUnavailable, err)
	}

	if skipped > 0 {
		logger.WarnContext(ctx, "skipped chunks with incompatible embeddings", "project_id", projectID, "skipped", skipped, "query_dims", len(query))
	}
	logger.DebugContext(ctx, "search completed", "project_id", projectID, "k", k, "scanned", scanned, "results", len(best.result()))
	return best.result(), nil
}

// Clear removes every chunk of the project.
func (s *LocalStore) Clear(ctx context.Context, ownerID, projectID string) error {
	logger := contextutil.LoggerFromContext(ctx)

	n, err := s.repo.DeleteByProject(ctx, ownerID, projectID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to clear project index", "owner_id", ownerID, "project_id", projectID, "error", err)
		return errs.Wrap(errs.ErrStoreUnavailable, err)
	}
	logger.InfoContext(ctx, "cleared project index", "owner_id", ownerID, "project_id", projectID, "removed", n)
	return nil
}

// Stats aggregates the project's chunks.
func (s *LocalStore) Stats(ctx context.Context, ownerID, projectID string) (*Stats, error) {
	st, err := s.repo.Stats(ctx, ownerID, projectID)
	if err != nil {
		return nil, errs.Wrap(errs.ErrStoreUnavailable, err)
	}
	return &Stats{
		TotalChunks: st.TotalChunks,
		TotalSize:   st.TotalSize,
		ChunkTypes:  st.ChunkTypes,
	}, nil
}

// Ping checks the database connection.
func (s *LocalStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.ErrStoreUnavailable, fmt.Errorf("failed to ping database: %w", err))
	}
	return nil
}

func fromRecord(rec *storage.ChunkRecord) Chunk {
	return Chunk{
		ID:         rec.ID,
		Content:    rec.Content,
		Kind:       Kind(rec.Kind),
		SourcePath: rec.SourcePath,
		Name:       rec.Name,
		Embedding:  rec.Embedding,
	}
}
