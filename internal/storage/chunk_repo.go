package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_chunk_store.go -package=mocks codecompass/internal/storage ChunkStore

import (
	"context"
	"database/sql"
	"fmt"
)

// ChunkStore defines the interface for chunk storage operations.
type ChunkStore interface {
	// Upsert inserts a chunk or overwrites the chunk with the same id in its project.
	Upsert(ctx context.Context, chunk *ChunkRecord) error
	// UpsertBatch upserts chunks in a single transaction.
	UpsertBatch(ctx context.Context, chunks []*ChunkRecord) error
	// Scan calls fn for every embedded chunk of a project in insertion order.
	// All rows come from one consistent read.
	Scan(ctx context.Context, ownerID, projectID string, fn func(*ChunkRecord) error) error
	// DeleteByProject removes every chunk of a project and returns how many were removed.
	DeleteByProject(ctx context.Context, ownerID, projectID string) (int64, error)
	// Stats aggregates the chunks of a project.
	Stats(ctx context.Context, ownerID, projectID string) (*ChunkStats, error)
}

// ChunkRepo provides methods for chunk operations.
// It implements the ChunkStore interface.
type ChunkRepo struct {
	db *sql.DB
}

// NewChunkRepo creates a new ChunkRepo.
func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

const upsertChunkSQL = `INSERT INTO chunks (owner_id, project_id, id, kind, source_path, name, content, embedding, dims)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (owner_id, project_id, id) DO UPDATE SET
		kind = excluded.kind,
		source_path = excluded.source_path,
		name = excluded.name,
		content = excluded.content,
		embedding = excluded.embedding,
		dims = excluded.dims,
		updated_at = CURRENT_TIMESTAMP`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertChunk(ctx context.Context, ex execer, chunk *ChunkRecord) error {
	if chunk.ID == "" {
		return fmt.Errorf("chunk id is required")
	}
	_, err := ex.ExecContext(ctx, upsertChunkSQL,
		chunk.OwnerID, chunk.ProjectID, chunk.ID, chunk.Kind, chunk.SourcePath, chunk.Name,
		chunk.Content, encodeEmbedding(chunk.Embedding), len(chunk.Embedding),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// Upsert inserts a chunk or overwrites the chunk with the same id.
// An overwritten chunk keeps its original insertion order.
func (r *ChunkRepo) Upsert(ctx context.Context, chunk *ChunkRecord) error {
	return upsertChunk(ctx, r.db, chunk)
}

// UpsertBatch upserts chunks in a single transaction. On error nothing from
// the batch is committed.
func (r *ChunkRepo) UpsertBatch(ctx context.Context, chunks []*ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, upsertChunkSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, chunk := range chunks {
		if chunk.ID == "" {
			return fmt.Errorf("chunk id is required")
		}
		if _, err := stmt.ExecContext(ctx,
			chunk.OwnerID, chunk.ProjectID, chunk.ID, chunk.Kind, chunk.SourcePath, chunk.Name,
			chunk.Content, encodeEmbedding(chunk.Embedding), len(chunk.Embedding),
		); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	return nil
}

// Scan calls fn for every chunk of a project that carries an embedding,
// ordered by insertion. Returning an error from fn stops the scan.
func (r *ChunkRepo) Scan(ctx context.Context, ownerID, projectID string, fn func(*ChunkRecord) error) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, id, kind, source_path, name, content, embedding FROM chunks
		WHERE owner_id = ? AND project_id = ? AND embedding IS NOT NULL
		ORDER BY seq`,
		ownerID, projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		rec := ChunkRecord{OwnerID: ownerID, ProjectID: projectID}
		var blob []byte
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Kind, &rec.SourcePath, &rec.Name, &rec.Content, &blob); err != nil {
			return fmt.Errorf("failed to scan chunk: %w", err)
		}
		if rec.Embedding, err = decodeEmbedding(blob); err != nil {
			return fmt.Errorf("chunk %s: %w", rec.ID, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration error: %w", err)
	}
	return nil
}

// DeleteByProject removes every chunk of a project. Deleting an empty
// project is not an error.
func (r *ChunkRepo) DeleteByProject(ctx context.Context, ownerID, projectID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM chunks WHERE owner_id = ? AND project_id = ?",
		ownerID, projectID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks by project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted chunks: %w", err)
	}
	return n, nil
}

// Stats returns the chunk count, total content length and per-kind counts of a project.
func (r *ChunkRepo) Stats(ctx context.Context, ownerID, projectID string) (*ChunkStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT kind, COUNT(*), COALESCE(SUM(LENGTH(content)), 0) FROM chunks
		WHERE owner_id = ? AND project_id = ?
		GROUP BY kind`,
		ownerID, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk stats: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	stats := &ChunkStats{ChunkTypes: make(map[string]int)}
	for rows.Next() {
		var kind string
		var count, size int
		if err := rows.Scan(&kind, &count, &size); err != nil {
			return nil, fmt.Errorf("failed to scan chunk stats: %w", err)
		}
		stats.ChunkTypes[kind] = count
		stats.TotalChunks += count
		stats.TotalSize += size
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return stats, nil
}
