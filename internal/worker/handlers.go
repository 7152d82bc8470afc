package worker

import (
	"context"
	"fmt"

	"codecompass/internal/errs"
	"codecompass/internal/indexer"
	"codecompass/internal/jobs"
	"codecompass/internal/service"
	"codecompass/internal/vectorstore"
)

// Indexer rebuilds a project's index from files.
type Indexer interface {
	Run(ctx context.Context, ownerID, projectID string, files []indexer.File, progress indexer.ProgressFunc) (*vectorstore.Stats, error)
}

// FileSource lists the indexable files under a worker-visible root. It
// rejects roots the worker does not serve with an errs.ValidationError.
type FileSource interface {
	Scan(ctx context.Context, root string) ([]indexer.File, error)
}

// IndexHandler handles index jobs.
type IndexHandler struct {
	indexer Indexer
	files   FileSource
}

// NewIndexHandler creates an IndexHandler. files is used when a job names a
// root path instead of shipping files inline.
func NewIndexHandler(idx Indexer, files FileSource) *IndexHandler {
	return &IndexHandler{indexer: idx, files: files}
}

// Handle implements Handler.
func (h *IndexHandler) Handle(ctx context.Context, job jobs.Job, payload jobs.Payload, stream StreamFunc) (any, error) {
	req, ok := payload.(jobs.IndexPayload)
	if !ok {
		return nil, fmt.Errorf("index handler got %T payload", payload)
	}

	files, err := h.collect(ctx, req)
	if err != nil {
		return nil, err
	}

	stats, err := h.indexer.Run(ctx, job.OwnerID, job.ProjectID, files, func(ctx context.Context, p jobs.Progress) error {
		return stream(ctx, jobs.ProgressPayload{Progress: p})
	})
	if err != nil {
		return nil, err
	}

	return jobs.IndexCompletePayload{
		Message: fmt.Sprintf("Indexed %d chunks from %d files", stats.TotalChunks, len(files)),
		Stats: jobs.IndexStats{
			TotalChunks: stats.TotalChunks,
			TotalSize:   stats.TotalSize,
			ChunkTypes:  stats.ChunkTypes,
		},
	}, nil
}

func (h *IndexHandler) collect(ctx context.Context, req jobs.IndexPayload) ([]indexer.File, error) {
	if len(req.Files) > 0 {
		files := make([]indexer.File, 0, len(req.Files))
		for _, f := range req.Files {
			files = append(files, indexer.File{Path: f.Path, Content: []byte(f.Content)})
		}
		return files, nil
	}
	if h.files == nil {
		return nil, &errs.ValidationError{Field: "rootPath", Message: "indexing by root path is not supported by this worker; send files inline"}
	}
	return h.files.Scan(ctx, req.RootPath)
}

// NewPlanHandler streams assistant.Plan output as text chunks.
func NewPlanHandler(assistant service.Assistant) Handler {
	return HandlerFunc(func(ctx context.Context, job jobs.Job, payload jobs.Payload, stream StreamFunc) (any, error) {
		req, ok := payload.(jobs.PlanPayload)
		if !ok {
			return nil, fmt.Errorf("plan handler got %T payload", payload)
		}
		if err := assistant.Plan(ctx, job.OwnerID, job.ProjectID, req, textStream(ctx, stream)); err != nil {
			return nil, err
		}
		return jobs.DonePayload{Done: true}, nil
	})
}

// NewAnalyzeErrorHandler streams assistant.AnalyzeError output as text chunks.
func NewAnalyzeErrorHandler(assistant service.Assistant) Handler {
	return HandlerFunc(func(ctx context.Context, job jobs.Job, payload jobs.Payload, stream StreamFunc) (any, error) {
		req, ok := payload.(jobs.AnalyzeErrorPayload)
		if !ok {
			return nil, fmt.Errorf("analyze-error handler got %T payload", payload)
		}
		if err := assistant.AnalyzeError(ctx, job.OwnerID, job.ProjectID, req, textStream(ctx, stream)); err != nil {
			return nil, err
		}
		return jobs.DonePayload{Done: true}, nil
	})
}

func textStream(ctx context.Context, stream StreamFunc) func(string) error {
	return func(chunk string) error {
		return stream(ctx, jobs.TextChunkPayload{Chunk: chunk})
	}
}
