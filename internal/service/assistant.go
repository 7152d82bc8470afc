// Package service runs the retrieval-augmented generation behind plan and
// analyze-error jobs.
package service

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_retriever.go -package=mocks codecompass/internal/service Retriever
//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_assistant.go -package=mocks -mock_names=Assistant=MockAssistant codecompass/internal/service Assistant

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
	"codecompass/internal/jobs"
	"codecompass/internal/llm"
	"codecompass/internal/rag"
	"codecompass/internal/scheduler"
)

// Retriever selects context chunks for a query.
// This interface is defined from the service layer's perspective (consumer-first).
type Retriever interface {
	Retrieve(ctx context.Context, ownerID, projectID, query string, k int) ([]rag.RetrievedChunk, error)
}

// Assistant answers plan and analyze-error requests, streaming generated
// text to onChunk in order.
type Assistant interface {
	// Plan streams an implementation plan for req.Query.
	Plan(ctx context.Context, ownerID, projectID string, req jobs.PlanPayload, onChunk func(chunk string) error) error
	// AnalyzeError streams a root-cause analysis for req.Error.
	AnalyzeError(ctx context.Context, ownerID, projectID string, req jobs.AnalyzeErrorPayload, onChunk func(chunk string) error) error
}

// assistantService implements Assistant.
type assistantService struct {
	retriever Retriever
	generator llm.Generator
	scheduler *scheduler.Scheduler
	retrier   *scheduler.Retrier
}

// NewAssistant creates an Assistant. Generation calls are paced by sched
// and retried by retrier.
func NewAssistant(retriever Retriever, generator llm.Generator, sched *scheduler.Scheduler, retrier *scheduler.Retrier) Assistant {
	return &assistantService{
		retriever: retriever,
		generator: generator,
		scheduler: sched,
		retrier:   retrier,
	}
}

// Plan implements Assistant.
func (s *assistantService) Plan(ctx context.Context, ownerID, projectID string, req jobs.PlanPayload, onChunk func(chunk string) error) error {
	logger := contextutil.LoggerFromContext(ctx)

	query := strings.TrimSpace(req.Query)
	if query == "" {
		logger.WarnContext(ctx, "empty query in plan request")
		return &errs.ValidationError{Field: "query", Message: "cannot be empty"}
	}

	chunks, err := s.retriever.Retrieve(ctx, ownerID, projectID, query, rag.ResolveTopK(req.TopK, rag.PlanTopK))
	if err != nil {
		return errs.WrapError(err, "failed to retrieve context")
	}

	if err := s.generate(ctx, "plan", rag.PlanPrompt(query, chunks), onChunk); err != nil {
		return err
	}
	logger.InfoContext(ctx, "plan generated", "query_length", len(query), "context_chunks", len(chunks))
	return nil
}

// AnalyzeError implements Assistant.
func (s *assistantService) AnalyzeError(ctx context.Context, ownerID, projectID string, req jobs.AnalyzeErrorPayload, onChunk func(chunk string) error) error {
	logger := contextutil.LoggerFromContext(ctx)

	if strings.TrimSpace(req.Error) == "" {
		logger.WarnContext(ctx, "empty error in analyze-error request")
		return &errs.ValidationError{Field: "error", Message: "cannot be empty"}
	}

	sig := rag.ParseErrorSignature(req.Error)
	logger.DebugContext(ctx, "parsed error signature", "type", sig.Type, "frames", len(sig.Frames))

	chunks, err := s.retriever.Retrieve(ctx, ownerID, projectID, sig.Query(), rag.ResolveTopK(req.TopK, rag.ErrorTopK))
	if err != nil {
		return errs.WrapError(err, "failed to retrieve context")
	}

	if err := s.generate(ctx, "analyze-error", rag.ErrorPrompt(req.Error, sig, req.Context, chunks), onChunk); err != nil {
		return err
	}
	logger.InfoContext(ctx, "error analysis generated", "error_type", sig.Type, "context_chunks", len(chunks))
	return nil
}

// generate streams prompt through the scheduler. A throttled attempt is
// retried only while nothing has been streamed yet.
func (s *assistantService) generate(ctx context.Context, label string, prompt llm.Prompt, onChunk func(chunk string) error) error {
	logger := contextutil.LoggerFromContext(ctx)

	var streamed atomic.Bool
	err := s.retrier.Do(ctx, label, func(ctx context.Context) error {
		_, err := s.scheduler.Schedule(ctx, label, func(ctx context.Context) (any, error) {
			return nil, s.generator.StreamChat(ctx, prompt, func(chunk string) error {
				streamed.Store(true)
				return onChunk(chunk)
			})
		}).Await(ctx)
		if err != nil && streamed.Load() {
			if _, throttled := errs.IsThrottle(err); throttled {
				return fmt.Errorf("generation interrupted after partial output: %v", err)
			}
		}
		return err
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to stream generation", "label", label, "error", err)
		return errs.WrapError(err, "failed to stream LLM response")
	}
	return nil
}
