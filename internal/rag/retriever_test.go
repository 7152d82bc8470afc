package rag

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"codecompass/internal/errs"
	llmmocks "codecompass/internal/llm/mocks"
	"codecompass/internal/scheduler"
	"codecompass/internal/vectorstore"
	storemocks "codecompass/internal/vectorstore/mocks"
)

func newTestRetriever(t *testing.T, embedder *llmmocks.MockEmbedder, store *storemocks.MockStore) *Retriever {
	t.Helper()
	sched := scheduler.NewWithInterval("test", time.Millisecond)
	t.Cleanup(func() {
		_ = sched.Close()
	})
	return NewRetriever(embedder, store, sched, scheduler.NewRetrier(scheduler.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
}

func TestRetriever_Retrieve(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	embedder := llmmocks.NewMockEmbedder(ctrl)
	store := storemocks.NewMockStore(ctrl)

	query := []float32{1, 0}
	embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"session refresh"}).Return([][]float32{query}, nil)
	store.EXPECT().Search(gomock.Any(), "owner", "proj", query, 3).Return([]vectorstore.Match{
		{Chunk: vectorstore.Chunk{ID: "a", Name: "parseConfig", Content: "func parseConfig() {}", Embedding: []float32{1, 0}}, Score: 0.80},
		{Chunk: vectorstore.Chunk{ID: "b", Name: "RefreshSession", Content: "func RefreshSession() { session.refresh() }"}, Score: 0.78},
		{Chunk: vectorstore.Chunk{ID: "c", Name: "helper", Content: "func helper() {}"}, Score: 0.10},
	}, nil)

	r := newTestRetriever(t, embedder, store)
	got, err := r.Retrieve(ctx, "owner", "proj", "session refresh", 3)
	if err != nil {
		t.Fatalf("Retrieve() unexpected error: %v", err)
	}

	wantIDs := []string{"b", "a", "c"}
	if len(got) != len(wantIDs) {
		t.Fatalf("Retrieve() returned %d chunks, want %d", len(got), len(wantIDs))
	}
	for i, c := range got {
		if c.Chunk.ID != wantIDs[i] {
			t.Errorf("rank %d = %q, want %q", i+1, c.Chunk.ID, wantIDs[i])
		}
		if c.Rank != i+1 {
			t.Errorf("Rank = %d, want %d", c.Rank, i+1)
		}
		if c.Chunk.Embedding != nil {
			t.Errorf("chunk %q still carries its embedding", c.Chunk.ID)
		}
		if c.ScoreFinal != c.ScoreVector+c.ScoreLexical {
			t.Errorf("ScoreFinal = %v, want vector + lexical", c.ScoreFinal)
		}
	}
	if got[0].ScoreLexical <= 0 {
		t.Errorf("ScoreLexical = %v, want keyword bonus for RefreshSession", got[0].ScoreLexical)
	}
}

func TestRetriever_EmptyProject(t *testing.T) {
	ctrl := gomock.NewController(t)
	embedder := llmmocks.NewMockEmbedder(ctrl)
	store := storemocks.NewMockStore(ctrl)

	embedder.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).Return([][]float32{{1}}, nil)
	store.EXPECT().Search(gomock.Any(), "o", "p", gomock.Any(), PlanTopK).Return([]vectorstore.Match{}, nil)

	got, err := newTestRetriever(t, embedder, store).Retrieve(context.Background(), "o", "p", "anything", PlanTopK)
	if err != nil {
		t.Fatalf("Retrieve() unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Retrieve() = %v, want empty", got)
	}
}

func TestRetriever_Errors(t *testing.T) {
	storeErr := errs.Wrap(errs.ErrStoreUnavailable, errors.New("disk I/O error"))

	tests := []struct {
		name    string
		setup   func(e *llmmocks.MockEmbedder, s *storemocks.MockStore)
		wantErr error
	}{
		{
			name: "embedding failure",
			setup: func(e *llmmocks.MockEmbedder, s *storemocks.MockStore) {
				e.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).Return(nil, errors.New("bad request"))
			},
		},
		{
			name: "no embedding returned",
			setup: func(e *llmmocks.MockEmbedder, s *storemocks.MockStore) {
				e.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).Return([][]float32{}, nil)
			},
		},
		{
			name: "throttled until exhausted",
			setup: func(e *llmmocks.MockEmbedder, s *storemocks.MockStore) {
				e.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).Return(nil, &errs.ThrottleError{}).Times(2)
			},
			wantErr: errs.ErrRateLimited,
		},
		{
			name: "store unavailable",
			setup: func(e *llmmocks.MockEmbedder, s *storemocks.MockStore) {
				e.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).Return([][]float32{{1}}, nil)
				s.EXPECT().Search(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, storeErr)
			},
			wantErr: errs.ErrStoreUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			embedder := llmmocks.NewMockEmbedder(ctrl)
			store := storemocks.NewMockStore(ctrl)
			tt.setup(embedder, store)

			_, err := newTestRetriever(t, embedder, store).Retrieve(context.Background(), "o", "p", "q", 5)
			if err == nil {
				t.Fatal("Retrieve() expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Retrieve() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveTopK(t *testing.T) {
	tests := []struct {
		requested, def, want int
	}{
		{0, PlanTopK, PlanTopK},
		{-1, ErrorTopK, ErrorTopK},
		{7, PlanTopK, 7},
		{500, PlanTopK, maxTopK},
	}
	for _, tt := range tests {
		if got := ResolveTopK(tt.requested, tt.def); got != tt.want {
			t.Errorf("ResolveTopK(%d, %d) = %d, want %d", tt.requested, tt.def, got, tt.want)
		}
	}
}
