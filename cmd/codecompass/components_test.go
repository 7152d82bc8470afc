package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codecompass/internal/broker"
	"codecompass/internal/config"
	"codecompass/internal/jobs"
	"codecompass/internal/llm"
)

const testVectorSize = 3

// embeddingServer answers /v1/embeddings with vectors of size dims.
func embeddingServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llm.EmbeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode embeddings request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := llm.EmbeddingsResponse{}
		for i, text := range req.Input {
			vec := make([]float64, dims)
			for d := range vec {
				vec[d] = float64(len(text)%7+d) + 1
			}
			resp.Data = append(resp.Data, llm.EmbeddingData{Index: i, Embedding: vec})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// generationServer streams a fixed two-chunk completion.
func generationServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Add a retrier ", "around Open."} {
			_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"` + c + `"}}]}` + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, embedURL, llmURL string) *config.Config {
	t.Helper()
	return &config.Config{
		StoreBackend:       config.StoreSQLite,
		DBPath:             filepath.Join(t.TempDir(), "index.db"),
		VectorSize:         testVectorSize,
		LLMProvider:        config.ProviderOpenAICompatible,
		LLMBaseURL:         llmURL,
		LLMModelName:       "test-llm",
		EmbeddingProvider:  config.ProviderOpenAICompatible,
		EmbeddingBaseURL:   embedURL,
		EmbeddingModelName: "test-embed",
		GenerationRPM:      6000,
		EmbeddingRPM:       6000,
		RetryMax:           1,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      time.Millisecond,
		WorkerConcurrency:  2,
		WorkerQueueSize:    4,
		EmbedBatchSize:     2,
		ChunkMaxLines:      100,
		ChunkMaxChars:      4000,
		ChunkOverlapLines:  5,
	}
}

// runJob publishes job and returns its results up to the terminal one.
func runJob(t *testing.T, b broker.Broker, job jobs.Job) []jobs.Result {
	t.Helper()
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, jobs.ResultChannel(job.JobID))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	raw, err := jobs.EncodeJob(job)
	if err != nil {
		t.Fatalf("EncodeJob() error = %v", err)
	}
	if err := b.Publish(ctx, jobs.PendingChannel, raw); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var out []jobs.Result
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-sub.Messages():
			r, err := jobs.DecodeResult(msg)
			if err != nil {
				t.Fatalf("DecodeResult() error = %v", err)
			}
			out = append(out, r)
			if r.Type.Terminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, got %d results", job.JobID, len(out))
		}
	}
}

func TestBuildWorker_RunsIndexAndPlan(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, embeddingServer(t, testVectorSize).URL, generationServer(t).URL)

	var c cleanups
	defer c.run()

	b := broker.NewMemoryBroker(jobs.PendingChannel)
	c.add(b.Close)

	store, err := openStore(ctx, cfg, &c)
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	w, err := buildWorker(ctx, cfg, b, store, &c)
	if err != nil {
		t.Fatalf("buildWorker() error = %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	index, _ := json.Marshal(jobs.IndexPayload{Files: []jobs.SourceFile{{
		Path:    "svc/open.go",
		Content: "package svc\n\nfunc Open() error {\n\treturn nil\n}\n",
	}}})
	results := runJob(t, b, jobs.Job{
		JobID: "idx-1", ConnectionID: "c1", OwnerID: "o1", ProjectID: "p1",
		Command: jobs.CommandIndex, Data: index,
	})
	if last := results[len(results)-1]; last.Type != jobs.ResultComplete {
		t.Fatalf("index ended with %s: %s", last.Type, last.Data)
	}

	plan, _ := json.Marshal(jobs.PlanPayload{Query: "add retries to Open"})
	results = runJob(t, b, jobs.Job{
		JobID: "plan-1", ConnectionID: "c1", OwnerID: "o1", ProjectID: "p1",
		Command: jobs.CommandPlan, Data: plan,
	})
	if last := results[len(results)-1]; last.Type != jobs.ResultComplete {
		t.Fatalf("plan ended with %s: %s", last.Type, last.Data)
	}
	var text strings.Builder
	for _, r := range results[:len(results)-1] {
		var chunk jobs.TextChunkPayload
		if err := json.Unmarshal(r.Data, &chunk); err != nil {
			t.Fatalf("unmarshal chunk: %v", err)
		}
		text.WriteString(chunk.Chunk)
	}
	if text.String() != "Add a retrier around Open." {
		t.Errorf("streamed plan = %q", text.String())
	}

	// Root paths are refused when no index root is configured.
	rooted, _ := json.Marshal(jobs.IndexPayload{RootPath: "."})
	results = runJob(t, b, jobs.Job{
		JobID: "idx-2", ConnectionID: "c1", OwnerID: "o1", ProjectID: "p1",
		Command: jobs.CommandIndex, Data: rooted,
	})
	if last := results[len(results)-1]; last.Type != jobs.ResultError {
		t.Errorf("root path index ended with %s, want error", last.Type)
	}
}

func TestBuildWorker_RejectsVectorSizeMismatch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, embeddingServer(t, testVectorSize+1).URL, generationServer(t).URL)

	var c cleanups
	defer c.run()

	b := broker.NewMemoryBroker(jobs.PendingChannel)
	c.add(b.Close)
	store, err := openStore(ctx, cfg, &c)
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	if _, err := buildWorker(ctx, cfg, b, store, &c); err == nil {
		t.Error("buildWorker() expected error for mismatched embedding size, got nil")
	}
}

func TestCleanupsRunInReverse(t *testing.T) {
	var order []int
	var c cleanups
	for i := 1; i <= 3; i++ {
		c.add(func() error {
			order = append(order, i)
			return nil
		})
	}
	c.run()
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("cleanup order = %v, want [3 2 1]", order)
	}
}
