package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"codecompass/internal/broker"
	"codecompass/internal/errs"
	"codecompass/internal/indexer"
	indexermocks "codecompass/internal/indexer/mocks"
	"codecompass/internal/jobs"
	llmmocks "codecompass/internal/llm/mocks"
	"codecompass/internal/scheduler"
	servicemocks "codecompass/internal/service/mocks"
	"codecompass/internal/storage"
	"codecompass/internal/vectorstore"
	"codecompass/internal/worker"
)

const resultWait = 2 * time.Second

type harness struct {
	t      *testing.T
	broker *broker.MemoryBroker
	worker *worker.Worker
}

func newHarness(t *testing.T, register func(w *worker.Worker)) *harness {
	t.Helper()
	return newHarnessWith(t, worker.Options{Concurrency: 4, QueueSize: 8}, register)
}

func newHarnessWith(t *testing.T, opts worker.Options, register func(w *worker.Worker)) *harness {
	t.Helper()
	b := broker.NewMemoryBroker(jobs.PendingChannel)
	t.Cleanup(func() { _ = b.Close() })
	w := startWorker(t, b, opts, register)
	return &harness{t: t, broker: b, worker: w}
}

func startWorker(t *testing.T, b broker.Broker, opts worker.Options, register func(w *worker.Worker)) *worker.Worker {
	t.Helper()
	w := worker.New(b, opts)
	register(w)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() unexpected error: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

// submit subscribes to the job's result channel, then publishes the job.
func (h *harness) submit(job jobs.Job) broker.Subscription {
	h.t.Helper()
	ctx := context.Background()
	sub, err := h.broker.Subscribe(ctx, jobs.ResultChannel(job.JobID))
	if err != nil {
		h.t.Fatalf("Subscribe() unexpected error: %v", err)
	}
	h.t.Cleanup(func() { _ = sub.Close() })

	raw, err := jobs.EncodeJob(job)
	if err != nil {
		h.t.Fatalf("EncodeJob() unexpected error: %v", err)
	}
	if err := h.broker.Publish(ctx, jobs.PendingChannel, raw); err != nil {
		h.t.Fatalf("Publish() unexpected error: %v", err)
	}
	return sub
}

// collect reads results up to the terminal one, then checks nothing follows it.
func (h *harness) collect(sub broker.Subscription) []jobs.Result {
	h.t.Helper()
	var out []jobs.Result
	timeout := time.After(resultWait)
	for {
		select {
		case msg := <-sub.Messages():
			r, err := jobs.DecodeResult(msg)
			if err != nil {
				h.t.Fatalf("DecodeResult() unexpected error: %v", err)
			}
			out = append(out, r)
			if r.Type.Terminal() {
				select {
				case extra := <-sub.Messages():
					h.t.Errorf("result after terminal: %s", extra)
				case <-time.After(50 * time.Millisecond):
				}
				return out
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for terminal result, got %d results", len(out))
		}
	}
}

func newJob(id string, cmd jobs.Command, data any) jobs.Job {
	raw, _ := json.Marshal(data)
	return jobs.Job{
		JobID:        id,
		ConnectionID: "conn-1",
		OwnerID:      "owner",
		ProjectID:    "proj",
		Command:      cmd,
		Data:         raw,
	}
}

func errorMessage(t *testing.T, r jobs.Result) string {
	t.Helper()
	var p jobs.ErrorPayload
	if err := json.Unmarshal(r.Data, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return p.Message
}

func newStore(t *testing.T) *vectorstore.LocalStore {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("storage.Migrate() error = %v", err)
	}
	return vectorstore.NewLocalStore(storage.NewChunkRepo(db), db)
}

func TestWorker_IndexJob(t *testing.T) {
	ctrl := gomock.NewController(t)

	extractor := indexermocks.NewMockExtractor(ctrl)
	extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, f indexer.File) ([]vectorstore.Chunk, error) {
			return []vectorstore.Chunk{
				{ID: "svc.go:Open:1", Kind: vectorstore.KindFunction, SourcePath: f.Path, Name: "Open", Content: "func Open() {}"},
				{ID: "svc.go:Close:2", Kind: vectorstore.KindFunction, SourcePath: f.Path, Name: "Close", Content: "func Close() {}"},
				{ID: "svc.go:Reset:3", Kind: vectorstore.KindFunction, SourcePath: f.Path, Name: "Reset", Content: "func Reset() {}"},
				{ID: "svc.go:Service:4", Kind: vectorstore.KindClass, SourcePath: f.Path, Name: "Service", Content: "type Service struct{}"},
			}, nil
		})
	embedder := llmmocks.NewMockEmbedder(ctrl)
	embedder.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, float32(i)}
			}
			return out, nil
		}).Times(2)

	sched := scheduler.NewWithInterval("embed", time.Millisecond)
	t.Cleanup(func() { _ = sched.Close() })
	retrier := scheduler.NewRetrier(scheduler.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	store := newStore(t)
	pipeline := indexer.NewPipeline(extractor, indexer.NewSplitter(100, 4000, 5), embedder, store, sched, retrier, 2, "test-model")

	h := newHarness(t, func(w *worker.Worker) {
		w.Register(jobs.CommandIndex, worker.NewIndexHandler(pipeline, indexer.NewScanner("")))
	})

	sub := h.submit(newJob("job-index", jobs.CommandIndex, jobs.IndexPayload{
		Files: []jobs.SourceFile{{Path: "svc.go", Content: "package svc"}},
	}))
	results := h.collect(sub)

	last := results[len(results)-1]
	if last.Type != jobs.ResultComplete {
		t.Fatalf("terminal type = %s (%s), want complete", last.Type, last.Data)
	}
	streams := results[:len(results)-1]
	if len(streams) == 0 {
		t.Fatal("no progress results before completion")
	}
	prev := 0
	for i, r := range streams {
		if r.Type != jobs.ResultStream {
			t.Fatalf("result[%d] type = %s, want stream", i, r.Type)
		}
		var p jobs.ProgressPayload
		if err := json.Unmarshal(r.Data, &p); err != nil {
			t.Fatalf("unmarshal progress: %v", err)
		}
		if p.Progress.Current <= prev || p.Progress.Total != 4 {
			t.Errorf("progress[%d] = %+v, want increasing current of 4", i, p.Progress)
		}
		prev = p.Progress.Current
	}

	var done jobs.IndexCompletePayload
	if err := json.Unmarshal(last.Data, &done); err != nil {
		t.Fatalf("unmarshal complete: %v", err)
	}
	if done.Stats.TotalChunks != 4 {
		t.Errorf("stats.totalChunks = %d, want 4", done.Stats.TotalChunks)
	}
	if done.Stats.ChunkTypes["function"] != 3 || done.Stats.ChunkTypes["class"] != 1 {
		t.Errorf("stats.chunkTypes = %v, want 3 functions and 1 class", done.Stats.ChunkTypes)
	}
}

func TestWorker_PlanJobStreamsChunks(t *testing.T) {
	ctrl := gomock.NewController(t)
	assistant := servicemocks.NewMockAssistant(ctrl)
	assistant.EXPECT().Plan(gomock.Any(), "owner", "proj", jobs.PlanPayload{Query: "add retries"}, gomock.Any()).DoAndReturn(
		func(ctx context.Context, owner, project string, req jobs.PlanPayload, onChunk func(string) error) error {
			for _, c := range []string{"1. Wrap ", "the client ", "in a retrier."} {
				if err := onChunk(c); err != nil {
					return err
				}
			}
			return nil
		})

	h := newHarness(t, func(w *worker.Worker) {
		w.Register(jobs.CommandPlan, worker.NewPlanHandler(assistant))
	})
	results := h.collect(h.submit(newJob("job-plan", jobs.CommandPlan, jobs.PlanPayload{Query: "add retries"})))

	var text strings.Builder
	for _, r := range results[:len(results)-1] {
		var c jobs.TextChunkPayload
		if err := json.Unmarshal(r.Data, &c); err != nil {
			t.Fatalf("unmarshal chunk: %v", err)
		}
		text.WriteString(c.Chunk)
	}
	if text.String() != "1. Wrap the client in a retrier." {
		t.Errorf("streamed text = %q", text.String())
	}
	last := results[len(results)-1]
	if last.Type != jobs.ResultComplete || string(last.Data) != `{"done":true}` {
		t.Errorf("terminal = %s %s, want complete {\"done\":true}", last.Type, last.Data)
	}
}

func TestWorker_HandlerPanicYieldsOneErrorAndWorkerContinues(t *testing.T) {
	ctrl := gomock.NewController(t)
	assistant := servicemocks.NewMockAssistant(ctrl)
	assistant.EXPECT().AnalyzeError(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, owner, project string, req jobs.AnalyzeErrorPayload, onChunk func(string) error) error {
			_ = onChunk("partial")
			panic("nil map write")
		})
	assistant.EXPECT().Plan(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	h := newHarness(t, func(w *worker.Worker) {
		w.Register(jobs.CommandPlan, worker.NewPlanHandler(assistant))
		w.Register(jobs.CommandAnalyzeError, worker.NewAnalyzeErrorHandler(assistant))
	})

	results := h.collect(h.submit(newJob("job-crash", jobs.CommandAnalyzeError, jobs.AnalyzeErrorPayload{Error: "panic: x"})))
	var terminals int
	for _, r := range results {
		if r.Type.Terminal() {
			terminals++
		}
	}
	last := results[len(results)-1]
	if terminals != 1 || last.Type != jobs.ResultError {
		t.Fatalf("results = %+v, want exactly one error terminal", results)
	}
	if msg := errorMessage(t, last); !strings.Contains(msg, "nil map write") {
		t.Errorf("error message = %q, want panic value", msg)
	}

	next := h.collect(h.submit(newJob("job-after", jobs.CommandPlan, jobs.PlanPayload{Query: "q"})))
	if next[len(next)-1].Type != jobs.ResultComplete {
		t.Errorf("job after panic ended with %s, want complete", next[len(next)-1].Type)
	}
}

func TestWorker_ErrorResults(t *testing.T) {
	tests := []struct {
		name    string
		job     jobs.Job
		handler worker.HandlerFunc
		wantMsg string
	}{
		{
			name:    "unknown command",
			job:     newJob("job-unknown", "refactor", map[string]string{}),
			wantMsg: "unknown command",
		},
		{
			name:    "invalid payload",
			job:     newJob("job-invalid", jobs.CommandPlan, map[string]int{"topK": 3}),
			wantMsg: "query",
		},
		{
			name: "rate limited keeps guidance",
			job:  newJob("job-throttled", jobs.CommandPlan, jobs.PlanPayload{Query: "q"}),
			handler: func(ctx context.Context, job jobs.Job, p jobs.Payload, stream worker.StreamFunc) (any, error) {
				return nil, &errs.RateLimitedError{Label: "plan", Attempts: 6, Err: &errs.ThrottleError{}}
			},
			wantMsg: errs.RateLimitGuidance,
		},
		{
			name: "store failure",
			job:  newJob("job-store", jobs.CommandPlan, jobs.PlanPayload{Query: "q"}),
			handler: func(ctx context.Context, job jobs.Job, p jobs.Payload, stream worker.StreamFunc) (any, error) {
				return nil, errs.Wrap(errs.ErrStoreUnavailable, errors.New("disk I/O error"))
			},
			wantMsg: "disk I/O error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(w *worker.Worker) {
				if tt.handler != nil {
					w.Register(jobs.CommandPlan, tt.handler)
				}
			})
			results := h.collect(h.submit(tt.job))
			if len(results) != 1 || results[0].Type != jobs.ResultError {
				t.Fatalf("results = %+v, want a single error", results)
			}
			if msg := errorMessage(t, results[0]); !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("error message = %q, want it to contain %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestWorker_DropsDuplicateDelivery(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(w *worker.Worker) {
		w.Register(jobs.CommandPlan, worker.HandlerFunc(func(ctx context.Context, job jobs.Job, p jobs.Payload, stream worker.StreamFunc) (any, error) {
			calls.Add(1)
			return jobs.DonePayload{Done: true}, nil
		}))
	})

	job := newJob("job-dup", jobs.CommandPlan, jobs.PlanPayload{Query: "q"})
	sub := h.submit(job)
	raw, _ := jobs.EncodeJob(job)
	if err := h.broker.Publish(context.Background(), jobs.PendingChannel, raw); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	h.collect(sub)
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestWorker_SerializesIndexPerProject(t *testing.T) {
	idx := &trackingIndexer{delay: 30 * time.Millisecond}
	h := newHarness(t, func(w *worker.Worker) {
		w.Register(jobs.CommandIndex, worker.NewIndexHandler(idx, nil))
	})

	payload := jobs.IndexPayload{Files: []jobs.SourceFile{{Path: "a.go", Content: "package a"}}}
	same1 := newJob("idx-1", jobs.CommandIndex, payload)
	same2 := newJob("idx-2", jobs.CommandIndex, payload)
	other := newJob("idx-3", jobs.CommandIndex, payload)
	other.ProjectID = "other"

	subs := []broker.Subscription{h.submit(same1), h.submit(same2), h.submit(other)}
	for _, sub := range subs {
		results := h.collect(sub)
		if results[len(results)-1].Type != jobs.ResultComplete {
			t.Errorf("index job ended with %s", results[len(results)-1].Type)
		}
	}

	if idx.peakSame() > 1 {
		t.Errorf("concurrent index runs for one project = %d, want 1", idx.peakSame())
	}
	if idx.peakAll() < 2 {
		t.Errorf("index runs across projects never overlapped (peak %d)", idx.peakAll())
	}
}

func TestWorker_StartFailsWhenBrokerClosed(t *testing.T) {
	b := broker.NewMemoryBroker()
	_ = b.Close()
	w := worker.New(b, worker.Options{Concurrency: 1})
	if err := w.Start(context.Background()); !errors.Is(err, errs.ErrBrokerUnavailable) {
		t.Errorf("Start() error = %v, want ErrBrokerUnavailable", err)
	}
	w.Stop()
}

func TestWorker_PublishesWithoutListener(t *testing.T) {
	done := make(chan struct{})
	h := newHarness(t, func(w *worker.Worker) {
		w.Register(jobs.CommandPlan, worker.HandlerFunc(func(ctx context.Context, job jobs.Job, p jobs.Payload, stream worker.StreamFunc) (any, error) {
			defer close(done)
			if err := stream(ctx, jobs.TextChunkPayload{Chunk: "nobody reads this"}); err != nil {
				t.Errorf("stream() with no listener error = %v", err)
			}
			return jobs.DonePayload{Done: true}, nil
		}))
	})

	raw, _ := jobs.EncodeJob(newJob("job-orphan", jobs.CommandPlan, jobs.PlanPayload{Query: "q"}))
	if err := h.broker.Publish(context.Background(), jobs.PendingChannel, raw); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(resultWait):
		t.Fatal("job with no result listener never ran")
	}
}

func TestWorker_WaitingIndexJobsDoNotHoldPoolSlots(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	h := newHarnessWith(t, worker.Options{Concurrency: 2, QueueSize: 8}, func(w *worker.Worker) {
		w.Register(jobs.CommandIndex, worker.HandlerFunc(func(ctx context.Context, job jobs.Job, p jobs.Payload, stream worker.StreamFunc) (any, error) {
			mu.Lock()
			order = append(order, "start "+job.JobID)
			mu.Unlock()
			<-release
			mu.Lock()
			order = append(order, "end "+job.JobID)
			mu.Unlock()
			return jobs.DonePayload{Done: true}, nil
		}))
		w.Register(jobs.CommandPlan, worker.HandlerFunc(func(ctx context.Context, job jobs.Job, p jobs.Payload, stream worker.StreamFunc) (any, error) {
			return jobs.DonePayload{Done: true}, nil
		}))
	})

	payload := jobs.IndexPayload{Files: []jobs.SourceFile{{Path: "a.go", Content: "package a"}}}
	first := h.submit(newJob("idx-1", jobs.CommandIndex, payload))
	second := h.submit(newJob("idx-2", jobs.CommandIndex, payload))

	plan := newJob("plan-1", jobs.CommandPlan, jobs.PlanPayload{Query: "q"})
	plan.ProjectID = "unrelated"
	planSub := h.submit(plan)

	select {
	case msg := <-planSub.Messages():
		r, err := jobs.DecodeResult(msg)
		if err != nil {
			t.Fatalf("DecodeResult() unexpected error: %v", err)
		}
		if r.Type != jobs.ResultComplete {
			t.Errorf("plan result = %s, want complete", r.Type)
		}
	case <-time.After(time.Second):
		close(release)
		t.Fatal("job for an unrelated project did not run while index jobs waited on one project")
	}

	close(release)
	for _, sub := range []broker.Subscription{first, second} {
		results := h.collect(sub)
		if results[len(results)-1].Type != jobs.ResultComplete {
			t.Errorf("index job ended with %s", results[len(results)-1].Type)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"start idx-1", "end idx-1", "start idx-2", "end idx-2"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("index runs = %v, want %v", order, want)
	}
}

func TestWorker_SharedQueueRunsJobOnce(t *testing.T) {
	b := broker.NewMemoryBroker(jobs.PendingChannel)
	t.Cleanup(func() { _ = b.Close() })

	var runs atomic.Int32
	register := func(w *worker.Worker) {
		w.Register(jobs.CommandPlan, worker.HandlerFunc(func(ctx context.Context, job jobs.Job, p jobs.Payload, stream worker.StreamFunc) (any, error) {
			runs.Add(1)
			return jobs.DonePayload{Done: true}, nil
		}))
	}
	opts := worker.Options{Concurrency: 2, QueueSize: 4}
	startWorker(t, b, opts, register)
	startWorker(t, b, opts, register)

	h := &harness{t: t, broker: b}
	results := h.collect(h.submit(newJob("job-1", jobs.CommandPlan, jobs.PlanPayload{Query: "q"})))
	if len(results) != 1 || results[0].Type != jobs.ResultComplete {
		t.Fatalf("results = %+v, want one complete result", results)
	}

	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 1 {
		t.Errorf("handler runs = %d across two workers, want 1", runs.Load())
	}
}

func TestWorker_IndexRootPathRejections(t *testing.T) {
	parent := t.TempDir()
	base := filepath.Join(parent, "projects")
	if err := os.MkdirAll(filepath.Join(base, "app"), 0o755); err != nil {
		t.Fatalf("failed to create base: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(parent, "outside"), 0o755); err != nil {
		t.Fatalf("failed to create outside dir: %v", err)
	}

	tests := []struct {
		name    string
		files   worker.FileSource
		root    string
		wantMsg string
	}{
		{name: "parent traversal", files: indexer.NewScanner(base), root: "../outside", wantMsg: "outside the index root"},
		{name: "absolute path outside", files: indexer.NewScanner(base), root: "/etc", wantMsg: "outside the index root"},
		{name: "root paths disabled", files: indexer.NewScanner(""), root: "app", wantMsg: "disabled"},
		{name: "no file source", files: nil, root: "app", wantMsg: "not supported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &trackingIndexer{}
			h := newHarness(t, func(w *worker.Worker) {
				w.Register(jobs.CommandIndex, worker.NewIndexHandler(idx, tt.files))
			})
			results := h.collect(h.submit(newJob("idx-root", jobs.CommandIndex, jobs.IndexPayload{RootPath: tt.root})))
			if len(results) != 1 || results[0].Type != jobs.ResultError {
				t.Fatalf("results = %+v, want a single error", results)
			}
			msg := errorMessage(t, results[0])
			if !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("error message = %q, want it to contain %q", msg, tt.wantMsg)
			}
			if strings.Contains(msg, errs.ErrHandlerFailure.Error()) {
				t.Errorf("error message = %q, want a validation error", msg)
			}
			if idx.peakAll() != 0 {
				t.Error("indexer ran for a rejected root")
			}
		})
	}
}

// trackingIndexer records how many runs overlap, per project and overall.
type trackingIndexer struct {
	delay time.Duration

	mu       sync.Mutex
	active   map[string]int
	total    int
	maxSame  int
	maxTotal int
}

func (ti *trackingIndexer) Run(ctx context.Context, ownerID, projectID string, files []indexer.File, progress indexer.ProgressFunc) (*vectorstore.Stats, error) {
	ti.mu.Lock()
	if ti.active == nil {
		ti.active = make(map[string]int)
	}
	ti.active[projectID]++
	ti.total++
	ti.maxSame = max(ti.maxSame, ti.active[projectID])
	ti.maxTotal = max(ti.maxTotal, ti.total)
	ti.mu.Unlock()

	time.Sleep(ti.delay)

	ti.mu.Lock()
	ti.active[projectID]--
	ti.total--
	ti.mu.Unlock()
	return &vectorstore.Stats{TotalChunks: len(files), ChunkTypes: map[string]int{}}, nil
}

func (ti *trackingIndexer) peakSame() int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.maxSame
}

func (ti *trackingIndexer) peakAll() int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.maxTotal
}
