package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"codecompass/internal/broker"
	brokermocks "codecompass/internal/broker/mocks"
	"codecompass/internal/errs"
	"codecompass/internal/gateway"
	"codecompass/internal/jobs"
)

func init() {
	// Set default logger to discard output for cleaner test output
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// recordingSender collects messages sent to one connection.
type recordingSender struct {
	mu   sync.Mutex
	msgs []jobs.ClientMessage
	got  chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{got: make(chan struct{}, 100)}
}

func (s *recordingSender) Send(ctx context.Context, msg jobs.ClientMessage) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *recordingSender) wait(t *testing.T, n int) []jobs.ClientMessage {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobs.ClientMessage(nil), s.msgs...)
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// fakeWorker takes jobs off the pending channel and hands them to the test.
func fakeWorker(t *testing.T, b broker.Broker) <-chan jobs.Job {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), jobs.PendingChannel)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	out := make(chan jobs.Job, 10)
	go func() {
		for msg := range sub.Messages() {
			job, err := jobs.DecodeJob(msg)
			if err != nil {
				t.Errorf("DecodeJob() error = %v", err)
				continue
			}
			out <- job
		}
	}()
	return out
}

func receiveJob(t *testing.T, ch <-chan jobs.Job) jobs.Job {
	t.Helper()
	select {
	case job := <-ch:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("no job published")
	}
	return jobs.Job{}
}

func publishResult(t *testing.T, b broker.Broker, jobID string, typ jobs.ResultType, payload any) {
	t.Helper()
	r, err := jobs.NewResult(jobID, typ, payload)
	if err != nil {
		t.Fatalf("NewResult() error = %v", err)
	}
	raw, err := jobs.EncodeResult(r)
	if err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	if err := b.Publish(context.Background(), jobs.ResultChannel(jobID), raw); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func waitForSubscribers(t *testing.T, b *broker.MemoryBroker, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Subscribers(channel) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Subscribers(%s) = %d, want %d", channel, b.Subscribers(channel), want)
}

func planRequest(query string) jobs.ClientRequest {
	raw, _ := json.Marshal(jobs.PlanPayload{Query: query})
	return jobs.ClientRequest{Command: jobs.CommandPlan, ProjectID: "proj", Data: raw}
}

func TestGateway_SubmitRelaysResultsInOrder(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	defer b.Close()
	pending := fakeWorker(t, b)

	g := gateway.New(b, gateway.Options{})
	sender := newRecordingSender()
	c := g.Connect(ctx, "owner-1", sender)

	jobID, err := g.Submit(ctx, c.ID, planRequest("add caching"))
	if err != nil {
		t.Fatalf("Submit() unexpected error: %v", err)
	}

	job := receiveJob(t, pending)
	if job.JobID != jobID || job.ConnectionID != c.ID || job.OwnerID != "owner-1" || job.ProjectID != "proj" || job.Command != jobs.CommandPlan {
		t.Errorf("published job = %+v", job)
	}

	publishResult(t, b, jobID, jobs.ResultStream, jobs.TextChunkPayload{Chunk: "a"})
	publishResult(t, b, jobID, jobs.ResultStream, jobs.TextChunkPayload{Chunk: "b"})
	publishResult(t, b, jobID, jobs.ResultComplete, jobs.DonePayload{Done: true})

	msgs := sender.wait(t, 3)
	wantTypes := []jobs.ClientMessageType{jobs.ClientStream, jobs.ClientStream, jobs.ClientResponse}
	for i, want := range wantTypes {
		if msgs[i].Type != want || msgs[i].JobID != jobID {
			t.Errorf("message[%d] = %s/%s, want %s/%s", i, msgs[i].Type, msgs[i].JobID, want, jobID)
		}
	}
	if string(msgs[0].Data) != `{"chunk":"a"}` || string(msgs[1].Data) != `{"chunk":"b"}` {
		t.Errorf("stream data = %s, %s", msgs[0].Data, msgs[1].Data)
	}

	g.Wait()
	waitForSubscribers(t, b, jobs.ResultChannel(jobID), 0)
}

func TestGateway_ErrorResultEndsRelay(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	defer b.Close()
	pending := fakeWorker(t, b)

	g := gateway.New(b, gateway.Options{})
	sender := newRecordingSender()
	c := g.Connect(ctx, "owner", sender)

	jobID, _ := g.Submit(ctx, c.ID, planRequest("q"))
	receiveJob(t, pending)
	publishResult(t, b, jobID, jobs.ResultError, jobs.ErrorPayload{Message: "boom"})

	msgs := sender.wait(t, 1)
	if msgs[0].Type != jobs.ClientError || string(msgs[0].Data) != `{"message":"boom"}` {
		t.Errorf("message = %+v", msgs[0])
	}
	g.Wait()
	waitForSubscribers(t, b, jobs.ResultChannel(jobID), 0)
}

func TestGateway_InvalidRequestIsNotPublished(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	defer b.Close()

	g := gateway.New(b, gateway.Options{})
	sender := newRecordingSender()
	c := g.Connect(ctx, "owner", sender)

	_, err := g.Submit(ctx, c.ID, jobs.ClientRequest{Command: jobs.CommandPlan})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("Submit() error = %v, want ErrInvalidInput", err)
	}
	msgs := sender.wait(t, 1)
	if msgs[0].Type != jobs.ClientError || !strings.Contains(string(msgs[0].Data), "projectId") {
		t.Errorf("message = %s %s, want error naming projectId", msgs[0].Type, msgs[0].Data)
	}
}

func TestGateway_PublishFailureReachesClient(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := brokermocks.NewMockBroker(ctrl)
	sub := brokermocks.NewMockSubscription(ctrl)

	b.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(sub, nil)
	b.EXPECT().Publish(gomock.Any(), jobs.PendingChannel, gomock.Any()).Return(errors.New("connection refused"))
	sub.EXPECT().Close().Return(nil)

	g := gateway.New(b, gateway.Options{})
	sender := newRecordingSender()
	c := g.Connect(ctx, "owner", sender)

	_, err := g.Submit(ctx, c.ID, planRequest("q"))
	if !errors.Is(err, errs.ErrBrokerUnavailable) {
		t.Errorf("Submit() error = %v, want ErrBrokerUnavailable", err)
	}
	msgs := sender.wait(t, 1)
	if msgs[0].Type != jobs.ClientError || !strings.Contains(string(msgs[0].Data), "connection refused") {
		t.Errorf("message = %s %s", msgs[0].Type, msgs[0].Data)
	}
}

func TestGateway_SubscribeFailureReachesClient(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	_ = b.Close()

	g := gateway.New(b, gateway.Options{})
	sender := newRecordingSender()
	c := g.Connect(ctx, "owner", sender)

	if _, err := g.Submit(ctx, c.ID, planRequest("q")); !errors.Is(err, errs.ErrBrokerUnavailable) {
		t.Errorf("Submit() error = %v, want ErrBrokerUnavailable", err)
	}
	if msgs := sender.wait(t, 1); msgs[0].Type != jobs.ClientError {
		t.Errorf("message type = %s, want error", msgs[0].Type)
	}
}

func TestGateway_ClosedConnectionDropsResults(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	defer b.Close()
	pending := fakeWorker(t, b)

	g := gateway.New(b, gateway.Options{})
	sender := newRecordingSender()
	c := g.Connect(ctx, "owner", sender)

	jobID, _ := g.Submit(ctx, c.ID, planRequest("q"))
	receiveJob(t, pending)
	g.Disconnect(ctx, c.ID)
	if g.Connections() != 0 || c.Open() {
		t.Fatalf("connection still registered after Disconnect")
	}

	publishResult(t, b, jobID, jobs.ResultStream, jobs.TextChunkPayload{Chunk: "lost"})
	publishResult(t, b, jobID, jobs.ResultComplete, jobs.DonePayload{Done: true})
	g.Wait()

	if sender.count() != 0 {
		t.Errorf("closed connection received %d messages", sender.count())
	}
}

func TestGateway_ResultTimeout(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	defer b.Close()

	g := gateway.New(b, gateway.Options{ResultTimeout: 30 * time.Millisecond})
	sender := newRecordingSender()
	c := g.Connect(ctx, "owner", sender)

	jobID, err := g.Submit(ctx, c.ID, planRequest("q"))
	if err != nil {
		t.Fatalf("Submit() unexpected error: %v", err)
	}

	msgs := sender.wait(t, 1)
	if msgs[0].Type != jobs.ClientError || !strings.Contains(string(msgs[0].Data), "timeout") {
		t.Errorf("message = %s %s, want timeout error", msgs[0].Type, msgs[0].Data)
	}
	g.Wait()
	waitForSubscribers(t, b, jobs.ResultChannel(jobID), 0)
}

func TestGateway_SubmitUnknownConnection(t *testing.T) {
	g := gateway.New(broker.NewMemoryBroker(), gateway.Options{})
	if _, err := g.Submit(context.Background(), "missing", planRequest("q")); !errors.Is(err, errs.ErrConnection) {
		t.Errorf("Submit() error = %v, want ErrConnection", err)
	}
}
