package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskqueue/internal/domain"
	"github.com/swarmguard/taskqueue/internal/transport"
	"github.com/swarmguard/taskqueue/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker is a minimal in-process stand-in for the dispatcher: it hands
// out exactly one task on the first ClaimTask, then nil on every claim
// after, and records the TaskResult it receives.
type fakeBroker struct {
	task     *domain.Task
	claimed  bool
	resultCh chan *wire.TaskResultPayload
}

func (f *fakeBroker) handle(ctx context.Context, msg wire.Message) wire.Message {
	switch msg.Type {
	case wire.WorkerRegistration, wire.WorkerDeregistration, wire.Heartbeat:
		return wire.Message{Type: wire.Ack}
	case wire.ClaimTask:
		if f.claimed {
			return wire.Message{Type: wire.TaskAssigned, AssignedTask: nil}
		}
		f.claimed = true
		return wire.Message{Type: wire.TaskAssigned, AssignedTask: f.task}
	case wire.TaskResult:
		f.resultCh <- msg.TaskResult
		return wire.Message{Type: wire.Ack}
	default:
		return wire.Message{Type: wire.Nack, NackReason: "unexpected in fake broker"}
	}
}

func startFakeBroker(t *testing.T, task *domain.Task) (addr string, results chan *wire.TaskResultPayload, shutdown func()) {
	t.Helper()
	fb := &fakeBroker{task: task, resultCh: make(chan *wire.TaskResultPayload, 4)}
	srv := transport.New("127.0.0.1:0", wire.BinaryCodec{}, fb.handle, 4, 2*time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		go func() {
			for srv.Addr() == nil {
				time.Sleep(time.Millisecond)
			}
			close(ready)
		}()
		_ = srv.ListenAndServe(ctx)
	}()
	<-ready
	return srv.Addr().String(), fb.resultCh, cancel
}

func TestRuntimeClaimsExecutesAndReportsResult(t *testing.T) {
	task := &domain.Task{
		ID:       uuid.New(),
		TaskType: "echo",
		Payload:  []byte("hello"),
		Priority: 5,
	}
	addr, results, shutdown := startFakeBroker(t, task)
	defer shutdown()

	rt := New(Config{
		BrokerAddr:    addr,
		WorkerID:      "worker-1",
		Codec:         wire.BinaryCodec{},
		Concurrency:   2,
		ClaimInterval: 10 * time.Millisecond,
		DialRetries:   5,
		DialBackoff:   10 * time.Millisecond,
	}, EchoHandler{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	select {
	case res := <-results:
		if !res.Success {
			t.Fatalf("expected success, got error: %s", res.Error)
		}
		if string(res.Result) != "hello" {
			t.Fatalf("expected echoed payload, got %q", res.Result)
		}
		if res.TaskID != task.ID {
			t.Fatalf("result task id mismatch: got %s want %s", res.TaskID, task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task result to be reported")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

type failingHandler struct{}

func (failingHandler) Handle(ctx context.Context, msg *wire.Message) ([]byte, error) {
	return nil, io.ErrUnexpectedEOF
}

func TestRuntimeReportsHandlerFailure(t *testing.T) {
	task := &domain.Task{ID: uuid.New(), TaskType: "boom", Payload: []byte("x"), Priority: 1}
	addr, results, shutdown := startFakeBroker(t, task)
	defer shutdown()

	rt := New(Config{
		BrokerAddr:    addr,
		WorkerID:      "worker-2",
		Codec:         wire.BinaryCodec{},
		Concurrency:   1,
		ClaimInterval: 10 * time.Millisecond,
		DialRetries:   5,
		DialBackoff:   10 * time.Millisecond,
	}, failingHandler{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	select {
	case res := <-results:
		if res.Success {
			t.Fatal("expected failure result")
		}
		if res.Error == "" {
			t.Fatal("expected a failure reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure result")
	}

	cancel()
	<-done
}
