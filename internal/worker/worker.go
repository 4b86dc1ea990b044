// Package worker implements the worker runtime's broker-facing half (spec
// §9): dialing the broker with retry, the claim loop, heartbeating, result
// reporting, and cooperative drain on shutdown. Task execution itself is
// pluggable through the Handler interface; this package never decides what
// a task_type means.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskqueue/internal/resilience"
	"github.com/swarmguard/taskqueue/internal/wire"
)

// Handler executes one claimed task and returns its result bytes, or an
// error whose message becomes the reported failure reason.
type Handler interface {
	Handle(ctx context.Context, task *wire.Message) ([]byte, error)
}

// EchoHandler returns the task's own payload as its result, for tests and
// smoke-testing a broker deployment without a real task_type implementation.
type EchoHandler struct{}

func (EchoHandler) Handle(ctx context.Context, msg *wire.Message) ([]byte, error) {
	if msg.AssignedTask == nil {
		return nil, fmt.Errorf("echo handler: no assigned task")
	}
	return msg.AssignedTask.Payload, nil
}

// Config controls the runtime's reconnect, claim and heartbeat cadence.
type Config struct {
	BrokerAddr        string
	WorkerID          string
	Codec             wire.Codec
	Concurrency       int
	ClaimInterval     time.Duration
	HeartbeatInterval time.Duration
	DialRetries       int
	DialBackoff       time.Duration
}

// Runtime is one worker process's connection to the broker.
type Runtime struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	breaker *resilience.CircuitBreaker

	mu       sync.Mutex
	conn     net.Conn
	inFlight map[uuid.UUID]struct{}

	// connMu serializes the full write+read exchange on conn. The claim
	// loop runs up to Concurrency goroutines and the heartbeat loop runs
	// a further one, all sharing one connection with no request-id in
	// the wire protocol to demultiplex replies by; without this lock two
	// goroutines' writes can interleave mid-frame, or one can read the
	// reply meant for another.
	connMu sync.Mutex
}

// New constructs a worker runtime. The circuit breaker guards the dial path:
// a broker that keeps refusing connections stops being hammered with
// retries and the runtime backs off until it half-opens again.
func New(cfg Config, handler Handler, logger *slog.Logger) *Runtime {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.DialRetries <= 0 {
		cfg.DialRetries = 10
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = time.Second
	}
	return &Runtime{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		breaker:  resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 10*time.Second, 2),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// Run dials the broker, registers, and drives the claim/heartbeat loop
// until ctx is cancelled. On cancellation it stops claiming new work,
// waits for in-flight tasks to finish, deregisters, and closes the
// connection (spec §5's cooperative shutdown, worker side).
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.connectWithRetry(ctx); err != nil {
		return err
	}
	defer r.conn.Close()

	if err := r.register(); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	var wg sync.WaitGroup
	hbCtx, cancelHB := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(hbCtx)
	}()

	claimSem := make(chan struct{}, r.cfg.Concurrency)
	ticker := time.NewTicker(r.cfg.ClaimInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			select {
			case claimSem <- struct{}{}:
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-claimSem }()
					r.claimAndRun(ctx)
				}()
			default:
				// at concurrency limit; skip this tick
			}
		}
	}

	cancelHB()
	wg.Wait()

	if err := r.deregister(); err != nil {
		r.logger.Warn("deregister failed during shutdown", "error", err)
	}
	return nil
}

func (r *Runtime) connectWithRetry(ctx context.Context) error {
	_, err := resilience.Retry(ctx, r.cfg.DialRetries, r.cfg.DialBackoff, func() (struct{}, error) {
		if !r.breaker.Allow() {
			return struct{}{}, fmt.Errorf("circuit open: broker unreachable recently")
		}
		conn, dialErr := net.DialTimeout("tcp", r.cfg.BrokerAddr, 5*time.Second)
		r.breaker.RecordResult(dialErr == nil)
		if dialErr != nil {
			return struct{}{}, dialErr
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		return struct{}{}, nil
	})
	return err
}

func (r *Runtime) register() error {
	return r.roundTrip(wire.Message{
		Type:        wire.WorkerRegistration,
		WorkerID:    r.cfg.WorkerID,
		Concurrency: uint32(r.cfg.Concurrency),
	}, nil)
}

func (r *Runtime) deregister() error {
	return r.roundTrip(wire.Message{Type: wire.WorkerDeregistration, WorkerID: r.cfg.WorkerID}, nil)
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			count := len(r.inFlight)
			r.mu.Unlock()
			msg := wire.Message{
				Type: wire.Heartbeat,
				HeartbeatData: &wire.HeartbeatData{
					WorkerID:         r.cfg.WorkerID,
					CurrentTaskCount: uint32(count),
				},
			}
			if err := r.roundTrip(msg, nil); err != nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runtime) claimAndRun(ctx context.Context) {
	var reply wire.Message
	if err := r.roundTrip(wire.Message{Type: wire.ClaimTask, WorkerID: r.cfg.WorkerID}, &reply); err != nil {
		r.logger.Warn("claim failed", "error", err)
		return
	}
	if reply.AssignedTask == nil {
		return
	}

	task := reply.AssignedTask
	r.mu.Lock()
	r.inFlight[task.ID] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, task.ID)
		r.mu.Unlock()
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if task.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	result, runErr := r.handler.Handle(runCtx, &reply)
	duration := time.Since(start).Seconds()

	res := &wire.TaskResultPayload{TaskID: task.ID, WorkerID: r.cfg.WorkerID, Duration: duration}
	if runErr != nil {
		res.Success = false
		res.Error = runErr.Error()
	} else {
		res.Success = true
		res.Result = result
	}

	if err := r.roundTrip(wire.Message{Type: wire.TaskResult, TaskResult: res}, nil); err != nil {
		r.logger.Error("failed to report task result", "task_id", task.ID, "error", err)
	}
}

// roundTrip sends msg and, if reply is non-nil, decodes the response into
// it. One connection is used for the runtime's whole lifetime, shared by
// the claim loop's concurrent goroutines and the heartbeat loop; connMu
// holds the full write-then-read exchange so two callers can never
// interleave frames on the wire or steal each other's reply. A write or
// read failure here is surfaced to the caller rather than silently
// retried, since the claim/heartbeat loops already run on their own timers.
func (r *Runtime) roundTrip(msg wire.Message, reply *wire.Message) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()

	payload, err := r.cfg.Codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := wire.WriteFrame(conn, wire.Frame{Type: msg.Type, Payload: payload}); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read reply to %s: %w", msg.Type, err)
	}
	decoded, err := r.cfg.Codec.Decode(frame.Type, frame.Payload)
	if err != nil {
		return fmt.Errorf("decode reply to %s: %w", msg.Type, err)
	}
	if decoded.Type == wire.Nack {
		return fmt.Errorf("broker nack for %s: %s", msg.Type, decoded.NackReason)
	}
	if reply != nil {
		*reply = decoded
	}
	return nil
}
