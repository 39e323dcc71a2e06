// Package executor implements the tool executor: a supervised pool that
// runs tool operations off the Session's own execution context and
// reports exactly one terminal result per submission, never blocking the
// submitter. The concurrency-limiting and timeout shape is grounded in
// internal/agent.ToolExecutor, adapted from its blocking
// ExecuteConcurrently API to a fire-and-forget submit/cancel contract.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome discriminates how a submitted tool call concluded.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeErr       Outcome = "err"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is the terminal event the executor delivers for a submitted token.
// Exactly one Result is ever produced per token, however it resolves.
type Result struct {
	Token   string
	Outcome Outcome
	Value   json.RawMessage
	Err     error
}

// Handler executes one tool call. It must honor ctx cancellation/deadline;
// a Handler that panics is recovered by the executor and converted to
// OutcomeErr ( "A crash inside a tool handler is converted to
// Err(reason) and reported once").
type Handler func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)

// Config configures concurrency and timeout behavior.
type Config struct {
	// Concurrency caps the number of tool calls running at once. Default: 4.
	Concurrency int

	// DefaultDeadline is used when Submit is called with a zero deadline.
	// Default: 30s.
	DefaultDeadline time.Duration

	// QueueCap bounds how many submissions may be outstanding at once,
	// counting both those waiting for a free concurrency slot and those
	// already running; beyond it Submit reports Busy instead of queuing.
	// Zero means unbounded queuing.
	QueueCap int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		DefaultDeadline: 30 * time.Second,
		QueueCap:        0,
	}
}

// ErrBusy is returned by Submit when QueueCap is exceeded. The Session
// treats this as a degraded tool result, not a crash.
var ErrBusy = errors.New("executor: busy, queue capacity exceeded")

// Executor runs submitted tool calls against a bounded pool of workers.
type Executor struct {
	handler Handler
	config  Config
	logger  *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	queued  int
}

// New creates an Executor that dispatches every submitted call to handler.
func New(handler Handler, config Config, logger *slog.Logger) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.DefaultDeadline <= 0 {
		config.DefaultDeadline = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		handler: handler,
		config:  config,
		logger:  logger.With("component", "tutor.executor"),
		sem:     make(chan struct{}, config.Concurrency),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit accepts work and returns a fresh correlation token immediately. The
// deliver callback is invoked exactly once, from a goroutine the caller does
// not control, with the terminal Result for token. Submit never blocks on
// tool execution; it only blocks briefly to enforce QueueCap.
func (e *Executor) Submit(ctx context.Context, tool string, args json.RawMessage, deadline time.Duration, deliver func(Result)) (string, error) {
	if deadline <= 0 {
		deadline = e.config.DefaultDeadline
	}
	token := uuid.New().String()

	if e.config.QueueCap > 0 {
		e.mu.Lock()
		if e.queued >= e.config.QueueCap {
			e.mu.Unlock()
			return "", ErrBusy
		}
		e.queued++
		e.mu.Unlock()
	}

	callCtx, cancel := context.WithTimeout(detach(ctx), deadline)
	e.mu.Lock()
	e.cancels[token] = cancel
	e.mu.Unlock()

	go e.run(callCtx, cancel, token, tool, args, deliver)

	return token, nil
}

// Cancel best-effort cancels an in-flight call. If the call has already
// completed, Cancel is a no-op: the executor may still deliver OutcomeOK
// ( "terminal event may still be Ok if completion raced
// cancellation"). Cancelling an unknown token is also a no-op.
func (e *Executor) Cancel(token string) {
	e.mu.Lock()
	cancel, ok := e.cancels[token]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// run executes one submission and guarantees exactly one deliver call.
func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, token, tool string, args json.RawMessage, deliver func(Result)) {
	defer cancel()
	defer e.forget(token)

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		deliver(e.terminalForContextErr(token, ctx.Err()))
		return
	}

	resultCh := make(chan Result, 1)
	go e.invoke(ctx, token, tool, args, resultCh)

	select {
	case <-ctx.Done():
		deliver(e.terminalForContextErr(token, ctx.Err()))
	case res := <-resultCh:
		deliver(res)
	}
}

// invoke calls the handler, recovering a panic into OutcomeErr so a crash in
// one tool call can never take down the Executor or the calling Session.
func (e *Executor) invoke(ctx context.Context, token, tool string, args json.RawMessage, out chan<- Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panicked", "tool", tool, "token", token, "panic", r)
			select {
			case out <- Result{Token: token, Outcome: OutcomeErr, Err: fmt.Errorf("tool %s panicked: %v", tool, r)}:
			default:
			}
		}
	}()

	value, err := e.handler(ctx, tool, args)

	var result Result
	switch {
	case err != nil:
		result = Result{Token: token, Outcome: OutcomeErr, Err: err}
	default:
		result = Result{Token: token, Outcome: OutcomeOK, Value: value}
	}

	select {
	case out <- result:
	default:
		// The run goroutine already moved on because ctx was done first;
		// the result is discarded.
	}
}

func (e *Executor) terminalForContextErr(token string, err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Token: token, Outcome: OutcomeTimeout, Err: err}
	}
	return Result{Token: token, Outcome: OutcomeCancelled, Err: err}
}

func (e *Executor) forget(token string) {
	e.mu.Lock()
	delete(e.cancels, token)
	if e.config.QueueCap > 0 && e.queued > 0 {
		e.queued--
	}
	e.mu.Unlock()
}

// detachedContext lets a submitted call outlive the context Submit was
// called with (the Session's inbox loop never blocks on the call, so the
// call's own lifetime is governed solely by its deadline and explicit
// Cancel, not by the caller's ctx lifetime).
type detachedContext struct {
	context.Context
	values context.Context
}

func (d detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}       { return nil }
func (d detachedContext) Err() error                  { return nil }
func (d detachedContext) Value(key any) any           { return d.values.Value(key) }

func detach(ctx context.Context) context.Context {
	return detachedContext{Context: context.Background(), values: ctx}
}
