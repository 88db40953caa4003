package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/codecollab/internal/platform/errors"
	"github.com/louisbranch/codecollab/internal/platform/metrics"
	"github.com/louisbranch/codecollab/internal/platform/timeouts"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	// NoOutputMessage replaces empty output of a successful run.
	NoOutputMessage = "Code executed successfully (no output)"

	defaultMaxOutputBytes = 64 << 10
	defaultMaxMemoryBytes = 128 << 20
	defaultConcurrency    = 8
	defaultQueueDepth     = 4

	// abandonGrace is how long a runner may take to report after its
	// deadline before the engine stops waiting for it.
	abandonGrace = 250 * time.Millisecond

	unsupportedLabel = "unsupported"
)

var errEngineClosed = apperrors.New(apperrors.CodeInternal, "execution engine is shutting down")

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Limits      Limits
	Concurrency int
	// QueueDepth is how many requests may wait behind a running one in the
	// same room. Zero means none may wait; negative selects the default.
	QueueDepth int
	Logger     zerolog.Logger
	// Runners overrides the built-in lua and javascript runners.
	Runners []Runner
}

// Request is one submitted snippet.
type Request struct {
	RoomID   string
	Code     string
	Language string
}

// Result is the structured outcome of a request. Failures are data: Success
// is false and Error carries a message safe to show to the room.
type Result struct {
	Success  bool
	Output   string
	Error    string
	Code     apperrors.Code
	Duration time.Duration
}

// Engine runs snippets off the room mutation path. Each room has a FIFO
// lane so at most one of its snippets runs at a time; a weighted semaphore
// caps concurrent runs across all rooms.
type Engine struct {
	limits  Limits
	runners map[string]Runner
	lanes   *lanes
	slots   *semaphore.Weighted
	logger  zerolog.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	closed   bool
	inFlight sync.WaitGroup
}

// NewEngine builds an engine from options.
func NewEngine(options Options) *Engine {
	if options.Limits.Timeout <= 0 {
		options.Limits.Timeout = timeouts.Execution
	}
	if options.Limits.MaxOutputBytes <= 0 {
		options.Limits.MaxOutputBytes = defaultMaxOutputBytes
	}
	if options.Limits.MaxMemoryBytes == 0 {
		options.Limits.MaxMemoryBytes = defaultMaxMemoryBytes
	}
	if options.Concurrency <= 0 {
		options.Concurrency = defaultConcurrency
	}
	if options.QueueDepth < 0 {
		options.QueueDepth = defaultQueueDepth
	}
	if options.Runners == nil {
		options.Runners = []Runner{JavaScriptRunner{}, LuaRunner{}}
	}

	runners := make(map[string]Runner, len(options.Runners))
	for _, runner := range options.Runners {
		runners[runner.Language()] = runner
	}
	return &Engine{
		limits:  options.Limits,
		runners: runners,
		lanes:   newLanes(options.QueueDepth),
		slots:   semaphore.NewWeighted(int64(options.Concurrency)),
		logger:  options.Logger,
		tracer:  otel.Tracer("github.com/louisbranch/codecollab/internal/services/collab/execution"),
	}
}

// Limits returns the per-run bounds in effect.
func (e *Engine) Limits() Limits {
	return e.limits
}

// Languages returns the language catalog with each entry's executable flag.
func (e *Engine) Languages() []Language {
	languages := make([]Language, len(catalog))
	for i, language := range catalog {
		_, language.Executable = e.runners[language.ID]
		languages[i] = language
	}
	return languages
}

// Submit reserves a place in the request's room lane and runs it in the
// background, calling done with the result. Reservation happens before
// Submit returns, so requests submitted in order for one room complete in
// that order. It fails with a RESOURCE_EXCEEDED error when the lane is full.
//
// ctx bounds queueing and execution; it should not be tied to the
// submitting connection.
func (e *Engine) Submit(ctx context.Context, request Request, done func(Result)) error {
	t, err := e.reserve(request.RoomID)
	if err != nil {
		return err
	}
	go func() {
		defer e.inFlight.Done()
		result := e.run(ctx, t, request)
		defer func() {
			if recovered := recover(); recovered != nil {
				e.logger.Error().
					Str("room_id", request.RoomID).
					Interface("panic", recovered).
					Msg("execution callback panicked")
			}
		}()
		done(result)
	}()
	return nil
}

// Execute runs request and waits for its result.
func (e *Engine) Execute(ctx context.Context, request Request) (Result, error) {
	t, err := e.reserve(request.RoomID)
	if err != nil {
		return Result{}, err
	}
	defer e.inFlight.Done()
	return e.run(ctx, t, request), nil
}

// Close rejects new requests and waits for queued and running ones to
// publish their results, or for ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for executions: %w", ctx.Err())
	}
}

func (e *Engine) reserve(roomID string) (*ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errEngineClosed
	}
	t, ok := e.lanes.reserve(roomID)
	if !ok {
		return nil, resourceExceeded(fmt.Sprintf("room %q already has the maximum number of executions queued", roomID))
	}
	e.inFlight.Add(1)
	return t, nil
}

func (e *Engine) run(ctx context.Context, t *ticket, request Request) Result {
	defer e.lanes.release(t)

	runner, label := e.runnerFor(request.Language)
	if err := e.lanes.wait(ctx, t); err != nil {
		return e.finish(label, request, "", timedOut(e.limits), 0)
	}

	ctx, cancel := context.WithTimeout(ctx, e.limits.Timeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("collab.room_id", request.RoomID),
		attribute.String("collab.language", label),
	))
	defer span.End()

	if err := e.slots.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, "no execution slot")
		return e.finish(label, request, "", timedOut(e.limits), 0)
	}

	started := time.Now()
	output, err := e.invoke(ctx, runner, request)
	elapsed := time.Since(started)
	if err != nil {
		span.SetStatus(codes.Error, apperrors.MessageOf(err))
	}
	span.SetAttributes(attribute.String("collab.outcome", outcomeOf(err)))
	return e.finish(label, request, output, err, elapsed)
}

// invoke runs runner in its own goroutine so a runner that ignores its
// deadline is abandoned rather than waited on. The slot is released only
// when that goroutine really ends. A memory watchdog cancels ctx when the
// heap grows past the run's budget.
func (e *Engine) invoke(ctx context.Context, runner Runner, request Request) (string, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopWatch := watchMemory(ctx, cancel, e.limits.MaxMemoryBytes)
	defer stopWatch()

	type outcome struct {
		output string
		err    error
	}
	finished := make(chan outcome, 1)
	go func() {
		defer e.slots.Release(1)
		defer func() {
			if recovered := recover(); recovered != nil {
				e.logger.Error().
					Str("room_id", request.RoomID).
					Str("language", runner.Language()).
					Interface("panic", recovered).
					Msg("runner panicked")
				finished <- outcome{err: apperrors.New(apperrors.CodeInternal, "execution failed unexpectedly")}
			}
		}()
		output, err := runner.Execute(ctx, request.Code, e.limits)
		finished <- outcome{output: output, err: err}
	}()

	select {
	case result := <-finished:
		return result.output, result.err
	case <-ctx.Done():
	}
	select {
	case result := <-finished:
		return result.output, result.err
	case <-time.After(abandonGrace):
		e.logger.Warn().
			Str("room_id", request.RoomID).
			Str("language", runner.Language()).
			Msg("abandoned runner past its deadline")
		return "", stopped(ctx, e.limits)
	}
}

func (e *Engine) runnerFor(language string) (Runner, string) {
	if runner, ok := e.runners[language]; ok {
		return runner, language
	}
	return unsupportedRunner{language: language}, unsupportedLabel
}

func (e *Engine) finish(label string, request Request, output string, err error, elapsed time.Duration) Result {
	metrics.ExecutionsTotal.WithLabelValues(label, outcomeOf(err)).Inc()
	metrics.ExecutionDuration.WithLabelValues(label).Observe(elapsed.Seconds())

	result := Result{Output: output, Duration: elapsed}
	if err == nil {
		result.Success = true
		if strings.TrimSpace(output) == "" {
			result.Output = NoOutputMessage
		}
		return result
	}
	result.Code = apperrors.CodeOf(err)
	result.Error = apperrors.MessageOf(err)
	e.logger.Debug().
		Str("room_id", request.RoomID).
		Str("language", request.Language).
		Str("code", string(result.Code)).
		Dur("elapsed", elapsed).
		Msg("execution failed")
	return result
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(string(apperrors.CodeOf(err)))
}
