package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tickd/tickd/internal/errkind"
	"github.com/tickd/tickd/internal/events"
	"github.com/tickd/tickd/internal/receipt"
	"github.com/tickd/tickd/internal/signal"
	"github.com/tickd/tickd/internal/store"
)

// State is the mutable record a job threads through the stage sequence.
// Each stage reads what earlier stages produced and fills in its own
// output.
type State struct {
	Request       JobRequest
	Message       signal.Message
	Row           store.MessageRow
	RawJSON       string
	Data          receipt.Data
	TransactionID int64
}

// Stage is one step of the pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context, st *State) error
}

// Result is delivered to terminal observers exactly once per executed
// job.
type Result struct {
	RunKey        string
	Tags          map[string]string
	Status        string
	Stage         string
	Err           error
	Kind          errkind.Kind
	Message       signal.Message
	Data          *receipt.Data
	TransactionID int64
	Duration      time.Duration
}

// Observer receives terminal job results. Observers run synchronously
// on the worker goroutine; they must not block for long.
type Observer func(ctx context.Context, res Result)

// Options tunes the engine.
type Options struct {
	// Workers is the number of concurrent job executors. Default 2.
	Workers int
	// QueueSize bounds the submission queue. Default 32.
	QueueSize int
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Engine owns the worker pool, the run ledger, and the stage sequence.
type Engine struct {
	stages    []Stage
	runs      *RunStore
	bus       *events.Bus
	logger    *slog.Logger
	workers   int
	queue     chan JobRequest
	observers []Observer

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewEngine creates an engine over a stage sequence and a run ledger.
func NewEngine(stages []Stage, runs *RunStore, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		stages:  stages,
		runs:    runs,
		bus:     opts.Bus,
		logger:  opts.Logger,
		workers: opts.Workers,
		queue:   make(chan JobRequest, opts.QueueSize),
	}
}

// OnTerminal registers an observer for terminal job results. Must be
// called before Start.
func (e *Engine) OnTerminal(obs Observer) {
	e.observers = append(e.observers, obs)
}

// Start launches the worker pool. Workers drain the queue until Stop
// closes it or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func(worker int) {
			defer e.wg.Done()
			for req := range e.queue {
				e.execute(ctx, req)
			}
		}(i)
	}
	e.logger.Info("pipeline engine started", "workers", e.workers)
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	close(e.queue)
	e.wg.Wait()
	e.logger.Info("pipeline engine stopped")
}

// Submit acquires the run key and enqueues the job. Returns false with
// a nil error when the key is already RUNNING or SUCCESS (an
// idempotence skip, not a failure).
func (e *Engine) Submit(ctx context.Context, req JobRequest) (bool, error) {
	err := e.runs.TryAcquire(req.RunKey)
	if errors.Is(err, ErrRunActive) {
		e.logger.Debug("run key already active, skipping", "run_key", req.RunKey)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	select {
	case e.queue <- req:
		return true, nil
	case <-ctx.Done():
		// Undo the RUNNING mark so the job stays replayable.
		if mErr := e.runs.MarkFailure(req.RunKey, "", "enqueue cancelled"); mErr != nil {
			e.logger.Error("run ledger update failed", "run_key", req.RunKey, "error", mErr)
		}
		return false, ctx.Err()
	}
}

// execute runs the full stage sequence for one job and delivers exactly
// one terminal result to every observer.
func (e *Engine) execute(ctx context.Context, req JobRequest) {
	start := time.Now()
	st := &State{Request: req}
	log := e.logger.With("run_key", req.RunKey)
	log.Info("job started")

	for _, stage := range e.stages {
		stageStart := time.Now()
		e.bus.Publish(events.Event{
			Timestamp: stageStart,
			Source:    events.SourceEngine,
			Kind:      events.KindStageStart,
			Data:      map[string]any{"run_key": req.RunKey, "stage": stage.Name},
		})

		err := runWithRetry(ctx, log, stage, st)

		e.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceEngine,
			Kind:      events.KindStageDone,
			Data: map[string]any{
				"run_key":     req.RunKey,
				"stage":       stage.Name,
				"ok":          err == nil,
				"duration_ms": time.Since(stageStart).Milliseconds(),
			},
		})

		if err != nil {
			e.finishFailure(ctx, st, stage.Name, err, time.Since(start))
			return
		}
		log.Debug("stage complete", "stage", stage.Name,
			"duration_ms", time.Since(stageStart).Milliseconds())
	}

	e.finishSuccess(ctx, st, time.Since(start))
}

func (e *Engine) finishSuccess(ctx context.Context, st *State, elapsed time.Duration) {
	if err := e.runs.MarkSuccess(st.Request.RunKey); err != nil {
		e.logger.Error("run ledger update failed",
			"run_key", st.Request.RunKey, "error", err)
	}

	e.logger.Info("job succeeded",
		"run_key", st.Request.RunKey,
		"transaction_id", st.TransactionID,
		"duration_ms", elapsed.Milliseconds(),
	)
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      events.KindJobSuccess,
		Data: map[string]any{
			"run_key":        st.Request.RunKey,
			"transaction_id": st.TransactionID,
			"duration_ms":    elapsed.Milliseconds(),
		},
	})

	res := Result{
		RunKey:        st.Request.RunKey,
		Tags:          st.Request.Tags,
		Status:        StatusSuccess,
		Message:       st.Message,
		Data:          &st.Data,
		TransactionID: st.TransactionID,
		Duration:      elapsed,
	}
	for _, obs := range e.observers {
		obs(ctx, res)
	}
}

func (e *Engine) finishFailure(ctx context.Context, st *State, stage string, err error, elapsed time.Duration) {
	kind := errkind.Of(err)
	if mErr := e.runs.MarkFailure(st.Request.RunKey, stage, err.Error()); mErr != nil {
		e.logger.Error("run ledger update failed",
			"run_key", st.Request.RunKey, "error", mErr)
	}

	e.logger.Error("job failed",
		"run_key", st.Request.RunKey,
		"stage", stage,
		"error_kind", string(kind),
		"error", err,
		"duration_ms", elapsed.Milliseconds(),
	)
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      events.KindJobFailure,
		Data: map[string]any{
			"run_key":    st.Request.RunKey,
			"stage":      stage,
			"error_kind": string(kind),
		},
	})

	res := Result{
		RunKey:   st.Request.RunKey,
		Tags:     st.Request.Tags,
		Status:   StatusFailure,
		Stage:    stage,
		Err:      err,
		Kind:     kind,
		Message:  st.Message,
		Duration: elapsed,
	}
	for _, obs := range e.observers {
		obs(ctx, res)
	}
}
