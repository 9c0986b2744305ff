package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tickd/tickd/internal/errkind"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// resultCollector is a terminal observer that records every result.
type resultCollector struct {
	mu      sync.Mutex
	results []Result
}

func (c *resultCollector) observe(ctx context.Context, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
}

func (c *resultCollector) wait(t *testing.T, n int) []Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.results)
		c.mu.Unlock()
		if got >= n {
			c.mu.Lock()
			defer c.mu.Unlock()
			return append([]Result(nil), c.results...)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("observer saw %d results, want %d", len(c.results), n)
	return nil
}

func okStage(name string) Stage {
	return Stage{Name: name, Run: func(ctx context.Context, st *State) error { return nil }}
}

func newTestEngine(t *testing.T, stages []Stage) (*Engine, *resultCollector) {
	t.Helper()
	runs := newTestRunStore(t)
	e := NewEngine(stages, runs, Options{Workers: 1, Logger: testLogger()})
	col := &resultCollector{}
	e.OnTerminal(col.observe)
	return e, col
}

func TestEngineSuccessPath(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) Stage {
		return Stage{Name: name, Run: func(ctx context.Context, st *State) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if name == StagePersistReceipt {
				st.TransactionID = 77
			}
			return nil
		}}
	}

	e, col := newTestEngine(t, []Stage{
		record(StageReconstruct),
		record(StagePersistMessage),
		record(StagePersistReceipt),
	})
	ctx := context.Background()
	e.Start(ctx)

	accepted, err := e.Submit(ctx, JobRequest{RunKey: "k1"})
	if err != nil || !accepted {
		t.Fatalf("Submit = %v, %v", accepted, err)
	}

	results := col.wait(t, 1)
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != StageReconstruct || order[2] != StagePersistReceipt {
		t.Errorf("stage order = %v", order)
	}

	res := results[0]
	if res.Status != StatusSuccess || res.TransactionID != 77 {
		t.Errorf("result = %+v", res)
	}

	status, err := e.runs.Status("k1")
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusSuccess {
		t.Errorf("ledger status = %q", status)
	}
}

func TestEngineFailureStopsSequence(t *testing.T) {
	var laterRan bool
	e, col := newTestEngine(t, []Stage{
		okStage(StageReconstruct),
		{Name: StageExtract, Run: func(ctx context.Context, st *State) error {
			return errkind.New(errkind.LLMDecode, "no JSON in reply")
		}},
		{Name: StagePersistReceipt, Run: func(ctx context.Context, st *State) error {
			laterRan = true
			return nil
		}},
	})
	ctx := context.Background()
	e.Start(ctx)

	if _, err := e.Submit(ctx, JobRequest{RunKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	results := col.wait(t, 1)
	e.Stop()

	if laterRan {
		t.Error("stages after the failure still ran")
	}
	res := results[0]
	if res.Status != StatusFailure || res.Stage != StageExtract || res.Kind != errkind.LLMDecode {
		t.Errorf("result = %+v", res)
	}

	status, _ := e.runs.Status("k1")
	if status != StatusFailure {
		t.Errorf("ledger status = %q", status)
	}
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	old := newStageBackoff
	newStageBackoff = fastBackoff
	defer func() { newStageBackoff = old }()

	var attempts int
	var mu sync.Mutex
	e, col := newTestEngine(t, []Stage{
		{Name: StageExtract, Run: func(ctx context.Context, st *State) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return errkind.New(errkind.LLMTransport, "overloaded")
			}
			return nil
		}},
	})
	ctx := context.Background()
	e.Start(ctx)

	if _, err := e.Submit(ctx, JobRequest{RunKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	results := col.wait(t, 1)
	e.Stop()

	if results[0].Status != StatusSuccess {
		t.Errorf("result = %+v", results[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestEngineDoesNotRetryDeterministicFailures(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	e, col := newTestEngine(t, []Stage{
		{Name: StageTransform, Run: func(ctx context.Context, st *State) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errkind.New(errkind.TransformSchema, "missing store name")
		}},
	})
	ctx := context.Background()
	e.Start(ctx)

	if _, err := e.Submit(ctx, JobRequest{RunKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	col.wait(t, 1)
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestEngineSubmitDedupes(t *testing.T) {
	block := make(chan struct{})
	e, col := newTestEngine(t, []Stage{
		{Name: StageReconstruct, Run: func(ctx context.Context, st *State) error {
			<-block
			return nil
		}},
	})
	ctx := context.Background()
	e.Start(ctx)

	accepted, err := e.Submit(ctx, JobRequest{RunKey: "k1"})
	if err != nil || !accepted {
		t.Fatalf("first submit = %v, %v", accepted, err)
	}

	// Same key while the first job is still running.
	accepted, err = e.Submit(ctx, JobRequest{RunKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Error("duplicate submission accepted while running")
	}

	close(block)
	col.wait(t, 1)

	// Completed successfully: still rejected.
	accepted, err = e.Submit(ctx, JobRequest{RunKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Error("duplicate submission accepted after success")
	}
	e.Stop()

	if len(col.wait(t, 1)) != 1 {
		t.Error("observer fired more than once")
	}
}

func TestEngineFailedJobCanBeResubmitted(t *testing.T) {
	var fail = true
	var mu sync.Mutex
	e, col := newTestEngine(t, []Stage{
		{Name: StageExtract, Run: func(ctx context.Context, st *State) error {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return errkind.New(errkind.LLMDecode, "no JSON")
			}
			return nil
		}},
	})
	ctx := context.Background()
	e.Start(ctx)

	if _, err := e.Submit(ctx, JobRequest{RunKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	col.wait(t, 1)

	mu.Lock()
	fail = false
	mu.Unlock()

	accepted, err := e.Submit(ctx, JobRequest{RunKey: "k1"})
	if err != nil || !accepted {
		t.Fatalf("resubmit after failure = %v, %v", accepted, err)
	}
	results := col.wait(t, 2)
	e.Stop()

	if results[1].Status != StatusSuccess {
		t.Errorf("second result = %+v", results[1])
	}
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e, col := newTestEngine(t, []Stage{
		{Name: StageExtract, Run: func(runCtx context.Context, st *State) error {
			cancel()
			<-runCtx.Done()
			return runCtx.Err()
		}},
	})
	e.Start(ctx)

	if _, err := e.Submit(context.Background(), JobRequest{RunKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	results := col.wait(t, 1)
	e.Stop()

	res := results[0]
	if res.Status != StatusFailure || res.Kind != errkind.Cancelled {
		t.Errorf("result = %+v", res)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v", res.Err)
	}

	// A cancelled run is a FAILURE and therefore replayable.
	status, _ := e.runs.Status("k1")
	if status != StatusFailure {
		t.Errorf("ledger status = %q", status)
	}
}
