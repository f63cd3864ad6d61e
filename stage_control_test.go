package batchimport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	importerrors "github.com/tamirms/batchimport/errors"
)

func TestStageControlKeepsFirstError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	control := newTestControl(t, WithLogger(logger))

	first := errors.New("first")
	second := errors.New("second")
	control.Panic(nil)
	if control.Err() != nil {
		t.Fatal("Panic(nil) recorded an error")
	}

	control.Panic(first)
	control.Panic(second)

	if !errors.Is(control.Err(), first) {
		t.Errorf("Err = %v, want %v", control.Err(), first)
	}
	select {
	case <-control.Done():
	default:
		t.Fatal("Done not closed after Panic")
	}
	if cause := context.Cause(control.Context()); !errors.Is(cause, first) {
		t.Errorf("context cause = %v, want %v", cause, first)
	}

	var errorEntries, debugEntries int
	for _, e := range hook.AllEntries() {
		switch e.Level {
		case logrus.ErrorLevel:
			errorEntries++
			if e.Data["action"] != "import_stage_panic" {
				t.Errorf("action = %v", e.Data["action"])
			}
		case logrus.DebugLevel:
			debugEntries++
		}
	}
	if errorEntries != 1 || debugEntries != 1 {
		t.Errorf("logged %d errors and %d debug entries, want 1 and 1", errorEntries, debugEntries)
	}
}

func TestStageControlConcurrentPanic(t *testing.T) {
	control := newTestControl(t)
	errs := make([]error, 16)
	var wg sync.WaitGroup
	for i := range errs {
		i := i
		errs[i] = errors.New("worker failure")
		wg.Add(1)
		go func() {
			defer wg.Done()
			control.Panic(errs[i])
		}()
	}
	wg.Wait()

	got := control.Err()
	found := false
	for _, err := range errs {
		if got == err {
			found = true
		}
	}
	if !found {
		t.Errorf("Err = %v, not one of the reported errors", got)
	}
}

func TestStageControlParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	control := NewStageControl(ctx)
	defer control.Close()

	cancel()
	<-control.Done()
	if control.Err() != nil {
		t.Errorf("Err = %v, want nil after parent cancel", control.Err())
	}
	if !errors.Is(control.halted(), context.Canceled) {
		t.Errorf("halted = %v, want context.Canceled", control.halted())
	}
}

func TestStageControlCloseWhileBusy(t *testing.T) {
	control := NewStageControl(context.Background())
	step, err := NewReadRecordsStep[*fakeRecord](control, testConfig(4), false, &fakeStore{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	step.SetDownstream(newCollector[*fakeRecord](control))
	if err := step.Start(0); err != nil {
		t.Fatal(err)
	}

	if err := control.Close(); !errors.Is(err, importerrors.ErrStageBusy) {
		t.Errorf("Close with running step = %v, want ErrStageBusy", err)
	}
	if err := step.Close(); err != nil {
		t.Fatal(err)
	}
	if err := control.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
	if !errors.Is(context.Cause(control.Context()), importerrors.ErrStageClosed) {
		t.Errorf("cause = %v, want ErrStageClosed", context.Cause(control.Context()))
	}
	if err := step.Receive(Range(0, 1)); !errors.Is(err, importerrors.ErrStepClosed) {
		t.Errorf("Receive after close = %v, want ErrStepClosed", err)
	}
}

func TestStageControlCloseReturnsFatalError(t *testing.T) {
	control := NewStageControl(context.Background())
	boom := errors.New("boom")
	control.Panic(boom)
	if err := control.Close(); !errors.Is(err, boom) {
		t.Errorf("Close = %v, want %v", err, boom)
	}
}

func TestBatchPoolReuse(t *testing.T) {
	reg := prometheus.NewRegistry()
	control := newTestControl(t, WithRegisterer(reg))

	allocs := 0
	factory := func() []*fakeRecord {
		allocs++
		return make([]*fakeRecord, 8)
	}

	a := Reuse(control, 8, factory)
	Recycle(control, a[:3]) // a cut-off view pools the whole array
	b := Reuse(control, 8, factory)
	if allocs != 1 {
		t.Errorf("factory called %d times, want 1", allocs)
	}
	if len(b) != 8 || &b[0] != &a[0] {
		t.Error("recycled batch not reused at full length")
	}

	// Different capacity or element type means a different pool.
	Recycle(control, b)
	_ = Reuse(control, 4, func() []*fakeRecord { allocs++; return make([]*fakeRecord, 4) })
	_ = Reuse(control, 8, func() []int64 { allocs++; return make([]int64, 8) })
	if allocs != 3 {
		t.Errorf("factory called %d times, want 3", allocs)
	}

	if got := testutil.ToFloat64(control.metrics.batchesReused); got != 1 {
		t.Errorf("batches reused = %v, want 1", got)
	}
	if got := testutil.ToFloat64(control.metrics.batchesAllocated); got != 3 {
		t.Errorf("batches allocated = %v, want 3", got)
	}
}

func TestBatchPoolBounded(t *testing.T) {
	control := newTestControl(t, WithMaxPooledBatches(2))
	for i := 0; i < 5; i++ {
		Recycle(control, make([]int64, 4))
	}
	allocs := 0
	for i := 0; i < 5; i++ {
		Reuse(control, 4, func() []int64 { allocs++; return make([]int64, 4) })
	}
	if allocs != 3 {
		t.Errorf("allocated %d, want 3 beyond the 2 pooled", allocs)
	}
}

func TestBatchPoolDisabledAndClosed(t *testing.T) {
	disabled := newTestControl(t, WithMaxPooledBatches(0))
	Recycle(disabled, make([]int64, 4))
	allocs := 0
	Reuse(disabled, 4, func() []int64 { allocs++; return make([]int64, 4) })
	if allocs != 1 {
		t.Error("disabled pool served a batch")
	}

	closed := NewStageControl(context.Background())
	Recycle(closed, make([]int64, 4))
	if err := closed.Close(); err != nil {
		t.Fatal(err)
	}
	Recycle(closed, make([]int64, 4))
	allocs = 0
	Reuse(closed, 4, func() []int64 { allocs++; return make([]int64, 4) })
	if allocs != 1 {
		t.Error("closed pool served a batch")
	}
}

func TestBatchPoolConcurrent(t *testing.T) {
	control := newTestControl(t, WithMaxPooledBatches(4))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				batch := Reuse(control, 16, func() []int64 { return make([]int64, 16) })
				if len(batch) != 16 {
					t.Errorf("len = %d", len(batch))
					return
				}
				batch[0] = int64(i)
				Recycle(control, batch)
			}
		}()
	}
	wg.Wait()
}
