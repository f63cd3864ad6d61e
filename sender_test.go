package batchimport

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	importerrors "github.com/tamirms/batchimport/errors"
)

// senderHarness drives the sender of an idle processorStep by posting
// results directly, as workers would.
type senderHarness struct {
	step     *processorStep[int, int]
	mu       sync.Mutex
	received []int
	recycled []int
}

func newSenderHarness(t *testing.T, ordering Ordering) *senderHarness {
	t.Helper()
	h := &senderHarness{}
	control := newTestControl(t)
	h.step = newProcessorStep(control, "test", 3,
		func(int, BatchSender[int]) error { return nil },
		func(batch int) {
			h.mu.Lock()
			h.recycled = append(h.recycled, batch)
			h.mu.Unlock()
		})
	h.step.downstream = DownstreamFunc[int](func(batch int) error {
		h.mu.Lock()
		h.received = append(h.received, batch)
		h.mu.Unlock()
		return nil
	})
	if err := h.step.start(ordering); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *senderHarness) post(t *testing.T, ticket int64, present bool) {
	t.Helper()
	if err := h.step.inFlight.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	h.step.resultChan <- unitResult[int]{ticket: ticket, batch: int(ticket) * 10, present: present}
}

func TestSenderReleasesContiguousPrefix(t *testing.T) {
	h := newSenderHarness(t, OrderSendDownstream)
	h.post(t, 2, true)
	h.post(t, 1, false)
	h.post(t, 0, true)
	if err := h.step.close(); err != nil {
		t.Fatal(err)
	}
	if want := []int{0, 20}; !slices.Equal(h.received, want) {
		t.Errorf("received %v, want %v", h.received, want)
	}
}

func TestSenderUnordered(t *testing.T) {
	h := newSenderHarness(t, RecycleBatches)
	h.post(t, 2, true)
	h.post(t, 0, true)
	h.post(t, 1, true)
	if err := h.step.close(); err != nil {
		t.Fatal(err)
	}
	if want := []int{20, 0, 10}; !slices.Equal(h.received, want) {
		t.Errorf("received %v, want arrival order %v", h.received, want)
	}
	if want := []int{20, 0, 10}; !slices.Equal(h.recycled, want) {
		t.Errorf("recycled %v, want %v", h.recycled, want)
	}
}

func TestSenderOrderingViolation(t *testing.T) {
	h := newSenderHarness(t, OrderSendDownstream)
	h.post(t, 0, true)
	// A second result for a released ticket; its slot is never freed.
	h.step.resultChan <- unitResult[int]{ticket: 0, batch: 99, present: true}

	err := h.step.close()
	if !errors.Is(err, importerrors.ErrOrderingViolation) {
		t.Fatalf("close = %v, want ErrOrderingViolation", err)
	}
	if !slices.Equal(h.received, []int{0}) {
		t.Errorf("received %v, want [0]", h.received)
	}
	if !slices.Equal(h.recycled, []int{99}) {
		t.Errorf("recycled %v, want the rejected batch", h.recycled)
	}
}

func TestSenderDiscardsParkedResultsOnHalt(t *testing.T) {
	h := newSenderHarness(t, OrderSendDownstream)
	h.post(t, 1, true)
	h.post(t, 2, true)
	boom := errors.New("boom")
	h.step.control.Panic(boom)

	if err := h.step.close(); !errors.Is(err, boom) {
		t.Fatalf("close = %v, want %v", err, boom)
	}
	if len(h.received) != 0 {
		t.Errorf("received %v from a halted run", h.received)
	}
	slices.Sort(h.recycled)
	if want := []int{10, 20}; !slices.Equal(h.recycled, want) {
		t.Errorf("recycled %v, want %v", h.recycled, want)
	}
}

func TestUnitSenderSingleEmission(t *testing.T) {
	s := &unitSender[int]{}
	if err := s.Send(1); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(2); !errors.Is(err, importerrors.ErrMultipleEmissions) {
		t.Errorf("second Send = %v, want ErrMultipleEmissions", err)
	}
	if s.batch != 1 {
		t.Errorf("batch = %d, want the first emission", s.batch)
	}
}
