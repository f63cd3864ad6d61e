package batchimport

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	importerrors "github.com/tamirms/batchimport/errors"
)

// Ordering is a set of guarantees a step gives its downstream.
type Ordering int

const (
	// OrderSendDownstream releases batches in the order their units were received.
	OrderSendDownstream Ordering = 1 << iota
	// RecycleBatches returns each batch to the pool once downstream's Receive
	// returns. Without it downstream owns the batch and recycles it itself.
	RecycleBatches
)

func (o Ordering) has(flag Ordering) bool {
	return o&flag != 0
}

// Downstream consumes the batches of a step, one at a time, in release order.
type Downstream[B any] interface {
	Receive(batch B) error
}

// DownstreamFunc adapts a function to Downstream.
type DownstreamFunc[B any] func(batch B) error

func (f DownstreamFunc[B]) Receive(batch B) error {
	return f(batch)
}

// BatchSender is handed to each unit of work to emit its batch.
type BatchSender[B any] interface {
	Send(batch B) error
}

// unitWork is a unit tagged with its ordering ticket.
type unitWork[T any] struct {
	ticket int64
	unit   T
}

// unitResult is what a worker hands the sender. present is false for units
// that emitted nothing; they still resolve their ticket.
type unitResult[B any] struct {
	ticket  int64
	batch   B
	present bool
}

// unitSender collects the single emission of one unit.
type unitSender[B any] struct {
	batch B
	sent  bool
}

func (u *unitSender[B]) Send(batch B) error {
	if u.sent {
		return importerrors.ErrMultipleEmissions
	}
	u.batch = batch
	u.sent = true
	return nil
}

// processorStep runs process over received units on a fixed pool of
// workers and releases the results downstream through a single sender
// goroutine.
//
// At most workers units are in flight between Receive and release, which
// bounds the sender's reorder buffer.
type processorStep[T, B any] struct {
	control *StageControl
	name    string
	workers int
	process func(unit T, sender BatchSender[B]) error
	recycle func(batch B)
	logger  logrus.FieldLogger
	metrics *stepMetrics

	downstream Downstream[B]
	ordering   Ordering

	mu         sync.Mutex // serializes Start, Receive and Close
	started    bool
	closed     bool
	nextTicket int64
	inFlight   *semaphore.Weighted
	dropped    atomic.Int64 // admitted units never processed

	workChan    chan unitWork[T]
	resultChan  chan unitResult[B]
	workerGroup *errgroup.Group
	workerCtx   context.Context
	senderDone  chan struct{}
}

func newProcessorStep[T, B any](control *StageControl, name string, workers int,
	process func(T, BatchSender[B]) error, recycle func(B)) *processorStep[T, B] {
	return &processorStep[T, B]{
		control: control,
		name:    name,
		workers: workers,
		process: process,
		recycle: recycle,
		logger:  control.logger.WithField("step", name),
		metrics: control.metrics.forStep(name),
	}
}

func (s *processorStep[T, B]) start(ordering Ordering) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return importerrors.ErrStepClosed
	case s.started:
		return importerrors.ErrStepAlreadyStarted
	case s.downstream == nil:
		return importerrors.ErrNoDownstream
	}

	s.ordering = ordering
	s.inFlight = semaphore.NewWeighted(int64(s.workers))
	s.workChan = make(chan unitWork[T], s.workers)
	s.resultChan = make(chan unitResult[B], s.workers)
	s.senderDone = make(chan struct{})

	s.workerGroup, s.workerCtx = errgroup.WithContext(s.control.Context())
	for i := 0; i < s.workers; i++ {
		s.workerGroup.Go(s.runWorker)
	}
	go s.runSender()

	s.control.register()
	s.started = true
	s.metrics.workers.Set(float64(s.workers))
	s.logger.WithField("action", "import_step_start").
		WithField("workers", s.workers).
		WithField("ordered", ordering.has(OrderSendDownstream)).
		Debug("step started")
	return nil
}

// receive assigns unit the next ticket and queues it. It blocks while
// workers units are in flight.
func (s *processorStep[T, B]) receive(unit T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return importerrors.ErrStepNotStarted
	}
	if s.closed {
		return importerrors.ErrStepClosed
	}
	if err := s.control.halted(); err != nil {
		return err
	}

	if err := s.inFlight.Acquire(s.workerCtx, 1); err != nil {
		return s.haltedErr()
	}
	work := unitWork[T]{ticket: s.nextTicket, unit: unit}
	s.nextTicket++

	// Never blocks for long: the channel holds workers units and at most
	// workers are in flight.
	select {
	case s.workChan <- work:
		return nil
	case <-s.workerCtx.Done():
		s.inFlight.Release(1)
		return s.haltedErr()
	}
}

func (s *processorStep[T, B]) haltedErr() error {
	if err := s.control.halted(); err != nil {
		return err
	}
	return importerrors.ErrStepClosed
}

// runWorker processes units until the work channel closes or the run halts.
func (s *processorStep[T, B]) runWorker() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: step %q: %v", importerrors.ErrWorkerPanic, s.name, r)
			s.logger.WithField("action", "import_step_worker_panic").
				WithField("stack", string(debug.Stack())).
				Error(err)
			s.control.Panic(err)
		}
	}()

	for work := range s.workChan {
		select {
		case <-s.workerCtx.Done():
			s.dropped.Add(1)
			return nil
		default:
		}

		sender := &unitSender[B]{}
		if err := s.process(work.unit, sender); err != nil {
			if sender.sent {
				s.recycle(sender.batch)
			}
			err = fmt.Errorf("step %q unit %d: %w", s.name, work.ticket, err)
			s.control.Panic(err)
			return err
		}

		s.metrics.unitsProcessed.Inc()
		if !sender.sent {
			s.metrics.emptyUnits.Inc()
		}
		s.resultChan <- unitResult[B]{
			ticket:  work.ticket,
			batch:   sender.batch,
			present: sender.sent,
		}
	}
	return nil
}

// close drains the pipeline: no more units, wait for workers, then for the
// sender. Returns the run's fatal error, if any. A run cancelled through the
// parent context fails too when admitted units were never processed.
func (s *processorStep[T, B]) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.closeErr()
	}
	s.closed = true
	if !s.started {
		return nil
	}

	close(s.workChan)
	_ = s.workerGroup.Wait() // worker errors already reached the control
	for range s.workChan {
		s.dropped.Add(1)
	}
	close(s.resultChan)
	<-s.senderDone

	s.control.deregister()
	s.metrics.workers.Set(0)
	s.logger.WithField("action", "import_step_close").
		WithField("units", s.nextTicket).
		WithField("dropped", s.dropped.Load()).
		Debug("step closed")
	return s.closeErr()
}

// closeErr is the run's fatal error or, when the run was cancelled without
// one, the cancellation cause if admitted units were dropped.
func (s *processorStep[T, B]) closeErr() error {
	if err := s.control.Err(); err != nil {
		return err
	}
	if n := s.dropped.Load(); n > 0 {
		return fmt.Errorf("step %q: %d units dropped: %w", s.name, n, s.control.halted())
	}
	return nil
}
