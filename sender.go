package batchimport

import (
	"fmt"

	importerrors "github.com/tamirms/batchimport/errors"
)

// runSender releases worker results downstream.
//
// With OrderSendDownstream, results are parked by ticket and the contiguous
// prefix starting at the next expected ticket is released as soon as it is
// complete. Empty units advance the prefix without a downstream call.
//
// Results still parked when resultChan closes belong to a halted run; their
// batches go back to the pool.
func (s *processorStep[T, B]) runSender() {
	defer close(s.senderDone)

	pending := make(map[int64]unitResult[B])
	next := int64(0)

	for result := range s.resultChan {
		if !s.ordering.has(OrderSendDownstream) {
			s.release(result)
			continue
		}

		if _, dup := pending[result.ticket]; dup || result.ticket < next {
			s.control.Panic(fmt.Errorf("%w: step %q ticket %d, next %d",
				importerrors.ErrOrderingViolation, s.name, result.ticket, next))
			s.discard(result)
			continue
		}
		pending[result.ticket] = result

		for r, ok := pending[next]; ok; r, ok = pending[next] {
			delete(pending, next)
			s.release(r)
			next++
		}
	}

	for _, r := range pending {
		s.discard(r)
	}
}

// release hands one result downstream and frees its in-flight slot.
func (s *processorStep[T, B]) release(r unitResult[B]) {
	defer s.inFlight.Release(1)

	if !r.present {
		return
	}
	if s.control.Err() != nil {
		s.discard(r)
		return
	}
	if err := s.downstream.Receive(r.batch); err != nil {
		s.control.Panic(fmt.Errorf("step %q: send batch downstream: %w", s.name, err))
		return
	}
	s.metrics.batchesSent.Inc()
	if s.ordering.has(RecycleBatches) {
		s.recycle(r.batch)
	}
}

func (s *processorStep[T, B]) discard(r unitResult[B]) {
	if r.present {
		s.recycle(r.batch)
	}
}
