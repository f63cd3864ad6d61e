package batchimport

import (
	"errors"
	"fmt"

	"github.com/tamirms/batchimport/recordstore"
)

// defaultReadStepName is the step label used in logs and metrics.
const defaultReadStepName = "read"

// ReadOption configures a ReadRecordsStep.
type ReadOption func(*readConfig)

type readConfig struct {
	prefetch bool
	name     string
}

// WithPrefetch makes the step open read-ahead cursors. It changes
// throughput, never the batches produced.
func WithPrefetch(prefetch bool) ReadOption {
	return func(c *readConfig) {
		c.prefetch = prefetch
	}
}

// WithStepName sets the step label used in logs and metrics.
func WithStepName(name string) ReadOption {
	return func(c *readConfig) {
		c.name = name
	}
}

// ReadRecordsStep reads the records of each received id unit from a store
// and sends them downstream as one batch per unit, in the order the units
// were received.
//
// Lifecycle: SetDownstream, Start, any number of Receive calls (usually via
// Feed), Close.
type ReadRecordsStep[R Record] struct {
	step      *processorStep[LongIterator, []R]
	control   *StageControl
	store     RecordStore[R]
	assembler RecordAssembler[R]
	batchSize int
	prefetch  bool
	metrics   *stepMetrics
}

// NewReadRecordsStep creates a read step over store.
//
// The worker count is fixed here: min(12, cfg.MaxNumberOfProcessors) when
// parallel reading applies to the stage, otherwise 1. A nil assembler reads
// with a RecordDataAssembler that skips records not in use.
func NewReadRecordsStep[R Record](control *StageControl, cfg Configuration, inRecordWritingStage bool,
	store RecordStore[R], assembler RecordAssembler[R], opts ...ReadOption) (*ReadRecordsStep[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rc := readConfig{name: defaultReadStepName}
	for _, opt := range opts {
		opt(&rc)
	}
	if assembler == nil {
		assembler = NewRecordDataAssembler(store.NewRecord, SkipUnused)
	}

	r := &ReadRecordsStep[R]{
		control:   control,
		store:     store,
		assembler: assembler,
		batchSize: cfg.BatchSize,
		prefetch:  rc.prefetch,
	}
	r.step = newProcessorStep(control, rc.name, readProcessors(cfg, inRecordWritingStage),
		r.process, func(batch []R) { Recycle(control, batch) })
	r.metrics = r.step.metrics
	return r, nil
}

// SetDownstream sets the consumer of this step's batches. Call before Start.
func (r *ReadRecordsStep[R]) SetDownstream(downstream Downstream[[]R]) {
	r.step.downstream = downstream
}

// Start launches the workers. OrderSendDownstream is always added to ordering.
func (r *ReadRecordsStep[R]) Start(ordering Ordering) error {
	return r.step.start(ordering | OrderSendDownstream)
}

// Receive queues one id unit. It blocks while the step is saturated and
// fails once the run has halted.
func (r *ReadRecordsStep[R]) Receive(unit LongIterator) error {
	return r.step.receive(unit)
}

// Close waits for queued units to be processed and released, then returns
// the run's fatal error, if any.
func (r *ReadRecordsStep[R]) Close() error {
	return r.step.close()
}

// Processors returns the number of workers.
func (r *ReadRecordsStep[R]) Processors() int {
	return r.step.workers
}

// Name returns the step label.
func (r *ReadRecordsStep[R]) Name() string {
	return r.step.name
}

// process turns one unit into at most one batch.
func (r *ReadRecordsStep[R]) process(unit LongIterator, sender BatchSender[[]R]) error {
	if !unit.HasNext() {
		return nil
	}

	id := unit.Next()
	batch := Reuse(r.control, r.batchSize, func() []R {
		return r.assembler.NewBatchObject(r.batchSize)
	})
	count, err := r.fill(unit, id, batch)
	if err != nil {
		Recycle(r.control, batch)
		return err
	}
	return sender.Send(r.assembler.CutOffAt(batch, count))
}

// fill reads id and the rest of unit into batch under one page cursor,
// which is closed before fill returns.
func (r *ReadRecordsStep[R]) fill(unit LongIterator, id int64, batch []R) (count int, err error) {
	cursor, err := r.openCursor(id)
	if err != nil {
		return 0, fmt.Errorf("open page cursor at record %d: %w", id, err)
	}
	defer func() {
		err = errors.Join(err, cursor.Close())
	}()

	read := 0
	defer func() {
		r.metrics.recordsRead.Add(float64(read))
		r.metrics.recordsAccepted.Add(float64(count))
	}()

	for {
		filled, appendErr := r.assembler.Append(r.store, cursor, batch, id, count)
		read++
		if appendErr != nil {
			return count, fmt.Errorf("read record %d: %w", id, appendErr)
		}
		if filled {
			count++
		}
		if !unit.HasNext() {
			return count, nil
		}
		id = unit.Next()
	}
}

func (r *ReadRecordsStep[R]) openCursor(id int64) (recordstore.PageCursor, error) {
	if r.prefetch {
		return r.store.OpenPageCursorForReadingWithPrefetching(id)
	}
	return r.store.OpenPageCursorForReading(id)
}
