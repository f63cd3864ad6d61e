package batchimport

// Receiver accepts id units for processing.
type Receiver interface {
	Receive(unit LongIterator) error
}

// Feed draws every unit from ids in order and hands it to step. It stops at
// the first error, which is usually the pipeline's fatal error.
func Feed(step Receiver, ids RecordIDIterator) error {
	for {
		unit, ok := ids.NextBatch()
		if !ok {
			return nil
		}
		if err := step.Receive(unit); err != nil {
			return err
		}
	}
}
