package batchimport

import (
	"fmt"
	"runtime"

	importerrors "github.com/tamirms/batchimport/errors"
)

// maxReadProcessors caps reader workers. Reading is I/O bound and beyond
// about a dozen concurrent page reads more workers slow things down.
const maxReadProcessors = 12

// Configuration holds the importer options the read step consumes.
type Configuration struct {
	// BatchSize is the capacity of every batch and the length of id units.
	BatchSize int
	// MaxNumberOfProcessors is the upper bound on workers for any step.
	MaxNumberOfProcessors int
	// HighIO marks storage that can sustain parallel reads while the
	// importer is also writing records.
	HighIO bool
	// ParallelRecordReads enables parallel reads outside the record-writing stage.
	ParallelRecordReads bool
}

// DefaultConfiguration returns the configuration used when nothing is overridden.
func DefaultConfiguration() Configuration {
	return Configuration{
		BatchSize:             10_000,
		MaxNumberOfProcessors: runtime.NumCPU(),
		ParallelRecordReads:   true,
	}
}

// Validate rejects configurations the read step cannot run with.
func (c Configuration) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", importerrors.ErrInvalidBatchSize, c.BatchSize)
	}
	if c.MaxNumberOfProcessors < 1 {
		return fmt.Errorf("%w: %d", importerrors.ErrInvalidProcessorCount, c.MaxNumberOfProcessors)
	}
	return nil
}

// parallelReading reports whether a read step may use more than one worker.
// In the record-writing stage reads compete with writes, so only high-I/O
// storage qualifies there.
func parallelReading(cfg Configuration, inRecordWritingStage bool) bool {
	return (inRecordWritingStage && cfg.HighIO) ||
		(!inRecordWritingStage && cfg.ParallelRecordReads)
}

// readProcessors returns the worker count of a read step.
func readProcessors(cfg Configuration, inRecordWritingStage bool) int {
	if parallelReading(cfg, inRecordWritingStage) {
		return min(maxReadProcessors, cfg.MaxNumberOfProcessors)
	}
	return 1
}
