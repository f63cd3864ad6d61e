package batchimport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	importerrors "github.com/tamirms/batchimport/errors"
)

// defaultMaxPooledBatches bounds the free list of each batch shape.
const defaultMaxPooledBatches = 32

// ControlOption configures a StageControl.
type ControlOption func(*controlConfig)

type controlConfig struct {
	logger     logrus.FieldLogger
	registerer prometheus.Registerer
	maxPooled  int
}

// WithLogger sets the logger for stage and step events. The default discards output.
func WithLogger(logger logrus.FieldLogger) ControlOption {
	return func(c *controlConfig) {
		c.logger = logger
	}
}

// WithRegisterer registers the import metrics with reg. A registerer can
// only take one StageControl's metrics.
func WithRegisterer(reg prometheus.Registerer) ControlOption {
	return func(c *controlConfig) {
		c.registerer = reg
	}
}

// WithMaxPooledBatches sets how many released batches of one shape are kept
// for reuse.
func WithMaxPooledBatches(n int) ControlOption {
	return func(c *controlConfig) {
		c.maxPooled = n
	}
}

// StageControl coordinates all steps of one pipeline run: it pools batch
// buffers and carries the first fatal error to every step.
//
// A StageControl outlives the steps it serves. Create one per run and Close
// it once every step is closed.
type StageControl struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger logrus.FieldLogger

	metrics   *metrics
	maxPooled int

	poolsMu sync.Mutex
	pools   map[poolKey]chan any
	closed  bool

	errMu sync.Mutex
	err   error

	activeSteps atomic.Int32
}

// NewStageControl returns a StageControl bound to ctx. Cancelling ctx halts
// the run like a fatal error would, without recording one.
func NewStageControl(ctx context.Context, opts ...ControlOption) *StageControl {
	cfg := controlConfig{maxPooled: defaultMaxPooledBatches}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		cfg.logger = logger
	}

	ctx, cancel := context.WithCancelCause(ctx)
	return &StageControl{
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.logger,
		metrics:   newMetrics(cfg.registerer),
		maxPooled: max(cfg.maxPooled, 0),
		pools:     make(map[poolKey]chan any),
	}
}

// Panic records err as the run's fatal error and halts every step. Only the
// first error is kept; later ones are logged at debug level.
func (c *StageControl) Panic(err error) {
	if err == nil {
		return
	}

	c.errMu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.errMu.Unlock()

	if !first {
		c.logger.WithField("action", "import_stage_panic").WithError(err).
			Debug("additional failure after stage halted")
		return
	}
	c.cancel(err)
	c.logger.WithField("action", "import_stage_panic").WithError(err).
		Error("import stage halted")
}

// Err returns the first fatal error, or nil.
func (c *StageControl) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed once the run is halted or the control is closed.
func (c *StageControl) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context returns the run context, cancelled with the fatal error as cause.
func (c *StageControl) Context() context.Context {
	return c.ctx
}

// halted returns why new units can no longer be admitted, or nil.
func (c *StageControl) halted() error {
	if err := c.Err(); err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return context.Cause(c.ctx)
	}
	return nil
}

func (c *StageControl) register() {
	c.activeSteps.Add(1)
}

func (c *StageControl) deregister() {
	c.activeSteps.Add(-1)
}

// Close tears the control down and drops pooled batches. It fails with
// ErrStageBusy while steps are still running. It returns the fatal error,
// if any.
func (c *StageControl) Close() error {
	if c.activeSteps.Load() > 0 {
		return importerrors.ErrStageBusy
	}

	c.poolsMu.Lock()
	c.closed = true
	c.pools = nil
	c.poolsMu.Unlock()

	c.cancel(importerrors.ErrStageClosed)
	return c.Err()
}
