// Package driver runs sample sources at the boundary of the pipeline.
// Read failures are turned into counted diagnostics and never reach the
// checker.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"valuelog/internal/logging"
	"valuelog/internal/metrics"
	"valuelog/internal/model"
)

var (
	// ErrTimeout is returned by readers whose device did not answer in time.
	ErrTimeout = errors.New("driver read timeout")
	// ErrExhausted ends a loop cleanly; finite sources return it when done.
	ErrExhausted = errors.New("driver source exhausted")
)

// ProtocolError is a reply the reader could not make sense of.
type ProtocolError struct {
	Driver string
	Reason string
	Raw    string
}

func (e *ProtocolError) Error() string {
	if e.Raw == "" {
		return fmt.Sprintf("%s: protocol error: %s", e.Driver, e.Reason)
	}
	return fmt.Sprintf("%s: protocol error: %s (%q)", e.Driver, e.Reason, e.Raw)
}

// Reading is one value produced by a reader. A zero Time means now.
type Reading struct {
	Codename string
	Value    float64
	Time     time.Time
}

type Reader interface {
	Name() string
	// Read blocks until readings are available or ctx is done.
	Read(ctx context.Context) ([]Reading, error)
}

type Offerer interface {
	Offer(codename string, value float64, at time.Time) (model.Outcome, error)
}

type Option func(*Loop)

func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

func WithDiagnostics(d *logging.Limited) Option {
	return func(lp *Loop) { lp.diag = d }
}

// WithTimeouts bounds each Read and sets the pause after a failed one.
func WithTimeouts(read, errorSleep time.Duration) Option {
	return func(lp *Loop) {
		lp.readTimeout = read
		lp.errorSleep = errorSleep
	}
}

type Loop struct {
	reader      Reader
	out         Offerer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	diag        *logging.Limited
	readTimeout time.Duration
	errorSleep  time.Duration
}

func NewLoop(reader Reader, out Offerer, opts ...Option) *Loop {
	lp := &Loop{
		reader:     reader,
		out:        out,
		logger:     logging.Discard(),
		errorSleep: time.Second,
	}
	for _, opt := range opts {
		opt(lp)
	}
	lp.logger = lp.logger.With("component", "driver", "driver", reader.Name())
	if lp.diag == nil {
		lp.diag = logging.NewLimited(lp.logger, 10*time.Second, 5)
	}
	return lp
}

// Run reads until ctx is done or the reader is exhausted.
func (lp *Loop) Run(ctx context.Context) error {
	lp.logger.Info("driver loop started")
	defer lp.logger.Info("driver loop stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		readings, err := lp.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrExhausted) {
				return nil
			}
			kind := classify(err)
			lp.metrics.DriverError(lp.reader.Name(), kind)
			lp.diag.Warn(lp.reader.Name()+":"+kind, "driver read failed", "kind", kind, "err", err)
			if !Sleep(ctx, lp.errorSleep) {
				return nil
			}
			continue
		}
		for _, r := range readings {
			// refusals are counted by the pipeline
			_, _ = lp.out.Offer(r.Codename, r.Value, r.Time)
		}
	}
}

func (lp *Loop) read(ctx context.Context) (readings []Reading, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	if lp.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lp.readTimeout)
		defer cancel()
		readings, err = lp.reader.Read(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return readings, err
	}
	return lp.reader.Read(ctx)
}

func classify(err error) string {
	var pe *ProtocolError
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &pe):
		return "protocol"
	}
	return "other"
}

// Sleep waits d, or 200ms when d is not positive, and reports false if ctx
// ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
