package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"valuelog/internal/config"
	"valuelog/internal/logging"
	"valuelog/internal/metrics"
	"valuelog/internal/model"
	"valuelog/internal/storage"
)

var (
	// ErrDrainIncomplete is returned by Stop when samples were still pending
	// as the grace period ran out.
	ErrDrainIncomplete = errors.New("writer: drain incomplete")
	// ErrDatabaseUnavailable is delivered on Fatal when the database has been
	// unreachable for longer than fatal_after, which defaults to the grace
	// period.
	ErrDatabaseUnavailable = errors.New("writer: database unavailable")
)

type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Committed uint64 `json:"committed"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Retries   uint64 `json:"retries"`
	Batches   uint64 `json:"batches"`
	Pending   int    `json:"pending"`
}

type Option func(*Writer)

func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

func WithDiagnostics(d *logging.Limited) Option {
	return func(w *Writer) { w.diag = d }
}

// Writer persists queued samples with a single worker goroutine.
type Writer struct {
	cfg      config.WriterConfig
	store    storage.Store
	resolver *Resolver
	queue    *Queue
	logger   *slog.Logger
	diag     *logging.Limited
	metrics  *metrics.Metrics

	enqueued  atomic.Uint64
	committed atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
	batches   atomic.Uint64
	abandoned atomic.Int64

	fatal     chan error
	fatalOnce sync.Once

	runCtx    context.Context
	cancelRun context.CancelFunc
	stopping  chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg config.WriterConfig, store storage.Store, resolver *Resolver, opts ...Option) *Writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		queue:     NewQueue(cfg.QueueSize, cfg.HighWater),
		logger:    logging.Discard(),
		fatal:     make(chan error, 1),
		runCtx:    ctx,
		cancelRun: cancel,
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.diag == nil {
		w.diag = logging.NewLimited(w.logger, 10*time.Second, 5)
	}
	w.logger = w.logger.With("component", "writer")
	return w
}

// Enqueue never blocks; overflow is handled by the queue policy.
func (w *Writer) Enqueue(s model.Sample) {
	w.enqueued.Add(1)
	if w.queue.Push(s) {
		w.metrics.QueueDropped()
		w.diag.Warn("queue_overflow", "writer queue above high water, dropped oldest sample",
			"codename", s.Codename, "pending", w.queue.Len())
	}
	w.metrics.QueueLength(w.queue.Len())
}

func (w *Writer) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Stop lets the worker drain the queue until ctx is done. Samples still
// pending at that point are abandoned and ErrDrainIncomplete is returned.
func (w *Writer) Stop(ctx context.Context) error {
	w.Start()
	w.stopOnce.Do(func() { close(w.stopping) })
	select {
	case <-w.done:
	case <-ctx.Done():
		w.cancelRun()
		<-w.done
	}
	w.cancelRun()
	pending := int64(w.queue.Len()) + w.abandoned.Load()
	if pending > 0 {
		w.logger.Error("writer stopped with pending samples", "pending", pending)
		return fmt.Errorf("%w: %d samples not persisted", ErrDrainIncomplete, pending)
	}
	w.logger.Info("writer drained", "committed", w.committed.Load())
	return nil
}

// Fatal delivers ErrDatabaseUnavailable at most once.
func (w *Writer) Fatal() <-chan error {
	return w.fatal
}

func (w *Writer) Stats() Stats {
	return Stats{
		Enqueued:  w.enqueued.Load(),
		Committed: w.committed.Load(),
		Dropped:   w.queue.Dropped(),
		Failed:    w.failed.Load(),
		Retries:   w.retries.Load(),
		Batches:   w.batches.Load(),
		Pending:   w.queue.Len(),
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		batch := w.next()
		if batch == nil {
			return
		}
		w.metrics.QueueLength(w.queue.Len())
		if !w.persist(batch) {
			w.abandoned.Add(int64(len(batch)))
			return
		}
	}
}

// next returns the following batch, or nil once stopping with an empty
// queue or after a hard stop.
func (w *Writer) next() []model.Sample {
	for {
		if w.runCtx.Err() != nil {
			return nil
		}
		if n := w.queue.Len(); n > 0 {
			size := 1
			if n > w.cfg.LowWater {
				size = w.cfg.BatchSize
			}
			return w.queue.PopBatch(size)
		}
		select {
		case <-w.stopping:
			if w.queue.Len() == 0 {
				return nil
			}
		case <-w.queue.notify:
		case <-w.runCtx.Done():
			return nil
		}
	}
}

// persist retries transient failures until the batch is written or the
// worker is stopped hard; it returns false in the latter case.
func (w *Writer) persist(batch []model.Sample) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.BackoffBase.D()
	bo.MaxInterval = w.cfg.BackoffCap.D()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.Reset()

	var outageSince time.Time
	for {
		started := time.Now()
		err := w.write(batch)
		if err == nil {
			w.committed.Add(uint64(len(batch)))
			w.batches.Add(1)
			w.metrics.Committed(len(batch), time.Since(started))
			return true
		}
		if storage.IsPermanent(err) {
			if len(batch) > 1 {
				// isolate the offending row
				for _, s := range batch {
					if !w.persist([]model.Sample{s}) {
						return false
					}
				}
				return true
			}
			w.failed.Add(1)
			w.metrics.PermanentFailure()
			w.diag.Error("permanent_failure", "dropping sample after permanent database error",
				"codename", batch[0].Codename, "time", model.UnixSeconds(batch[0].Time), "error", err)
			return true
		}

		w.retries.Add(1)
		w.metrics.Retry()
		if outageSince.IsZero() {
			outageSince = started
		}
		if fa := w.fatalAfter(); fa > 0 && time.Since(outageSince) >= fa {
			w.fatalOnce.Do(func() {
				w.logger.Error("database unreachable", "since", outageSince, "error", err)
				w.fatal <- fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
			})
		}
		wait := bo.NextBackOff()
		w.diag.Warn("transient_failure", "database write failed, retrying",
			"samples", len(batch), "retry_in", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-w.runCtx.Done():
			timer.Stop()
			return false
		}
	}
}

func (w *Writer) write(batch []model.Sample) error {
	if w.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(w.runCtx, w.sqlTimeout())
	defer cancel()
	rows := make([]storage.Row, 0, len(batch))
	for _, s := range batch {
		target, err := w.resolver.Resolve(ctx, s.Codename)
		if err != nil {
			return err
		}
		rows = append(rows, storage.Row{Table: target.Table, SeriesID: target.SeriesID, Time: s.Time, Value: s.Value})
	}
	return w.store.InsertSamples(ctx, rows)
}

// fatalAfter is the outage bound; zero means the writer never gives up.
func (w *Writer) fatalAfter() time.Duration {
	switch fa := w.cfg.FatalAfter.D(); {
	case fa < 0:
		return 0
	case fa > 0:
		return fa
	}
	if g := w.cfg.GraceSeconds.D(); g > 0 {
		return g
	}
	return 10 * time.Second
}

func (w *Writer) sqlTimeout() time.Duration {
	if d := w.cfg.SQLTimeout.D(); d > 0 {
		return d
	}
	return 10 * time.Second
}
