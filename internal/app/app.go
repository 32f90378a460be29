// Package app wires the pipeline components together and owns their
// start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"valuelog/internal/api"
	"valuelog/internal/cache"
	"valuelog/internal/checker"
	"valuelog/internal/config"
	"valuelog/internal/driver"
	"valuelog/internal/ingest"
	"valuelog/internal/logging"
	"valuelog/internal/metrics"
	"valuelog/internal/pipeline"
	"valuelog/internal/pullsock"
	"valuelog/internal/pushsock"
	"valuelog/internal/recent"
	"valuelog/internal/storage"
	"valuelog/internal/sysstatus"
	"valuelog/internal/writer"
)

// Version is reported by the status endpoints.
var Version = "dev"

// ErrBind is returned when a socket server cannot bind its port.
var ErrBind = errors.New("socket bind failed")

type Option func(*App)

// WithStore replaces the configured store.
func WithStore(s storage.Store) Option {
	return func(a *App) { a.store = s }
}

// WithReader adds a driver next to the configured sources.
func WithReader(r driver.Reader) Option {
	return func(a *App) { a.extra = append(a.extra, r) }
}

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	diag     *logging.Limited
	status   *sysstatus.Registry

	checker  *checker.Checker
	cache    *cache.Cache
	recent   *recent.Store
	state    *pushsock.TargetState
	store    storage.Store
	writer   *writer.Writer
	pipeline *pipeline.Pipeline

	pull *pullsock.Server
	push *pushsock.Server
	api  *api.Server

	extra   []driver.Reader
	readers []driver.Reader
	tail    *ingest.FileTail
	closers []io.Closer

	ready     chan struct{}
	readyOnce sync.Once
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalid)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		status:   sysstatus.NewRegistry(),
		cache:    cache.New(),
		recent:   recent.NewStore(1000),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.diag = logging.NewLimited(logger.With("component", "diagnostics"), cfg.Diagnostics.LogEvery.D(), cfg.Diagnostics.LogBurst)

	a.checker = checker.New()
	codenames := make([]string, 0, len(cfg.Codenames))
	timeouts := make(map[string]time.Duration, len(cfg.Codenames))
	for _, ch := range cfg.Codenames {
		err := a.checker.RegisterChannel(checker.Channel{
			Codename:   ch.Codename,
			Kind:       ch.Kind,
			Threshold:  ch.Threshold,
			Timeout:    ch.Timeout.D(),
			Pretrigger: ch.Pretrigger,
			LowCompare: ch.LowCompare,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		codenames = append(codenames, ch.Codename)
		timeouts[ch.Codename] = ch.Timeout.D()
	}

	schema, err := pushsock.NewSchema(schemaFields(cfg.Push.Schema))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	a.state = pushsock.NewTargetState(schema)

	if a.store == nil {
		store, err := storage.NewStore(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		a.store = store
	}
	a.writer = writer.New(cfg.Writer, a.store, writer.NewResolver(a.store, cfg.Codenames, cfg.Storage),
		writer.WithLogger(logger), writer.WithMetrics(a.metrics), writer.WithDiagnostics(a.diag))
	a.pipeline = pipeline.New(a.checker, a.cache, a.writer,
		pipeline.WithTap(a.recent), pipeline.WithMetrics(a.metrics), pipeline.WithDiagnostics(a.diag))

	system := sysstatus.System{Purpose: cfg.Station}
	if cfg.Pull.Enabled {
		a.pull = pullsock.New(pullsock.Config{
			Host:            cfg.Pull.Host,
			Port:            cfg.Pull.Port,
			Name:            cfg.Pull.Name,
			Codenames:       codenames,
			Timeouts:        timeouts,
			StaleFactor:     cfg.Pull.StaleFactor,
			ActivityTimeout: cfg.Pull.ActivityTimeout.D(),
		}, a.cache, pullsock.WithLogger(logger), pullsock.WithMetrics(a.metrics), pullsock.WithStatus(a.status, system))
	}
	if cfg.Push.Enabled {
		a.push = pushsock.New(pushsock.Config{
			Host:            cfg.Push.Host,
			Port:            cfg.Push.Port,
			Name:            cfg.Push.Name,
			ActivityTimeout: cfg.Push.ActivityTimeout.D(),
		}, a.state, pushsock.WithLogger(logger), pushsock.WithMetrics(a.metrics), pushsock.WithRegistry(a.status))
	}
	if cfg.API.Enabled {
		a.api = api.New(cfg.API, api.Deps{
			Station:  cfg.Station,
			Version:  Version,
			Cache:    a.cache,
			State:    a.state,
			Recent:   a.recent,
			Pipeline: a.pipeline,
			Writer:   a.writer.Stats,
			Registry: a.status,
			System:   &system,
			Gatherer: a.registry,
		}, logger)
	}
	a.buildReaders()
	return a, nil
}

func schemaFields(in map[string]config.FieldConfig) map[string]pushsock.Field {
	out := make(map[string]pushsock.Field, len(in))
	for k, f := range in {
		out[k] = pushsock.Field{
			Type:     pushsock.FieldType(strings.ToLower(f.Type)),
			Min:      f.Min,
			Max:      f.Max,
			Default:  f.Default,
			Codename: f.Codename,
		}
	}
	return out
}

func (a *App) buildReaders() {
	src := a.cfg.Sources
	parser := ingest.NewParser(nil)
	if src.Kafka.Enabled {
		k := ingest.NewKafkaReader(src.Kafka, parser, a.logger)
		a.readers = append(a.readers, k)
		a.closers = append(a.closers, k)
	}
	if src.FileTail.Enabled {
		a.tail = ingest.NewFileTail(src.FileTail, ingest.NewParser(nil), a.logger)
		a.readers = append(a.readers, a.tail)
	}
	if a.cfg.Push.Enabled {
		sp := driver.NewSetpointReader(a.state, a.cfg.Push.SetpointInterval.D())
		if sp.Codenames() > 0 {
			a.readers = append(a.readers, sp)
		}
	}
	a.readers = append(a.readers, a.extra...)
}

// Ready is closed once every socket is bound.
func (a *App) Ready() <-chan struct{} { return a.ready }

func (a *App) PullAddr() net.Addr {
	if a.pull == nil {
		return nil
	}
	return a.pull.Addr()
}

func (a *App) PushAddr() net.Addr {
	if a.push == nil {
		return nil
	}
	return a.push.Addr()
}

func (a *App) APIAddr() net.Addr {
	if a.api == nil {
		return nil
	}
	return a.api.Addr()
}

func (a *App) Writer() *writer.Writer { return a.writer }

// Run blocks until ctx is done or the database is declared unavailable,
// then stops drivers, sockets, the API and finally drains the writer.
func (a *App) Run(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, a.cfg.Writer.SQLTimeout.D()+time.Second)
	err := a.store.Init(initCtx)
	cancel()
	if err != nil {
		_ = a.store.Close()
		return fmt.Errorf("%w: init store: %v", writer.ErrDatabaseUnavailable, err)
	}
	if err := a.bind(); err != nil {
		a.closeSockets()
		_ = a.store.Close()
		return err
	}
	a.readyOnce.Do(func() { close(a.ready) })
	a.writer.Start()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	servers, sctx := errgroup.WithContext(runCtx)
	if a.pull != nil {
		servers.Go(func() error { return a.pull.Serve(sctx) })
	}
	if a.push != nil {
		servers.Go(func() error { return a.push.Serve(sctx) })
	}
	if a.api != nil {
		servers.Go(func() error { return a.api.Serve(sctx) })
	}

	dctx, cancelDrivers := context.WithCancel(sctx)
	defer cancelDrivers()
	if a.tail != nil {
		a.tail.Start(dctx)
	}
	var drivers errgroup.Group
	for _, r := range a.readers {
		lp := a.loop(r)
		drivers.Go(func() error { return lp.Run(dctx) })
	}
	a.logger.Info("valuelog running",
		"station", a.cfg.Station, "codenames", len(a.cfg.Codenames), "drivers", len(a.readers))

	var fatal error
	select {
	case <-sctx.Done():
	case fatal = <-a.writer.Fatal():
		a.logger.Error("shutting down after database failure", "err", fatal)
	}

	cancelDrivers()
	_ = drivers.Wait()
	cancelRun()
	a.closeSockets()
	serverErr := servers.Wait()
	for _, c := range a.closers {
		_ = c.Close()
	}

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), a.cfg.Writer.GraceSeconds.D())
	drainErr := a.writer.Stop(graceCtx)
	cancelGrace()
	stats := a.writer.Stats()
	a.logger.Info("valuelog stopped",
		"committed", stats.Committed, "dropped", stats.Dropped, "failed", stats.Failed, "pending", stats.Pending)
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "err", err)
	}

	switch {
	case drainErr != nil && fatal != nil:
		return errors.Join(fatal, drainErr)
	case fatal != nil:
		return fatal
	case drainErr != nil:
		return drainErr
	}
	return serverErr
}

func (a *App) bind() error {
	if a.pull != nil {
		if err := a.pull.Listen(); err != nil {
			return fmt.Errorf("%w: pull socket: %v", ErrBind, err)
		}
	}
	if a.push != nil {
		if err := a.push.Listen(); err != nil {
			return fmt.Errorf("%w: push socket: %v", ErrBind, err)
		}
	}
	if a.api != nil {
		if err := a.api.Listen(); err != nil {
			return fmt.Errorf("%w: api: %v", ErrBind, err)
		}
	}
	return nil
}

func (a *App) closeSockets() {
	if a.pull != nil {
		_ = a.pull.Close()
	}
	if a.push != nil {
		_ = a.push.Close()
	}
}

func (a *App) loop(r driver.Reader) *driver.Loop {
	readTimeout := a.cfg.Sources.ReadTimeout.D()
	switch r.(type) {
	case *ingest.KafkaReader, *ingest.FileTail:
		// consumers block until data arrives; idling is not a timeout
		readTimeout = 0
	case *driver.SetpointReader:
		readTimeout += a.cfg.Push.SetpointInterval.D()
	}
	return driver.NewLoop(r, a.pipeline,
		driver.WithLogger(a.logger),
		driver.WithMetrics(a.metrics),
		driver.WithDiagnostics(a.diag),
		driver.WithTimeouts(readTimeout, a.cfg.Sources.ErrorSleep.D()),
	)
}
