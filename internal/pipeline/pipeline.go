// Package pipeline fans accepted samples out to the cache and the writer.
package pipeline

import (
	"errors"
	"sync"
	"time"

	"valuelog/internal/cache"
	"valuelog/internal/checker"
	"valuelog/internal/logging"
	"valuelog/internal/metrics"
	"valuelog/internal/model"
)

type Enqueuer interface {
	Enqueue(model.Sample)
}

type Option func(*Pipeline)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithDiagnostics(d *logging.Limited) Option {
	return func(p *Pipeline) { p.diag = d }
}

// WithTap sends kept points to t as well, after the writer.
func WithTap(t Enqueuer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.taps = append(p.taps, t)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline is safe for concurrent use. Offers for one codename are
// serialized so the checker, the cache and the writer see the same order.
type Pipeline struct {
	locks   sync.Map // codename -> *sync.Mutex
	checker *checker.Checker
	cache   *cache.Cache
	out     Enqueuer
	taps    []Enqueuer
	metrics *metrics.Metrics
	diag    *logging.Limited
	now     func() time.Time
}

func New(c *checker.Checker, dp *cache.Cache, out Enqueuer, opts ...Option) *Pipeline {
	p := &Pipeline{checker: c, cache: dp, out: out, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.diag == nil {
		p.diag = logging.NewLimited(logging.Discard(), time.Minute, 1)
	}
	return p
}

// Offer runs one sample through the checker. Kept points reach the cache
// and the writer in order. A zero time means now.
func (p *Pipeline) Offer(codename string, value float64, at time.Time) (model.Outcome, error) {
	mu := p.lock(codename)
	mu.Lock()
	defer mu.Unlock()
	if at.IsZero() {
		at = p.now()
	}
	out, err := p.checker.Check(codename, value, at)
	if err != nil {
		kind := errorKind(err)
		p.metrics.InputError(kind)
		p.diag.Warn("input:"+kind+":"+codename, "sample refused", "codename", codename, "value", value, "err", err)
		return out, err
	}
	p.metrics.Offered(out.Verdict.String())
	for _, pt := range out.Points {
		p.cache.Put(pt.Codename, pt.Time, pt.Value)
		if p.out != nil {
			p.out.Enqueue(pt)
		}
		for _, t := range p.taps {
			t.Enqueue(pt)
		}
	}
	return out, nil
}

func (p *Pipeline) lock(codename string) *sync.Mutex {
	if mu, ok := p.locks.Load(codename); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := p.locks.LoadOrStore(codename, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, checker.ErrUnknownCodename):
		return "unknown_codename"
	case errors.Is(err, checker.ErrOrder):
		return "order"
	case errors.Is(err, checker.ErrValue):
		return "value"
	}
	return "other"
}
