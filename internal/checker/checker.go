// Package checker decides which samples of a dense sensor stream are worth
// keeping. A sample is kept when it is the first one of its channel, when it
// differs significantly from the last kept value, or when the channel timeout
// has elapsed since the last kept sample.
package checker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"valuelog/internal/model"
)

var (
	ErrConfig          = errors.New("checker configuration error")
	ErrUnknownCodename = errors.New("unknown codename")
	ErrOrder           = errors.New("sample older than last kept sample")
	ErrValue           = errors.New("non-finite value")
)

// Channel is the static configuration of one series.
type Channel struct {
	Codename  string
	Kind      model.Kind
	Threshold float64
	Timeout   time.Duration
	// Pretrigger enables the elaborate mode: up to two rejected samples
	// preceding a value-triggered acceptance are emitted before it.
	Pretrigger bool
	// LowCompare, when set, disables value-triggered acceptance for
	// candidates below it.
	LowCompare *float64
}

type Option func(*Checker)

func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

type Checker struct {
	mu       sync.RWMutex
	channels map[string]*channelState
	order    []string
	now      func() time.Time
}

func New(opts ...Option) *Checker {
	c := &Checker{
		channels: make(map[string]*channelState),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) Register(codename string, kind model.Kind, threshold float64, timeout time.Duration) error {
	return c.RegisterChannel(Channel{
		Codename:  codename,
		Kind:      kind,
		Threshold: threshold,
		Timeout:   timeout,
	})
}

func (c *Checker) RegisterChannel(ch Channel) error {
	if ch.Codename == "" {
		return fmt.Errorf("%w: empty codename", ErrConfig)
	}
	if !ch.Kind.Valid() {
		return fmt.Errorf("%w: %s: kind %q", ErrConfig, ch.Codename, ch.Kind)
	}
	if !(ch.Threshold > 0) || math.IsInf(ch.Threshold, 0) {
		return fmt.Errorf("%w: %s: threshold must be > 0", ErrConfig, ch.Codename)
	}
	if ch.Timeout <= 0 {
		return fmt.Errorf("%w: %s: timeout must be > 0", ErrConfig, ch.Codename)
	}
	if ch.LowCompare != nil && !finite(*ch.LowCompare) {
		return fmt.Errorf("%w: %s: low compare must be finite", ErrConfig, ch.Codename)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.channels[ch.Codename]; exists {
		return fmt.Errorf("%w: %s already registered", ErrConfig, ch.Codename)
	}
	if ch.LowCompare != nil {
		low := *ch.LowCompare
		ch.LowCompare = &low
	}
	c.channels[ch.Codename] = &channelState{Channel: ch}
	c.order = append(c.order, ch.Codename)
	return nil
}

// Codenames returns the registered codenames in registration order.
func (c *Checker) Codenames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

func (c *Checker) Channel(codename string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.channels[codename]
	if !ok {
		return Channel{}, false
	}
	return st.Channel, true
}

func (c *Checker) CheckNow(codename string, value float64) (model.Outcome, error) {
	return c.Check(codename, value, c.now())
}

// Check offers one sample. Calls for the same codename must not overlap in
// time order: a candidate older than the last kept sample is an ErrOrder.
func (c *Checker) Check(codename string, value float64, at time.Time) (model.Outcome, error) {
	c.mu.RLock()
	st, ok := c.channels[codename]
	c.mu.RUnlock()
	if !ok {
		return model.Outcome{}, fmt.Errorf("%w: %q", ErrUnknownCodename, codename)
	}
	if !finite(value) {
		return model.Outcome{}, fmt.Errorf("%w: %s=%v", ErrValue, codename, value)
	}
	return st.check(model.Sample{Codename: codename, Time: at, Value: value})
}

// GetLast returns the last kept sample of codename.
func (c *Checker) GetLast(codename string) (model.Sample, bool) {
	c.mu.RLock()
	st, ok := c.channels[codename]
	c.mu.RUnlock()
	if !ok {
		return model.Sample{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.last, st.hasLast
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
