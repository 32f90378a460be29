package sysstatus

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	StatusOK       = "OK"
	StatusInactive = "INACTIVE"
	StatusDisabled = "DISABLED"
)

// SocketStatus is the activity report of one socket server.
type SocketStatus struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Status            string   `json:"status"`
	SinceLastActivity *float64 `json:"since_last_activity"`
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry tracks the last request seen by each socket server.
type Registry struct {
	mu       sync.Mutex
	trackers map[int]*Tracker
	now      func() time.Time
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{trackers: make(map[int]*Tracker), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a server; a zero timeout disables activity checking.
func (r *Registry) Register(port int, name, kind string, timeout time.Duration) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &Tracker{name: name, kind: kind, timeout: timeout, last: r.now(), now: r.now}
	r.trackers[port] = t
	return t
}

func (r *Registry) Unregister(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, port)
}

// Status is keyed by port.
func (r *Registry) Status() map[string]SocketStatus {
	r.mu.Lock()
	ports := make([]int, 0, len(r.trackers))
	for p := range r.trackers {
		ports = append(ports, p)
	}
	trackers := make(map[int]*Tracker, len(r.trackers))
	for p, t := range r.trackers {
		trackers[p] = t
	}
	r.mu.Unlock()

	sort.Ints(ports)
	out := make(map[string]SocketStatus, len(ports))
	for _, p := range ports {
		out[strconv.Itoa(p)] = trackers[p].status()
	}
	return out
}

type Tracker struct {
	name    string
	kind    string
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	last time.Time
}

// Touch records activity. Safe on a nil tracker.
func (t *Tracker) Touch() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.last = t.now()
	t.mu.Unlock()
}

func (t *Tracker) status() SocketStatus {
	st := SocketStatus{Name: t.name, Type: t.kind, Status: StatusDisabled}
	if t.timeout <= 0 {
		return st
	}
	t.mu.Lock()
	since := t.now().Sub(t.last).Seconds()
	t.mu.Unlock()
	st.SinceLastActivity = &since
	if since < t.timeout.Seconds() {
		st.Status = StatusOK
	} else {
		st.Status = StatusInactive
	}
	return st
}
