package driver

import (
	"context"
	"time"

	"valuelog/internal/pushsock"
)

// SetpointReader feeds target state keys that carry a codename back into
// the pipeline so setpoints are logged like measurements.
type SetpointReader struct {
	state    *pushsock.TargetState
	interval time.Duration
	names    map[string]string
	first    bool
}

func NewSetpointReader(state *pushsock.TargetState, interval time.Duration) *SetpointReader {
	names := make(map[string]string)
	schema := state.Schema()
	for _, key := range schema.Keys() {
		if f, _ := schema.Field(key); f.Codename != "" {
			names[key] = f.Codename
		}
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &SetpointReader{state: state, interval: interval, names: names, first: true}
}

func (r *SetpointReader) Name() string { return "setpoints" }

// Codenames reports how many keys are logged.
func (r *SetpointReader) Codenames() int { return len(r.names) }

func (r *SetpointReader) Read(ctx context.Context) ([]Reading, error) {
	if !r.first {
		t := time.NewTimer(r.interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	r.first = false
	now := time.Now()
	values := r.state.Snapshot()
	out := make([]Reading, 0, len(r.names))
	for key, cn := range r.names {
		if v, ok := values[key]; ok {
			out = append(out, Reading{Codename: cn, Value: v, Time: now})
		}
	}
	return out, nil
}
