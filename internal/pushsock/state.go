package pushsock

import (
	"sort"
	"sync"
	"time"
)

// TargetState holds the values a controller loop should drive towards.
// Writers replace keys under the lock; readers get copies.
type TargetState struct {
	schema *Schema

	mu      sync.RWMutex
	values  map[string]float64
	updated map[string]struct{}
	last    string
	lastAt  time.Time
	version uint64
}

func NewTargetState(schema *Schema) *TargetState {
	if schema == nil {
		schema = &Schema{fields: map[string]Field{}}
	}
	ts := &TargetState{
		schema:  schema,
		values:  make(map[string]float64),
		updated: make(map[string]struct{}),
	}
	for _, k := range schema.keys {
		if d := schema.fields[k].Default; d != nil {
			ts.values[k] = *d
		}
	}
	return ts
}

func (ts *TargetState) Schema() *Schema { return ts.schema }

// Apply merges validated values and returns the new version.
func (ts *TargetState) Apply(values map[string]float64, raw string) uint64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for k, v := range values {
		ts.values[k] = v
		ts.updated[k] = struct{}{}
	}
	ts.last = raw
	ts.lastAt = time.Now()
	ts.version++
	return ts.version
}

func (ts *TargetState) Snapshot() map[string]float64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make(map[string]float64, len(ts.values))
	for k, v := range ts.values {
		out[k] = v
	}
	return out
}

// Last returns the payload of the last accepted message and when it arrived.
func (ts *TargetState) Last() (string, time.Time) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.last, ts.lastAt
}

// Updated lists keys written since the last ClearUpdated.
func (ts *TargetState) Updated() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, 0, len(ts.updated))
	for k := range ts.updated {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (ts *TargetState) ClearUpdated() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	clear(ts.updated)
}

func (ts *TargetState) Version() uint64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.version
}
