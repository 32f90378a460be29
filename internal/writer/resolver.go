package writer

import (
	"context"
	"fmt"
	"sync"

	"valuelog/internal/config"
	"valuelog/internal/storage"
)

// Target is where the samples of one codename are stored.
type Target struct {
	Table    string
	SeriesID int64
}

// Resolver maps codenames to storage targets. Configured series ids are
// used as is; the rest are looked up once in the descriptions table and
// cached.
type Resolver struct {
	store        storage.Store
	defaultTable string

	mu      sync.Mutex
	targets map[string]Target
	tables  map[string]string
}

func NewResolver(store storage.Store, channels []config.ChannelConfig, sc config.StorageConfig) *Resolver {
	r := &Resolver{
		store:        store,
		defaultTable: sc.DefaultTable,
		targets:      make(map[string]Target, len(channels)),
		tables:       make(map[string]string, len(channels)),
	}
	for _, ch := range channels {
		table := sc.DefaultTable
		if ch.Type != "" {
			if t, ok := sc.Tables[ch.Type]; ok {
				table = t
			}
		}
		r.tables[ch.Codename] = table
		if ch.SeriesID > 0 {
			r.targets[ch.Codename] = Target{Table: table, SeriesID: ch.SeriesID}
		}
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, codename string) (Target, error) {
	r.mu.Lock()
	target, ok := r.targets[codename]
	table, known := r.tables[codename]
	r.mu.Unlock()
	if ok {
		return target, nil
	}
	if !known {
		table = r.defaultTable
	}
	if r.store == nil {
		return Target{}, storage.Permanent(fmt.Errorf("no series for %s", codename))
	}
	id, err := r.store.LookupSeries(ctx, codename)
	if err != nil {
		return Target{}, fmt.Errorf("resolve %s: %w", codename, err)
	}
	target = Target{Table: table, SeriesID: id}
	r.mu.Lock()
	r.targets[codename] = target
	r.mu.Unlock()
	return target, nil
}
