// Package recent keeps the last kept points for live views.
package recent

import (
	"sync"
	"time"

	"valuelog/internal/model"
)

// Store is a bounded ring of kept samples, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Sample
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

// Enqueue records s; it lets the store sit behind the pipeline like the writer.
func (s *Store) Enqueue(sample model.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, sample)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = sample
}

// List returns up to limit of the newest points, optionally for one codename.
func (s *Store) List(codename string, limit int) []model.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Sample, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if codename != "" && s.buf[i].Codename != codename {
			continue
		}
		out = append(out, s.buf[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Sample, 0)
	for _, p := range s.buf {
		if !p.Time.Before(ts) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
