package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuelog/internal/config"
	"valuelog/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	calls   int
	lookups int
	rows    []storage.Row
	sizes   []int
	fail    func(call int, rows []storage.Row) error
}

func (f *fakeStore) Init(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

func (f *fakeStore) LookupSeries(_ context.Context, codename string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if codename == "unknown" {
		return 0, storage.ErrUnknownSeries
	}
	return 100, nil
}

func (f *fakeStore) InsertSamples(_ context.Context, rows []storage.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls, rows); err != nil {
			return err
		}
	}
	f.rows = append(f.rows, rows...)
	f.sizes = append(f.sizes, len(rows))
	return nil
}

func (f *fakeStore) stored() []storage.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Row(nil), f.rows...)
}

func testConfig() config.WriterConfig {
	return config.WriterConfig{
		QueueSize:   1000,
		HighWater:   1000,
		LowWater:    4,
		BatchSize:   16,
		BackoffBase: config.Duration(time.Millisecond),
		BackoffCap:  config.Duration(5 * time.Millisecond),
		SQLTimeout:  config.Seconds(1),
	}
}

var channels = []config.ChannelConfig{
	{Codename: "a", SeriesID: 1},
	{Codename: "b", SeriesID: 2, Type: "pressure"},
}

var storageCfg = config.StorageConfig{
	DefaultTable: "values",
	Tables:       map[string]string{"pressure": "pressure_values"},
}

func newWriter(store *fakeStore, cfg config.WriterConfig) *Writer {
	return New(cfg, store, NewResolver(store, channels, storageCfg))
}

func stopWithin(t *testing.T, w *Writer, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.Stop(ctx)
}

func TestWriterPersistsInOrder(t *testing.T) {
	store := &fakeStore{}
	w := newWriter(store, testConfig())
	w.Start()
	for i := 0; i < 50; i++ {
		w.Enqueue(sample("a", i, float64(i)))
		w.Enqueue(sample("b", i, float64(-i)))
	}
	require.NoError(t, stopWithin(t, w, 2*time.Second))

	rows := store.stored()
	require.Len(t, rows, 100)
	lastA, lastB := -1.0, 1.0
	for _, r := range rows {
		switch r.SeriesID {
		case 1:
			assert.Equal(t, "values", r.Table)
			assert.Greater(t, r.Value, lastA)
			lastA = r.Value
		case 2:
			assert.Equal(t, "pressure_values", r.Table)
			assert.Less(t, r.Value, lastB)
			lastB = r.Value
		default:
			t.Fatalf("unexpected series %d", r.SeriesID)
		}
	}
	stats := w.Stats()
	assert.Equal(t, uint64(100), stats.Enqueued)
	assert.Equal(t, uint64(100), stats.Committed)
	assert.Zero(t, stats.Pending)
}

func TestWriterRetriesTransientFailure(t *testing.T) {
	store := &fakeStore{fail: func(call int, _ []storage.Row) error {
		if call <= 2 {
			return errors.New("connection refused")
		}
		return nil
	}}
	w := newWriter(store, testConfig())
	w.Start()
	w.Enqueue(sample("a", 1, 1))
	require.NoError(t, stopWithin(t, w, 2*time.Second))

	assert.Len(t, store.stored(), 1)
	stats := w.Stats()
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, uint64(1), stats.Committed)
}

func TestWriterDropsOnlyThePermanentlyFailingSample(t *testing.T) {
	store := &fakeStore{fail: func(_ int, rows []storage.Row) error {
		for _, r := range rows {
			if r.Value == 3 {
				return storage.Permanent(errors.New("constraint violation"))
			}
		}
		return nil
	}}
	cfg := testConfig()
	cfg.LowWater = 0
	w := newWriter(store, cfg)
	for i := 0; i < 6; i++ {
		w.Enqueue(sample("a", i, float64(i)))
	}
	w.Start()
	require.NoError(t, stopWithin(t, w, 2*time.Second))

	assert.Equal(t, []float64{0, 1, 2, 4, 5}, rowValues(store.stored()))
	assert.Equal(t, uint64(1), w.Stats().Failed)
	assert.Equal(t, uint64(5), w.Stats().Committed)
}

func TestWriterResolvesThroughDescriptionsOnce(t *testing.T) {
	store := &fakeStore{}
	w := newWriter(store, testConfig())
	w.Start()
	w.Enqueue(sample("c", 1, 1))
	w.Enqueue(sample("c", 2, 2))
	w.Enqueue(sample("unknown", 1, 1))
	require.NoError(t, stopWithin(t, w, 2*time.Second))

	rows := store.stored()
	require.Len(t, rows, 2)
	assert.Equal(t, int64(100), rows[0].SeriesID)
	assert.Equal(t, "values", rows[0].Table)
	assert.Equal(t, 2, store.lookups)
	assert.Equal(t, uint64(1), w.Stats().Failed)
}

func TestWriterStopReportsIncompleteDrain(t *testing.T) {
	store := &fakeStore{fail: func(int, []storage.Row) error { return errors.New("timeout") }}
	w := newWriter(store, testConfig())
	w.Start()
	w.Enqueue(sample("a", 1, 1))
	w.Enqueue(sample("a", 2, 2))

	err := stopWithin(t, w, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrDrainIncomplete)
	assert.Empty(t, store.stored())
}

func TestWriterReportsDatabaseOutage(t *testing.T) {
	store := &fakeStore{fail: func(int, []storage.Row) error { return errors.New("no route to host") }}
	cfg := testConfig()
	cfg.FatalAfter = config.Duration(10 * time.Millisecond)
	w := newWriter(store, cfg)
	w.Start()
	w.Enqueue(sample("a", 1, 1))

	select {
	case err := <-w.Fatal():
		require.ErrorIs(t, err, ErrDatabaseUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("expected fatal error")
	}
	require.ErrorIs(t, stopWithin(t, w, 10*time.Millisecond), ErrDrainIncomplete)
}

func TestWriterGivesUpAfterGracePeriodByDefault(t *testing.T) {
	store := &fakeStore{fail: func(int, []storage.Row) error { return errors.New("connection refused") }}
	cfg := config.DefaultConfig().Writer
	cfg.GraceSeconds = config.Duration(20 * time.Millisecond)
	cfg.BackoffBase = config.Duration(time.Millisecond)
	cfg.BackoffCap = config.Duration(5 * time.Millisecond)
	require.Zero(t, cfg.FatalAfter)
	w := newWriter(store, cfg)
	w.Start()
	w.Enqueue(sample("a", 1, 1))

	select {
	case err := <-w.Fatal():
		require.ErrorIs(t, err, ErrDatabaseUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("outage longer than the grace period must be fatal")
	}
	require.ErrorIs(t, stopWithin(t, w, 10*time.Millisecond), ErrDrainIncomplete)
}

func TestWriterNegativeFatalAfterRetriesForever(t *testing.T) {
	store := &fakeStore{fail: func(int, []storage.Row) error { return errors.New("connection refused") }}
	cfg := testConfig()
	cfg.GraceSeconds = config.Duration(time.Millisecond)
	cfg.FatalAfter = config.Duration(-1)
	w := newWriter(store, cfg)
	w.Start()
	w.Enqueue(sample("a", 1, 1))

	select {
	case err := <-w.Fatal():
		t.Fatalf("unexpected fatal error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Greater(t, w.Stats().Retries, uint64(1))
	require.ErrorIs(t, stopWithin(t, w, 10*time.Millisecond), ErrDrainIncomplete)
}

func TestWriterBatchesOnlyAboveLowWater(t *testing.T) {
	cfg := testConfig() // low water 4, batch size 16

	small := &fakeStore{}
	w := newWriter(small, cfg)
	for i := 0; i < 3; i++ {
		w.Enqueue(sample("a", i, float64(i)))
	}
	w.Start()
	require.NoError(t, stopWithin(t, w, 2*time.Second))
	assert.Equal(t, []int{1, 1, 1}, small.sizes)
	assert.Equal(t, uint64(3), w.Stats().Batches)

	large := &fakeStore{}
	w = newWriter(large, cfg)
	for i := 0; i < 40; i++ {
		w.Enqueue(sample("a", i, float64(i)))
	}
	w.Start()
	require.NoError(t, stopWithin(t, w, 2*time.Second))
	assert.Equal(t, []int{16, 16, 8}, large.sizes)
	assert.Equal(t, uint64(3), w.Stats().Batches)
	assert.Equal(t, uint64(40), w.Stats().Committed)
}

func TestWriterAgainstSQLite(t *testing.T) {
	sc := config.StorageConfig{
		Driver:            "sqlite",
		DSN:               ":memory:",
		CreateSchema:      true,
		DescriptionsTable: "dateplots_descriptions",
		DefaultTable:      "dateplots_values",
	}
	store, err := storage.NewStore(sc)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	id, err := storage.RegisterSeries(ctx, store, "p1")
	require.NoError(t, err)

	w := New(testConfig(), store, NewResolver(store, []config.ChannelConfig{{Codename: "p1"}}, sc))
	w.Start()
	// every sample shares one timestamp, so all but the first violate the unique key
	for i := 0; i < 20; i++ {
		w.Enqueue(sample("p1", 0, float64(i)))
	}
	require.NoError(t, stopWithin(t, w, 5*time.Second))
	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Committed)
	assert.Equal(t, uint64(19), stats.Failed)

	w2 := New(testConfig(), store, NewResolver(store, []config.ChannelConfig{{Codename: "p1", SeriesID: id}}, sc))
	w2.Start()
	for i := 1; i <= 20; i++ {
		w2.Enqueue(sample("p1", i, float64(i)))
	}
	require.NoError(t, stopWithin(t, w2, 5*time.Second))
	assert.Equal(t, uint64(20), w2.Stats().Committed)
}

func rowValues(rows []storage.Row) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Value
	}
	return out
}
