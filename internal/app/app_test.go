package app

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"valuelog/internal/config"
	"valuelog/internal/driver"
	"valuelog/internal/model"
	"valuelog/internal/sockclient"
)

// scriptedReader hands out its readings once, then idles until cancelled.
type scriptedReader struct {
	mu       sync.Mutex
	readings []driver.Reading
}

func (r *scriptedReader) Name() string { return "scripted" }

func (r *scriptedReader) Read(ctx context.Context) ([]driver.Reading, error) {
	r.mu.Lock()
	out := r.readings
	r.readings = nil
	r.mu.Unlock()
	if out != nil {
		return out, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Station = "test"
	cfg.Codenames = []config.ChannelConfig{
		{Codename: "t_pressure", Kind: model.KindLog, Threshold: 0.1, Timeout: config.Seconds(600), SeriesID: 1},
		{Codename: "t_setpoint", Kind: model.KindLin, Threshold: 0.5, Timeout: config.Seconds(600), SeriesID: 2},
	}
	cfg.Pull.Host = "127.0.0.1"
	cfg.Pull.Port = 0
	cfg.Push.Host = "127.0.0.1"
	cfg.Push.Port = 0
	cfg.Push.SetpointInterval = config.Duration(50 * time.Millisecond)
	cfg.Push.Schema = map[string]config.FieldConfig{
		"setpoint": {Type: "float", Codename: "t_setpoint"},
	}
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "values.db")
	cfg.Writer.GraceSeconds = config.Seconds(5)
	return cfg
}

func TestRunPipelineEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	start := time.Now().Add(-time.Minute).Truncate(time.Second)
	reader := &scriptedReader{readings: []driver.Reading{
		{Codename: "t_pressure", Value: 1e-6, Time: start},
		{Codename: "t_pressure", Value: 1.01e-6, Time: start.Add(time.Second)},
		{Codename: "t_pressure", Value: 5e-6, Time: start.Add(2 * time.Second)},
	}}

	a, err := New(cfg, nil, WithReader(reader))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("sockets never bound")
	}

	pull := sockclient.New(a.PullAddr().String(), 2*time.Second)
	require.Eventually(t, func() bool {
		resp, err := pull.Request(context.Background(), "t_pressure#raw")
		return err == nil && strings.HasSuffix(resp, ",5e-06")
	}, 5*time.Second, 20*time.Millisecond)

	push := sockclient.New(a.PushAddr().String(), 2*time.Second)
	ack, err := push.Push(context.Background(), map[string]float64{"setpoint": 42})
	require.NoError(t, err)
	assert.Contains(t, ack, "42")

	require.Eventually(t, func() bool {
		resp, err := pull.Request(context.Background(), "t_setpoint#raw")
		return err == nil && strings.HasSuffix(resp, ",42")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}

	db, err := sql.Open("sqlite", cfg.Storage.DSN)
	require.NoError(t, err)
	defer db.Close()

	var pressure int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM dateplots_values WHERE series_id = 1`).Scan(&pressure))
	assert.Equal(t, 2, pressure, "first sample and the jump are kept, the small step is not")

	var setpoints int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM dateplots_values WHERE series_id = 2 AND value = 42`).Scan(&setpoints))
	assert.GreaterOrEqual(t, setpoints, 1)

	stats := a.Writer().Stats()
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Failed)
}

func TestRunBindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t)
	cfg.Pull.Port = taken.LocalAddr().(*net.UDPAddr).Port
	cfg.API.Enabled = false

	a, err := New(cfg, nil)
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBind), "got %v", err)
}

func TestNewRejectsDuplicateChannel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Codenames = append(cfg.Codenames, cfg.Codenames[0])

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
