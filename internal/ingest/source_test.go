package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuelog/internal/config"
	"valuelog/internal/driver"
	"valuelog/internal/logging"
)

type fakeKafka struct {
	msgs   []string
	closed bool
}

func (f *fakeKafka) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return kafka.Message{Topic: "samples", Value: []byte(m)}, nil
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestKafkaReader(t *testing.T) {
	fk := &fakeKafka{msgs: []string{"", "p1,1.5", "not a sample", `{"codename":"p2","value":2}`}}
	r := newKafkaReader(fk, nil, logging.Discard())
	ctx := context.Background()

	readings, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", readings[0].Codename)

	_, err = r.Read(ctx)
	var pe *driver.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "kafka", pe.Driver)

	readings, err = r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, readings[0].Value)

	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = r.Read(tctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, r.Close())
	assert.True(t, fk.closed)
}

func TestFileTailFollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.log")
	require.NoError(t, os.WriteFile(path, []byte("old,1\n"), 0o644))

	tail := NewFileTail(config.FileTailConfig{Enabled: true, StartAtEnd: true, Files: []string{path}}, nil, logging.Discard())
	tail.poll = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tail.Start(ctx)

	// wait for the tailer to seek to the end before appending
	time.Sleep(50 * time.Millisecond)
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString("p1,2")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = fh.WriteString("5\np2=7\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	readings, err := tail.Read(ctx)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "p1", readings[0].Codename)
	assert.Equal(t, 25.0, readings[0].Value)

	readings, err = tail.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p2", readings[0].Codename)
}
