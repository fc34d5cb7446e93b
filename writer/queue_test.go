package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "bitmexflow/config"
)

type fakeSink struct {
	mu       sync.Mutex
	rows     []map[string]interface{}
	tables   []string
	failures int // fail this many calls before succeeding
	calls    int
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeSink) Insert(_ context.Context, table string, columns []string, values []interface{}) error {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	row, err := rowMap(columns, values)
	if err != nil {
		return err
	}
	f.rows = append(f.rows, row)
	f.tables = append(f.tables, table)
	return nil
}

func (f *fakeSink) snapshot() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.rows...)
}

type rejected struct {
	table  string
	reason string
	values []interface{}
}

type fakeRejecter struct {
	mu   sync.Mutex
	rows []rejected
}

func (f *fakeRejecter) Reject(table string, _ []string, values []interface{}, reason string, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rejected{table: table, reason: reason, values: values})
	return nil
}

func (f *fakeRejecter) snapshot() []rejected {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rejected(nil), f.rows...)
}

func testQueueOptions() QueueOptions {
	return QueueOptions{
		Size:           16,
		EnqueueTimeout: 10 * time.Millisecond,
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		Factor:         2,
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	sink := &fakeSink{}
	q := NewQueue("test", sink, &fakeRejecter{}, testQueueOptions())
	require.NoError(t, q.Start(context.Background()))

	for i := 1; i <= 10; i++ {
		require.NoError(t, q.Insert(context.Background(), "t", []string{"id"}, []interface{}{uint64(i)}))
	}
	q.Close()

	rows := sink.snapshot()
	require.Len(t, rows, 10)
	for i, row := range rows {
		assert.Equal(t, uint64(i+1), row["id"])
	}
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{failures: 2}
	rej := &fakeRejecter{}
	q := NewQueue("test", sink, rej, testQueueOptions())
	require.NoError(t, q.Start(context.Background()))

	require.NoError(t, q.Insert(context.Background(), "t", []string{"id"}, []interface{}{uint64(1)}))
	q.Close()

	assert.Len(t, sink.snapshot(), 1)
	assert.Equal(t, 3, sink.calls)
	assert.Empty(t, rej.snapshot())
}

func TestQueueDeadLettersAfterRetries(t *testing.T) {
	sink := &fakeSink{failures: 100}
	rej := &fakeRejecter{}
	q := NewQueue("test", sink, rej, testQueueOptions())
	require.NoError(t, q.Start(context.Background()))

	require.NoError(t, q.Insert(context.Background(), "t", []string{"id"}, []interface{}{uint64(7)}))
	q.Close()

	assert.Empty(t, sink.snapshot())
	assert.Equal(t, 3, sink.calls)
	rows := rej.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, ReasonRetries, rows[0].reason)
	assert.Equal(t, []interface{}{uint64(7)}, rows[0].values)
}

func TestQueueFullDivertsRow(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{}), started: make(chan struct{}, 1)}
	rej := &fakeRejecter{}
	opts := testQueueOptions()
	opts.Size = 1
	q := NewQueue("test", sink, rej, opts)
	require.NoError(t, q.Start(context.Background()))

	require.NoError(t, q.Insert(context.Background(), "t", []string{"id"}, []interface{}{uint64(1)}))
	<-sink.started // worker holds row 1
	require.NoError(t, q.Insert(context.Background(), "t", []string{"id"}, []interface{}{uint64(2)}))

	err := q.Insert(context.Background(), "t", []string{"id"}, []interface{}{uint64(3)})
	assert.True(t, errors.Is(err, ErrQueueFull), "got %v", err)

	close(sink.block)
	q.Close()

	assert.Len(t, sink.snapshot(), 2)
	rows := rej.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, ReasonQueueFull, rows[0].reason)
	assert.Equal(t, []interface{}{uint64(3)}, rows[0].values)
}

func TestQueueClosedRejects(t *testing.T) {
	rej := &fakeRejecter{}
	q := NewQueue("test", &fakeSink{}, rej, testQueueOptions())
	require.NoError(t, q.Start(context.Background()))
	q.Close()
	q.Close()

	err := q.Insert(context.Background(), "t", []string{"id"}, []interface{}{uint64(1)})
	assert.True(t, errors.Is(err, ErrQueueClosed), "got %v", err)
	require.Len(t, rej.snapshot(), 1)
	assert.Equal(t, ReasonQueueClosed, rej.snapshot()[0].reason)

	assert.Error(t, q.Start(context.Background()))
}

func TestQueueDrainsAfterCancel(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{}), started: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	q := NewQueue("test", sink, &fakeRejecter{}, testQueueOptions())
	require.NoError(t, q.Start(ctx))

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Insert(ctx, "t", []string{"id"}, []interface{}{uint64(i)}))
	}
	<-sink.started
	cancel()
	close(sink.block)
	q.Close()

	assert.Len(t, sink.snapshot(), 3)
	assert.Equal(t, 0, q.Len())
}

func TestNewQueueDefaults(t *testing.T) {
	q := NewQueue("test", &fakeSink{}, nil, QueueOptions{})
	assert.Equal(t, 1, q.opts.Size)
	assert.Equal(t, 1, q.opts.MaxAttempts)
	assert.Equal(t, 2.0, q.opts.Factor)
}

func TestQueueOptionsFromConfig(t *testing.T) {
	cfg := appconfig.WriterConfig{
		QueueSize:      8,
		EnqueueTimeout: time.Second,
		Retry: appconfig.RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Second,
			Factor:      3,
		},
	}
	opts := QueueOptionsFromConfig(cfg)
	assert.Equal(t, QueueOptions{
		Size:           8,
		EnqueueTimeout: time.Second,
		MaxAttempts:    4,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Second,
		Factor:         3,
	}, opts)
}
