package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "bitmexflow/config"
	"bitmexflow/models"
	"bitmexflow/reader/bitmex"
)

type insertCall struct {
	table   string
	columns []string
	values  []interface{}
}

type fakeStore struct {
	mu        sync.Mutex
	calls     []insertCall
	depthMax  uint64
	tradeMax  uint64
	lastTrade string
	initErr   error
	seeded    []string
}

func (f *fakeStore) Insert(_ context.Context, table string, columns []string, values []interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, insertCall{table: table, columns: columns, values: values})
	return nil
}

func (f *fakeStore) InitOrderBook(_ context.Context, table string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = append(f.seeded, table)
	return f.depthMax, f.initErr
}

func (f *fakeStore) InitTrades(_ context.Context, table string) (uint64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = append(f.seeded, table)
	return f.tradeMax, f.lastTrade, f.initErr
}

func (f *fakeStore) snapshot() []insertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]insertCall(nil), f.calls...)
}

type fakeTransport struct {
	handler func([]byte)
	link    string
	opts    bitmex.Options
	done    chan struct{}
	once    sync.Once
}

func (f *fakeTransport) Close()                { f.once.Do(func() { close(f.done) }) }
func (f *fakeTransport) Done() <-chan struct{} { return f.done }
func (f *fakeTransport) Connected() bool       { return true }

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Reader: appconfig.ReaderConfig{PingInterval: 2 * time.Second},
		Writer: appconfig.WriterConfig{
			QueueSize:      16,
			EnqueueTimeout: time.Second,
			Retry:          appconfig.RetryConfig{MaxAttempts: 1},
		},
	}
}

func testInstrument() models.Instrument {
	return models.Instrument{
		Exchange:   "BitMEX",
		InstmtName: "XBTUSD",
		InstmtCode: "XBTUSD",
		Link:       "wss://www.bitmex.com/realtime?subscribe=orderBook10:XBTUSD,trade:XBTUSD",
		OrderBookFieldsMap: models.FieldMap{
			"timestamp": models.RoleTimestamp,
			"bids":      models.RoleBids,
			"asks":      models.RoleAsks,
		},
		TradesFieldsMap: models.FieldMap{
			"timestamp": models.RoleTimestamp,
			"trade_id":  models.RoleTradeID,
			"side":      models.RoleTradeSide,
			"price":     models.RoleTradePrice,
			"size":      models.RoleTradeVolume,
		},
	}
}

func newTestGateway(t *testing.T, store *fakeStore) (*Gateway, *fakeTransport) {
	t.Helper()
	g, err := New(testConfig(), store, nil)
	require.NoError(t, err)
	transport := &fakeTransport{done: make(chan struct{})}
	g.connect = func(ctx context.Context, link string, _ []string, handler func([]byte), opts bitmex.Options) (Transport, error) {
		transport.handler = handler
		transport.link = link
		transport.opts = opts
		go func() {
			<-ctx.Done()
			transport.Close()
		}()
		return transport, nil
	}
	return g, transport
}

func TestStartSeedsFromStore(t *testing.T) {
	store := &fakeStore{depthMax: 41, tradeMax: 7, lastTrade: "T0"}
	g, transport := newTestGateway(t, store)

	s, err := g.Start(context.Background(), testInstrument())
	require.NoError(t, err)
	assert.Equal(t, []string{"exch_bitmex_xbtusd_snapshot", "exch_bitmex_xbtusd_trades"}, store.seeded)
	assert.Equal(t, testInstrument().Link, transport.link)
	assert.Equal(t, 2*time.Second, transport.opts.PingInterval)

	transport.handler([]byte(`{"table":"orderBook10","data":[{"symbol":"XBTUSD","bids":[["100.1","2"]],"asks":[["100.2","1"]]}]}`))
	transport.handler([]byte(`{"table":"trade","data":[{"symbol":"XBTUSD","trade_id":"T0","side":"Buy","price":"8000","size":"10"}]}`))
	transport.handler([]byte(`{"table":"trade","data":[{"symbol":"XBTUSD","trade_id":"T1","side":"Sell","price":"8001","size":"3"}]}`))
	s.Stop()

	calls := store.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "exch_bitmex_xbtusd_snapshot", calls[0].table)
	assert.Equal(t, uint64(42), calls[0].values[0])
	assert.Equal(t, "exch_bitmex_xbtusd_trades", calls[1].table)
	assert.Equal(t, uint64(8), calls[1].values[0])

	status := s.Status()
	assert.Equal(t, uint64(42), status.DepthID)
	assert.Equal(t, uint64(8), status.TradeID)
	assert.Equal(t, "T1", status.LastTradeID)
	assert.Equal(t, "XBTUSD", status.Instmt)
}

func TestReplayedTradeIsPersistedOnce(t *testing.T) {
	store := &fakeStore{}
	g, transport := newTestGateway(t, store)

	s, err := g.Start(context.Background(), testInstrument())
	require.NoError(t, err)

	msg := []byte(`{"table":"trade","data":[{"symbol":"XBTUSD","trade_id":"T1","side":"Buy","price":"8000","size":"10"}]}`)
	transport.handler(msg)
	transport.handler(msg)
	s.Stop()

	assert.Len(t, store.snapshot(), 1)
}

func TestSessionStopsWithContext(t *testing.T) {
	g, _ := newTestGateway(t, &fakeStore{})
	ctx, cancel := context.WithCancel(context.Background())

	s, err := g.Start(ctx, testInstrument())
	require.NoError(t, err)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
	s.Wait()
	s.Stop()
}

func TestStartFailures(t *testing.T) {
	g, _ := newTestGateway(t, &fakeStore{initErr: errors.New("relation missing")})
	_, err := g.Start(context.Background(), testInstrument())
	assert.ErrorContains(t, err, "relation missing")

	bad := testInstrument()
	bad.Link = ""
	_, err = g.Start(context.Background(), bad)
	assert.Error(t, err)

	g, _ = newTestGateway(t, &fakeStore{})
	g.connect = func(context.Context, string, []string, func([]byte), bitmex.Options) (Transport, error) {
		return nil, bitmex.ErrInvalidLink
	}
	_, err = g.Start(context.Background(), testInstrument())
	assert.True(t, errors.Is(err, bitmex.ErrInvalidLink), "got %v", err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(testConfig(), nil, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Gateway.DepthOrdering = "random"
	_, err = New(cfg, &fakeStore{}, nil)
	assert.Error(t, err)
}

func TestReaderOptions(t *testing.T) {
	opts := ReaderOptions(appconfig.ReaderConfig{
		PingInterval: time.Second,
		ReadTimeout:  3 * time.Second,
		Reconnect:    appconfig.ReconnectConfig{MinDelay: time.Second, MaxDelay: time.Minute, Factor: 1.5, DialsPerMinute: 10},
	})
	assert.Equal(t, time.Minute, opts.ReconnectMax)
	assert.Equal(t, 1.5, opts.ReconnectFactor)
	assert.Equal(t, 10, opts.DialsPerMinute)
}
