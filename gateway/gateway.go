package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	appconfig "bitmexflow/config"
	"bitmexflow/logger"
	"bitmexflow/models"
	"bitmexflow/processor"
	"bitmexflow/reader/bitmex"
	"bitmexflow/writer"
)

// Transport is a running exchange session.
type Transport interface {
	Close()
	Done() <-chan struct{}
	Connected() bool
}

// ConnectFunc opens a transport session delivering frames to handler.
type ConnectFunc func(ctx context.Context, link string, topics []string, handler func([]byte), opts bitmex.Options) (Transport, error)

func connectBitmex(ctx context.Context, link string, topics []string, handler func([]byte), opts bitmex.Options) (Transport, error) {
	return bitmex.Connect(ctx, link, topics, handler, opts)
}

// Gateway starts one session per instrument against a shared store.
type Gateway struct {
	cfg      *appconfig.Config
	store    writer.Store
	reject   writer.Rejecter
	ordering models.DepthOrdering
	connect  ConnectFunc
	log      *logger.Log
}

// New builds a gateway over store. Rows the store cannot take go to reject.
func New(cfg *appconfig.Config, store writer.Store, reject writer.Rejecter) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("gateway store is required")
	}
	ordering, err := models.ParseDepthOrdering(cfg.Gateway.DepthOrdering)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:      cfg,
		store:    store,
		reject:   reject,
		ordering: ordering,
		connect:  connectBitmex,
		log:      logger.GetLogger(),
	}, nil
}

// ReaderOptions maps the reader section of the config.
func ReaderOptions(cfg appconfig.ReaderConfig) bitmex.Options {
	return bitmex.Options{
		PingInterval:     cfg.PingInterval,
		ReadTimeout:      cfg.ReadTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReconnectMin:     cfg.Reconnect.MinDelay,
		ReconnectMax:     cfg.Reconnect.MaxDelay,
		ReconnectFactor:  cfg.Reconnect.Factor,
		DialsPerMinute:   cfg.Reconnect.DialsPerMinute,
	}
}

// Start seeds the sequence state from the store, then opens the transport
// with a dispatcher bound to instmt. Nothing is streamed before seeding
// completes.
func (g *Gateway) Start(ctx context.Context, instmt models.Instrument) (*Session, error) {
	if err := instmt.Validate(); err != nil {
		return nil, err
	}
	log := g.log.WithComponent("gateway").WithFields(logger.Fields{
		"exchange": instmt.Exchange,
		"instmt":   instmt.InstmtName,
	})

	tables := processor.Tables{
		OrderBook: writer.OrderBookTableName(instmt.Exchange, instmt.InstmtName),
		Trades:    writer.TradesTableName(instmt.Exchange, instmt.InstmtName),
	}

	depthID, err := g.store.InitOrderBook(ctx, tables.OrderBook)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", tables.OrderBook, err)
	}
	tradeID, lastTradeID, err := g.store.InitTrades(ctx, tables.Trades)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", tables.Trades, err)
	}
	state := processor.NewSequenceState(depthID, tradeID, lastTradeID)

	log.WithFields(logger.Fields{
		"depth_id":      depthID,
		"trade_id":      tradeID,
		"last_trade_id": lastTradeID,
	}).Info("sequence state seeded")

	ctx, cancel := context.WithCancel(ctx)
	queue := writer.NewQueue(instmt.String(), g.store, g.reject, writer.QueueOptionsFromConfig(g.cfg.Writer))
	if err := queue.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	dispatcher := processor.NewDispatcher(ctx, instmt, state, queue, tables, g.ordering)
	conn, err := g.connect(ctx, instmt.Link, instmt.Topics, dispatcher.Handle, ReaderOptions(g.cfg.Reader))
	if err != nil {
		cancel()
		queue.Close()
		return nil, fmt.Errorf("connect %s: %w", instmt, err)
	}

	s := &Session{
		instmt: instmt,
		tables: tables,
		state:  state,
		queue:  queue,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log,
	}
	go s.supervise()

	log.WithField("link", instmt.Link).Info("gateway started")
	return s, nil
}

// Session is one running instrument gateway.
type Session struct {
	instmt models.Instrument
	tables processor.Tables
	state  *processor.SequenceState
	queue  *writer.Queue
	conn   Transport
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	log    *logger.Entry
}

// Status is a point-in-time view of a session.
type Status struct {
	Exchange  string `json:"exchange"`
	Instmt    string `json:"instmt"`
	Connected bool   `json:"connected"`
	Queued    int    `json:"queued"`
	processor.SequenceSnapshot
}

// supervise closes the queue once the transport ends, so every row the
// dispatcher produced is written before Done fires.
func (s *Session) supervise() {
	<-s.conn.Done()
	s.queue.Close()
	s.log.Info("gateway stopped")
	close(s.done)
}

// Stop cancels the transport and waits for pending rows to be written.
func (s *Session) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.conn.Close()
	})
	<-s.done
}

// Wait blocks until the session has stopped.
func (s *Session) Wait() {
	<-s.done
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Instrument() models.Instrument {
	return s.instmt
}

func (s *Session) Status() Status {
	return Status{
		Exchange:         s.instmt.Exchange,
		Instmt:           s.instmt.InstmtName,
		Connected:        s.conn.Connected(),
		Queued:           s.queue.Len(),
		SequenceSnapshot: s.state.Snapshot(),
	}
}
