package bitmex

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"bitmexflow/logger"
)

const (
	defaultPingInterval     = 5 * time.Second
	defaultReadTimeout      = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectMin     = time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultReconnectFactor  = 2
	defaultDialsPerMinute   = 30

	pingFrame = "ping"
	pongFrame = "pong"
)

// ErrInvalidLink is returned by Connect for links that are not ws:// or wss:// URLs.
var ErrInvalidLink = errors.New("invalid websocket link")

// Options tunes the websocket session.
type Options struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	ReconnectFactor  float64
	DialsPerMinute   int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = defaultReconnectMin
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = defaultReconnectMax
		if o.ReconnectMax < o.ReconnectMin {
			o.ReconnectMax = o.ReconnectMin
		}
	}
	if o.ReconnectFactor < 1 {
		o.ReconnectFactor = defaultReconnectFactor
	}
	if o.DialsPerMinute <= 0 {
		o.DialsPerMinute = defaultDialsPerMinute
	}
	return o
}

// Conn is a running websocket session. Frames are delivered to the handler
// one at a time, in the order they were read, from a single goroutine.
type Conn struct {
	link    string
	topics  []string
	handler func([]byte)
	opts    Options

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	backoff *backoff.Backoff
	log     *logger.Log

	mu        sync.RWMutex
	connected bool
	sessions  int

	writeMu sync.Mutex
}

// Connect starts a session bound to link and returns immediately. The link
// carries the exchange subscriptions in its query; topics, when given, are
// sent as an extra subscribe frame after every (re)connect. The session runs
// until ctx is cancelled or Close is called.
func Connect(ctx context.Context, link string, topics []string, handler func([]byte), opts Options) (*Conn, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidLink, u.Scheme)
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	c := &Conn{
		link:    link,
		topics:  topics,
		handler: handler,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.DialsPerMinute)), 1),
		backoff: &backoff.Backoff{
			Min:    opts.ReconnectMin,
			Max:    opts.ReconnectMax,
			Factor: opts.ReconnectFactor,
			Jitter: true,
		},
		log: logger.GetLogger(),
	}

	go c.run()
	return c, nil
}

// Close stops the session and waits for the read loop to exit.
func (c *Conn) Close() {
	c.cancel()
	<-c.done
}

// Done is closed once the session has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether a websocket is currently open.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Sessions reports how many websocket sessions have been opened.
func (c *Conn) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions
}

func (c *Conn) run() {
	defer close(c.done)

	log := c.log.WithComponent("bitmex_reader").WithFields(logger.Fields{"link": c.link})
	log.Info("starting bitmex reader")

	for {
		if err := c.limiter.Wait(c.ctx); err != nil {
			break
		}

		ws, _, err := c.dialer.DialContext(c.ctx, c.link, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				break
			}
			delay := c.backoff.Duration()
			log.WithError(err).WithField("retry_in", delay.String()).Warn("failed to connect to bitmex websocket")
			if c.wait(delay) {
				break
			}
			continue
		}

		session := uuid.NewString()
		c.setConnected(true)
		sessionLog := log.WithField("session", session)
		sessionLog.Info("connected to bitmex websocket")

		err = c.serve(ws, sessionLog)
		c.setConnected(false)
		ws.Close()

		if c.ctx.Err() != nil {
			break
		}
		delay := c.backoff.Duration()
		sessionLog.WithError(err).WithField("retry_in", delay.String()).Warn("bitmex websocket session ended, reconnecting")
		if c.wait(delay) {
			break
		}
	}

	log.Info("bitmex reader stopped")
}

// serve runs one websocket session until the read loop fails or the context
// is cancelled.
func (c *Conn) serve(ws *websocket.Conn, log *logger.Entry) error {
	if len(c.topics) > 0 {
		if err := c.subscribe(ws); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	sessionCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	go func() {
		<-sessionCtx.Done()
		// Unblocks ReadMessage on shutdown.
		ws.SetReadDeadline(time.Now())
	}()
	go c.pingLoop(sessionCtx, ws, log)

	healthy := false
	for {
		ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if !healthy {
			c.backoff.Reset()
			healthy = true
		}
		if string(msg) == pongFrame {
			continue
		}
		logger.IncrementMessageRead(len(msg))
		c.handler(msg)
	}
}

func (c *Conn) subscribe(ws *websocket.Conn) error {
	req := struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}{
		Op:   "subscribe",
		Args: c.topics,
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	return ws.WriteJSON(req)
}

func (c *Conn) pingLoop(ctx context.Context, ws *websocket.Conn, log *logger.Entry) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(time.Second))
			err := ws.WriteMessage(websocket.TextMessage, []byte(pingFrame))
			c.writeMu.Unlock()
			if err != nil {
				log.WithError(err).Warn("failed to send websocket ping")
				return
			}
		}
	}
}

func (c *Conn) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	if connected {
		c.sessions++
	}
}

// wait sleeps for delay and reports whether the context ended first.
func (c *Conn) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
