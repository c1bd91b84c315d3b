package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ziqrishahab/pelaris-edge/pkg/logger"
	"github.com/ziqrishahab/pelaris-edge/pkg/metrics"
)

const (
	defaultMaxAttempts      = 10
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	// DefaultEndpoint is used when no API base URL is configured.
	DefaultEndpoint = "ws://localhost:8000/ws"
)

// EndpointFromBaseURL derives the websocket endpoint from the configured API
// base URL: the trailing /api suffix is stripped, the scheme switched to its
// websocket counterpart, and the realtime path appended. An empty base falls
// back to DefaultEndpoint.
func EndpointFromBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return DefaultEndpoint
	}

	base = strings.TrimSuffix(base, "/")
	base = strings.TrimSuffix(base, "/api")

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	return base + "/ws"
}

// Config tunes the channel's transport behaviour.
type Config struct {
	// URL of the websocket endpoint. Empty disables the channel entirely;
	// Connect becomes a logged no-op.
	URL string
	// MaxAttempts bounds automatic reconnection. Zero means the default of 10.
	MaxAttempts int
	// MinBackoff / MaxBackoff bound the delay between reconnect attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// HandshakeTimeout bounds the websocket dial. Zero means 10s.
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	return c
}

// Handler consumes one delivered event.
type Handler func(Event)

// Channel maintains a reconnecting websocket connection to the backend and
// fans inbound events out to registered subscribers. Construct one per
// process and inject it; subscriptions live only for the session.
type Channel struct {
	cfg  Config
	log  *zap.Logger
	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[string]map[int]Handler
	nextSubID int
	connected bool
	closed    bool
	done      chan struct{}
}

// NewChannel constructs a Channel. No connection is made until Connect.
func NewChannel(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:  cfg,
		log:  logger.WithComponent("realtime"),
		subs: make(map[string]map[int]Handler),
		done: make(chan struct{}),
	}
	c.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		return conn, err
	}
	return c
}

// Connect establishes the websocket connection. Already connected is a no-op,
// as is an unconfigured endpoint: the channel degrades to never delivering
// live updates rather than failing. A dial failure is logged and handed to
// the automatic reconnection machinery; it is not returned.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.connected || c.cfg.URL == "" {
		if c.cfg.URL == "" && !c.closed {
			c.log.Info("realtime endpoint not configured; live updates disabled")
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		c.log.Warn("realtime connect failed", zap.String("url", c.cfg.URL), zap.Error(err))
		go c.reconnectLoop(context.WithoutCancel(ctx), 1)
		return
	}

	c.adopt(ctx, conn, 0)
}

// adopt installs a live connection and starts its read loop. A connection
// arriving while another is already installed loses the race and is closed,
// so concurrent Connect calls or a late reconnect cannot double-deliver.
func (c *Channel) adopt(ctx context.Context, conn *websocket.Conn, attempt int) {
	c.mu.Lock()
	if c.closed || c.connected {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("realtime connected", zap.String("url", c.cfg.URL))
	c.dispatch(Connected{Attempt: attempt})

	go c.readLoop(context.WithoutCancel(ctx), conn)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
				c.connected = false
			}
			c.mu.Unlock()

			if closed {
				return
			}

			c.log.Warn("realtime connection lost", zap.Error(err))
			c.dispatch(Disconnected{Err: err})
			go c.reconnectLoop(ctx, 1)
			return
		}

		metrics.RealtimeEvents.WithLabelValues(env.Event).Inc()

		event, err := decodeEvent(env)
		if err != nil {
			c.log.Warn("dropping undecodable realtime event", zap.String("event", env.Event), zap.Error(err))
			continue
		}

		c.dispatch(event)
	}
}

// reconnectLoop retries the dial with bounded backoff. Exceeding the attempt
// budget is terminal for this session: live updates stop until a manual
// reconnect, but nothing crashes.
func (c *Channel) reconnectLoop(ctx context.Context, attempt int) {
	for ; attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(c.backoff(attempt)):
		}

		metrics.RealtimeReconnects.Inc()

		conn, err := c.dial(ctx, c.cfg.URL)
		if err != nil {
			c.log.Warn("realtime reconnect failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.MaxAttempts),
				zap.Error(err))
			continue
		}

		// Attempt counter resets on success; the next drop starts from 1.
		c.adopt(ctx, conn, attempt)
		return
	}

	c.log.Error("realtime reconnect attempts exhausted; live updates disabled until restart",
		zap.Int("max_attempts", c.cfg.MaxAttempts))
}

// backoff doubles from MinBackoff per attempt, capped at MaxBackoff.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.cfg.MinBackoff << (attempt - 1)
	if d > c.cfg.MaxBackoff || d <= 0 {
		return c.cfg.MaxBackoff
	}
	return d
}

// Subscribe registers a callback for an event name and returns a closure that
// removes exactly that callback. Subscribers are independent: unsubscribing
// one never affects its siblings.
func (c *Channel) Subscribe(eventName string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	if c.subs[eventName] == nil {
		c.subs[eventName] = make(map[int]Handler)
	}
	c.subs[eventName][id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if handlers, ok := c.subs[eventName]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(c.subs, eventName)
				}
			}
		})
	}
}

// dispatch delivers an event to every subscriber of its name. A panicking
// callback is recovered and logged without affecting siblings or the
// connection.
func (c *Channel) dispatch(event Event) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[event.Name()]))
	for _, handler := range c.subs[event.Name()] {
		handlers = append(handlers, handler)
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		c.invoke(event, handler)
	}
}

func (c *Channel) invoke(event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("realtime subscriber panicked",
				zap.String("event", event.Name()),
				zap.Any("panic", r))
		}
	}()
	handler(event)
}

// IsConnected reflects live transport state.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect tears down the transport and clears all subscriptions. Used on
// logout; the channel cannot be reused afterwards.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.subs = make(map[string]map[int]Handler)
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}
