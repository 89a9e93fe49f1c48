package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Message wraps raw frame data with a local receive timestamp.
type Message struct {
	Data       []byte
	ReceivedAt time.Time
}

// Conn is a single bidirectional message transport. The WebSocket
// implementation below is the production one; tests substitute fakes.
type Conn interface {
	// Connect opens the transport.
	Connect(ctx context.Context) error

	// Close tears the transport down. Safe to call more than once.
	Close() error

	// Send writes one raw message. Serialized internally.
	Send(data []byte) error

	// Messages yields every received message with its local timestamp.
	Messages() <-chan Message

	// Errors yields transport failures. A value here means the
	// connection is dead and must be re-dialed.
	Errors() <-chan error
}

// ConnConfig configures a WebSocket transport.
type ConnConfig struct {
	URL          string
	Header       http.Header   // Extra handshake headers (auth etc.)
	PingTimeout  time.Duration // Max silence before the conn is declared stale
	WriteTimeout time.Duration
	BufferSize   int // Received-message channel depth
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100000,
	}
}

// wsConn is the gorilla/websocket Conn implementation.
type wsConn struct {
	cfg    ConnConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan Message
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	lastPingAt time.Time
	closed     bool
}

// NewConn creates a WebSocket transport for cfg.URL.
func NewConn(cfg ConnConfig, logger *slog.Logger) Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConnConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConnConfig().WriteTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultConnConfig().PingTimeout
	}
	return &wsConn{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Message, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *wsConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastPingAt = time.Now()
	c.mu.Unlock()

	// Server-initiated pings refresh liveness; so do pongs to ours.
	conn.SetPingHandler(func(data string) error {
		c.mu.Lock()
		c.lastPingAt = time.Now()
		c.mu.Unlock()

		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPingAt = time.Now()
		c.mu.Unlock()
		return nil
	})

	go c.readLoop()
	go c.keepaliveLoop()

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}
	return nil
}

func (c *wsConn) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Messages() <-chan Message { return c.messages }
func (c *wsConn) Errors() <-chan error    { return c.errors }

func (c *wsConn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Errors after Close are expected noise.
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		select {
		case c.messages <- Message{Data: data, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		default:
			c.logger.Warn("message buffer full, dropping message")
		}
	}
}

// keepaliveLoop pings the server and watches for silence.
func (c *wsConn) keepaliveLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if conn != nil {
				deadline := time.Now().Add(c.cfg.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
					c.logger.Debug("failed to send ping", "error", err)
				}
			}

			if time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				select {
				case c.errors <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}
