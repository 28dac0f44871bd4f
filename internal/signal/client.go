package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"p2pcall/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by Send before Connect succeeds or after Close.
var ErrNotConnected = errors.New("signal: not connected")

const writeWait = 5 * time.Second

// envelope is the relay message format.
type envelope struct {
	Event string `json:"event"`
	Data  []byte `json:"data"`
}

// ClientConfig configures the relay connection.
type ClientConfig struct {
	URL          string
	Flags        domain.Flags
	IsAlice      bool
	PingInterval time.Duration
}

// Client is a Transport backed by a WebSocket relay.
type Client struct {
	cfg ClientConfig

	mu   sync.Mutex
	conn *websocket.Conn

	handlersMu sync.RWMutex
	handlers   map[string][]func([]byte)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a relay client. Call Connect before sending.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:      cfg,
		handlers: make(map[string][]func([]byte)),
		closed:   make(chan struct{}),
	}
}

// Connect dials the relay and starts the read and ping loops.
func (c *Client) Connect(ctx context.Context) error {
	log.Info().Str("module", "signal").Str("url", c.cfg.URL).Msg("connecting")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn)
	}
	return nil
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

// Done is closed once the client shuts down, whether through Close or
// because the relay connection was lost.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Flags returns the relay policy flags.
func (c *Client) Flags() domain.Flags { return c.cfg.Flags }

// IsAlice reports whether the local side holds the initiating role.
func (c *Client) IsAlice() bool { return c.cfg.IsAlice }

// On registers a handler for payloads tagged with event.
func (c *Client) On(event string, handler func([]byte)) {
	c.handlersMu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.handlersMu.Unlock()
}

// Send writes one tagged payload to the relay.
func (c *Client) Send(ctx context.Context, event string, payload []byte) error {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}
	if c.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Error().Err(err).Str("module", "signal").Msg("read error")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("bad envelope")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	c.handlersMu.RLock()
	handlers := c.handlers[env.Event]
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		log.Debug().Str("module", "signal").Str("event", env.Event).Msg("unhandled event")
		return
	}
	for _, fn := range handlers {
		fn(env.Data)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					log.Error().Err(err).Str("module", "signal").Msg("ping error")
				}
				return
			}
		}
	}
}
