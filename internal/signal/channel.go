package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"p2pcall/native/internal/domain"

	"github.com/rs/zerolog/log"
)

// EventP2P is the transport event tag carrying call commands.
const EventP2P = "p2p"

// wireCommand is the JSON form of a domain.Command.
type wireCommand struct {
	Method         string `json:"method"`
	AdditionalData string `json:"additionalData,omitempty"`
	Argument       []byte `json:"argument,omitempty"`
}

// Encode serializes a command for the transport.
func Encode(cmd domain.Command) ([]byte, error) {
	if cmd.Method == domain.MethodUnknown {
		return nil, fmt.Errorf("encode command: unknown method")
	}
	return json.Marshal(wireCommand{
		Method:         cmd.Method.String(),
		AdditionalData: cmd.AdditionalData,
		Argument:       cmd.Argument,
	})
}

// Decode parses a transport payload. Unknown methods decode to
// domain.MethodUnknown without error.
func Decode(data []byte) (domain.Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.Command{}, fmt.Errorf("decode command: %w", err)
	}
	return domain.Command{
		Method:         domain.ParseMethod(w.Method),
		AdditionalData: w.AdditionalData,
		Argument:       w.Argument,
	}, nil
}

// Channel sends commands over a Transport and delivers inbound commands to
// registered handlers one at a time, in delivery order.
type Channel struct {
	transport domain.Transport

	mu       sync.Mutex
	handlers []func(context.Context, domain.Command)
	pending  []domain.Command
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel attaches to transport and starts the dispatch loop.
func NewChannel(transport domain.Transport) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		transport: transport,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	transport.On(EventP2P, c.receive)
	go c.dispatchLoop()
	return c
}

// Send transmits cmd to the remote participant.
func (c *Channel) Send(ctx context.Context, cmd domain.Command) error {
	data, err := Encode(cmd)
	if err != nil {
		return err
	}
	log.Debug().Str("module", "signal").Str("method", cmd.Method.String()).Str("sid", correlation(cmd)).Msg(">>> command")
	if err := c.transport.Send(ctx, EventP2P, data); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Method, err)
	}
	return nil
}

// OnCommand registers a handler for inbound commands.
func (c *Channel) OnCommand(handler func(context.Context, domain.Command)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

// Close stops dispatching. Queued commands are dropped.
func (c *Channel) Close() {
	c.cancel()
	<-c.done
}

func (c *Channel) receive(payload []byte) {
	cmd, err := Decode(payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("dropping malformed command")
		return
	}
	if cmd.Method == domain.MethodUnknown {
		log.Debug().Str("module", "signal").Msg("ignoring command with unknown method")
		return
	}
	log.Debug().Str("module", "signal").Str("method", cmd.Method.String()).Str("sid", correlation(cmd)).Msg("<<< command")

	c.mu.Lock()
	c.pending = append(c.pending, cmd)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) dispatchLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			cmd := c.pending[0]
			c.pending = c.pending[1:]
			handlers := make([]func(context.Context, domain.Command), len(c.handlers))
			copy(handlers, c.handlers)
			c.mu.Unlock()

			for _, fn := range handlers {
				fn(c.ctx, cmd)
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}
}

// correlation returns the session id a command refers to.
func correlation(cmd domain.Command) string {
	id, _, _ := strings.Cut(cmd.AdditionalData, "\n")
	return id
}
