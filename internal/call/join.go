package call

import (
	"context"
	"fmt"

	"p2pcall/native/internal/domain"
	"p2pcall/native/internal/ice"
	"p2pcall/native/internal/progress"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// Join opens the connection for the current session. It waits for any
// running Join or Toggle to finish first. Join without a session, or with a
// connection already open, does nothing.
func (m *Machine) Join(ctx context.Context) error {
	if err := m.joinToggle.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.joinToggle.Release(1)

	return m.join(ctx)
}

func (m *Machine) join(ctx context.Context) error {
	h, err := m.waitHandlers(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.link != nil || m.session == nil {
		m.mu.Unlock()
		return nil
	}
	sess := *m.session
	gen := m.gen
	m.state.Set(Joining)
	m.mu.Unlock()

	out := m.outgoing.Get()
	m.loading.Set(true)
	m.localMediaError.Set(false)
	m.incoming.Set(out)
	m.cameraActivated.Set(out.Video.Enabled)
	m.active.Set(true)

	logger := log.With().Str("module", "call").Str("sid", sess.ID).Logger()

	flags := m.deps.Role.Flags()
	servers := ice.Normalize(sess.ICEServers, flags.DisableP2P)
	logger.Info().Int("ice_servers", len(servers)).Bool("initiator", sess.IsInitiator).Msg("joining")

	capabilities := []string{"RECORD_AUDIO"}
	if out.Video.Enabled {
		capabilities = append(capabilities, "CAMERA")
	}
	if (m.cfg.ConfirmLocalVideo && !h.LocalVideoConfirm(ctx, out.Video.Enabled)) ||
		!m.deps.Permissions.RequestPermissions(ctx, capabilities...) {
		logger.Info().Msg("join cancelled")
		return m.Close(ctx)
	}
	if m.stale(gen) {
		return nil
	}

	m.advance(progress.Started, 5)
	stream, err := m.deps.Capturer.Capture(ctx, out)
	if err != nil {
		logger.Error().Err(err).Msg("capture local media")
		m.Close(ctx)
		h.Failed()
		return nil
	}
	if m.stale(gen) {
		stream.Close()
		return nil
	}
	m.advance(progress.LocalStream, 15)

	lctx, cancel := context.WithCancel(context.Background())
	conn, err := m.deps.Dialer.Dial(lctx, domain.PeerConfig{
		ChannelName: sess.ID,
		ICEServers:  servers,
		RelayOnly:   flags.DisableP2P,
		Initiator:   sess.IsInitiator,
		Stream:      stream,
	})
	if err != nil {
		cancel()
		stream.Close()
		logger.Error().Err(err).Msg("create connection")
		m.Close(ctx)
		h.Failed()
		return nil
	}
	m.advance(progress.CreatedPeer, 25)

	l := &link{
		sessionID: sess.ID,
		conn:      conn,
		stream:    stream,
		intent:    out,
		ctx:       lctx,
		cancel:    cancel,
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		cancel()
		stream.Close()
		conn.Close()
		return nil
	}
	m.link = l
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	go m.pump(l, h)

	for _, sig := range queued {
		if err := conn.Signal(lctx, sig); err != nil {
			logger.Warn().Err(err).Msg("apply queued signal")
		}
	}

	m.initialCallPending.Set(false)
	m.advance(progress.JoinedRoom, 30)
	h.Connected(true)
	return nil
}

// pump applies connection events in order until the link is torn down.
func (m *Machine) pump(l *link, h domain.Handlers) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev := <-l.conn.Events():
			if !m.handleEvent(l, h, ev) {
				return
			}
		}
	}
}

// handleEvent reacts to one connection event and reports whether the pump
// should continue.
func (m *Machine) handleEvent(l *link, h domain.Handlers, ev domain.PeerEvent) bool {
	logger := log.With().Str("module", "call").Str("sid", l.sessionID).Str("event", ev.Kind.String()).Logger()

	switch ev.Kind {
	case domain.PeerClose:
		logger.Info().Msg("connection closed")
		m.Close(context.Background())
		return false

	case domain.PeerConnect:
		m.advance(progress.ConnectionReady, 40)

	case domain.PeerOpen:
		m.advance(progress.ReadyToCall, 60)

	case domain.PeerData:
		var msg domain.IntentMessage
		if err := msgpack.Unmarshal(ev.Data, &msg); err != nil {
			logger.Debug().Err(err).Msg("malformed intent message")
			return true
		}
		logger.Debug().Bool("audio", msg.Audio).Bool("video", msg.Video).Bool("switching", msg.SwitchingDevice).Msg("remote intent")
		if msg.SwitchingDevice {
			m.loading.Set(true)
			m.settleLoading(l)
		}
		m.incoming.Set(domain.MediaIntent{
			Audio: domain.Constraint{Enabled: msg.Audio},
			Video: domain.Constraint{Enabled: msg.Video},
		})

	case domain.PeerError:
		logger.Warn().Err(ev.Err).Msg("connection error")
		m.localMediaError.Set(true)

	case domain.PeerSignal:
		arg, err := msgpack.Marshal(ev.Signal)
		if err != nil {
			logger.Error().Err(err).Msg("encode signal")
			return true
		}
		cmd := domain.Command{Method: domain.MethodWebRTC, AdditionalData: l.sessionID, Argument: arg}
		if err := m.deps.Channel.Send(l.ctx, cmd); err != nil {
			logger.Warn().Err(err).Msg("send signal")
		}

	case domain.PeerTrack:
		logger.Info().Str("kind", string(ev.Track)).Msg("remote track")
		if l.loaded {
			m.settleLoading(l)
			return true
		}
		l.loaded = true
		m.mu.Lock()
		if m.link == l {
			m.state.Set(Active)
		}
		m.mu.Unlock()
		m.loading.Set(false)
		m.advance(progress.Finished, 100)
		h.Loaded()
	}
	return true
}

// settleLoading clears the loading flag after SwitchSettle unless the call
// has moved on.
func (m *Machine) settleLoading(l *link) {
	m.clk.AfterFunc(m.cfg.SwitchSettle, func() {
		if m.current(l) {
			m.loading.Set(false)
		}
	})
}

// signal applies a remote signal, or queues it until Join creates the
// connection.
func (m *Machine) signal(ctx context.Context, sig domain.SignalPayload) error {
	m.mu.Lock()
	l := m.link
	if l == nil {
		if m.session == nil {
			m.mu.Unlock()
			return ErrNoSession
		}
		m.pending = append(m.pending, sig)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := l.conn.Signal(ctx, sig); err != nil {
		return fmt.Errorf("apply signal: %w", err)
	}
	return nil
}
