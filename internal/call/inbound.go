package call

import (
	"context"
	"strings"

	"p2pcall/native/internal/domain"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// handleCommand dispatches one inbound command. Session commands are only
// honoured once the local side has accepted and when they carry the current
// session id. Call requests are always offered to the user.
func (m *Machine) handleCommand(ctx context.Context, cmd domain.Command) {
	if kind, ok := cmd.Method.CallKind(); ok {
		go m.answerRequest(ctx, kind, cmd.AdditionalData)
		return
	}

	m.mu.Lock()
	current := m.accepted && m.session != nil && m.session.ID == cmd.AdditionalData
	m.mu.Unlock()

	logger := log.With().Str("module", "call").Str("sid", cmd.AdditionalData).Str("method", cmd.Method.String()).Logger()
	if !current {
		logger.Debug().Msg("ignoring command for another session")
		return
	}

	switch cmd.Method {
	case domain.MethodAccept:
		go func() {
			if err := m.Join(ctx); err != nil {
				logger.Warn().Err(err).Msg("join")
			}
		}()

	case domain.MethodDecline:
		m.mu.Lock()
		m.accepted = false
		m.session = nil
		m.pending = nil
		if m.link == nil {
			m.state.Set(Idle)
		}
		m.mu.Unlock()
		logger.Info().Msg("call declined")
		if h := m.currentHandlers(); h != nil {
			h.RequestRejection()
		}

	case domain.MethodKill:
		logger.Info().Msg("remote ended the call")
		m.teardown(m.initialCallPending.Get())

	case domain.MethodWebRTC:
		var sig domain.SignalPayload
		if err := msgpack.Unmarshal(cmd.Argument, &sig); err != nil {
			logger.Warn().Err(err).Msg("malformed signal")
			return
		}
		if err := m.signal(ctx, sig); err != nil {
			logger.Warn().Err(err).Msg("signal")
		}
	}
}

// answerRequest asks the user about an inbound call request and answers the
// remote side. On acceptance the offered session is adopted and joined.
func (m *Machine) answerRequest(ctx context.Context, kind domain.MediaKind, additionalData string) {
	h, err := m.waitHandlers(ctx)
	if err != nil {
		return
	}

	var offered *domain.SessionDescriptor
	if additionalData != "" {
		id, servers, _ := strings.Cut(additionalData, "\n")
		offered = &domain.SessionDescriptor{ID: id, ICEServers: servers}
	}

	logger := log.With().Str("module", "call").Str("kind", string(kind)).Logger()
	if offered != nil {
		logger = logger.With().Str("sid", offered.ID).Logger()
	}
	logger.Info().Msg("incoming call request")

	ok := m.confirm(ctx, h, kind, m.Accepted())

	if offered != nil {
		method := domain.MethodDecline
		if ok {
			method = domain.MethodAccept
		}
		if err := m.deps.Channel.Send(ctx, domain.Command{Method: method, AdditionalData: offered.ID}); err != nil {
			logger.Warn().Err(err).Str("answer", method.String()).Msg("answer call request")
		}
	}
	if !ok {
		logger.Info().Msg("call request declined")
		return
	}

	m.mu.Lock()
	if offered != nil && (m.session == nil || !m.deps.Role.IsAlice()) {
		m.session = offered
	}
	m.mu.Unlock()
	m.initialCallPending.Set(true)

	m.Accept(ctx, kind, false)
	if err := m.Join(ctx); err != nil {
		logger.Warn().Err(err).Msg("join")
	}
}

// confirm asks the user to accept, giving up after ConfirmTimeout. The
// activation flag is polled once per PollInterval; a call that became
// active in the meantime counts as accepted.
func (m *Machine) confirm(ctx context.Context, h domain.Handlers, kind domain.MediaKind, accepted bool) bool {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	answer := make(chan bool, 1)
	go func() {
		answer <- h.AcceptConfirm(cctx, kind, m.cfg.ConfirmTimeout, accepted)
	}()

	start := m.clk.Now()
	ticker := m.clk.Ticker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case ok := <-answer:
			return ok
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if m.active.Get() {
				return true
			}
			if m.clk.Since(start) >= m.cfg.ConfirmTimeout {
				log.Info().Str("module", "call").Str("kind", string(kind)).Msg("call request confirmation timed out")
				return false
			}
		}
	}
}
