// Package console provides headless UI collaborators for the command-line
// client. Prompts are answered from configuration and every notification is
// logged.
package console

import (
	"context"
	"time"

	"p2pcall/native/internal/domain"

	"github.com/rs/zerolog/log"
)

// Handlers answers call prompts automatically.
type Handlers struct {
	autoAccept bool
	ended      chan struct{}
}

// NewHandlers creates Handlers. With autoAccept false every inbound call and
// local video prompt is refused.
func NewHandlers(autoAccept bool) *Handlers {
	return &Handlers{autoAccept: autoAccept, ended: make(chan struct{}, 1)}
}

// Ended signals each time a call is cancelled, fails, is rejected or disconnects.
func (h *Handlers) Ended() <-chan struct{} {
	return h.ended
}

func (h *Handlers) end() {
	select {
	case h.ended <- struct{}{}:
	default:
	}
}

// AcceptConfirm answers an inbound call with the configured auto-accept policy.
func (h *Handlers) AcceptConfirm(_ context.Context, kind domain.MediaKind, timeout time.Duration, alreadyAccepted bool) bool {
	log.Info().
		Str("module", "console").
		Str("kind", string(kind)).
		Dur("timeout", timeout).
		Bool("already_accepted", alreadyAccepted).
		Bool("answer", h.autoAccept).
		Msg("incoming call")
	return h.autoAccept
}

// RequestConfirm always lets outgoing calls proceed.
func (h *Handlers) RequestConfirm(_ context.Context, kind domain.MediaKind, alreadyAccepted bool) bool {
	log.Info().Str("module", "console").Str("kind", string(kind)).Bool("already_accepted", alreadyAccepted).Msg("placing call")
	return true
}

// RequestConfirmation logs that the request was sent.
func (h *Handlers) RequestConfirmation() {
	log.Info().Str("module", "console").Msg("call request sent, waiting for answer")
}

// Connected logs connection changes and signals Ended on disconnect.
func (h *Handlers) Connected(connected bool) {
	log.Info().Str("module", "console").Bool("connected", connected).Msg("connection state")
	if !connected {
		h.end()
	}
}

// Canceled logs a call that ended before connecting.
func (h *Handlers) Canceled() {
	log.Info().Str("module", "console").Msg("call canceled")
	h.end()
}

// Failed logs a call that could not start.
func (h *Handlers) Failed() {
	log.Error().Str("module", "console").Msg("call failed")
	h.end()
}

// Loaded logs the arrival of remote media.
func (h *Handlers) Loaded() {
	log.Info().Str("module", "console").Msg("remote media flowing")
}

// RequestRejection logs a call declined by the remote side.
func (h *Handlers) RequestRejection() {
	log.Info().Str("module", "console").Msg("call rejected by remote")
	h.end()
}

// LocalVideoConfirm answers with the auto-accept policy.
func (h *Handlers) LocalVideoConfirm(_ context.Context, video bool) bool {
	log.Info().Str("module", "console").Bool("video", video).Bool("answer", h.autoAccept).Msg("local video confirmation")
	return h.autoAccept
}

// Permissions grants capture capabilities unless they are listed as denied.
type Permissions struct {
	denied map[string]bool
}

// NewPermissions creates Permissions refusing the given capabilities.
func NewPermissions(denied ...string) *Permissions {
	p := &Permissions{denied: make(map[string]bool)}
	for _, c := range denied {
		p.denied[c] = true
	}
	return p
}

// RequestPermissions reports whether every capability is granted.
func (p *Permissions) RequestPermissions(_ context.Context, capabilities ...string) bool {
	for _, c := range capabilities {
		if p.denied[c] {
			log.Warn().Str("module", "console").Str("capability", c).Msg("permission denied")
			return false
		}
	}
	log.Debug().Str("module", "console").Strs("capabilities", capabilities).Msg("permissions granted")
	return true
}
