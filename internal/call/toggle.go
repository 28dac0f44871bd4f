package call

import (
	"context"
	"fmt"

	"p2pcall/native/internal/domain"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// Toggle changes the outgoing state of medium, or of both media when medium
// is domain.MediaBoth, and announces the result to the remote side. It waits
// for any running Join or Toggle to finish first.
func (m *Machine) Toggle(ctx context.Context, medium domain.MediaKind, adj Adjustment) error {
	if err := m.joinToggle.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.joinToggle.Release(1)

	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l == nil {
		return ErrNoConnection
	}

	logger := log.With().Str("module", "call").Str("sid", l.sessionID).Logger()

	prev := m.outgoing.Get()
	out := prev
	switched := map[domain.DeviceCategory]string{}
	toggled := map[domain.MediaKind]bool{}

	apply := func(kind domain.MediaKind, cat domain.DeviceCategory, c *domain.Constraint) {
		if medium != domain.MediaBoth && medium != kind {
			return
		}
		enabled := adj.enables(c.Enabled)
		deviceID := ""
		if enabled {
			deviceID = m.deps.Memory.Get(cat)
			if adj.Mode == Switch && adj.DeviceID != "" && adj.DeviceID != deviceID {
				deviceID = adj.DeviceID
				switched[cat] = deviceID
			}
		}
		if c.Enabled == enabled && c.DeviceID == deviceID {
			return
		}
		if c.Enabled != enabled {
			if err := l.conn.SetEnabled(kind, enabled); err != nil {
				logger.Warn().Err(err).Str("kind", string(kind)).Msg("set track enabled")
			}
			toggled[kind] = c.Enabled
		}
		*c = domain.Constraint{Enabled: enabled, DeviceID: deviceID}
	}
	apply(domain.MediaAudio, domain.CategoryMicrophone, &out.Audio)
	apply(domain.MediaVideo, domain.CategoryCamera, &out.Video)

	if out != prev {
		m.setOutgoing(ctx, out)
		out = m.outgoing.Get()
	}

	m.mu.Lock()
	captured := l.intent
	m.mu.Unlock()
	recapture := len(switched) > 0 ||
		(out.Audio.Enabled && !captured.Audio.Enabled) ||
		(out.Video.Enabled && !captured.Video.Enabled)

	if recapture {
		if err := m.replaceStream(ctx, l, out); err != nil {
			if !m.current(l) {
				return err
			}
			for kind, was := range toggled {
				if err := l.conn.SetEnabled(kind, was); err != nil {
					logger.Debug().Err(err).Str("kind", string(kind)).Msg("restore track")
				}
			}
			m.outgoing.Set(prev)
			return err
		}
		for cat, id := range switched {
			m.deps.Memory.Set(cat, id)
		}
	}

	msg := domain.IntentMessage{
		Audio:           out.Audio.Enabled,
		Video:           out.Video.Enabled,
		SwitchingDevice: len(switched) > 0,
	}
	if err := m.sendIntent(ctx, l, msg); err != nil {
		logger.Warn().Err(err).Msg("announce media state")
	}
	return nil
}

// replaceStream captures intent and swaps the new stream onto the live
// connection. If the call ends while capturing, the new stream is stopped
// and ErrNoConnection returned.
func (m *Machine) replaceStream(ctx context.Context, l *link, intent domain.MediaIntent) error {
	stream, err := m.deps.Capturer.Capture(ctx, intent)
	if err != nil {
		return fmt.Errorf("switch device: %w", err)
	}
	if !m.current(l) {
		stream.Close()
		return ErrNoConnection
	}
	if err := l.conn.ReplaceStream(stream); err != nil {
		stream.Close()
		return fmt.Errorf("switch device: %w", err)
	}

	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		stream.Close()
		return ErrNoConnection
	}
	old := l.stream
	l.stream = stream
	l.intent = intent
	m.mu.Unlock()
	old.Close()

	log.Info().Str("module", "call").Str("sid", l.sessionID).
		Str("microphone", intent.Audio.DeviceID).
		Str("camera", intent.Video.DeviceID).
		Msg("device switched")
	return nil
}

// current reports whether l is still the live connection.
func (m *Machine) current(l *link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link == l
}

// sendIntent sends msg over the data channel, retrying with exponential
// backoff up to IntentAttempts times.
func (m *Machine) sendIntent(ctx context.Context, l *link, msg domain.IntentMessage) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}

	backoff := m.cfg.IntentBackoff
	for attempt := 1; ; attempt++ {
		err = l.conn.Send(data)
		if err == nil {
			return nil
		}
		if attempt >= m.cfg.IntentAttempts {
			return fmt.Errorf("send intent after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ctx.Done():
			return l.ctx.Err()
		case <-m.clk.After(backoff):
		}
		backoff *= 2
	}
}

// SwitchDevice moves the live call to another camera or microphone.
func (m *Machine) SwitchDevice(ctx context.Context, cat domain.DeviceCategory, deviceID string) error {
	switch cat {
	case domain.CategoryCamera:
		return m.Toggle(ctx, domain.MediaVideo, SwitchTo(deviceID))
	case domain.CategoryMicrophone:
		return m.Toggle(ctx, domain.MediaAudio, SwitchTo(deviceID))
	default:
		return fmt.Errorf("switch device: unsupported category %q", cat)
	}
}
