// Package media acquires local audio/video through pion/mediadevices.
package media

import (
	"context"
	"errors"
	"fmt"

	"p2pcall/native/internal/domain"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"
)

// ErrNothingRequested is returned when the intent enables no medium.
var ErrNothingRequested = errors.New("media: no audio or video requested")

// Capturer opens local devices matching a media intent.
type Capturer struct {
	codecs       *mediadevices.CodecSelector
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithCodecSelector sets the encoders used for captured tracks. The same
// selector must populate the connection's media engine.
func WithCodecSelector(s *mediadevices.CodecSelector) Option {
	return func(c *Capturer) { c.codecs = s }
}

// NewCapturer creates a Capturer.
func NewCapturer(opts ...Option) *Capturer {
	c := &Capturer{getUserMedia: mediadevices.GetUserMedia}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capture opens the devices described by intent.
func (c *Capturer) Capture(ctx context.Context, intent domain.MediaIntent) (domain.Stream, error) {
	if !intent.Audio.Enabled && !intent.Video.Enabled {
		return nil, ErrNothingRequested
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.codecs}
	if intent.Audio.Enabled {
		constraints.Audio = deviceOption(intent.Audio.DeviceID)
	}
	if intent.Video.Enabled {
		constraints.Video = deviceOption(intent.Video.DeviceID)
	}

	ms, err := c.getUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	s := &stream{ms: ms}
	for _, t := range ms.GetTracks() {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Str("track", track.ID()).Msg("local track ended")
			}
		})
		s.tracks = append(s.tracks, track)
	}

	log.Info().
		Str("module", "media").
		Bool("audio", intent.Audio.Enabled).
		Bool("video", intent.Video.Enabled).
		Int("tracks", len(s.tracks)).
		Msg("local media captured")
	return s, nil
}

func deviceOption(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.StringExact(deviceID)
		}
	}
}

// stream adapts a mediadevices.MediaStream.
type stream struct {
	ms     mediadevices.MediaStream
	tracks []domain.Track
}

func (s *stream) Tracks() []domain.Track {
	return s.tracks
}

func (s *stream) Close() {
	for _, t := range s.tracks {
		if err := t.Close(); err != nil {
			log.Debug().Err(err).Str("module", "media").Msg("close track")
		}
		if mt, ok := t.(mediadevices.Track); ok {
			s.ms.RemoveTrack(mt)
		}
	}
}
