package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"p2pcall/native/internal/domain"
	"p2pcall/native/internal/ice"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ErrChannelNotOpen is returned by Send before the data channel opens.
var ErrChannelNotOpen = errors.New("webrtc: data channel not open")

// dataChannelID is the pre-negotiated id of the intent channel on both sides.
const dataChannelID uint16 = 0

// Dialer creates Peers.
type Dialer struct {
	populate func(*pion.MediaEngine)
	settings pion.SettingEngine
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithCodecs registers codecs through populate instead of pion's defaults.
// Pass mediadevices.CodecSelector.Populate so captured tracks can be bound.
func WithCodecs(populate func(*pion.MediaEngine)) DialerOption {
	return func(d *Dialer) { d.populate = populate }
}

// WithSettingEngine replaces the setting engine.
func WithSettingEngine(se pion.SettingEngine) DialerOption {
	return func(d *Dialer) { d.settings = se }
}

// NewDialer creates a Dialer. ICE timeouts are relaxed so that short relay
// outages do not end the call.
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{}
	d.settings.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type sender struct {
	rtp     *pion.RTPSender
	track   domain.Track
	enabled bool
}

// Peer wraps a Pion PeerConnection and the negotiated intent DataChannel.
type Peer struct {
	pc        *pion.PeerConnection
	dc        *pion.DataChannel
	channel   string
	initiator bool

	events chan domain.PeerEvent
	done   chan struct{}

	remoteDescSet  chan struct{}
	remoteDescOnce sync.Once
	closeOnce      sync.Once

	mu      sync.Mutex
	senders map[domain.MediaKind]*sender
}

// Dial creates a PeerConnection for cfg. The initiator starts negotiating
// immediately; the other side waits for the remote offer.
func (d *Dialer) Dial(ctx context.Context, cfg domain.PeerConfig) (domain.Connection, error) {
	m := &pion.MediaEngine{}
	if d.populate != nil {
		d.populate(m)
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(d.settings),
	)

	config := pion.Configuration{
		ICEServers:   ice.ToICEServers(cfg.ICEServers),
		BundlePolicy: pion.BundlePolicyMaxBundle,
	}
	if cfg.RelayOnly {
		config.ICETransportPolicy = pion.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	negotiated := true
	id := dataChannelID
	dc, err := pc.CreateDataChannel(cfg.ChannelName, &pion.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	p := &Peer{
		pc:            pc,
		dc:            dc,
		channel:       cfg.ChannelName,
		initiator:     cfg.Initiator,
		events:        make(chan domain.PeerEvent, 64),
		done:          make(chan struct{}),
		remoteDescSet: make(chan struct{}),
		senders:       make(map[domain.MediaKind]*sender),
	}

	if cfg.Stream != nil {
		for _, t := range cfg.Stream.Tracks() {
			if err := p.addTrack(t); err != nil {
				p.Close()
				return nil, err
			}
		}
	}

	p.bindHandlers()

	if cfg.Initiator {
		go p.negotiate(ctx, pion.SDPTypeOffer)
	}
	return p, nil
}

func (p *Peer) bindHandlers() {
	p.dc.OnOpen(func() {
		log.Info().Str("module", "webrtc").Str("sid", p.channel).Msg("data channel opened")
		p.emit(domain.PeerEvent{Kind: domain.PeerOpen})
	})
	p.dc.OnMessage(func(msg pion.DataChannelMessage) {
		p.emit(domain.PeerEvent{Kind: domain.PeerData, Data: msg.Data})
	})
	p.dc.OnClose(func() {
		log.Info().Str("module", "webrtc").Str("sid", p.channel).Msg("data channel closed")
		p.emit(domain.PeerEvent{Kind: domain.PeerClose})
	})

	p.pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("sid", p.channel).Str("ice_state", state.String()).Msg("ICE state")
	})
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", p.channel).Str("peer_connection_state", state.String()).Msg("peer state")
		switch state {
		case pion.PeerConnectionStateConnected:
			p.emit(domain.PeerEvent{Kind: domain.PeerConnect})
		case pion.PeerConnectionStateFailed:
			p.emit(domain.PeerEvent{Kind: domain.PeerError, Err: errors.New("peer connection failed")})
		case pion.PeerConnectionStateClosed:
			p.emit(domain.PeerEvent{Kind: domain.PeerClose})
		}
	})

	p.pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		log.Info().
			Str("module", "webrtc").
			Str("sid", p.channel).
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Msg("got remote track")

		go drain(track)
		p.emit(domain.PeerEvent{Kind: domain.PeerTrack, Track: mediaKind(track.Kind())})
	})
}

// emit delivers ev unless the peer has been closed.
func (p *Peer) emit(ev domain.PeerEvent) {
	select {
	case <-p.done:
	case p.events <- ev:
	}
}

// Events delivers connection events in order. Nothing is delivered after Close.
func (p *Peer) Events() <-chan domain.PeerEvent {
	return p.events
}

// negotiate creates the local description of type t, waits for ICE
// gathering to complete and emits it as a single signal.
func (p *Peer) negotiate(ctx context.Context, t pion.SDPType) {
	var (
		desc pion.SessionDescription
		err  error
	)
	if t == pion.SDPTypeOffer {
		desc, err = p.pc.CreateOffer(nil)
	} else {
		desc, err = p.pc.CreateAnswer(nil)
	}
	if err != nil {
		p.emit(domain.PeerEvent{Kind: domain.PeerError, Err: fmt.Errorf("create %s: %w", t, err)})
		return
	}

	gatherComplete := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		p.emit(domain.PeerEvent{Kind: domain.PeerError, Err: fmt.Errorf("set local description: %w", err)})
		return
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return
	case <-p.done:
		return
	}

	local := p.pc.LocalDescription()
	log.Info().Str("module", "webrtc").Str("sid", p.channel).Str("type", t.String()).Msg("local description ready")
	p.emit(domain.PeerEvent{
		Kind:   domain.PeerSignal,
		Signal: domain.SignalPayload{Type: t.String(), SDP: stripAudioLevel(local.SDP)},
	})
}

// Signal applies a remote offer, answer or candidate. An offer is answered
// asynchronously through a PeerSignal event.
func (p *Peer) Signal(ctx context.Context, sig domain.SignalPayload) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	switch sig.Type {
	case "offer", "answer":
		desc := pion.SessionDescription{Type: pion.NewSDPType(sig.Type), SDP: sig.SDP}
		if err := p.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		p.remoteDescOnce.Do(func() { close(p.remoteDescSet) })
		log.Info().Str("module", "webrtc").Str("sid", p.channel).Str("type", sig.Type).Msg("remote description set")
		if desc.Type == pion.SDPTypeOffer {
			go p.negotiate(ctx, pion.SDPTypeAnswer)
		}
		return nil

	case "candidate":
		if sig.Candidate == nil {
			return nil
		}
		return p.addRemoteICECandidate(ctx, *sig.Candidate)

	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
}

// addRemoteICECandidate waits for the remote description to be set, then adds the candidate.
func (p *Peer) addRemoteICECandidate(ctx context.Context, candidate domain.ICECandidatePayload) error {
	select {
	case <-p.remoteDescSet:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return nil
	}

	sdpMLineIndex := uint16(candidate.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &candidate.SDPMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Send writes one message on the intent data channel.
func (p *Peer) Send(data []byte) error {
	if p.dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return p.dc.Send(data)
}

// SetEnabled attaches or detaches the local track of kind without renegotiating.
func (p *Peer) SetEnabled(kind domain.MediaKind, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.senders[kind]
	if !ok || s.enabled == enabled {
		return nil
	}
	var track pion.TrackLocal
	if enabled {
		track = s.track
	}
	if err := s.rtp.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	s.enabled = enabled
	return nil
}

// ReplaceStream swaps the local tracks for those of stream, keeping each
// sender's enabled state.
func (p *Peer) ReplaceStream(stream domain.Stream) error {
	for _, t := range stream.Tracks() {
		kind := mediaKind(t.Kind())

		p.mu.Lock()
		s, ok := p.senders[kind]
		if ok {
			s.track = t
			var err error
			if s.enabled {
				err = s.rtp.ReplaceTrack(t)
			}
			p.mu.Unlock()
			if err != nil {
				return fmt.Errorf("replace %s track: %w", kind, err)
			}
			continue
		}
		p.mu.Unlock()

		log.Warn().Str("module", "webrtc").Str("sid", p.channel).Str("kind", string(kind)).Msg("adding track without renegotiation")
		if err := p.addTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) addTrack(t domain.Track) error {
	rtpSender, err := p.pc.AddTrack(t)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(rtpSender)

	p.mu.Lock()
	p.senders[mediaKind(t.Kind())] = &sender{rtp: rtpSender, track: t, enabled: true}
	p.mu.Unlock()
	return nil
}

// Close shuts down the DataChannel and PeerConnection. Safe to call repeatedly.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.dc != nil {
			p.dc.Close()
		}
		if p.pc != nil {
			err = p.pc.Close()
		}
		log.Info().Str("module", "webrtc").Str("sid", p.channel).Msg("closed")
	})
	return err
}

func drain(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func drainRTCP(s *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func mediaKind(k pion.RTPCodecType) domain.MediaKind {
	if k == pion.RTPCodecTypeVideo {
		return domain.MediaVideo
	}
	return domain.MediaAudio
}

// stripAudioLevel removes the ssrc-audio-level header extension, which some
// receivers mishandle.
func stripAudioLevel(sdp string) string {
	if !strings.Contains(sdp, "ssrc-audio-level") {
		return sdp
	}
	lines := strings.Split(sdp, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !strings.Contains(l, "ssrc-audio-level") {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}
