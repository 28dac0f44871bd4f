package domain

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// Flags are relay-side policy flags.
type Flags struct {
	DisableP2P bool
}

// Transport relays opaque payloads to the remote participant.
type Transport interface {
	Send(ctx context.Context, event string, payload []byte) error
	On(event string, handler func(payload []byte))
	Flags() Flags
	IsAlice() bool
}

// CommandChannel sends and receives signaling commands.
type CommandChannel interface {
	Send(ctx context.Context, cmd Command) error
	OnCommand(handler func(ctx context.Context, cmd Command))
}

// Handlers is the UI collaborator.
type Handlers interface {
	AcceptConfirm(ctx context.Context, kind MediaKind, timeout time.Duration, alreadyAccepted bool) bool
	RequestConfirm(ctx context.Context, kind MediaKind, alreadyAccepted bool) bool
	RequestConfirmation()
	Connected(connected bool)
	Canceled()
	Failed()
	Loaded()
	RequestRejection()
	LocalVideoConfirm(ctx context.Context, video bool) bool
}

// Permissions asks the platform for capture permissions.
type Permissions interface {
	RequestPermissions(ctx context.Context, capabilities ...string) bool
}

// ICEFetcher returns the serialized relay server list.
type ICEFetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Track is a local media track that can be attached to a connection.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Stream is a set of local tracks acquired together.
type Stream interface {
	Tracks() []Track
	Close()
}

// Capturer acquires local media matching an intent.
type Capturer interface {
	Capture(ctx context.Context, intent MediaIntent) (Stream, error)
}

// DeviceCounter reports how many capture devices exist per kind.
type DeviceCounter interface {
	Counts(ctx context.Context) (cameras, microphones int)
}

// PeerConfig describes the connection object to create.
type PeerConfig struct {
	ChannelName string
	ICEServers  []ServerDescriptor
	RelayOnly   bool
	Initiator   bool
	Stream      Stream
}

// Dialer creates connection objects.
type Dialer interface {
	Dial(ctx context.Context, cfg PeerConfig) (Connection, error)
}

// Connection is the live peer-to-peer media channel.
type Connection interface {
	// Events delivers connection events in order. Nothing is delivered after Close.
	Events() <-chan PeerEvent
	Signal(ctx context.Context, sig SignalPayload) error
	Send(data []byte) error
	SetEnabled(kind MediaKind, enabled bool) error
	ReplaceStream(stream Stream) error
	Close() error
}

// PeerEventKind enumerates connection events.
type PeerEventKind int

const (
	PeerClose PeerEventKind = iota
	PeerConnect
	PeerData
	PeerError
	PeerSignal
	PeerTrack
	PeerOpen
)

// String returns the event name used in logs.
func (k PeerEventKind) String() string {
	switch k {
	case PeerClose:
		return "close"
	case PeerConnect:
		return "connect"
	case PeerData:
		return "data"
	case PeerError:
		return "error"
	case PeerSignal:
		return "signal"
	case PeerTrack:
		return "track"
	case PeerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// PeerEvent is one event from a Connection.
type PeerEvent struct {
	Kind   PeerEventKind
	Data   []byte
	Signal SignalPayload
	Err    error
	Track  MediaKind
}
