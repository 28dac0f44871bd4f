package domain

// MediaKind is "audio" or "video". The empty kind addresses both media.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
	MediaBoth  MediaKind = ""
)

// SessionDescriptor identifies one call attempt.
type SessionDescriptor struct {
	ID          string
	ICEServers  string // serialized server list, passed through opaque until join
	IsInitiator bool
}

// ServerDescriptor is a normalized STUN/TURN server entry.
type ServerDescriptor struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Constraint is the intent for one medium: off, on, or on with a specific device.
type Constraint struct {
	Enabled  bool
	DeviceID string
}

// MediaIntent is what one side intends to send.
type MediaIntent struct {
	Audio Constraint
	Video Constraint
}

// IntentMessage is the data-channel message announcing the local intent.
type IntentMessage struct {
	Audio           bool `msgpack:"audio"`
	Video           bool `msgpack:"video"`
	SwitchingDevice bool `msgpack:"switchingDevice,omitempty"`
}

// DeviceCategory names one of the device lists.
type DeviceCategory string

const (
	CategoryCamera     DeviceCategory = "camera"
	CategoryMicrophone DeviceCategory = "microphone"
	CategorySpeaker    DeviceCategory = "speaker"
)
