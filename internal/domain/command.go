package domain

// Method identifies a signaling command. The vocabulary is closed; anything
// that does not parse is MethodUnknown and is dropped by receivers.
type Method int

const (
	MethodUnknown Method = iota
	MethodAccept
	MethodDecline
	MethodKill
	MethodAudio
	MethodVideo
	MethodWebRTC
)

var methodNames = map[Method]string{
	MethodAccept:  "accept",
	MethodDecline: "decline",
	MethodKill:    "kill",
	MethodAudio:   "audio",
	MethodVideo:   "video",
	MethodWebRTC:  "webRTC",
}

// String returns the wire name of the method.
func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMethod maps a wire method name to a Method.
func ParseMethod(s string) Method {
	for m, name := range methodNames {
		if name == s {
			return m
		}
	}
	return MethodUnknown
}

// RequestMethod returns the call-request method for kind.
func RequestMethod(kind MediaKind) Method {
	if kind == MediaVideo {
		return MethodVideo
	}
	return MethodAudio
}

// CallKind reports the media kind of a call-request method.
func (m Method) CallKind() (MediaKind, bool) {
	switch m {
	case MethodAudio:
		return MediaAudio, true
	case MethodVideo:
		return MediaVideo, true
	default:
		return "", false
	}
}

// Command is one signaling message exchanged between the two participants.
// AdditionalData carries the session id, or "<id>\n<servers>" for call requests.
type Command struct {
	Method         Method
	AdditionalData string
	Argument       []byte
}

// SignalPayload is a session description or ICE candidate produced by the
// local connection object and consumed by the remote one.
type SignalPayload struct {
	Type      string               `msgpack:"type"`
	SDP       string               `msgpack:"sdp,omitempty"`
	Candidate *ICECandidatePayload `msgpack:"candidate,omitempty"`
}

// ICECandidatePayload is a trickled ICE candidate.
type ICECandidatePayload struct {
	SDPMid        string `msgpack:"sdpMid"`
	SDPMLineIndex int    `msgpack:"sdpMLineIndex"`
	Candidate     string `msgpack:"candidate"`
}
