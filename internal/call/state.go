package call

// State is the lifecycle state of a call.
type State int

const (
	Idle State = iota
	Requesting
	PendingRemoteAccept
	Accepted
	Joining
	Active
	Closing
)

// String returns the snake_case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case PendingRemoteAccept:
		return "pending_remote_accept"
	case Accepted:
		return "accepted"
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Mode selects how Toggle changes a medium.
type Mode int

const (
	// Flip turns an enabled medium off and a disabled one on.
	Flip Mode = iota
	Pause
	Resume
	// Switch enables the medium on the device in Adjustment.DeviceID.
	Switch
)

// Adjustment is the change Toggle applies.
type Adjustment struct {
	Mode     Mode
	DeviceID string
}

// SwitchTo returns an Adjustment moving a medium to deviceID.
func SwitchTo(deviceID string) Adjustment {
	return Adjustment{Mode: Switch, DeviceID: deviceID}
}

// enables reports the resulting enablement for a medium currently at enabled.
func (a Adjustment) enables(enabled bool) bool {
	switch a.Mode {
	case Pause:
		return false
	case Resume, Switch:
		return true
	default:
		return !enabled
	}
}
