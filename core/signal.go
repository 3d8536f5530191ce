package core

// SignalStatus is the outcome of an external signal check
type SignalStatus int

const (
	// SignalUnavailable means the check could not run; scoring treats it as absent
	SignalUnavailable SignalStatus = iota
	SignalAbsent
	SignalPresent
)

func (s SignalStatus) String() string {
	switch s {
	case SignalAbsent:
		return "absent"
	case SignalPresent:
		return "present"
	default:
		return "unavailable"
	}
}

// External signal names
const (
	SignalGeolocation = "geolocation"
	SignalVPN         = "vpn"
)

// Signal is the result of consulting an external source (geolocation, VPN reputation).
// Every place a missing signal lowers a computed risk goes through Unavailable.
type Signal struct {
	Name   string       `json:"name"`
	Status SignalStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// Present builds a positive signal
func Present(name string) Signal {
	return Signal{Name: name, Status: SignalPresent}
}

// Absent builds a negative signal
func Absent(name string) Signal {
	return Signal{Name: name, Status: SignalAbsent}
}

// Unavailable builds a signal whose source could not be consulted
func Unavailable(name, reason string) Signal {
	return Signal{Name: name, Status: SignalUnavailable, Reason: reason}
}

// Available reports whether the source answered
func (s Signal) Available() bool {
	return s.Status != SignalUnavailable
}

// Detected reports whether the source answered positively
func (s Signal) Detected() bool {
	return s.Status == SignalPresent
}
