package ble

import "fmt"

// ReasonKind classifies why the link dropped.
type ReasonKind int

const (
	ReasonUnknown ReasonKind = iota
	ReasonUserRequested
	ReasonConnectionTimeout
	ReasonDeviceTerminated
	ReasonLinkLost
)

// Raw disconnect status codes reported by the transport.
const (
	StatusUserRequested     = 0
	StatusConnectionTimeout = 8
	StatusDeviceTerminated  = 19
	StatusLinkLost          = 22
	StatusGattError         = 133
)

// DisconnectionReason is the decoded cause of a disconnect.
type DisconnectionReason struct {
	Kind ReasonKind
	Code int
}

// ReasonFromStatus maps a raw disconnect status code to a reason.
func ReasonFromStatus(code int) DisconnectionReason {
	r := DisconnectionReason{Kind: ReasonUnknown, Code: code}
	switch code {
	case StatusUserRequested:
		r.Kind = ReasonUserRequested
	case StatusConnectionTimeout:
		r.Kind = ReasonConnectionTimeout
	case StatusDeviceTerminated:
		r.Kind = ReasonDeviceTerminated
	case StatusLinkLost:
		r.Kind = ReasonLinkLost
	}
	return r
}

// RestartHint reports whether the host Bluetooth stack is likely wedged
// and should be restarted before retrying.
func (r DisconnectionReason) RestartHint() bool {
	return r.Kind == ReasonUnknown && r.Code == StatusGattError
}

func (r DisconnectionReason) String() string {
	switch r.Kind {
	case ReasonUserRequested:
		return "user requested"
	case ReasonConnectionTimeout:
		return "connection timeout"
	case ReasonDeviceTerminated:
		return "terminated by device"
	case ReasonLinkLost:
		return "link lost"
	}
	if r.RestartHint() {
		return fmt.Sprintf("unknown (status %d, try restarting Bluetooth)", r.Code)
	}
	return fmt.Sprintf("unknown (status %d)", r.Code)
}
