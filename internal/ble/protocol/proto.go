// Package protocol implements the binary command protocol spoken by the
// alarm clock over its GATT characteristics. All multi-byte integers are
// little-endian. Outgoing frames start with a length byte counting the
// bytes that follow it, then the command ID, then the payload.
package protocol

import (
	"errors"
	"fmt"
)

// Command IDs. The ACK for a command echoes its ID in byte 2.
const (
	CmdAuthInit        byte = 0x01
	CmdAuthConfirm     byte = 0x02
	CmdSettingsWrite   byte = 0x01
	CmdSettingsRead    byte = 0x02
	CmdBrightness      byte = 0x03
	CmdRingtonePreview byte = 0x04
	CmdAlarmSet        byte = 0x05
	CmdAlarmList       byte = 0x06
	CmdAudioBlock      byte = 0x08
	CmdTimeSync        byte = 0x09
	CmdFirmwareRead    byte = 0x0D
	CmdAudioInit       byte = 0x10
)

// ACK status codes.
const (
	StatusOK         byte = 0x00
	StatusPermission byte = 0x02
	StatusOKAlt      byte = 0x09
)

// Notification headers.
const (
	ackHeader0      byte = 0x04
	ackHeader1      byte = 0xFF
	alarmListHeader byte = 0x11
	settingsHeader  byte = 0x13
	firmwareHeader  byte = 0x0B
	sensorHeader    byte = 0x00
)

// ErrShortFrame is wrapped by ProtocolError when a frame is too short to decode.
var ErrShortFrame = errors.New("protocol: short frame")

// ProtocolError reports a malformed or unexpected frame.
type ProtocolError struct {
	Frame  string // frame kind being decoded
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %s: %v", e.Frame, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Frame, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func shortFrame(kind string, got, want int) error {
	return &ProtocolError{
		Frame:  kind,
		Reason: fmt.Sprintf("got %d bytes, want at least %d", got, want),
		Err:    ErrShortFrame,
	}
}

// frame builds [len, cmd, payload...] where len counts cmd and payload.
func frame(cmd byte, payload ...byte) []byte {
	buf := make([]byte, 0, 2+len(payload))
	buf = append(buf, byte(1+len(payload)), cmd)
	return append(buf, payload...)
}

// Ack is a decoded acknowledgement frame [0x04, 0xFF, cmdID, status, ...].
type Ack struct {
	CommandID byte
	Status    byte
}

// IsAck reports whether data carries the generic ACK header.
func IsAck(data []byte) bool {
	return len(data) >= 2 && data[0] == ackHeader0 && data[1] == ackHeader1
}

// DecodeAck parses an ACK frame.
func DecodeAck(data []byte) (Ack, error) {
	if !IsAck(data) {
		return Ack{}, &ProtocolError{Frame: "ack", Reason: "missing 0x04 0xFF header"}
	}
	if len(data) < 4 {
		return Ack{}, shortFrame("ack", len(data), 4)
	}
	return Ack{CommandID: data[2], Status: data[3]}, nil
}

// Success reports whether the ACK status means the command was accepted.
func (a Ack) Success() bool {
	return a.Status == StatusOK || a.Status == StatusOKAlt
}

// AuthInitSuccess is Success for the AuthInit ACK, which answers 0x02 when
// the device wants the confirm step. SettingsWrite shares command ID 0x01,
// so the caller decides which rule applies.
func (a Ack) AuthInitSuccess() bool {
	return a.Success() || a.Status == StatusPermission
}

// PermissionHint reports whether the status points at an auth/permission problem.
func (a Ack) PermissionHint() bool {
	return a.Status == StatusPermission
}

// Kind identifies the type of an incoming notification frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindAck
	KindAlarmList
	KindSettings
	KindFirmware
	KindSensor
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindAlarmList:
		return "alarm-list"
	case KindSettings:
		return "settings"
	case KindFirmware:
		return "firmware"
	case KindSensor:
		return "sensor"
	}
	return "unknown"
}

// Classify inspects the header of a data-channel notification. Sensor
// frames are told apart by the characteristic they arrive on, not here.
func Classify(data []byte) Kind {
	switch {
	case len(data) == 0:
		return KindUnknown
	case IsAck(data):
		return KindAck
	case len(data) >= 2 && data[0] == alarmListHeader && data[1] == CmdAlarmList:
		return KindAlarmList
	case data[0] == settingsHeader:
		return KindSettings
	case data[0] == firmwareHeader:
		return KindFirmware
	}
	return KindUnknown
}
