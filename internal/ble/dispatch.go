package ble

import (
	"fmt"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// notification is a decoded incoming frame, tagged by kind.
type notification struct {
	kind     protocol.Kind
	ack      protocol.Ack
	alarms   protocol.AlarmPacket
	settings []byte
	firmware string
	sensor   protocol.SensorReading
}

// decodeNotification turns a raw notification into a tagged value. It has
// no side effects; resolving waiters is left to the caller.
func decodeNotification(role Role, data []byte) (notification, error) {
	if role == RoleSensorNotify {
		r, err := protocol.DecodeSensor(data)
		if err != nil {
			return notification{}, err
		}
		return notification{kind: protocol.KindSensor, sensor: r}, nil
	}

	n := notification{kind: protocol.Classify(data)}
	var err error
	switch n.kind {
	case protocol.KindAck:
		n.ack, err = protocol.DecodeAck(data)
	case protocol.KindAlarmList:
		n.alarms, err = protocol.DecodeAlarmPacket(data)
	case protocol.KindSettings:
		if _, err = protocol.DecodeSettings(data); err == nil {
			n.settings = cloneBytes(data[:protocol.SettingsFrameLen])
		}
	case protocol.KindFirmware:
		n.firmware, err = protocol.DecodeFirmware(data)
	default:
		err = &protocol.ProtocolError{
			Frame:  "notification",
			Reason: fmt.Sprintf("unrecognized frame on %s", role),
		}
	}
	if err != nil {
		return notification{}, err
	}
	return n, nil
}
