package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"
)

// TokenSize is the length of the per-device shared secret.
const TokenSize = 16

// EncodeAuthInit builds [0x11, 0x01, token...].
func EncodeAuthInit(token []byte) ([]byte, error) {
	if len(token) != TokenSize {
		return nil, fmt.Errorf("protocol: token must be %d bytes, got %d", TokenSize, len(token))
	}
	return frame(CmdAuthInit, token...), nil
}

// EncodeAuthConfirm builds [0x11, 0x02, token...].
func EncodeAuthConfirm(token []byte) ([]byte, error) {
	if len(token) != TokenSize {
		return nil, fmt.Errorf("protocol: token must be %d bytes, got %d", TokenSize, len(token))
	}
	return frame(CmdAuthConfirm, token...), nil
}

// EncodeTimeSync builds [0x05, 0x09, unixSeconds:u32].
func EncodeTimeSync(t time.Time) []byte {
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], uint32(t.Unix()))
	return frame(CmdTimeSync, ts[:]...)
}

// EncodeSettingsRead builds the settings read request [0x01, 0x02].
func EncodeSettingsRead() []byte { return frame(CmdSettingsRead) }

// EncodeAlarmListRead builds the alarm list request [0x01, 0x06].
func EncodeAlarmListRead() []byte { return frame(CmdAlarmList) }

// EncodeFirmwareRead builds the firmware version request [0x01, 0x0D].
func EncodeFirmwareRead() []byte { return frame(CmdFirmwareRead) }

// PercentToTile quantizes a percentage into a 10% tile in [0, 10].
func PercentToTile(percent int) byte {
	tile := percent / 10
	if tile < 0 {
		tile = 0
	}
	if tile > 10 {
		tile = 10
	}
	return byte(tile)
}

// EncodeBrightnessPreview builds [0x02, 0x03, tile]. The device shows the
// level immediately but does not persist it.
func EncodeBrightnessPreview(percent int) []byte {
	return frame(CmdBrightness, PercentToTile(percent))
}

// EncodeRingtonePreview builds [0x01, 0x04] to ring at the current volume.
func EncodeRingtonePreview() []byte { return frame(CmdRingtonePreview) }

// EncodeRingtonePreviewVolume builds [0x02, 0x04, volume].
func EncodeRingtonePreviewVolume(volume int) ([]byte, error) {
	if volume < MinVolume || volume > MaxVolume {
		return nil, fmt.Errorf("protocol: volume %d out of range [%d,%d]", volume, MinVolume, MaxVolume)
	}
	return frame(CmdRingtonePreview, byte(volume)), nil
}

// DecodeFirmware parses [0x0B, len, utf8...].
func DecodeFirmware(data []byte) (string, error) {
	if len(data) < 2 {
		return "", shortFrame("firmware", len(data), 2)
	}
	if data[0] != firmwareHeader {
		return "", &ProtocolError{Frame: "firmware", Reason: fmt.Sprintf("unexpected header 0x%02x", data[0])}
	}
	n := int(data[1])
	if len(data) < 2+n {
		return "", shortFrame("firmware", len(data), 2+n)
	}
	version := data[2 : 2+n]
	if !utf8.Valid(version) {
		return "", &ProtocolError{Frame: "firmware", Reason: "version is not valid UTF-8"}
	}
	return string(version), nil
}

// SensorReading is one push sample from the sensor characteristic.
type SensorReading struct {
	TemperatureC float64
	HumidityRH   float64
}

// DecodeSensor parses [0x00, tempRaw:u16, humRaw:u16]; raw values are hundredths.
func DecodeSensor(data []byte) (SensorReading, error) {
	if len(data) < 5 {
		return SensorReading{}, shortFrame("sensor", len(data), 5)
	}
	if data[0] != sensorHeader {
		return SensorReading{}, &ProtocolError{Frame: "sensor", Reason: fmt.Sprintf("unexpected header 0x%02x", data[0])}
	}
	temp := binary.LittleEndian.Uint16(data[1:3])
	hum := binary.LittleEndian.Uint16(data[3:5])
	return SensorReading{
		TemperatureC: float64(temp) / 100,
		HumidityRH:   float64(hum) / 100,
	}, nil
}
