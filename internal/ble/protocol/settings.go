package protocol

import (
	"fmt"
	"time"
)

// SettingsFrameLen is the size of a raw settings frame.
const SettingsFrameLen = 20

// Settings frame layout.
const (
	offVolume       = 2
	offFlags        = 5
	offTZUnits      = 6
	offBacklight    = 7
	offBrightness   = 8
	offNightStartH  = 9
	offNightStartM  = 10
	offNightEndH    = 11
	offNightEndM    = 12
	offTZSign       = 13
	offNightEnabled = 14
	offRingtoneSig  = 16
)

// Flag bits in byte 5.
const (
	flagEnglish             byte = 1 << 0
	flag12Hour              byte = 1 << 1
	flagFahrenheit          byte = 1 << 2
	flagMasterAlarmDisabled byte = 1 << 4
)

// Value ranges.
const (
	MinVolume       = 1
	MaxVolume       = 5
	MaxTile         = 10
	MaxBacklightSec = 60
	// TimezoneUnit is the granularity of the timezone offset.
	TimezoneUnit = 6 * time.Minute
)

// TempUnit selects the temperature display unit.
type TempUnit int

const (
	Celsius TempUnit = iota
	Fahrenheit
)

// TimeFormat selects 24 or 12 hour display.
type TimeFormat int

const (
	Format24h TimeFormat = iota
	Format12h
)

// Language selects the display language.
type Language int

const (
	LanguageChinese Language = iota
	LanguageEnglish
)

// Timezone is an offset from UTC in 6-minute units plus a sign.
type Timezone struct {
	Units    int
	Negative bool
}

// TimezoneFromOffset converts an offset to wire units, rounding toward zero.
func TimezoneFromOffset(d time.Duration) Timezone {
	tz := Timezone{Negative: d < 0}
	if d < 0 {
		d = -d
	}
	tz.Units = int(d / TimezoneUnit)
	return tz
}

// Offset returns the timezone as a signed duration.
func (tz Timezone) Offset() time.Duration {
	d := time.Duration(tz.Units) * TimezoneUnit
	if tz.Negative {
		return -d
	}
	return d
}

// NightMode is the dimmed display schedule.
type NightMode struct {
	Enabled    bool
	StartHour  int
	StartMin   int
	EndHour    int
	EndMin     int
	Brightness int // tile in [0,10]
}

// DeviceSettings is the decoded view of a settings frame. FirmwareVersion
// is not part of the frame and is filled from a separate request.
type DeviceSettings struct {
	TempUnit            TempUnit
	TimeFormat          TimeFormat
	Language            Language
	Volume              int
	Timezone            Timezone
	NightMode           NightMode
	ScreenBrightness    int // tile in [0,10]
	BacklightSeconds    int
	MasterAlarmDisabled bool
	RingtoneSignature   [4]byte
	FirmwareVersion     string
}

// Validate checks every field against its wire range.
func (s DeviceSettings) Validate() error {
	if s.Volume < MinVolume || s.Volume > MaxVolume {
		return fmt.Errorf("protocol: volume %d out of range [%d,%d]", s.Volume, MinVolume, MaxVolume)
	}
	if s.Timezone.Units < 0 || s.Timezone.Units > 0xFF {
		return fmt.Errorf("protocol: timezone units %d out of range", s.Timezone.Units)
	}
	if s.ScreenBrightness < 0 || s.ScreenBrightness > MaxTile {
		return fmt.Errorf("protocol: screen brightness %d out of range [0,%d]", s.ScreenBrightness, MaxTile)
	}
	if s.NightMode.Brightness < 0 || s.NightMode.Brightness > MaxTile {
		return fmt.Errorf("protocol: night brightness %d out of range [0,%d]", s.NightMode.Brightness, MaxTile)
	}
	if s.BacklightSeconds < 0 || s.BacklightSeconds > MaxBacklightSec {
		return fmt.Errorf("protocol: backlight %ds out of range [0,%d]", s.BacklightSeconds, MaxBacklightSec)
	}
	if s.NightMode.Enabled {
		nm := s.NightMode
		if nm.StartHour < 0 || nm.StartHour > 23 || nm.EndHour < 0 || nm.EndHour > 23 {
			return fmt.Errorf("protocol: night mode hours %d-%d out of range [0,23]", nm.StartHour, nm.EndHour)
		}
		if nm.StartMin < 0 || nm.StartMin > 59 || nm.EndMin < 0 || nm.EndMin > 59 {
			return fmt.Errorf("protocol: night mode minutes %d-%d out of range [0,59]", nm.StartMin, nm.EndMin)
		}
	}
	return nil
}

// DecodeSettings parses a settings response
// [0x13, 0x01|0x02, volume, _, _, flags, tz, backlight, brightness,
// startH, startM, endH, endM, tzSign, nightEnabled, _, sig*4].
func DecodeSettings(data []byte) (DeviceSettings, error) {
	if len(data) < SettingsFrameLen {
		return DeviceSettings{}, shortFrame("settings", len(data), SettingsFrameLen)
	}
	if data[0] != settingsHeader || (data[1] != CmdSettingsWrite && data[1] != CmdSettingsRead) {
		return DeviceSettings{}, &ProtocolError{
			Frame:  "settings",
			Reason: fmt.Sprintf("unexpected header 0x%02x 0x%02x", data[0], data[1]),
		}
	}
	flags := data[offFlags]
	s := DeviceSettings{
		Volume:              int(data[offVolume]),
		Timezone:            Timezone{Units: int(data[offTZUnits]), Negative: data[offTZSign] != 0},
		BacklightSeconds:    int(data[offBacklight]),
		ScreenBrightness:    int(data[offBrightness] >> 4),
		MasterAlarmDisabled: flags&flagMasterAlarmDisabled != 0,
		NightMode: NightMode{
			Enabled:    data[offNightEnabled] != 0,
			StartHour:  int(data[offNightStartH]),
			StartMin:   int(data[offNightStartM]),
			EndHour:    int(data[offNightEndH]),
			EndMin:     int(data[offNightEndM]),
			Brightness: int(data[offBrightness] & 0x0F),
		},
	}
	if flags&flagEnglish != 0 {
		s.Language = LanguageEnglish
	}
	if flags&flag12Hour != 0 {
		s.TimeFormat = Format12h
	}
	if flags&flagFahrenheit != 0 {
		s.TempUnit = Fahrenheit
	}
	copy(s.RingtoneSignature[:], data[offRingtoneSig:offRingtoneSig+4])
	return s, nil
}

// SettingsTemplate returns an all-zero frame carrying only the known header.
func SettingsTemplate() []byte {
	buf := make([]byte, SettingsFrameLen)
	buf[0] = settingsHeader
	buf[1] = CmdSettingsWrite
	return buf
}

// EncodeSettings writes s into a copy of template, the last raw frame read
// from the device, so reserved bytes and unknown flag bits keep whatever
// the device reported. A nil or short template falls back to
// SettingsTemplate. When night mode is off the schedule is forced to
// 00:00-00:01 because the firmware ignores the enable byte alone.
func EncodeSettings(template []byte, s DeviceSettings) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	buf := SettingsTemplate()
	if len(template) >= SettingsFrameLen {
		copy(buf, template[:SettingsFrameLen])
	}
	buf[0] = settingsHeader
	buf[1] = CmdSettingsWrite

	flags := buf[offFlags] &^ (flagEnglish | flag12Hour | flagFahrenheit | flagMasterAlarmDisabled)
	if s.Language == LanguageEnglish {
		flags |= flagEnglish
	}
	if s.TimeFormat == Format12h {
		flags |= flag12Hour
	}
	if s.TempUnit == Fahrenheit {
		flags |= flagFahrenheit
	}
	if s.MasterAlarmDisabled {
		flags |= flagMasterAlarmDisabled
	}
	buf[offFlags] = flags

	buf[offVolume] = byte(s.Volume)
	buf[offTZUnits] = byte(s.Timezone.Units)
	buf[offTZSign] = boolByte(s.Timezone.Negative)
	buf[offBacklight] = byte(s.BacklightSeconds)
	buf[offBrightness] = byte(s.ScreenBrightness)<<4 | byte(s.NightMode.Brightness)

	nm := s.NightMode
	if !nm.Enabled {
		nm.StartHour, nm.StartMin, nm.EndHour, nm.EndMin = 0, 0, 0, 1
	}
	buf[offNightStartH] = byte(nm.StartHour)
	buf[offNightStartM] = byte(nm.StartMin)
	buf[offNightEndH] = byte(nm.EndHour)
	buf[offNightEndM] = byte(nm.EndMin)
	buf[offNightEnabled] = boolByte(nm.Enabled)

	copy(buf[offRingtoneSig:offRingtoneSig+4], s.RingtoneSignature[:])
	return buf, nil
}
