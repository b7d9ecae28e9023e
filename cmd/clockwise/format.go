package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

var dayNames = []struct {
	name string
	bit  byte
}{
	{"mon", protocol.Monday},
	{"tue", protocol.Tuesday},
	{"wed", protocol.Wednesday},
	{"thu", protocol.Thursday},
	{"fri", protocol.Friday},
	{"sat", protocol.Saturday},
	{"sun", protocol.Sunday},
}

// parseDays accepts once, weekdays, weekend, everyday or a comma list of
// three-letter day names.
func parseDays(s string) (byte, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "once":
		return 0, nil
	case "weekdays":
		return protocol.Weekdays, nil
	case "weekend":
		return protocol.Weekend, nil
	case "everyday", "daily":
		return protocol.EveryDay, nil
	}
	var days byte
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		found := false
		for _, d := range dayNames {
			if part == d.name {
				days |= d.bit
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown day %q", part)
		}
	}
	return days, nil
}

func formatDays(days byte) string {
	switch days & protocol.EveryDay {
	case 0:
		return "once"
	case protocol.EveryDay:
		return "everyday"
	case protocol.Weekdays:
		return "weekdays"
	case protocol.Weekend:
		return "weekend"
	}
	var names []string
	for _, d := range dayNames {
		if days&d.bit != 0 {
			names = append(names, d.name)
		}
	}
	return strings.Join(names, ",")
}

// parseClock parses HH:MM.
func parseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q: bad hour", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q: bad minute", s)
	}
	return hour, minute, nil
}

func formatAlarm(a protocol.Alarm) string {
	state := "on"
	if !a.Enabled {
		state = "off"
	}
	line := fmt.Sprintf("  [%2d] %02d:%02d  %-3s  %s", a.ID, a.Hour, a.Minute, state, formatDays(a.Days))
	if a.Snooze {
		line += "  snooze"
	}
	return line
}

// parseTimezone accepts a signed duration such as +8h or -3h30m, or local.
func parseTimezone(s string) (protocol.Timezone, error) {
	if strings.EqualFold(s, "local") {
		_, offset := time.Now().Zone()
		return protocol.TimezoneFromOffset(time.Duration(offset) * time.Second), nil
	}
	d, err := time.ParseDuration(strings.TrimPrefix(s, "+"))
	if err != nil {
		return protocol.Timezone{}, fmt.Errorf("timezone %q: %w", s, err)
	}
	if d%protocol.TimezoneUnit != 0 {
		return protocol.Timezone{}, fmt.Errorf("timezone %q is not a multiple of %s", s, protocol.TimezoneUnit)
	}
	return protocol.TimezoneFromOffset(d), nil
}

// parseNight parses HH:MM-HH:MM into an enabled schedule, or off.
func parseNight(s string, nm protocol.NightMode) (protocol.NightMode, error) {
	if strings.EqualFold(s, "off") {
		nm.Enabled = false
		return nm, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return nm, fmt.Errorf("night window %q is not HH:MM-HH:MM", s)
	}
	var err error
	if nm.StartHour, nm.StartMin, err = parseClock(from); err != nil {
		return nm, err
	}
	if nm.EndHour, nm.EndMin, err = parseClock(to); err != nil {
		return nm, err
	}
	nm.Enabled = true
	return nm, nil
}

// applySettingsFlags overlays the flags the user set onto s.
func applySettingsFlags(c *cli.Context, s *protocol.DeviceSettings) error {
	if c.IsSet("volume") {
		s.Volume = c.Int("volume")
	}
	if c.IsSet("time-format") {
		switch c.String("time-format") {
		case "12h":
			s.TimeFormat = protocol.Format12h
		case "24h":
			s.TimeFormat = protocol.Format24h
		default:
			return fmt.Errorf("--time-format must be 12h or 24h")
		}
	}
	if c.IsSet("temp-unit") {
		switch strings.ToLower(c.String("temp-unit")) {
		case "c":
			s.TempUnit = protocol.Celsius
		case "f":
			s.TempUnit = protocol.Fahrenheit
		default:
			return fmt.Errorf("--temp-unit must be c or f")
		}
	}
	if c.IsSet("language") {
		switch c.String("language") {
		case "en":
			s.Language = protocol.LanguageEnglish
		case "zh":
			s.Language = protocol.LanguageChinese
		default:
			return fmt.Errorf("--language must be en or zh")
		}
	}
	if c.IsSet("timezone") {
		tz, err := parseTimezone(c.String("timezone"))
		if err != nil {
			return err
		}
		s.Timezone = tz
	}
	if c.IsSet("brightness") {
		s.ScreenBrightness = int(protocol.PercentToTile(c.Int("brightness")))
	}
	if c.IsSet("night") {
		nm, err := parseNight(c.String("night"), s.NightMode)
		if err != nil {
			return err
		}
		s.NightMode = nm
	}
	if c.IsSet("night-brightness") {
		s.NightMode.Brightness = int(protocol.PercentToTile(c.Int("night-brightness")))
	}
	if c.IsSet("backlight") {
		s.BacklightSeconds = c.Int("backlight")
	}
	if c.IsSet("alarms") {
		switch c.String("alarms") {
		case "on":
			s.MasterAlarmDisabled = false
		case "off":
			s.MasterAlarmDisabled = true
		default:
			return fmt.Errorf("--alarms must be on or off")
		}
	}
	return s.Validate()
}

// printSettings displays the settings summary.
func printSettings(s protocol.DeviceSettings) {
	format := "24h"
	if s.TimeFormat == protocol.Format12h {
		format = "12h"
	}
	unit := "°C"
	if s.TempUnit == protocol.Fahrenheit {
		unit = "°F"
	}
	lang := "zh"
	if s.Language == protocol.LanguageEnglish {
		lang = "en"
	}
	night := "off"
	if s.NightMode.Enabled {
		nm := s.NightMode
		night = fmt.Sprintf("%02d:%02d-%02d:%02d at %d%%", nm.StartHour, nm.StartMin, nm.EndHour, nm.EndMin, nm.Brightness*10)
	}
	alarms := "on"
	if s.MasterAlarmDisabled {
		alarms = "off"
	}

	fmt.Println("=== clockwise ===")
	if s.FirmwareVersion != "" {
		fmt.Printf("  Firmware:   %s\n", s.FirmwareVersion)
	}
	fmt.Printf("  Volume:     %d\n", s.Volume)
	fmt.Printf("  Display:    %s, %s, %s\n", format, unit, lang)
	fmt.Printf("  Timezone:   UTC%+.1fh\n", s.Timezone.Offset().Hours())
	fmt.Printf("  Brightness: %d%%\n", s.ScreenBrightness*10)
	fmt.Printf("  Night mode: %s\n", night)
	fmt.Printf("  Backlight:  %ds\n", s.BacklightSeconds)
	fmt.Printf("  Alarms:     %s\n", alarms)
	fmt.Printf("  Ringtone:   %s\n", protocol.SlotSignature(s.RingtoneSignature))
	fmt.Println("=================")
}
