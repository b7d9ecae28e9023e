package protocol

import "fmt"

// Alarm slot limits.
const (
	MaxAlarmID    = 15
	AlarmSlots    = MaxAlarmID + 1
	emptyField    = 0xFF
	alarmEntryLen = 5
)

// Weekday bits of Alarm.Days. Zero means a one-time alarm.
const (
	Monday byte = 1 << iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday

	Weekdays = Monday | Tuesday | Wednesday | Thursday | Friday
	Weekend  = Saturday | Sunday
	EveryDay = Weekdays | Weekend
)

// Alarm is one alarm slot on the clock. Title is kept locally and never
// sent to the device.
type Alarm struct {
	ID      int
	Enabled bool
	Hour    int
	Minute  int
	Days    byte
	Snooze  bool
	Title   string
}

// OneTime reports whether the alarm fires once instead of repeating.
func (a Alarm) OneTime() bool { return a.Days&EveryDay == 0 }

// Validate checks that every field fits its wire range.
func (a Alarm) Validate() error {
	if a.ID < 0 || a.ID > MaxAlarmID {
		return fmt.Errorf("protocol: alarm id %d out of range [0,%d]", a.ID, MaxAlarmID)
	}
	if a.Hour < 0 || a.Hour > 23 {
		return fmt.Errorf("protocol: alarm hour %d out of range [0,23]", a.Hour)
	}
	if a.Minute < 0 || a.Minute > 59 {
		return fmt.Errorf("protocol: alarm minute %d out of range [0,59]", a.Minute)
	}
	if a.Days&^EveryDay != 0 {
		return fmt.Errorf("protocol: alarm days 0x%02x has bits outside Mon..Sun", a.Days)
	}
	return nil
}

// EncodeAlarmSet builds [0x07, 0x05, id, enabled, hour, minute, days, snooze].
func EncodeAlarmSet(a Alarm) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return frame(CmdAlarmSet,
		byte(a.ID), boolByte(a.Enabled), byte(a.Hour), byte(a.Minute), a.Days, boolByte(a.Snooze),
	), nil
}

// EncodeAlarmDelete builds the tombstone form of AlarmSet: the slot is
// written disabled with hour, minute, days and snooze all 0xFF.
func EncodeAlarmDelete(id int) ([]byte, error) {
	if id < 0 || id > MaxAlarmID {
		return nil, fmt.Errorf("protocol: alarm id %d out of range [0,%d]", id, MaxAlarmID)
	}
	return frame(CmdAlarmSet, byte(id), 0, emptyField, emptyField, emptyField, emptyField), nil
}

// AlarmSlot is one decoded entry of an alarm list notification.
type AlarmSlot struct {
	Index int
	Empty bool
	Alarm Alarm
}

// AlarmPacket is one alarm list notification:
// [0x11, 0x06, baseIndex, (enabled, hour, minute, days, snooze)*N].
type AlarmPacket struct {
	BaseIndex int
	Slots     []AlarmSlot
}

// LastIndex returns the highest slot index carried by the packet.
func (p AlarmPacket) LastIndex() int {
	if len(p.Slots) == 0 {
		return p.BaseIndex
	}
	return p.Slots[len(p.Slots)-1].Index
}

// DecodeAlarmPacket parses an alarm list notification. A slot is empty when
// its hour or minute is 0xFF. Trailing bytes that do not form a whole entry
// are ignored.
func DecodeAlarmPacket(data []byte) (AlarmPacket, error) {
	if len(data) < 3 {
		return AlarmPacket{}, shortFrame("alarm-list", len(data), 3)
	}
	if data[0] != alarmListHeader || data[1] != CmdAlarmList {
		return AlarmPacket{}, &ProtocolError{
			Frame:  "alarm-list",
			Reason: fmt.Sprintf("unexpected header 0x%02x 0x%02x", data[0], data[1]),
		}
	}
	pkt := AlarmPacket{BaseIndex: int(data[2])}
	body := data[3:]
	for i := 0; (i+1)*alarmEntryLen <= len(body); i++ {
		e := body[i*alarmEntryLen : (i+1)*alarmEntryLen]
		idx := pkt.BaseIndex + i
		slot := AlarmSlot{Index: idx}
		if e[1] == emptyField || e[2] == emptyField {
			slot.Empty = true
		} else {
			slot.Alarm = Alarm{
				ID:      idx,
				Enabled: e[0] != 0,
				Hour:    int(e[1]),
				Minute:  int(e[2]),
				Days:    e[3],
				Snooze:  e[4] != 0,
			}
		}
		pkt.Slots = append(pkt.Slots, slot)
	}
	return pkt, nil
}

// EncodeAlarmPacket is the device side of DecodeAlarmPacket. Alarms whose
// ID falls outside [base, base+count) are ignored; missing slots are empty.
func EncodeAlarmPacket(base, count int, alarms []Alarm) []byte {
	buf := []byte{alarmListHeader, CmdAlarmList, byte(base)}
	for i := 0; i < count; i++ {
		entry := []byte{0, emptyField, emptyField, emptyField, emptyField}
		for _, a := range alarms {
			if a.ID == base+i {
				entry = []byte{boolByte(a.Enabled), byte(a.Hour), byte(a.Minute), a.Days, boolByte(a.Snooze)}
			}
		}
		buf = append(buf, entry...)
	}
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
