package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// SetAlarm writes one alarm slot and waits for the device to acknowledge it.
func (s *Session) SetAlarm(ctx context.Context, a protocol.Alarm) error {
	data, err := protocol.EncodeAlarmSet(a)
	if err != nil {
		return err
	}
	return s.authedExchange(ctx, func(ctx context.Context) error {
		if _, err := s.request(ctx, RoleDataWrite, data, protocol.CmdAlarmSet, s.opts.OperationTimeout); err != nil {
			return fmt.Errorf("ble: set alarm %d: %w", a.ID, err)
		}
		return nil
	})
}

// DeleteAlarm clears slot id.
func (s *Session) DeleteAlarm(ctx context.Context, id int) error {
	data, err := protocol.EncodeAlarmDelete(id)
	if err != nil {
		return err
	}
	return s.authedExchange(ctx, func(ctx context.Context) error {
		if _, err := s.request(ctx, RoleDataWrite, data, protocol.CmdAlarmSet, s.opts.OperationTimeout); err != nil {
			return fmt.Errorf("ble: delete alarm %d: %w", id, err)
		}
		return nil
	})
}

// ReadAlarms returns the occupied alarm slots ordered by ID. The list
// arrives over several notifications; it is complete once slot 15 has been
// seen, or when the device goes quiet for AlarmListIdle, in which case
// whatever arrived so far is returned.
func (s *Session) ReadAlarms(ctx context.Context) ([]protocol.Alarm, error) {
	var alarms []protocol.Alarm
	err := s.authedExchange(ctx, func(ctx context.Context) error {
		var err error
		alarms, err = s.readAlarms(ctx)
		return err
	})
	return alarms, err
}

func (s *Session) readAlarms(ctx context.Context) ([]protocol.Alarm, error) {
	p, err := s.requests.register(requestKey{kind: reqAlarmList}, true)
	if err != nil {
		return nil, err
	}
	defer s.requests.remove(p)

	if err := s.writeFrame(ctx, RoleDataWrite, protocol.EncodeAlarmListRead()); err != nil {
		return nil, fmt.Errorf("ble: read alarms: %w", err)
	}

	asm := newAlarmAssembler()
	timer := time.NewTimer(s.opts.OperationTimeout)
	defer timer.Stop()
	for {
		select {
		case res := <-p.ch:
			if asm.add(res.alarms) {
				return asm.alarms(), nil
			}
			timer.Reset(s.opts.AlarmListIdle)
		case <-timer.C:
			if asm.packets == 0 {
				return nil, &TimeoutError{Op: "read alarms", After: s.opts.OperationTimeout}
			}
			slog.Warn("[BLE] alarm list incomplete, returning partial set", "packets", asm.packets, "highest", asm.highest)
			return asm.alarms(), nil
		case <-p.done:
			return nil, p.err
		case <-ctx.Done():
			return nil, fmt.Errorf("ble: read alarms: %w", ctx.Err())
		}
	}
}

// alarmAssembler accumulates alarm list packets into slots.
type alarmAssembler struct {
	slots   map[int]protocol.Alarm
	packets int
	highest int
}

func newAlarmAssembler() *alarmAssembler {
	return &alarmAssembler{slots: make(map[int]protocol.Alarm), highest: -1}
}

// add merges one packet and reports whether the list is complete.
func (a *alarmAssembler) add(pkt protocol.AlarmPacket) bool {
	a.packets++
	for _, slot := range pkt.Slots {
		if slot.Index > protocol.MaxAlarmID {
			continue
		}
		if slot.Index > a.highest {
			a.highest = slot.Index
		}
		if slot.Empty {
			delete(a.slots, slot.Index)
			continue
		}
		a.slots[slot.Index] = slot.Alarm
	}
	return pkt.LastIndex() >= protocol.MaxAlarmID
}

func (a *alarmAssembler) alarms() []protocol.Alarm {
	out := make([]protocol.Alarm, 0, len(a.slots))
	for _, al := range a.slots {
		out = append(out, al)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
