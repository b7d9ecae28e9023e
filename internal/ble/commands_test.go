package ble

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

func TestCommandsRequireAuthentication(t *testing.T) {
	s := newTestSession(t, newMockTransport(), nil)
	ctx := testContext(t)

	if _, err := s.ReadSettings(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("ReadSettings() error = %v, want ErrNotAuthenticated", err)
	}
	if _, err := s.ReadAlarms(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("ReadAlarms() error = %v, want ErrNotAuthenticated", err)
	}
	if err := s.SetAlarm(ctx, protocol.Alarm{ID: 1, Hour: 7}); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("SetAlarm() error = %v, want ErrNotAuthenticated", err)
	}
	if err := s.UploadAudio(ctx, []byte{1, 2, 3}, protocol.SlotSignature{}, nil); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("UploadAudio() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestSetAndDeleteAlarm(t *testing.T) {
	s, tr, _ := connectedSession(t)
	ctx := testContext(t)

	a := protocol.Alarm{ID: 3, Enabled: true, Hour: 6, Minute: 45, Days: protocol.Weekdays, Snooze: true}
	if err := s.SetAlarm(ctx, a); err != nil {
		t.Fatalf("SetAlarm() error = %v", err)
	}
	if err := s.DeleteAlarm(ctx, 3); err != nil {
		t.Fatalf("DeleteAlarm() error = %v", err)
	}

	writes := tr.writesOf(RoleDataWrite, protocol.CmdAlarmSet)
	if len(writes) != 2 {
		t.Fatalf("alarm writes = %d, want 2", len(writes))
	}
	wantSet, _ := protocol.EncodeAlarmSet(a)
	wantDel, _ := protocol.EncodeAlarmDelete(3)
	if !bytes.Equal(writes[0], wantSet) {
		t.Errorf("set frame = % x, want % x", writes[0], wantSet)
	}
	if !bytes.Equal(writes[1], wantDel) {
		t.Errorf("delete frame = % x, want % x", writes[1], wantDel)
	}
}

func TestSetAlarmRejectsInvalid(t *testing.T) {
	s, tr, _ := connectedSession(t)
	if err := s.SetAlarm(testContext(t), protocol.Alarm{ID: 16}); err == nil {
		t.Fatal("expected error for alarm id 16")
	}
	if n := len(tr.writesOf(RoleDataWrite, protocol.CmdAlarmSet)); n != 0 {
		t.Errorf("alarm writes = %d, want 0", n)
	}
}

func TestReadAlarmsFullSet(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.mu.Lock()
	tr.alarms = []protocol.Alarm{
		{ID: 14, Enabled: true, Hour: 22, Minute: 0, Days: protocol.EveryDay},
		{ID: 0, Enabled: true, Hour: 7, Minute: 30, Days: protocol.Weekdays},
		{ID: 5, Enabled: false, Hour: 9, Minute: 15},
	}
	tr.mu.Unlock()

	alarms, err := s.ReadAlarms(testContext(t))
	if err != nil {
		t.Fatalf("ReadAlarms() error = %v", err)
	}
	wantIDs := []int{0, 5, 14}
	if len(alarms) != len(wantIDs) {
		t.Fatalf("got %d alarms, want %d: %+v", len(alarms), len(wantIDs), alarms)
	}
	for i, id := range wantIDs {
		if alarms[i].ID != id {
			t.Errorf("alarms[%d].ID = %d, want %d", i, alarms[i].ID, id)
		}
	}
	if alarms[0].Hour != 7 || alarms[0].Minute != 30 || alarms[0].Days != protocol.Weekdays {
		t.Errorf("alarm 0 = %+v", alarms[0])
	}
}

func TestReadAlarmsReturnsPartialSetAfterIdle(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.mu.Lock()
	tr.alarmPackets = 2
	tr.alarms = []protocol.Alarm{
		{ID: 1, Enabled: true, Hour: 8},
		{ID: 12, Enabled: true, Hour: 9},
	}
	tr.mu.Unlock()

	alarms, err := s.ReadAlarms(testContext(t))
	if err != nil {
		t.Fatalf("ReadAlarms() error = %v", err)
	}
	if len(alarms) != 1 || alarms[0].ID != 1 {
		t.Errorf("alarms = %+v, want only slot 1", alarms)
	}
}

func TestReadAlarmsTimesOutWithoutPackets(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.setSilent(protocol.CmdAlarmList)

	_, err := s.ReadAlarms(testContext(t))
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
}

func TestReadModifyWriteSettings(t *testing.T) {
	s, tr, st := connectedSession(t)
	ctx := testContext(t)

	settings, err := s.ReadSettings(ctx)
	if err != nil {
		t.Fatalf("ReadSettings() error = %v", err)
	}
	if settings.Volume != 3 || settings.FirmwareVersion != "2.1.7" {
		t.Errorf("settings = %+v", settings)
	}
	if !bytes.Equal(st.frames[testDevice], testSettingsFrame()) {
		t.Errorf("persisted frame = % x", st.frames[testDevice])
	}

	settings.Volume = 5
	settings.NightMode.Enabled = false
	if err := s.WriteSettings(ctx, settings); err != nil {
		t.Fatalf("WriteSettings() error = %v", err)
	}

	writes := tr.writesOf(RoleDataWrite, protocol.CmdSettingsWrite)
	if len(writes) != 1 {
		t.Fatalf("settings writes = %d, want 1", len(writes))
	}
	got := writes[0]
	if got[2] != 5 {
		t.Errorf("volume byte = %d, want 5", got[2])
	}
	if got[3] != 0xA5 || got[4] != 0x5A || got[15] != 0xC3 {
		t.Errorf("reserved bytes not preserved: % x", got)
	}
	if got[5]&0x08 == 0 {
		t.Errorf("unknown flag bit lost: flags 0x%02x", got[5])
	}
	if got[9] != 0 || got[10] != 0 || got[11] != 0 || got[12] != 1 || got[14] != 0 {
		t.Errorf("disabled night mode schedule = % x, want 00 00 00 01 with enable 0", got[9:15])
	}
	if !bytes.Equal(s.LastSettingsFrame(), got) || !bytes.Equal(st.frames[testDevice], got) {
		t.Error("written frame not cached and persisted")
	}
}

func TestWriteSettingsValidatesFirst(t *testing.T) {
	s, tr, _ := connectedSession(t)
	err := s.WriteSettings(testContext(t), protocol.DeviceSettings{Volume: 9})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if n := len(tr.writesOf(RoleDataWrite, protocol.CmdSettingsWrite)); n != 0 {
		t.Errorf("settings writes = %d, want 0", n)
	}
}

func TestWriteSettingsRefusedWithPermissionStatus(t *testing.T) {
	s, tr, st := connectedSession(t)
	ctx := testContext(t)

	settings, err := s.ReadSettings(ctx)
	if err != nil {
		t.Fatalf("ReadSettings() error = %v", err)
	}
	tr.mu.Lock()
	tr.settingsStatus = protocol.StatusPermission
	tr.mu.Unlock()

	settings.Volume = 5
	err = s.WriteSettings(ctx, settings)
	var ackErr *AckError
	if !errors.As(err, &ackErr) {
		t.Fatalf("error = %v, want *AckError", err)
	}
	if !ackErr.PermissionHint() {
		t.Errorf("AckError %v should carry the permission hint", ackErr)
	}
	if !bytes.Equal(s.LastSettingsFrame(), testSettingsFrame()) {
		t.Errorf("cached frame = % x, want the frame last read", s.LastSettingsFrame())
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !bytes.Equal(st.frames[testDevice], testSettingsFrame()) {
		t.Errorf("persisted frame = % x, want the frame last read", st.frames[testDevice])
	}
}

func TestReadFirmwareVersion(t *testing.T) {
	s, tr, _ := connectedSession(t)
	v, err := s.ReadFirmwareVersion(testContext(t))
	if err != nil {
		t.Fatalf("ReadFirmwareVersion() error = %v", err)
	}
	if v != "2.1.7" {
		t.Errorf("version = %q, want 2.1.7", v)
	}
	if n := len(tr.writesOf(RoleAuthWrite, protocol.CmdFirmwareRead)); n != 1 {
		t.Errorf("firmware reads on auth-write = %d, want 1", n)
	}
}

func TestReadRSSI(t *testing.T) {
	s, _, _ := connectedSession(t)
	rssi, err := s.ReadRSSI(testContext(t))
	if err != nil {
		t.Fatalf("ReadRSSI() error = %v", err)
	}
	if rssi != -58 {
		t.Errorf("rssi = %d, want -58", rssi)
	}
}

func TestReadRSSIFailureNamesNoCharacteristic(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.mu.Lock()
	tr.rssiErr = errRefused
	tr.mu.Unlock()

	_, err := s.ReadRSSI(testContext(t))
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if terr.Role != RoleNone {
		t.Errorf("role = %v, want %v", terr.Role, RoleNone)
	}
	if !errors.Is(err, errRefused) {
		t.Errorf("error = %v, want it to wrap the transport error", err)
	}
	if msg := err.Error(); strings.Contains(msg, RoleAuthWrite.String()) {
		t.Errorf("error %q names a characteristic", msg)
	}
}

func TestSyncTime(t *testing.T) {
	s, tr, _ := connectedSession(t)
	if err := s.SyncTime(testContext(t)); err != nil {
		t.Fatalf("SyncTime() error = %v", err)
	}
	if n := len(tr.writesOf(RoleDataWrite, protocol.CmdTimeSync)); n != 2 {
		t.Errorf("time sync writes = %d, want 2 (connect + explicit)", n)
	}
}

func TestWriteRetriesFailedCompletion(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.mu.Lock()
	tr.failWrites = 2
	tr.mu.Unlock()

	if err := s.SetAlarm(testContext(t), protocol.Alarm{ID: 2, Hour: 6}); err != nil {
		t.Fatalf("SetAlarm() error = %v", err)
	}
	if n := len(tr.writesOf(RoleDataWrite, protocol.CmdAlarmSet)); n != 3 {
		t.Errorf("alarm writes = %d, want 3 attempts", n)
	}
}

func TestWriteGivesUpAfterAttempts(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.mu.Lock()
	tr.failWrites = 3
	tr.mu.Unlock()

	err := s.SetAlarm(testContext(t), protocol.Alarm{ID: 2, Hour: 6})
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Status != StatusGattError {
		t.Fatalf("error = %v, want TransportError with status %d", err, StatusGattError)
	}
}

func TestWriteRetriesRefusedSubmission(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.mu.Lock()
	tr.refuseSubmit = errRefused
	tr.mu.Unlock()

	err := s.SetAlarm(testContext(t), protocol.Alarm{ID: 4, Hour: 5})
	if !errors.Is(err, errRefused) {
		t.Fatalf("error = %v, want the refusal", err)
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Role != RoleDataWrite {
		t.Errorf("error = %v, want TransportError on %v", err, RoleDataWrite)
	}
}

func TestDisconnectRejectsPendingRequests(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.setSilent(protocol.CmdSettingsRead)

	var reasons []DisconnectionReason
	s.OnDisconnect(func(r DisconnectionReason) { reasons = append(reasons, r) })

	errc := make(chan error, 1)
	go func() {
		_, err := s.ReadSettings(context.Background())
		errc <- err
	}()
	// Wait until only the settings waiter is left, i.e. the read request
	// has been written and its completion consumed.
	waitUntil(t, func() bool {
		return len(tr.writesOf(RoleDataWrite, protocol.CmdSettingsRead)) == 1 && s.requests.len() == 1
	})

	tr.simulateDisconnect(StatusLinkLost)

	err := <-errc
	var discErr *DisconnectedError
	if !errors.As(err, &discErr) {
		t.Fatalf("error = %v, want *DisconnectedError", err)
	}
	if discErr.Reason.Kind != ReasonLinkLost {
		t.Errorf("reason = %v, want link lost", discErr.Reason)
	}
	if s.requests.len() != 0 {
		t.Errorf("request table holds %d waiters after disconnect", s.requests.len())
	}
	if s.IsConnected() || s.IsAuthenticated() || s.State() != StateDisconnected {
		t.Errorf("connected=%v authenticated=%v state=%v", s.IsConnected(), s.IsAuthenticated(), s.State())
	}
	if len(reasons) != 1 || reasons[0].Kind != ReasonLinkLost {
		t.Errorf("OnDisconnect reasons = %v", reasons)
	}
	if s.LastDisconnectReason().Code != StatusLinkLost {
		t.Errorf("LastDisconnectReason() = %v", s.LastDisconnectReason())
	}
}

func TestUserDisconnect(t *testing.T) {
	s, tr, _ := connectedSession(t)
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if tr.disconnects != 1 {
		t.Errorf("transport disconnects = %d, want 1", tr.disconnects)
	}
	if s.LastDisconnectReason().Kind != ReasonUserRequested {
		t.Errorf("LastDisconnectReason() = %v, want user requested", s.LastDisconnectReason())
	}
	if _, err := s.ReadSettings(testContext(t)); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("ReadSettings() after disconnect error = %v, want ErrNotAuthenticated", err)
	}
}

func TestSensorReadings(t *testing.T) {
	s, tr, _ := connectedSession(t)
	got := make(chan protocol.SensorReading, 1)
	s.OnSensorReading(func(r protocol.SensorReading) { got <- r })

	// 23.45 C, 41.20 %RH
	tr.simulateNotification(RoleSensorNotify, []byte{0x00, 0x29, 0x09, 0x18, 0x10})

	select {
	case r := <-got:
		if r.TemperatureC != 23.45 || r.HumidityRH != 41.2 {
			t.Errorf("reading = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("no sensor reading delivered")
	}
}

func TestMalformedNotificationIsDropped(t *testing.T) {
	s, tr, _ := connectedSession(t)
	tr.simulateNotification(RoleDataNotify, []byte{0x42, 0x00})
	tr.simulateNotification(RoleDataNotify, []byte{0x13, 0x02, 0x01})
	if !s.IsAuthenticated() {
		t.Error("malformed notification disturbed the session")
	}
}
