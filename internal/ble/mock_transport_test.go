package ble

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// mockWrite is one characteristic write seen by mockTransport.
type mockWrite struct {
	role Role
	data []byte
}

// mockTransport simulates a clock behind the Transport contract. Every
// submission is answered from a goroutine, the way a real stack delivers
// callbacks. Knobs are set before the session uses it.
type mockTransport struct {
	mu      sync.Mutex
	handler func(Event)
	writes  []mockWrite
	enabled []Role

	connected      bool
	disconnects    int
	refuseConnect  bool          // Connect reports a GATT failure
	connectDelay   time.Duration // delay before the connected event
	missingChars   bool  // DiscoverServices reports a non-zero status
	failWrites     int   // next n writes complete with a non-zero status
	refuseSubmit   error // WriteCharacteristic returns this
	silent         map[byte]bool
	authInitStatus byte
	confirmStatus  byte
	audioInitAck   byte
	dropBlockAcks  bool
	alarmPackets   int // alarm list packets to send, 4 slots each
	rssi           int
	rssiErr        error // ReadRSSI returns this
	settingsStatus byte  // ACK status for settings writes

	alarms        []protocol.Alarm
	settings      []byte
	firmware      string
	audioPackets  int
	previewFrames [][]byte
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		silent:         make(map[byte]bool),
		authInitStatus: protocol.StatusPermission,
		confirmStatus:  protocol.StatusOK,
		audioInitAck:   protocol.StatusOK,
		alarmPackets:   4,
		rssi:           -58,
		settings:       testSettingsFrame(),
		firmware:       "2.1.7",
	}
}

// testSettingsFrame is a settings frame with reserved bytes set to values
// the codec must carry through a write.
func testSettingsFrame() []byte {
	return []byte{
		0x13, 0x02, 0x03, 0xA5, 0x5A, 0x09, 0x50, 0x1E, 0x82,
		22, 30, 6, 45, 0x00, 0x01, 0xC3, 'C', 'U', 'S', 'A',
	}
}

func (m *mockTransport) SetEventHandler(h func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *mockTransport) emit(evs ...Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	for _, ev := range evs {
		h(ev)
	}
}

func (m *mockTransport) Connect(deviceID string) error {
	m.mu.Lock()
	refuse, delay := m.refuseConnect, m.connectDelay
	if !refuse {
		m.connected = true
	}
	m.mu.Unlock()
	if refuse {
		go m.emit(Event{Kind: EventConnectionStateChanged, Status: StatusGattError})
		return nil
	}
	go func() {
		time.Sleep(delay)
		m.emit(Event{Kind: EventConnectionStateChanged, Connected: true})
	}()
	return nil
}

func (m *mockTransport) DiscoverServices() error {
	status := 0
	m.mu.Lock()
	if m.missingChars {
		status = StatusGattError
	}
	m.mu.Unlock()
	go m.emit(Event{Kind: EventServicesDiscovered, Status: status})
	return nil
}

func (m *mockTransport) EnableNotification(role Role) error {
	m.mu.Lock()
	m.enabled = append(m.enabled, role)
	m.mu.Unlock()
	go m.emit(Event{Kind: EventDescriptorWritten, Role: role})
	return nil
}

func (m *mockTransport) ReadRSSI() error {
	m.mu.Lock()
	rssi, err := m.rssi, m.rssiErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	go m.emit(Event{Kind: EventRSSIRead, RSSI: rssi})
	return nil
}

func (m *mockTransport) Disconnect() error {
	m.mu.Lock()
	m.connected = false
	m.disconnects++
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) WriteCharacteristic(role Role, data []byte) error {
	m.mu.Lock()
	if m.refuseSubmit != nil {
		err := m.refuseSubmit
		m.mu.Unlock()
		return err
	}
	m.writes = append(m.writes, mockWrite{role: role, data: append([]byte(nil), data...)})
	if m.failWrites > 0 {
		m.failWrites--
		m.mu.Unlock()
		go m.emit(Event{Kind: EventWriteCompleted, Role: role, Status: StatusGattError})
		return nil
	}
	replies := m.answer(role, data)
	m.mu.Unlock()

	evs := []Event{{Kind: EventWriteCompleted, Role: role}}
	notifyRole := RoleDataNotify
	if role == RoleAuthWrite {
		notifyRole = RoleAuthNotify
	}
	for _, r := range replies {
		evs = append(evs, Event{Kind: EventCharacteristicChanged, Role: notifyRole, Data: r})
	}
	go m.emit(evs...)
	return nil
}

// answer plays the device side of one command. Called with mu held.
func (m *mockTransport) answer(role Role, data []byte) [][]byte {
	if len(data) < 2 {
		return nil
	}
	cmd := data[1]
	if m.silent[cmd] {
		return nil
	}
	ack := func(status byte) [][]byte { return [][]byte{{0x04, 0xFF, cmd, status}} }

	if role == RoleAuthWrite {
		switch cmd {
		case protocol.CmdAuthInit:
			return ack(m.authInitStatus)
		case protocol.CmdAuthConfirm:
			return ack(m.confirmStatus)
		case protocol.CmdFirmwareRead:
			return [][]byte{append([]byte{0x0B, byte(len(m.firmware))}, m.firmware...)}
		}
		return nil
	}

	switch cmd {
	case protocol.CmdTimeSync:
		return ack(protocol.StatusOK)
	case protocol.CmdSettingsRead:
		return [][]byte{append([]byte(nil), m.settings...)}
	case protocol.CmdSettingsWrite:
		if m.settingsStatus != protocol.StatusOK {
			return ack(m.settingsStatus)
		}
		m.settings = append([]byte(nil), data...)
		return ack(protocol.StatusOK)
	case protocol.CmdAlarmSet:
		m.storeAlarm(data)
		return ack(protocol.StatusOK)
	case protocol.CmdAlarmList:
		var out [][]byte
		for i := 0; i < m.alarmPackets; i++ {
			out = append(out, protocol.EncodeAlarmPacket(i*4, 4, m.alarms))
		}
		return out
	case protocol.CmdAudioInit:
		return ack(m.audioInitAck)
	case protocol.CmdAudioBlock:
		m.audioPackets++
		if m.audioPackets%protocol.PacketsPerBlock == 0 && !m.dropBlockAcks {
			return ack(protocol.StatusOK)
		}
		return nil
	case protocol.CmdBrightness, protocol.CmdRingtonePreview:
		m.previewFrames = append(m.previewFrames, append([]byte(nil), data...))
		return nil
	}
	return nil
}

func (m *mockTransport) storeAlarm(data []byte) {
	id := int(data[2])
	kept := m.alarms[:0]
	for _, a := range m.alarms {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	m.alarms = kept
	if data[4] == 0xFF {
		return
	}
	m.alarms = append(m.alarms, protocol.Alarm{
		ID: id, Enabled: data[3] != 0, Hour: int(data[4]), Minute: int(data[5]), Days: data[6], Snooze: data[7] != 0,
	})
}

// simulateDisconnect reports a link drop with the given status code.
func (m *mockTransport) simulateDisconnect(status int) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.emit(Event{Kind: EventConnectionStateChanged, Status: status})
}

// simulateNotification delivers data on role.
func (m *mockTransport) simulateNotification(role Role, data []byte) {
	m.emit(Event{Kind: EventCharacteristicChanged, Role: role, Data: data})
}

func (m *mockTransport) setSilent(cmd byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent[cmd] = true
}

// writesTo returns the writes made to role, in order.
func (m *mockTransport) writesTo(role Role) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, w := range m.writes {
		if w.role == role {
			out = append(out, w.data)
		}
	}
	return out
}

// writesOf returns the writes whose command byte is cmd.
func (m *mockTransport) writesOf(role Role, cmd byte) [][]byte {
	var out [][]byte
	for _, w := range m.writesTo(role) {
		if len(w) > 1 && w[1] == cmd {
			out = append(out, w)
		}
	}
	return out
}

// memStore is an in-memory Store counting saves.
type memStore struct {
	mu         sync.Mutex
	tokens     map[string][]byte
	frames     map[string][]byte
	tokenSaves int
	loadErr    error
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[string][]byte), frames: make(map[string][]byte)}
}

func (s *memStore) LoadToken(id string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, false, s.loadErr
	}
	t, ok := s.tokens[id]
	return t, ok, nil
}

func (s *memStore) SaveToken(id string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = append([]byte(nil), token...)
	s.tokenSaves++
	return nil
}

func (s *memStore) LoadSettingsFrame(id string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	return f, ok, nil
}

func (s *memStore) SaveSettingsFrame(id string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[id] = append([]byte(nil), frame...)
	return nil
}

const testDevice = "AA:BB:CC:DD:EE:FF"

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func testOptions() SessionOptions {
	return SessionOptions{
		OperationTimeout: 500 * time.Millisecond,
		AuthTimeout:      2 * time.Second,
		AlarmListIdle:    50 * time.Millisecond,
		AudioInitTimeout: 200 * time.Millisecond,
		BlockAckTimeout:  50 * time.Millisecond,
		WriteAttempts:    3,
		WriteBackoff:     time.Millisecond,
		Now:              func() time.Time { return testNow },
		Rand:             bytes.NewReader(bytes.Repeat([]byte{0x5C}, 64)),
	}
}

func newTestSession(t *testing.T, tr *mockTransport, st Store) *Session {
	t.Helper()
	s := NewSession(tr, st, testOptions())
	t.Cleanup(func() { s.Close() })
	return s
}

// connectedSession returns an authenticated session over a fresh mock.
func connectedSession(t *testing.T) (*Session, *mockTransport, *memStore) {
	t.Helper()
	tr := newMockTransport()
	st := newMemStore()
	s := newTestSession(t, tr, st)
	if err := s.ConnectAndAuthenticate(testContext(t), testDevice); err != nil {
		t.Fatalf("ConnectAndAuthenticate() error = %v", err)
	}
	return s, tr, st
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var errRefused = errors.New("mock: submission refused")
