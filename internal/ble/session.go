package ble

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// SessionOptions configures timeouts and retry behavior.
type SessionOptions struct {
	OperationTimeout time.Duration // default bound for a single wait
	AuthTimeout      time.Duration // bound for the whole connect/auth handshake
	AlarmListIdle    time.Duration // silence that ends alarm list reassembly
	AudioInitTimeout time.Duration // wait for the upload init ACK
	BlockAckTimeout  time.Duration // wait for a per-block upload ACK
	WriteAttempts    int           // submissions per characteristic write
	WriteBackoff     time.Duration // multiplied by the attempt number

	Now  func() time.Time
	Rand io.Reader
}

// DefaultSessionOptions returns the timings the clock firmware expects.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		OperationTimeout: 5 * time.Second,
		AuthTimeout:      30 * time.Second,
		AlarmListIdle:    1000 * time.Millisecond,
		AudioInitTimeout: 2 * time.Second,
		BlockAckTimeout:  5 * time.Second,
		WriteAttempts:    3,
		WriteBackoff:     100 * time.Millisecond,
		Now:              time.Now,
		Rand:             rand.Reader,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = d.AuthTimeout
	}
	if o.AlarmListIdle <= 0 {
		o.AlarmListIdle = d.AlarmListIdle
	}
	if o.AudioInitTimeout <= 0 {
		o.AudioInitTimeout = d.AudioInitTimeout
	}
	if o.BlockAckTimeout <= 0 {
		o.BlockAckTimeout = d.BlockAckTimeout
	}
	if o.WriteAttempts <= 0 {
		o.WriteAttempts = d.WriteAttempts
	}
	if o.WriteBackoff <= 0 {
		o.WriteBackoff = d.WriteBackoff
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.Rand == nil {
		o.Rand = d.Rand
	}
	return o
}

// State is the connection/auth lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateServicesDiscovered
	StateAuthHandshake
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateServicesDiscovered:
		return "services-discovered"
	case StateAuthHandshake:
		return "auth-handshake"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session owns the link to one clock: its auth token, the request table
// and the cached raw settings frame. Safe for concurrent use.
type Session struct {
	transport Transport
	store     Store
	opts      SessionOptions

	requests *requestTable
	queue    *commandQueue

	// exchangeSem serializes multi-step request/response exchanges;
	// writeSem admits one GATT operation at a time.
	exchangeSem chan struct{}
	writeSem    chan struct{}

	mu             sync.Mutex
	state          State
	deviceID       string
	connected      bool
	authenticated  bool
	pendingPairing bool
	token          []byte
	lastSettings   []byte
	firmware       string
	lastReason     DisconnectionReason
	connCtx        context.Context
	connCancel     context.CancelFunc
	closed         bool

	disconnectHandlers []func(DisconnectionReason)
	sensorHandlers     []func(protocol.SensorReading)
}

// NewSession creates a session on top of transport and starts the
// best-effort command queue. store may be nil, in which case tokens are
// never persisted and every connect pairs afresh.
func NewSession(transport Transport, store Store, opts SessionOptions) *Session {
	s := &Session{
		transport:   transport,
		store:       store,
		opts:        opts.withDefaults(),
		requests:    newRequestTable(),
		exchangeSem: make(chan struct{}, 1),
		writeSem:    make(chan struct{}, 1),
		state:       StateIdle,
	}
	s.connCtx, s.connCancel = context.WithCancel(context.Background())
	s.queue = newCommandQueue(s.runQueued)
	transport.SetEventHandler(s.handleEvent)
	return s
}

// OnDisconnect registers a callback invoked with the reason of every drop.
func (s *Session) OnDisconnect(cb func(DisconnectionReason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectHandlers = append(s.disconnectHandlers, cb)
}

// OnSensorReading registers a callback for the temperature/humidity stream.
func (s *Session) OnSensorReading(cb func(protocol.SensorReading)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensorHandlers = append(s.sensorHandlers, cb)
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the link is up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// IsAuthenticated reports whether the auth handshake completed on the current link.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// IsPendingPairing reports whether a freshly generated token awaits confirmation.
func (s *Session) IsPendingPairing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingPairing
}

// LastDisconnectReason returns the reason of the most recent drop.
func (s *Session) LastDisconnectReason() DisconnectionReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

// LastSettingsFrame returns a copy of the cached raw settings frame, or nil.
func (s *Session) LastSettingsFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBytes(s.lastSettings)
}

// Busy reports whether the best-effort queue is executing a command.
func (s *Session) Busy() bool { return s.queue.busy.Load() }

// QueueLen returns the number of best-effort commands waiting to run.
func (s *Session) QueueLen() int { return s.queue.len() }

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		slog.Debug("[BLE] state", "from", prev, "to", st)
	}
}

// handleEvent is the transport callback. It never blocks on a waiter.
func (s *Session) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnectionStateChanged:
		if ev.Connected {
			s.mu.Lock()
			s.connected = true
			s.mu.Unlock()
			if !s.requests.resolve(requestKey{kind: reqConnect}, result{}) {
				s.dropStrayLink()
			}
			return
		}
		s.handleDisconnect(ev.Status)
	case EventServicesDiscovered:
		s.requests.resolve(requestKey{kind: reqServices}, result{status: ev.Status})
	case EventWriteCompleted:
		if !s.requests.resolve(roleKey(reqWrite, ev.Role), result{status: ev.Status}) {
			slog.Debug("[BLE] write completion with no waiter", "role", ev.Role, "status", ev.Status)
		}
	case EventDescriptorWritten:
		s.requests.resolve(roleKey(reqDescriptor, ev.Role), result{status: ev.Status})
	case EventRSSIRead:
		s.requests.resolve(requestKey{kind: reqRSSI}, result{status: ev.Status, rssi: ev.RSSI})
	case EventCharacteristicChanged:
		n, err := decodeNotification(ev.Role, ev.Data)
		if err != nil {
			slog.Warn("[BLE] dropping undecodable notification", "role", ev.Role, "data", fmt.Sprintf("% x", ev.Data), "error", err)
			return
		}
		s.handleNotification(n)
	default:
		slog.Warn("[BLE] unknown transport event", "kind", ev.Kind)
	}
}

func (s *Session) handleNotification(n notification) {
	switch n.kind {
	case protocol.KindAck:
		if !s.requests.resolve(ackKey(n.ack.CommandID), result{ack: n.ack}) {
			slog.Debug("[BLE] ack for unregistered command", "cmd", fmt.Sprintf("0x%02x", n.ack.CommandID), "status", n.ack.Status)
		}
	case protocol.KindAlarmList:
		if !s.requests.resolve(requestKey{kind: reqAlarmList}, result{alarms: n.alarms}) {
			slog.Debug("[BLE] unsolicited alarm list packet", "base", n.alarms.BaseIndex)
		}
	case protocol.KindSettings:
		if !s.requests.resolve(requestKey{kind: reqSettings}, result{settings: n.settings}) {
			slog.Debug("[BLE] unsolicited settings frame")
		}
	case protocol.KindFirmware:
		if !s.requests.resolve(requestKey{kind: reqFirmware}, result{firmware: n.firmware}) {
			slog.Debug("[BLE] unsolicited firmware frame", "version", n.firmware)
		}
	case protocol.KindSensor:
		s.mu.Lock()
		handlers := append([]func(protocol.SensorReading){}, s.sensorHandlers...)
		s.mu.Unlock()
		for _, h := range handlers {
			h(n.sensor)
		}
	}
}

// dropStrayLink closes a link that came up after its connect attempt was
// abandoned, so the session never holds an unauthenticated connection.
func (s *Session) dropStrayLink() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	slog.Warn("[BLE] link came up with no connect pending, dropping it")
	go func() {
		if err := s.transport.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect stray link", "error", err)
		}
	}()
}

// handleDisconnect fails every outstanding waiter and resets the session.
func (s *Session) handleDisconnect(status int) {
	reason := ReasonFromStatus(status)

	s.mu.Lock()
	s.connected = false
	s.authenticated = false
	s.pendingPairing = false
	s.state = StateDisconnected
	s.lastReason = reason
	s.connCancel()
	s.connCtx, s.connCancel = context.WithCancel(context.Background())
	handlers := append([]func(DisconnectionReason){}, s.disconnectHandlers...)
	s.mu.Unlock()

	n := s.requests.failAll(&DisconnectedError{Reason: reason})
	slog.Warn("[BLE] disconnected", "reason", reason, "code", status, "rejected_waiters", n)
	if reason.RestartHint() {
		slog.Warn("[BLE] host Bluetooth stack may need a restart")
	}

	for _, h := range handlers {
		h(reason)
	}
}

// Close disconnects and stops the best-effort queue. The session cannot
// be reused afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Disconnect()
	s.queue.close()
	return err
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
