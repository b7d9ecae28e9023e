package ble

import (
	"sync"
	"time"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// requestKind discriminates the waiters held in the request table.
type requestKind int

const (
	reqAck requestKind = iota // keyed by command ID
	reqAlarmList
	reqSettings
	reqFirmware
	reqConnect
	reqServices
	reqDescriptor // keyed by role
	reqWrite      // keyed by role
	reqRSSI
)

type requestKey struct {
	kind requestKind
	id   byte
}

func ackKey(cmd byte) requestKey { return requestKey{kind: reqAck, id: cmd} }
func roleKey(k requestKind, r Role) requestKey { return requestKey{kind: k, id: byte(r)} }

// result is whatever the resolving event carried.
type result struct {
	status   int
	ack      protocol.Ack
	alarms   protocol.AlarmPacket
	settings []byte
	firmware string
	rssi     int
}

const streamBuffer = 32

// pendingRequest is one outstanding waiter. Stream requests receive every
// matching event until removed; the others are removed on first delivery.
type pendingRequest struct {
	key       requestKey
	createdAt time.Time
	stream    bool
	ch        chan result

	once sync.Once
	done chan struct{}
	err  error
}

func (p *pendingRequest) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// requestTable correlates incoming events with outstanding waiters. It
// holds at most one waiter per key; a second registration is refused
// instead of replacing the first.
type requestTable struct {
	mu      sync.Mutex
	entries map[requestKey]*pendingRequest
}

func newRequestTable() *requestTable {
	return &requestTable{entries: make(map[requestKey]*pendingRequest)}
}

func (t *requestTable) register(key requestKey, stream bool) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; ok {
		return nil, ErrRequestPending
	}
	size := 1
	if stream {
		size = streamBuffer
	}
	p := &pendingRequest{
		key:       key,
		createdAt: time.Now(),
		stream:    stream,
		ch:        make(chan result, size),
		done:      make(chan struct{}),
	}
	t.entries[key] = p
	return p, nil
}

// resolve hands res to the waiter for key and reports whether one existed.
func (t *requestTable) resolve(key requestKey, res result) bool {
	t.mu.Lock()
	p, ok := t.entries[key]
	if ok && !p.stream {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.ch <- res:
	default:
		// Only a stream waiter can be full; it is behind by streamBuffer events.
		return false
	}
	return true
}

// remove deregisters p if it is still the registered waiter for its key.
func (t *requestTable) remove(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[p.key]; ok && cur == p {
		delete(t.entries, p.key)
	}
}

// failAll rejects and removes every waiter, returning how many there were.
func (t *requestTable) failAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[requestKey]*pendingRequest)
	t.mu.Unlock()
	for _, p := range entries {
		p.fail(err)
	}
	return len(entries)
}

func (t *requestTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
