package ble

import (
	"errors"
	"testing"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

func TestRequestTableResolve(t *testing.T) {
	tbl := newRequestTable()
	p, err := tbl.register(ackKey(protocol.CmdAlarmSet), false)
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if tbl.resolve(ackKey(protocol.CmdTimeSync), result{}) {
		t.Error("resolve() matched a waiter for a different command")
	}
	if !tbl.resolve(ackKey(protocol.CmdAlarmSet), result{ack: protocol.Ack{CommandID: protocol.CmdAlarmSet}}) {
		t.Fatal("resolve() found no waiter")
	}
	res := <-p.ch
	if res.ack.CommandID != protocol.CmdAlarmSet {
		t.Errorf("ack = %+v", res.ack)
	}
	if tbl.len() != 0 {
		t.Errorf("len() = %d after resolve, want 0", tbl.len())
	}
	if tbl.resolve(ackKey(protocol.CmdAlarmSet), result{}) {
		t.Error("second resolve() delivered to a removed waiter")
	}
}

func TestRequestTableRejectsDuplicate(t *testing.T) {
	tbl := newRequestTable()
	if _, err := tbl.register(requestKey{kind: reqSettings}, false); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if _, err := tbl.register(requestKey{kind: reqSettings}, false); !errors.Is(err, ErrRequestPending) {
		t.Errorf("duplicate register() error = %v, want ErrRequestPending", err)
	}
	// Same id byte under another kind is a different key.
	if _, err := tbl.register(roleKey(reqWrite, Role(0)), false); err != nil {
		t.Errorf("register() of distinct kind error = %v", err)
	}
}

func TestRequestTableStreamStaysRegistered(t *testing.T) {
	tbl := newRequestTable()
	p, _ := tbl.register(requestKey{kind: reqAlarmList}, true)
	for i := 0; i < 4; i++ {
		if !tbl.resolve(requestKey{kind: reqAlarmList}, result{alarms: protocol.AlarmPacket{BaseIndex: i * 4}}) {
			t.Fatalf("resolve() #%d found no waiter", i)
		}
	}
	for i := 0; i < 4; i++ {
		if got := (<-p.ch).alarms.BaseIndex; got != i*4 {
			t.Errorf("packet %d base = %d, want %d", i, got, i*4)
		}
	}
	tbl.remove(p)
	if tbl.len() != 0 {
		t.Errorf("len() = %d after remove, want 0", tbl.len())
	}
}

func TestRequestTableRemoveOnlyOwnEntry(t *testing.T) {
	tbl := newRequestTable()
	old, _ := tbl.register(ackKey(1), false)
	tbl.resolve(ackKey(1), result{})
	cur, _ := tbl.register(ackKey(1), false)

	tbl.remove(old)
	if tbl.len() != 1 {
		t.Fatal("remove() of a stale waiter dropped the current one")
	}
	tbl.remove(cur)
	if tbl.len() != 0 {
		t.Errorf("len() = %d, want 0", tbl.len())
	}
}

func TestRequestTableFailAll(t *testing.T) {
	tbl := newRequestTable()
	keys := []requestKey{ackKey(protocol.CmdAuthInit), {kind: reqSettings}, {kind: reqAlarmList}, roleKey(reqWrite, RoleDataWrite)}
	var waiters []*pendingRequest
	for _, k := range keys {
		p, err := tbl.register(k, k.kind == reqAlarmList)
		if err != nil {
			t.Fatalf("register(%v) error = %v", k, err)
		}
		waiters = append(waiters, p)
	}

	cause := &DisconnectedError{Reason: ReasonFromStatus(StatusDeviceTerminated)}
	if n := tbl.failAll(cause); n != len(keys) {
		t.Errorf("failAll() = %d, want %d", n, len(keys))
	}
	for i, p := range waiters {
		select {
		case <-p.done:
		default:
			t.Fatalf("waiter %d not failed", i)
		}
		var discErr *DisconnectedError
		if !errors.As(p.err, &discErr) {
			t.Errorf("waiter %d err = %v, want *DisconnectedError", i, p.err)
		}
	}
	if tbl.len() != 0 {
		t.Errorf("len() = %d after failAll, want 0", tbl.len())
	}
	// failing twice is harmless
	waiters[0].fail(errors.New("later"))
	if waiters[0].err != cause {
		t.Error("second fail() overwrote the first error")
	}
}
