package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// acquire takes a one-slot semaphore, giving up when ctx ends.
func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func release(sem chan struct{}) { <-sem }

// exchange runs fn while holding the exchange lock.
func (s *Session) exchange(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := acquire(ctx, s.exchangeSem); err != nil {
		return fmt.Errorf("ble: waiting for link: %w", err)
	}
	defer release(s.exchangeSem)
	return fn(ctx)
}

// authedExchange is exchange for commands that need a completed handshake.
func (s *Session) authedExchange(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.exchange(ctx, func(ctx context.Context) error {
		if !s.IsAuthenticated() {
			return ErrNotAuthenticated
		}
		return fn(ctx)
	})
}

// await blocks until p is resolved, the link drops, timeout elapses or ctx
// ends. A zero timeout waits on ctx alone. On timeout or cancellation p is
// deregistered.
func (s *Session) await(ctx context.Context, p *pendingRequest, timeout time.Duration, op string) (result, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case res := <-p.ch:
		return res, nil
	case <-p.done:
		return result{}, p.err
	case <-timeoutC:
		s.requests.remove(p)
		return result{}, &TimeoutError{Op: op, After: timeout}
	case <-ctx.Done():
		s.requests.remove(p)
		return result{}, fmt.Errorf("ble: %s: %w", op, ctx.Err())
	}
}

// gattOp performs one transport operation and waits for its completion
// event, holding the write slot so only one operation is in flight.
func (s *Session) gattOp(ctx context.Context, key requestKey, op string, role Role, submit func() error) (result, error) {
	if err := acquire(ctx, s.writeSem); err != nil {
		return result{}, fmt.Errorf("ble: %s: %w", op, err)
	}
	defer release(s.writeSem)

	if !s.IsConnected() {
		return result{}, &TransportError{Op: op, Role: role, Err: ErrNotConnected}
	}
	p, err := s.requests.register(key, false)
	if err != nil {
		return result{}, err
	}
	if err := submit(); err != nil {
		s.requests.remove(p)
		return result{}, &TransportError{Op: op, Role: role, Err: err}
	}
	res, err := s.await(ctx, p, s.opts.OperationTimeout, op)
	if err != nil {
		return result{}, err
	}
	if res.status != 0 {
		return res, &TransportError{Op: op, Role: role, Status: res.status}
	}
	return res, nil
}

// writeFrame writes data to role and waits for the write completion. A
// refused submission or failed completion is retried with linear backoff.
func (s *Session) writeFrame(ctx context.Context, role Role, data []byte) error {
	for attempt := 1; ; attempt++ {
		_, err := s.gattOp(ctx, roleKey(reqWrite, role), "write", role, func() error {
			return s.transport.WriteCharacteristic(role, data)
		})
		if err == nil {
			return nil
		}
		var terr *TransportError
		if !errors.As(err, &terr) || !terr.retryable() || attempt >= s.opts.WriteAttempts {
			return err
		}
		delay := s.opts.WriteBackoff * time.Duration(attempt)
		slog.Warn("[BLE] write failed, retrying", "role", role, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("ble: write %s: %w", role, ctx.Err())
		}
	}
}

// enableNotification subscribes to role and waits for the descriptor write.
func (s *Session) enableNotification(ctx context.Context, role Role) error {
	_, err := s.gattOp(ctx, roleKey(reqDescriptor, role), "enable notification", role, func() error {
		return s.transport.EnableNotification(role)
	})
	return err
}

// request writes data and waits for the ACK of cmd. The waiter is
// registered before the write so a fast ACK cannot be missed.
func (s *Session) request(ctx context.Context, role Role, data []byte, cmd byte, timeout time.Duration) (protocol.Ack, error) {
	return s.requestAck(ctx, role, data, cmd, timeout, protocol.Ack.Success)
}

// requestAck is request with the rule deciding which ACK statuses succeed.
func (s *Session) requestAck(ctx context.Context, role Role, data []byte, cmd byte, timeout time.Duration, accept func(protocol.Ack) bool) (protocol.Ack, error) {
	p, err := s.requests.register(ackKey(cmd), false)
	if err != nil {
		return protocol.Ack{}, err
	}
	if err := s.writeFrame(ctx, role, data); err != nil {
		s.requests.remove(p)
		return protocol.Ack{}, err
	}
	res, err := s.await(ctx, p, timeout, fmt.Sprintf("ack 0x%02x", cmd))
	if err != nil {
		return protocol.Ack{}, err
	}
	if !accept(res.ack) {
		return res.ack, &AckError{Ack: res.ack}
	}
	return res.ack, nil
}

// query writes a request whose answer is a data frame rather than an ACK.
func (s *Session) query(ctx context.Context, kind requestKind, role Role, data []byte, op string) (result, error) {
	p, err := s.requests.register(requestKey{kind: kind}, false)
	if err != nil {
		return result{}, err
	}
	if err := s.writeFrame(ctx, role, data); err != nil {
		s.requests.remove(p)
		return result{}, err
	}
	return s.await(ctx, p, s.opts.OperationTimeout, op)
}
