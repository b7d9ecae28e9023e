package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

// ConnectAndAuthenticate connects to deviceID, runs the token handshake,
// synchronizes the clock and subscribes to the sensor stream. The whole
// sequence is bounded by AuthTimeout. Any failure closes the link and
// leaves the session unauthenticated; nothing is retried.
//
// A device seen for the first time gets a fresh random token, which is
// persisted only after the device confirms it.
func (s *Session) ConnectAndAuthenticate(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	closed, connected := s.closed, s.connected
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if connected {
		return fmt.Errorf("ble: connect %s: already connected", deviceID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
	defer cancel()

	err := s.exchange(ctx, func(ctx context.Context) error {
		return s.handshake(ctx, deviceID)
	})
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var terr *TimeoutError
		if !errors.As(err, &terr) {
			err = fmt.Errorf("%w: %w", &TimeoutError{Op: "connect and authenticate", After: s.opts.AuthTimeout}, err)
		}
	}
	s.abortConnect()
	slog.Error("[BLE] connect failed", "device", deviceID, "error", err)
	return err
}

func (s *Session) handshake(ctx context.Context, deviceID string) error {
	token, fresh, err := s.resolveToken(deviceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.deviceID = deviceID
	s.token = token
	s.pendingPairing = fresh
	s.authenticated = false
	s.mu.Unlock()
	s.setState(StateConnecting)

	if err := s.connect(ctx, deviceID); err != nil {
		return err
	}

	res, err := s.waitFor(ctx, requestKey{kind: reqServices}, "discover services", s.transport.DiscoverServices)
	if err != nil {
		return &AuthError{Stage: "discover services", Err: err}
	}
	if res.status != 0 {
		return &AuthError{Stage: "discover services", Err: fmt.Errorf("missing characteristics (status %d)", res.status)}
	}
	s.setState(StateServicesDiscovered)

	s.setState(StateAuthHandshake)
	for _, role := range []Role{RoleAuthNotify, RoleDataNotify} {
		if err := s.enableNotification(ctx, role); err != nil {
			return &AuthError{Stage: "enable " + role.String(), Err: err}
		}
	}

	initFrame, err := protocol.EncodeAuthInit(token)
	if err != nil {
		return &AuthError{Stage: "auth init", Err: err}
	}
	ack, err := s.requestAck(ctx, RoleAuthWrite, initFrame, protocol.CmdAuthInit, s.opts.OperationTimeout, protocol.Ack.AuthInitSuccess)
	if err != nil {
		return &AuthError{Stage: "auth init", Err: err}
	}
	slog.Debug("[BLE] auth init accepted", "status", ack.Status)

	confirmFrame, err := protocol.EncodeAuthConfirm(token)
	if err != nil {
		return &AuthError{Stage: "auth confirm", Err: err}
	}
	if _, err := s.request(ctx, RoleAuthWrite, confirmFrame, protocol.CmdAuthConfirm, s.opts.OperationTimeout); err != nil {
		return &AuthError{Stage: "auth confirm", Err: err}
	}

	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()

	if fresh {
		if err := s.persistToken(deviceID, token); err != nil {
			return err
		}
	}

	if err := s.syncTime(ctx); err != nil {
		return fmt.Errorf("ble: initial time sync: %w", err)
	}
	if err := s.enableNotification(ctx, RoleSensorNotify); err != nil {
		return fmt.Errorf("ble: enable sensor stream: %w", err)
	}

	s.restoreSettingsFrame(deviceID)
	s.setState(StateAuthenticated)
	slog.Info("[BLE] authenticated", "device", deviceID, "paired", fresh)
	return nil
}

// connect submits the connection and waits for the connected event.
func (s *Session) connect(ctx context.Context, deviceID string) error {
	p, err := s.requests.register(requestKey{kind: reqConnect}, false)
	if err != nil {
		return err
	}
	if err := s.transport.Connect(deviceID); err != nil {
		s.requests.remove(p)
		return &TransportError{Op: "connect", Err: err}
	}
	// Link establishment is bounded by the handshake deadline only.
	if _, err := s.await(ctx, p, 0, "connect"); err != nil {
		return err
	}
	slog.Info("[BLE] connected", "device", deviceID)
	return nil
}

// waitFor registers key, submits, and waits for the resolving event
// without taking the write slot. Used for link-level steps that precede
// any characteristic traffic.
func (s *Session) waitFor(ctx context.Context, key requestKey, op string, submit func() error) (result, error) {
	p, err := s.requests.register(key, false)
	if err != nil {
		return result{}, err
	}
	if err := submit(); err != nil {
		s.requests.remove(p)
		return result{}, &TransportError{Op: op, Err: err}
	}
	return s.await(ctx, p, s.opts.OperationTimeout, op)
}

// resolveToken returns the stored token for deviceID, or a new random one
// with fresh set.
func (s *Session) resolveToken(deviceID string) (token []byte, fresh bool, err error) {
	if s.store != nil {
		stored, ok, err := s.store.LoadToken(deviceID)
		if err != nil {
			return nil, false, fmt.Errorf("ble: load token: %w", err)
		}
		if ok && len(stored) == protocol.TokenSize {
			return stored, false, nil
		}
		if ok {
			slog.Warn("[BLE] ignoring stored token of wrong size", "device", deviceID, "len", len(stored))
		}
	}
	token = make([]byte, protocol.TokenSize)
	if _, err := io.ReadFull(s.opts.Rand, token); err != nil {
		return nil, false, fmt.Errorf("ble: generate token: %w", err)
	}
	slog.Info("[BLE] no stored token, pairing", "device", deviceID)
	return token, true, nil
}

func (s *Session) persistToken(deviceID string, token []byte) error {
	if s.store != nil {
		if err := s.store.SaveToken(deviceID, token); err != nil {
			return fmt.Errorf("ble: save token: %w", err)
		}
	}
	s.mu.Lock()
	s.pendingPairing = false
	s.mu.Unlock()
	return nil
}

func (s *Session) restoreSettingsFrame(deviceID string) {
	if s.store == nil {
		return
	}
	frame, ok, err := s.store.LoadSettingsFrame(deviceID)
	if err != nil {
		slog.Warn("[BLE] load cached settings", "device", deviceID, "error", err)
		return
	}
	if !ok || len(frame) != protocol.SettingsFrameLen {
		return
	}
	s.mu.Lock()
	if s.lastSettings == nil {
		s.lastSettings = frame
	}
	s.mu.Unlock()
}

// abortConnect resets auth state and drops a half-open link.
func (s *Session) abortConnect() {
	s.mu.Lock()
	s.authenticated = false
	s.pendingPairing = false
	connected := s.connected
	s.connected = false
	if s.state != StateDisconnected {
		s.state = StateIdle
	}
	s.mu.Unlock()
	if connected {
		if err := s.transport.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect after failed connect", "error", err)
		}
	}
}

// Disconnect cancels per-connection work, clears the auth state and closes
// the link. The best-effort queue keeps running.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.connCancel()
	s.connCtx, s.connCancel = context.WithCancel(context.Background())
	wasConnected := s.connected
	s.connected = false
	s.authenticated = false
	if wasConnected {
		s.state = StateDisconnected
		s.lastReason = ReasonFromStatus(StatusUserRequested)
	}
	s.mu.Unlock()

	s.requests.failAll(&DisconnectedError{Reason: ReasonFromStatus(StatusUserRequested)})
	if !wasConnected {
		return nil
	}
	slog.Info("[BLE] disconnecting")
	if err := s.transport.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}
