package ble

import (
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/clockwise/internal/ble/protocol"
)

var (
	// ErrNotConnected is returned when an operation needs a live link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrNotAuthenticated is returned when a command is issued before the
	// auth handshake completed.
	ErrNotAuthenticated = errors.New("ble: not authenticated")
	// ErrRequestPending is returned when a waiter is already registered
	// for the same request key.
	ErrRequestPending = errors.New("ble: request already pending")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ble: session closed")
)

// TransportError reports a failed GATT operation: either the submission
// was refused or the completion event carried a non-zero status.
type TransportError struct {
	Op     string
	Role   Role
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	op := e.Op
	if e.Role != RoleNone {
		op += " " + e.Role.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %v", op, e.Err)
	}
	return fmt.Sprintf("ble: %s: status %d", op, e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

// retryable reports whether resubmitting the same operation can help.
func (e *TransportError) retryable() bool {
	return !errors.Is(e.Err, ErrNotConnected)
}

// AuthError reports a failure during the connect/auth handshake.
type AuthError struct {
	Stage string
	Err   error
}

func (e *AuthError) Error() string { return fmt.Sprintf("ble: auth: %s: %v", e.Stage, e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// TimeoutError reports a bounded wait that expired.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ble: %s timed out after %s", e.Op, e.After)
}

// DisconnectedError is delivered to every outstanding waiter when the link drops.
type DisconnectedError struct {
	Reason DisconnectionReason
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("ble: disconnected: %s", e.Reason)
}

// AckError reports an ACK whose status is not a success code.
type AckError struct {
	Ack protocol.Ack
}

func (e *AckError) Error() string {
	msg := fmt.Sprintf("ble: command 0x%02x rejected with status 0x%02x", e.Ack.CommandID, e.Ack.Status)
	if e.PermissionHint() {
		msg += " (device refused: not paired or token rejected)"
	}
	return msg
}

// PermissionHint reports whether the status points at an auth problem.
func (e *AckError) PermissionHint() bool { return e.Ack.PermissionHint() }
