package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Device is a clock found by Scan.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// TinygoTransport implements Transport on tinygo-org/bluetooth. The library
// is synchronous, so every submission runs on its own goroutine and reports
// its outcome as an Event. On macOS device addresses are CoreBluetooth
// UUIDs rather than MAC addresses.
type TinygoTransport struct {
	adapter *bluetooth.Adapter
	uuids   CharacteristicUUIDs

	mu          sync.Mutex
	handler     func(Event)
	device      *bluetooth.Device
	address     string
	chars       map[Role]bluetooth.DeviceCharacteristic
	closing     bool
	handlerOnce sync.Once
}

// NewTinygoTransport creates a transport on the default adapter resolving
// roles with uuids.
func NewTinygoTransport(uuids CharacteristicUUIDs) *TinygoTransport {
	return &TinygoTransport{
		adapter: bluetooth.DefaultAdapter,
		uuids:   uuids,
		chars:   make(map[Role]bluetooth.DeviceCharacteristic),
	}
}

// Compile-time check that TinygoTransport implements Transport.
var _ Transport = (*TinygoTransport)(nil)

// Enable powers up the adapter and installs the connection handler. It
// must be called once before Scan or Connect.
func (t *TinygoTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	t.handlerOnce.Do(func() {
		// The library reports drops without a reason code. A drop we asked
		// for maps to user-requested, anything else to unknown.
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			t.mu.Lock()
			ours := t.device != nil && device.Address.String() == t.address
			status := -1
			if t.closing {
				status = StatusUserRequested
			}
			if ours {
				t.device = nil
				t.chars = make(map[Role]bluetooth.DeviceCharacteristic)
				t.closing = false
			}
			t.mu.Unlock()
			if ours {
				t.emit(Event{Kind: EventConnectionStateChanged, Status: status})
			}
		})
	})
	return nil
}

// Scan returns the devices advertising the configured service until ctx ends.
func (t *TinygoTransport) Scan(ctx context.Context) ([]Device, error) {
	svc, err := bluetooth.ParseUUID(t.uuids.Service)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := t.adapter.StopScan(); err != nil {
				slog.Warn("[BLE] stop scan", "error", err)
			}
		case <-done:
		}
	}()

	err = t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(svc) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (t *TinygoTransport) SetEventHandler(h func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *TinygoTransport) emit(ev Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Connect starts connecting in the background. A failed attempt is
// reported as a disconnect with StatusGattError.
func (t *TinygoTransport) Connect(deviceID string) error {
	var addr bluetooth.Address
	addr.Set(deviceID)

	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			slog.Error("[BLE] connect failed", "device", deviceID, "error", err)
			t.emit(Event{Kind: EventConnectionStateChanged, Status: StatusGattError})
			return
		}
		t.mu.Lock()
		t.device = &device
		t.address = device.Address.String()
		t.closing = false
		t.mu.Unlock()
		t.emit(Event{Kind: EventConnectionStateChanged, Connected: true})
	}()
	return nil
}

// DiscoverServices resolves the service and every role characteristic.
// A missing characteristic is reported as a non-zero status.
func (t *TinygoTransport) DiscoverServices() error {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return ErrNotConnected
	}

	svcUUID, err := bluetooth.ParseUUID(t.uuids.Service)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	want := make(map[bluetooth.UUID]Role, len(Roles))
	for _, r := range Roles {
		u, err := bluetooth.ParseUUID(t.uuids.ForRole(r))
		if err != nil {
			return fmt.Errorf("ble: parse %s UUID: %w", r, err)
		}
		want[u] = r
	}

	go func() {
		chars, err := discover(device, svcUUID)
		if err != nil {
			slog.Error("[BLE] discover services", "error", err)
			t.emit(Event{Kind: EventServicesDiscovered, Status: StatusGattError})
			return
		}
		found := make(map[Role]bluetooth.DeviceCharacteristic, len(Roles))
		for _, c := range chars {
			if r, ok := want[c.UUID()]; ok {
				found[r] = c
			}
		}
		status := 0
		for _, r := range Roles {
			if _, ok := found[r]; !ok {
				slog.Error("[BLE] characteristic not found", "role", r, "uuid", t.uuids.ForRole(r))
				status = StatusGattError
			}
		}
		t.mu.Lock()
		t.chars = found
		t.mu.Unlock()
		t.emit(Event{Kind: EventServicesDiscovered, Status: status})
	}()
	return nil
}

func discover(device *bluetooth.Device, svcUUID bluetooth.UUID) ([]bluetooth.DeviceCharacteristic, error) {
	svcs, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", svcUUID)
	}
	chars, err := svcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	return chars, nil
}

func (t *TinygoTransport) characteristic(role Role) (bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return bluetooth.DeviceCharacteristic{}, ErrNotConnected
	}
	c, ok := t.chars[role]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: %s not discovered", role)
	}
	return c, nil
}

func (t *TinygoTransport) WriteCharacteristic(role Role, data []byte) error {
	c, err := t.characteristic(role)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), data...)
	go func() {
		status := 0
		if _, err := c.WriteWithoutResponse(buf); err != nil {
			slog.Warn("[BLE] write failed", "role", role, "error", err)
			status = StatusGattError
		}
		t.emit(Event{Kind: EventWriteCompleted, Role: role, Status: status})
	}()
	return nil
}

func (t *TinygoTransport) EnableNotification(role Role) error {
	c, err := t.characteristic(role)
	if err != nil {
		return err
	}
	go func() {
		status := 0
		err := c.EnableNotifications(func(buf []byte) {
			t.emit(Event{Kind: EventCharacteristicChanged, Role: role, Data: append([]byte(nil), buf...)})
		})
		if err != nil {
			slog.Warn("[BLE] enable notifications failed", "role", role, "error", err)
			status = StatusGattError
		}
		t.emit(Event{Kind: EventDescriptorWritten, Role: role, Status: status})
	}()
	return nil
}

// ReadRSSI is not offered by tinygo-org/bluetooth for a connected device.
func (t *TinygoTransport) ReadRSSI() error {
	return fmt.Errorf("ble: read rssi: %w", errors.ErrUnsupported)
}

func (t *TinygoTransport) Disconnect() error {
	t.mu.Lock()
	device := t.device
	t.closing = device != nil
	t.mu.Unlock()
	if device == nil {
		return nil
	}
	return device.Disconnect()
}
