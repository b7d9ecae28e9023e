// Package ble drives an authenticated session with the alarm clock over
// Bluetooth Low Energy. It correlates notification-based responses with
// outstanding requests and serializes command exchanges over a link that
// allows a single GATT operation in flight.
package ble

// Role names a characteristic by what the protocol uses it for.
type Role int

const (
	RoleAuthWrite Role = iota
	RoleAuthNotify
	RoleDataWrite
	RoleDataNotify
	RoleSensorNotify
)

// RoleNone marks link-level operations that address no characteristic.
const RoleNone Role = -1

// Roles lists every characteristic the session needs.
var Roles = []Role{RoleAuthWrite, RoleAuthNotify, RoleDataWrite, RoleDataNotify, RoleSensorNotify}

func (r Role) String() string {
	switch r {
	case RoleAuthWrite:
		return "auth-write"
	case RoleAuthNotify:
		return "auth-notify"
	case RoleDataWrite:
		return "data-write"
	case RoleDataNotify:
		return "data-notify"
	case RoleSensorNotify:
		return "sensor-notify"
	case RoleNone:
		return "none"
	}
	return "unknown-role"
}

// CharacteristicUUIDs maps roles to the device's 128-bit UUIDs.
type CharacteristicUUIDs struct {
	Service      string
	AuthWrite    string
	AuthNotify   string
	DataWrite    string
	DataNotify   string
	SensorNotify string
}

// ForRole returns the UUID configured for r.
func (u CharacteristicUUIDs) ForRole(r Role) string {
	switch r {
	case RoleAuthWrite:
		return u.AuthWrite
	case RoleAuthNotify:
		return u.AuthNotify
	case RoleDataWrite:
		return u.DataWrite
	case RoleDataNotify:
		return u.DataNotify
	case RoleSensorNotify:
		return u.SensorNotify
	}
	return ""
}

// EventKind identifies a transport callback.
type EventKind int

const (
	EventConnectionStateChanged EventKind = iota
	EventServicesDiscovered
	EventCharacteristicChanged
	EventWriteCompleted
	EventDescriptorWritten
	EventRSSIRead
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionStateChanged:
		return "connection-state"
	case EventServicesDiscovered:
		return "services-discovered"
	case EventCharacteristicChanged:
		return "characteristic-changed"
	case EventWriteCompleted:
		return "write-completed"
	case EventDescriptorWritten:
		return "descriptor-written"
	case EventRSSIRead:
		return "rssi-read"
	}
	return "unknown-event"
}

// Event is an asynchronous callback from the transport. Status 0 means
// success; for a disconnect it carries the raw reason code.
type Event struct {
	Kind      EventKind
	Role      Role
	Connected bool
	Status    int
	Data      []byte
	RSSI      int
}

// Transport is the BLE link to a single peripheral. Every method only
// submits the operation; its outcome is delivered later as an Event to the
// registered handler. Implementations allow one characteristic operation
// in flight and are not reentrant.
type Transport interface {
	// SetEventHandler registers the callback receiving all events.
	SetEventHandler(h func(Event))
	// Connect starts connecting to the device with the given address.
	Connect(deviceID string) error
	// DiscoverServices resolves every Role on the connected device.
	DiscoverServices() error
	// WriteCharacteristic writes data to the characteristic for role.
	WriteCharacteristic(role Role, data []byte) error
	// EnableNotification subscribes to notifications on role.
	EnableNotification(role Role) error
	// ReadRSSI requests the signal strength of the link.
	ReadRSSI() error
	// Disconnect closes the link.
	Disconnect() error
}

// Store persists per-device pairing state between runs.
type Store interface {
	LoadToken(deviceID string) ([]byte, bool, error)
	SaveToken(deviceID string, token []byte) error
	LoadSettingsFrame(deviceID string) ([]byte, bool, error)
	SaveSettingsFrame(deviceID string, frame []byte) error
}
