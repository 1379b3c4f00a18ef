// internal/transport/transport.go
package transport

import "context"

// NotificationHandler receives raw notification chunks from the
// device. Chunks may arrive fragmented; callers reassemble.
type NotificationHandler func(data []byte)

// Transport is the BLE boundary consumed by the reader. Implementations
// own exactly one link to one physical device.
type Transport interface {
	// Connect establishes the link and resolves the write and notify
	// characteristics. Returns an error if the device cannot be
	// reached before ctx expires.
	Connect(ctx context.Context) error

	// Disconnect drops the link. Safe to call when not connected.
	Disconnect() error

	// IsConnected reports whether the link is currently up.
	IsConnected() bool

	// WriteCharacteristic writes one frame to the device's write
	// characteristic.
	WriteCharacteristic(data []byte) error

	// StartNotify subscribes handler to the notify characteristic.
	StartNotify(handler NotificationHandler) error

	// StopNotify cancels the notify subscription.
	StopNotify() error
}
