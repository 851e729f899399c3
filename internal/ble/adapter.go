// Package ble provides the BLE transport for talking to a LedSaber ESP32
// over its GATT OTA service. It wraps the platform adapter behind small
// interfaces so the updater can be driven by a simulated device in tests.
package ble

import (
	"context"
	"errors"
)

// LedSaber OTA service UUIDs
const (
	OTAServiceUUID    = "4fafc202-1fb5-459e-8fcc-c5c9c331914b"
	DataCharUUID      = "beb5483f-36e1-4688-b7f5-ea07361b26a8"
	StatusCharUUID    = "d1e5a4c4-eb10-4a3e-8a4c-1234567890ab"
	ControlCharUUID   = "e2f6b5d5-fc21-5b4f-9b5d-2345678901bc"
	ProgressCharUUID  = "f3e7c6e6-0d32-4c5a-ac6e-3456789012cd"
	FWVersionCharUUID = "a4b8d7fa-1e43-6c7d-ad8f-456789abcdef"
)

// DefaultNameFilter matches the advertised name of LedSaber devices.
const DefaultNameFilter = "LedSaber"

// ErrNotConnected is returned by operations on a link that has dropped.
var ErrNotConnected = errors.New("ble: not connected")

// Profile names the GATT service and characteristics of the OTA service.
type Profile struct {
	Service   string
	Control   string
	Data      string
	Status    string
	Progress  string
	FWVersion string
}

// DefaultProfile returns the UUIDs of the stock LedSaber firmware.
func DefaultProfile() Profile {
	return Profile{
		Service:   OTAServiceUUID,
		Control:   ControlCharUUID,
		Data:      DataCharUUID,
		Status:    StatusCharUUID,
		Progress:  ProgressCharUUID,
		FWVersion: FWVersionCharUUID,
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// WriteWithoutResponse sends data as a write command.
	WriteWithoutResponse(data []byte) error
	// Read returns the current characteristic value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// MTU returns the negotiated ATT MTU of the underlying connection.
	MTU() (int, error)
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals whose advertised name contains nameFilter.
	// Returns discovered devices once ctx is done.
	Scan(ctx context.Context, nameFilter string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
