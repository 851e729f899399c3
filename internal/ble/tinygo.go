package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// readBufferSize bounds a single characteristic read. Status strings carry
// an esp_err name and fit well inside one ATT payload.
const readBufferSize = 512

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ, CoreBluetooth, WinRT).
// On macOS, BLE device addresses are CoreBluetooth UUIDs (not MAC addresses).
// The "MAC" field in config and Device structs stores this UUID string.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by device address
}

// NewTinyGoAdapter creates a BLE adapter backed by the default OS adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral disconnects only through the
	// adapter-level handler, so route them to the owning connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, nameFilter string) ([]Device, error) {
	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if name == "" || !strings.Contains(name, nameFilter) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: name,
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed. If it
		// succeeds after we gave up, drop that connection.
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinygoConnection{device: result.device}

		a.mu.Lock()
		a.connections[strings.ToUpper(mac)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinygoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	services     map[string]bluetooth.DeviceService
	disconnectCb func()
}

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svc, err := c.service(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinygoCharacteristic{char: chars[0]}, nil
}

// service discovers serviceUUID once per connection.
func (c *tinygoConnection) service(serviceUUID string) (bluetooth.DeviceService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[serviceUUID]; ok {
		return svc, nil
	}

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return bluetooth.DeviceService{}, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return bluetooth.DeviceService{}, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return bluetooth.DeviceService{}, fmt.Errorf("ble: service %s not found", serviceUUID)
	}
	if c.services == nil {
		c.services = make(map[string]bluetooth.DeviceService)
	}
	c.services[serviceUUID] = svcs[0]
	return svcs[0], nil
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) WriteWithoutResponse(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The backend may reuse buf after the callback returns.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}

func (c *tinygoCharacteristic) MTU() (int, error) {
	mtu, err := c.char.GetMTU()
	if err != nil {
		return 0, err
	}
	return int(mtu), nil
}
