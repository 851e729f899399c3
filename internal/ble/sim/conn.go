package sim

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chaz8081/ledsaber-ota/internal/ble"
)

// conn is one host connection. alive is guarded by the device lock.
type conn struct {
	dev   *Device
	id    int
	alive bool
	chars map[string]*char

	mu           sync.Mutex
	onDisconnect func()
}

func newConn(d *Device, id int) *conn {
	c := &conn{dev: d, id: id, alive: true, chars: make(map[string]*char)}
	for _, uuid := range []string{
		ble.ControlCharUUID,
		ble.DataCharUUID,
		ble.StatusCharUUID,
		ble.ProgressCharUUID,
		ble.FWVersionCharUUID,
	} {
		c.chars[uuid] = &char{conn: c, uuid: uuid}
	}
	return c
}

func (c *conn) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if !strings.EqualFold(serviceUUID, ble.OTAServiceUUID) {
		return nil, fmt.Errorf("sim: service %s not found", serviceUUID)
	}
	ch, ok := c.chars[strings.ToLower(charUUID)]
	if !ok {
		return nil, fmt.Errorf("sim: characteristic %s not found", charUUID)
	}
	return ch, nil
}

// Disconnect is host-initiated and does not fire OnDisconnect.
func (c *conn) Disconnect() error {
	d := c.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if !c.alive {
		return nil
	}
	c.alive = false
	if d.conn == c {
		d.conn = nil
	}
	d.record(Event{Kind: EventDisconnect})
	return nil
}

func (c *conn) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = cb
}

func (c *conn) disconnectCallback() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onDisconnect
}

type char struct {
	conn *conn
	uuid string

	mu sync.Mutex
	cb func([]byte)
}

func (ch *char) WriteWithoutResponse(data []byte) error {
	return ch.conn.dev.handleWrite(ch.conn, ch.uuid, data)
}

func (ch *char) Read() ([]byte, error) {
	return ch.conn.dev.handleRead(ch.conn, ch.uuid)
}

func (ch *char) Subscribe(cb func([]byte)) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cb = cb
	return nil
}

func (ch *char) MTU() (int, error) {
	if ch.conn.dev.cfg.MTUErr {
		return 0, fmt.Errorf("sim: MTU not available")
	}
	return ch.conn.dev.cfg.MTU, nil
}

func (ch *char) callback() func([]byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.cb
}
