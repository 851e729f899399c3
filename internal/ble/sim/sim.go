// Package sim is an in-memory LedSaber OTA peripheral. It implements
// ble.Adapter and runs the device side of the OTA state machine, with
// switches for the failure modes seen on real hardware.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chaz8081/ledsaber-ota/internal/ble"
	"github.com/chaz8081/ledsaber-ota/internal/ble/protocol"
	"github.com/chaz8081/ledsaber-ota/internal/firmware"
)

// DefaultProgressStep matches the firmware's progress notification interval.
const DefaultProgressStep = 50 * 1024

var (
	// ErrUnavailable is returned by Connect while the device is not advertising.
	ErrUnavailable = errors.New("sim: device not advertising")
	errLinkDown    = errors.New("sim: link down")
)

// Config describes the simulated device and its faults.
type Config struct {
	Address string
	Name    string
	RSSI    int
	MTU     int  // reported ATT MTU, 0 means 247
	MTUErr  bool // MTU query fails

	Version    string
	NewVersion string // version after REBOOT, empty keeps Version

	InitialPhase  protocol.Phase
	InitialDetail string

	MaxImageSize int
	ProgressStep int

	// DropOnStart drops the link while handling the first START, as builds
	// that erase the partition synchronously do.
	DropOnStart bool
	// IdleOnReconnect leaves the device IDLE instead of WAITING after that drop.
	IdleOnReconnect bool
	// ReconnectFailures is how many Connect calls fail after a drop.
	ReconnectFailures int

	// FailAfterChunks reports ERROR with FailDetail once that many chunks
	// have arrived.
	FailAfterChunks int
	FailDetail      string

	// VerifyFailDetail makes verification end in ERROR with this text.
	VerifyFailDetail string
	// ExplicitVerify waits for VERIFY instead of verifying on the last byte.
	ExplicitVerify bool

	// RecoveryOnStart answers START with RECOVERY.
	RecoveryOnStart bool

	// MuteStatus suppresses status notifications; reads still work.
	MuteStatus bool

	// RebootDowntime is how many Connect calls fail after REBOOT.
	RebootDowntime int
}

// EventKind classifies a recorded event.
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventCommand
	EventData
)

// Event is one interaction observed by the device.
type Event struct {
	Kind    EventKind
	Command protocol.Command
	Phase   protocol.Phase // device phase when the event arrived
	Len     int
}

// Device is the simulated peripheral.
type Device struct {
	mu  sync.Mutex
	cfg Config

	phase    protocol.Phase
	detail   string
	total    int
	image    []byte
	chunks   int
	version  string
	dropped  bool
	refusals int

	conn   *conn
	nconns int
	events []Event
}

// New creates a device from cfg.
func New(cfg Config) *Device {
	if cfg.Address == "" {
		cfg.Address = "24:6F:28:00:0A:01"
	}
	if cfg.Name == "" {
		cfg.Name = "LedSaber-Sim"
	}
	if cfg.MTU == 0 {
		cfg.MTU = 247
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = firmware.MaxImageSize
	}
	if cfg.ProgressStep <= 0 {
		cfg.ProgressStep = DefaultProgressStep
	}
	if cfg.FailDetail == "" {
		cfg.FailDetail = "CRC mismatch"
	}
	return &Device{
		cfg:     cfg,
		phase:   cfg.InitialPhase,
		detail:  cfg.InitialDetail,
		version: cfg.Version,
	}
}

// Address returns the device address.
func (d *Device) Address() string { return d.cfg.Address }

// Enable implements ble.Adapter.
func (d *Device) Enable() error { return nil }

// Scan implements ble.Adapter.
func (d *Device) Scan(ctx context.Context, nameFilter string) ([]ble.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if nameFilter != "" && !strings.Contains(d.cfg.Name, nameFilter) {
		return nil, nil
	}
	return []ble.Device{{Name: d.cfg.Name, MAC: d.cfg.Address, RSSI: d.cfg.RSSI}}, nil
}

// Connect implements ble.Adapter. A new connection replaces the previous one.
func (d *Device) Connect(ctx context.Context, mac string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.EqualFold(mac, d.cfg.Address) {
		return nil, fmt.Errorf("sim: no device at %s", mac)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refusals > 0 {
		d.refusals--
		return nil, ErrUnavailable
	}
	if d.conn != nil {
		d.conn.alive = false
	}
	d.nconns++
	c := newConn(d, d.nconns)
	d.conn = c
	d.record(Event{Kind: EventConnect})
	return c, nil
}

// Events returns a copy of everything the device observed.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Commands returns the control commands received, in order.
func (d *Device) Commands() []Event {
	var out []Event
	for _, e := range d.Events() {
		if e.Kind == EventCommand {
			out = append(out, e)
		}
	}
	return out
}

// CommandCount returns how many times cmd was received.
func (d *Device) CommandCount(cmd protocol.Command) int {
	n := 0
	for _, e := range d.Commands() {
		if e.Command == cmd {
			n++
		}
	}
	return n
}

// DataWrites returns the number of DATA writes received.
func (d *Device) DataWrites() int {
	n := 0
	for _, e := range d.Events() {
		if e.Kind == EventData {
			n++
		}
	}
	return n
}

// DataWritesAfter returns the number of DATA writes after the first cmd.
func (d *Device) DataWritesAfter(cmd protocol.Command) int {
	seen, n := false, 0
	for _, e := range d.Events() {
		switch {
		case e.Kind == EventCommand && e.Command == cmd:
			seen = true
		case e.Kind == EventData && seen:
			n++
		}
	}
	return n
}

// Connections returns how many connections were accepted.
func (d *Device) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nconns
}

// Subscribed reports whether the current connection has notification
// callbacks on the status and progress characteristics.
func (d *Device) Subscribed() (status, progress bool) {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	if c == nil {
		return false, false
	}
	return c.chars[ble.StatusCharUUID].callback() != nil, c.chars[ble.ProgressCharUUID].callback() != nil
}

// Received returns the image bytes accepted in the current session.
func (d *Device) Received() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.image...)
}

// Status returns the device's current phase and detail.
func (d *Device) Status() protocol.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return protocol.Status{Phase: d.phase, Detail: d.detail}
}

// Version returns the firmware version the device reports.
func (d *Device) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// SetStatus forces a phase and notifies the connected host.
func (d *Device) SetStatus(phase protocol.Phase, detail string) {
	d.mu.Lock()
	var out outbox
	d.setPhase(&out, phase, detail)
	d.mu.Unlock()
	out.deliver()
}

// Drop ends the current connection from the device side.
func (d *Device) Drop() {
	d.mu.Lock()
	var out outbox
	d.dropLocked(&out)
	d.mu.Unlock()
	out.deliver()
}

func (d *Device) record(e Event) {
	d.events = append(d.events, e)
}

// outbox collects callbacks to run after the device lock is released.
type outbox []func()

func (o outbox) deliver() {
	for _, f := range o {
		f()
	}
}

func (d *Device) notify(out *outbox, uuid string, value []byte) {
	if d.conn == nil || !d.conn.alive {
		return
	}
	if uuid == ble.StatusCharUUID && d.cfg.MuteStatus {
		return
	}
	if cb := d.conn.chars[uuid].callback(); cb != nil {
		*out = append(*out, func() { cb(value) })
	}
}

func (d *Device) statusValue() []byte {
	return protocol.Status{Phase: d.phase, Detail: d.detail}.Encode()
}

func (d *Device) progressValue() []byte {
	pct := 0
	if d.total > 0 {
		pct = len(d.image) * 100 / d.total
	}
	return protocol.Progress{Percent: pct, Received: uint32(len(d.image)), Total: uint32(d.total)}.Encode()
}

func (d *Device) setPhase(out *outbox, phase protocol.Phase, detail string) {
	d.phase = phase
	d.detail = detail
	d.notify(out, ble.StatusCharUUID, d.statusValue())
}

func (d *Device) dropLocked(out *outbox) {
	c := d.conn
	if c == nil || !c.alive {
		return
	}
	c.alive = false
	d.conn = nil
	d.record(Event{Kind: EventDisconnect})
	if cb := c.disconnectCallback(); cb != nil {
		*out = append(*out, cb)
	}
}

func (d *Device) reset() {
	d.total = 0
	d.chunks = 0
	d.image = nil
}

func (d *Device) handleControl(out *outbox, data []byte) error {
	if len(data) == 0 {
		return errors.New("sim: empty command")
	}
	cmd := protocol.Command(data[0])
	d.record(Event{Kind: EventCommand, Command: cmd, Phase: d.phase})

	switch cmd {
	case protocol.CmdStart:
		d.handleStart(out, data)
	case protocol.CmdAbort:
		d.reset()
		d.setPhase(out, protocol.PhaseIdle, "")
	case protocol.CmdVerify:
		if d.phase != protocol.PhaseReceiving {
			d.setPhase(out, protocol.PhaseError, "Not in receiving state")
			return nil
		}
		d.verify(out)
	case protocol.CmdReboot:
		d.reset()
		if d.cfg.NewVersion != "" {
			d.version = d.cfg.NewVersion
		}
		d.phase, d.detail = protocol.PhaseIdle, ""
		d.refusals = d.cfg.RebootDowntime
		d.dropLocked(out)
	default:
		d.setPhase(out, protocol.PhaseError, "Unknown command")
	}
	return nil
}

func (d *Device) handleStart(out *outbox, data []byte) {
	if d.phase != protocol.PhaseIdle && d.phase != protocol.PhaseError {
		d.setPhase(out, protocol.PhaseError, "OTA already in progress")
		return
	}
	size, err := protocol.DecodeStart(data)
	if err != nil || size == 0 || int(size) > d.cfg.MaxImageSize {
		d.setPhase(out, protocol.PhaseError, "Invalid firmware size")
		return
	}
	if d.cfg.RecoveryOnStart {
		d.setPhase(out, protocol.PhaseRecovery, "")
		return
	}

	d.reset()
	d.total = int(size)
	d.image = make([]byte, 0, size)

	if d.cfg.DropOnStart && !d.dropped {
		d.dropped = true
		d.phase, d.detail = protocol.PhaseWaiting, ""
		if d.cfg.IdleOnReconnect {
			d.reset()
			d.phase = protocol.PhaseIdle
		}
		d.refusals = d.cfg.ReconnectFailures
		d.dropLocked(out)
		return
	}

	d.setPhase(out, protocol.PhaseWaiting, "")
	d.notify(out, ble.ProgressCharUUID, d.progressValue())
}

func (d *Device) handleData(out *outbox, data []byte) {
	d.record(Event{Kind: EventData, Phase: d.phase, Len: len(data)})
	if d.phase != protocol.PhaseWaiting && d.phase != protocol.PhaseReceiving {
		return
	}
	if d.phase == protocol.PhaseWaiting {
		d.setPhase(out, protocol.PhaseReceiving, "")
	}
	if len(d.image)+len(data) > d.total {
		// Firmware reports the overflow, then aborts on its own.
		d.setPhase(out, protocol.PhaseError, "Data overflow")
		d.reset()
		d.setPhase(out, protocol.PhaseIdle, "Data overflow")
		return
	}

	before := len(d.image) / d.cfg.ProgressStep
	d.image = append(d.image, data...)
	d.chunks++

	if d.cfg.FailAfterChunks > 0 && d.chunks == d.cfg.FailAfterChunks {
		d.setPhase(out, protocol.PhaseError, d.cfg.FailDetail)
		return
	}

	done := len(d.image) == d.total
	if len(d.image)/d.cfg.ProgressStep != before || done {
		d.notify(out, ble.ProgressCharUUID, d.progressValue())
	}
	if done && !d.cfg.ExplicitVerify {
		d.verify(out)
	}
}

func (d *Device) verify(out *outbox) {
	d.setPhase(out, protocol.PhaseVerifying, "")
	if len(d.image) != d.total {
		d.setPhase(out, protocol.PhaseError, "Size mismatch")
		return
	}
	if d.cfg.VerifyFailDetail != "" {
		d.setPhase(out, protocol.PhaseError, d.cfg.VerifyFailDetail)
		return
	}
	d.setPhase(out, protocol.PhaseReady, "")
}

func (d *Device) handleRead(c *conn, uuid string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !c.alive {
		return nil, errLinkDown
	}
	switch uuid {
	case ble.StatusCharUUID:
		return d.statusValue(), nil
	case ble.ProgressCharUUID:
		return d.progressValue(), nil
	case ble.FWVersionCharUUID:
		return []byte(d.version), nil
	default:
		return nil, fmt.Errorf("sim: characteristic %s is not readable", uuid)
	}
}

func (d *Device) handleWrite(c *conn, uuid string, data []byte) error {
	d.mu.Lock()
	if !c.alive {
		d.mu.Unlock()
		return errLinkDown
	}
	var out outbox
	var err error
	switch uuid {
	case ble.ControlCharUUID:
		err = d.handleControl(&out, data)
	case ble.DataCharUUID:
		d.handleData(&out, append([]byte(nil), data...))
	default:
		err = fmt.Errorf("sim: characteristic %s is not writable", uuid)
	}
	d.mu.Unlock()
	out.deliver()
	return err
}

var _ ble.Adapter = (*Device)(nil)
