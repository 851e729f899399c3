package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/ledsaber-ota/internal/ble/protocol"
)

// LinkOptions configures how a Link is established.
type LinkOptions struct {
	ConnectTimeout time.Duration // bound on a single connection attempt (default 20s)
	Settle         time.Duration // pause after connect before GATT traffic
	MTUOverride    int           // if > 0, used instead of querying the link
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		ConnectTimeout: 20 * time.Second,
		Settle:         time.Second,
	}
}

// Link is one live connection bound to the five OTA characteristics.
// A Link is never reused after it drops; reconnecting means dialing a new one.
type Link struct {
	addr string
	conn Connection
	opts LinkOptions

	control  Characteristic
	data     Characteristic
	status   Characteristic
	progress Characteristic
	version  Characteristic

	lost      chan struct{}
	lostOnce  sync.Once
	closeOnce sync.Once
}

// Dial connects to addr and discovers the OTA characteristics described by
// profile. The connection is closed again if discovery fails.
func Dial(ctx context.Context, adapter Adapter, addr string, profile Profile, opts LinkOptions) (*Link, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	conn, err := adapter.Connect(connectCtx, addr)
	cancel()
	if err != nil {
		return nil, err
	}

	l := &Link{
		addr: addr,
		conn: conn,
		opts: opts,
		lost: make(chan struct{}),
	}
	conn.OnDisconnect(l.markLost)

	if opts.Settle > 0 {
		select {
		case <-time.After(opts.Settle):
		case <-ctx.Done():
			_ = l.Close()
			return nil, ctx.Err()
		}
	}

	if err := l.discover(profile); err != nil {
		_ = l.Close()
		return nil, err
	}

	slog.Debug("[BLE] link established", "addr", addr)
	return l, nil
}

func (l *Link) discover(p Profile) error {
	targets := []struct {
		name string
		uuid string
		dst  *Characteristic
	}{
		{"control", p.Control, &l.control},
		{"data", p.Data, &l.data},
		{"status", p.Status, &l.status},
		{"progress", p.Progress, &l.progress},
		{"firmware version", p.FWVersion, &l.version},
	}
	for _, t := range targets {
		char, err := l.conn.DiscoverCharacteristic(p.Service, t.uuid)
		if err != nil {
			return fmt.Errorf("ble: discover %s characteristic: %w", t.name, err)
		}
		*t.dst = char
	}
	return nil
}

// Address returns the address this link was dialed with.
func (l *Link) Address() string {
	return l.addr
}

// Lost is closed when the connection drops or the link is closed.
func (l *Link) Lost() <-chan struct{} {
	return l.lost
}

// IsLost reports whether the connection has dropped.
func (l *Link) IsLost() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

func (l *Link) markLost() {
	l.lostOnce.Do(func() {
		slog.Debug("[BLE] link lost", "addr", l.addr)
		close(l.lost)
	})
}

// Subscribe enables status and progress notifications. It must be called on
// every new Link; subscriptions do not survive a reconnect.
func (l *Link) Subscribe(onStatus, onProgress func([]byte)) error {
	if err := l.status.Subscribe(onStatus); err != nil {
		return fmt.Errorf("ble: subscribe to status: %w", err)
	}
	if err := l.progress.Subscribe(onProgress); err != nil {
		return fmt.Errorf("ble: subscribe to progress: %w", err)
	}
	return nil
}

// SendCommand writes a control command. Commands are sent as write commands;
// callers confirm the effect with ReadStatus.
func (l *Link) SendCommand(cmd protocol.Command, payload []byte) error {
	if l.IsLost() {
		return ErrNotConnected
	}
	if err := l.control.WriteWithoutResponse(protocol.EncodeCommand(cmd, payload)); err != nil {
		return fmt.Errorf("ble: write %s: %w", cmd, err)
	}
	return nil
}

// SendStart writes START with the image length.
func (l *Link) SendStart(size uint32) error {
	if l.IsLost() {
		return ErrNotConnected
	}
	if err := l.control.WriteWithoutResponse(protocol.EncodeStart(size)); err != nil {
		return fmt.Errorf("ble: write START: %w", err)
	}
	return nil
}

// WriteChunk sends one image chunk without requesting acknowledgement.
func (l *Link) WriteChunk(chunk []byte) error {
	if l.IsLost() {
		return ErrNotConnected
	}
	return l.data.WriteWithoutResponse(chunk)
}

// ReadStatus performs a blocking read of the status characteristic.
func (l *Link) ReadStatus() ([]byte, error) {
	if l.IsLost() {
		return nil, ErrNotConnected
	}
	data, err := l.status.Read()
	if err != nil {
		return nil, fmt.Errorf("ble: read status: %w", err)
	}
	return data, nil
}

// ReadProgress performs a blocking read of the progress characteristic.
func (l *Link) ReadProgress() ([]byte, error) {
	if l.IsLost() {
		return nil, ErrNotConnected
	}
	data, err := l.progress.Read()
	if err != nil {
		return nil, fmt.Errorf("ble: read progress: %w", err)
	}
	return data, nil
}

// ReadVersion reads the firmware version string.
func (l *Link) ReadVersion() (string, error) {
	if l.IsLost() {
		return "", ErrNotConnected
	}
	data, err := l.version.Read()
	if err != nil {
		return "", fmt.Errorf("ble: read firmware version: %w", err)
	}
	return strings.TrimSpace(strings.TrimRight(string(data), "\x00")), nil
}

// TransferUnit returns the ATT MTU to size DATA writes against. When the
// stack cannot report it, the conservative protocol.DefaultMTU is returned
// along with false.
func (l *Link) TransferUnit() (int, bool) {
	if l.opts.MTUOverride > 0 {
		return l.opts.MTUOverride, true
	}
	mtu, err := l.data.MTU()
	if err != nil || mtu < protocol.DefaultMTU {
		slog.Warn("[BLE] MTU unavailable, using default", "error", err, "reported", mtu)
		return protocol.DefaultMTU, false
	}
	return mtu, true
}

// Close disconnects. It is safe to call more than once and on a lost link.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		wasLost := l.IsLost()
		l.markLost()
		if !wasLost {
			err = l.conn.Disconnect()
		}
		slog.Debug("[BLE] link closed", "addr", l.addr)
	})
	return err
}
