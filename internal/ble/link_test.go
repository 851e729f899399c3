package ble

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/ledsaber-ota/internal/ble/protocol"
)

func testLinkOpts() LinkOptions {
	return LinkOptions{ConnectTimeout: time.Second}
}

func dialMock(t *testing.T, adapter *mockAdapter) *Link {
	t.Helper()
	link, err := Dial(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", DefaultProfile(), testLinkOpts())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return link
}

func TestDialDiscoversCharacteristics(t *testing.T) {
	adapter := newMockAdapter(nil)
	link := dialMock(t, adapter)
	defer link.Close()

	if link.Address() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address() = %q", link.Address())
	}
	if link.IsLost() {
		t.Error("fresh link should not be lost")
	}
}

func TestDialMissingCharacteristicDisconnects(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connection.missing = ProgressCharUUID

	_, err := Dial(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", DefaultProfile(), testLinkOpts())
	if err == nil {
		t.Fatal("Dial() should fail when a characteristic is missing")
	}
	if !strings.Contains(err.Error(), "progress") {
		t.Errorf("error = %v, want it to name the progress characteristic", err)
	}
	if !adapter.connection.isDisconnected() {
		t.Error("connection should be closed after failed discovery")
	}
}

func TestDialConnectError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errMockRadio

	_, err := Dial(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", DefaultProfile(), testLinkOpts())
	if !errors.Is(err, errMockRadio) {
		t.Errorf("Dial() error = %v, want %v", err, errMockRadio)
	}
}

func TestLinkSendStartEncodesLength(t *testing.T) {
	adapter := newMockAdapter(nil)
	link := dialMock(t, adapter)
	defer link.Close()

	if err := link.SendStart(1024); err != nil {
		t.Fatalf("SendStart() error = %v", err)
	}
	control := adapter.connection.char(ControlCharUUID)
	want := []byte{byte(protocol.CmdStart), 0x00, 0x04, 0x00, 0x00}
	if len(control.writes) != 1 || !bytes.Equal(control.writes[0], want) {
		t.Errorf("control writes = % x, want % x", control.writes, want)
	}
}

func TestLinkWriteChunkIsWriteWithoutResponse(t *testing.T) {
	adapter := newMockAdapter(nil)
	link := dialMock(t, adapter)
	defer link.Close()

	if err := link.WriteChunk([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteChunk() error = %v", err)
	}
	data := adapter.connection.char(DataCharUUID)
	if data.noRespCount != 1 {
		t.Errorf("write-without-response count = %d, want 1", data.noRespCount)
	}
}

func TestLinkSubscribeRoutesNotifications(t *testing.T) {
	adapter := newMockAdapter(nil)
	link := dialMock(t, adapter)
	defer link.Close()

	var statusGot, progressGot atomic.Value
	err := link.Subscribe(
		func(b []byte) { statusGot.Store(string(b)) },
		func(b []byte) { progressGot.Store(string(b)) },
	)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	adapter.connection.char(StatusCharUUID).SimulateNotification([]byte("1:"))
	adapter.connection.char(ProgressCharUUID).SimulateNotification([]byte("5:10:200"))

	if statusGot.Load() != "1:" {
		t.Errorf("status callback got %v", statusGot.Load())
	}
	if progressGot.Load() != "5:10:200" {
		t.Errorf("progress callback got %v", progressGot.Load())
	}
}

func TestLinkReadVersionTrims(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connection.char(FWVersionCharUUID).value = []byte(" v1.4.2-3-gabc\n\x00")
	link := dialMock(t, adapter)
	defer link.Close()

	v, err := link.ReadVersion()
	if err != nil {
		t.Fatalf("ReadVersion() error = %v", err)
	}
	if v != "v1.4.2-3-gabc" {
		t.Errorf("ReadVersion() = %q", v)
	}
}

func TestLinkTransferUnit(t *testing.T) {
	tests := []struct {
		name      string
		mtu       int
		mtuErr    error
		override  int
		want      int
		wantKnown bool
	}{
		{"negotiated", 247, nil, 0, 247, true},
		{"query error falls back", 0, errors.New("not supported"), 0, protocol.DefaultMTU, false},
		{"nonsense value falls back", 5, nil, 0, protocol.DefaultMTU, false},
		{"override wins", 23, nil, 185, 185, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			data := adapter.connection.char(DataCharUUID)
			data.mtu, data.mtuErr = tt.mtu, tt.mtuErr
			opts := testLinkOpts()
			opts.MTUOverride = tt.override
			link, err := Dial(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", DefaultProfile(), opts)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer link.Close()

			got, known := link.TransferUnit()
			if got != tt.want || known != tt.wantKnown {
				t.Errorf("TransferUnit() = (%d, %v), want (%d, %v)", got, known, tt.want, tt.wantKnown)
			}
		})
	}
}

func TestLinkLostRejectsTraffic(t *testing.T) {
	adapter := newMockAdapter(nil)
	link := dialMock(t, adapter)

	adapter.latestConnection().SimulateDisconnect()

	select {
	case <-link.Lost():
	case <-time.After(time.Second):
		t.Fatal("Lost() not closed after disconnect")
	}
	if err := link.WriteChunk([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WriteChunk() on lost link error = %v, want ErrNotConnected", err)
	}
	if _, err := link.ReadStatus(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadStatus() on lost link error = %v, want ErrNotConnected", err)
	}
	if adapter.connection.char(DataCharUUID).writeCount() != 0 {
		t.Error("lost link must not write")
	}
	if err := link.Close(); err != nil {
		t.Errorf("Close() on lost link error = %v", err)
	}
}

func TestLinkCloseIdempotent(t *testing.T) {
	adapter := newMockAdapter(nil)
	link := dialMock(t, adapter)

	if err := link.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !adapter.connection.isDisconnected() {
		t.Error("Close() should disconnect")
	}
	if !link.IsLost() {
		t.Error("closed link should report lost")
	}
}
