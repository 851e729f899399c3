package ble

import (
	"testing"
	"time"
)

func TestScanForDevices(t *testing.T) {
	devices := []Device{
		{Name: "LedSaber-01", MAC: "AA:BB:CC:DD:EE:FF", RSSI: -45},
		{Name: "Headphones", MAC: "11:22:33:44:55:66", RSSI: -60},
	}
	adapter := newMockAdapter(devices)

	result, err := ScanForDevices(adapter, "", 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if adapter.lastFilter != DefaultNameFilter {
		t.Errorf("filter = %q, want %q", adapter.lastFilter, DefaultNameFilter)
	}
	if len(result) != 1 {
		t.Fatalf("got %d devices, want 1", len(result))
	}
	if result[0].MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("MAC = %q, want %q", result[0].MAC, "AA:BB:CC:DD:EE:FF")
	}
}

func TestScanForDevicesEmpty(t *testing.T) {
	adapter := newMockAdapter(nil)
	result, err := ScanForDevices(adapter, "LedSaber", 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("got %d devices, want 0", len(result))
	}
}
