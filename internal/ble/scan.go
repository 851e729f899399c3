package ble

import (
	"context"
	"fmt"
	"time"
)

// ScanForDevices scans for peripherals whose advertised name contains
// nameFilter (DefaultNameFilter if empty).
func ScanForDevices(adapter Adapter, nameFilter string, timeout time.Duration) ([]Device, error) {
	if nameFilter == "" {
		nameFilter = DefaultNameFilter
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, nameFilter)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
