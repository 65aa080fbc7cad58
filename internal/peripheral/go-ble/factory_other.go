//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/gyrolink/internal/peripheral"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE backend for %s", peripheral.ErrTransportUnavailable, runtime.GOOS)
}
