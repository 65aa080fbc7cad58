package main

import (
	"errors"
	"fmt"

	"github.com/srg/gyrolink/internal/peripheral"
)

// Command-level errors
var (
	// ErrSourceEnded indicates the stdin sample stream reached EOF while serving.
	ErrSourceEnded = errors.New("sample source ended")
)

// FormatUserError renders err for the terminal, adding a hint for failures
// the user can fix on the host.
func FormatUserError(err error) string {
	switch {
	case peripheral.IsKind(err, peripheral.TransportUnavailable):
		return fmt.Sprintf("%s\nhint: make sure Bluetooth is powered on; on Linux run as root or grant CAP_NET_ADMIN,CAP_NET_RAW", err)
	case peripheral.IsKind(err, peripheral.CapabilityDenied):
		return fmt.Sprintf("%s\nhint: the operation is listed in --deny or the config deny list", err)
	case peripheral.IsKind(err, peripheral.ProtocolMismatch):
		return fmt.Sprintf("%s\nhint: check service_uuid and characteristic_uuid", err)
	}
	return err.Error()
}
