package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/gyrolink/internal/peripheral"
)

// NormalizeError maps known go-ble error strings to structured LinkError kinds.
// The original error stays wrapped so its text survives in logs.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, peripheral.ErrTransportUnavailable) || errors.Is(err, peripheral.ErrPeerUnreachable) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is bluetooth turned on"):
		return fmt.Errorf("%w: bluetooth is off: %w", peripheral.ErrTransportUnavailable, err)
	case containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: insufficient privileges for the adapter: %w", peripheral.ErrTransportUnavailable, err)
	case containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "no such device"),
		containsIgnoreCase(msg, "unsupported"):
		return fmt.Errorf("%w: %w", peripheral.ErrTransportUnavailable, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "broken pipe"):
		return fmt.Errorf("%w: %w", peripheral.ErrPeerUnreachable, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
