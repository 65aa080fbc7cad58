package orchestrator

import (
	"github.com/srg/gyrolink/internal/orientation"
	"github.com/srg/gyrolink/internal/peripheral"
)

// LinkStatus is the host-facing view of the advertising state
type LinkStatus int

const (
	LinkStopped LinkStatus = iota
	LinkStarting
	LinkAdvertising
	LinkFailed
)

func (l LinkStatus) String() string {
	switch l {
	case LinkStopped:
		return "stopped"
	case LinkStarting:
		return "starting"
	case LinkAdvertising:
		return "advertising"
	case LinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the link is up, the flag a UI shows as "BLE active"
func (l LinkStatus) Active() bool {
	return l == LinkAdvertising
}

func linkFromState(st peripheral.AdvertisingState) LinkStatus {
	switch st {
	case peripheral.StateStarting:
		return LinkStarting
	case peripheral.StateAdvertising:
		return LinkAdvertising
	case peripheral.StateFailed:
		return LinkFailed
	default:
		return LinkStopped
	}
}

// Update is pushed after every ingested sample and every link change
type Update struct {
	Sample orientation.Sample
	Link   LinkStatus
}

// Snapshot is the current host-visible state
type Snapshot struct {
	Sample     orientation.Sample
	HasSample  bool
	Link       LinkStatus
	LastError  error
	Sampling   bool
	Peers      int
	Subscribed int
	Stats      peripheral.Stats
}
