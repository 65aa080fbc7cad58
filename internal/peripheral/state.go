package peripheral

// AdvertisingState is the lifecycle state of the peripheral
type AdvertisingState int

const (
	StateStopped AdvertisingState = iota
	StateStarting
	StateAdvertising
	StateFailed
)

func (s AdvertisingState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateAdvertising:
		return "advertising"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange is delivered to state observers on every transition
type StateChange struct {
	From   AdvertisingState
	To     AdvertisingState
	Reason error // set when To is StateFailed
}
