package peripheral

// Status is a per-request outcome returned to the requesting peer
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// Response answers a read or descriptor write request
type Response struct {
	Status Status
	Value  []byte
}

// Handler is the set of event entry points a Transport invokes. Every
// method is short and synchronous; transports may call them from any
// goroutine.
type Handler interface {
	OnConnectionStateChange(peer PeerID, connected bool)
	OnReadRequest(peer PeerID, characteristicID string) (Response, error)
	OnDescriptorWriteRequest(peer PeerID, descriptorID string, value []byte, responseNeeded bool) (*Response, error)
	OnAdvertisingStarted()
	OnAdvertisingFailed(err error)
}

// Transport is the wireless backend behind the Server.
//
// StartAdvertising must return promptly: a synchronous error means the
// radio cannot advertise at all, otherwise the outcome is reported later
// through Handler.OnAdvertisingStarted or Handler.OnAdvertisingFailed.
// Notify must never block; a delivery that cannot be made immediately is
// dropped and reported as ErrPeerUnreachable.
type Transport interface {
	Register(desc ServiceDescriptor, h Handler) error
	StartAdvertising(name string, serviceID string) error
	StopAdvertising() error
	Notify(peer PeerID, value []byte) error
	Disconnect(peer PeerID) error
}
