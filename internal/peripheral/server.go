package peripheral

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/orientation"
)

// DefaultDeviceName is the advertised local name
const DefaultDeviceName = "GyroData"

// Stats provides lock-free counters for the sample path
type Stats struct {
	Ingested  int64 // samples written to the store
	Delivered int64 // notifications accepted by the transport
	Dropped   int64 // notifications the transport could not take
	Skipped   int64 // fan-outs skipped because notify was not granted
}

// Server is the peripheral core: it owns the advertising state machine,
// the characteristic store and the connection registry, and implements
// Handler for its transport.
//
// Lifecycle calls (Start, Stop) are serialized with each other. Handler
// methods and Ingest only take the state lock briefly and never wait on
// lifecycle calls, so transports may invoke them synchronously from
// inside StartAdvertising or Disconnect.
type Server struct {
	transport Transport
	caps      Capabilities
	desc      ServiceDescriptor
	name      string
	logger    *logrus.Logger

	store    *CharacteristicStore
	registry *ConnectionRegistry

	opMu sync.Mutex // serializes Start/Stop

	mu       sync.Mutex // guards the fields below
	state    AdvertisingState
	lastErr  error
	changed  chan struct{} // closed and replaced on every transition
	observer func(StateChange)

	stats Stats
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCapabilities sets the capability collaborator consulted per operation
func WithCapabilities(caps Capabilities) Option {
	return func(s *Server) {
		if caps != nil {
			s.caps = caps
		}
	}
}

// WithDescriptor overrides the default service topology
func WithDescriptor(desc ServiceDescriptor) Option {
	return func(s *Server) {
		s.desc = desc
	}
}

// WithDeviceName sets the advertised local name
func WithDeviceName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.name = name
		}
	}
}

// WithStateObserver registers a callback invoked on every state transition.
// It runs under the state lock and must neither block nor call back into the Server.
func WithStateObserver(fn func(StateChange)) Option {
	return func(s *Server) {
		s.observer = fn
	}
}

// NewServer creates a stopped Server bound to transport
func NewServer(transport Transport, opts ...Option) *Server {
	s := &Server{
		transport: transport,
		caps:      AllowAll{},
		desc:      DefaultServiceDescriptor(),
		name:      DefaultDeviceName,
		logger:    logrus.New(),
		state:     StateStopped,
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store = NewCharacteristicStore(orientation.DefaultValue())
	s.registry = NewConnectionRegistry(s.logger)
	return s
}

// Start registers the service and begins advertising. Valid only from
// StateStopped. The server enters StateStarting first; a transport that
// cannot register or advertise moves it on to StateFailed and the error is returned wrapped with
// ErrTransportUnavailable; the caller is expected to carry on without a link.
func (s *Server) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if st := s.State(); st != StateStopped {
		return newLinkError(InvalidState, "start requires %s, current state is %s", StateStopped, st)
	}

	if !s.caps.Allowed(OpAdvertise) {
		s.logger.Warn("Advertise capability not granted, start skipped")
		return newLinkError(CapabilityDenied, "advertise")
	}

	s.setState(StateStarting, nil)

	if err := s.transport.Register(s.desc, s); err != nil {
		err = s.unavailable("register service", err)
		s.failIf(err, StateStarting)
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"name":    s.name,
		"service": s.desc.ServiceID,
	}).Info("Starting advertising...")

	if err := s.transport.StartAdvertising(s.name, s.desc.ServiceID); err != nil {
		err = s.unavailable("start advertising", err)
		s.failIf(err, StateStarting)
		return err
	}
	return nil
}

// Stop halts advertising, disconnects every tracked peer and clears the
// registry. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == StateStopped {
		return nil
	}

	if !s.caps.Allowed(OpAdvertise) {
		s.logger.Warn("Advertise capability not granted, stop skipped")
		return newLinkError(CapabilityDenied, "advertise")
	}

	if err := s.transport.StopAdvertising(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to stop advertising")
	}

	for _, peer := range s.registry.Clear() {
		if err := s.transport.Disconnect(peer); err != nil {
			s.logger.WithFields(logrus.Fields{
				"peer":  peer,
				"error": err,
			}).Debug("Disconnect failed")
		}
	}

	s.setState(StateStopped, nil)
	s.logger.Info("Peripheral stopped")
	return nil
}

// Ingest stores the encoded sample and notifies every subscribed peer.
// It is valid in any state and never blocks on the transport: each peer
// gets the store value current at its delivery, and failed deliveries are dropped.
func (s *Server) Ingest(sample orientation.Sample) {
	s.store.Write(orientation.EncodeSample(sample))
	atomic.AddInt64(&s.stats.Ingested, 1)

	peers := s.registry.SubscribedPeers()
	if len(peers) == 0 {
		return
	}

	if !s.caps.Allowed(OpNotify) {
		atomic.AddInt64(&s.stats.Skipped, 1)
		s.logger.Debug("Notify capability not granted, fan-out skipped")
		return
	}

	for _, peer := range peers {
		if err := s.transport.Notify(peer, s.store.Read()); err != nil {
			atomic.AddInt64(&s.stats.Dropped, 1)
			s.logger.WithFields(logrus.Fields{
				"peer":  peer,
				"error": err,
			}).Debug("Notification dropped")
			continue
		}
		atomic.AddInt64(&s.stats.Delivered, 1)
	}
}

// OnConnectionStateChange implements Handler
func (s *Server) OnConnectionStateChange(peer PeerID, connected bool) {
	if connected {
		s.registry.OnConnect(peer)
		return
	}
	s.registry.OnDisconnect(peer)
}

// OnReadRequest implements Handler. The response carries exactly the stored value.
func (s *Server) OnReadRequest(peer PeerID, characteristicID string) (Response, error) {
	if !s.caps.Allowed(OpConnect) {
		s.logger.WithField("peer", peer).Warn("Connect capability not granted, read ignored")
		return Response{}, newLinkError(CapabilityDenied, "read request from %s", peer)
	}

	if !s.desc.IsCharacteristic(characteristicID) {
		s.logger.WithFields(logrus.Fields{
			"peer": peer,
			"char": characteristicID,
		}).Debug("Read of unknown characteristic")
		return Response{Status: StatusFailure}, newLinkError(ProtocolMismatch, "characteristic %s", characteristicID)
	}

	return Response{Status: StatusSuccess, Value: s.store.Read()}, nil
}

// OnDescriptorWriteRequest implements Handler. A response is returned only
// when responseNeeded is set.
func (s *Server) OnDescriptorWriteRequest(peer PeerID, descriptorID string, value []byte, responseNeeded bool) (*Response, error) {
	if !s.caps.Allowed(OpConnect) {
		s.logger.WithField("peer", peer).Warn("Connect capability not granted, descriptor write ignored")
		return nil, newLinkError(CapabilityDenied, "descriptor write from %s", peer)
	}

	if !s.desc.IsConfigDescriptor(descriptorID) {
		s.logger.WithFields(logrus.Fields{
			"peer":       peer,
			"descriptor": descriptorID,
		}).Debug("Write to unknown descriptor")
		return ack(responseNeeded, StatusFailure), newLinkError(ProtocolMismatch, "descriptor %s", descriptorID)
	}

	enabled := len(value) > 0 && value[0]&(cccdNotify|cccdIndicate) != 0
	if err := s.registry.SetSubscribed(peer, enabled); err != nil {
		s.logger.WithFields(logrus.Fields{
			"peer":  peer,
			"error": err,
		}).Warn("Subscription change from unknown peer ignored")
		return ack(responseNeeded, StatusFailure), err
	}

	return ack(responseNeeded, StatusSuccess), nil
}

// OnAdvertisingStarted implements Handler
func (s *Server) OnAdvertisingStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStarting {
		s.logger.WithField("state", s.state).Debug("Late advertising start ignored")
		return
	}
	s.transitionLocked(StateAdvertising, nil)
	s.logger.WithField("name", s.name).Info("Advertising")
}

// OnAdvertisingFailed implements Handler
func (s *Server) OnAdvertisingFailed(err error) {
	s.failIf(s.unavailable("advertising", err), StateStarting, StateAdvertising)
}

// State returns the current advertising state
func (s *Server) State() AdvertisingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the reason of the last failure, nil unless StateFailed
func (s *Server) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// AwaitSettled blocks until the server leaves StateStarting or ctx is done,
// and returns the state at that moment.
func (s *Server) AwaitSettled(ctx context.Context) (AdvertisingState, error) {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()

		if st != StateStarting {
			return st, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Value returns the current characteristic value
func (s *Server) Value() []byte {
	return s.store.Read()
}

// Registry exposes the connection registry for inspection
func (s *Server) Registry() *ConnectionRegistry {
	return s.registry
}

// Descriptor returns the service topology served
func (s *Server) Descriptor() ServiceDescriptor {
	return s.desc
}

// Name returns the advertised local name
func (s *Server) Name() string {
	return s.name
}

// GetStats returns a snapshot of the sample path counters
func (s *Server) GetStats() Stats {
	return Stats{
		Ingested:  atomic.LoadInt64(&s.stats.Ingested),
		Delivered: atomic.LoadInt64(&s.stats.Delivered),
		Dropped:   atomic.LoadInt64(&s.stats.Dropped),
		Skipped:   atomic.LoadInt64(&s.stats.Skipped),
	}
}

func (s *Server) setState(to AdvertisingState, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(to, reason)
}

// failIf moves to StateFailed only when the current state is one of from
func (s *Server) failIf(reason error, from ...AdvertisingState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range from {
		if s.state == st {
			s.transitionLocked(StateFailed, reason)
			s.logger.WithField("error", reason).Error("Peripheral failed")
			return
		}
	}
	s.logger.WithFields(logrus.Fields{
		"state": s.state,
		"error": reason,
	}).Debug("Failure ignored in current state")
}

func (s *Server) transitionLocked(to AdvertisingState, reason error) {
	from := s.state
	s.state = to
	if to == StateFailed {
		s.lastErr = reason
	} else {
		s.lastErr = nil
	}

	close(s.changed)
	s.changed = make(chan struct{})

	s.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("State transition")

	if s.observer != nil {
		s.observer(StateChange{From: from, To: to, Reason: reason})
	}
}

func (s *Server) unavailable(op string, err error) error {
	if IsKind(err, TransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, op, err)
}

func ack(needed bool, status Status) *Response {
	if !needed {
		return nil
	}
	return &Response{Status: status}
}
