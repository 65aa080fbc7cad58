//go:build test

package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/orientation"
	"github.com/srg/gyrolink/internal/peripheral"
	"github.com/stretchr/testify/suite"
)

// fakeDevice is a ble.Device whose GATT database and advertising live in memory.
// Methods not overridden panic through the nil embedded interface.
type fakeDevice struct {
	ble.Device

	mu           sync.Mutex
	services     []*ble.Service
	advertiseErr error
	advertised   []string
	stopped      bool
}

func (d *fakeDevice) AddService(svc *ble.Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = append(d.services, svc)
	return nil
}

func (d *fakeDevice) RemoveAllServices() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = nil
	return nil
}

func (d *fakeDevice) AdvertiseNameAndServices(ctx context.Context, name string, _ ...ble.UUID) error {
	d.mu.Lock()
	d.advertised = append(d.advertised, name)
	err := d.advertiseErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *fakeDevice) characteristic() *ble.Characteristic {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.services) == 0 || len(d.services[0].Characteristics) == 0 {
		return nil
	}
	return d.services[0].Characteristics[0]
}

type fakeAddr string

func (a fakeAddr) String() string { return string(a) }

type fakeConn struct {
	ble.Conn
	addr   fakeAddr
	closed chan struct{}
	once   sync.Once

	// lateDisconnect keeps Disconnected open after Close until
	// completeDisconnect, like an HCI disconnection still in flight
	lateDisconnect bool
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: fakeAddr(addr), closed: make(chan struct{})}
}

func (c *fakeConn) RemoteAddr() ble.Addr          { return c.addr }
func (c *fakeConn) Disconnected() <-chan struct{} { return c.closed }

func (c *fakeConn) Close() error {
	if !c.lateDisconnect {
		c.completeDisconnect()
	}
	return nil
}

func (c *fakeConn) completeDisconnect() {
	c.once.Do(func() { close(c.closed) })
}

type fakeRequest struct {
	ble.Request
	conn   ble.Conn
	offset int
}

func (r fakeRequest) Conn() ble.Conn { return r.conn }
func (r fakeRequest) Offset() int    { return r.offset }

// fakeResponse holds at most capacity bytes, 512 when unset
type fakeResponse struct {
	ble.ResponseWriter
	buf      []byte
	status   ble.ATTError
	capacity int
}

func (r *fakeResponse) Len() int { return len(r.buf) }

func (r *fakeResponse) Cap() int {
	if r.capacity == 0 {
		return 512
	}
	return r.capacity
}

func (r *fakeResponse) Write(b []byte) (int, error) {
	r.buf = append(r.buf, b...)
	return len(b), nil
}

func (r *fakeResponse) SetStatus(s ble.ATTError) { r.status = s }
func (r *fakeResponse) Status() ble.ATTError     { return r.status }

type fakeNotifier struct {
	ble.Notifier
	ctx    context.Context
	writes chan string
}

func (n *fakeNotifier) Context() context.Context { return n.ctx }

func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.writes <- string(b)
	return len(b), nil
}

type TransportTestSuite struct {
	suite.Suite

	logger    *logrus.Logger
	device    *fakeDevice
	factory   func() (ble.Device, error)
	transport *Transport
	server    *peripheral.Server
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func (s *TransportTestSuite) SetupSuite() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.factory = DeviceFactory
}

func (s *TransportTestSuite) TearDownSuite() {
	DeviceFactory = s.factory
}

func (s *TransportTestSuite) SetupTest() {
	s.device = &fakeDevice{}
	DeviceFactory = func() (ble.Device, error) { return s.device, nil }
	s.transport = NewTransport(s.logger, WithSettleDelay(10*time.Millisecond))
	s.server = peripheral.NewServer(s.transport, peripheral.WithLogger(s.logger))
}

func (s *TransportTestSuite) TearDownTest() {
	s.Require().NoError(s.server.Stop())
	s.Require().NoError(s.transport.Close())
}

func (s *TransportTestSuite) awaitState(want peripheral.AdvertisingState) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := s.server.AwaitSettled(ctx)
	s.Require().NoError(err, "advertising outcome MUST be reported")
	s.Require().Equal(want, st)
}

func (s *TransportTestSuite) TestStartRegistersAndAdvertises() {
	// GOAL: Verify the GATT service is built from the descriptor and advertising settles
	//
	// TEST SCENARIO: start server → service with one read+notify characteristic → advertising reported after settle

	s.Require().NoError(s.server.Start())
	s.awaitState(peripheral.StateAdvertising)

	chr := s.device.characteristic()
	s.Require().NotNil(chr, "characteristic MUST be registered")
	s.Assert().True(chr.UUID.Equal(ble.MustParse(peripheral.DefaultCharacteristicUUID)), "characteristic UUID MUST match")
	s.Assert().NotNil(chr.ReadHandler, "characteristic MUST be readable")
	s.Assert().NotNil(chr.NotifyHandler, "characteristic MUST notify")
	s.Assert().Equal([]string{peripheral.DefaultDeviceName}, s.device.advertised)
}

func (s *TransportTestSuite) TestAdvertiseFailure() {
	s.device.advertiseErr = errors.New("can't init hci: no such device")

	s.Require().NoError(s.server.Start(), "advertise failure MUST be reported asynchronously")
	s.awaitState(peripheral.StateFailed)
	s.Assert().ErrorIs(s.server.LastError(), peripheral.ErrTransportUnavailable)
}

func (s *TransportTestSuite) TestDeviceUnavailable() {
	DeviceFactory = func() (ble.Device, error) {
		return nil, errors.New("bluetooth is turned off")
	}

	err := s.server.Start()

	s.Assert().ErrorIs(err, peripheral.ErrTransportUnavailable)
	s.Assert().Equal(peripheral.StateFailed, s.server.State())
}

func (s *TransportTestSuite) TestStopSuppressesOutcome() {
	s.transport.settle = time.Hour
	s.Require().NoError(s.server.Start())

	s.Require().NoError(s.server.Stop())
	time.Sleep(20 * time.Millisecond)

	s.Assert().Equal(peripheral.StateStopped, s.server.State(), "cancelled advertising MUST NOT report failure")
}

func (s *TransportTestSuite) TestReadTracksPeer() {
	s.Require().NoError(s.server.Start())
	s.awaitState(peripheral.StateAdvertising)
	s.server.Ingest(orientation.Sample{Roll: 1.0, Pitch: 0.5, Yaw: -0.2})

	conn := newFakeConn("11:22:33:44:55:66")
	rsp := &fakeResponse{}
	s.device.characteristic().ReadHandler.ServeRead(fakeRequest{conn: conn}, rsp)

	s.Assert().Equal(ble.ErrSuccess, rsp.status)
	s.Assert().Equal("1.0,0.5,-0.2\n", string(rsp.buf), "read MUST return the stored value")
	s.Assert().True(s.server.Registry().IsConnected("11:22:33:44:55:66"), "first request MUST register the peer")

	s.Require().NoError(conn.Close())
	s.Eventually(func() bool {
		return !s.server.Registry().IsConnected("11:22:33:44:55:66")
	}, time.Second, 5*time.Millisecond, "disconnect MUST remove the peer")
}

func (s *TransportTestSuite) TestLongRead() {
	// GOAL: Verify Read Blob requests continue the value at their offset
	//
	// TEST SCENARIO: 33-byte value, 22-byte responses → offset 0 gives the head → offset 22 the tail → reassembly equals the value

	s.Require().NoError(s.server.Start())
	s.awaitState(peripheral.StateAdvertising)
	s.server.Ingest(orientation.Sample{Roll: 0.34567893, Pitch: -0.2512345, Yaw: -2.9876542})
	value := string(s.server.Value())
	s.Require().Greater(len(value), 22, "value MUST exceed one default-MTU response")

	conn := newFakeConn("11:22:33:44:55:99")
	read := func(offset int) *fakeResponse {
		rsp := &fakeResponse{capacity: 22}
		s.device.characteristic().ReadHandler.ServeRead(fakeRequest{conn: conn, offset: offset}, rsp)
		return rsp
	}

	head := read(0)
	s.Assert().Equal(ble.ErrSuccess, head.status)
	s.Assert().Equal(value[:22], string(head.buf), "first response MUST carry the value prefix")

	tail := read(22)
	s.Assert().Equal(ble.ErrSuccess, tail.status)
	s.Assert().Equal(value[22:], string(tail.buf), "blob read MUST continue at the offset")
	s.Assert().Equal(value, string(head.buf)+string(tail.buf), "reassembled read MUST equal the stored value")

	end := read(len(value))
	s.Assert().Equal(ble.ErrSuccess, end.status)
	s.Assert().Empty(end.buf, "offset at the end MUST return no bytes")

	past := read(len(value) + 1)
	s.Assert().Equal(ble.ErrInvalidOffset, past.status, "offset past the end MUST be rejected")
	s.Assert().Empty(past.buf)
}

func (s *TransportTestSuite) TestReconnectSurvivesLateDisconnect() {
	// GOAL: Verify a late disconnect of a replaced connection leaves the new connection registered
	//
	// TEST SCENARIO: read on conn1 → Stop closes conn1 (disconnect still in flight) → Start → read on conn2 → conn1 disconnect completes → peer still connected

	const peer = "11:22:33:44:55:aa"
	s.Require().NoError(s.server.Start())
	s.awaitState(peripheral.StateAdvertising)

	conn1 := newFakeConn(peer)
	conn1.lateDisconnect = true
	s.device.characteristic().ReadHandler.ServeRead(fakeRequest{conn: conn1}, &fakeResponse{})
	s.Require().True(s.server.Registry().IsConnected(peer))

	s.Require().NoError(s.server.Stop())
	s.Require().False(s.server.Registry().IsConnected(peer), "stop MUST clear the registry")

	s.Require().NoError(s.server.Start())
	s.awaitState(peripheral.StateAdvertising)

	conn2 := newFakeConn(peer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.device.characteristic().ReadHandler.ServeRead(fakeRequest{conn: conn2}, &fakeResponse{})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("read from a reconnected peer MUST complete")
	}
	s.Require().True(s.server.Registry().IsConnected(peer), "reconnected peer MUST be registered")

	conn1.completeDisconnect()
	s.Never(func() bool {
		return !s.server.Registry().IsConnected(peer)
	}, 50*time.Millisecond, 5*time.Millisecond, "stale disconnect MUST NOT remove the live connection")
	s.Assert().Equal([]peripheral.PeerID{peer}, s.transport.Peers())

	s.Require().NoError(conn2.Close())
	s.Eventually(func() bool {
		return !s.server.Registry().IsConnected(peer)
	}, time.Second, 5*time.Millisecond, "disconnect of the live connection MUST remove the peer")
}

func (s *TransportTestSuite) TestNotifyPump() {
	// GOAL: Verify a subscription enables fan-out and its end disables it
	//
	// TEST SCENARIO: ServeNotify starts → peer subscribed → ingest delivered → context done → unsubscribed

	s.Require().NoError(s.server.Start())
	s.awaitState(peripheral.StateAdvertising)

	const peer = "11:22:33:44:55:77"
	ctx, cancel := context.WithCancel(context.Background())
	n := &fakeNotifier{ctx: ctx, writes: make(chan string, 4)}
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.device.characteristic().NotifyHandler.ServeNotify(fakeRequest{conn: newFakeConn(peer)}, n)
	}()

	s.Require().Eventually(func() bool {
		return s.server.Registry().IsSubscribed(peer)
	}, time.Second, 5*time.Millisecond, "subscription MUST be reported")

	s.Require().Eventually(func() bool {
		s.server.Ingest(orientation.Sample{Roll: 1.0, Pitch: 0.5, Yaw: -0.2})
		select {
		case v := <-n.writes:
			return v == "1.0,0.5,-0.2\n"
		case <-time.After(10 * time.Millisecond):
			return false
		}
	}, time.Second, 5*time.Millisecond, "ingest MUST reach the notifier")

	cancel()
	<-pumpDone
	s.Assert().False(s.server.Registry().IsSubscribed(peer), "ended subscription MUST unsubscribe")
	s.Assert().ErrorIs(s.transport.Notify(peer, []byte("x")), peripheral.ErrPeerUnreachable,
		"notify without a pump MUST report unreachable")
}

func (s *TransportTestSuite) TestNotifyLatestWins() {
	s.Require().NoError(s.server.Start())
	s.awaitState(peripheral.StateAdvertising)

	const peer = peripheral.PeerID("11:22:33:44:55:88")
	s.transport.mu.Lock()
	s.transport.peers[peer] = &peerLink{conn: newFakeConn(string(peer)), slot: make(chan []byte, 1)}
	slot := s.transport.peers[peer].slot
	s.transport.mu.Unlock()

	for _, v := range []string{"a", "b", "c"} {
		s.Require().NoError(s.transport.Notify(peer, []byte(v)), "notify MUST NOT block or fail")
	}

	s.Assert().Equal("c", string(<-slot), "pending payload MUST be the latest")
	s.Assert().ErrorIs(s.transport.Notify("unknown", []byte("x")), peripheral.ErrPeerUnreachable)
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		kind peripheral.ErrorKind
	}{
		{"powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), peripheral.TransportUnavailable},
		{"no hci", errors.New("can't init hci: no such device"), peripheral.TransportUnavailable},
		{"privileges", errors.New("operation not permitted"), peripheral.TransportUnavailable},
		{"peer gone", errors.New("device not connected"), peripheral.PeerUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeError(tt.in)
			if !peripheral.IsKind(err, tt.kind) {
				t.Fatalf("NormalizeError(%q) MUST be %s, got %v", tt.in, tt.kind, err)
			}
			if !errors.Is(err, tt.in) {
				t.Fatalf("NormalizeError(%q) MUST wrap the original error", tt.in)
			}
		})
	}

	if NormalizeError(nil) != nil {
		t.Fatal("nil MUST stay nil")
	}
	other := errors.New("something else")
	if NormalizeError(other) != other {
		t.Fatal("unknown errors MUST pass through")
	}
}
