//go:build test

package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/peripheral"
	"github.com/stretchr/testify/suite"
)

// PeripheralSuite provides a reusable test suite with a peripheral.Server
// bound to a FakeTransport and a mutable capability set.
//
// Basic usage:
//
//	type ServerSuite struct {
//	    testutils.PeripheralSuite
//	}
//
//	func TestServerSuite(t *testing.T) {
//	    suite.Run(t, new(ServerSuite))
//	}
//
// Tests that need a different transport outcome configure it before starting:
//
//	s.Transport.SetOutcome(testutils.AdvertiseFailsAsync)
//	err := s.Server.Start()
type PeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Transport    *FakeTransport
	Capabilities *peripheral.CapabilitySet
	Server       *peripheral.Server
	Changes      []peripheral.StateChange
}

// SetupSuite initializes the helper and logger once
func (s *PeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
}

// SetupTest creates a fresh server and fake transport before each test
func (s *PeripheralSuite) SetupTest() {
	s.Transport = NewFakeTransport()
	s.Capabilities = peripheral.NewCapabilitySet()
	s.Changes = nil
	s.Server = peripheral.NewServer(s.Transport,
		peripheral.WithLogger(s.Logger),
		peripheral.WithCapabilities(s.Capabilities),
		peripheral.WithStateObserver(func(c peripheral.StateChange) {
			s.Changes = append(s.Changes, c)
		}),
	)
}

// TearDownTest stops the server after each test
func (s *PeripheralSuite) TearDownTest() {
	if s.Server != nil {
		s.Capabilities.Set(peripheral.OpAdvertise, true)
		s.Require().NoError(s.Server.Stop(), "stop in teardown MUST succeed")
	}
	s.Server = nil
	s.Transport = nil
}

// Connect reports peers connected through the registered handler
func (s *PeripheralSuite) Connect(peers ...peripheral.PeerID) {
	for _, p := range peers {
		s.Server.OnConnectionStateChange(p, true)
	}
}

// Subscribe connects the peer and enables notifications through a CCCD write
func (s *PeripheralSuite) Subscribe(peer peripheral.PeerID) {
	s.Connect(peer)
	rsp, err := s.Server.OnDescriptorWriteRequest(peer, peripheral.CCCDUUID, []byte{0x01, 0x00}, true)
	s.Require().NoError(err, "CCCD write MUST succeed")
	s.Require().NotNil(rsp, "CCCD write MUST be acknowledged")
	s.Require().Equal(peripheral.StatusSuccess, rsp.Status, "CCCD write MUST succeed")
}

// States returns the sequence of target states observed so far
func (s *PeripheralSuite) States() []peripheral.AdvertisingState {
	out := make([]peripheral.AdvertisingState, 0, len(s.Changes))
	for _, c := range s.Changes {
		out = append(out, c.To)
	}
	return out
}
