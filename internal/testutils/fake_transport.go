//go:build test

package testutils

import (
	"errors"
	"sync"

	"github.com/srg/gyrolink/internal/peripheral"
)

// AdvertiseOutcome selects how FakeTransport reports an advertising start
type AdvertiseOutcome int

const (
	// AdvertiseSucceeds reports OnAdvertisingStarted synchronously
	AdvertiseSucceeds AdvertiseOutcome = iota
	// AdvertiseFailsAsync reports OnAdvertisingFailed synchronously
	AdvertiseFailsAsync
	// AdvertiseFailsSync returns an error from StartAdvertising
	AdvertiseFailsSync
	// AdvertisePending reports nothing; tests drive the callbacks
	AdvertisePending
)

// ErrFakeRadio is the error the fake reports for simulated radio failures
var ErrFakeRadio = errors.New("advertising not supported on this adapter")

// Notification is one recorded Notify call
type Notification struct {
	Peer  peripheral.PeerID
	Value string
}

// FakeTransport is an in-memory peripheral.Transport that records every call.
// All methods are thread-safe.
type FakeTransport struct {
	mu sync.Mutex

	Outcome     AdvertiseOutcome
	RegisterErr error
	// NotifyHook, when set, runs before a notification is recorded; a non-nil
	// error drops the notification.
	NotifyHook func(peer peripheral.PeerID, value []byte) error

	handler       peripheral.Handler
	registered    []peripheral.ServiceDescriptor
	advertising   bool
	advertiseName string
	advertiseSvc  string
	starts        int
	stops         int
	notifications []Notification
	disconnects   []peripheral.PeerID
}

// NewFakeTransport creates a transport whose advertising succeeds
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{Outcome: AdvertiseSucceeds}
}

func (f *FakeTransport) Register(desc peripheral.ServiceDescriptor, h peripheral.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RegisterErr != nil {
		return f.RegisterErr
	}
	f.handler = h
	f.registered = append(f.registered, desc)
	return nil
}

func (f *FakeTransport) StartAdvertising(name string, serviceID string) error {
	f.mu.Lock()
	f.starts++
	f.advertiseName = name
	f.advertiseSvc = serviceID
	outcome := f.Outcome
	h := f.handler
	if outcome == AdvertiseFailsSync {
		f.mu.Unlock()
		return ErrFakeRadio
	}
	f.advertising = outcome != AdvertiseFailsAsync
	f.mu.Unlock()

	switch outcome {
	case AdvertiseSucceeds:
		h.OnAdvertisingStarted()
	case AdvertiseFailsAsync:
		h.OnAdvertisingFailed(ErrFakeRadio)
	}
	return nil
}

func (f *FakeTransport) StopAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.advertising = false
	return nil
}

func (f *FakeTransport) Notify(peer peripheral.PeerID, value []byte) error {
	f.mu.Lock()
	hook := f.NotifyHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(peer, value); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, Notification{Peer: peer, Value: string(value)})
	return nil
}

func (f *FakeTransport) Disconnect(peer peripheral.PeerID) error {
	f.mu.Lock()
	h := f.handler
	f.disconnects = append(f.disconnects, peer)
	f.mu.Unlock()

	if h != nil {
		h.OnConnectionStateChange(peer, false)
	}
	return nil
}

// SetOutcome changes how the next StartAdvertising is reported
func (f *FakeTransport) SetOutcome(o AdvertiseOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Outcome = o
}

// SetNotifyHook installs a hook run on every Notify
func (f *FakeTransport) SetNotifyHook(hook func(peer peripheral.PeerID, value []byte) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NotifyHook = hook
}

// Handler returns the registered handler
func (f *FakeTransport) Handler() peripheral.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// Notifications returns every recorded notification
func (f *FakeTransport) Notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.notifications...)
}

// NotificationsFor returns the payloads delivered to peer
func (f *FakeTransport) NotificationsFor(peer peripheral.PeerID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.notifications {
		if n.Peer == peer {
			out = append(out, n.Value)
		}
	}
	return out
}

// ResetNotifications discards recorded notifications
func (f *FakeTransport) ResetNotifications() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = nil
}

// Disconnects returns every peer passed to Disconnect
func (f *FakeTransport) Disconnects() []peripheral.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peripheral.PeerID(nil), f.disconnects...)
}

// Registered returns every descriptor passed to Register
func (f *FakeTransport) Registered() []peripheral.ServiceDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peripheral.ServiceDescriptor(nil), f.registered...)
}

// Advertising reports whether the fake radio is advertising
func (f *FakeTransport) Advertising() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising
}

// Advertised returns the last advertised name and service identifier
func (f *FakeTransport) Advertised() (name, serviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertiseName, f.advertiseSvc
}

// Starts and Stops count StartAdvertising and StopAdvertising calls
func (f *FakeTransport) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *FakeTransport) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
