package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/groutine"
	"github.com/srg/gyrolink/internal/peripheral"
)

// DefaultSettleDelay is how long AdvertiseNameAndServices must run without
// error before advertising is reported as started.
const DefaultSettleDelay = 200 * time.Millisecond

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

var (
	cccdEnable  = []byte{0x01, 0x00}
	cccdDisable = []byte{0x00, 0x00}
)

// peerLink is one connected central. The notify slot holds at most one
// pending payload; a newer payload replaces an undelivered one.
type peerLink struct {
	conn ble.Conn
	slot chan []byte
}

// Transport is a peripheral.Transport over a go-ble GATT server.
//
// go-ble has no explicit connect callback for the server role, so a peer
// becomes known on its first request and is forgotten when its
// connection reports Disconnected.
type Transport struct {
	logger *logrus.Logger
	settle time.Duration

	mu      sync.Mutex
	dev     ble.Device
	handler peripheral.Handler
	desc    peripheral.ServiceDescriptor
	peers   map[peripheral.PeerID]*peerLink
	cancel  context.CancelFunc
	epoch   uint64

	ctx      context.Context
	shutdown context.CancelFunc
	routines groutine.Group
}

// Option configures a Transport
type Option func(*Transport)

// WithSettleDelay overrides DefaultSettleDelay
func WithSettleDelay(d time.Duration) Option {
	return func(t *Transport) {
		if d >= 0 {
			t.settle = d
		}
	}
}

// NewTransport creates a Transport. The radio is opened on Register.
func NewTransport(logger *logrus.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		logger:   logger,
		settle:   DefaultSettleDelay,
		peers:    make(map[peripheral.PeerID]*peerLink),
		ctx:      ctx,
		shutdown: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register opens the device on first use and replaces the GATT database
// with the single orientation service.
func (t *Transport) Register(desc peripheral.ServiceDescriptor, h peripheral.Handler) error {
	svcUUID, err := ble.Parse(desc.ServiceID)
	if err != nil {
		return fmt.Errorf("%w: service %s: %w", peripheral.ErrProtocolMismatch, desc.ServiceID, err)
	}
	chrUUID, err := ble.Parse(desc.CharacteristicID)
	if err != nil {
		return fmt.Errorf("%w: characteristic %s: %w", peripheral.ErrProtocolMismatch, desc.CharacteristicID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		dev, err := DeviceFactory()
		if err != nil {
			return NormalizeError(err)
		}
		t.dev = dev
	}
	t.handler = h
	t.desc = desc

	svc := ble.NewService(svcUUID)
	chr := svc.NewCharacteristic(chrUUID)
	// go-ble adds the client configuration descriptor for notifying characteristics
	chr.HandleRead(ble.ReadHandlerFunc(t.serveRead))
	chr.HandleNotify(ble.NotifyHandlerFunc(t.serveNotify))

	if err := t.dev.RemoveAllServices(); err != nil {
		t.logger.WithField("error", err).Debug("Failed to clear GATT services")
	}
	if err := t.dev.AddService(svc); err != nil {
		return NormalizeError(err)
	}

	t.logger.WithFields(logrus.Fields{
		"service": desc.ServiceID,
		"char":    desc.CharacteristicID,
	}).Debug("GATT service registered")
	return nil
}

// StartAdvertising launches advertising in the background and reports the
// outcome through the handler once it settles.
func (t *Transport) StartAdvertising(name string, serviceID string) error {
	u, err := ble.Parse(serviceID)
	if err != nil {
		return fmt.Errorf("%w: service %s: %w", peripheral.ErrProtocolMismatch, serviceID, err)
	}

	t.mu.Lock()
	if t.dev == nil || t.handler == nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: service not registered", peripheral.ErrTransportUnavailable)
	}
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.cancel = cancel
	t.epoch++
	epoch := t.epoch
	dev := t.dev
	t.mu.Unlock()

	done := make(chan error, 1)
	t.routines.Go(ctx, "ble-advertise", func(ctx context.Context) {
		done <- dev.AdvertiseNameAndServices(ctx, name, u)
	})
	t.routines.Go(ctx, "ble-advertise-watch", func(ctx context.Context) {
		timer := time.NewTimer(t.settle)
		defer timer.Stop()

		select {
		case err := <-done:
			t.advertisingEnded(ctx, epoch, err)
			return
		case <-timer.C:
			if h := t.current(epoch); h != nil {
				h.OnAdvertisingStarted()
			}
		}
		t.advertisingEnded(ctx, epoch, <-done)
	})
	return nil
}

// StopAdvertising cancels the running advertisement. Outcomes of the
// cancelled attempt are no longer reported.
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.epoch++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return nil
}

// Notify queues value for the peer's notify pump without blocking.
func (t *Transport) Notify(peer peripheral.PeerID, value []byte) error {
	var slot chan []byte
	t.mu.Lock()
	if link := t.peers[peer]; link != nil {
		slot = link.slot
	}
	t.mu.Unlock()

	if slot == nil {
		return fmt.Errorf("%w: %s has no notification channel", peripheral.ErrPeerUnreachable, peer)
	}

	select {
	case slot <- value:
		return nil
	default:
	}
	// replace the undelivered payload with the newer one
	select {
	case <-slot:
	default:
	}
	select {
	case slot <- value:
		return nil
	default:
		return fmt.Errorf("%w: %s is busy", peripheral.ErrPeerUnreachable, peer)
	}
}

// Disconnect closes the peer's connection and forgets it.
func (t *Transport) Disconnect(peer peripheral.PeerID) error {
	t.mu.Lock()
	link := t.peers[peer]
	delete(t.peers, peer)
	t.mu.Unlock()

	if link == nil {
		return nil
	}
	if err := link.conn.Close(); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// Close stops advertising, waits for background goroutines and releases the device.
func (t *Transport) Close() error {
	_ = t.StopAdvertising()
	t.shutdown()

	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[peripheral.PeerID]*peerLink)
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	for _, link := range peers {
		_ = link.conn.Close()
	}
	t.routines.Wait()

	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

// Peers returns the peers the transport currently tracks
func (t *Transport) Peers() []peripheral.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]peripheral.PeerID, 0, len(t.peers))
	for p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *Transport) serveRead(req ble.Request, rsp ble.ResponseWriter) {
	peer, h := t.track(req.Conn())
	if h == nil {
		rsp.SetStatus(ble.ErrReadNotPerm)
		return
	}

	out, err := h.OnReadRequest(peer, t.descriptor().CharacteristicID)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"peer":  peer,
			"error": err,
		}).Debug("Read rejected")
		if errors.Is(err, peripheral.ErrProtocolMismatch) {
			rsp.SetStatus(ble.ErrAttrNotFound)
		} else {
			rsp.SetStatus(ble.ErrReadNotPerm)
		}
		return
	}

	// long reads arrive as Read Blob requests continuing at an offset
	off := req.Offset()
	if off > len(out.Value) {
		rsp.SetStatus(ble.ErrInvalidOffset)
		return
	}
	chunk := out.Value[off:]
	if avail := rsp.Cap() - rsp.Len(); avail >= 0 && len(chunk) > avail {
		chunk = chunk[:avail]
	}
	if _, err := rsp.Write(chunk); err != nil {
		t.logger.WithFields(logrus.Fields{
			"peer":  peer,
			"error": err,
		}).Debug("Read response truncated")
	}
}

// serveNotify runs for the lifetime of a subscription and acts as the
// peer's notify pump.
func (t *Transport) serveNotify(req ble.Request, n ble.Notifier) {
	peer, h := t.track(req.Conn())
	if h == nil {
		return
	}
	cccd := t.descriptor().DescriptorID

	if _, err := h.OnDescriptorWriteRequest(peer, cccd, cccdEnable, false); err != nil {
		t.logger.WithFields(logrus.Fields{
			"peer":  peer,
			"error": err,
		}).Warn("Subscription rejected")
		return
	}

	slot := t.openSlot(peer)
	defer t.closeSlot(peer, slot)

	t.logger.WithField("peer", peer).Info("Peer subscribed")
	for {
		select {
		case <-n.Context().Done():
			if _, err := h.OnDescriptorWriteRequest(peer, cccd, cccdDisable, false); err != nil {
				t.logger.WithFields(logrus.Fields{
					"peer":  peer,
					"error": err,
				}).Debug("Unsubscribe after disconnect")
			}
			t.logger.WithField("peer", peer).Info("Peer unsubscribed")
			return
		case value := <-slot:
			if _, err := n.Write(value); err != nil {
				t.logger.WithFields(logrus.Fields{
					"peer":  peer,
					"error": NormalizeError(err),
				}).Debug("Notification write failed")
			}
		}
	}
}

// track registers conn on its first request and reports the connect.
func (t *Transport) track(conn ble.Conn) (peripheral.PeerID, peripheral.Handler) {
	peer := peripheral.PeerID(conn.RemoteAddr().String())

	t.mu.Lock()
	h := t.handler
	_, known := t.peers[peer]
	if !known && h != nil {
		t.peers[peer] = &peerLink{conn: conn}
	}
	t.mu.Unlock()

	if known || h == nil {
		return peer, h
	}

	h.OnConnectionStateChange(peer, true)
	t.logger.WithField("peer", peer).Info("Peer connected")

	t.routines.Go(t.ctx, "ble-peer-watch", func(ctx context.Context) {
		select {
		case <-conn.Disconnected():
		case <-ctx.Done():
			return
		}
		t.mu.Lock()
		link := t.peers[peer]
		stale := link != nil && link.conn != conn
		if link != nil && !stale {
			delete(t.peers, peer)
		}
		t.mu.Unlock()

		// a newer connection from the same address owns the peer now
		if stale {
			t.logger.WithField("peer", peer).Debug("Disconnect of replaced connection ignored")
			return
		}
		h.OnConnectionStateChange(peer, false)
		t.logger.WithField("peer", peer).Info("Peer disconnected")
	})
	return peer, h
}

func (t *Transport) openSlot(peer peripheral.PeerID) chan []byte {
	slot := make(chan []byte, 1)
	t.mu.Lock()
	if link := t.peers[peer]; link != nil {
		link.slot = slot
	}
	t.mu.Unlock()
	return slot
}

func (t *Transport) closeSlot(peer peripheral.PeerID, slot chan []byte) {
	t.mu.Lock()
	if link := t.peers[peer]; link != nil && link.slot == slot {
		link.slot = nil
	}
	t.mu.Unlock()
}

func (t *Transport) descriptor() peripheral.ServiceDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc
}

// current returns the handler if epoch is still the live advertising attempt
func (t *Transport) current(epoch uint64) peripheral.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch != t.epoch {
		return nil
	}
	return t.handler
}

func (t *Transport) advertisingEnded(ctx context.Context, epoch uint64, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	if err == nil {
		err = errors.New("advertising ended unexpectedly")
	}
	if h := t.current(epoch); h != nil {
		h.OnAdvertisingFailed(NormalizeError(err))
	}
}
