package peripheral

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// PeerID identifies a connected central (the transport's remote address)
type PeerID string

// PeerConnection is a registry entry. Only the flags are mutable.
type PeerConnection struct {
	ID          PeerID
	ConnectedAt time.Time
	connected   atomic.Bool
	subscribed  atomic.Bool
}

func newPeerConnection(peer PeerID) *PeerConnection {
	p := &PeerConnection{ID: peer, ConnectedAt: time.Now()}
	p.connected.Store(true)
	return p
}

// Subscribed reports whether the peer enabled notifications
func (p *PeerConnection) Subscribed() bool {
	return p.subscribed.Load()
}

// ConnectionRegistry tracks connected peers and whether each is subscribed.
// All methods are thread-safe.
//
// Entries are never deleted from the table: hashmap v1.0.8 can spin forever
// in GetOrInsert of a key removed by Del. A disconnect leaves a tombstone
// that the next connect of the same peer replaces, and Clear swaps in a
// fresh table.
type ConnectionRegistry struct {
	peers  atomic.Pointer[hashmap.Map[string, *PeerConnection]]
	logger *logrus.Logger
}

// NewConnectionRegistry creates an empty registry
func NewConnectionRegistry(logger *logrus.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	r := &ConnectionRegistry{logger: logger}
	r.peers.Store(hashmap.New[string, *PeerConnection]())
	return r
}

// OnConnect inserts the peer unsubscribed. Duplicate connects are ignored.
func (r *ConnectionRegistry) OnConnect(peer PeerID) {
	table := r.peers.Load()
	fresh := newPeerConnection(peer)

	p, existing := table.GetOrInsert(string(peer), fresh)
	if existing {
		if p.connected.Load() {
			r.logger.WithField("peer", peer).Debug("Duplicate connect ignored")
			return
		}
		table.Set(string(peer), fresh)
	}
	r.logger.WithField("peer", peer).Info("Peer connected")
}

// OnDisconnect removes the peer. Unknown peers are ignored.
func (r *ConnectionRegistry) OnDisconnect(peer PeerID) {
	p, ok := r.peers.Load().Get(string(peer))
	if !ok || !p.connected.Swap(false) {
		return
	}
	p.subscribed.Store(false)
	r.logger.WithField("peer", peer).Info("Peer disconnected")
}

// SetSubscribed updates the peer's subscription flag. Connection state is
// authoritative: an unknown peer yields ErrNotConnected and nothing changes.
func (r *ConnectionRegistry) SetSubscribed(peer PeerID, enabled bool) error {
	p, ok := r.lookup(peer)
	if !ok {
		return newLinkError(NotConnected, "peer %s", peer)
	}
	if p.subscribed.Swap(enabled) != enabled {
		r.logger.WithFields(logrus.Fields{
			"peer":       peer,
			"subscribed": enabled,
		}).Info("Peer subscription changed")
	}
	return nil
}

// IsConnected reports whether the peer is tracked
func (r *ConnectionRegistry) IsConnected(peer PeerID) bool {
	_, ok := r.lookup(peer)
	return ok
}

// IsSubscribed reports whether the peer is tracked and subscribed
func (r *ConnectionRegistry) IsSubscribed(peer PeerID) bool {
	p, ok := r.lookup(peer)
	return ok && p.Subscribed()
}

// SubscribedPeers returns a snapshot of subscribed peers
func (r *ConnectionRegistry) SubscribedPeers() []PeerID {
	var result []PeerID
	r.each(r.peers.Load(), func(p *PeerConnection) {
		if p.Subscribed() {
			result = append(result, p.ID)
		}
	})
	return result
}

// Peers returns a snapshot of all connected peers sorted by ID
func (r *ConnectionRegistry) Peers() []PeerID {
	return r.connectedIn(r.peers.Load())
}

// Len returns the number of connected peers
func (r *ConnectionRegistry) Len() int {
	n := 0
	r.each(r.peers.Load(), func(*PeerConnection) { n++ })
	return n
}

// Clear removes every peer and returns the ones removed
func (r *ConnectionRegistry) Clear() []PeerID {
	old := r.peers.Swap(hashmap.New[string, *PeerConnection]())
	removed := r.connectedIn(old)
	r.each(old, func(p *PeerConnection) {
		p.connected.Store(false)
		p.subscribed.Store(false)
	})
	return removed
}

func (r *ConnectionRegistry) lookup(peer PeerID) (*PeerConnection, bool) {
	p, ok := r.peers.Load().Get(string(peer))
	if !ok || !p.connected.Load() {
		return nil, false
	}
	return p, true
}

// each calls fn for every connected entry of table
func (r *ConnectionRegistry) each(table *hashmap.Map[string, *PeerConnection], fn func(*PeerConnection)) {
	table.Range(func(_ string, p *PeerConnection) bool {
		if p.connected.Load() {
			fn(p)
		}
		return true
	})
}

func (r *ConnectionRegistry) connectedIn(table *hashmap.Map[string, *PeerConnection]) []PeerID {
	result := make([]PeerID, 0)
	r.each(table, func(p *PeerConnection) { result = append(result, p.ID) })
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
