package state

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/pausesync/internal/proto"
	"github.com/petervdpas/pausesync/internal/util"
)

const (
	EventConnect    = "connect"
	EventUpdate     = "update"
	EventDisconnect = "disconnect"
)

// Participant is what this process knows about one connected peer.
type Participant struct {
	Name        string
	Host        bool
	Mods        []proto.ModInfo
	HasManifest bool // a presence message has been received
	ConnectedAt time.Time
	LastSeen    time.Time
}

type PeerEvent struct {
	Type   string       `json:"type"`
	PeerID string       `json:"peer_id"`
	Peer   *Participant `json:"peer,omitempty"`
}

// PeerTable is the connected-participant list. Transport goroutines write
// to it; the session loop consumes its events.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]Participant
	listeners []chan PeerEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:     map[string]Participant{},
		listeners: make([]chan PeerEvent, 0),
	}
}

// Connect records a transport-level connection. Only the first call for a
// peer emits a connect event.
func (t *PeerTable) Connect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		return
	}
	now := time.Now()
	p := Participant{ConnectedAt: now, LastSeen: now}
	t.peers[id] = p
	t.notifyListeners(PeerEvent{Type: EventConnect, PeerID: id, Peer: &p})
}

// SetPresence stores the peer's self-reported name and manifest. A peer only
// known through presence is treated as connected.
func (t *PeerTable) SetPresence(id, name string, host bool, mods []proto.ModInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	p, existed := t.peers[id]
	if !existed {
		p.ConnectedAt = now
	}
	p.Name = name
	p.Host = host
	p.Mods = append([]proto.ModInfo(nil), mods...)
	p.HasManifest = true
	p.LastSeen = now
	t.peers[id] = p
	if !existed {
		t.notifyListeners(PeerEvent{Type: EventConnect, PeerID: id, Peer: &p})
	}
	t.notifyListeners(PeerEvent{Type: EventUpdate, PeerID: id, Peer: &p})
}

// Disconnect removes the peer. Removing an unknown peer is a no-op.
func (t *PeerTable) Disconnect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: EventDisconnect, PeerID: id, Peer: &p})
}

func (t *PeerTable) Get(id string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// Name returns the display name for id, or "" when unknown.
func (t *PeerTable) Name(id string) string {
	p, _ := t.Get(id)
	return p.Name
}

// Manifest returns the peer's mod list once its presence has arrived.
func (t *PeerTable) Manifest(id string) ([]proto.ModInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok || !p.HasManifest {
		return nil, false
	}
	return append([]proto.ModInfo(nil), p.Mods...), true
}

// Connected lists the connected peer ids in sorted order.
func (t *PeerTable) Connected() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PruneStale disconnects peers whose last presence is older than cutoff.
// Peers that never sent presence are left to the transport's own
// connectedness events.
func (t *PeerTable) PruneStale(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		if p.HasManifest && p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			t.notifyListeners(PeerEvent{Type: EventDisconnect, PeerID: id, Peer: &p})
		}
	}
}

// Listener channels hold listenerBuffer events. Updates may only occupy the
// first updateRoom slots; the rest is kept for connects and disconnects, so
// a burst of presence heartbeats never crowds out a departure.
const (
	listenerBuffer = 64
	updateRoom     = listenerBuffer / 4
)

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, listenerBuffer)
	t.listeners = append(t.listeners, ch)
	return ch
}

// SubscribeConnected subscribes and returns the peers connected at that
// instant, so a consumer sees every peer exactly once.
func (t *PeerTable) SubscribeConnected() (chan PeerEvent, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, listenerBuffer)
	t.listeners = append(t.listeners, ch)
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ch, ids
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners never blocks: listeners call back into the table.
// A dropped update is harmless since Get always has the latest presence.
func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		if evt.Type == EventUpdate && len(ch) >= updateRoom {
			continue
		}
		select {
		case ch <- evt:
		default:
			log.Printf("WARNING: peer table listener full, dropped %s for %s", evt.Type, util.ShortID(evt.PeerID))
		}
	}
}
