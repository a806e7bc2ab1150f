package registry

import (
	"sync"

	"github.com/IchuRisco/mitopia-backend/metrics"
	"github.com/IchuRisco/mitopia-backend/pkg/websocket"
)

// Peer is a live connection messages can be delivered to.
type Peer interface {
	ID() string
	Send(m *websocket.Message) error
}

// Registry tracks live connections of this process and the single room each
// one occupies. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]Peer
	rooms   map[string]string
	members map[string]map[string]struct{}

	locksMu sync.Mutex
	locks   map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func New() *Registry {
	return &Registry{
		peers:   make(map[string]Peer),
		rooms:   make(map[string]string),
		members: make(map[string]map[string]struct{}),
		locks:   make(map[string]*roomLock),
	}
}

// LockRoom serializes membership changes of meetingID within this process so
// a store write, the registry binding and the resulting notifications happen
// as one step. The returned func releases the lock.
func (r *Registry) LockRoom(meetingID string) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[meetingID]
	if !ok {
		l = &roomLock{}
		r.locks[meetingID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, meetingID)
		}
		r.locksMu.Unlock()
	}
}

func (r *Registry) Register(p Peer) {
	r.mu.Lock()
	r.peers[p.ID()] = p
	r.mu.Unlock()
}

// Unregister forgets the connection and any room association it had.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	delete(r.peers, connID)
	r.clearRoomLocked(connID)
	r.mu.Unlock()
}

func (r *Registry) Peer(connID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[connID]
	return p, ok
}

// SetRoom binds connID to meetingID, replacing any previous binding.
func (r *Registry) SetRoom(connID, meetingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[connID] == meetingID {
		return
	}
	r.clearRoomLocked(connID)
	r.rooms[connID] = meetingID
	set, ok := r.members[meetingID]
	if !ok {
		set = make(map[string]struct{})
		r.members[meetingID] = set
	}
	set[connID] = struct{}{}
	metrics.RoomMembersActive.Inc()
}

func (r *Registry) Room(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.rooms[connID]
	return id, ok
}

func (r *Registry) ClearRoom(connID string) {
	r.mu.Lock()
	r.clearRoomLocked(connID)
	r.mu.Unlock()
}

func (r *Registry) clearRoomLocked(connID string) {
	meetingID, ok := r.rooms[connID]
	if !ok {
		return
	}
	delete(r.rooms, connID)
	if set, ok := r.members[meetingID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.members, meetingID)
		}
	}
	metrics.RoomMembersActive.Dec()
}

// Members returns the live peers bound to meetingID.
func (r *Registry) Members(meetingID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[meetingID]
	out := make([]Peer, 0, len(set))
	for id := range set {
		if p, ok := r.peers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// SameRoom reports whether both connections are bound to the same room.
func (r *Registry) SameRoom(a, b string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ra, ok := r.rooms[a]
	if !ok {
		return false
	}
	rb, ok := r.rooms[b]
	return ok && ra == rb
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
