// Package room tracks rooms and their participants.
//
// The directory assigns room ids, enforces a participant limit, and elects a
// host. Peer ids are compared in NFC form, the same order the conflict
// resolver uses for its tie-break.
package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/ofrenda/internal/ir"
)

// DefaultMaxParticipants is the participant limit when none is configured.
const DefaultMaxParticipants = 8

var (
	// ErrRoomNotFound is returned for operations on an unknown room.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomFull is returned when a join would exceed the participant limit.
	ErrRoomFull = errors.New("room is full")

	// ErrNotParticipant is returned when leaving a room the peer is not in.
	ErrNotParticipant = errors.New("peer is not in the room")
)

// Participant is a peer in a room.
type Participant struct {
	PeerID   string `json:"peerId"`
	JoinedAt int64  `json:"joinedAt"`
}

type roomState struct {
	id           string
	createdAt    int64
	participants map[string]Participant
}

// Directory is a concurrency-safe registry of rooms.
type Directory struct {
	mu    sync.RWMutex
	rooms map[string]*roomState

	max    int
	now    func() int64
	logger *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithMaxParticipants sets the per-room participant limit.
func WithMaxParticipants(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.max = n
		}
	}
}

// WithNow sets the join timestamp source in milliseconds.
func WithNow(now func() int64) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDirectory creates an empty Directory.
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		rooms:  make(map[string]*roomState),
		max:    DefaultMaxParticipants,
		now:    func() int64 { return time.Now().UnixMilli() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MaxParticipants returns the per-room participant limit.
func (d *Directory) MaxParticipants() int {
	return d.max
}

// CreateRoom registers a new room with a time-ordered UUIDv7 id.
func (d *Directory) CreateRoom() string {
	id := uuid.Must(uuid.NewV7()).String()
	d.ensure(id)
	return id
}

// EnsureRoom registers id if it is not known yet. Returns false if the room
// already existed.
func (d *Directory) EnsureRoom(id string) bool {
	return d.ensure(id)
}

func (d *Directory) ensure(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rooms[id]; ok {
		return false
	}
	d.rooms[id] = &roomState{id: id, createdAt: d.now(), participants: make(map[string]Participant)}
	d.logger.Debug("room created", "room", id)
	return true
}

// Join adds peer to room. Joining twice is a no-op that returns the original
// participant record.
func (d *Directory) Join(roomID, peerID string) (Participant, error) {
	peer := ir.NormalizePeerID(peerID)
	if peer == "" {
		return Participant{}, fmt.Errorf("join %s: peer id is required", roomID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return Participant{}, fmt.Errorf("join %s: %w", roomID, ErrRoomNotFound)
	}
	if p, ok := r.participants[peer]; ok {
		return p, nil
	}
	if len(r.participants) >= d.max {
		return Participant{}, fmt.Errorf("join %s: %w (limit %d)", roomID, ErrRoomFull, d.max)
	}

	p := Participant{PeerID: peer, JoinedAt: d.now()}
	r.participants[peer] = p
	d.logger.Info("peer joined", "room", roomID, "peer", peer, "participants", len(r.participants))
	return p, nil
}

// Leave removes peer from room. A room is dropped when its last participant
// leaves.
func (d *Directory) Leave(roomID, peerID string) error {
	peer := ir.NormalizePeerID(peerID)

	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return fmt.Errorf("leave %s: %w", roomID, ErrRoomNotFound)
	}
	if _, ok := r.participants[peer]; !ok {
		return fmt.Errorf("leave %s: %s: %w", roomID, peer, ErrNotParticipant)
	}
	delete(r.participants, peer)
	d.logger.Info("peer left", "room", roomID, "peer", peer, "participants", len(r.participants))

	if len(r.participants) == 0 {
		delete(d.rooms, roomID)
		d.logger.Debug("room closed", "room", roomID)
	}
	return nil
}

// Participants returns the room's participants in join order. Peers that
// joined at the same instant are ordered by ComparePeers.
func (d *Directory) Participants(roomID string) ([]Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("participants %s: %w", roomID, ErrRoomNotFound)
	}
	return ordered(r), nil
}

// Host returns the earliest joiner still in the room.
func (d *Directory) Host(roomID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok || len(r.participants) == 0 {
		return "", false
	}
	return ordered(r)[0].PeerID, true
}

// IsHost reports whether peer is the room's host.
func (d *Directory) IsHost(roomID, peerID string) bool {
	host, ok := d.Host(roomID)
	return ok && host == ir.NormalizePeerID(peerID)
}

// Count returns the number of participants, 0 for unknown rooms.
func (d *Directory) Count(roomID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if r, ok := d.rooms[roomID]; ok {
		return len(r.participants)
	}
	return 0
}

// Rooms returns the known room ids in sorted order.
func (d *Directory) Rooms() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.rooms))
	for id := range d.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ComparePeers is the total order on peer ids shared by every peer.
// Returns -1, 0 or 1.
func ComparePeers(a, b string) int {
	return ir.ComparePeerIDs(a, b)
}

func ordered(r *roomState) []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return ComparePeers(out[i].PeerID, out[j].PeerID) < 0
	})
	return out
}
