package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Transport carries encoded envelopes between the peers of a room.
type Transport interface {
	// Broadcast sends data to every other connected peer.
	Broadcast(ctx context.Context, data []byte) error
	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	// TryReceive returns the next delivered message without blocking.
	TryReceive() ([]byte, bool)
}

// ErrInboxFull is returned when a recipient's inbox cannot take another
// message.
var ErrInboxFull = errors.New("inbox full")

// ErrDisconnected is returned by a transport whose peer left the hub.
var ErrDisconnected = errors.New("peer disconnected")

// DefaultInboxSize bounds each peer's delivered-but-unread messages.
const DefaultInboxSize = 256

// MemoryHub connects in-process peers. Delivery between any two peers is
// FIFO.
//
// With automatic flush a broadcast lands in the recipients' inboxes at once.
// With manual flush it waits in a per-recipient pending queue until Flush,
// which lets tests and simulations choose when each peer sees what.
type MemoryHub struct {
	mu        sync.Mutex
	peers     map[string]*MemoryTransport
	auto      bool
	inboxSize int
	logger    *slog.Logger
}

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithAutoFlush delivers broadcasts immediately.
func WithAutoFlush() HubOption {
	return func(h *MemoryHub) { h.auto = true }
}

// WithInboxSize sets the per-peer inbox capacity.
func WithInboxSize(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.inboxSize = n
		}
	}
}

// WithHubLogger sets the logger. Default: slog.Default().
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *MemoryHub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		peers:     make(map[string]*MemoryTransport),
		inboxSize: DefaultInboxSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect returns the transport for peerID, creating it on first use.
func (h *MemoryHub) Connect(peerID string) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.peers[peerID]; ok {
		return t
	}
	t := &MemoryTransport{
		hub:   h,
		id:    peerID,
		inbox: make(chan []byte, h.inboxSize),
		done:  make(chan struct{}),
	}
	h.peers[peerID] = t
	return t
}

// Disconnect removes peerID. Its pending messages are dropped and blocked
// receivers return ErrDisconnected.
func (h *MemoryHub) Disconnect(peerID string) {
	h.mu.Lock()
	t, ok := h.peers[peerID]
	delete(h.peers, peerID)
	h.mu.Unlock()
	if ok {
		t.closeOnce.Do(func() { close(t.done) })
	}
}

// Peers returns the connected peer ids, sorted.
func (h *MemoryHub) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Pending returns how many messages wait for peerID's next Flush.
func (h *MemoryHub) Pending(peerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.peers[peerID]; ok {
		return len(t.pending)
	}
	return 0
}

// Flush moves peerID's pending messages into its inbox and returns how many
// moved. Messages that do not fit stay pending.
func (h *MemoryHub) Flush(peerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.peers[peerID]
	if !ok {
		return 0
	}
	moved := 0
	for _, msg := range t.pending {
		select {
		case t.inbox <- msg:
			moved++
		default:
			h.logger.Warn("inbox full during flush", "peer", peerID, "left", len(t.pending)-moved)
			t.pending = t.pending[moved:]
			return moved
		}
	}
	t.pending = nil
	return moved
}

// FlushAll flushes every peer and returns the total moved.
func (h *MemoryHub) FlushAll() int {
	n := 0
	for _, id := range h.Peers() {
		n += h.Flush(id)
	}
	return n
}

func (h *MemoryHub) broadcast(from string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for id, t := range h.peers {
		if id == from {
			continue
		}
		msg := append([]byte(nil), data...)
		if !h.auto {
			t.pending = append(t.pending, msg)
			continue
		}
		select {
		case t.inbox <- msg:
		default:
			errs = append(errs, fmt.Errorf("deliver to %s: %w", id, ErrInboxFull))
		}
	}
	return errors.Join(errs...)
}

// MemoryTransport is one peer's end of a MemoryHub.
type MemoryTransport struct {
	hub       *MemoryHub
	id        string
	inbox     chan []byte
	pending   [][]byte // guarded by hub.mu
	done      chan struct{}
	closeOnce sync.Once
}

// Broadcast sends data to every other peer on the hub.
func (t *MemoryTransport) Broadcast(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrDisconnected
	default:
	}
	return t.hub.broadcast(t.id, data)
}

// Receive blocks for the next message.
func (t *MemoryTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive returns the next delivered message, if any.
func (t *MemoryTransport) TryReceive() ([]byte, bool) {
	select {
	case msg := <-t.inbox:
		return msg, true
	default:
		return nil, false
	}
}
