// Package bridge keeps a UI-facing store and the engine's module states
// eventually consistent.
//
// Two one-directional syncs exist. SyncFromModules copies module state out to
// the UI store; SyncToModules turns UI edits into actions and dispatches them.
// Both are idempotent, and each direction suppresses re-entrant calls of
// itself: a sync that triggers another sync of the same direction (through a
// subscriber or a store hook) returns immediately.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/ir"
)

// UIStore is the UI-facing side of the bridge. Values are module states in
// JSON form.
type UIStore interface {
	Load(module ir.ModuleName) ([]byte, bool)
	Store(module ir.ModuleName, data []byte) error
}

// Bridge syncs one engine with one UI store.
type Bridge struct {
	engine *engine.Engine
	ui     UIStore
	logger *slog.Logger
	peerID string
	now    func() int64

	toModules   atomic.Bool
	fromModules atomic.Bool

	mu       sync.Mutex
	exported map[ir.ModuleName]string // digest last written to the UI
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithPeerID sets the peer id stamped on actions built from UI edits.
func WithPeerID(id string) Option {
	return func(b *Bridge) {
		b.peerID = id
	}
}

// WithNow sets the timestamp source in milliseconds.
func WithNow(now func() int64) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a Bridge.
func New(e *engine.Engine, ui UIStore, opts ...Option) *Bridge {
	b := &Bridge{
		engine:   e,
		ui:       ui,
		logger:   slog.Default(),
		now:      func() int64 { return time.Now().UnixMilli() },
		exported: make(map[ir.ModuleName]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach subscribes the bridge to every registered module so that each
// commit is copied to the UI store. Returns the unsubscribe function.
func (b *Bridge) Attach() func() {
	return b.engine.Subscribe(b.engine.Modules(), func(ctx context.Context, module ir.ModuleName, _ any, a ir.Action) {
		if err := b.SyncFromModules(ctx); err != nil {
			b.logger.Error("sync to UI failed", "module", module, "action", a.Type, "error", err)
		}
	})
}

// SyncFromModules writes each module's state to the UI store when it changed
// since the last write.
func (b *Bridge) SyncFromModules(ctx context.Context) error {
	if !b.fromModules.CompareAndSwap(false, true) {
		b.logger.Debug("sync from modules already running")
		return nil
	}
	defer b.fromModules.Store(false)

	for _, m := range b.engine.Modules() {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := b.engine.State(m)
		if err != nil {
			// Unregistered since Modules() was read.
			continue
		}
		data, err := ir.MarshalCanonical(state)
		if err != nil {
			return fmt.Errorf("marshal %s state: %w", m, err)
		}
		digest := ir.SnapshotDigest(data)

		b.mu.Lock()
		unchanged := b.exported[m] == digest
		b.mu.Unlock()
		if unchanged {
			continue
		}

		if err := b.ui.Store(m, data); err != nil {
			return fmt.Errorf("store %s state: %w", m, err)
		}
		b.mu.Lock()
		b.exported[m] = digest
		b.mu.Unlock()
		b.logger.Debug("module synced to UI", "module", m, "digest", digest)
	}
	return nil
}

// SyncToModules dispatches an action for every module whose UI copy differs
// from the engine state in the fields the UI may edit. Returns the number of
// actions dispatched.
func (b *Bridge) SyncToModules(ctx context.Context) (int, error) {
	if !b.toModules.CompareAndSwap(false, true) {
		b.logger.Debug("sync to modules already running")
		return 0, nil
	}
	defer b.toModules.Store(false)

	dispatched := 0
	for _, m := range b.engine.Modules() {
		data, ok := b.ui.Load(m)
		if !ok {
			continue
		}
		state, err := b.engine.State(m)
		if err != nil {
			continue
		}

		want, err := editFromJSON(m, data)
		if err != nil {
			return dispatched, fmt.Errorf("read UI %s state: %w", m, err)
		}
		if want == nil {
			continue
		}
		have := editFromState(state)

		wantDigest, err := ir.StateDigest(want)
		if err != nil {
			return dispatched, err
		}
		haveDigest, err := ir.StateDigest(have)
		if err != nil {
			return dispatched, err
		}
		if wantDigest == haveDigest {
			continue
		}

		ts := b.now()
		if m == ir.ModuleCollaboration {
			ts = syncTimestamp(data, ts)
		}
		a := ir.NewAction("", want, ir.SourceLocal, b.peerID, ts)
		if err := b.engine.Dispatch(ctx, a); err != nil {
			return dispatched, fmt.Errorf("apply UI %s state: %w", m, err)
		}
		dispatched++
		b.logger.Debug("UI synced to module", "module", m, "action", a.Type)
	}
	return dispatched, nil
}

// editFromJSON decodes a UI copy of a module state into the action that
// would make the module match it. Modules the UI cannot edit return nil.
func editFromJSON(m ir.ModuleName, data []byte) (ir.Payload, error) {
	switch m {
	case ir.ModuleAltar:
		var s ir.AltarState
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return editFromState(s), nil
	case ir.ModuleUser:
		var s ir.UserState
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return editFromState(s), nil
	case ir.ModuleCollaboration:
		var s ir.CollaborationState
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		if s.RoomID == "" {
			return nil, nil
		}
		return editFromState(s), nil
	case ir.ModuleSteering:
		var s ir.SteeringState
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return editFromState(s), nil
	}
	return nil, nil
}

// editFromState projects a module state onto the UI-editable fields.
func editFromState(state any) ir.Payload {
	switch s := state.(type) {
	case ir.AltarState:
		elements := append([]ir.Placement{}, s.Elements...)
		sort.Slice(elements, func(i, j int) bool { return elements[i].ElementID < elements[j].ElementID })
		dims := s.Dimensions
		return ir.RestoreAltar{Dimensions: &dims, Elements: elements}
	case ir.UserState:
		sound, theme, lang := s.Settings.Sound, s.Settings.Theme, s.Settings.Language
		return ir.UpdateSettings{Sound: &sound, Theme: &theme, Language: &lang}
	case ir.CollaborationState:
		peers := make([]ir.PeerInfo, 0, len(s.Peers))
		for _, p := range s.Peers {
			peers = append(peers, p)
		}
		sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
		return ir.SyncState{RoomID: s.RoomID, Peers: peers, Cursors: s.Cursors}
	case ir.SteeringState:
		return ir.UpdateBehavior{Behavior: s.Behavior, Weight: s.Weight}
	}
	return nil
}

// syncTimestamp stamps a collaboration sync with the UI's own lastSync so
// that an older UI view is recognized as stale.
func syncTimestamp(data []byte, fallback int64) int64 {
	var v struct {
		LastSync int64 `json:"lastSync"`
	}
	if err := json.Unmarshal(data, &v); err != nil || v.LastSync == 0 {
		return fallback
	}
	return v.LastSync
}

// MemoryStore is an in-memory UIStore.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[ir.ModuleName][]byte

	// OnStore, if set, runs after every Store.
	OnStore func(module ir.ModuleName, data []byte)
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[ir.ModuleName][]byte)}
}

// Load returns a copy of the stored state.
func (s *MemoryStore) Load(module ir.ModuleName) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[module]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), d...), true
}

// Store replaces the stored state.
func (s *MemoryStore) Store(module ir.ModuleName, data []byte) error {
	s.mu.Lock()
	s.data[module] = append([]byte(nil), data...)
	hook := s.OnStore
	s.mu.Unlock()

	if hook != nil {
		hook(module, data)
	}
	return nil
}
