package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ofrenda/internal/catalog"
	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/grid"
	"github.com/roach88/ofrenda/internal/ir"
	"github.com/roach88/ofrenda/internal/modules"
	"github.com/roach88/ofrenda/internal/store"
	"github.com/roach88/ofrenda/internal/testutil"
	"github.com/roach88/ofrenda/internal/wire"
)

const testRoom = "room-1"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newSession(tb testing.TB, hub *MemoryHub, peerID string, now func() int64, opts ...Option) (*Session, error) {
	cat := catalog.MustDefault()
	v := cat.Validator()
	e := engine.New(
		engine.WithLogger(discard),
		engine.WithIDGenerator(testutil.NewCountingGenerator(peerID)),
	)
	if err := modules.Register(e, modules.Options{Validator: v, Dimensions: cat.Dimensions}); err != nil {
		return nil, err
	}
	opts = append([]Option{WithLogger(discard), WithNow(now)}, opts...)
	return New(Config{PeerID: peerID, RoomID: testRoom}, e, v, hub.Connect(peerID), opts...)
}

func newPeer(t *testing.T, hub *MemoryHub, peerID string, clock *testutil.ManualClock, opts ...Option) *Session {
	t.Helper()
	s, err := newSession(t, hub, peerID, clock.Now, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// settle flushes and polls until no message is in flight.
func settle(hub *MemoryHub, peers ...*Session) bool {
	for i := 0; i < 100; i++ {
		moved := hub.FlushAll()
		handled := 0
		for _, p := range peers {
			n, _ := p.Poll(context.Background())
			handled += n
		}
		if moved == 0 && handled == 0 {
			return true
		}
	}
	return false
}

func deliver(t *testing.T, hub *MemoryHub, peers ...*Session) {
	t.Helper()
	require.True(t, settle(hub, peers...), "messages still in flight")
}

func altarOf(t *testing.T, s *Session) ir.AltarState {
	t.Helper()
	a, err := s.Altar()
	require.NoError(t, err)
	return a
}

func requireConverged(t *testing.T, peers ...*Session) {
	t.Helper()
	want, err := peers[0].AltarDigest()
	require.NoError(t, err)
	for _, p := range peers[1:] {
		got, err := p.AltarDigest()
		require.NoError(t, err)
		assert.Equal(t, want, got, "%s diverged from %s", p.PeerID(), peers[0].PeerID())
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNew_RequiresIdentity(t *testing.T) {
	hub := NewMemoryHub()
	now := testutil.NewManualClock(1000).Now

	_, err := newSession(t, hub, "  ", now)
	assert.Error(t, err)

	e := engine.New(engine.WithLogger(discard))
	_, err = New(Config{PeerID: "peer1"}, e, catalog.MustDefault().Validator(), hub.Connect("peer1"))
	assert.Error(t, err)
}

func TestPlace_AppliesLocallyAndBroadcasts(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	p1 := newPeer(t, hub, "peer1", clock)
	p2 := newPeer(t, hub, "peer2", clock)

	op, err := p1.Place(context.Background(), "vela", ir.Position{Row: 1, Col: 2})
	require.NoError(t, err)
	assert.Equal(t, "peer1:1000", op.ID)
	assert.Equal(t, "vela-peer1-1000", op.ElementID)

	got := altarOf(t, p1)
	require.Len(t, got.Elements, 1)
	assert.Equal(t, ir.Position{Row: 1, Col: 2}, got.Elements[0].Position)
	assert.Equal(t, 1, hub.Pending("peer2"))
	assert.Empty(t, altarOf(t, p2).Elements)

	deliver(t, hub, p1, p2)
	require.Len(t, altarOf(t, p2).Elements, 1)
	requireConverged(t, p1, p2)

	_, ok := p2.Resolver().Lookup(op.ID)
	assert.True(t, ok, "applied operations enter history")
}

func TestPlace_RejectedByValidator(t *testing.T) {
	hub := NewMemoryHub()
	p1 := newPeer(t, hub, "peer1", testutil.NewManualClock(1000))
	hub.Connect("peer2")

	_, err := p1.Place(context.Background(), "foto", ir.Position{Row: 1, Col: 1})
	require.Error(t, err)
	assert.True(t, IsPlacementError(err))

	var pe *PlacementError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, grid.ViolationRow, pe.Result.Violation)
	assert.NotEmpty(t, pe.Result.Suggestions)

	assert.Empty(t, altarOf(t, p1).Elements)
	assert.Equal(t, 0, hub.Pending("peer2"))
	assert.Equal(t, 0, p1.Resolver().Len())
}

func TestPlace_StampsIncreaseWithinOneMillisecond(t *testing.T) {
	hub := NewMemoryHub()
	p1 := newPeer(t, hub, "peer1", testutil.NewManualClock(1000))

	a, err := p1.Place(context.Background(), "vela", ir.Position{Row: 0, Col: 0})
	require.NoError(t, err)
	b, err := p1.Place(context.Background(), "vela", ir.Position{Row: 0, Col: 1})
	require.NoError(t, err)

	assert.Equal(t, int64(1000), a.Timestamp)
	assert.Equal(t, int64(1001), b.Timestamp)
	assert.NotEqual(t, a.ElementID, b.ElementID)
}

func TestRemove(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	p1 := newPeer(t, hub, "peer1", clock)
	p2 := newPeer(t, hub, "peer2", clock)
	ctx := context.Background()

	_, err := p1.Remove(ctx, "nope")
	assert.True(t, errors.Is(err, ErrUnknownElement))

	placed, err := p1.Place(ctx, "flor", ir.Position{Row: 2, Col: 0})
	require.NoError(t, err)
	deliver(t, hub, p1, p2)

	clock.Advance(5 * time.Second)
	removed, err := p2.Remove(ctx, placed.ElementID)
	require.NoError(t, err)
	assert.Equal(t, ir.OpRemove, removed.Type)
	assert.Equal(t, ir.Position{Row: 2, Col: 0}, *removed.Position)

	deliver(t, hub, p1, p2)
	assert.Empty(t, altarOf(t, p1).Elements)
	requireConverged(t, p1, p2)
}

func TestMove(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	p1 := newPeer(t, hub, "peer1", clock)
	p2 := newPeer(t, hub, "peer2", clock)
	ctx := context.Background()

	placed, err := p1.Place(ctx, "calavera", ir.Position{Row: 1, Col: 1})
	require.NoError(t, err)
	deliver(t, hub, p1, p2)

	clock.Advance(2 * time.Second)
	moved, err := p1.Move(ctx, placed.ElementID, ir.Position{Row: 2, Col: 4})
	require.NoError(t, err)
	assert.Equal(t, ir.OpMove, moved.Type)
	assert.Equal(t, ir.Position{Row: 1, Col: 1}, *moved.PreviousPosition)

	deliver(t, hub, p1, p2)
	got := altarOf(t, p2)
	require.Len(t, got.Elements, 1)
	assert.Equal(t, ir.Position{Row: 2, Col: 4}, got.Elements[0].Position)
	requireConverged(t, p1, p2)

	// Moves obey the same rules as placements.
	_, err = p1.Move(ctx, placed.ElementID, ir.Position{Row: 9, Col: 9})
	assert.True(t, IsPlacementError(err))
}

func TestApply_IgnoresDuplicatesAndEchoes(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	p1 := newPeer(t, hub, "peer1", clock)
	p2 := newPeer(t, hub, "peer2", clock)
	ctx := context.Background()

	op, err := p1.Place(ctx, "pan", ir.Position{Row: 2, Col: 2})
	require.NoError(t, err)

	res, err := p2.Apply(ctx, op)
	require.NoError(t, err)
	assert.True(t, res.ShouldApply)

	res, err = p2.Apply(ctx, op)
	require.NoError(t, err)
	assert.False(t, res.ShouldApply)
	assert.Len(t, altarOf(t, p2).Elements, 1)

	// An echo of our own operation changes nothing.
	_, err = p1.Apply(ctx, op)
	require.NoError(t, err)
	assert.Len(t, altarOf(t, p1).Elements, 1)
}

func TestApply_InvalidOperation(t *testing.T) {
	hub := NewMemoryHub()
	p1 := newPeer(t, hub, "peer1", testutil.NewManualClock(1000))

	op := ir.NewOperation(ir.OpPlace, "peer2", 1000)
	op.ElementID = "x"
	op.ElementType = "vela"

	_, err := p1.Apply(context.Background(), op)
	var ie *InvalidOperationError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, op.ID, ie.ID)
	require.Len(t, ie.Errors, 1)
	assert.Equal(t, "position", ie.Errors[0].Field)
	assert.Empty(t, altarOf(t, p1).Elements)
}

func TestApply_RemoveOfAbsentElementIsNoop(t *testing.T) {
	hub := NewMemoryHub()
	p1 := newPeer(t, hub, "peer1", testutil.NewManualClock(1000))

	op := ir.NewOperation(ir.OpRemove, "peer2", 1000)
	op.ElementID = "ghost"
	op.Position = &ir.Position{Row: 0, Col: 0}

	res, err := p1.Apply(context.Background(), op)
	require.NoError(t, err)
	assert.True(t, res.ShouldApply)
	assert.Empty(t, altarOf(t, p1).Elements)
}

func TestApply_ObservesRemoteClock(t *testing.T) {
	hub := NewMemoryHub()
	p1 := newPeer(t, hub, "peer1", testutil.NewManualClock(1000))
	ctx := context.Background()

	op := ir.NewOperation(ir.OpPlace, "peer2", 5000)
	op.ElementID = "vela-peer2-5000"
	op.ElementType = "vela"
	op.Position = &ir.Position{Row: 0, Col: 0}
	_, err := p1.Apply(ctx, op)
	require.NoError(t, err)

	next, err := p1.Place(ctx, "vela", ir.Position{Row: 0, Col: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5001), next.Timestamp, "a causally later edit carries the larger timestamp")
}

func TestConcurrentPlace_TieRelocatesAndConverges(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	p1 := newPeer(t, hub, "peer1", clock)
	p2 := newPeer(t, hub, "peer2", clock)
	ctx := context.Background()

	cell := ir.Position{Row: 1, Col: 2}
	_, err := p1.Place(ctx, "vela", cell)
	require.NoError(t, err)
	_, err = p2.Place(ctx, "vela", cell)
	require.NoError(t, err)

	deliver(t, hub, p1, p2)
	requireConverged(t, p1, p2)

	got := altarOf(t, p1)
	require.Len(t, got.Elements, 2)
	byID := map[string]ir.Position{}
	for _, e := range got.Elements {
		byID[e.ElementID] = e.Position
	}
	// peer2 wins the tie; peer1's vela moves to the first free cell of the
	// surrounding ring.
	assert.Equal(t, cell, byID["vela-peer2-1000"])
	assert.Equal(t, ir.Position{Row: 0, Col: 1}, byID["vela-peer1-1000"])
}

// peer2 places again after the tie and before peer1's vela reaches it. The
// relocation both peers compute for peer1's vela ignores that later edit, so
// the relocated vela loses its new cell to the flor on both peers.
func TestConcurrentPlace_TieRelocationIgnoresLaterEdits(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	p1 := newPeer(t, hub, "peer1", clock)
	p2 := newPeer(t, hub, "peer2", clock)
	ctx := context.Background()

	cell := ir.Position{Row: 1, Col: 2}
	_, err := p1.Place(ctx, "vela", cell)
	require.NoError(t, err)
	_, err = p2.Place(ctx, "vela", cell)
	require.NoError(t, err)
	clock.Advance(100 * time.Millisecond)
	_, err = p2.Place(ctx, "flor", ir.Position{Row: 0, Col: 1})
	require.NoError(t, err)

	deliver(t, hub, p1, p2)
	requireConverged(t, p1, p2)

	byID := map[string]ir.Position{}
	for _, e := range altarOf(t, p1).Elements {
		byID[e.ElementID] = e.Position
	}
	assert.Equal(t, map[string]ir.Position{
		"vela-peer2-1000": cell,
		"flor-peer2-1100": {Row: 0, Col: 1},
	}, byID)
}

func TestConcurrentPlace_LaterWinsAndIsJournaled(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	st := openStore(t)
	p1 := newPeer(t, hub, "peer1", clock, WithJournal(st))
	p2 := newPeer(t, hub, "peer2", clock, WithJournal(st))
	ctx := context.Background()

	cell := ir.Position{Row: 1, Col: 1}
	_, err := p1.Place(ctx, "vela", cell)
	require.NoError(t, err)
	clock.Advance(5 * time.Millisecond)
	_, err = p2.Place(ctx, "flor", cell)
	require.NoError(t, err)

	deliver(t, hub, p1, p2)
	requireConverged(t, p1, p2)

	got := altarOf(t, p1)
	require.Len(t, got.Elements, 1)
	assert.Equal(t, "flor-peer2-1005", got.Elements[0].ElementID)

	stats, err := st.OperationStats(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Replicas)
	assert.Equal(t, map[string]int{
		store.OutcomeLocal:     1,
		store.OutcomeDisplaced: 1,
		store.OutcomeApplied:   1,
		store.OutcomeRejected:  1,
	}, stats.ByOutcome)
}

func TestJoinAndCursor(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	p1 := newPeer(t, hub, "peer1", clock, WithCursorLimit(20, 1))
	p2 := newPeer(t, hub, "peer2", clock)
	ctx := context.Background()

	require.NoError(t, p1.Join(ctx, "Ana"))
	require.NoError(t, p2.Join(ctx, "Beto"))
	deliver(t, hub, p1, p2)

	for _, p := range []*Session{p1, p2} {
		collab, err := engine.StateAs[ir.CollaborationState](p.Engine().State(ir.ModuleCollaboration))
		require.NoError(t, err)
		assert.Len(t, collab.Peers, 2)
		assert.Equal(t, "Ana", collab.Peers["peer1"].DisplayName)
	}

	sent, err := p1.BroadcastCursor(ctx, ir.Position{Row: 0, Col: 3})
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = p1.BroadcastCursor(ctx, ir.Position{Row: 0, Col: 4})
	require.NoError(t, err)
	assert.False(t, sent, "second cursor in the same instant is throttled")

	clock.Advance(100 * time.Millisecond)
	sent, err = p1.BroadcastCursor(ctx, ir.Position{Row: 1, Col: 4})
	require.NoError(t, err)
	assert.True(t, sent)

	deliver(t, hub, p1, p2)
	collab, err := engine.StateAs[ir.CollaborationState](p2.Engine().State(ir.ModuleCollaboration))
	require.NoError(t, err)
	assert.Equal(t, ir.Position{Row: 1, Col: 4}, collab.Cursors["peer1"])

	require.NoError(t, p1.Leave(ctx))
	deliver(t, hub, p1, p2)
	collab, err = engine.StateAs[ir.CollaborationState](p2.Engine().State(ir.ModuleCollaboration))
	require.NoError(t, err)
	assert.NotContains(t, collab.Peers, "peer1")
	assert.NotContains(t, collab.Cursors, "peer1")
}

func TestHandle(t *testing.T) {
	hub := NewMemoryHub()
	p1 := newPeer(t, hub, "peer1", testutil.NewManualClock(1000))
	ctx := context.Background()

	t.Run("rejects altar actions", func(t *testing.T) {
		a := ir.NewAction("a-1", ir.PlaceElement{ElementID: "x", ElementType: "vela", Position: &ir.Position{}},
			ir.SourceRemote, "peer2", 1000)
		data, err := wire.Encode(wire.ActionEnvelope(testRoom, a))
		require.NoError(t, err)

		err = p1.Handle(ctx, data)
		assert.True(t, errors.Is(err, ErrAltarAction))
		assert.Empty(t, altarOf(t, p1).Elements)
	})

	t.Run("ignores other rooms", func(t *testing.T) {
		op := ir.NewOperation(ir.OpPlace, "peer2", 1000)
		op.ElementID = "x"
		op.ElementType = "vela"
		op.Position = &ir.Position{Row: 0, Col: 0}
		data, err := wire.Encode(wire.OperationEnvelope("room-2", op))
		require.NoError(t, err)

		require.NoError(t, p1.Handle(ctx, data))
		assert.Empty(t, altarOf(t, p1).Elements)
	})

	t.Run("surfaces decode errors", func(t *testing.T) {
		err := p1.Handle(ctx, []byte(`{"kind":"chat"}`))
		assert.True(t, errors.Is(err, wire.ErrInvalid))
	})

	t.Run("cursor from unknown peer is tolerated", func(t *testing.T) {
		data, err := wire.Encode(wire.CursorEnvelope(testRoom, "stranger", ir.Position{Row: 0, Col: 0}))
		require.NoError(t, err)
		assert.NoError(t, p1.Handle(ctx, data))
	})
}

func TestJournal_ActionsAndSnapshots(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	st := openStore(t)
	ctx := context.Background()

	p1 := newPeer(t, hub, "peer1", clock, WithJournal(st), WithSnapshotEvery(2))
	require.NoError(t, p1.Join(ctx, "Ana"))
	_, err := p1.Place(ctx, "agua", ir.Position{Row: 2, Col: 3})
	require.NoError(t, err)

	actions, err := st.ReadActions(ctx, testRoom, "peer1")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, ir.ActionJoinRoom, actions[0].Action.Type)
	assert.Equal(t, ir.ActionPlaceElement, actions[1].Action.Type)
	assert.Equal(t, ir.ModuleAltar, actions[1].Module)

	snap, err := st.ReadLatestSnapshot(ctx, "peer1", ir.ModuleAltar)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Seq)
	var altar ir.AltarState
	require.NoError(t, json.Unmarshal(snap.State, &altar))
	require.Len(t, altar.Elements, 1)
	assert.Equal(t, "agua", altar.Elements[0].ElementType)

	ops, err := st.ReadOperations(ctx, testRoom)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OutcomeLocal, ops[0].Outcome)
	assert.Equal(t, ir.SourceLocal, ops[0].Origin)

	// A new session for the same replica continues the sequence.
	p1.Close()
	again := newPeer(t, NewMemoryHub(), "peer1", clock, WithJournal(st))
	require.NoError(t, again.Join(ctx, "Ana"))
	last, err := st.LastActionSeq(ctx, "peer1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	require.NoError(t, again.Snapshot(ctx))
	snap, err = st.ReadLatestSnapshot(ctx, "peer1", ir.ModuleCollaboration)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Seq)
}

func TestCleanupHistory(t *testing.T) {
	hub := NewMemoryHub()
	clock := testutil.NewManualClock(1000)
	p1 := newPeer(t, hub, "peer1", clock, WithCleanup(time.Minute, 5*time.Second))

	_, err := p1.Place(context.Background(), "vela", ir.Position{Row: 0, Col: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, p1.CleanupHistory())

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, p1.CleanupHistory())
	assert.Equal(t, 0, p1.Resolver().Len())
	assert.Len(t, altarOf(t, p1).Elements, 1, "cleanup never touches module state")
}

func TestRun_ConsumesInboxUntilCancelled(t *testing.T) {
	hub := NewMemoryHub(WithAutoFlush())
	clock := testutil.NewManualClock(1000)
	p1 := newPeer(t, hub, "peer1", clock)
	p2 := newPeer(t, hub, "peer2", clock, WithCleanup(time.Millisecond, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p2.Run(ctx) }()

	_, err := p1.Place(context.Background(), "cruz", ir.Position{Row: 1, Col: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := p2.Altar()
		return err == nil && len(a.Elements) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_StopsOnDisconnect(t *testing.T) {
	hub := NewMemoryHub()
	p1 := newPeer(t, hub, "peer1", testutil.NewManualClock(1000))

	done := make(chan error, 1)
	go func() { done <- p1.Run(context.Background()) }()
	hub.Disconnect("peer1")

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrDisconnected))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after disconnect")
	}
}

// Peers that place and remove concurrently, with arbitrary delivery
// interleavings, end with identical altars once every message is delivered.
func TestConvergenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	types := []string{"vela", "flor"}

	properties.Property("peers converge after full delivery", prop.ForAll(
		func(steps []int) bool {
			hub := NewMemoryHub()
			// A shared stepping clock gives every edit a distinct timestamp.
			clock := testutil.NewSteppingClock(1000, time.Millisecond)
			var peers []*Session
			for _, id := range []string{"peer1", "peer2"} {
				s, err := newSession(t, hub, id, clock.Now)
				if err != nil {
					return false
				}
				defer s.Close()
				peers = append(peers, s)
			}
			ctx := context.Background()

			for _, v := range steps {
				p := peers[(v/4)%2]
				switch v % 4 {
				case 0, 1:
					pos := ir.Position{Row: (v / 8) % 3, Col: (v / 24) % 5}
					_, _ = p.Place(ctx, types[(v/120)%2], pos)
				case 2:
					altar, err := p.Altar()
					if err != nil {
						return false
					}
					if n := len(altar.Elements); n > 0 {
						_, _ = p.Remove(ctx, altar.Elements[(v/8)%n].ElementID)
					}
				case 3:
					hub.Flush(p.PeerID())
					if _, err := p.Poll(ctx); err != nil {
						return false
					}
				}
			}

			if !settle(hub, peers...) {
				return false
			}
			a, err := peers[0].AltarDigest()
			if err != nil {
				return false
			}
			b, err := peers[1].AltarDigest()
			return err == nil && a == b
		},
		gen.SliceOfN(24, gen.IntRange(0, 2399)),
	))

	properties.Property("redelivery is idempotent", prop.ForAll(
		func(row, col int) bool {
			hub := NewMemoryHub()
			clock := testutil.NewManualClock(1000)
			p1, err := newSession(t, hub, "peer1", clock.Now)
			if err != nil {
				return false
			}
			defer p1.Close()
			p2, err := newSession(t, hub, "peer2", clock.Now)
			if err != nil {
				return false
			}
			defer p2.Close()

			op, err := p1.Place(context.Background(), "vela", ir.Position{Row: row, Col: col})
			if err != nil {
				return false
			}
			for i := 0; i < 3; i++ {
				if _, err := p2.Apply(context.Background(), op); err != nil {
					return false
				}
			}
			a, _ := p1.AltarDigest()
			b, _ := p2.AltarDigest()
			return a == b
		},
		gen.IntRange(0, 2),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
