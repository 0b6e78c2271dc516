// Package session connects one peer's engine to the rest of its room.
//
// A Session owns the local edit path (validate, stamp, record, dispatch,
// journal, broadcast) and the remote path (decode, transform against the
// resolver history, dispatch, journal). Altar edits travel between peers as
// operations. Presence travels as cursor envelopes and collaboration actions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/grid"
	"github.com/roach88/ofrenda/internal/ir"
	"github.com/roach88/ofrenda/internal/ot"
	"github.com/roach88/ofrenda/internal/store"
	"github.com/roach88/ofrenda/internal/wire"
)

var (
	// ErrUnknownElement is returned when an edit names an element that is not
	// on the altar.
	ErrUnknownElement = errors.New("element not on the altar")
	// ErrAltarAction is returned for altar actions received as plain actions.
	// Altar edits must arrive as operations so they pass the resolver.
	ErrAltarAction = errors.New("altar actions must travel as operations")
)

// PlacementError reports a local edit refused by the grid validator.
type PlacementError struct {
	ElementType string
	Position    ir.Position
	Result      grid.Result
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("cannot place %s at %s: %s", e.ElementType, e.Position, e.Result.Reason)
}

// InvalidOperationError reports a structurally invalid operation.
type InvalidOperationError struct {
	ID     string
	Errors []ir.ValidationError
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %q: %v", e.ID, e.Errors)
}

// IsPlacementError reports whether err is a validator refusal.
func IsPlacementError(err error) bool {
	var pe *PlacementError
	return errors.As(err, &pe)
}

// Config identifies a session.
type Config struct {
	PeerID string
	RoomID string
	// Resolver tunes conflict detection. Zero fields take defaults.
	Resolver ot.Config
	// Dimensions bound relocation. Zero means the altar's own dimensions.
	Dimensions ir.Dimensions
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJournal records operations, committed actions and periodic snapshots.
func WithJournal(st *store.Store) Option {
	return func(s *Session) { s.journal = st }
}

// WithNow replaces the wall clock, in Unix milliseconds.
func WithNow(now func() int64) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCursorLimit allows perSecond cursor broadcasts with the given burst.
// A rate of zero or less disables throttling.
func WithCursorLimit(perSecond float64, burst int) Option {
	return func(s *Session) {
		if burst < 1 {
			burst = 1
		}
		limit := rate.Inf
		if perSecond > 0 {
			limit = rate.Limit(perSecond)
		}
		s.cursors = rate.NewLimiter(limit, burst)
	}
}

// WithSnapshotEvery writes a snapshot of every module after each n journaled
// actions. Zero disables periodic snapshots.
func WithSnapshotEvery(n int) Option {
	return func(s *Session) { s.snapshotEvery = n }
}

// WithCleanup makes Run drop history older than retain every interval.
func WithCleanup(interval, retain time.Duration) Option {
	return func(s *Session) {
		s.cleanupEvery = interval
		s.retain = retain
	}
}

// WithResolverMetrics reports transform outcomes.
func WithResolverMetrics(m ot.Metrics) Option {
	return func(s *Session) { s.resolverMetrics = m }
}

// Session is one peer's view of a room.
//
// Edits are serialized: Place, Remove, Move and Apply never interleave.
// BroadcastCursor and the read accessors are safe from any goroutine.
type Session struct {
	peerID string
	roomID string

	engine    *engine.Engine
	validator *grid.Validator
	resolver  *ot.Resolver
	transport Transport
	journal   *store.Store
	clock     *engine.Clock
	cursors   *rate.Limiter
	now       func() int64
	logger    *slog.Logger

	resolverMetrics ot.Metrics
	snapshotEvery   int
	cleanupEvery    time.Duration
	retain          time.Duration

	mu          sync.Mutex
	seq         atomic.Int64
	unsubscribe func()
}

// New creates a session for cfg.PeerID in cfg.RoomID on top of e, which must
// already have the altar and collaboration modules registered.
func New(cfg Config, e *engine.Engine, v *grid.Validator, t Transport, opts ...Option) (*Session, error) {
	peerID := ir.NormalizePeerID(cfg.PeerID)
	if peerID == "" {
		return nil, errors.New("session: peer id is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("session: room id is required")
	}
	if e == nil || v == nil || t == nil {
		return nil, errors.New("session: engine, validator and transport are required")
	}

	s := &Session{
		peerID:    peerID,
		roomID:    cfg.RoomID,
		engine:    e,
		validator: v,
		transport: t,
		clock:     engine.NewClock(),
		cursors:   rate.NewLimiter(rate.Inf, 1),
		now:       func() int64 { return time.Now().UnixMilli() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("peer", s.peerID, "room", s.roomID)

	altar, err := s.Altar()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	dims := cfg.Dimensions
	if dims.Rows <= 0 || dims.Cols <= 0 {
		dims = altar.Dimensions
	}

	ropts := []ot.Option{
		ot.WithValidator(v),
		ot.WithDimensions(dims),
		ot.WithPlacements(s.placements),
		ot.WithLogger(s.logger),
	}
	if s.resolverMetrics != nil {
		ropts = append(ropts, ot.WithMetrics(s.resolverMetrics))
	}
	s.resolver = ot.New(cfg.Resolver, ropts...)

	if s.journal != nil {
		last, err := s.journal.LastActionSeq(context.Background(), s.peerID)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		s.seq.Store(last)
		s.unsubscribe = e.Subscribe(e.Modules(), s.journalAction)
	}
	return s, nil
}

// Close stops journaling. It does not close the engine or the transport.
func (s *Session) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// PeerID returns the normalized peer id.
func (s *Session) PeerID() string { return s.peerID }

// RoomID returns the room id.
func (s *Session) RoomID() string { return s.roomID }

// Engine returns the engine the session dispatches into.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Resolver returns the session's conflict resolver.
func (s *Session) Resolver() *ot.Resolver { return s.resolver }

// Altar returns a copy of the current altar state.
func (s *Session) Altar() (ir.AltarState, error) {
	return engine.StateAs[ir.AltarState](s.engine.State(ir.ModuleAltar))
}

// AltarDigest hashes the altar's elements in id order. Two peers that
// converged have equal digests regardless of the order edits arrived in.
func (s *Session) AltarDigest() (string, error) {
	altar, err := s.Altar()
	if err != nil {
		return "", err
	}
	elements := append([]ir.Placement(nil), altar.Elements...)
	sort.Slice(elements, func(i, j int) bool { return elements[i].ElementID < elements[j].ElementID })
	return ir.StateDigest(elements)
}

func (s *Session) placements() []ir.Placement {
	altar, err := s.Altar()
	if err != nil {
		s.logger.Warn("read altar for relocation", "error", err)
		return nil
	}
	return altar.Elements
}

// Join announces this peer in the room.
func (s *Session) Join(ctx context.Context, displayName string) error {
	ts := s.clock.Tick(s.now())
	a := ir.NewAction(fmt.Sprintf("join:%s:%d", s.peerID, ts),
		ir.JoinRoom{RoomID: s.roomID, PeerID: s.peerID, DisplayName: displayName}, ir.SourceLocal, s.peerID, ts)
	if err := s.engine.Dispatch(ctx, a); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	return s.send(ctx, wire.ActionEnvelope(s.roomID, a))
}

// Leave announces that this peer left the room.
func (s *Session) Leave(ctx context.Context) error {
	ts := s.clock.Tick(s.now())
	a := ir.NewAction(fmt.Sprintf("leave:%s:%d", s.peerID, ts), ir.LeaveRoom{PeerID: s.peerID}, ir.SourceLocal, s.peerID, ts)
	if err := s.engine.Dispatch(ctx, a); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	return s.send(ctx, wire.ActionEnvelope(s.roomID, a))
}

// Place puts a new element of elementType at pos and shares it with the room.
// The returned operation carries the generated element id.
//
// The edit stays applied locally even when the broadcast fails.
func (s *Session) Place(ctx context.Context, elementType string, pos ir.Position) (ir.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	altar, err := s.Altar()
	if err != nil {
		return ir.Operation{}, err
	}
	if res := s.validator.Validate(elementType, pos, altar.Elements, altar.Dimensions); !res.IsValid {
		return ir.Operation{}, &PlacementError{ElementType: elementType, Position: pos, Result: res}
	}

	ts := s.clock.Tick(s.now())
	op := ir.NewOperation(ir.OpPlace, s.peerID, ts)
	op.ElementID = fmt.Sprintf("%s-%s-%d", elementType, s.peerID, ts)
	op.ElementType = elementType
	op.Position = pos.Ptr()

	a, _ := ot.OperationToAction(op)
	a.Source = ir.SourceLocal
	return op, s.commitLocal(ctx, op, a)
}

// Remove takes elementID off the altar and shares the removal.
func (s *Session) Remove(ctx context.Context, elementID string) (ir.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, err := s.element(elementID)
	if err != nil {
		return ir.Operation{}, err
	}

	op := ir.NewOperation(ir.OpRemove, s.peerID, s.clock.Tick(s.now()))
	op.ElementID = el.ElementID
	op.ElementType = el.ElementType
	op.Position = el.Position.Ptr()

	a, _ := ot.OperationToAction(op)
	a.Source = ir.SourceLocal
	return op, s.commitLocal(ctx, op, a)
}

// Move relocates elementID to pos. Locally it is a removal followed by a
// placement; peers receive it as one move operation.
func (s *Session) Move(ctx context.Context, elementID string, to ir.Position) (ir.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, err := s.element(elementID)
	if err != nil {
		return ir.Operation{}, err
	}
	altar, err := s.Altar()
	if err != nil {
		return ir.Operation{}, err
	}
	others := make([]ir.Placement, 0, len(altar.Elements))
	for _, p := range altar.Elements {
		if p.ElementID != elementID {
			others = append(others, p)
		}
	}
	if res := s.validator.Validate(el.ElementType, to, others, altar.Dimensions); !res.IsValid {
		return ir.Operation{}, &PlacementError{ElementType: el.ElementType, Position: to, Result: res}
	}

	op := ir.NewOperation(ir.OpMove, s.peerID, s.clock.Tick(s.now()))
	op.ElementID = el.ElementID
	op.ElementType = el.ElementType
	op.Position = to.Ptr()
	op.PreviousPosition = el.Position.Ptr()

	from, place := moveActions(op, el.Position, ir.SourceLocal)
	return op, s.commitLocal(ctx, op, from, place)
}

func (s *Session) element(id string) (ir.Placement, error) {
	altar, err := s.Altar()
	if err != nil {
		return ir.Placement{}, err
	}
	i := altar.Find(id)
	if i < 0 {
		return ir.Placement{}, fmt.Errorf("%s: %w", id, ErrUnknownElement)
	}
	return altar.Elements[i], nil
}

func moveActions(op ir.Operation, from ir.Position, source ir.Source) (ir.Action, ir.Action) {
	remove := ir.NewAction(op.ID+"/from", ir.RemoveElement{ElementID: op.ElementID, Position: from.Ptr()},
		source, op.PeerID, op.Timestamp)
	place := ir.NewAction(op.ID+"/to", ir.PlaceElement{ElementID: op.ElementID, ElementType: op.ElementType, Position: op.Position.Ptr()},
		source, op.PeerID, op.Timestamp)
	return remove, place
}

func (s *Session) commitLocal(ctx context.Context, op ir.Operation, actions ...ir.Action) error {
	for _, a := range actions {
		if err := s.engine.Dispatch(ctx, a); err != nil {
			return fmt.Errorf("%s %s: %w", op.Type, op.ElementID, err)
		}
	}
	s.resolver.Record(op)
	s.journalOperation(ctx, op, ir.SourceLocal, store.OutcomeLocal)

	s.logger.Debug("local operation", "op_id", op.ID, "type", op.Type, "element", op.ElementID)
	return s.send(ctx, wire.OperationEnvelope(s.roomID, op))
}

// Apply reconciles an operation from another peer and applies whatever the
// resolver decided. Duplicates and echoes of this peer's own operations are
// ignored, which makes delivery idempotent.
func (s *Session) Apply(ctx context.Context, op ir.Operation) (ot.TransformResult, error) {
	op.PeerID = ir.NormalizePeerID(op.PeerID)
	if errs := op.Validate(); len(errs) > 0 {
		return ot.TransformResult{Operation: op}, &InvalidOperationError{ID: op.ID, Errors: errs}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock.Observe(op.Timestamp)
	if op.PeerID == s.peerID {
		s.logger.Debug("ignoring echo", "op_id", op.ID)
		return ot.TransformResult{Operation: op}, nil
	}
	if _, seen := s.resolver.Lookup(op.ID); seen {
		s.logger.Debug("ignoring duplicate", "op_id", op.ID)
		return ot.TransformResult{Operation: op}, nil
	}

	res := s.resolver.Transform(op, s.resolver.Concurrent(op))
	for _, d := range res.Displaced {
		if err := s.displace(ctx, d); err != nil {
			return res, err
		}
	}

	outcome := store.OutcomeApplied
	switch {
	case !res.ShouldApply:
		outcome = store.OutcomeRejected
	case res.Relocated:
		outcome = store.OutcomeRelocated
	}

	if res.ShouldApply {
		if err := s.applyRemote(ctx, res.Operation); err != nil {
			s.journalOperation(ctx, res.Operation, ir.SourceRemote, store.OutcomeRejected)
			return res, fmt.Errorf("apply %s: %w", op.ID, err)
		}
	}
	s.journalOperation(ctx, res.Operation, ir.SourceRemote, outcome)

	s.logger.Debug("remote operation", "op_id", op.ID, "outcome", outcome,
		"conflicts", len(res.Conflicts), "displaced", len(res.Displaced))
	return res, nil
}

func (s *Session) applyRemote(ctx context.Context, op ir.Operation) error {
	switch op.Type {
	case ir.OpPlace:
		a, _ := ot.OperationToAction(op)
		return s.engine.Dispatch(ctx, a)

	case ir.OpRemove:
		el, err := s.element(op.ElementID)
		if errors.Is(err, ErrUnknownElement) {
			s.logger.Debug("remove of absent element", "op_id", op.ID, "element", op.ElementID)
			return nil
		}
		if err != nil {
			return err
		}
		a := ir.NewAction(op.ID, ir.RemoveElement{ElementID: el.ElementID, Position: el.Position.Ptr()},
			ir.SourceRemote, op.PeerID, op.Timestamp)
		return s.engine.Dispatch(ctx, a)

	case ir.OpMove:
		el, err := s.element(op.ElementID)
		if errors.Is(err, ErrUnknownElement) {
			// Removed here by an edit the mover never saw; the move wins, so
			// the element reappears at its destination.
			if op.ElementType == "" {
				return nil
			}
			a := ir.NewAction(op.ID+"/to", ir.PlaceElement{ElementID: op.ElementID, ElementType: op.ElementType, Position: op.Position.Ptr()},
				ir.SourceRemote, op.PeerID, op.Timestamp)
			return s.engine.Dispatch(ctx, a)
		}
		if err != nil {
			return err
		}
		if op.ElementType == "" {
			op.ElementType = el.ElementType
		}
		from, place := moveActions(op, el.Position, ir.SourceRemote)
		if err := s.engine.Dispatch(ctx, from); err != nil {
			return err
		}
		return s.engine.Dispatch(ctx, place)
	}
	return fmt.Errorf("unsupported operation type %q", op.Type)
}

// displace undoes an earlier operation whose cell the incoming one won. A
// tie-losing placement moves to its relocated cell. A losing move goes back
// where it came from.
func (s *Session) displace(ctx context.Context, d ot.Displacement) error {
	lost := d.Operation
	el, err := s.element(lost.ElementID)
	if errors.Is(err, ErrUnknownElement) {
		return nil
	}
	if err != nil {
		return err
	}

	remove := ir.NewAction("displace:"+lost.ID, ir.RemoveElement{ElementID: el.ElementID, Position: el.Position.Ptr()},
		ir.SourceRemote, s.peerID, lost.Timestamp)
	if err := s.engine.Dispatch(ctx, remove); err != nil {
		return fmt.Errorf("displace %s: %w", lost.ID, err)
	}

	target := d.Relocated
	if target == nil && lost.Type == ir.OpMove && lost.PreviousPosition != nil {
		target = lost.PreviousPosition
	}
	outcome := store.OutcomeDisplaced
	if target != nil {
		place := ir.NewAction("relocate:"+lost.ID, ir.PlaceElement{ElementID: el.ElementID, ElementType: el.ElementType, Position: target.Ptr()},
			ir.SourceRemote, s.peerID, lost.Timestamp)
		if err := s.engine.Dispatch(ctx, place); err != nil {
			s.logger.Warn("displaced element dropped", "op_id", lost.ID, "element", el.ElementID, "error", err)
		} else {
			outcome = store.OutcomeRelocated
		}
	}

	s.logger.Info("operation displaced", "op_id", lost.ID, "element", el.ElementID, "outcome", outcome)
	if s.journal != nil {
		if _, err := s.journal.UpdateOutcome(ctx, s.peerID, lost.ID, outcome); err != nil {
			s.logger.Error("journal displacement", "op_id", lost.ID, "error", err)
		}
	}
	return nil
}

// BroadcastCursor shares this peer's pointer. It returns false without
// sending when the cursor rate limit is exhausted.
func (s *Session) BroadcastCursor(ctx context.Context, pos ir.Position) (bool, error) {
	now := s.now()
	if !s.cursors.AllowN(time.UnixMilli(now), 1) {
		return false, nil
	}
	a := ir.NewAction("", ir.BroadcastCursor{PeerID: s.peerID, Position: pos.Ptr()}, ir.SourceLocal, s.peerID, now)
	if err := s.engine.Dispatch(ctx, a); err != nil {
		return false, fmt.Errorf("cursor: %w", err)
	}
	return true, s.send(ctx, wire.CursorEnvelope(s.roomID, s.peerID, pos))
}

// Handle decodes and applies one message from the transport. Messages for
// other rooms are ignored.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	if env.RoomID != "" && env.RoomID != s.roomID {
		s.logger.Debug("ignoring message for another room", "target", env.RoomID)
		return nil
	}

	switch env.Kind {
	case wire.KindOperation:
		_, err := s.Apply(ctx, *env.Operation)
		return err
	case wire.KindCursor:
		c := env.Cursor
		if c.PeerID == s.peerID {
			return nil
		}
		a := ir.NewAction("", ir.BroadcastCursor{PeerID: c.PeerID, Position: c.Position.Ptr()}, ir.SourceRemote, c.PeerID, s.now())
		return s.engine.Dispatch(ctx, a)
	case wire.KindAction:
		return s.applyAction(ctx, *env.Action)
	}
	return fmt.Errorf("unhandled envelope kind %q", env.Kind)
}

func (s *Session) applyAction(ctx context.Context, a ir.Action) error {
	if ir.NormalizePeerID(a.PeerID) == s.peerID {
		return nil
	}
	module, err := a.Module()
	if err != nil {
		return err
	}
	if module == ir.ModuleAltar {
		return fmt.Errorf("%s: %w", a.Type, ErrAltarAction)
	}
	s.clock.Observe(a.Timestamp)
	a.Source = ir.SourceRemote
	return s.engine.Dispatch(ctx, a)
}

// Poll handles every message already delivered to the transport and returns
// how many were handled. Rejected messages are logged, not returned.
func (s *Session) Poll(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		data, ok := s.transport.TryReceive()
		if !ok {
			return n, nil
		}
		n++
		if err := s.Handle(ctx, data); err != nil {
			s.logger.Warn("message rejected", "error", err)
		}
	}
}

// Run handles incoming messages until ctx is done, and prunes the resolver
// history when WithCleanup is set. It returns nil on cancellation.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			data, err := s.transport.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("receive: %w", err)
			}
			if err := s.Handle(ctx, data); err != nil {
				s.logger.Warn("message rejected", "error", err)
			}
		}
	})

	if s.cleanupEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.cleanupEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.CleanupHistory()
				}
			}
		})
	}

	return g.Wait()
}

// CleanupHistory drops resolver history older than the retention set by
// WithCleanup and returns how many operations were dropped.
func (s *Session) CleanupHistory() int {
	cutoff := s.now() - s.retain.Milliseconds()
	n := s.resolver.Cleanup(cutoff)
	if n > 0 {
		s.logger.Debug("history pruned", "dropped", n, "kept", s.resolver.Len())
	}
	return n
}

func (s *Session) send(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if err := s.transport.Broadcast(ctx, data); err != nil {
		return fmt.Errorf("broadcast %s: %w", env.Kind, err)
	}
	return nil
}

func (s *Session) journalOperation(ctx context.Context, op ir.Operation, origin ir.Source, outcome string) {
	if s.journal == nil {
		return
	}
	_, err := s.journal.WriteOperation(ctx, store.OperationRecord{
		Replica:   s.peerID,
		RoomID:    s.roomID,
		Operation: op,
		Origin:    origin,
		Outcome:   outcome,
	})
	if err != nil {
		s.logger.Error("journal operation", "op_id", op.ID, "error", err)
	}
}

// journalAction runs on the engine's writer after every commit.
func (s *Session) journalAction(ctx context.Context, module ir.ModuleName, _ any, a ir.Action) {
	seq := s.seq.Add(1)
	err := s.journal.WriteAction(ctx, store.ActionRecord{
		Replica: s.peerID,
		RoomID:  s.roomID,
		Seq:     seq,
		Action:  a,
		Module:  module,
		Status:  engine.StatusCommitted,
	})
	if err != nil {
		s.logger.Error("journal action", "action", a.Type, "seq", seq, "error", err)
	}
	if s.snapshotEvery > 0 && seq%int64(s.snapshotEvery) == 0 {
		if err := s.snapshot(ctx, seq); err != nil {
			s.logger.Error("snapshot", "seq", seq, "error", err)
		}
	}
}

// Snapshot writes the current state of every module to the journal.
func (s *Session) Snapshot(ctx context.Context) error {
	if s.journal == nil {
		return errors.New("session has no journal")
	}
	return s.snapshot(ctx, s.seq.Load())
}

func (s *Session) snapshot(ctx context.Context, seq int64) error {
	for _, m := range s.engine.Modules() {
		state, err := s.engine.State(m)
		if err != nil {
			return err
		}
		if _, err := s.journal.WriteSnapshot(ctx, s.peerID, s.roomID, m, seq, state); err != nil {
			return err
		}
	}
	return nil
}
