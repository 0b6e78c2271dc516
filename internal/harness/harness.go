package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/roach88/ofrenda/internal/config"
	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/ir"
	"github.com/roach88/ofrenda/internal/metrics"
	"github.com/roach88/ofrenda/internal/room"
	"github.com/roach88/ofrenda/internal/session"
	"github.com/roach88/ofrenda/internal/store"
	"github.com/roach88/ofrenda/internal/testutil"
	"github.com/roach88/ofrenda/internal/wire"
)

// Option configures a scenario run.
type Option func(*options)

type options struct {
	store   *store.Store
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Collectors
}

// WithStore journals every peer into st instead of a fresh in-memory store.
// The caller keeps ownership of st.
func WithStore(st *store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithConfig overrides the scenario's config file.
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.config = &cfg }
}

// WithLogger sets the logger handed to every peer. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics reports every peer's dispatches and transforms to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(o *options) { o.metrics = c }
}

type peer struct {
	id        string
	session   *session.Session
	transport *session.MemoryTransport
}

// Harness drives one scenario. Use Run.
type Harness struct {
	scenario *Scenario
	hub      *session.MemoryHub
	rooms    *room.Directory
	clock    *testutil.ManualClock
	store    *store.Store
	logger   *slog.Logger
	metrics  *metrics.Collectors

	peers   map[string]*peer
	order   []string
	aliases map[string]string
	result  *Result
}

// Run executes a scenario and returns the result.
//
// Every peer gets its own engine and session on a shared in-memory hub with
// manual delivery, so no message moves until a deliver or settle step says
// so. All peers read one manual clock and journal into one store.
//
// Run returns an error only when the scenario cannot be set up. Failed
// expectations and assertions are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := resolveConfig(scenario, o.config)
	if err != nil {
		return nil, err
	}

	st := o.store
	if st == nil {
		st, err = store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		defer st.Close()
	}

	clock := testutil.NewManualClock(scenario.Start)
	h := &Harness{
		scenario: scenario,
		hub:      session.NewMemoryHub(session.WithInboxSize(cfg.Session.InboxSize), session.WithHubLogger(o.logger)),
		rooms: room.NewDirectory(
			room.WithMaxParticipants(cfg.Room.MaxParticipants),
			room.WithNow(clock.Current),
			room.WithLogger(o.logger),
		),
		clock:   clock,
		store:   st,
		logger:  o.logger,
		metrics: o.metrics,
		peers:   make(map[string]*peer, len(scenario.Peers)),
		aliases: make(map[string]string),
		result:  NewResult(),
	}

	for _, id := range scenario.Peers {
		if err := h.addPeer(cfg, ir.NormalizePeerID(id)); err != nil {
			return nil, err
		}
	}
	defer func() {
		for _, p := range h.peers {
			p.session.Close()
			p.session.Engine().Close()
		}
	}()

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if err := h.collect(); err != nil {
		return nil, err
	}

	actx := &AssertionContext{
		Store:   st,
		Ctx:     ctx,
		Room:    scenario.Room,
		Aliases: h.aliases,
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func resolveConfig(scenario *Scenario, override *config.Config) (config.Config, error) {
	if override != nil {
		return *override, nil
	}
	if scenario.Config != "" {
		cfg, err := config.Load(scenario.Config)
		if err != nil {
			return cfg, fmt.Errorf("scenario config: %w", err)
		}
		return cfg, nil
	}
	cfg := config.Default()
	cfg.Engine.Retry.BaseDelay = 0
	return cfg, nil
}

func (h *Harness) addPeer(cfg config.Config, id string) error {
	var m engine.Metrics
	if h.metrics != nil {
		m = h.metrics
	}
	rt, err := cfg.NewRuntime(h.logger, m, engine.WithIDGenerator(testutil.NewCountingGenerator(id)))
	if err != nil {
		return fmt.Errorf("peer %s: %w", id, err)
	}

	t := h.hub.Connect(id)
	opts := append([]session.Option{
		session.WithLogger(h.logger),
		session.WithJournal(h.store),
		session.WithNow(h.clock.Now),
	}, cfg.Session.Options()...)
	if h.metrics != nil {
		opts = append(opts, session.WithResolverMetrics(h.metrics))
	}

	s, err := session.New(session.Config{
		PeerID:     id,
		RoomID:     h.scenario.Room,
		Resolver:   cfg.Resolver,
		Dimensions: rt.Dimensions,
	}, rt.Engine, rt.Validator, t, opts...)
	if err != nil {
		rt.Engine.Close()
		return fmt.Errorf("peer %s: %w", id, err)
	}

	h.peers[id] = &peer{id: id, session: s, transport: t}
	h.order = append(h.order, id)
	return nil
}

// execute runs one step. Only harness faults are returned; a step that
// misses its expectation is recorded in the result.
func (h *Harness) execute(ctx context.Context, index int, step Step) error {
	kind, err := step.kind()
	if err != nil {
		return err
	}

	switch kind {
	case "deliver":
		targets := step.Deliver
		if len(targets) == 1 && targets[0] == "all" {
			targets = h.order
		}
		for _, id := range targets {
			h.deliver(ctx, h.peers[ir.NormalizePeerID(id)])
		}
		return nil
	case "settle":
		h.settle(ctx)
		return nil
	case KindAdvance:
		h.clock.Advance(step.Advance)
		h.result.add(TraceEvent{At: h.clock.Current(), Kind: KindAdvance, Detail: step.Advance.String()})
		return nil
	}

	p := h.peers[ir.NormalizePeerID(step.Peer)]
	ev := TraceEvent{Peer: p.id, Kind: kind}

	switch kind {
	case KindJoin:
		ev.Detail = step.Join
		h.rooms.EnsureRoom(h.scenario.Room)
		if _, err = h.rooms.Join(h.scenario.Room, p.id); err == nil {
			err = p.session.Join(ctx, step.Join)
		}
	case KindLeave:
		if err = p.session.Leave(ctx); err == nil {
			err = h.rooms.Leave(h.scenario.Room, p.id)
		}
	case KindPlace:
		pos := ir.Position{Row: step.Place.Row, Col: step.Place.Col}
		ev.Position = &pos
		var op ir.Operation
		op, err = p.session.Place(ctx, step.Place.Type, pos)
		if err == nil {
			ev.OpID, ev.Element = op.ID, op.ElementID
			if step.Place.As != "" {
				h.aliases[step.Place.As] = op.ElementID
			}
		} else {
			ev.Element = step.Place.Type
		}
	case KindRemove:
		var op ir.Operation
		ev.Element = h.resolve(step.Remove)
		op, err = p.session.Remove(ctx, ev.Element)
		ev.OpID, ev.Position = op.ID, op.Position
	case KindMove:
		pos := ir.Position{Row: step.Move.Row, Col: step.Move.Col}
		ev.Element, ev.Position = h.resolve(step.Move.Element), &pos
		var op ir.Operation
		op, err = p.session.Move(ctx, ev.Element, pos)
		ev.OpID = op.ID
	case KindCursor:
		ev.Position = step.Cursor
		var sent bool
		sent, err = p.session.BroadcastCursor(ctx, *step.Cursor)
		if err == nil && !sent {
			ev.Outcome = OutcomeThrottled
		}
	}

	if ev.Outcome == "" {
		ev.Outcome = OutcomeOK
	}
	if err != nil {
		ev.Outcome = OutcomeRejected
		ev.Detail = err.Error()
	}
	ev.At = h.clock.Current()
	h.result.add(ev)

	expect := step.Expect
	if expect == "" {
		expect = OutcomeOK
	}
	if ev.Outcome != expect {
		msg := fmt.Sprintf("steps[%d]: %s by %s: expected %s, got %s", index, kind, p.id, expect, ev.Outcome)
		if err != nil {
			msg += ": " + err.Error()
		}
		h.result.AddError(msg)
	}
	return nil
}

// resolve maps an alias to its element id. Unknown names pass through.
func (h *Harness) resolve(name string) string {
	if id, ok := h.aliases[name]; ok {
		return id
	}
	return name
}

// deliver hands p every message broadcast to it so far and returns how many
// it handled.
func (h *Harness) deliver(ctx context.Context, p *peer) int {
	h.hub.Flush(p.id)
	n := 0
	for {
		data, ok := p.transport.TryReceive()
		if !ok {
			return n
		}
		n++
		h.receive(ctx, p, data)
	}
}

// settle delivers to every peer, in peer order, until a full round moves
// nothing.
func (h *Harness) settle(ctx context.Context) {
	for {
		moved := 0
		for _, id := range h.order {
			moved += h.deliver(ctx, h.peers[id])
		}
		if moved == 0 {
			return
		}
	}
}

func (h *Harness) receive(ctx context.Context, p *peer, data []byte) {
	ev := TraceEvent{Peer: p.id, Kind: KindReceive}

	env, err := wire.Decode(data)
	if err != nil {
		ev.At, ev.Outcome, ev.Detail = h.clock.Current(), OutcomeInvalid, err.Error()
		h.result.add(ev)
		return
	}

	switch env.Kind {
	case wire.KindOperation:
		h.receiveOperation(ctx, p, *env.Operation)
		return
	case wire.KindCursor:
		ev.From, ev.Position, ev.Detail = env.Cursor.PeerID, env.Cursor.Position.Ptr(), string(env.Kind)
	case wire.KindAction:
		ev.From, ev.OpID, ev.Detail = env.Action.PeerID, env.Action.ID, string(env.Action.Type)
	}

	ev.Outcome = OutcomeOK
	if err := p.session.Handle(ctx, data); err != nil {
		ev.Outcome, ev.Detail = OutcomeRejected, err.Error()
	}
	ev.At = h.clock.Current()
	h.result.add(ev)
}

func (h *Harness) receiveOperation(ctx context.Context, p *peer, op ir.Operation) {
	ev := TraceEvent{
		Peer:     p.id,
		Kind:     KindReceive,
		From:     op.PeerID,
		OpID:     op.ID,
		Element:  op.ElementID,
		Position: op.Position,
	}

	if _, seen := p.session.Resolver().Lookup(op.ID); seen || ir.NormalizePeerID(op.PeerID) == p.id {
		ev.At, ev.Outcome = h.clock.Current(), OutcomeDuplicate
		h.result.add(ev)
		return
	}

	res, err := p.session.Apply(ctx, op)
	ev.At = h.clock.Current()
	switch {
	case err != nil:
		ev.Outcome, ev.Detail = store.OutcomeRejected, err.Error()
	case !res.ShouldApply:
		ev.Outcome = store.OutcomeRejected
	case res.Relocated:
		ev.Outcome, ev.Position = store.OutcomeRelocated, res.Operation.Position
	default:
		ev.Outcome = store.OutcomeApplied
	}
	h.result.add(ev)

	if len(res.Displaced) == 0 {
		return
	}
	altar, _ := p.session.Altar()
	for _, d := range res.Displaced {
		dev := TraceEvent{
			At:      ev.At,
			Peer:    p.id,
			Kind:    KindDisplace,
			From:    op.PeerID,
			OpID:    d.Operation.ID,
			Element: d.Operation.ElementID,
			Outcome: store.OutcomeDisplaced,
		}
		if pos, ok := findElement(altar.Elements, d.Operation.ElementID); ok {
			dev.Position, dev.Outcome = pos.Ptr(), store.OutcomeRelocated
		}
		h.result.add(dev)
	}
}

func findElement(elements []ir.Placement, id string) (ir.Position, bool) {
	for _, el := range elements {
		if el.ElementID == id {
			return el.Position, true
		}
	}
	return ir.Position{}, false
}

// collect records every peer's final state and whether they converged.
func (h *Harness) collect() error {
	var digest string
	h.result.Converged = true
	for i, id := range h.order {
		s := h.peers[id].session

		altar, err := s.Altar()
		if err != nil {
			return fmt.Errorf("peer %s: %w", id, err)
		}
		elements := append([]ir.Placement{}, altar.Elements...)
		sort.Slice(elements, func(i, j int) bool { return elements[i].ElementID < elements[j].ElementID })

		d, err := s.AltarDigest()
		if err != nil {
			return fmt.Errorf("peer %s: %w", id, err)
		}

		collab, err := engine.StateAs[ir.CollaborationState](s.Engine().State(ir.ModuleCollaboration))
		if err != nil {
			return fmt.Errorf("peer %s: %w", id, err)
		}
		members := make([]string, 0, len(collab.Peers))
		for m := range collab.Peers {
			members = append(members, m)
		}
		sort.Strings(members)

		h.result.Peers[id] = PeerState{Elements: elements, Digest: d, Members: members}
		if i == 0 {
			digest = d
		} else if d != digest {
			h.result.Converged = false
		}
	}
	h.result.Host, _ = h.rooms.Host(h.scenario.Room)
	return nil
}
