// Package ot reconciles concurrent grid edits from multiple peers.
//
// Every peer runs its own Resolver. When an Operation arrives from another
// peer it is transformed against the operations this peer applied
// concurrently. The outcome depends only on operations both peers hold at the
// conflict's timestamp, so every peer reaches the same decision whichever of
// them arrived first.
package ot

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/ofrenda/internal/grid"
	"github.com/roach88/ofrenda/internal/ir"
)

// Defaults for Config.
const (
	DefaultHistoryCap   = 1000
	DefaultSearchRadius = 3
)

// Config tunes conflict detection and history retention.
type Config struct {
	// Window is the remove/place coincidence window.
	Window int64 `yaml:"window"`
	// HistoryCap bounds the number of retained operations.
	HistoryCap int `yaml:"history_cap"`
	// SearchRadius is the largest Chebyshev ring searched when relocating.
	SearchRadius int `yaml:"search_radius"`
}

// DefaultConfig returns the standard resolver settings.
func DefaultConfig() Config {
	return Config{
		Window:       DefaultWindow,
		HistoryCap:   DefaultHistoryCap,
		SearchRadius: DefaultSearchRadius,
	}
}

// Displacement is a local placement whose cell an incoming operation won.
// Relocated is set when the local op lost a tie between two places and has a
// new cell; callers should move the element there rather than drop it.
type Displacement struct {
	Operation ir.Operation `json:"operation"`
	Relocated *ir.Position `json:"relocated,omitempty"`
}

// TransformResult is the outcome of reconciling one incoming operation.
type TransformResult struct {
	// Operation is what to apply. It differs from the input when relocated.
	Operation ir.Operation `json:"operation"`
	// Conflicts lists the local operations that conflicted, in input order.
	Conflicts []ir.Operation `json:"conflicts"`
	// ShouldApply is false when the operation lost and must not be applied.
	ShouldApply bool `json:"shouldApply"`
	// Relocated is true when Operation was moved off its original cell.
	Relocated bool `json:"relocated,omitempty"`
	// Displaced lists local placements that Operation beat.
	Displaced []Displacement `json:"displaced,omitempty"`
}

// Metrics receives transform outcomes. Implemented by metrics.Collectors.
type Metrics interface {
	ObserveTransform(outcome string, conflicts int)
	SetHistorySize(n int)
}

// Transform outcomes reported to Metrics.
const (
	OutcomeApplied   = "applied"
	OutcomeRelocated = "relocated"
	OutcomeRejected  = "rejected"
)

// Resolver owns the operation history and decides how incoming operations
// apply. Safe for concurrent use.
type Resolver struct {
	mu      sync.Mutex
	cfg     Config
	hist    *history
	horizon int64
	stats   counters

	// relocated holds ids of history entries this resolver moved off the
	// cell their peer chose.
	relocated map[string]bool

	validator  *grid.Validator
	dims       ir.Dimensions
	placements func() []ir.Placement
	logger     *slog.Logger
	metrics    Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithValidator makes relocation consult placement rules. Without one,
// relocation only checks bounds and occupancy.
func WithValidator(v *grid.Validator) Option {
	return func(r *Resolver) { r.validator = v }
}

// WithDimensions sets the grid extent used to bound relocation.
func WithDimensions(d ir.Dimensions) Option {
	return func(r *Resolver) { r.dims = d }
}

// WithPlacements supplies the current placements. Relocation reads them for
// elements the retained history does not cover.
func WithPlacements(fn func() []ir.Placement) Option {
	return func(r *Resolver) { r.placements = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics reports transform outcomes.
func WithMetrics(m Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New creates a Resolver. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Resolver {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.SearchRadius <= 0 {
		cfg.SearchRadius = def.SearchRadius
	}

	r := &Resolver{
		cfg:       cfg,
		hist:      newHistory(cfg.HistoryCap),
		relocated: make(map[string]bool),
		dims:      ir.DefaultDimensions,
		logger:    slog.Default(),
		stats:     newCounters(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Resolver) Config() Config {
	return r.cfg
}

// Transform reconciles incoming against local, stopping at the first
// conflict that incoming loses without a relocation. An operation that is
// applied is recorded into history.
func (r *Resolver) Transform(incoming ir.Operation, local []ir.Operation) TransformResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.transforms++
	if r.horizon > 0 && incoming.Timestamp < r.horizon {
		r.stats.stale++
		r.logger.Warn("operation predates cleanup horizon",
			"op_id", incoming.ID,
			"timestamp", incoming.Timestamp,
			"horizon", r.horizon,
		)
	}

	res := TransformResult{Operation: incoming, Conflicts: []ir.Operation{}, ShouldApply: true}
	op := incoming

	seen := make(map[string]bool, len(local))
	relocations := 0
	for i := 0; i < len(local); i++ {
		l := local[i]
		if l.ID == op.ID || !Conflicts(op, l, r.cfg.Window) {
			continue
		}
		if !seen[l.ID] {
			seen[l.ID] = true
			res.Conflicts = append(res.Conflicts, l)
			r.stats.conflicts++
		}

		if Wins(op, l) {
			if claimsCell(l) && ir.SameCell(op, l) {
				d := Displacement{Operation: l}
				if op.Timestamp == l.Timestamp && op.Type == ir.OpPlace && l.Type == ir.OpPlace {
					if pos, ok := r.relocate(l, op, local); ok && !claimedLater(l.At(pos), local) {
						d.Relocated = &pos
					}
				}
				res.Displaced = append(res.Displaced, d)
			}
			continue
		}

		if op.Timestamp == l.Timestamp && op.Type == ir.OpPlace && relocations < len(local) {
			if pos, ok := r.relocate(op, l, local); ok {
				r.logger.Debug("relocated tie loser",
					"op_id", op.ID,
					"from", op.Position.String(),
					"to", pos.String(),
					"winner", l.ID,
				)
				op = op.At(pos)
				res.Relocated = true
				relocations++
				r.stats.relocations++
				// The new cell is checked against every local op again.
				res.Displaced = nil
				i = -1
				continue
			}
		}

		res.Operation = op
		res.ShouldApply = false
		res.Displaced = nil
		r.stats.rejections++
		r.logger.Debug("operation rejected",
			"op_id", op.ID,
			"winner", l.ID,
		)
		r.observe(OutcomeRejected, len(res.Conflicts))
		return res
	}

	res.Operation = op
	r.record(op)
	if res.Relocated {
		r.markRelocated(op.ID)
	}
	for _, d := range res.Displaced {
		if d.Relocated != nil && r.hist.replace(d.Operation.At(*d.Relocated)) {
			r.markRelocated(d.Operation.ID)
		}
	}
	if res.Relocated {
		r.observe(OutcomeRelocated, len(res.Conflicts))
	} else {
		r.observe(OutcomeApplied, len(res.Conflicts))
	}
	return res
}

// Record adds a locally originated operation to history. Recording the same
// operation twice is a no-op.
func (r *Resolver) Record(op ir.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(op)
}

func (r *Resolver) record(op ir.Operation) {
	added, evicted := r.hist.add(op)
	if !added {
		return
	}
	if evicted {
		r.stats.evicted++
	}
	if r.metrics != nil {
		r.metrics.SetHistorySize(r.hist.len())
	}
}

// Concurrent returns the history entries op must be transformed against:
// everything retained that did not come from op's own peer, plus that peer's
// operations this resolver relocated. Operations from one peer arrive in
// order, so they only race each other through a relocation the sender has
// not seen.
func (r *Resolver) Concurrent(op ir.Operation) []ir.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer := ir.NormalizePeerID(op.PeerID)
	var out []ir.Operation
	r.hist.each(func(h ir.Operation) bool {
		if (h.PeerID != peer || r.relocated[h.ID]) && h.ID != op.ID {
			out = append(out, h)
		}
		return true
	})
	return out
}

// Lookup returns the history entry with the given id.
func (r *Resolver) Lookup(id string) (ir.Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hist.get(id)
}

// RecentOperations returns history entries with Timestamp >= since, oldest
// first. An empty peerID matches every peer.
func (r *Resolver) RecentOperations(peerID string, since int64) []ir.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer := ir.NormalizePeerID(peerID)
	var out []ir.Operation
	r.hist.each(func(op ir.Operation) bool {
		if op.Timestamp >= since && (peer == "" || op.PeerID == peer) {
			out = append(out, op)
		}
		return true
	})
	return out
}

// Cleanup deletes every history entry older than olderThan. No tombstones
// are kept; later arrivals older than the horizon are counted as stale.
func (r *Resolver) Cleanup(olderThan int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.hist.removeOlderThan(olderThan)
	r.pruneRelocated()
	if olderThan > r.horizon {
		r.horizon = olderThan
	}
	r.stats.cleaned += n
	if r.metrics != nil {
		r.metrics.SetHistorySize(r.hist.len())
	}
	r.logger.Debug("history cleanup", "older_than", olderThan, "removed", n)
	return n
}

// Len returns the number of operations in history.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hist.len()
}

func (r *Resolver) markRelocated(id string) {
	r.relocated[id] = true
	if len(r.relocated) > r.hist.cap() {
		r.pruneRelocated()
	}
}

// pruneRelocated forgets ids that history no longer holds.
func (r *Resolver) pruneRelocated() {
	for id := range r.relocated {
		if _, ok := r.hist.get(id); !ok {
			delete(r.relocated, id)
		}
	}
}

func (r *Resolver) observe(outcome string, conflicts int) {
	if r.metrics != nil {
		r.metrics.ObserveTransform(outcome, conflicts)
	}
}

// relocate finds a new cell for loser after it lost a tie to winner.
// Rings of Chebyshev distance 1 through SearchRadius are scanned row-major;
// the first acceptable cell wins.
func (r *Resolver) relocate(loser, winner ir.Operation, local []ir.Operation) (ir.Position, bool) {
	origin, ok := loser.Cell()
	if !ok {
		return ir.Position{}, false
	}

	occupied := r.occupancy(loser, winner, local)
	for d := 1; d <= r.cfg.SearchRadius; d++ {
		for row := origin.Row - d; row <= origin.Row+d; row++ {
			for col := origin.Col - d; col <= origin.Col+d; col++ {
				pos := ir.Position{Row: row, Col: col}
				if pos.Chebyshev(origin) != d || !r.dims.Contains(pos) {
					continue
				}
				if r.accepts(loser.ElementType, pos, occupied) {
					return pos, true
				}
			}
		}
	}
	return ir.Position{}, false
}

// occupancy rebuilds the grid as it stood at the tie, without loser. Both
// peers of a tie hold the same operations up to its timestamp, while later
// edits may still be in flight, so only operations with Timestamp at or
// before winner's are replayed. Elements no retained operation touches come
// from the current placements; an element first touched after the tie starts
// where that operation found it.
func (r *Resolver) occupancy(loser, winner ir.Operation, local []ir.Operation) []ir.Placement {
	byID := make(map[string]ir.Operation)
	r.hist.each(func(op ir.Operation) bool {
		byID[op.ID] = op
		return true
	})
	for _, op := range local {
		if _, ok := byID[op.ID]; !ok {
			byID[op.ID] = op
		}
	}
	byID[winner.ID] = winner
	delete(byID, loser.ID)

	ops := make([]ir.Operation, 0, len(byID))
	for _, op := range byID {
		if op.ElementID != "" {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return Wins(ops[j], ops[i]) })

	cells := make(map[string]ir.Placement)
	touched := make(map[string]bool)
	for _, op := range ops {
		if touched[op.ElementID] {
			continue
		}
		touched[op.ElementID] = true
		var before *ir.Position
		switch op.Type {
		case ir.OpMove:
			before = op.PreviousPosition
		case ir.OpRemove:
			before = op.Position
		}
		if before != nil {
			cells[op.ElementID] = ir.Placement{ElementID: op.ElementID, ElementType: op.ElementType, Position: *before}
		}
	}
	if r.placements != nil {
		for _, p := range r.placements() {
			c, ok := cells[p.ElementID]
			switch {
			case !touched[p.ElementID]:
				cells[p.ElementID] = p
			case ok && c.ElementType == "":
				c.ElementType = p.ElementType
				cells[p.ElementID] = c
			}
		}
	}

	for _, op := range ops {
		if op.Timestamp > winner.Timestamp {
			break
		}
		switch op.Type {
		case ir.OpPlace, ir.OpMove:
			if op.Position == nil {
				continue
			}
			// A later claim on a cell beats the element already there.
			for id, c := range cells {
				if id != op.ElementID && c.Position == *op.Position {
					delete(cells, id)
				}
			}
			c := cells[op.ElementID]
			c.ElementID = op.ElementID
			if op.ElementType != "" {
				c.ElementType = op.ElementType
			}
			c.Position = *op.Position
			cells[op.ElementID] = c
		case ir.OpRemove:
			delete(cells, op.ElementID)
		}
	}
	delete(cells, loser.ElementID)

	out := make([]ir.Placement, 0, len(cells))
	for _, c := range cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ElementID < out[j].ElementID })
	return out
}

// claimedLater reports whether a local operation that beats op claims op's
// cell. The peer that relocates op as an incoming operation rejects it for
// the same reason once that operation reaches it.
func claimedLater(op ir.Operation, local []ir.Operation) bool {
	for _, l := range local {
		if l.ID != op.ID && claimsCell(l) && ir.SameCell(l, op) && Wins(l, op) {
			return true
		}
	}
	return false
}

func (r *Resolver) accepts(elementType string, pos ir.Position, occupied []ir.Placement) bool {
	if r.validator != nil {
		if _, known := r.validator.Rule(elementType); known {
			return r.validator.Validate(elementType, pos, occupied, r.dims).IsValid
		}
	}
	return r.dims.Contains(pos) && !grid.IsOccupied(pos, occupied)
}
