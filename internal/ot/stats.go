package ot

import "github.com/roach88/ofrenda/internal/ir"

type counters struct {
	transforms  int
	conflicts   int
	relocations int
	rejections  int
	stale       int
	evicted     int
	cleaned     int
}

func newCounters() counters { return counters{} }

// Stats summarizes the history and the resolver's activity since creation.
type Stats struct {
	Size     int               `json:"size"`
	Capacity int               `json:"capacity"`
	ByType   map[ir.OpType]int `json:"byType"`
	ByPeer   map[string]int    `json:"byPeer"`

	Transforms  int   `json:"transforms"`
	Conflicts   int   `json:"conflicts"`
	Relocations int   `json:"relocations"`
	Rejections  int   `json:"rejections"`
	Stale       int   `json:"stale"`
	Evicted     int   `json:"evicted"`
	Cleaned     int   `json:"cleaned"`
	Horizon     int64 `json:"horizon"`
}

// Stats returns counts by type and by peer over the current history, plus
// lifetime counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Size:        r.hist.len(),
		Capacity:    r.hist.cap(),
		ByType:      make(map[ir.OpType]int),
		ByPeer:      make(map[string]int),
		Transforms:  r.stats.transforms,
		Conflicts:   r.stats.conflicts,
		Relocations: r.stats.relocations,
		Rejections:  r.stats.rejections,
		Stale:       r.stats.stale,
		Evicted:     r.stats.evicted,
		Cleaned:     r.stats.cleaned,
		Horizon:     r.horizon,
	}
	r.hist.each(func(op ir.Operation) bool {
		s.ByType[op.Type]++
		s.ByPeer[op.PeerID]++
		return true
	})
	return s
}
