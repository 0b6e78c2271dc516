package engine

import (
	"sync"
	"time"

	"github.com/roach88/ofrenda/internal/ir"
)

// ActionRecord is one dispatch outcome in the action log.
type ActionRecord struct {
	Seq      int64         `json:"seq"`
	ID       string        `json:"id"`
	Type     ir.ActionType `json:"type"`
	Module   ir.ModuleName `json:"module,omitempty"`
	Source   ir.Source     `json:"source"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// actionLog is a fixed-size ring of the most recent dispatches.
type actionLog struct {
	mu   sync.Mutex
	buf  []ActionRecord
	next int
	full bool
}

func newActionLog(size int) *actionLog {
	if size < 0 {
		size = 0
	}
	return &actionLog{buf: make([]ActionRecord, size)}
}

func (l *actionLog) add(r ActionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buf) == 0 {
		return
	}
	l.buf[l.next] = r
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// records returns the retained records oldest first.
func (l *actionLog) records() []ActionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]ActionRecord, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]ActionRecord, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}
