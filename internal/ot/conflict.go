package ot

import "github.com/roach88/ofrenda/internal/ir"

// DefaultWindow is the coincidence window for remove/place conflicts.
const DefaultWindow int64 = 1000

// Conflicts reports whether a and b cannot both be applied as-is.
// The relation is symmetric. Operations with the same id never conflict.
//
//   - place/place on the same cell always conflict.
//   - remove/place on the same cell conflict when their timestamps are less
//     than window apart.
//   - remove/remove on the same element conflict.
//
// A move is a remove at its previous position plus a place at its position:
// it conflicts with a place or another move targeting the same cell, and with
// a remove or move of the same element.
func Conflicts(a, b ir.Operation, window int64) bool {
	if a.ID != "" && a.ID == b.ID {
		return false
	}
	if a.Type == ir.OpMove || b.Type == ir.OpMove {
		return moveConflicts(a, b)
	}

	switch {
	case a.Type == ir.OpPlace && b.Type == ir.OpPlace:
		return ir.SameCell(a, b)
	case a.Type == ir.OpRemove && b.Type == ir.OpRemove:
		return sameElement(a, b)
	case a.Type != b.Type:
		return ir.SameCell(a, b) && absDiff(a.Timestamp, b.Timestamp) < window
	}
	return false
}

func moveConflicts(a, b ir.Operation) bool {
	if a.Type != ir.OpMove {
		a, b = b, a
	}
	switch b.Type {
	case ir.OpPlace:
		return ir.SameCell(a, b)
	case ir.OpRemove:
		return sameElement(a, b)
	case ir.OpMove:
		return sameElement(a, b) || ir.SameCell(a, b)
	}
	return false
}

// claimsCell reports whether op ends up occupying its Position.
func claimsCell(op ir.Operation) bool {
	return op.Position != nil && (op.Type == ir.OpPlace || op.Type == ir.OpMove)
}

func sameElement(a, b ir.Operation) bool {
	return a.ElementID != "" && a.ElementID == b.ElementID
}

// Wins reports whether a beats b: the greater timestamp wins, and equal
// timestamps fall back to the greater normalized peer id. Wins(a, b) and
// Wins(b, a) never agree for distinct operations.
func Wins(a, b ir.Operation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if c := ir.ComparePeerIDs(a.PeerID, b.PeerID); c != 0 {
		return c > 0
	}
	return a.ID > b.ID
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
