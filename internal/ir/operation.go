package ir

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// OpType is the kind of grid edit an Operation records.
type OpType string

const (
	OpPlace  OpType = "place"
	OpRemove OpType = "remove"
	OpMove   OpType = "move"
)

// Valid reports whether t is one of the known operation types.
func (t OpType) Valid() bool {
	switch t {
	case OpPlace, OpRemove, OpMove:
		return true
	}
	return false
}

// Operation is the canonical, peer-attributable edit record exchanged between
// peers and reconciled by the conflict resolver.
//
// Two Operations with the same (PeerID, Timestamp) are the same Operation;
// ID is derived from that pair by OperationID.
type Operation struct {
	ID               string    `json:"id"`
	Type             OpType    `json:"type"`
	ElementID        string    `json:"elementId,omitempty"`
	ElementType      string    `json:"elementType,omitempty"`
	Position         *Position `json:"position,omitempty"`
	PreviousPosition *Position `json:"previousPosition,omitempty"`
	Timestamp        int64     `json:"timestamp"`
	PeerID           string    `json:"peerId"`
}

// NewOperation builds an Operation with its derived ID. The peer id is
// normalized before it is stored.
func NewOperation(t OpType, peerID string, timestamp int64) Operation {
	peer := NormalizePeerID(peerID)
	return Operation{
		ID:        OperationID(peer, timestamp),
		Type:      t,
		Timestamp: timestamp,
		PeerID:    peer,
	}
}

// OperationID derives the deterministic id for (peerID, timestamp).
func OperationID(peerID string, timestamp int64) string {
	return NormalizePeerID(peerID) + ":" + strconv.FormatInt(timestamp, 10)
}

// NormalizePeerID returns the NFC form of a peer id. Peers compare ids
// byte-wise, so two renderings of the same name must collapse to one form.
func NormalizePeerID(peerID string) string {
	return norm.NFC.String(strings.TrimSpace(peerID))
}

// ComparePeerIDs orders normalized peer ids lexicographically.
// Returns -1, 0 or 1.
func ComparePeerIDs(a, b string) int {
	return strings.Compare(NormalizePeerID(a), NormalizePeerID(b))
}

// Cell returns the operation's target cell, or false when it has none.
func (o Operation) Cell() (Position, bool) {
	if o.Position == nil {
		return Position{}, false
	}
	return *o.Position, true
}

// At returns a copy of o targeting pos.
func (o Operation) At(pos Position) Operation {
	o.Position = pos.Ptr()
	return o
}

// Validate checks the per-type required fields. It returns every problem
// found rather than stopping at the first.
func (o Operation) Validate() []ValidationError {
	var errs []ValidationError

	if !o.Type.Valid() {
		errs = append(errs, ValidationError{Field: "type", Message: fmt.Sprintf("unknown operation type %q", o.Type)})
	}
	if o.PeerID == "" {
		errs = append(errs, ValidationError{Field: "peerId", Message: "peer id is required"})
	}
	if o.Timestamp < 0 {
		errs = append(errs, ValidationError{Field: "timestamp", Message: "timestamp must be non-negative"})
	}
	if o.ID != "" && o.PeerID != "" && o.ID != OperationID(o.PeerID, o.Timestamp) {
		errs = append(errs, ValidationError{Field: "id", Message: fmt.Sprintf("id %q does not match peer and timestamp", o.ID)})
	}

	switch o.Type {
	case OpPlace:
		if o.ElementType == "" {
			errs = append(errs, ValidationError{Field: "elementType", Message: "required for place"})
		}
		if o.Position == nil {
			errs = append(errs, ValidationError{Field: "position", Message: "required for place"})
		}
	case OpRemove:
		if o.ElementID == "" {
			errs = append(errs, ValidationError{Field: "elementId", Message: "required for remove"})
		}
		if o.Position == nil {
			errs = append(errs, ValidationError{Field: "position", Message: "required for remove"})
		}
	case OpMove:
		if o.ElementID == "" {
			errs = append(errs, ValidationError{Field: "elementId", Message: "required for move"})
		}
		if o.Position == nil {
			errs = append(errs, ValidationError{Field: "position", Message: "required for move"})
		}
		if o.PreviousPosition == nil {
			errs = append(errs, ValidationError{Field: "previousPosition", Message: "required for move"})
		}
	}

	return errs
}

// SameCell reports whether both operations target the same cell.
func SameCell(a, b Operation) bool {
	if a.Position == nil || b.Position == nil {
		return false
	}
	return *a.Position == *b.Position
}
