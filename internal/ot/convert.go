package ot

import "github.com/roach88/ofrenda/internal/ir"

// ActionToOperation maps a placement action onto its canonical Operation.
// Only placeElement and removeElement (and their legacy aliases) map; any
// other action returns false and should pass through untransformed.
func ActionToOperation(a ir.Action) (ir.Operation, bool) {
	switch p := a.Payload.(type) {
	case ir.PlaceElement:
		if p.Position == nil {
			return ir.Operation{}, false
		}
		op := ir.NewOperation(ir.OpPlace, a.PeerID, a.Timestamp)
		op.ElementID = p.ElementID
		op.ElementType = p.ElementType
		op.Position = p.Position.Ptr()
		return op, true
	case ir.RemoveElement:
		if p.Position == nil {
			return ir.Operation{}, false
		}
		op := ir.NewOperation(ir.OpRemove, a.PeerID, a.Timestamp)
		op.ElementID = p.ElementID
		op.Position = p.Position.Ptr()
		return op, true
	}
	return ir.Operation{}, false
}

// OperationToAction is the inverse of ActionToOperation for place and
// remove. The action carries the operation id and is marked remote.
func OperationToAction(op ir.Operation) (ir.Action, bool) {
	if op.Position == nil {
		return ir.Action{}, false
	}
	var p ir.Payload
	switch op.Type {
	case ir.OpPlace:
		p = ir.PlaceElement{
			ElementID:   op.ElementID,
			ElementType: op.ElementType,
			Position:    op.Position.Ptr(),
		}
	case ir.OpRemove:
		p = ir.RemoveElement{
			ElementID: op.ElementID,
			Position:  op.Position.Ptr(),
		}
	default:
		return ir.Action{}, false
	}
	return ir.NewAction(op.ID, p, ir.SourceRemote, op.PeerID, op.Timestamp), true
}
