package modules

import (
	"fmt"

	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/ir"
)

// Collaboration builds the collaboration module.
func Collaboration() engine.Module {
	return engine.NewModule(ir.ModuleCollaboration, ir.NewCollaborationState(), reduceCollaboration, ValidateCollaboration)
}

func reduceCollaboration(s ir.CollaborationState, a ir.Action) (ir.CollaborationState, error) {
	switch p := a.Payload.(type) {
	case ir.JoinRoom:
		if s.RoomID != p.RoomID {
			s = ir.NewCollaborationState()
			s.RoomID = p.RoomID
		}
		peer := ir.NormalizePeerID(p.PeerID)
		if _, ok := s.Peers[peer]; !ok {
			s.Peers[peer] = ir.PeerInfo{PeerID: peer, DisplayName: p.DisplayName, JoinedAt: a.Timestamp}
		}
		s.Connected = true

	case ir.LeaveRoom:
		peer := ir.NormalizePeerID(p.PeerID)
		delete(s.Peers, peer)
		delete(s.Cursors, peer)
		s.Connected = len(s.Peers) > 0

	case ir.SyncState:
		if a.Timestamp < s.LastSync {
			return s, fmt.Errorf("%w: sync at %d is older than %d", engine.ErrStateSync, a.Timestamp, s.LastSync)
		}
		next := ir.NewCollaborationState()
		next.RoomID = p.RoomID
		for _, info := range p.Peers {
			info.PeerID = ir.NormalizePeerID(info.PeerID)
			next.Peers[info.PeerID] = info
		}
		for peer, pos := range p.Cursors {
			peer = ir.NormalizePeerID(peer)
			if _, ok := next.Peers[peer]; ok {
				next.Cursors[peer] = pos
			}
		}
		next.LastSync = a.Timestamp
		next.Connected = len(next.Peers) > 0
		s = next

	case ir.BroadcastCursor:
		peer := ir.NormalizePeerID(p.PeerID)
		if _, ok := s.Peers[peer]; !ok {
			return s, fmt.Errorf("%w: cursor from %s who is not in the room", engine.ErrStateSync, peer)
		}
		s.Cursors[peer] = *p.Position

	default:
		return s, fmt.Errorf("collaboration: unexpected action %s", a.Type)
	}
	return s, nil
}

// ValidateCollaboration checks the structural invariants of a collaboration
// state.
func ValidateCollaboration(s ir.CollaborationState) error {
	if s.Peers == nil || s.Cursors == nil {
		return fmt.Errorf("collaboration peers and cursors must be maps")
	}
	if s.Connected && s.RoomID == "" {
		return fmt.Errorf("connected without a room")
	}
	for peer := range s.Cursors {
		if _, ok := s.Peers[peer]; !ok {
			return fmt.Errorf("cursor for %s who is not in the room", peer)
		}
	}
	for key, info := range s.Peers {
		if key != info.PeerID {
			return fmt.Errorf("peer %s is stored under %s", info.PeerID, key)
		}
	}
	return nil
}
