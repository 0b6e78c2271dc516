package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/roach88/ofrenda/internal/ir"
)

// Outcomes recorded with each operation.
const (
	// OutcomeLocal: the operation was issued by this replica.
	OutcomeLocal = "local"
	// OutcomeApplied, OutcomeRelocated, OutcomeRejected: the resolver's
	// decision for an incoming operation.
	OutcomeApplied   = "applied"
	OutcomeRelocated = "relocated"
	OutcomeRejected  = "rejected"
	// OutcomeDisplaced: a local placement undone because an incoming
	// operation won its cell.
	OutcomeDisplaced = "displaced"
)

// OperationRecord is one journaled operation.
type OperationRecord struct {
	Seq       int64
	Replica   string
	RoomID    string
	Operation ir.Operation
	Origin    ir.Source
	Outcome   string
}

// ActionRecord is one committed action.
type ActionRecord struct {
	Replica string
	RoomID  string
	Seq     int64
	Action  ir.Action
	Module  ir.ModuleName
	Status  string
}

// Snapshot is a module state captured after the action with Seq.
type Snapshot struct {
	Replica string
	RoomID  string
	Module  ir.ModuleName
	Seq     int64
	Digest  string
	// State is canonical JSON.
	State []byte
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// WriteOperation journals an operation for a replica.
// Uses ON CONFLICT DO NOTHING for idempotency - a replica journals each
// operation id once. Returns whether a row was inserted.
func (s *Store) WriteOperation(ctx context.Context, rec OperationRecord) (bool, error) {
	op := rec.Operation
	row, col := positionColumns(op.Position)
	prevRow, prevCol := positionColumns(op.PreviousPosition)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations
		(replica, room_id, id, type, element_id, element_type, row, col, prev_row, prev_col, timestamp, peer_id, origin, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(replica, id) DO NOTHING
	`,
		rec.Replica,
		rec.RoomID,
		op.ID,
		string(op.Type),
		op.ElementID,
		op.ElementType,
		row, col,
		prevRow, prevCol,
		op.Timestamp,
		op.PeerID,
		string(rec.Origin),
		rec.Outcome,
	)
	if err != nil {
		return false, fmt.Errorf("write operation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write operation: %w", err)
	}
	return n > 0, nil
}

// UpdateOutcome changes the outcome of a journaled operation, used when a
// local placement is later displaced. Returns whether a row matched.
func (s *Store) UpdateOutcome(ctx context.Context, replica, id, outcome string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET outcome = ? WHERE replica = ? AND id = ?
	`, outcome, replica, id)
	if err != nil {
		return false, fmt.Errorf("update outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update outcome: %w", err)
	}
	return n > 0, nil
}

// WriteAction journals a committed action.
// Idempotent on (replica, seq).
func (s *Store) WriteAction(ctx context.Context, rec ActionRecord) error {
	payload, err := ir.MarshalCanonical(rec.Action.Payload)
	if err != nil {
		return fmt.Errorf("write action: marshal payload: %w", err)
	}

	module := rec.Module
	if module == "" {
		if module, err = rec.Action.Module(); err != nil {
			return fmt.Errorf("write action: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions
		(replica, room_id, seq, id, type, module, source, peer_id, timestamp, payload, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rec.Replica,
		rec.RoomID,
		rec.Seq,
		rec.Action.ID,
		string(rec.Action.Type),
		string(module),
		string(rec.Action.Source),
		rec.Action.PeerID,
		rec.Action.Timestamp,
		string(payload),
		rec.Status,
	)
	if err != nil {
		return fmt.Errorf("write action: %w", err)
	}
	return nil
}

// WriteSnapshot stores state as zstd-compressed canonical JSON.
func (s *Store) WriteSnapshot(ctx context.Context, replica, room string, module ir.ModuleName, seq int64, state any) (Snapshot, error) {
	data, err := ir.MarshalCanonical(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	snap := Snapshot{
		Replica: replica,
		RoomID:  room,
		Module:  module,
		Seq:     seq,
		Digest:  ir.SnapshotDigest(data),
		State:   data,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (replica, room_id, module, seq, digest, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(replica, module, seq) DO UPDATE SET
			digest = excluded.digest,
			state = excluded.state
	`,
		replica, room, string(module), seq, snap.Digest, encoder.EncodeAll(data, nil),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	return snap, nil
}

func positionColumns(p *ir.Position) (sql.NullInt64, sql.NullInt64) {
	if p == nil {
		return sql.NullInt64{}, sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(p.Row), Valid: true}, sql.NullInt64{Int64: int64(p.Col), Valid: true}
}
