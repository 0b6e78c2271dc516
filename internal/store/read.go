package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/ofrenda/internal/ir"
)

// ReadOperations returns the journaled operations of a room across every
// replica. An empty room matches every room.
// Results are ordered by timestamp, peer_id, id COLLATE BINARY, then replica.
//
// Returns an empty slice (not nil) if nothing was journaled.
func (s *Store) ReadOperations(ctx context.Context, room string) ([]OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, replica, room_id, id, type, element_id, element_type, row, col, prev_row, prev_col, timestamp, peer_id, origin, outcome
		FROM operations
		WHERE (? = '' OR room_id = ?)
		ORDER BY timestamp ASC, peer_id COLLATE BINARY ASC, id COLLATE BINARY ASC, replica COLLATE BINARY ASC
	`, room, room)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	records := []OperationRecord{}
	for rows.Next() {
		rec, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return records, nil
}

func scanOperation(rows *sql.Rows) (OperationRecord, error) {
	var (
		rec                        OperationRecord
		opType, origin             string
		row, col, prevRow, prevCol sql.NullInt64
	)
	op := &rec.Operation
	err := rows.Scan(
		&rec.Seq, &rec.Replica, &rec.RoomID,
		&op.ID, &opType, &op.ElementID, &op.ElementType,
		&row, &col, &prevRow, &prevCol,
		&op.Timestamp, &op.PeerID, &origin, &rec.Outcome,
	)
	if err != nil {
		return OperationRecord{}, fmt.Errorf("scan operation: %w", err)
	}
	op.Type = ir.OpType(opType)
	op.Position = positionFromColumns(row, col)
	op.PreviousPosition = positionFromColumns(prevRow, prevCol)
	rec.Origin = ir.Source(origin)
	return rec, nil
}

func positionFromColumns(row, col sql.NullInt64) *ir.Position {
	if !row.Valid || !col.Valid {
		return nil
	}
	return &ir.Position{Row: int(row.Int64), Col: int(col.Int64)}
}

// ReadActions returns a replica's committed actions in commit order.
// An empty room matches every room.
func (s *Store) ReadActions(ctx context.Context, room, replica string) ([]ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT replica, room_id, seq, id, type, module, source, peer_id, timestamp, payload, status
		FROM actions
		WHERE (? = '' OR room_id = ?) AND replica = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, room, room, replica)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	records := []ActionRecord{}
	for rows.Next() {
		var (
			rec                             ActionRecord
			id, typ, module, source, peerID string
			timestamp                       int64
			payload                         string
		)
		if err := rows.Scan(&rec.Replica, &rec.RoomID, &rec.Seq, &id, &typ, &module, &source, &peerID, &timestamp, &payload, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a, err := decodeAction(id, typ, source, peerID, timestamp, payload)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", id, err)
		}
		rec.Action = a
		rec.Module = ir.ModuleName(module)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return records, nil
}

// decodeAction rebuilds an Action through its own JSON decoder so the
// payload comes back as the concrete struct for its type.
func decodeAction(id, typ, source, peerID string, timestamp int64, payload string) (ir.Action, error) {
	envelope, err := json.Marshal(struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp int64           `json:"timestamp"`
		Source    string          `json:"source"`
		PeerID    string          `json:"peerId"`
	}{id, typ, json.RawMessage(payload), timestamp, source, peerID})
	if err != nil {
		return ir.Action{}, err
	}
	var a ir.Action
	if err := json.Unmarshal(envelope, &a); err != nil {
		return ir.Action{}, err
	}
	return a, nil
}

// LastActionSeq returns the highest journaled seq of a replica, or 0.
func (s *Store) LastActionSeq(ctx context.Context, replica string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM actions WHERE replica = ?`, replica).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last action seq: %w", err)
	}
	return seq.Int64, nil
}

// Replicas lists the replicas that journaled anything for a room, sorted.
// An empty room matches every room.
func (s *Store) Replicas(ctx context.Context, room string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT replica FROM actions WHERE (? = '' OR room_id = ?)
		UNION
		SELECT replica FROM operations WHERE (? = '' OR room_id = ?)
		ORDER BY replica COLLATE BINARY ASC
	`, room, room, room, room)
	if err != nil {
		return nil, fmt.Errorf("query replicas: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan replica: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReadLatestSnapshot returns the snapshot with the highest seq for a
// replica's module, decompressed.
// Returns sql.ErrNoRows if none exists.
func (s *Store) ReadLatestSnapshot(ctx context.Context, replica string, module ir.ModuleName) (Snapshot, error) {
	var (
		snap       Snapshot
		compressed []byte
		mod        string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT replica, room_id, module, seq, digest, state
		FROM snapshots
		WHERE replica = ? AND module = ?
		ORDER BY seq DESC
		LIMIT 1
	`, replica, string(module)).Scan(&snap.Replica, &snap.RoomID, &mod, &snap.Seq, &snap.Digest, &compressed)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Module = ir.ModuleName(mod)

	snap.State, err = decoder.DecodeAll(compressed, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	if got := ir.SnapshotDigest(snap.State); got != snap.Digest {
		return Snapshot{}, fmt.Errorf("snapshot %s/%s@%d digest mismatch: stored %s, computed %s",
			snap.Replica, snap.Module, snap.Seq, snap.Digest, got)
	}
	return snap, nil
}

// OperationStats summarizes the journaled operations of a room.
type OperationStats struct {
	// Total counts distinct operation ids.
	Total int `json:"total"`
	// ByType and ByPeer count distinct operation ids.
	ByType map[ir.OpType]int `json:"byType"`
	ByPeer map[string]int    `json:"byPeer"`
	// ByOutcome counts journal rows, one per replica that saw the operation.
	ByOutcome map[string]int `json:"byOutcome"`
	Replicas  int            `json:"replicas"`
}

// OperationStats counts operations by type, peer and outcome.
// An empty room matches every room.
func (s *Store) OperationStats(ctx context.Context, room string) (OperationStats, error) {
	stats := OperationStats{
		ByType:    make(map[ir.OpType]int),
		ByPeer:    make(map[string]int),
		ByOutcome: make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT id), COUNT(DISTINCT replica)
		FROM operations
		WHERE (? = '' OR room_id = ?)
	`, room, room).Scan(&stats.Total, &stats.Replicas)
	if err != nil {
		return stats, fmt.Errorf("operation stats: %w", err)
	}

	groups := []struct {
		query string
		add   func(key string, n int)
	}{
		{
			`SELECT type, COUNT(DISTINCT id) FROM operations WHERE (? = '' OR room_id = ?) GROUP BY type`,
			func(k string, n int) { stats.ByType[ir.OpType(k)] = n },
		},
		{
			`SELECT peer_id, COUNT(DISTINCT id) FROM operations WHERE (? = '' OR room_id = ?) GROUP BY peer_id`,
			func(k string, n int) { stats.ByPeer[k] = n },
		},
		{
			`SELECT outcome, COUNT(*) FROM operations WHERE (? = '' OR room_id = ?) GROUP BY outcome`,
			func(k string, n int) { stats.ByOutcome[k] = n },
		},
	}
	for _, g := range groups {
		if err := s.countGroups(ctx, g.query, room, g.add); err != nil {
			return stats, fmt.Errorf("operation stats: %w", err)
		}
	}
	return stats, nil
}

func (s *Store) countGroups(ctx context.Context, query, room string, add func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query, room, room)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		add(key, n)
	}
	return rows.Err()
}
