package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/ofrenda/internal/ir"
)

// createTestStore opens a fresh store under t.TempDir().
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPlace(peer string, ts int64, id string, row, col int) ir.Operation {
	op := ir.NewOperation(ir.OpPlace, peer, ts)
	op.ElementID = id
	op.ElementType = "vela"
	op.Position = &ir.Position{Row: row, Col: col}
	return op
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"operations", "actions", "snapshots"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("user_version", "2"); err != nil {
		t.Error(err)
	}
}

func TestWriteOperation_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	rec := OperationRecord{
		Replica:   "peer1",
		RoomID:    "room-1",
		Operation: testPlace("peer1", 1000, "vela-1", 1, 2),
		Origin:    ir.SourceLocal,
		Outcome:   OutcomeLocal,
	}

	inserted, err := s.WriteOperation(ctx, rec)
	if err != nil {
		t.Fatalf("WriteOperation() failed: %v", err)
	}
	if !inserted {
		t.Error("first write should insert")
	}

	rec.Outcome = OutcomeRejected
	inserted, err = s.WriteOperation(ctx, rec)
	if err != nil {
		t.Fatalf("second WriteOperation() failed: %v", err)
	}
	if inserted {
		t.Error("duplicate write should be ignored")
	}

	ops, err := s.ReadOperations(ctx, "room-1")
	if err != nil {
		t.Fatalf("ReadOperations() failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].Outcome != OutcomeLocal {
		t.Errorf("outcome = %q, first write wins", ops[0].Outcome)
	}
}

func TestWriteOperation_SameIDOtherReplica(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	op := testPlace("peer1", 1000, "vela-1", 1, 2)

	for _, replica := range []string{"peer1", "peer2"} {
		if _, err := s.WriteOperation(ctx, OperationRecord{Replica: replica, RoomID: "r", Operation: op, Origin: ir.SourceRemote, Outcome: OutcomeApplied}); err != nil {
			t.Fatalf("WriteOperation(%s) failed: %v", replica, err)
		}
	}

	ops, err := s.ReadOperations(ctx, "r")
	if err != nil {
		t.Fatalf("ReadOperations() failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d rows, want one per replica", len(ops))
	}
}

func TestReadOperations_Order(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	// Written out of order on purpose.
	ops := []ir.Operation{
		testPlace("peer2", 2000, "c", 0, 2),
		testPlace("peer2", 1000, "b", 0, 1),
		testPlace("peer1", 1000, "a", 0, 0),
		testPlace("peer1", 500, "z", 2, 4),
	}
	for _, op := range ops {
		if _, err := s.WriteOperation(ctx, OperationRecord{Replica: "peer1", RoomID: "r", Operation: op, Origin: ir.SourceRemote, Outcome: OutcomeApplied}); err != nil {
			t.Fatalf("WriteOperation() failed: %v", err)
		}
	}

	got, err := s.ReadOperations(ctx, "r")
	if err != nil {
		t.Fatalf("ReadOperations() failed: %v", err)
	}
	want := []string{"peer1:500", "peer1:1000", "peer2:1000", "peer2:2000"}
	if len(got) != len(want) {
		t.Fatalf("got %d operations, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].Operation.ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].Operation.ID, id)
		}
	}
}

func TestReadOperations_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	move := ir.NewOperation(ir.OpMove, "peer1", 3000)
	move.ElementID = "flor-1"
	move.Position = &ir.Position{Row: 2, Col: 0}
	move.PreviousPosition = &ir.Position{Row: 1, Col: 0}

	if _, err := s.WriteOperation(ctx, OperationRecord{Replica: "peer1", RoomID: "r", Operation: move, Origin: ir.SourceLocal, Outcome: OutcomeLocal}); err != nil {
		t.Fatalf("WriteOperation() failed: %v", err)
	}

	got, err := s.ReadOperations(ctx, "")
	if err != nil {
		t.Fatalf("ReadOperations() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d operations, want 1", len(got))
	}
	op := got[0].Operation
	if op.ID != move.ID || op.Type != ir.OpMove || op.ElementID != "flor-1" || op.ElementType != "" {
		t.Errorf("fields not preserved: %+v", op)
	}
	if op.Position == nil || *op.Position != *move.Position {
		t.Errorf("position = %v, want %v", op.Position, move.Position)
	}
	if op.PreviousPosition == nil || *op.PreviousPosition != *move.PreviousPosition {
		t.Errorf("previous position = %v, want %v", op.PreviousPosition, move.PreviousPosition)
	}
	if got[0].Origin != ir.SourceLocal {
		t.Errorf("origin = %q", got[0].Origin)
	}
}

func TestReadOperations_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)
	got, err := s.ReadOperations(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("ReadOperations() failed: %v", err)
	}
	if got == nil {
		t.Error("expected empty slice, got nil")
	}
}

func TestActions_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	actions := []ir.Action{
		ir.NewAction("a-1", ir.PlaceElement{ElementID: "vela-1", ElementType: "vela", Position: &ir.Position{Row: 1, Col: 1}}, ir.SourceLocal, "peer1", 1000),
		ir.NewAction("a-2", ir.ClearAltar{}, ir.SourceLocal, "peer1", 1001),
		ir.NewAction("a-3", ir.UpdateBehavior{Behavior: "flee", Weight: 3}, ir.SourceRemote, "peer2", 1002),
	}
	for i, a := range actions {
		rec := ActionRecord{Replica: "peer1", RoomID: "r", Seq: int64(i + 1), Action: a, Status: "committed"}
		if err := s.WriteAction(ctx, rec); err != nil {
			t.Fatalf("WriteAction() failed: %v", err)
		}
	}
	// Duplicate seq is ignored.
	if err := s.WriteAction(ctx, ActionRecord{Replica: "peer1", RoomID: "r", Seq: 1, Action: actions[1]}); err != nil {
		t.Fatalf("duplicate WriteAction() failed: %v", err)
	}

	got, err := s.ReadActions(ctx, "r", "peer1")
	if err != nil {
		t.Fatalf("ReadActions() failed: %v", err)
	}
	if len(got) != len(actions) {
		t.Fatalf("got %d actions, want %d", len(got), len(actions))
	}
	for i, rec := range got {
		if rec.Seq != int64(i+1) {
			t.Errorf("seq %d at position %d", rec.Seq, i)
		}
		want := actions[i]
		if rec.Action.ID != want.ID || rec.Action.Type != want.Type || rec.Action.Source != want.Source {
			t.Errorf("action %d: got %+v, want %+v", i, rec.Action, want)
		}
	}

	place, ok := got[0].Action.Payload.(ir.PlaceElement)
	if !ok {
		t.Fatalf("payload type %T, want ir.PlaceElement", got[0].Action.Payload)
	}
	if place.Position == nil || *place.Position != (ir.Position{Row: 1, Col: 1}) {
		t.Errorf("place position = %v", place.Position)
	}
	if got[0].Module != ir.ModuleAltar || got[2].Module != ir.ModuleSteering {
		t.Errorf("modules = %s, %s", got[0].Module, got[2].Module)
	}

	seq, err := s.LastActionSeq(ctx, "peer1")
	if err != nil {
		t.Fatalf("LastActionSeq() failed: %v", err)
	}
	if seq != 3 {
		t.Errorf("LastActionSeq() = %d, want 3", seq)
	}
	if seq, _ := s.LastActionSeq(ctx, "nobody"); seq != 0 {
		t.Errorf("LastActionSeq() of unknown replica = %d, want 0", seq)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	state := ir.NewAltarState(ir.DefaultDimensions)
	state.Elements = append(state.Elements, ir.Placement{ElementID: "vela-1", ElementType: "vela", Position: ir.Position{Row: 1, Col: 1}})
	state.Counts["vela"] = 1

	if _, err := s.WriteSnapshot(ctx, "peer1", "r", ir.ModuleAltar, 1, ir.NewAltarState(ir.DefaultDimensions)); err != nil {
		t.Fatalf("WriteSnapshot(1) failed: %v", err)
	}
	written, err := s.WriteSnapshot(ctx, "peer1", "r", ir.ModuleAltar, 5, state)
	if err != nil {
		t.Fatalf("WriteSnapshot(5) failed: %v", err)
	}

	got, err := s.ReadLatestSnapshot(ctx, "peer1", ir.ModuleAltar)
	if err != nil {
		t.Fatalf("ReadLatestSnapshot() failed: %v", err)
	}
	if got.Seq != 5 {
		t.Errorf("seq = %d, want 5", got.Seq)
	}
	if got.Digest != written.Digest || got.Digest != ir.SnapshotDigest(got.State) {
		t.Errorf("digest = %s, want %s", got.Digest, written.Digest)
	}
	if string(got.State) != string(written.State) {
		t.Errorf("state = %s, want %s", got.State, written.State)
	}
}

func TestSnapshot_StoredCompressed(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	snap, err := s.WriteSnapshot(ctx, "peer1", "r", ir.ModuleUser, 1, ir.NewUserState())
	if err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	var blob []byte
	if err := s.db.QueryRow(`SELECT state FROM snapshots WHERE replica = 'peer1'`).Scan(&blob); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if string(blob) == string(snap.State) {
		t.Error("snapshot stored uncompressed")
	}
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		t.Fatalf("DecodeAll() failed: %v", err)
	}
	if string(raw) != string(snap.State) {
		t.Error("decompressed blob differs from canonical state")
	}
}

func TestReadLatestSnapshot_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReadLatestSnapshot(context.Background(), "peer1", ir.ModuleAltar)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestOperationStats(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	remove := ir.NewOperation(ir.OpRemove, "peer2", 3000)
	remove.ElementID = "a"
	remove.Position = &ir.Position{Row: 0, Col: 0}

	write := func(replica string, op ir.Operation, outcome string) {
		t.Helper()
		if _, err := s.WriteOperation(ctx, OperationRecord{Replica: replica, RoomID: "r", Operation: op, Origin: ir.SourceRemote, Outcome: outcome}); err != nil {
			t.Fatalf("WriteOperation() failed: %v", err)
		}
	}
	a := testPlace("peer1", 1000, "a", 0, 0)
	b := testPlace("peer2", 1000, "b", 0, 0)
	write("peer1", a, OutcomeLocal)
	write("peer2", a, OutcomeApplied)
	write("peer2", b, OutcomeLocal)
	write("peer1", b, OutcomeRelocated)
	write("peer2", remove, OutcomeLocal)
	write("peer1", remove, OutcomeApplied)
	// Another room does not count.
	write("peer1", testPlace("peer1", 9000, "x", 2, 2), OutcomeLocal)
	if _, err := s.db.Exec(`UPDATE operations SET room_id = 'other' WHERE element_id = 'x'`); err != nil {
		t.Fatal(err)
	}

	stats, err := s.OperationStats(ctx, "r")
	if err != nil {
		t.Fatalf("OperationStats() failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Replicas != 2 {
		t.Errorf("Replicas = %d, want 2", stats.Replicas)
	}
	if stats.ByType[ir.OpPlace] != 2 || stats.ByType[ir.OpRemove] != 1 {
		t.Errorf("ByType = %v", stats.ByType)
	}
	if stats.ByPeer["peer1"] != 1 || stats.ByPeer["peer2"] != 2 {
		t.Errorf("ByPeer = %v", stats.ByPeer)
	}
	if stats.ByOutcome[OutcomeLocal] != 3 || stats.ByOutcome[OutcomeApplied] != 2 || stats.ByOutcome[OutcomeRelocated] != 1 {
		t.Errorf("ByOutcome = %v", stats.ByOutcome)
	}

	all, err := s.OperationStats(ctx, "")
	if err != nil {
		t.Fatalf("OperationStats(all) failed: %v", err)
	}
	if all.Total != 4 {
		t.Errorf("Total over all rooms = %d, want 4", all.Total)
	}
}

func TestReplicas(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	if _, err := s.WriteOperation(ctx, OperationRecord{Replica: "peer2", RoomID: "r", Operation: testPlace("peer2", 1, "a", 0, 0), Origin: ir.SourceLocal, Outcome: OutcomeLocal}); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteAction(ctx, ActionRecord{Replica: "peer1", RoomID: "r", Seq: 1, Action: ir.NewAction("a", ir.ClearAltar{}, ir.SourceLocal, "peer1", 1)}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Replicas(ctx, "r")
	if err != nil {
		t.Fatalf("Replicas() failed: %v", err)
	}
	if len(got) != 2 || got[0] != "peer1" || got[1] != "peer2" {
		t.Errorf("Replicas() = %v", got)
	}
}

func TestUpdateOutcome(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	op := testPlace("peer1", 1000, "a", 0, 0)

	if _, err := s.WriteOperation(ctx, OperationRecord{Replica: "peer1", RoomID: "r", Operation: op, Origin: ir.SourceLocal, Outcome: OutcomeLocal}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.UpdateOutcome(ctx, "peer1", op.ID, OutcomeDisplaced)
	if err != nil || !ok {
		t.Fatalf("UpdateOutcome() = %v, %v", ok, err)
	}
	ok, err = s.UpdateOutcome(ctx, "peer2", op.ID, OutcomeDisplaced)
	if err != nil || ok {
		t.Errorf("UpdateOutcome() for another replica = %v, %v; want no match", ok, err)
	}

	got, err := s.ReadOperations(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Outcome != OutcomeDisplaced {
		t.Errorf("outcome = %q, want %q", got[0].Outcome, OutcomeDisplaced)
	}
}

func TestOpen_MigratesOlderJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec(`DROP INDEX idx_snapshots_room`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`PRAGMA user_version = 1`); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("user_version", "2"); err != nil {
		t.Error(err)
	}
	var name string
	err = s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name='idx_snapshots_room'`).Scan(&name)
	if err != nil {
		t.Errorf("snapshot index not restored: %v", err)
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()

	n, err := s.LastActionSeq(context.Background(), "peer1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("LastActionSeq = %d, want 0", n)
	}
}
