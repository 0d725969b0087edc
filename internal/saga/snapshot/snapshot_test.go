package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/emberveil/sagalog/internal/saga/state"
	"github.com/emberveil/sagalog/internal/saga/store"
	"github.com/emberveil/sagalog/internal/saga/template"
	"github.com/emberveil/sagalog/internal/saga/transaction"
	"github.com/emberveil/sagalog/internal/testkit/sagafakes"
)

type catalogStub struct {
	templates map[string]template.Template
}

func (c catalogStub) Template(ref string) (template.Template, error) {
	tmpl, ok := c.templates[ref]
	if !ok {
		return template.Template{}, template.NotFound(ref)
	}
	return tmpl, nil
}

func testCatalog() template.Catalog {
	return catalogStub{templates: map[string]template.Template{
		"dragon_lair": {
			Ref:      "dragon_lair",
			Triggers: []template.TriggerDef{{Ref: "t1"}, {Ref: "t2"}},
			Entities: []template.EntityDef{{Ref: "dragon", MaxHealth: 100}},
		},
	}}
}

func testHarness(t *testing.T) (*Manager, *store.Instances, store.Instance) {
	t.Helper()
	discard := slog.New(slog.DiscardHandler)
	instances := store.NewInstances(sagafakes.NewBackend(), store.WithLogger(discard))
	machine := state.NewMachine(testCatalog(), state.WithLogger(discard))
	snapStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	mgr := NewManager(instances, machine, snapStore, WithLogger(discard))

	inst, err := instances.GetOrCreate(context.Background(), "owner-1", "dragon_lair")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return mgr, instances, inst
}

func appendAndCommit(t *testing.T, instances *store.Instances, instanceID string, txs ...transaction.Transaction) {
	t.Helper()
	ctx := context.Background()
	if _, err := instances.AddTransactions(ctx, instanceID, txs); err != nil {
		t.Fatalf("AddTransactions: %v", err)
	}
	all, err := instances.GetAll(ctx, instanceID)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	var ids []string
	for _, tx := range all {
		if tx.Status == transaction.StatusPending {
			ids = append(ids, tx.ID)
		}
	}
	if err := instances.Commit(ctx, instanceID, ids); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func triggerTx(ref string) transaction.Transaction {
	return transaction.Transaction{
		ClientID: "client-1",
		ActorID:  "actor-1",
		Type:     transaction.TypeTriggerActivated,
		Data:     transaction.NewTriggerData(transaction.TriggerPayload{TriggerRef: ref}),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	snap := Snapshot{
		InstanceID:  "inst-1",
		TemplateRef: "dragon_lair",
		Seq:         7,
		CapturedAt:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		State:       &state.State{TemplateRef: "dragon_lair", Status: state.SagaActive},
	}
	data, err := Encode(snap)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.InstanceID != snap.InstanceID || got.Seq != snap.Seq {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.State == nil || got.State.TemplateRef != "dragon_lair" {
		t.Fatalf("state round trip failed: %+v", got.State)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not a snapshot")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSettledBoundaryStopsAtFirstPending(t *testing.T) {
	txs := []transaction.Transaction{
		{Seq: 1, Status: transaction.StatusCommitted},
		{Seq: 2, Status: transaction.StatusRejected},
		{Seq: 3, Status: transaction.StatusPending},
		{Seq: 4, Status: transaction.StatusCommitted},
	}
	if got := settledBoundary(txs); got != 2 {
		t.Fatalf("boundary = %d, want 2", got)
	}
	if got := settledBoundary(txs[:2]); got != 2 {
		t.Fatalf("fully settled boundary = %d, want 2", got)
	}
	if got := settledBoundary(nil); got != 0 {
		t.Fatalf("empty boundary = %d, want 0", got)
	}
}

func TestStateMatchesFullReplay(t *testing.T) {
	mgr, instances, inst := testHarness(t)
	ctx := context.Background()

	appendAndCommit(t, instances, inst.ID, triggerTx("t1"))
	if err := mgr.Capture(ctx, inst.ID); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	appendAndCommit(t, instances, inst.ID, triggerTx("t2"))

	fromSnapshot, err := mgr.State(ctx, inst.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}

	discard := slog.New(slog.DiscardHandler)
	machine := state.NewMachine(testCatalog(), state.WithLogger(discard))
	txs, _ := instances.GetAll(ctx, inst.ID)
	full, err := machine.Replay("dragon_lair", txs)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if !reflect.DeepEqual(fromSnapshot, full) {
		t.Fatalf("snapshot-accelerated state diverges from full replay:\n%+v\nvs\n%+v", fromSnapshot, full)
	}
	if fromSnapshot.Triggers["t1"].Status != state.TriggerActive {
		t.Fatalf("t1 status = %q", fromSnapshot.Triggers["t1"].Status)
	}
	if fromSnapshot.Triggers["t2"].Status != state.TriggerActive {
		t.Fatalf("t2 status = %q", fromSnapshot.Triggers["t2"].Status)
	}
}

func TestStateWithoutSnapshotFallsBackToReplay(t *testing.T) {
	mgr, instances, inst := testHarness(t)
	ctx := context.Background()

	appendAndCommit(t, instances, inst.ID, triggerTx("t1"))

	st, err := mgr.State(ctx, inst.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Triggers["t1"].Status != state.TriggerActive {
		t.Fatalf("t1 status = %q", st.Triggers["t1"].Status)
	}
}

func TestStateDiscardsCorruptSnapshot(t *testing.T) {
	mgr, instances, inst := testHarness(t)
	ctx := context.Background()

	appendAndCommit(t, instances, inst.ID, triggerTx("t1"))
	if err := mgr.snapshots.Put(ctx, inst.ID, []byte("corrupt")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	st, err := mgr.State(ctx, inst.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Triggers["t1"].Status != state.TriggerActive {
		t.Fatalf("t1 status = %q", st.Triggers["t1"].Status)
	}
	if _, err := mgr.snapshots.Get(ctx, inst.ID); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected corrupt snapshot to be deleted, got %v", err)
	}
}

func TestCaptureSkipsAllPendingLog(t *testing.T) {
	mgr, instances, inst := testHarness(t)
	ctx := context.Background()

	if _, err := instances.AddTransactions(ctx, inst.ID, []transaction.Transaction{triggerTx("t1")}); err != nil {
		t.Fatalf("AddTransactions: %v", err)
	}
	if err := mgr.Capture(ctx, inst.ID); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, err := mgr.snapshots.Get(ctx, inst.ID); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected no snapshot for all-pending log, got %v", err)
	}
}

func TestInvalidateRemovesSnapshot(t *testing.T) {
	mgr, instances, inst := testHarness(t)
	ctx := context.Background()

	appendAndCommit(t, instances, inst.ID, triggerTx("t1"))
	if err := mgr.Capture(ctx, inst.ID); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := mgr.Invalidate(ctx, inst.ID); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := mgr.snapshots.Get(ctx, inst.ID); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected snapshot removed, got %v", err)
	}
}
