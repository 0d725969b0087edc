package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
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

type feedStub struct {
	txs []transaction.Transaction
	err error
}

func (f *feedStub) Fetch(_ context.Context, _ string) ([]transaction.Transaction, error) {
	return f.txs, f.err
}

type snapshotsStub struct {
	invalidated []string
}

func (s *snapshotsStub) Invalidate(_ context.Context, instanceID string) error {
	s.invalidated = append(s.invalidated, instanceID)
	return nil
}

func baseTime() time.Time {
	return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
}

func triggerTx(id string, txType transaction.Type, ref string, at time.Time) transaction.Transaction {
	return transaction.Transaction{
		ID:             id,
		ActorID:        "actor-1",
		ClientID:       "client-1",
		LocalTimestamp: at,
		Type:           txType,
		Data:           transaction.NewTriggerData(transaction.TriggerPayload{TriggerRef: ref}),
	}
}

func authorityTx(id string, txType transaction.Type, ref string, at time.Time) transaction.Transaction {
	tx := triggerTx(id, txType, ref, at)
	tx.ClientID = "authority"
	server := at
	tx.ServerTimestamp = &server
	tx.Status = transaction.StatusCommitted
	return tx
}

type harness struct {
	instances  *store.Instances
	machine    *state.Machine
	feed       *feedStub
	snapshots  *snapshotsStub
	reconciler *Reconciler
	instance   store.Instance
}

func newHarness(t *testing.T, kind store.Kind) *harness {
	t.Helper()
	discard := slog.New(slog.DiscardHandler)
	instances := store.NewInstances(sagafakes.NewBackend(), store.WithLogger(discard))
	machine := state.NewMachine(testCatalog(), state.WithLogger(discard))
	feed := &feedStub{}
	snapshots := &snapshotsStub{}
	reconciler := New(instances, machine, feed,
		WithLogger(discard), WithSnapshots(snapshots))

	ctx := context.Background()
	var inst store.Instance
	var err error
	if kind == store.KindOwned {
		inst, err = instances.GetOrCreate(ctx, "owner-1", "dragon_lair")
	} else {
		inst, err = instances.Create(ctx, "dragon_lair", kind, "", []string{"actor-1", "actor-2"})
	}
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return &harness{
		instances:  instances,
		machine:    machine,
		feed:       feed,
		snapshots:  snapshots,
		reconciler: reconciler,
		instance:   inst,
	}
}

func (h *harness) addPending(t *testing.T, txs ...transaction.Transaction) {
	t.Helper()
	if _, err := h.instances.AddTransactions(context.Background(), h.instance.ID, txs); err != nil {
		t.Fatalf("AddTransactions: %v", err)
	}
}

func (h *harness) logByID(t *testing.T, txID string) transaction.Transaction {
	t.Helper()
	all, err := h.instances.GetAll(context.Background(), h.instance.ID)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	for _, tx := range all {
		if tx.ID == txID {
			return tx
		}
	}
	t.Fatalf("transaction %s not in log", txID)
	return transaction.Transaction{}
}

func TestAuthorityWinsMergesMissingAuthoritativeHistory(t *testing.T) {
	h := newHarness(t, store.KindOwned)
	ctx := context.Background()

	h.feed.txs = []transaction.Transaction{
		authorityTx("auth-1", transaction.TypeTriggerActivated, "t1", baseTime()),
		authorityTx("auth-2", transaction.TypeTriggerCompleted, "t1", baseTime().Add(time.Minute)),
	}

	result, err := h.reconciler.Sync(ctx, h.instance.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Strategy != transaction.MergeAuthorityWins {
		t.Fatalf("strategy = %q, want authority_wins", result.Strategy)
	}
	if result.Fetched != 2 || result.Merged != 2 {
		t.Fatalf("unexpected counts: %+v", result)
	}

	for _, id := range []string{"auth-1", "auth-2"} {
		tx := h.logByID(t, id)
		if tx.Status != transaction.StatusCommitted {
			t.Fatalf("transaction %s status = %q, want committed", id, tx.Status)
		}
		if tx.MergeStrategy != transaction.MergeAuthorityWins {
			t.Fatalf("transaction %s strategy = %q", id, tx.MergeStrategy)
		}
	}

	st, err := h.machine.Replay("dragon_lair", mustAll(t, h))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if st.Triggers["t1"].Status != state.TriggerCompleted {
		t.Fatalf("t1 status = %q, want completed", st.Triggers["t1"].Status)
	}
}

func TestAuthorityWinsReversesConflictingPending(t *testing.T) {
	h := newHarness(t, store.KindOwned)
	ctx := context.Background()

	// Local client activated and completed t1 offline; the authority already
	// recorded its own completion of t1.
	h.addPending(t,
		triggerTx("local-1", transaction.TypeTriggerActivated, "t1", baseTime().Add(2*time.Minute)),
		triggerTx("local-2", transaction.TypeTriggerCompleted, "t1", baseTime().Add(3*time.Minute)),
	)
	h.feed.txs = []transaction.Transaction{
		authorityTx("auth-1", transaction.TypeTriggerActivated, "t1", baseTime()),
		authorityTx("auth-2", transaction.TypeTriggerCompleted, "t1", baseTime().Add(time.Minute)),
	}

	result, err := h.reconciler.Sync(ctx, h.instance.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Reversed != 2 {
		t.Fatalf("reversed = %d, want 2: %+v", result.Reversed, result)
	}

	for _, id := range []string{"local-1", "local-2"} {
		tx := h.logByID(t, id)
		if tx.Status != transaction.StatusReversed {
			t.Fatalf("transaction %s status = %q, want reversed", id, tx.Status)
		}
		if tx.ReversalReason == "" {
			t.Fatalf("transaction %s missing reversal reason", id)
		}
	}

	// Each reversal leaves a committed compensator naming what it undid.
	compensators := 0
	for _, tx := range mustAll(t, h) {
		if tx.Type != transaction.TypeMergeReversed {
			continue
		}
		compensators++
		if tx.Status != transaction.StatusCommitted {
			t.Fatalf("compensator %s status = %q, want committed", tx.ID, tx.Status)
		}
		if tx.ReversesTransactionID == "" {
			t.Fatalf("compensator %s does not name a reversed transaction", tx.ID)
		}
		payload, err := transaction.ParseReversalPayload(tx.Data)
		if err != nil {
			t.Fatalf("compensator payload: %v", err)
		}
		if payload.ReversedType == "" {
			t.Fatal("compensator missing reversed type")
		}
	}
	if compensators != 2 {
		t.Fatalf("expected 2 compensators, got %d", compensators)
	}

	// Derived state follows the authority: t1 completed exactly once.
	st, err := h.machine.Replay("dragon_lair", mustAll(t, h))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if st.Triggers["t1"].Status != state.TriggerCompleted {
		t.Fatalf("t1 status = %q, want completed", st.Triggers["t1"].Status)
	}
	if st.Triggers["t1"].ActivationCount != 1 {
		t.Fatalf("t1 activation count = %d, want 1", st.Triggers["t1"].ActivationCount)
	}
}

func TestAuthorityWinsCommitsCompatiblePending(t *testing.T) {
	h := newHarness(t, store.KindOwned)
	ctx := context.Background()

	h.addPending(t, triggerTx("local-1", transaction.TypeTriggerActivated, "t2", baseTime().Add(2*time.Minute)))
	h.feed.txs = []transaction.Transaction{
		authorityTx("auth-1", transaction.TypeTriggerActivated, "t1", baseTime()),
	}

	result, err := h.reconciler.Sync(ctx, h.instance.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Committed != 1 || result.Reversed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	tx := h.logByID(t, "local-1")
	if tx.Status != transaction.StatusCommitted {
		t.Fatalf("status = %q, want committed", tx.Status)
	}
	if tx.MergeStrategy != transaction.MergeAuthorityWins {
		t.Fatalf("strategy = %q", tx.MergeStrategy)
	}
	if tx.ServerTimestamp == nil {
		t.Fatal("committed transaction missing server timestamp")
	}
}

func TestTimestampOrderingInterleavesByCanonicalTime(t *testing.T) {
	h := newHarness(t, store.KindShared)
	ctx := context.Background()

	// Local pending completion of t1 happened before the authority's
	// deactivation, so in timestamp order it lands while t1 is still active
	// and stays valid.
	h.addPending(t, triggerTx("local-1", transaction.TypeTriggerCompleted, "t1", baseTime().Add(time.Minute)))
	h.feed.txs = []transaction.Transaction{
		authorityTx("auth-1", transaction.TypeTriggerActivated, "t1", baseTime()),
	}

	result, err := h.reconciler.Sync(ctx, h.instance.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Strategy != transaction.MergeTimestampOrdering {
		t.Fatalf("strategy = %q, want timestamp_ordering", result.Strategy)
	}
	if result.Committed != 1 || result.Reversed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	tx := h.logByID(t, "local-1")
	if tx.MergeStrategy != transaction.MergeTimestampOrdering {
		t.Fatalf("strategy = %q", tx.MergeStrategy)
	}
}

func TestTimestampOrderingReversesStaleLocalWrite(t *testing.T) {
	h := newHarness(t, store.KindShared)
	ctx := context.Background()

	// The local completion happened after the authority had already
	// completed t1, so in merged order it is redundant and reversed.
	h.addPending(t, triggerTx("local-1", transaction.TypeTriggerCompleted, "t1", baseTime().Add(5*time.Minute)))
	h.feed.txs = []transaction.Transaction{
		authorityTx("auth-1", transaction.TypeTriggerActivated, "t1", baseTime()),
		authorityTx("auth-2", transaction.TypeTriggerCompleted, "t1", baseTime().Add(time.Minute)),
	}

	result, err := h.reconciler.Sync(ctx, h.instance.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Reversed != 1 {
		t.Fatalf("reversed = %d, want 1", result.Reversed)
	}
	tx := h.logByID(t, "local-1")
	if tx.Status != transaction.StatusReversed {
		t.Fatalf("status = %q, want reversed", tx.Status)
	}
}

func TestTimestampOrderingResequencesCommittedPendingAboveMergedHistory(t *testing.T) {
	h := newHarness(t, store.KindShared)
	ctx := context.Background()

	// The local client damaged the dragon after the authority spawned it, but
	// the spawn only arrives at merge time and is appended above the pending
	// damage. The commit must move the damage past its predecessor or a
	// sequence-order replay would drop its effect.
	h.addPending(t, transaction.Transaction{
		ID:             "local-1",
		ActorID:        "actor-1",
		ClientID:       "client-1",
		LocalTimestamp: baseTime().Add(2 * time.Minute),
		Type:           transaction.TypeEntityDamaged,
		Data:           transaction.NewHealthData(transaction.HealthPayload{EntityID: "e1", Amount: 40}),
	})

	spawnAt := baseTime().Add(time.Minute)
	spawn := transaction.Transaction{
		ID:              "auth-1",
		ActorID:         "actor-9",
		ClientID:        "authority",
		LocalTimestamp:  spawnAt,
		ServerTimestamp: &spawnAt,
		Status:          transaction.StatusCommitted,
		Type:            transaction.TypeEntitySpawned,
		Data:            transaction.NewSpawnData(transaction.SpawnPayload{EntityID: "e1", EntityRef: "dragon"}),
	}
	h.feed.txs = []transaction.Transaction{spawn}

	result, err := h.reconciler.Sync(ctx, h.instance.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Committed != 1 || result.Reversed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	local := h.logByID(t, "local-1")
	auth := h.logByID(t, "auth-1")
	if local.Seq <= auth.Seq {
		t.Fatalf("damage seq %d must exceed spawn seq %d", local.Seq, auth.Seq)
	}

	st, err := h.machine.Replay("dragon_lair", mustAll(t, h))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	entity, ok := st.Entities["e1"]
	if !ok {
		t.Fatal("entity e1 missing from replayed state")
	}
	if entity.Health != 60 {
		t.Fatalf("health = %d, want 60", entity.Health)
	}
}

func TestSyncWithStrategyRejectsUnknownStrategy(t *testing.T) {
	h := newHarness(t, store.KindOwned)

	_, err := h.reconciler.SyncWithStrategy(context.Background(), h.instance.ID, "newest_wins")
	if !errors.Is(err, apperrors.New(apperrors.CodeSyncInvalidStrategy, "")) {
		t.Fatalf("expected invalid-strategy error, got %v", err)
	}
}

func TestSyncMarksInstanceSyncedAndInvalidatesSnapshots(t *testing.T) {
	h := newHarness(t, store.KindOwned)
	ctx := context.Background()

	h.addPending(t, triggerTx("local-1", transaction.TypeTriggerCompleted, "t1", baseTime()))
	h.feed.txs = nil

	if _, err := h.reconciler.Sync(ctx, h.instance.ID); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	inst, err := h.instances.Get(ctx, h.instance.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.LastSyncedAt == nil {
		t.Fatal("expected LastSyncedAt to be set")
	}
	// The pending completion had no active trigger to complete, so it was
	// reversed and the checkpoint dropped.
	if len(h.snapshots.invalidated) != 1 || h.snapshots.invalidated[0] != h.instance.ID {
		t.Fatalf("unexpected snapshot invalidations: %v", h.snapshots.invalidated)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	h := newHarness(t, store.KindOwned)
	ctx := context.Background()

	h.feed.txs = []transaction.Transaction{
		authorityTx("auth-1", transaction.TypeTriggerActivated, "t1", baseTime()),
	}

	if _, err := h.reconciler.Sync(ctx, h.instance.ID); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	second, err := h.reconciler.Sync(ctx, h.instance.ID)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if second.Merged != 0 || second.Committed != 0 || second.Reversed != 0 {
		t.Fatalf("second sync should be a no-op, got %+v", second)
	}
	if got := len(mustAll(t, h)); got != 1 {
		t.Fatalf("expected 1 transaction after repeated sync, got %d", got)
	}
}

func TestSyncFeedFailureLeavesLogUntouched(t *testing.T) {
	h := newHarness(t, store.KindOwned)
	ctx := context.Background()

	h.addPending(t, triggerTx("local-1", transaction.TypeTriggerActivated, "t1", baseTime()))
	h.feed.err = context.DeadlineExceeded

	if _, err := h.reconciler.Sync(ctx, h.instance.ID); err == nil {
		t.Fatal("expected feed error")
	}
	tx := h.logByID(t, "local-1")
	if tx.Status != transaction.StatusPending {
		t.Fatalf("status = %q, want pending after failed sync", tx.Status)
	}
}

func TestCheckValidityTable(t *testing.T) {
	discard := slog.New(slog.DiscardHandler)
	machine := state.NewMachine(testCatalog(), state.WithLogger(discard))
	base, err := machine.Replay("dragon_lair", []transaction.Transaction{
		{
			Seq: 1, ID: "c1", ClientID: "c", Status: transaction.StatusCommitted,
			LocalTimestamp: baseTime(), Type: transaction.TypeTriggerActivated,
			Data: transaction.NewTriggerData(transaction.TriggerPayload{TriggerRef: "t1"}),
		},
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	tests := []struct {
		name  string
		tx    transaction.Transaction
		valid bool
	}{
		{
			name:  "complete active trigger",
			tx:    triggerTx("x", transaction.TypeTriggerCompleted, "t1", baseTime()),
			valid: true,
		},
		{
			name:  "complete inactive trigger",
			tx:    triggerTx("x", transaction.TypeTriggerCompleted, "t2", baseTime()),
			valid: false,
		},
		{
			name:  "activate unknown trigger",
			tx:    triggerTx("x", transaction.TypeTriggerActivated, "nope", baseTime()),
			valid: false,
		},
		{
			name: "damage unspawned entity",
			tx: transaction.Transaction{
				Type: transaction.TypeEntityDamaged,
				Data: transaction.NewHealthData(transaction.HealthPayload{EntityID: "e1", Amount: 5}),
			},
			valid: false,
		},
		{
			name: "advance unstarted quest",
			tx: transaction.Transaction{
				Type: transaction.TypeQuestAdvanced,
				Data: transaction.NewQuestData(transaction.QuestPayload{QuestRef: "q1", Stage: 2}),
			},
			valid: false,
		},
		{
			name: "additive records always merge",
			tx: transaction.Transaction{
				Type: transaction.TypeNoteAdded,
				Data: transaction.NewNoteData(transaction.NotePayload{Text: "hi"}),
			},
			valid: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			valid, reason := checkValidity(base, tc.tx)
			if valid != tc.valid {
				t.Fatalf("valid = %v (reason %q), want %v", valid, reason, tc.valid)
			}
			if !valid && reason == "" {
				t.Fatal("invalid verdict must carry a reason")
			}
		})
	}
}

func mustAll(t *testing.T, h *harness) []transaction.Transaction {
	t.Helper()
	all, err := h.instances.GetAll(context.Background(), h.instance.ID)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	return all
}
