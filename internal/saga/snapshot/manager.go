package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberveil/sagalog/internal/saga/state"
	"github.com/emberveil/sagalog/internal/saga/store"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

// Manager captures checkpoints and derives state snapshot-first with a
// full-replay fallback.
type Manager struct {
	instances *store.Instances
	machine   *state.Machine
	snapshots Store
	clock     func() time.Time
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager wires a Manager over the instance service, the state machine,
// and a snapshot store.
func NewManager(instances *store.Instances, machine *state.Machine, snapshots Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		instances: instances,
		machine:   machine,
		snapshots: snapshots,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// settledBoundary returns the highest sequence number B such that no
// transaction with Seq <= B is pending. Pending records below a checkpoint
// could still commit later, which would silently invalidate it, so the
// boundary stops short of the first pending transaction.
func settledBoundary(txs []transaction.Transaction) uint64 {
	var boundary uint64
	for _, tx := range txs {
		if tx.Status == transaction.StatusPending {
			break
		}
		boundary = tx.Seq
	}
	return boundary
}

// Capture checkpoints an instance at its settled boundary. Instances whose
// entire log is pending produce no snapshot.
func (m *Manager) Capture(ctx context.Context, instanceID string) error {
	inst, err := m.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	txs, err := m.instances.GetAll(ctx, instanceID)
	if err != nil {
		return err
	}

	boundary := settledBoundary(txs)
	if boundary == 0 {
		return nil
	}

	st, err := m.machine.ReplayToSequence(inst.TemplateRef, txs, boundary)
	if err != nil {
		return fmt.Errorf("replay to boundary: %w", err)
	}

	data, err := Encode(Snapshot{
		InstanceID:  instanceID,
		TemplateRef: inst.TemplateRef,
		Seq:         boundary,
		CapturedAt:  m.clock(),
		State:       st,
	})
	if err != nil {
		return err
	}
	if err := m.snapshots.Put(ctx, instanceID, data); err != nil {
		return err
	}
	m.logger.Info("captured snapshot", "instance_id", instanceID, "seq", boundary)
	return nil
}

// State derives current state for an instance, resuming from a snapshot when
// one is available and falling back to a full replay when it is missing or
// unreadable. A corrupt snapshot is deleted, never trusted.
func (m *Manager) State(ctx context.Context, instanceID string) (*state.State, error) {
	inst, err := m.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	data, err := m.snapshots.Get(ctx, instanceID)
	if err == nil {
		snap, decodeErr := Decode(data)
		if decodeErr == nil && snap.State != nil && snap.TemplateRef == inst.TemplateRef {
			tail, tailErr := m.instances.GetAfterSequence(ctx, instanceID, snap.Seq)
			if tailErr != nil {
				return nil, tailErr
			}
			return m.machine.ReplayFrom(snap.State, tail)
		}
		m.logger.Warn("discarding unusable snapshot", "instance_id", instanceID, "error", decodeErr)
		_ = m.snapshots.Delete(ctx, instanceID)
	}

	txs, err := m.instances.GetAll(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return m.machine.Replay(inst.TemplateRef, txs)
}

// Invalidate drops an instance's checkpoint. Reconciliation calls this after
// reversing committed transactions, since a checkpoint may have folded them in.
func (m *Manager) Invalidate(ctx context.Context, instanceID string) error {
	return m.snapshots.Delete(ctx, instanceID)
}
