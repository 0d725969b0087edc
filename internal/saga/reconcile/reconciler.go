// Package reconcile merges a local transaction log with an authoritative
// stream. The authoritative stream always wins on conflicts; local pending
// transactions that no longer make sense are reversed with a compensating
// record rather than silently dropped.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
	"github.com/emberveil/sagalog/internal/saga/state"
	"github.com/emberveil/sagalog/internal/saga/store"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

const tracerName = "github.com/emberveil/sagalog/internal/saga/reconcile"

// Feed supplies the authoritative committed transaction stream for an
// instance. Implementations include the websocket remote feed and test fakes.
type Feed interface {
	Fetch(ctx context.Context, instanceID string) ([]transaction.Transaction, error)
}

// Snapshots is the subset of snapshot management reconciliation needs.
type Snapshots interface {
	Invalidate(ctx context.Context, instanceID string) error
}

// Result summarizes one reconciliation pass.
type Result struct {
	Strategy    transaction.MergeStrategy
	Fetched     int
	Merged      int
	Committed   int
	Reversed    int
	ReversedIDs []string
}

// Reconciler merges local logs with authoritative history.
type Reconciler struct {
	instances *store.Instances
	machine   *state.Machine
	feed      Feed
	snapshots Snapshots
	clock     func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) {
		r.clock = clock
	}
}

// WithLogger sets the reconciler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithSnapshots wires snapshot invalidation after reversals.
func WithSnapshots(snapshots Snapshots) Option {
	return func(r *Reconciler) {
		r.snapshots = snapshots
	}
}

// New wires a Reconciler over the instance service, the state machine, and
// an authoritative feed.
func New(instances *store.Instances, machine *state.Machine, feed Feed, opts ...Option) *Reconciler {
	r := &Reconciler{
		instances: instances,
		machine:   machine,
		feed:      feed,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Sync reconciles an instance using the strategy implied by its kind:
// shared instances interleave by timestamp, everything else defers to the
// authority outright.
func (r *Reconciler) Sync(ctx context.Context, instanceID string) (Result, error) {
	inst, err := r.instances.Get(ctx, instanceID)
	if err != nil {
		return Result{}, err
	}
	strategy := transaction.MergeAuthorityWins
	if inst.Kind == store.KindShared {
		strategy = transaction.MergeTimestampOrdering
	}
	return r.SyncWithStrategy(ctx, instanceID, strategy)
}

// SyncWithStrategy reconciles an instance with an explicit merge strategy.
func (r *Reconciler) SyncWithStrategy(ctx context.Context, instanceID string, strategy transaction.MergeStrategy) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.Sync", trace.WithAttributes(
		attribute.String("saga.instance_id", instanceID),
		attribute.String("saga.merge_strategy", string(strategy)),
	))
	defer span.End()

	inst, err := r.instances.Get(ctx, instanceID)
	if err != nil {
		return Result{}, err
	}

	remote, err := r.feed.Fetch(ctx, instanceID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch authoritative stream: %w", err)
	}

	result := Result{Strategy: strategy, Fetched: len(remote)}

	merged, err := r.mergeAuthoritative(ctx, instanceID, remote, strategy)
	if err != nil {
		return Result{}, err
	}
	result.Merged = merged

	switch strategy {
	case transaction.MergeAuthorityWins:
		err = r.settleAuthorityWins(ctx, inst, &result)
	case transaction.MergeTimestampOrdering:
		err = r.settleTimestampOrdering(ctx, inst, &result)
	default:
		return Result{}, apperrors.WithMetadata(apperrors.CodeSyncInvalidStrategy,
			"unsupported merge strategy", map[string]string{"strategy": string(strategy)})
	}
	if err != nil {
		return Result{}, err
	}

	if result.Reversed > 0 && r.snapshots != nil {
		if err := r.snapshots.Invalidate(ctx, instanceID); err != nil {
			r.logger.Warn("snapshot invalidation failed", "instance_id", instanceID, "error", err)
		}
	}

	if err := r.instances.MarkSynced(ctx, instanceID, r.clock()); err != nil {
		return Result{}, fmt.Errorf("mark synced: %w", err)
	}
	r.logger.Info("reconciled instance",
		"instance_id", instanceID,
		"strategy", string(strategy),
		"fetched", result.Fetched,
		"merged", result.Merged,
		"committed", result.Committed,
		"reversed", result.Reversed)
	return result, nil
}

// mergeAuthoritative appends authoritative transactions the local log has
// never seen and commits them with merge provenance. Matching is by
// transaction id: a local record acknowledged by the authority keeps its
// local sequence number.
func (r *Reconciler) mergeAuthoritative(ctx context.Context, instanceID string, remote []transaction.Transaction, strategy transaction.MergeStrategy) (int, error) {
	local, err := r.instances.GetAll(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(local))
	for _, tx := range local {
		known[tx.ID] = true
	}

	var missing []transaction.Transaction
	for _, tx := range remote {
		if tx.ID == "" || known[tx.ID] {
			continue
		}
		missing = append(missing, tx)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if _, err := r.instances.AppendCommitted(ctx, instanceID, missing, strategy); err != nil {
		return 0, fmt.Errorf("append authoritative transactions: %w", err)
	}
	return len(missing), nil
}

// settleAuthorityWins replays the committed history as the base truth and
// trial-applies each local pending transaction against it in sequence order.
// Valid ones commit; invalid ones are reversed with a compensator.
func (r *Reconciler) settleAuthorityWins(ctx context.Context, inst store.Instance, result *Result) error {
	txs, err := r.instances.GetAll(ctx, inst.ID)
	if err != nil {
		return err
	}

	base, err := r.machine.Replay(inst.TemplateRef, txs)
	if err != nil {
		return fmt.Errorf("replay committed base: %w", err)
	}

	for _, tx := range txs {
		if tx.Status != transaction.StatusPending {
			continue
		}
		valid, reason := checkValidity(base, tx)
		if !valid {
			if err := r.reverse(ctx, inst.ID, tx, reason, transaction.MergeAuthorityWins); err != nil {
				return err
			}
			result.Reversed++
			result.ReversedIDs = append(result.ReversedIDs, tx.ID)
			continue
		}
		if err := r.instances.CommitMerged(ctx, inst.ID, []string{tx.ID}, transaction.MergeAuthorityWins); err != nil {
			return fmt.Errorf("commit pending transaction %s: %w", tx.ID, err)
		}
		if err := r.machine.Apply(base, tx); err != nil {
			return fmt.Errorf("apply pending transaction %s: %w", tx.ID, err)
		}
		result.Committed++
	}
	return nil
}

// settleTimestampOrdering folds committed and pending transactions together
// in canonical timestamp order, validating each pending one against the
// state as of its own moment in the merged timeline.
func (r *Reconciler) settleTimestampOrdering(ctx context.Context, inst store.Instance, result *Result) error {
	txs, err := r.instances.GetAll(ctx, inst.ID)
	if err != nil {
		return err
	}

	ordered := make([]transaction.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Status == transaction.StatusCommitted || tx.Status == transaction.StatusPending {
			ordered = append(ordered, tx)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := ordered[i].CanonicalTimestamp(), ordered[j].CanonicalTimestamp()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if ordered[i].Seq != ordered[j].Seq {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].ID < ordered[j].ID
	})

	base, err := r.machine.Replay(inst.TemplateRef, nil)
	if err != nil {
		return err
	}

	for _, tx := range ordered {
		if tx.Status == transaction.StatusCommitted {
			if err := r.machine.Apply(base, tx); err != nil {
				return fmt.Errorf("apply committed transaction %s: %w", tx.ID, err)
			}
			continue
		}
		valid, reason := checkValidity(base, tx)
		if !valid {
			if err := r.reverse(ctx, inst.ID, tx, reason, transaction.MergeTimestampOrdering); err != nil {
				return err
			}
			result.Reversed++
			result.ReversedIDs = append(result.ReversedIDs, tx.ID)
			continue
		}
		if err := r.instances.CommitMerged(ctx, inst.ID, []string{tx.ID}, transaction.MergeTimestampOrdering); err != nil {
			return fmt.Errorf("commit pending transaction %s: %w", tx.ID, err)
		}
		if err := r.machine.Apply(base, tx); err != nil {
			return fmt.Errorf("apply pending transaction %s: %w", tx.ID, err)
		}
		result.Committed++
	}
	return nil
}

// reverse marks a pending transaction reversed and appends a committed
// compensator preserving what was undone and why.
func (r *Reconciler) reverse(ctx context.Context, instanceID string, tx transaction.Transaction, reason string, strategy transaction.MergeStrategy) error {
	if err := r.instances.Reverse(ctx, instanceID, []string{tx.ID}, reason, strategy); err != nil {
		return fmt.Errorf("reverse transaction %s: %w", tx.ID, err)
	}

	reversedData, err := json.Marshal(tx.Data)
	if err != nil {
		return fmt.Errorf("serialize reversed payload: %w", err)
	}
	compensator := transaction.Transaction{
		ActorID:               tx.ActorID,
		ClientID:              tx.ClientID,
		Type:                  transaction.TypeMergeReversed,
		Data:                  transaction.NewReversalData(transaction.ReversalPayload{ReversedType: tx.Type, ReversedData: string(reversedData)}),
		ReversesTransactionID: tx.ID,
		ReversalReason:        reason,
		MergeStrategy:         strategy,
	}
	if _, err := r.instances.AddTransactions(ctx, instanceID, []transaction.Transaction{compensator}); err != nil {
		return fmt.Errorf("append compensator for %s: %w", tx.ID, err)
	}

	all, err := r.instances.GetAll(ctx, instanceID)
	if err != nil {
		return err
	}
	var compensatorID string
	for _, candidate := range all {
		if candidate.Type == transaction.TypeMergeReversed && candidate.ReversesTransactionID == tx.ID &&
			candidate.Status == transaction.StatusPending {
			compensatorID = candidate.ID
		}
	}
	if compensatorID == "" {
		return fmt.Errorf("compensator for %s not found after append", tx.ID)
	}
	if err := r.instances.CommitMerged(ctx, instanceID, []string{compensatorID}, strategy); err != nil {
		return fmt.Errorf("commit compensator for %s: %w", tx.ID, err)
	}
	return nil
}
