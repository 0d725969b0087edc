// Package store owns saga instance identity and the append-only transaction
// log: sequence allocation, atomic batch commit, and snapshot-copy reads.
package store

import (
	"context"
	"time"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such record"
// states and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrDuplicateOwnedInstance indicates an insert tried to create a second
// owned instance for the same (owner, template) pair. GetOrCreate recovers
// from this by re-querying the winner.
var ErrDuplicateOwnedInstance = apperrors.New(apperrors.CodeInstanceDuplicateOwned,
	"owned instance already exists for owner and template")

// Kind classifies who a saga instance belongs to.
type Kind string

const (
	// KindPrivate is a single-client instance with no owner identity.
	KindPrivate Kind = "private"
	// KindOwned is bound to one owner; at most one exists per
	// (owner, template) pair.
	KindOwned Kind = "owned"
	// KindShared is a multi-party instance reconciled by timestamp ordering.
	KindShared Kind = "shared"
)

// IsValid reports whether the kind is one of the closed set.
func (k Kind) IsValid() bool {
	return k == KindPrivate || k == KindOwned || k == KindShared
}

// Instance is a saga instance record. Its transactions live in the log and
// are retrieved separately; the storage layer owns that association.
type Instance struct {
	ID             string
	TemplateRef    string
	Kind           Kind
	OwnerID        string
	ParticipantIDs []string
	CreatedAt      time.Time
	LastModifiedAt time.Time
	LastSyncedAt   *time.Time
}

// Clone returns an independent copy of the instance record.
func (i Instance) Clone() Instance {
	out := i
	out.ParticipantIDs = append([]string(nil), i.ParticipantIDs...)
	if i.LastSyncedAt != nil {
		ts := *i.LastSyncedAt
		out.LastSyncedAt = &ts
	}
	return out
}

// StatusUpdate describes an atomic status transition for a batch of
// transactions. Fields other than Status apply only where meaningful:
// ServerTimestamp on commit, ReversalReason on reversal, MergeStrategy on
// reconciliation-driven transitions.
type StatusUpdate struct {
	Status          transaction.Status
	ServerTimestamp *time.Time
	ReversalReason  string
	MergeStrategy   transaction.MergeStrategy
}

// Statistics contains aggregate counters for operational views.
type Statistics struct {
	InstanceCount    int64
	TransactionCount int64
	PendingCount     int64
	CommittedCount   int64
	RejectedCount    int64
	ReversedCount    int64
}

// Backend is the storage adapter underneath the instance service. It must
// provide a unique key on transaction id, a unique composite key on
// (owner, template) for owned instances, and ordered retrieval by
// (instance, seq). The service serializes per-instance read-then-write
// operations above this interface; each backend call must still be
// individually atomic.
type Backend interface {
	// PutInstance inserts an instance record. Returns
	// ErrDuplicateOwnedInstance when the owned unique key is violated.
	PutInstance(ctx context.Context, inst Instance) error
	// GetInstance retrieves an instance by id.
	GetInstance(ctx context.Context, id string) (Instance, error)
	// FindOwnedInstance retrieves the owned instance for an owner/template
	// pair. Returns ErrNotFound when none exists.
	FindOwnedInstance(ctx context.Context, ownerID, templateRef string) (Instance, error)
	// TouchInstance updates the last-modified timestamp.
	TouchInstance(ctx context.Context, id string, modifiedAt time.Time) error
	// MarkInstanceSynced updates the last-synced timestamp.
	MarkInstanceSynced(ctx context.Context, id string, syncedAt time.Time) error

	// AppendTransactions atomically appends pre-sequenced transactions to an
	// instance's log.
	AppendTransactions(ctx context.Context, instanceID string, txs []transaction.Transaction) error
	// GetTransaction retrieves one transaction scoped to an instance.
	// Returns ErrNotFound for ids absent from that instance's log.
	GetTransaction(ctx context.Context, instanceID, txID string) (transaction.Transaction, error)
	// ListTransactions returns transactions ordered by seq ascending,
	// starting after afterSeq. A limit of 0 means no limit.
	ListTransactions(ctx context.Context, instanceID string, afterSeq uint64, limit int) ([]transaction.Transaction, error)
	// MaxSeq returns the highest assigned sequence number, 0 when empty.
	MaxSeq(ctx context.Context, instanceID string) (uint64, error)
	// ReassignSequence moves one transaction to a new, unoccupied sequence
	// number. Returns ErrNotFound for ids absent from the instance's log.
	ReassignSequence(ctx context.Context, instanceID, txID string, seq uint64) error
	// UpdateStatuses atomically applies one status update to every named
	// transaction. All-or-nothing: any failure leaves every record unchanged.
	UpdateStatuses(ctx context.Context, instanceID string, txIDs []string, update StatusUpdate) error

	// Statistics returns aggregate counts.
	Statistics(ctx context.Context) (Statistics, error)

	Close() error
}
