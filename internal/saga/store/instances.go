package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
	"github.com/emberveil/sagalog/internal/platform/id"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

const tracerName = "github.com/emberveil/sagalog/internal/saga/store"

// Instances is the concurrency-safe service over a storage backend. Every
// read-then-write operation for one instance runs inside that instance's
// critical section, so sequence numbers stay gap-free and commits stay
// atomic even with many concurrent producers. Operations on different
// instances never contend.
type Instances struct {
	backend Backend
	newID   func() (string, error)
	clock   func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures the instance service.
type Option func(*Instances)

// WithIDGenerator overrides the transaction/instance id generator.
func WithIDGenerator(generate func() (string, error)) Option {
	return func(s *Instances) {
		s.newID = generate
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Instances) {
		s.clock = clock
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Instances) {
		s.logger = logger
	}
}

// NewInstances creates the instance service over a backend.
func NewInstances(backend Backend, opts ...Option) *Instances {
	s := &Instances{
		backend: backend,
		newID:   id.NewID,
		clock:   func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		locks:   map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// lockFor returns the mutex serializing operations on one lock key. Keys are
// instance ids for log operations and owner/template pairs for creation, so
// the check-then-create race and the read-then-append race are both covered.
func (s *Instances) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func creationKey(ownerID, templateRef string) string {
	return "owned\x1f" + ownerID + "\x1f" + templateRef
}

// GetOrCreate returns the owned instance for an owner/template pair,
// creating it lazily on first access. Concurrent callers for the same pair
// all observe the same instance: creation runs in a critical section, and if
// the backend still reports a duplicate owned key the winner is re-queried
// instead of failing.
func (s *Instances) GetOrCreate(ctx context.Context, ownerID, templateRef string) (Instance, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Instance{}, apperrors.New(apperrors.CodeInstanceOwnerEmpty, "owner id is required")
	}
	templateRef = strings.TrimSpace(templateRef)
	if templateRef == "" {
		return Instance{}, apperrors.New(apperrors.CodeInstanceTemplateEmpty, "template ref is required")
	}

	lock := s.lockFor(creationKey(ownerID, templateRef))
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.backend.FindOwnedInstance(ctx, ownerID, templateRef)
	if err == nil {
		return existing.Clone(), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Instance{}, fmt.Errorf("find owned instance: %w", err)
	}

	instanceID, err := s.newID()
	if err != nil {
		return Instance{}, fmt.Errorf("generate instance id: %w", err)
	}
	now := s.clock()
	inst := Instance{
		ID:             instanceID,
		TemplateRef:    templateRef,
		Kind:           KindOwned,
		OwnerID:        ownerID,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := s.backend.PutInstance(ctx, inst); err != nil {
		if errors.Is(err, ErrDuplicateOwnedInstance) {
			// Lost a race against a writer outside this process; the unique
			// key held, so return the winner.
			winner, findErr := s.backend.FindOwnedInstance(ctx, ownerID, templateRef)
			if findErr != nil {
				return Instance{}, fmt.Errorf("find winning instance: %w", findErr)
			}
			return winner.Clone(), nil
		}
		return Instance{}, fmt.Errorf("put instance: %w", err)
	}
	s.logger.Info("created saga instance",
		"instance_id", inst.ID, "owner_id", ownerID, "template_ref", templateRef)
	return inst.Clone(), nil
}

// Create inserts an explicit private or shared instance.
func (s *Instances) Create(ctx context.Context, templateRef string, kind Kind, ownerID string, participantIDs []string) (Instance, error) {
	templateRef = strings.TrimSpace(templateRef)
	if templateRef == "" {
		return Instance{}, apperrors.New(apperrors.CodeInstanceTemplateEmpty, "template ref is required")
	}
	if !kind.IsValid() {
		return Instance{}, apperrors.New(apperrors.CodeInstanceInvalidKind, "instance kind is invalid")
	}
	if kind == KindOwned {
		return s.GetOrCreate(ctx, ownerID, templateRef)
	}

	instanceID, err := s.newID()
	if err != nil {
		return Instance{}, fmt.Errorf("generate instance id: %w", err)
	}
	now := s.clock()
	inst := Instance{
		ID:             instanceID,
		TemplateRef:    templateRef,
		Kind:           kind,
		OwnerID:        strings.TrimSpace(ownerID),
		ParticipantIDs: append([]string(nil), participantIDs...),
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := s.backend.PutInstance(ctx, inst); err != nil {
		return Instance{}, fmt.Errorf("put instance: %w", err)
	}
	return inst.Clone(), nil
}

// Get retrieves an instance record by id.
func (s *Instances) Get(ctx context.Context, instanceID string) (Instance, error) {
	inst, err := s.backend.GetInstance(ctx, instanceID)
	if err != nil {
		return Instance{}, err
	}
	return inst.Clone(), nil
}

// AddTransactions validates, sequences, and appends transactions to an
// instance's log with status Pending. Sequence numbers are read and assigned
// inside the instance's critical section, so they come out gap-free and
// unique under concurrent producers. Returns the assigned sequence numbers
// in input order.
func (s *Instances) AddTransactions(ctx context.Context, instanceID string, txs []transaction.Transaction) ([]uint64, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, apperrors.New(apperrors.CodeInstanceIDEmpty, "instance id is required")
	}
	if len(txs) == 0 {
		return nil, nil
	}

	prepared := make([]transaction.Transaction, len(txs))
	for i, tx := range txs {
		p := tx.Clone()
		if strings.TrimSpace(p.ID) == "" {
			generated, err := s.newID()
			if err != nil {
				return nil, fmt.Errorf("generate transaction id: %w", err)
			}
			p.ID = generated
		}
		if p.LocalTimestamp.IsZero() {
			p.LocalTimestamp = s.clock()
		}
		p.Status = transaction.StatusPending
		p.ServerTimestamp = nil
		if err := transaction.Validate(p); err != nil {
			return nil, err
		}
		prepared[i] = p
	}

	lock := s.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.backend.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	maxSeq, err := s.backend.MaxSeq(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("read max sequence: %w", err)
	}
	seqs := make([]uint64, len(prepared))
	for i := range prepared {
		prepared[i].Seq = maxSeq + uint64(i) + 1
		seqs[i] = prepared[i].Seq
	}

	if err := s.backend.AppendTransactions(ctx, instanceID, prepared); err != nil {
		return nil, fmt.Errorf("append transactions: %w", err)
	}
	if err := s.backend.TouchInstance(ctx, instanceID, s.clock()); err != nil {
		return nil, fmt.Errorf("touch instance: %w", err)
	}
	return seqs, nil
}

// AppendCommitted appends authoritative transactions directly in committed
// status, preserving their server timestamps so merged history keeps its
// authoritative ordering. Local sequence numbers are still assigned here.
func (s *Instances) AppendCommitted(ctx context.Context, instanceID string, txs []transaction.Transaction, strategy transaction.MergeStrategy) ([]uint64, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, apperrors.New(apperrors.CodeInstanceIDEmpty, "instance id is required")
	}
	if len(txs) == 0 {
		return nil, nil
	}

	now := s.clock()
	prepared := make([]transaction.Transaction, len(txs))
	for i, tx := range txs {
		p := tx.Clone()
		if strings.TrimSpace(p.ID) == "" {
			return nil, apperrors.New(apperrors.CodeTransactionIDEmpty,
				"authoritative transaction id is required")
		}
		if p.LocalTimestamp.IsZero() {
			p.LocalTimestamp = now
		}
		p.Status = transaction.StatusCommitted
		p.MergeStrategy = strategy
		if p.ServerTimestamp == nil {
			ts := now
			p.ServerTimestamp = &ts
		}
		if err := transaction.Validate(p); err != nil {
			return nil, err
		}
		prepared[i] = p
	}

	lock := s.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.backend.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	maxSeq, err := s.backend.MaxSeq(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("read max sequence: %w", err)
	}
	seqs := make([]uint64, len(prepared))
	for i := range prepared {
		prepared[i].Seq = maxSeq + uint64(i) + 1
		seqs[i] = prepared[i].Seq
	}

	if err := s.backend.AppendTransactions(ctx, instanceID, prepared); err != nil {
		return nil, fmt.Errorf("append transactions: %w", err)
	}
	if err := s.backend.TouchInstance(ctx, instanceID, now); err != nil {
		return nil, fmt.Errorf("touch instance: %w", err)
	}
	return seqs, nil
}

// Commit atomically moves a batch of pending transactions to Committed,
// stamping the server timestamp. All-or-nothing: an unknown id, an id from
// another instance, or a non-pending id aborts the whole batch and leaves
// every transaction unchanged.
func (s *Instances) Commit(ctx context.Context, instanceID string, txIDs []string) error {
	return s.commit(ctx, instanceID, txIDs, "")
}

// CommitMerged commits a batch tagged with reconciliation provenance.
func (s *Instances) CommitMerged(ctx context.Context, instanceID string, txIDs []string, strategy transaction.MergeStrategy) error {
	return s.commit(ctx, instanceID, txIDs, strategy)
}

func (s *Instances) commit(ctx context.Context, instanceID string, txIDs []string, strategy transaction.MergeStrategy) error {
	ctx, span := s.tracer.Start(ctx, "store.Commit", trace.WithAttributes(
		attribute.String("saga.instance_id", instanceID),
		attribute.Int("saga.batch_size", len(txIDs)),
	))
	defer span.End()

	if strings.TrimSpace(instanceID) == "" {
		return apperrors.New(apperrors.CodeInstanceIDEmpty, "instance id is required")
	}
	if len(txIDs) == 0 {
		return nil
	}

	lock := s.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	// Verify the whole batch before touching anything so a single bad id
	// cannot half-apply a compound action.
	batch := make([]transaction.Transaction, 0, len(txIDs))
	for _, txID := range txIDs {
		tx, err := s.backend.GetTransaction(ctx, instanceID, txID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return apperrors.WithMetadata(apperrors.CodeTransactionNotFound,
					"commit batch names unknown transaction",
					map[string]string{"instance_id": instanceID, "transaction_id": txID})
			}
			return fmt.Errorf("load transaction %s: %w", txID, err)
		}
		if tx.Status != transaction.StatusPending {
			return apperrors.WithMetadata(apperrors.CodeTransactionNotPending,
				"commit batch names non-pending transaction",
				map[string]string{"transaction_id": txID, "status": string(tx.Status)})
		}
		batch = append(batch, tx)
	}

	// Replay folds the log in sequence order, so sequence must keep increasing
	// in commit order. A pending sitting below already-committed history moves
	// to the log tail before committing; otherwise its effect would replay
	// ahead of the transactions it was validated against.
	log, err := s.backend.ListTransactions(ctx, instanceID, 0, 0)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}
	var maxSeq, committedTail uint64
	for _, tx := range log {
		if tx.Seq > maxSeq {
			maxSeq = tx.Seq
		}
		if tx.Status == transaction.StatusCommitted && tx.Seq > committedTail {
			committedTail = tx.Seq
		}
	}
	for _, tx := range batch {
		if tx.Seq >= committedTail {
			continue
		}
		maxSeq++
		if err := s.backend.ReassignSequence(ctx, instanceID, tx.ID, maxSeq); err != nil {
			return fmt.Errorf("resequence transaction %s: %w", tx.ID, err)
		}
	}

	now := s.clock()
	update := StatusUpdate{
		Status:          transaction.StatusCommitted,
		ServerTimestamp: &now,
		MergeStrategy:   strategy,
	}
	if err := s.backend.UpdateStatuses(ctx, instanceID, txIDs, update); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	if err := s.backend.TouchInstance(ctx, instanceID, now); err != nil {
		return fmt.Errorf("touch instance: %w", err)
	}
	return nil
}

// Rollback marks pending transactions as Rejected. The records remain in the
// log; the audit trail is never erased.
func (s *Instances) Rollback(ctx context.Context, instanceID string, txIDs []string) error {
	if strings.TrimSpace(instanceID) == "" {
		return apperrors.New(apperrors.CodeInstanceIDEmpty, "instance id is required")
	}
	if len(txIDs) == 0 {
		return nil
	}

	lock := s.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	for _, txID := range txIDs {
		tx, err := s.backend.GetTransaction(ctx, instanceID, txID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return apperrors.WithMetadata(apperrors.CodeTransactionNotFound,
					"rollback names unknown transaction",
					map[string]string{"instance_id": instanceID, "transaction_id": txID})
			}
			return fmt.Errorf("load transaction %s: %w", txID, err)
		}
		if tx.Status != transaction.StatusPending {
			return apperrors.WithMetadata(apperrors.CodeTransactionNotPending,
				"rollback names non-pending transaction",
				map[string]string{"transaction_id": txID, "status": string(tx.Status)})
		}
	}

	update := StatusUpdate{Status: transaction.StatusRejected}
	if err := s.backend.UpdateStatuses(ctx, instanceID, txIDs, update); err != nil {
		return fmt.Errorf("rollback batch: %w", err)
	}
	return s.backend.TouchInstance(ctx, instanceID, s.clock())
}

// Reverse marks pending transactions as Reversed during reconciliation. The
// caller appends the compensating merge.reversed transaction separately.
func (s *Instances) Reverse(ctx context.Context, instanceID string, txIDs []string, reason string, strategy transaction.MergeStrategy) error {
	if strings.TrimSpace(instanceID) == "" {
		return apperrors.New(apperrors.CodeInstanceIDEmpty, "instance id is required")
	}
	if len(txIDs) == 0 {
		return nil
	}

	lock := s.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	update := StatusUpdate{
		Status:         transaction.StatusReversed,
		ReversalReason: reason,
		MergeStrategy:  strategy,
	}
	if err := s.backend.UpdateStatuses(ctx, instanceID, txIDs, update); err != nil {
		return fmt.Errorf("reverse batch: %w", err)
	}
	return s.backend.TouchInstance(ctx, instanceID, s.clock())
}

// MarkSynced records a completed reconciliation pass.
func (s *Instances) MarkSynced(ctx context.Context, instanceID string, syncedAt time.Time) error {
	return s.backend.MarkInstanceSynced(ctx, instanceID, syncedAt)
}

// GetAll returns the full ordered log as independent copies: a consumer
// iterating the snapshot is unaffected by concurrent appends.
func (s *Instances) GetAll(ctx context.Context, instanceID string) ([]transaction.Transaction, error) {
	return s.GetAfterSequence(ctx, instanceID, 0)
}

// GetAfterSequence returns ordered copies of transactions with Seq greater
// than afterSeq.
func (s *Instances) GetAfterSequence(ctx context.Context, instanceID string, afterSeq uint64) ([]transaction.Transaction, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, apperrors.New(apperrors.CodeInstanceIDEmpty, "instance id is required")
	}
	txs, err := s.backend.ListTransactions(ctx, instanceID, afterSeq, 0)
	if err != nil {
		return nil, err
	}
	copies := make([]transaction.Transaction, len(txs))
	for i, tx := range txs {
		copies[i] = tx.Clone()
	}
	return copies, nil
}

// Statistics returns aggregate counters for operational views.
func (s *Instances) Statistics(ctx context.Context) (Statistics, error) {
	return s.backend.Statistics(ctx)
}
