// Package sagafakes provides in-memory fakes for saga storage tests.
package sagafakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emberveil/sagalog/internal/saga/store"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

// Backend is an in-memory store.Backend fake for tests. Every method is
// individually atomic under an internal mutex, matching the contract real
// backends provide through database transactions.
type Backend struct {
	mu           sync.Mutex
	Instances    map[string]store.Instance
	Transactions map[string][]transaction.Transaction

	// FailAppend, when set, makes the next AppendTransactions call return the
	// error without writing anything.
	FailAppend error
}

// NewBackend constructs a Backend fake with initialized state maps.
func NewBackend() *Backend {
	return &Backend{
		Instances:    make(map[string]store.Instance),
		Transactions: make(map[string][]transaction.Transaction),
	}
}

func (b *Backend) PutInstance(_ context.Context, inst store.Instance) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst.Kind == store.KindOwned {
		for _, existing := range b.Instances {
			if existing.Kind == store.KindOwned &&
				existing.OwnerID == inst.OwnerID &&
				existing.TemplateRef == inst.TemplateRef {
				return store.ErrDuplicateOwnedInstance
			}
		}
	}
	b.Instances[inst.ID] = inst.Clone()
	return nil
}

func (b *Backend) GetInstance(_ context.Context, id string) (store.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.Instances[id]
	if !ok {
		return store.Instance{}, store.ErrNotFound
	}
	return inst.Clone(), nil
}

func (b *Backend) FindOwnedInstance(_ context.Context, ownerID, templateRef string) (store.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.Instances {
		if inst.Kind == store.KindOwned && inst.OwnerID == ownerID && inst.TemplateRef == templateRef {
			return inst.Clone(), nil
		}
	}
	return store.Instance{}, store.ErrNotFound
}

func (b *Backend) TouchInstance(_ context.Context, id string, modifiedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.Instances[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.LastModifiedAt = modifiedAt
	b.Instances[id] = inst
	return nil
}

func (b *Backend) MarkInstanceSynced(_ context.Context, id string, syncedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.Instances[id]
	if !ok {
		return store.ErrNotFound
	}
	ts := syncedAt
	inst.LastSyncedAt = &ts
	b.Instances[id] = inst
	return nil
}

func (b *Backend) AppendTransactions(_ context.Context, instanceID string, txs []transaction.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailAppend != nil {
		err := b.FailAppend
		b.FailAppend = nil
		return err
	}
	for _, tx := range txs {
		b.Transactions[instanceID] = append(b.Transactions[instanceID], tx.Clone())
	}
	sort.Slice(b.Transactions[instanceID], func(i, j int) bool {
		return b.Transactions[instanceID][i].Seq < b.Transactions[instanceID][j].Seq
	})
	return nil
}

func (b *Backend) GetTransaction(_ context.Context, instanceID, txID string) (transaction.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.Transactions[instanceID] {
		if tx.ID == txID {
			return tx.Clone(), nil
		}
	}
	return transaction.Transaction{}, store.ErrNotFound
}

func (b *Backend) ListTransactions(_ context.Context, instanceID string, afterSeq uint64, limit int) ([]transaction.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []transaction.Transaction
	for _, tx := range b.Transactions[instanceID] {
		if tx.Seq <= afterSeq {
			continue
		}
		out = append(out, tx.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (b *Backend) MaxSeq(_ context.Context, instanceID string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var max uint64
	for _, tx := range b.Transactions[instanceID] {
		if tx.Seq > max {
			max = tx.Seq
		}
	}
	return max, nil
}

func (b *Backend) ReassignSequence(_ context.Context, instanceID, txID string, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.Transactions[instanceID]
	for i := range log {
		if log[i].ID == txID {
			log[i].Seq = seq
			sort.Slice(log, func(i, j int) bool { return log[i].Seq < log[j].Seq })
			return nil
		}
	}
	return store.ErrNotFound
}

func (b *Backend) UpdateStatuses(_ context.Context, instanceID string, txIDs []string, update store.StatusUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.Transactions[instanceID]
	indexes := make([]int, 0, len(txIDs))
	for _, txID := range txIDs {
		found := -1
		for i, tx := range log {
			if tx.ID == txID {
				found = i
				break
			}
		}
		if found < 0 {
			return store.ErrNotFound
		}
		indexes = append(indexes, found)
	}
	for _, i := range indexes {
		log[i].Status = update.Status
		if update.ServerTimestamp != nil {
			ts := *update.ServerTimestamp
			log[i].ServerTimestamp = &ts
		}
		if update.ReversalReason != "" {
			log[i].ReversalReason = update.ReversalReason
		}
		if update.MergeStrategy != "" {
			log[i].MergeStrategy = update.MergeStrategy
		}
	}
	return nil
}

func (b *Backend) Statistics(_ context.Context) (store.Statistics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := store.Statistics{InstanceCount: int64(len(b.Instances))}
	for _, log := range b.Transactions {
		for _, tx := range log {
			stats.TransactionCount++
			switch tx.Status {
			case transaction.StatusPending:
				stats.PendingCount++
			case transaction.StatusCommitted:
				stats.CommittedCount++
			case transaction.StatusRejected:
				stats.RejectedCount++
			case transaction.StatusReversed:
				stats.ReversedCount++
			}
		}
	}
	return stats, nil
}

func (b *Backend) Close() error { return nil }
