package state

import (
	"log/slog"
	"time"

	"github.com/emberveil/sagalog/internal/saga/template"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

// Machine folds ordered committed transactions into derived State. Replay is
// a pure in-memory fold over the caller's snapshot: it takes no locks and
// performs no I/O, so identical input always yields identical output.
type Machine struct {
	catalog template.Catalog
	logger  *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for replay diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// NewMachine creates a state machine over the given template catalog.
func NewMachine(catalog template.Catalog, opts ...Option) *Machine {
	m := &Machine{catalog: catalog, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateInitialState seeds derived state for a template. Every trigger the
// template declares gets an Inactive entry so state has no missing keys.
func (m *Machine) CreateInitialState(tmpl template.Template) *State {
	st := &State{
		TemplateRef:  tmpl.Ref,
		Status:       SagaActive,
		Triggers:     make(map[string]*TriggerState, len(tmpl.Triggers)),
		Entities:     map[string]*EntityState{},
		Visits:       map[VisitKey]*VisitRecord{},
		Grants:       map[GrantKey]GrantRecord{},
		Quests:       map[string]*QuestState{},
		Trades:       map[string]*TradeState{},
		Reputation:   map[string]int{},
		Items:        map[string]int{},
		Traits:       map[string]bool{},
		Flags:        map[string]string{},
		Participants: map[string]bool{},
	}
	for _, def := range tmpl.Triggers {
		st.Triggers[def.Ref] = &TriggerState{Ref: def.Ref, Status: TriggerInactive}
	}
	return st
}

// Replay derives state for a template from an ordered transaction list.
// Only committed transactions are applied; pending, rejected, and reversed
// records are part of the log but not of derived state.
func (m *Machine) Replay(templateRef string, txs []transaction.Transaction) (*State, error) {
	tmpl, err := m.catalog.Template(templateRef)
	if err != nil {
		return nil, err
	}
	st := m.CreateInitialState(tmpl)
	return m.ReplayFrom(st, txs)
}

// ReplayToSequence replays only transactions with Seq <= cutoff. Used for
// audit questions like "what was state at sequence 42?".
func (m *Machine) ReplayToSequence(templateRef string, txs []transaction.Transaction, cutoff uint64) (*State, error) {
	filtered := make([]transaction.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Seq <= cutoff {
			filtered = append(filtered, tx)
		}
	}
	return m.Replay(templateRef, filtered)
}

// ReplayToTimestamp replays only transactions whose canonical timestamp is
// not after the cutoff.
func (m *Machine) ReplayToTimestamp(templateRef string, txs []transaction.Transaction, cutoff time.Time) (*State, error) {
	filtered := make([]transaction.Transaction, 0, len(txs))
	for _, tx := range txs {
		if !tx.CanonicalTimestamp().After(cutoff) {
			filtered = append(filtered, tx)
		}
	}
	return m.Replay(templateRef, filtered)
}

// ReplayFrom folds transactions onto an existing state, mutating and
// returning it. Snapshot-accelerated derivation resumes replay here; the
// result must match a full replay from sequence 1.
func (m *Machine) ReplayFrom(st *State, txs []transaction.Transaction) (*State, error) {
	tmpl, err := m.catalog.Template(st.TemplateRef)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		if tx.Status != transaction.StatusCommitted {
			continue
		}
		m.apply(st, tmpl, tx)
		st.TransactionCount++
		st.DerivedAt = tx.CanonicalTimestamp()
	}
	return st, nil
}

// Apply folds a single transaction into a working state regardless of its
// stored status. The reconciler uses it to trial-apply local pending
// transactions against an authoritative base.
func (m *Machine) Apply(st *State, tx transaction.Transaction) error {
	tmpl, err := m.catalog.Template(st.TemplateRef)
	if err != nil {
		return err
	}
	m.apply(st, tmpl, tx)
	st.TransactionCount++
	st.DerivedAt = tx.CanonicalTimestamp()
	return nil
}

// apply dispatches a transaction to its handler. The switch enumerates the
// whole closed type set; the default arm only fires for unknown future types
// admitted at the decode boundary, which are skipped with a diagnostic.
// Handlers never fail: a transaction referencing an unresolvable entity or
// template definition is skipped so one stale record cannot block derivation.
func (m *Machine) apply(st *State, tmpl template.Template, tx transaction.Transaction) {
	switch tx.Type {
	case transaction.TypeTriggerActivated,
		transaction.TypeTriggerDeactivated,
		transaction.TypeTriggerCompleted,
		transaction.TypeTriggerFailed,
		transaction.TypeTriggerReset:
		m.applyTrigger(st, tmpl, tx)
	case transaction.TypeEntitySpawned:
		m.applySpawn(st, tmpl, tx)
	case transaction.TypeEntityDamaged:
		m.applyDamage(st, tx)
	case transaction.TypeEntityHealed:
		m.applyHeal(st, tx)
	case transaction.TypeEntityDefeated:
		m.applyDefeat(st, tx)
	case transaction.TypeEntityDespawned:
		m.applyDespawn(st, tx)
	case transaction.TypeVisitRecorded:
		m.applyVisit(st, tmpl, tx)
	case transaction.TypeRewardItemGranted,
		transaction.TypeRewardTraitGranted,
		transaction.TypeRewardCurrencyGranted:
		m.applyReward(st, tx)
	case transaction.TypeQuestStarted,
		transaction.TypeQuestAdvanced,
		transaction.TypeQuestCompleted,
		transaction.TypeQuestFailed,
		transaction.TypeQuestAbandoned:
		m.applyQuest(st, tmpl, tx)
	case transaction.TypeReputationChanged:
		m.applyReputation(st, tx)
	case transaction.TypeParticipantJoined,
		transaction.TypeParticipantLeft:
		m.applyParticipant(st, tx)
	case transaction.TypeTradeOffered,
		transaction.TypeTradeSettled,
		transaction.TypeTradeCancelled:
		m.applyTrade(st, tx)
	case transaction.TypeFlagSet:
		m.applyFlag(st, tx)
	case transaction.TypeNoteAdded:
		m.applyNote(st, tx)
	case transaction.TypeSagaCreated:
		// Creation is implicit in initial state; the transaction is the
		// log's birth record.
	case transaction.TypeSagaCompleted:
		st.Status = SagaCompleted
	case transaction.TypeSagaReset:
		m.applySagaReset(st, tmpl)
	case transaction.TypeMergeReversed:
		// Compensators negate by existing: the reversed transaction is
		// already excluded from replay via its status.
	default:
		m.logger.Debug("skipping unknown transaction type",
			"type", string(tx.Type), "transaction_id", tx.ID, "seq", tx.Seq)
	}
}

// skip logs a replay anomaly: a well-formed but semantically unresolvable
// transaction that derivation steps over.
func (m *Machine) skip(tx transaction.Transaction, reason string, err error) {
	attrs := []any{
		"reason", reason,
		"type", string(tx.Type),
		"transaction_id", tx.ID,
		"seq", tx.Seq,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	m.logger.Warn("replay skipped transaction", attrs...)
}
