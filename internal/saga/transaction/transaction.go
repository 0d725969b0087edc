package transaction

import (
	"sort"
	"strings"
	"time"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
)

// Type identifies the type of a saga transaction.
type Type string

// Trigger transactions (zones, levers, scripted encounters).
const (
	// TypeTriggerActivated records a trigger becoming active.
	TypeTriggerActivated Type = "trigger.activated"
	// TypeTriggerDeactivated records an active trigger being switched off.
	TypeTriggerDeactivated Type = "trigger.deactivated"
	// TypeTriggerCompleted records a trigger reaching its terminal success state.
	TypeTriggerCompleted Type = "trigger.completed"
	// TypeTriggerFailed records a trigger reaching its terminal failure state.
	TypeTriggerFailed Type = "trigger.failed"
	// TypeTriggerReset records a trigger being reset to inactive.
	TypeTriggerReset Type = "trigger.reset"
)

// Entity transactions (spawned combatants and interactables).
const (
	// TypeEntitySpawned records an entity entering the saga.
	TypeEntitySpawned Type = "entity.spawned"
	// TypeEntityDamaged records damage applied to an entity.
	TypeEntityDamaged Type = "entity.damaged"
	// TypeEntityHealed records healing applied to a living entity.
	TypeEntityHealed Type = "entity.healed"
	// TypeEntityDefeated records an entity's defeat.
	TypeEntityDefeated Type = "entity.defeated"
	// TypeEntityDespawned records an entity leaving the saga.
	TypeEntityDespawned Type = "entity.despawned"
)

// Visit and reward transactions (one-time grants keyed by composite identity).
const (
	// TypeVisitRecorded records an actor visiting a target location or entity.
	TypeVisitRecorded Type = "visit.recorded"
	// TypeRewardItemGranted records a one-time item grant.
	TypeRewardItemGranted Type = "reward.item_granted"
	// TypeRewardTraitGranted records a one-time trait grant.
	TypeRewardTraitGranted Type = "reward.trait_granted"
	// TypeRewardCurrencyGranted records a one-time currency grant.
	TypeRewardCurrencyGranted Type = "reward.currency_granted"
)

// Quest transactions.
const (
	// TypeQuestStarted records a quest entering its active state.
	TypeQuestStarted Type = "quest.started"
	// TypeQuestAdvanced records a quest stage advancing.
	TypeQuestAdvanced Type = "quest.advanced"
	// TypeQuestCompleted records a quest reaching terminal success.
	TypeQuestCompleted Type = "quest.completed"
	// TypeQuestFailed records a quest reaching terminal failure.
	TypeQuestFailed Type = "quest.failed"
	// TypeQuestAbandoned records a quest being abandoned by its actor.
	TypeQuestAbandoned Type = "quest.abandoned"
)

// Social transactions.
const (
	// TypeReputationChanged records a faction reputation delta.
	TypeReputationChanged Type = "reputation.changed"
	// TypeParticipantJoined records a participant joining a shared saga.
	TypeParticipantJoined Type = "participant.joined"
	// TypeParticipantLeft records a participant leaving a shared saga.
	TypeParticipantLeft Type = "participant.left"
)

// Trade transactions. A settled trade is a compound action: the debit and
// credit legs are separate transactions committed in one atomic batch.
const (
	// TypeTradeOffered records a trade offer.
	TypeTradeOffered Type = "trade.offered"
	// TypeTradeSettled records one leg of a settled trade.
	TypeTradeSettled Type = "trade.settled"
	// TypeTradeCancelled records a withdrawn or expired trade offer.
	TypeTradeCancelled Type = "trade.cancelled"
)

// Bookkeeping transactions.
const (
	// TypeFlagSet records an arbitrary scripted flag value.
	TypeFlagSet Type = "flag.set"
	// TypeNoteAdded records a free-form note.
	TypeNoteAdded Type = "note.added"
)

// Saga lifecycle transactions.
const (
	// TypeSagaCreated records the creation of a saga instance.
	TypeSagaCreated Type = "saga.created"
	// TypeSagaCompleted records the saga reaching its terminal state.
	TypeSagaCompleted Type = "saga.completed"
	// TypeSagaReset records a scripted reset of triggers and entities.
	TypeSagaReset Type = "saga.reset"
)

// Merge transactions.
const (
	// TypeMergeReversed is the compensating transaction appended when a local
	// transaction is rejected during reconciliation. It carries the reversed
	// transaction's id and serialized payload and has no state effect.
	TypeMergeReversed Type = "merge.reversed"
)

// knownTypes is the closed set dispatched by the state machine. Anything
// outside this set is tolerated at the decode boundary and ignored by replay.
var knownTypes = map[Type]struct{}{
	TypeTriggerActivated:      {},
	TypeTriggerDeactivated:    {},
	TypeTriggerCompleted:      {},
	TypeTriggerFailed:         {},
	TypeTriggerReset:          {},
	TypeEntitySpawned:         {},
	TypeEntityDamaged:         {},
	TypeEntityHealed:          {},
	TypeEntityDefeated:        {},
	TypeEntityDespawned:       {},
	TypeVisitRecorded:         {},
	TypeRewardItemGranted:     {},
	TypeRewardTraitGranted:    {},
	TypeRewardCurrencyGranted: {},
	TypeQuestStarted:          {},
	TypeQuestAdvanced:         {},
	TypeQuestCompleted:        {},
	TypeQuestFailed:           {},
	TypeQuestAbandoned:        {},
	TypeReputationChanged:     {},
	TypeParticipantJoined:     {},
	TypeParticipantLeft:       {},
	TypeTradeOffered:          {},
	TypeTradeSettled:          {},
	TypeTradeCancelled:        {},
	TypeFlagSet:               {},
	TypeNoteAdded:             {},
	TypeSagaCreated:           {},
	TypeSagaCompleted:         {},
	TypeSagaReset:             {},
	TypeMergeReversed:         {},
}

// IsValid reports whether the type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// IsKnown reports whether the type belongs to the closed dispatch set.
func (t Type) IsKnown() bool {
	_, ok := knownTypes[t]
	return ok
}

// Domain returns the domain prefix of the type (e.g., "trigger", "entity").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// ParseType is the decode-boundary escape hatch for forward compatibility:
// it accepts any non-empty type string and reports whether the type is part
// of the closed dispatch set. Unknown types flow through replay untouched.
func ParseType(value string) (Type, bool) {
	t := Type(strings.TrimSpace(value))
	return t, t.IsKnown()
}

// KnownTypes returns the closed dispatch set in stable order.
func KnownTypes() []Type {
	types := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Status tracks a transaction through its lifecycle.
type Status string

const (
	// StatusPending marks an appended transaction awaiting commit.
	StatusPending Status = "pending"
	// StatusCommitted marks a transaction included in derived state.
	StatusCommitted Status = "committed"
	// StatusRejected marks a transaction rolled back by an explicit
	// administrative action. The record stays in the log.
	StatusRejected Status = "rejected"
	// StatusReversed marks a transaction negated during reconciliation by a
	// compensating merge.reversed transaction.
	StatusReversed Status = "reversed"
)

// MergeStrategy tags a transaction with the reconciliation pass that
// committed or reversed it.
type MergeStrategy string

const (
	// MergeAuthorityWins treats the authoritative stream as canonical.
	MergeAuthorityWins MergeStrategy = "authority_wins"
	// MergeTimestampOrdering interleaves by canonical timestamp.
	MergeTimestampOrdering MergeStrategy = "timestamp_ordering"
)

// Data is the order-irrelevant string-keyed payload bag carried on the wire.
// Payload schemas are enumerated through the typed accessors in payload.go;
// handlers never read raw keys directly.
type Data map[string]string

// Clone returns an independent copy of the bag.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Transaction is an immutable record of one state-changing event in a saga
// instance's log. The transaction itself carries no instance identity; the
// storage layer owns that association.
type Transaction struct {
	// ID uniquely identifies the transaction across instances.
	ID string
	// Seq is the per-instance sequence number (starts at 1).
	// Assigned by the store on append.
	Seq uint64
	// ActorID is the participant the transaction acts for, if any.
	ActorID string
	// ClientID identifies the producing client.
	ClientID string
	// LocalTimestamp is when the producer created the transaction.
	LocalTimestamp time.Time
	// ServerTimestamp is stamped at commit time.
	ServerTimestamp *time.Time
	// Status tracks the transaction lifecycle.
	Status Status
	// Type identifies the kind of transaction.
	Type Type
	// Data holds type-specific payload fields.
	Data Data
	// ReversesTransactionID links a merge.reversed compensator to its target.
	ReversesTransactionID string
	// ReversalReason explains why the reversed transaction was rejected.
	ReversalReason string
	// MergeStrategy records reconciliation provenance.
	MergeStrategy MergeStrategy
}

// CanonicalTimestamp returns the server timestamp when stamped, otherwise the
// local timestamp. Reconciliation orders shared instances by this value.
func (t Transaction) CanonicalTimestamp() time.Time {
	if t.ServerTimestamp != nil {
		return *t.ServerTimestamp
	}
	return t.LocalTimestamp
}

// Clone returns a deep copy safe to hand across goroutines.
func (t Transaction) Clone() Transaction {
	out := t
	out.Data = t.Data.Clone()
	if t.ServerTimestamp != nil {
		ts := *t.ServerTimestamp
		out.ServerTimestamp = &ts
	}
	return out
}

// Validate fails fast on malformed transactions before they touch the log.
func Validate(t Transaction) error {
	if strings.TrimSpace(t.ID) == "" {
		return apperrors.New(apperrors.CodeTransactionIDEmpty, "transaction id is required")
	}
	if !t.Type.IsValid() {
		return apperrors.New(apperrors.CodeTransactionTypeEmpty, "transaction type is required")
	}
	if strings.TrimSpace(t.ClientID) == "" {
		return apperrors.New(apperrors.CodeTransactionClientIDEmpty, "transaction client id is required")
	}
	if t.LocalTimestamp.IsZero() {
		return apperrors.New(apperrors.CodePayloadFieldMissing, "transaction local timestamp is required")
	}
	return nil
}
