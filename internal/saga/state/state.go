// Package state derives saga state by deterministic replay of committed
// transactions. State is never the source of truth: any snapshot of it must
// be reproducible by a full replay from sequence 1.
package state

import (
	"bytes"
	"fmt"
	"time"
)

// SagaStatus is the derived lifecycle status of a saga instance.
type SagaStatus string

const (
	// SagaActive marks a saga still accepting play.
	SagaActive SagaStatus = "active"
	// SagaCompleted marks a saga that reached its terminal transaction.
	SagaCompleted SagaStatus = "completed"
)

// TriggerStatus is the lifecycle status of a template trigger.
type TriggerStatus string

const (
	// TriggerInactive is the seeded status for every known trigger.
	TriggerInactive TriggerStatus = "inactive"
	// TriggerActive marks an activated trigger.
	TriggerActive TriggerStatus = "active"
	// TriggerCompleted is a terminal trigger status.
	TriggerCompleted TriggerStatus = "completed"
	// TriggerFailed is a terminal trigger status.
	TriggerFailed TriggerStatus = "failed"
)

// Terminal reports whether the status admits no further transitions other
// than an explicit reset.
func (s TriggerStatus) Terminal() bool {
	return s == TriggerCompleted || s == TriggerFailed
}

// TriggerState tracks one template trigger.
type TriggerState struct {
	Ref             string        `json:"ref"`
	Status          TriggerStatus `json:"status"`
	ActivationCount int           `json:"activation_count"`
	ActivatedAt     *time.Time    `json:"activated_at,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
}

// EntityState tracks one spawned entity. Health stays clamped to
// [0, MaxHealth]; DefeatedAt is stamped exactly once.
type EntityState struct {
	ID         string     `json:"id"`
	Ref        string     `json:"ref"`
	Health     int        `json:"health"`
	MaxHealth  int        `json:"max_health"`
	Alive      bool       `json:"alive"`
	SpawnedAt  time.Time  `json:"spawned_at"`
	DefeatedAt *time.Time `json:"defeated_at,omitempty"`
}

// VisitKey is the composite identity of a visit: who visited what, during
// which scripted event. Using a struct key removes the stringly-typed key
// construction the bag format invites.
type VisitKey struct {
	ActorID   string
	TargetRef string
	EventID   string
}

const keySeparator = "\x1f"

// MarshalText encodes the key for serialized snapshots.
func (k VisitKey) MarshalText() ([]byte, error) {
	return []byte(k.ActorID + keySeparator + k.TargetRef + keySeparator + k.EventID), nil
}

// UnmarshalText decodes a serialized snapshot key.
func (k *VisitKey) UnmarshalText(text []byte) error {
	parts := bytes.Split(text, []byte(keySeparator))
	if len(parts) != 3 {
		return fmt.Errorf("malformed visit key %q", text)
	}
	k.ActorID, k.TargetRef, k.EventID = string(parts[0]), string(parts[1]), string(parts[2])
	return nil
}

// VisitRecord tracks visit counts and the one-time reward guard for a key.
type VisitRecord struct {
	Key           VisitKey  `json:"key"`
	Count         int       `json:"count"`
	FirstVisitAt  time.Time `json:"first_visit_at"`
	LastVisitAt   time.Time `json:"last_visit_at"`
	RewardGranted bool      `json:"reward_granted"`
}

// GrantKey is the composite identity of an explicit one-time reward grant.
type GrantKey struct {
	ActorID   string
	TargetRef string
	EventID   string
}

// MarshalText encodes the key for serialized snapshots.
func (k GrantKey) MarshalText() ([]byte, error) {
	return []byte(k.ActorID + keySeparator + k.TargetRef + keySeparator + k.EventID), nil
}

// UnmarshalText decodes a serialized snapshot key.
func (k *GrantKey) UnmarshalText(text []byte) error {
	parts := bytes.Split(text, []byte(keySeparator))
	if len(parts) != 3 {
		return fmt.Errorf("malformed grant key %q", text)
	}
	k.ActorID, k.TargetRef, k.EventID = string(parts[0]), string(parts[1]), string(parts[2])
	return nil
}

// GrantRecord remembers an applied one-time grant.
type GrantRecord struct {
	RewardRef string    `json:"reward_ref,omitempty"`
	Amount    int       `json:"amount"`
	GrantedAt time.Time `json:"granted_at"`
}

// QuestStatus is the lifecycle status of a quest arc.
type QuestStatus string

const (
	// QuestStarted marks an active quest.
	QuestStarted QuestStatus = "started"
	// QuestCompleted is a terminal quest status.
	QuestCompleted QuestStatus = "completed"
	// QuestFailed is a terminal quest status.
	QuestFailed QuestStatus = "failed"
	// QuestAbandoned is a terminal quest status.
	QuestAbandoned QuestStatus = "abandoned"
)

// Terminal reports whether the quest admits no further transitions.
func (s QuestStatus) Terminal() bool {
	return s == QuestCompleted || s == QuestFailed || s == QuestAbandoned
}

// QuestState tracks one quest arc.
type QuestState struct {
	Ref    string      `json:"ref"`
	Status QuestStatus `json:"status"`
	Stage  int         `json:"stage"`
}

// TradeStatus is the lifecycle status of a trade offer.
type TradeStatus string

const (
	// TradeOffered marks an open trade.
	TradeOffered TradeStatus = "offered"
	// TradeSettled is a terminal trade status.
	TradeSettled TradeStatus = "settled"
	// TradeCancelled is a terminal trade status.
	TradeCancelled TradeStatus = "cancelled"
)

// TradeState tracks one trade offer through settlement.
type TradeState struct {
	ID             string      `json:"id"`
	Status         TradeStatus `json:"status"`
	ItemRef        string      `json:"item_ref"`
	Quantity       int         `json:"quantity"`
	Direction      string      `json:"direction"`
	CounterpartyID string      `json:"counterparty_id,omitempty"`
}

// Note is a replayed free-form note.
type Note struct {
	ActorID string    `json:"actor_id,omitempty"`
	Text    string    `json:"text"`
	AddedAt time.Time `json:"added_at"`
}

// State is the saga state derived from an instance's committed log.
//
// DerivedAt is the canonical timestamp of the last applied transaction, not
// wall-clock time, so two replays of the same log are structurally identical.
type State struct {
	TemplateRef      string                    `json:"template_ref"`
	Status           SagaStatus                `json:"status"`
	Triggers         map[string]*TriggerState  `json:"triggers"`
	Entities         map[string]*EntityState   `json:"entities"`
	Visits           map[VisitKey]*VisitRecord `json:"visits"`
	Grants           map[GrantKey]GrantRecord  `json:"grants"`
	Quests           map[string]*QuestState    `json:"quests"`
	Trades           map[string]*TradeState    `json:"trades"`
	Reputation       map[string]int            `json:"reputation"`
	Items            map[string]int            `json:"items"`
	Traits           map[string]bool           `json:"traits"`
	Currency         int                       `json:"currency"`
	Flags            map[string]string         `json:"flags"`
	Notes            []Note                    `json:"notes,omitempty"`
	Participants     map[string]bool           `json:"participants"`
	TransactionCount int                       `json:"transaction_count"`
	DerivedAt        time.Time                 `json:"derived_at"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		TemplateRef:      s.TemplateRef,
		Status:           s.Status,
		Triggers:         make(map[string]*TriggerState, len(s.Triggers)),
		Entities:         make(map[string]*EntityState, len(s.Entities)),
		Visits:           make(map[VisitKey]*VisitRecord, len(s.Visits)),
		Grants:           make(map[GrantKey]GrantRecord, len(s.Grants)),
		Quests:           make(map[string]*QuestState, len(s.Quests)),
		Trades:           make(map[string]*TradeState, len(s.Trades)),
		Reputation:       make(map[string]int, len(s.Reputation)),
		Items:            make(map[string]int, len(s.Items)),
		Traits:           make(map[string]bool, len(s.Traits)),
		Currency:         s.Currency,
		Flags:            make(map[string]string, len(s.Flags)),
		Participants:     make(map[string]bool, len(s.Participants)),
		TransactionCount: s.TransactionCount,
		DerivedAt:        s.DerivedAt,
	}
	for ref, trigger := range s.Triggers {
		copied := *trigger
		copied.ActivatedAt = cloneTime(trigger.ActivatedAt)
		copied.ResolvedAt = cloneTime(trigger.ResolvedAt)
		out.Triggers[ref] = &copied
	}
	for id, entity := range s.Entities {
		copied := *entity
		copied.DefeatedAt = cloneTime(entity.DefeatedAt)
		out.Entities[id] = &copied
	}
	for key, visit := range s.Visits {
		copied := *visit
		out.Visits[key] = &copied
	}
	for key, grant := range s.Grants {
		out.Grants[key] = grant
	}
	for ref, quest := range s.Quests {
		copied := *quest
		out.Quests[ref] = &copied
	}
	for id, trade := range s.Trades {
		copied := *trade
		out.Trades[id] = &copied
	}
	for ref, value := range s.Reputation {
		out.Reputation[ref] = value
	}
	for ref, count := range s.Items {
		out.Items[ref] = count
	}
	for ref, held := range s.Traits {
		out.Traits[ref] = held
	}
	for key, value := range s.Flags {
		out.Flags[key] = value
	}
	for id, present := range s.Participants {
		out.Participants[id] = present
	}
	if len(s.Notes) > 0 {
		out.Notes = append([]Note(nil), s.Notes...)
	}
	return out
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := *value
	return &t
}
