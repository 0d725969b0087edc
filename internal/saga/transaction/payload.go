package transaction

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
)

// Payload field keys. Every schema readable from a Data bag is enumerated
// here; handlers go through the typed accessors below, never raw keys.
const (
	keyTriggerRef    = "trigger_ref"
	keyEntityID      = "entity_id"
	keyEntityRef     = "entity_ref"
	keyAmount        = "amount"
	keyTargetRef     = "target_ref"
	keyEventID       = "event_id"
	keyRewardRef     = "reward_ref"
	keyQuestRef      = "quest_ref"
	keyStage         = "stage"
	keyFactionRef    = "faction_ref"
	keyDelta         = "delta"
	keyParticipantID = "participant_id"
	keyTradeID       = "trade_id"
	keyItemRef       = "item_ref"
	keyQuantity      = "quantity"
	keyDirection     = "direction"
	keyCounterparty  = "counterparty_id"
	keyFlagKey       = "key"
	keyFlagValue     = "value"
	keyNoteText      = "text"
	keyTemplateRef   = "template_ref"
	keyReversedType  = "reversed_type"
	keyReversedData  = "reversed_data"
)

// Trade leg directions.
const (
	// TradeDirectionIn credits the item quantity to the instance.
	TradeDirectionIn = "in"
	// TradeDirectionOut debits the item quantity from the instance.
	TradeDirectionOut = "out"
)

func requireField(d Data, key string) (string, error) {
	value, ok := d[key]
	if !ok || strings.TrimSpace(value) == "" {
		return "", apperrors.WithMetadata(apperrors.CodePayloadFieldMissing,
			fmt.Sprintf("payload field %s is required", key),
			map[string]string{"field": key})
	}
	return value, nil
}

func intField(d Data, key string) (int, error) {
	raw, err := requireField(d, key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.WrapWithMetadata(apperrors.CodePayloadFieldInvalid,
			fmt.Sprintf("payload field %s is not an integer", key),
			map[string]string{"field": key, "value": raw}, err)
	}
	return value, nil
}

// TriggerPayload names the trigger a trigger.* transaction acts on.
type TriggerPayload struct {
	TriggerRef string
}

// NewTriggerData encodes a trigger payload.
func NewTriggerData(p TriggerPayload) Data {
	return Data{keyTriggerRef: p.TriggerRef}
}

// ParseTriggerPayload decodes a trigger payload.
func ParseTriggerPayload(d Data) (TriggerPayload, error) {
	ref, err := requireField(d, keyTriggerRef)
	if err != nil {
		return TriggerPayload{}, err
	}
	return TriggerPayload{TriggerRef: ref}, nil
}

// SpawnPayload identifies a spawned entity and its template definition.
type SpawnPayload struct {
	EntityID  string
	EntityRef string
}

// NewSpawnData encodes a spawn payload.
func NewSpawnData(p SpawnPayload) Data {
	return Data{keyEntityID: p.EntityID, keyEntityRef: p.EntityRef}
}

// ParseSpawnPayload decodes a spawn payload.
func ParseSpawnPayload(d Data) (SpawnPayload, error) {
	id, err := requireField(d, keyEntityID)
	if err != nil {
		return SpawnPayload{}, err
	}
	ref, err := requireField(d, keyEntityRef)
	if err != nil {
		return SpawnPayload{}, err
	}
	return SpawnPayload{EntityID: id, EntityRef: ref}, nil
}

// HealthPayload carries a damage or heal amount for an entity.
type HealthPayload struct {
	EntityID string
	Amount   int
}

// NewHealthData encodes a damage/heal payload.
func NewHealthData(p HealthPayload) Data {
	return Data{keyEntityID: p.EntityID, keyAmount: strconv.Itoa(p.Amount)}
}

// ParseHealthPayload decodes a damage/heal payload.
func ParseHealthPayload(d Data) (HealthPayload, error) {
	id, err := requireField(d, keyEntityID)
	if err != nil {
		return HealthPayload{}, err
	}
	amount, err := intField(d, keyAmount)
	if err != nil {
		return HealthPayload{}, err
	}
	return HealthPayload{EntityID: id, Amount: amount}, nil
}

// EntityPayload names the entity a defeat/despawn transaction targets.
type EntityPayload struct {
	EntityID string
}

// NewEntityData encodes an entity payload.
func NewEntityData(p EntityPayload) Data {
	return Data{keyEntityID: p.EntityID}
}

// ParseEntityPayload decodes an entity payload.
func ParseEntityPayload(d Data) (EntityPayload, error) {
	id, err := requireField(d, keyEntityID)
	if err != nil {
		return EntityPayload{}, err
	}
	return EntityPayload{EntityID: id}, nil
}

// VisitPayload records an actor visiting a target. Together with the
// transaction's actor id it forms the composite first-visit key.
type VisitPayload struct {
	TargetRef string
	EventID   string
}

// NewVisitData encodes a visit payload.
func NewVisitData(p VisitPayload) Data {
	return Data{keyTargetRef: p.TargetRef, keyEventID: p.EventID}
}

// ParseVisitPayload decodes a visit payload.
func ParseVisitPayload(d Data) (VisitPayload, error) {
	target, err := requireField(d, keyTargetRef)
	if err != nil {
		return VisitPayload{}, err
	}
	event, err := requireField(d, keyEventID)
	if err != nil {
		return VisitPayload{}, err
	}
	return VisitPayload{TargetRef: target, EventID: event}, nil
}

// RewardPayload is a one-time grant. RewardRef names the item or trait (or is
// empty for currency); TargetRef and EventID complete the idempotence key.
type RewardPayload struct {
	RewardRef string
	Amount    int
	TargetRef string
	EventID   string
}

// NewRewardData encodes a reward payload.
func NewRewardData(p RewardPayload) Data {
	d := Data{
		keyAmount:    strconv.Itoa(p.Amount),
		keyTargetRef: p.TargetRef,
		keyEventID:   p.EventID,
	}
	if p.RewardRef != "" {
		d[keyRewardRef] = p.RewardRef
	}
	return d
}

// ParseRewardPayload decodes a reward payload.
func ParseRewardPayload(d Data) (RewardPayload, error) {
	target, err := requireField(d, keyTargetRef)
	if err != nil {
		return RewardPayload{}, err
	}
	event, err := requireField(d, keyEventID)
	if err != nil {
		return RewardPayload{}, err
	}
	amount, err := intField(d, keyAmount)
	if err != nil {
		return RewardPayload{}, err
	}
	return RewardPayload{
		RewardRef: d[keyRewardRef],
		Amount:    amount,
		TargetRef: target,
		EventID:   event,
	}, nil
}

// QuestPayload names a quest and, for quest.advanced, its new stage.
type QuestPayload struct {
	QuestRef string
	Stage    int
}

// NewQuestData encodes a quest payload.
func NewQuestData(p QuestPayload) Data {
	return Data{keyQuestRef: p.QuestRef, keyStage: strconv.Itoa(p.Stage)}
}

// ParseQuestPayload decodes a quest payload.
func ParseQuestPayload(d Data) (QuestPayload, error) {
	ref, err := requireField(d, keyQuestRef)
	if err != nil {
		return QuestPayload{}, err
	}
	stage := 0
	if raw, ok := d[keyStage]; ok && strings.TrimSpace(raw) != "" {
		stage, err = intField(d, keyStage)
		if err != nil {
			return QuestPayload{}, err
		}
	}
	return QuestPayload{QuestRef: ref, Stage: stage}, nil
}

// ReputationPayload carries a faction reputation delta.
type ReputationPayload struct {
	FactionRef string
	Delta      int
}

// NewReputationData encodes a reputation payload.
func NewReputationData(p ReputationPayload) Data {
	return Data{keyFactionRef: p.FactionRef, keyDelta: strconv.Itoa(p.Delta)}
}

// ParseReputationPayload decodes a reputation payload.
func ParseReputationPayload(d Data) (ReputationPayload, error) {
	ref, err := requireField(d, keyFactionRef)
	if err != nil {
		return ReputationPayload{}, err
	}
	delta, err := intField(d, keyDelta)
	if err != nil {
		return ReputationPayload{}, err
	}
	return ReputationPayload{FactionRef: ref, Delta: delta}, nil
}

// ParticipantPayload names the participant joining or leaving a shared saga.
type ParticipantPayload struct {
	ParticipantID string
}

// NewParticipantData encodes a participant payload.
func NewParticipantData(p ParticipantPayload) Data {
	return Data{keyParticipantID: p.ParticipantID}
}

// ParseParticipantPayload decodes a participant payload.
func ParseParticipantPayload(d Data) (ParticipantPayload, error) {
	id, err := requireField(d, keyParticipantID)
	if err != nil {
		return ParticipantPayload{}, err
	}
	return ParticipantPayload{ParticipantID: id}, nil
}

// TradePayload describes one leg of a trade.
type TradePayload struct {
	TradeID        string
	ItemRef        string
	Quantity       int
	Direction      string
	CounterpartyID string
}

// NewTradeData encodes a trade payload.
func NewTradeData(p TradePayload) Data {
	return Data{
		keyTradeID:      p.TradeID,
		keyItemRef:      p.ItemRef,
		keyQuantity:     strconv.Itoa(p.Quantity),
		keyDirection:    p.Direction,
		keyCounterparty: p.CounterpartyID,
	}
}

// ParseTradePayload decodes a trade payload.
func ParseTradePayload(d Data) (TradePayload, error) {
	tradeID, err := requireField(d, keyTradeID)
	if err != nil {
		return TradePayload{}, err
	}
	itemRef, err := requireField(d, keyItemRef)
	if err != nil {
		return TradePayload{}, err
	}
	quantity, err := intField(d, keyQuantity)
	if err != nil {
		return TradePayload{}, err
	}
	direction := d[keyDirection]
	if direction != TradeDirectionIn && direction != TradeDirectionOut {
		return TradePayload{}, apperrors.WithMetadata(apperrors.CodePayloadFieldInvalid,
			"trade direction must be in or out",
			map[string]string{"field": keyDirection, "value": direction})
	}
	return TradePayload{
		TradeID:        tradeID,
		ItemRef:        itemRef,
		Quantity:       quantity,
		Direction:      direction,
		CounterpartyID: d[keyCounterparty],
	}, nil
}

// FlagPayload carries a scripted flag key/value pair.
type FlagPayload struct {
	Key   string
	Value string
}

// NewFlagData encodes a flag payload.
func NewFlagData(p FlagPayload) Data {
	return Data{keyFlagKey: p.Key, keyFlagValue: p.Value}
}

// ParseFlagPayload decodes a flag payload.
func ParseFlagPayload(d Data) (FlagPayload, error) {
	key, err := requireField(d, keyFlagKey)
	if err != nil {
		return FlagPayload{}, err
	}
	return FlagPayload{Key: key, Value: d[keyFlagValue]}, nil
}

// NotePayload carries a free-form note.
type NotePayload struct {
	Text string
}

// NewNoteData encodes a note payload.
func NewNoteData(p NotePayload) Data {
	return Data{keyNoteText: p.Text}
}

// ParseNotePayload decodes a note payload.
func ParseNotePayload(d Data) (NotePayload, error) {
	text, err := requireField(d, keyNoteText)
	if err != nil {
		return NotePayload{}, err
	}
	return NotePayload{Text: text}, nil
}

// SagaPayload names the template backing a saga.created transaction.
type SagaPayload struct {
	TemplateRef string
}

// NewSagaData encodes a saga payload.
func NewSagaData(p SagaPayload) Data {
	return Data{keyTemplateRef: p.TemplateRef}
}

// ParseSagaPayload decodes a saga payload.
func ParseSagaPayload(d Data) (SagaPayload, error) {
	ref, err := requireField(d, keyTemplateRef)
	if err != nil {
		return SagaPayload{}, err
	}
	return SagaPayload{TemplateRef: ref}, nil
}

// ReversalPayload is carried by merge.reversed compensators: the reversed
// transaction's type and its serialized payload, preserved for audit.
type ReversalPayload struct {
	ReversedType Type
	ReversedData string
}

// NewReversalData encodes a reversal payload.
func NewReversalData(p ReversalPayload) Data {
	return Data{
		keyReversedType: string(p.ReversedType),
		keyReversedData: p.ReversedData,
	}
}

// ParseReversalPayload decodes a reversal payload.
func ParseReversalPayload(d Data) (ReversalPayload, error) {
	reversedType, err := requireField(d, keyReversedType)
	if err != nil {
		return ReversalPayload{}, err
	}
	return ReversalPayload{
		ReversedType: Type(reversedType),
		ReversedData: d[keyReversedData],
	}, nil
}
