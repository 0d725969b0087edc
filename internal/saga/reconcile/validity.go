package reconcile

import (
	"github.com/emberveil/sagalog/internal/saga/state"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

// checkValidity decides whether a local pending transaction still makes
// sense against a merged base state. Invalid transactions are reversed, not
// rejected: the client acted in good faith on a stale view, so the record
// stays in the log with a compensator explaining what happened.
//
// Only transactions whose effect depends on prior state can become invalid.
// Additive records like visits, notes, flags, and reputation deltas merge
// cleanly and are always valid.
func checkValidity(st *state.State, tx transaction.Transaction) (bool, string) {
	switch tx.Type {
	case transaction.TypeTriggerActivated:
		trigger, known := st.Triggers[triggerRef(tx)]
		if !known {
			return false, "trigger not defined in template"
		}
		if trigger.Status.Terminal() {
			return false, "trigger already resolved"
		}
		return true, ""
	case transaction.TypeTriggerCompleted, transaction.TypeTriggerFailed, transaction.TypeTriggerDeactivated:
		trigger, known := st.Triggers[triggerRef(tx)]
		if !known {
			return false, "trigger not defined in template"
		}
		if trigger.Status != state.TriggerActive {
			return false, "trigger not active"
		}
		return true, ""
	case transaction.TypeEntityDamaged, transaction.TypeEntityDefeated:
		entity, known := st.Entities[entityID(tx)]
		if !known {
			return false, "entity not spawned"
		}
		if !entity.Alive {
			return false, "entity already defeated"
		}
		return true, ""
	case transaction.TypeEntityHealed, transaction.TypeEntityDespawned:
		if _, known := st.Entities[entityID(tx)]; !known {
			return false, "entity not spawned"
		}
		return true, ""
	case transaction.TypeQuestStarted:
		if _, started := st.Quests[questRef(tx)]; started {
			return false, "quest already started"
		}
		return true, ""
	case transaction.TypeQuestAdvanced, transaction.TypeQuestCompleted,
		transaction.TypeQuestFailed, transaction.TypeQuestAbandoned:
		quest, started := st.Quests[questRef(tx)]
		if !started {
			return false, "quest not started"
		}
		if quest.Status.Terminal() {
			return false, "quest already resolved"
		}
		return true, ""
	case transaction.TypeTradeSettled, transaction.TypeTradeCancelled:
		trade, known := st.Trades[tradeID(tx)]
		if !known {
			return false, "trade not offered"
		}
		if trade.Status != state.TradeOffered {
			return false, "trade already resolved"
		}
		return true, ""
	}
	return true, ""
}

// The ref helpers tolerate malformed payloads by returning an empty key;
// the lookup then fails and the transaction is reversed with a clear reason.

func triggerRef(tx transaction.Transaction) string {
	payload, err := transaction.ParseTriggerPayload(tx.Data)
	if err != nil {
		return ""
	}
	return payload.TriggerRef
}

func entityID(tx transaction.Transaction) string {
	payload, err := transaction.ParseEntityPayload(tx.Data)
	if err != nil {
		return ""
	}
	return payload.EntityID
}

func questRef(tx transaction.Transaction) string {
	payload, err := transaction.ParseQuestPayload(tx.Data)
	if err != nil {
		return ""
	}
	return payload.QuestRef
}

func tradeID(tx transaction.Transaction) string {
	payload, err := transaction.ParseTradePayload(tx.Data)
	if err != nil {
		return ""
	}
	return payload.TradeID
}
