package state

import (
	"github.com/emberveil/sagalog/internal/saga/template"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

func (m *Machine) applyQuest(st *State, tmpl template.Template, tx transaction.Transaction) {
	payload, err := transaction.ParseQuestPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed quest payload", err)
		return
	}
	if _, known := tmpl.Quest(payload.QuestRef); !known {
		m.skip(tx, "quest not defined in template", nil)
		return
	}

	quest, started := st.Quests[payload.QuestRef]

	switch tx.Type {
	case transaction.TypeQuestStarted:
		if started {
			return
		}
		st.Quests[payload.QuestRef] = &QuestState{Ref: payload.QuestRef, Status: QuestStarted}
	case transaction.TypeQuestAdvanced:
		if !started {
			m.skip(tx, "quest not started", nil)
			return
		}
		if quest.Status.Terminal() {
			return
		}
		// Stages only move forward; a late-arriving lower stage is stale.
		if payload.Stage > quest.Stage {
			quest.Stage = payload.Stage
		}
	case transaction.TypeQuestCompleted:
		if !started {
			m.skip(tx, "quest not started", nil)
			return
		}
		if quest.Status.Terminal() {
			return
		}
		quest.Status = QuestCompleted
	case transaction.TypeQuestFailed:
		if !started {
			m.skip(tx, "quest not started", nil)
			return
		}
		if quest.Status.Terminal() {
			return
		}
		quest.Status = QuestFailed
	case transaction.TypeQuestAbandoned:
		if !started {
			m.skip(tx, "quest not started", nil)
			return
		}
		if quest.Status.Terminal() {
			return
		}
		quest.Status = QuestAbandoned
	}
}
