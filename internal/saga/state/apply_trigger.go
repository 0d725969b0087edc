package state

import (
	"github.com/emberveil/sagalog/internal/saga/template"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

func (m *Machine) applyTrigger(st *State, tmpl template.Template, tx transaction.Transaction) {
	payload, err := transaction.ParseTriggerPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed trigger payload", err)
		return
	}
	if _, known := tmpl.Trigger(payload.TriggerRef); !known {
		m.skip(tx, "trigger not defined in template", nil)
		return
	}

	trigger, ok := st.Triggers[payload.TriggerRef]
	if !ok {
		// Template declares it but the seed is missing; only reachable when
		// replaying onto a snapshot produced by an older template revision.
		trigger = &TriggerState{Ref: payload.TriggerRef, Status: TriggerInactive}
		st.Triggers[payload.TriggerRef] = trigger
	}

	ts := tx.CanonicalTimestamp()
	switch tx.Type {
	case transaction.TypeTriggerActivated:
		if trigger.Status.Terminal() || trigger.Status == TriggerActive {
			return
		}
		trigger.Status = TriggerActive
		trigger.ActivationCount++
		activated := ts
		trigger.ActivatedAt = &activated
	case transaction.TypeTriggerDeactivated:
		if trigger.Status != TriggerActive {
			return
		}
		trigger.Status = TriggerInactive
	case transaction.TypeTriggerCompleted:
		if trigger.Status.Terminal() {
			return
		}
		trigger.Status = TriggerCompleted
		resolved := ts
		trigger.ResolvedAt = &resolved
	case transaction.TypeTriggerFailed:
		if trigger.Status.Terminal() {
			return
		}
		trigger.Status = TriggerFailed
		resolved := ts
		trigger.ResolvedAt = &resolved
	case transaction.TypeTriggerReset:
		trigger.Status = TriggerInactive
		trigger.ActivatedAt = nil
		trigger.ResolvedAt = nil
	}
}

func (m *Machine) applySagaReset(st *State, tmpl template.Template) {
	// A scripted reset restores triggers and clears entities. Visit records
	// and grants survive so one-time rewards stay one-time across resets.
	st.Status = SagaActive
	st.Entities = map[string]*EntityState{}
	st.Triggers = make(map[string]*TriggerState, len(tmpl.Triggers))
	for _, def := range tmpl.Triggers {
		st.Triggers[def.Ref] = &TriggerState{Ref: def.Ref, Status: TriggerInactive}
	}
}
