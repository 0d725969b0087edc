package state

import (
	"github.com/emberveil/sagalog/internal/saga/template"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

func (m *Machine) applyVisit(st *State, tmpl template.Template, tx transaction.Transaction) {
	payload, err := transaction.ParseVisitPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed visit payload", err)
		return
	}

	key := VisitKey{ActorID: tx.ActorID, TargetRef: payload.TargetRef, EventID: payload.EventID}
	ts := tx.CanonicalTimestamp()

	record, ok := st.Visits[key]
	if !ok {
		record = &VisitRecord{Key: key, FirstVisitAt: ts}
		st.Visits[key] = record
	}
	record.Count++
	record.LastVisitAt = ts

	// First-visit reward: granted exactly once per composite key, guarded by
	// state the replay itself derives. Re-replaying the same log can never
	// double-grant because the guard is recomputed from the log.
	if record.RewardGranted {
		return
	}
	reward, defined := tmpl.VisitReward(payload.TargetRef)
	if !defined {
		return
	}
	record.RewardGranted = true
	for itemRef, count := range reward.Items {
		st.Items[itemRef] += count
	}
	for _, traitRef := range reward.Traits {
		st.Traits[traitRef] = true
	}
	st.Currency += reward.Currency
}

func (m *Machine) applyReward(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseRewardPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed reward payload", err)
		return
	}

	key := GrantKey{ActorID: tx.ActorID, TargetRef: payload.TargetRef, EventID: payload.EventID}
	if _, granted := st.Grants[key]; granted {
		// The grant key already exists in derived state: duplicate grant
		// transactions are no-ops.
		return
	}
	st.Grants[key] = GrantRecord{
		RewardRef: payload.RewardRef,
		Amount:    payload.Amount,
		GrantedAt: tx.CanonicalTimestamp(),
	}

	switch tx.Type {
	case transaction.TypeRewardItemGranted:
		st.Items[payload.RewardRef] += payload.Amount
	case transaction.TypeRewardTraitGranted:
		st.Traits[payload.RewardRef] = true
	case transaction.TypeRewardCurrencyGranted:
		st.Currency += payload.Amount
	}
}
