package state

import (
	"github.com/emberveil/sagalog/internal/saga/template"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

func (m *Machine) applySpawn(st *State, tmpl template.Template, tx transaction.Transaction) {
	payload, err := transaction.ParseSpawnPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed spawn payload", err)
		return
	}
	def, known := tmpl.Entity(payload.EntityRef)
	if !known {
		m.skip(tx, "entity not defined in template", nil)
		return
	}
	if _, exists := st.Entities[payload.EntityID]; exists {
		// Re-spawning an existing entity id is a no-op; the first spawn wins.
		return
	}
	st.Entities[payload.EntityID] = &EntityState{
		ID:        payload.EntityID,
		Ref:       payload.EntityRef,
		Health:    def.MaxHealth,
		MaxHealth: def.MaxHealth,
		Alive:     true,
		SpawnedAt: tx.CanonicalTimestamp(),
	}
}

func (m *Machine) applyDamage(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseHealthPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed damage payload", err)
		return
	}
	entity, ok := st.Entities[payload.EntityID]
	if !ok {
		m.skip(tx, "entity not present in state", nil)
		return
	}
	if !entity.Alive {
		return
	}
	entity.Health -= payload.Amount
	if entity.Health <= 0 {
		entity.Health = 0
		m.markDefeated(entity, tx)
	}
}

func (m *Machine) applyHeal(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseHealthPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed heal payload", err)
		return
	}
	entity, ok := st.Entities[payload.EntityID]
	if !ok {
		m.skip(tx, "entity not present in state", nil)
		return
	}
	// Healing never resurrects.
	if !entity.Alive {
		return
	}
	entity.Health += payload.Amount
	if entity.Health > entity.MaxHealth {
		entity.Health = entity.MaxHealth
	}
}

func (m *Machine) applyDefeat(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseEntityPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed defeat payload", err)
		return
	}
	entity, ok := st.Entities[payload.EntityID]
	if !ok {
		m.skip(tx, "entity not present in state", nil)
		return
	}
	// Redundant defeat of an already-defeated entity is a safe no-op.
	if !entity.Alive {
		return
	}
	entity.Health = 0
	m.markDefeated(entity, tx)
}

func (m *Machine) applyDespawn(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseEntityPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed despawn payload", err)
		return
	}
	if _, ok := st.Entities[payload.EntityID]; !ok {
		m.skip(tx, "entity not present in state", nil)
		return
	}
	delete(st.Entities, payload.EntityID)
}

// markDefeated performs the defeat transition exactly once: the liveness flag
// guards the timestamp so a later redundant terminal event cannot move it.
func (m *Machine) markDefeated(entity *EntityState, tx transaction.Transaction) {
	if !entity.Alive {
		return
	}
	entity.Alive = false
	if entity.DefeatedAt == nil {
		defeated := tx.CanonicalTimestamp()
		entity.DefeatedAt = &defeated
	}
}
