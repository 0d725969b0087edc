package state

import (
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

func (m *Machine) applyReputation(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseReputationPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed reputation payload", err)
		return
	}
	st.Reputation[payload.FactionRef] += payload.Delta
}

func (m *Machine) applyParticipant(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseParticipantPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed participant payload", err)
		return
	}
	switch tx.Type {
	case transaction.TypeParticipantJoined:
		st.Participants[payload.ParticipantID] = true
	case transaction.TypeParticipantLeft:
		st.Participants[payload.ParticipantID] = false
	}
}

func (m *Machine) applyTrade(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseTradePayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed trade payload", err)
		return
	}

	trade, known := st.Trades[payload.TradeID]

	switch tx.Type {
	case transaction.TypeTradeOffered:
		if known {
			return
		}
		st.Trades[payload.TradeID] = &TradeState{
			ID:             payload.TradeID,
			Status:         TradeOffered,
			ItemRef:        payload.ItemRef,
			Quantity:       payload.Quantity,
			Direction:      payload.Direction,
			CounterpartyID: payload.CounterpartyID,
		}
	case transaction.TypeTradeSettled:
		if !known {
			m.skip(tx, "trade not offered", nil)
			return
		}
		if trade.Status != TradeOffered {
			return
		}
		trade.Status = TradeSettled
		switch payload.Direction {
		case transaction.TradeDirectionIn:
			st.Items[payload.ItemRef] += payload.Quantity
		case transaction.TradeDirectionOut:
			st.Items[payload.ItemRef] -= payload.Quantity
			if st.Items[payload.ItemRef] < 0 {
				st.Items[payload.ItemRef] = 0
			}
		}
	case transaction.TypeTradeCancelled:
		if !known {
			m.skip(tx, "trade not offered", nil)
			return
		}
		if trade.Status != TradeOffered {
			return
		}
		trade.Status = TradeCancelled
	}
}

func (m *Machine) applyFlag(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseFlagPayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed flag payload", err)
		return
	}
	st.Flags[payload.Key] = payload.Value
}

func (m *Machine) applyNote(st *State, tx transaction.Transaction) {
	payload, err := transaction.ParseNotePayload(tx.Data)
	if err != nil {
		m.skip(tx, "malformed note payload", err)
		return
	}
	st.Notes = append(st.Notes, Note{
		ActorID: tx.ActorID,
		Text:    payload.Text,
		AddedAt: tx.CanonicalTimestamp(),
	})
}
