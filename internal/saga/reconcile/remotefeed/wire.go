package remotefeed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/emberveil/sagalog/internal/saga/transaction"
)

// transactionsSchema validates the authority's response envelope before any
// field is trusted. Unknown transaction types pass the schema on purpose:
// the decode boundary admits them and replay skips them, so a newer server
// never breaks an older client.
const transactionsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "instance_id", "transactions"],
  "properties": {
    "type": {"const": "transactions"},
    "instance_id": {"type": "string", "minLength": 1},
    "transactions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "client_id", "type", "local_timestamp"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "actor_id": {"type": "string"},
          "client_id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "local_timestamp": {"type": "string", "format": "date-time"},
          "server_timestamp": {"type": "string", "format": "date-time"},
          "data": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          }
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("transactions.schema.json", transactionsSchema)

type fetchRequest struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
}

type wireTransaction struct {
	ID              string            `json:"id"`
	ActorID         string            `json:"actor_id,omitempty"`
	ClientID        string            `json:"client_id"`
	Type            string            `json:"type"`
	LocalTimestamp  string            `json:"local_timestamp"`
	ServerTimestamp string            `json:"server_timestamp,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
}

type transactionsResponse struct {
	Type         string            `json:"type"`
	InstanceID   string            `json:"instance_id"`
	Transactions []wireTransaction `json:"transactions"`
}

// decodeResponse validates and decodes an authority response message.
func decodeResponse(msg []byte) (transactionsResponse, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return transactionsResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return transactionsResponse{}, fmt.Errorf("response failed schema validation: %w", err)
	}

	var resp transactionsResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return transactionsResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp, nil
}

// toDomain converts a wire transaction into a domain transaction. The type
// is taken as-is; replay decides what to do with types it does not know.
func (w wireTransaction) toDomain() (transaction.Transaction, error) {
	localTS, err := time.Parse(time.RFC3339, w.LocalTimestamp)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("parse local timestamp for %s: %w", w.ID, err)
	}
	tx := transaction.Transaction{
		ID:             w.ID,
		ActorID:        w.ActorID,
		ClientID:       w.ClientID,
		LocalTimestamp: localTS.UTC(),
		Status:         transaction.StatusCommitted,
		Type:           transaction.Type(w.Type),
		Data:           transaction.Data(w.Data),
	}
	if w.ServerTimestamp != "" {
		serverTS, err := time.Parse(time.RFC3339, w.ServerTimestamp)
		if err != nil {
			return transaction.Transaction{}, fmt.Errorf("parse server timestamp for %s: %w", w.ID, err)
		}
		utc := serverTS.UTC()
		tx.ServerTimestamp = &utc
	}
	return tx, nil
}
