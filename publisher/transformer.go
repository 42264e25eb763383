package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/walship/walship/source"
)

// Transformer converts raw change envelopes into canonical mutations.
// It is a pure classification step: malformed or unsupported events
// are dropped, never surfaced as errors, so a single bad event cannot
// halt the stream.
type Transformer struct {
	database string
}

// NewTransformer creates a Transformer. The database name is the
// routing fallback when an envelope's source metadata cannot be read.
func NewTransformer(database string) *Transformer {
	return &Transformer{database: database}
}

// Transform classifies a raw event and produces its canonical
// mutation. The second return value is false when the event is dropped
// (absent value, DDL envelope, empty payload, unsupported operation,
// or empty row data).
func (t *Transformer) Transform(raw source.RawChangeEvent) (*Mutation, bool) {
	if raw.Value == nil {
		return nil, false
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw.Value, &env); err != nil {
		log.Warn().Err(err).Msg("Dropping event with unparsable value")
		return nil, false
	}

	// A proper change envelope has both schema and payload sections.
	payloadRaw, hasPayload := env["payload"]
	if _, hasSchema := env["schema"]; !hasSchema || !hasPayload {
		log.Debug().Msg("Dropping event without schema/payload envelope")
		return nil, false
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		log.Warn().Err(err).Msg("Dropping event with unparsable payload")
		return nil, false
	}
	if len(payload) == 0 {
		log.Debug().Msg("Dropping event with empty payload")
		return nil, false
	}
	if _, isDDL := payload["ddl"]; isDDL {
		log.Debug().Msg("Dropping DDL event")
		return nil, false
	}

	var op string
	if raw, ok := payload["op"]; ok {
		if err := json.Unmarshal(raw, &op); err != nil {
			log.Warn().Err(err).Msg("Dropping event with unparsable op")
			return nil, false
		}
	}

	var changeType ChangeType
	var dataField string
	switch opKindOf(op) {
	case opCreate:
		changeType, dataField = ChangeCreated, "after"
	case opUpdate:
		changeType, dataField = ChangeUpdated, "after"
	case opDelete:
		changeType, dataField = ChangeRemoved, "before"
	case opOther:
		log.Debug().Str("op", op).Msg("Dropping unsupported operation")
		return nil, false
	}

	var data map[string]any
	if raw, ok := payload[dataField]; ok {
		if err := json.Unmarshal(raw, &data); err != nil {
			log.Warn().Err(err).Str("field", dataField).Msg("Dropping event with unparsable row data")
			return nil, false
		}
	}
	if len(data) == 0 {
		log.Debug().Msg("Dropping event with empty row data")
		return nil, false
	}

	return &Mutation{Type: changeType, Data: data}, true
}

// TopicName derives the routing key from the envelope's source
// metadata in the db.schema.table format. Any parse failure falls back
// to the configured database name.
func (t *Transformer) TopicName(raw source.RawChangeEvent) string {
	var env struct {
		Payload struct {
			Source struct {
				Db     string `json:"db"`
				Schema string `json:"schema"`
				Table  string `json:"table"`
			} `json:"source"`
		} `json:"payload"`
	}

	if raw.Value == nil || json.Unmarshal(raw.Value, &env) != nil {
		return t.database
	}

	src := env.Payload.Source
	if src.Db == "" || src.Schema == "" || src.Table == "" {
		return t.database
	}

	return fmt.Sprintf("%s.%s.%s", src.Db, src.Schema, src.Table)
}
