package source

import (
	"encoding/json"
	"fmt"
)

// envelopeEncoder renders decoded row changes as Debezium-style JSON
// messages with both schema and payload sections, the format the
// transformation stage consumes.
type envelopeEncoder struct {
	connectorName string
	database      string
}

func newEnvelopeEncoder(database string) *envelopeEncoder {
	return &envelopeEncoder{
		connectorName: "walship",
		database:      database,
	}
}

type envelopeSchema struct {
	Type     string          `json:"type"`
	Name     string          `json:"name,omitempty"`
	Optional bool            `json:"optional,omitempty"`
	Fields   []envelopeField `json:"fields,omitempty"`
}

type envelopeField struct {
	Field    string          `json:"field"`
	Type     string          `json:"type"`
	Optional bool            `json:"optional,omitempty"`
	Name     string          `json:"name,omitempty"`
	Fields   []envelopeField `json:"fields,omitempty"`
}

type valueMessage struct {
	Schema  envelopeSchema `json:"schema"`
	Payload valuePayload   `json:"payload"`
}

type valuePayload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source sourceInfo     `json:"source"`
}

type sourceInfo struct {
	Connector string `json:"connector"`
	Db        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	LSN       uint64 `json:"lsn"`
}

type keyMessage struct {
	Schema  envelopeSchema `json:"schema"`
	Payload map[string]any `json:"payload"`
}

// encodeValue renders the value envelope for a row change.
func (e *envelopeEncoder) encodeValue(c *rowChange) ([]byte, error) {
	msg := valueMessage{
		Schema: e.valueSchema(c),
		Payload: valuePayload{
			Before: c.before,
			After:  c.after,
			Op:     c.op,
			TsMs:   c.ts.UnixMilli(),
			Source: sourceInfo{
				Connector: e.connectorName,
				Db:        e.database,
				Schema:    c.namespace,
				Table:     c.table,
				LSN:       uint64(c.lsn),
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal value envelope: %w", err)
	}
	return data, nil
}

// encodeKey renders the key envelope from the row's identity columns.
// Returns nil when the relation announces no key columns.
func (e *envelopeEncoder) encodeKey(c *rowChange) ([]byte, error) {
	if len(c.keyColumns) == 0 {
		return nil, nil
	}

	// Deletes carry the identity in the old tuple, everything else in
	// the new one.
	row := c.after
	if c.op == "d" {
		row = c.before
	}
	if row == nil {
		return nil, nil
	}

	payload := make(map[string]any, len(c.keyColumns))
	fields := make([]envelopeField, 0, len(c.keyColumns))
	for _, col := range c.keyColumns {
		payload[col] = row[col]
		fields = append(fields, envelopeField{Field: col, Type: e.fieldType(c, col)})
	}

	msg := keyMessage{
		Schema: envelopeSchema{
			Type:   "struct",
			Name:   e.qualifiedName(c) + ".Key",
			Fields: fields,
		},
		Payload: payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal key envelope: %w", err)
	}
	return data, nil
}

func (e *envelopeEncoder) valueSchema(c *rowChange) envelopeSchema {
	valueName := e.qualifiedName(c) + ".Value"

	columnFields := make([]envelopeField, len(c.columns))
	for i, col := range c.columns {
		columnFields[i] = envelopeField{
			Field:    col.name,
			Type:     mapTypeOID(col.typeOID),
			Optional: !col.key,
		}
	}

	return envelopeSchema{
		Type: "struct",
		Name: e.qualifiedName(c) + ".Envelope",
		Fields: []envelopeField{
			{Field: "before", Type: "struct", Optional: true, Name: valueName, Fields: columnFields},
			{Field: "after", Type: "struct", Optional: true, Name: valueName, Fields: columnFields},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{Field: "source", Type: "struct", Name: "walship.Source", Fields: []envelopeField{
				{Field: "connector", Type: "string"},
				{Field: "db", Type: "string"},
				{Field: "schema", Type: "string"},
				{Field: "table", Type: "string"},
				{Field: "lsn", Type: "int64"},
			}},
		},
	}
}

func (e *envelopeEncoder) qualifiedName(c *rowChange) string {
	return e.database + "." + c.namespace + "." + c.table
}

func (e *envelopeEncoder) fieldType(c *rowChange, column string) string {
	for _, col := range c.columns {
		if col.name == column {
			return mapTypeOID(col.typeOID)
		}
	}
	return "string"
}

// mapTypeOID maps common PostgreSQL type OIDs to envelope field types.
// Unrecognized types fall back to string, which matches the text
// representation the tuple decoder produces for them.
func mapTypeOID(oid uint32) string {
	switch oid {
	case 16: // bool
		return "boolean"
	case 21: // int2
		return "int16"
	case 23: // int4
		return "int32"
	case 20: // int8
		return "int64"
	case 700: // float4
		return "float"
	case 701, 1700: // float8, numeric
		return "double"
	case 17: // bytea
		return "bytes"
	case 114, 3802: // json, jsonb
		return "string"
	default:
		return "string"
	}
}
