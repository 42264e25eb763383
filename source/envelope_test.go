package source

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usersChange(op string) *rowChange {
	row := map[string]any{"id": int32(7), "email": "a@example.com"}

	c := &rowChange{
		op:         op,
		namespace:  "public",
		table:      "users",
		keyColumns: []string{"id"},
		columns: []columnInfo{
			{name: "id", typeOID: 23, key: true},
			{name: "email", typeOID: 25},
		},
		lsn: pglogrepl.LSN(0x16B374D848),
		ts:  time.UnixMilli(1700000000000),
	}

	switch op {
	case "c":
		c.after = row
	case "u":
		c.before = map[string]any{"id": int32(7), "email": "old@example.com"}
		c.after = row
	case "d":
		c.before = row
	}
	return c
}

func TestEncodeValueEnvelope(t *testing.T) {
	enc := newEnvelopeEncoder("app")

	data, err := enc.encodeValue(usersChange("c"))
	require.NoError(t, err)

	var msg struct {
		Schema struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"schema"`
		Payload struct {
			Before map[string]any `json:"before"`
			After  map[string]any `json:"after"`
			Op     string         `json:"op"`
			TsMs   int64          `json:"ts_ms"`
			Source struct {
				Connector string `json:"connector"`
				Db        string `json:"db"`
				Schema    string `json:"schema"`
				Table     string `json:"table"`
				LSN       uint64 `json:"lsn"`
			} `json:"source"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))

	assert.Equal(t, "struct", msg.Schema.Type)
	assert.Equal(t, "app.public.users.Envelope", msg.Schema.Name)

	assert.Equal(t, "c", msg.Payload.Op)
	assert.Equal(t, int64(1700000000000), msg.Payload.TsMs)
	assert.Nil(t, msg.Payload.Before)
	assert.Equal(t, "a@example.com", msg.Payload.After["email"])

	assert.Equal(t, "walship", msg.Payload.Source.Connector)
	assert.Equal(t, "app", msg.Payload.Source.Db)
	assert.Equal(t, "public", msg.Payload.Source.Schema)
	assert.Equal(t, "users", msg.Payload.Source.Table)
	assert.Equal(t, uint64(0x16B374D848), msg.Payload.Source.LSN)
}

func TestEncodeValueDeleteCarriesBeforeImage(t *testing.T) {
	enc := newEnvelopeEncoder("app")

	data, err := enc.encodeValue(usersChange("d"))
	require.NoError(t, err)

	var msg struct {
		Payload struct {
			Before map[string]any `json:"before"`
			After  map[string]any `json:"after"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))

	assert.NotNil(t, msg.Payload.Before)
	assert.Nil(t, msg.Payload.After)
}

func TestEncodeKeyEnvelope(t *testing.T) {
	enc := newEnvelopeEncoder("app")

	data, err := enc.encodeKey(usersChange("c"))
	require.NoError(t, err)
	require.NotNil(t, data)

	var msg struct {
		Schema struct {
			Name   string `json:"name"`
			Fields []struct {
				Field string `json:"field"`
				Type  string `json:"type"`
			} `json:"fields"`
		} `json:"schema"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))

	assert.Equal(t, "app.public.users.Key", msg.Schema.Name)
	require.Len(t, msg.Schema.Fields, 1)
	assert.Equal(t, "id", msg.Schema.Fields[0].Field)
	assert.Equal(t, "int32", msg.Schema.Fields[0].Type)
	assert.Equal(t, map[string]any{"id": float64(7)}, msg.Payload)
}

func TestEncodeKeyDeleteUsesOldTuple(t *testing.T) {
	enc := newEnvelopeEncoder("app")

	data, err := enc.encodeKey(usersChange("d"))
	require.NoError(t, err)
	require.NotNil(t, data)

	var msg struct {
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, float64(7), msg.Payload["id"])
}

func TestEncodeKeyNoIdentityColumns(t *testing.T) {
	enc := newEnvelopeEncoder("app")

	c := usersChange("c")
	c.keyColumns = nil

	data, err := enc.encodeKey(c)
	require.NoError(t, err)
	assert.Nil(t, data, "keyless rows have no key envelope")
}

func TestMapTypeOID(t *testing.T) {
	cases := map[uint32]string{
		16:    "boolean",
		21:    "int16",
		23:    "int32",
		20:    "int64",
		700:   "float",
		701:   "double",
		1700:  "double",
		17:    "bytes",
		25:    "string",
		1184:  "string", // timestamptz falls back to text form
		99999: "string",
	}
	for oid, expected := range cases {
		assert.Equal(t, expected, mapTypeOID(oid), "oid %d", oid)
	}
}
