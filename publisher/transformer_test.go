package publisher

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walship/walship/source"
)

func envelope(op string, before, after map[string]any) []byte {
	payload := map[string]any{
		"op": op,
		"source": map[string]any{
			"db":     "app",
			"schema": "public",
			"table":  "users",
		},
	}
	if before != nil {
		payload["before"] = before
	}
	if after != nil {
		payload["after"] = after
	}

	value, err := json.Marshal(map[string]any{
		"schema":  map[string]any{"type": "struct"},
		"payload": payload,
	})
	if err != nil {
		panic(err)
	}
	return value
}

func TestTransformOperationMapping(t *testing.T) {
	row := map[string]any{"id": float64(1), "name": "alice"}

	cases := []struct {
		op       string
		before   map[string]any
		after    map[string]any
		expected ChangeType
	}{
		{"c", nil, row, ChangeCreated},
		{"u", map[string]any{"id": float64(1), "name": "bob"}, row, ChangeUpdated},
		{"d", row, nil, ChangeRemoved},
	}

	tr := NewTransformer("app")
	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			mutation, ok := tr.Transform(source.RawChangeEvent{Value: envelope(tc.op, tc.before, tc.after)})
			require.True(t, ok)
			assert.Equal(t, tc.expected, mutation.Type)
			assert.Equal(t, row, mutation.Data)
		})
	}
}

func TestTransformRemovedUsesBeforeImage(t *testing.T) {
	before := map[string]any{"id": float64(7)}

	tr := NewTransformer("app")
	mutation, ok := tr.Transform(source.RawChangeEvent{Value: envelope("d", before, nil)})
	require.True(t, ok)
	assert.Equal(t, ChangeRemoved, mutation.Type)
	assert.Equal(t, before, mutation.Data)
}

func TestTransformDropsUnsupportedEvents(t *testing.T) {
	row := map[string]any{"id": float64(1)}

	cases := []struct {
		name  string
		value []byte
	}{
		{"nil value", nil},
		{"not json", []byte("not json")},
		{"no envelope", []byte(`{"foo": 1}`)},
		{"schema only", []byte(`{"schema": {}}`)},
		{"empty payload", []byte(`{"schema": {}, "payload": {}}`)},
		{"ddl", []byte(`{"schema": {}, "payload": {"ddl": "CREATE TABLE t (id int)", "op": "c"}}`)},
		{"snapshot read", envelope("r", nil, row)},
		{"unknown op", envelope("x", nil, row)},
		{"missing row data", envelope("c", nil, nil)},
		{"empty row data", envelope("c", nil, map[string]any{})},
	}

	tr := NewTransformer("app")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mutation, ok := tr.Transform(source.RawChangeEvent{Value: tc.value})
			assert.False(t, ok)
			assert.Nil(t, mutation)
		})
	}
}

func TestMutationSerialization(t *testing.T) {
	mutation := Mutation{Type: ChangeCreated, Data: map[string]any{"id": 1}}

	data, err := json.Marshal(mutation)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "created", "data": {"id": 1}}`, string(data))
}

func TestTopicName(t *testing.T) {
	tr := NewTransformer("fallbackdb")

	topic := tr.TopicName(source.RawChangeEvent{Value: envelope("c", nil, map[string]any{"id": 1})})
	assert.Equal(t, "app.public.users", topic)
}

func TestTopicNameFallsBackToDatabase(t *testing.T) {
	tr := NewTransformer("fallbackdb")

	cases := []struct {
		name  string
		value []byte
	}{
		{"nil value", nil},
		{"not json", []byte("nope")},
		{"missing source", []byte(`{"schema": {}, "payload": {"op": "c"}}`)},
		{"partial source", []byte(`{"schema": {}, "payload": {"source": {"db": "app"}}}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, "fallbackdb", tr.TopicName(source.RawChangeEvent{Value: tc.value}))
		})
	}
}

func TestOpKindOf(t *testing.T) {
	assert.Equal(t, opCreate, opKindOf("c"))
	assert.Equal(t, opUpdate, opKindOf("u"))
	assert.Equal(t, opDelete, opKindOf("d"))
	assert.Equal(t, opOther, opKindOf("r"))
	assert.Equal(t, opOther, opKindOf(""))
	assert.Equal(t, opOther, opKindOf("t"))
}

func TestChangeTypeString(t *testing.T) {
	for ct, expected := range map[ChangeType]string{
		ChangeCreated: "created",
		ChangeUpdated: "updated",
		ChangeRemoved: "removed",
	} {
		assert.Equal(t, expected, ct.String())
		assert.Equal(t, expected, fmt.Sprint(ct))
	}
}
