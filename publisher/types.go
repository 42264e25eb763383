package publisher

import (
	"encoding/json"
	"fmt"
)

// ChangeType is the canonical mutation type sent downstream.
type ChangeType uint8

const (
	ChangeCreated ChangeType = iota
	ChangeUpdated
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the type as its wire string.
func (t ChangeType) MarshalJSON() ([]byte, error) {
	s := t.String()
	if s == "unknown" {
		return nil, fmt.Errorf("invalid change type %d", t)
	}
	return json.Marshal(s)
}

// Mutation is the canonical {type, data} record emitted for each
// forwarded row change.
type Mutation struct {
	Type ChangeType     `json:"type"`
	Data map[string]any `json:"data"`
}

// opKind is the closed set of source operations. Parsing collapses
// every unrecognized marker (truncate, snapshot reads, messages) into
// opOther, which is dropped without error.
type opKind uint8

const (
	opCreate opKind = iota
	opUpdate
	opDelete
	opOther
)

func opKindOf(op string) opKind {
	switch op {
	case "c":
		return opCreate
	case "u":
		return opUpdate
	case "d":
		return opDelete
	default:
		return opOther
	}
}

// Filter determines whether a change event should be forwarded.
type Filter interface {
	// Match returns true if the event should be forwarded
	Match(schema, table string) bool
}
