package source

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// rowChange is one decoded row mutation, before envelope rendering.
type rowChange struct {
	op         string // "c", "u" or "d"
	namespace  string
	table      string
	before     map[string]any
	after      map[string]any
	keyColumns []string
	columns    []columnInfo
	lsn        pglogrepl.LSN
	ts         time.Time
}

// columnInfo carries the relation metadata needed to render envelope
// schemas.
type columnInfo struct {
	name    string
	typeOID uint32
	key     bool
}

// txnCommit marks the end of a source transaction.
type txnCommit struct {
	end pglogrepl.LSN
	ts  time.Time
}

// decoder parses pgoutput WAL messages into rowChanges. It tracks
// relation metadata announced by the stream and decodes tuple data
// through a pgtype map. Streamed in-progress transactions are never
// requested, so every message belongs to a committed transaction.
type decoder struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
	typeMap   *pgtype.Map
}

func newDecoder() *decoder {
	return &decoder{
		relations: make(map[uint32]*pglogrepl.RelationMessageV2),
		typeMap:   pgtype.NewMap(),
	}
}

// decode parses one WAL message. At most one of the returned values is
// non-nil: a rowChange for insert/update/delete, a txnCommit at a
// transaction boundary. Relation, begin and other bookkeeping messages
// return (nil, nil, nil).
func (d *decoder) decode(walData []byte, lsn pglogrepl.LSN) (*rowChange, *txnCommit, error) {
	logicalMsg, err := pglogrepl.ParseV2(walData, false)
	if err != nil {
		return nil, nil, fmt.Errorf("parse logical replication message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		d.relations[msg.RelationID] = msg
		return nil, nil, nil

	case *pglogrepl.CommitMessage:
		return nil, &txnCommit{end: msg.TransactionEndLSN, ts: msg.CommitTime}, nil

	case *pglogrepl.InsertMessageV2:
		change, err := d.rowChange("c", msg.RelationID, nil, msg.Tuple, lsn)
		return change, nil, err

	case *pglogrepl.UpdateMessageV2:
		change, err := d.rowChange("u", msg.RelationID, msg.OldTuple, msg.NewTuple, lsn)
		return change, nil, err

	case *pglogrepl.DeleteMessageV2:
		change, err := d.rowChange("d", msg.RelationID, msg.OldTuple, nil, lsn)
		return change, nil, err

	default:
		return nil, nil, nil
	}
}

func (d *decoder) rowChange(op string, relationID uint32, oldTuple, newTuple *pglogrepl.TupleData, lsn pglogrepl.LSN) (*rowChange, error) {
	rel, ok := d.relations[relationID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", relationID)
	}

	before, err := d.decodeTuple(oldTuple, rel)
	if err != nil {
		return nil, fmt.Errorf("decode old tuple: %w", err)
	}
	after, err := d.decodeTuple(newTuple, rel)
	if err != nil {
		return nil, fmt.Errorf("decode new tuple: %w", err)
	}

	columns := make([]columnInfo, len(rel.Columns))
	var keyColumns []string
	for i, col := range rel.Columns {
		isKey := col.Flags&1 != 0
		columns[i] = columnInfo{name: col.Name, typeOID: col.DataType, key: isKey}
		if isKey {
			keyColumns = append(keyColumns, col.Name)
		}
	}

	return &rowChange{
		op:         op,
		namespace:  rel.Namespace,
		table:      rel.RelationName,
		before:     before,
		after:      after,
		keyColumns: keyColumns,
		columns:    columns,
		lsn:        lsn,
		ts:         time.Now(),
	}, nil
}

// decodeTuple converts a tuple message into a map of column values
func (d *decoder) decodeTuple(tuple *pglogrepl.TupleData, rel *pglogrepl.RelationMessageV2) (map[string]any, error) {
	if tuple == nil {
		return nil, nil
	}

	values := make(map[string]any, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			break
		}
		colName := rel.Columns[idx].Name

		switch col.DataType {
		case 'n': // null
			values[colName] = nil
		case 'u': // unchanged toast, not present in the stream
			continue
		case 't': // text
			val, err := d.decodeTextColumnData(col.Data, rel.Columns[idx].DataType)
			if err != nil {
				return nil, fmt.Errorf("decode column %s: %w", colName, err)
			}
			values[colName] = val
		}
	}

	return values, nil
}

// decodeTextColumnData decodes column data using the type map
func (d *decoder) decodeTextColumnData(data []byte, dataType uint32) (any, error) {
	if dt, ok := d.typeMap.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(d.typeMap, dataType, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}
