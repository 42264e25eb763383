// Package source streams raw change events out of a PostgreSQL
// logical replication slot. The Replicator owns the replication
// connection and the slot cursor; consumers receive Debezium-style
// JSON envelopes and acknowledge batches, which advances the slot's
// confirmed position on the server.
package source

import (
	"context"

	"github.com/jackc/pglogrepl"
)

// RawChangeEvent is one item from the replication stream. Key and
// Value are JSON envelopes in the {schema, payload} shape; Key is nil
// when the row has no identity columns.
type RawChangeEvent struct {
	Key   []byte
	Value []byte
	LSN   pglogrepl.LSN
}

// Batch groups the events of one source transaction together with the
// commit position used to acknowledge them.
type Batch struct {
	Events []RawChangeEvent
	End    pglogrepl.LSN
}

// Source is the replication stream consumed by the pipeline.
//
// Batches are ordered. Ack must be called after a batch has been
// handed off downstream; it advances the slot cursor, so an acked
// batch is never redelivered after a restart regardless of delivery
// outcome.
type Source interface {
	// Start begins streaming. It fails fatally if the slot cannot be
	// attached.
	Start(ctx context.Context) error

	// Batches returns the ordered stream of change batches. The
	// channel is closed when streaming ends.
	Batches() <-chan Batch

	// Ack commits the processed offset for a batch.
	Ack(b Batch) error

	// Stop releases the connection and slot. Idempotent.
	Stop() error
}
