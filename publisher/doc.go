// Package publisher turns raw change events from a PostgreSQL logical
// replication stream into canonical mutations and delivers them to a
// sink.
//
// # Architecture
//
// The package consists of four components:
//
// 1. Pipeline: connects a source to a sink through a bounded channel
// 2. Transformer: classifies change envelopes into {type, data} mutations
// 3. Key extraction: derives stable partition keys from key envelopes
// 4. Filters: glob-based schema/table filtering for selective forwarding
//
// # Delivery semantics
//
// The pipeline is at-least-once toward the database and best-effort
// toward the sink. Source batches are acknowledged once their events
// are buffered, before delivery; the replication slot therefore never
// pins WAL for events the agent has accepted. An event whose delivery
// fails after the sink's retry budget is logged and dropped, and the
// stream continues.
//
// A full buffer blocks the source. Backpressure propagates to the
// replication connection, where the server holds WAL until the agent
// catches up.
//
// # Ordering
//
// A single consumer goroutine drains the buffer, so mutations reach
// the sink in the commit order of the replication stream.
//
// Example usage:
//
//	filter, _ := NewGlobFilter(nil, []string{"users", "orders*"})
//	pipeline, err := NewPipeline(PipelineConfig{
//		Validator:   preflight,
//		Source:      replicator,
//		Sink:        httpSink,
//		Transformer: NewTransformer("app"),
//		Filter:      filter,
//	})
//	if err != nil {
//		return err
//	}
//	if err := pipeline.Start(ctx); err != nil {
//		return err
//	}
//	defer pipeline.Stop()
package publisher
