package telemetry

// Pipeline metrics
var (
	// EventsReceived counts raw change events handed into the pipeline
	EventsReceived Counter = NoopStat{}

	// EventsDropped counts dropped events by reason
	// (filtered, transform, delivery)
	EventsDropped CounterVec = noopCounterVec{}

	// EventsDelivered counts mutations accepted by the sink
	EventsDelivered Counter = NoopStat{}

	// DeliveryRetries counts retried delivery attempts
	DeliveryRetries Counter = NoopStat{}

	// ChannelDepth tracks the fill level of the hand-off channel
	ChannelDepth Gauge = NoopStat{}

	// BatchesAcked counts source batches acknowledged after hand-off
	BatchesAcked Counter = NoopStat{}
)

func initMetrics() {
	EventsReceived = NewCounter("events_received_total", "Raw change events handed into the pipeline")
	EventsDropped = NewCounterVec("events_dropped_total", "Dropped events by reason", []string{"reason"})
	EventsDelivered = NewCounter("events_delivered_total", "Mutations accepted by the sink")
	DeliveryRetries = NewCounter("delivery_retries_total", "Retried delivery attempts")
	ChannelDepth = NewGauge("channel_depth", "Fill level of the event hand-off channel")
	BatchesAcked = NewCounter("batches_acked_total", "Source batches acknowledged after hand-off")
}
