package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/walship/walship/publisher/sink"
	"github.com/walship/walship/source"
	"github.com/walship/walship/telemetry"
	"github.com/walship/walship/validator"
)

// Default capacity of the event channel between source and publisher.
// A full channel blocks the source, which in turn stops reading from
// the replication stream until the publisher catches up.
const DefaultBufferSize = 256

// ConfigValidator checks and repairs the database configuration
// before the stream starts.
type ConfigValidator interface {
	Run(ctx context.Context) (*validator.Result, error)
}

// PipelineConfig configures the end-to-end event pipeline
type PipelineConfig struct {
	Validator   ConfigValidator // Pre-flight database checks (optional)
	Source      source.Source   // Replication event source
	Sink        sink.Sink       // Destination sink
	Transformer *Transformer    // Envelope transformer
	Filter      Filter          // Schema/table filter
	BufferSize  int             // Event channel capacity
}

// Stats holds pipeline counters for the admin surface
type Stats struct {
	Received  uint64 `json:"received"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Pipeline connects the replication source to the sink: raw events
// are buffered, filtered, transformed to canonical mutations and
// published. Source positions are acknowledged after hand-off to the
// buffer, not after delivery; delivery failures are logged and
// dropped without stopping the stream.
type Pipeline struct {
	config PipelineConfig

	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	validation atomic.Pointer[validator.Result]

	stopCh      chan struct{}
	pumpDoneCh  chan struct{}
	sinkDoneCh  chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewPipeline creates a pipeline from the given configuration.
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}

	return &Pipeline{config: config}, nil
}

// Start runs the pre-flight validation and starts the pipeline
// goroutines. A failed validation aborts the start.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return nil // Already running
	}

	if p.config.Validator != nil {
		result, err := p.config.Validator.Run(ctx)
		if result != nil {
			p.validation.Store(result)
			for _, line := range strings.Split(result.String(), "\n") {
				if line != "" {
					log.Info().Msg(line)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		if result != nil && !result.Success() {
			return fmt.Errorf("configuration validation reported errors")
		}
	}

	if err := p.config.Source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}

	p.stopCh = make(chan struct{})
	p.pumpDoneCh = make(chan struct{})
	p.sinkDoneCh = make(chan struct{})
	p.running.Store(true)

	events := make(chan source.RawChangeEvent, p.config.BufferSize)

	go p.pumpLoop(events)
	go p.publishLoop(events)

	log.Info().Int("buffer_size", p.config.BufferSize).Msg("Event pipeline started")
	return nil
}

// Stop drains the pipeline and stops the source.
func (p *Pipeline) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Load() {
		return // Not running
	}

	log.Info().Msg("Stopping event pipeline")

	close(p.stopCh)
	if err := p.config.Source.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop source cleanly")
	}
	<-p.pumpDoneCh
	<-p.sinkDoneCh
	p.running.Store(false)

	log.Info().Msg("Event pipeline stopped")
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Delivered: p.delivered.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Validation returns the last pre-flight validation result, or nil if
// validation has not run.
func (p *Pipeline) Validation() *validator.Result {
	return p.validation.Load()
}

// pumpLoop moves events from source batches into the buffer and
// acknowledges each batch once all of its events are handed off.
// Acknowledgement here, before delivery, is what makes the stream
// at-least-once toward the database and best-effort toward the sink.
func (p *Pipeline) pumpLoop(events chan<- source.RawChangeEvent) {
	defer close(p.pumpDoneCh)
	defer close(events)

	for {
		select {
		case <-p.stopCh:
			return
		case batch, ok := <-p.config.Source.Batches():
			if !ok {
				return
			}
			for _, ev := range batch.Events {
				select {
				case events <- ev:
					p.received.Add(1)
					telemetry.EventsReceived.Inc()
					telemetry.ChannelDepth.Set(float64(len(events)))
				case <-p.stopCh:
					return
				}
			}
			if err := p.config.Source.Ack(batch); err != nil {
				log.Warn().
					Err(err).
					Str("lsn", batch.End.String()).
					Msg("Failed to acknowledge batch")
			} else {
				telemetry.BatchesAcked.Inc()
			}
		}
	}
}

// publishLoop consumes the buffer sequentially, preserving the commit
// order of the replication stream.
func (p *Pipeline) publishLoop(events <-chan source.RawChangeEvent) {
	defer close(p.sinkDoneCh)

	for ev := range events {
		telemetry.ChannelDepth.Set(float64(len(events)))
		p.processEvent(ev)
	}
}

// processEvent filters, transforms and publishes a single raw event.
// Every failure path drops the event and keeps the stream going.
func (p *Pipeline) processEvent(ev source.RawChangeEvent) {
	topic := p.config.Transformer.TopicName(ev)

	if schema, table, ok := splitTopic(topic); ok {
		if !p.config.Filter.Match(schema, table) {
			p.dropped.Add(1)
			telemetry.EventsDropped.With("filtered").Inc()
			return
		}
	}

	mutation, ok := p.config.Transformer.Transform(ev)
	if !ok {
		p.dropped.Add(1)
		telemetry.EventsDropped.With("transform").Inc()
		return
	}

	key := ExtractKey(ev)

	data, err := json.Marshal(mutation)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to serialize mutation")
		p.dropped.Add(1)
		telemetry.EventsDropped.With("transform").Inc()
		return
	}

	if err := p.config.Sink.Publish(topic, key, data); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to deliver event, dropping")
		p.dropped.Add(1)
		telemetry.EventsDropped.With("delivery").Inc()
		return
	}

	p.delivered.Add(1)
	telemetry.EventsDelivered.Inc()
}

// splitTopic extracts the schema and table from a db.schema.table
// topic. Fallback topics without the full three parts pass the filter
// unexamined.
func splitTopic(topic string) (schema, table string, ok bool) {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}
