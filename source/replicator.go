package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultStandbyTimeout is how often standby status updates are
	// sent when the config leaves it unset.
	DefaultStandbyTimeout = 10 * time.Second

	// stopJoinTimeout bounds how long Stop waits for the receive
	// goroutine before forcing the connection closed under it.
	stopJoinTimeout = 5 * time.Second
)

// Config holds the settings for the replication stream.
type Config struct {
	// DSN is the replication-protocol connection string
	// (replication=database).
	DSN string

	// Database is the logical database name, used in envelope source
	// metadata.
	Database string

	SlotName        string
	PublicationName string

	// StandbyTimeout is how often to report progress to the server.
	StandbyTimeout time.Duration
}

// Replicator consumes a logical replication slot via pgoutput and
// emits batches of Debezium-style envelopes, one batch per source
// transaction. It implements Source.
type Replicator struct {
	conf    Config
	conn    *pgconn.PgConn
	batches chan Batch
	decoder *decoder
	encoder *envelopeEncoder

	acked  atomic.Uint64 // highest acknowledged LSN
	cancel context.CancelFunc
	doneCh chan struct{}

	running     atomic.Bool
	lifecycleMu sync.Mutex
}

var _ Source = (*Replicator)(nil)

// NewReplicator creates a Replicator. Start must be called before
// Batches yields anything.
func NewReplicator(conf Config) (*Replicator, error) {
	if conf.DSN == "" {
		return nil, fmt.Errorf("replication DSN is required")
	}
	if conf.SlotName == "" {
		return nil, fmt.Errorf("slot name is required")
	}
	if conf.PublicationName == "" {
		return nil, fmt.Errorf("publication name is required")
	}
	if conf.StandbyTimeout <= 0 {
		conf.StandbyTimeout = DefaultStandbyTimeout
	}

	return &Replicator{
		conf:    conf,
		batches: make(chan Batch),
		decoder: newDecoder(),
		encoder: newEnvelopeEncoder(conf.Database),
	}, nil
}

// Batches returns the ordered stream of change batches. Closed when
// streaming ends.
func (r *Replicator) Batches() <-chan Batch {
	return r.batches
}

// Ack commits the processed offset for a batch. The new position is
// reported to the server with the next standby status update, which
// advances the slot's confirmed position.
func (r *Replicator) Ack(b Batch) error {
	for {
		current := r.acked.Load()
		if uint64(b.End) <= current {
			return nil
		}
		if r.acked.CompareAndSwap(current, uint64(b.End)) {
			return nil
		}
	}
}

// Start attaches to the replication slot and begins streaming. The
// slot and publication must already exist (the validator guarantees
// both before the pipeline starts the source).
func (r *Replicator) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("replicator already running")
	}

	conn, err := pgconn.Connect(ctx, r.conf.DSN)
	if err != nil {
		return fmt.Errorf("connect replication stream: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(context.Background())
		return fmt.Errorf("identify system: %w", err)
	}
	log.Info().
		Str("system_id", sysident.SystemID).
		Str("xlogpos", sysident.XLogPos.String()).
		Str("slot", r.conf.SlotName).
		Msg("Attached to replication stream")

	// Requesting position 0 lets the server resume from the slot's
	// confirmed position, preserving at-least-once per slot semantics
	// across restarts.
	err = pglogrepl.StartReplication(ctx, conn, r.conf.SlotName, 0,
		pglogrepl.StartReplicationOptions{PluginArgs: r.pluginArgs()})
	if err != nil {
		conn.Close(context.Background())
		return fmt.Errorf("start replication: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.conn = conn
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	r.running.Store(true)

	go r.run(runCtx)

	return nil
}

// pluginArgs builds the pgoutput options. Streamed in-progress
// transactions are deliberately not requested: transactions then
// arrive whole, in commit order, so a rolled-back transaction never
// reaches the wire and every batch carries exactly one commit LSN.
func (r *Replicator) pluginArgs() []string {
	return []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", r.conf.PublicationName),
		"messages 'true'",
	}
}

// Stop cancels streaming, waits for the receive goroutine with a
// bounded join, and releases the connection. Idempotent.
func (r *Replicator) Stop() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.running.Swap(false) {
		return nil
	}

	log.Info().Str("slot", r.conf.SlotName).Msg("Stopping replication stream")
	r.cancel()

	select {
	case <-r.doneCh:
	case <-time.After(stopJoinTimeout):
		// Receive goroutine is stuck mid-poll; closing the connection
		// under it forces an exit.
		log.Warn().Msg("Replication worker did not stop in time, closing connection")
		r.conn.Close(context.Background())
		<-r.doneCh
	}

	r.conn.Close(context.Background())
	log.Info().Str("slot", r.conf.SlotName).Msg("Replication stream stopped")
	return nil
}

// run is the receive loop: it reads pgoutput messages, accumulates row
// changes into per-transaction batches, emits each batch at its commit
// boundary, and reports the acked position to the server on the
// standby timeout interval.
func (r *Replicator) run(ctx context.Context) {
	defer close(r.doneCh)
	defer close(r.batches)

	st := &streamState{standbyDeadline: time.Now().Add(r.conf.StandbyTimeout)}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Now().After(st.standbyDeadline) {
			if err := r.sendStandbyStatus(ctx, st.received); err != nil {
				log.Error().Err(err).Msg("Failed to send standby status")
				return
			}
			st.standbyDeadline = time.Now().Add(r.conf.StandbyTimeout)
		}

		msgCtx, cancel := context.WithDeadline(ctx, st.standbyDeadline)
		rawMsg, err := r.conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Replication stream receive failed")
			return
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			log.Error().Str("message", errMsg.Message).Msg("Replication stream error from server")
			return
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		if err := r.handleCopyData(ctx, msg.Data, st); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Replication stream message failed")
			return
		}
	}
}

// streamState carries the receive loop's position tracking and the
// changes of the transaction currently being assembled.
type streamState struct {
	received        pglogrepl.LSN
	pending         []RawChangeEvent
	standbyDeadline time.Time
}

// handleCopyData processes a single replication protocol frame. Empty
// or unknown frames are ignored. A returned error terminates the
// stream.
func (r *Replicator) handleCopyData(ctx context.Context, data []byte, st *streamState) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("parse keepalive: %w", err)
		}
		if pkm.ServerWALEnd > st.received {
			st.received = pkm.ServerWALEnd
		}
		if pkm.ReplyRequested {
			st.standbyDeadline = time.Time{}
		}

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("parse xlog data: %w", err)
		}
		if xld.WALStart > st.received {
			st.received = xld.WALStart
		}

		change, commit, err := r.decoder.decode(xld.WALData, xld.WALStart)
		if err != nil {
			return fmt.Errorf("decode wal data: %w", err)
		}

		if change != nil {
			event, err := r.renderEvent(change)
			if err != nil {
				// A single unrenderable change is dropped, not fatal.
				log.Warn().Err(err).
					Str("table", change.namespace+"."+change.table).
					Msg("Dropping unrenderable change")
				return nil
			}
			st.pending = append(st.pending, event)
		}

		if commit == nil {
			return nil
		}

		if len(st.pending) == 0 {
			// Empty transaction; acknowledge it directly so the slot
			// does not pin WAL for it.
			if uint64(commit.end) > r.acked.Load() {
				_ = r.Ack(Batch{End: commit.end})
			}
			return nil
		}

		batch := Batch{Events: st.pending, End: commit.end}
		select {
		case r.batches <- batch:
			st.pending = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (r *Replicator) renderEvent(change *rowChange) (RawChangeEvent, error) {
	value, err := r.encoder.encodeValue(change)
	if err != nil {
		return RawChangeEvent{}, err
	}
	key, err := r.encoder.encodeKey(change)
	if err != nil {
		return RawChangeEvent{}, err
	}
	return RawChangeEvent{Key: key, Value: value, LSN: change.lsn}, nil
}

func (r *Replicator) sendStandbyStatus(ctx context.Context, received pglogrepl.LSN) error {
	acked := pglogrepl.LSN(r.acked.Load())
	write := received
	if acked > write {
		write = acked
	}
	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: write,
		WALFlushPosition: acked,
		WALApplyPosition: acked,
	})
}
