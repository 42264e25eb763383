package source

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReplicator(t *testing.T) *Replicator {
	t.Helper()

	r, err := NewReplicator(Config{
		DSN:             "postgres://agent@db.example.com/app?replication=database",
		Database:        "app",
		SlotName:        "walship_slot",
		PublicationName: "walship_pub",
	})
	require.NoError(t, err)
	return r
}

// xlogFrame wraps a pgoutput message body into an XLogData protocol
// frame as it arrives over CopyData.
func xlogFrame(walStart pglogrepl.LSN, walData []byte) []byte {
	buf := []byte{pglogrepl.XLogDataByteID}
	buf = appendUint64(buf, uint64(walStart))
	buf = appendUint64(buf, uint64(walStart))
	buf = appendUint64(buf, 0) // server time
	return append(buf, walData...)
}

func keepaliveFrame(walEnd pglogrepl.LSN, replyRequested bool) []byte {
	buf := []byte{pglogrepl.PrimaryKeepaliveMessageByteID}
	buf = appendUint64(buf, uint64(walEnd))
	buf = appendUint64(buf, 0) // server time
	if replyRequested {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// encodeInsert renders a pgoutput Insert message with a text tuple.
// A nil value encodes a null column.
func encodeInsert(relationID uint32, values ...[]byte) []byte {
	buf := []byte{'I'}
	buf = appendUint32(buf, relationID)
	buf = append(buf, 'N')
	buf = appendUint16(buf, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			buf = append(buf, 'n')
			continue
		}
		buf = append(buf, 't')
		buf = appendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

func encodeCommit(end pglogrepl.LSN) []byte {
	buf := []byte{'C'}
	buf = append(buf, 0) // flags
	buf = appendUint64(buf, uint64(end))
	buf = appendUint64(buf, uint64(end))
	buf = appendUint64(buf, 0) // commit timestamp
	return buf
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func TestPluginArgsRequestWholeTransactions(t *testing.T) {
	r := newTestReplicator(t)

	args := r.pluginArgs()
	assert.Contains(t, args, "proto_version '2'")
	assert.Contains(t, args, "publication_names 'walship_pub'")
	for _, arg := range args {
		assert.NotContains(t, arg, "streaming",
			"in-progress transactions must arrive whole at commit, never mid-flight")
	}
}

func TestHandleCopyDataEmptyFrame(t *testing.T) {
	r := newTestReplicator(t)
	st := &streamState{}

	require.NoError(t, r.handleCopyData(context.Background(), nil, st))
	require.NoError(t, r.handleCopyData(context.Background(), []byte{}, st))
	assert.Empty(t, st.pending)
	assert.Equal(t, pglogrepl.LSN(0), st.received)
}

func TestHandleCopyDataBatchesAtCommit(t *testing.T) {
	r := newTestReplicator(t)
	r.batches = make(chan Batch, 1)
	st := &streamState{}
	ctx := context.Background()

	require.NoError(t, r.handleCopyData(ctx, xlogFrame(100, encodeRelation(t, usersRelation())), st))
	require.NoError(t, r.handleCopyData(ctx, xlogFrame(101,
		encodeInsert(1001, []byte("7"), []byte("a@example.com"), nil)), st))

	assert.Equal(t, 0, len(r.batches), "changes ship only at commit boundaries")
	require.Len(t, st.pending, 1)
	assert.Equal(t, pglogrepl.LSN(101), st.received)

	require.NoError(t, r.handleCopyData(ctx, xlogFrame(102, encodeCommit(150)), st))

	require.Equal(t, 1, len(r.batches))
	batch := <-r.batches
	assert.Equal(t, pglogrepl.LSN(150), batch.End)
	require.Len(t, batch.Events, 1)
	assert.NotEmpty(t, batch.Events[0].Value)
	assert.Empty(t, st.pending, "the next transaction starts from a clean slate")
}

func TestHandleCopyDataEmptyTransactionAckedDirectly(t *testing.T) {
	r := newTestReplicator(t)
	r.batches = make(chan Batch, 1)
	st := &streamState{}

	require.NoError(t, r.handleCopyData(context.Background(), xlogFrame(200, encodeCommit(210)), st))

	assert.Equal(t, 0, len(r.batches))
	assert.Equal(t, uint64(210), r.acked.Load())
}

func TestHandleCopyDataKeepalive(t *testing.T) {
	r := newTestReplicator(t)
	st := &streamState{standbyDeadline: time.Now().Add(time.Hour)}

	require.NoError(t, r.handleCopyData(context.Background(), keepaliveFrame(500, false), st))
	assert.Equal(t, pglogrepl.LSN(500), st.received)
	assert.False(t, st.standbyDeadline.IsZero())

	require.NoError(t, r.handleCopyData(context.Background(), keepaliveFrame(600, true), st))
	assert.Equal(t, pglogrepl.LSN(600), st.received)
	assert.True(t, st.standbyDeadline.IsZero(), "a reply request forces an immediate status update")
}
