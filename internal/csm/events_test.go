package csm

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/internal/bufmgr"
	"github.com/sauravfouzdar/bucket/internal/config"
	"github.com/sauravfouzdar/bucket/internal/netconn"
	"github.com/sauravfouzdar/bucket/internal/proto"
)

// TestHandleClientCmdAdmitsWritePayloadBeforeCollectingBytes proves a
// write-payload op reserves its buffer credit against the header-declared
// size before any payload byte is copied into op.Data: with the global
// quota already exhausted, the op must park in c.pending with op.Data
// still nil, even though the payload bytes are already sitting in the
// connection's input buffer.
func TestHandleClientCmdAdmitsWritePayloadBeforeCollectingBytes(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	global := bufmgr.NewManager("global", 10, nil)

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	conn := netconn.New(a)
	c := New(conn, Deps{
		Cfg:          &config.ClientSM{},
		Log:          zerolog.Nop(),
		Submitter:    submitter,
		ChunkMgr:     chunkMgr,
		Sink:         fakeSink{},
		GlobalBufMgr: global,
	})

	blocker := &proto.Op{Type: proto.TypeRead, NumBytes: 10}
	c.admit(blocker)
	require.Len(t, submitter.submitted, 1, "exhaust the global quota")

	payload := []byte("0123456789")
	conn.InBuffer().Write(payload)

	op := &proto.Op{Type: proto.TypeWritePrepare, NumBytes: int64(len(payload))}
	c.handleClientCmd(op)

	assert.NotNil(t, c.pending, "write must park on admission, not on payload collection")
	assert.Nil(t, c.curOp, "payload collection must not start until the reservation is granted")
	assert.Nil(t, op.Data)
	assert.Equal(t, len(payload), conn.InBuffer().Len(), "payload bytes must stay untouched in the socket buffer while parked")
	assert.Empty(t, submitter.submitted[1:])

	c.globalClient.Put(10)

	require.Len(t, submitter.submitted, 2)
	assert.Equal(t, op, submitter.submitted[1])
	assert.Equal(t, payload, op.Data)
	assert.Zero(t, conn.InBuffer().Len(), "the granted payload must now have been drained from the socket buffer")
}

// TestHandleClientCmdClosesConnectionOnOversizeWritePayload proves the
// write-payload path rejects a bad num_bytes the same way the generic
// admission path does: by closing the connection, not by failing the op
// and leaving the connection open.
func TestHandleClientCmdClosesConnectionOnOversizeWritePayload(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 100, readable: true}
	global := bufmgr.NewManager("global", 1<<20, nil)

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	conn := netconn.New(a)
	c := New(conn, Deps{
		Cfg:          &config.ClientSM{},
		Log:          zerolog.Nop(),
		Submitter:    submitter,
		ChunkMgr:     chunkMgr,
		Sink:         fakeSink{},
		GlobalBufMgr: global,
	})

	op := &proto.Op{Type: proto.TypeWritePrepare, NumBytes: 200}
	c.handleClientCmd(op)

	assert.True(t, c.closed, "an oversize write payload must close the connection rather than just fail the op")
	assert.Empty(t, submitter.submitted)
}
