package csm

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/internal/bufmgr"
	"github.com/sauravfouzdar/bucket/internal/config"
	"github.com/sauravfouzdar/bucket/internal/executor"
	"github.com/sauravfouzdar/bucket/internal/netconn"
	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

type fakeChunkMgr struct {
	maxIO    int64
	readable bool
}

func (f *fakeChunkMgr) IsChunkReadable(proto.ChunkID) bool { return f.readable }
func (f *fakeChunkMgr) MaxIORequestSize() int64            { return f.maxIO }

type fakeSubmitter struct {
	submitted []*proto.Op
}

func (s *fakeSubmitter) Submit(op *proto.Op, sink executor.Sink) {
	s.submitted = append(s.submitted, op)
}

type fakeSink struct{}

func (fakeSink) Done(*proto.Op) {}

func newTestCSM(t *testing.T, submitter *fakeSubmitter, chunkMgr *fakeChunkMgr, global *bufmgr.Manager) *ClientSM {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	conn := netconn.New(a)

	return New(conn, Deps{
		Cfg:          &config.ClientSM{},
		Log:          zerolog.Nop(),
		Submitter:    submitter,
		ChunkMgr:     chunkMgr,
		Sink:         fakeSink{},
		GlobalBufMgr: global,
	})
}

func TestAdmitFailsRequestOverMaxIOSize(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 100, readable: true}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))

	op := &proto.Op{Type: proto.TypeRead, NumBytes: 200}
	c.admit(op)

	assert.True(t, c.closed, "a request over max_io_request_size must close the connection, not just fail the op")
	assert.Empty(t, submitter.submitted)
}

func TestAdmitClosesConnectionOnNegativeNumBytes(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))

	op := &proto.Op{Type: proto.TypeRead, NumBytes: -1}
	c.admit(op)

	assert.True(t, c.closed, "a negative num_bytes must close the connection")
	assert.Empty(t, submitter.submitted)
}

func TestAdmitClosesConnectionOverMaxClientQuota(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))
	c.cfg.MaxClientQuota = 50

	op := &proto.Op{Type: proto.TypeRead, NumBytes: 100}
	c.admit(op)

	assert.True(t, c.closed, "a request over max_client_quota must close the connection even though it is under max_io_request_size")
	assert.Empty(t, submitter.submitted)
}

func TestAdmitFailsUnreadableChunkRead(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: false}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))

	op := &proto.Op{Type: proto.TypeRead, NumBytes: 10}
	c.admit(op)

	assert.True(t, op.Done)
	assert.Equal(t, common.StatusAgain, op.Status)
}

func TestAdmitSubmitsOnceBufferReserved(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))

	op := &proto.Op{Type: proto.TypeRead, NumBytes: 10}
	c.admit(op)

	require.Len(t, submitter.submitted, 1)
	assert.Equal(t, op, submitter.submitted[0])
	assert.False(t, op.Done)
}

func TestAdmitParksWhenGlobalQuotaExhausted(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	global := bufmgr.NewManager("global", 10, nil)
	c := newTestCSM(t, submitter, chunkMgr, global)

	blocker := &proto.Op{Type: proto.TypeRead, NumBytes: 10}
	c.admit(blocker)
	require.Len(t, submitter.submitted, 1)

	op := &proto.Op{Type: proto.TypeRead, NumBytes: 5}
	c.admit(op)

	assert.Empty(t, submitter.submitted[1:], "second op should be parked, not submitted")
	assert.NotNil(t, c.pending)
}

func TestGrantedResumesParkedOpThroughGlobalReservation(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	global := bufmgr.NewManager("global", 10, nil)
	c := newTestCSM(t, submitter, chunkMgr, global)

	blocker := &proto.Op{Type: proto.TypeRead, NumBytes: 10}
	c.admit(blocker)
	require.Len(t, submitter.submitted, 1)

	op := &proto.Op{Type: proto.TypeRead, NumBytes: 5}
	c.admit(op)
	require.NotNil(t, c.pending)

	c.globalClient.Put(10)

	require.Len(t, submitter.submitted, 2)
	assert.Equal(t, op, submitter.submitted[1])
	assert.Nil(t, c.pending)
}

func TestWouldExceedMaxWaitIgnoredWhenDisabled(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))

	op := &proto.Op{Type: proto.TypeRead, NumBytes: 10, MaxWaitMillis: 1}
	assert.False(t, c.wouldExceedMaxWait(op))
}

func TestWouldExceedMaxWaitIgnoredWhenNoBudget(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))
	c.cfg.EnforceMaxWait = true

	op := &proto.Op{Type: proto.TypeRead, NumBytes: 10, MaxWaitMillis: 0}
	assert.False(t, c.wouldExceedMaxWait(op), "max_wait_millis <= 0 means no budget was requested")
}

func TestAdmitGrantsFreePassToIdleStatusPoll(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	global := bufmgr.NewManager("global", 10, nil)
	c := newTestCSM(t, submitter, chunkMgr, global)

	op := &proto.Op{Type: proto.TypeGetRecordAppendStatus, NumBytes: 0}
	c.admit(op)

	require.Len(t, submitter.submitted, 1)
	assert.Equal(t, op, submitter.submitted[0])
	assert.Zero(t, global.ByteCount(c), "the free pass must not reserve any buffer credit")
}

func TestAdmitDoesNotFreePassStatusPollWhenNotIdle(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	global := bufmgr.NewManager("global", 1<<20, nil)
	c := newTestCSM(t, submitter, chunkMgr, global)

	blocker := &proto.Op{Type: proto.TypeRead, NumBytes: 10}
	c.admit(blocker)
	require.Len(t, submitter.submitted, 1)

	op := &proto.Op{Type: proto.TypeGetRecordAppendStatus, NumBytes: 0}
	c.admit(op)

	require.Len(t, submitter.submitted, 2, "a non-idle connection must run the poll through normal admission")
}

func TestAdmitClosesConnectionWhenOverQuotaPolicyEnabled(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	global := bufmgr.NewManager("global", 10, nil)
	c := newTestCSM(t, submitter, chunkMgr, global)
	c.cfg.CloseWriteOnPendingOverQuota = true

	blocker := &proto.Op{Type: proto.TypeWrite, NumBytes: 10}
	c.admit(blocker)
	require.Len(t, submitter.submitted, 1)

	op := &proto.Op{Type: proto.TypeWrite, NumBytes: 5}
	c.admit(op)

	assert.True(t, c.closed, "over-quota write must hard-close the connection, not park or respond")
	assert.Len(t, submitter.submitted, 1)
}

func TestRejectWithMaxWaitBusyDiscardsSmallPayload(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))
	c.cfg.MaxReqSizeDiscard = 1024

	op := &proto.Op{Type: proto.TypeWritePrepare, NumBytes: 100, MaxWaitMillis: 0}
	c.rejectWithMaxWaitBusy(op)

	assert.True(t, op.Done)
	assert.Equal(t, common.StatusServerBusy, op.Status)
	assert.Equal(t, "exceeds max wait", op.StatusMsg)
	assert.Equal(t, int64(100), c.discardByteCnt, "the connection stays open, draining the already-committed payload")
	assert.False(t, c.closed)
}

func TestRejectWithMaxWaitBusyClosesWhenPayloadTooLargeToDiscard(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))
	c.cfg.MaxReqSizeDiscard = 10

	op := &proto.Op{Type: proto.TypeWritePrepare, NumBytes: 100}
	c.rejectWithMaxWaitBusy(op)

	assert.True(t, c.closed)
}

func TestSubmitOrDeferDefersWriteSyncBehindPendingWrite(t *testing.T) {
	submitter := &fakeSubmitter{}
	chunkMgr := &fakeChunkMgr{maxIO: 1 << 20, readable: true}
	c := newTestCSM(t, submitter, chunkMgr, bufmgr.NewManager("global", 1<<20, nil))

	write := &proto.Op{Type: proto.TypeWrite, NumBytes: 1}
	c.admit(write)
	require.Len(t, submitter.submitted, 1)

	sync := &proto.Op{Type: proto.TypeWriteSync, NumBytes: 1}
	c.admit(sync)

	assert.Len(t, submitter.submitted, 1, "WRITE_SYNC must wait behind the still-pending WRITE")

	write.Status = common.StatusOK
	write.Done = true
	c.queue.OnOpFinished(write, c)

	require.Len(t, submitter.submitted, 2)
	assert.Equal(t, sync, submitter.submitted[1])
}
