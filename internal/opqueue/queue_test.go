package opqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/internal/proto"
)

type recordingHooks struct {
	responded     []*proto.Op
	deviceRelease []*proto.Op
	globalRelease []*proto.Op
	submitted     []*proto.Op
}

func (h *recordingHooks) Respond(op *proto.Op) { h.responded = append(h.responded, op) }
func (h *recordingHooks) ReleaseDeviceCredit(op *proto.Op, bytes int64) {
	h.deviceRelease = append(h.deviceRelease, op)
}
func (h *recordingHooks) ReleaseGlobalCredit(op *proto.Op, bytes int64) {
	h.globalRelease = append(h.globalRelease, op)
}
func (h *recordingHooks) Submit(op *proto.Op) { h.submitted = append(h.submitted, op) }

func TestOnOpFinishedRespondsInFIFOOrder(t *testing.T) {
	q := New()
	op1 := &proto.Op{Type: proto.TypeRead, Seq: 1}
	op2 := &proto.Op{Type: proto.TypeRead, Seq: 2}
	q.Push(op1, 10)
	q.Push(op2, 10)

	h := &recordingHooks{}
	q.OnOpFinished(op2, h)
	assert.Empty(t, h.responded, "op2 must wait behind still-pending op1")

	q.OnOpFinished(op1, h)
	require.Len(t, h.responded, 2)
	assert.Equal(t, op1, h.responded[0])
	assert.Equal(t, op2, h.responded[1])
	assert.Zero(t, q.Len())
}

func TestOnOpFinishedLetsNonDependingOpsPassAPendingDependingType(t *testing.T) {
	q := New()
	// A depending-type op (e.g. WRITE, no reply) never itself responds,
	// and must not block an unrelated later READ from responding.
	write := &proto.Op{Type: proto.TypeWrite, Seq: 1}
	read := &proto.Op{Type: proto.TypeRead, Seq: 2}
	q.Push(write, 10)
	q.Push(read, 10)

	h := &recordingHooks{}
	q.OnOpFinished(read, h)

	require.Len(t, h.responded, 1)
	assert.Equal(t, read, h.responded[0])
	assert.Equal(t, 2, q.Len(), "the still-pending WRITE keeps its slot at the head, so nothing trims yet")
}

func TestAddPendingSubmitsDependentOnceePredecessorFinishes(t *testing.T) {
	q := New()
	write := &proto.Op{Type: proto.TypeWrite, Seq: 1}
	sync := &proto.Op{Type: proto.TypeWriteSync, Seq: 2}
	q.Push(write, 10)
	q.AddPending(write, sync, 0)

	h := &recordingHooks{}
	q.OnOpFinished(write, h)

	require.Len(t, h.submitted, 1)
	assert.Equal(t, sync, h.submitted[0])
}

func TestSweepReleasesDeviceCreditEarlyForBlockedDependingType(t *testing.T) {
	q := New()
	// write1 blocks the FIFO head; write2 is a depending-type op that
	// finishes while still stuck behind write1. Its device credit must
	// come back immediately even though it cannot respond or give up its
	// global credit until write1 retires.
	write1 := &proto.Op{Type: proto.TypeRead, Seq: 1}
	write2 := &proto.Op{Type: proto.TypeWrite, Seq: 2}
	q.Push(write1, 10)
	q.Push(write2, 10)

	h := &recordingHooks{}
	q.OnOpFinished(write2, h)

	require.Len(t, h.deviceRelease, 1)
	assert.Equal(t, write2, h.deviceRelease[0])
	assert.Empty(t, h.globalRelease, "global credit stays held until write2 can actually retire")
	assert.Empty(t, h.responded)
	assert.Equal(t, 2, q.Len())

	q.OnOpFinished(write1, h)
	require.Len(t, h.deviceRelease, 2, "write1's device credit releases now; write2's must not release twice")
	assert.ElementsMatch(t, []*proto.Op{write1, write2}, h.deviceRelease)
	require.Len(t, h.globalRelease, 2)
	assert.Zero(t, q.Len())
}

func TestFindLastDependingType(t *testing.T) {
	q := New()
	assert.Nil(t, q.FindLastDependingType())

	read := &proto.Op{Type: proto.TypeRead}
	write := &proto.Op{Type: proto.TypeWrite}
	q.Push(read, 0)
	q.Push(write, 0)

	assert.Equal(t, write, q.FindLastDependingType())
}
