package dispatcher

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/internal/bufmgr"
	"github.com/sauravfouzdar/bucket/internal/config"
	"github.com/sauravfouzdar/bucket/internal/csm"
	"github.com/sauravfouzdar/bucket/internal/netconn"
	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

// fakeForwarder reports every forwarded op's completion from a goroutine
// of its own, exactly as a real RPC client would once the peer replies —
// never from the worker goroutine that owns the forwarding CSM.
type fakeForwarder struct{}

func (fakeForwarder) Forward(op *proto.Op, report func(*proto.Op)) {
	go func() {
		op.Status = common.StatusOK
		report(op)
	}()
}

// TestRemoteSyncCompletionCrossesBackThroughTheSyncQueue proves that a
// Forwarder reporting completion off an arbitrary goroutine never
// touches the CSM directly: RemoteSync's onDone callback always lands on
// this connection's owning worker via sync_queue, so HandleEvent only
// ever runs under the dispatcher's big lock.
func TestRemoteSyncCompletionCrossesBackThroughTheSyncQueue(t *testing.T) {
	d := New(1, zerolog.Nop())
	d.Start()
	t.Cleanup(d.Stop)

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	global := bufmgr.NewManager("global", 1<<20, nil)
	e := d.Accept(a, func(nc *netconn.Conn, instanceNum uint64) *csm.ClientSM {
		return csm.New(nc, csm.Deps{
			Cfg: &config.ClientSM{
				IdleTimeout: time.Hour,
				IOTimeout:   time.Hour,
			},
			Log:          zerolog.Nop(),
			GlobalBufMgr: global,
			InstanceNum:  instanceNum,
		})
	})

	rs := e.RemoteSync("peer-1", fakeForwarder{}, zerolog.Nop())
	require.NotNil(t, rs)

	// A second call for the same peer must reuse the cached entry rather
	// than creating a parallel one.
	assert.Same(t, rs, e.RemoteSync("peer-1", fakeForwarder{}, zerolog.Nop()))

	op := &proto.Op{Type: proto.TypeWritePrepareFwd, ChunkID: 7}
	rs.Enqueue(op)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if op.Done {
			break
		}
		time.Sleep(time.Millisecond)
	}

	assert.True(t, op.Done, "the forwarded op's completion must reach the CSM")
	assert.Equal(t, common.StatusOK, op.Status)
	assert.Zero(t, rs.InFlight())
}
