// Package csm implements the per-connection Client State Machine of
// spec.md §4.4 (component C4): the event handlers that turn raw socket
// bytes into admitted ops and admitted-op completions back into wire
// responses. Every method here assumes the dispatcher's big lock is
// already held and that it is being called from the connection's owning
// worker goroutine — internal/dispatcher's bridge is what makes that
// guarantee true even when an op completes on a different goroutine.
package csm

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/bucket/internal/bufmgr"
	"github.com/sauravfouzdar/bucket/internal/config"
	"github.com/sauravfouzdar/bucket/internal/executor"
	"github.com/sauravfouzdar/bucket/internal/netconn"
	"github.com/sauravfouzdar/bucket/internal/opqueue"
	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

// pendingAdmission tracks a not-yet-admitted op's reservation progress
// while it waits on one or both buffer managers.
type pendingAdmission struct {
	op          *proto.Op
	needDevice  bool
	needGlobal  bool
	gotDevice   bool
	gotGlobal   bool
	deviceBytes int64
	globalBytes int64
	queuedAt    time.Time
}

// ClientSM is one connection's state: cur_op, the op FIFO, outstanding
// buffer reservations and remote-sync fan-out, per spec.md §3.
type ClientSM struct {
	Conn *netconn.Conn

	cfg *config.ClientSM
	log zerolog.Logger

	queue *opqueue.Queue

	submitter executor.Submitter
	chunkMgr  executor.ChunkManager
	raMgr     executor.RecordAppendManager
	sink      executor.Sink

	globalClient *bufmgr.Client
	devClients   map[*bufmgr.Manager]*bufmgr.Client
	devManager   *bufmgr.Manager

	curOp       *proto.Op
	curReserved int64
	pending     *pendingAdmission

	// reservations tracks outstanding SPACE_RESERVE grants this
	// connection holds, keyed by the (chunk, transaction) they were
	// made against, per spec.md §3's CSM data model. Released in full
	// on disconnect by releaseReservations.
	reservations map[reservationKey]int64

	metrics *Metrics

	// discardByteCnt is the number of not-yet-read wire bytes that must
	// be consumed and thrown away before normal command parsing resumes,
	// left over from a payload op that was failed after its header was
	// parsed but before its full payload had arrived.
	discardByteCnt int64

	// recursionCnt guards the flush-at-the-end discipline: a nested
	// HandleEvent call (an op completing synchronously inside another
	// event's handling) must not flush partway through.
	recursionCnt int

	remoteSyncers map[string]RemoteSync

	instanceNum uint64
	closed      bool
}

// RemoteSync is the subset of internal/remotesync.Entry the CSM needs,
// kept as an interface here to avoid a dependency cycle (remotesync
// entries are, in turn, driven by the dispatcher on this CSM's behalf).
type RemoteSync interface {
	Finish()
}

// Deps bundles the collaborators a ClientSM needs beyond its own socket
// and configuration; New takes it as one argument rather than a long
// positional list.
type Deps struct {
	Cfg          *config.ClientSM
	Log          zerolog.Logger
	Submitter    executor.Submitter
	ChunkMgr     executor.ChunkManager
	RecordAppend executor.RecordAppendManager
	Sink         executor.Sink
	GlobalBufMgr *bufmgr.Manager
	DevBufMgr    *bufmgr.Manager
	InstanceNum  uint64
	// Metrics is the chunk-server-wide counter set; shared by every
	// ClientSM the dispatcher constructs so bad_request_total reflects
	// protocol violations across all connections, not just this one.
	// New fills in a no-op instance when nil, so tests need not supply
	// one.
	Metrics *Metrics
}

// New constructs a ClientSM bound to conn, wired to the given
// collaborators. The dispatcher calls this once per accepted connection.
func New(conn *netconn.Conn, d Deps) *ClientSM {
	c := &ClientSM{
		Conn:          conn,
		cfg:           d.Cfg,
		log:           d.Log.With().Str("peer", conn.PeerName()).Logger(),
		queue:         opqueue.New(),
		submitter:     d.Submitter,
		chunkMgr:      d.ChunkMgr,
		raMgr:         d.RecordAppend,
		sink:          d.Sink,
		devManager:    d.DevBufMgr,
		devClients:    make(map[*bufmgr.Manager]*bufmgr.Client),
		remoteSyncers: make(map[string]RemoteSync),
		reservations:  make(map[reservationKey]int64),
		instanceNum:   d.InstanceNum,
		metrics:       d.Metrics,
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.globalClient = bufmgr.NewClient(c, d.GlobalBufMgr)
	if d.DevBufMgr != nil {
		c.devClients[d.DevBufMgr] = bufmgr.NewClient(c, d.DevBufMgr)
	}
	conn.SetReadAhead(proto.MaxRPCHeaderLen)
	return c
}

// SetSink binds the completion sink an admitted op's Submit call reports
// to. It is separate from Deps because the dispatcher's ClientEntry —
// the sink every chunk server executor ultimately wants — can only be
// constructed after New returns the ClientSM it wraps.
func (c *ClientSM) SetSink(sink executor.Sink) { c.sink = sink }

func (c *ClientSM) devClient() *bufmgr.Client {
	if c.devManager == nil {
		return nil
	}
	return c.devClients[c.devManager]
}

// Closed reports whether this connection has already been torn down.
func (c *ClientSM) Closed() bool { return c.closed }

// RemoteSyncer returns the cached remote-sync entry for peer, if one is
// already tracked in remote_syncers — nil otherwise. The executor
// (which alone knows how to reach a peer) calls RegisterRemoteSyncer to
// populate this set and RemoteSyncer to reuse an existing entry across
// multiple forwarded ops against the same peer.
func (c *ClientSM) RemoteSyncer(peer string) RemoteSync {
	return c.remoteSyncers[peer]
}

// RegisterRemoteSyncer records rs as the active remote-sync entry for
// peer, so a later NET_ERROR/abort can call Finish on it.
func (c *ClientSM) RegisterRemoteSyncer(peer string, rs RemoteSync) {
	c.remoteSyncers[peer] = rs
}

// enter/leave implement the recursion_cnt guard: flush only happens once
// the outermost HandleEvent call is about to return.
func (c *ClientSM) enter() { c.recursionCnt++ }

func (c *ClientSM) leave() {
	c.recursionCnt--
	if c.recursionCnt == 0 && !c.closed {
		if err := c.Conn.StartFlush(); err != nil {
			c.abort(err)
		}
	}
}

// NextTimeout picks the inactivity deadline the dispatcher should rearm
// after delivering an event: the shorter I/O timeout while an op is in
// flight, the longer idle timeout otherwise (spec.md §4.4's flush
// discipline). The dispatcher owns the actual timer, since it also owns
// the event bridge the timer's callback must go through.
func (c *ClientSM) NextTimeout() time.Duration {
	if c.queue.Len() > 0 || c.curOp != nil || c.pending != nil {
		return c.cfg.IOTimeout
	}
	return c.cfg.IdleTimeout
}

// abort tears the connection down after an unrecoverable transport error.
// It does not fail every op still in flight: anything already handed to
// the executor — an entry in the FIFO backed by a real buffer
// reservation — is left running. spec.md §4.4.1's terminator state keeps
// this CSM alive to accept those ops' real CMD_DONE callbacks, release
// their credit and let them respond-into-the-void exactly as sweep
// already does for a live connection, so buffer accounting never leaks
// a reservation the executor hasn't actually finished with yet. Only
// what never reached the executor in the first place — a payload still
// being collected off this now-dead socket, a reservation still parked
// on a buffer grant — is resolved here, since nothing else will ever
// resolve it.
func (c *ClientSM) abort(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.log.Debug().Err(err).Msg("csm: aborting connection, entering terminator state")

	if c.pending != nil {
		c.releasePending(c.pending)
		c.pending = nil
	}
	if c.curOp != nil {
		op := c.curOp
		c.curOp = nil
		c.curReserved = 0
		op.Fail(common.StatusHostUnreachable, "")
		c.queue.OnOpFinished(op, c)
	}
	for _, rs := range c.remoteSyncers {
		rs.Finish()
	}
	c.releaseReservations()
	c.globalClient.CancelRequest()
	if dc := c.devClient(); dc != nil {
		dc.CancelRequest()
	}
	_ = c.Conn.Close()

	c.logIfTerminatorDrained()
}

// logIfTerminatorDrained notes once every op this connection ever
// submitted has finished draining through the FIFO — the terminator
// state abort began is then over. It is only a log line: nothing
// further needs releasing, since sweep already returned credit for each
// entry as it finished.
func (c *ClientSM) logIfTerminatorDrained() {
	if c.queue.Len() == 0 {
		c.log.Debug().Msg("csm: terminator state drained, connection fully torn down")
	}
}
