// Package chunkserver is the concrete executor behind the client state
// machine: it owns local replica storage, answers the admission
// controller's chunk-identity questions, performs admitted ops against
// disk, and heartbeats its inventory to the master.
package chunkserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sauravfouzdar/bucket/internal/bufmgr"
	"github.com/sauravfouzdar/bucket/internal/config"
	"github.com/sauravfouzdar/bucket/internal/csm"
	"github.com/sauravfouzdar/bucket/internal/dispatcher"
	"github.com/sauravfouzdar/bucket/internal/executor"
	"github.com/sauravfouzdar/bucket/internal/netconn"
	"github.com/sauravfouzdar/bucket/internal/proto"
	masterrpc "github.com/sauravfouzdar/bucket/internal/rpc"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

// ChunkServer owns one node's local chunk replicas, the buffer managers
// admission control checks against them, and the dispatcher that turns
// accepted client connections into running ClientSMs.
type ChunkServer struct {
	id  common.ServerID
	cfg common.ChunkServerConfig
	csc *config.ClientSM
	log zerolog.Logger

	storage *StorageManager

	chunksMu sync.RWMutex
	chunks   map[common.ChunkID]*Chunk

	globalMgr *bufmgr.Manager
	devMgr    *bufmgr.Manager

	csmMetrics *csm.Metrics

	reservedMu sync.Mutex
	reserved   map[spaceReservationKey]int64

	dispatcher *dispatcher.Dispatcher
	listener   net.Listener

	masterAddr string
	shutdown   chan struct{}
}

// spaceReservationKey identifies one outstanding SPACE_RESERVE grant this
// node is tracking, by the chunk and transaction it was made against.
type spaceReservationKey struct {
	ChunkID proto.ChunkID
	TxnID   uint64
}

// NewChunkServer constructs a ChunkServer rooted at cfg.StorageRoot,
// loading any replicas already present on disk.
func NewChunkServer(id common.ServerID, cfg common.ChunkServerConfig, csc *config.ClientSM, log zerolog.Logger, reg prometheus.Registerer) (*ChunkServer, error) {
	storage, err := NewStorageManager(cfg.StorageRoot)
	if err != nil {
		return nil, err
	}

	cs := &ChunkServer{
		id:         id,
		cfg:        cfg,
		csc:        csc,
		log:        log.With().Str("component", "chunkserver").Logger(),
		storage:    storage,
		chunks:     make(map[common.ChunkID]*Chunk),
		globalMgr:  bufmgr.NewManager("global", csc.GlobalQuotaBytes, reg),
		devMgr:     bufmgr.NewManager(cfg.StorageRoot, csc.PerDeviceQuotaBytes, reg),
		csmMetrics: csm.NewMetrics(reg),
		reserved:   make(map[spaceReservationKey]int64),
		masterAddr: cfg.MasterAddress,
		shutdown:   make(chan struct{}),
	}

	ids, err := storage.LoadChunks()
	if err != nil {
		return nil, fmt.Errorf("chunkserver: load chunks: %w", err)
	}

	// Reading each chunk's metadata is an independent disk seek; fan the
	// reads out instead of paying for them one at a time on startup.
	loaded := make([]*Chunk, len(ids))
	var g errgroup.Group
	for i, chunkID := range ids {
		i, chunkID := i, chunkID
		g.Go(func() error {
			version, size, checksum, err := storage.ReadMetadata(chunkID)
			if err != nil {
				cs.log.Warn().Err(err).Uint64("chunk", uint64(chunkID)).Msg("skipping chunk with unreadable metadata")
				return nil
			}
			c := NewChunk(chunkID, version)
			c.setSize(uint64(size), checksum)
			loaded[i] = c
			return nil
		})
	}
	g.Wait()
	for _, c := range loaded {
		if c != nil {
			cs.chunks[c.ID] = c
		}
	}

	cs.dispatcher = dispatcher.New(csc.WorkerThreads, cs.log)
	return cs, nil
}

// Start opens the client listener, launches the dispatcher and the
// heartbeat loop, and begins accepting connections.
func (cs *ChunkServer) Start() error {
	lis, err := net.Listen("tcp", cs.cfg.ListenAddress)
	if err != nil {
		return err
	}
	cs.listener = lis
	cs.dispatcher.Start()

	go cs.acceptLoop()
	go cs.heartbeatLoop()

	cs.log.Info().Str("address", cs.cfg.ListenAddress).Msg("chunk server started")
	return nil
}

// Shutdown stops accepting connections and halts the dispatcher.
func (cs *ChunkServer) Shutdown() error {
	close(cs.shutdown)
	cs.dispatcher.Stop()
	if cs.listener != nil {
		return cs.listener.Close()
	}
	return nil
}

func (cs *ChunkServer) acceptLoop() {
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			select {
			case <-cs.shutdown:
				return
			default:
				cs.log.Error().Err(err).Msg("accept failed")
				return
			}
		}
		cs.dispatcher.Accept(conn, func(nc *netconn.Conn, instanceNum uint64) *csm.ClientSM {
			return csm.New(nc, csm.Deps{
				Cfg:          cs.csc,
				Log:          cs.log,
				Submitter:    cs,
				ChunkMgr:     cs,
				RecordAppend: cs,
				GlobalBufMgr: cs.globalMgr,
				DevBufMgr:    cs.devMgr,
				InstanceNum:  instanceNum,
				Metrics:      cs.csmMetrics,
			})
		})
	}
}

// heartbeatLoop periodically reports this server's inventory and
// capacity to the master.
func (cs *ChunkServer) heartbeatLoop() {
	ticker := time.NewTicker(cs.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cs.sendHeartbeat()
		case <-cs.shutdown:
			return
		}
	}
}

func (cs *ChunkServer) sendHeartbeat() {
	client, err := masterrpc.Dial(cs.masterAddr)
	if err != nil {
		cs.log.Warn().Err(err).Msg("heartbeat: failed to dial master")
		return
	}
	defer client.Close()

	capacity, available, err := cs.storage.GetStats()
	if err != nil {
		cs.log.Warn().Err(err).Msg("heartbeat: failed to stat storage")
		return
	}

	cs.chunksMu.RLock()
	chunkIDs := make([]common.ChunkID, 0, len(cs.chunks))
	for id := range cs.chunks {
		chunkIDs = append(chunkIDs, id)
	}
	cs.chunksMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	args := heartbeatArgs{
		ServerID: cs.id,
		Address:  cs.cfg.ListenAddress,
		Chunks:   chunkIDs,
		Capacity: capacity,
		Used:     capacity - available,
	}
	var reply heartbeatReply
	if err := client.Call(ctx, "MasterService.Heartbeat", &args, &reply); err != nil {
		cs.log.Warn().Err(err).Msg("heartbeat: rpc failed")
	}
}

// heartbeatArgs/heartbeatReply mirror pkg/master's MasterService.Heartbeat
// request/reply shapes; net/rpc matches methods by name and gob-encodes
// structurally, so a locally declared, field-identical type works
// without importing pkg/master back into internal/rpc's caller here.
type heartbeatArgs struct {
	ServerID common.ServerID
	Address  string
	Chunks   []common.ChunkID
	Capacity int64
	Used     int64
}

type heartbeatReply struct {
	Status common.Status
}

// IsChunkReadable implements executor.ChunkManager.
func (cs *ChunkServer) IsChunkReadable(id proto.ChunkID) bool {
	cs.chunksMu.RLock()
	defer cs.chunksMu.RUnlock()
	c, ok := cs.chunks[id]
	if !ok {
		return false
	}
	_, _, _, readable := c.snapshot()
	return readable
}

// MaxIORequestSize implements executor.ChunkManager.
func (cs *ChunkServer) MaxIORequestSize() int64 { return cs.csc.MaxIORequestSize }

// AlignmentAndForwardFlag implements executor.RecordAppendManager. This
// node's single-storage-root deployment never holds secondary replicas
// of its own chunks, so it is always the op's primary and never needs to
// forward.
func (cs *ChunkServer) AlignmentAndForwardFlag(id proto.ChunkID) (int64, bool) {
	return int64(cs.csc.ChecksumBlockSize), false
}

// ChunkSpaceRelease implements executor.RecordAppendManager: it gives
// back bytes of a SPACE_RESERVE grant this node is still tracking for
// (id, txn), whether the caller is an append that failed after reserving
// or a connection that disconnected with the reservation unconsumed.
func (cs *ChunkServer) ChunkSpaceRelease(id proto.ChunkID, txn uint64, bytes int64) {
	key := spaceReservationKey{ChunkID: id, TxnID: txn}
	cs.reservedMu.Lock()
	defer cs.reservedMu.Unlock()
	remaining := cs.reserved[key] - bytes
	if remaining <= 0 {
		delete(cs.reserved, key)
		return
	}
	cs.reserved[key] = remaining
}

// Submit implements executor.Submitter, performing op's disk work on its
// own goroutine and reporting completion through sink.
func (cs *ChunkServer) Submit(op *proto.Op, sink executor.Sink) {
	go func() {
		cs.execute(op)
		sink.Done(op)
	}()
}

func (cs *ChunkServer) execute(op *proto.Op) {
	switch op.Type {
	case proto.TypeRead:
		cs.doRead(op)
	case proto.TypeWritePrepare, proto.TypeWritePrepareFwd, proto.TypeWrite:
		cs.doWrite(op)
	case proto.TypeWriteSync:
		cs.doSync(op)
	case proto.TypeRecordAppend:
		cs.doRecordAppend(op)
	case proto.TypeGetRecordAppendStatus:
		op.Status = common.StatusOK
	case proto.TypeSizeInquiry:
		cs.doSizeInquiry(op)
	case proto.TypeSpaceReserve:
		cs.doSpaceReserve(op)
	case proto.TypePing:
		op.Status = common.StatusOK
	default:
		op.Fail(common.StatusBadRequest, "unknown op type")
	}
}

func (cs *ChunkServer) doRead(op *proto.Op) {
	buf := make([]byte, op.NumBytes)
	n, err := cs.storage.ReadChunk(op.ChunkID, op.Offset, buf)
	if err != nil {
		op.Fail(common.StatusChunkNotFound, err.Error())
		return
	}
	op.Data = buf[:n]
	op.Status = common.StatusOK
}

func (cs *ChunkServer) doWrite(op *proto.Op) {
	if err := cs.ensureChunk(op.ChunkID); err != nil {
		op.Fail(common.StatusChunkNotFound, err.Error())
		return
	}
	if err := cs.storage.WriteChunk(op.ChunkID, op.Offset, op.Data); err != nil {
		op.Fail(common.StatusChunkNotFound, err.Error())
		return
	}
	cs.growChunk(op.ChunkID, op.Offset+uint64(len(op.Data)))
	op.Status = common.StatusOK
}

func (cs *ChunkServer) doSync(op *proto.Op) {
	if err := cs.storage.Sync(op.ChunkID); err != nil {
		op.Fail(common.StatusChunkNotFound, err.Error())
		return
	}
	op.Status = common.StatusOK
}

func (cs *ChunkServer) doRecordAppend(op *proto.Op) {
	if err := cs.ensureChunk(op.ChunkID); err != nil {
		op.Fail(common.StatusChunkNotFound, err.Error())
		return
	}

	cs.chunksMu.RLock()
	c := cs.chunks[op.ChunkID]
	cs.chunksMu.RUnlock()
	size, _, _, _ := c.snapshot()
	offset := size

	if offset+uint64(len(op.Data)) > common.ChunkSize {
		op.Fail(common.StatusNoSpace, "")
		cs.ChunkSpaceRelease(op.ChunkID, uint64(op.TxnID), op.NumBytes)
		return
	}

	if err := cs.storage.WriteChunk(op.ChunkID, offset, op.Data); err != nil {
		op.Fail(common.StatusChunkNotFound, err.Error())
		return
	}
	cs.growChunk(op.ChunkID, offset+uint64(len(op.Data)))
	op.Offset = offset
	op.Status = common.StatusOK
}

func (cs *ChunkServer) doSizeInquiry(op *proto.Op) {
	cs.chunksMu.RLock()
	c, ok := cs.chunks[op.ChunkID]
	cs.chunksMu.RUnlock()
	if !ok {
		op.Fail(common.StatusChunkNotFound, "")
		return
	}
	size, _, _, _ := c.snapshot()
	op.Data = []byte(fmt.Sprintf("%d", size))
	op.Status = common.StatusOK
}

func (cs *ChunkServer) doSpaceReserve(op *proto.Op) {
	if err := cs.ensureChunk(op.ChunkID); err != nil {
		op.Fail(common.StatusChunkNotFound, err.Error())
		return
	}
	key := spaceReservationKey{ChunkID: op.ChunkID, TxnID: uint64(op.TxnID)}
	cs.reservedMu.Lock()
	cs.reserved[key] += op.NumBytes
	cs.reservedMu.Unlock()
	op.Status = common.StatusOK
}

func (cs *ChunkServer) ensureChunk(id common.ChunkID) error {
	cs.chunksMu.Lock()
	defer cs.chunksMu.Unlock()
	if _, ok := cs.chunks[id]; ok {
		return nil
	}
	if err := cs.storage.CreateChunk(id); err != nil {
		return err
	}
	cs.chunks[id] = NewChunk(id, 1)
	return nil
}

func (cs *ChunkServer) growChunk(id common.ChunkID, newSize uint64) {
	cs.chunksMu.RLock()
	c, ok := cs.chunks[id]
	cs.chunksMu.RUnlock()
	if !ok {
		return
	}
	size, _, checksum, _ := c.snapshot()
	if newSize > size {
		c.setSize(newSize, checksum)
		cs.storage.UpdateMetadata(id, 1, int64(newSize))
	}
}
