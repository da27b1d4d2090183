package master

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sauravfouzdar/bucket/internal/rpc"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

// Master manages the whole cluster's namespace, chunk placement and
// leases. It does not serve chunk data itself — that is the chunk
// servers' CSM protocol — only the control-plane RPCs they and clients
// call against it.
type Master struct {
	config       common.MasterConfig
	metadata     *MetadataManager
	leaseManager *LeaseManager
	opLog        *OperationLog

	chunkServers     map[common.ServerID]*ChunkServerInfo
	chunkServerMutex sync.RWMutex

	isHealthy bool
	shutdown  chan struct{}

	rpcServer *rpc.Server
}

// ChunkServerInfo is the master's view of a registered chunk server,
// refreshed by every heartbeat.
type ChunkServerInfo struct {
	ID        common.ServerID
	Address   string
	LastHeard time.Time
	Chunks    []common.ChunkID
	Available bool
	Capacity  int64
	UsedSpace int64
}

// NewMaster returns a Master configured per cfg. Call Start to begin
// serving.
func NewMaster(cfg common.MasterConfig) *Master {
	opLog, err := NewOperationLog(cfg.CheckpointDir + "/op.log")
	if err != nil {
		log.Warn().Err(err).Msg("failed to open operation log, mutations will not be durable until resolved")
	}
	return &Master{
		config:       cfg,
		metadata:     NewMetadataManager(cfg.CheckpointDir),
		leaseManager: NewLeaseManager(cfg.LeaseTimeout),
		opLog:        opLog,
		chunkServers: make(map[common.ServerID]*ChunkServerInfo),
		shutdown:     make(chan struct{}),
	}
}

// Start recovers checkpointed state, begins serving RPCs, and launches
// the background checkpoint and dead-chunk-server sweeps.
func (m *Master) Start() error {
	if err := m.metadata.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("failed to load metadata checkpoint, starting empty")
	}
	if m.opLog != nil {
		if err := m.opLog.Replay(m.metadata); err != nil {
			log.Warn().Err(err).Msg("failed to replay operation log")
		}
	}

	listener, err := net.Listen("tcp", m.config.Address)
	if err != nil {
		return err
	}

	m.rpcServer = rpc.NewServer()
	if err := m.rpcServer.Register(&MasterService{master: m}); err != nil {
		return err
	}
	go m.rpcServer.Serve(listener)

	go m.periodicCheckpoint()
	go m.monitorChunkServers()

	m.isHealthy = true
	log.Info().Str("address", m.config.Address).Msg("master started")
	return nil
}

// Shutdown stops background tasks, checkpoints metadata, and closes the
// RPC listener.
func (m *Master) Shutdown() error {
	if !m.isHealthy {
		return nil
	}
	m.isHealthy = false
	close(m.shutdown)

	if err := m.metadata.SaveToDisk(); err != nil {
		log.Error().Err(err).Msg("failed to checkpoint metadata on shutdown")
	}
	if m.opLog != nil {
		m.opLog.Close()
	}
	return m.rpcServer.Stop()
}

// HandleHeartbeat records a chunk server's liveness, chunk inventory and
// capacity, registering it if this is the first heartbeat seen from it.
func (m *Master) HandleHeartbeat(id common.ServerID, address string, chunks []common.ChunkID, capacity, used int64) *HeartbeatReply {
	m.chunkServerMutex.Lock()
	info, exists := m.chunkServers[id]
	if !exists {
		info = &ChunkServerInfo{ID: id, Address: address}
		m.chunkServers[id] = info
	}
	info.LastHeard = time.Now()
	info.Chunks = chunks
	info.Capacity = capacity
	info.UsedSpace = used
	info.Available = true
	m.chunkServerMutex.Unlock()

	for _, id := range chunks {
		m.metadata.AddChunkLocation(id, common.ReplicaLocation{Server: info.ID, Address: address})
	}

	return &HeartbeatReply{Status: common.StatusOK}
}

func (m *Master) periodicCheckpoint() {
	ticker := time.NewTicker(m.config.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.metadata.SaveToDisk(); err != nil {
				log.Error().Err(err).Msg("periodic checkpoint failed")
			} else if m.opLog != nil {
				m.opLog.Truncate()
			}
		case <-m.shutdown:
			return
		}
	}
}

func (m *Master) detectDeadChunkServers() {
	m.chunkServerMutex.Lock()
	defer m.chunkServerMutex.Unlock()

	deadline := 3 * m.config.HeartbeatInterval
	for id, info := range m.chunkServers {
		if time.Since(info.LastHeard) <= deadline {
			continue
		}
		log.Warn().Str("server", string(id)).Msg("chunk server presumed dead")
		for _, chunkID := range info.Chunks {
			m.metadata.MarkChunkUnavailable(chunkID, id)
		}
		delete(m.chunkServers, id)
	}
}

func (m *Master) monitorChunkServers() {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.detectDeadChunkServers()
		case <-m.shutdown:
			return
		}
	}
}

// CreateFile registers path in the namespace, logging the mutation
// before returning.
func (m *Master) CreateFile(path string) (common.FileID, error) {
	id, err := m.metadata.CreateFile(path)
	if err != nil {
		return "", err
	}
	m.logMutation("CreateFile", path, 0, 0)
	return id, nil
}

// DeleteFile removes path from the namespace.
func (m *Master) DeleteFile(path string) error {
	if err := m.metadata.DeleteFile(path); err != nil {
		return err
	}
	m.logMutation("DeleteFile", path, 0, 0)
	return nil
}

func (m *Master) logMutation(op, path string, chunkID common.ChunkID, version common.ChunkVersion) {
	if m.opLog == nil {
		return
	}
	if err := m.opLog.Append(LogEntry{
		Timestamp: time.Now(),
		Operation: op,
		Path:      path,
		ChunkID:   chunkID,
		Version:   version,
	}); err != nil {
		log.Error().Err(err).Str("op", op).Str("path", path).Msg("failed to append operation log")
	}
}

// pickReplicas chooses up to n chunk servers to host a new chunk,
// favoring the least utilized available servers.
func (m *Master) pickReplicas(n int) []common.ServerID {
	m.chunkServerMutex.RLock()
	defer m.chunkServerMutex.RUnlock()

	candidates := make([]*ChunkServerInfo, 0, len(m.chunkServers))
	for _, info := range m.chunkServers {
		if info.Available {
			candidates = append(candidates, info)
		}
	}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].UsedSpace < candidates[i].UsedSpace {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]common.ServerID, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, candidates[i].ID)
	}
	return out
}
