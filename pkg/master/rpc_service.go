package master

import (
	"github.com/rs/zerolog/log"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// MasterService is the net/rpc-exported surface of the master: clients
// call it to resolve and mutate the namespace, chunk servers call it to
// heartbeat and report their inventory.
type MasterService struct {
	master *Master
}

// CreateFileArgs is the request for MasterService.CreateFile.
type CreateFileArgs struct {
	Path string
}

// CreateFileReply is the response for MasterService.CreateFile.
type CreateFileReply struct {
	FileID common.FileID
	Status common.Status
}

// CreateFile registers a new file in the namespace.
func (ms *MasterService) CreateFile(args *CreateFileArgs, reply *CreateFileReply) error {
	fileID, err := ms.master.CreateFile(args.Path)
	if err != nil {
		reply.Status = common.StatusBadRequest
		return err
	}
	reply.FileID = fileID
	reply.Status = common.StatusOK
	return nil
}

// DeleteFileArgs is the request for MasterService.DeleteFile.
type DeleteFileArgs struct {
	Path string
}

// DeleteFileReply is the response for MasterService.DeleteFile.
type DeleteFileReply struct {
	Status common.Status
}

// DeleteFile removes a file from the namespace.
func (ms *MasterService) DeleteFile(args *DeleteFileArgs, reply *DeleteFileReply) error {
	if err := ms.master.DeleteFile(args.Path); err != nil {
		reply.Status = common.StatusBadRequest
		return err
	}
	reply.Status = common.StatusOK
	return nil
}

// GetFileMetadataArgs is the request for MasterService.GetFileMetadata.
type GetFileMetadataArgs struct {
	Path string
}

// GetFileMetadataReply is the response for MasterService.GetFileMetadata.
type GetFileMetadataReply struct {
	Metadata common.FileMetadata
	Status   common.Status
}

// GetFileMetadata resolves a path to its file metadata, including chunk
// IDs.
func (ms *MasterService) GetFileMetadata(args *GetFileMetadataArgs, reply *GetFileMetadataReply) error {
	md, err := ms.master.metadata.GetFileMetadata(args.Path)
	if err != nil {
		reply.Status = common.StatusChunkNotFound
		return err
	}
	reply.Metadata = *md
	reply.Status = common.StatusOK
	return nil
}

// CreateChunkArgs is the request for MasterService.CreateChunk.
type CreateChunkArgs struct {
	FileID common.FileID
	Index  common.ChunkIndex
}

// CreateChunkReply is the response for MasterService.CreateChunk,
// naming the chunk and the chunk servers that should hold it.
type CreateChunkReply struct {
	ChunkID   common.ChunkID
	Locations []common.ReplicaLocation
	Status    common.Status
}

// CreateChunk allocates a new chunk for a file and picks its initial
// replica set.
func (ms *MasterService) CreateChunk(args *CreateChunkArgs, reply *CreateChunkReply) error {
	id, err := ms.master.metadata.CreateChunk(args.FileID, args.Index)
	if err != nil {
		reply.Status = common.StatusBadRequest
		return err
	}

	servers := ms.master.pickReplicas(ms.master.config.ChunkReplicaNum)
	ms.master.chunkServerMutex.RLock()
	locs := make([]common.ReplicaLocation, 0, len(servers))
	for _, sid := range servers {
		if info, ok := ms.master.chunkServers[sid]; ok {
			locs = append(locs, common.ReplicaLocation{Server: sid, Address: info.Address})
		}
	}
	ms.master.chunkServerMutex.RUnlock()

	reply.ChunkID = id
	reply.Locations = locs
	reply.Status = common.StatusOK
	return nil
}

// GetChunkLocationsArgs is the request for MasterService.GetChunkLocations.
type GetChunkLocationsArgs struct {
	ChunkID common.ChunkID
}

// GetChunkLocationsReply is the response for MasterService.GetChunkLocations.
type GetChunkLocationsReply struct {
	Locations []common.ReplicaLocation
	Version   common.ChunkVersion
	Status    common.Status
}

// GetChunkLocations returns every chunk server currently believed to
// hold a replica of a chunk.
func (ms *MasterService) GetChunkLocations(args *GetChunkLocationsArgs, reply *GetChunkLocationsReply) error {
	md, err := ms.master.metadata.GetChunkMetadata(args.ChunkID)
	if err != nil {
		reply.Status = common.StatusChunkNotFound
		return err
	}
	reply.Locations = md.Locations
	reply.Version = md.Version
	reply.Status = common.StatusOK
	return nil
}

// RequestLeaseArgs is the request for MasterService.RequestLease.
type RequestLeaseArgs struct {
	ChunkID common.ChunkID
}

// RequestLeaseReply is the response for MasterService.RequestLease.
type RequestLeaseReply struct {
	Primary    common.ServerID
	Expiration int64 // unix nanos, avoids gob-encoding time.Time's monotonic field oddities
	Version    common.ChunkVersion
	Status     common.Status
}

// RequestLease grants (or renews) the primary lease for a chunk,
// bumping its version so stale replicas can be detected.
func (ms *MasterService) RequestLease(args *RequestLeaseArgs, reply *RequestLeaseReply) error {
	md, err := ms.master.metadata.GetChunkMetadata(args.ChunkID)
	if err != nil {
		reply.Status = common.StatusChunkNotFound
		return err
	}

	primary, ok := ms.master.leaseManager.Current(args.ChunkID)
	if !ok {
		if len(md.Locations) == 0 {
			reply.Status = common.StatusChunkNotFound
			return common.ErrNoAvailableChunkServer
		}
		primary = md.Locations[0].Server
		exp := ms.master.leaseManager.Grant(args.ChunkID, primary)
		version, err := ms.master.metadata.UpdateChunkVersion(args.ChunkID)
		if err != nil {
			reply.Status = common.StatusChunkNotFound
			return err
		}
		if err := ms.master.metadata.UpdateLease(args.ChunkID, primary, exp); err != nil {
			log.Warn().Err(err).Msg("failed to record lease on chunk metadata")
		}
		reply.Primary = primary
		reply.Expiration = exp.UnixNano()
		reply.Version = version
		reply.Status = common.StatusOK
		return nil
	}

	exp, err := ms.master.leaseManager.Renew(args.ChunkID)
	if err != nil {
		reply.Status = common.StatusChunkNotFound
		return err
	}
	reply.Primary = primary
	reply.Expiration = exp.UnixNano()
	reply.Version = md.Version
	reply.Status = common.StatusOK
	return nil
}

// ListDirectoryArgs is the request for MasterService.ListDirectory.
type ListDirectoryArgs struct {
	Path string
}

// ListDirectoryReply is the response for MasterService.ListDirectory.
type ListDirectoryReply struct {
	Entries []string
	Status  common.Status
}

// ListDirectory lists the files and subdirectories directly under Path.
func (ms *MasterService) ListDirectory(args *ListDirectoryArgs, reply *ListDirectoryReply) error {
	reply.Entries = ms.master.metadata.ListDirectory(args.Path)
	reply.Status = common.StatusOK
	return nil
}

// CreateDirectoryArgs is the request for MasterService.CreateDirectory.
type CreateDirectoryArgs struct {
	Path string
}

// CreateDirectoryReply is the response for MasterService.CreateDirectory.
type CreateDirectoryReply struct {
	Status common.Status
}

// CreateDirectory marks Path as a directory in the namespace.
func (ms *MasterService) CreateDirectory(args *CreateDirectoryArgs, reply *CreateDirectoryReply) error {
	if err := ms.master.metadata.CreateDirectory(args.Path); err != nil {
		reply.Status = common.StatusBadRequest
		return err
	}
	reply.Status = common.StatusOK
	return nil
}

// HeartbeatArgs is the request for MasterService.Heartbeat.
type HeartbeatArgs struct {
	ServerID common.ServerID
	Address  string
	Chunks   []common.ChunkID
	Capacity int64
	Used     int64
}

// HeartbeatReply is the response for MasterService.Heartbeat.
type HeartbeatReply struct {
	Status common.Status
}

// Heartbeat is called periodically by every registered chunk server to
// report liveness, capacity and chunk inventory.
func (ms *MasterService) Heartbeat(args *HeartbeatArgs, reply *HeartbeatReply) error {
	*reply = *ms.master.HandleHeartbeat(args.ServerID, args.Address, args.Chunks, args.Capacity, args.Used)
	return nil
}
