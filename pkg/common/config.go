package common

import "time"

// MasterConfig configures the master server.
type MasterConfig struct {
	Address            string
	HeartbeatInterval  time.Duration
	ChunkReplicaNum    int
	LeaseTimeout       time.Duration
	CheckpointInterval time.Duration
	CheckpointDir      string
}

// ChunkServerConfig configures the chunk server's storage and master
// registration. The client protocol state machine's own tunables live in
// internal/config.ClientSM, bound separately from the chunkServer.clientSM.*
// viper keys.
type ChunkServerConfig struct {
	ListenAddress     string
	MasterAddress     string
	StorageRoot       string
	HeartbeatInterval time.Duration
	MaxChunks         int
}

// ClientConfig configures the client library.
type ClientConfig struct {
	MasterAddress string
	CacheTimeout  time.Duration
}

// Default configurations.
var (
	DefaultMasterConfig = MasterConfig{
		Address:            "localhost:8000",
		HeartbeatInterval:  5 * time.Second,
		ChunkReplicaNum:    3,
		LeaseTimeout:       60 * time.Second,
		CheckpointInterval: 300 * time.Second,
		CheckpointDir:      "/tmp/bucket-master",
	}

	DefaultChunkServerConfig = ChunkServerConfig{
		ListenAddress:     "localhost:8001",
		MasterAddress:     "localhost:8000",
		StorageRoot:       "/tmp/chunks",
		HeartbeatInterval: 5 * time.Second,
		MaxChunks:         100,
	}

	DefaultClientConfig = ClientConfig{
		MasterAddress: "localhost:8000",
		CacheTimeout:  300 * time.Second,
	}
)
