package chunkserver

import (
	"sync"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// Chunk is the chunk server's in-memory view of one local chunk replica:
// identity, version and size kept in sync with the on-disk metadata file
// storage.go maintains alongside it.
type Chunk struct {
	ID       common.ChunkID
	Version  common.ChunkVersion
	Size     uint64
	Checksum uint32
	Readable bool

	mu sync.RWMutex
}

// NewChunk returns a freshly created chunk at version and zero size.
func NewChunk(id common.ChunkID, version common.ChunkVersion) *Chunk {
	return &Chunk{ID: id, Version: version, Readable: true}
}

// snapshot returns size, version, checksum and readability under a single
// read lock, in the order every call site destructures them.
func (c *Chunk) snapshot() (uint64, common.ChunkVersion, uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Size, c.Version, c.Checksum, c.Readable
}

func (c *Chunk) setSize(size uint64, checksum uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Size = size
	c.Checksum = checksum
}
