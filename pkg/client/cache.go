package client

import (
	"sync"
	"time"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// MetadataCache caches file metadata keyed by path, avoiding a master
// round trip on every Open.
type MetadataCache struct {
	mu      sync.RWMutex
	entries map[string]*cachedMetadata
	ttl     time.Duration
}

type cachedMetadata struct {
	metadata common.FileMetadata
	expires  time.Time
}

// NewMetadataCache returns an empty cache whose entries expire after ttl.
func NewMetadataCache(ttl time.Duration) *MetadataCache {
	return &MetadataCache{entries: make(map[string]*cachedMetadata), ttl: ttl}
}

// Get returns path's cached metadata, if present and not expired.
func (c *MetadataCache) Get(path string) (*common.FileMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	md := e.metadata
	return &md, true
}

// Put records md as path's cached metadata.
func (c *MetadataCache) Put(path string, md common.FileMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = &cachedMetadata{metadata: md, expires: time.Now().Add(c.ttl)}
}

// Invalidate drops path from the cache, called after a mutation that
// makes the cached entry stale.
func (c *MetadataCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// LocationCache caches the chunk servers holding each chunk, so repeated
// reads of the same chunk don't re-ask the master every time.
type LocationCache struct {
	mu      sync.RWMutex
	entries map[common.ChunkID]*cachedLocation
	ttl     time.Duration
}

type cachedLocation struct {
	locations []common.ReplicaLocation
	expires   time.Time
}

// NewLocationCache returns an empty cache whose entries expire after ttl.
func NewLocationCache(ttl time.Duration) *LocationCache {
	return &LocationCache{entries: make(map[common.ChunkID]*cachedLocation), ttl: ttl}
}

// Get returns id's cached locations, if present and not expired.
func (c *LocationCache) Get(id common.ChunkID) ([]common.ReplicaLocation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.locations, true
}

// Put records locs as id's cached locations.
func (c *LocationCache) Put(id common.ChunkID, locs []common.ReplicaLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &cachedLocation{locations: locs, expires: time.Now().Add(c.ttl)}
}

// Invalidate drops id from the cache, called after a chunk server refuses
// an op because it no longer holds (or never held) that chunk.
func (c *LocationCache) Invalidate(id common.ChunkID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
