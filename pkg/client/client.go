// Package client is the library applications link against to talk to a
// bucket cluster: it resolves paths and chunk locations against the
// master, then speaks the chunk servers' wire protocol directly for the
// data path.
package client

import (
	"context"
	"time"

	"github.com/sauravfouzdar/bucket/internal/rpc"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

// Client is a connection to one bucket cluster's master, plus the
// caches that let repeat operations against the same file or chunk skip
// a master round trip.
type Client struct {
	cfg common.ClientConfig

	metaCache *MetadataCache
	locCache  *LocationCache
}

// New returns a Client configured per cfg.
func New(cfg common.ClientConfig) *Client {
	return &Client{
		cfg:       cfg,
		metaCache: NewMetadataCache(cfg.CacheTimeout),
		locCache:  NewLocationCache(cfg.CacheTimeout),
	}
}

func (c *Client) dialMaster() (*rpc.Client, error) {
	return rpc.Dial(c.cfg.MasterAddress)
}

func (c *Client) callMaster(method string, args, reply interface{}) error {
	conn, err := c.dialMaster()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Call(ctx, method, args, reply)
}

// Create registers a new file with the master and returns a handle
// ready for writing.
func (c *Client) Create(path string) (*File, error) {
	var reply struct {
		FileID common.FileID
		Status common.Status
	}
	if err := c.callMaster("MasterService.CreateFile", &struct{ Path string }{path}, &reply); err != nil {
		return nil, err
	}
	md := common.FileMetadata{ID: reply.FileID, Path: path, CreationTime: time.Now(), LastModified: time.Now()}
	c.metaCache.Put(path, md)
	return &File{client: c, path: path, metadata: md}, nil
}

// Open resolves path's metadata, from cache when fresh, and returns a
// handle for reading or writing.
func (c *Client) Open(path string) (*File, error) {
	md, err := c.GetFileInfo(path)
	if err != nil {
		return nil, err
	}
	return &File{client: c, path: path, metadata: *md}, nil
}

// Delete removes path from the namespace.
func (c *Client) Delete(path string) error {
	var reply struct{ Status common.Status }
	if err := c.callMaster("MasterService.DeleteFile", &struct{ Path string }{path}, &reply); err != nil {
		return err
	}
	c.metaCache.Invalidate(path)
	return nil
}

// GetFileInfo returns path's metadata, using the cache when not expired.
func (c *Client) GetFileInfo(path string) (*common.FileMetadata, error) {
	if md, ok := c.metaCache.Get(path); ok {
		return md, nil
	}

	var reply struct {
		Metadata common.FileMetadata
		Status   common.Status
	}
	if err := c.callMaster("MasterService.GetFileMetadata", &struct{ Path string }{path}, &reply); err != nil {
		return nil, err
	}
	c.metaCache.Put(path, reply.Metadata)
	md := reply.Metadata
	return &md, nil
}

// ListDirectory lists the files and subdirectories directly under path.
func (c *Client) ListDirectory(path string) ([]string, error) {
	var reply struct {
		Entries []string
		Status  common.Status
	}
	if err := c.callMaster("MasterService.ListDirectory", &struct{ Path string }{path}, &reply); err != nil {
		return nil, err
	}
	return reply.Entries, nil
}

// CreateDirectory marks path as a directory in the namespace.
func (c *Client) CreateDirectory(path string) error {
	var reply struct{ Status common.Status }
	return c.callMaster("MasterService.CreateDirectory", &struct{ Path string }{path}, &reply)
}

// locationsFor resolves id's replica locations, consulting the cache
// first and the master on a miss.
func (c *Client) locationsFor(id common.ChunkID) ([]common.ReplicaLocation, error) {
	if locs, ok := c.locCache.Get(id); ok {
		return locs, nil
	}

	var reply struct {
		Locations []common.ReplicaLocation
		Version   common.ChunkVersion
		Status    common.Status
	}
	if err := c.callMaster("MasterService.GetChunkLocations", &struct{ ChunkID common.ChunkID }{id}, &reply); err != nil {
		return nil, err
	}
	c.locCache.Put(id, reply.Locations)
	return reply.Locations, nil
}

// createChunk allocates a new chunk for fileID at index and returns its
// ID and replica set.
func (c *Client) createChunk(fileID common.FileID, index common.ChunkIndex) (common.ChunkID, []common.ReplicaLocation, error) {
	var reply struct {
		ChunkID   common.ChunkID
		Locations []common.ReplicaLocation
		Status    common.Status
	}
	args := struct {
		FileID common.FileID
		Index  common.ChunkIndex
	}{fileID, index}
	if err := c.callMaster("MasterService.CreateChunk", &args, &reply); err != nil {
		return 0, nil, err
	}
	c.locCache.Put(reply.ChunkID, reply.Locations)
	return reply.ChunkID, reply.Locations, nil
}
