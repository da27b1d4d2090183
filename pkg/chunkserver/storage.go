package chunkserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// StorageManager lays out one chunk server's local replicas on disk: a
// "<id>.chunk" data file plus a "<id>.meta" fixed-size header per chunk,
// rooted at one directory (one StorageManager per local device — the
// chunk server constructs one per configured storage root).
type StorageManager struct {
	root  string
	mutex sync.RWMutex
}

// NewStorageManager creates root if needed and returns a StorageManager
// rooted there.
func NewStorageManager(root string) (*StorageManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("chunkserver: create storage root: %w", err)
	}
	return &StorageManager{root: root}, nil
}

// LoadChunks scans root for existing chunk data files, returning their
// IDs so the chunk server can rebuild its in-memory chunk map at
// startup.
func (sm *StorageManager) LoadChunks() ([]common.ChunkID, error) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	var ids []common.ChunkID
	err := filepath.WalkDir(sm.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".chunk" {
			return nil
		}
		var id uint64
		if _, err := fmt.Sscanf(filepath.Base(path), "%d.chunk", &id); err != nil {
			return nil
		}
		ids = append(ids, common.ChunkID(id))
		return nil
	})
	return ids, err
}

// CreateChunk creates id's data and metadata files on disk at version 0,
// size 0.
func (sm *StorageManager) CreateChunk(id common.ChunkID) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	f, err := os.Create(sm.getChunkPath(id))
	if err != nil {
		return err
	}
	f.Close()

	metaPath := sm.getMetadataPath(id)
	metaFile, err := os.Create(metaPath)
	if err != nil {
		os.Remove(sm.getChunkPath(id))
		return err
	}
	defer metaFile.Close()

	var buf [20]byte
	_, err = metaFile.Write(buf[:])
	return err
}

// ReadChunk reads up to len(buf) bytes from id's data file starting at
// offset, returning the number of bytes actually read (which may be
// shorter than len(buf) at end of file).
func (sm *StorageManager) ReadChunk(id common.ChunkID, offset uint64, buf []byte) (int, error) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	f, err := os.Open(sm.getChunkPath(id))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, err
	}
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

// WriteChunk writes data into id's data file at offset.
func (sm *StorageManager) WriteChunk(id common.ChunkID, offset uint64, data []byte) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	f, err := os.OpenFile(sm.getChunkPath(id), os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// Sync flushes id's data file to stable storage, the disk-side half of a
// WRITE_SYNC.
func (sm *StorageManager) Sync(id common.ChunkID) error {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	f, err := os.OpenFile(sm.getChunkPath(id), os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// DeleteChunk removes id's data and metadata files.
func (sm *StorageManager) DeleteChunk(id common.ChunkID) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if err := os.Remove(sm.getChunkPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(sm.getMetadataPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadMetadata returns id's stored version, size and checksum.
func (sm *StorageManager) ReadMetadata(id common.ChunkID) (common.ChunkVersion, int64, uint32, error) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	f, err := os.Open(sm.getMetadataPath(id))
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	var buf [20]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return 0, 0, 0, err
	}
	size := int64(binary.LittleEndian.Uint64(buf[:8]))
	version := common.ChunkVersion(binary.LittleEndian.Uint64(buf[8:16]))
	checksum := binary.LittleEndian.Uint32(buf[16:20])
	return version, size, checksum, nil
}

// UpdateMetadata rewrites id's metadata file with a freshly computed
// checksum over the size/version fields.
func (sm *StorageManager) UpdateMetadata(id common.ChunkID, version common.ChunkVersion, size int64) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	f, err := os.OpenFile(sm.getMetadataPath(id), os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(size))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(version))
	checksum := crc32.ChecksumIEEE(buf[:16])
	binary.LittleEndian.PutUint32(buf[16:20], checksum)

	_, err = f.WriteAt(buf[:], 0)
	return err
}

// GetStats returns the filesystem's total and available byte capacity
// underneath root, reported to the master in heartbeats.
func (sm *StorageManager) GetStats() (capacity, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(sm.root, &stat); err != nil {
		return 0, 0, err
	}
	capacity = int64(stat.Blocks) * int64(stat.Bsize)
	available = int64(stat.Bavail) * int64(stat.Bsize)
	return capacity, available, nil
}

func (sm *StorageManager) getChunkPath(id common.ChunkID) string {
	return filepath.Join(sm.root, fmt.Sprintf("%d.chunk", uint64(id)))
}

func (sm *StorageManager) getMetadataPath(id common.ChunkID) string {
	return filepath.Join(sm.root, fmt.Sprintf("%d.meta", uint64(id)))
}
