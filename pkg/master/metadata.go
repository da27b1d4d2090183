package master

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// MetadataManager owns the master's namespace, file and chunk tables: the
// same three maps the teacher's storage.GetStats-adjacent code sketched,
// rebuilt here against pkg/common's actual types rather than the
// never-defined ChunkUsername the original draft assumed.
type MetadataManager struct {
	namespaceMutex sync.RWMutex
	namespace      map[string]common.FileID

	filesMutex sync.RWMutex
	files      map[common.FileID]*common.FileMetadata

	chunksMutex sync.RWMutex
	chunks      map[common.ChunkID]*common.ChunkMetadata

	idMutex     sync.Mutex
	nextFileID  uint64
	nextChunkID uint64

	dirs *Namespace

	checkpointDir string
}

// NewMetadataManager returns an empty MetadataManager checkpointing to
// dir.
func NewMetadataManager(dir string) *MetadataManager {
	if dir == "" {
		dir = "./metadata"
	}
	return &MetadataManager{
		namespace:     make(map[string]common.FileID),
		files:         make(map[common.FileID]*common.FileMetadata),
		chunks:        make(map[common.ChunkID]*common.ChunkMetadata),
		nextFileID:    1,
		nextChunkID:   1,
		dirs:          NewNamespace(),
		checkpointDir: dir,
	}
}

// CreateDirectory marks path as a directory in the namespace.
func (mm *MetadataManager) CreateDirectory(path string) error { return mm.dirs.CreateDirectory(path) }

// DeleteDirectory removes an empty directory from the namespace.
func (mm *MetadataManager) DeleteDirectory(path string) error { return mm.dirs.DeleteDirectory(path) }

// SaveToDisk checkpoints the namespace, file and chunk tables as JSON
// files under checkpointDir.
func (mm *MetadataManager) SaveToDisk() error {
	if err := os.MkdirAll(mm.checkpointDir, 0o755); err != nil {
		return err
	}

	mm.namespaceMutex.RLock()
	namespaceData, err := json.Marshal(mm.namespace)
	mm.namespaceMutex.RUnlock()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(mm.checkpointDir, "namespace.json"), namespaceData, 0o644); err != nil {
		return err
	}

	mm.filesMutex.RLock()
	filesData, err := json.Marshal(mm.files)
	mm.filesMutex.RUnlock()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(mm.checkpointDir, "files.json"), filesData, 0o644); err != nil {
		return err
	}

	mm.chunksMutex.RLock()
	chunksData, err := json.Marshal(mm.chunks)
	mm.chunksMutex.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(mm.checkpointDir, "chunks.json"), chunksData, 0o644)
}

// LoadFromDisk restores a checkpoint written by SaveToDisk. A missing
// checkpoint directory is not an error: it just means this is a fresh
// master.
func (mm *MetadataManager) LoadFromDisk() error {
	load := func(name string, v any) error {
		data, err := os.ReadFile(filepath.Join(mm.checkpointDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		return json.Unmarshal(data, v)
	}

	mm.namespaceMutex.Lock()
	err := load("namespace.json", &mm.namespace)
	mm.namespaceMutex.Unlock()
	if err != nil {
		return err
	}

	mm.filesMutex.Lock()
	err = load("files.json", &mm.files)
	mm.filesMutex.Unlock()
	if err != nil {
		return err
	}

	mm.chunksMutex.Lock()
	err = load("chunks.json", &mm.chunks)
	mm.chunksMutex.Unlock()
	return err
}

// CreateFile registers path in the namespace and returns its new FileID.
func (mm *MetadataManager) CreateFile(path string) (common.FileID, error) {
	mm.namespaceMutex.Lock()
	defer mm.namespaceMutex.Unlock()
	if _, exists := mm.namespace[path]; exists {
		return "", common.ErrFileExists
	}

	mm.idMutex.Lock()
	id := mm.nextFileID
	mm.nextFileID++
	mm.idMutex.Unlock()
	fileID := common.FileID(filepath.Base(path) + "-" + time.Now().Format("20060102-150405") + "-" + itoa(id))

	now := time.Now()
	mm.filesMutex.Lock()
	mm.files[fileID] = &common.FileMetadata{
		ID:           fileID,
		Path:         path,
		CreationTime: now,
		LastModified: now,
	}
	mm.filesMutex.Unlock()

	mm.namespace[path] = fileID
	return fileID, nil
}

// DeleteFile removes path and its chunks from the namespace.
func (mm *MetadataManager) DeleteFile(path string) error {
	mm.namespaceMutex.Lock()
	fileID, ok := mm.namespace[path]
	if !ok {
		mm.namespaceMutex.Unlock()
		return common.ErrFileNotFound
	}
	delete(mm.namespace, path)
	mm.namespaceMutex.Unlock()

	mm.filesMutex.Lock()
	file, ok := mm.files[fileID]
	if ok {
		delete(mm.files, fileID)
	}
	mm.filesMutex.Unlock()
	if !ok {
		return common.ErrFileNotFound
	}

	mm.chunksMutex.Lock()
	for _, id := range file.ChunkIDs {
		delete(mm.chunks, id)
	}
	mm.chunksMutex.Unlock()
	return nil
}

// GetFileMetadata returns a copy of path's metadata.
func (mm *MetadataManager) GetFileMetadata(path string) (*common.FileMetadata, error) {
	mm.namespaceMutex.RLock()
	fileID, ok := mm.namespace[path]
	mm.namespaceMutex.RUnlock()
	if !ok {
		return nil, common.ErrFileNotFound
	}

	mm.filesMutex.RLock()
	defer mm.filesMutex.RUnlock()
	file, ok := mm.files[fileID]
	if !ok {
		return nil, common.ErrFileNotFound
	}
	cp := *file
	return &cp, nil
}

// ListDirectory returns every namespace path with prefix as an immediate
// parent, the flat-namespace equivalent of a directory listing.
func (mm *MetadataManager) ListDirectory(prefix string) []string {
	mm.namespaceMutex.RLock()
	var out []string
	for path := range mm.namespace {
		if filepath.Dir(path) == filepath.Clean(prefix) {
			out = append(out, path)
		}
	}
	mm.namespaceMutex.RUnlock()
	return append(out, mm.dirs.Directories(prefix)...)
}

// GetChunkID returns the chunk ID at index within fileID.
func (mm *MetadataManager) GetChunkID(fileID common.FileID, index common.ChunkIndex) (common.ChunkID, error) {
	mm.filesMutex.RLock()
	defer mm.filesMutex.RUnlock()
	file, ok := mm.files[fileID]
	if !ok {
		return 0, common.ErrFileNotFound
	}
	if int(index) >= len(file.ChunkIDs) {
		return 0, common.ErrChunkNotFound
	}
	return file.ChunkIDs[index], nil
}

// CreateChunk allocates a new chunk for fileID at index, extending
// ChunkIDs as needed.
func (mm *MetadataManager) CreateChunk(fileID common.FileID, index common.ChunkIndex) (common.ChunkID, error) {
	mm.filesMutex.Lock()
	defer mm.filesMutex.Unlock()
	file, ok := mm.files[fileID]
	if !ok {
		return 0, common.ErrFileNotFound
	}

	mm.idMutex.Lock()
	id := common.ChunkID(mm.nextChunkID)
	mm.nextChunkID++
	mm.idMutex.Unlock()

	mm.chunksMutex.Lock()
	mm.chunks[id] = &common.ChunkMetadata{
		ID:      id,
		FileID:  fileID,
		Index:   index,
		Version: 1,
	}
	mm.chunksMutex.Unlock()

	for int(index) >= len(file.ChunkIDs) {
		file.ChunkIDs = append(file.ChunkIDs, 0)
	}
	file.ChunkIDs[index] = id
	file.LastModified = time.Now()
	return id, nil
}

// GetChunkMetadata returns a copy of id's metadata.
func (mm *MetadataManager) GetChunkMetadata(id common.ChunkID) (*common.ChunkMetadata, error) {
	mm.chunksMutex.RLock()
	defer mm.chunksMutex.RUnlock()
	chunk, ok := mm.chunks[id]
	if !ok {
		return nil, common.ErrChunkNotFound
	}
	cp := *chunk
	return &cp, nil
}

// AddChunkLocation records that server holds a replica of id.
func (mm *MetadataManager) AddChunkLocation(id common.ChunkID, loc common.ReplicaLocation) error {
	mm.chunksMutex.Lock()
	defer mm.chunksMutex.Unlock()
	chunk, ok := mm.chunks[id]
	if !ok {
		return common.ErrChunkNotFound
	}
	for _, existing := range chunk.Locations {
		if existing.Server == loc.Server {
			return nil
		}
	}
	chunk.Locations = append(chunk.Locations, loc)
	return nil
}

// RemoveChunkLocation drops server's replica record for id, used once a
// chunk server is declared dead.
func (mm *MetadataManager) RemoveChunkLocation(id common.ChunkID, server common.ServerID) {
	mm.chunksMutex.Lock()
	defer mm.chunksMutex.Unlock()
	chunk, ok := mm.chunks[id]
	if !ok {
		return
	}
	for i, loc := range chunk.Locations {
		if loc.Server == server {
			last := len(chunk.Locations) - 1
			chunk.Locations[i] = chunk.Locations[last]
			chunk.Locations = chunk.Locations[:last]
			return
		}
	}
}

// MarkChunkUnavailable drops every location this chunk had at server,
// called once a chunk server misses enough heartbeats to be declared
// dead.
func (mm *MetadataManager) MarkChunkUnavailable(id common.ChunkID, server common.ServerID) {
	mm.RemoveChunkLocation(id, server)
}

// UpdateLease records primary/expiration for id.
func (mm *MetadataManager) UpdateLease(id common.ChunkID, primary common.ServerID, expiration time.Time) error {
	mm.chunksMutex.Lock()
	defer mm.chunksMutex.Unlock()
	chunk, ok := mm.chunks[id]
	if !ok {
		return common.ErrChunkNotFound
	}
	chunk.PrimaryReplica = primary
	chunk.LeaseExpiration = expiration
	return nil
}

// UpdateChunkVersion bumps and returns id's version, used after a
// successful lease grant to a new primary invalidates stale replicas.
func (mm *MetadataManager) UpdateChunkVersion(id common.ChunkID) (common.ChunkVersion, error) {
	mm.chunksMutex.Lock()
	defer mm.chunksMutex.Unlock()
	chunk, ok := mm.chunks[id]
	if !ok {
		return 0, common.ErrChunkNotFound
	}
	chunk.Version++
	return chunk.Version, nil
}

// UpdateFileSize sets fileID's recorded size, called once a write
// extends a file past its previously known length.
func (mm *MetadataManager) UpdateFileSize(fileID common.FileID, newSize uint64) error {
	mm.filesMutex.Lock()
	defer mm.filesMutex.Unlock()
	file, ok := mm.files[fileID]
	if !ok {
		return common.ErrFileNotFound
	}
	if newSize > file.Size {
		file.Size = newSize
	}
	file.LastModified = time.Now()
	return nil
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
