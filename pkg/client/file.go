package client

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

// newTxnID derives a transaction ID from a fresh UUID, giving each append
// attempt cluster-wide uniqueness without a round trip to the master.
func newTxnID() common.TransactionID {
	id := uuid.New()
	return common.TransactionID(binary.BigEndian.Uint64(id[:8]))
}

// File is an open handle against one namespace path, resolving reads and
// writes to the chunks that back it.
type File struct {
	client *Client

	mu       sync.Mutex
	path     string
	metadata common.FileMetadata
	seq      uint64
}

func (f *File) nextSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

// GetSize returns the file's last known size.
func (f *File) GetSize() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(f.metadata.Size), nil
}

// chunkForOffset returns the chunk index and in-chunk offset for a
// file-relative byte offset.
func chunkForOffset(offset int64) (common.ChunkIndex, uint64) {
	idx := offset / common.ChunkSize
	rem := offset % common.ChunkSize
	return common.ChunkIndex(idx), uint64(rem)
}

// Read reads up to length bytes starting at offset, returning fewer
// bytes at end of file.
func (f *File) Read(offset int64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		idx, inChunkOffset := chunkForOffset(offset + int64(len(out)))
		f.mu.Lock()
		if int(idx) >= len(f.metadata.ChunkIDs) {
			f.mu.Unlock()
			break
		}
		chunkID := f.metadata.ChunkIDs[idx]
		f.mu.Unlock()

		want := length - len(out)
		if rem := common.ChunkSize - int64(inChunkOffset); int64(want) > rem {
			want = int(rem)
		}

		data, err := f.readChunk(chunkID, inChunkOffset, want)
		if err != nil {
			return out, err
		}
		out = append(out, data...)
		if len(data) < want {
			break
		}
	}
	return out, nil
}

// Write writes data starting at offset, allocating new chunks as needed
// and extending the file's recorded size.
func (f *File) Write(offset int64, data []byte) error {
	written := 0
	for written < len(data) {
		idx, inChunkOffset := chunkForOffset(offset + int64(written))
		chunkID, err := f.chunkAt(idx)
		if err != nil {
			return err
		}

		chunkLen := len(data) - written
		if rem := common.ChunkSize - int64(inChunkOffset); int64(chunkLen) > rem {
			chunkLen = int(rem)
		}

		if err := f.writeChunk(chunkID, inChunkOffset, data[written:written+chunkLen]); err != nil {
			return err
		}
		written += chunkLen
	}

	f.mu.Lock()
	newSize := uint64(offset) + uint64(len(data))
	if newSize > f.metadata.Size {
		f.metadata.Size = newSize
	}
	f.mu.Unlock()
	f.client.metaCache.Put(f.path, f.metadata)
	return nil
}

// Append atomically appends data to the file's last chunk, allocating a
// new one if the current last chunk has no room, and returns the
// file-relative offset the data landed at.
func (f *File) Append(data []byte) (int64, error) {
	f.mu.Lock()
	idx := common.ChunkIndex(0)
	if n := len(f.metadata.ChunkIDs); n > 0 {
		idx = common.ChunkIndex(n - 1)
	}
	f.mu.Unlock()

	chunkID, err := f.chunkAt(idx)
	if err != nil {
		return 0, err
	}

	locs, err := f.client.locationsFor(chunkID)
	if err != nil || len(locs) == 0 {
		return 0, fmt.Errorf("client: no replica for chunk %d: %w", chunkID, err)
	}

	op := &proto.Op{
		Type:     proto.TypeRecordAppend,
		Seq:      f.nextSeq(),
		ChunkID:  chunkID,
		TxnID:    newTxnID(),
		NumBytes: int64(len(data)),
		Data:     data,
	}
	status, _, _, err := f.call(locs[0].Address, op)
	if err != nil {
		return 0, err
	}
	if status == common.StatusNoSpace {
		newIdx := idx + 1
		newChunkID, _, err := f.client.createChunk(f.metadata.ID, newIdx)
		if err != nil {
			return 0, err
		}
		f.mu.Lock()
		f.metadata.ChunkIDs = append(f.metadata.ChunkIDs, newChunkID)
		f.mu.Unlock()
		return f.Append(data)
	}
	if status != common.StatusOK {
		return 0, fmt.Errorf("client: append failed: %s", common.StatusMessage(status))
	}

	fileOffset := int64(idx)*common.ChunkSize + int64(op.Offset)
	f.mu.Lock()
	if newSize := uint64(fileOffset) + uint64(len(data)); newSize > f.metadata.Size {
		f.metadata.Size = newSize
	}
	f.mu.Unlock()
	f.client.metaCache.Put(f.path, f.metadata)
	return fileOffset, nil
}

// Flush is a no-op. The handle keeps no dirty chunks, since every Write
// already completed a synchronous round trip to the chunk server before
// returning; Flush sends nothing, so it does not force chunk data to
// stable storage.
func (f *File) Flush() error { return nil }

// Close releases the handle. There is no server-side session to tear
// down: every op already ran to completion synchronously.
func (f *File) Close() error { return nil }

// chunkAt returns the chunk ID at idx, allocating one via the master if
// the file doesn't yet extend that far.
func (f *File) chunkAt(idx common.ChunkIndex) (common.ChunkID, error) {
	f.mu.Lock()
	if int(idx) < len(f.metadata.ChunkIDs) {
		id := f.metadata.ChunkIDs[idx]
		f.mu.Unlock()
		return id, nil
	}
	f.mu.Unlock()

	id, _, err := f.client.createChunk(f.metadata.ID, idx)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	for common.ChunkIndex(len(f.metadata.ChunkIDs)) <= idx {
		f.metadata.ChunkIDs = append(f.metadata.ChunkIDs, 0)
	}
	f.metadata.ChunkIDs[idx] = id
	f.mu.Unlock()
	return id, nil
}

func (f *File) readChunk(chunkID common.ChunkID, offset uint64, length int) ([]byte, error) {
	locs, err := f.client.locationsFor(chunkID)
	if err != nil || len(locs) == 0 {
		return nil, fmt.Errorf("client: no replica for chunk %d: %w", chunkID, err)
	}

	op := &proto.Op{
		Type:     proto.TypeRead,
		Seq:      f.nextSeq(),
		ChunkID:  chunkID,
		Offset:   offset,
		NumBytes: int64(length),
	}
	status, msg, data, err := f.call(locs[0].Address, op)
	if err != nil {
		return nil, err
	}
	if status != common.StatusOK {
		return nil, fmt.Errorf("client: read failed: %s", msg)
	}
	return data, nil
}

func (f *File) writeChunk(chunkID common.ChunkID, offset uint64, data []byte) error {
	locs, err := f.client.locationsFor(chunkID)
	if err != nil || len(locs) == 0 {
		return fmt.Errorf("client: no replica for chunk %d: %w", chunkID, err)
	}

	op := &proto.Op{
		Type:     proto.TypeWrite,
		Seq:      f.nextSeq(),
		ChunkID:  chunkID,
		Offset:   offset,
		NumBytes: int64(len(data)),
		Data:     data,
	}
	status, msg, _, err := f.call(locs[0].Address, op)
	if err != nil {
		return err
	}
	if status != common.StatusOK {
		return fmt.Errorf("client: write failed: %s", msg)
	}
	return nil
}

// call dials addr, sends op's request header and payload, and reads
// back its reply. Each call uses a fresh connection: there is no
// persistent CSM session on the client side, only the chunk server's.
func (f *File) call(addr string, op *proto.Op) (common.Status, string, []byte, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return 0, "", nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	if _, err := conn.Write(proto.EncodeRequest(op)); err != nil {
		return 0, "", nil, err
	}
	status, msg, data, err := proto.ReadResponse(bufio.NewReader(conn))
	if err != nil {
		return 0, "", nil, errors.New("client: " + err.Error())
	}
	return status, msg, data, nil
}
