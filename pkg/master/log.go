package master

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// LogEntry is one recorded namespace mutation, appended before the
// corresponding in-memory change is considered durable.
type LogEntry struct {
	Timestamp time.Time
	Operation string
	Path      string
	ChunkID   common.ChunkID
	Version   common.ChunkVersion
}

// OperationLog is an append-only record of namespace mutations, replayed
// against a fresh MetadataManager at startup to recover state created
// since the last checkpoint.
type OperationLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewOperationLog opens (creating if necessary) the log file at path for
// appending.
func NewOperationLog(path string) (*OperationLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &OperationLog{file: f}, nil
}

// Append writes entry as one JSON line and flushes it to disk.
func (ol *OperationLog) Append(entry LogEntry) error {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := ol.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return ol.file.Sync()
}

// Replay reads every entry still on disk and applies it to mm, used at
// startup after a checkpoint has been loaded to catch up on mutations
// recorded since.
func (ol *OperationLog) Replay(mm *MetadataManager) error {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if _, err := ol.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(ol.file)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		switch entry.Operation {
		case "CreateFile":
			mm.CreateFile(entry.Path)
		case "DeleteFile":
			mm.DeleteFile(entry.Path)
		}
	}
	return scanner.Err()
}

// Truncate discards every entry recorded so far, called right after a
// successful checkpoint makes them redundant.
func (ol *OperationLog) Truncate() error {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	if err := ol.file.Truncate(0); err != nil {
		return err
	}
	_, err := ol.file.Seek(0, 0)
	return err
}

// Close closes the underlying log file.
func (ol *OperationLog) Close() error {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return ol.file.Close()
}
