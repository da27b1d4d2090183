package master

import (
	"path/filepath"
	"sync"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// Namespace tracks the master's directory tree separately from file
// metadata: MetadataManager's namespace map already answers "what FileID
// does this path have," but directories never get a FileID, so they need
// their own existence set.
type Namespace struct {
	mu   sync.RWMutex
	dirs map[string]struct{}
}

// NewNamespace returns a Namespace with just the root directory present.
func NewNamespace() *Namespace {
	return &Namespace{dirs: map[string]struct{}{"/": {}}}
}

// CreateDirectory marks path as a directory; its parent must already
// exist.
func (ns *Namespace) CreateDirectory(path string) error {
	path = filepath.Clean(path)
	parent := filepath.Dir(path)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.dirs[parent]; !ok && parent != path {
		return common.ErrFileNotFound
	}
	if _, exists := ns.dirs[path]; exists {
		return common.ErrFileExists
	}
	ns.dirs[path] = struct{}{}
	return nil
}

// DeleteDirectory removes path, refusing if any other tracked directory
// still names it as a parent.
func (ns *Namespace) DeleteDirectory(path string) error {
	path = filepath.Clean(path)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.dirs[path]; !ok {
		return common.ErrFileNotFound
	}
	for other := range ns.dirs {
		if other != path && filepath.Dir(other) == path {
			return common.ErrInvalidArgument
		}
	}
	delete(ns.dirs, path)
	return nil
}

// IsDirectory reports whether path has been created as a directory.
func (ns *Namespace) IsDirectory(path string) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	_, ok := ns.dirs[filepath.Clean(path)]
	return ok
}

// Directories returns every directory path currently tracked, used by
// ListDirectory to report subdirectories alongside files.
func (ns *Namespace) Directories(parent string) []string {
	parent = filepath.Clean(parent)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	var out []string
	for path := range ns.dirs {
		if path != "/" && filepath.Dir(path) == parent {
			out = append(out, path)
		}
	}
	return out
}
