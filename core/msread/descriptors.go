// Package msread serves reads of cached files by racing the same request
// against every tier that may hold the data and taking the first success.
package msread

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sushant-115/hvac/core/storage_engine/tiered_storage"
	"golang.org/x/sys/unix"
)

var (
	ErrAllSourcesFailed = errors.New("all read sources failed")
	ErrTransportFailure = errors.New("transport failure")
	ErrNotTracked       = errors.New("descriptor is not tracked")
)

// LocalServer marks a Source that is read directly from the local
// descriptor instead of through a tier server.
const LocalServer = -1

// Source is one place a read can be served from.
type Source struct {
	Tier     tiered_storage.StorageTierType `json:"tier"`
	Server   int                            `json:"server"`
	RemoteFD int                            `json:"remote_fd"`
}

// TrackedFile is what the client remembers about a tracked descriptor.
type TrackedFile struct {
	Path string
	// Tier is the placement reported by the primary server at open time.
	Tier    tiered_storage.StorageTierType
	Size    uint64
	Sources []Source
	// Offset is the file position used by sequential reads. Server-side
	// positions are never relied on: every source gets a positional read.
	Offset int64
}

// DescriptorTable maps local descriptors to tracked files.
type DescriptorTable struct {
	mu      sync.RWMutex
	files   map[int]TrackedFile
	dataDir string
}

// NewDescriptorTable creates a table that tracks files under dataDir. An
// empty dataDir tracks nothing.
func NewDescriptorTable(dataDir string) *DescriptorTable {
	if dataDir != "" {
		dataDir = filepath.Clean(dataDir)
	}
	return &DescriptorTable{
		files:   make(map[int]TrackedFile),
		dataDir: dataDir,
	}
}

// ShouldTrack reports whether an open of path with flags is eligible for
// acceleration: read-only, not append, and inside the data directory.
func (t *DescriptorTable) ShouldTrack(path string, flags int) bool {
	if t.dataDir == "" {
		return false
	}
	if flags&unix.O_ACCMODE != unix.O_RDONLY || flags&unix.O_APPEND != 0 {
		return false
	}
	clean := filepath.Clean(path)
	return clean == t.dataDir || strings.HasPrefix(clean, t.dataDir+string(filepath.Separator))
}

// Track records fd. A previous entry for the same fd is replaced, since the
// kernel reuses descriptor numbers.
func (t *DescriptorTable) Track(fd int, file TrackedFile) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file.Sources = append([]Source(nil), file.Sources...)
	t.files[fd] = file
}

// Lookup returns the tracked file for fd.
func (t *DescriptorTable) Lookup(fd int) (TrackedFile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, ok := t.files[fd]
	return f, ok
}

// Untrack forgets fd and returns what was tracked.
func (t *DescriptorTable) Untrack(fd int) (TrackedFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[fd]
	if !ok {
		return TrackedFile{}, ErrNotTracked
	}
	delete(t.files, fd)
	return f, nil
}

// Seek moves the position of a tracked fd the way lseek(2) would.
func (t *DescriptorTable) Seek(fd int, offset int64, whence int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[fd]
	if !ok {
		return -1, ErrNotTracked
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.Offset
	case io.SeekEnd:
		base = int64(f.Size)
	default:
		return -1, unix.EINVAL
	}
	pos := base + offset
	if pos < 0 {
		return -1, unix.EINVAL
	}
	f.Offset = pos
	t.files[fd] = f
	return pos, nil
}

// advance moves the position of fd forward by n after a sequential read.
func (t *DescriptorTable) advance(fd int, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.files[fd]; ok {
		f.Offset += int64(n)
		t.files[fd] = f
	}
}

func (t *DescriptorTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.files)
}
