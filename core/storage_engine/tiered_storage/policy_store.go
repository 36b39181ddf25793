package tiered_storage

import (
	"fmt"
	"sync"

	internaltelemetry "github.com/sushant-115/hvac/internal/telemetry"
	"go.uber.org/zap"
)

// PolicyConfig carries the tier budgets and eviction behaviour of a PolicyStore.
type PolicyConfig struct {
	FastPath         string
	CapacityPath     string
	FastCapacity     uint64
	CapacityCapacity uint64
	EvictionMode     EvictionMode
}

// PolicyStore tracks per-file placement and the used bytes of each bounded tier.
// Every exported method takes the store-wide lock for its whole duration, so
// the metadata map and the usage counters always change together.
type PolicyStore struct {
	mu    sync.Mutex
	files map[string]*FileMetadata

	fastUsed         uint64
	fastCapacity     uint64
	capacityUsed     uint64
	capacityCapacity uint64

	evictionMode EvictionMode

	logger  *zap.Logger
	metrics *internaltelemetry.CacheMetrics
}

// NewPolicyStore creates an empty store. metrics may be nil.
func NewPolicyStore(cfg PolicyConfig, logger *zap.Logger, metrics *internaltelemetry.CacheMetrics) *PolicyStore {
	mode := cfg.EvictionMode
	if mode != EvictRemove {
		mode = EvictDemote
	}
	ps := &PolicyStore{
		files:            make(map[string]*FileMetadata),
		fastCapacity:     cfg.FastCapacity,
		capacityCapacity: cfg.CapacityCapacity,
		evictionMode:     mode,
		logger:           logger.Named("policy_store"),
		metrics:          metrics,
	}
	ps.logger.Info("Policy store initialized",
		zap.String("fastPath", cfg.FastPath),
		zap.Uint64("fastCapacity", cfg.FastCapacity),
		zap.String("capacityPath", cfg.CapacityPath),
		zap.Uint64("capacityCapacity", cfg.CapacityCapacity),
		zap.String("evictionMode", string(mode)))
	return ps
}

// AddFile registers path with the given size and returns the tier it lives on.
//
// A new path goes to the first tier, in FastTier, CapacityTier, RemoteTier
// order, whose remaining budget can hold size. For a path that is already
// tracked the tier is kept and only the size is updated; if the new size no
// longer fits the owning tier, ErrCapacityExceeded is returned and nothing
// changes.
func (ps *PolicyStore) AddFile(path string, size uint64) (StorageTierType, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if meta, ok := ps.files[path]; ok {
		if meta.Size == size {
			return meta.Tier, nil
		}
		if err := ps.resizeLocked(meta, size); err != nil {
			return meta.Tier, err
		}
		return meta.Tier, nil
	}

	meta := &FileMetadata{
		Path:   path,
		Size:   size,
		IsOpen: true,
	}
	switch {
	case ps.fitsLocked(FastTier, size):
		meta.Tier = FastTier
	case ps.fitsLocked(CapacityTier, size):
		meta.Tier = CapacityTier
	default:
		meta.Tier = RemoteTier
	}
	ps.chargeLocked(meta.Tier, size)
	ps.files[path] = meta

	ps.metrics.Placed(string(meta.Tier))
	ps.logger.Debug("File registered",
		zap.String("path", path),
		zap.Uint64("size", size),
		zap.String("tier", string(meta.Tier)))
	return meta.Tier, nil
}

func (ps *PolicyStore) resizeLocked(meta *FileMetadata, size uint64) error {
	if size > meta.Size && meta.Tier.Bounded() {
		growth := size - meta.Size
		if !ps.fitsLocked(meta.Tier, growth) {
			ps.logger.Warn("Re-registration does not fit owning tier",
				zap.String("path", meta.Path),
				zap.Uint64("oldSize", meta.Size),
				zap.Uint64("newSize", size),
				zap.String("tier", string(meta.Tier)))
			return fmt.Errorf("resize %s to %d bytes on %s: %w", meta.Path, size, meta.Tier, ErrCapacityExceeded)
		}
	}
	ps.releaseLocked(meta.Tier, meta.Size)
	ps.chargeLocked(meta.Tier, size)
	meta.Size = size
	return nil
}

// UpdateAccess bumps the access counter of path. Unknown paths are ignored.
func (ps *PolicyStore) UpdateAccess(path string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if meta, ok := ps.files[path]; ok {
		meta.AccessCount++
	}
}

// SetOpenState marks path as open or closed. Only closed files are eviction
// candidates.
func (ps *PolicyStore) SetOpenState(path string, isOpen bool) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	meta, ok := ps.files[path]
	if !ok {
		return fmt.Errorf("set open state of %s: %w", path, ErrNotFound)
	}
	meta.IsOpen = isOpen
	return nil
}

// GetTier returns the tier holding path, or UnknownTier.
func (ps *PolicyStore) GetTier(path string) StorageTierType {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if meta, ok := ps.files[path]; ok {
		return meta.Tier
	}
	return UnknownTier
}

// Snapshot returns a copy of the metadata for path.
func (ps *PolicyStore) Snapshot(path string) (FileMetadata, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	meta, ok := ps.files[path]
	if !ok {
		return FileMetadata{}, false
	}
	return *meta, true
}

// UpdateTier moves path, and its accounting, to newTier. The destination
// budget is checked first; on ErrCapacityExceeded nothing changes.
func (ps *PolicyStore) UpdateTier(path string, newTier StorageTierType) error {
	if !newTier.Valid() {
		return fmt.Errorf("move %s to %q: %w", path, newTier, ErrInvalidTier)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	meta, ok := ps.files[path]
	if !ok {
		return fmt.Errorf("move %s to %s: %w", path, newTier, ErrNotFound)
	}
	if meta.Tier == newTier {
		return nil
	}
	if !ps.fitsLocked(newTier, meta.Size) {
		ps.logger.Warn("Not enough space to move file",
			zap.String("path", path),
			zap.String("from", string(meta.Tier)),
			zap.String("to", string(newTier)),
			zap.Uint64("size", meta.Size))
		return fmt.Errorf("move %s to %s: %w", path, newTier, ErrCapacityExceeded)
	}
	ps.moveLocked(meta, newTier)
	return nil
}

// SelectVictimForEviction returns the closed FastTier file with the lowest
// access count. Ties go to the lexicographically smallest path.
func (ps *PolicyStore) SelectVictimForEviction() (string, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return ps.selectVictimLocked()
}

func (ps *PolicyStore) selectVictimLocked() (string, bool) {
	var victim *FileMetadata
	for _, meta := range ps.files {
		if meta.Tier != FastTier || meta.IsOpen {
			continue
		}
		if victim == nil ||
			meta.AccessCount < victim.AccessCount ||
			(meta.AccessCount == victim.AccessCount && meta.Path < victim.Path) {
			victim = meta
		}
	}
	if victim == nil {
		return "", false
	}
	return victim.Path, true
}

// EvictIfNeeded handles one victim when FastTier usage is over its capacity.
// It returns a nil Eviction when nothing had to be done, and
// ErrEvictionFailed when no closed FastTier file exists.
func (ps *PolicyStore) EvictIfNeeded() (*Eviction, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return ps.evictAboveLocked(ps.fastCapacity)
}

// EvictAbove is EvictIfNeeded with an explicit FastTier limit, used by the
// sweeper to keep usage under a high watermark below the hard capacity.
func (ps *PolicyStore) EvictAbove(limit uint64) (*Eviction, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return ps.evictAboveLocked(limit)
}

func (ps *PolicyStore) evictAboveLocked(limit uint64) (*Eviction, error) {
	if ps.fastUsed <= limit {
		return nil, nil
	}

	path, ok := ps.selectVictimLocked()
	if !ok {
		ps.logger.Warn("No victim file found for eviction",
			zap.Uint64("fastUsed", ps.fastUsed),
			zap.Uint64("fastCapacity", ps.fastCapacity))
		ps.metrics.Evicted(string(FastTier), "failed")
		return nil, ErrEvictionFailed
	}
	meta := ps.files[path]
	ev := &Eviction{Path: path, Size: meta.Size, From: meta.Tier}

	if ps.evictionMode == EvictRemove {
		ps.removeLocked(meta)
		ev.Removed = true
		ps.metrics.Evicted(string(ev.From), "removed")
	} else {
		target := RemoteTier
		if ps.fitsLocked(CapacityTier, meta.Size) {
			target = CapacityTier
		}
		ps.moveLocked(meta, target)
		ev.To = target
		ps.metrics.Evicted(string(ev.From), "demoted")
	}

	ps.logger.Info("Evicted file from fast tier",
		zap.String("path", ev.Path),
		zap.Uint64("size", ev.Size),
		zap.Bool("removed", ev.Removed),
		zap.String("to", string(ev.To)))
	return ev, nil
}

// RemoveFile stops tracking path and releases its bytes from the owning tier.
func (ps *PolicyStore) RemoveFile(path string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	meta, ok := ps.files[path]
	if !ok {
		ps.logger.Warn("File not found in metadata", zap.String("path", path))
		return fmt.Errorf("remove %s: %w", path, ErrNotFound)
	}
	ps.removeLocked(meta)
	return nil
}

// SetCapacity changes the budget of a bounded tier. Shrinking below the
// current usage is allowed; EvictIfNeeded then has work to do.
func (ps *PolicyStore) SetCapacity(tier StorageTierType, capacity uint64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch tier {
	case FastTier:
		ps.fastCapacity = capacity
	case CapacityTier:
		ps.capacityCapacity = capacity
	default:
		return fmt.Errorf("set capacity of %q: %w", tier, ErrInvalidTier)
	}
	ps.logger.Info("Tier capacity changed", zap.String("tier", string(tier)), zap.Uint64("capacity", capacity))
	return nil
}

// GetUsageBytes returns the used bytes of FastTier and CapacityTier.
func (ps *PolicyStore) GetUsageBytes() (fastUsed, capacityUsed uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return ps.fastUsed, ps.capacityUsed
}

// Usage returns used and configured bytes of both bounded tiers.
func (ps *PolicyStore) Usage() Usage {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return Usage{
		FastUsed:         ps.fastUsed,
		FastCapacity:     ps.fastCapacity,
		CapacityUsed:     ps.capacityUsed,
		CapacityCapacity: ps.capacityCapacity,
	}
}

// Len returns the number of tracked files.
func (ps *PolicyStore) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	return len(ps.files)
}

// --- helpers; callers hold ps.mu ---

func (ps *PolicyStore) fitsLocked(tier StorageTierType, size uint64) bool {
	switch tier {
	case FastTier:
		return ps.fastUsed+size <= ps.fastCapacity && ps.fastUsed+size >= ps.fastUsed
	case CapacityTier:
		return ps.capacityUsed+size <= ps.capacityCapacity && ps.capacityUsed+size >= ps.capacityUsed
	case RemoteTier:
		return true
	}
	return false
}

func (ps *PolicyStore) chargeLocked(tier StorageTierType, size uint64) {
	switch tier {
	case FastTier:
		ps.fastUsed += size
	case CapacityTier:
		ps.capacityUsed += size
	}
}

func (ps *PolicyStore) releaseLocked(tier StorageTierType, size uint64) {
	switch tier {
	case FastTier:
		ps.fastUsed -= size
	case CapacityTier:
		ps.capacityUsed -= size
	}
}

func (ps *PolicyStore) moveLocked(meta *FileMetadata, to StorageTierType) {
	ps.releaseLocked(meta.Tier, meta.Size)
	ps.chargeLocked(to, meta.Size)
	meta.Tier = to
}

func (ps *PolicyStore) removeLocked(meta *FileMetadata) {
	ps.releaseLocked(meta.Tier, meta.Size)
	delete(ps.files, meta.Path)
}
