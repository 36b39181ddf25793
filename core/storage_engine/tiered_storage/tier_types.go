package tiered_storage

import "errors"

// StorageTierType defines the type of storage tier a file is placed on.
type StorageTierType string

const (
	FastTier     StorageTierType = "pm"  // Byte-addressable persistent memory (fsdax)
	CapacityTier StorageTierType = "ssd" // Node-local block device (SSD/NVMe)
	RemoteTier   StorageTierType = "pfs" // The backing parallel filesystem
	UnknownTier  StorageTierType = "unknown"
)

// Valid reports whether t names a tier a file can be placed on.
func (t StorageTierType) Valid() bool {
	switch t {
	case FastTier, CapacityTier, RemoteTier:
		return true
	}
	return false
}

// Bounded reports whether the tier has a finite capacity budget.
func (t StorageTierType) Bounded() bool {
	return t == FastTier || t == CapacityTier
}

// ParseTier maps a tier name to its StorageTierType.
func ParseTier(name string) StorageTierType {
	switch StorageTierType(name) {
	case FastTier, CapacityTier, RemoteTier:
		return StorageTierType(name)
	}
	return UnknownTier
}

// EvictionMode controls what happens to a victim chosen by EvictIfNeeded.
type EvictionMode string

const (
	// EvictDemote moves the victim's accounting to CapacityTier when it fits,
	// otherwise to RemoteTier. The entry stays tracked.
	EvictDemote EvictionMode = "demote"
	// EvictRemove drops the victim from tracking altogether.
	EvictRemove EvictionMode = "remove"
)

// FileMetadata holds the placement state of a single tracked file.
type FileMetadata struct {
	Path        string          `json:"path"`
	Size        uint64          `json:"size"`
	Tier        StorageTierType `json:"tier"`
	AccessCount uint64          `json:"access_count"`
	IsOpen      bool            `json:"is_open"`
}

// Eviction describes one victim handled by EvictIfNeeded.
type Eviction struct {
	Path    string
	Size    uint64
	From    StorageTierType
	To      StorageTierType // Unset when Removed is true
	Removed bool
}

// Usage is a point-in-time view of the bounded tiers.
type Usage struct {
	FastUsed         uint64
	FastCapacity     uint64
	CapacityUsed     uint64
	CapacityCapacity uint64
}

var (
	ErrNotFound         = errors.New("path is not tracked")
	ErrCapacityExceeded = errors.New("destination tier has insufficient capacity")
	ErrEvictionFailed   = errors.New("no closed fast tier file available for eviction")
	ErrInvalidTier      = errors.New("invalid storage tier")
)
