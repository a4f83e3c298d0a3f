// Package version tracks one table's live SST set as an immutable,
// reference-counted snapshot, and the builder that derives a new snapshot
// from a MetaEdit, sharing the unchanged FileMeta values with its base.
//
// Grounded on the teacher's db/version_set.h (Version class): the
// ref-counted linked-list lifetime model and the level/file-list shape
// are kept. What changes is scope: RocksDB's Version spans every column
// family sharing one LSM-tree; this Version spans exactly one table,
// because the engine keeps one independent file set per table rather
// than column families sharing a keyspace.
package version

import (
	"sync/atomic"

	"github.com/horaedb/analytic-engine/internal/manifest"
)

// MaxNumLevels is the maximum number of levels in a table's LSM-tree.
const MaxNumLevels = 7

// Version is an immutable snapshot of one table's live SST files, grouped
// by level.
type Version struct {
	files [MaxNumLevels][]*manifest.FileMeta

	refs int32
	vset *VersionSet

	versionNumber uint64

	prev *Version
	next *Version
}

// NewVersion creates a new empty Version.
func NewVersion(vset *VersionSet, versionNumber uint64) *Version {
	return &Version{vset: vset, versionNumber: versionNumber}
}

// Ref increments the reference count.
func (v *Version) Ref() {
	atomic.AddInt32(&v.refs, 1)
}

// Unref decrements the reference count, unlinking the version once no
// reader holds it.
func (v *Version) Unref() {
	if atomic.AddInt32(&v.refs, -1) == 0 {
		if v.vset != nil {
			v.vset.listMu.Lock()
			defer v.vset.listMu.Unlock()
		}
		if v.prev != nil {
			v.prev.next = v.next
		}
		if v.next != nil {
			v.next.prev = v.prev
		}
		v.prev = nil
		v.next = nil
	}
}

// NumFiles returns the number of files at level.
func (v *Version) NumFiles(level int) int {
	if level < 0 || level >= MaxNumLevels {
		return 0
	}
	return len(v.files[level])
}

// Files returns the files at level.
func (v *Version) Files(level int) []*manifest.FileMeta {
	if level < 0 || level >= MaxNumLevels {
		return nil
	}
	return v.files[level]
}

// TotalFiles returns the total number of files across all levels.
func (v *Version) TotalFiles() int {
	total := 0
	for level := range MaxNumLevels {
		total += len(v.files[level])
	}
	return total
}

// NumLevelBytes returns the total size of files at level.
func (v *Version) NumLevelBytes(level int) uint64 {
	if level < 0 || level >= MaxNumLevels {
		return 0
	}
	var size uint64
	for _, f := range v.files[level] {
		size += f.SizeBytes
	}
	return size
}

// VersionNumber returns the version number, for logging.
func (v *Version) VersionNumber() uint64 {
	return v.versionNumber
}

// OverlappingInputs returns the files at level whose [MinKey, MaxKey]
// range overlaps [begin, end]. A nil begin or end means unbounded.
func (v *Version) OverlappingInputs(level int, begin, end []byte) []*manifest.FileMeta {
	if level < 0 || level >= MaxNumLevels {
		return nil
	}
	var result []*manifest.FileMeta
	for _, f := range v.files[level] {
		if begin != nil && len(f.MaxKey) > 0 && bytesCompare(f.MaxKey, begin) < 0 {
			continue
		}
		if end != nil && len(f.MinKey) > 0 && bytesCompare(f.MinKey, end) > 0 {
			continue
		}
		result = append(result, f)
	}
	return result
}

func bytesCompare(a, b []byte) int {
	minLen := min(len(b), len(a))
	for i := range minLen {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
