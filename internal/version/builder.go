package version

import (
	"sort"

	"github.com/horaedb/analytic-engine/internal/manifest"
)

// Builder accumulates file additions/removals from one or more MetaEdits
// against a base Version and produces a new Version. SaveTo rebuilds every
// level's file list; the FileMeta values themselves are shared with the base.
type Builder struct {
	vset *VersionSet
	base *Version

	addedFiles   [MaxNumLevels]map[uint64]*manifest.FileMeta
	deletedFiles [MaxNumLevels]map[uint64]struct{}
}

// NewBuilder creates a Builder seeded from base (nil for an empty table).
func NewBuilder(vset *VersionSet, base *Version) *Builder {
	b := &Builder{vset: vset, base: base}
	for i := range MaxNumLevels {
		b.addedFiles[i] = make(map[uint64]*manifest.FileMeta)
		b.deletedFiles[i] = make(map[uint64]struct{})
	}
	return b
}

// Apply folds one MetaEdit's file changes into the builder. Non-file
// edits (AddTable, AlterSchema, AlterOptions, VersionEdit) carry no
// level/file information and are no-ops here; callers track that state
// separately via manifest.TableState.
func (b *Builder) Apply(edit *manifest.MetaEdit) {
	switch edit.Kind {
	case manifest.EditAddFile:
		f := edit.NewFile
		if f.Level < 0 || f.Level >= MaxNumLevels {
			return
		}
		delete(b.deletedFiles[f.Level], f.ID)
		b.addedFiles[f.Level][f.ID] = f
	case manifest.EditRemoveFiles:
		if edit.RemovedLevel < 0 || edit.RemovedLevel >= MaxNumLevels {
			return
		}
		for _, id := range edit.RemovedFileIDs {
			if _, wasAdded := b.addedFiles[edit.RemovedLevel][id]; wasAdded {
				delete(b.addedFiles[edit.RemovedLevel], id)
				continue
			}
			b.deletedFiles[edit.RemovedLevel][id] = struct{}{}
		}
	}
}

// SaveTo materializes a new Version from the base plus accumulated edits.
func (b *Builder) SaveTo(vset *VersionSet) *Version {
	v := NewVersion(vset, vset.NextVersionNumber())

	for level := range MaxNumLevels {
		var files []*manifest.FileMeta
		if b.base != nil {
			for _, f := range b.base.files[level] {
				if _, deleted := b.deletedFiles[level][f.ID]; deleted {
					continue
				}
				files = append(files, f)
			}
		}
		for _, f := range b.addedFiles[level] {
			files = append(files, f)
		}

		if level == 0 {
			sortByID(files)
		} else {
			sortByMinKey(files)
		}
		v.files[level] = files
	}

	return v
}

func sortByID(files []*manifest.FileMeta) {
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
}

func sortByMinKey(files []*manifest.FileMeta) {
	sort.Slice(files, func(i, j int) bool { return bytesCompare(files[i].MinKey, files[j].MinKey) < 0 })
}
