// Package cache keeps the target-side persistent cache directory under a
// size cap. Planning is pure (an eviction plan computed from a listing);
// execution runs rm/rmdir through the target's shell.
package cache

import (
	"sort"
	"strings"
	"time"
)

// DefaultBlockSize is used to round file sizes up to what they actually
// occupy on disk.
const DefaultBlockSize = 4096

// Entry describes one filesystem object inside the cache directory.
type Entry struct {
	Path    string
	ModTime time.Time
	Size    int64
	Dir     bool
}

// Plan is the outcome of an LRU pass: what stays, what goes.
type Plan struct {
	Keep      []Entry
	Remove    []Entry
	KeptBytes int64
}

// alignedSize rounds size up to a multiple of blockSize.
func alignedSize(size, blockSize int64) int64 {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if size == 0 {
		return 0
	}
	return (size + blockSize - 1) / blockSize * blockSize
}

// PlanLRU computes which entries to evict so the files that remain occupy
// at most keepBytes. Newest files are kept first; sizes are block-aligned
// so the accounting matches disk usage. Directories carry no size; one is
// removed only when everything beneath it is also being removed. Running
// the planner again over the kept set removes nothing.
func PlanLRU(entries []Entry, keepBytes, blockSize int64) Plan {
	files := make([]Entry, 0, len(entries))
	dirs := make([]Entry, 0)
	for _, e := range entries {
		if e.Dir {
			dirs = append(dirs, e)
		} else {
			files = append(files, e)
		}
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	var plan Plan
	removed := make(map[string]bool)
	for _, f := range files {
		sz := alignedSize(f.Size, blockSize)
		if plan.KeptBytes+sz <= keepBytes {
			plan.KeptBytes += sz
			plan.Keep = append(plan.Keep, f)
		} else {
			plan.Remove = append(plan.Remove, f)
			removed[f.Path] = true
		}
	}

	// A directory goes when no surviving entry lives under it. Deepest
	// first so rmdir finds them already empty.
	sort.SliceStable(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].Path, "/") > strings.Count(dirs[j].Path, "/")
	})
	emptyDirs := make(map[string]bool)
	for _, d := range dirs {
		empty := true
		for _, e := range entries {
			if e.Path == d.Path {
				continue
			}
			if !strings.HasPrefix(e.Path, d.Path+"/") {
				continue
			}
			if e.Dir {
				if !emptyDirs[e.Path] {
					empty = false
					break
				}
				continue
			}
			if !removed[e.Path] {
				empty = false
				break
			}
		}
		if empty {
			emptyDirs[d.Path] = true
			plan.Remove = append(plan.Remove, d)
		} else {
			plan.Keep = append(plan.Keep, d)
		}
	}
	return plan
}
