package main

import (
	"strings"

	"github.com/KarpelesLab/blockfs"
)

// resolvePath and resolveParent are CLI-only conveniences: the engine itself
// deliberately has no path resolution (spec.md §1 Non-goals: "the core
// accepts parent-inode + name pairs, not paths"), so a friendly slash-path
// UI is built here, one Lookup call per segment, rather than inside the
// library.

func resolvePath(fsys *blockfs.FS, path string) (uint32, error) {
	inode := uint32(0)
	for _, seg := range splitPath(path) {
		next, err := fsys.Lookup(inode, seg)
		if err != nil {
			return 0, err
		}
		inode = next
	}
	return inode, nil
}

func resolveParent(fsys *blockfs.FS, path string) (parent uint32, name string, err error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return 0, "", blockfs.ErrNameTooLong
	}
	parent = 0
	for _, seg := range segs[:len(segs)-1] {
		parent, err = fsys.Lookup(parent, seg)
		if err != nil {
			return 0, "", err
		}
	}
	return parent, segs[len(segs)-1], nil
}

func splitPath(path string) []string {
	var segs []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}
