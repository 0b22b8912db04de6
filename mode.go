package blockfs

import "io/fs"

// fileMode maps a Stat onto an io/fs.FileMode, for callers that want to
// present blockfs content through the standard io/fs interfaces (see
// File/Dir in file.go). The engine itself only tracks directory and
// executable bits (spec.md §1 Non-goals: no other permission bits), so the
// mapping is necessarily coarse: 0755 for executable files and directories,
// 0644 otherwise.
func fileMode(s Stat) fs.FileMode {
	var perm fs.FileMode = 0644
	if s.Executable || s.Type == TypeDir {
		perm = 0755
	}
	if s.Type == TypeDir {
		return fs.ModeDir | perm
	}
	return perm
}
