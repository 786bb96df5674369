// Package fsbridge is the filesystem boundary of the core: a
// project-rooted bridge with the permission semantics of a
// File System Access style host (writes may require a user grant and
// the first attempt may be denied pending activation).
package fsbridge

import (
	"io/fs"
	"time"
)

// EntryInfo describes one file or directory.
type EntryInfo struct {
	Path    string
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Bridge 文件系统桥接口；所有路径均相对项目根
// Bridge is the filesystem interface; all paths are project-relative.
type Bridge interface {
	Root() string
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Append(path string, data []byte) error
	Remove(path string, recursive bool) error
	Rename(oldPath, newPath string) error
	Mkdir(path string) error
	Stat(path string) (EntryInfo, error)
	List(path string) ([]EntryInfo, error)
	// Walk visits every file under path, honoring the skip list and
	// the optional doublestar glob pattern.
	Walk(path, pattern string, fn func(EntryInfo) error) error
	// RequestPermission asks for read or write access. Hosts may deny
	// the first write request until user activation; callers must
	// tolerate a retry.
	RequestPermission(write bool) error
}

// DirEntryToInfo converts an fs.DirEntry at the given relative path.
func DirEntryToInfo(relPath string, entry fs.DirEntry) EntryInfo {
	info := EntryInfo{Path: relPath, Name: entry.Name(), IsDir: entry.IsDir()}
	if fi, err := entry.Info(); err == nil {
		info.Size = fi.Size()
		info.ModTime = fi.ModTime()
	}
	return info
}
