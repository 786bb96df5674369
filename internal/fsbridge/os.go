package fsbridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"kodex/internal/errs"

	"github.com/bmatcuk/doublestar/v4"
)

// Directories never descended into during walks.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".kodex":       true,
	"dist":         true,
	"build":        true,
}

// OSBridge 以项目根为界的本地文件系统实现；路径逃逸被拒绝
// OSBridge implements Bridge over the local filesystem, jailed to the
// project root; path escapes are rejected.
type OSBridge struct {
	root string

	mu sync.Mutex
	// writeGranted mimics host user-activation: the first write
	// permission request is denied until a grant is installed.
	writeGranted bool
	grantFn      func() bool
}

// NewOSBridge roots a bridge at dir. grantFn decides write-permission
// requests; nil grants everything (headless mode).
func NewOSBridge(dir string, grantFn func() bool) (*OSBridge, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errs.E(errs.KindNoProject, "project root is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("abs project root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}
	fi, err := os.Stat(resolved)
	if err != nil || !fi.IsDir() {
		return nil, errs.E(errs.KindNoProject, fmt.Sprintf("project root %s is not a directory", dir))
	}
	return &OSBridge{root: resolved, grantFn: grantFn}, nil
}

func (b *OSBridge) Root() string { return b.root }

// resolve joins a project-relative path and rejects escapes.
func (b *OSBridge) resolve(path string) (string, error) {
	target := strings.TrimSpace(path)
	if target == "" || target == "." {
		return b.root, nil
	}
	if filepath.IsAbs(target) {
		return "", errs.E(errs.KindInvalidArgument, "absolute paths are not allowed")
	}
	clean := filepath.Clean(filepath.Join(b.root, filepath.FromSlash(target)))
	rel, err := filepath.Rel(b.root, clean)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errs.E(errs.KindPermissionDenied, "path outside project root")
	}
	return clean, nil
}

func (b *OSBridge) RequestPermission(write bool) error {
	if !write {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeGranted {
		return nil
	}
	if b.grantFn == nil || b.grantFn() {
		b.writeGranted = true
		return nil
	}
	return errs.E(errs.KindPermissionDenied, "write access requires user activation; retry after interaction")
}

func (b *OSBridge) ReadFile(path string) ([]byte, error) {
	resolved, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Wrap(errs.KindNotFound, "read "+path, err)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (b *OSBridge) WriteFile(path string, data []byte) error {
	if err := b.RequestPermission(true); err != nil {
		return err
	}
	resolved, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (b *OSBridge) Append(path string, data []byte) error {
	if err := b.RequestPermission(true); err != nil {
		return err
	}
	resolved, err := b.resolve(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errs.Wrap(errs.KindNotFound, "append "+path, err)
		}
		return fmt.Errorf("append %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

func (b *OSBridge) Remove(path string, recursive bool) error {
	if err := b.RequestPermission(true); err != nil {
		return err
	}
	resolved, err := b.resolve(path)
	if err != nil {
		return err
	}
	if resolved == b.root {
		return errs.E(errs.KindInvalidArgument, "refusing to remove project root")
	}
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) {
		return errs.Wrap(errs.KindNotFound, "remove "+path, err)
	}
	if recursive {
		if err := os.RemoveAll(resolved); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}
	if err := os.Remove(resolved); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (b *OSBridge) Rename(oldPath, newPath string) error {
	if err := b.RequestPermission(true); err != nil {
		return err
	}
	from, err := b.resolve(oldPath)
	if err != nil {
		return err
	}
	to, err := b.resolve(newPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(from); errors.Is(err, os.ErrNotExist) {
		return errs.Wrap(errs.KindNotFound, "rename "+oldPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", oldPath, newPath, err)
	}
	return nil
}

func (b *OSBridge) Mkdir(path string) error {
	if err := b.RequestPermission(true); err != nil {
		return err
	}
	resolved, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (b *OSBridge) Stat(path string) (EntryInfo, error) {
	resolved, err := b.resolve(path)
	if err != nil {
		return EntryInfo{}, err
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return EntryInfo{}, errs.Wrap(errs.KindNotFound, "stat "+path, err)
		}
		return EntryInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return EntryInfo{
		Path:    filepath.ToSlash(path),
		Name:    fi.Name(),
		IsDir:   fi.IsDir(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}, nil
}

func (b *OSBridge) List(path string) ([]EntryInfo, error) {
	resolved, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Wrap(errs.KindNotFound, "list "+path, err)
		}
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := make([]EntryInfo, 0, len(entries))
	for _, entry := range entries {
		rel := filepath.ToSlash(filepath.Join(path, entry.Name()))
		out = append(out, DirEntryToInfo(rel, entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (b *OSBridge) Walk(path, pattern string, fn func(EntryInfo) error) error {
	resolved, err := b.resolve(path)
	if err != nil {
		return err
	}
	return filepath.WalkDir(resolved, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && p != resolved {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if pattern != "" {
			match, err := doublestar.Match(pattern, rel)
			if err != nil || !match {
				return nil
			}
		}
		return fn(DirEntryToInfo(rel, d))
	})
}
