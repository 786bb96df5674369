package tools

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"kodex/internal/errs"
	"kodex/internal/fsbridge"
)

const defaultReadBudget = 256 * 1024

// RegisterFileTools installs the filesystem tool set.
func RegisterFileTools(r *Registry) {
	for _, t := range fileToolSet() {
		r.Register(t)
	}
}

// withWriteRetry 首次写权限可能被拒（等待用户激活）；重试一次
// withWriteRetry retries once on PermissionDenied: the first write
// request may be denied pending user activation.
func withWriteRetry(fn func() error) error {
	err := fn()
	if err != nil && errs.Is(err, errs.KindPermissionDenied) {
		return fn()
	}
	return err
}

// invalidateFile fans a change out to the caches and drops the editor
// model so the next read sees fresh content.
func invalidateFile(env *Env, filePath string) {
	if env.Caches != nil {
		env.Caches.InvalidateFile(filePath)
	}
	if env.Models != nil {
		env.Models.Dispose(filePath)
	}
}

func (e *Env) readBudget() int {
	if e.ReadBudget > 0 {
		return e.ReadBudget
	}
	return defaultReadBudget
}

// readWithBudget applies the in-context read budget: oversized files
// come back as a flagged preview and are opened in the editor.
func readWithBudget(env *Env, filePath string, data []byte) *Result {
	budget := env.readBudget()
	if len(data) <= budget {
		return &Result{
			Message: fmt.Sprintf("Read %s (%d bytes)", filePath, len(data)),
			Details: map[string]any{"path": filePath, "content": string(data), "size": len(data)},
		}
	}
	preview := string(data[:budget])
	if env.Models != nil {
		_, _ = env.Models.GetModel(filePath, string(data), "")
	}
	return &Result{
		Message: fmt.Sprintf("Read %s: %d bytes exceeds the %d byte budget, returning a preview; the full file is open in the editor", filePath, len(data), budget),
		Details: map[string]any{
			"path":         filePath,
			"content":      preview,
			"size":         len(data),
			"truncated":    true,
			"preview_size": budget,
		},
	}
}

func fileToolSet() []*Tool {
	return []*Tool{
		{
			Name:            "get_project_structure",
			Description:     "List the project file tree, optionally filtered by a glob pattern.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"pattern":   {Type: "string", Description: "doublestar glob, e.g. **/*.js"},
				"max_files": {Type: "number", Description: "cap on listed files (default 500)"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				limit := numberParam(params, "max_files", 500)
				var files []string
				err := env.Bridge.Walk("", stringParam(params, "pattern"), func(info fsbridge.EntryInfo) error {
					if len(files) >= limit {
						return nil
					}
					files = append(files, info.Path)
					return nil
				})
				if err != nil {
					return nil, err
				}
				sort.Strings(files)
				return &Result{
					Message: fmt.Sprintf("Project has %d files", len(files)),
					Details: map[string]any{"files": files, "tree": renderTree(files)},
				}, nil
			},
		},
		{
			Name:            "read_file",
			Description:     "Read a file's content. Large files return a flagged preview.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"path": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				filePath := stringParam(params, "path")
				data, err := env.Bridge.ReadFile(filePath)
				if err != nil {
					return nil, err
				}
				return readWithBudget(env, filePath, data), nil
			},
		},
		{
			Name:            "read_file_lines",
			Description:     "Read an inclusive 1-based line range of a file.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"path":       {Type: "string", Required: true},
				"start_line": {Type: "number", Required: true},
				"end_line":   {Type: "number", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				filePath := stringParam(params, "path")
				start := numberParam(params, "start_line", 1)
				end := numberParam(params, "end_line", start)
				if start < 1 || end < start {
					return nil, errs.E(errs.KindInvalidArgument, "invalid line range")
				}
				data, err := env.Bridge.ReadFile(filePath)
				if err != nil {
					return nil, err
				}
				lines := strings.Split(string(data), "\n")
				if start > len(lines) {
					return nil, errs.E(errs.KindInvalidArgument,
						fmt.Sprintf("start_line %d is past the end of %s (%d lines)", start, filePath, len(lines)))
				}
				if end > len(lines) {
					end = len(lines)
				}
				var b strings.Builder
				for i := start; i <= end; i++ {
					fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
				}
				return &Result{
					Message: fmt.Sprintf("Read %s lines %d-%d", filePath, start, end),
					Details: map[string]any{"path": filePath, "content": b.String(), "start_line": start, "end_line": end},
				}, nil
			},
		},
		{
			Name:            "read_multiple_files",
			Description:     "Read several files in one call.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"paths": {Type: "array", Items: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				paths := stringsParam(params, "paths")
				if len(paths) == 0 {
					return nil, errs.E(errs.KindInvalidArgument, "paths is empty")
				}
				contents := map[string]any{}
				errors := map[string]any{}
				for _, p := range paths {
					data, err := env.Bridge.ReadFile(p)
					if err != nil {
						errors[p] = err.Error()
						continue
					}
					contents[p] = readWithBudget(env, p, data).Details
				}
				return &Result{
					Message: fmt.Sprintf("Read %d of %d files", len(contents), len(paths)),
					Details: map[string]any{"files": contents, "errors": errors},
				}, nil
			},
		},
		{
			Name:            "search_in_file",
			Description:     "Find lines in a file containing a query string.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"path":           {Type: "string", Required: true},
				"query":          {Type: "string", Required: true},
				"case_sensitive": {Type: "boolean"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				filePath := stringParam(params, "path")
				query := stringParam(params, "query")
				data, err := env.Bridge.ReadFile(filePath)
				if err != nil {
					return nil, err
				}
				caseSensitive := boolParam(params, "case_sensitive")
				needle := query
				if !caseSensitive {
					needle = strings.ToLower(query)
				}
				var matches []map[string]any
				for i, line := range strings.Split(string(data), "\n") {
					haystack := line
					if !caseSensitive {
						haystack = strings.ToLower(line)
					}
					if strings.Contains(haystack, needle) {
						matches = append(matches, map[string]any{"line": i + 1, "text": strings.TrimSpace(line)})
					}
				}
				return &Result{
					Message: fmt.Sprintf("%d matches for %q in %s", len(matches), query, filePath),
					Details: map[string]any{"path": filePath, "query": query, "matches": matches},
				}, nil
			},
		},
		{
			Name:              "create_file",
			Description:       "Create or overwrite a file with the given content.",
			RequiresProject:   true,
			CreatesCheckpoint: true,
			Params: map[string]ParamSpec{
				"path":    {Type: "string", Required: true},
				"content": {Type: "string"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				filePath := stringParam(params, "path")
				content := stringParam(params, "content")
				if err := withWriteRetry(func() error {
					return env.Bridge.WriteFile(filePath, []byte(content))
				}); err != nil {
					return nil, err
				}
				invalidateFile(env, filePath)
				return &Result{
					Message: fmt.Sprintf("Created %s (%d bytes)", filePath, len(content)),
					Details: map[string]any{"path": filePath, "size": len(content)},
				}, nil
			},
		},
		{
			Name:              "append_to_file",
			Description:       "Append content to a file, creating it if missing.",
			RequiresProject:   true,
			CreatesCheckpoint: true,
			Params: map[string]ParamSpec{
				"path":    {Type: "string", Required: true},
				"content": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				filePath := stringParam(params, "path")
				content := stringParam(params, "content")
				created := false
				err := withWriteRetry(func() error {
					err := env.Bridge.Append(filePath, []byte(content))
					if errs.Is(err, errs.KindNotFound) {
						// append upgrades to create
						created = true
						return env.Bridge.WriteFile(filePath, []byte(content))
					}
					return err
				})
				if err != nil {
					return nil, err
				}
				invalidateFile(env, filePath)
				verb := "Appended to"
				if created {
					verb = "Created"
				}
				return &Result{
					Message: fmt.Sprintf("%s %s (%d bytes added)", verb, filePath, len(content)),
					Details: map[string]any{"path": filePath, "created": created},
				}, nil
			},
		},
		{
			Name:              "delete_file",
			Description:       "Delete a single file.",
			RequiresProject:   true,
			CreatesCheckpoint: true,
			Params: map[string]ParamSpec{
				"path": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				filePath := stringParam(params, "path")
				if err := withWriteRetry(func() error {
					return env.Bridge.Remove(filePath, false)
				}); err != nil {
					return nil, err
				}
				invalidateFile(env, filePath)
				return &Result{Message: "Deleted " + filePath, Details: map[string]any{"path": filePath}}, nil
			},
		},
		{
			Name:              "rename_file",
			Description:       "Rename or move a file.",
			RequiresProject:   true,
			CreatesCheckpoint: true,
			Params: map[string]ParamSpec{
				"old_path": {Type: "string", Required: true},
				"new_path": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				oldPath := stringParam(params, "old_path")
				newPath := stringParam(params, "new_path")
				if err := withWriteRetry(func() error {
					return env.Bridge.Rename(oldPath, newPath)
				}); err != nil {
					return nil, err
				}
				if env.Models != nil {
					_ = env.Models.RenameModel(oldPath, newPath)
				}
				if env.Caches != nil {
					env.Caches.InvalidateFile(oldPath)
					env.Caches.InvalidateFile(newPath)
				}
				return &Result{
					Message: fmt.Sprintf("Renamed %s to %s", oldPath, newPath),
					Details: map[string]any{"old_path": oldPath, "new_path": newPath},
				}, nil
			},
		},
		{
			Name:            "get_file_info",
			Description:     "Stat a file or directory.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"path": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				filePath := stringParam(params, "path")
				info, err := env.Bridge.Stat(filePath)
				if err != nil {
					return nil, err
				}
				return &Result{
					Message: fmt.Sprintf("%s: %d bytes", filePath, info.Size),
					Details: map[string]any{
						"path":     filePath,
						"name":     info.Name,
						"is_dir":   info.IsDir,
						"size":     info.Size,
						"mod_time": info.ModTime.UnixMilli(),
					},
				}, nil
			},
		},
		{
			Name:            "create_folder",
			Description:     "Create a directory (parents included).",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"path": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				dirPath := stringParam(params, "path")
				if err := withWriteRetry(func() error {
					return env.Bridge.Mkdir(dirPath)
				}); err != nil {
					return nil, err
				}
				return &Result{Message: "Created folder " + dirPath, Details: map[string]any{"path": dirPath}}, nil
			},
		},
		{
			Name:              "delete_folder",
			Description:       "Delete a directory and everything under it.",
			RequiresProject:   true,
			CreatesCheckpoint: true,
			Params: map[string]ParamSpec{
				"path": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				dirPath := stringParam(params, "path")
				if err := withWriteRetry(func() error {
					return env.Bridge.Remove(dirPath, true)
				}); err != nil {
					return nil, err
				}
				if env.Caches != nil {
					env.Caches.Clear()
				}
				return &Result{Message: "Deleted folder " + dirPath, Details: map[string]any{"path": dirPath}}, nil
			},
		},
		{
			Name:              "rename_folder",
			Description:       "Rename or move a directory.",
			RequiresProject:   true,
			CreatesCheckpoint: true,
			Params: map[string]ParamSpec{
				"old_path": {Type: "string", Required: true},
				"new_path": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				oldPath := stringParam(params, "old_path")
				newPath := stringParam(params, "new_path")
				if err := withWriteRetry(func() error {
					return env.Bridge.Rename(oldPath, newPath)
				}); err != nil {
					return nil, err
				}
				if env.Caches != nil {
					env.Caches.Clear()
				}
				return &Result{
					Message: fmt.Sprintf("Renamed folder %s to %s", oldPath, newPath),
					Details: map[string]any{"old_path": oldPath, "new_path": newPath},
				}, nil
			},
		},
	}
}

// renderTree formats a sorted file list as an indented tree.
func renderTree(files []string) string {
	var b strings.Builder
	seen := map[string]bool{}
	for _, file := range files {
		dir := path.Dir(file)
		prefix := ""
		if dir != "." {
			parts := strings.Split(dir, "/")
			for i := range parts {
				sub := strings.Join(parts[:i+1], "/")
				if !seen[sub] {
					seen[sub] = true
					b.WriteString(strings.Repeat("  ", i) + parts[i] + "/\n")
				}
			}
			prefix = strings.Repeat("  ", len(parts))
		}
		b.WriteString(prefix + path.Base(file) + "\n")
	}
	return b.String()
}
