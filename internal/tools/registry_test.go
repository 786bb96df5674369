package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kodex/internal/checkpoint"
	"kodex/internal/editor"
	"kodex/internal/errs"
	"kodex/internal/fsbridge"
	"kodex/internal/logging"
	"kodex/internal/opcache"
	"kodex/internal/store"
	"kodex/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	registry *Registry
	env      *Env
	store    store.Store
	root     string
}

func newFixture(t *testing.T, grantFn func() bool) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	root := t.TempDir()
	bridge, err := fsbridge.NewOSBridge(root, grantFn)
	require.NoError(t, err)

	view := editor.NewMemView()
	models := editor.NewModelManager(view, logging.Nop(), editor.ManagerOptions{})
	cp := checkpoint.NewManager(s, view, models, nil, logging.Nop())

	tasks := task.NewManager(s, logging.Nop())
	require.NoError(t, tasks.Load(context.Background()))

	env := &Env{
		Bridge:     bridge,
		Models:     models,
		Caches:     opcache.NewSet(),
		Tasks:      tasks,
		ReadBudget: 1024,
	}
	r := NewRegistry(s, cp, env, logging.Nop())
	RegisterFileTools(r)
	RegisterTaskTools(r)
	return &fixture{registry: r, env: env, store: s, root: root}
}

func (f *fixture) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestDispatch_ValidationTable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		tool   string
		params map[string]any
	}{
		{"missing required", "read_file", map[string]any{}},
		{"wrong type", "read_file", map[string]any{"path": 42}},
		{"unknown parameter", "read_file", map[string]any{"path": "a", "bogus": true}},
		{"bad enum", "task_update", map[string]any{"id": "x", "status": "exploded"}},
		{"array element type", "read_multiple_files", map[string]any{"paths": []any{"ok", 7}}},
		{"number type", "read_file_lines", map[string]any{"path": "a", "start_line": "one", "end_line": 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.registry.Dispatch(ctx, tc.tool, tc.params)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindInvalidArgument), "got kind %s", errs.KindOf(err))
		})
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.registry.Dispatch(context.Background(), "no_such_tool", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestDispatch_NoProject(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.ConnectProject(nil)

	_, err := f.registry.Dispatch(context.Background(), "read_file", map[string]any{"path": "a.txt"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNoProject))
}

func TestCreateAndReadFile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.registry.Dispatch(ctx, "create_file", map[string]any{"path": "src/a.txt", "content": "hello"})
	require.NoError(t, err)

	res, err := f.registry.Dispatch(ctx, "read_file", map[string]any{"path": "src/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Details["content"])

	data, err := os.ReadFile(filepath.Join(f.root, "src", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadFile_BudgetPreview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	big := strings.Repeat("x", 4096)
	f.writeFile(t, "big.txt", big)

	res, err := f.registry.Dispatch(ctx, "read_file", map[string]any{"path": "big.txt"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Details["truncated"])
	assert.Equal(t, 1024, res.Details["preview_size"])
	assert.Len(t, res.Details["content"], 1024)
	assert.True(t, f.env.Models.Stats().Models > 0, "oversized file opens in the editor")
}

func TestReadFileLines(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeFile(t, "n.txt", "one\ntwo\nthree\nfour")

	res, err := f.registry.Dispatch(ctx, "read_file_lines", map[string]any{
		"path": "n.txt", "start_line": 2, "end_line": 3,
	})
	require.NoError(t, err)
	content := res.Details["content"].(string)
	assert.Contains(t, content, "2: two")
	assert.Contains(t, content, "3: three")
	assert.NotContains(t, content, "one")
}

func TestAppendUpgradesToCreate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.registry.Dispatch(ctx, "append_to_file", map[string]any{"path": "fresh.txt", "content": "first"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Details["created"])

	res, err = f.registry.Dispatch(ctx, "append_to_file", map[string]any{"path": "fresh.txt", "content": " second"})
	require.NoError(t, err)
	assert.Equal(t, false, res.Details["created"])

	data, err := os.ReadFile(filepath.Join(f.root, "fresh.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first second", string(data))
}

func TestWritePermissionRetry(t *testing.T) {
	calls := 0
	f := newFixture(t, func() bool {
		calls++
		return calls > 1 // deny the first activation request
	})

	_, err := f.registry.Dispatch(context.Background(), "create_file", map[string]any{"path": "a.txt", "content": "x"})
	require.NoError(t, err, "dispatcher must tolerate one permission retry")
	assert.Equal(t, 2, calls)
}

func TestDeleteAndRename(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeFile(t, "old.txt", "data")

	_, err := f.registry.Dispatch(ctx, "rename_file", map[string]any{"old_path": "old.txt", "new_path": "new.txt"})
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(f.root, "new.txt"))
	require.NoError(t, statErr)

	_, err = f.registry.Dispatch(ctx, "delete_file", map[string]any{"path": "new.txt"})
	require.NoError(t, err)
	_, statErr = os.Stat(filepath.Join(f.root, "new.txt"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = f.registry.Dispatch(ctx, "delete_file", map[string]any{"path": "never.txt"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestFolderTools(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.registry.Dispatch(ctx, "create_folder", map[string]any{"path": "pkg/sub"})
	require.NoError(t, err)
	_, err = f.registry.Dispatch(ctx, "rename_folder", map[string]any{"old_path": "pkg", "new_path": "lib"})
	require.NoError(t, err)
	_, err = f.registry.Dispatch(ctx, "delete_folder", map[string]any{"path": "lib"})
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(f.root, "lib"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProjectStructureAndSearch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeFile(t, "src/a.js", "const todo = 1;\n// TODO fix\n")
	f.writeFile(t, "src/b.ts", "let x = 2;\n")
	f.writeFile(t, "README.md", "# readme\n")

	res, err := f.registry.Dispatch(ctx, "get_project_structure", map[string]any{"pattern": "src/**"})
	require.NoError(t, err)
	files := res.Details["files"].([]string)
	assert.ElementsMatch(t, []string{"src/a.js", "src/b.ts"}, files)

	res, err = f.registry.Dispatch(ctx, "search_in_file", map[string]any{"path": "src/a.js", "query": "todo"})
	require.NoError(t, err)
	matches := res.Details["matches"].([]map[string]any)
	require.Len(t, matches, 2, "case-insensitive by default")

	res, err = f.registry.Dispatch(ctx, "search_in_file", map[string]any{
		"path": "src/a.js", "query": "todo", "case_sensitive": true,
	})
	require.NoError(t, err)
	require.Len(t, res.Details["matches"], 1)
}

func TestCheckpointCreatedForMutatingTools(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.env.Models.GetModel("open.txt", "original", "plaintext")
	require.NoError(t, err)

	_, err = f.registry.Dispatch(ctx, "create_file", map[string]any{"path": "x.txt", "content": "y"})
	require.NoError(t, err)

	logs, err := f.registry.QueryLogs(ctx, time.Time{}, "create_file")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
	assert.NotEmpty(t, logs[0].CheckpointID, "mutating tools snapshot a checkpoint")
}

func TestFailedCallsAreLogged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.registry.Dispatch(ctx, "read_file", map[string]any{"path": "missing.txt"})
	require.Error(t, err)

	logs, err := f.registry.QueryLogs(ctx, time.Time{}, "read_file")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "failure", logs[0].Status)
}

func TestTaskTools(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.registry.Dispatch(ctx, "task_create", map[string]any{
		"title": "write the parser", "priority": "high",
	})
	require.NoError(t, err)
	id := res.Details["id"].(string)

	f.env.Planner = stubPlanner(`[{"title": "draft"}, {"title": "refine"}]`)
	res, err = f.registry.Dispatch(ctx, "task_breakdown", map[string]any{"id": id})
	require.NoError(t, err)
	assert.Len(t, res.Details["subtask_ids"], 2)

	_, err = f.registry.Dispatch(ctx, "task_update", map[string]any{"id": id, "status": "in_progress"})
	require.NoError(t, err)

	res, err = f.registry.Dispatch(ctx, "task_get_next", nil)
	require.NoError(t, err)
	assert.Equal(t, "draft", res.Details["title"])

	res, err = f.registry.Dispatch(ctx, "task_get_status", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Details["total"])
	assert.Equal(t, 1, res.Details["in_progress"])

	_, err = f.registry.Dispatch(ctx, "task_delete", map[string]any{"id": id})
	require.NoError(t, err)
	res, err = f.registry.Dispatch(ctx, "task_get_status", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Details["total"])
}

func TestDispatchRaw(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out := f.registry.DispatchRaw(ctx, "create_file", `{"path": "raw.txt", "content": "ok"}`)
	assert.Contains(t, out, "raw.txt")

	out = f.registry.DispatchRaw(ctx, "read_file", `{"path": "nope.txt"}`)
	assert.Contains(t, out, "not_found")

	out = f.registry.DispatchRaw(ctx, "read_file", `{bad json`)
	assert.Contains(t, out, "invalid_argument")
}

func TestDefinitionsAreStable(t *testing.T) {
	f := newFixture(t, nil)
	defs := f.registry.Definitions()
	require.NotEmpty(t, defs)
	for i := 1; i < len(defs); i++ {
		assert.Less(t, defs[i-1].Function.Name, defs[i].Function.Name)
	}
	readDef, ok := f.registry.Get("read_file")
	require.True(t, ok)
	schema := readDef.Definition()
	params := schema.Function.Parameters
	assert.Equal(t, "object", params["type"])
	assert.Contains(t, params["required"], "path")
}

// stubPlanner mirrors the task package test helper.
type stubPlanner string

func (s stubPlanner) Complete(context.Context, string) (string, error) {
	return string(s), nil
}
