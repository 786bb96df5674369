package tools

import (
	"context"
	"testing"

	"kodex/internal/logging"
	"kodex/internal/workers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodeFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, nil)
	pool := workers.NewPool(logging.Nop(), workers.Options{Workers: 2})
	t.Cleanup(pool.Close)
	f.env.Pool = pool
	f.env.Store = f.store
	RegisterCodeTools(f.registry)
	return f
}

func (f *fixture) indexAll(t *testing.T) {
	t.Helper()
	_, err := f.registry.Dispatch(context.Background(), "index_codebase", nil)
	require.NoError(t, err)
}

func TestIndexAndSearchCodebase(t *testing.T) {
	f := newCodeFixture(t)
	f.writeFile(t, "src/auth.js", "function login(user) {\n  return token(user);\n}\n")
	f.writeFile(t, "src/cart.js", "function addToCart(item) {\n  items.push(item);\n}\n")

	result, err := f.registry.Dispatch(context.Background(), "index_codebase", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.Details["files"])

	result, err = f.registry.Dispatch(context.Background(), "search_codebase", map[string]any{"query": "login"})
	require.NoError(t, err)
	matches := result.Details["matches"].([]map[string]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "src/auth.js", matches[0]["path"])

	// Symbols are mirrored to the codeIndex store.
	var mirrored map[string]any
	ok, err := f.store.Get(context.Background(), "codeIndex", "src/auth.js", &mirrored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, mirrored["symbols"])
}

func TestSearchCodebaseCached(t *testing.T) {
	f := newCodeFixture(t)
	f.writeFile(t, "a.js", "const alpha = 1;\n")
	f.indexAll(t)

	params := map[string]any{"query": "alpha"}
	first, err := f.registry.Dispatch(context.Background(), "search_codebase", params)
	require.NoError(t, err)

	// Second dispatch must come from the search cache.
	second, err := f.registry.Dispatch(context.Background(), "search_codebase", params)
	require.NoError(t, err)
	assert.Equal(t, first.Message, second.Message)
	assert.Positive(t, f.env.Caches.Search.Stats().Hits)
}

func TestFindSymbol(t *testing.T) {
	f := newCodeFixture(t)
	f.writeFile(t, "src/auth.js", "function login(user) {}\nclass Session {}\n")
	f.indexAll(t)

	result, err := f.registry.Dispatch(context.Background(), "find_symbol", map[string]any{"query": "login"})
	require.NoError(t, err)
	matches := result.Details["matches"].([]map[string]any)
	require.NotEmpty(t, matches)
	assert.Equal(t, "login", matches[0]["symbol"])
}

func TestCodeMetrics(t *testing.T) {
	f := newCodeFixture(t)
	f.writeFile(t, "m.js", "// header\n\nfunction f(x) {\n  if (x) { return 1; }\n  return 0;\n}\n")

	result, err := f.registry.Dispatch(context.Background(), "code_metrics", map[string]any{"path": "m.js"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Details["commentLines"])
	assert.Positive(t, result.Details["complexity"])
}

func TestCodeToolsRequireProject(t *testing.T) {
	f := newCodeFixture(t)
	f.registry.ConnectProject(nil)

	_, err := f.registry.Dispatch(context.Background(), "search_codebase", map[string]any{"query": "x"})
	require.Error(t, err)
}

func TestCodeToolsWithoutPool(t *testing.T) {
	f := newFixture(t, nil)
	RegisterCodeTools(f.registry)

	_, err := f.registry.Dispatch(context.Background(), "find_symbol", map[string]any{"query": "x"})
	require.Error(t, err)
}
