package workers

import (
	"context"
	"testing"
	"time"

	"kodex/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(logging.Nop(), Options{Workers: 2, Timeout: 5 * time.Second})
	t.Cleanup(p.Close)
	return p
}

const sampleJS = `import { readFile } from 'fs';

export function greet(name) {
  if (!name) {
    return 'hello';
  }
  return 'hello ' + name;
}

export class Greeter {
  constructor() {}
}
`

func TestExecute_ParseFile(t *testing.T) {
	p := newTestPool(t)

	out, err := p.Execute(context.Background(), ActionParseFile, map[string]any{
		"path": "src/greet.js", "content": sampleJS,
	})
	require.NoError(t, err)

	result := out.(ParseResult)
	assert.Equal(t, "javascript", result.Language)

	names := map[string]string{}
	for _, sym := range result.Symbols {
		names[sym.Name] = sym.Kind
	}
	assert.Equal(t, "function", names["greet"])
	assert.Equal(t, "class", names["Greeter"])
}

func TestExecute_CalculateMetrics(t *testing.T) {
	p := newTestPool(t)

	content := "// header\n\ncode line\nif (x) { y(); }\n"
	out, err := p.Execute(context.Background(), ActionCalculateMetrics, map[string]any{
		"path": "a.js", "content": content,
	})
	require.NoError(t, err)

	m := out.(MetricsResult)
	assert.Equal(t, 1, m.CommentLines)
	assert.Equal(t, 2, m.BlankLines)
	assert.Equal(t, 2, m.CodeLines)
	assert.Greater(t, m.Complexity, 1)
}

func TestExecute_UnknownAction(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Execute(context.Background(), Action("explode"), nil)
	require.Error(t, err)
}

func TestIndexAndQuery(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	_, err := p.Execute(ctx, ActionIndexProject, map[string]any{
		"files": []map[string]any{
			{"path": "src/a.js", "content": "function alpha() {}\nconst beta = 1;"},
			{"path": "src/b.js", "content": "function gamma() { return alpha(); }"},
		},
	})
	require.NoError(t, err)

	out, err := p.Execute(ctx, ActionQueryIndex, map[string]any{"query": "alpha"})
	require.NoError(t, err)
	matches := out.([]QueryMatch)
	require.NotEmpty(t, matches)
	assert.Equal(t, "alpha", matches[0].Symbol)
	assert.Equal(t, "src/a.js", matches[0].Path)

	out, err = p.Execute(ctx, ActionSearchFiles, map[string]any{"query": "gamma"})
	require.NoError(t, err)
	hits := out.([]SearchMatch)
	require.Len(t, hits, 1)
	assert.Equal(t, "src/b.js", hits[0].Path)
}

func TestIncrementalUpdate(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	_, err := p.Execute(ctx, ActionIndexProject, map[string]any{
		"files": []map[string]any{{"path": "a.js", "content": "function one() {}"}},
	})
	require.NoError(t, err)

	_, err = p.Execute(ctx, ActionIncrementalUpdate, map[string]any{
		"add":    []map[string]any{{"path": "b.js", "content": "function two() {}"}},
		"remove": []string{"a.js"},
	})
	require.NoError(t, err)

	out, err := p.Execute(ctx, ActionQueryIndex, map[string]any{"query": "one"})
	require.NoError(t, err)
	assert.Empty(t, out.([]QueryMatch), "removed file must leave the index")

	out, err = p.Execute(ctx, ActionQueryIndex, map[string]any{"query": "two"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.([]QueryMatch))
}

func TestResolveSymbols(t *testing.T) {
	p := newTestPool(t)

	out, err := p.Execute(context.Background(), ActionResolveSymbols, map[string]any{
		"path": "src/greet.js", "content": sampleJS,
	})
	require.NoError(t, err)

	res := out.(SymbolResolution)
	assert.NotEmpty(t, res.Imports)
	assert.NotEmpty(t, res.Exports)
	require.NotEmpty(t, res.Scopes)
	assert.Contains(t, res.References, "greet")
}

func TestExecuteBatch_PreservesRequestOrder(t *testing.T) {
	p := newTestPool(t)

	reqs := []Request{
		{ID: "r1", Action: ActionCalculateMetrics, Data: map[string]any{"path": "a", "content": "x"}},
		{ID: "r2", Action: Action("bogus")},
		{ID: "r3", Action: ActionCalculateMetrics, Data: map[string]any{"path": "c", "content": "y"}},
	}
	resps, err := p.ExecuteBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, resps, 3)
	assert.True(t, resps[0].Success)
	assert.False(t, resps[1].Success)
	assert.True(t, resps[2].Success)
	assert.Equal(t, "r1", resps[0].ID)
	assert.Equal(t, "r3", resps[2].ID)
}

func TestExecute_InlineFallbackAfterClose(t *testing.T) {
	p := NewPool(logging.Nop(), Options{Workers: 1})
	p.Close()

	out, err := p.Execute(context.Background(), ActionCalculateMetrics, map[string]any{
		"path": "a.js", "content": "one\ntwo",
	})
	require.NoError(t, err, "closed pool must fall back to inline execution")
	assert.Equal(t, 2, out.(MetricsResult).TotalLines)
}

func TestExecute_Cancellation(t *testing.T) {
	p := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a cancelled context may race the fast inline path; accept either
	// a cancelled error or a successful inline result
	_, err := p.Execute(ctx, ActionCalculateMetrics, map[string]any{"path": "a", "content": "x"})
	if err != nil {
		assert.Contains(t, err.Error(), "context canceled")
	}
}
