package contextbuild

import (
	"fmt"
	"strings"
	"testing"

	"kodex/internal/editor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot(lines int) Snapshot {
	var sb strings.Builder
	for i := 1; i <= lines; i++ {
		fmt.Fprintf(&sb, "const value%d = %d;\n", i, i)
	}
	content := strings.TrimRight(sb.String(), "\n")
	return Snapshot{
		Path:       "src/app.js",
		Name:       "app.js",
		Language:   "javascript",
		TotalLines: lines,
		Content:    content,
		Cursor:     editor.Position{Line: lines / 2, Column: 1},
	}
}

func newTestBuilder() *Builder {
	return NewBuilder(NewTokenizer("cl100k_base"), 4000)
}

func TestSuggestExplicitFileReference(t *testing.T) {
	b := newTestBuilder()
	s := b.Suggest("please open utils.js and check the helper", sampleSnapshot(50))
	assert.Equal(t, ModeNone, s.Mode)

	block := b.Build("please open utils.js and check the helper", sampleSnapshot(50))
	assert.Empty(t, block)
}

func TestSuggestErrorDebugIntent(t *testing.T) {
	b := newTestBuilder()
	snap := sampleSnapshot(100)
	snap.Cursor = editor.Position{Line: 50, Column: 1}
	snap.Markers = []editor.Marker{{Line: 48, Severity: "error", Message: "x is not defined"}}

	s := b.Suggest("why am I getting this error", snap)
	assert.Equal(t, ModeErrorDebug, s.Mode)
	assert.True(t, s.IncludeErrors)
	assert.Equal(t, 40, s.StartLine)
	assert.Equal(t, 60, s.EndLine)

	block := b.Build("why am I getting this error", snap)
	assert.Contains(t, block, "x is not defined")
	assert.Contains(t, block, "<-- cursor")
}

func TestSuggestLineMention(t *testing.T) {
	b := newTestBuilder()
	s := b.Suggest("what happens on line 30 here", sampleSnapshot(100))
	assert.Equal(t, ModeLineMention, s.Mode)
	assert.Equal(t, 20, s.StartLine)
	assert.Equal(t, 40, s.EndLine)
}

func TestSuggestLineMentionClampedToFile(t *testing.T) {
	b := newTestBuilder()
	s := b.Suggest("check line 3", sampleSnapshot(15))
	assert.Equal(t, 1, s.StartLine)
	assert.Equal(t, 13, s.EndLine)
}

func TestSuggestSelectionReferenced(t *testing.T) {
	b := newTestBuilder()
	snap := sampleSnapshot(100)
	snap.Selection = editor.Selection{
		Start: editor.Position{Line: 20, Column: 1},
		End:   editor.Position{Line: 25, Column: 10},
	}

	s := b.Suggest("can you simplify this selected code", snap)
	assert.Equal(t, ModeSelection, s.Mode)
	assert.Equal(t, 17, s.StartLine)
	assert.Equal(t, 28, s.EndLine)

	block := b.Build("can you simplify this selected code", snap)
	assert.Contains(t, block, ">  20 |")
}

func TestSuggestSelectionIgnoredWhenNotReferenced(t *testing.T) {
	b := newTestBuilder()
	snap := sampleSnapshot(50)
	snap.Selection = editor.Selection{
		Start: editor.Position{Line: 5, Column: 1},
		End:   editor.Position{Line: 8, Column: 1},
	}
	s := b.Suggest("tell me about the file", snap)
	assert.Equal(t, ModeSmart, s.Mode)
}

func TestSmartModeSmallFileFullContent(t *testing.T) {
	b := newTestBuilder()
	s := b.Suggest("summarize", sampleSnapshot(40))
	assert.Equal(t, ModeSmart, s.Mode)
	assert.Equal(t, 1, s.StartLine)
	assert.Equal(t, 40, s.EndLine)
	assert.False(t, s.IncludeOutline)
}

func TestSmartModeLargeFileOutline(t *testing.T) {
	b := newTestBuilder()
	snap := sampleSnapshot(500)
	snap.Cursor = editor.Position{Line: 250, Column: 1}

	s := b.Suggest("summarize", snap)
	assert.Equal(t, ModeSmart, s.Mode)
	assert.True(t, s.IncludeOutline)
	assert.Equal(t, 240, s.StartLine)
	assert.Equal(t, 260, s.EndLine)

	block := b.Build("summarize", snap)
	assert.Contains(t, block, "Showing lines 240-260")
	assert.Contains(t, block, "File structure:")
}

func TestBuildShrinksToTokenBudget(t *testing.T) {
	b := NewBuilder(NewTokenizer("cl100k_base"), 50)
	snap := sampleSnapshot(100)
	snap.Cursor = editor.Position{Line: 50, Column: 1}

	block := b.Build("summarize", snap)
	assert.NotEmpty(t, block)
	// The rendered range must not contain the whole file.
	assert.NotContains(t, block, "const value1 = 1;")
}

func TestOutlineFindsTopLevelDeclarations(t *testing.T) {
	content := strings.Join([]string{
		"import { x } from './x';",
		"",
		"export function greet(name) {",
		"  return 'hi ' + name;",
		"}",
		"",
		"class Widget {",
		"  render() {}",
		"}",
		"",
		"const MAX = 10;",
	}, "\n")

	outline := Outline(content)
	require.Len(t, outline, 3)
	assert.Contains(t, outline[0], "line 3: export function greet")
	assert.Contains(t, outline[1], "line 7: class Widget")
	assert.Contains(t, outline[2], "line 11: const MAX")
}

func TestSnapshotFrom(t *testing.T) {
	view := editor.NewMemView()
	require.NoError(t, view.CreateModel("src/app.js", "line one\nline two\nline three", "javascript"))
	require.NoError(t, view.SetActive("src/app.js"))
	require.NoError(t, view.SetCursor("src/app.js", editor.Position{Line: 2, Column: 4}))

	snap, ok := SnapshotFrom(view, "")
	require.True(t, ok)
	assert.Equal(t, "src/app.js", snap.Path)
	assert.Equal(t, "app.js", snap.Name)
	assert.Equal(t, "javascript", snap.Language)
	assert.Equal(t, 3, snap.TotalLines)
	assert.Equal(t, 2, snap.Cursor.Line)

	_, ok = SnapshotFrom(view, "missing.js")
	assert.False(t, ok)
}
