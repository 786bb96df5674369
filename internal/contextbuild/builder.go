// Package contextbuild derives what editor context to attach to a
// prompt from the active file and the query's shape, and renders the
// chosen range as a formatted block with line numbers, cursor and
// selection markers, diagnostics and a structure outline.
package contextbuild

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"kodex/internal/editor"
)

// Mode 上下文建议的类型
// Mode names the context suggestion strategy.
type Mode string

const (
	// ModeNone 查询显式指定了文件，不附加隐式上下文
	// ModeNone means the query names a file explicitly; attach nothing.
	ModeNone Mode = "none"
	// ModeErrorDebug includes diagnostics plus the cursor area.
	ModeErrorDebug Mode = "error_debug"
	// ModeLineMention includes ±10 lines around a mentioned line.
	ModeLineMention Mode = "line_mention"
	// ModeSelection includes the selected range plus padding.
	ModeSelection Mode = "selection"
	// ModeSmart 小文件全文，大文件光标区域加结构大纲
	// ModeSmart is the default: full file when small, cursor area plus
	// a structure outline when large.
	ModeSmart Mode = "smart"
)

const (
	lineMentionPadding = 10
	selectionPadding   = 3
	cursorAreaLines    = 20
	smallFileLines     = 120
)

// Snapshot is the editor state the builder works from.
type Snapshot struct {
	Path       string
	Name       string
	Language   string
	TotalLines int
	Content    string
	Cursor     editor.Position
	Selection  editor.Selection
	Markers    []editor.Marker
}

// SnapshotFrom captures the named open file; the active file when path
// is empty.
func SnapshotFrom(view editor.View, path string) (Snapshot, bool) {
	if path == "" {
		path = view.ActivePath()
	}
	content, ok := view.GetText(path)
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{
		Path:       path,
		Name:       baseName(path),
		Language:   languageForPath(path),
		TotalLines: strings.Count(content, "\n") + 1,
		Content:    content,
		Markers:    view.Markers(path),
	}
	if cur, ok := view.Cursor(path); ok {
		snap.Cursor = cur
	}
	if sel, ok := view.GetSelection(path); ok {
		snap.Selection = sel
	}
	return snap, true
}

// Suggestion 建议附加的上下文范围（1-based 行号，含端点）
// Suggestion is the chosen context range, 1-based inclusive lines.
type Suggestion struct {
	Mode           Mode
	StartLine      int
	EndLine        int
	IncludeErrors  bool
	IncludeOutline bool
	Reason         string
}

type Builder struct {
	tok *Tokenizer
	// maxTokens bounds the rendered block; ranges shrink to fit.
	maxTokens int
}

func NewBuilder(tok *Tokenizer, maxTokens int) *Builder {
	if tok == nil {
		tok = DefaultTokenizer()
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &Builder{tok: tok, maxTokens: maxTokens}
}

var (
	fileRefPattern = regexp.MustCompile(`\b[\w./-]+\.(js|jsx|ts|tsx|css|html|json|md|go|py)\b`)
	linePattern    = regexp.MustCompile(`\bline[s]?\s+(\d+)\b`)
)

var errorKeywords = []string{"error", "exception", "crash", "debug", "broken", "fails", "failing", "stack trace", "报错"}

var selectionKeywords = []string{"selected", "selection", "highlighted", "this code", "this part", "这段"}

// Suggest 依据查询的形态决定附加哪段上下文
// Suggest decides what context range the query calls for.
func (b *Builder) Suggest(query string, snap Snapshot) Suggestion {
	lower := strings.ToLower(query)

	if fileRefPattern.MatchString(query) {
		return Suggestion{Mode: ModeNone, Reason: "explicit file reference"}
	}

	if containsAny(lower, errorKeywords...) {
		start, end := clampRange(snap.Cursor.Line-lineMentionPadding, snap.Cursor.Line+lineMentionPadding, snap.TotalLines)
		return Suggestion{
			Mode: ModeErrorDebug, StartLine: start, EndLine: end,
			IncludeErrors: true, Reason: "error/debug intent",
		}
	}

	if m := linePattern.FindStringSubmatch(lower); m != nil {
		line, _ := strconv.Atoi(m[1])
		start, end := clampRange(line-lineMentionPadding, line+lineMentionPadding, snap.TotalLines)
		return Suggestion{
			Mode: ModeLineMention, StartLine: start, EndLine: end,
			Reason: "line " + m[1] + " mentioned",
		}
	}

	if hasSelection(snap.Selection) && containsAny(lower, selectionKeywords...) {
		start, end := clampRange(snap.Selection.Start.Line-selectionPadding, snap.Selection.End.Line+selectionPadding, snap.TotalLines)
		return Suggestion{
			Mode: ModeSelection, StartLine: start, EndLine: end,
			Reason: "selection referenced",
		}
	}

	if snap.TotalLines <= smallFileLines {
		return Suggestion{
			Mode: ModeSmart, StartLine: 1, EndLine: snap.TotalLines,
			Reason: "small file, full content",
		}
	}
	start, end := clampRange(snap.Cursor.Line-cursorAreaLines/2, snap.Cursor.Line+cursorAreaLines/2, snap.TotalLines)
	return Suggestion{
		Mode: ModeSmart, StartLine: start, EndLine: end,
		IncludeOutline: true, Reason: "large file, cursor area plus outline",
	}
}

// Build 渲染上下文块：行号、光标/选区标记、诊断、结构大纲
// Build renders the context block: numbered lines, cursor and selection
// markers, diagnostics and the structure outline.
func (b *Builder) Build(query string, snap Snapshot) string {
	suggestion := b.Suggest(query, snap)
	if suggestion.Mode == ModeNone {
		return ""
	}

	lines := strings.Split(snap.Content, "\n")
	start, end := suggestion.StartLine, suggestion.EndLine
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}

	// 超出 token 预算时向光标收缩范围
	// Shrink the range toward the cursor until it fits the budget.
	for end > start && b.tok.CountText(strings.Join(lines[start-1:end], "\n")) > b.maxTokens {
		if snap.Cursor.Line-start > end-snap.Cursor.Line {
			start++
		} else {
			end--
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s (%s, %d lines)\n", snap.Path, snap.Language, snap.TotalLines)
	if start > 1 || end < len(lines) {
		fmt.Fprintf(&sb, "Showing lines %d-%d\n", start, end)
	}
	sb.WriteString("```\n")
	for i := start; i <= end; i++ {
		marker := " "
		if withinSelection(snap.Selection, i) {
			marker = ">"
		}
		fmt.Fprintf(&sb, "%s%4d | %s", marker, i, lines[i-1])
		if i == snap.Cursor.Line {
			sb.WriteString("    <-- cursor")
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("```\n")

	if suggestion.IncludeErrors && len(snap.Markers) > 0 {
		sb.WriteString("Diagnostics:\n")
		for _, m := range snap.Markers {
			fmt.Fprintf(&sb, "- line %d [%s]: %s\n", m.Line, m.Severity, m.Message)
		}
	}
	if suggestion.IncludeOutline {
		if outline := Outline(snap.Content); len(outline) > 0 {
			sb.WriteString("File structure:\n")
			for _, entry := range outline {
				sb.WriteString("- " + entry + "\n")
			}
		}
	}
	return sb.String()
}

var declPattern = regexp.MustCompile(`^\s{0,2}(export\s+)?(default\s+)?(async\s+)?(function|class|interface|enum|const|let|var|type|def|func)\s+([A-Za-z_$][\w$]*)`)

// Outline 提取顶层声明作为结构大纲
// Outline lists top-level declarations as "line N: <decl>".
func Outline(content string) []string {
	var out []string
	for i, line := range strings.Split(content, "\n") {
		if declPattern.MatchString(line) {
			out = append(out, fmt.Sprintf("line %d: %s", i+1, strings.TrimSpace(line)))
		}
	}
	return out
}

func clampRange(start, end, total int) (int, int) {
	if start < 1 {
		start = 1
	}
	if total > 0 && end > total {
		end = total
	}
	if end < start {
		end = start
	}
	return start, end
}

func hasSelection(sel editor.Selection) bool {
	if sel.Start.Line == 0 {
		return false
	}
	return sel.Start != sel.End
}

func withinSelection(sel editor.Selection, line int) bool {
	if !hasSelection(sel) {
		return false
	}
	return line >= sel.Start.Line && line <= sel.End.Line
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func languageForPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".js"), strings.HasSuffix(path, ".jsx"):
		return "javascript"
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".tsx"):
		return "typescript"
	case strings.HasSuffix(path, ".css"):
		return "css"
	case strings.HasSuffix(path, ".html"):
		return "html"
	case strings.HasSuffix(path, ".json"):
		return "json"
	case strings.HasSuffix(path, ".md"):
		return "markdown"
	case strings.HasSuffix(path, ".go"):
		return "go"
	case strings.HasSuffix(path, ".py"):
		return "python"
	default:
		return "plaintext"
	}
}
