package workers

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"

	"kodex/internal/errs"
)

// decode round-trips loosely typed request data into a typed payload.
func decode(data any, dest any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "encode worker payload", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "decode worker payload", err)
	}
	return nil
}

// Symbol is one declaration found in a file.
type Symbol struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // function | class | type | const | var | import | export
	Line int    `json:"line"`
}

// ParseResult is the outline produced by parse_file.
type ParseResult struct {
	Path     string   `json:"path"`
	Language string   `json:"language"`
	Lines    int      `json:"lines"`
	Symbols  []Symbol `json:"symbols"`
}

var declPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"function", regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][\w$]*)`)},
	{"function", regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s+)?([A-Za-z_]\w*)`)},
	{"function", regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?\(`)},
	{"function", regexp.MustCompile(`^\s*def\s+([A-Za-z_]\w*)`)},
	{"class", regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`)},
	{"type", regexp.MustCompile(`^\s*(?:export\s+)?(?:type|interface|enum)\s+([A-Za-z_$][\w$]*)`)},
	{"const", regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*[=:]`)},
	{"var", regexp.MustCompile(`^\s*(?:export\s+)?(?:let|var)\s+([A-Za-z_$][\w$]*)`)},
}

var importPattern = regexp.MustCompile(`^\s*import\b|^\s*from\s+\S+\s+import\b`)
var exportPattern = regexp.MustCompile(`^\s*export\b`)

func languageFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".py":
		return "python"
	case ".json":
		return "json"
	case ".md":
		return "markdown"
	case ".css":
		return "css"
	case ".html":
		return "html"
	default:
		return "plaintext"
	}
}

func parseFile(data any) (any, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		return nil, errs.E(errs.KindInvalidArgument, "parse_file requires path")
	}

	lines := strings.Split(in.Content, "\n")
	result := ParseResult{
		Path:     in.Path,
		Language: languageFromPath(in.Path),
		Lines:    len(lines),
	}
	for i, line := range lines {
		for _, p := range declPatterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			result.Symbols = append(result.Symbols, Symbol{Name: m[1], Kind: p.kind, Line: i + 1})
			break
		}
	}
	return result, nil
}

// MetricsResult summarizes code size and rough complexity.
type MetricsResult struct {
	Path         string `json:"path"`
	TotalLines   int    `json:"totalLines"`
	CodeLines    int    `json:"codeLines"`
	CommentLines int    `json:"commentLines"`
	BlankLines   int    `json:"blankLines"`
	Complexity   int    `json:"complexity"`
}

var branchKeywords = regexp.MustCompile(`\b(if|else|for|while|case|switch|catch|&&|\|\|)\b`)

func calculateMetrics(data any) (any, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}

	result := MetricsResult{Path: in.Path, Complexity: 1}
	for _, line := range strings.Split(in.Content, "\n") {
		result.TotalLines++
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			result.BlankLines++
		case strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "/*"):
			result.CommentLines++
		default:
			result.CodeLines++
			result.Complexity += len(branchKeywords.FindAllString(trimmed, -1))
		}
	}
	return result, nil
}

// SymbolScope is one lexical scope found by resolve_symbols.
type SymbolScope struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// SymbolResolution reports scopes, imports/exports, and references.
type SymbolResolution struct {
	Path       string           `json:"path"`
	Scopes     []SymbolScope    `json:"scopes"`
	Imports    []string         `json:"imports"`
	Exports    []string         `json:"exports"`
	References map[string][]int `json:"references"`
}

var identPattern = regexp.MustCompile(`[A-Za-z_$][\w$]*`)

func resolveSymbols(data any) (any, error) {
	parsed, err := parseFile(data)
	if err != nil {
		return nil, err
	}
	outline := parsed.(ParseResult)

	var in struct {
		Content string `json:"content"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	lines := strings.Split(in.Content, "\n")

	res := SymbolResolution{Path: outline.Path, References: make(map[string][]int)}
	declared := make(map[string]bool, len(outline.Symbols))

	for i, sym := range outline.Symbols {
		end := len(lines)
		if i+1 < len(outline.Symbols) {
			end = outline.Symbols[i+1].Line - 1
		}
		res.Scopes = append(res.Scopes, SymbolScope{
			Name: sym.Name, Kind: sym.Kind, StartLine: sym.Line, EndLine: end,
		})
		declared[sym.Name] = true
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if importPattern.MatchString(trimmed) {
			res.Imports = append(res.Imports, trimmed)
			continue
		}
		if exportPattern.MatchString(trimmed) {
			res.Exports = append(res.Exports, trimmed)
		}
		for _, ident := range identPattern.FindAllString(line, -1) {
			if declared[ident] {
				res.References[ident] = append(res.References[ident], i+1)
			}
		}
	}
	return res, nil
}
