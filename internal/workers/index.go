package workers

import (
	"sort"
	"strings"
	"sync"

	"kodex/internal/errs"
)

// IndexedFile is the request shape for index_project entries.
type IndexedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type indexEntry struct {
	content string
	lower   string
	symbols []Symbol
}

// IndexSummary is the index_project result.
type IndexSummary struct {
	Files   int      `json:"files"`
	Symbols int      `json:"symbols"`
	Paths   []string `json:"paths"`
	// Entries carries the per-file symbol lists so callers can mirror
	// the index to persistent storage.
	Entries []FileSymbols `json:"entries,omitempty"`
}

// FileSymbols lists the symbols parsed from one file.
type FileSymbols struct {
	Path    string   `json:"path"`
	Symbols []Symbol `json:"symbols"`
}

// SearchMatch is one search_files hit.
type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// QueryMatch is one scored queryIndex hit.
type QueryMatch struct {
	Path   string  `json:"path"`
	Symbol string  `json:"symbol,omitempty"`
	Kind   string  `json:"kind,omitempty"`
	Line   int     `json:"line,omitempty"`
	Score  float64 `json:"score"`
}

// Indexer 全文索引与符号索引；池内唯一属主，互斥访问
// Indexer holds the full-text and symbol index; the pool is its sole
// owner and access is serialized by the mutex.
type Indexer struct {
	mu    sync.RWMutex
	files map[string]*indexEntry
}

func NewIndexer() *Indexer {
	return &Indexer{files: make(map[string]*indexEntry)}
}

func (ix *Indexer) addLocked(f IndexedFile) int {
	parsed, err := parseFile(map[string]any{"path": f.Path, "content": f.Content})
	var symbols []Symbol
	if err == nil {
		symbols = parsed.(ParseResult).Symbols
	}
	ix.files[f.Path] = &indexEntry{
		content: f.Content,
		lower:   strings.ToLower(f.Content),
		symbols: symbols,
	}
	return len(symbols)
}

// IndexProject replaces the index with symbol-level entries for every
// given file.
func (ix *Indexer) IndexProject(data any) (any, error) {
	var in struct {
		Files []IndexedFile `json:"files"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.files = make(map[string]*indexEntry, len(in.Files))
	total := 0
	for _, f := range in.Files {
		if f.Path == "" {
			continue
		}
		total += ix.addLocked(f)
	}
	paths := make([]string, 0, len(ix.files))
	for path := range ix.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	entries := make([]FileSymbols, 0, len(paths))
	for _, path := range paths {
		entries = append(entries, FileSymbols{Path: path, Symbols: ix.files[path].symbols})
	}
	return IndexSummary{Files: len(ix.files), Symbols: total, Paths: paths, Entries: entries}, nil
}

// IncrementalUpdate applies add/update/remove entries to the index.
func (ix *Indexer) IncrementalUpdate(data any) (any, error) {
	var in struct {
		Add    []IndexedFile `json:"add"`
		Update []IndexedFile `json:"update"`
		Remove []string      `json:"remove"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, f := range append(in.Add, in.Update...) {
		if f.Path != "" {
			ix.addLocked(f)
		}
	}
	for _, path := range in.Remove {
		delete(ix.files, path)
	}
	return IndexSummary{Files: len(ix.files)}, nil
}

// SearchFiles returns line-level matches for a substring query.
func (ix *Indexer) SearchFiles(data any) (any, error) {
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(in.Query))
	if query == "" {
		return nil, errs.E(errs.KindInvalidArgument, "search_files requires query")
	}
	if in.Limit <= 0 {
		in.Limit = 100
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	paths := make([]string, 0, len(ix.files))
	for path := range ix.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var matches []SearchMatch
	for _, path := range paths {
		entry := ix.files[path]
		if !strings.Contains(entry.lower, query) {
			continue
		}
		for i, line := range strings.Split(entry.content, "\n") {
			if strings.Contains(strings.ToLower(line), query) {
				matches = append(matches, SearchMatch{Path: path, Line: i + 1, Text: strings.TrimSpace(line)})
				if len(matches) >= in.Limit {
					return matches, nil
				}
			}
		}
	}
	return matches, nil
}

// QueryIndex returns scored matches: exact symbol hits first, then
// symbol prefixes, then path matches.
func (ix *Indexer) QueryIndex(data any) (any, error) {
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(in.Query))
	if query == "" {
		return nil, errs.E(errs.KindInvalidArgument, "queryIndex requires query")
	}
	if in.Limit <= 0 {
		in.Limit = 20
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var matches []QueryMatch
	for path, entry := range ix.files {
		for _, sym := range entry.symbols {
			lower := strings.ToLower(sym.Name)
			var score float64
			switch {
			case lower == query:
				score = 10
			case strings.HasPrefix(lower, query):
				score = 5
			case strings.Contains(lower, query):
				score = 2
			default:
				continue
			}
			matches = append(matches, QueryMatch{Path: path, Symbol: sym.Name, Kind: sym.Kind, Line: sym.Line, Score: score})
		}
		if strings.Contains(strings.ToLower(path), query) {
			matches = append(matches, QueryMatch{Path: path, Score: 1})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Path < matches[j].Path
	})
	if len(matches) > in.Limit {
		matches = matches[:in.Limit]
	}
	return matches, nil
}
