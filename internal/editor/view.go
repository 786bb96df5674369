// Package editor defines the EditorView boundary consumed by the core
// and the model manager that bounds editor memory.
package editor

import (
	"sort"
	"sync"

	"kodex/internal/errs"
)

// Position is a 1-based line/column location.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is an inclusive range between two positions.
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Marker is a diagnostic attached to a model (error, warning, info).
type Marker struct {
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// View 编辑器视图接口（Monaco 风格）：模型生命周期、文本、光标、标记
// View is the Monaco-like editor surface: model lifecycle, text,
// cursor/selection and markers.
type View interface {
	CreateModel(path, content, language string) error
	DisposeModel(path string) error
	RenameModel(oldPath, newPath string) error
	HasModel(path string) bool

	GetText(path string) (string, bool)
	SetText(path, content string) error

	Cursor(path string) (Position, bool)
	SetCursor(path string, pos Position) error
	GetSelection(path string) (Selection, bool)
	SetSelection(path string, sel Selection) error

	Markers(path string) []Marker
	SetMarkers(path string, markers []Marker) error

	OpenPaths() []string
	ActivePath() string
	SetActive(path string) error
}

type memModel struct {
	content   string
	language  string
	cursor    Position
	selection Selection
	markers   []Marker
}

// MemView is the in-memory View used by the core and by tests.
type MemView struct {
	mu     sync.RWMutex
	models map[string]*memModel
	active string
}

func NewMemView() *MemView {
	return &MemView{models: make(map[string]*memModel)}
}

func (v *MemView) CreateModel(path, content, language string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.models[path]; ok {
		return errs.E(errs.KindInvalidArgument, "model already exists: "+path)
	}
	v.models[path] = &memModel{content: content, language: language}
	if v.active == "" {
		v.active = path
	}
	return nil
}

func (v *MemView) DisposeModel(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.models[path]; !ok {
		return errs.E(errs.KindNotFound, "no model for "+path)
	}
	delete(v.models, path)
	if v.active == path {
		v.active = ""
	}
	return nil
}

func (v *MemView) RenameModel(oldPath, newPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.models[oldPath]
	if !ok {
		return errs.E(errs.KindNotFound, "no model for "+oldPath)
	}
	if _, exists := v.models[newPath]; exists {
		return errs.E(errs.KindInvalidArgument, "model already exists: "+newPath)
	}
	delete(v.models, oldPath)
	v.models[newPath] = m
	if v.active == oldPath {
		v.active = newPath
	}
	return nil
}

func (v *MemView) HasModel(path string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.models[path]
	return ok
}

func (v *MemView) GetText(path string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.models[path]
	if !ok {
		return "", false
	}
	return m.content, true
}

func (v *MemView) SetText(path, content string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.models[path]
	if !ok {
		return errs.E(errs.KindNotFound, "no model for "+path)
	}
	m.content = content
	return nil
}

func (v *MemView) Cursor(path string) (Position, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.models[path]
	if !ok {
		return Position{}, false
	}
	return m.cursor, true
}

func (v *MemView) SetCursor(path string, pos Position) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.models[path]
	if !ok {
		return errs.E(errs.KindNotFound, "no model for "+path)
	}
	m.cursor = pos
	return nil
}

func (v *MemView) GetSelection(path string) (Selection, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.models[path]
	if !ok {
		return Selection{}, false
	}
	return m.selection, true
}

func (v *MemView) SetSelection(path string, sel Selection) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.models[path]
	if !ok {
		return errs.E(errs.KindNotFound, "no model for "+path)
	}
	m.selection = sel
	return nil
}

func (v *MemView) Markers(path string) []Marker {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.models[path]
	if !ok {
		return nil
	}
	return append([]Marker(nil), m.markers...)
}

func (v *MemView) SetMarkers(path string, markers []Marker) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.models[path]
	if !ok {
		return errs.E(errs.KindNotFound, "no model for "+path)
	}
	m.markers = append([]Marker(nil), markers...)
	return nil
}

func (v *MemView) OpenPaths() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	paths := make([]string, 0, len(v.models))
	for path := range v.models {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (v *MemView) ActivePath() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

func (v *MemView) SetActive(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.models[path]; !ok {
		return errs.E(errs.KindNotFound, "no model for "+path)
	}
	v.active = path
	return nil
}
