// Package checkpoint snapshots editor state before mutating tool calls
// and restores it as a single operation.
package checkpoint

import (
	"context"
	"time"

	"kodex/internal/editor"
	"kodex/internal/errs"
	"kodex/internal/fsbridge"
	"kodex/internal/store"

	"github.com/rs/zerolog"
)

const storeName = "checkpoints"

// ViewState captures cursor and selection for one open file.
type ViewState struct {
	Cursor    editor.Position  `json:"cursor"`
	Selection editor.Selection `json:"selection"`
}

// OpenFile is one file in a checkpoint.
type OpenFile struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	ViewState ViewState `json:"viewState"`
}

// EditorState is the restorable payload of a checkpoint.
type EditorState struct {
	OpenFiles  []OpenFile `json:"openFiles"`
	ActiveFile string     `json:"activeFile"`
}

// Checkpoint 检查点记录；id 由 checkpoints store 自增分配
// Checkpoint is the stored record; the id is autoincrement-assigned.
type Checkpoint struct {
	ID          int64       `json:"id,omitempty"`
	Name        string      `json:"name"`
	Timestamp   int64       `json:"timestamp"`
	EditorState EditorState `json:"editorState"`
}

type Manager struct {
	store  store.Store
	view   editor.View
	models *editor.ModelManager
	bridge fsbridge.Bridge
	log    zerolog.Logger
}

func NewManager(s store.Store, view editor.View, models *editor.ModelManager, bridge fsbridge.Bridge, log zerolog.Logger) *Manager {
	return &Manager{store: s, view: view, models: models, bridge: bridge, log: log}
}

// Snapshot captures every open file with its view state and persists
// the checkpoint, returning its store key.
func (m *Manager) Snapshot(ctx context.Context, name string) (string, error) {
	state := EditorState{ActiveFile: m.view.ActivePath()}
	for _, path := range m.view.OpenPaths() {
		content, ok := m.view.GetText(path)
		if !ok {
			continue
		}
		file := OpenFile{Path: path, Content: content}
		if pos, ok := m.view.Cursor(path); ok {
			file.ViewState.Cursor = pos
		}
		if sel, ok := m.view.GetSelection(path); ok {
			file.ViewState.Selection = sel
		}
		state.OpenFiles = append(state.OpenFiles, file)
	}

	cp := Checkpoint{Name: name, Timestamp: time.Now().UnixMilli(), EditorState: state}
	key, err := m.store.Put(ctx, storeName, cp)
	if err != nil {
		return "", err
	}
	m.log.Debug().Str("checkpoint", key).Str("name", name).
		Int("files", len(state.OpenFiles)).Msg("checkpoint created")
	return key, nil
}

// Restore 恢复检查点：重置模型管理器，回写所有打开文件，重建视图状态
// Restore resets the model manager, writes every checkpointed file
// back, and rebuilds the view state.
func (m *Manager) Restore(ctx context.Context, id string) error {
	cp, ok, err := store.GetAs[Checkpoint](ctx, m.store, storeName, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.E(errs.KindNotFound, "checkpoint "+id+" not found")
	}

	m.models.Reset()
	for _, file := range cp.EditorState.OpenFiles {
		if m.bridge != nil {
			if err := m.bridge.WriteFile(file.Path, []byte(file.Content)); err != nil {
				return errs.Wrap(errs.KindOf(err), "restore "+file.Path, err)
			}
		}
		if _, err := m.models.GetModel(file.Path, file.Content, ""); err != nil {
			return err
		}
		_ = m.view.SetCursor(file.Path, file.ViewState.Cursor)
		_ = m.view.SetSelection(file.Path, file.ViewState.Selection)
	}
	if cp.EditorState.ActiveFile != "" {
		_ = m.view.SetActive(cp.EditorState.ActiveFile)
	}
	m.log.Info().Str("checkpoint", id).Int("files", len(cp.EditorState.OpenFiles)).
		Msg("checkpoint restored")
	return nil
}

// Get returns a stored checkpoint without applying it.
func (m *Manager) Get(ctx context.Context, id string) (Checkpoint, bool, error) {
	return store.GetAs[Checkpoint](ctx, m.store, storeName, id)
}
