package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kodex/internal/errs"
	"kodex/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	sessionStore = "sessionState"
	blobKey      = "taskManager_data"
)

// Listener receives the ids touched by a committed change. Bulk
// operations fire exactly one notification.
type Listener func(ids []string)

// StaleConfig controls periodic reclamation of inactive tasks.
type StaleConfig struct {
	Enabled             bool
	InactivityThreshold time.Duration
	CheckInterval       time.Duration
	Action              string // complete | fail | delete
}

// Manager 任务状态的唯一写入方；所有变更先持久化再通知监听者
// Manager is the sole writer of task state. Every mutation persists
// first and notifies listeners after the write commits.
type Manager struct {
	store store.Store
	log   zerolog.Logger

	mu            sync.Mutex
	tasks         map[string]*Task
	lists         map[string]*List
	currentListID string
	focusID       string
	listeners     []Listener

	now func() time.Time
}

func NewManager(s store.Store, log zerolog.Logger) *Manager {
	return &Manager{
		store: s,
		log:   log,
		tasks: make(map[string]*Task),
		lists: make(map[string]*List),
		now:   time.Now,
	}
}

// Load restores the persisted blob. Missing fields get
// backward-compatible defaults; a missing blob starts fresh with one
// default list.
func (m *Manager) Load(ctx context.Context) error {
	state, ok, err := store.GetAs[persistedState](ctx, m.store, sessionStore, blobKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]*Task)
	m.lists = make(map[string]*List)
	if ok {
		for _, pair := range state.Tasks {
			if pair.Task == nil || pair.ID == "" {
				continue
			}
			normalizeTask(pair.Task)
			m.tasks[pair.ID] = pair.Task
		}
		for _, pair := range state.Lists {
			if pair.List == nil || pair.ID == "" {
				continue
			}
			m.lists[pair.ID] = pair.List
		}
		m.currentListID = state.CurrentListID
	}
	if m.currentListID == "" || m.lists[m.currentListID] == nil {
		m.ensureDefaultListLocked()
	}
	m.scrubDanglingLocked()
	return nil
}

func normalizeTask(t *Task) {
	if t.Status == "" || !t.Status.valid() {
		t.Status = StatusPending
	}
	if _, ok := priorityRank[t.Priority]; !ok {
		t.Priority = PriorityMedium
	}
	if t.Context == nil {
		t.Context = make(map[string]any)
	}
	if t.Results == nil {
		t.Results = make(map[string]any)
	}
}

func (m *Manager) ensureDefaultListLocked() {
	nowMS := m.now().UnixMilli()
	list := &List{ID: uuid.NewString(), Name: "Tasks", CreatedTime: nowMS, UpdatedTime: nowMS}
	m.lists[list.ID] = list
	m.currentListID = list.ID
}

// scrubDanglingLocked drops subtask and dependency references to tasks
// that no longer exist.
func (m *Manager) scrubDanglingLocked() {
	for _, t := range m.tasks {
		t.Subtasks = m.existingLocked(t.Subtasks)
		t.Dependencies = m.existingLocked(t.Dependencies)
	}
}

func (m *Manager) existingLocked(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if _, ok := m.tasks[id]; ok {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Subscribe registers a change listener.
func (m *Manager) Subscribe(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// mutate runs fn under the lock, persists the resulting state, and
// notifies listeners with the ids fn reports. Persistence failures
// abort notification.
func (m *Manager) mutate(ctx context.Context, fn func() ([]string, error)) error {
	m.mu.Lock()
	ids, err := fn()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	blob := m.snapshotLocked()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if _, err := m.store.Put(ctx, sessionStore, blob); err != nil {
		return errs.Wrap(errs.KindOf(err), "persist task state", err)
	}
	for _, fn := range listeners {
		fn(ids)
	}
	return nil
}

func (m *Manager) snapshotLocked() persistedState {
	state := persistedState{Key: blobKey, CurrentListID: m.currentListID}
	taskIDs := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		state.Tasks = append(state.Tasks, taskPair{ID: id, Task: m.tasks[id]})
	}
	listIDs := make([]string, 0, len(m.lists))
	for id := range m.lists {
		listIDs = append(listIDs, id)
	}
	sort.Strings(listIDs)
	for _, id := range listIDs {
		state.Lists = append(state.Lists, listPair{ID: id, List: m.lists[id]})
	}
	return state
}

// CreateOptions are the caller-settable fields of a new task.
type CreateOptions struct {
	Title         string
	Description   string
	Priority      Priority
	Confidence    float64
	Tags          []string
	DueDate       int64
	EstimatedTime int64
	ParentID      string
	Dependencies  []string
	Context       map[string]any
}

// Create adds a pending task to the current list, linking it under the
// optional parent and validating dependency references.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Task, error) {
	if opts.Title == "" {
		return nil, errs.E(errs.KindInvalidArgument, "task title is required")
	}
	var created *Task
	err := m.mutate(ctx, func() ([]string, error) {
		if opts.ParentID != "" {
			if _, ok := m.tasks[opts.ParentID]; !ok {
				return nil, errs.E(errs.KindNotFound, "parent task "+opts.ParentID+" not found")
			}
		}
		for _, dep := range opts.Dependencies {
			if _, ok := m.tasks[dep]; !ok {
				return nil, errs.E(errs.KindInvalidArgument, "dependency "+dep+" not found")
			}
		}

		nowMS := m.now().UnixMilli()
		t := &Task{
			ID:            uuid.NewString(),
			ListID:        m.currentListID,
			Title:         opts.Title,
			Description:   opts.Description,
			Status:        StatusPending,
			Priority:      opts.Priority,
			Confidence:    opts.Confidence,
			Tags:          append([]string(nil), opts.Tags...),
			DueDate:       opts.DueDate,
			EstimatedTime: opts.EstimatedTime,
			CreatedTime:   nowMS,
			UpdatedTime:   nowMS,
			ParentID:      opts.ParentID,
			Dependencies:  append([]string(nil), opts.Dependencies...),
			Context:       opts.Context,
		}
		normalizeTask(t)
		m.tasks[t.ID] = t
		if opts.ParentID != "" {
			parent := m.tasks[opts.ParentID]
			parent.Subtasks = append(parent.Subtasks, t.ID)
			parent.UpdatedTime = nowMS
		}
		created = t
		return []string{t.ID}, nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Debug().Str("task", created.ID).Str("title", created.Title).Msg("task created")
	return created.clone(), nil
}

// Updates carries optional field changes; nil pointers leave the field
// untouched.
type Updates struct {
	Title         *string
	Description   *string
	Status        *Status
	Priority      *Priority
	Confidence    *float64
	Tags          *[]string
	DueDate       *int64
	EstimatedTime *int64
	ActualTime    *int64
	Context       map[string]any
	Results       map[string]any
}

// Update applies field changes and drives the status machine:
// pending→in_progress sets startTime and takes focus when free;
// terminal statuses set completedTime and release focus. Terminal→
// pending is rejected here; Reset is the explicit recovery path.
func (m *Manager) Update(ctx context.Context, id string, up Updates) (*Task, error) {
	var updated *Task
	err := m.mutate(ctx, func() ([]string, error) {
		t, ok := m.tasks[id]
		if !ok {
			return nil, errs.E(errs.KindNotFound, "task "+id+" not found")
		}
		if up.Status != nil {
			if err := m.applyStatusLocked(t, *up.Status); err != nil {
				return nil, err
			}
		}
		if up.Title != nil {
			t.Title = *up.Title
		}
		if up.Description != nil {
			t.Description = *up.Description
		}
		if up.Priority != nil {
			if _, ok := priorityRank[*up.Priority]; !ok {
				return nil, errs.E(errs.KindInvalidArgument, "invalid priority "+string(*up.Priority))
			}
			t.Priority = *up.Priority
		}
		if up.Confidence != nil {
			t.Confidence = *up.Confidence
		}
		if up.Tags != nil {
			t.Tags = append([]string(nil), (*up.Tags)...)
		}
		if up.DueDate != nil {
			t.DueDate = *up.DueDate
		}
		if up.EstimatedTime != nil {
			t.EstimatedTime = *up.EstimatedTime
		}
		if up.ActualTime != nil {
			t.ActualTime = *up.ActualTime
		}
		for k, v := range up.Context {
			t.Context[k] = v
		}
		for k, v := range up.Results {
			t.Results[k] = v
		}
		t.UpdatedTime = m.now().UnixMilli()
		updated = t
		return []string{id}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated.clone(), nil
}

func (m *Manager) applyStatusLocked(t *Task, next Status) error {
	if !next.valid() {
		return errs.E(errs.KindInvalidArgument, "invalid status "+string(next))
	}
	if t.Status == next {
		return nil
	}
	if t.Status.Terminal() && !next.Terminal() {
		return errs.E(errs.KindInvalidArgument,
			fmt.Sprintf("task %s is %s; use reset to reopen", t.ID, t.Status))
	}
	nowMS := m.now().UnixMilli()
	switch next {
	case StatusInProgress:
		if t.StartTime == 0 {
			t.StartTime = nowMS
		}
		if m.focusID == "" {
			m.focusID = t.ID
		}
	case StatusCompleted, StatusFailed:
		t.CompletedTime = nowMS
		if m.focusID == t.ID {
			m.focusID = ""
		}
	}
	t.Status = next
	return nil
}

// Reset 显式复位：终态任务回到 pending（重规划恢复路径）
// Reset explicitly reopens a terminal task back to pending; this is
// the replanning recovery path.
func (m *Manager) Reset(ctx context.Context, id string) error {
	return m.mutate(ctx, func() ([]string, error) {
		t, ok := m.tasks[id]
		if !ok {
			return nil, errs.E(errs.KindNotFound, "task "+id+" not found")
		}
		t.Status = StatusPending
		t.CompletedTime = 0
		t.UpdatedTime = m.now().UnixMilli()
		return []string{id}, nil
	})
}

// Delete removes a task and, recursively, its subtasks. References in
// the parent and in other tasks' dependencies are scrubbed.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.mutate(ctx, func() ([]string, error) {
		if _, ok := m.tasks[id]; !ok {
			return nil, errs.E(errs.KindNotFound, "task "+id+" not found")
		}
		removed := m.deleteRecursiveLocked(id)
		return removed, nil
	})
}

func (m *Manager) deleteRecursiveLocked(id string) []string {
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	removed := []string{id}
	for _, child := range append([]string(nil), t.Subtasks...) {
		removed = append(removed, m.deleteRecursiveLocked(child)...)
	}
	if t.ParentID != "" {
		if parent, ok := m.tasks[t.ParentID]; ok {
			parent.Subtasks = without(parent.Subtasks, id)
		}
	}
	delete(m.tasks, id)
	if m.focusID == id {
		m.focusID = ""
	}
	for _, other := range m.tasks {
		other.Dependencies = without(other.Dependencies, id)
	}
	return removed
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Get returns a copy of the task.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

func (t *Task) clone() *Task {
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	cp.Subtasks = append([]string(nil), t.Subtasks...)
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Notes = append([]Note(nil), t.Notes...)
	cp.Context = make(map[string]any, len(t.Context))
	for k, v := range t.Context {
		cp.Context[k] = v
	}
	cp.Results = make(map[string]any, len(t.Results))
	for k, v := range t.Results {
		cp.Results[k] = v
	}
	return &cp
}

// All returns copies of every task, ordered by creation time.
func (m *Manager) All() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTime != out[j].CreatedTime {
			return out[i].CreatedTime < out[j].CreatedTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Focused returns the id of the focused task, if any.
func (m *Manager) Focused() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focusID
}

// AddNote appends a note to a task.
func (m *Manager) AddNote(ctx context.Context, id, content, noteType string) error {
	return m.mutate(ctx, func() ([]string, error) {
		t, ok := m.tasks[id]
		if !ok {
			return nil, errs.E(errs.KindNotFound, "task "+id+" not found")
		}
		m.appendNoteLocked(t, content, noteType)
		return []string{id}, nil
	})
}

func (m *Manager) appendNoteLocked(t *Task, content, noteType string) {
	t.Notes = append(t.Notes, Note{
		ID:        uuid.NewString(),
		Content:   content,
		Type:      noteType,
		Timestamp: m.now().UnixMilli(),
	})
	t.UpdatedTime = m.now().UnixMilli()
}

// Next 返回排序后首个依赖全部完成的 pending 任务，并在返回前做两项
// 复核：失败兄弟提升优先级、超时加备注。
// Next returns the first pending task (by priority, confidence desc,
// risk asc, createdTime asc) whose dependencies are all completed.
// Before returning it re-evaluates: a failed sibling bumps priority
// one step with a system note; pending beyond twice the estimate adds
// an escalation note.
func (m *Manager) Next(ctx context.Context) (*Task, error) {
	var picked *Task
	err := m.mutate(ctx, func() ([]string, error) {
		candidates := make([]*Task, 0)
		for _, t := range m.tasks {
			if t.Status == StatusPending {
				candidates = append(candidates, t)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return rankLess(candidates[i], candidates[j]) })

		for _, t := range candidates {
			if !m.depsCompletedLocked(t) {
				continue
			}
			var touched []string
			if m.bumpOnFailedSiblingLocked(t) {
				touched = append(touched, t.ID)
			}
			if m.escalateOverdueLocked(t) {
				touched = append(touched, t.ID)
			}
			picked = t
			if len(touched) == 0 {
				touched = []string{t.ID}
			}
			return touched, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if picked == nil {
		return nil, nil
	}
	return picked.clone(), nil
}

func rankLess(a, b *Task) bool {
	pa, pb := priorityRank[a.Priority], priorityRank[b.Priority]
	if pa != pb {
		return pa > pb
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	ra, rb := riskRank(stringFrom(a.Context, "riskLevel")), riskRank(stringFrom(b.Context, "riskLevel"))
	if ra != rb {
		return ra < rb
	}
	if a.CreatedTime != b.CreatedTime {
		return a.CreatedTime < b.CreatedTime
	}
	return a.ID < b.ID
}

func stringFrom(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func (m *Manager) depsCompletedLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := m.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// bumpOnFailedSiblingLocked raises priority once when a sibling under
// the same parent has failed.
func (m *Manager) bumpOnFailedSiblingLocked(t *Task) bool {
	if t.ParentID == "" {
		return false
	}
	if _, done := t.Context["priorityBumped"]; done {
		return false
	}
	parent, ok := m.tasks[t.ParentID]
	if !ok {
		return false
	}
	for _, sibID := range parent.Subtasks {
		if sibID == t.ID {
			continue
		}
		if sib, ok := m.tasks[sibID]; ok && sib.Status == StatusFailed {
			t.Priority = t.Priority.Bump()
			t.Context["priorityBumped"] = true
			m.appendNoteLocked(t, fmt.Sprintf("priority raised to %s after sibling %q failed", t.Priority, sib.Title), "system")
			return true
		}
	}
	return false
}

// escalateOverdueLocked notes tasks pending for more than twice their
// estimate, once.
func (m *Manager) escalateOverdueLocked(t *Task) bool {
	if t.EstimatedTime <= 0 {
		return false
	}
	if _, done := t.Context["escalated"]; done {
		return false
	}
	pendingFor := m.now().UnixMilli() - t.CreatedTime
	if pendingFor <= 2*t.EstimatedTime {
		return false
	}
	t.Context["escalated"] = true
	m.appendNoteLocked(t, fmt.Sprintf("pending for %s, over twice the %s estimate",
		time.Duration(pendingFor)*time.Millisecond, time.Duration(t.EstimatedTime)*time.Millisecond), "system")
	return true
}

// BulkUpdate applies the same updates to every id with a single
// notification.
func (m *Manager) BulkUpdate(ctx context.Context, ids []string, up Updates) error {
	return m.mutate(ctx, func() ([]string, error) {
		touched := make([]string, 0, len(ids))
		for _, id := range ids {
			t, ok := m.tasks[id]
			if !ok {
				continue
			}
			if up.Status != nil {
				if err := m.applyStatusLocked(t, *up.Status); err != nil {
					return nil, err
				}
			}
			if up.Priority != nil {
				t.Priority = *up.Priority
			}
			if up.Tags != nil {
				t.Tags = append([]string(nil), (*up.Tags)...)
			}
			t.UpdatedTime = m.now().UnixMilli()
			touched = append(touched, id)
		}
		return touched, nil
	})
}

// BulkDelete removes every id recursively with a single notification.
func (m *Manager) BulkDelete(ctx context.Context, ids []string) error {
	return m.mutate(ctx, func() ([]string, error) {
		var removed []string
		for _, id := range ids {
			removed = append(removed, m.deleteRecursiveLocked(id)...)
		}
		return removed, nil
	})
}

// ClearActive deletes every pending or in_progress task.
func (m *Manager) ClearActive(ctx context.Context) error {
	return m.mutate(ctx, func() ([]string, error) {
		var removed []string
		for {
			target := ""
			for id, t := range m.tasks {
				if t.Status == StatusPending || t.Status == StatusInProgress {
					target = id
					break
				}
			}
			if target == "" {
				break
			}
			removed = append(removed, m.deleteRecursiveLocked(target)...)
		}
		return removed, nil
	})
}

// StatusSummary is the task_get_status rollup.
type StatusSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (m *Manager) Summary() StatusSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s StatusSummary
	for _, t := range m.tasks {
		s.Total++
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// CurrentList returns the id of the current list.
func (m *Manager) CurrentList() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentListID
}

// CreateList adds a list and optionally makes it current.
func (m *Manager) CreateList(ctx context.Context, name, description, color string, makeCurrent bool) (*List, error) {
	if name == "" {
		return nil, errs.E(errs.KindInvalidArgument, "list name is required")
	}
	var created *List
	err := m.mutate(ctx, func() ([]string, error) {
		nowMS := m.now().UnixMilli()
		list := &List{
			ID: uuid.NewString(), Name: name, Description: description, Color: color,
			CreatedTime: nowMS, UpdatedTime: nowMS,
		}
		m.lists[list.ID] = list
		if makeCurrent {
			m.currentListID = list.ID
		}
		created = list
		return []string{list.ID}, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *created
	return &cp, nil
}

// SetCurrentList switches the current list.
func (m *Manager) SetCurrentList(ctx context.Context, id string) error {
	return m.mutate(ctx, func() ([]string, error) {
		if _, ok := m.lists[id]; !ok {
			return nil, errs.E(errs.KindNotFound, "list "+id+" not found")
		}
		m.currentListID = id
		return []string{id}, nil
	})
}

// CleanupStale applies the configured action to pending/in_progress
// tasks whose updatedTime is older than the threshold. A system note
// records the inactivity span; delete is recursive.
func (m *Manager) CleanupStale(ctx context.Context, cfg StaleConfig) (int, error) {
	if !cfg.Enabled || cfg.InactivityThreshold <= 0 {
		return 0, nil
	}
	count := 0
	err := m.mutate(ctx, func() ([]string, error) {
		cutoff := m.now().Add(-cfg.InactivityThreshold).UnixMilli()
		var stale []*Task
		for _, t := range m.tasks {
			if (t.Status == StatusPending || t.Status == StatusInProgress) && t.UpdatedTime < cutoff {
				stale = append(stale, t)
			}
		}
		var touched []string
		for _, t := range stale {
			span := time.Duration(m.now().UnixMilli()-t.UpdatedTime) * time.Millisecond
			switch cfg.Action {
			case "delete":
				touched = append(touched, m.deleteRecursiveLocked(t.ID)...)
			case "complete":
				m.appendNoteLocked(t, fmt.Sprintf("auto-completed after %s of inactivity", span), "system")
				_ = m.applyStatusLocked(t, StatusCompleted)
				touched = append(touched, t.ID)
			default:
				m.appendNoteLocked(t, fmt.Sprintf("auto-failed after %s of inactivity", span), "system")
				_ = m.applyStatusLocked(t, StatusFailed)
				touched = append(touched, t.ID)
			}
			count++
		}
		return touched, nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.log.Info().Int("tasks", count).Str("action", cfg.Action).Msg("stale tasks reclaimed")
	}
	return count, nil
}

// StartStaleCleanup runs CleanupStale on the configured interval until
// ctx ends.
func (m *Manager) StartStaleCleanup(ctx context.Context, cfg StaleConfig) {
	if !cfg.Enabled || cfg.CheckInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.CleanupStale(ctx, cfg); err != nil {
					m.log.Warn().Err(err).Msg("stale cleanup pass failed")
				}
			}
		}
	}()
}
