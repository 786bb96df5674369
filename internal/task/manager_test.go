package task

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"kodex/internal/errs"
	"kodex/internal/logging"
	"kodex/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(newTestStore(t), logging.Nop())
	require.NoError(t, m.Load(context.Background()))
	return m
}

func statusPtr(s Status) *Status       { return &s }
func priorityPtr(p Priority) *Priority { return &p }

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, CreateOptions{Title: "write docs", Priority: PriorityHigh, Confidence: 0.9})
	require.NoError(t, err)

	got, ok := m.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "write docs", got.Title)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, m.CurrentList(), got.ListID)
	assert.NotZero(t, got.CreatedTime)
}

func TestCreateRequiresTitle(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), CreateOptions{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
}

func TestStatusMachine(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	created, err := m.Create(ctx, CreateOptions{Title: "t"})
	require.NoError(t, err)

	got, err := m.Update(ctx, created.ID, Updates{Status: statusPtr(StatusInProgress)})
	require.NoError(t, err)
	assert.NotZero(t, got.StartTime)
	assert.Equal(t, created.ID, m.Focused())

	got, err = m.Update(ctx, created.ID, Updates{Status: statusPtr(StatusCompleted)})
	require.NoError(t, err)
	assert.NotZero(t, got.CompletedTime)
	assert.Empty(t, m.Focused(), "terminal status releases focus")

	// terminal back to pending only through explicit reset
	_, err = m.Update(ctx, created.ID, Updates{Status: statusPtr(StatusPending)})
	require.Error(t, err)

	require.NoError(t, m.Reset(ctx, created.ID))
	got, ok := m.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.CompletedTime)
}

func TestDeleteRecursive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parent, err := m.Create(ctx, CreateOptions{Title: "parent"})
	require.NoError(t, err)
	child, err := m.Create(ctx, CreateOptions{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)
	grandchild, err := m.Create(ctx, CreateOptions{Title: "grandchild", ParentID: child.ID})
	require.NoError(t, err)
	other, err := m.Create(ctx, CreateOptions{Title: "other", Dependencies: []string{child.ID}})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, parent.ID))

	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		_, ok := m.Get(id)
		assert.False(t, ok, "task %s must be deleted", id)
	}
	got, ok := m.Get(other.ID)
	require.True(t, ok)
	assert.Empty(t, got.Dependencies, "dangling dependency must be scrubbed")
}

func TestNextRanking(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{Title: "low", Priority: PriorityLow})
	require.NoError(t, err)
	urgent, err := m.Create(ctx, CreateOptions{Title: "urgent", Priority: PriorityUrgent})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateOptions{Title: "high", Priority: PriorityHigh})
	require.NoError(t, err)

	next, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, urgent.ID, next.ID)
}

func TestNextTieBreakers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{Title: "shaky", Priority: PriorityHigh, Confidence: 0.3})
	require.NoError(t, err)
	confident, err := m.Create(ctx, CreateOptions{Title: "confident", Priority: PriorityHigh, Confidence: 0.9})
	require.NoError(t, err)

	next, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, confident.ID, next.ID)

	m2 := newTestManager(t)
	_, err = m2.Create(ctx, CreateOptions{Title: "risky", Priority: PriorityHigh, Confidence: 0.5,
		Context: map[string]any{"riskLevel": "high"}})
	require.NoError(t, err)
	safe, err := m2.Create(ctx, CreateOptions{Title: "safe", Priority: PriorityHigh, Confidence: 0.5,
		Context: map[string]any{"riskLevel": "low"}})
	require.NoError(t, err)

	next, err = m2.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, safe.ID, next.ID)
}

func TestNextDependencyGating(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, CreateOptions{Title: "first", Priority: PriorityLow})
	require.NoError(t, err)
	blocked, err := m.Create(ctx, CreateOptions{Title: "blocked", Priority: PriorityUrgent,
		Dependencies: []string{first.ID}})
	require.NoError(t, err)

	next, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID, "gated urgent task must wait for its dependency")

	_, err = m.Update(ctx, first.ID, Updates{Status: statusPtr(StatusCompleted)})
	require.NoError(t, err)

	next, err = m.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, blocked.ID, next.ID)
}

func TestNextBumpsPriorityOnFailedSibling(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parent, err := m.Create(ctx, CreateOptions{Title: "parent"})
	require.NoError(t, err)
	_, err = m.Update(ctx, parent.ID, Updates{Status: statusPtr(StatusInProgress)})
	require.NoError(t, err)
	failed, err := m.Create(ctx, CreateOptions{Title: "failed step", ParentID: parent.ID})
	require.NoError(t, err)
	_, err = m.Update(ctx, failed.ID, Updates{Status: statusPtr(StatusFailed)})
	require.NoError(t, err)
	sibling, err := m.Create(ctx, CreateOptions{Title: "sibling", Priority: PriorityMedium, ParentID: parent.ID})
	require.NoError(t, err)

	next, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, sibling.ID, next.ID)
	assert.Equal(t, PriorityHigh, next.Priority)
	require.NotEmpty(t, next.Notes)
	assert.Equal(t, "system", next.Notes[len(next.Notes)-1].Type)
}

func TestNextEscalatesOverdue(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	created, err := m.Create(ctx, CreateOptions{Title: "slow", EstimatedTime: 1000})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(10 * time.Second) }
	next, err := m.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, created.ID, next.ID)
	require.NotEmpty(t, next.Notes)
	assert.Contains(t, next.Notes[0].Content, "twice")
}

func TestBulkOperationsSingleNotification(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateOptions{Title: "a"})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateOptions{Title: "b"})
	require.NoError(t, err)

	notifications := 0
	m.Subscribe(func(ids []string) { notifications++ })

	require.NoError(t, m.BulkUpdate(ctx, []string{a.ID, b.ID}, Updates{Priority: priorityPtr(PriorityUrgent)}))
	assert.Equal(t, 1, notifications)

	require.NoError(t, m.BulkDelete(ctx, []string{a.ID, b.ID}))
	assert.Equal(t, 2, notifications)
	assert.Zero(t, m.Summary().Total)
}

func TestClearActive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{Title: "pending"})
	require.NoError(t, err)
	running, err := m.Create(ctx, CreateOptions{Title: "running"})
	require.NoError(t, err)
	_, err = m.Update(ctx, running.ID, Updates{Status: statusPtr(StatusInProgress)})
	require.NoError(t, err)
	done, err := m.Create(ctx, CreateOptions{Title: "done"})
	require.NoError(t, err)
	_, err = m.Update(ctx, done.ID, Updates{Status: statusPtr(StatusCompleted)})
	require.NoError(t, err)

	require.NoError(t, m.ClearActive(ctx))
	sum := m.Summary()
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Completed)
}

func TestPersistenceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := NewManager(s, logging.Nop())
	require.NoError(t, m.Load(ctx))
	created, err := m.Create(ctx, CreateOptions{Title: "survives restart", Priority: PriorityHigh, Tags: []string{"keep"}})
	require.NoError(t, err)
	require.NoError(t, m.AddNote(ctx, created.ID, "remember this", "user"))

	reloaded := NewManager(s, logging.Nop())
	require.NoError(t, reloaded.Load(ctx))

	got, ok := reloaded.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "survives restart", got.Title)
	assert.Equal(t, []string{"keep"}, got.Tags)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "remember this", got.Notes[0].Content)
	assert.Equal(t, m.CurrentList(), reloaded.CurrentList())
}

func TestStaleCleanup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	stale, err := m.Create(ctx, CreateOptions{Title: "stale"})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh, err := m.Create(ctx, CreateOptions{Title: "fresh"})
	require.NoError(t, err)

	cfg := StaleConfig{Enabled: true, InactivityThreshold: time.Hour, Action: "fail"}
	n, err := m.CleanupStale(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := m.Get(stale.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotEmpty(t, got.Notes)
	assert.Contains(t, got.Notes[0].Content, "inactivity")

	got, ok = m.Get(fresh.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStaleCleanupDeleteIsRecursive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	parent, err := m.Create(ctx, CreateOptions{Title: "stale parent"})
	require.NoError(t, err)
	child, err := m.Create(ctx, CreateOptions{Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = m.CleanupStale(ctx, StaleConfig{Enabled: true, InactivityThreshold: time.Hour, Action: "delete"})
	require.NoError(t, err)

	_, ok := m.Get(parent.ID)
	assert.False(t, ok)
	_, ok = m.Get(child.ID)
	assert.False(t, ok)
}

func TestListManagement(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	original := m.CurrentList()
	list, err := m.CreateList(ctx, "sprint", "", "#ff0000", true)
	require.NoError(t, err)
	assert.Equal(t, list.ID, m.CurrentList())

	created, err := m.Create(ctx, CreateOptions{Title: "in sprint"})
	require.NoError(t, err)
	assert.Equal(t, list.ID, created.ListID)

	require.NoError(t, m.SetCurrentList(ctx, original))
	assert.Equal(t, original, m.CurrentList())

	err = m.SetCurrentList(ctx, "nope")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}
