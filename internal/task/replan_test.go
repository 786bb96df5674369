package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		outcome string
		title   string
	}{
		{"Error: file not found: src/missing.js", "Locate the missing file"},
		{"write failed: permission denied", "Obtain write permission"},
		{"cannot resolve import './util'", "Analyze dependencies"},
		{"task partially completed, 2 of 5 files updated", "Verify the partial result"},
	}
	for _, tc := range tests {
		trigger := classifyOutcome(tc.outcome)
		require.NotNil(t, trigger, "outcome %q", tc.outcome)
		assert.Equal(t, tc.title, trigger.title)
	}

	assert.Nil(t, classifyOutcome("all files written successfully"))
}

func TestReplanInsertsAdaptiveSubtask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parent, err := m.Create(ctx, CreateOptions{Title: "main"})
	require.NoError(t, err)
	done, err := m.Create(ctx, CreateOptions{Title: "done step", ParentID: parent.ID})
	require.NoError(t, err)
	_, err = m.Update(ctx, done.ID, Updates{Status: statusPtr(StatusCompleted)})
	require.NoError(t, err)
	pending, err := m.Create(ctx, CreateOptions{Title: "later step", ParentID: parent.ID})
	require.NoError(t, err)

	inserted, err := m.Replan(ctx, done.ID, "error: file not found: src/missing.js")
	require.NoError(t, err)
	require.NotNil(t, inserted)
	assert.True(t, inserted.HasTag("adaptive"))
	assert.Equal(t, parent.ID, inserted.ParentID)

	got, ok := m.Get(parent.ID)
	require.True(t, ok)
	// inserted sits before the first pending sibling
	idxInserted, idxPending := -1, -1
	for i, id := range got.Subtasks {
		switch id {
		case inserted.ID:
			idxInserted = i
		case pending.ID:
			idxPending = i
		}
	}
	require.GreaterOrEqual(t, idxInserted, 0)
	require.GreaterOrEqual(t, idxPending, 0)
	assert.Less(t, idxInserted, idxPending)

	assert.Equal(t, 1, got.Context["replanCount"])
	require.NotEmpty(t, got.Notes)
	assert.Equal(t, "system", got.Notes[len(got.Notes)-1].Type)
}

func TestReplanNoTriggerNoInsert(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parent, err := m.Create(ctx, CreateOptions{Title: "main"})
	require.NoError(t, err)
	sub, err := m.Create(ctx, CreateOptions{Title: "step", ParentID: parent.ID})
	require.NoError(t, err)

	inserted, err := m.Replan(ctx, sub.ID, "completed without issue")
	require.NoError(t, err)
	assert.Nil(t, inserted)

	got, ok := m.Get(parent.ID)
	require.True(t, ok)
	assert.Len(t, got.Subtasks, 1)
	assert.Nil(t, got.Context["replanCount"])
}

func TestReplanTopLevelTaskIsIgnored(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	top, err := m.Create(ctx, CreateOptions{Title: "no parent"})
	require.NoError(t, err)

	inserted, err := m.Replan(ctx, top.ID, "file not found")
	require.NoError(t, err)
	assert.Nil(t, inserted)
}
