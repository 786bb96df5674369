package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kodex/internal/chat"
	"kodex/internal/errs"
	"kodex/internal/llm"
	"kodex/internal/logging"
	"kodex/internal/store"
	"kodex/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	mu    sync.Mutex
	calls int
	// plan is what the planner turn (Complete) returns.
	plan string
	// step returns the nth tool-mode response (0-based).
	step func(call int, prompt string) (llm.Response, error)
}

func (s *stubSender) SendPrompt(ctx context.Context, prompt string, opts llm.Options) (llm.Response, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return llm.Response{}, errs.Wrap(errs.KindCancelled, "prompt cancelled", err)
	}
	if s.step == nil {
		return llm.Response{Content: "done"}, nil
	}
	return s.step(call, prompt)
}

func (s *stubSender) Complete(ctx context.Context, prompt string) (string, error) {
	if s.plan == "" {
		return `[{"title":"step one"},{"title":"step two"}]`, nil
	}
	return s.plan, nil
}

func (s *stubSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type noTools struct{}

func (noTools) Definitions() []chat.ToolDef { return nil }

type fixture struct {
	orch   *Orchestrator
	tasks  *task.Manager
	store  store.Store
	sender *stubSender
}

func newFixture(t *testing.T, sender *stubSender, maxSteps int) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tasks := task.NewManager(s, logging.Nop())
	require.NoError(t, tasks.Load(context.Background()))

	orch := New(tasks, sender, sender, noTools{}, s, maxSteps, logging.Nop())
	return &fixture{orch: orch, tasks: tasks, store: s, sender: sender}
}

func (f *fixture) subtasksOf(t *testing.T, mainID string) []*task.Task {
	t.Helper()
	main, ok := f.tasks.Get(mainID)
	require.True(t, ok)
	out := make([]*task.Task, 0, len(main.Subtasks))
	for _, id := range main.Subtasks {
		sub, ok := f.tasks.Get(id)
		require.True(t, ok)
		out = append(out, sub)
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	sender := &stubSender{}
	f := newFixture(t, sender, 10)

	result, err := f.orch.Run(context.Background(), "build a landing page", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, 0, result.Failed)
	assert.False(t, result.Cancelled)

	main, ok := f.tasks.Get(result.MainTaskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusCompleted, main.Status)
	assert.Equal(t, "build a landing page", main.Title)

	for _, sub := range f.subtasksOf(t, result.MainTaskID) {
		assert.Equal(t, task.StatusCompleted, sub.Status)
		assert.Contains(t, sub.Results, "executionTime")
		assert.True(t, sub.HasTag("ai-generated"))
	}
}

func TestRunFailedSubtaskFailsMain(t *testing.T) {
	sender := &stubSender{step: func(call int, prompt string) (llm.Response, error) {
		if call == 0 {
			return llm.Response{}, errs.E(errs.KindInvalidArgument, "bad tool call")
		}
		return llm.Response{Content: "done"}, nil
	}}
	f := newFixture(t, sender, 10)

	result, err := f.orch.Run(context.Background(), "refactor the helpers", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	// The second step depends on the failed one and stays pending.
	assert.Equal(t, 0, result.Completed)

	main, ok := f.tasks.Get(result.MainTaskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, main.Status)
	assert.EqualValues(t, 1, main.Results["failedSubtasks"])
}

func TestRunRecoverableErrorRequeuesTask(t *testing.T) {
	sender := &stubSender{step: func(call int, prompt string) (llm.Response, error) {
		if call == 0 {
			return llm.Response{}, errs.E(errs.KindTransient, "connection reset")
		}
		return llm.Response{Content: "done"}, nil
	}}
	f := newFixture(t, sender, 10)

	result, err := f.orch.Run(context.Background(), "implement search", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, 0, result.Failed)

	// One subtask must carry the retry marker and an error note.
	var retried *task.Task
	for _, sub := range f.subtasksOf(t, result.MainTaskID) {
		if sub.Context["retryCount"] != nil {
			retried = sub
		}
	}
	require.NotNil(t, retried)
	require.NotEmpty(t, retried.Notes)
	assert.Contains(t, retried.Notes[0].Content, "connection reset")
}

func TestRunCancellationMarksMainFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := &stubSender{step: func(call int, prompt string) (llm.Response, error) {
		cancel()
		return llm.Response{}, errs.E(errs.KindCancelled, "prompt cancelled")
	}}
	f := newFixture(t, sender, 10)

	result, err := f.orch.Run(ctx, "migrate the config", nil, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCancelled))
	assert.True(t, result.Cancelled)

	main, ok := f.tasks.Get(result.MainTaskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, main.Status)
	assert.Equal(t, true, main.Results["cancelled"])
}

func TestRunReplanInsertsCorrectiveTask(t *testing.T) {
	sender := &stubSender{
		plan: `[{"title":"write the file"}]`,
		step: func(call int, prompt string) (llm.Response, error) {
			if call == 0 {
				return llm.Response{Content: "write failed: permission denied by the browser"}, nil
			}
			return llm.Response{Content: "permission granted, file written"}, nil
		},
	}
	f := newFixture(t, sender, 10)

	result, err := f.orch.Run(context.Background(), "save the draft", nil, nil)
	require.NoError(t, err)

	var adaptive *task.Task
	for _, sub := range f.subtasksOf(t, result.MainTaskID) {
		if sub.HasTag("adaptive") {
			adaptive = sub
		}
	}
	require.NotNil(t, adaptive, "replanning must insert a corrective subtask")
	assert.Contains(t, adaptive.Title, "permission")
}

func TestRunStepBudget(t *testing.T) {
	sender := &stubSender{
		plan: `[{"title":"a"},{"title":"b"},{"title":"c"},{"title":"d"},{"title":"e"}]`,
	}
	f := newFixture(t, sender, 2)

	result, err := f.orch.Run(context.Background(), "do many things", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Completed)

	pending := 0
	for _, sub := range f.subtasksOf(t, result.MainTaskID) {
		if sub.Status == task.StatusPending {
			pending++
		}
	}
	assert.Equal(t, 3, pending)
}

func TestRunPersistsChatHistory(t *testing.T) {
	sender := &stubSender{}
	f := newFixture(t, sender, 10)

	_, err := f.orch.Run(context.Background(), "add a footer", nil, nil)
	require.NoError(t, err)

	history, err := f.orch.History(context.Background(), time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, history)

	var sawUser, sawAssistant bool
	for _, msg := range history {
		if msg.Role == "user" && msg.Content == "add a footer" {
			sawUser = true
		}
		if msg.Role == "assistant" && msg.Content != "" {
			sawAssistant = true
		}
	}
	assert.True(t, sawUser)
	assert.True(t, sawAssistant)
}

func TestRunEmptyPromptRejected(t *testing.T) {
	f := newFixture(t, &stubSender{}, 10)
	_, err := f.orch.Run(context.Background(), "   ", nil, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
}

func TestRunClearsPreviousActiveTasks(t *testing.T) {
	sender := &stubSender{}
	f := newFixture(t, sender, 10)

	stale, err := f.tasks.Create(context.Background(), task.CreateOptions{Title: "leftover"})
	require.NoError(t, err)

	result, err := f.orch.Run(context.Background(), "start fresh", nil, nil)
	require.NoError(t, err)

	_, ok := f.tasks.Get(stale.ID)
	assert.False(t, ok, "pending tasks from earlier runs are cleared")
	_, ok = f.tasks.Get(result.MainTaskID)
	assert.True(t, ok)
}
