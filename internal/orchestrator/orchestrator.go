// Package orchestrator drives one agentic run: break the user's goal
// into tasks, execute them one at a time through the LLM facade with
// tools enabled, replan after every step, and roll the outcome up into
// the main task. All task state flows through the task manager.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"kodex/internal/chat"
	"kodex/internal/errs"
	"kodex/internal/llm"
	"kodex/internal/store"
	"kodex/internal/task"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultMaxSteps = 10
	// maxTaskRetries bounds recoverable-error retries per task.
	maxTaskRetries = 2
	// maxFailuresBeforeBreak stops the run when tasks keep failing.
	maxFailuresBeforeBreak = 3
)

const historyStore = "chatHistory"

// PromptSender is the LLM facade surface the orchestrator needs.
type PromptSender interface {
	SendPrompt(ctx context.Context, prompt string, opts llm.Options) (llm.Response, error)
}

// ToolSource supplies the tool schemas for tool-mode calls.
type ToolSource interface {
	Definitions() []chat.ToolDef
}

// Orchestrator 编排器：受限步数的任务执行循环
// Orchestrator runs the bounded task execution loop.
type Orchestrator struct {
	tasks    *task.Manager
	sender   PromptSender
	planner  task.Planner
	toolDefs ToolSource
	store    store.Store
	log      zerolog.Logger
	maxSteps int

	now func() time.Time
}

func New(tasks *task.Manager, sender PromptSender, planner task.Planner, toolDefs ToolSource, s store.Store, maxSteps int, log zerolog.Logger) *Orchestrator {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Orchestrator{
		tasks:    tasks,
		sender:   sender,
		planner:  planner,
		toolDefs: toolDefs,
		store:    s,
		log:      log,
		maxSteps: maxSteps,
		now:      time.Now,
	}
}

// RunResult summarizes one orchestration run.
type RunResult struct {
	MainTaskID string
	Content    string
	Completed  int
	Failed     int
	Cancelled  bool
}

// Run 执行一次编排：清空活动任务、创建主任务、拆解、逐个执行子任务
// Run performs one orchestration: clear active tasks, create the main
// task, break it down, then execute subtasks one at a time.
func (o *Orchestrator) Run(ctx context.Context, prompt string, history []chat.Message, onText func(string)) (RunResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return RunResult{}, errs.E(errs.KindInvalidArgument, "empty prompt")
	}
	runID := uuid.NewString()

	if err := o.tasks.ClearActive(ctx); err != nil {
		return RunResult{}, err
	}

	main, err := o.tasks.Create(ctx, task.CreateOptions{
		Title:       mainTitle(prompt),
		Description: prompt,
		Priority:    task.PriorityHigh,
		Confidence:  0.9,
		Context:     map[string]any{"runId": runID},
	})
	if err != nil {
		return RunResult{}, err
	}
	result := RunResult{MainTaskID: main.ID}

	// The main task holds focus while its subtasks execute.
	if _, err := o.tasks.Update(ctx, main.ID, statusUpdate(task.StatusInProgress)); err != nil {
		return result, err
	}
	o.appendHistory(ctx, runID, chat.Message{Role: "user", Content: prompt})

	if err := ctx.Err(); err != nil {
		return o.cancelRun(result, main.ID)
	}

	// 第一步固定为任务拆解
	// The first step is always the breakdown of the main task.
	subs, err := o.tasks.Breakdown(ctx, o.planner, main.ID, prompt)
	if err != nil {
		if errs.Is(err, errs.KindCancelled) || ctx.Err() != nil {
			return o.cancelRun(result, main.ID)
		}
		o.log.Warn().Err(err).Msg("breakdown failed, executing the goal as a single task")
	}
	o.appendHistory(ctx, runID, chat.Message{
		Role:    "assistant",
		Content: breakdownSummary(subs),
	})

	failures := 0
	for step := 0; step < o.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return o.cancelRun(result, main.ID)
		}
		next, err := o.tasks.Next(ctx)
		if err != nil || next == nil {
			break
		}
		if failures >= maxFailuresBeforeBreak {
			o.log.Warn().Int("failures", failures).Msg("stopping run after repeated task failures")
			break
		}

		if _, err := o.tasks.Update(ctx, next.ID, statusUpdate(task.StatusInProgress)); err != nil {
			o.log.Warn().Err(err).Str("task", next.ID).Msg("could not start task")
			continue
		}

		start := o.now()
		resp, err := o.sender.SendPrompt(ctx, o.taskPrompt(next), llm.Options{
			History:     history,
			Tools:       o.toolDefs.Definitions(),
			OnTextChunk: onText,
		})
		if err != nil {
			if errs.Is(err, errs.KindCancelled) || ctx.Err() != nil {
				return o.cancelRun(result, main.ID)
			}
			if o.recoverTask(ctx, next, err) {
				continue
			}
			failures++
			continue
		}

		o.appendHistory(ctx, runID, chat.Message{Role: "assistant", Content: resp.Content})
		if resp.Content != "" {
			result.Content = resp.Content
			history = resp.History
		}

		// 模型未显式收尾的任务隐式判定完成，并记录执行耗时
		// A task the model left in_progress completes implicitly with
		// its execution time recorded.
		if cur, ok := o.tasks.Get(next.ID); ok && cur.Status == task.StatusInProgress {
			elapsed := o.now().Sub(start).Milliseconds()
			if _, err := o.tasks.Update(ctx, next.ID, task.Updates{
				Status:     statusPtr(task.StatusCompleted),
				ActualTime: &elapsed,
				Results:    map[string]any{"executionTime": elapsed},
			}); err != nil {
				o.log.Warn().Err(err).Str("task", next.ID).Msg("implicit completion failed")
			}
		}
		if cur, ok := o.tasks.Get(next.ID); ok && cur.Status == task.StatusFailed {
			failures++
		}

		if _, err := o.tasks.Replan(ctx, next.ID, resp.Content); err != nil {
			o.log.Warn().Err(err).Str("task", next.ID).Msg("replan failed")
		}
	}

	if err := ctx.Err(); err != nil {
		return o.cancelRun(result, main.ID)
	}
	return o.rollup(ctx, result, main.ID)
}

// recoverTask 可恢复错误时把任务重置回 pending，至多两次
// recoverTask resets a task to pending on a recoverable error, at most
// twice; returns true when the task was requeued.
func (o *Orchestrator) recoverTask(ctx context.Context, t *task.Task, cause error) bool {
	retries := intFromContext(t.Context, "retryCount")
	_, _ = o.tasks.Update(ctx, t.ID, statusUpdate(task.StatusFailed))
	_ = o.tasks.AddNote(ctx, t.ID, "execution error: "+cause.Error(), "system")

	if !errs.Retryable(cause) || retries >= maxTaskRetries {
		// 不可恢复也要触发重规划
		// Unrecoverable failures still trigger replanning.
		if _, err := o.tasks.Replan(ctx, t.ID, "failed: "+cause.Error()); err != nil {
			o.log.Warn().Err(err).Str("task", t.ID).Msg("replan after failure failed")
		}
		return false
	}

	if err := o.tasks.Reset(ctx, t.ID); err != nil {
		o.log.Warn().Err(err).Str("task", t.ID).Msg("task reset failed")
		return false
	}
	_, _ = o.tasks.Update(ctx, t.ID, task.Updates{
		Context: map[string]any{"retryCount": retries + 1},
	})
	o.log.Info().Str("task", t.ID).Int("retry", retries+1).Msg("task requeued after recoverable error")
	return true
}

// rollup 汇总：任一子任务失败则主任务失败并带计数
// rollup finishes the main task: any failed subtask fails the main
// task with counts, otherwise it completes.
func (o *Orchestrator) rollup(ctx context.Context, result RunResult, mainID string) (RunResult, error) {
	main, ok := o.tasks.Get(mainID)
	if !ok {
		return result, errs.E(errs.KindNotFound, "main task disappeared")
	}
	for _, subID := range main.Subtasks {
		sub, ok := o.tasks.Get(subID)
		if !ok {
			continue
		}
		switch sub.Status {
		case task.StatusCompleted:
			result.Completed++
		case task.StatusFailed:
			result.Failed++
		}
	}

	final := task.StatusCompleted
	if result.Failed > 0 {
		final = task.StatusFailed
	}
	if _, err := o.tasks.Update(ctx, mainID, task.Updates{
		Status: &final,
		Results: map[string]any{
			"completedSubtasks": result.Completed,
			"failedSubtasks":    result.Failed,
		},
	}); err != nil {
		return result, err
	}
	o.log.Info().Str("main", mainID).Int("completed", result.Completed).Int("failed", result.Failed).
		Str("status", string(final)).Msg("run finished")
	return result, nil
}

// cancelRun 取消路径：主任务标记 failed{cancelled:true}，已有产物保留
// cancelRun marks the main task failed{cancelled:true}; partial
// artifacts stay persisted. The write uses a detached context because
// the caller's is already cancelled.
func (o *Orchestrator) cancelRun(result RunResult, mainID string) (RunResult, error) {
	ctx := context.WithoutCancel(context.Background())
	failed := task.StatusFailed
	if _, err := o.tasks.Update(ctx, mainID, task.Updates{
		Status:  &failed,
		Results: map[string]any{"cancelled": true},
	}); err != nil {
		o.log.Warn().Err(err).Str("main", mainID).Msg("could not mark cancelled run failed")
	}
	result.Cancelled = true
	return result, errs.E(errs.KindCancelled, "run cancelled")
}

// taskPrompt 组装单个任务的提示：标题、描述、紧凑的任务图
// taskPrompt assembles one task's prompt: title, description and a
// compact view of the surrounding task graph.
func (o *Orchestrator) taskPrompt(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute this task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", t.Description)
	}
	if graph := o.graphContext(t); graph != "" {
		b.WriteString("Task graph:\n")
		b.WriteString(graph)
	}
	b.WriteString("Use the available tools to carry out the task. " +
		"Update the task status with task_update only if it failed or needs to stay open.")
	return b.String()
}

func (o *Orchestrator) graphContext(t *task.Task) string {
	parentID := t.ParentID
	if parentID == "" {
		return ""
	}
	parent, ok := o.tasks.Get(parentID)
	if !ok {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "- goal: %s\n", parent.Title)
	for _, subID := range parent.Subtasks {
		sub, ok := o.tasks.Get(subID)
		if !ok {
			continue
		}
		marker := " "
		switch {
		case sub.ID == t.ID:
			marker = ">"
		case sub.Status == task.StatusCompleted:
			marker = "x"
		case sub.Status == task.StatusFailed:
			marker = "!"
		}
		fmt.Fprintf(&b, "  [%s] %s (%s)\n", marker, sub.Title, sub.Status)
	}
	return b.String()
}

// historyEntry is one persisted chat-history row.
type historyEntry struct {
	ID        string `json:"id"`
	RunID     string `json:"runId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (o *Orchestrator) appendHistory(ctx context.Context, runID string, msg chat.Message) {
	if o.store == nil || msg.Content == "" {
		return
	}
	entry := historyEntry{
		ID:        uuid.NewString(),
		RunID:     runID,
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: o.now().UnixMilli(),
	}
	if _, err := o.store.Put(ctx, historyStore, entry); err != nil {
		o.log.Warn().Err(err).Msg("chat history write failed")
	}
}

// History returns persisted chat entries since the given time, oldest
// first.
func (o *Orchestrator) History(ctx context.Context, since time.Time) ([]chat.Message, error) {
	entries, err := store.GetAllAs[historyEntry](ctx, o.store, historyStore)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	var out []chat.Message
	for _, entry := range entries {
		if !since.IsZero() && entry.Timestamp < since.UnixMilli() {
			continue
		}
		out = append(out, chat.Message{Role: entry.Role, Content: entry.Content})
	}
	return out, nil
}

func mainTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if idx := strings.IndexByte(title, '\n'); idx > 0 {
		title = title[:idx]
	}
	if len(title) > 80 {
		title = title[:77] + "..."
	}
	return title
}

func breakdownSummary(subs []*task.Task) string {
	if len(subs) == 0 {
		return "No subtasks were created; executing the goal directly."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Planned %d steps:\n", len(subs))
	for i, sub := range subs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, sub.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusUpdate(s task.Status) task.Updates {
	return task.Updates{Status: &s}
}

func statusPtr(s task.Status) *task.Status {
	return &s
}

func intFromContext(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
