package task

import (
	"context"
	"fmt"
	"strings"
)

const adaptiveTag = "adaptive"

// replanTrigger maps an outcome class to the corrective subtask.
type replanTrigger struct {
	title       string
	description string
}

// classifyOutcome inspects a subtask outcome for a replanning trigger.
// Returns nil when the outcome needs no corrective step.
func classifyOutcome(outcome string) *replanTrigger {
	lower := strings.ToLower(outcome)
	switch {
	case containsAny(lower, "file not found", "no such file", "not found", "does not exist"):
		return &replanTrigger{
			title:       "Locate the missing file",
			description: "The previous step referenced a file that does not exist. Search the project for the intended file or determine the correct path.",
		}
	case containsAny(lower, "permission denied", "not allowed", "user activation"):
		return &replanTrigger{
			title:       "Obtain write permission",
			description: "The previous step was denied filesystem access. Request permission and retry the operation.",
		}
	case containsAny(lower, "dependency", "import", "module not found", "cannot resolve"):
		return &replanTrigger{
			title:       "Analyze dependencies",
			description: "The previous step hit a dependency or import problem. Inspect the imports involved and resolve them before continuing.",
		}
	case containsAny(lower, "partial", "incomplete", "partly"):
		return &replanTrigger{
			title:       "Verify the partial result",
			description: "The previous step completed only partially. Check what remains and finish it.",
		}
	default:
		return nil
	}
}

// Replan 在子任务完成或出错后检查结果：按触发类别在首个 pending 兄弟
// 之前插入纠正子任务（adaptive 标签），父任务加备注并递增 replanCount。
// Replan inspects a subtask outcome after completion or error. When a
// trigger matches it inserts a corrective subtask (tagged adaptive)
// before the first remaining pending sibling, adds a note to the
// parent and increments its replanCount.
func (m *Manager) Replan(ctx context.Context, taskID, outcome string) (*Task, error) {
	trigger := classifyOutcome(outcome)
	if trigger == nil {
		return nil, nil
	}

	t, ok := m.Get(taskID)
	if !ok || t.ParentID == "" {
		return nil, nil
	}

	inserted, err := m.Create(ctx, CreateOptions{
		Title:       trigger.title,
		Description: trigger.description,
		Priority:    PriorityHigh,
		Confidence:  0.6,
		Tags:        []string{adaptiveTag},
		ParentID:    t.ParentID,
		Context:     map[string]any{"insertedAfter": taskID, "trigger": truncateForLog(outcome)},
	})
	if err != nil {
		return nil, err
	}

	err = m.mutate(ctx, func() ([]string, error) {
		parent, ok := m.tasks[t.ParentID]
		if !ok {
			return nil, nil
		}
		parent.Subtasks = insertBeforeFirstPending(parent.Subtasks, inserted.ID, m.tasks)
		count, _ := parent.Context["replanCount"].(float64)
		if n, ok := parent.Context["replanCount"].(int); ok {
			count = float64(n)
		}
		parent.Context["replanCount"] = int(count) + 1
		m.appendNoteLocked(parent, fmt.Sprintf("inserted %q after outcome of %q", trigger.title, t.Title), "system")
		return []string{parent.ID, inserted.ID}, nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("task", taskID).Str("inserted", inserted.ID).
		Str("title", trigger.title).Msg("adaptive replan")

	refreshed, _ := m.Get(inserted.ID)
	return refreshed, nil
}

// insertBeforeFirstPending reorders subtasks so id sits before the
// first pending sibling (it is removed from its current position
// first).
func insertBeforeFirstPending(subtasks []string, id string, tasks map[string]*Task) []string {
	rest := make([]string, 0, len(subtasks))
	for _, sib := range subtasks {
		if sib != id {
			rest = append(rest, sib)
		}
	}
	out := make([]string, 0, len(rest)+1)
	placed := false
	for _, sib := range rest {
		if !placed {
			if t, ok := tasks[sib]; ok && t.Status == StatusPending {
				out = append(out, id)
				placed = true
			}
		}
		out = append(out, sib)
	}
	if !placed {
		out = append(out, id)
	}
	return out
}
