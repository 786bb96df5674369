package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"kodex/internal/errs"

	"github.com/google/uuid"
)

// exportDoc is the JSON export envelope.
type exportDoc struct {
	Tasks         []*Task `json:"tasks"`
	Lists         []*List `json:"lists"`
	CurrentListID string  `json:"currentListId"`
}

// ExportJSON serializes every task and list.
func (m *Manager) ExportJSON() ([]byte, error) {
	m.mu.Lock()
	state := m.snapshotLocked()
	doc := exportDoc{CurrentListID: state.CurrentListID}
	for _, pair := range state.Tasks {
		doc.Tasks = append(doc.Tasks, pair.Task.clone())
	}
	for _, pair := range state.Lists {
		cp := *pair.List
		doc.Lists = append(doc.Lists, &cp)
	}
	m.mu.Unlock()
	return json.MarshalIndent(doc, "", "  ")
}

// ImportJSON 导入任务：重新生成 id 以避免冲突，父子与依赖引用清空
// ImportJSON imports tasks with freshly generated ids; parent/child
// and dependency references are reset to avoid collisions.
func (m *Manager) ImportJSON(ctx context.Context, data []byte) (int, error) {
	var doc exportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, errs.Wrap(errs.KindInvalidArgument, "parse task import", err)
	}
	count := 0
	err := m.mutate(ctx, func() ([]string, error) {
		var ids []string
		for _, t := range doc.Tasks {
			if t == nil || t.Title == "" {
				continue
			}
			cp := t.clone()
			cp.ID = uuid.NewString()
			cp.ListID = m.currentListID
			cp.ParentID = ""
			cp.Subtasks = nil
			cp.Dependencies = nil
			normalizeTask(cp)
			if cp.CreatedTime == 0 {
				cp.CreatedTime = m.now().UnixMilli()
			}
			cp.UpdatedTime = m.now().UnixMilli()
			m.tasks[cp.ID] = cp
			ids = append(ids, cp.ID)
			count++
		}
		return ids, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

var markdownSections = []struct {
	status Status
	header string
}{
	{StatusInProgress, "In Progress"},
	{StatusPending, "Pending"},
	{StatusCompleted, "Completed"},
	{StatusFailed, "Failed"},
}

// ExportMarkdown groups tasks by status under headers with checkbox
// bullets; completed tasks are checked.
func (m *Manager) ExportMarkdown() string {
	all := m.All()
	var b strings.Builder
	b.WriteString("# Tasks\n")
	for _, section := range markdownSections {
		var lines []string
		for _, t := range all {
			if t.Status != section.status {
				continue
			}
			box := " "
			if t.Status == StatusCompleted {
				box = "x"
			}
			line := fmt.Sprintf("- [%s] %s", box, t.Title)
			if t.Description != "" {
				line += " — " + strings.ReplaceAll(t.Description, "\n", " ")
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}
		b.WriteString("\n## " + section.header + "\n")
		for _, line := range lines {
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// ImportMarkdown parses only top-level checkbox lines: `- [ ] title`
// creates a pending task, `- [x] title` a completed one. Everything
// else is ignored.
func (m *Manager) ImportMarkdown(ctx context.Context, text string) (int, error) {
	count := 0
	err := m.mutate(ctx, func() ([]string, error) {
		var ids []string
		for _, line := range strings.Split(text, "\n") {
			title, done, ok := parseCheckboxLine(line)
			if !ok {
				continue
			}
			nowMS := m.now().UnixMilli()
			t := &Task{
				ID:          uuid.NewString(),
				ListID:      m.currentListID,
				Title:       title,
				Status:      StatusPending,
				Priority:    PriorityMedium,
				CreatedTime: nowMS,
				UpdatedTime: nowMS,
			}
			if done {
				t.Status = StatusCompleted
				t.CompletedTime = nowMS
			}
			normalizeTask(t)
			m.tasks[t.ID] = t
			ids = append(ids, t.ID)
			count++
		}
		return ids, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// parseCheckboxLine matches top-level `- [ ]` / `- [x]` lines only;
// indented lines are sub-items and are skipped.
func parseCheckboxLine(line string) (title string, done bool, ok bool) {
	if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
		return "", false, false
	}
	switch {
	case strings.HasPrefix(line, "- [ ] "):
		title = line[len("- [ ] "):]
	case strings.HasPrefix(line, "- [x] "), strings.HasPrefix(line, "- [X] "):
		title = line[len("- [x] "):]
		done = true
	default:
		return "", false, false
	}
	if i := strings.Index(title, " — "); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	return title, done, title != ""
}
