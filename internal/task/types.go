// Package task implements the persistent hierarchical task graph:
// lifecycle, eligibility ranking, AI-driven breakdown, adaptive
// replanning and stale-task reclamation.
package task

import (
	"encoding/json"
	"fmt"

	"kodex/internal/errs"
)

// Status 任务生命周期状态
// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends a task's run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Priority orders eligibility: urgent > high > medium > low.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityMedium: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Bump raises the priority by one step, saturating at urgent.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

func riskRank(level string) int {
	switch level {
	case "low":
		return 0
	case "high":
		return 2
	default:
		return 1
	}
}

// Note is an append-only annotation on a task.
type Note struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Type      string `json:"type"` // user | system | ai
	Timestamp int64  `json:"timestamp"`
}

// Task 任务图节点；Subtasks 与 Dependencies 只引用存在的任务 id
// Task is one node of the task graph. Subtasks and Dependencies only
// ever reference existing task ids.
type Task struct {
	ID            string         `json:"id"`
	ListID        string         `json:"listId"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Status        Status         `json:"status"`
	Priority      Priority       `json:"priority"`
	Confidence    float64        `json:"confidence"`
	Tags          []string       `json:"tags,omitempty"`
	DueDate       int64          `json:"dueDate,omitempty"`
	EstimatedTime int64          `json:"estimatedTime,omitempty"` // millis
	ActualTime    int64          `json:"actualTime,omitempty"`    // millis
	CreatedTime   int64          `json:"createdTime"`
	UpdatedTime   int64          `json:"updatedTime"`
	StartTime     int64          `json:"startTime,omitempty"`
	CompletedTime int64          `json:"completedTime,omitempty"`
	ParentID      string         `json:"parentId,omitempty"`
	Subtasks      []string       `json:"subtasks,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Notes         []Note         `json:"notes,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Results       map[string]any `json:"results,omitempty"`
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// List is a named grouping of tasks; exactly one list is current.
type List struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	CreatedTime int64  `json:"createdTime"`
	UpdatedTime int64  `json:"updatedTime"`
}

// taskPair serializes as the [id, task] tuple of the persisted blob.
type taskPair struct {
	ID   string
	Task *Task
}

func (p taskPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Task})
}

func (p *taskPair) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return errs.E(errs.KindInvalidArgument, fmt.Sprintf("task pair has %d elements, want 2", len(arr)))
	}
	if err := json.Unmarshal(arr[0], &p.ID); err != nil {
		return err
	}
	p.Task = &Task{}
	return json.Unmarshal(arr[1], p.Task)
}

type listPair struct {
	ID   string
	List *List
}

func (p listPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.List})
}

func (p *listPair) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return errs.E(errs.KindInvalidArgument, fmt.Sprintf("list pair has %d elements, want 2", len(arr)))
	}
	if err := json.Unmarshal(arr[0], &p.ID); err != nil {
		return err
	}
	p.List = &List{}
	return json.Unmarshal(arr[1], p.List)
}

// persistedState 会话存储中 taskManager_data 键下的持久化结构
// persistedState is the blob stored under the taskManager_data key in
// the sessionState store.
type persistedState struct {
	Key           string     `json:"key"`
	Tasks         []taskPair `json:"tasks"`
	Lists         []listPair `json:"lists"`
	CurrentListID string     `json:"currentListId"`
}
