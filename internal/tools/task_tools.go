package tools

import (
	"context"
	"fmt"

	"kodex/internal/errs"
	"kodex/internal/task"
)

// RegisterTaskTools installs the task management tool set.
func RegisterTaskTools(r *Registry) {
	for _, t := range taskToolSet() {
		r.Register(t)
	}
}

func taskToolSet() []*Tool {
	return []*Tool{
		{
			Name:        "task_create",
			Description: "Create a task, optionally as a subtask of a parent.",
			Params: map[string]ParamSpec{
				"title":          {Type: "string", Required: true},
				"description":    {Type: "string"},
				"priority":       {Type: "string", Enum: []string{"low", "medium", "high", "urgent"}},
				"parent_id":      {Type: "string"},
				"dependencies":   {Type: "array", Items: "string"},
				"estimated_time": {Type: "number", Description: "estimate in minutes"},
				"tags":           {Type: "array", Items: "string"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				opts := task.CreateOptions{
					Title:         stringParam(params, "title"),
					Description:   stringParam(params, "description"),
					Priority:      task.Priority(stringParam(params, "priority")),
					ParentID:      stringParam(params, "parent_id"),
					Dependencies:  stringsParam(params, "dependencies"),
					Tags:          stringsParam(params, "tags"),
					EstimatedTime: int64(numberParam(params, "estimated_time", 0)) * 60_000,
				}
				created, err := env.Tasks.Create(ctx, opts)
				if err != nil {
					return nil, err
				}
				return &Result{
					Message: fmt.Sprintf("Created task %q", created.Title),
					Details: map[string]any{"id": created.ID, "title": created.Title, "status": created.Status},
				}, nil
			},
		},
		{
			Name:        "task_update",
			Description: "Update a task's status, priority, or result notes.",
			Params: map[string]ParamSpec{
				"id":       {Type: "string", Required: true},
				"status":   {Type: "string", Enum: []string{"pending", "in_progress", "completed", "failed"}},
				"priority": {Type: "string", Enum: []string{"low", "medium", "high", "urgent"}},
				"title":    {Type: "string"},
				"note":     {Type: "string", Description: "appended as an ai note"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				id := stringParam(params, "id")
				up := task.Updates{}
				if s := stringParam(params, "status"); s != "" {
					status := task.Status(s)
					up.Status = &status
				}
				if p := stringParam(params, "priority"); p != "" {
					priority := task.Priority(p)
					up.Priority = &priority
				}
				if title := stringParam(params, "title"); title != "" {
					up.Title = &title
				}
				updated, err := env.Tasks.Update(ctx, id, up)
				if err != nil {
					return nil, err
				}
				if note := stringParam(params, "note"); note != "" {
					if err := env.Tasks.AddNote(ctx, id, note, "ai"); err != nil {
						return nil, err
					}
				}
				return &Result{
					Message: fmt.Sprintf("Updated task %q", updated.Title),
					Details: map[string]any{"id": updated.ID, "status": updated.Status, "priority": updated.Priority},
				}, nil
			},
		},
		{
			Name:        "task_delete",
			Description: "Delete a task and all of its subtasks.",
			Params: map[string]ParamSpec{
				"id": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				id := stringParam(params, "id")
				if err := env.Tasks.Delete(ctx, id); err != nil {
					return nil, err
				}
				return &Result{Message: "Deleted task " + id, Details: map[string]any{"id": id}}, nil
			},
		},
		{
			Name:        "task_breakdown",
			Description: "Break a task's goal into sequenced subtasks.",
			Params: map[string]ParamSpec{
				"id":   {Type: "string", Required: true},
				"goal": {Type: "string", Description: "defaults to the task title and description"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				id := stringParam(params, "id")
				parent, ok := env.Tasks.Get(id)
				if !ok {
					return nil, errs.E(errs.KindNotFound, "task "+id+" not found")
				}
				goal := stringParam(params, "goal")
				if goal == "" {
					goal = parent.Title
					if parent.Description != "" {
						goal += ": " + parent.Description
					}
				}
				subs, err := env.Tasks.Breakdown(ctx, env.Planner, id, goal)
				if err != nil {
					return nil, err
				}
				titles := make([]string, 0, len(subs))
				ids := make([]string, 0, len(subs))
				for _, sub := range subs {
					titles = append(titles, sub.Title)
					ids = append(ids, sub.ID)
				}
				return &Result{
					Message: fmt.Sprintf("Broke %q into %d subtasks", parent.Title, len(subs)),
					Details: map[string]any{"parent_id": id, "subtask_ids": ids, "titles": titles},
				}, nil
			},
		},
		{
			Name:        "task_get_next",
			Description: "Return the next eligible pending task, if any.",
			Params:      map[string]ParamSpec{},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				next, err := env.Tasks.Next(ctx)
				if err != nil {
					return nil, err
				}
				if next == nil {
					return &Result{Message: "No eligible pending tasks"}, nil
				}
				return &Result{
					Message: fmt.Sprintf("Next task: %q", next.Title),
					Details: map[string]any{
						"id": next.ID, "title": next.Title, "description": next.Description,
						"priority": next.Priority, "dependencies": next.Dependencies,
					},
				}, nil
			},
		},
		{
			Name:        "task_get_status",
			Description: "Summarize task counts by status.",
			Params:      map[string]ParamSpec{},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				sum := env.Tasks.Summary()
				return &Result{
					Message: fmt.Sprintf("%d tasks: %d pending, %d in progress, %d completed, %d failed",
						sum.Total, sum.Pending, sum.InProgress, sum.Completed, sum.Failed),
					Details: map[string]any{
						"total": sum.Total, "pending": sum.Pending, "in_progress": sum.InProgress,
						"completed": sum.Completed, "failed": sum.Failed,
					},
				}, nil
			},
		},
		{
			Name:        "start_task_session",
			Description: "Clear active tasks and start a fresh task list for a new goal.",
			Params: map[string]ParamSpec{
				"name": {Type: "string", Description: "session list name"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				if err := env.Tasks.ClearActive(ctx); err != nil {
					return nil, err
				}
				name := stringParam(params, "name")
				if name == "" {
					name = "Session"
				}
				list, err := env.Tasks.CreateList(ctx, name, "", "", true)
				if err != nil {
					return nil, err
				}
				return &Result{
					Message: fmt.Sprintf("Started task session %q", list.Name),
					Details: map[string]any{"list_id": list.ID, "name": list.Name},
				}, nil
			},
		},
	}
}
