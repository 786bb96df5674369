package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Planner produces a raw completion for a planning prompt. The LLM
// facade satisfies this with a single-turn call.
type Planner interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const breakdownTag = "ai-generated"

const breakdownInstruction = `Break the goal below into 3-6 actionable subtasks.
Respond with ONLY a JSON array, no prose, no code fences. Each element:
{"title": string, "description": string (optional), "priority": "low"|"medium"|"high"|"urgent", "estimatedTime": minutes}

Goal: %s`

// planItem is one normalized subtask candidate from the planner.
type planItem struct {
	Title         string
	Description   string
	Priority      Priority
	EstimatedTime int64 // millis
}

// Breakdown 让 LLM 把目标拆成子任务；解析失败时退回启发式计划。
// 子任务按顺序链接依赖（第 n 个依赖第 n-1 个），并打上 ai-generated 标签。
// Breakdown asks the planner to split the goal into subtasks, falling
// back to a heuristic plan when the output is unusable. Subtasks are
// chained sequentially via dependencies and tagged ai-generated.
func (m *Manager) Breakdown(ctx context.Context, planner Planner, parentID, goal string) ([]*Task, error) {
	var items []planItem
	if planner != nil {
		raw, err := planner.Complete(ctx, fmt.Sprintf(breakdownInstruction, goal))
		if err != nil {
			m.log.Warn().Err(err).Msg("breakdown call failed, using fallback plan")
		} else {
			items = parsePlanItems(raw)
			if len(items) == 0 {
				m.log.Warn().Str("output", truncateForLog(raw)).Msg("unusable breakdown output, using fallback plan")
			}
		}
	}
	if len(items) == 0 {
		items = fallbackPlan(goal)
	}

	created := make([]*Task, 0, len(items))
	var prevID string
	for _, item := range items {
		var deps []string
		if prevID != "" {
			deps = []string{prevID}
		}
		t, err := m.Create(ctx, CreateOptions{
			Title:         item.Title,
			Description:   item.Description,
			Priority:      item.Priority,
			Confidence:    0.7,
			Tags:          []string{breakdownTag},
			EstimatedTime: item.EstimatedTime,
			ParentID:      parentID,
			Dependencies:  deps,
		})
		if err != nil {
			return created, err
		}
		created = append(created, t)
		prevID = t.ID
	}
	return created, nil
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "…"
	}
	return s
}

// parsePlanItems 宽容解析规划输出：裸数组、围栏代码块、首个配平的
// […]；对象外壳按常见容器字段解包；纯元数据条目跳过。
// parsePlanItems parses planner output permissively: a bare array, a
// fenced code block, or the first balanced […]. Object wrappers are
// unwrapped through common container fields; metadata-only entries are
// skipped. It never invents steps from metadata alone.
func parsePlanItems(raw string) []planItem {
	for _, candidate := range jsonCandidates(raw) {
		var top any
		if err := json.Unmarshal([]byte(candidate), &top); err != nil {
			continue
		}
		if items := itemsFromValue(top); len(items) > 0 {
			return items
		}
	}
	return nil
}

// jsonCandidates yields plausible JSON documents from raw output in
// decreasing strictness.
func jsonCandidates(raw string) []string {
	raw = strings.TrimSpace(raw)
	var out []string
	if raw != "" {
		out = append(out, raw)
	}
	if fenced := extractFenced(raw); fenced != "" {
		out = append(out, fenced)
	}
	if balanced := firstBalanced(raw, '[', ']'); balanced != "" {
		out = append(out, balanced)
	}
	if balanced := firstBalanced(raw, '{', '}'); balanced != "" {
		out = append(out, balanced)
	}
	return out
}

func extractFenced(raw string) string {
	start := strings.Index(raw, "```")
	if start < 0 {
		return ""
	}
	rest := raw[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// drop the language tag line
		if !strings.ContainsAny(rest[:nl], "[{") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// firstBalanced returns the first balanced open..close span, tracking
// strings and escapes.
func firstBalanced(raw string, open, close byte) string {
	depth := 0
	start := -1
	inString := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case close:
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return raw[start : i+1]
				}
			}
		}
	}
	return ""
}

// planContainers are object fields commonly wrapping the actual list.
var planContainers = []string{"requested_actions", "actions", "steps", "tasks", "items"}

// metadataKeys mark entries that carry no actionable step.
var metadataKeys = []string{"overall_risk", "safety_note", "disclaimer"}

func itemsFromValue(v any) []planItem {
	switch val := v.(type) {
	case []any:
		return itemsFromArray(val)
	case map[string]any:
		for _, container := range planContainers {
			if inner, ok := val[container]; ok {
				if items := itemsFromValue(inner); len(items) > 0 {
					return items
				}
			}
		}
		if plan, ok := val["plan"].(map[string]any); ok {
			if inner, ok := plan["steps"]; ok {
				return itemsFromValue(inner)
			}
		}
	}
	return nil
}

func itemsFromArray(arr []any) []planItem {
	items := make([]planItem, 0, len(arr))
	for _, el := range arr {
		switch entry := el.(type) {
		case string:
			if title := strings.TrimSpace(entry); title != "" {
				items = append(items, planItem{Title: title, Priority: PriorityMedium})
			}
		case map[string]any:
			if item, ok := itemFromObject(entry); ok {
				items = append(items, item)
			}
		}
	}
	return items
}

// titleKeys are accepted in order when the entry has no "title".
var titleKeys = []string{"title", "action", "name", "step", "summary", "goal", "objective"}

func itemFromObject(entry map[string]any) (planItem, bool) {
	if metadataOnly(entry) {
		return planItem{}, false
	}
	item := planItem{Priority: PriorityMedium}
	for _, key := range titleKeys {
		if s, ok := entry[key].(string); ok && strings.TrimSpace(s) != "" {
			item.Title = strings.TrimSpace(s)
			break
		}
	}
	if item.Title == "" {
		return planItem{}, false
	}
	if s, ok := entry["description"].(string); ok {
		item.Description = strings.TrimSpace(s)
	}
	if s, ok := entry["priority"].(string); ok {
		if p := Priority(strings.ToLower(strings.TrimSpace(s))); priorityValid(p) {
			item.Priority = p
		}
	}
	item.EstimatedTime = estimateMillis(entry["estimatedTime"])
	return item, true
}

func priorityValid(p Priority) bool {
	_, ok := priorityRank[p]
	return ok
}

// metadataOnly reports whether every key of the entry is advisory
// metadata rather than a step.
func metadataOnly(entry map[string]any) bool {
	if len(entry) == 0 {
		return true
	}
	for key := range entry {
		isMeta := false
		for _, meta := range metadataKeys {
			if key == meta {
				isMeta = true
				break
			}
		}
		if !isMeta {
			return false
		}
	}
	return true
}

// estimateMillis converts minutes (number or "30m"/"1h"-free numeric
// string) into millis.
func estimateMillis(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val) * 60_000
	case string:
		var minutes float64
		if _, err := fmt.Sscanf(strings.TrimSpace(val), "%f", &minutes); err == nil {
			return int64(minutes) * 60_000
		}
	}
	return 0
}

// fallbackPlan picks a generic context-aware plan from goal keywords.
func fallbackPlan(goal string) []planItem {
	lower := strings.ToLower(goal)
	switch {
	case containsAny(lower, "style", "css", "layout", "theme", "ui", "design", "color"):
		return plan(goal,
			"Locate the styles and components involved",
			"Apply the visual changes",
			"Review the result across affected views")
	case containsAny(lower, "all files", "every file", "across the project", "project-wide", "whole project"):
		return plan(goal,
			"Enumerate the files in scope",
			"Apply the change to each file",
			"Verify the project still builds and behaves")
	case containsAny(lower, "implement", "function", "class", "add", "create", "write", "code", "feature"):
		return plan(goal,
			"Review the relevant code and plan the change",
			"Implement the change",
			"Verify the implementation")
	default:
		return plan(goal,
			"Analyze the request and gather context",
			"Carry out the work",
			"Verify the outcome")
	}
}

func plan(goal string, titles ...string) []planItem {
	items := make([]planItem, 0, len(titles))
	for _, title := range titles {
		items = append(items, planItem{
			Title:       title,
			Description: "Part of: " + goal,
			Priority:    PriorityMedium,
		})
	}
	return items
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
