package tools

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"kodex/internal/chat"
	"kodex/internal/checkpoint"
	"kodex/internal/errs"
	"kodex/internal/fsbridge"
	"kodex/internal/store"

	"github.com/rs/zerolog"
)

const logStore = "toolLogs"

// LogEntry is one persisted tool-call record.
type LogEntry struct {
	Timestamp    int64          `json:"timestamp"`
	ToolName     string         `json:"toolName"`
	Params       map[string]any `json:"params"`
	Status       string         `json:"status"` // success | failure
	Result       any            `json:"result,omitempty"`
	CheckpointID string         `json:"checkpointId,omitempty"`
}

// Registry 工具注册与派发：校验、项目检查、检查点、结构化日志
// Registry registers tools and dispatches calls: validation, project
// checks, checkpoint snapshots and structured logging.
type Registry struct {
	log         zerolog.Logger
	store       store.Store
	checkpoints *checkpoint.Manager
	env         *Env
	tools       map[string]*Tool
}

func NewRegistry(s store.Store, cp *checkpoint.Manager, env *Env, log zerolog.Logger) *Registry {
	return &Registry{
		log:         log,
		store:       s,
		checkpoints: cp,
		env:         env,
		tools:       make(map[string]*Tool),
	}
}

// Register adds a tool; a duplicate name is a programming error.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; exists {
		panic("tool registered twice: " + t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists all tools as provider-ready schemas, sorted by
// name for stable prompts.
func (r *Registry) Definitions() []chat.ToolDef {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]chat.ToolDef, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// ConnectProject attaches the project filesystem bridge; a nil bridge
// disconnects it and RequiresProject tools start failing with
// NoProject.
func (r *Registry) ConnectProject(bridge fsbridge.Bridge) {
	r.env.Bridge = bridge
}

// Dispatch 执行一次工具调用：校验参数、检查项目、按需快照检查点、
// 调用处理函数并把结果写入 toolLogs。失败的调用一定会被记录。
// Dispatch runs one tool call: validate, enforce RequiresProject,
// snapshot a checkpoint when flagged, invoke the handler, and log the
// outcome to toolLogs. Failed calls are always logged.
func (r *Registry) Dispatch(ctx context.Context, name string, params map[string]any) (*Result, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "unknown tool "+name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := tool.validate(params); err != nil {
		r.logCall(ctx, name, params, "failure", err.Error(), "")
		return nil, err
	}
	if tool.RequiresProject && r.env.Bridge == nil {
		err := errs.E(errs.KindNoProject, name+" requires a connected project")
		r.logCall(ctx, name, params, "failure", err.Error(), "")
		return nil, err
	}

	checkpointID := ""
	if tool.CreatesCheckpoint && r.checkpoints != nil {
		id, err := r.checkpoints.Snapshot(ctx, "before "+name)
		if err != nil {
			r.log.Warn().Err(err).Str("tool", name).Msg("checkpoint snapshot failed")
		} else {
			checkpointID = id
		}
	}

	result, err := tool.Handler(ctx, params, r.env)
	if err != nil {
		r.logCall(ctx, name, params, "failure", err.Error(), checkpointID)
		r.log.Error().Err(err).Str("tool", name).Str("kind", errs.KindOf(err).String()).
			Msg("tool call failed")
		return nil, err
	}
	if result == nil {
		result = &Result{Message: name + " completed"}
	}
	r.logCall(ctx, name, params, "success", result, checkpointID)
	r.log.Debug().Str("tool", name).Str("checkpoint", checkpointID).Msg("tool call succeeded")
	return result, nil
}

// DispatchRaw parses a JSON argument string and dispatches; the result
// (or classified error) is rendered as JSON for the tool turn.
func (r *Registry) DispatchRaw(ctx context.Context, name, arguments string) string {
	params := map[string]any{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &params); err != nil {
			return errorJSON(errs.Wrap(errs.KindInvalidArgument, "parse tool arguments", err))
		}
	}
	result, err := r.Dispatch(ctx, name, params)
	if err != nil {
		return errorJSON(err)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorJSON(err)
	}
	return string(raw)
}

func errorJSON(err error) string {
	raw, _ := json.Marshal(map[string]any{
		"error": err.Error(),
		"kind":  errs.KindOf(err).String(),
	})
	return string(raw)
}

func (r *Registry) logCall(ctx context.Context, name string, params map[string]any, status string, result any, checkpointID string) {
	entry := LogEntry{
		Timestamp:    time.Now().UnixMilli(),
		ToolName:     name,
		Params:       params,
		Status:       status,
		Result:       result,
		CheckpointID: checkpointID,
	}
	if _, err := r.store.Put(ctx, logStore, entry); err != nil {
		r.log.Warn().Err(err).Str("tool", name).Msg("tool log write failed")
	}
}

// QueryLogs returns tool-call records, filtered by time range on the
// timestamp index or by tool name on the toolName index.
func (r *Registry) QueryLogs(ctx context.Context, since time.Time, toolName string) ([]LogEntry, error) {
	var out []LogEntry
	collect := func(_ string, raw json.RawMessage) (bool, error) {
		var entry LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return true, nil
		}
		if toolName != "" && entry.ToolName != toolName {
			return true, nil
		}
		if !since.IsZero() && entry.Timestamp < since.UnixMilli() {
			return true, nil
		}
		out = append(out, entry)
		return true, nil
	}
	if toolName != "" {
		if err := r.store.ScanIndex(ctx, logStore, "toolName", toolName, toolName, collect); err != nil {
			return nil, err
		}
		return out, nil
	}
	var lo any
	if !since.IsZero() {
		lo = since.UnixMilli()
	}
	if err := r.store.ScanIndex(ctx, logStore, "timestamp", lo, nil, collect); err != nil {
		return nil, err
	}
	return out, nil
}
