package tools

import (
	"context"
	"fmt"
	"time"

	"kodex/internal/errs"
	"kodex/internal/fsbridge"
	"kodex/internal/opcache"
	"kodex/internal/workers"
)

// indexFileLimit skips files too large to be worth indexing.
const indexFileLimit = 512 * 1024

// RegisterCodeTools installs the worker-pool-backed code intelligence
// tool set.
func RegisterCodeTools(r *Registry) {
	for _, t := range codeToolSet() {
		r.Register(t)
	}
}

func codeToolSet() []*Tool {
	return []*Tool{
		{
			Name:            "index_codebase",
			Description:     "Build the symbol and full-text index over the project.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"pattern": {Type: "string", Description: "optional glob restricting indexed files"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				if env.Pool == nil {
					return nil, errs.E(errs.KindInvalidArgument, "worker pool unavailable")
				}
				files, err := collectIndexFiles(env.Bridge, stringParam(params, "pattern"))
				if err != nil {
					return nil, err
				}
				out, err := env.Pool.Execute(ctx, workers.ActionIndexProject, map[string]any{"files": files})
				if err != nil {
					return nil, err
				}
				summary, _ := out.(workers.IndexSummary)
				mirrorIndex(ctx, env, summary)
				return &Result{
					Message: fmt.Sprintf("Indexed %d files (%d symbols)", summary.Files, summary.Symbols),
					Details: map[string]any{"files": summary.Files, "symbols": summary.Symbols},
				}, nil
			},
		},
		{
			Name:            "search_codebase",
			Description:     "Search indexed file contents for a substring.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"query": {Type: "string", Required: true},
				"limit": {Type: "number"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				if env.Pool == nil {
					return nil, errs.E(errs.KindInvalidArgument, "worker pool unavailable")
				}
				query := stringParam(params, "query")
				limit := int(numberParam(params, "limit", 50))

				cacheParams := map[string]any{"query": query, "limit": limit}
				if env.Caches != nil {
					if cached, ok := env.Caches.Search.Get("search_codebase", cacheParams); ok {
						return cached.(*Result), nil
					}
				}

				started := time.Now()
				out, err := env.Pool.Execute(ctx, workers.ActionSearchFiles, cacheParams)
				if err != nil {
					return nil, err
				}
				matches, _ := out.([]workers.SearchMatch)
				details := make([]map[string]any, 0, len(matches))
				for _, m := range matches {
					details = append(details, map[string]any{"path": m.Path, "line": m.Line, "text": m.Text})
				}
				result := &Result{
					Message: fmt.Sprintf("%d matches for %q", len(matches), query),
					Details: map[string]any{"matches": details},
				}
				if env.Caches != nil {
					env.Caches.Search.Set("search_codebase", cacheParams, result, withComputation(started))
				}
				return result, nil
			},
		},
		{
			Name:            "find_symbol",
			Description:     "Look a symbol up in the code index.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"query": {Type: "string", Required: true},
				"limit": {Type: "number"},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				if env.Pool == nil {
					return nil, errs.E(errs.KindInvalidArgument, "worker pool unavailable")
				}
				out, err := env.Pool.Execute(ctx, workers.ActionQueryIndex, map[string]any{
					"query": stringParam(params, "query"),
					"limit": int(numberParam(params, "limit", 20)),
				})
				if err != nil {
					return nil, err
				}
				matches, _ := out.([]workers.QueryMatch)
				details := make([]map[string]any, 0, len(matches))
				for _, m := range matches {
					details = append(details, map[string]any{
						"path": m.Path, "symbol": m.Symbol, "kind": m.Kind, "line": m.Line, "score": m.Score,
					})
				}
				return &Result{
					Message: fmt.Sprintf("%d symbol matches", len(matches)),
					Details: map[string]any{"matches": details},
				}, nil
			},
		},
		{
			Name:            "code_metrics",
			Description:     "Compute line and complexity metrics for one file.",
			RequiresProject: true,
			Params: map[string]ParamSpec{
				"path": {Type: "string", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any, env *Env) (*Result, error) {
				if env.Pool == nil {
					return nil, errs.E(errs.KindInvalidArgument, "worker pool unavailable")
				}
				filePath := stringParam(params, "path")

				cacheParams := map[string]any{"path": filePath}
				if env.Caches != nil {
					if cached, ok := env.Caches.Metrics.Get("code_metrics", cacheParams); ok {
						return cached.(*Result), nil
					}
				}

				data, err := env.Bridge.ReadFile(filePath)
				if err != nil {
					return nil, errs.Wrap(errs.Classify(err), "read "+filePath, err)
				}
				started := time.Now()
				out, err := env.Pool.Execute(ctx, workers.ActionCalculateMetrics, map[string]any{
					"path": filePath, "content": string(data),
				})
				if err != nil {
					return nil, err
				}
				metrics, _ := out.(workers.MetricsResult)
				result := &Result{
					Message: fmt.Sprintf("%s: %d lines, complexity %d", filePath, metrics.TotalLines, metrics.Complexity),
					Details: map[string]any{
						"totalLines":   metrics.TotalLines,
						"codeLines":    metrics.CodeLines,
						"commentLines": metrics.CommentLines,
						"blankLines":   metrics.BlankLines,
						"complexity":   metrics.Complexity,
					},
				}
				if env.Caches != nil {
					opts := withComputation(started)
					opts.Dependencies = []string{filePath}
					env.Caches.Metrics.Set("code_metrics", cacheParams, result, opts)
				}
				return result, nil
			},
		},
	}
}

// mirrorIndex persists per-file symbol lists to the codeIndex store so
// symbol data outlives the worker pool. Write failures leave the
// in-memory index authoritative.
func mirrorIndex(ctx context.Context, env *Env, summary workers.IndexSummary) {
	if env.Store == nil {
		return
	}
	for _, entry := range summary.Entries {
		record := map[string]any{"path": entry.Path, "symbols": entry.Symbols}
		if _, err := env.Store.Put(ctx, "codeIndex", record); err != nil {
			return
		}
	}
}

func withComputation(start time.Time) opcache.SetOptions {
	return opcache.SetOptions{ComputationTime: time.Since(start)}
}

func collectIndexFiles(bridge fsbridge.Bridge, pattern string) ([]workers.IndexedFile, error) {
	var files []workers.IndexedFile
	err := bridge.Walk("", pattern, func(entry fsbridge.EntryInfo) error {
		if entry.IsDir || entry.Size > indexFileLimit {
			return nil
		}
		data, err := bridge.ReadFile(entry.Path)
		if err != nil {
			// unreadable files are skipped, not fatal
			return nil
		}
		files = append(files, workers.IndexedFile{Path: entry.Path, Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Classify(err), "walk project", err)
	}
	return files, nil
}
