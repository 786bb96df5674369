// Package bootstrap wires the subsystems together in dependency order:
// logging, store, filesystem bridge, editor models, caches, worker
// pool, tools, task manager, LLM facade, intent classifier and the
// orchestrator.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kodex/internal/checkpoint"
	"kodex/internal/config"
	"kodex/internal/editor"
	"kodex/internal/fsbridge"
	"kodex/internal/intent"
	"kodex/internal/llm"
	"kodex/internal/logging"
	"kodex/internal/metrics"
	"kodex/internal/opcache"
	"kodex/internal/orchestrator"
	"kodex/internal/provider"
	"kodex/internal/store"
	"kodex/internal/task"
	"kodex/internal/tools"
	"kodex/internal/workers"

	"github.com/rs/zerolog"
)

// BuildResult 与 UI 无关的构建结果，供 main 构造 REPL
// BuildResult is UI-agnostic; main uses it to construct the REPL.
// The caller must defer result.Close().
type BuildResult struct {
	Orch     *orchestrator.Orchestrator
	Facade   *llm.Facade
	Intent   *intent.Classifier
	Registry *tools.Registry
	Tasks    *task.Manager
	Models   *editor.ModelManager
	View     editor.View
	Caches   *opcache.Set
	Pool     *workers.Pool
	Metrics  *metrics.Pipeline
	Store    store.Store
	Log      zerolog.Logger

	ProjectRoot string
	Model       string
}

// Close releases background workers and the persistent store.
func (r *BuildResult) Close() error {
	if r.Pool != nil {
		r.Pool.Close()
	}
	if r.Store != nil {
		return r.Store.Close()
	}
	return nil
}

// Build 按依赖顺序初始化全部子系统；ctx 约束所有后台协程的生命周期
// Build initializes every subsystem in dependency order. ctx bounds
// the lifetime of background goroutines (cache watcher, stale task
// cleanup, initial index).
func Build(ctx context.Context, cfg config.Config, projectRoot string, grantFn func() bool) (*BuildResult, error) {
	log := logging.New(logging.Options{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.FilePath,
		Console:  cfg.Logging.FilePath == "",
	})

	root, err := resolveProjectRoot(cfg, projectRoot)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.Storage.BaseDir, "kodex.db")
	sqliteStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	bridge, err := fsbridge.NewOSBridge(root, grantFn)
	if err != nil {
		_ = sqliteStore.Close()
		return nil, fmt.Errorf("open project %s: %w", root, err)
	}

	view := editor.NewMemView()
	models := editor.NewModelManager(view, logging.Component(log, "editor"), editor.ManagerOptions{
		MaxModels:  cfg.Cache.MaxModels,
		MaxBytes:   cfg.Cache.MaxModelBytes,
		LargeBytes: cfg.Cache.LargeFileBytes,
	})

	caches := opcache.NewSet()
	if watcher, werr := opcache.NewWatcher(root, caches, logging.Component(log, "opcache")); werr != nil {
		// Caches still work without invalidation; entries just live out their TTL.
		log.Warn().Err(werr).Msg("cache watcher unavailable")
	} else {
		go watcher.Run(ctx)
	}

	pool := workers.NewPool(logging.Component(log, "workers"), workers.Options{})

	tasks := task.NewManager(sqliteStore, logging.Component(log, "task"))
	if err := tasks.Load(ctx); err != nil {
		pool.Close()
		_ = sqliteStore.Close()
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	if cfg.StaleTask.Enabled {
		tasks.StartStaleCleanup(ctx, task.StaleConfig{
			Enabled:             true,
			InactivityThreshold: time.Duration(cfg.StaleTask.InactivityThresholdMS) * time.Millisecond,
			CheckInterval:       time.Duration(cfg.StaleTask.CheckIntervalMS) * time.Millisecond,
			Action:              cfg.StaleTask.Action,
		})
	}

	cp := checkpoint.NewManager(sqliteStore, view, models, bridge, logging.Component(log, "checkpoint"))
	env := &tools.Env{
		Bridge:     bridge,
		Models:     models,
		Caches:     caches,
		Tasks:      tasks,
		Pool:       pool,
		Store:      sqliteStore,
		ReadBudget: cfg.Runtime.ReadBudgetBytes,
	}
	registry := tools.NewRegistry(sqliteStore, cp, env, logging.Component(log, "tools"))
	tools.RegisterFileTools(registry)
	tools.RegisterTaskTools(registry)
	tools.RegisterCodeTools(registry)

	pipeline := metrics.NewPipeline(sqliteStore, logging.Component(log, "metrics"))

	providerCfg, err := cfg.ActiveProvider()
	if err != nil {
		pool.Close()
		_ = sqliteStore.Close()
		return nil, err
	}
	client := provider.NewOpenAIProvider(provider.OpenAIConfig{
		BaseURL:   providerCfg.BaseURL,
		APIKey:    providerCfg.APIKey,
		Model:     providerCfg.Model,
		TimeoutMS: providerCfg.TimeoutMS,
	})

	facade := llm.New(client, registry, pipeline, cfg.LLM, cfg.CustomRules, logging.Component(log, "llm"))
	// Task breakdown and replanning go through the same facade.
	env.Planner = facade

	classifier := intent.NewClassifier(facade, logging.Component(log, "intent"))
	orch := orchestrator.New(tasks, facade, facade, registry, sqliteStore,
		cfg.Runtime.MaxSteps, logging.Component(log, "orchestrator"))

	// Session settings are persisted so external inspection tools see
	// the active configuration.
	if err := sqliteStore.PutSettings(ctx, map[string]any{
		"llm.provider":         cfg.LLM.Provider,
		"llm.model":            providerCfg.Model,
		"runtime.project_root": root,
	}); err != nil {
		log.Warn().Err(err).Msg("persist settings failed")
	}

	// Warm the code index so search and symbol tools answer immediately.
	go func() {
		if _, err := registry.Dispatch(ctx, "index_codebase", nil); err != nil {
			log.Debug().Err(err).Msg("initial index failed")
		}
	}()

	return &BuildResult{
		Orch:        orch,
		Facade:      facade,
		Intent:      classifier,
		Registry:    registry,
		Tasks:       tasks,
		Models:      models,
		View:        view,
		Caches:      caches,
		Pool:        pool,
		Metrics:     pipeline,
		Store:       sqliteStore,
		Log:         log,
		ProjectRoot: root,
		Model:       providerCfg.Model,
	}, nil
}

func resolveProjectRoot(cfg config.Config, override string) (string, error) {
	root := strings.TrimSpace(override)
	if root == "" {
		root = strings.TrimSpace(cfg.Runtime.ProjectRoot)
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve cwd: %w", err)
		}
		root = cwd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root %s: %w", root, err)
	}
	return abs, nil
}
