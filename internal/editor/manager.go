package editor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Strategy classifies how a model is held in memory.
const (
	StrategyStandard  = "standard"
	StrategyLarge     = "large"
	StrategyTruncated = "truncated"
)

const (
	defaultMaxModels     = 20
	defaultMaxBytes      = 100 << 20
	defaultLargeBytes    = 5 << 20
	truncateBytes        = 20 << 20
	pressureNotifyRatio  = 0.80
	pressureCleanupRatio = 0.90
	normalFitRatio       = 0.90
	largeFitRatio        = 0.70
	hibernateIdle        = 5 * time.Minute
	disposeIdle          = 10 * time.Minute
	maintenanceInterval  = 5 * time.Minute
	activeFloor          = 5
)

// ModelInfo 活跃模型的管理元数据
// ModelInfo is the manager's metadata for a live model.
type ModelInfo struct {
	Path         string
	Language     string
	Size         int64
	Strategy     string
	Truncated    bool
	IsLarge      bool
	LastAccessed time.Time
}

// hibernatedInfo 休眠态：仅保留重建所需的元数据，模型已销毁
// hibernatedInfo keeps only what is needed to recreate the model; the
// model itself has been destroyed.
type hibernatedInfo struct {
	Language string
	Size     int64
	Strategy string
}

// ManagerStats is a point-in-time snapshot.
type ManagerStats struct {
	Models      int
	Hibernated  int
	TotalBytes  int64
	MaxBytes    int64
	Utilization float64
	Evictions   int64
	Restores    int64
}

// PressureFunc receives the byte utilization ratio when it crosses the
// notify threshold.
type PressureFunc func(utilization float64)

// ManagerOptions configures a ModelManager; zero values take defaults.
type ManagerOptions struct {
	MaxModels  int
	MaxBytes   int64
	LargeBytes int64
}

// ModelManager 编辑器模型的唯一属主：按数量与字节数双重限额管理生命周期
// ModelManager is the sole owner of editor model lifetimes, bounded by
// both model count and total bytes.
type ModelManager struct {
	view       View
	log        zerolog.Logger
	maxModels  int
	maxBytes   int64
	largeBytes int64

	mu          sync.Mutex
	models      map[string]*ModelInfo
	hibernated  map[string]hibernatedInfo
	totalBytes  int64
	evictions   int64
	restores    int64
	subscribers []PressureFunc

	now func() time.Time
}

func NewModelManager(view View, log zerolog.Logger, opts ManagerOptions) *ModelManager {
	if opts.MaxModels <= 0 {
		opts.MaxModels = defaultMaxModels
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.LargeBytes <= 0 {
		opts.LargeBytes = defaultLargeBytes
	}
	return &ModelManager{
		view:       view,
		log:        log,
		maxModels:  opts.MaxModels,
		maxBytes:   opts.MaxBytes,
		largeBytes: opts.LargeBytes,
		models:     make(map[string]*ModelInfo),
		hibernated: make(map[string]hibernatedInfo),
		now:        time.Now,
	}
}

// SubscribePressure registers a memory-pressure listener.
func (m *ModelManager) SubscribePressure(fn PressureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// GetModel 返回已有模型（触达访问时间、内容变化时更新）、从休眠恢复，
// 或在腾出容量后创建新模型。
// GetModel returns an existing model (touching lastAccessed, updating
// content when changed), restores a hibernated one, or creates a new
// model after ensuring capacity.
func (m *ModelManager) GetModel(path, content, language string) (*ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.models[path]; ok {
		info.LastAccessed = m.now()
		if current, _ := m.view.GetText(path); current != content {
			m.totalBytes += int64(len(content)) - info.Size
			info.Size = int64(len(content))
			if err := m.view.SetText(path, content); err != nil {
				return nil, err
			}
		}
		return info, nil
	}

	if hib, ok := m.hibernated[path]; ok {
		delete(m.hibernated, path)
		m.restores++
		info, err := m.createLocked(path, content, hib.Language)
		if err != nil {
			return nil, err
		}
		if language != "" {
			info.Language = language
		}
		return info, nil
	}

	return m.createLocked(path, content, language)
}

func (m *ModelManager) createLocked(path, content, language string) (*ModelInfo, error) {
	size := int64(len(content))
	truncated := false
	if size > truncateBytes {
		content = content[:truncateBytes]
		size = truncateBytes
		truncated = true
	}
	isLarge := size >= m.largeBytes

	fitRatio := normalFitRatio
	if isLarge {
		fitRatio = largeFitRatio
	}
	budget := int64(float64(m.maxBytes) * fitRatio)
	for m.totalBytes+size > budget && len(m.models) > 0 {
		if !m.evictLRULocked() {
			break
		}
	}
	for len(m.models) >= m.maxModels {
		if !m.evictLRULocked() {
			break
		}
	}

	if err := m.view.CreateModel(path, content, language); err != nil {
		return nil, err
	}
	strategy := StrategyStandard
	switch {
	case truncated:
		strategy = StrategyTruncated
	case isLarge:
		strategy = StrategyLarge
	}
	info := &ModelInfo{
		Path:         path,
		Language:     language,
		Size:         size,
		Strategy:     strategy,
		Truncated:    truncated,
		IsLarge:      isLarge,
		LastAccessed: m.now(),
	}
	m.models[path] = info
	m.totalBytes += size

	m.notifyPressureLocked()
	return info, nil
}

// evictLRULocked removes the least-recently-accessed model. Small
// models hibernate; large models are fully disposed.
func (m *ModelManager) evictLRULocked() bool {
	victim := m.lruLocked(nil)
	if victim == nil {
		return false
	}
	m.evictLocked(victim, !victim.IsLarge)
	return true
}

func (m *ModelManager) evictLocked(info *ModelInfo, hibernate bool) {
	_ = m.view.DisposeModel(info.Path)
	delete(m.models, info.Path)
	m.totalBytes -= info.Size
	m.evictions++
	if hibernate {
		m.hibernated[info.Path] = hibernatedInfo{
			Language: info.Language,
			Size:     info.Size,
			Strategy: info.Strategy,
		}
	}
	m.log.Debug().Str("path", info.Path).Bool("hibernated", hibernate).
		Int64("size", info.Size).Msg("model evicted")
}

// lruLocked returns the least-recently-accessed model passing filter.
func (m *ModelManager) lruLocked(filter func(*ModelInfo) bool) *ModelInfo {
	var victim *ModelInfo
	for _, info := range m.models {
		if filter != nil && !filter(info) {
			continue
		}
		if victim == nil || info.LastAccessed.Before(victim.LastAccessed) {
			victim = info
		}
	}
	return victim
}

func (m *ModelManager) notifyPressureLocked() {
	util := m.utilizationLocked()
	if util > pressureCleanupRatio {
		m.aggressiveCleanupLocked()
		util = m.utilizationLocked()
	}
	if util > pressureNotifyRatio {
		for _, fn := range m.subscribers {
			fn(util)
		}
	}
}

func (m *ModelManager) utilizationLocked() float64 {
	if m.maxBytes == 0 {
		return 0
	}
	return float64(m.totalBytes) / float64(m.maxBytes)
}

// aggressiveCleanupLocked hibernates non-large models untouched for at
// least five minutes, up to half of the eligible entries.
func (m *ModelManager) aggressiveCleanupLocked() {
	cutoff := m.now().Add(-hibernateIdle)
	var eligible []*ModelInfo
	for _, info := range m.models {
		if !info.IsLarge && info.LastAccessed.Before(cutoff) {
			eligible = append(eligible, info)
		}
	}
	if len(eligible) == 0 {
		return
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].LastAccessed.Before(eligible[j].LastAccessed)
	})
	limit := (len(eligible) + 1) / 2
	for _, info := range eligible[:limit] {
		m.evictLocked(info, true)
	}
	m.log.Info().Int("hibernated", limit).Msg("aggressive cleanup under memory pressure")
}

// RenameModel rekeys a model without disposing it.
func (m *ModelManager) RenameModel(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hib, ok := m.hibernated[oldPath]; ok {
		delete(m.hibernated, oldPath)
		m.hibernated[newPath] = hib
		return nil
	}
	info, ok := m.models[oldPath]
	if !ok {
		return m.view.RenameModel(oldPath, newPath)
	}
	if err := m.view.RenameModel(oldPath, newPath); err != nil {
		return err
	}
	delete(m.models, oldPath)
	info.Path = newPath
	m.models[newPath] = info
	return nil
}

// Dispose removes a model entirely (no hibernation).
func (m *ModelManager) Dispose(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hibernated, path)
	if info, ok := m.models[path]; ok {
		m.evictLocked(info, false)
	}
}

// Reset disposes everything; used by checkpoint restore.
func (m *ModelManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.models {
		_ = m.view.DisposeModel(info.Path)
	}
	m.models = make(map[string]*ModelInfo)
	m.hibernated = make(map[string]hibernatedInfo)
	m.totalBytes = 0
}

// Maintain 维护扫描：释放闲置 ≥10 分钟的模型，保留最少 5 个活跃模型
// Maintain disposes models idle for at least ten minutes while keeping
// a floor of five active models.
func (m *ModelManager) Maintain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-disposeIdle)
	var idle []*ModelInfo
	for _, info := range m.models {
		if info.LastAccessed.Before(cutoff) {
			idle = append(idle, info)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastAccessed.Before(idle[j].LastAccessed)
	})
	for _, info := range idle {
		if len(m.models) <= activeFloor {
			break
		}
		m.evictLocked(info, !info.IsLarge)
	}
}

// StartMaintenance runs Maintain on a fixed interval until ctx ends.
func (m *ModelManager) StartMaintenance(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Maintain()
			}
		}
	}()
}

// IsHibernated reports whether path is held in hibernated form.
func (m *ModelManager) IsHibernated(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.hibernated[path]
	return ok
}

func (m *ModelManager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Models:      len(m.models),
		Hibernated:  len(m.hibernated),
		TotalBytes:  m.totalBytes,
		MaxBytes:    m.maxBytes,
		Utilization: m.utilizationLocked(),
		Evictions:   m.evictions,
		Restores:    m.restores,
	}
}
