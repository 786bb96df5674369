// Package opcache caches expensive operation results keyed by
// (operation, normalized params), with TTLs, declared file
// dependencies, and efficiency-scored eviction.
package opcache

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

const depStaleAfter = 10 * time.Minute

// Entry is one cached computation.
type Entry struct {
	Key             string
	Value           any
	Timestamp       time.Time
	LastAccessed    time.Time
	AccessCount     int64
	Size            int64
	TTL             time.Duration
	Dependencies    []string
	ComputationTime time.Duration
	Tags            []string
}

type depStamp struct {
	modTime    time.Time
	recordedAt time.Time
}

// Stats counts cache activity.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	Invalidations int64
	Entries       int
	Bytes         int64
}

// SetOptions annotate a stored value.
type SetOptions struct {
	TTL             time.Duration
	Dependencies    []string
	ComputationTime time.Duration
	Tags            []string
	// Size overrides the JSON-estimated byte size when nonzero.
	Size int64
}

// Options bound the cache.
type Options struct {
	MaxBytes   int64
	MaxEntries int
	DefaultTTL time.Duration
	// IgnoreDeps skips per-file dependency validation (search cache).
	IgnoreDeps bool
	// FlushOnFileInvalidation clears the whole cache when any file is
	// invalidated (search cache).
	FlushOnFileInvalidation bool
}

// Cache 操作缓存；键确定性来自递归排序后的参数序列化
// Cache is the operation cache; key determinism comes from params
// serialized with recursively sorted object keys.
type Cache struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*Entry
	deps    map[string]depStamp // file path -> stamp at record time
	bytes   int64
	stats   Stats

	now  func() time.Time
	stat func(path string) (time.Time, error)
}

func New(opts Options) *Cache {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 25 << 20
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Minute
	}
	return &Cache{
		opts:    opts,
		entries: make(map[string]*Entry),
		deps:    make(map[string]depStamp),
		now:     time.Now,
		stat: func(path string) (time.Time, error) {
			fi, err := os.Stat(path)
			if err != nil {
				return time.Time{}, err
			}
			return fi.ModTime(), nil
		},
	}
}

// Key 生成确定性键：encoding/json 对 map 键递归排序
// Key builds the deterministic cache key; encoding/json sorts map keys
// recursively, so round-tripping params through `any` normalizes them.
func Key(operation string, params any) string {
	data, err := json.Marshal(params)
	if err != nil {
		return operation + "::" + fmt.Sprintf("%v", params)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err == nil {
		if normalized, err := json.Marshal(generic); err == nil {
			data = normalized
		}
	}
	return operation + "::" + string(data)
}

// Get returns nil,false on miss, expiry, or invalid dependencies.
func (c *Cache) Get(operation string, params any) (any, bool) {
	key := Key(operation, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	now := c.now()
	if e.TTL > 0 && now.After(e.Timestamp.Add(e.TTL)) {
		c.removeLocked(e)
		c.stats.Misses++
		return nil, false
	}
	if !c.opts.IgnoreDeps && !c.depsValidLocked(e, now) {
		c.removeLocked(e)
		c.stats.Invalidations++
		c.stats.Misses++
		return nil, false
	}
	e.LastAccessed = now
	e.AccessCount++
	c.stats.Hits++
	return e.Value, true
}

func (c *Cache) depsValidLocked(e *Entry, now time.Time) bool {
	for _, path := range e.Dependencies {
		stamp, ok := c.deps[path]
		if !ok {
			return false
		}
		if now.Sub(stamp.recordedAt) > depStaleAfter {
			return false
		}
		if mod, err := c.stat(path); err == nil && !mod.Equal(stamp.modTime) {
			return false
		}
	}
	return true
}

// Set stores a value, evicting lowest-efficiency entries until both
// the byte and entry bounds hold.
func (c *Cache) Set(operation string, params any, value any, opts SetOptions) {
	key := Key(operation, params)
	size := opts.Size
	if size <= 0 {
		if data, err := json.Marshal(value); err == nil {
			size = int64(len(data))
		} else {
			size = 64
		}
	}
	if size > c.opts.MaxBytes {
		return // would never fit
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	for (c.bytes+size > c.opts.MaxBytes || len(c.entries) >= c.opts.MaxEntries) && len(c.entries) > 0 {
		c.evictLowestLocked()
	}

	deps := append([]string(nil), opts.Dependencies...)
	if c.opts.IgnoreDeps {
		deps = nil
	}
	for _, path := range deps {
		mod, err := c.stat(path)
		if err != nil {
			mod = time.Time{}
		}
		c.deps[path] = depStamp{modTime: mod, recordedAt: now}
	}

	c.entries[key] = &Entry{
		Key:             key,
		Value:           value,
		Timestamp:       now,
		LastAccessed:    now,
		AccessCount:     0,
		Size:            size,
		TTL:             ttl,
		Dependencies:    deps,
		ComputationTime: opts.ComputationTime,
		Tags:            append([]string(nil), opts.Tags...),
	}
	c.bytes += size
}

// efficiencyScore balances access rate, recency, saved computation and
// size: accessRate*10 + recencyBonus + min(compSeconds,10) - sizeMB.
func (c *Cache) efficiencyScore(e *Entry, now time.Time) float64 {
	ageMinutes := now.Sub(e.Timestamp).Minutes()
	if ageMinutes < 1 {
		ageMinutes = 1
	}
	accessRate := float64(e.AccessCount) / ageMinutes
	recencyBonus := math.Max(0, 10-now.Sub(e.LastAccessed).Minutes())
	compSeconds := math.Min(e.ComputationTime.Seconds(), 10)
	sizeMB := float64(e.Size) / (1 << 20)
	return accessRate*10 + recencyBonus + compSeconds - sizeMB
}

func (c *Cache) evictLowestLocked() {
	now := c.now()
	var victim *Entry
	lowest := math.Inf(1)
	for _, e := range c.entries {
		score := c.efficiencyScore(e, now)
		if score < lowest {
			lowest = score
			victim = e
		}
	}
	if victim != nil {
		c.removeLocked(victim)
		c.stats.Evictions++
	}
}

func (c *Cache) removeLocked(e *Entry) {
	delete(c.entries, e.Key)
	c.bytes -= e.Size
}

// InvalidateByFile removes entries depending on path and returns the
// count removed. A flush-on-invalidation cache clears entirely.
func (c *Cache) InvalidateByFile(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.FlushOnFileInvalidation {
		n := len(c.entries)
		c.entries = make(map[string]*Entry)
		c.bytes = 0
		if n > 0 {
			c.stats.Invalidations += int64(n)
		}
		return n
	}

	delete(c.deps, path)
	var removed int
	for _, e := range c.entries {
		for _, dep := range e.Dependencies {
			if dep == path {
				c.removeLocked(e)
				removed++
				break
			}
		}
	}
	c.stats.Invalidations += int64(removed)
	return removed
}

// InvalidateByTags removes entries carrying any of the given tags.
func (c *Cache) InvalidateByTags(tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	want := make(map[string]bool, len(tags))
	for _, tag := range tags {
		want[tag] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for _, e := range c.entries {
		for _, tag := range e.Tags {
			if want[tag] {
				c.removeLocked(e)
				removed++
				break
			}
		}
	}
	c.stats.Invalidations += int64(removed)
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.deps = make(map[string]depStamp)
	c.bytes = 0
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.bytes
	return s
}

// Keys returns the cached keys in sorted order (diagnostics).
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
