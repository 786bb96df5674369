package opcache

import "time"

// Purpose-partitioned caches. Budgets follow the editor's profile:
// parsing dominates, symbol resolution and search are mid-weight,
// metrics results are tiny.
const (
	parseBudget   = 50 << 20
	symbolBudget  = 25 << 20
	metricsBudget = 10 << 20
	searchBudget  = 15 << 20
)

// Set bundles the specialized caches owned by the core.
type Set struct {
	Parse   *Cache
	Symbol  *Cache
	Metrics *Cache
	Search  *Cache
}

func NewSet() *Set {
	return &Set{
		Parse: New(Options{
			MaxBytes:   parseBudget,
			DefaultTTL: 30 * time.Minute,
		}),
		Symbol: New(Options{
			MaxBytes:   symbolBudget,
			DefaultTTL: 15 * time.Minute,
		}),
		Metrics: New(Options{
			MaxBytes:   metricsBudget,
			DefaultTTL: 10 * time.Minute,
		}),
		// The search cache keys on whole-query state rather than
		// individual files, so any file change flushes it wholesale.
		Search: New(Options{
			MaxBytes:                searchBudget,
			DefaultTTL:              5 * time.Minute,
			IgnoreDeps:              true,
			FlushOnFileInvalidation: true,
		}),
	}
}

// InvalidateFile fans a file change out to every cache.
func (s *Set) InvalidateFile(path string) int {
	total := 0
	total += s.Parse.InvalidateByFile(path)
	total += s.Symbol.InvalidateByFile(path)
	total += s.Metrics.InvalidateByFile(path)
	total += s.Search.InvalidateByFile(path)
	return total
}

// Clear empties every cache.
func (s *Set) Clear() {
	s.Parse.Clear()
	s.Symbol.Clear()
	s.Metrics.Clear()
	s.Search.Clear()
}
