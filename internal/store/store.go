package store

import (
	"context"
	"encoding/json"
)

// Def 声明一个命名 store：主键路径（或自增）与二级索引
// Def declares a named store: key path (or autoincrement) plus
// secondary indices.
type Def struct {
	Name          string
	KeyPath       string // JSON field used as primary key; ignored when AutoIncrement
	AutoIncrement bool
	Indices       []string // JSON fields with secondary indices
}

// Required stores for the orchestration core. Upgrades may append to
// this set but never remove from it.
var RequiredStores = []Def{
	{Name: "fileHandles", KeyPath: "path"},
	{Name: "codeIndex", KeyPath: "path", Indices: []string{"symbol"}},
	{Name: "sessionState", KeyPath: "key"},
	{Name: "checkpoints", AutoIncrement: true},
	{Name: "settings", KeyPath: "key"},
	{Name: "customRules", KeyPath: "id"},
	{Name: "chatHistory", KeyPath: "id", Indices: []string{"timestamp"}},
	{Name: "toolLogs", AutoIncrement: true, Indices: []string{"timestamp", "toolName"}},
	{Name: "metrics", AutoIncrement: true, Indices: []string{"ts", "provider", "model"}},
}

// ScanFunc receives one record during an index range scan. Returning
// false stops the cursor.
type ScanFunc func(key string, value json.RawMessage) (bool, error)

// Store 持久化接口；读操作失败软化，写操作返回分类错误
// Store is the persistence interface. Reads fail soft; writes return
// classified errors.
type Store interface {
	// Put inserts or replaces a record and returns its key. For
	// autoincrement stores the generated key is returned.
	Put(ctx context.Context, store string, value any) (string, error)
	Get(ctx context.Context, store, key string, dest any) (bool, error)
	Delete(ctx context.Context, store, key string) error
	GetAll(ctx context.Context, store string) ([]json.RawMessage, error)
	// ScanIndex iterates records whose indexed field lies in [lo, hi]
	// in ascending index order. Nil bounds are open.
	ScanIndex(ctx context.Context, store, index string, lo, hi any, fn ScanFunc) error
	// PutSettings writes multiple settings keys in one transaction.
	PutSettings(ctx context.Context, values map[string]any) error

	SchemaVersion() int
	Close() error
}

// GetAs decodes a record into T. Missing records fail soft: the zero
// value and ok=false are returned without an error.
func GetAs[T any](ctx context.Context, s Store, store, key string) (T, bool, error) {
	var out T
	ok, err := s.Get(ctx, store, key, &out)
	if err != nil || !ok {
		var zero T
		return zero, ok, err
	}
	return out, true, nil
}

// GetAllAs decodes every record in a store into []T, skipping records
// that no longer match the current shape.
func GetAllAs[T any](ctx context.Context, s Store, store string) ([]T, error) {
	raws, err := s.GetAll(ctx, store)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
