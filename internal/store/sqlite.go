package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kodex/internal/errs"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的命名 store 实现。
// 每个 store 一张表：key + JSON value + 每个索引字段一列。
// SQLiteStore implements Store on SQLite with WAL mode. Each named
// store is one table: key + JSON value + one column per indexed field.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	defs    map[string]Def
	version int
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errs.E(errs.KindFatal, "sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "create db directory", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "open sqlite", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errs.Wrap(errs.KindFatal, fmt.Sprintf("exec %q", p), err)
		}
	}

	s := &SQLiteStore{db: db, path: dbPath, defs: make(map[string]Def)}
	for _, def := range RequiredStores {
		s.defs[def.Name] = def
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.KindFatal, "migrate schema", err)
	}
	return s, nil
}

func (s *SQLiteStore) SchemaVersion() int { return s.version }

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func tableName(store string) string { return "s_" + store }

func (s *SQLiteStore) def(store string) (Def, error) {
	def, ok := s.defs[store]
	if !ok {
		return Def{}, errs.E(errs.KindInvalidArgument, fmt.Sprintf("unknown store %q", store))
	}
	return def, nil
}

// toRecord marshals value and extracts key + index fields.
func toRecord(def Def, value any) (key string, doc []byte, ix []any, err error) {
	doc, err = json.Marshal(value)
	if err != nil {
		return "", nil, nil, errs.Wrap(errs.KindInvalidArgument, "marshal record", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return "", nil, nil, errs.Wrap(errs.KindInvalidArgument, "record must be a JSON object", err)
	}
	if !def.AutoIncrement {
		raw, ok := fields[def.KeyPath]
		if !ok {
			return "", nil, nil, errs.E(errs.KindInvalidArgument, fmt.Sprintf("record missing key path %q", def.KeyPath))
		}
		key = rawScalar(raw)
		if key == "" {
			return "", nil, nil, errs.E(errs.KindInvalidArgument, fmt.Sprintf("empty key for path %q", def.KeyPath))
		}
	}
	ix = make([]any, 0, len(def.Indices))
	for _, name := range def.Indices {
		ix = append(ix, indexValue(fields[name]))
	}
	return key, doc, ix, nil
}

// rawScalar renders a JSON scalar as its key string (unquoted).
func rawScalar(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return strings.TrimSpace(string(raw))
}

// indexValue decodes a JSON scalar into a driver value preserving
// numeric ordering (sqlite compares numbers numerically).
func indexValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		if num == float64(int64(num)) {
			return int64(num)
		}
		return num
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

func ixCol(name string) string { return "ix_" + name }

func (s *SQLiteStore) Put(ctx context.Context, store string, value any) (string, error) {
	def, err := s.def(store)
	if err != nil {
		return "", err
	}
	key, doc, ix, err := toRecord(def, value)
	if err != nil {
		return "", err
	}

	cols := []string{"value"}
	args := []any{string(doc)}
	for i, name := range def.Indices {
		cols = append(cols, ixCol(name))
		args = append(args, ix[i])
	}

	if def.AutoIncrement {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			tableName(store), strings.Join(cols, ","), placeholders), args...)
		if err != nil {
			return "", errs.Wrap(errs.KindFatal, "insert "+store, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return "", errs.Wrap(errs.KindFatal, "last insert id", err)
		}
		return fmt.Sprintf("%d", id), nil
	}

	cols = append([]string{"key"}, cols...)
	args = append([]any{key}, args...)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		tableName(store), strings.Join(cols, ","), placeholders), args...)
	if err != nil {
		return "", errs.Wrap(errs.KindFatal, "put "+store, err)
	}
	return key, nil
}

// Get decodes the record with the given key into dest. A missing
// record fails soft: ok=false with a nil error.
func (s *SQLiteStore) Get(ctx context.Context, store, key string, dest any) (bool, error) {
	def, err := s.def(store)
	if err != nil {
		return false, err
	}
	keyCol := "key"
	if def.AutoIncrement {
		keyCol = "id"
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT value FROM %s WHERE %s=?", tableName(store), keyCol), key)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		// 读失败软化 / reads fail soft
		return false, nil
	}
	if dest == nil {
		return true, nil
	}
	if err := json.Unmarshal([]byte(doc), dest); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, store, key string) error {
	def, err := s.def(store)
	if err != nil {
		return err
	}
	keyCol := "key"
	if def.AutoIncrement {
		keyCol = "id"
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE %s=?", tableName(store), keyCol), key); err != nil {
		return errs.Wrap(errs.KindFatal, "delete from "+store, err)
	}
	return nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, store string) ([]json.RawMessage, error) {
	if _, err := s.def(store); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT value FROM %s", tableName(store)))
	if err != nil {
		return nil, nil // fail soft
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		out = append(out, json.RawMessage(doc))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ScanIndex(ctx context.Context, store, index string, lo, hi any, fn ScanFunc) error {
	def, err := s.def(store)
	if err != nil {
		return err
	}
	found := false
	for _, name := range def.Indices {
		if name == index {
			found = true
			break
		}
	}
	if !found {
		return errs.E(errs.KindInvalidArgument, fmt.Sprintf("store %q has no index %q", store, index))
	}

	keyCol := "key"
	if def.AutoIncrement {
		keyCol = "id"
	}
	query := fmt.Sprintf("SELECT %s, value FROM %s", keyCol, tableName(store))
	var conds []string
	var args []any
	if lo != nil {
		conds = append(conds, ixCol(index)+" >= ?")
		args = append(args, lo)
	}
	if hi != nil {
		conds = append(conds, ixCol(index)+" <= ?")
		args = append(args, hi)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + ixCol(index) + " ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil // reads fail soft
	}
	defer rows.Close()

	for rows.Next() {
		var key, doc string
		if err := rows.Scan(&key, &doc); err != nil {
			continue
		}
		cont, err := fn(key, json.RawMessage(doc))
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return rows.Err()
}

// PutSettings 在单个读写事务中写入多个设置键
// PutSettings writes multiple settings keys in one read/write
// transaction.
func (s *SQLiteStore) PutSettings(ctx context.Context, values map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO s_settings (key, value) VALUES (?, ?)")
	if err != nil {
		return errs.Wrap(errs.KindFatal, "prepare settings insert", err)
	}
	defer stmt.Close()

	for key, val := range values {
		doc, err := json.Marshal(map[string]any{"key": key, "value": val})
		if err != nil {
			return errs.Wrap(errs.KindInvalidArgument, "marshal setting "+key, err)
		}
		if _, err := stmt.ExecContext(ctx, key, string(doc)); err != nil {
			return errs.Wrap(errs.KindFatal, "put setting "+key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindFatal, "commit settings", err)
	}
	return nil
}
