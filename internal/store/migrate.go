package store

import (
	"fmt"
	"strings"
)

// migration 单个递增迁移；fn 必须幂等
// A migration is one monotonic step; fn must be idempotent.
type migration struct {
	version int
	apply   func(s *SQLiteStore) error
}

// Schema history starts at v12 (the first versioned layout of the
// orchestration core). Upgrades preserve prior stores and add indices
// additively.
var migrations = []migration{
	{version: 12, apply: func(s *SQLiteStore) error {
		for _, def := range RequiredStores {
			if err := s.createStore(def); err != nil {
				return err
			}
		}
		return nil
	}},
	{version: 13, apply: func(s *SQLiteStore) error {
		// toolName index arrived after the initial toolLogs layout.
		return s.createIndices(s.defs["toolLogs"])
	}},
}

func (s *SQLiteStore) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(s); err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			return fmt.Errorf("bump user_version to %d: %w", m.version, err)
		}
		current = m.version
	}
	s.version = current
	return nil
}

func (s *SQLiteStore) createStore(def Def) error {
	keyCol := "key TEXT PRIMARY KEY"
	if def.AutoIncrement {
		keyCol = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	cols := []string{keyCol, "value TEXT NOT NULL"}
	for _, name := range def.Indices {
		cols = append(cols, ixCol(name))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		tableName(def.Name), strings.Join(cols, ", "))
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("create store %s: %w", def.Name, err)
	}
	return s.createIndices(def)
}

func (s *SQLiteStore) createIndices(def Def) error {
	for _, name := range def.Indices {
		ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			def.Name, name, tableName(def.Name), ixCol(name))
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("create index %s.%s: %w", def.Name, name, err)
		}
	}
	return nil
}
