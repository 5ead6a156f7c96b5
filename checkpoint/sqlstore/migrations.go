package sqlstore

import (
	"fmt"
	"regexp"
	"strings"
)

// Dialect selects the SQL flavour of the backing database. The values match
// the database/sql driver names.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite3"
)

// ParseDialect maps a driver name onto a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(driver)); d {
	case Postgres, MySQL, SQLite:
		return d, nil
	case "sqlite":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported checkpoint dialect %q (supported: postgres, mysql, sqlite3)", driver)
	}
}

// TableConfig configures the table that holds checkpoints.
type TableConfig struct {
	// CheckpointsTable is the table name. PostgreSQL accepts a
	// schema-qualified name such as "searchsync.checkpoints".
	CheckpointsTable string
}

// DefaultTableConfig returns the default table configuration.
func DefaultTableConfig() TableConfig {
	return TableConfig{CheckpointsTable: "searchsync_checkpoints"}
}

var tableNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)?$`)

// Validate ensures the table name is safe to interpolate into SQL.
func (c TableConfig) Validate() error {
	if c.CheckpointsTable == "" {
		return fmt.Errorf("CheckpointsTable cannot be empty")
	}
	if !tableNameRegex.MatchString(c.CheckpointsTable) {
		return fmt.Errorf("CheckpointsTable must be an identifier optionally qualified by a schema (got: %s)", c.CheckpointsTable)
	}
	return nil
}

func indexPrefix(table string) string {
	return strings.ReplaceAll(table, ".", "_")
}

func migrationStatements(dialect Dialect, config TableConfig) []string {
	table := config.CheckpointsTable
	idx := indexPrefix(table)

	switch dialect {
	case Postgres:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    index_id TEXT NOT NULL,
    generation BIGINT NOT NULL,
    kind TEXT NOT NULL,
    resume_info BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (index_id, generation)
)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s (updated_at DESC)`, idx, table),
		}
	case MySQL:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    index_id VARCHAR(255) NOT NULL,
    generation BIGINT NOT NULL,
    kind VARCHAR(32) NOT NULL,
    resume_info MEDIUMBLOB NOT NULL,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
    PRIMARY KEY (index_id, generation),
    INDEX idx_%s_updated (updated_at DESC)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, table, idx),
		}
	case SQLite:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    index_id TEXT NOT NULL,
    generation INTEGER NOT NULL,
    kind TEXT NOT NULL,
    resume_info BLOB NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (index_id, generation)
)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s (updated_at DESC)`, idx, table),
		}
	default:
		return nil
	}
}

// MigrationUp returns the SQL that creates the checkpoints table.
func MigrationUp(dialect Dialect, config TableConfig) string {
	return fmt.Sprintf("-- Create %s table\n%s;\n", config.CheckpointsTable,
		strings.Join(migrationStatements(dialect, config), ";\n\n"))
}

// MigrationDown returns the SQL that drops the checkpoints table.
func MigrationDown(config TableConfig) string {
	return fmt.Sprintf("-- Drop %s table\nDROP TABLE IF EXISTS %s;\n", config.CheckpointsTable, config.CheckpointsTable)
}
