// Package sqlstore implements checkpoint.Store on top of database/sql for
// PostgreSQL, MySQL/MariaDB and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/resume"
)

// Store is a SQL implementation of checkpoint.Store. The caller owns db and
// is responsible for importing the matching driver.
type Store struct {
	db      *sql.DB
	dialect Dialect
	config  TableConfig

	loadQuery   string
	saveQuery   string
	deleteQuery string
}

// New creates a store with the default table name.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	return NewWithConfig(db, dialect, DefaultTableConfig())
}

// NewWithConfig creates a store with a custom table name.
func NewWithConfig(db *sql.DB, dialect Dialect, config TableConfig) (*Store, error) {
	if _, err := ParseDialect(string(dialect)); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid table configuration: %w", err)
	}

	table := config.CheckpointsTable
	s := &Store{
		db:      db,
		dialect: dialect,
		config:  config,
		loadQuery: rebind(dialect, fmt.Sprintf(`
		SELECT resume_info
		FROM %s
		WHERE index_id = ? AND generation = ?
	`, table)),
		deleteQuery: rebind(dialect, fmt.Sprintf(`
		DELETE FROM %s
		WHERE index_id = ? AND generation = ?
	`, table)),
	}

	switch dialect {
	case Postgres:
		s.saveQuery = fmt.Sprintf(`
		INSERT INTO %s (index_id, generation, kind, resume_info, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (index_id, generation)
		DO UPDATE SET kind = EXCLUDED.kind, resume_info = EXCLUDED.resume_info, updated_at = NOW()
	`, table)
	case MySQL:
		s.saveQuery = fmt.Sprintf(`
		INSERT INTO %s (index_id, generation, kind, resume_info, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP(6))
		ON DUPLICATE KEY UPDATE kind = VALUES(kind), resume_info = VALUES(resume_info), updated_at = CURRENT_TIMESTAMP(6)
	`, table)
	case SQLite:
		s.saveQuery = fmt.Sprintf(`
		INSERT INTO %s (index_id, generation, kind, resume_info, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (index_id, generation)
		DO UPDATE SET kind = excluded.kind, resume_info = excluded.resume_info, updated_at = datetime('now')
	`, table)
	}

	return s, nil
}

// Migrate creates the checkpoints table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements(s.dialect, s.config) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate checkpoints table: %w", err)
		}
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, gen searchsync.GenerationID) (resume.Info, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.loadQuery, gen.IndexID, gen.Generation).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", gen, err)
	}

	return resume.Unmarshal(data)
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, gen searchsync.GenerationID, info resume.Info) error {
	data, err := resume.Marshal(info)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, s.saveQuery, gen.IndexID, gen.Generation, string(info.Kind()), data); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", gen, err)
	}
	return nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, gen searchsync.GenerationID) error {
	if _, err := s.db.ExecContext(ctx, s.deleteQuery, gen.IndexID, gen.Generation); err != nil {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", gen, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func rebind(dialect Dialect, query string) string {
	if dialect != Postgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

var _ checkpoint.Store = (*Store)(nil)
