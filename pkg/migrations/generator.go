package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/getpup/searchsync/checkpoint/sqlstore"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// validateIdentifier ensures an identifier contains only safe characters for SQL.
func validateIdentifier(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%s must start with a letter and contain only letters, numbers, and underscores (got: %s)", fieldName, name)
	}
	return nil
}

func validateConfig(config *Config) error {
	if err := validateIdentifier(config.SchemaName, "SchemaName"); err != nil {
		return err
	}
	if err := validateIdentifier(config.CheckpointsTable, "CheckpointsTable"); err != nil {
		return err
	}
	return nil
}

// Config configures migration generation for the checkpoint table.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// SchemaName is the database schema name (PostgreSQL) or database name (MySQL).
	// For SQLite it becomes a table name prefix (e.g., searchsync_checkpoints).
	SchemaName string

	// CheckpointsTable is the name of the checkpoint table
	CheckpointsTable string
}

// DefaultConfig returns the default configuration for checkpoint migrations.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:     "migrations",
		OutputFilename:   fmt.Sprintf("%s_init_searchsync_checkpoints.sql", timestamp),
		SchemaName:       "searchsync",
		CheckpointsTable: "checkpoints",
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return generate(config, generatePostgresSQL)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return generate(config, generateMySQLSQL)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return generate(config, generateSQLiteSQL)
}

func generate(config *Config, render func(*Config) string) error {
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(render(config)), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

func header(database string) string {
	return fmt.Sprintf(`-- Search Index Replication Checkpoint Migration
-- Generated: %s
-- Database: %s

`, time.Now().Format(time.RFC3339), database)
}

// TableName returns the checkpoint table name as the store should be
// configured for the given adapter.
func TableName(adapter string, config *Config) string {
	switch adapter {
	case "postgres":
		return config.SchemaName + "." + config.CheckpointsTable
	case "sqlite":
		return config.SchemaName + "_" + config.CheckpointsTable
	default:
		return config.CheckpointsTable
	}
}

func generatePostgresSQL(config *Config) string {
	table := sqlstore.TableConfig{CheckpointsTable: TableName("postgres", config)}
	return header("PostgreSQL") +
		fmt.Sprintf("-- Create schema for replication state\nCREATE SCHEMA IF NOT EXISTS %s;\n\n", config.SchemaName) +
		sqlstore.MigrationUp(sqlstore.Postgres, table)
}

func generateMySQLSQL(config *Config) string {
	table := sqlstore.TableConfig{CheckpointsTable: TableName("mysql", config)}
	return header("MySQL/MariaDB") +
		fmt.Sprintf(`-- In MySQL, a separate database stands in for a schema
CREATE DATABASE IF NOT EXISTS %s
    DEFAULT CHARACTER SET utf8mb4
    DEFAULT COLLATE utf8mb4_unicode_ci;

USE %s;

`, config.SchemaName, config.SchemaName) +
		sqlstore.MigrationUp(sqlstore.MySQL, table)
}

func generateSQLiteSQL(config *Config) string {
	// SQLite has no schemas, so the schema name becomes a table prefix
	table := sqlstore.TableConfig{CheckpointsTable: TableName("sqlite", config)}
	return header("SQLite") + sqlstore.MigrationUp(sqlstore.SQLite, table)
}
