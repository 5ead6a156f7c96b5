// Package migrations generates SQL migration files for the checkpoint table
// used to resume index replication, for PostgreSQL, MySQL/MariaDB, and SQLite.
package migrations
