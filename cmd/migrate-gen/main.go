// Command migrate-gen writes the SQL migration that creates the replication
// checkpoint table.
//
//	go run github.com/getpup/searchsync/cmd/migrate-gen --adapter mysql --output migrations
//
// With --adapter all, one file per supported database is written, each named
// after its adapter.
//
//	//go:generate go run github.com/getpup/searchsync/cmd/migrate-gen --adapter all --output migrations
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/getpup/searchsync/pkg/migrations"
)

var generators = map[string]func(*migrations.Config) error{
	"postgres": migrations.GeneratePostgres,
	"mysql":    migrations.GenerateMySQL,
	"sqlite":   migrations.GenerateSQLite,
}

var adapterOrder = []string{"postgres", "mysql", "sqlite"}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	config := migrations.DefaultConfig()
	var adapter string

	cmd := &cobra.Command{
		Use:          "migrate-gen",
		Short:        "Generate the checkpoint table migration",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapters := []string{adapter}
			if adapter == "all" {
				adapters = adapterOrder
			}

			for _, name := range adapters {
				generate, ok := generators[name]
				if !ok {
					return fmt.Errorf("unsupported adapter %q: use postgres, mysql, sqlite or all", name)
				}

				cfg := config
				if adapter == "all" {
					cfg.OutputFilename = name + "_" + config.OutputFilename
				}
				if err := generate(&cfg); err != nil {
					return fmt.Errorf("failed to generate %s migration: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s/%s (table %s)\n",
					name, cfg.OutputFolder, cfg.OutputFilename, migrations.TableName(name, &cfg))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&adapter, "adapter", "postgres", "database adapter: postgres, mysql, sqlite or all")
	flags.StringVar(&config.OutputFolder, "output", config.OutputFolder, "output folder")
	flags.StringVar(&config.OutputFilename, "filename", config.OutputFilename, "output filename")
	flags.StringVar(&config.SchemaName, "schema", config.SchemaName, "schema (postgres), database (mysql) or table prefix (sqlite)")
	flags.StringVar(&config.CheckpointsTable, "checkpoints-table", config.CheckpointsTable, "checkpoint table name")
	return cmd
}
