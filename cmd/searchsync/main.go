// Command searchsync replicates a MongoDB collection into a search index.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/getpup/searchsync/internal/config"
	"github.com/getpup/searchsync/pkg/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:           "searchsync",
		Short:         "Replicate MongoDB collections into search indexes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to a config file (yaml, json or toml)")

	root.AddCommand(newRunCommand(v))
	root.AddCommand(newCheckpointCommand(v))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the searchsync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "searchsync %s\n", version.Version)
		},
	})
	return root
}
