package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/internal/config"
	"github.com/getpup/searchsync/resume"
)

// newCheckpointCommand inspects and edits the stored position of the
// configured generation. It reads settings from --config and the
// environment only.
func newCheckpointCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or replace the stored replication position",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored position as extended JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpoints(cmd, v, func(store checkpoint.Store, gen searchsync.GenerationID) error {
				info, err := store.Load(cmd.Context(), gen)
				if errors.Is(err, checkpoint.ErrNotFound) {
					return fmt.Errorf("no checkpoint for generation %s", gen)
				}
				if err != nil {
					return err
				}
				data, err := resume.MarshalExtJSON(info)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
				return nil
			})
		},
	})

	set := &cobra.Command{
		Use:   "set [file]",
		Short: "Replace the stored position with extended JSON from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			info, err := resume.UnmarshalExtJSON(data)
			if err != nil {
				return err
			}
			return withCheckpoints(cmd, v, func(store checkpoint.Store, gen searchsync.GenerationID) error {
				if err := store.Save(cmd.Context(), gen, info); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s checkpoint for generation %s\n", info.Kind(), gen)
				return nil
			})
		},
	}
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Delete the stored position so the next run starts an initial sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpoints(cmd, v, func(store checkpoint.Store, gen searchsync.GenerationID) error {
				if err := store.Delete(cmd.Context(), gen); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted checkpoint for generation %s\n", gen)
				return nil
			})
		},
	})
	return cmd
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return data, nil
}

func withCheckpoints(cmd *cobra.Command, v *viper.Viper, fn func(checkpoint.Store, searchsync.GenerationID) error) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return err
	}
	if cfg.Checkpoint.Driver == config.DriverMemory {
		return errors.New("the memory checkpoint store does not outlive a run")
	}

	store, closeStore, err := openCheckpoints(cmd.Context(), cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	return fn(store, searchsync.GenerationID{IndexID: cfg.Index.ID, Generation: cfg.Index.Generation})
}
