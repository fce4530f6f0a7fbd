package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brensch/panelpull/internal/storage"
)

var lsCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List the folders directly under a prefix, to pick the one to pull",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := appConfig.Prefix
		if len(args) > 0 {
			prefix = args[0]
		}
		if err := appConfig.ValidateStorage(); err != nil {
			return err
		}
		store, err := storage.Open(cmd.Context(), appConfig.Storage, getLogger())
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}
		prefixes, err := storage.ListPrefixes(cmd.Context(), store, prefix)
		if err != nil {
			return err
		}
		if len(prefixes) == 0 {
			getLogger().Info("No folders under prefix.", "prefix", prefix)
		}
		for _, p := range prefixes {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}
