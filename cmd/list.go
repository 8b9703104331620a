package cmd

import (
	"github.com/spf13/cobra"

	"sealed-backup/internal/application"
)

func newListCommand(opts *globalOptions) *cobra.Command {
	var req application.ListRequest

	cmd := &cobra.Command{
		Use:   "list [flags] [PREFIX]",
		Short: "List backup artifacts",
		Long: `List the backup artifacts in a directory or in the configured artifact store,
optionally only those whose name starts with PREFIX.

Examples:
  # List artifacts in /backups
  sealed-backup list -d /backups

  # List Documents artifacts in the configured store as JSON
  sealed-backup list --from-storage --format json Documents`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Prefix = args[0]
			}

			app, err := opts.newApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.List(cmd.Context(), req); err != nil {
				return reportedError{err}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Directory, "destination", "d", "", "directory to list (default is the working directory)")
	cmd.Flags().BoolVar(&req.FromStorage, "from-storage", false, "list the configured artifact store")
	return cmd
}
