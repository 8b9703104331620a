package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sealed-backup/internal/config"
)

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after merging defaults, the config file, environment
variables and flags. Storage credentials are masked.

Environment variables use the prefix SEALED_BACKUP_, for example:
  SEALED_BACKUP_COMPRESSION_ALGORITHM=gzip
  SEALED_BACKUP_STORAGE_PROVIDER=s3
  SEALED_BACKUP_STORAGE_S3_BUCKET=my-backups

The passphrase is never read from configuration or the environment.

Examples:
  # Show the effective configuration
  sealed-backup config

  # Write a starter configuration file
  sealed-backup config init`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Render(opts.config)
			if err != nil {
				return err
			}
			if used := opts.loader.ConfigFileUsed(); used != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", used)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.AddCommand(newConfigInitCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a configuration file with the defaults",
		Long: fmt.Sprintf(`Write the default configuration to PATH, or $HOME/%s.yaml when omitted.
An existing file is never replaced.`, config.FileName),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("cannot locate home directory: %w", err)
				}
				path = filepath.Join(home, config.FileName+".yaml")
			}

			if err := config.WriteTemplate(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
}
