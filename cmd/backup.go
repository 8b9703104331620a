package cmd

import (
	"github.com/spf13/cobra"

	"sealed-backup/internal/application"
)

// runFlags are the flags shared by backup and restore
type runFlags struct {
	destination   string
	usePassphrase bool
}

func (rf *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&rf.destination, "destination", "d", "", "directory to write into (default is the working directory)")
	cmd.Flags().BoolVarP(&rf.usePassphrase, "passphrase", "p", false, "prompt for a passphrase instead of using the key file")
}

func newBackupCommand(opts *globalOptions) *cobra.Command {
	var (
		flags  runFlags
		upload bool
	)

	cmd := &cobra.Command{
		Use:   "backup [flags] PATH...",
		Short: "Archive and encrypt files or directories",
		Long: `Archive, compress and encrypt each PATH into its own artifact named
<name>.backup_<YYYYMMDDHHmm>.tar.<zst|gz|lz4>.sbk in the destination directory.

Every path is checked before any work starts. Paths are processed in order and
the run stops at the first failure; artifacts already written are kept.

Examples:
  # Back up a directory with the key file
  sealed-backup backup ~/Documents

  # Back up with a passphrase into /backups using gzip
  sealed-backup backup -p -d /backups --compression gzip ~/Documents notes.txt

  # Also copy each artifact to the configured artifact store
  sealed-backup backup --upload ~/Documents`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), application.Request{
				Action:        string(application.ActionBackup),
				Destination:   flags.destination,
				UsePassphrase: flags.usePassphrase,
				Paths:         args,
				Upload:        upload,
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&upload, "upload", false, "copy each artifact to the configured artifact store")
	return cmd
}

func newRestoreCommand(opts *globalOptions) *cobra.Command {
	var (
		flags       runFlags
		fromStorage bool
	)

	cmd := &cobra.Command{
		Use:   "restore [flags] ARTIFACT...",
		Short: "Decrypt and extract backup artifacts",
		Long: `Decrypt and extract each ARTIFACT into the destination directory.

Decrypted data is staged in a temporary directory, so a wrong passphrase or a
damaged artifact leaves the destination untouched.

Examples:
  # Restore into the working directory with the key file
  sealed-backup restore Documents.backup_202401021504.tar.zst.sbk

  # Restore a passphrase artifact into /tmp/restore
  sealed-backup restore -p -d /tmp/restore Documents.backup_202401021504.tar.zst.sbk

  # Download from the configured artifact store and restore
  sealed-backup restore --from-storage Documents.backup_202401021504.tar.zst.sbk`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), application.Request{
				Action:        string(application.ActionRestore),
				Destination:   flags.destination,
				UsePassphrase: flags.usePassphrase,
				Paths:         args,
				FromStorage:   fromStorage,
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&fromStorage, "from-storage", false, "treat each ARTIFACT as a name in the configured artifact store")
	return cmd
}
