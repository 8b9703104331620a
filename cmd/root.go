package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"sealed-backup/internal/application"
	"sealed-backup/internal/config"
	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/logging"
)

// globalOptions holds flags shared by every command
type globalOptions struct {
	cfgFile   string
	verbose   bool
	quiet     bool
	debug     bool
	logFile   string
	logFormat string
	noColor   bool
	format    string
	compress  string
	level     int
	keyFile   string

	loader *config.Loader
	config *config.Config

	stdout io.Writer
	stderr io.Writer

	// appOptions are appended to every Application, tests inject fakes here
	appOptions []application.Option
}

// flagBindings maps global flags onto configuration keys
var flagBindings = map[string]string{
	"log-file":    "log.file",
	"log-format":  "log.format",
	"format":      "display.output_format",
	"compression": "compression.algorithm",
	"level":       "compression.level",
	"key-file":    "encryption.key_file",
}

// reportedError marks an error whose user message was already written to stderr
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// NewRootCommand builds the sealed-backup command tree
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdout: stdout, stderr: stderr}
	return newRootCommand(opts)
}

func newRootCommand(opts *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sealed-backup",
		Short: "Archive, compress and encrypt files and directories into sealed backups",
		Long: `sealed-backup turns files and directories into timestamped, encrypted
backup artifacts and restores them again.

Each input is archived with tar, compressed (zstd by default) and sealed with
AES-256-GCM. The key comes from a passphrase typed at a hidden prompt (-p) or
from a key file created on first use at $HOME/.sealed-backup/key.

Examples:
  # Back up two directories into /backups with a passphrase
  sealed-backup backup -p -d /backups ~/Documents ~/Photos

  # Restore an artifact into the working directory
  sealed-backup restore -p /backups/Documents.backup_202401021504.tar.zst.sbk

  # Back up and copy the artifact to the configured store
  sealed-backup backup --upload ~/Documents

  # List artifacts in the configured store
  sealed-backup list --from-storage`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: opts.load,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(opts.stderr, cmd.UsageString())
			return apperrors.NewUsageError("no action given").
				WithUserMessage("Missing action. Run 'sealed-backup --help' for usage.")
		},
	}
	rootCmd.SetOut(opts.stdout)
	rootCmd.SetErr(opts.stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", fmt.Sprintf("config file (default is $HOME/%s.yaml)", config.FileName))
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress non-error output")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.StringVar(&opts.logFile, "log-file", "", "also write logs to this file")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable color output")
	flags.StringVar(&opts.format, "format", "table", "summary format (table, json, yaml)")
	flags.StringVar(&opts.compress, "compression", "zstd", "compression algorithm (zstd, gzip, lz4)")
	flags.IntVar(&opts.level, "level", 0, "compression level, 0 for the algorithm default")
	flags.StringVar(&opts.keyFile, "key-file", "", "key file used without -p (default is $HOME/.sealed-backup/key)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	rootCmd.AddCommand(
		newBackupCommand(opts),
		newRestoreCommand(opts),
		newListCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(opts),
	)
	return rootCmd
}

// load binds the flags that were set onto viper and loads the configuration
func (opts *globalOptions) load(cmd *cobra.Command, _ []string) error {
	opts.loader = config.NewLoader()
	v := opts.loader.Viper()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagBindings[f.Name]
		if !ok || !f.Changed {
			return
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return fmt.Errorf("failed to bind flags: %w", bindErr)
	}

	cfg, err := opts.loader.Load(opts.cfgFile)
	if err != nil {
		return err
	}

	switch {
	case opts.debug:
		cfg.Log.Level = string(logging.LogLevelDebug)
	case opts.verbose:
		cfg.Log.Level = string(logging.LogLevelVerbose)
	case opts.quiet:
		cfg.Log.Level = string(logging.LogLevelQuiet)
	}
	if opts.noColor {
		cfg.Display.ColorEnabled = false
	}

	opts.config = cfg
	return nil
}

// newApplication builds an Application writing to the command's outputs
func (opts *globalOptions) newApplication() (*application.Application, error) {
	appOpts := append([]application.Option{
		application.WithOutput(opts.stdout),
		application.WithErrorOutput(opts.stderr),
	}, opts.appOptions...)

	app, err := application.NewApplication(opts.config, appOpts...)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// run executes req and marks failures as reported
func (opts *globalOptions) run(ctx context.Context, req application.Request) error {
	app, err := opts.newApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	if _, err := app.Run(ctx, req); err != nil {
		return reportedError{err}
	}
	return nil
}

// Execute runs the command line and returns the process exit code
func Execute() int {
	return execute(context.Background(), NewRootCommand(os.Stdout, os.Stderr), os.Args[1:], os.Stderr)
}

func execute(ctx context.Context, rootCmd *cobra.Command, args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var reported reportedError
	if !errors.As(err, &reported) {
		fmt.Fprintf(stderr, "Error: %s\n", apperrors.FormatUserError(err))
	}
	return apperrors.ExitCode(err)
}
