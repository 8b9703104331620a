package application

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"sealed-backup/internal/archive"
	"sealed-backup/internal/cipher"
	"sealed-backup/internal/cleanup"
	"sealed-backup/internal/config"
	"sealed-backup/internal/display"
	appErrors "sealed-backup/internal/errors"
	"sealed-backup/internal/logging"
	"sealed-backup/internal/pipeline"
	"sealed-backup/internal/prompt"
	"sealed-backup/internal/storage"
)

// StorageFactory opens the configured artifact store
type StorageFactory func(ctx context.Context, cfg storage.Config) (storage.Provider, error)

// Application drives backup and restore runs
type Application struct {
	config     *config.Config
	logger     *logging.Logger
	printer    *display.Printer
	prompter   prompt.Prompter
	openStore  StorageFactory
	stdout     io.Writer
	stderr     io.Writer
	tempDir    string
	keyPath    string
	now        func() time.Time
	newRunID   func() string
	signals    cleanup.SignalSource
	onRegistry func(*cleanup.Registry)
}

// Option customizes an Application
type Option func(*Application)

// WithLogger replaces the logger built from the configuration
func WithLogger(logger *logging.Logger) Option {
	return func(app *Application) { app.logger = logger }
}

// WithPrinter replaces the stdout summary printer
func WithPrinter(printer *display.Printer) Option {
	return func(app *Application) { app.printer = printer }
}

// WithPrompter replaces the terminal passphrase prompt
func WithPrompter(p prompt.Prompter) Option {
	return func(app *Application) { app.prompter = p }
}

// WithStorageFactory replaces storage.NewProvider
func WithStorageFactory(f StorageFactory) Option {
	return func(app *Application) { app.openStore = f }
}

// WithOutput redirects the run summary, stdout by default
func WithOutput(w io.Writer) Option {
	return func(app *Application) { app.stdout = w }
}

// WithErrorOutput redirects logs and user facing error messages, stderr by default
func WithErrorOutput(w io.Writer) Option {
	return func(app *Application) { app.stderr = w }
}

// WithTempDir places scratch directories under dir instead of the system temp dir
func WithTempDir(dir string) Option {
	return func(app *Application) { app.tempDir = dir }
}

// WithClock replaces time.Now for artifact timestamps
func WithClock(now func() time.Time) Option {
	return func(app *Application) { app.now = now }
}

// WithSignalSource replaces SIGINT/SIGTERM as the trigger for interrupting a run
func WithSignalSource(src cleanup.SignalSource) Option {
	return func(app *Application) { app.signals = src }
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	app := &Application{
		config:    cfg,
		openStore: storage.NewProvider,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		keyPath:   cfg.Encryption.KeyFile,
		now:       time.Now,
		newRunID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(app)
	}

	if app.prompter == nil {
		app.prompter = prompt.NewTerminalPrompter(os.Stdin, app.stderr)
	}
	if app.logger == nil {
		logger, err := logging.NewLogger(logging.Config{
			Level:   cfg.LogLevel(),
			Output:  app.stderr,
			Format:  cfg.Log.Format,
			LogFile: cfg.Log.File,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		app.logger = logger
	}
	if app.printer == nil {
		app.printer = display.NewPrinter(display.Options{
			Writer:       app.stdout,
			Format:       display.OutputFormat(cfg.Display.OutputFormat),
			ColorEnabled: cfg.Display.ColorEnabled,
			Quiet:        cfg.LogLevel() == logging.LogLevelQuiet,
		})
	}
	if app.keyPath == "" {
		path, err := cipher.DefaultKeyPath()
		if err != nil {
			return nil, appErrors.NewValidationError("cannot locate key file", err)
		}
		app.keyPath = path
	}

	return app, nil
}

// GetLogger returns the application logger
func (app *Application) GetLogger() *logging.Logger {
	return app.logger
}

// Close releases the log file, if any
func (app *Application) Close() error {
	return app.logger.Close()
}

// Run validates req, asks for the passphrase when requested and processes every
// path in order, stopping at the first failure. The report covers the paths
// seen so far and is returned even when err is non-nil.
func (app *Application) Run(ctx context.Context, req Request) (*display.Report, error) {
	start := time.Now()
	runID := app.newRunID()
	ctx = logging.CreateContextWithRunID(ctx, runID)

	report := &display.Report{RunID: runID, Action: req.Action, Destination: req.Destination}

	err := app.run(ctx, req, report)
	report.Duration = time.Since(start)

	if report.Action != "" && (len(report.Outcomes) > 0 || err == nil) {
		if rerr := app.printer.RenderReport(report); rerr != nil {
			app.logger.WithField("error", rerr.Error()).Warn("Failed to render report")
		}
	}
	if err != nil {
		app.handleExecutionError(ctx, err)
	}
	return report, err
}

func (app *Application) run(ctx context.Context, req Request, report *display.Report) error {
	rc, err := newRunContext(req, app.config.Storage.Enabled())
	if err != nil {
		return err
	}
	report.Destination = rc.Destination()

	if req.UsePassphrase {
		passphrase, err := app.prompter.Passphrase(rc.Action() == ActionBackup)
		if err != nil {
			return err
		}
		rc.passphrase = passphrase
	}
	defer rc.wipe()

	keys, err := app.keySource(rc)
	if err != nil {
		return err
	}
	if pk, ok := keys.(*cipher.PassphraseKey); ok {
		defer pk.Wipe()
	}

	registry := cleanup.NewRegistry(app.tempDir, app.logger)
	if app.onRegistry != nil {
		app.onRegistry(registry)
	}
	p, err := app.newPipeline(keys, registry)
	if err != nil {
		return err
	}

	var store storage.Provider
	if rc.Upload() || rc.FromStorage() {
		store, err = app.openStore(ctx, app.config.Storage)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	done := app.logger.LogOperationStart(ctx, string(rc.Action()), map[string]interface{}{
		"paths":       len(rc.paths),
		"destination": rc.Destination(),
		"key_mode":    keys.Mode().String(),
	})

	// The run may outlive the grace period, so it records into locals under mu
	// and report is filled from a copy once the guard returns.
	var (
		mu       sync.Mutex
		outcomes []display.Outcome
		skipped  []string
	)
	guard := cleanup.NewGuard(registry, app.logger)
	guard.SetSignalSource(app.signals)
	err = guard.Run(ctx, func(ctx context.Context) error {
		paths := rc.Paths()
		for i, path := range paths {
			outcome, err := app.processPath(ctx, rc, p, registry, store, path)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			if err != nil {
				skipped = paths[i+1:]
			}
			mu.Unlock()
			if err != nil {
				return err
			}
		}
		return nil
	})

	mu.Lock()
	report.Outcomes = append([]display.Outcome(nil), outcomes...)
	report.Skipped = append([]string(nil), skipped...)
	mu.Unlock()
	if appErrors.IsType(err, appErrors.ErrorTypeInterruption) && len(report.Outcomes)+len(report.Skipped) < len(rc.paths) {
		// The interrupted path never reported back
		report.Skipped = rc.Paths()[len(report.Outcomes):]
	}

	done(err)
	return err
}

// keySource returns the passphrase key or the key file. Only backups may create
// a missing key file.
func (app *Application) keySource(rc *RunContext) (cipher.KeySource, error) {
	if rc.HasPassphrase() {
		keys, err := cipher.NewPassphraseKey(rc.passphrase)
		if err != nil {
			return nil, appErrors.NewValidationError("empty passphrase", err)
		}
		return keys, nil
	}

	keys := cipher.NewFileKey(app.keyPath, rc.Action() == ActionBackup)
	if rc.Action() == ActionRestore {
		if _, err := os.Stat(app.keyPath); err != nil {
			return nil, appErrors.NewValidationError("key file not found", err).
				WithContext("path", app.keyPath).
				WithUserMessage(fmt.Sprintf("Key file %s not found. Restore with -p if the artifacts were sealed with a passphrase.", app.keyPath))
		}
	}
	return keys, nil
}

func (app *Application) newPipeline(keys cipher.KeySource, registry *cleanup.Registry) (*pipeline.Pipeline, error) {
	archiver, err := archive.NewTarArchiver(
		archive.CompressionType(app.config.Compression.Algorithm),
		app.config.Compression.Level,
		app.logger,
	)
	if err != nil {
		return nil, appErrors.NewValidationError("invalid compression settings", err)
	}

	c, err := cipher.NewAEADCipher(keys, app.config.CipherOptions(), app.logger)
	if err != nil {
		return nil, appErrors.NewValidationError("invalid encryption settings", err)
	}

	return pipeline.New(archiver, c, registry, app.logger), nil
}

func (app *Application) processPath(ctx context.Context, rc *RunContext, p *pipeline.Pipeline,
	registry *cleanup.Registry, store storage.Provider, path string) (display.Outcome, error) {
	if rc.Action() == ActionBackup {
		return app.backupPath(ctx, rc, p, store, path)
	}
	return app.restorePath(ctx, rc, p, registry, store, path)
}

func (app *Application) backupPath(ctx context.Context, rc *RunContext, p *pipeline.Pipeline,
	store storage.Provider, path string) (display.Outcome, error) {
	output := filepath.Join(rc.Destination(), pipeline.ArtifactName(path, app.now(), p.Extension()))

	result, err := p.Backup(ctx, path, output)
	outcome := outcomeOf(path, result, err)
	if err != nil || !rc.Upload() {
		return outcome, err
	}

	start := time.Now()
	location, err := store.Upload(ctx, result.Output, filepath.Base(result.Output))
	app.logger.LogStorageTransfer(ctx, "upload", string(store.Type()), location, time.Since(start), err)
	if err != nil {
		outcome.Error = appErrors.FormatUserError(err)
		return outcome, err
	}
	outcome.Location = location
	return outcome, nil
}

func (app *Application) restorePath(ctx context.Context, rc *RunContext, p *pipeline.Pipeline,
	registry *cleanup.Registry, store storage.Provider, path string) (display.Outcome, error) {
	artifact := path
	if rc.FromStorage() {
		scratch, err := registry.TempDir("sealed-download-*")
		if err != nil {
			return display.Outcome{Input: path, Stage: string(pipeline.StageStart), Error: err.Error()},
				appErrors.NewStorageError("cannot allocate download space", err)
		}
		defer scratch.Release()

		start := time.Now()
		artifact, err = store.Download(ctx, path, scratch.Path())
		app.logger.LogStorageTransfer(ctx, "download", string(store.Type()), path, time.Since(start), err)
		if err != nil {
			return display.Outcome{Input: path, Stage: string(pipeline.StageStart), Error: appErrors.FormatUserError(err)}, err
		}
	}

	result, err := p.Restore(ctx, artifact, rc.Destination())
	outcome := outcomeOf(path, result, err)
	return outcome, err
}

func outcomeOf(input string, result *pipeline.Result, err error) display.Outcome {
	outcome := display.Outcome{Input: input}
	if result != nil {
		outcome.Output = result.Output
		outcome.Stage = string(result.Stage)
		outcome.Size = result.Size
		outcome.Duration = result.Duration
	}
	if err != nil {
		outcome.Error = appErrors.FormatUserError(err)
	}
	return outcome
}

// handleExecutionError reports err on stderr and in the log
func (app *Application) handleExecutionError(ctx context.Context, err error) {
	appErr := appErrors.NewErrorClassifier().ClassifyError(err)

	fmt.Fprintf(app.stderr, "Error: %s\n", appErrors.FormatUserError(appErr))

	app.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"error_type": string(appErr.Type),
		"context":    appErr.Context,
		"cause":      fmt.Sprint(appErr.Cause),
	}).Debug("Run failed")

	app.provideTroubleshootingHints(appErr)
}

// provideTroubleshootingHints provides helpful troubleshooting information
func (app *Application) provideTroubleshootingHints(appErr *appErrors.AppError) {
	var hints []string
	switch appErr.Type {
	case appErrors.ErrorTypeDecrypt:
		hints = []string{
			"Check that the passphrase is the one used for the backup",
			"Artifacts made without -p need the key file they were sealed with",
			"A truncated or modified artifact cannot be restored",
		}
	case appErrors.ErrorTypePermission:
		hints = []string{
			"Check read access to the inputs and write access to the destination",
			"The key file must be readable by the current user",
		}
	case appErrors.ErrorTypeStorage:
		hints = []string{
			"Check the storage section of the configuration file",
			"Verify credentials and network access to the artifact store",
		}
	case appErrors.ErrorTypeValidation:
		hints = []string{
			"Check that every input path exists",
			"An explicit destination must be an existing directory",
		}
	}

	if len(hints) == 0 {
		return
	}
	fmt.Fprintf(app.stderr, "\nTroubleshooting hints:\n")
	for _, hint := range hints {
		fmt.Fprintf(app.stderr, "- %s\n", hint)
	}
}
