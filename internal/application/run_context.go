package application

import (
	"fmt"
	"os"
	"path/filepath"

	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/pipeline"
	"sealed-backup/internal/storage"
)

// Action names what a run does to its paths
type Action string

const (
	ActionBackup  Action = "backup"
	ActionRestore Action = "restore"
)

// Request is the raw command line input for one run
type Request struct {
	Action        string
	Destination   string // empty means the working directory
	UsePassphrase bool
	Paths         []string
	FromStorage   bool
	Upload        bool
}

// RunContext is the validated, immutable description of a run
type RunContext struct {
	action      Action
	destination string
	passphrase  []byte
	paths       []string
	fromStorage bool
	upload      bool
}

func (rc *RunContext) Action() Action      { return rc.action }
func (rc *RunContext) Destination() string { return rc.destination }
func (rc *RunContext) FromStorage() bool   { return rc.fromStorage }
func (rc *RunContext) Upload() bool        { return rc.upload }

// HasPassphrase reports whether the run uses a passphrase instead of the key file
func (rc *RunContext) HasPassphrase() bool { return rc.passphrase != nil }

// Paths returns a copy of the input paths in command line order
func (rc *RunContext) Paths() []string {
	return append([]string(nil), rc.paths...)
}

// wipe zeroes the passphrase once the run no longer needs it
func (rc *RunContext) wipe() {
	for i := range rc.passphrase {
		rc.passphrase[i] = 0
	}
}

func parseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionBackup, ActionRestore:
		return Action(s), nil
	}
	return "", apperrors.NewUsageError(fmt.Sprintf("unknown action %q", s)).
		WithUserMessage(fmt.Sprintf("Unknown action %q: use backup or restore.", s))
}

// newRunContext validates req before any pipeline work. The passphrase is
// attached later, after validation succeeded.
func newRunContext(req Request, storageEnabled bool) (*RunContext, error) {
	action, err := parseAction(req.Action)
	if err != nil {
		return nil, err
	}

	if len(req.Paths) == 0 {
		return nil, apperrors.NewUsageError("no paths given").
			WithUserMessage(fmt.Sprintf("Nothing to %s: give at least one path.", action))
	}

	if req.Upload && action != ActionBackup {
		return nil, apperrors.NewUsageError("--upload only applies to backup")
	}
	if req.FromStorage && action != ActionRestore {
		return nil, apperrors.NewUsageError("--from-storage only applies to restore")
	}
	if (req.Upload || req.FromStorage) && !storageEnabled {
		return nil, apperrors.NewUsageError("no artifact store configured").
			WithUserMessage("No artifact store is configured. Set storage.provider in the configuration file.")
	}

	destination, err := resolveDestination(req.Destination)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(req.Paths))
	for i, p := range req.Paths {
		if err := checkInput(action, p, req.FromStorage); err != nil {
			return nil, err
		}
		paths[i] = p
	}

	return &RunContext{
		action:      action,
		destination: destination,
		paths:       paths,
		fromStorage: req.FromStorage,
		upload:      req.Upload,
	}, nil
}

// resolveDestination checks an explicit destination; the default is the working directory
func resolveDestination(dest string) (string, error) {
	if dest == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", apperrors.NewValidationError("cannot determine working directory", err)
		}
		return wd, nil
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", apperrors.NewValidationError("invalid destination", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", apperrors.NewValidationError("destination does not exist", err).
			WithContext("path", dest).
			WithUserMessage(fmt.Sprintf("Destination %s does not exist.", dest))
	}
	if !info.IsDir() {
		return "", apperrors.NewValidationError("destination is not a directory", nil).
			WithContext("path", dest).
			WithUserMessage(fmt.Sprintf("Destination %s is not a directory.", dest))
	}
	return abs, nil
}

func checkInput(action Action, path string, fromStorage bool) error {
	if fromStorage {
		if err := storage.ValidateName(path); err != nil {
			return err
		}
		if !pipeline.HasArtifactSuffix(path) {
			return unrecognizedArtifact(path)
		}
		return nil
	}

	if _, err := os.Lstat(path); err != nil {
		return apperrors.NewValidationError("input path does not exist", err).
			WithContext("path", path).
			WithUserMessage(fmt.Sprintf("Input %s does not exist; nothing was processed.", path))
	}
	if action == ActionRestore && !pipeline.HasArtifactSuffix(filepath.Base(path)) {
		return unrecognizedArtifact(path)
	}
	return nil
}

func unrecognizedArtifact(path string) error {
	return apperrors.NewValidationError("unrecognized artifact suffix", nil).
		WithContext("path", path).
		WithUserMessage(fmt.Sprintf("%s is not a backup artifact.", path))
}
