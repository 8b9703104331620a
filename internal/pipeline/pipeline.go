// Package pipeline composes an Archiver and a Cipher into the backup and restore
// flows for a single path.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sealed-backup/internal/archive"
	"sealed-backup/internal/cipher"
	"sealed-backup/internal/cleanup"
	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/logging"
)

// Stage is a point reached in a backup or restore flow
type Stage string

const (
	StageStart        Stage = "start"
	StageCompressed   Stage = "compressed"
	StageEncrypted    Stage = "encrypted"
	StageDecrypted    Stage = "decrypted"
	StageDecompressed Stage = "decompressed"
	StageDone         Stage = "done"
)

const (
	ActionBackup  = "backup"
	ActionRestore = "restore"
)

// Result describes one processed path. On failure Stage is the last stage
// reached.
type Result struct {
	Action   string
	Input    string
	Output   string
	Stage    Stage
	Size     int64
	Duration time.Duration
}

// Pipeline runs the per-path flows. Scratch space comes from the registry, so it
// is removed by cleanup even when a flow stops halfway.
type Pipeline struct {
	archiver archive.Archiver
	cipher   cipher.Cipher
	registry *cleanup.Registry
	logger   *logging.Logger
}

// New creates a pipeline
func New(archiver archive.Archiver, c cipher.Cipher, registry *cleanup.Registry, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Pipeline{
		archiver: archiver,
		cipher:   c,
		registry: registry,
		logger:   logger,
	}
}

// Extension is the suffix of artifacts this pipeline writes
func (p *Pipeline) Extension() string {
	return p.archiver.Extension() + cipher.Extension
}

func (p *Pipeline) advance(ctx context.Context, r *Result, stage Stage) {
	r.Stage = stage
	p.logger.LogPipelineStage(ctx, r.Action, r.Input, string(stage))
}

// Backup archives input and seals it into output. output must not exist.
func (p *Pipeline) Backup(ctx context.Context, input, output string) (*Result, error) {
	start := time.Now()
	r := &Result{Action: ActionBackup, Input: input, Output: output}
	p.advance(ctx, r, StageStart)

	if _, err := os.Lstat(output); err == nil {
		return r, apperrors.NewValidationError("artifact already exists", nil).
			WithContext("path", output).
			WithUserMessage("Artifact " + output + " already exists; wait a minute or choose another destination.")
	}

	scratch, err := p.registry.TempDir("sealed-backup-*")
	if err != nil {
		return r, apperrors.NewArchiveError("cannot allocate scratch space", err)
	}

	compressed, err := p.archiver.Compress(ctx, input, scratch.Path())
	if err != nil {
		return r, ensureType(err, apperrors.ErrorTypeArchive, "failed to archive "+input)
	}
	p.advance(ctx, r, StageCompressed)

	if err := p.cipher.Encrypt(ctx, compressed, output); err != nil {
		return r, ensureType(err, apperrors.ErrorTypeEncrypt, "failed to encrypt "+input)
	}
	p.advance(ctx, r, StageEncrypted)

	// Plaintext archive goes now rather than at run exit.
	_ = scratch.Release()

	if info, err := os.Stat(output); err == nil {
		r.Size = info.Size()
	}
	r.Duration = time.Since(start)
	p.advance(ctx, r, StageDone)
	p.logger.LogArtifact(ctx, r.Action, input, output, r.Size, r.Duration)
	return r, nil
}

// Restore opens artifact and expands it into destDir. Decrypted data only ever
// lands in scratch space, so a wrong key leaves destDir untouched.
func (p *Pipeline) Restore(ctx context.Context, artifact, destDir string) (*Result, error) {
	start := time.Now()
	r := &Result{Action: ActionRestore, Input: artifact, Output: destDir}
	p.advance(ctx, r, StageStart)

	name := filepath.Base(artifact)
	if !HasArtifactSuffix(name) {
		return r, apperrors.NewValidationError("unrecognized artifact suffix", nil).
			WithContext("path", artifact).
			WithUserMessage(artifact + " is not a backup artifact (expected one of " +
				strings.Join(ArtifactExtensions(), ", ") + ")")
	}

	scratch, err := p.registry.TempDir("sealed-restore-*")
	if err != nil {
		return r, apperrors.NewDecryptError("cannot allocate scratch space", err)
	}

	decrypted := scratch.Join(strings.TrimSuffix(name, cipher.Extension))
	if err := p.cipher.Decrypt(ctx, artifact, decrypted); err != nil {
		return r, ensureType(err, apperrors.ErrorTypeDecrypt, "failed to decrypt "+artifact)
	}
	p.advance(ctx, r, StageDecrypted)

	if err := p.archiver.Decompress(ctx, decrypted, destDir); err != nil {
		return r, ensureType(err, apperrors.ErrorTypeExtract, "failed to extract "+artifact)
	}
	p.advance(ctx, r, StageDecompressed)

	_ = scratch.Release()

	if info, err := os.Stat(artifact); err == nil {
		r.Size = info.Size()
	}
	r.Duration = time.Since(start)
	p.advance(ctx, r, StageDone)
	p.logger.LogArtifact(ctx, r.Action, artifact, destDir, r.Size, r.Duration)
	return r, nil
}

// ensureType keeps AppErrors from collaborators and wraps anything else as t
func ensureType(err error, t apperrors.ErrorType, message string) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.NewAppError(t, message, err)
}
