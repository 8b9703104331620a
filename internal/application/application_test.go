package application

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealed-backup/internal/cleanup"
	"sealed-backup/internal/config"
	"sealed-backup/internal/display"
	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/logging"
	"sealed-backup/internal/storage"
)

type fakePrompter struct {
	passphrase string
	calls      int
	confirms   []bool
}

func (f *fakePrompter) Passphrase(confirm bool) ([]byte, error) {
	f.calls++
	f.confirms = append(f.confirms, confirm)
	return []byte(f.passphrase), nil
}

type harness struct {
	app      *Application
	prompter *fakePrompter
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	scratch  string
	keyPath  string
	now      time.Time
	registry *cleanup.Registry
}

func newHarness(t *testing.T, passphrase string, customize ...func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Encryption.Iterations = 10000
	cfg.Encryption.ChunkSize = 4096
	cfg.Encryption.KeyFile = filepath.Join(t.TempDir(), "keys", "key")
	for _, c := range customize {
		c(cfg)
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	h := &harness{
		prompter: &fakePrompter{passphrase: passphrase},
		stdout:   &bytes.Buffer{},
		stderr:   &bytes.Buffer{},
		scratch:  t.TempDir(),
		keyPath:  cfg.Encryption.KeyFile,
		now:      time.Date(2024, 3, 4, 10, 30, 0, 0, time.Local),
	}

	app, err := NewApplication(cfg,
		WithLogger(logging.NewNopLogger()),
		WithPrinter(display.NewPrinter(display.Options{Writer: h.stdout})),
		WithPrompter(h.prompter),
		WithErrorOutput(h.stderr),
		WithTempDir(h.scratch),
		WithClock(func() time.Time { return h.now }),
	)
	require.NoError(t, err)
	app.onRegistry = func(r *cleanup.Registry) { h.registry = r }
	h.app = app
	return h
}

func (h *harness) assertNoTempResources(t *testing.T) {
	t.Helper()
	if h.registry != nil {
		assert.Empty(t, h.registry.Tracked())
	}
	entries, err := os.ReadDir(h.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch space left behind")
}

func makeTree(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("bravo"), 0644))
	return dir
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestNewApplication_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	app, err := NewApplication(nil, WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	assert.NotNil(t, app.GetLogger())
	assert.NotNil(t, app.printer)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".sealed-backup", "key"), app.keyPath)
	assert.NoError(t, app.Close())
}

func TestRun_PassphraseRoundTrip(t *testing.T) {
	h := newHarness(t, "correct horse")
	input := makeTree(t, "docs")
	dest := t.TempDir()

	report, err := h.app.Run(context.Background(), Request{
		Action: "backup", Destination: dest, UsePassphrase: true, Paths: []string{input},
	})
	require.NoError(t, err)
	require.True(t, report.Succeeded())
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "done", report.Outcomes[0].Stage)
	assert.Equal(t, []string{"docs.backup_202403041030.tar.zst.sbk"}, listDir(t, dest))
	assert.Equal(t, []bool{true}, h.prompter.confirms, "backup confirms the passphrase once")
	assert.NoFileExists(t, h.keyPath, "passphrase runs never touch the key file")
	assert.NotEmpty(t, report.RunID)
	assert.Contains(t, h.stdout.String(), "Backup SUCCESS")
	h.assertNoTempResources(t)

	restoreTo := t.TempDir()
	report, err = h.app.Run(context.Background(), Request{
		Action:        "restore",
		Destination:   restoreTo,
		UsePassphrase: true,
		Paths:         []string{filepath.Join(dest, "docs.backup_202403041030.tar.zst.sbk")},
	})
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Equal(t, []bool{true, false}, h.prompter.confirms)

	got, err := os.ReadFile(filepath.Join(restoreTo, "docs", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(got))
	h.assertNoTempResources(t)
}

func TestRun_KeyFileRoundTrip(t *testing.T) {
	h := newHarness(t, "", func(c *config.Config) { c.Compression.Algorithm = "gzip" })
	input := makeTree(t, "notes")
	dest := t.TempDir()

	_, err := h.app.Run(context.Background(), Request{Action: "backup", Destination: dest, Paths: []string{input}})
	require.NoError(t, err)
	assert.Zero(t, h.prompter.calls)
	assert.FileExists(t, h.keyPath, "backup creates the key file on first use")

	artifact := filepath.Join(dest, "notes.backup_202403041030.tar.gz.sbk")
	require.FileExists(t, artifact)

	restoreTo := t.TempDir()
	_, err = h.app.Run(context.Background(), Request{Action: "restore", Destination: restoreTo, Paths: []string{artifact}})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(restoreTo, "notes", "a.txt"))
	h.assertNoTempResources(t)
}

func TestRun_RestoreWithoutKeyFile(t *testing.T) {
	h := newHarness(t, "")
	artifact := filepath.Join(t.TempDir(), "x.backup_202403041030.tar.zst.sbk")
	require.NoError(t, os.WriteFile(artifact, []byte("sealed"), 0600))

	_, err := h.app.Run(context.Background(), Request{Action: "restore", Destination: t.TempDir(), Paths: []string{artifact}})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.NoFileExists(t, h.keyPath, "restore never creates a key")
	assert.Contains(t, h.stderr.String(), "not found")
}

func TestRun_WrongPassphraseWritesNothing(t *testing.T) {
	h := newHarness(t, "right")
	input := makeTree(t, "docs")
	dest := t.TempDir()
	_, err := h.app.Run(context.Background(), Request{Action: "backup", Destination: dest, UsePassphrase: true, Paths: []string{input}})
	require.NoError(t, err)

	h.prompter.passphrase = "wrong"
	restoreTo := t.TempDir()
	report, err := h.app.Run(context.Background(), Request{
		Action:        "restore",
		Destination:   restoreTo,
		UsePassphrase: true,
		Paths:         []string{filepath.Join(dest, listDir(t, dest)[0])},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecrypt))
	assert.Equal(t, 1, apperrors.ExitCode(err))
	assert.Empty(t, listDir(t, restoreTo))
	require.Len(t, report.Outcomes, 1)
	assert.False(t, report.Outcomes[0].Succeeded())
	assert.Contains(t, h.stderr.String(), "Troubleshooting hints")
	h.assertNoTempResources(t)
}

func TestRun_MissingPathProcessesNothing(t *testing.T) {
	h := newHarness(t, "pw")
	good := makeTree(t, "docs")
	dest := t.TempDir()

	report, err := h.app.Run(context.Background(), Request{
		Action: "backup", Destination: dest, UsePassphrase: true,
		Paths: []string{good, filepath.Join(t.TempDir(), "missing")},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Empty(t, report.Outcomes)
	assert.Empty(t, listDir(t, dest), "no artifact for the valid path either")
	assert.Zero(t, h.prompter.calls, "validation happens before the prompt")
	assert.Nil(t, h.registry, "no scratch space was ever set up")
	assert.Contains(t, h.stderr.String(), "does not exist")
}

func TestRun_BadDestination(t *testing.T) {
	h := newHarness(t, "pw")
	input := makeTree(t, "docs")
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	tests := []struct {
		name string
		dest string
	}{
		{name: "missing", dest: filepath.Join(t.TempDir(), "nope")},
		{name: "not a directory", dest: file},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.app.Run(context.Background(), Request{Action: "backup", Destination: tt.dest, UsePassphrase: true, Paths: []string{input}})
			require.Error(t, err)
			assert.NotZero(t, apperrors.ExitCode(err))
			assert.Zero(t, h.prompter.calls)
		})
	}
}

func TestRun_UsageErrors(t *testing.T) {
	h := newHarness(t, "pw")
	input := makeTree(t, "docs")

	tests := []struct {
		name string
		req  Request
	}{
		{name: "unknown action", req: Request{Action: "sync", Paths: []string{input}}},
		{name: "no paths", req: Request{Action: "backup"}},
		{name: "upload on restore", req: Request{Action: "restore", Upload: true, Paths: []string{input}}},
		{name: "from storage on backup", req: Request{Action: "backup", FromStorage: true, Paths: []string{input}}},
		{name: "upload without store", req: Request{Action: "backup", Upload: true, Paths: []string{input}}},
		{name: "restore of a plain directory", req: Request{Action: "restore", Paths: []string{input}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.app.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, 1, apperrors.ExitCode(err))
		})
	}
	assert.Zero(t, h.prompter.calls)
}

func TestRun_TimestampsSeparateArtifacts(t *testing.T) {
	h := newHarness(t, "pw")
	input := makeTree(t, "docs")
	dest := t.TempDir()
	req := Request{Action: "backup", Destination: dest, UsePassphrase: true, Paths: []string{input}}

	_, err := h.app.Run(context.Background(), req)
	require.NoError(t, err)

	_, err = h.app.Run(context.Background(), req)
	require.Error(t, err, "same minute collides with the existing artifact")
	assert.Len(t, listDir(t, dest), 1)

	h.now = h.now.Add(time.Minute)
	_, err = h.app.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"docs.backup_202403041030.tar.zst.sbk",
		"docs.backup_202403041031.tar.zst.sbk",
	}, listDir(t, dest))
	h.assertNoTempResources(t)
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, "pw")
	first := makeTree(t, "first")
	second := makeTree(t, "second")
	third := makeTree(t, "third")
	dest := t.TempDir()

	// second already has an artifact for this minute
	require.NoError(t, os.WriteFile(filepath.Join(dest, "second.backup_202403041030.tar.zst.sbk"), nil, 0600))

	report, err := h.app.Run(context.Background(), Request{
		Action: "backup", Destination: dest, UsePassphrase: true, Paths: []string{first, second, third},
	})
	require.Error(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.True(t, report.Outcomes[0].Succeeded())
	assert.False(t, report.Outcomes[1].Succeeded())
	assert.Equal(t, []string{third}, report.Skipped)
	assert.NotContains(t, listDir(t, dest), "third.backup_202403041030.tar.zst.sbk")
	assert.Contains(t, h.stdout.String(), "not processed")
	h.assertNoTempResources(t)
}

// signalAtStage sends SIGINT when a pipeline reaches stage and holds the run
// there until the guard cancels it
type signalAtStage struct {
	stage string
	sigs  chan os.Signal
	once  sync.Once
}

func (s *signalAtStage) Levels() []logrus.Level { return []logrus.Level{logrus.DebugLevel} }

func (s *signalAtStage) Fire(entry *logrus.Entry) error {
	if entry.Data["stage"] != s.stage || entry.Context == nil {
		return nil
	}
	s.once.Do(func() {
		s.sigs <- syscall.SIGINT
		select {
		case <-entry.Context.Done():
		case <-time.After(5 * time.Second):
		}
	})
	return nil
}

func TestRun_InterruptedBetweenStages(t *testing.T) {
	h := newHarness(t, "pw")
	trigger := &signalAtStage{stage: "compressed", sigs: make(chan os.Signal, 1)}
	logger, err := logging.NewLogger(logging.Config{
		Level:  logging.LogLevelDebug,
		Output: io.Discard,
		Hooks:  []logrus.Hook{trigger},
	})
	require.NoError(t, err)

	app, err := NewApplication(h.app.config,
		WithLogger(logger),
		WithPrinter(display.NewPrinter(display.Options{Writer: h.stdout})),
		WithPrompter(h.prompter),
		WithErrorOutput(h.stderr),
		WithTempDir(h.scratch),
		WithClock(func() time.Time { return h.now }),
		WithSignalSource(func() (<-chan os.Signal, func()) { return trigger.sigs, func() {} }),
	)
	require.NoError(t, err)
	app.onRegistry = func(r *cleanup.Registry) { h.registry = r }

	first := makeTree(t, "docs")
	second := makeTree(t, "music")
	dest := t.TempDir()

	report, err := app.Run(context.Background(), Request{
		Action: "backup", Destination: dest, UsePassphrase: true, Paths: []string{first, second},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInterruption))
	assert.Equal(t, 130, apperrors.ExitCode(err))

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "compressed", report.Outcomes[0].Stage)
	assert.False(t, report.Outcomes[0].Succeeded())
	assert.Equal(t, []string{second}, report.Skipped)
	assert.Empty(t, listDir(t, dest), "no partial artifact survives")
	h.assertNoTempResources(t)
}

func TestRun_UploadAndRestoreFromStorage(t *testing.T) {
	store := t.TempDir()
	h := newHarness(t, "pw", func(c *config.Config) {
		c.Storage = storage.Config{
			Provider: storage.ProviderLocal,
			Local:    &storage.LocalConfig{BasePath: store},
		}
	})
	input := makeTree(t, "docs")
	dest := t.TempDir()

	report, err := h.app.Run(context.Background(), Request{
		Action: "backup", Destination: dest, UsePassphrase: true, Upload: true, Paths: []string{input},
	})
	require.NoError(t, err)
	name := "docs.backup_202403041030.tar.zst.sbk"
	assert.Equal(t, filepath.Join(store, name), report.Outcomes[0].Location)
	assert.FileExists(t, filepath.Join(dest, name), "the local artifact is kept")

	restoreTo := t.TempDir()
	_, err = h.app.Run(context.Background(), Request{
		Action: "restore", Destination: restoreTo, UsePassphrase: true, FromStorage: true, Paths: []string{name},
	})
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(restoreTo, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
	assert.Equal(t, []string{"docs"}, listDir(t, restoreTo), "the download is not left in the destination")
	h.assertNoTempResources(t)

	_, err = h.app.Run(context.Background(), Request{
		Action: "restore", Destination: restoreTo, UsePassphrase: true, FromStorage: true,
		Paths: []string{"other.backup_202403041030.tar.zst.sbk"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeStorage))
	h.assertNoTempResources(t)
}

func TestRun_CanceledContext(t *testing.T) {
	h := newHarness(t, "pw")
	input := makeTree(t, "docs")
	dest := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.app.Run(ctx, Request{Action: "backup", Destination: dest, UsePassphrase: true, Paths: []string{input}})
	require.Error(t, err)
	assert.Empty(t, listDir(t, dest))
	h.assertNoTempResources(t)
}

func TestList_Directory(t *testing.T) {
	h := newHarness(t, "pw")
	dir := t.TempDir()
	for _, name := range []string{
		"docs.backup_202403041030.tar.zst.sbk",
		"docs.backup_202403041031.tar.gz.sbk",
		"renamed.tar.lz4.sbk",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.tar.zst.sbk"), 0755))

	artifacts, err := h.app.List(context.Background(), ListRequest{Directory: dir})
	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	assert.Equal(t, "docs.backup_202403041030.tar.zst.sbk", artifacts[0].Name)
	assert.Equal(t, "zstd", artifacts[0].Compression)
	assert.Equal(t, time.Date(2024, 3, 4, 10, 30, 0, 0, time.Local), artifacts[0].Created)
	assert.Equal(t, "gzip", artifacts[1].Compression)
	assert.Equal(t, "lz4", artifacts[2].Compression)
	assert.False(t, artifacts[2].Created.IsZero(), "falls back to the file time")
	assert.Contains(t, h.stdout.String(), "Backup artifacts in")

	artifacts, err = h.app.List(context.Background(), ListRequest{Directory: dir, Prefix: "docs"})
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

func TestList_ShowsKeyMode(t *testing.T) {
	h := newHarness(t, "pw")
	dest := t.TempDir()

	_, err := h.app.Run(context.Background(), Request{Action: "backup", Destination: dest, UsePassphrase: true, Paths: []string{makeTree(t, "sealed")}})
	require.NoError(t, err)
	_, err = h.app.Run(context.Background(), Request{Action: "backup", Destination: dest, Paths: []string{makeTree(t, "keyed")}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dest, "junk.backup_202403041030.tar.zst.sbk"), []byte("not sealed"), 0600))

	h.stdout.Reset()
	artifacts, err := h.app.List(context.Background(), ListRequest{Directory: dest})
	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	assert.Equal(t, "keyed.backup_202403041030.tar.zst.sbk", artifacts[1].Name)
	assert.Equal(t, "keyfile", artifacts[1].KeyMode)
	assert.Equal(t, "passphrase", artifacts[2].KeyMode)
	assert.Empty(t, artifacts[0].KeyMode, "unreadable headers leave the mode blank")
	assert.Contains(t, h.stdout.String(), "passphrase")
}

func TestList_Errors(t *testing.T) {
	h := newHarness(t, "pw")

	_, err := h.app.List(context.Background(), ListRequest{Directory: filepath.Join(t.TempDir(), "gone")})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	_, err = h.app.List(context.Background(), ListRequest{FromStorage: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUsage))
}

func TestList_FromStorage(t *testing.T) {
	store := t.TempDir()
	h := newHarness(t, "pw", func(c *config.Config) {
		c.Storage = storage.Config{Provider: storage.ProviderLocal, Local: &storage.LocalConfig{BasePath: store}}
	})
	require.NoError(t, os.WriteFile(filepath.Join(store, "a.backup_202401010000.tar.zst.sbk"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(store, "README"), []byte("x"), 0600))

	artifacts, err := h.app.List(context.Background(), ListRequest{FromStorage: true})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, filepath.Join(store, "a.backup_202401010000.tar.zst.sbk"), artifacts[0].Location)
	assert.Contains(t, h.stdout.String(), "local")
}
