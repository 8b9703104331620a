package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"sealed-backup/internal/application"
	"sealed-backup/internal/display"
	"sealed-backup/internal/logging"
)

type stubPrompter struct{ calls int }

func (s *stubPrompter) Passphrase(bool) ([]byte, error) {
	s.calls++
	return []byte("hunter2"), nil
}

type cli struct {
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	prompter *stubPrompter
	keyFile  string
	scratch  string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return &cli{
		stdout:   &bytes.Buffer{},
		stderr:   &bytes.Buffer{},
		prompter: &stubPrompter{},
		keyFile:  filepath.Join(t.TempDir(), "key"),
		scratch:  t.TempDir(),
	}
}

func (c *cli) run(args ...string) int {
	c.stdout.Reset()
	c.stderr.Reset()
	opts := &globalOptions{
		stdout: c.stdout,
		stderr: c.stderr,
		appOptions: []application.Option{
			application.WithLogger(logging.NewNopLogger()),
			application.WithPrompter(c.prompter),
			application.WithTempDir(c.scratch),
		},
	}
	args = append([]string{"--key-file", c.keyFile}, args...)
	return execute(context.Background(), newRootCommand(opts), args, c.stderr)
}

func writeInput(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644))
	return dir
}

func TestVersionAndHelp(t *testing.T) {
	c := newCLI(t)

	assert.Equal(t, 0, c.run("version"))
	assert.Contains(t, c.stdout.String(), "sealed-backup version dev")

	assert.Equal(t, 0, c.run("--help"))
	assert.Contains(t, c.stdout.String(), "Available Commands")
	assert.Contains(t, c.stdout.String(), "backup")
}

func TestNoActionFails(t *testing.T) {
	c := newCLI(t)

	assert.Equal(t, 1, c.run())
	assert.Contains(t, c.stderr.String(), "Available Commands")
	assert.Contains(t, c.stderr.String(), "Error: Missing action")
	assert.Empty(t, c.stdout.String())
	assert.Zero(t, c.prompter.calls)
}

func TestUsageFailures(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown action", args: []string{"sync", "x"}},
		{name: "backup without paths", args: []string{"backup"}},
		{name: "restore without paths", args: []string{"restore"}},
		{name: "verbose with quiet", args: []string{"-v", "-q", "backup", "."}},
		{name: "unknown flag", args: []string{"backup", "--bogus", "."}},
		{name: "invalid compression", args: []string{"--compression", "bzip2", "backup", "."}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCLI(t)
			assert.Equal(t, 1, c.run(tt.args...))
			assert.Contains(t, c.stderr.String(), "Error:")
			assert.Zero(t, c.prompter.calls)
		})
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	c := newCLI(t)
	input := writeInput(t)
	backups := t.TempDir()

	require.Equal(t, 0, c.run("--compression", "lz4", "--format", "json", "backup", "-p", "-d", backups, input), c.stderr.String())
	assert.Equal(t, 1, c.prompter.calls)

	var report display.Report
	require.NoError(t, json.Unmarshal(c.stdout.Bytes(), &report))
	require.Len(t, report.Outcomes, 1)
	artifact := report.Outcomes[0].Output
	assert.True(t, strings.HasPrefix(filepath.Base(artifact), "project.backup_"))
	assert.True(t, strings.HasSuffix(artifact, ".tar.lz4.sbk"))
	assert.FileExists(t, artifact)

	restored := t.TempDir()
	require.Equal(t, 0, c.run("restore", "-p", "-d", restored, artifact), c.stderr.String())
	got, err := os.ReadFile(filepath.Join(restored, "project", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(got))
	assert.Contains(t, c.stdout.String(), "Restore SUCCESS")

	require.Equal(t, 0, c.run("list", "-d", backups))
	assert.Contains(t, c.stdout.String(), filepath.Base(artifact))
	assert.Contains(t, c.stdout.String(), "lz4")

	entries, err := os.ReadDir(c.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBackupMissingPath(t *testing.T) {
	c := newCLI(t)
	backups := t.TempDir()

	assert.Equal(t, 1, c.run("backup", "-d", backups, writeInput(t), filepath.Join(t.TempDir(), "absent")))
	assert.Equal(t, 1, strings.Count(c.stderr.String(), "Error:"), "the failure is reported once")
	assert.Contains(t, c.stderr.String(), "does not exist")

	entries, err := os.ReadDir(backups)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoFileExists(t, c.keyFile, "nothing ran, so no key was created")
}

func TestBackupUploadWithoutStore(t *testing.T) {
	c := newCLI(t)
	assert.Equal(t, 1, c.run("backup", "--upload", "-d", t.TempDir(), writeInput(t)))
	assert.Contains(t, c.stderr.String(), "No artifact store is configured")
}

func TestConfigCommand(t *testing.T) {
	c := newCLI(t)
	t.Setenv("SEALED_BACKUP_COMPRESSION_ALGORITHM", "gzip")

	require.Equal(t, 0, c.run("config"), c.stderr.String())
	var rendered map[string]interface{}
	require.NoError(t, yaml.Unmarshal(c.stdout.Bytes(), &rendered))
	compression, ok := rendered["compression"].(map[string]interface{})
	require.True(t, ok, c.stdout.String())
	assert.Equal(t, "gzip", compression["algorithm"])

	require.Equal(t, 0, c.run("--compression", "lz4", "config"))
	assert.Contains(t, c.stdout.String(), "algorithm: lz4", "flags override the environment")
}

func TestConfigInit(t *testing.T) {
	c := newCLI(t)
	path := filepath.Join(t.TempDir(), "conf", "sealed.yaml")

	require.Equal(t, 0, c.run("config", "init", path), c.stderr.String())
	assert.Contains(t, c.stdout.String(), "Wrote "+path)
	assert.FileExists(t, path)

	require.Equal(t, 0, c.run("--config", path, "config"), c.stderr.String())
	assert.Contains(t, c.stdout.String(), "# "+path)

	assert.Equal(t, 1, c.run("config", "init", path))
	assert.Contains(t, c.stderr.String(), "already exists")
}

func TestMissingExplicitConfig(t *testing.T) {
	c := newCLI(t)
	assert.Equal(t, 1, c.run("--config", filepath.Join(t.TempDir(), "nope.yaml"), "backup", "."))
	assert.Contains(t, c.stderr.String(), "Cannot read configuration")
}
