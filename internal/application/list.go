package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sealed-backup/internal/cipher"
	"sealed-backup/internal/display"
	appErrors "sealed-backup/internal/errors"
	"sealed-backup/internal/pipeline"
	"sealed-backup/internal/storage"
)

// ListRequest selects where artifacts are listed from
type ListRequest struct {
	Directory   string // empty means the working directory
	FromStorage bool
	Prefix      string
}

// List renders the artifacts in a directory or in the configured store, sorted by name
func (app *Application) List(ctx context.Context, req ListRequest) ([]display.Artifact, error) {
	artifacts, source, err := app.collect(ctx, req)
	if err != nil {
		app.handleExecutionError(ctx, err)
		return nil, err
	}
	if err := app.printer.RenderArtifacts(source, artifacts); err != nil {
		return artifacts, err
	}
	return artifacts, nil
}

func (app *Application) collect(ctx context.Context, req ListRequest) ([]display.Artifact, string, error) {
	if req.FromStorage {
		if !app.config.Storage.Enabled() {
			return nil, "", appErrors.NewUsageError("no artifact store configured").
				WithUserMessage("No artifact store is configured. Set storage.provider in the configuration file.")
		}
		store, err := app.openStore(ctx, app.config.Storage)
		if err != nil {
			return nil, "", err
		}
		defer store.Close()

		objects, err := store.List(ctx, req.Prefix)
		if err != nil {
			return nil, "", err
		}
		return fromObjects(objects), string(store.Type()), nil
	}

	dir, err := resolveDestination(req.Directory)
	if err != nil {
		return nil, "", err
	}
	artifacts, err := listDirectory(dir, req.Prefix)
	if err != nil {
		return nil, "", err
	}
	return artifacts, dir, nil
}

func listDirectory(dir, prefix string) ([]display.Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, appErrors.NewValidationError(fmt.Sprintf("cannot read %s", dir), err)
	}

	var artifacts []display.Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !pipeline.HasArtifactSuffix(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		a := describe(entry.Name(), info.Size(), path, info.ModTime())
		// Headers of remote objects are not fetched, only local ones are read.
		if header, err := cipher.InspectFile(path); err == nil {
			a.KeyMode = header.KeyMode.String()
		}
		artifacts = append(artifacts, a)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, nil
}

func fromObjects(objects []storage.Object) []display.Artifact {
	var artifacts []display.Artifact
	for _, obj := range objects {
		if !pipeline.HasArtifactSuffix(obj.Name) {
			continue
		}
		artifacts = append(artifacts, describe(obj.Name, obj.Size, obj.Location, obj.Modified))
	}
	return artifacts
}

// describe prefers the name's timestamp over the file time
func describe(name string, size int64, location string, modified time.Time) display.Artifact {
	a := display.Artifact{Name: name, Size: size, Location: location, Created: modified}
	if info, err := pipeline.ParseArtifactName(name); err == nil {
		a.Compression = string(info.Compression)
		if !info.Timestamp.IsZero() {
			a.Created = info.Timestamp
		}
	}
	return a
}
