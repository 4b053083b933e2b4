package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

var coverExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// DirSource reads artifacts from a queue directory and moves published ones
// into a processed directory.
type DirSource struct {
	dir          string
	processedDir string
	ext          string
	log          zerolog.Logger
}

// NewDirSource creates a directory backed source
func NewDirSource(dir, processedDir, ext string, log zerolog.Logger) *DirSource {
	if ext == "" {
		ext = ".mp4"
	}
	return &DirSource{
		dir:          dir,
		processedDir: processedDir,
		ext:          ext,
		log:          log.With().Str("component", "queue").Str("dir", dir).Logger(),
	}
}

// List returns queued file names sorted by name. A missing queue directory
// is an empty queue.
func (d *DirSource) List(ctx context.Context) ([]string, error) {
	return d.readDir(d.dir)
}

// Processed returns the names in the processed directory, normalized to
// the names they had in the queue.
func (d *DirSource) Processed(ctx context.Context) ([]string, error) {
	names, err := d.readDir(d.processedDir)
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		names[i] = normalizeProcessed(n, d.ext)
	}
	return sortedUnique(names), nil
}

func (d *DirSource) readDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !hasExt(e.Name(), d.ext) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Open opens the artifact file
func (d *DirSource) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	path, err := d.path(d.dir, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", id, err)
	}
	return f, nil
}

// OpenCover looks for an image with the same stem as the artifact
func (d *DirSource) OpenCover(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := d.path(d.dir, id); err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(id, filepath.Ext(id))
	for _, ext := range coverExtensions {
		f, err := os.Open(filepath.Join(d.dir, stem+ext))
		if err == nil {
			return f, nil
		}
	}
	return nil, ErrNoCover
}

// MarkProcessed moves the artifact into the processed directory
func (d *DirSource) MarkProcessed(ctx context.Context, id string) error {
	src, err := d.path(d.dir, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.processedDir, 0o755); err != nil {
		return fmt.Errorf("failed to create processed dir: %w", err)
	}
	if err := os.Rename(src, filepath.Join(d.processedDir, id)); err != nil {
		return fmt.Errorf("failed to move %s to processed: %w", id, err)
	}
	d.log.Debug().Str("artifact", id).Msg("artifact moved to processed")
	return nil
}

func (d *DirSource) path(dir, id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	return filepath.Join(dir, id), nil
}
