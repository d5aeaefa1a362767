// Package watch follows the rendered transcript file the observer snapshots.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// FileSource reads the rendered page from disk on every scan.
type FileSource struct {
	Path string
}

func (s FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read page file: %w", err)
	}
	return b, nil
}

// Watcher reports changes to a single file. It watches the parent directory
// so editors and renderers that replace the file atomically are still seen.
type Watcher struct {
	path   string
	fs     *fsnotify.Watcher
	logger *log.Logger
}

func NewWatcher(path string, logger *log.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("watch: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{path: abs, fs: fs, logger: logger}, nil
}

// Run calls onChange for every write, create, or rename of the file until ctx
// is done. onChange runs on the watcher goroutine and must not block.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
				onChange()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("page watcher error", "path", w.path, "error", err)
		}
	}
}
