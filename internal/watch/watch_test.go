package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestFileSourceRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte("<html></html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FileSource{Path: path}.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "<html></html>" {
		t.Fatalf("Read() = %q", got)
	}

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.html")}.Read(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Read(missing) error = %v, want not exist", err)
	}
}

func TestWatcherReportsOnlyTheWatchedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	w, err := NewWatcher(path, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	changes := make(chan struct{}, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
	}()

	if err := os.WriteFile(filepath.Join(dir, "other.html"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changes:
		t.Fatalf("change reported for an unrelated file")
	case <-time.After(100 * time.Millisecond):
	}

	// Atomic replace, the way renderers usually publish the page.
	tmp := filepath.Join(dir, ".page.tmp")
	if err := os.WriteFile(tmp, []byte("<html>v2</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatalf("no change reported after replacing the page")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestNewWatcherRequiresPath(t *testing.T) {
	if _, err := NewWatcher("", nil); err == nil {
		t.Fatalf("NewWatcher(\"\") error = nil")
	}
}
