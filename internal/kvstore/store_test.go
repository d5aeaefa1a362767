package kvstore

import (
	"context"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Set(ctx, map[string]string{
		"clientId":       "cid.apps.googleusercontent.com",
		"accessToken":    "at-1",
		"fileId:abc123":  "R1",
		"buffer:abc123":  "# Title",
		"unused-but-set": "x",
	}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := s.Get(ctx, "clientId", "accessToken", "fileId:abc123", "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["clientId"] != "cid.apps.googleusercontent.com" || got["accessToken"] != "at-1" || got["fileId:abc123"] != "R1" {
		t.Fatalf("unexpected values: %+v", got)
	}
	if _, ok := got["missing"]; ok {
		t.Fatalf("absent key should be omitted, got %+v", got)
	}

	if err := s.Set(ctx, map[string]string{"accessToken": "at-2", "unused-but-set": ""}); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, err = s.Get(ctx, "accessToken", "unused-but-set")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["accessToken"] != "at-2" {
		t.Fatalf("accessToken = %q, want %q", got["accessToken"], "at-2")
	}
	if _, ok := got["unused-but-set"]; ok {
		t.Fatalf("empty value should remove key, got %+v", got)
	}

	if err := s.Remove(ctx, "fileId:abc123", "buffer:abc123", "never-set"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	got, err = s.Get(ctx, "fileId:abc123", "buffer:abc123", "clientId")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got) != 1 || got["clientId"] == "" {
		t.Fatalf("after Remove() got %+v, want only clientId", got)
	}
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	if err := s.Set(context.Background(), map[string]string{"refreshToken": "rt-1"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "refreshToken")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["refreshToken"] != "rt-1" {
		t.Fatalf("refreshToken = %q, want %q", got["refreshToken"], "rt-1")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenMemoryDSN(t *testing.T) {
	s, err := Open(context.Background(), "memory://")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("Open(memory://) = %T, want *InMemoryStore", s)
	}
}

func TestOpenSQLiteDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(context.Background(), "sqlite://"+path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("Open(sqlite://) = %T, want *SQLiteStore", s)
	}
}

func TestOpenBarePathUsesBadger(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*BadgerStore); !ok {
		t.Fatalf("Open(path) = %T, want *BadgerStore", s)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "mysql://localhost/state"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
