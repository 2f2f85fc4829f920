package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPut(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, "http://cdn.test/files/")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, body := range []string{"first", "second"} {
		if err := s.Put(ctx, "music/a.mp3", "audio/mpeg", strings.NewReader(body), int64(len(body))); err != nil {
			t.Fatalf("Put() err = %v; want nil", err)
		}
	}
	b, err := os.ReadFile(filepath.Join(root, "music", "a.mp3"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "second" {
		t.Fatalf("content = %q; want %q", b, "second")
	}
	entries, err := os.ReadDir(filepath.Join(root, "music"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d; want 1", len(entries))
	}
	if got, want := s.URL("music/a.mp3"), "http://cdn.test/files/music/a.mp3"; got != want {
		t.Fatalf("URL() = %q; want %q", got, want)
	}
}

func TestPutInvalid(t *testing.T) {
	s, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, "../escape.mp3", "audio/mpeg", strings.NewReader("x"), 1); err == nil {
		t.Fatal("Put() err = nil; want error for path outside root")
	}
	if err := s.Put(ctx, "music/short.mp3", "audio/mpeg", strings.NewReader("abc"), 10); err == nil {
		t.Fatal("Put() err = nil; want error for short body")
	}
	if _, err := os.Stat(filepath.Join(s.root, "music", "short.mp3")); !os.IsNotExist(err) {
		t.Fatalf("short.mp3 exists after failed put: %v", err)
	}
}
