package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fileforge/config"
)

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	return s
}

func put(t *testing.T, s Store, key, content string) {
	t.Helper()
	if err := s.Put(context.Background(), key, strings.NewReader(content)); err != nil {
		t.Fatalf("Failed to put %s: %v", key, err)
	}
}

func readAll(t *testing.T, s Store, key string) string {
	t.Helper()
	rc, err := s.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", key, err)
	}
	return string(data)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	put(t, s, "job-1/out-1.png", "pixels")
	if got := readAll(t, s, "job-1/out-1.png"); got != "pixels" {
		t.Errorf("Expected stored content, got %q", got)
	}

	if err := s.Delete(ctx, "job-1/out-1.png"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := s.Open(ctx, "job-1/out-1.png"); !errors.Is(err, ErrNotExist) {
		t.Errorf("Expected ErrNotExist after delete, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.baseDir, "job-1")); !os.IsNotExist(err) {
		t.Errorf("Expected empty job directory to be removed")
	}
	if err := s.Delete(ctx, "job-1/out-1.png"); err != nil {
		t.Errorf("Deleting a missing key should succeed, got %v", err)
	}
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s := newLocal(t)
	for _, key := range []string{"../outside", "a/../../b", "", "."} {
		if err := s.Put(context.Background(), key, strings.NewReader("x")); err == nil {
			t.Errorf("Expected key %q to be rejected", key)
		}
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(context.Background(), config.ArtifactsConfig{Backend: "local", LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open local backend: %v", err)
	}
	if _, ok := s.(*LocalStore); !ok {
		t.Errorf("Expected *LocalStore, got %T", s)
	}

	if _, err := Open(context.Background(), config.ArtifactsConfig{Backend: "tape"}); err == nil {
		t.Error("Expected unknown backend to fail")
	}
	if _, err := Open(context.Background(), config.ArtifactsConfig{Backend: "s3"}); err == nil {
		t.Error("Expected s3 backend without bucket to fail")
	}
	if _, err := Open(context.Background(), config.ArtifactsConfig{Backend: "sftp"}); err == nil {
		t.Error("Expected sftp backend without host to fail")
	}
}

func unzip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Bundle is not a valid zip: %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("Failed to open entry %s: %v", f.Name, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func TestBundleKeepsOrdinalsWhenArtifactIsMissing(t *testing.T) {
	s := newLocal(t)
	put(t, s, "j/a.png", "first")
	put(t, s, "j/c.png", "third")
	refs := []Ref{{Key: "j/a.png", Ext: "png"}, {Key: "j/b.png", Ext: "png"}, {Key: "j/c.png", Ext: "png"}}

	var buf bytes.Buffer
	n, err := WriteBundle(context.Background(), s, refs, &buf, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to bundle: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 entries, got %d", n)
	}

	entries := unzip(t, buf.Bytes())
	if len(entries) != 2 {
		t.Fatalf("Expected exactly 2 entries, got %v", entries)
	}
	if entries["result-1.png"] != "first" || entries["result-3.png"] != "third" {
		t.Errorf("Unexpected entries %v", entries)
	}
	if _, ok := entries["result-2.png"]; ok {
		t.Error("Missing artifact must not produce an entry")
	}
}

// flakyStore fails reads of one key halfway through.
type flakyStore struct {
	Store
	broken string
}

type failingReader struct{ io.ReadCloser }

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func (f flakyStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := f.Store.Open(ctx, key)
	if err != nil || key != f.broken {
		return rc, err
	}
	return failingReader{rc}, nil
}

func TestBundleSkipsUnreadableArtifact(t *testing.T) {
	local := newLocal(t)
	put(t, local, "j/1.txt", "one")
	put(t, local, "j/2.txt", "two")
	s := flakyStore{Store: local, broken: "j/1.txt"}

	var buf bytes.Buffer
	n, err := WriteBundle(context.Background(), s, []Ref{{Key: "j/1.txt", Ext: "txt"}, {Key: "j/2.txt", Ext: "txt"}}, &buf, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to bundle: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 entry, got %d", n)
	}
	entries := unzip(t, buf.Bytes())
	if len(entries) != 1 || entries["result-2.txt"] != "two" {
		t.Errorf("Unexpected entries %v", entries)
	}
}

func TestBundleWithNothingReadable(t *testing.T) {
	s := newLocal(t)
	var buf bytes.Buffer
	_, err := WriteBundle(context.Background(), s, []Ref{{Key: "gone/1.pdf", Ext: "pdf"}}, &buf, t.TempDir())
	if !errors.Is(err, ErrNothingToBundle) {
		t.Errorf("Expected ErrNothingToBundle, got %v", err)
	}
}

func TestEntryName(t *testing.T) {
	if got := EntryName(3, "webp"); got != "result-3.webp" {
		t.Errorf("Unexpected name %s", got)
	}
	if got := EntryName(1, ""); got != "result-1" {
		t.Errorf("Unexpected name %s", got)
	}
}

func TestJanitorDeletesAfterDelay(t *testing.T) {
	s := newLocal(t)
	put(t, s, "j/out.png", "x")

	j := NewJanitor(s, 20*time.Millisecond)
	defer j.Stop()

	var done atomic.Bool
	if !j.Schedule("j", []Ref{{Key: "j/out.png", Ext: "png"}}, func() { done.Store(true) }) {
		t.Fatal("Expected first schedule to be accepted")
	}
	if j.Schedule("j", nil, nil) {
		t.Error("Expected repeat schedule to reuse the pending cleanup")
	}

	if _, err := s.Open(context.Background(), "j/out.png"); err != nil {
		t.Fatalf("Artifact deleted before the grace delay: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !done.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Cleanup did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.Open(context.Background(), "j/out.png"); !errors.Is(err, ErrNotExist) {
		t.Errorf("Expected artifact deleted, got %v", err)
	}
	if j.Pending() != 0 {
		t.Errorf("Expected no pending cleanups, got %d", j.Pending())
	}
}

func TestJanitorStopFlushesPending(t *testing.T) {
	s := newLocal(t)
	put(t, s, "k/out.pdf", "x")

	j := NewJanitor(s, time.Hour)
	var calls atomic.Int32
	j.Schedule("k", []Ref{{Key: "k/out.pdf", Ext: "pdf"}}, func() { calls.Add(1) })
	j.Stop()

	if calls.Load() != 1 {
		t.Errorf("Expected cleanup to run once on stop, got %d", calls.Load())
	}
	if _, err := s.Open(context.Background(), "k/out.pdf"); !errors.Is(err, ErrNotExist) {
		t.Errorf("Expected artifact deleted on stop, got %v", err)
	}

	// after stop, cleanups run immediately
	j.Schedule("late", nil, func() { calls.Add(1) })
	if calls.Load() != 2 {
		t.Errorf("Expected late cleanup to run immediately, got %d", calls.Load())
	}
}

func TestJanitorRunsCallbackBeforeDeleting(t *testing.T) {
	s := newLocal(t)
	put(t, s, "m/out.png", "x")

	j := NewJanitor(s, time.Hour)
	var readable atomic.Bool
	j.Schedule("m", []Ref{{Key: "m/out.png", Ext: "png"}}, func() {
		rc, err := s.Open(context.Background(), "m/out.png")
		if err == nil {
			rc.Close()
			readable.Store(true)
		}
	})
	j.Stop()

	if !readable.Load() {
		t.Error("Expected artifacts to still exist when the callback runs")
	}
	if _, err := s.Open(context.Background(), "m/out.png"); !errors.Is(err, ErrNotExist) {
		t.Errorf("Expected artifact deleted after the callback, got %v", err)
	}
	if j.Delay() != time.Hour {
		t.Errorf("Expected delay 1h, got %v", j.Delay())
	}
}
