package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s, err := Open(t.TempDir(), WithLogger(logger))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// putWithArtifact writes an artifact for p and stores the record.
func putWithArtifact(t *testing.T, s *Store, p *Package, content string) *Package {
	t.Helper()
	a, err := s.WriteArtifact(context.Background(), p.Name, p.Version, strings.NewReader(content))
	if err != nil {
		t.Fatalf("WriteArtifact(%s) error = %v", p.Name, err)
	}
	p.FilePath = a.Path
	p.Hash = a.SHA256
	if err := s.Put(context.Background(), p); err != nil {
		t.Fatalf("Put(%s) error = %v", p.Name, err)
	}
	return p
}

func TestOpenFailsOnUnusableDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(file); err == nil {
		t.Fatal("Open() on a regular file should fail")
	}
	if _, err := Open(""); err == nil {
		t.Fatal("Open(\"\") should fail")
	}
}

func TestPutLookupRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tests := []*Package{
		{
			Name:        "requests",
			Version:     "2.31.0",
			DownloadURL: "https://files.example/requests-2.31.0-py3-none-any.whl",
			CachedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			Metadata: Metadata{
				Description:  "Python HTTP for Humans.",
				Author:       "Kenneth Reitz",
				License:      "Apache 2.0",
				Dependencies: []string{"charset-normalizer", "idna", "urllib3", "certifi"},
				Keywords:     []string{"http"},
				HomePage:     "https://requests.readthedocs.io",
			},
		},
		{
			Name:     "six",
			Version:  Latest,
			CachedAt: time.Date(2023, 1, 2, 3, 4, 5, 6, time.UTC),
		},
	}

	for _, want := range tests {
		t.Run(want.Name, func(t *testing.T) {
			putWithArtifact(t, s, want, "artifact "+want.Name)

			got, err := s.Lookup(ctx, want.Name, want.Version)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if got == nil {
				t.Fatal("Lookup() = nil, want record")
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Lookup() mismatch (-want +got):\n%s", diff)
			}
			if _, err := os.Stat(got.FilePath); err != nil {
				t.Errorf("artifact file missing after Lookup: %v", err)
			}
		})
	}
}

func TestLookupMissingIsNotAnError(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Lookup(context.Background(), "nothing", "1.0")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got != nil {
		t.Errorf("Lookup() = %+v, want nil", got)
	}
}

func TestLookupPurgesStaleEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := putWithArtifact(t, s, &Package{Name: "flask", Version: "3.0.0"}, "flask")
	if err := os.Remove(p.FilePath); err != nil {
		t.Fatal(err)
	}

	got, err := s.Lookup(ctx, "flask", "3.0.0")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Lookup() = %+v, want nil for stale entry", got)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 0 {
		t.Errorf("row count after stale lookup = %d, want 0", st.Count)
	}
}

func TestLookupPurgeKeepsConcurrentWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale := &Package{Name: "flask", Version: "3.0.0", FilePath: filepath.Join(s.Dir(), "old", "flask.whl")}
	if err := s.Put(ctx, stale); err != nil {
		t.Fatal(err)
	}
	// A download of the same key has written its artifact but not yet
	// stored its record.
	a, err := s.WriteArtifact(ctx, "flask", "3.0.0", strings.NewReader("fresh"))
	if err != nil {
		t.Fatal(err)
	}

	if got, err := s.Lookup(ctx, "flask", "3.0.0"); err != nil || got != nil {
		t.Fatalf("Lookup() = %+v, %v; want nil for stale entry", got, err)
	}
	if _, err := os.Stat(a.Path); err != nil {
		t.Errorf("purge removed the in-flight artifact: %v", err)
	}

	// A record rewritten after the stale read is not deleted by the purge.
	fresh := &Package{Name: "flask", Version: "3.0.0", FilePath: a.Path, Hash: a.SHA256}
	if err := s.Put(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := s.purgeStale(ctx, stale); err != nil {
		t.Fatalf("purgeStale() error = %v", err)
	}
	got, err := s.Lookup(ctx, "flask", "3.0.0")
	if err != nil || got == nil || got.FilePath != a.Path {
		t.Errorf("Lookup() after purge = %+v, %v; want the rewritten record", got, err)
	}
}

func TestStatsCountsAliasOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pinned := putWithArtifact(t, s, &Package{Name: "requests", Version: "2.31.0"}, "requests")
	alias := *pinned
	alias.Version = Latest
	if err := s.Put(ctx, &alias); err != nil {
		t.Fatal(err)
	}
	putWithArtifact(t, s, &Package{Name: "six", Version: Latest}, "six")

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 2 {
		t.Errorf("Count = %d, want 2 (alias of requests not counted)", st.Count)
	}
}

func TestPutLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putWithArtifact(t, s, &Package{Name: "numpy", Version: "1.26.0", Metadata: Metadata{Description: "first"}}, "one")
	putWithArtifact(t, s, &Package{Name: "numpy", Version: "1.26.0", Metadata: Metadata{Description: "second", Keywords: []string{"array"}}}, "two")

	got, err := s.Lookup(ctx, "numpy", "1.26.0")
	if err != nil || got == nil {
		t.Fatalf("Lookup() = %v, %v", got, err)
	}
	if got.Metadata.Description != "second" {
		t.Errorf("Description = %q, want second", got.Metadata.Description)
	}
	if diff := cmp.Diff([]string{"array"}, got.Metadata.Keywords); diff != "" {
		t.Errorf("Keywords mismatch (-want +got):\n%s", diff)
	}

	st, _ := s.Stats(ctx)
	if st.Count != 1 {
		t.Errorf("Count = %d, want 1", st.Count)
	}
}

func TestPutRejectsInvalidKey(t *testing.T) {
	s := openTestStore(t)

	tests := []Package{
		{Name: "", Version: "1.0"},
		{Name: "pkg", Version: ""},
		{Name: "../etc", Version: "1.0"},
		{Name: "pkg", Version: "1/0"},
	}
	for _, p := range tests {
		if err := s.Put(context.Background(), &p); err == nil {
			t.Errorf("Put(%q, %q) should fail", p.Name, p.Version)
		}
	}
}

func TestRemoveIsIndependentAndIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := putWithArtifact(t, s, &Package{Name: "attrs", Version: "23.1.0"}, "attrs")

	if err := s.Remove(ctx, "attrs", "23.1.0"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(p.FilePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifact still present after Remove: %v", err)
	}
	if err := s.Remove(ctx, "attrs", "23.1.0"); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}

	// File without a row.
	if err := os.WriteFile(s.ArtifactPath("orphan", "1.0"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "orphan", "1.0"); err != nil {
		t.Errorf("Remove() of row-less artifact error = %v", err)
	}
	if _, err := os.Stat(s.ArtifactPath("orphan", "1.0")); !errors.Is(err, os.ErrNotExist) {
		t.Error("row-less artifact should be removed")
	}
}

func TestClearAllKeepsUnrelatedFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putWithArtifact(t, s, &Package{Name: "a", Version: "1"}, "a")
	putWithArtifact(t, s, &Package{Name: "b", Version: "2"}, "b")
	notes := filepath.Join(s.Dir(), "notes.txt")
	if err := os.WriteFile(notes, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	st, _ := s.Stats(ctx)
	if st.Count != 0 {
		t.Errorf("Count = %d, want 0", st.Count)
	}
	matches, _ := filepath.Glob(filepath.Join(s.Dir(), "*"+ArtifactExt))
	if len(matches) != 0 {
		t.Errorf("artifacts left after ClearAll: %v", matches)
	}
	if _, err := os.Stat(notes); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestStatsIncludesOrphanedFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	before, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}

	putWithArtifact(t, s, &Package{Name: "a", Version: "1"}, "12345")
	if err := os.WriteFile(filepath.Join(s.Dir(), "stray.whl"), []byte("1234567890"), 0o644); err != nil {
		t.Fatal(err)
	}

	after, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.Count != 1 {
		t.Errorf("Count = %d, want 1", after.Count)
	}
	if after.TotalBytes < before.TotalBytes+15 {
		t.Errorf("TotalBytes = %d, want at least %d", after.TotalBytes, before.TotalBytes+15)
	}
}

func TestVerifyPurgesMissingAndCorrupt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putWithArtifact(t, s, &Package{Name: "good", Version: "1"}, "good")
	missing := putWithArtifact(t, s, &Package{Name: "gone", Version: "1"}, "gone")
	corrupt := putWithArtifact(t, s, &Package{Name: "bad", Version: "1"}, "bad")

	os.Remove(missing.FilePath)
	if err := os.WriteFile(corrupt.FilePath, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := s.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	want := VerifyReport{
		Checked: 3,
		Missing: []Key{{Name: "gone", Version: "1"}},
		Corrupt: []Key{{Name: "bad", Version: "1"}},
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("Verify() mismatch (-want +got):\n%s", diff)
	}

	pkgs, _ := s.List(ctx)
	if len(pkgs) != 1 || pkgs[0].Name != "good" {
		t.Errorf("List() after Verify = %+v, want only good", pkgs)
	}
}

func TestOptimizeRemovesOrphans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	kept := putWithArtifact(t, s, &Package{Name: "kept", Version: "1"}, "kept")
	if err := os.WriteFile(filepath.Join(s.Dir(), "orphan-1.whl"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), tempPrefix+"123"), []byte("123"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := s.Optimize(ctx)
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	want := OptimizeReport{
		Removed:        []string{tempPrefix + "123", "orphan-1.whl"},
		ReclaimedBytes: 8,
	}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("Optimize() mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(kept.FilePath); err != nil {
		t.Errorf("referenced artifact removed: %v", err)
	}
}

type slowReader struct {
	n      int
	cancel context.CancelFunc
}

func (r *slowReader) Read(p []byte) (int, error) {
	r.n++
	if r.n == 2 {
		r.cancel()
	}
	return copy(p, "chunk"), nil
}

func TestWriteArtifactCancelledLeavesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := s.WriteArtifact(ctx, "big", "1.0", &slowReader{cancel: cancel})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WriteArtifact() error = %v, want context.Canceled", err)
	}

	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) || filepath.Ext(e.Name()) == ArtifactExt {
			t.Errorf("leftover file after cancelled write: %s", e.Name())
		}
	}
}

func TestWriteArtifactHash(t *testing.T) {
	s := openTestStore(t)
	content := []byte("wheel bytes")

	a, err := s.WriteArtifact(context.Background(), "pkg", "0.1", bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	if a.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("SHA256 = %s, want %x", a.SHA256, sum)
	}
	if a.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", a.Size, len(content))
	}
	if a.Path != s.ArtifactPath("pkg", "0.1") {
		t.Errorf("Path = %s, want %s", a.Path, s.ArtifactPath("pkg", "0.1"))
	}
}

func TestConcurrentPut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := &Package{Name: fmt.Sprintf("pkg%d", i%5), Version: "1.0", FilePath: "/nowhere"}
			errs <- s.Put(ctx, p)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Put() error = %v", err)
		}
	}

	st, _ := s.Stats(ctx)
	if st.Count != 5 {
		t.Errorf("Count = %d, want 5", st.Count)
	}
}

func TestPURL(t *testing.T) {
	tests := []struct {
		pkg  Package
		want string
	}{
		{Package{Name: "Requests", Version: "2.31.0"}, "pkg:pypi/requests@2.31.0"},
		{Package{Name: "six", Version: Latest}, "pkg:pypi/six"},
	}
	for _, tt := range tests {
		if got := tt.pkg.PURL(); got != tt.want {
			t.Errorf("PURL(%s) = %q, want %q", tt.pkg.Name, got, tt.want)
		}
	}
}

func TestStaleLookupLogs(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s, err := Open(t.TempDir(), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Put(context.Background(), &Package{Name: "x", Version: "1", FilePath: filepath.Join(s.Dir(), "missing")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lookup(context.Background(), "x", "1"); err != nil {
		t.Fatal(err)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Data["action"] != "purge_stale" {
		t.Errorf("expected purge_stale log entry, got %+v", entry)
	}
}
