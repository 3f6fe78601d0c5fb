package resources

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestURLForPathAndHash(t *testing.T) {
	got := URLForPathAndHash("d:/a/b.mp3", 17)
	want := "b_17.mp3"
	if got != want {
		t.Fatalf("URLForPathAndHash = %q, want %q", got, want)
	}
}

func TestURLForPathAndHashAndEpoch(t *testing.T) {
	got := URLForPathAndHashAndEpoch("d:/a/b.bmesh", 17, 2)
	want := "b_17_2.bmesh"
	if got != want {
		t.Fatalf("URLForPathAndHashAndEpoch = %q, want %q", got, want)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	a := reg.GetOrCreate("cube_7.bmesh")
	b := reg.GetOrCreate("cube_7.bmesh")
	if a != b {
		t.Fatal("GetOrCreate returned different Resource pointers for the same URL")
	}
	if a.State != NotPresent {
		t.Fatalf("new resource State = %v, want NotPresent", a.State)
	}
}

func TestEscapedFilenamePreservesSafeChars(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	r := reg.GetOrCreate("cube_7.bmesh")
	if r.LocalPath != "cube_7.bmesh" {
		t.Fatalf("LocalPath = %q, want unescaped passthrough", r.LocalPath)
	}
}

func TestEscapedFilenameEncodesDisallowedChars(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	r := reg.GetOrCreate("http://example.com/cube 7.bmesh")
	if strings.ContainsAny(r.LocalPath, " :/") {
		t.Fatalf("LocalPath %q still contains disallowed characters", r.LocalPath)
	}
}

func TestOverlongURLFallsBackToHashFilename(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	longURL := "http://example.com/" + strings.Repeat("a", 400) + ".bmesh"
	r := reg.GetOrCreate(longURL)
	if len(r.LocalPath) != 16 {
		t.Fatalf("LocalPath = %q (len %d), want 16-hex fallback", r.LocalPath, len(r.LocalPath))
	}
}

func TestCopyLocalFileMarksPresentOnce(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)

	srcPath := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(srcPath, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := reg.CopyLocalFile(srcPath, "cube_7.bmesh"); err != nil {
		t.Fatalf("CopyLocalFile: %v", err)
	}
	if !reg.IsPresent("cube_7.bmesh") {
		t.Fatal("expected resource Present after CopyLocalFile")
	}

	dest := filepath.Join(dir, "cube_7.bmesh")
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "payload" {
		t.Fatalf("copied file contents = %q, %v", got, err)
	}

	if err := reg.CopyLocalFile(srcPath, "cube_7.bmesh"); err != ErrAlreadyPresent {
		t.Fatalf("second CopyLocalFile = %v, want ErrAlreadyPresent", err)
	}
}

func TestIsPresentUsesCachedStateNotFilesystem(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	reg.GetOrCreate("ghost.bmesh")
	// Even if a file of that name exists on disk, IsPresent must not stat it.
	if err := os.WriteFile(filepath.Join(dir, "ghost.bmesh"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if reg.IsPresent("ghost.bmesh") {
		t.Fatal("IsPresent returned true from an uncached filesystem check")
	}
}

func TestMarkAsLocallyPresentRequiresFileOnDisk(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	if err := reg.MarkAsLocallyPresent("missing.bmesh"); err == nil {
		t.Fatal("expected error marking present a file that doesn't exist")
	}

	if err := os.WriteFile(filepath.Join(dir, "present.bmesh"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.MarkAsLocallyPresent("present.bmesh"); err != nil {
		t.Fatalf("MarkAsLocallyPresent: %v", err)
	}
	if !reg.IsPresent("present.bmesh") {
		t.Fatal("expected Present after MarkAsLocallyPresent")
	}
}

func TestDownloadFailedMembership(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	if reg.HasDownloadFailed("x.bmesh") {
		t.Fatal("expected no URLs marked failed initially")
	}
	reg.AddToDownloadFailedURLs("x.bmesh")
	if !reg.HasDownloadFailed("x.bmesh") {
		t.Fatal("expected x.bmesh marked failed after AddToDownloadFailedURLs")
	}
}

func TestReceiveUploadStreamsThenMarksPresent(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	body := []byte("uploaded bytes")

	if err := reg.ReceiveUpload("cube_7.bmesh", bytes.NewReader(body), int64(len(body))); err != nil {
		t.Fatalf("ReceiveUpload: %v", err)
	}
	if !reg.IsPresent("cube_7.bmesh") {
		t.Fatal("expected resource Present after ReceiveUpload")
	}
	got, err := os.ReadFile(filepath.Join(dir, "cube_7.bmesh"))
	if err != nil || string(got) != string(body) {
		t.Fatalf("uploaded file contents = %q, %v", got, err)
	}

	if err := reg.ReceiveUpload("cube_7.bmesh", bytes.NewReader(body), int64(len(body))); err != ErrAlreadyPresent {
		t.Fatalf("second ReceiveUpload = %v, want ErrAlreadyPresent", err)
	}
}

func TestReceiveUploadLeavesNoTempFileOnShortRead(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)

	err := reg.ReceiveUpload("partial.bmesh", bytes.NewReader([]byte("short")), 100)
	if err == nil {
		t.Fatal("expected an error when the reader is shorter than the declared size")
	}
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover files in %s, found %v", dir, entries)
	}
}
