// Package resources implements the content-addressed resource registry from
// spec §4.C: a threadsafe mapping from URL to local file and presence state,
// backed by a directory of escaped-filename or hash-named files.
package resources

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// State is a Resource's transfer/presence state.
type State int

const (
	NotPresent State = iota
	Present
)

// Resource is one entry in the registry: a URL, its local relative path
// inside the resources directory, presence state, an optional owner, and
// whether it references an external (not locally stored) asset.
type Resource struct {
	URL       string
	LocalPath string
	State     State
	OwnerID   uint64
	External  bool
}

// ErrAlreadyPresent is returned by CopyLocalFile when the resource was
// already marked Present; per spec §4.C the copy only happens "if and only
// if the resource was not already Present".
var ErrAlreadyPresent = errors.New("resources: already present")

// maxPathComponentLen bounds the escaped filename length before falling
// back to a 16-hex-digit hash name, conservatively under common filesystem
// and Windows MAX_PATH component limits.
const maxPathComponentLen = 255

// Registry is the process-wide URL -> Resource map described in spec §4.C.
// All methods are safe for concurrent use.
type Registry struct {
	mu             sync.Mutex
	dir            string
	resources      map[string]*Resource
	downloadFailed map[string]struct{}
}

// NewRegistry creates a registry rooted at dir, the resources directory from
// spec §6.2.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:            dir,
		resources:      make(map[string]*Resource),
		downloadFailed: make(map[string]struct{}),
	}
}

// GetOrCreate returns the existing Resource for url, or creates a new
// NotPresent entry whose local path is derived from the URL by escaping.
func (reg *Registry) GetOrCreate(url string) *Resource {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.resources[url]; ok {
		return r
	}
	r := &Resource{
		URL:       url,
		LocalPath: localPathForURL(url),
		State:     NotPresent,
	}
	reg.resources[url] = r
	return r
}

// IsPresent reports presence from cached state; it never touches the
// filesystem.
func (reg *Registry) IsPresent(url string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.resources[url]
	return ok && r.State == Present
}

// MarkAsLocallyPresent asserts the backing file already exists on disk and
// sets the resource's state to Present.
func (reg *Registry) MarkAsLocallyPresent(url string) error {
	reg.mu.Lock()
	r, ok := reg.resources[url]
	if !ok {
		r = &Resource{URL: url, LocalPath: localPathForURL(url)}
		reg.resources[url] = r
	}
	path := filepath.Join(reg.dir, r.LocalPath)
	reg.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("resources: mark present %s: %w", url, err)
	}
	reg.mu.Lock()
	r.State = Present
	reg.mu.Unlock()
	return nil
}

// CopyLocalFile copies localPath into the resources directory under url's
// derived path and marks the resource Present, but only if it was not
// already Present. The copy completes before the state transition so that
// Present implies the file exists.
func (reg *Registry) CopyLocalFile(localPath, url string) error {
	reg.mu.Lock()
	r, ok := reg.resources[url]
	if !ok {
		r = &Resource{URL: url, LocalPath: localPathForURL(url)}
		reg.resources[url] = r
	}
	alreadyPresent := r.State == Present
	dest := filepath.Join(reg.dir, r.LocalPath)
	reg.mu.Unlock()

	if alreadyPresent {
		return ErrAlreadyPresent
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("resources: mkdir for %s: %w", url, err)
	}
	if err := copyFile(localPath, dest); err != nil {
		return fmt.Errorf("resources: copy %s -> %s: %w", localPath, dest, err)
	}

	reg.mu.Lock()
	r.State = Present
	reg.mu.Unlock()
	return nil
}

// ReceiveUpload streams exactly size bytes from r into a temp file under the
// resources directory, fsyncs it, and renames it into place before marking
// url Present, per spec §4.E's ResourceUpload row: "body is streamed into a
// temp file then moved into place, after which the resource is marked
// Present." The rename is atomic so a concurrent reader never observes a
// partially written file, the same durability idiom recordstore's Compact
// uses for the records file itself.
func (reg *Registry) ReceiveUpload(url string, r io.Reader, size int64) error {
	reg.mu.Lock()
	res, ok := reg.resources[url]
	if !ok {
		res = &Resource{URL: url, LocalPath: localPathForURL(url)}
		reg.resources[url] = res
	}
	alreadyPresent := res.State == Present
	dest := filepath.Join(reg.dir, res.LocalPath)
	reg.mu.Unlock()

	if alreadyPresent {
		return ErrAlreadyPresent
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("resources: mkdir for %s: %w", url, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "upload-*.tmp")
	if err != nil {
		return fmt.Errorf("resources: create temp file for %s: %w", url, err)
	}
	tmpPath := tmp.Name()
	if _, err := io.CopyN(tmp, r, size); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("resources: stream upload body for %s: %w", url, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("resources: sync upload for %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("resources: close upload for %s: %w", url, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("resources: move upload into place for %s: %w", url, err)
	}

	reg.mu.Lock()
	res.State = Present
	reg.mu.Unlock()
	return nil
}

// AddToDownloadFailedURLs records url as one this process will not retry.
func (reg *Registry) AddToDownloadFailedURLs(url string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.downloadFailed[url] = struct{}{}
}

// HasDownloadFailed reports whether url was previously added via
// AddToDownloadFailedURLs.
func (reg *Registry) HasDownloadFailed(url string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, failed := reg.downloadFailed[url]
	return failed
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// localPathForURL derives a safe on-disk filename from a URL: alphanumerics,
// underscores and dots pass through; everything else is percent-style
// escaped as "_XX" hex. If the result would exceed the platform's path
// component limit, a 16-hex-digit hash of the URL is substituted instead.
func localPathForURL(url string) string {
	escaped := escapeFilename(url)
	if len(escaped) <= maxPathComponentLen {
		return escaped
	}
	return hash16Hex(url)
}

func escapeFilename(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	return b.String()
}

// hash16Hex returns a 16-hex-character filename (no extension) derived from
// a 64-bit truncation of the URL's SHA-256 digest.
func hash16Hex(url string) string {
	sum := sha256.Sum256([]byte(url))
	v := binary.BigEndian.Uint64(sum[:8])
	return fmt.Sprintf("%016x", v)
}

// URLForPathAndHash computes the content-addressed URL "name_hash.ext" for
// path and a 64-bit content hash, per spec §4.C and testable property 4.
func URLForPathAndHash(path string, hash uint64) string {
	stem, ext := splitBaseExt(path)
	return fmt.Sprintf("%s_%d%s", stem, hash, ext)
}

// URLForPathAndHashAndEpoch computes "name_hash_epoch.ext", varying the URL
// when a derivation algorithm changes (epoch bump), per spec §4.C.
func URLForPathAndHashAndEpoch(path string, hash uint64, epoch int) string {
	stem, ext := splitBaseExt(path)
	return fmt.Sprintf("%s_%d_%d%s", stem, hash, epoch, ext)
}

// splitBaseExt returns a path's final component split into stem and
// extension (the extension includes its leading dot, or "" if none).
func splitBaseExt(path string) (stem, ext string) {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		return base[:i], base[i:]
	}
	return base, ""
}
