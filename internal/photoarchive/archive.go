// Package photoarchive stores the evidence frames that arrive with punches
// and onboarding steps. Frames land on local disk, laid out by day so a
// retention job can expire whole directories.
package photoarchive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Kinds of archived frames.
const (
	KindPunch   = "punch"
	KindOnboard = "onboard"
)

// Archive writes evidence frames under a root directory.
type Archive struct {
	root string
	now  func() time.Time
}

// New creates an archive rooted at dir.
func New(dir string) *Archive {
	return &Archive{root: dir, now: time.Now}
}

// Save stores one frame and returns its path relative to the archive root.
// The path is <kind>/<yyyy-mm-dd>/<ref>.jpg; a second save for the same ref
// on the same day overwrites, which is what an idempotent retry should do.
func (a *Archive) Save(kind, ref string, r io.Reader) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("photoarchive: ref required")
	}
	day := a.now().UTC().Format("2006-01-02")
	rel := filepath.Join(kind, day, ref+".jpg")
	abs := filepath.Join(a.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("photoarchive: create dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(abs), "."+ref+"-*")
	if err != nil {
		return "", fmt.Errorf("photoarchive: create temp: %w", err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("photoarchive: write frame: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("photoarchive: close frame: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("photoarchive: place frame: %w", err)
	}
	return rel, nil
}

// Open reads back an archived frame by its relative path.
func (a *Archive) Open(rel string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(a.root, rel))
}

// Sweep removes day directories older than the retention window and returns
// how many were removed.
func (a *Archive) Sweep(retention time.Duration) (int, error) {
	cutoff := a.now().UTC().Add(-retention).Format("2006-01-02")
	removed := 0
	for _, kind := range []string{KindPunch, KindOnboard} {
		days, err := os.ReadDir(filepath.Join(a.root, kind))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("photoarchive: read %s: %w", kind, err)
		}
		for _, d := range days {
			if !d.IsDir() || d.Name() >= cutoff {
				continue
			}
			if err := os.RemoveAll(filepath.Join(a.root, kind, d.Name())); err != nil {
				return removed, fmt.Errorf("photoarchive: sweep %s/%s: %w", kind, d.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}
