// Package capability provides the terminal-hardware implementations of the
// capture interfaces: a camera fed by a spool directory and a locator pinned
// to the terminal's mounting position.
package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/capture"
)

// SpoolCamera reads frames that the camera daemon drops into a spool
// directory. Capture picks the newest JPEG; access is granted when the spool
// exists and is readable.
type SpoolCamera struct {
	Dir string
	now func() time.Time
}

// NewSpoolCamera creates a camera over the given spool directory.
func NewSpoolCamera(dir string) *SpoolCamera {
	return &SpoolCamera{Dir: dir, now: time.Now}
}

// RequestAccess probes the spool directory. A missing or unreadable spool is
// a denial, not an error; the capture flow surfaces it as blocked.
func (c *SpoolCamera) RequestAccess(ctx context.Context) (capture.Permission, error) {
	f, err := os.Open(c.Dir)
	if err != nil {
		return capture.PermissionDenied, nil
	}
	defer f.Close()
	if info, err := f.Stat(); err != nil || !info.IsDir() {
		return capture.PermissionDenied, nil
	}
	return capture.PermissionGranted, nil
}

// Capture returns the newest JPEG in the spool. The frame timestamp is the
// file's modification time, which is when the camera daemon wrote it.
func (c *SpoolCamera) Capture(ctx context.Context) (capture.Image, error) {
	if err := ctx.Err(); err != nil {
		return capture.Image{}, err
	}
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return capture.Image{}, fmt.Errorf("read spool: %w", err)
	}

	var newest string
	var newestAt time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest = e.Name()
			newestAt = info.ModTime()
		}
	}
	if newest == "" {
		return capture.Image{}, fmt.Errorf("no frame in spool %s", c.Dir)
	}
	return capture.Image{
		URI:     filepath.Join(c.Dir, newest),
		TakenAt: newestAt.UTC(),
	}, nil
}
