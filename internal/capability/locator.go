package capability

import (
	"context"
	"errors"
	"time"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/capture"
)

// FixedLocator reports the terminal's mounting position. Terminals do not
// move, so the fix comes from configuration rather than a GPS receiver; a
// terminal deployed without a surveyed position denies location access.
type FixedLocator struct {
	Lat     float64
	Lng     float64
	RadiusM float64
	enabled bool
	now     func() time.Time
}

// NewFixedLocator creates a locator pinned to the surveyed position.
func NewFixedLocator(lat, lng, radiusM float64) *FixedLocator {
	return &FixedLocator{Lat: lat, Lng: lng, RadiusM: radiusM, enabled: true, now: time.Now}
}

// NewDeniedLocator creates a locator for terminals without a surveyed
// position. Every access request is denied.
func NewDeniedLocator() *FixedLocator {
	return &FixedLocator{now: time.Now}
}

func (l *FixedLocator) RequestAccess(ctx context.Context) (capture.Permission, error) {
	if !l.enabled {
		return capture.PermissionDenied, nil
	}
	return capture.PermissionGranted, nil
}

func (l *FixedLocator) Fix(ctx context.Context) (capture.Fix, error) {
	if !l.enabled {
		return capture.Fix{}, errors.New("terminal position not configured")
	}
	return capture.Fix{
		Lat:     l.Lat,
		Lng:     l.Lng,
		RadiusM: l.RadiusM,
		At:      l.now().UTC(),
	}, nil
}
