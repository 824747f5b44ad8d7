// Package model defines the typed records shared by the local store, the
// remote client, and the sync engine.
package model

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Meter is a physical metering device. Meter identity is assigned by the
// remote system; the local copy is a cache and meters are never created
// locally.
type Meter struct {
	// ID is the stable external identifier.
	ID string

	Name string

	// Location is a free-text grouping key (building, floor, ...).
	Location string

	// Unit is the display unit, e.g. "kWh".
	Unit string

	// EnergyName is the meter category (electricity, water, gas, ...).
	EnergyName string

	Notes string

	// ImagePath references a representative photo. It is a remote URL as
	// delivered by the server.
	ImagePath string

	// CreatedAt is the remote creation time.
	CreatedAt time.Time

	// SynchedAt is the last reconciliation time. Nil until the first pull.
	SynchedAt *time.Time
}

// Reading is a single measurement event against a [Meter].
type Reading struct {
	// ID is a UUID generated locally at capture time or delivered by the
	// remote system on pull.
	ID string

	MeterID string

	Value float64

	// CreatedAt is the event time, distinct from storage time.
	CreatedAt time.Time

	// ImagePath is a local file path while the reading is pending and the
	// remote URL once the photo has been uploaded. Empty means no photo.
	ImagePath string

	// SynchedAt is nil for readings created locally and not yet confirmed
	// by the remote service.
	SynchedAt *time.Time

	TechnicianID   string
	TechnicianName string
}

// Pending reports whether the reading still has to be pushed.
func (r *Reading) Pending() bool {
	return r.SynchedAt == nil
}

// HasLocalImage reports whether the reading references a photo that only
// exists on this device.
func (r *Reading) HasLocalImage() bool {
	return r.ImagePath != "" && !IsRemoteURL(r.ImagePath)
}

// NewReadingID returns a fresh random reading identifier.
func NewReadingID() string {
	return uuid.NewString()
}

// IsRemoteURL reports whether p is an http(s) URL rather than a local path.
func IsRemoteURL(p string) bool {
	if !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
		return false
	}
	u, err := url.Parse(p)
	return err == nil && u.Host != ""
}

// ImageExt returns the file extension for an image reference, including the
// leading dot. URLs are inspected without their query string. Unknown
// extensions default to ".jpg".
func ImageExt(p string) string {
	if IsRemoteURL(p) {
		if u, err := url.Parse(p); err == nil {
			p = u.Path
		}
	}
	slash := strings.LastIndex(p, "/")
	dot := strings.LastIndex(p, ".")
	if dot <= slash || dot == len(p)-1 {
		return ".jpg"
	}
	ext := strings.ToLower(p[dot:])
	if len(ext) > 6 {
		return ".jpg"
	}
	return ext
}
