// Package capture records meter readings taken on the device. A new reading
// is stored with no sync stamp so the next sync cycle pushes it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/njoerd114/fieldsync/internal/assets"
	"github.com/njoerd114/fieldsync/internal/auth"
	"github.com/njoerd114/fieldsync/internal/model"
)

// ErrUnknownMeter is returned when the meter is not in the local store.
// Meters only arrive through sync.
var ErrUnknownMeter = errors.New("unknown meter")

// Store is the subset of [state.Store] the recorder needs.
type Store interface {
	GetMeter(ctx context.Context, id string) (*model.Meter, error)
	InsertReading(ctx context.Context, r *model.Reading) error
	PicturesDir() string
}

// Identity names the technician taking readings. Implemented by
// [auth.Session].
type Identity interface {
	Identity() auth.Identity
}

// Recorder captures readings.
type Recorder struct {
	store Store
	who   Identity
	now   func() time.Time
	log   *slog.Logger
}

// NewRecorder creates a Recorder. who may be nil, in which case readings are
// not attributed.
func NewRecorder(store Store, who Identity, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, who: who, now: time.Now, log: logger}
}

// RecordReading stores a new pending reading for meterID. When imagePath is
// set the photo is copied into the meter's picture directory and the row
// refers to that copy; the original file is left alone.
func (r *Recorder) RecordReading(ctx context.Context, meterID string, value float64, imagePath string) (*model.Reading, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("reading value %v is not a finite number", value)
	}

	m, err := r.store.GetMeter(ctx, meterID)
	if err != nil {
		return nil, fmt.Errorf("looking up meter %q: %w", meterID, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownMeter, meterID)
	}

	rd := &model.Reading{
		ID:        model.NewReadingID(),
		MeterID:   meterID,
		Value:     value,
		CreatedAt: r.now().UTC(),
	}
	if r.who != nil {
		id := r.who.Identity()
		rd.TechnicianID, rd.TechnicianName = id.ID, id.Name
	}

	if imagePath != "" {
		dest, err := r.copyPhoto(imagePath, meterID, rd.ID)
		if err != nil {
			return nil, err
		}
		rd.ImagePath = dest
	}

	if err := r.store.InsertReading(ctx, rd); err != nil {
		if rd.ImagePath != "" {
			_ = os.Remove(rd.ImagePath)
		}
		return nil, err
	}

	r.log.Info("reading recorded", "id", rd.ID, "meter", meterID, "value", value, "photo", rd.ImagePath != "")
	return rd, nil
}

// copyPhoto places src at pictures/<meter>/<reading><ext>. Files that are
// not images are refused.
func (r *Recorder) copyPhoto(src, meterID, readingID string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening photo: %w", err)
	}
	defer func() { _ = in.Close() }()

	mt, err := mimetype.DetectReader(in)
	if err != nil {
		return "", fmt.Errorf("detecting photo type: %w", err)
	}
	if !mt.Is("image/jpeg") && !mt.Is("image/png") && !mt.Is("image/webp") && !mt.Is("image/heic") {
		return "", fmt.Errorf("photo %q is %s, not a supported image", src, mt.String())
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	dest := assets.ReadingImagePath(r.store.PicturesDir(), meterID, readingID, mt.Extension())
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return "", fmt.Errorf("creating picture directory: %w", err)
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating photo copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("copying photo: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("copying photo: %w", err)
	}
	return dest, nil
}
