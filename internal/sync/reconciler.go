package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/fieldsync/internal/assets"
	"github.com/njoerd114/fieldsync/internal/model"
)

// action is what the reconciler did with a pulled record.
type action int

const (
	actionInserted action = iota + 1
	actionUpdated
)

func (a action) String() string {
	switch a {
	case actionInserted:
		return "insert"
	case actionUpdated:
		return "update"
	default:
		return "none"
	}
}

// Outcome describes the effect of applying one pulled record.
type Outcome struct {
	Action action

	// ImageDownloaded is set when the record's photo was fetched.
	ImageDownloaded bool

	// ImageErr holds a failed photo download. It never fails the record.
	ImageErr error
}

// Inserted reports whether the record created a new local row.
func (o Outcome) Inserted() bool { return o.Action == actionInserted }

// Reconciler applies pulled records to the local store. It is stateless
// between calls.
type Reconciler struct {
	store LocalStore
	files Assets
	now   func() time.Time
	log   *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(store LocalStore, files Assets, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, files: files, now: time.Now, log: logger}
}

// ApplyMeter inserts or updates one pulled meter. The decision is keyed on
// whether the id already exists locally; the watermark only bounded the pull
// and is consulted for diagnostics.
func (r *Reconciler) ApplyMeter(ctx context.Context, m model.Meter, watermark time.Time) (Outcome, error) {
	existing, err := r.store.GetMeter(ctx, m.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("looking up meter %q: %w", m.ID, err)
	}
	r.checkWatermark("meter", m.ID, m.CreatedAt, watermark, existing != nil)

	now := r.now().UTC()
	m.SynchedAt = &now

	var out Outcome
	if existing == nil {
		if err := r.store.InsertMeter(ctx, &m); err != nil {
			return Outcome{}, err
		}
		out.Action = actionInserted
	} else {
		if _, err := r.store.UpdateMeter(ctx, &m); err != nil {
			return Outcome{}, err
		}
		out.Action = actionUpdated
	}

	if model.IsRemoteURL(m.ImagePath) {
		dest := assets.MeterImagePath(r.store.PicturesDir(), m.ID, model.ImageExt(m.ImagePath))
		changed := existing == nil || existing.ImagePath != m.ImagePath
		out.ImageDownloaded, out.ImageErr = r.fetchImage(ctx, m.ImagePath, dest, changed)
	}

	r.log.Debug("meter applied", "id", m.ID, "action", out.Action)
	return out, nil
}

// ApplyReading inserts or updates one pulled reading and downloads its
// photo into the meter's picture directory. A failed download is reported in
// the outcome and does not undo the row write.
func (r *Reconciler) ApplyReading(ctx context.Context, rd model.Reading, watermark time.Time) (Outcome, error) {
	existing, err := r.store.GetReading(ctx, rd.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("looking up reading %q: %w", rd.ID, err)
	}
	r.checkWatermark("reading", rd.ID, rd.CreatedAt, watermark, existing != nil)

	now := r.now().UTC()
	rd.SynchedAt = &now

	var out Outcome
	if existing == nil {
		if err := r.store.InsertReading(ctx, &rd); err != nil {
			return Outcome{}, err
		}
		out.Action = actionInserted
	} else {
		if _, err := r.store.UpdateReading(ctx, &rd); err != nil {
			return Outcome{}, err
		}
		out.Action = actionUpdated

		// The server already has this reading, so a photo still waiting
		// for upload was delivered by an earlier push whose local
		// acknowledgement was lost.
		if existing.HasLocalImage() && existing.ImagePath != rd.ImagePath {
			if err := r.files.Remove(existing.ImagePath); err != nil {
				r.log.Warn("removing superseded local photo", "reading", rd.ID, "error", err)
			}
		}
	}

	if model.IsRemoteURL(rd.ImagePath) {
		dest := assets.ReadingImagePath(r.store.PicturesDir(), rd.MeterID, rd.ID, model.ImageExt(rd.ImagePath))
		changed := existing == nil || existing.ImagePath != rd.ImagePath
		out.ImageDownloaded, out.ImageErr = r.fetchImage(ctx, rd.ImagePath, dest, changed)
	}

	r.log.Debug("reading applied", "id", rd.ID, "meter", rd.MeterID, "action", out.Action)
	return out, nil
}

// fetchImage downloads url to dest unless an unchanged reference already has
// its file on disk.
func (r *Reconciler) fetchImage(ctx context.Context, url, dest string, changed bool) (bool, error) {
	if !changed {
		if _, err := os.Stat(dest); err == nil {
			return false, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			r.log.Debug("stat local photo", "path", dest, "error", err)
		}
	}
	if err := r.files.Download(ctx, url, dest); err != nil {
		r.log.Warn("photo download failed, keeping record", "url", url, "error", err)
		return false, err
	}
	return true, nil
}

// checkWatermark logs records whose timestamp contradicts the primary-key
// lookup, which happens with clock skew or remote edits that keep createdAt.
func (r *Reconciler) checkWatermark(kind, id string, createdAt, watermark time.Time, exists bool) {
	looksNew := watermark.IsZero() || createdAt.After(watermark)
	if looksNew == exists {
		r.log.Debug("watermark disagrees with local lookup",
			"kind", kind,
			"id", id,
			"created_at", createdAt,
			"watermark", watermark,
			"exists", exists,
		)
	}
}
