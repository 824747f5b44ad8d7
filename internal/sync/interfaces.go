// Package sync implements the offline-first sync cycle for fieldsync. It
// pulls meters and readings changed since the last watermark, applies them to
// the local store, pushes readings captured on the device, and finally
// advances the watermark.
//
// The package contains two main components:
//
//   - [Engine] runs one guarded sync cycle and the local-data reset.
//   - [Reconciler] decides insert-vs-update for one pulled record and
//     fetches its photo.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/fieldsync/internal/assets"
	"github.com/njoerd114/fieldsync/internal/model"
	"github.com/njoerd114/fieldsync/internal/remote"
)

// RemoteClient is the backend as seen by the sync cycle.
// Implemented by [remote.Client].
type RemoteClient interface {
	SyncMeters(ctx context.Context, since time.Time) ([]model.Meter, error)
	SyncReadings(ctx context.Context, since time.Time) ([]model.Reading, error)
	CreateReading(ctx context.Context, req remote.CreateReadingRequest) (remote.CreateReadingResponse, error)
}

// LocalStore provides access to the on-device database.
// Implemented by [state.Store].
type LocalStore interface {
	GetMeter(ctx context.Context, id string) (*model.Meter, error)
	InsertMeter(ctx context.Context, m *model.Meter) error
	UpdateMeter(ctx context.Context, m *model.Meter) (bool, error)
	GetReading(ctx context.Context, id string) (*model.Reading, error)
	InsertReading(ctx context.Context, r *model.Reading) error
	UpdateReading(ctx context.Context, r *model.Reading) (bool, error)
	ListPendingReadings(ctx context.Context) ([]*model.Reading, error)
	MarkReadingSynced(ctx context.Context, id string, synchedAt time.Time, imagePath string) error
	Reset(ctx context.Context) error
	PicturesDir() string
}

// WatermarkStore persists the last successful sync time. A zero time means
// "never synced". Implemented by [watermark.FileStore].
type WatermarkStore interface {
	Read(ctx context.Context) (time.Time, error)
	Write(ctx context.Context, t time.Time) error
	Clear(ctx context.Context) error
}

// Assets moves photos between the device and remote storage.
// Implemented by [assets.Transfer].
type Assets interface {
	Upload(ctx context.Context, localPath, mimeType string, opts assets.UploadOptions) (assets.UploadResult, error)
	Download(ctx context.Context, remoteURL, destPath string) error
	Remove(localPath string) error
}
