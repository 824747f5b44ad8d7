package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/fieldsync/internal/assets"
	"github.com/njoerd114/fieldsync/internal/model"
	"github.com/njoerd114/fieldsync/internal/remote"
)

const (
	otelScope         = "fieldsync/sync"
	spanSync          = "sync.cycle"
	spanReset         = "sync.reset"
	metricApplied     = "fieldsync.sync.records.applied"
	metricPushed      = "fieldsync.sync.readings.pushed"
	metricPushFailed  = "fieldsync.sync.readings.failed"
	metricImages      = "fieldsync.sync.images.downloaded"
	metricImageErrors = "fieldsync.sync.images.failed"
	metricErrors      = "fieldsync.sync.errors"
)

// ErrSyncInProgress is returned when a cycle or reset is requested while
// another one is running, in this process or another one sharing the lock
// file.
var ErrSyncInProgress = errors.New("sync already in progress")

// fileLock is an exclusive lock shared between processes.
type fileLock interface {
	TryLock() (bool, error)
	Unlock() error
}

// EngineOption configures an [Engine].
type EngineOption func(*Engine)

// WithLockFile makes every cycle and reset hold an exclusive lock on path,
// so that separate processes working on the same data directory never run
// at the same time.
func WithLockFile(path string) EngineOption {
	return func(e *Engine) { e.lock = flock.New(path) }
}

// Stats is the partial-success summary of one sync cycle.
type Stats struct {
	MetersInserted   int
	MetersUpdated    int
	ReadingsInserted int
	ReadingsUpdated  int

	ImagesDownloaded int
	ImageFailures    int

	// Synced and Failed count pushed readings.
	Synced int
	Failed int

	// Rejected counts pulled records that could not be applied locally.
	Rejected int

	// Errors lists every per-record and per-reading failure.
	Errors []error

	// WatermarkAdvanced is set when Watermark was persisted by this cycle.
	WatermarkAdvanced bool
	Watermark         time.Time
}

// Engine runs sync cycles. Create one with [NewEngine]; it is safe to call
// from several goroutines, but only one cycle runs at a time.
type Engine struct {
	remote     RemoteClient
	store      LocalStore
	watermarks WatermarkStore
	files      Assets
	reconciler *Reconciler
	upload     assets.UploadOptions
	now        func() time.Time
	log        *slog.Logger

	running atomic.Bool
	lock    fileLock

	// OTel instruments, no-ops when telemetry is disabled.
	tracer         trace.Tracer
	cntApplied     metric.Int64Counter
	cntPushed      metric.Int64Counter
	cntPushFailed  metric.Int64Counter
	cntImages      metric.Int64Counter
	cntImageErrors metric.Int64Counter
	cntErrors      metric.Int64Counter
}

// NewEngine creates an Engine. upload carries the resize hint sent with
// every photo.
func NewEngine(rc RemoteClient, store LocalStore, watermarks WatermarkStore, files Assets, upload assets.UploadOptions, logger *slog.Logger, opts ...EngineOption) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	e := &Engine{
		remote:     rc,
		store:      store,
		watermarks: watermarks,
		files:      files,
		reconciler: NewReconciler(store, files, logger),
		upload:     upload,
		now:        time.Now,
		log:        logger,

		tracer:         tracer,
		cntApplied:     mustCounter(metricApplied, "Number of pulled records applied to the local store"),
		cntPushed:      mustCounter(metricPushed, "Number of readings pushed to the server"),
		cntPushFailed:  mustCounter(metricPushFailed, "Number of readings that failed to push"),
		cntImages:      mustCounter(metricImages, "Number of photos downloaded"),
		cntImageErrors: mustCounter(metricImageErrors, "Number of photo downloads that failed"),
		cntErrors:      mustCounter(metricErrors, "Number of sync cycles that aborted"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// acquire takes the in-process guard and, when configured, the lock file.
// The returned func releases both.
func (e *Engine) acquire() (func(), error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	if e.lock == nil {
		return func() { e.running.Store(false) }, nil
	}

	ok, err := e.lock.TryLock()
	if err != nil {
		e.running.Store(false)
		return nil, fmt.Errorf("taking sync lock: %w", err)
	}
	if !ok {
		e.running.Store(false)
		return nil, ErrSyncInProgress
	}
	return func() {
		if err := e.lock.Unlock(); err != nil {
			e.log.Error("releasing sync lock", "error", err)
		}
		e.running.Store(false)
	}, nil
}

// RunOnce performs one full sync cycle:
//
//	read watermark → pull meters → apply meters → pull readings →
//	apply readings → push pending readings → advance watermark
//
// A failed pull aborts the cycle and leaves the watermark untouched. Records
// that fail to apply are counted and hold the watermark back, but the rest of
// the cycle still runs. Push failures are isolated per reading; only an
// authentication failure stops the push. The returned Stats are meaningful
// even when err is non-nil.
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	release, err := e.acquire()
	if err != nil {
		return Stats{}, err
	}
	defer release()

	ctx, span := e.tracer.Start(ctx, spanSync)
	defer span.End()

	stats, err := e.cycle(ctx)
	e.record(ctx, stats, err)

	span.SetAttributes(
		attribute.Int("sync.meters.inserted", stats.MetersInserted),
		attribute.Int("sync.meters.updated", stats.MetersUpdated),
		attribute.Int("sync.readings.inserted", stats.ReadingsInserted),
		attribute.Int("sync.readings.updated", stats.ReadingsUpdated),
		attribute.Int("sync.readings.synced", stats.Synced),
		attribute.Int("sync.readings.failed", stats.Failed),
		attribute.Int("sync.records.rejected", stats.Rejected),
		attribute.Bool("sync.watermark.advanced", stats.WatermarkAdvanced),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return stats, err
}

func (e *Engine) cycle(ctx context.Context) (Stats, error) {
	var stats Stats
	start := e.now().UTC()

	prev, err := e.watermarks.Read(ctx)
	if err != nil {
		return stats, fmt.Errorf("reading watermark: %w", err)
	}
	e.log.Info("sync started", "watermark", formatWatermark(prev))

	// Meters must be complete before readings, which reference them.
	meters, err := e.remote.SyncMeters(ctx, prev)
	if err != nil {
		return stats, fmt.Errorf("pulling meters: %w", err)
	}
	for _, m := range meters {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		out, err := e.reconciler.ApplyMeter(ctx, m, prev)
		if err != nil {
			e.reject(&stats, fmt.Errorf("applying meter %q: %w", m.ID, err))
			continue
		}
		if out.Inserted() {
			stats.MetersInserted++
		} else {
			stats.MetersUpdated++
		}
		countImage(&stats, out)
	}

	readings, err := e.remote.SyncReadings(ctx, prev)
	if err != nil {
		return stats, fmt.Errorf("pulling readings: %w", err)
	}
	for _, rd := range readings {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		out, err := e.reconciler.ApplyReading(ctx, rd, prev)
		if err != nil {
			e.reject(&stats, fmt.Errorf("applying reading %q: %w", rd.ID, err))
			continue
		}
		if out.Inserted() {
			stats.ReadingsInserted++
		} else {
			stats.ReadingsUpdated++
		}
		countImage(&stats, out)
	}

	if err := e.push(ctx, &stats); err != nil {
		return stats, err
	}

	if stats.Rejected > 0 {
		e.log.Warn("watermark held back, some pulled records were not applied", "rejected", stats.Rejected)
		e.logSummary(stats)
		return stats, nil
	}

	next := start
	if !next.After(prev) {
		next = prev.Add(time.Nanosecond)
	}
	if err := e.watermarks.Write(ctx, next); err != nil {
		return stats, fmt.Errorf("advancing watermark: %w", err)
	}
	stats.WatermarkAdvanced = true
	stats.Watermark = next

	e.logSummary(stats)
	return stats, nil
}

// push sends every pending reading in insertion order. It returns an error
// only when the cycle must stop: authentication failed, the context ended or
// the pending set could not be read.
func (e *Engine) push(ctx context.Context, stats *Stats) error {
	pending, err := e.store.ListPendingReadings(ctx)
	if err != nil {
		return fmt.Errorf("listing pending readings: %w", err)
	}
	if len(pending) > 0 {
		e.log.Info("pushing pending readings", "count", len(pending))
	}

	for _, rd := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.pushReading(ctx, rd)
		if err == nil {
			stats.Synced++
			continue
		}

		stats.Failed++
		stats.Errors = append(stats.Errors, fmt.Errorf("pushing reading %q: %w", rd.ID, err))
		e.log.Error("reading push failed, keeping it pending", "id", rd.ID, "meter", rd.MeterID, "error", err)

		var authErr *remote.AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("pushing readings: %w", err)
		}
	}
	return nil
}

// pushReading uploads the photo if there is one, creates the reading
// remotely and records the acknowledgement. The local photo is deleted only
// after the row has been marked synced.
func (e *Engine) pushReading(ctx context.Context, rd *model.Reading) error {
	var imageURL string
	switch {
	case rd.HasLocalImage():
		res, err := e.files.Upload(ctx, rd.ImagePath, "", e.upload)
		if err != nil {
			return err
		}
		imageURL = res.URL
	case model.IsRemoteURL(rd.ImagePath):
		imageURL = rd.ImagePath
	}

	resp, err := e.remote.CreateReading(ctx, remote.NewCreateReadingRequest(rd, imageURL))
	if err != nil {
		return err
	}
	if err := e.store.MarkReadingSynced(ctx, rd.ID, resp.CreatedAt, imageURL); err != nil {
		return err
	}

	if rd.HasLocalImage() {
		if err := e.files.Remove(rd.ImagePath); err != nil {
			e.log.Warn("removing uploaded photo", "path", rd.ImagePath, "error", err)
		}
	}
	e.log.Debug("reading pushed", "id", rd.ID, "synched_at", resp.CreatedAt)
	return nil
}

// ResetLocalData wipes the watermark, the local database and the pictures
// tree. It shares the guard with [Engine.RunOnce].
// The watermark is cleared first so that a failed store reset can never leave
// a stale watermark over an emptied store.
func (e *Engine) ResetLocalData(ctx context.Context) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	ctx, span := e.tracer.Start(ctx, spanReset)
	defer span.End()

	if err := e.watermarks.Clear(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("clearing watermark: %w", err)
	}
	if err := e.store.Reset(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("resetting local store: %w", err)
	}
	e.log.Info("local data reset")
	return nil
}

func (e *Engine) reject(stats *Stats, err error) {
	stats.Rejected++
	stats.Errors = append(stats.Errors, err)
	e.log.Error("pulled record not applied", "error", err)
}

func (e *Engine) record(ctx context.Context, stats Stats, err error) {
	add := func(c metric.Int64Counter, n int, attrs ...attribute.KeyValue) {
		if n > 0 {
			c.Add(ctx, int64(n), metric.WithAttributes(attrs...))
		}
	}
	add(e.cntApplied, stats.MetersInserted, attribute.String("kind", "meter"), attribute.String("action", "insert"))
	add(e.cntApplied, stats.MetersUpdated, attribute.String("kind", "meter"), attribute.String("action", "update"))
	add(e.cntApplied, stats.ReadingsInserted, attribute.String("kind", "reading"), attribute.String("action", "insert"))
	add(e.cntApplied, stats.ReadingsUpdated, attribute.String("kind", "reading"), attribute.String("action", "update"))
	add(e.cntPushed, stats.Synced)
	add(e.cntPushFailed, stats.Failed)
	add(e.cntImages, stats.ImagesDownloaded)
	add(e.cntImageErrors, stats.ImageFailures)
	if err != nil {
		e.cntErrors.Add(ctx, 1)
	}
}

func (e *Engine) logSummary(stats Stats) {
	e.log.Info("sync complete",
		"meters_inserted", stats.MetersInserted,
		"meters_updated", stats.MetersUpdated,
		"readings_inserted", stats.ReadingsInserted,
		"readings_updated", stats.ReadingsUpdated,
		"images", stats.ImagesDownloaded,
		"image_failures", stats.ImageFailures,
		"synced", stats.Synced,
		"failed", stats.Failed,
		"rejected", stats.Rejected,
		"watermark_advanced", stats.WatermarkAdvanced,
	)
}

func countImage(stats *Stats, out Outcome) {
	if out.ImageDownloaded {
		stats.ImagesDownloaded++
	}
	if out.ImageErr != nil {
		stats.ImageFailures++
	}
}

func formatWatermark(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339Nano)
}
