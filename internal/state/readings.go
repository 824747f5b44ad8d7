package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/fieldsync/internal/model"
)

const readingColumns = `id, meter_id, value, created_at, image_path, synched_at, technician_id, technician_name`

// GetReading returns the reading with the given ID, or (nil, nil) if no such
// reading exists.
func (s *Store) GetReading(ctx context.Context, id string) (*model.Reading, error) {
	db, unlock, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer unlock()

	row := db.QueryRowContext(ctx, `SELECT `+readingColumns+` FROM readings WHERE id = ?`, id)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get reading %q", id), err)
	}
	return r, nil
}

// ListPendingReadings returns every reading that has not been confirmed by
// the remote service, in insertion order.
func (s *Store) ListPendingReadings(ctx context.Context) ([]*model.Reading, error) {
	return Query(ctx, s, scanReading,
		`SELECT `+readingColumns+` FROM readings WHERE synched_at IS NULL ORDER BY rowid`)
}

// ListReadingsForMeter returns the readings of one meter, newest first.
func (s *Store) ListReadingsForMeter(ctx context.Context, meterID string) ([]*model.Reading, error) {
	return Query(ctx, s, scanReading,
		`SELECT `+readingColumns+` FROM readings WHERE meter_id = ? ORDER BY created_at DESC`, meterID)
}

// InsertReading adds a new reading row.
func (s *Store) InsertReading(ctx context.Context, r *model.Reading) error {
	const q = `
		INSERT INTO readings (` + readingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.Execute(ctx, q, []any{
		r.ID, r.MeterID, r.Value, formatTime(r.CreatedAt), r.ImagePath,
		formatNullTime(r.SynchedAt), r.TechnicianID, r.TechnicianName,
	}, false)
	if err != nil {
		return fmt.Errorf("inserting reading %q: %w", r.ID, err)
	}
	return nil
}

// UpdateReading overwrites the reading matching r.ID and reports whether a
// row was changed.
func (s *Store) UpdateReading(ctx context.Context, r *model.Reading) (bool, error) {
	const q = `
		UPDATE readings SET
		    meter_id        = ?,
		    value           = ?,
		    created_at      = ?,
		    image_path      = ?,
		    synched_at      = ?,
		    technician_id   = ?,
		    technician_name = ?
		WHERE id = ?`
	res, err := s.Execute(ctx, q, []any{
		r.MeterID, r.Value, formatTime(r.CreatedAt), r.ImagePath,
		formatNullTime(r.SynchedAt), r.TechnicianID, r.TechnicianName, r.ID,
	}, false)
	if err != nil {
		return false, fmt.Errorf("updating reading %q: %w", r.ID, err)
	}
	return res.RowsAffected > 0, nil
}

// MarkReadingSynced records the remote acknowledgement of a pushed reading:
// synched_at becomes the server's creation time and image_path the remote
// URL (empty when the reading has no photo).
func (s *Store) MarkReadingSynced(ctx context.Context, id string, synchedAt time.Time, imagePath string) error {
	const q = `UPDATE readings SET synched_at = ?, image_path = ? WHERE id = ?`
	res, err := s.Execute(ctx, q, []any{formatTime(synchedAt), imagePath, id}, false)
	if err != nil {
		return fmt.Errorf("marking reading %q synced: %w", id, err)
	}
	if res.RowsAffected == 0 {
		return storageErr(fmt.Sprintf("mark reading %q synced", id), errors.New("reading not found"))
	}
	return nil
}

// Counts summarises the store contents.
type Counts struct {
	Meters   int
	Readings int
	Pending  int
}

// Counts returns row totals for status reporting.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	res, err := s.Execute(ctx, `
		SELECT
		    (SELECT COUNT(*) FROM meters)                                AS meters,
		    (SELECT COUNT(*) FROM readings)                              AS readings,
		    (SELECT COUNT(*) FROM readings WHERE synched_at IS NULL)     AS pending`, nil, true)
	if err != nil {
		return Counts{}, fmt.Errorf("counting rows: %w", err)
	}
	if len(res.Rows) != 1 {
		return Counts{}, storageErr("count rows", fmt.Errorf("expected 1 row, got %d", len(res.Rows)))
	}
	row := res.Rows[0]
	return Counts{
		Meters:   asInt(row["meters"]),
		Readings: asInt(row["readings"]),
		Pending:  asInt(row["pending"]),
	}, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func scanReading(sc Scanner) (*model.Reading, error) {
	var r model.Reading
	var createdAt string
	var synchedAt sql.NullString

	err := sc.Scan(
		&r.ID,
		&r.MeterID,
		&r.Value,
		&createdAt,
		&r.ImagePath,
		&synchedAt,
		&r.TechnicianID,
		&r.TechnicianName,
	)
	if err != nil {
		return nil, err
	}

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("reading %q created_at: %w", r.ID, err)
	}
	if r.SynchedAt, err = parseNullTime(synchedAt); err != nil {
		return nil, fmt.Errorf("reading %q synched_at: %w", r.ID, err)
	}
	return &r, nil
}
