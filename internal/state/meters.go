package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/njoerd114/fieldsync/internal/model"
)

const meterColumns = `id, name, location, unit, energy_name, notes, image_path, created_at, synched_at`

// GetMeter returns the meter with the given ID, or (nil, nil) if no such
// meter exists.
func (s *Store) GetMeter(ctx context.Context, id string) (*model.Meter, error) {
	db, unlock, err := s.conn()
	if err != nil {
		return nil, err
	}
	defer unlock()

	row := db.QueryRowContext(ctx, `SELECT `+meterColumns+` FROM meters WHERE id = ?`, id)
	m, err := scanMeter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get meter %q", id), err)
	}
	return m, nil
}

// ListMeters returns all meters ordered by location, then name.
func (s *Store) ListMeters(ctx context.Context) ([]*model.Meter, error) {
	return Query(ctx, s, scanMeter,
		`SELECT `+meterColumns+` FROM meters ORDER BY location, name, id`)
}

// InsertMeter adds a new meter row. It fails with a [StorageError] if a
// meter with the same ID already exists.
func (s *Store) InsertMeter(ctx context.Context, m *model.Meter) error {
	const q = `
		INSERT INTO meters (` + meterColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.Execute(ctx, q, []any{
		m.ID, m.Name, m.Location, m.Unit, m.EnergyName, m.Notes, m.ImagePath,
		formatTime(m.CreatedAt), formatNullTime(m.SynchedAt),
	}, false)
	if err != nil {
		return fmt.Errorf("inserting meter %q: %w", m.ID, err)
	}
	return nil
}

// UpdateMeter overwrites the meter matching m.ID and reports whether a row
// was changed.
func (s *Store) UpdateMeter(ctx context.Context, m *model.Meter) (bool, error) {
	const q = `
		UPDATE meters SET
		    name        = ?,
		    location    = ?,
		    unit        = ?,
		    energy_name = ?,
		    notes       = ?,
		    image_path  = ?,
		    created_at  = ?,
		    synched_at  = ?
		WHERE id = ?`
	res, err := s.Execute(ctx, q, []any{
		m.Name, m.Location, m.Unit, m.EnergyName, m.Notes, m.ImagePath,
		formatTime(m.CreatedAt), formatNullTime(m.SynchedAt), m.ID,
	}, false)
	if err != nil {
		return false, fmt.Errorf("updating meter %q: %w", m.ID, err)
	}
	return res.RowsAffected > 0, nil
}

func scanMeter(sc Scanner) (*model.Meter, error) {
	var m model.Meter
	var createdAt string
	var synchedAt sql.NullString

	err := sc.Scan(
		&m.ID,
		&m.Name,
		&m.Location,
		&m.Unit,
		&m.EnergyName,
		&m.Notes,
		&m.ImagePath,
		&createdAt,
		&synchedAt,
	)
	if err != nil {
		return nil, err
	}

	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("meter %q created_at: %w", m.ID, err)
	}
	if m.SynchedAt, err = parseNullTime(synchedAt); err != nil {
		return nil, fmt.Errorf("meter %q synched_at: %w", m.ID, err)
	}
	return &m, nil
}
