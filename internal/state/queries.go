package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/fieldsync/internal/model"
)

// LocationSummary is one meter location and how many meters it holds.
type LocationSummary struct {
	Location string
	Meters   int
}

// MeterSummary is a meter with the time of its newest reading, nil when it
// has none.
type MeterSummary struct {
	Meter         *model.Meter
	LastReadingAt *time.Time
}

// PendingReading is an unsent reading with the meter details needed to show
// it to the technician.
type PendingReading struct {
	Reading   *model.Reading
	MeterName string
	Unit      string
}

// ListLocations returns every location whose name contains filter
// (case-insensitive) with its meter count, ordered by location.
func (s *Store) ListLocations(ctx context.Context, filter string) ([]LocationSummary, error) {
	return Query(ctx, s, func(sc Scanner) (LocationSummary, error) {
		var l LocationSummary
		err := sc.Scan(&l.Location, &l.Meters)
		return l, err
	}, `
		SELECT location, COUNT(id) FROM meters
		WHERE UPPER(location) LIKE UPPER(?) ESCAPE '\'
		GROUP BY location
		ORDER BY location`, containsPattern(filter))
}

// SearchMeters returns the meters whose name contains name. Matching is
// case-insensitive for ASCII letters.
func (s *Store) SearchMeters(ctx context.Context, name string) ([]*model.Meter, error) {
	return Query(ctx, s, scanMeter,
		`SELECT `+meterColumns+` FROM meters WHERE name LIKE ? ESCAPE '\' ORDER BY name, id`,
		containsPattern(name))
}

// ListMetersAt returns the meters of one location together with the time of
// their newest reading.
func (s *Store) ListMetersAt(ctx context.Context, location string) ([]MeterSummary, error) {
	return Query(ctx, s, func(sc Scanner) (MeterSummary, error) {
		var last sql.NullString
		m, err := scanMeter(withExtra(sc, &last))
		if err != nil {
			return MeterSummary{}, err
		}
		at, err := parseNullTime(last)
		if err != nil {
			return MeterSummary{}, fmt.Errorf("meter %q last reading: %w", m.ID, err)
		}
		return MeterSummary{Meter: m, LastReadingAt: at}, nil
	}, `
		SELECT `+qualified("m", meterColumns)+`, MAX(r.created_at)
		FROM meters m
		LEFT JOIN readings r ON r.meter_id = m.id
		WHERE m.location = ?
		GROUP BY m.id
		ORDER BY m.name, m.id`, location)
}

// CountReadingsToday counts the readings taken at location during the local
// calendar day containing now.
func (s *Store) CountReadingsToday(ctx context.Context, location string, now time.Time) (int, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 0, 1)

	res, err := s.Execute(ctx, `
		SELECT COUNT(r.id) AS n
		FROM readings r
		JOIN meters m ON m.id = r.meter_id
		WHERE m.location = ? AND r.created_at >= ? AND r.created_at < ?`,
		[]any{location, formatTime(start), formatTime(end)}, true)
	if err != nil {
		return 0, fmt.Errorf("counting today's readings at %q: %w", location, err)
	}
	if len(res.Rows) != 1 {
		return 0, storageErr("count readings", fmt.Errorf("expected 1 row, got %d", len(res.Rows)))
	}
	return asInt(res.Rows[0]["n"]), nil
}

// ListPendingWithMeter returns the unsent readings in push order, each with
// its meter's name and unit.
func (s *Store) ListPendingWithMeter(ctx context.Context) ([]PendingReading, error) {
	return Query(ctx, s, func(sc Scanner) (PendingReading, error) {
		var p PendingReading
		r, err := scanReading(withExtra(sc, &p.MeterName, &p.Unit))
		if err != nil {
			return PendingReading{}, err
		}
		p.Reading = r
		return p, nil
	}, `
		SELECT `+qualified("r", readingColumns)+`, m.name, m.unit
		FROM readings r
		JOIN meters m ON m.id = r.meter_id
		WHERE r.synched_at IS NULL
		ORDER BY r.rowid`)
}

// extraScanner appends destinations for columns that follow a row mapper's
// own columns.
type extraScanner struct {
	sc    Scanner
	extra []any
}

func (e extraScanner) Scan(dest ...any) error {
	return e.sc.Scan(append(dest, e.extra...)...)
}

func withExtra(sc Scanner, extra ...any) Scanner {
	return extraScanner{sc: sc, extra: extra}
}

// qualified prefixes every column of a comma-separated list with alias.
func qualified(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// containsPattern builds a LIKE pattern matching s anywhere, with LIKE
// wildcards in s taken literally.
func containsPattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
