package state

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; the index+1 of the last applied entry is
// kept in PRAGMA user_version. Append only, never edit a released entry.
var migrations = []string{
	// 1: meters and readings.
	`
CREATE TABLE IF NOT EXISTS meters (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    location    TEXT NOT NULL DEFAULT '',
    unit        TEXT NOT NULL DEFAULT '',
    energy_name TEXT NOT NULL DEFAULT '',
    notes       TEXT NOT NULL DEFAULT '',
    image_path  TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL DEFAULT '',
    synched_at  TEXT
);

CREATE TABLE IF NOT EXISTS readings (
    id              TEXT PRIMARY KEY,
    meter_id        TEXT NOT NULL REFERENCES meters (id),
    value           REAL NOT NULL,
    created_at      TEXT NOT NULL,
    image_path      TEXT NOT NULL DEFAULT '',
    synched_at      TEXT,
    technician_id   TEXT NOT NULL DEFAULT '',
    technician_name TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_meters_location  ON meters (location);
CREATE INDEX IF NOT EXISTS idx_readings_meter   ON readings (meter_id);
CREATE INDEX IF NOT EXISTS idx_readings_pending ON readings (synched_at) WHERE synched_at IS NULL;
`,
}

// SchemaVersion is the schema version a freshly migrated database reports.
var SchemaVersion = len(migrations)

// migrate applies every migration newer than the database's user_version.
// Each step runs in its own transaction together with the version bump.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording schema version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", i+1, err)
		}
	}
	return nil
}
