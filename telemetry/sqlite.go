// Package telemetry stores and prints the scalar metrics the trainer
// publishes.
package telemetry

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	_ "modernc.org/sqlite"

	"github.com/tsawler/go-vibi/training"
)

// SQLiteSink appends scalars to a sqlite database, one row per value.
type SQLiteSink struct {
	db    *sql.DB
	runID string
}

var _ training.Sink = (*SQLiteSink)(nil)

// Point is one stored scalar.
type Point struct {
	Step  int
	Value float64
}

// OpenSQLite opens or creates the database at path. Rows written through
// the sink are tagged with runID.
func OpenSQLite(path, runID string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "telemetry: open %s", path)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS scalars(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			run_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			key TEXT NOT NULL,
			step INTEGER NOT NULL,
			value REAL NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS scalars_series ON scalars(run_id, tag, key, step)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "telemetry: init schema")
		}
	}
	return &SQLiteSink{db: db, runID: runID}, nil
}

// Scalars implements training.Sink. All values of one call share a
// transaction.
func (s *SQLiteSink) Scalars(tag string, values map[string]float64, step int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "telemetry: begin")
	}
	ts := float64(time.Now().UnixMilli()) / 1000.0
	keys := maps.Keys(values)
	slices.Sort(keys)
	for _, key := range keys {
		if _, err := tx.Exec("INSERT INTO scalars(ts, run_id, tag, key, step, value) VALUES(?,?,?,?,?,?)",
			ts, s.runID, tag, key, step, values[key]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "telemetry: insert %s/%s", tag, key)
		}
	}
	return errors.Wrap(tx.Commit(), "telemetry: commit")
}

// Series returns the points of one tag/key of this sink's run, by step.
func (s *SQLiteSink) Series(tag, key string) ([]Point, error) {
	rows, err := s.db.Query("SELECT step, value FROM scalars WHERE run_id = ? AND tag = ? AND key = ? ORDER BY step, id",
		s.runID, tag, key)
	if err != nil {
		return nil, errors.Wrap(err, "telemetry: query")
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, errors.Wrap(err, "telemetry: scan")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "telemetry: rows")
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
