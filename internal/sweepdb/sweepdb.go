// Package sweepdb records capture sessions and their sweeps in SQLite.
package sweepdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/csrubin/buckeyeville-lidar/internal/grabber"
	"github.com/csrubin/buckeyeville-lidar/internal/monitoring"
	"github.com/csrubin/buckeyeville-lidar/internal/rplidar"
)

// ErrUnknownSession is returned for a session ID that was never started.
var ErrUnknownSession = errors.New("sweepdb: unknown session")

// DB is a migrated sweep database.
type DB struct {
	*sql.DB
}

// Pragmas are applied to every pooled connection through the DSN.
const dsnPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// Open opens (creating if needed) the database at path and migrates it to the
// latest schema.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("sweepdb: empty path")
	}
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?"+dsnPragmas)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("sweepdb: open %s: %w", path, err)
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	monitoring.Logf("sweepdb: recording to %s", path)
	return db, nil
}

// SessionRecord is one row of capture_sessions.
type SessionRecord struct {
	ID           string
	Port         string
	BaudRate     int
	Model        uint8
	Firmware     string
	Hardware     uint8
	SerialNumber string
	StartedAt    time.Time
	EndedAt      *time.Time
}

// SweepRecord is one row of sweeps.
type SweepRecord struct {
	SessionID  string
	Seq        uint64
	CapturedAt time.Time
	Summary    grabber.Summary
}

// StartSession registers a capture on a bound device and returns its ID.
func (db *DB) StartSession(ctx context.Context, port string, baud int, info rplidar.DeviceInfo, started time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO capture_sessions
			(session_id, port, baud_rate, model, firmware, hardware, serial_number, started_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, port, baud, info.Model, info.FirmwareString(), info.HardwareVersion, info.SerialNumber(), started.UnixNano())
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(ctx context.Context, id string, ended time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE capture_sessions SET ended_unix_nanos = ? WHERE session_id = ?`, ended.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrUnknownSession)
	}
	return nil
}

// RecordSweep stores a sweep, its summary and its samples in one transaction.
func (db *DB) RecordSweep(ctx context.Context, sessionID string, sw grabber.Sweep) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record sweep: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	sum := grabber.Summarize(sw)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sweeps
			(session_id, seq, captured_unix_nanos, sample_count, valid_count,
			 mean_distance_mm, std_distance_mm, min_distance_mm, max_distance_mm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, int64(sw.Seq), sw.CapturedAt.UnixNano(), sum.Count, sum.Valid,
		sum.MeanDistance, sum.StdDistance, sum.MinDistance, sum.MaxDistance)
	if err != nil {
		return fmt.Errorf("record sweep %d: %w", sw.Seq, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sweep_samples (session_id, seq, idx, angle_deg, distance_mm, quality)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("record sweep %d: %w", sw.Seq, err)
	}
	defer stmt.Close()

	for i, s := range sw.Samples {
		if _, err = stmt.ExecContext(ctx, sessionID, int64(sw.Seq), i, s.Angle, s.Distance, s.Quality); err != nil {
			return fmt.Errorf("record sweep %d sample %d: %w", sw.Seq, i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("record sweep %d: %w", sw.Seq, err)
	}
	return nil
}

// Sessions lists recorded sessions, oldest first.
func (db *DB) Sessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, port, baud_rate, model, firmware, hardware, serial_number,
		       started_unix_nanos, ended_unix_nanos
		FROM capture_sessions
		ORDER BY started_unix_nanos, session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			r       SessionRecord
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Port, &r.BaudRate, &r.Model, &r.Firmware, &r.Hardware,
			&r.SerialNumber, &started, &ended); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sweeps lists a session's sweeps in sequence order.
func (db *DB) Sweeps(ctx context.Context, sessionID string) ([]SweepRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seq, captured_unix_nanos, sample_count, valid_count,
		       mean_distance_mm, std_distance_mm, min_distance_mm, max_distance_mm
		FROM sweeps
		WHERE session_id = ?
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SweepRecord
	for rows.Next() {
		var (
			r        = SweepRecord{SessionID: sessionID}
			seq      int64
			captured int64
		)
		if err := rows.Scan(&seq, &captured, &r.Summary.Count, &r.Summary.Valid,
			&r.Summary.MeanDistance, &r.Summary.StdDistance, &r.Summary.MinDistance, &r.Summary.MaxDistance); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		r.CapturedAt = time.Unix(0, captured).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Samples returns one recorded sweep's samples in stored (angle) order.
func (db *DB) Samples(ctx context.Context, sessionID string, seq uint64) ([]grabber.Sample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT angle_deg, distance_mm, quality
		FROM sweep_samples
		WHERE session_id = ? AND seq = ?
		ORDER BY idx`, sessionID, int64(seq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []grabber.Sample
	for rows.Next() {
		var s grabber.Sample
		if err := rows.Scan(&s.Angle, &s.Distance, &s.Quality); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
