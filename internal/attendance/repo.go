package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ojtrack/internal/geo"
	"ojtrack/internal/schedule"
)

const recordColumns = `id, student_id, block_type, work_date, time_in, time_out, hours_earned::float8,
	lat_in, lon_in, lat_out, lon_out, photo_path, created_at`

// PGRepository persists attendance records in Postgres.
type PGRepository struct {
	db *sql.DB
}

// NewRepository creates a Postgres-backed repository.
func NewRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

// InsertTimeIn inserts rec, suppressing the unique-key conflict, then prunes
// any legacy duplicates keeping the earliest-created row, all in one transaction.
func (r *PGRepository) InsertTimeIn(ctx context.Context, rec Record) (Record, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	day := schedule.DateString(rec.Date)
	var latIn, lonIn *float64
	if rec.LocationIn != nil {
		latIn, lonIn = &rec.LocationIn.Lat, &rec.LocationIn.Lon
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records (id, student_id, block_type, work_date, time_in, lat_in, lon_in, photo_path, created_at)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9)
		ON CONFLICT (student_id, block_type, work_date) DO NOTHING
	`, rec.ID, rec.StudentID, string(rec.Block), day, rec.TimeIn, latIn, lonIn, rec.PhotoPath, rec.CreatedAt); err != nil {
		return Record{}, 0, fmt.Errorf("insert attendance: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM attendance_records
		WHERE student_id = $1 AND block_type = $2 AND work_date = $3::date
		  AND id <> (
			SELECT id FROM attendance_records
			WHERE student_id = $1 AND block_type = $2 AND work_date = $3::date
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		  )
	`, rec.StudentID, string(rec.Block), day)
	if err != nil {
		return Record{}, 0, fmt.Errorf("prune duplicates: %w", err)
	}
	pruned, _ := res.RowsAffected()

	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND block_type = $2 AND work_date = $3::date`,
		rec.StudentID, string(rec.Block), day)
	saved, err := scanRecord(row)
	if err != nil {
		return Record{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, 0, err
	}
	return saved, int(pruned), nil
}

// Close completes an open record.
func (r *PGRepository) Close(ctx context.Context, recordID string, c Closure) (bool, error) {
	return closeRecord(ctx, r.db, recordID, c)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// closeRecord is shared with the forgot-timeout approval transaction.
func closeRecord(ctx context.Context, db execer, recordID string, c Closure) (bool, error) {
	var lat, lon *float64
	if c.Location != nil {
		lat, lon = &c.Location.Lat, &c.Location.Lon
	}
	res, err := db.ExecContext(ctx, `
		UPDATE attendance_records
		SET time_out = $2, hours_earned = $3, lat_out = $4, lon_out = $5
		WHERE id = $1 AND time_in IS NOT NULL AND time_out IS NULL
	`, recordID, c.TimeOut, c.HoursEarned, lat, lon)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CloseInTx closes an open record inside a caller-owned transaction.
func CloseInTx(ctx context.Context, tx *sql.Tx, recordID string, c Closure) (bool, error) {
	return closeRecord(ctx, tx, recordID, c)
}

// Get returns a record by id, or nil.
func (r *PGRepository) Get(ctx context.Context, recordID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, recordID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindForBlock returns the earliest record for the key, or nil.
func (r *PGRepository) FindForBlock(ctx context.Context, studentID string, block schedule.BlockKey, date time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND block_type = $2 AND work_date = $3::date
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, studentID, string(block), schedule.DateString(date))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListForDate returns the student's records on date.
func (r *PGRepository) ListForDate(ctx context.Context, studentID string, date time.Time) ([]Record, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND work_date = $2::date
		ORDER BY created_at ASC`, studentID, schedule.DateString(date))
}

// ListRange returns the student's records between from and to inclusive, newest first.
func (r *PGRepository) ListRange(ctx context.Context, studentID string, from, to time.Time) ([]Record, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND work_date BETWEEN $2::date AND $3::date
		ORDER BY work_date DESC, created_at DESC`, studentID, schedule.DateString(from), schedule.DateString(to))
}

// ListOpen returns the student's dangling time-ins, oldest first.
func (r *PGRepository) ListOpen(ctx context.Context, studentID string) ([]Record, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND time_in IS NOT NULL AND time_out IS NULL
		ORDER BY work_date ASC, created_at ASC`, studentID)
}

// SumCompletedHours totals hours over the student's completed records.
func (r *PGRepository) SumCompletedHours(ctx context.Context, studentID string) (float64, error) {
	var total float64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(hours_earned), 0)::float8
		FROM attendance_records
		WHERE student_id = $1 AND time_in IS NOT NULL AND time_out IS NOT NULL
	`, studentID).Scan(&total)
	return total, err
}

func (r *PGRepository) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec                          Record
		block                        string
		timeIn, timeOut              sql.NullTime
		latIn, lonIn, latOut, lonOut sql.NullFloat64
		photo                        sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.StudentID, &block, &rec.Date, &timeIn, &timeOut, &rec.HoursEarned,
		&latIn, &lonIn, &latOut, &lonOut, &photo, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Block = schedule.BlockKey(block)
	if timeIn.Valid {
		t := timeIn.Time
		rec.TimeIn = &t
	}
	if timeOut.Valid {
		t := timeOut.Time
		rec.TimeOut = &t
	}
	if latIn.Valid && lonIn.Valid {
		rec.LocationIn = &geo.Point{Lat: latIn.Float64, Lon: lonIn.Float64}
	}
	if latOut.Valid && lonOut.Valid {
		rec.LocationOut = &geo.Point{Lat: latOut.Float64, Lon: lonOut.Float64}
	}
	rec.PhotoPath = photo.String
	return rec, nil
}
