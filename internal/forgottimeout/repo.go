package forgottimeout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"ojtrack/internal/attendance"
	"ojtrack/internal/schedule"
)

const requestColumns = `id, student_id, attendance_record_id, request_date, block_type, letter_path,
	status, instructor_response, reviewer_id, created_at, reviewed_at`

const uniqueViolation = "23505"

// PGRepository persists requests in Postgres.
type PGRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

// Insert stores a pending request. The partial unique index on active
// requests turns a racing duplicate into ErrDuplicate.
func (r *PGRepository) Insert(ctx context.Context, req Request) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO forgot_timeout_requests (id, student_id, attendance_record_id, request_date, block_type,
			letter_path, status, created_at)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8)
	`, req.ID, req.StudentID, req.RecordID, schedule.DateString(req.RequestDate), string(req.Block),
		req.LetterPath, string(req.Status), req.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (r *PGRepository) Get(ctx context.Context, id string) (*Request, error) {
	return r.one(ctx, `SELECT `+requestColumns+` FROM forgot_timeout_requests WHERE id = $1`, id)
}

func (r *PGRepository) ActiveForRecord(ctx context.Context, recordID string) (*Request, error) {
	return r.one(ctx, `SELECT `+requestColumns+` FROM forgot_timeout_requests
		WHERE attendance_record_id = $1 AND status IN ('pending', 'approved')
		ORDER BY created_at DESC LIMIT 1`, recordID)
}

// List returns matching requests, newest first.
func (r *PGRepository) List(ctx context.Context, f Filter) ([]Request, error) {
	q := `SELECT ` + requestColumns + ` FROM forgot_timeout_requests WHERE TRUE`
	var args []any
	if f.StudentIDs != nil {
		args = append(args, f.StudentIDs)
		q += fmt.Sprintf(" AND student_id = ANY($%d::text[])", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Approve updates the request and closes its record atomically.
func (r *PGRepository) Approve(ctx context.Context, id string, d Decision, c attendance.Closure) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var recordID string
	err = tx.QueryRowContext(ctx, `
		UPDATE forgot_timeout_requests
		SET status = 'approved', instructor_response = $2, reviewer_id = $3, reviewed_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING attendance_record_id
	`, id, d.Response, d.ReviewerID, d.At).Scan(&recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotPending
	}
	if err != nil {
		return err
	}

	closed, err := attendance.CloseInTx(ctx, tx, recordID, c)
	if err != nil {
		return err
	}
	if !closed {
		return ErrRecordNotOpen
	}
	return tx.Commit()
}

func (r *PGRepository) Reject(ctx context.Context, id string, d Decision) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE forgot_timeout_requests
		SET status = 'rejected', instructor_response = $2, reviewer_id = $3, reviewed_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, d.Response, d.ReviewerID, d.At)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

// LatestStatusByRecord maps each record id to its newest request's status.
func (r *PGRepository) LatestStatusByRecord(ctx context.Context, recordIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(recordIDs))
	if len(recordIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (attendance_record_id) attendance_record_id::text, status
		FROM forgot_timeout_requests
		WHERE attendance_record_id::text = ANY($1::text[])
		ORDER BY attendance_record_id, created_at DESC
	`, recordIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

func (r *PGRepository) one(ctx context.Context, q string, args ...any) (*Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (Request, error) {
	var (
		req        Request
		block      string
		status     string
		reviewer   sql.NullString
		reviewedAt sql.NullTime
	)
	if err := s.Scan(&req.ID, &req.StudentID, &req.RecordID, &req.RequestDate, &block, &req.LetterPath,
		&status, &req.InstructorResponse, &reviewer, &req.CreatedAt, &reviewedAt); err != nil {
		return Request{}, err
	}
	req.Block = schedule.BlockKey(block)
	req.Status = Status(status)
	req.ReviewerID = reviewer.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		req.ReviewedAt = &t
	}
	return req, nil
}
