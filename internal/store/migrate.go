package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is idempotent; Migrate runs it on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          TEXT PRIMARY KEY,
		role        TEXT NOT NULL CHECK (role IN ('student', 'instructor', 'admin')),
		full_name   TEXT NOT NULL DEFAULT '',
		email       TEXT NOT NULL DEFAULT '',
		section_id  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_section ON users (section_id)`,

	`CREATE TABLE IF NOT EXISTS student_profiles (
		student_id        TEXT PRIMARY KEY REFERENCES users (id) ON DELETE CASCADE,
		workplace_name    TEXT,
		workplace_lat     DOUBLE PRECISION,
		workplace_lon     DOUBLE PRECISION,
		accumulated_hours NUMERIC(8,2) NOT NULL DEFAULT 0,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS document_types (
		id        TEXT PRIMARY KEY,
		name      TEXT NOT NULL,
		required  BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS student_documents (
		id               UUID PRIMARY KEY,
		student_id       TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		document_type_id TEXT NOT NULL REFERENCES document_types (id),
		status           TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		uploaded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_student_documents_student ON student_documents (student_id, document_type_id)`,

	`CREATE TABLE IF NOT EXISTS attendance_records (
		id            UUID PRIMARY KEY,
		student_id    TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		block_type    TEXT NOT NULL,
		work_date     DATE NOT NULL,
		time_in       TIMESTAMPTZ,
		time_out      TIMESTAMPTZ,
		hours_earned  NUMERIC(6,2) NOT NULL DEFAULT 0,
		lat_in        DOUBLE PRECISION,
		lon_in        DOUBLE PRECISION,
		lat_out       DOUBLE PRECISION,
		lon_out       DOUBLE PRECISION,
		photo_path    TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_attendance_student_block_date
		ON attendance_records (student_id, block_type, work_date)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_open
		ON attendance_records (student_id) WHERE time_in IS NOT NULL AND time_out IS NULL`,

	`CREATE TABLE IF NOT EXISTS forgot_timeout_requests (
		id                   UUID PRIMARY KEY,
		student_id           TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		attendance_record_id UUID NOT NULL REFERENCES attendance_records (id) ON DELETE CASCADE,
		request_date         DATE NOT NULL,
		block_type           TEXT NOT NULL,
		letter_path          TEXT NOT NULL,
		status               TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		instructor_response  TEXT NOT NULL DEFAULT '',
		reviewer_id          TEXT,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		reviewed_at          TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_forgot_timeout_open_record
		ON forgot_timeout_requests (attendance_record_id) WHERE status IN ('pending', 'approved')`,
	`CREATE INDEX IF NOT EXISTS idx_forgot_timeout_student ON forgot_timeout_requests (student_id, status)`,

	`CREATE TABLE IF NOT EXISTS activity_logs (
		id           UUID PRIMARY KEY,
		event_type   TEXT NOT NULL,
		actor_id     TEXT NOT NULL DEFAULT '',
		fields       JSONB,
		occurred_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_actor ON activity_logs (actor_id, occurred_at DESC)`,
}

// Migrate creates missing tables and indexes.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
