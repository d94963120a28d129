// Package directory is the identity/profile directory the attendance core
// consumes: user roles and sections, workplace anchors, the accumulated hours
// rollup and the document compliance gate.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ojtrack/internal/geo"
)

// Role is a user's role in the system.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// User is the directory view of an account. SectionID is the student's
// section or the section an instructor manages; empty when unassigned.
type User struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	SectionID string `json:"section_id,omitempty"`
}

// Directory is everything the core reads from or writes to user profiles.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, error)
	WorkplaceLocation(ctx context.Context, studentID string) (*geo.Workplace, error)
	StudentsInSection(ctx context.Context, sectionID string) ([]string, error)
	SetAccumulatedHours(ctx context.Context, studentID string, hours float64) error
	AccumulatedHours(ctx context.Context, studentID string) (float64, error)
	IsDocumentCompliant(ctx context.Context, studentID string) (bool, error)
}

// PGDirectory reads profiles from Postgres.
type PGDirectory struct {
	db *sql.DB
}

func NewPGDirectory(db *sql.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

// GetUser returns the user or nil when unknown.
func (d *PGDirectory) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		u       User
		role    string
		section sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, role, full_name, email, section_id FROM users WHERE id = $1
	`, id).Scan(&u.ID, &role, &u.FullName, &u.Email, &section)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.SectionID = section.String
	return &u, nil
}

// WorkplaceLocation returns the student's anchor, nil if not configured.
func (d *PGDirectory) WorkplaceLocation(ctx context.Context, studentID string) (*geo.Workplace, error) {
	var (
		name     sql.NullString
		lat, lon sql.NullFloat64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT workplace_name, workplace_lat, workplace_lon FROM student_profiles WHERE student_id = $1
	`, studentID).Scan(&name, &lat, &lon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !lat.Valid || !lon.Valid {
		return nil, nil
	}
	return &geo.Workplace{Point: geo.Point{Lat: lat.Float64, Lon: lon.Float64}, Name: name.String}, nil
}

// StudentsInSection lists student ids assigned to sectionID.
func (d *PGDirectory) StudentsInSection(ctx context.Context, sectionID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM users WHERE role = 'student' AND section_id = $1 ORDER BY id
	`, sectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetAccumulatedHours overwrites the rollup on the student's profile.
func (d *PGDirectory) SetAccumulatedHours(ctx context.Context, studentID string, hours float64) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO student_profiles (student_id, accumulated_hours, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (student_id) DO UPDATE SET
			accumulated_hours = EXCLUDED.accumulated_hours,
			updated_at = EXCLUDED.updated_at
	`, studentID, hours, time.Now().UTC())
	return err
}

// AccumulatedHours reads the rollup; students without a profile have 0.
func (d *PGDirectory) AccumulatedHours(ctx context.Context, studentID string) (float64, error) {
	var h float64
	err := d.db.QueryRowContext(ctx, `
		SELECT accumulated_hours::float8 FROM student_profiles WHERE student_id = $1
	`, studentID).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return h, err
}

// IsDocumentCompliant reports whether every required document type has an
// approved upload from the student.
func (d *PGDirectory) IsDocumentCompliant(ctx context.Context, studentID string) (bool, error) {
	var ok bool
	err := d.db.QueryRowContext(ctx, `
		SELECT NOT EXISTS (
			SELECT 1 FROM document_types dt
			WHERE dt.required AND NOT EXISTS (
				SELECT 1 FROM student_documents sd
				WHERE sd.student_id = $1 AND sd.document_type_id = dt.id AND sd.status = 'approved'
			)
		)
	`, studentID).Scan(&ok)
	return ok, err
}
