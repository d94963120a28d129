package attendance

import (
	"context"
	"math"
	"time"

	"ojtrack/internal/geo"
	"ojtrack/internal/schedule"
)

// Status is the lifecycle state of one student's block on one date.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusTimeIn     Status = "time_in"
	StatusCompleted  Status = "completed"
)

// Record is one student's activity in one block on one calendar date.
type Record struct {
	ID          string            `json:"id"`
	StudentID   string            `json:"student_id"`
	Block       schedule.BlockKey `json:"block"`
	Date        time.Time         `json:"date"`
	TimeIn      *time.Time        `json:"time_in,omitempty"`
	TimeOut     *time.Time        `json:"time_out,omitempty"`
	HoursEarned float64           `json:"hours_earned"`
	LocationIn  *geo.Point        `json:"location_in,omitempty"`
	LocationOut *geo.Point        `json:"location_out,omitempty"`
	PhotoPath   string            `json:"photo_path,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Status derives the record state from its timestamps.
func (r Record) Status() Status {
	switch {
	case r.TimeIn == nil:
		return StatusNotStarted
	case r.TimeOut == nil:
		return StatusTimeIn
	default:
		return StatusCompleted
	}
}

// Closure is the data written when an open record is completed.
type Closure struct {
	TimeOut     time.Time
	HoursEarned float64
	Location    *geo.Point
}

// Repository persists attendance records. Insert enforces one row per
// (student, block, date) and keeps the earliest-created row.
type Repository interface {
	// InsertTimeIn stores rec unless a row for its (student, block, date)
	// exists, prunes any duplicates keeping the earliest, and returns the
	// surviving row with the number of rows pruned.
	InsertTimeIn(ctx context.Context, rec Record) (Record, int, error)
	// Close completes the record if it is still open, reporting whether it was.
	Close(ctx context.Context, recordID string, c Closure) (bool, error)
	Get(ctx context.Context, recordID string) (*Record, error)
	// FindForBlock returns the earliest record for the key, or nil.
	FindForBlock(ctx context.Context, studentID string, block schedule.BlockKey, date time.Time) (*Record, error)
	ListForDate(ctx context.Context, studentID string, date time.Time) ([]Record, error)
	ListRange(ctx context.Context, studentID string, from, to time.Time) ([]Record, error)
	// ListOpen returns records with time_in set and time_out null.
	ListOpen(ctx context.Context, studentID string) ([]Record, error)
	// SumCompletedHours totals hours_earned over completed records.
	SumCompletedHours(ctx context.Context, studentID string) (float64, error)
}

// Rollup stores the denormalized lifetime hours on the student's profile.
type Rollup interface {
	SetAccumulatedHours(ctx context.Context, studentID string, hours float64) error
	AccumulatedHours(ctx context.Context, studentID string) (float64, error)
}

// PhotoStore saves time-in photo evidence and returns its path.
type PhotoStore interface {
	SaveEvidencePhoto(ctx context.Context, studentID string, data []byte, filename string) (string, error)
}

// Locker guards a key for a short time. TryLock reports ok=false when the key
// is already held; Unlock releases only the acquisition token identifies.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// RequestLinker reports the latest forgot-timeout request status per record.
type RequestLinker interface {
	LatestStatusByRecord(ctx context.Context, recordIDs []string) (map[string]string, error)
}

// HoursBetween returns the elapsed whole hours plus remaining whole minutes
// as a fraction, rounded to two decimals. Seconds are dropped.
func HoursBetween(in, out time.Time) float64 {
	d := out.Sub(in)
	if d <= 0 {
		return 0
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return Round2(float64(h) + float64(m)/60)
}

// Round2 rounds to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
