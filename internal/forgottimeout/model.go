package forgottimeout

import (
	"context"
	"errors"
	"time"

	"ojtrack/internal/attendance"
	"ojtrack/internal/directory"
	"ojtrack/internal/schedule"
)

// Status of a forgot-timeout request. Pending and approved are non-terminal
// for the one-request-per-record rule.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Active reports whether s blocks another request for the same record.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusApproved
}

// ParseStatus accepts the three known statuses; empty means "any".
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case "", StatusPending, StatusApproved, StatusRejected:
		return Status(s), true
	}
	return "", false
}

// Request asks an instructor to close a dangling time-in.
type Request struct {
	ID                 string            `json:"id"`
	StudentID          string            `json:"student_id"`
	RecordID           string            `json:"attendance_record_id"`
	RequestDate        time.Time         `json:"request_date"`
	Block              schedule.BlockKey `json:"block"`
	LetterPath         string            `json:"letter_path"`
	Status             Status            `json:"status"`
	InstructorResponse string            `json:"instructor_response,omitempty"`
	ReviewerID         string            `json:"reviewer_id,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ReviewedAt         *time.Time        `json:"reviewed_at,omitempty"`
}

// Filter narrows List. A nil StudentIDs means every student.
type Filter struct {
	StudentIDs []string
	Status     Status
}

var (
	// ErrDuplicate is returned by Insert when the record already has an active request.
	ErrDuplicate = errors.New("forgottimeout: active request exists for record")
	// ErrNotPending is returned when a transition targets a request that is not pending.
	ErrNotPending = errors.New("forgottimeout: request is not pending")
	// ErrRecordNotOpen is returned by Approve when the attendance record is already closed.
	ErrRecordNotOpen = errors.New("forgottimeout: attendance record is not open")
)

// Decision is a reviewer's verdict.
type Decision struct {
	ReviewerID string
	Response   string
	At         time.Time
}

// Repository persists requests.
type Repository interface {
	Insert(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// ActiveForRecord returns the pending or approved request for the record, or nil.
	ActiveForRecord(ctx context.Context, recordID string) (*Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
	// Approve marks a pending request approved and closes its attendance
	// record with c in a single transaction.
	Approve(ctx context.Context, id string, d Decision, c attendance.Closure) error
	// Reject marks a pending request rejected.
	Reject(ctx context.Context, id string, d Decision) error
	LatestStatusByRecord(ctx context.Context, recordIDs []string) (map[string]string, error)
}

// LetterStore saves supporting letters and returns their path.
type LetterStore interface {
	SaveLetterFile(ctx context.Context, studentID string, data []byte, filename string) (string, error)
}

// Users is the slice of the directory the workflow needs.
type Users interface {
	GetUser(ctx context.Context, id string) (*directory.User, error)
	StudentsInSection(ctx context.Context, sectionID string) ([]string, error)
}

// ClosePolicy chooses how an approved request closes its record.
type ClosePolicy string

const (
	// CloseAtBlockEnd closes at the block's end on the record date.
	CloseAtBlockEnd ClosePolicy = "block_end"
	// CloseAtTimeIn closes at the time-in instant with zero hours.
	CloseAtTimeIn ClosePolicy = "time_in"
)
