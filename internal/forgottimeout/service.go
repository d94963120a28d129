// Package forgottimeout lets a student ask for a dangling time-in to be
// closed after the block's dead time, and lets an authorized reviewer
// approve or reject that request.
package forgottimeout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ojtrack/internal/apperr"
	"ojtrack/internal/attendance"
	"ojtrack/internal/audit"
	"ojtrack/internal/directory"
	"ojtrack/internal/metrics"
	"ojtrack/internal/schedule"
)

// CancelResponse is recorded on requests withdrawn by their student.
const CancelResponse = "cancelled by student"

// Deps wires a Service. Audit and Logger are optional.
type Deps struct {
	Repo       Repository
	Records    attendance.Repository
	Attendance *attendance.Service
	Users      Users
	Letters    LetterStore
	Audit      audit.Sink
	Logger     *zap.Logger
	// ClosePolicy defaults to CloseAtBlockEnd.
	ClosePolicy ClosePolicy
	// SectionlessOverride lets instructors without a section act as admins.
	SectionlessOverride bool
}

// Service runs the forgot-timeout workflow.
type Service struct {
	repo        Repository
	records     attendance.Repository
	att         *attendance.Service
	cal         *schedule.Calendar
	loc         *time.Location
	users       Users
	letters     LetterStore
	audit       audit.Sink
	log         *zap.Logger
	policy      ClosePolicy
	sectionless bool
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:        d.Repo,
		records:     d.Records,
		att:         d.Attendance,
		cal:         d.Attendance.Calendar(),
		loc:         d.Attendance.Location(),
		users:       d.Users,
		letters:     d.Letters,
		audit:       d.Audit,
		log:         d.Logger,
		policy:      d.ClosePolicy,
		sectionless: d.SectionlessOverride,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.audit == nil {
		s.audit = audit.NewLogSink(s.log)
	}
	if s.policy == "" {
		s.policy = CloseAtBlockEnd
	}
	return s
}

// Eligible returns the student's open records that are past their block's
// dead time at now: any earlier date, or today once the dead-time hour is reached.
func (s *Service) Eligible(ctx context.Context, studentID string, now time.Time) ([]attendance.Record, error) {
	now = now.In(s.loc)
	open, err := s.records.ListOpen(ctx, studentID)
	if err != nil {
		return nil, s.internal("list open records", err)
	}
	out := make([]attendance.Record, 0, len(open))
	for _, r := range open {
		if s.cal.DeadTimeReached(r.Block, r.Date, now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// CreateInput is a student's request to close RecordID.
type CreateInput struct {
	StudentID string
	RecordID  string
	Block     string
	Letter    Letter
	Now       time.Time
}

// Create files a pending request for a forgotten time-in.
func (s *Service) Create(ctx context.Context, in CreateInput) (Request, error) {
	req, err := s.create(ctx, in)
	s.finish(ctx, "create", in.StudentID, map[string]any{"record_id": in.RecordID, "request_id": req.ID}, err)
	return req, err
}

func (s *Service) create(ctx context.Context, in CreateInput) (Request, error) {
	block, err := s.cal.Parse(in.Block)
	if err != nil {
		return Request{}, err
	}
	if strings.TrimSpace(in.RecordID) == "" {
		return Request{}, apperr.New(apperr.InvalidInput, "attendance record id required")
	}

	rec, err := s.records.Get(ctx, in.RecordID)
	if err != nil {
		return Request{}, s.internal("get record", err)
	}
	if rec == nil || rec.StudentID != in.StudentID {
		return Request{}, apperr.New(apperr.NotFound, "attendance record not found")
	}
	if rec.Block != block.Key {
		return Request{}, apperr.New(apperr.InvalidInput, fmt.Sprintf("record is for the %s block", rec.Block))
	}
	if rec.Status() != attendance.StatusTimeIn {
		return Request{}, apperr.New(apperr.NotEligible, "record has no dangling time-in")
	}
	if !s.cal.DeadTimeReached(rec.Block, rec.Date, in.Now.In(s.loc)) {
		return Request{}, apperr.New(apperr.NotEligible, fmt.Sprintf("%s block can still be timed out normally", block.Name))
	}

	active, err := s.repo.ActiveForRecord(ctx, rec.ID)
	if err != nil {
		return Request{}, s.internal("find active request", err)
	}
	if active != nil {
		return Request{}, apperr.New(apperr.DuplicateRequest, fmt.Sprintf("request %s is already %s", active.ID, active.Status))
	}

	if err := ValidateLetter(in.Letter); err != nil {
		return Request{}, err
	}
	if s.letters == nil {
		return Request{}, apperr.New(apperr.LetterSaveFailed, "letter storage not configured")
	}
	path, err := s.letters.SaveLetterFile(ctx, in.StudentID, in.Letter.Data, in.Letter.Filename)
	if err != nil {
		s.log.Error("save letter failed", zap.String("student_id", in.StudentID), zap.Error(err))
		return Request{}, apperr.Wrap(apperr.LetterSaveFailed, err)
	}

	req := Request{
		ID:          uuid.NewString(),
		StudentID:   in.StudentID,
		RecordID:    rec.ID,
		RequestDate: rec.Date,
		Block:       rec.Block,
		LetterPath:  path,
		Status:      StatusPending,
		CreatedAt:   in.Now,
	}
	if err := s.repo.Insert(ctx, req); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Request{}, apperr.New(apperr.DuplicateRequest, "")
		}
		return Request{}, s.internal("insert request", err)
	}
	return req, nil
}

// ReviewInput is a reviewer's decision on a pending request.
type ReviewInput struct {
	RequestID  string
	ReviewerID string
	Decision   Status
	Response   string
	Now        time.Time
}

// Review approves or rejects a pending request within the reviewer's scope.
// Approval closes the attendance record in the same transaction and then
// refreshes the student's hours.
func (s *Service) Review(ctx context.Context, in ReviewInput) (Request, error) {
	req, err := s.review(ctx, in)
	s.finish(ctx, "review", in.ReviewerID, map[string]any{"request_id": in.RequestID, "decision": string(in.Decision)}, err)
	return req, err
}

func (s *Service) review(ctx context.Context, in ReviewInput) (Request, error) {
	if in.Decision != StatusApproved && in.Decision != StatusRejected {
		return Request{}, apperr.New(apperr.InvalidInput, "decision must be approved or rejected")
	}
	reviewer, err := s.users.GetUser(ctx, in.ReviewerID)
	if err != nil {
		return Request{}, s.internal("get reviewer", err)
	}
	if reviewer == nil || reviewer.Role == directory.RoleStudent {
		return Request{}, apperr.New(apperr.Forbidden, "only instructors can review requests")
	}

	req, err := s.repo.Get(ctx, in.RequestID)
	if err != nil {
		return Request{}, s.internal("get request", err)
	}
	if req == nil || req.Status != StatusPending {
		return Request{}, apperr.New(apperr.NotFound, "no pending request found")
	}
	ok, err := s.canSee(ctx, reviewer, req.StudentID)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, apperr.New(apperr.NotFound, "no pending request found")
	}

	d := Decision{ReviewerID: reviewer.ID, Response: strings.TrimSpace(in.Response), At: in.Now}
	if in.Decision == StatusRejected {
		if err := s.repo.Reject(ctx, req.ID, d); err != nil {
			return Request{}, s.transitionErr("reject request", err)
		}
	} else {
		rec, err := s.records.Get(ctx, req.RecordID)
		if err != nil {
			return Request{}, s.internal("get record", err)
		}
		if rec == nil || rec.Status() != attendance.StatusTimeIn {
			return Request{}, apperr.New(apperr.NoOpenTimeIn, "attendance record is no longer open")
		}
		closure, err := s.closure(*rec)
		if err != nil {
			return Request{}, err
		}
		if err := s.repo.Approve(ctx, req.ID, d, closure); err != nil {
			return Request{}, s.transitionErr("approve request", err)
		}
		s.att.RefreshRollup(ctx, req.StudentID)
	}

	req.Status = in.Decision
	req.InstructorResponse = d.Response
	req.ReviewerID = d.ReviewerID
	at := d.At
	req.ReviewedAt = &at
	return *req, nil
}

// Cancel withdraws the student's own pending request so a new one can be filed.
func (s *Service) Cancel(ctx context.Context, studentID, requestID string, now time.Time) (Request, error) {
	req, err := s.cancel(ctx, studentID, requestID, now)
	s.finish(ctx, "cancel", studentID, map[string]any{"request_id": requestID}, err)
	return req, err
}

func (s *Service) cancel(ctx context.Context, studentID, requestID string, now time.Time) (Request, error) {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return Request{}, s.internal("get request", err)
	}
	if req == nil || req.StudentID != studentID || req.Status != StatusPending {
		return Request{}, apperr.New(apperr.NotFound, "no pending request found")
	}
	d := Decision{ReviewerID: studentID, Response: CancelResponse, At: now}
	if err := s.repo.Reject(ctx, req.ID, d); err != nil {
		return Request{}, s.transitionErr("cancel request", err)
	}
	req.Status = StatusRejected
	req.InstructorResponse = d.Response
	req.ReviewerID = d.ReviewerID
	req.ReviewedAt = &now
	return *req, nil
}

// List returns the requests viewerID may see, newest first.
func (s *Service) List(ctx context.Context, viewerID string, status Status) ([]Request, error) {
	viewer, err := s.users.GetUser(ctx, viewerID)
	if err != nil {
		return nil, s.internal("get viewer", err)
	}
	if viewer == nil {
		return nil, apperr.New(apperr.Forbidden, "")
	}
	f := Filter{Status: status}
	switch {
	case viewer.Role == directory.RoleAdmin:
	case viewer.Role == directory.RoleStudent:
		f.StudentIDs = []string{viewer.ID}
	case viewer.SectionID == "":
		if !s.sectionless {
			return []Request{}, nil
		}
	default:
		ids, err := s.users.StudentsInSection(ctx, viewer.SectionID)
		if err != nil {
			return nil, s.internal("list section", err)
		}
		if len(ids) == 0 {
			return []Request{}, nil
		}
		f.StudentIDs = ids
	}
	reqs, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, s.internal("list requests", err)
	}
	return reqs, nil
}

// Get returns one request if viewerID may see it.
func (s *Service) Get(ctx context.Context, viewerID, requestID string) (Request, error) {
	viewer, err := s.users.GetUser(ctx, viewerID)
	if err != nil {
		return Request{}, s.internal("get viewer", err)
	}
	if viewer == nil {
		return Request{}, apperr.New(apperr.Forbidden, "")
	}
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return Request{}, s.internal("get request", err)
	}
	if req == nil {
		return Request{}, apperr.New(apperr.NotFound, "request not found")
	}
	ok, err := s.canSee(ctx, viewer, req.StudentID)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, apperr.New(apperr.NotFound, "request not found")
	}
	return *req, nil
}

// LatestStatusByRecord links attendance history rows to their requests.
func (s *Service) LatestStatusByRecord(ctx context.Context, recordIDs []string) (map[string]string, error) {
	return s.repo.LatestStatusByRecord(ctx, recordIDs)
}

// canSee applies review scope: admins see all, students see their own,
// instructors see their section's students.
func (s *Service) canSee(ctx context.Context, viewer *directory.User, studentID string) (bool, error) {
	switch viewer.Role {
	case directory.RoleAdmin:
		return true, nil
	case directory.RoleStudent:
		return viewer.ID == studentID, nil
	}
	if viewer.SectionID == "" {
		return s.sectionless, nil
	}
	student, err := s.users.GetUser(ctx, studentID)
	if err != nil {
		return false, s.internal("get student", err)
	}
	return student != nil && student.SectionID == viewer.SectionID, nil
}

// closure computes how an approved request closes rec.
func (s *Service) closure(rec attendance.Record) (attendance.Closure, error) {
	in := rec.TimeIn.In(s.loc)
	if s.policy == CloseAtTimeIn {
		return attendance.Closure{TimeOut: in, HoursEarned: 0}, nil
	}
	end, err := s.cal.EndOn(rec.Block, schedule.SameDay(rec.Date, s.loc))
	if err != nil {
		return attendance.Closure{}, err
	}
	if end.Before(in) {
		end = in
	}
	return attendance.Closure{TimeOut: end, HoursEarned: attendance.HoursBetween(in, end)}, nil
}

func (s *Service) transitionErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotPending):
		return apperr.New(apperr.NotFound, "no pending request found")
	case errors.Is(err, ErrRecordNotOpen):
		return apperr.New(apperr.NoOpenTimeIn, "attendance record is no longer open")
	}
	return s.internal(op, err)
}

func (s *Service) internal(op string, err error) error {
	s.log.Error("forgot timeout "+op+" failed", zap.Error(err))
	return apperr.Wrap(apperr.Internal, err)
}

func (s *Service) finish(ctx context.Context, action, actorID string, fields map[string]any, err error) {
	outcome := metrics.OK
	evtType := "forgot_timeout_" + action
	if err != nil {
		e := apperr.As(err)
		outcome = e.Def.Code
		fields["error"] = e.Def.Code
		evtType += "_failed"
	}
	metrics.ForgotTimeouts.WithLabelValues(action, outcome).Inc()
	s.audit.Log(ctx, audit.Event{Type: evtType, ActorID: actorID, Fields: fields})
}
