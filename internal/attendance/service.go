package attendance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ojtrack/internal/apperr"
	"ojtrack/internal/audit"
	"ojtrack/internal/geo"
	"ojtrack/internal/metrics"
	"ojtrack/internal/schedule"
)

// Policy holds the configurable attendance rules.
type Policy struct {
	EnforceGeofenceTimeIn  bool
	EnforceGeofenceTimeOut bool
	// RequireActiveBlock rejects time-ins outside the block's own window.
	RequireActiveBlock bool
	SubmitLockTTL      time.Duration
}

// DefaultPolicy records time-ins without a distance gate, only inside the
// block's window.
var DefaultPolicy = Policy{RequireActiveBlock: true, SubmitLockTTL: 10 * time.Second}

// Deps wires a Service. Photos, Locker, Requests and Audit are optional.
type Deps struct {
	Repo     Repository
	Calendar *schedule.Calendar
	Verifier *geo.Verifier
	Rollup   Rollup
	Photos   PhotoStore
	Locker   Locker
	Requests RequestLinker
	Audit    audit.Sink
	Logger   *zap.Logger
	Location *time.Location
	Policy   Policy
}

// Service runs the attendance state machine.
type Service struct {
	repo     Repository
	cal      *schedule.Calendar
	verifier *geo.Verifier
	rollup   Rollup
	photos   PhotoStore
	locker   Locker
	requests RequestLinker
	audit    audit.Sink
	log      *zap.Logger
	loc      *time.Location
	policy   Policy
}

// NewService creates a service from its dependencies.
func NewService(d Deps) *Service {
	s := &Service{
		repo:     d.Repo,
		cal:      d.Calendar,
		verifier: d.Verifier,
		rollup:   d.Rollup,
		photos:   d.Photos,
		locker:   d.Locker,
		requests: d.Requests,
		audit:    d.Audit,
		log:      d.Logger,
		loc:      d.Location,
		policy:   d.Policy,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.audit == nil {
		s.audit = audit.NewLogSink(s.log)
	}
	return s
}

// Calendar exposes the block calendar the service runs on.
func (s *Service) Calendar() *schedule.Calendar { return s.cal }

// Location is the timezone attendance dates are computed in.
func (s *Service) Location() *time.Location { return s.loc }

// Photo is uploaded evidence attached to a time-in.
type Photo struct {
	Data     []byte
	Filename string
}

// TimeInInput is a student's time-in claim at instant At.
type TimeInInput struct {
	StudentID string
	Block     string
	Position  geo.Point
	Photo     *Photo
	At        time.Time
}

// TimeInResult confirms a recorded time-in.
type TimeInResult struct {
	Record       Record            `json:"record"`
	Verification *geo.Verification `json:"verification,omitempty"`
	Message      string            `json:"message"`
}

// RecordTimeIn opens the student's record for a block today.
func (s *Service) RecordTimeIn(ctx context.Context, in TimeInInput) (TimeInResult, error) {
	res, blockKey, err := s.recordTimeIn(ctx, in)
	s.finish(ctx, "time_in", in.StudentID, blockKey, err)
	return res, err
}

func (s *Service) recordTimeIn(ctx context.Context, in TimeInInput) (TimeInResult, schedule.BlockKey, error) {
	now := in.At.In(s.loc)
	date := schedule.Date(now)

	block, err := s.cal.Parse(in.Block)
	if err != nil {
		return TimeInResult{}, "", err
	}
	if strings.TrimSpace(in.StudentID) == "" {
		return TimeInResult{}, block.Key, apperr.New(apperr.InvalidInput, "student id required")
	}
	if err := in.Position.Validate(); err != nil {
		return TimeInResult{}, block.Key, err
	}
	if s.policy.RequireActiveBlock && !s.cal.IsActive(block.Key, now) {
		return TimeInResult{}, block.Key, apperr.New(apperr.BlockNotActive, fmt.Sprintf("%s block is not active at %s", block.Name, now.Format("15:04")))
	}

	unlock, err := s.lock(ctx, in.StudentID, block.Key, date)
	if err != nil {
		return TimeInResult{}, block.Key, err
	}
	defer unlock()

	existing, err := s.repo.FindForBlock(ctx, in.StudentID, block.Key, date)
	if err != nil {
		return TimeInResult{}, block.Key, s.internal("find record", err)
	}
	if existing != nil {
		switch existing.Status() {
		case StatusTimeIn:
			return TimeInResult{}, block.Key, apperr.New(apperr.AlreadyTimedIn, fmt.Sprintf("Already timed in for %s block", block.Name))
		case StatusCompleted:
			return TimeInResult{}, block.Key, apperr.New(apperr.AlreadyCompleted, fmt.Sprintf("%s block is already completed", block.Name))
		}
	}

	verification, err := s.checkGeofence(ctx, in.StudentID, in.Position, s.policy.EnforceGeofenceTimeIn)
	if err != nil {
		return TimeInResult{}, block.Key, err
	}

	var photoPath string
	if in.Photo != nil && len(in.Photo.Data) > 0 {
		if s.photos == nil {
			return TimeInResult{}, block.Key, apperr.New(apperr.PhotoSaveFailed, "photo storage not configured")
		}
		photoPath, err = s.photos.SaveEvidencePhoto(ctx, in.StudentID, in.Photo.Data, in.Photo.Filename)
		if err != nil {
			s.log.Error("save evidence photo failed", zap.String("student_id", in.StudentID), zap.Error(err))
			return TimeInResult{}, block.Key, apperr.Wrap(apperr.PhotoSaveFailed, err)
		}
	}

	pos := in.Position
	rec := Record{
		ID:         uuid.NewString(),
		StudentID:  in.StudentID,
		Block:      block.Key,
		Date:       date,
		TimeIn:     &now,
		LocationIn: &pos,
		PhotoPath:  photoPath,
		CreatedAt:  now,
	}
	saved, pruned, err := s.repo.InsertTimeIn(ctx, rec)
	if err != nil {
		return TimeInResult{}, block.Key, s.internal("insert time in", err)
	}
	if pruned > 0 {
		metrics.DuplicatesPruned.Add(float64(pruned))
		s.log.Warn("pruned duplicate attendance rows",
			zap.String("student_id", in.StudentID),
			zap.String("block", string(block.Key)),
			zap.String("date", schedule.DateString(date)),
			zap.Int("pruned", pruned))
	}
	if saved.ID != rec.ID {
		// A concurrent submission won the insert.
		return TimeInResult{}, block.Key, apperr.New(apperr.AlreadyTimedIn, fmt.Sprintf("Already timed in for %s block", block.Name))
	}

	return TimeInResult{
		Record:       saved,
		Verification: verification,
		Message:      fmt.Sprintf("Time-in recorded for %s block at %s", block.Name, now.Format("15:04")),
	}, block.Key, nil
}

// TimeOutInput is a student's time-out claim at instant At.
type TimeOutInput struct {
	StudentID string
	Block     string
	Position  geo.Point
	At        time.Time
}

// TimeOutResult confirms a completed block.
type TimeOutResult struct {
	Record       Record            `json:"record"`
	HoursEarned  float64           `json:"hours_earned"`
	Verification *geo.Verification `json:"verification,omitempty"`
	Message      string            `json:"message"`
}

// RecordTimeOut closes the student's open record for a block today and
// refreshes the lifetime hours rollup.
func (s *Service) RecordTimeOut(ctx context.Context, in TimeOutInput) (TimeOutResult, error) {
	res, blockKey, err := s.recordTimeOut(ctx, in)
	s.finish(ctx, "time_out", in.StudentID, blockKey, err)
	return res, err
}

func (s *Service) recordTimeOut(ctx context.Context, in TimeOutInput) (TimeOutResult, schedule.BlockKey, error) {
	now := in.At.In(s.loc)
	date := schedule.Date(now)

	block, err := s.cal.Parse(in.Block)
	if err != nil {
		return TimeOutResult{}, "", err
	}
	if err := in.Position.Validate(); err != nil {
		return TimeOutResult{}, block.Key, err
	}

	rec, err := s.repo.FindForBlock(ctx, in.StudentID, block.Key, date)
	if err != nil {
		return TimeOutResult{}, block.Key, s.internal("find record", err)
	}
	if rec == nil || rec.Status() != StatusTimeIn {
		return TimeOutResult{}, block.Key, apperr.New(apperr.NoOpenTimeIn, fmt.Sprintf("No open time-in for %s block today", block.Name))
	}
	if s.cal.DeadTimeReached(block.Key, rec.Date, now) {
		return TimeOutResult{}, block.Key, apperr.New(apperr.DeadTimeElapsed, "")
	}

	verification, err := s.checkGeofence(ctx, in.StudentID, in.Position, s.policy.EnforceGeofenceTimeOut)
	if err != nil {
		return TimeOutResult{}, block.Key, err
	}

	pos := in.Position
	closure := Closure{TimeOut: now, HoursEarned: HoursBetween(*rec.TimeIn, now), Location: &pos}
	closed, err := s.repo.Close(ctx, rec.ID, closure)
	if err != nil {
		return TimeOutResult{}, block.Key, s.internal("close record", err)
	}
	if !closed {
		return TimeOutResult{}, block.Key, apperr.New(apperr.NoOpenTimeIn, fmt.Sprintf("No open time-in for %s block today", block.Name))
	}
	rec.TimeOut = &closure.TimeOut
	rec.HoursEarned = closure.HoursEarned
	rec.LocationOut = closure.Location

	s.RefreshRollup(ctx, in.StudentID)

	return TimeOutResult{
		Record:       *rec,
		HoursEarned:  closure.HoursEarned,
		Verification: verification,
		Message:      fmt.Sprintf("Time-out recorded for %s block, %.2f hours earned", block.Name, closure.HoursEarned),
	}, block.Key, nil
}

// RefreshRollup recomputes the student's accumulated hours from completed
// records. Failures are logged and counted, never returned.
func (s *Service) RefreshRollup(ctx context.Context, studentID string) {
	if s.rollup == nil {
		return
	}
	total, err := s.repo.SumCompletedHours(ctx, studentID)
	if err == nil {
		err = s.rollup.SetAccumulatedHours(ctx, studentID, Round2(total))
	}
	if err != nil {
		metrics.RollupFailures.Inc()
		s.log.Error("refresh accumulated hours failed", zap.String("student_id", studentID), zap.Error(err))
		s.audit.Log(ctx, audit.Event{Type: "hours_rollup_failed", ActorID: studentID, Fields: map[string]any{"error": err.Error()}})
	}
}

// TotalHours returns the student's lifetime accumulated hours.
func (s *Service) TotalHours(ctx context.Context, studentID string) (float64, error) {
	if s.rollup == nil {
		total, err := s.repo.SumCompletedHours(ctx, studentID)
		if err != nil {
			return 0, s.internal("sum hours", err)
		}
		return Round2(total), nil
	}
	h, err := s.rollup.AccumulatedHours(ctx, studentID)
	if err != nil {
		return 0, s.internal("accumulated hours", err)
	}
	return h, nil
}

// BlockStatus is one block's state for a student on a date.
type BlockStatus struct {
	Block       schedule.BlockKey `json:"block"`
	Name        string            `json:"name"`
	StartHour   int               `json:"start_hour"`
	EndHour     int               `json:"end_hour"`
	Status      Status            `json:"status"`
	RecordID    string            `json:"record_id,omitempty"`
	TimeIn      *time.Time        `json:"time_in,omitempty"`
	TimeOut     *time.Time        `json:"time_out,omitempty"`
	HoursEarned float64           `json:"hours_earned"`
	Active      bool              `json:"active"`
	CanTimeIn   bool              `json:"can_time_in"`
	CanTimeOut  bool              `json:"can_time_out"`
}

// StatusForDate reports every configured block for the student on date as
// seen at now. Only the block active at now, on now's date, can be acted on.
func (s *Service) StatusForDate(ctx context.Context, studentID string, date, now time.Time) (map[schedule.BlockKey]BlockStatus, error) {
	now = now.In(s.loc)
	day := schedule.SameDay(date, s.loc)
	isToday := day.Equal(schedule.Date(now))

	recs, err := s.repo.ListForDate(ctx, studentID, day)
	if err != nil {
		return nil, s.internal("list records", err)
	}
	byBlock := make(map[schedule.BlockKey]Record, len(recs))
	for _, r := range recs {
		if prev, ok := byBlock[r.Block]; !ok || r.CreatedAt.Before(prev.CreatedAt) {
			byBlock[r.Block] = r
		}
	}

	out := make(map[schedule.BlockKey]BlockStatus)
	for _, b := range s.cal.Blocks() {
		st := BlockStatus{
			Block:     b.Key,
			Name:      b.Name,
			StartHour: b.StartHour,
			EndHour:   b.EndHour,
			Status:    StatusNotStarted,
			Active:    isToday && s.cal.IsActive(b.Key, now),
		}
		if r, ok := byBlock[b.Key]; ok {
			st.Status = r.Status()
			st.RecordID = r.ID
			st.TimeIn = r.TimeIn
			st.TimeOut = r.TimeOut
			st.HoursEarned = r.HoursEarned
		}
		st.CanTimeIn = st.Active && st.Status == StatusNotStarted
		st.CanTimeOut = st.Active && st.Status == StatusTimeIn
		out[b.Key] = st
	}
	return out, nil
}

// HistoryRow is one attendance record with its linked forgot-timeout status.
type HistoryRow struct {
	Record
	Status              Status `json:"status"`
	ForgotTimeoutStatus string `json:"forgot_timeout_status,omitempty"`
}

// History lists the student's records between from and to inclusive, newest first.
func (s *Service) History(ctx context.Context, studentID string, from, to time.Time) ([]HistoryRow, error) {
	from = schedule.SameDay(from, s.loc)
	to = schedule.SameDay(to, s.loc)
	if to.Before(from) {
		return nil, apperr.New(apperr.InvalidInput, "from must not be after to")
	}
	recs, err := s.repo.ListRange(ctx, studentID, from, to)
	if err != nil {
		return nil, s.internal("list history", err)
	}

	linked := map[string]string{}
	if s.requests != nil && len(recs) > 0 {
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		if linked, err = s.requests.LatestStatusByRecord(ctx, ids); err != nil {
			return nil, s.internal("link requests", err)
		}
	}

	rows := make([]HistoryRow, len(recs))
	for i, r := range recs {
		rows[i] = HistoryRow{Record: r, Status: r.Status(), ForgotTimeoutStatus: linked[r.ID]}
	}
	return rows, nil
}

// VerifyLocation runs the geofence check without recording anything.
func (s *Service) VerifyLocation(ctx context.Context, studentID string, pos geo.Point) (geo.Verification, error) {
	if s.verifier == nil {
		return geo.Verification{}, apperr.New(apperr.LocationNotConfigured, "location verification disabled")
	}
	if err := pos.Validate(); err != nil {
		return geo.Verification{}, err
	}
	v, err := s.verifier.Verify(ctx, studentID, pos)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return geo.Verification{}, s.internal("verify location", err)
		}
		return geo.Verification{}, err
	}
	return v, nil
}

// checkGeofence verifies pos. When enforce is off the verification is
// informational and its failures are ignored.
func (s *Service) checkGeofence(ctx context.Context, studentID string, pos geo.Point, enforce bool) (*geo.Verification, error) {
	if s.verifier == nil {
		return nil, nil
	}
	v, err := s.verifier.Verify(ctx, studentID, pos)
	if err != nil {
		if !enforce {
			s.log.Debug("geofence check skipped", zap.String("student_id", studentID), zap.Error(err))
			return nil, nil
		}
		if apperr.KindOf(err) == apperr.KindInternal {
			return nil, s.internal("verify location", err)
		}
		return nil, err
	}
	if enforce && !v.Valid {
		return &v, apperr.New(apperr.OutsideGeofence, v.Message)
	}
	return &v, nil
}

func (s *Service) lock(ctx context.Context, studentID string, block schedule.BlockKey, date time.Time) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}
	key := fmt.Sprintf("attendance:%s:%s:%s", studentID, block, schedule.DateString(date))
	token, ok, err := s.locker.TryLock(ctx, key, s.policy.SubmitLockTTL)
	if err != nil {
		// The unique index still holds without the lock.
		s.log.Warn("submit lock unavailable", zap.String("key", key), zap.Error(err))
		return noop, nil
	}
	if !ok {
		return noop, apperr.New(apperr.SubmitInProgress, "")
	}
	return func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("submit unlock failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *Service) internal(op string, err error) error {
	s.log.Error("attendance "+op+" failed", zap.Error(err))
	return apperr.Wrap(apperr.Internal, err)
}

// finish records metrics and the activity trail for a transition attempt.
func (s *Service) finish(ctx context.Context, action, studentID string, block schedule.BlockKey, err error) {
	outcome := metrics.OK
	fields := map[string]any{"block": string(block)}
	if err != nil {
		e := apperr.As(err)
		outcome = e.Def.Code
		fields["error"] = e.Def.Code
	}
	metrics.Transitions.WithLabelValues(action, string(block), outcome).Inc()

	evtType := action
	if err != nil {
		evtType = action + "_failed"
	}
	s.audit.Log(ctx, audit.Event{Type: evtType, ActorID: studentID, Fields: fields})
}
