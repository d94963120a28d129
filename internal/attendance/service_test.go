package attendance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ojtrack/internal/apperr"
	"ojtrack/internal/attendance"
	"ojtrack/internal/audit"
	"ojtrack/internal/directory"
	"ojtrack/internal/geo"
	"ojtrack/internal/memstore"
	"ojtrack/internal/schedule"
)

var pht = time.FixedZone("PHT", 8*3600)

const student = "stu-1"

var (
	office = geo.Point{Lat: 14.5995, Lon: 120.9842}
	// About 20 m north of the office.
	nearby = geo.Point{Lat: 14.59968, Lon: 120.9842}
	// About 1.1 km north of the office.
	faraway = geo.Point{Lat: 14.6095, Lon: 120.9842}
)

func at(h, m int) time.Time {
	return time.Date(2024, 3, 4, h, m, 0, 0, pht)
}

type fixture struct {
	svc    *attendance.Service
	store  *memstore.Store
	files  *memstore.Files
	locker *memstore.Locker
	events *audit.Recorder
}

func newFixture(t *testing.T, policy attendance.Policy) *fixture {
	t.Helper()
	st := memstore.New()
	st.AddUser(directory.User{ID: student, Role: directory.RoleStudent, SectionID: "sec-a"})
	st.SetWorkplace(student, geo.Workplace{Point: office, Name: "Acme Corp"})

	f := &fixture{store: st, files: memstore.NewFiles(), locker: memstore.NewLocker(), events: &audit.Recorder{}}
	f.svc = attendance.NewService(attendance.Deps{
		Repo:     st.Attendance(),
		Calendar: schedule.MustDefault(schedule.DefaultDeadTimeOffsets),
		Verifier: geo.NewVerifier(st, geo.DefaultRadiusM),
		Rollup:   st,
		Photos:   f.files,
		Locker:   f.locker,
		Requests: st.Requests(),
		Audit:    f.events,
		Location: pht,
		Policy:   policy,
	})
	return f
}

func (f *fixture) timeIn(t *testing.T, block string, now time.Time) attendance.TimeInResult {
	t.Helper()
	res, err := f.svc.RecordTimeIn(context.Background(), attendance.TimeInInput{
		StudentID: student, Block: block, Position: nearby, At: now,
	})
	require.NoError(t, err)
	return res
}

func TestTimeInTwiceKeepsOneRow(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	first := f.timeIn(t, "morning", at(9, 0))
	assert.Equal(t, attendance.StatusTimeIn, first.Record.Status())
	assert.Equal(t, "Time-in recorded for Morning block at 09:00", first.Message)

	_, err := f.svc.RecordTimeIn(context.Background(), attendance.TimeInInput{
		StudentID: student, Block: "morning", Position: nearby, At: at(9, 1),
	})
	assert.ErrorIs(t, err, apperr.AlreadyTimedIn)
	assert.Len(t, f.store.Records(), 1)
	assert.Equal(t, []string{"time_in", "time_in_failed"}, f.events.Types())
}

func TestTimeInCompletedBlock(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	f.timeIn(t, "morning", at(9, 0))
	_, err := f.svc.RecordTimeOut(context.Background(), attendance.TimeOutInput{StudentID: student, Block: "morning", Position: nearby, At: at(11, 0)})
	require.NoError(t, err)

	_, err = f.svc.RecordTimeIn(context.Background(), attendance.TimeInInput{StudentID: student, Block: "morning", Position: nearby, At: at(11, 30)})
	assert.ErrorIs(t, err, apperr.AlreadyCompleted)
}

func TestConcurrentTimeInsLeaveOneRow(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	// Drop the submit lock so every call races on the repository.
	svc := attendance.NewService(attendance.Deps{
		Repo:     f.store.Attendance(),
		Calendar: schedule.MustDefault(schedule.DefaultDeadTimeOffsets),
		Location: pht,
		Policy:   attendance.DefaultPolicy,
	})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dups int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordTimeIn(context.Background(), attendance.TimeInInput{
				StudentID: student, Block: "afternoon", Position: nearby, At: at(13, 0),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.AlreadyTimedIn):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dups)
	assert.Len(t, f.store.Records(), 1)
}

func TestTimeInWhileSubmitLockHeld(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	_, held, err := f.locker.TryLock(context.Background(), "attendance:stu-1:morning:2024-03-04", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = f.svc.RecordTimeIn(context.Background(), attendance.TimeInInput{StudentID: student, Block: "morning", Position: nearby, At: at(9, 0)})
	assert.ErrorIs(t, err, apperr.SubmitInProgress)
	assert.Empty(t, f.store.Records())
}

func TestTimeInValidation(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	tests := []struct {
		name string
		in   attendance.TimeInInput
		want apperr.Definition
	}{
		{"unknown block", attendance.TimeInInput{StudentID: student, Block: "night", Position: nearby, At: at(9, 0)}, apperr.InvalidBlock},
		{"bad latitude", attendance.TimeInInput{StudentID: student, Block: "morning", Position: geo.Point{Lat: 91, Lon: 0}, At: at(9, 0)}, apperr.InvalidCoordinate},
		{"bad longitude", attendance.TimeInInput{StudentID: student, Block: "morning", Position: geo.Point{Lat: 0, Lon: 200}, At: at(9, 0)}, apperr.InvalidCoordinate},
		{"missing student", attendance.TimeInInput{Block: "morning", Position: nearby, At: at(9, 0)}, apperr.InvalidInput},
		{"inactive block", attendance.TimeInInput{StudentID: student, Block: "afternoon", Position: nearby, At: at(9, 0)}, apperr.BlockNotActive},
		{"before first block", attendance.TimeInInput{StudentID: student, Block: "morning", Position: nearby, At: at(5, 59)}, apperr.BlockNotActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordTimeIn(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.store.Records())
}

func TestTimeInGeofence(t *testing.T) {
	t.Run("enforced rejects far position", func(t *testing.T) {
		f := newFixture(t, attendance.Policy{EnforceGeofenceTimeIn: true, RequireActiveBlock: true})
		_, err := f.svc.RecordTimeIn(context.Background(), attendance.TimeInInput{StudentID: student, Block: "morning", Position: faraway, At: at(9, 0)})
		assert.ErrorIs(t, err, apperr.OutsideGeofence)
		assert.Empty(t, f.store.Records())
	})
	t.Run("enforced rejects missing gps", func(t *testing.T) {
		f := newFixture(t, attendance.Policy{EnforceGeofenceTimeIn: true, RequireActiveBlock: true})
		_, err := f.svc.RecordTimeIn(context.Background(), attendance.TimeInInput{StudentID: student, Block: "morning", Position: geo.Point{}, At: at(9, 0)})
		assert.ErrorIs(t, err, apperr.GPSUnavailable)
	})
	t.Run("enforced accepts nearby position", func(t *testing.T) {
		f := newFixture(t, attendance.Policy{EnforceGeofenceTimeIn: true, RequireActiveBlock: true})
		res := f.timeIn(t, "morning", at(9, 0))
		require.NotNil(t, res.Verification)
		assert.True(t, res.Verification.Valid)
		assert.Equal(t, "Acme Corp", res.Verification.Workplace)
	})
	t.Run("informational when not enforced", func(t *testing.T) {
		f := newFixture(t, attendance.DefaultPolicy)
		res, err := f.svc.RecordTimeIn(context.Background(), attendance.TimeInInput{StudentID: student, Block: "morning", Position: faraway, At: at(9, 0)})
		require.NoError(t, err)
		require.NotNil(t, res.Verification)
		assert.False(t, res.Verification.Valid)
		assert.Len(t, f.store.Records(), 1)
	})
}

func TestTimeInPhoto(t *testing.T) {
	t.Run("saved path is recorded", func(t *testing.T) {
		f := newFixture(t, attendance.DefaultPolicy)
		res, err := f.svc.RecordTimeIn(context.Background(), attendance.TimeInInput{
			StudentID: student, Block: "morning", Position: nearby, At: at(9, 0),
			Photo: &attendance.Photo{Data: []byte("jpeg"), Filename: "selfie.jpg"},
		})
		require.NoError(t, err)
		assert.Contains(t, res.Record.PhotoPath, "selfie.jpg")
		assert.Equal(t, 1, f.files.Saved())
	})
	t.Run("save failure records nothing", func(t *testing.T) {
		f := newFixture(t, attendance.DefaultPolicy)
		f.files.Err = errors.New("disk full")
		_, err := f.svc.RecordTimeIn(context.Background(), attendance.TimeInInput{
			StudentID: student, Block: "morning", Position: nearby, At: at(9, 0),
			Photo: &attendance.Photo{Data: []byte("jpeg"), Filename: "selfie.jpg"},
		})
		assert.ErrorIs(t, err, apperr.PhotoSaveFailed)
		assert.Empty(t, f.store.Records())
	})
}

func TestTimeOutComputesHoursAndRollup(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	f.timeIn(t, "morning", at(9, 0))

	res, err := f.svc.RecordTimeOut(context.Background(), attendance.TimeOutInput{StudentID: student, Block: "morning", Position: nearby, At: at(11, 30)})
	require.NoError(t, err)
	assert.Equal(t, 2.5, res.HoursEarned)
	assert.Equal(t, attendance.StatusCompleted, res.Record.Status())
	require.NotNil(t, res.Record.LocationOut)

	total, err := f.svc.TotalHours(context.Background(), student)
	require.NoError(t, err)
	assert.Equal(t, 2.5, total)

	f.timeIn(t, "afternoon", at(12, 10))
	_, err = f.svc.RecordTimeOut(context.Background(), attendance.TimeOutInput{StudentID: student, Block: "afternoon", Position: nearby, At: at(17, 55)})
	require.NoError(t, err)
	total, err = f.svc.TotalHours(context.Background(), student)
	require.NoError(t, err)
	assert.Equal(t, 8.25, total)
}

func TestTimeOutTwice(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	f.timeIn(t, "morning", at(9, 0))
	in := attendance.TimeOutInput{StudentID: student, Block: "morning", Position: nearby, At: at(11, 30)}
	_, err := f.svc.RecordTimeOut(context.Background(), in)
	require.NoError(t, err)

	in.At = at(11, 31)
	_, err = f.svc.RecordTimeOut(context.Background(), in)
	assert.ErrorIs(t, err, apperr.NoOpenTimeIn)
}

func TestTimeOutWithoutTimeIn(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	_, err := f.svc.RecordTimeOut(context.Background(), attendance.TimeOutInput{StudentID: student, Block: "morning", Position: nearby, At: at(10, 0)})
	assert.ErrorIs(t, err, apperr.NoOpenTimeIn)
}

func TestTimeOutAfterDeadTime(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	f.timeIn(t, "morning", at(9, 0))
	_, err := f.svc.RecordTimeOut(context.Background(), attendance.TimeOutInput{StudentID: student, Block: "morning", Position: nearby, At: at(13, 0)})
	assert.ErrorIs(t, err, apperr.DeadTimeElapsed)
	assert.Equal(t, attendance.StatusTimeIn, f.store.Records()[0].Status())
}

func TestTimeOutGeofenceEnforced(t *testing.T) {
	f := newFixture(t, attendance.Policy{EnforceGeofenceTimeOut: true, RequireActiveBlock: true})
	f.timeIn(t, "morning", at(9, 0))
	_, err := f.svc.RecordTimeOut(context.Background(), attendance.TimeOutInput{StudentID: student, Block: "morning", Position: faraway, At: at(11, 0)})
	assert.ErrorIs(t, err, apperr.OutsideGeofence)
	assert.Equal(t, attendance.StatusTimeIn, f.store.Records()[0].Status())
}

func TestRollupFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	f.timeIn(t, "morning", at(9, 0))
	f.store.FailRollup(errors.New("profile table locked"))

	res, err := f.svc.RecordTimeOut(context.Background(), attendance.TimeOutInput{StudentID: student, Block: "morning", Position: nearby, At: at(10, 45)})
	require.NoError(t, err)
	assert.Equal(t, 1.75, res.HoursEarned)
	assert.Contains(t, f.events.Types(), "hours_rollup_failed")

	total, err := f.svc.TotalHours(context.Background(), student)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStatusForDate(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	f.timeIn(t, "morning", at(9, 0))

	during, err := f.svc.StatusForDate(context.Background(), student, at(0, 0), at(9, 30))
	require.NoError(t, err)
	assert.True(t, during[schedule.Morning].Active)
	assert.False(t, during[schedule.Morning].CanTimeIn)
	assert.True(t, during[schedule.Morning].CanTimeOut)
	assert.False(t, during[schedule.Afternoon].CanTimeIn)

	later, err := f.svc.StatusForDate(context.Background(), student, at(0, 0), at(13, 0))
	require.NoError(t, err)
	morning := later[schedule.Morning]
	assert.Equal(t, attendance.StatusTimeIn, morning.Status)
	assert.False(t, morning.CanTimeIn)
	assert.False(t, morning.CanTimeOut)
	assert.True(t, later[schedule.Afternoon].CanTimeIn)
	assert.Equal(t, attendance.StatusNotStarted, later[schedule.Evening].Status)
	assert.False(t, later[schedule.Evening].CanTimeIn)

	yesterday, err := f.svc.StatusForDate(context.Background(), student, at(0, 0).AddDate(0, 0, -1), at(13, 0))
	require.NoError(t, err)
	for key, st := range yesterday {
		assert.False(t, st.Active, key)
		assert.False(t, st.CanTimeIn, key)
		assert.False(t, st.CanTimeOut, key)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	f.timeIn(t, "morning", at(9, 0))
	f.timeIn(t, "afternoon", at(13, 0))

	rows, err := f.svc.History(context.Background(), student, at(0, 0).AddDate(0, 0, -7), at(0, 0))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, schedule.Afternoon, rows[0].Block)
	assert.Equal(t, attendance.StatusTimeIn, rows[0].Status)
	assert.Empty(t, rows[0].ForgotTimeoutStatus)

	_, err = f.svc.History(context.Background(), student, at(0, 0), at(0, 0).AddDate(0, 0, -1))
	assert.ErrorIs(t, err, apperr.InvalidInput)
}

func TestVerifyLocation(t *testing.T) {
	f := newFixture(t, attendance.DefaultPolicy)
	v, err := f.svc.VerifyLocation(context.Background(), student, nearby)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.InDelta(t, 20, v.DistanceM, 1)

	_, err = f.svc.VerifyLocation(context.Background(), "stu-without-workplace", nearby)
	assert.ErrorIs(t, err, apperr.LocationNotConfigured)
}
