// Package memstore keeps every repository the core needs in process memory.
// It backs the unit tests of every package above the storage layer.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ojtrack/internal/attendance"
	"ojtrack/internal/directory"
	"ojtrack/internal/forgottimeout"
	"ojtrack/internal/geo"
	"ojtrack/internal/schedule"
)

// Store is the shared state. It implements directory.Directory and hands out
// attendance and forgot-timeout repositories that share its lock.
type Store struct {
	mu         sync.Mutex
	users      map[string]directory.User
	workplaces map[string]geo.Workplace
	hours      map[string]float64
	compliant  map[string]bool
	records    []attendance.Record
	requests   []forgottimeout.Request

	rollupErr error
}

func New() *Store {
	return &Store{
		users:      map[string]directory.User{},
		workplaces: map[string]geo.Workplace{},
		hours:      map[string]float64{},
		compliant:  map[string]bool{},
	}
}

// AddUser registers u; students are compliant unless told otherwise.
func (s *Store) AddUser(u directory.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	if _, ok := s.compliant[u.ID]; !ok {
		s.compliant[u.ID] = true
	}
}

func (s *Store) SetWorkplace(studentID string, w geo.Workplace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workplaces[studentID] = w
}

func (s *Store) SetCompliant(studentID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compliant[studentID] = ok
}

// FailRollup makes SetAccumulatedHours return err until cleared with nil.
func (s *Store) FailRollup(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollupErr = err
}

// SeedRecord appends rec verbatim, duplicates included.
func (s *Store) SeedRecord(rec attendance.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// Records returns a copy of every stored attendance row.
func (s *Store) Records() []attendance.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]attendance.Record(nil), s.records...)
}

func (s *Store) GetUser(_ context.Context, id string) (*directory.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) WorkplaceLocation(_ context.Context, studentID string) (*geo.Workplace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workplaces[studentID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *Store) StudentsInSection(_ context.Context, sectionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, u := range s.users {
		if u.Role == directory.RoleStudent && u.SectionID == sectionID {
			ids = append(ids, u.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SetAccumulatedHours(_ context.Context, studentID string, hours float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rollupErr != nil {
		return s.rollupErr
	}
	s.hours[studentID] = hours
	return nil
}

func (s *Store) AccumulatedHours(_ context.Context, studentID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hours[studentID], nil
}

func (s *Store) IsDocumentCompliant(_ context.Context, studentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compliant[studentID], nil
}

// Attendance returns the attendance repository view.
func (s *Store) Attendance() *Attendance { return &Attendance{s: s} }

// Requests returns the forgot-timeout repository view.
func (s *Store) Requests() *Requests { return &Requests{s: s} }

func sameKey(r attendance.Record, studentID string, block schedule.BlockKey, date time.Time) bool {
	return r.StudentID == studentID && r.Block == block && schedule.DateString(r.Date) == schedule.DateString(date)
}

// earliest returns the index of the earliest-created row for the key, or -1.
func (s *Store) earliest(studentID string, block schedule.BlockKey, date time.Time) int {
	idx := -1
	for i, r := range s.records {
		if !sameKey(r, studentID, block, date) {
			continue
		}
		if idx < 0 || r.CreatedAt.Before(s.records[idx].CreatedAt) ||
			(r.CreatedAt.Equal(s.records[idx].CreatedAt) && r.ID < s.records[idx].ID) {
			idx = i
		}
	}
	return idx
}

func (s *Store) recordIndex(id string) int {
	for i, r := range s.records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) closeLocked(recordID string, c attendance.Closure) bool {
	i := s.recordIndex(recordID)
	if i < 0 || s.records[i].Status() != attendance.StatusTimeIn {
		return false
	}
	t := c.TimeOut
	s.records[i].TimeOut = &t
	s.records[i].HoursEarned = c.HoursEarned
	s.records[i].LocationOut = c.Location
	return true
}

// Attendance implements attendance.Repository.
type Attendance struct {
	s *Store
}

func (a *Attendance) InsertTimeIn(_ context.Context, rec attendance.Record) (attendance.Record, int, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.earliest(rec.StudentID, rec.Block, rec.Date) < 0 {
		s.records = append(s.records, rec)
	}
	keep := s.records[s.earliest(rec.StudentID, rec.Block, rec.Date)]
	pruned := 0
	kept := s.records[:0]
	for _, r := range s.records {
		if sameKey(r, rec.StudentID, rec.Block, rec.Date) && r.ID != keep.ID {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return keep, pruned, nil
}

func (a *Attendance) Close(_ context.Context, recordID string, c attendance.Closure) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return a.s.closeLocked(recordID, c), nil
}

func (a *Attendance) Get(_ context.Context, recordID string) (*attendance.Record, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	i := a.s.recordIndex(recordID)
	if i < 0 {
		return nil, nil
	}
	r := a.s.records[i]
	return &r, nil
}

func (a *Attendance) FindForBlock(_ context.Context, studentID string, block schedule.BlockKey, date time.Time) (*attendance.Record, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	i := a.s.earliest(studentID, block, date)
	if i < 0 {
		return nil, nil
	}
	r := a.s.records[i]
	return &r, nil
}

func (a *Attendance) ListForDate(_ context.Context, studentID string, date time.Time) ([]attendance.Record, error) {
	day := schedule.DateString(date)
	return a.filter(func(r attendance.Record) bool {
		return r.StudentID == studentID && schedule.DateString(r.Date) == day
	}, false), nil
}

func (a *Attendance) ListRange(_ context.Context, studentID string, from, to time.Time) ([]attendance.Record, error) {
	lo, hi := schedule.DateString(from), schedule.DateString(to)
	return a.filter(func(r attendance.Record) bool {
		d := schedule.DateString(r.Date)
		return r.StudentID == studentID && d >= lo && d <= hi
	}, true), nil
}

func (a *Attendance) ListOpen(_ context.Context, studentID string) ([]attendance.Record, error) {
	return a.filter(func(r attendance.Record) bool {
		return r.StudentID == studentID && r.Status() == attendance.StatusTimeIn
	}, false), nil
}

func (a *Attendance) SumCompletedHours(_ context.Context, studentID string) (float64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var total float64
	for _, r := range a.s.records {
		if r.StudentID == studentID && r.Status() == attendance.StatusCompleted {
			total += r.HoursEarned
		}
	}
	return total, nil
}

func (a *Attendance) filter(keep func(attendance.Record) bool, newestFirst bool) []attendance.Record {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []attendance.Record
	for _, r := range a.s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := schedule.DateString(out[i].Date), schedule.DateString(out[j].Date)
		if di != dj {
			return (di < dj) != newestFirst
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt) != newestFirst
	})
	return out
}

// Requests implements forgottimeout.Repository.
type Requests struct {
	s *Store
}

func (q *Requests) Insert(_ context.Context, req forgottimeout.Request) error {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.RecordID == req.RecordID && r.Status.Active() {
			return forgottimeout.ErrDuplicate
		}
	}
	if s.recordIndex(req.RecordID) < 0 {
		return fmt.Errorf("memstore: attendance record %s does not exist", req.RecordID)
	}
	s.requests = append(s.requests, req)
	return nil
}

func (q *Requests) Get(_ context.Context, id string) (*forgottimeout.Request, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if i := q.index(id); i >= 0 {
		r := q.s.requests[i]
		return &r, nil
	}
	return nil, nil
}

func (q *Requests) ActiveForRecord(_ context.Context, recordID string) (*forgottimeout.Request, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	for _, r := range q.s.requests {
		if r.RecordID == recordID && r.Status.Active() {
			return &r, nil
		}
	}
	return nil, nil
}

func (q *Requests) List(_ context.Context, f forgottimeout.Filter) ([]forgottimeout.Request, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	var allowed map[string]bool
	if f.StudentIDs != nil {
		allowed = make(map[string]bool, len(f.StudentIDs))
		for _, id := range f.StudentIDs {
			allowed[id] = true
		}
	}
	out := []forgottimeout.Request{}
	for _, r := range q.s.requests {
		if allowed != nil && !allowed[r.StudentID] {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (q *Requests) Approve(_ context.Context, id string, d forgottimeout.Decision, c attendance.Closure) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	i := q.index(id)
	if i < 0 || q.s.requests[i].Status != forgottimeout.StatusPending {
		return forgottimeout.ErrNotPending
	}
	// Close first so a failure leaves the request untouched.
	if !q.s.closeLocked(q.s.requests[i].RecordID, c) {
		return forgottimeout.ErrRecordNotOpen
	}
	q.decide(i, forgottimeout.StatusApproved, d)
	return nil
}

func (q *Requests) Reject(_ context.Context, id string, d forgottimeout.Decision) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	i := q.index(id)
	if i < 0 || q.s.requests[i].Status != forgottimeout.StatusPending {
		return forgottimeout.ErrNotPending
	}
	q.decide(i, forgottimeout.StatusRejected, d)
	return nil
}

func (q *Requests) LatestStatusByRecord(_ context.Context, recordIDs []string) (map[string]string, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	want := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		want[id] = true
	}
	out := make(map[string]string, len(recordIDs))
	latest := map[string]time.Time{}
	for _, r := range q.s.requests {
		if !want[r.RecordID] {
			continue
		}
		if t, ok := latest[r.RecordID]; !ok || !r.CreatedAt.Before(t) {
			latest[r.RecordID] = r.CreatedAt
			out[r.RecordID] = string(r.Status)
		}
	}
	return out, nil
}

func (q *Requests) index(id string) int {
	for i, r := range q.s.requests {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (q *Requests) decide(i int, st forgottimeout.Status, d forgottimeout.Decision) {
	at := d.At
	q.s.requests[i].Status = st
	q.s.requests[i].InstructorResponse = d.Response
	q.s.requests[i].ReviewerID = d.ReviewerID
	q.s.requests[i].ReviewedAt = &at
}

// Locker is an in-process attendance.Locker.
type Locker struct {
	mu   sync.Mutex
	held map[string]lease
	seq  int
	now  func() time.Time
}

type lease struct {
	token string
	exp   time.Time
}

func NewLocker() *Locker {
	return &Locker{held: map[string]lease{}, now: time.Now}
}

func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && l.now().Before(cur.exp) {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("lease-%d", l.seq)
	l.held[key] = lease{token: token, exp: l.now().Add(ttl)}
	return token, true, nil
}

func (l *Locker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
	return nil
}

// Files records saved uploads in memory. Err, when set, fails every save.
type Files struct {
	mu    sync.Mutex
	Err   error
	saved map[string][]byte
}

func NewFiles() *Files {
	return &Files{saved: map[string][]byte{}}
}

func (f *Files) SaveEvidencePhoto(_ context.Context, studentID string, data []byte, filename string) (string, error) {
	return f.save("photos", studentID, data, filename)
}

func (f *Files) SaveLetterFile(_ context.Context, studentID string, data []byte, filename string) (string, error) {
	return f.save("letters", studentID, data, filename)
}

// Saved returns the number of stored files.
func (f *Files) Saved() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func (f *Files) save(kind, studentID string, data []byte, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	path := fmt.Sprintf("mem://%s/%s/%d-%s", kind, studentID, len(f.saved)+1, filename)
	f.saved[path] = append([]byte(nil), data...)
	return path, nil
}
