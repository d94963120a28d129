package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ojtrack/internal/attendance"
	"ojtrack/internal/auth"
	"ojtrack/internal/directory"
	"ojtrack/internal/forgottimeout"
	"ojtrack/internal/geo"
	"ojtrack/internal/httpmiddleware"
	"ojtrack/internal/memstore"
	"ojtrack/internal/schedule"
)

var pht = time.FixedZone("PHT", 8*3600)

type env struct {
	router *gin.Engine
	store  *memstore.Store
	signer *auth.Signer
	now    time.Time
	h      *Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memstore.New()
	st.AddUser(directory.User{ID: "stu-1", Role: directory.RoleStudent, SectionID: "sec-a"})
	st.AddUser(directory.User{ID: "ins-a", Role: directory.RoleInstructor, SectionID: "sec-a"})
	st.SetWorkplace("stu-1", geo.Workplace{Point: geo.Point{Lat: 14.5995, Lon: 120.9842}, Name: "Acme Corp"})

	att := attendance.NewService(attendance.Deps{
		Repo:     st.Attendance(),
		Calendar: schedule.MustDefault(schedule.DefaultDeadTimeOffsets),
		Verifier: geo.NewVerifier(st, geo.DefaultRadiusM),
		Rollup:   st,
		Photos:   memstore.NewFiles(),
		Requests: st.Requests(),
		Location: pht,
		Policy:   attendance.DefaultPolicy,
	})
	files := memstore.NewFiles()
	e := &env{store: st, signer: auth.NewSigner("ojtrack", "k", time.Hour, 24*time.Hour), now: time.Date(2024, 3, 4, 6, 5, 0, 0, pht)}
	e.h = &Handler{
		Attendance: att,
		Forgot: forgottimeout.NewService(forgottimeout.Deps{
			Repo: st.Requests(), Records: st.Attendance(), Attendance: att, Users: st, Letters: files,
		}),
		Compliance: st,
		Signer:     e.signer,
		Health:     []HealthCheck{{Name: "db", Check: func(context.Context) bool { return true }}},
		Log:        zap.NewNop(),
		Now:        func() time.Time { return e.now },
	}
	e.router = gin.New()
	e.h.Register(e.router)
	return e
}

func (e *env) token(t *testing.T, user, role string) string {
	t.Helper()
	pair, err := e.signer.Issue(user, role)
	require.NoError(t, err)
	return pair.AccessToken
}

func (e *env) do(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func jsonReq(method, path string, body any) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartReq(t *testing.T, path string, fields map[string]string, fileField, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileField != "" {
		part, err := w.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","db":true}`, w.Body.String())

	e.h.Health = append(e.h.Health, HealthCheck{Name: "redis", Check: func(context.Context) bool { return false }})
	w = e.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTimeInFlow(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "stu-1", "student")
	fields := map[string]string{"block": "morning", "lat": "14.59968", "lon": "120.9842"}

	w := e.do(t, multipartReq(t, "/v1/attendance/time-in", fields, "photo", "selfie.jpg", []byte("jpeg")), tok)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res attendance.TimeInResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, schedule.Morning, res.Record.Block)
	assert.NotEmpty(t, res.Record.PhotoPath)
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.Valid)

	w = e.do(t, multipartReq(t, "/v1/attendance/time-in", fields, "", "", nil), tok)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_TIMED_IN", errorCode(t, w))

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/attendance/status?date=2024-03-04", nil), tok)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Blocks map[string]attendance.BlockStatus `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Blocks["morning"].CanTimeOut)

	e.now = e.now.Add(2*time.Hour + 25*time.Minute)
	w = e.do(t, jsonReq(http.MethodPost, "/v1/attendance/time-out", position(14.59968, 120.9842)), tok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out attendance.TimeOutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 2.42, out.HoursEarned)

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/attendance/total-hours", nil), tok)
	assert.JSONEq(t, `{"total_hours":2.42}`, w.Body.String())
}

func position(lat, lon float64) map[string]any {
	return map[string]any{"block": "morning", "lat": lat, "lon": lon}
}

func TestTimeInGuards(t *testing.T) {
	e := newEnv(t)
	body := position(14.59968, 120.9842)

	w := e.do(t, jsonReq(http.MethodPost, "/v1/attendance/time-in", body), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, jsonReq(http.MethodPost, "/v1/attendance/time-in", body), e.token(t, "ins-a", "instructor"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	e.store.SetCompliant("stu-1", false)
	w = e.do(t, jsonReq(http.MethodPost, "/v1/attendance/time-in", body), e.token(t, "stu-1", "student"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NOT_COMPLIANT", errorCode(t, w))

	e.store.SetCompliant("stu-1", true)
	w = e.do(t, jsonReq(http.MethodPost, "/v1/attendance/time-in", map[string]any{"block": "morning"}), e.token(t, "stu-1", "student"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, w))

	w = e.do(t, jsonReq(http.MethodPost, "/v1/attendance/time-in", map[string]any{"block": "morning", "lat": 95, "lon": 0}), e.token(t, "stu-1", "student"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_COORDINATE", errorCode(t, w))
}

type brokenGate struct{}

func (brokenGate) IsDocumentCompliant(context.Context, string) (bool, error) {
	return false, errors.New("dial tcp 10.0.0.7:5432: connection refused")
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	e := newEnv(t)
	e.h.Compliance = brokenGate{}
	w := e.do(t, jsonReq(http.MethodPost, "/v1/attendance/time-in", position(14.59968, 120.9842)), e.token(t, "stu-1", "student"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL", errorCode(t, w))
	assert.NotContains(t, w.Body.String(), "10.0.0.7")
}

func TestForgotTimeoutOverHTTP(t *testing.T) {
	e := newEnv(t)
	student := e.token(t, "stu-1", "student")
	instructor := e.token(t, "ins-a", "instructor")

	w := e.do(t, jsonReq(http.MethodPost, "/v1/attendance/time-in", position(14.59968, 120.9842)), student)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	e.now = time.Date(2024, 3, 4, 13, 0, 0, 0, pht)
	w = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/forgot-timeouts/eligible", nil), student)
	require.Equal(t, http.StatusOK, w.Code)
	var eligible struct {
		Records []attendance.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eligible))
	require.Len(t, eligible.Records, 1)

	letter := []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")
	fields := map[string]string{"attendance_record_id": eligible.Records[0].ID, "block": "morning"}
	w = e.do(t, multipartReq(t, "/v1/forgot-timeouts", fields, "letter", "excuse.pdf", letter), student)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created forgottimeout.Request
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, forgottimeout.StatusPending, created.Status)

	w = e.do(t, multipartReq(t, "/v1/forgot-timeouts", fields, "letter", "excuse.pdf", letter), student)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_REQUEST", errorCode(t, w))

	review := map[string]string{"decision": "approved", "response": "approved, verified with supervisor"}
	w = e.do(t, jsonReq(http.MethodPost, "/v1/forgot-timeouts/"+created.ID+"/review", review), student)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, jsonReq(http.MethodPost, "/v1/forgot-timeouts/"+created.ID+"/review", map[string]string{"decision": "maybe"}), instructor)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, jsonReq(http.MethodPost, "/v1/forgot-timeouts/"+created.ID+"/review", review), instructor)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reviewed forgottimeout.Request
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reviewed))
	assert.Equal(t, forgottimeout.StatusApproved, reviewed.Status)

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/forgot-timeouts?status=approved", nil), instructor)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/forgot-timeouts?status=lost", nil), instructor)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/forgot-timeouts/"+created.ID, nil), student)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/attendance/history?from=2024-03-01&to=2024-03-04", nil), student)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"forgot_timeout_status":"approved"`), w.Body.String())
}

func TestRefreshAndBlocks(t *testing.T) {
	e := newEnv(t)
	pair, err := e.signer.Issue("stu-1", "student")
	require.NoError(t, err)

	w := e.do(t, jsonReq(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken}), "")
	require.Equal(t, http.StatusOK, w.Code)
	var next auth.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	assert.NotEmpty(t, next.AccessToken)

	w = e.do(t, jsonReq(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": pair.AccessToken}), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/v1/schedule/blocks", nil), next.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	var blocks struct {
		Blocks []schedule.Block  `json:"blocks"`
		Active schedule.BlockKey `json:"active"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &blocks))
	assert.Len(t, blocks.Blocks, 3)
	assert.Equal(t, schedule.Morning, blocks.Active)
}

func TestRateLimitIsPerUser(t *testing.T) {
	e := newEnv(t)
	e.h.Limiter = httpmiddleware.NewTokenBucket(1, 1)
	e.router = gin.New()
	e.h.Register(e.router)

	blocks := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/schedule/blocks", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		return e.do(t, req, token).Code
	}
	alice := e.token(t, "alice", "student")
	bob := e.token(t, "bob", "student")
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests},
		[]int{blocks(alice), blocks(bob), blocks(alice)})

	refresh := func() int {
		req := jsonReq(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": "x"})
		req.RemoteAddr = "203.0.113.7:4000"
		return e.do(t, req, "").Code
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusTooManyRequests}, []int{refresh(), refresh()})
}
