package handler

import (
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ojtrack/internal/apperr"
	"ojtrack/internal/attendance"
	"ojtrack/internal/geo"
	"ojtrack/internal/schedule"
)

const maxPhotoSize = 10 << 20

type positionRequest struct {
	Block string   `form:"block" json:"block"`
	Lat   *float64 `form:"lat" json:"lat" binding:"required"`
	Lon   *float64 `form:"lon" json:"lon" binding:"required"`
}

func (p positionRequest) point() geo.Point {
	return geo.Point{Lat: *p.Lat, Lon: *p.Lon}
}

func (h *Handler) blocks(c *gin.Context) {
	now := h.now().In(h.Attendance.Location())
	cal := h.Attendance.Calendar()
	body := gin.H{"blocks": cal.Blocks(), "now": now}
	if b, ok := cal.Active(now); ok {
		body["active"] = b.Key
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) timeIn(c *gin.Context) {
	var req positionRequest
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, apperr.New(apperr.InvalidInput, "block, lat and lon are required"))
		return
	}
	in := attendance.TimeInInput{
		StudentID: userID(c),
		Block:     req.Block,
		Position:  req.point(),
		At:        h.now(),
	}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if fh, err := c.FormFile("photo"); err == nil {
			data, err := readUpload(fh, maxPhotoSize)
			if err != nil {
				h.fail(c, err)
				return
			}
			in.Photo = &attendance.Photo{Data: data, Filename: fh.Filename}
		}
	}
	res, err := h.Attendance.RecordTimeIn(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) timeOut(c *gin.Context) {
	var req positionRequest
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, apperr.New(apperr.InvalidInput, "block, lat and lon are required"))
		return
	}
	res, err := h.Attendance.RecordTimeOut(c.Request.Context(), attendance.TimeOutInput{
		StudentID: userID(c),
		Block:     req.Block,
		Position:  req.point(),
		At:        h.now(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) status(c *gin.Context) {
	now := h.now()
	date := now
	if s := c.Query("date"); s != "" {
		d, err := schedule.ParseDate(s, h.Attendance.Location())
		if err != nil {
			h.fail(c, err)
			return
		}
		date = d
	}
	st, err := h.Attendance.StatusForDate(c.Request.Context(), userID(c), date.In(h.Attendance.Location()), now)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": schedule.DateString(date.In(h.Attendance.Location())), "blocks": st})
}

func (h *Handler) history(c *gin.Context) {
	loc := h.Attendance.Location()
	to := schedule.Date(h.now().In(loc))
	from := to.AddDate(0, 0, -30)
	var err error
	if s := c.Query("from"); s != "" {
		if from, err = schedule.ParseDate(s, loc); err != nil {
			h.fail(c, err)
			return
		}
	}
	if s := c.Query("to"); s != "" {
		if to, err = schedule.ParseDate(s, loc); err != nil {
			h.fail(c, err)
			return
		}
	}
	rows, err := h.Attendance.History(c.Request.Context(), userID(c), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rows == nil {
		rows = []attendance.HistoryRow{}
	}
	c.JSON(http.StatusOK, gin.H{"from": schedule.DateString(from), "to": schedule.DateString(to), "records": rows})
}

func (h *Handler) totalHours(c *gin.Context) {
	total, err := h.Attendance.TotalHours(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_hours": total})
}

func (h *Handler) verifyLocation(c *gin.Context) {
	var req positionRequest
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, apperr.New(apperr.InvalidInput, "lat and lon are required"))
		return
	}
	v, err := h.Attendance.VerifyLocation(c.Request.Context(), userID(c), req.point())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// readUpload reads fh fully, failing once max bytes are exceeded.
func readUpload(fh *multipart.FileHeader, max int64) ([]byte, error) {
	if fh.Size > max {
		return nil, apperr.New(apperr.InvalidInput, "file too large")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, apperr.New(apperr.InvalidInput, "cannot read upload")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, apperr.New(apperr.InvalidInput, "cannot read upload")
	}
	if int64(len(data)) > max {
		return nil, apperr.New(apperr.InvalidInput, "file too large")
	}
	return data, nil
}
