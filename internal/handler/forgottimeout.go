package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ojtrack/internal/apperr"
	"ojtrack/internal/attendance"
	"ojtrack/internal/forgottimeout"
)

func (h *Handler) eligible(c *gin.Context) {
	recs, err := h.Forgot.Eligible(c.Request.Context(), userID(c), h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h *Handler) createRequest(c *gin.Context) {
	recordID := c.PostForm("attendance_record_id")
	block := c.PostForm("block")
	in := forgottimeout.CreateInput{
		StudentID: userID(c),
		RecordID:  recordID,
		Block:     block,
		Now:       h.now(),
	}
	// A missing letter is left empty so the workflow reports it after the
	// record checks.
	if fh, err := c.FormFile("letter"); err == nil {
		data, err := readUpload(fh, forgottimeout.MaxLetterSize)
		if err != nil {
			h.fail(c, apperr.New(apperr.InvalidLetter, err.Error()))
			return
		}
		in.Letter = forgottimeout.Letter{Data: data, Filename: fh.Filename}
	}
	req, err := h.Forgot.Create(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) cancelRequest(c *gin.Context) {
	req, err := h.Forgot.Cancel(c.Request.Context(), userID(c), c.Param("id"), h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) listRequests(c *gin.Context) {
	status, ok := forgottimeout.ParseStatus(c.Query("status"))
	if !ok {
		h.fail(c, apperr.New(apperr.InvalidInput, "status must be pending, approved or rejected"))
		return
	}
	reqs, err := h.Forgot.List(c.Request.Context(), userID(c), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

func (h *Handler) getRequest(c *gin.Context) {
	req, err := h.Forgot.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) reviewRequest(c *gin.Context) {
	var body struct {
		Decision string `json:"decision" binding:"required,oneof=approved rejected"`
		Response string `json:"response"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, apperr.New(apperr.InvalidInput, "decision must be approved or rejected"))
		return
	}
	req, err := h.Forgot.Review(c.Request.Context(), forgottimeout.ReviewInput{
		RequestID:  c.Param("id"),
		ReviewerID: userID(c),
		Decision:   forgottimeout.Status(body.Decision),
		Response:   body.Response,
		Now:        h.now(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}
