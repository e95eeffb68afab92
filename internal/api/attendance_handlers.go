package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/biometric"
	"presence/internal/verification"
)

// submission is the evidence a caller sends, either as multipart files with
// a "gps" JSON field or as a JSON body with base64 samples.
type submission struct {
	Face  []byte               `json:"face"`
	Voice []byte               `json:"voice"`
	Photo []byte               `json:"photo"`
	GPS   *verification.GPSFix `json:"gps"`
}

func readSubmission(c *gin.Context) (submission, error) {
	var s submission
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBindJSON(&s); err != nil {
			return s, fmt.Errorf("body: %v: %w", err, apperr.ErrInvalidInput)
		}
		return s, nil
	}

	for field, dst := range map[string]*[]byte{"face": &s.Face, "voice": &s.Voice, "photo": &s.Photo} {
		data, err := formFile(c, field)
		if err != nil {
			return s, err
		}
		*dst = data
	}
	if raw := c.PostForm("gps"); raw != "" {
		var fix verification.GPSFix
		if err := json.Unmarshal([]byte(raw), &fix); err != nil {
			return s, fmt.Errorf("gps: %v: %w", err, apperr.ErrInvalidInput)
		}
		s.GPS = &fix
	}
	return s, nil
}

func formFile(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", field, err, apperr.ErrInvalidInput)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s submission) input(lectureID, subjectID string) attendance.MarkInput {
	return attendance.MarkInput{
		LectureID: lectureID,
		SubjectID: subjectID,
		Face:      s.Face,
		Voice:     s.Voice,
		Photo:     s.Photo,
		GPS:       s.GPS,
	}
}

// ---------- Attendance ----------

// Mark verifies the calling student and records attendance.
func (h *Handler) Mark(c *gin.Context) {
	sub, err := readSubmission(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.Attendance.Mark(c.Request.Context(), sub.input(c.Param("id"), claims(c).Subject))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type manualRequest struct {
	SubjectID string            `json:"subject_id" binding:"required"`
	Status    attendance.Status `json:"status" binding:"required"`
}

func (h *Handler) MarkManual(c *gin.Context) {
	var req manualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rec, err := h.Attendance.MarkManual(c.Request.Context(), attendance.ManualInput{
		LectureID: c.Param("id"),
		TeacherID: claims(c).Subject,
		SubjectID: req.SubjectID,
		Status:    req.Status,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) MarkTeacher(c *gin.Context) {
	sub, err := readSubmission(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	teacherID := claims(c).Subject
	res, err := h.Attendance.MarkTeacher(c.Request.Context(), teacherID, sub.input(c.Param("id"), teacherID))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) LectureStatus(c *gin.Context) {
	st, err := h.Attendance.StatusForLecture(c.Request.Context(), c.Param("id"), claims(c).Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ---------- Enrollment ----------

// Enroll stores the caller's face or voice reference. The sample is the
// "sample" multipart file or the raw request body.
func (h *Handler) Enroll(c *gin.Context) {
	if h.Enroller == nil {
		h.fail(c, apperr.ErrServiceUnavailable)
		return
	}
	kind := biometric.Kind(c.Param("kind"))

	var sample []byte
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		sample, err = formFile(c, "sample")
	} else {
		sample, err = io.ReadAll(c.Request.Body)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	out, err := h.Enroller.Enroll(c.Request.Context(), claims(c).Subject, kind, sample)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}
