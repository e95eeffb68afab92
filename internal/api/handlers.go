package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/lecture"
)

// ---------- Health ----------

// Healthz reports each dependency. Any failing check turns the answer 503.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Checks {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Sessions ----------

func (h *Handler) StartSession(c *gin.Context) {
	l, err := h.Sessions.StartSession(c.Request.Context(), c.Param("id"), claims(c).Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) EndSession(c *gin.Context) {
	l, err := h.Sessions.EndSession(c.Request.Context(), c.Param("id"), claims(c).Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

type scheduleRequest struct {
	SectionID string    `json:"section_id" binding:"required"`
	Start     time.Time `json:"scheduled_start" binding:"required"`
	End       time.Time `json:"scheduled_end"`
}

func (h *Handler) ScheduleLecture(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	l, err := h.Sessions.Schedule(c.Request.Context(), lecture.ScheduleInput{
		SectionID: req.SectionID,
		TeacherID: claims(c).Subject,
		Start:     req.Start,
		End:       req.End,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *Handler) GetLecture(c *gin.Context) {
	l, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) CancelLecture(c *gin.Context) {
	l, err := h.Sessions.Cancel(c.Request.Context(), c.Param("id"), claims(c).Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// ownLecture loads a lecture and checks the caller teaches it.
func (h *Handler) ownLecture(c *gin.Context) (lecture.Lecture, bool) {
	l, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return lecture.Lecture{}, false
	}
	if l.TeacherID != claims(c).Subject {
		h.fail(c, fmt.Errorf("lecture %s: %w", l.ID, apperr.ErrUnauthorized))
		return lecture.Lecture{}, false
	}
	return l, true
}

// ---------- Windows ----------

type openWindowRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

func (h *Handler) OpenWindow(c *gin.Context) {
	var req openWindowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.DurationMinutes < 0 {
		badRequest(c, "duration_minutes must not be negative")
		return
	}
	w, err := h.Windows.Open(c.Request.Context(), c.Param("id"), claims(c).Subject, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handler) CloseWindow(c *gin.Context) {
	w, err := h.Windows.Close(c.Request.Context(), c.Param("id"), claims(c).Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) ActiveWindow(c *gin.Context) {
	w, err := h.Windows.CheckActive(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"window":            w,
		"remaining_seconds": int(w.ExpiresAt.Sub(h.Clock.Now()).Seconds()),
	})
}

// ---------- History ----------

// MyHistory answers students with their attendance and teachers with their
// self-attendance.
func (h *Handler) MyHistory(c *gin.Context) {
	f, err := historyFilter(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	cl := claims(c)
	if cl.Role == auth.RoleTeacher {
		records, err := h.TeacherHistory.History(c.Request.Context(), cl.Subject, f)
		if err != nil {
			h.fail(c, err)
			return
		}
		if records == nil {
			records = []attendance.TeacherRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
		return
	}
	hist, err := h.History.History(c.Request.Context(), cl.Subject, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

func historyFilter(c *gin.Context) (attendance.HistoryFilter, error) {
	f := attendance.HistoryFilter{
		SectionID: c.Query("section_id"),
		Status:    attendance.Status(c.Query("status")),
		Limit:     50,
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("status %q: %w", f.Status, apperr.ErrInvalidInput)
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		return f, err
	}
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := c.Query(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("%s %q: %w", key, v, apperr.ErrInvalidInput)
			}
			*dst = n
		}
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	return f, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", v, apperr.ErrInvalidInput)
	}
	return t, nil
}
