package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"presence/internal/apperr"
	"presence/internal/door"
	"presence/internal/queue"
)

// ---------- Door ----------

// DoorEvent applies a camera event. With ?async=true and a queue configured
// the event is handed to the worker instead.
func (h *Handler) DoorEvent(c *gin.Context) {
	var in door.LogInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}

	if c.Query("async") == "true" && h.Queue != nil {
		if in.SubjectID == "" || (in.Type != door.Entry && in.Type != door.Exit) {
			h.fail(c, fmt.Errorf("subject_id and type required: %w", apperr.ErrInvalidInput))
			return
		}
		// The worker may run behind; the event happened when it arrived.
		if in.Timestamp.IsZero() {
			in.Timestamp = h.Clock.Now()
		}
		msg, err := queue.NewMessage(queue.TypeDoorEvent, in)
		if err != nil {
			h.fail(c, err)
			return
		}
		if err := h.Queue.Publish(c.Request.Context(), msg); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
		return
	}

	res, err := h.Door.LogEvent(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) DoorActiveLecture(c *gin.Context) {
	room := c.Query("room")
	if room == "" {
		badRequest(c, "room is required")
		return
	}
	active, err := h.Door.ActiveLecture(c.Request.Context(), room)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (h *Handler) Timeline(c *gin.Context) {
	l, ok := h.ownLecture(c)
	if !ok {
		return
	}
	tl, err := h.Door.Timeline(c.Request.Context(), l.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tl)
}
