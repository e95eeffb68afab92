package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/httpmiddleware"
	"presence/internal/verification"
)

// errorBody is the envelope of every failed request.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type mapping struct {
	target error
	status int
	code   string
}

// Order matters: the first matching sentinel wins.
var mappings = []mapping{
	{apperr.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{apperr.ErrUnauthorized, http.StatusForbidden, "forbidden"},
	{apperr.ErrNotRegistered, http.StatusConflict, "not_registered"},
	{apperr.ErrWindowExpired, http.StatusConflict, "window_expired"},
	{apperr.ErrNoActiveWindow, http.StatusConflict, "no_active_window"},
	{apperr.ErrWindowAlreadyActive, http.StatusConflict, "window_already_active"},
	{apperr.ErrDuplicateRecord, http.StatusConflict, "duplicate_record"},
	{apperr.ErrRoomBusy, http.StatusConflict, "room_busy"},
	{apperr.ErrLectureClosed, http.StatusConflict, "lecture_closed"},
	{apperr.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{apperr.ErrNoActiveSession, http.StatusNotFound, "no_active_session"},
	{apperr.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperr.ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
	{apperr.ErrBackendUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
}

// classify maps err to a status, a stable code and optional details.
func classify(err error) (int, errorBody) {
	var locErr *verification.LocationError
	if errors.As(err, &locErr) {
		return http.StatusUnprocessableEntity, errorBody{Error: "invalid_location", Message: locErr.Error(), Details: locationDetails(locErr)}
	}
	var rejected *verification.RejectedError
	if errors.As(err, &rejected) {
		return http.StatusUnprocessableEntity, errorBody{Error: "verification_rejected", Message: apperr.ErrVerificationRejected.Error(), Details: rejected.Outcome}
	}

	for _, m := range mappings {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := err.Error()
		if m.status >= 500 {
			// Backend names and addresses stay in the logs.
			msg = apperr.ErrServiceUnavailable.Error()
		}
		return m.status, errorBody{Error: m.code, Message: msg}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal server error"}
}

func locationDetails(e *verification.LocationError) gin.H {
	d := gin.H{"reason": e.Reason}
	switch e.Reason {
	case verification.ReasonOutOfRange:
		d["latitude"], d["longitude"] = e.Latitude, e.Longitude
	case verification.ReasonLowAccuracy:
		d["accuracy"] = e.AccuracyMeters
	case verification.ReasonStaleFix:
		d["fix_age_seconds"] = e.FixAge.Seconds()
	case verification.ReasonClockSkew:
		d["clock_skew_seconds"] = e.ClockSkew.Seconds()
	}
	return d
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= 500 {
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", httpmiddleware.RequestIDFrom(c)),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "invalid_input", Message: msg})
}
