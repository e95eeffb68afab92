// Package apperr holds the error taxonomy shared by the presence services.
// Domain packages wrap these sentinels with context; the HTTP layer maps them
// with errors.Is.
package apperr

import "errors"

var (
	// ErrUnauthorized means the caller lacks the role or ownership relation.
	ErrUnauthorized = errors.New("caller is not allowed to perform this action")
	// ErrNotRegistered means the subject has no enrolled biometric profile.
	ErrNotRegistered = errors.New("subject has no registered biometric reference")
	// ErrBackendUnavailable is transient. It triggers the verification
	// fallback and must not reach end users.
	ErrBackendUnavailable = errors.New("verification backend unavailable")
	// ErrServiceUnavailable means no viable fallback exists for a required factor.
	ErrServiceUnavailable = errors.New("required verification service unavailable")
	// ErrWindowExpired means the gating attendance window is no longer active.
	ErrWindowExpired = errors.New("attendance window expired")
	// ErrNoActiveWindow means no attendance window was opened for the lecture.
	ErrNoActiveWindow = errors.New("no active attendance window")
	// ErrWindowAlreadyActive is returned when opening a second ACTIVE window.
	ErrWindowAlreadyActive = errors.New("an attendance window is already active")
	// ErrDuplicateRecord is the uniqueness violation on (lecture, subject).
	ErrDuplicateRecord = errors.New("attendance already marked")
	// ErrInvalidLocation is matched by *verification.LocationError.
	ErrInvalidLocation = errors.New("invalid location")
	// ErrNoActiveSession means the section has no ONGOING lecture.
	ErrNoActiveSession = errors.New("no active session")
	// ErrInvalidTransition is an illegal lecture state change.
	ErrInvalidTransition = errors.New("invalid lecture state transition")
	// ErrLectureClosed means the lecture is COMPLETED or CANCELLED.
	ErrLectureClosed = errors.New("lecture is closed")
	// ErrRoomBusy is returned when room exclusivity is enforced.
	ErrRoomBusy = errors.New("room already has an ongoing lecture")
	// ErrVerificationRejected means the pipeline reached a negative verdict.
	ErrVerificationRejected = errors.New("verification rejected")
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
)
