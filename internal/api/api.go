// Package api exposes the attendance services over HTTP with gin.
package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/biometric"
	"presence/internal/broadcast"
	"presence/internal/clock"
	"presence/internal/door"
	"presence/internal/enrollment"
	"presence/internal/httpmiddleware"
	"presence/internal/lecture"
	"presence/internal/queue"
	"presence/internal/roster"
	"presence/internal/window"
)

// Sessions manages lectures.
type Sessions interface {
	StartSession(ctx context.Context, sectionID, teacherID string) (lecture.Lecture, error)
	EndSession(ctx context.Context, sectionID, teacherID string) (lecture.Lecture, error)
	Schedule(ctx context.Context, in lecture.ScheduleInput) (lecture.Lecture, error)
	Cancel(ctx context.Context, lectureID, teacherID string) (lecture.Lecture, error)
	Get(ctx context.Context, lectureID string) (lecture.Lecture, error)
}

// Windows manages attendance windows.
type Windows interface {
	Open(ctx context.Context, lectureID, teacherID string, duration time.Duration) (window.Window, error)
	Close(ctx context.Context, lectureID, teacherID string) (window.Window, error)
	CheckActive(ctx context.Context, lectureID string) (window.Window, error)
}

// Attendance is the submission flow.
type Attendance interface {
	Mark(ctx context.Context, in attendance.MarkInput) (attendance.MarkResult, error)
	MarkManual(ctx context.Context, in attendance.ManualInput) (attendance.Record, error)
	MarkTeacher(ctx context.Context, teacherID string, in attendance.MarkInput) (attendance.TeacherResult, error)
	StatusForLecture(ctx context.Context, lectureID, teacherID string) (attendance.LectureStatus, error)
}

// SubjectHistory reads a student's records.
type SubjectHistory interface {
	History(ctx context.Context, subjectID string, f attendance.HistoryFilter) (attendance.History, error)
}

// TeacherHistory reads a teacher's self-attendance.
type TeacherHistory interface {
	History(ctx context.Context, teacherID string, f attendance.HistoryFilter) ([]attendance.TeacherRecord, error)
}

// Door is the door camera surface.
type Door interface {
	LogEvent(ctx context.Context, in door.LogInput) (door.LogResult, error)
	Timeline(ctx context.Context, lectureID string) (door.Timeline, error)
	ActiveLecture(ctx context.Context, room string) (door.ActiveLecture, error)
}

// Enroller stores biometric references.
type Enroller interface {
	Enroll(ctx context.Context, subjectID string, kind biometric.Kind, sample []byte) (enrollment.Enrollment, error)
}

// Stream hands out event subscriptions.
type Stream interface {
	Subscribe(topic string, since uint64) *broadcast.Subscription
}

// Check reports whether one dependency is healthy.
type Check func(ctx context.Context) bool

// Deps wires the router. Queue, Enroller, Stream and Metrics may be nil;
// Clock defaults to the wall clock.
type Deps struct {
	Sessions       Sessions
	Windows        Windows
	Attendance     Attendance
	History        SubjectHistory
	TeacherHistory TeacherHistory
	Door           Door
	Enroller       Enroller
	Roster         roster.Directory
	Stream         Stream
	Queue          queue.Queue
	Checks         map[string]Check
	Metrics        http.Handler

	SigningKey   string
	Issuer       string
	DoorKey      string
	CORSOrigins  []string
	RateLimit    int
	MaxUploadMiB int64
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Handler serves the API.
type Handler struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.MaxUploadMiB <= 0 {
		d.MaxUploadMiB = 16
	}
	h := &Handler{Deps: d, log: d.Logger}

	r := gin.New()
	r.MaxMultipartMemory = d.MaxUploadMiB << 20
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.Logger(d.Logger))
	r.Use(corsMiddleware(d.CORSOrigins))
	r.Use(securityHeaders())

	r.GET("/healthz", h.Healthz)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	authn := auth.Authenticate(d.SigningKey, d.Issuer, d.DoorKey)
	v1 := r.Group("/v1", authn)
	if d.RateLimit > 0 {
		v1.Use(httpmiddleware.NewSimpleTokenBucket(d.RateLimit, d.RateLimit).GinMiddleware(callerKey))
	}

	teacher := auth.RequireRole(auth.RoleTeacher)
	student := auth.RequireRole(auth.RoleStudent)
	doorCam := auth.RequireRole(auth.RoleDoor)
	anyone := auth.RequireRole(auth.RoleTeacher, auth.RoleStudent)

	v1.POST("/sections/:id/sessions", teacher, h.StartSession)
	v1.POST("/sections/:id/sessions/end", teacher, h.EndSession)

	v1.POST("/lectures", teacher, h.ScheduleLecture)
	v1.GET("/lectures/:id", anyone, h.GetLecture)
	v1.POST("/lectures/:id/cancel", teacher, h.CancelLecture)
	v1.POST("/lectures/:id/windows", teacher, h.OpenWindow)
	v1.POST("/lectures/:id/windows/close", teacher, h.CloseWindow)
	v1.GET("/lectures/:id/windows/active", anyone, h.ActiveWindow)
	v1.POST("/lectures/:id/attendance", student, h.Mark)
	v1.POST("/lectures/:id/attendance/manual", teacher, h.MarkManual)
	v1.POST("/lectures/:id/teacher-attendance", teacher, h.MarkTeacher)
	v1.GET("/lectures/:id/status", teacher, h.LectureStatus)
	v1.GET("/lectures/:id/timeline", teacher, h.Timeline)

	v1.GET("/me/history", anyone, h.MyHistory)
	v1.POST("/enrollment/:kind", anyone, h.Enroll)

	v1.POST("/door/events", doorCam, h.DoorEvent)
	v1.GET("/door/lecture/active", doorCam, h.DoorActiveLecture)

	// Browsers cannot set headers on a websocket handshake.
	r.GET("/v1/stream", tokenFromQuery(), authn, anyone, h.StreamEvents)

	return r
}

func callerKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		return claims.Role + ":" + claims.Subject
	}
	return c.ClientIP()
}

func tokenFromQuery() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			if tok := c.Query("access_token"); tok != "" {
				c.Request.Header.Set("Authorization", "Bearer "+tok)
			}
		}
		c.Next()
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", auth.DoorKeyHeader, httpmiddleware.RequestIDHeader},
		ExposeHeaders: []string{httpmiddleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func claims(c *gin.Context) auth.Claims {
	cl, _ := auth.ClaimsFrom(c)
	return cl
}
