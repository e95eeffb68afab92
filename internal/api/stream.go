package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/auth"
	"presence/internal/roster"
)

const streamWriteTimeout = 5 * time.Second

// ---------- Stream ----------

// StreamEvents upgrades to a websocket and forwards one topic. A client
// resuming after a disconnect passes the last seq it saw as since.
func (h *Handler) StreamEvents(c *gin.Context) {
	if h.Stream == nil {
		h.fail(c, apperr.ErrServiceUnavailable)
		return
	}
	topic := c.Query("topic")
	var since uint64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			badRequest(c, "since must be a sequence number")
			return
		}
		since = n
	}
	if err := h.mayObserve(c.Request.Context(), claims(c), topic); err != nil {
		h.fail(c, err)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(h.CORSOrigins) > 0 && h.CORSOrigins[0] != "*" {
		opts.OriginPatterns = h.CORSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(newUpgradeWriter(c.Writer), c.Request, opts)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sub := h.Stream.Subscribe(topic, since)
	defer sub.Close()

	// Clients only listen; reads are discarded and a client close cancels ctx.
	ctx := conn.CloseRead(c.Request.Context())

	if sub.Gap {
		if err := write(ctx, conn, gin.H{"type": "stream:gap", "topic": topic, "since": since}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil {
					h.log.Info("stream closed", zap.String("topic", topic), zap.Error(err))
					_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
					return
				}
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if err := write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

// upgradeWriter sends the handshake status straight to the net/http writer.
// Accept calls WriteHeaderNow when the writer has it, after which gin refuses
// the hijack because the response counts as written.
type upgradeWriter struct {
	http.ResponseWriter
	gin gin.ResponseWriter
}

func newUpgradeWriter(w gin.ResponseWriter) upgradeWriter {
	base := http.ResponseWriter(w)
	if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		base = u.Unwrap()
	}
	return upgradeWriter{ResponseWriter: base, gin: w}
}

func (w upgradeWriter) WriteHeader(code int) {
	w.gin.WriteHeader(code)
	if w.ResponseWriter != http.ResponseWriter(w.gin) {
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.gin.Hijack()
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, v)
}

// mayObserve allows a teacher their own topic and the sections they teach,
// and a student the sections they are enrolled in.
func (h *Handler) mayObserve(ctx context.Context, cl auth.Claims, topic string) error {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return fmt.Errorf("topic %q: %w", topic, apperr.ErrInvalidInput)
	}
	denied := fmt.Errorf("topic %s: %w", topic, apperr.ErrUnauthorized)

	switch kind {
	case "teacher":
		if cl.Role == auth.RoleTeacher && cl.Subject == id {
			return nil
		}
		return denied
	case "section":
		if h.Roster == nil {
			return denied
		}
		if cl.Role == auth.RoleTeacher {
			sec, err := h.Roster.Section(ctx, id)
			if err != nil {
				return err
			}
			if sec.TeacherID == cl.Subject {
				return nil
			}
			return denied
		}
		enrolled, err := roster.IsEnrolled(ctx, h.Roster, id, cl.Subject)
		if err != nil {
			return err
		}
		if enrolled {
			return nil
		}
		return denied
	}
	return fmt.Errorf("topic %q: %w", topic, apperr.ErrInvalidInput)
}
