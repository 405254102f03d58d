package web

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/cjeanneret/shutterbridge/internal/camera"
	"github.com/cjeanneret/shutterbridge/internal/camerr"
	"github.com/cjeanneret/shutterbridge/internal/debug"
	"github.com/cjeanneret/shutterbridge/internal/metrics"
)

// Camera is the part of camera.Orchestrator the API drives.
type Camera interface {
	Start(ctx context.Context) (*camera.Handle, error)
	Current() *camera.Handle
	Teardown(h *camera.Handle)
	Pause()
	Resume(ctx context.Context) (*camera.Handle, error)
	Shoot(ctx context.Context) (string, error)
	Status() camera.Status
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SessionResponse describes a live session.
type SessionResponse struct {
	Session  string `json:"session"`
	DeviceID string `json:"device_id"`
	Topology string `json:"topology"`
	Legacy   bool   `json:"legacy"`
}

// CaptureResponse references a stored capture.
type CaptureResponse struct {
	Path string `json:"path"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	cam         Camera
	broadcaster *StatusBroadcaster
	settings    any
	staticFS    fs.FS
	limiter     *rate.Limiter

	statusInterval time.Duration
	heartbeat      time.Duration
}

// NewHandlers creates handlers. captureLimit bounds POST /capture; pass
// rate.Inf for no limit. settings is served as-is by GET /config.
func NewHandlers(cam Camera, broadcaster *StatusBroadcaster, settings any, staticFS fs.FS, captureLimit rate.Limit) *Handlers {
	return &Handlers{
		cam:            cam,
		broadcaster:    broadcaster,
		settings:       settings,
		staticFS:       staticFS,
		limiter:        rate.NewLimiter(captureLimit, 1),
		statusInterval: 500 * time.Millisecond,
		heartbeat:      30 * time.Second,
	}
}

// ServeIndex serves the control page.
func (h *Handlers) ServeIndex(c *gin.Context) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		c.String(http.StatusNotFound, "not found")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// Config returns the effective capture settings.
func (h *Handlers) Config(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings)
}

// Status returns the session snapshot.
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.cam.Status())
}

// OpenSession handles POST /session.
func (h *Handlers) OpenSession(c *gin.Context) {
	handle, err := h.cam.Start(c.Request.Context())
	if err != nil {
		h.fail(c, "open session", err)
		return
	}
	h.broadcaster.BroadcastMsg("session " + handle.ID.String() + " opened on device " + handle.DeviceID)
	c.JSON(http.StatusCreated, sessionResponse(handle))
}

// CloseSession handles DELETE /session. It succeeds even with no session.
func (h *Handlers) CloseSession(c *gin.Context) {
	h.cam.Teardown(h.cam.Current())
	c.Status(http.StatusNoContent)
}

// Pause handles POST /session/pause.
func (h *Handlers) Pause(c *gin.Context) {
	h.cam.Pause()
	c.JSON(http.StatusOK, h.cam.Status())
}

// Resume handles POST /session/resume.
func (h *Handlers) Resume(c *gin.Context) {
	handle, err := h.cam.Resume(c.Request.Context())
	if err != nil {
		h.fail(c, "resume session", err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(handle))
}

// Capture handles POST /capture: one still, stored, path returned.
func (h *Handlers) Capture(c *gin.Context) {
	if !h.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate_limited", Message: "captures are rate limited"})
		return
	}
	path, err := h.cam.Shoot(c.Request.Context())
	if err != nil {
		h.fail(c, "capture", err)
		return
	}
	h.broadcaster.BroadcastMsg("captured " + path)
	c.JSON(http.StatusCreated, CaptureResponse{Path: path})
}

// StatusStream handles GET /status/stream: log lines as they are written and
// a status event whenever the snapshot changes.
func (h *Handlers) StatusStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.broadcaster.Subscribe()
	defer unsub()

	last := h.cam.Status()
	c.SSEvent("status", last)
	c.Writer.Flush()

	poll := time.NewTicker(h.statusInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("message", msg)
			c.Writer.Flush()

		case <-poll.C:
			if st := h.cam.Status(); st != last {
				last = st
				c.SSEvent("status", st)
				c.Writer.Flush()
			}

		case <-heartbeat.C:
			_, _ = c.Writer.WriteString(": heartbeat\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *Handlers) fail(c *gin.Context, op string, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		debug.Warn("web: %s: %v", op, err)
	}
	c.JSON(code, ErrorResponse{Error: errorLabel(err), Message: err.Error()})
}

func sessionResponse(h *camera.Handle) SessionResponse {
	return SessionResponse{
		Session:  h.ID.String(),
		DeviceID: h.DeviceID,
		Topology: h.Profile.Topology.String(),
		Legacy:   h.Profile.Legacy,
	}
}

// statusCode maps the camera error taxonomy to HTTP.
func statusCode(err error) int {
	var (
		openErr *camerr.OpenError
		failed  *camerr.CaptureFailedError
	)
	switch {
	case errors.Is(err, camerr.ErrDeviceDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, camerr.ErrCaptureInProgress), errors.Is(err, camerr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, camerr.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, camerr.ErrStillCaptureUnavailable), errors.Is(err, camerr.ErrNoDeviceAvailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &openErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, camerr.ErrCaptureTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &failed), errors.Is(err, camerr.ErrConfigure):
		return http.StatusBadGateway
	case errors.Is(err, camerr.ErrCancelled), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorLabel(err error) string {
	var openErr *camerr.OpenError
	switch {
	case errors.Is(err, camerr.ErrDeviceDisconnected):
		return metrics.OutcomeDisconnected
	case errors.As(err, &openErr):
		return "open_failed"
	case errors.Is(err, camerr.ErrNoDeviceAvailable):
		return "no_device"
	case errors.Is(err, camerr.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, camerr.ErrConfigure):
		return "configure_failed"
	default:
		return metrics.Outcome(err)
	}
}
