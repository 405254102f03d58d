package web

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/cjeanneret/shutterbridge/internal/debug"
)

// Options configures the control API.
type Options struct {
	Addr string

	// Settings is returned by GET /config.
	Settings any

	// Metrics serves GET /metrics; nil disables the route.
	Metrics http.Handler

	// CaptureInterval is the minimum time between accepted POST /capture
	// requests. Zero means unlimited.
	CaptureInterval time.Duration
}

// Server wraps the HTTP server and handlers.
type Server struct {
	opts        Options
	handlers    *Handlers
	broadcaster *StatusBroadcaster
}

// NewServer creates a server for cam. broadcaster feeds GET /status/stream.
func NewServer(cam Camera, broadcaster *StatusBroadcaster, opts Options) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic("web: static files: " + err.Error())
	}

	limit := rate.Inf
	if opts.CaptureInterval > 0 {
		limit = rate.Every(opts.CaptureInterval)
	}
	return &Server{
		opts:        opts,
		handlers:    NewHandlers(cam, broadcaster, opts.Settings, subFS, limit),
		broadcaster: broadcaster,
	}
}

// Router returns the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/", s.handlers.ServeIndex)
	r.GET("/config", s.handlers.Config)
	r.GET("/status", s.handlers.Status)
	r.GET("/status/stream", s.handlers.StatusStream)

	r.POST("/session", s.handlers.OpenSession)
	r.DELETE("/session", s.handlers.CloseSession)
	r.POST("/session/pause", s.handlers.Pause)
	r.POST("/session/resume", s.handlers.Resume)

	r.POST("/capture", s.handlers.Capture)

	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
	return r
}

// requestLog logs each request at the verbose level.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		debug.Verbose("web: %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. Streaming clients are disconnected first.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.broadcaster.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
