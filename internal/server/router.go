package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devloop/internal/metrics"
	"github.com/loykin/devloop/internal/orchestrator"
	"github.com/loykin/devloop/internal/runner"
)

// Backend is the orchestrator as seen by the control API.
type Backend interface {
	Status(ctx context.Context) (orchestrator.Status, error)
	RunTask(ctx context.Context, task string) error
}

// Options selects what the router serves besides the control API.
type Options struct {
	BasePath    string          // prefix of /status and /run; may be empty
	MetricsPath string          // Prometheus endpoint; empty disables it
	Live        http.Handler    // websocket hub served at /ws
	Static      http.Handler    // everything no other route matches
	Auth        gin.HandlerFunc // guards /status and /run when set
}

// Router provides the devloop HTTP surface.
// Endpoints:
//
//	GET  /ws                   live reload channel
//	GET  {metricsPath}         Prometheus metrics
//	GET  {basePath}/status     orchestrator snapshot
//	POST {basePath}/run        body: {"task": "lint"}; 409 while a command runs
//	*                          static build output, 404 otherwise
type Router struct {
	backend Backend
	opts    Options
}

// NewRouter constructs a Router; basePath is normalised to "" or "/x".
func NewRouter(b Backend, opts Options) *Router {
	opts.BasePath = sanitizeBase(opts.BasePath)
	opts.MetricsPath = sanitizeBase(opts.MetricsPath)
	return &Router{backend: b, opts: opts}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.Live != nil {
		g.GET("/ws", gin.WrapH(r.opts.Live))
	}
	if r.opts.MetricsPath != "" {
		g.GET(r.opts.MetricsPath, gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.opts.BasePath)
	if r.opts.Auth != nil {
		group.Use(r.opts.Auth)
	}
	group.GET("/status", r.handleStatus)
	group.POST("/run", r.handleRun)
	static := r.opts.Static
	if static == nil {
		static = http.NotFoundHandler()
	}
	// gin presets 404 for NoRoute; the static handler decides the status itself
	g.NoRoute(func(c *gin.Context) {
		c.Status(http.StatusOK)
		static.ServeHTTP(c.Writer, c.Request)
	})
	return g
}

// NewServer returns an http.Server for h with conservative timeouts.
// Websocket connections set their own deadlines after the upgrade.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve listens on srv.Addr until ctx is cancelled, then shuts down within
// timeout. A non-nil srv.TLSConfig serves HTTPS. ready, when not nil,
// receives the bound address.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}
	if ready != nil {
		ready(ln.Addr())
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
		_ = srv.Close()
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type runReq struct {
	Task string `json:"task"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.backend.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleRun(c *gin.Context) {
	var req runReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeTask(req.Task) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid task: allowed [A-Za-z0-9._:-] and no '..'"})
		return
	}
	err := r.backend.RunTask(c.Request.Context(), req.Task)
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, runner.ErrBusy):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, orchestrator.ErrUnknownTask):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, orchestrator.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
