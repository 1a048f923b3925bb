// Package server exposes the supervisor over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tracevisor/internal/supervisor"
)

// Controller is the part of the supervisor the control API drives.
type Controller interface {
	StartIfStopped(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) supervisor.Status
	Args() []string
}

// Router provides embeddable HTTP handlers for the supervised server.
// Endpoints:
//
//	POST {basePath}/start
//	POST {basePath}/stop
//	GET  {basePath}/status
//	GET  {basePath}/args
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	logger   *slog.Logger
}

func NewRouter(ctl Controller, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath), logger: logger.With("component", "control")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/args", r.handleArgs)
	return g
}

// NewServer returns an http.Server for addr using this router. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr, basePath string, ctl Controller, logger *slog.Logger) *http.Server {
	r := NewRouter(ctl, basePath, logger)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// start and stop block for up to their configured timeouts
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

type argsResp struct {
	Args []string `json:"args"`
}

func (r *Router) handleStart(c *gin.Context) {
	// a dropped connection must not abort a start half way
	err := r.ctl.StartIfStopped(context.WithoutCancel(c.Request.Context()))
	r.writeResult(c, "start", err)
}

func (r *Router) handleStop(c *gin.Context) {
	err := r.ctl.Stop(context.WithoutCancel(c.Request.Context()))
	r.writeResult(c, "stop", err)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status(c.Request.Context()))
}

func (r *Router) handleArgs(c *gin.Context) {
	args := r.ctl.Args()
	if args == nil {
		args = []string{}
	}
	writeJSON(c, http.StatusOK, argsResp{Args: args})
}

func (r *Router) writeResult(c *gin.Context, op string, err error) {
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case supervisor.IsWarning(err):
		writeJSON(c, http.StatusOK, okResp{OK: true, Warning: err.Error()})
	case errors.Is(err, supervisor.ErrBusy):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, supervisor.ErrClosed):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	default:
		r.logger.Warn(op+" failed", "error", err)
		resp := errorResp{Error: err.Error()}
		if k := supervisor.KindOf(err); k != 0 {
			resp.Kind = k.String()
		}
		writeJSON(c, http.StatusInternalServerError, resp)
	}
}
