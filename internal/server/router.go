package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcplane/internal/auth"
	"github.com/loykin/svcplane/internal/metrics"
	"github.com/loykin/svcplane/internal/schedule"
	"github.com/loykin/svcplane/internal/supervisor"
)

// Controller is what the router needs from the process hosting the manager.
// *supervisor.Supervisor implements it.
type Controller interface {
	Units(ctx context.Context) ([]supervisor.UnitStatus, error)
	Unit(ctx context.Context, name string) (supervisor.UnitStatus, error)
	StopUnit(ctx context.Context, name string) (bool, error)
	StopAll(ctx context.Context) (int, error)
	Send(ctx context.Context, name string, payload any) error
	Healthy(ctx context.Context) (bool, error)
	Messages(ctx context.Context) ([]supervisor.Message, error)
}

// Schedules is the view of the cron scheduler the router exposes.
type Schedules interface {
	Statuses() []schedule.Status
	Trigger(ctx context.Context, name string) error
}

// Router provides embeddable HTTP handlers for the control plane.
// Endpoints, relative to basePath:
//
//	GET  /units              all registry records
//	GET  /units/:name        one record, with resource samples when enabled
//	POST /units/:name/stop   send SERVICE/STOP
//	POST /units/:name/send   JSON body forwarded as an IMPLEMENTATION payload
//	POST /stop-all           stop every unit
//	GET  /health             200 when every unit is alive, 503 otherwise
//	GET  /messages           recent data-plane envelopes
//	GET  /schedules          cron schedules, with WithSchedules
//	POST /schedules/:name/run  run a schedule now
//	POST /auth/login         exchange a username and password for a JWT, with WithAuth
//
// With WithAuth every endpoint except /health and /auth/login requires a
// viewer role for reads and an operator or admin role for writes.
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl       Controller
	basePath  string
	resources *metrics.ResourceCollector
	schedules Schedules
	auth      *auth.Service
}

type RouterOption func(*Router)

// WithResources adds process resource samples to GET /units/:name.
func WithResources(c *metrics.ResourceCollector) RouterOption {
	return func(r *Router) { r.resources = c }
}

func WithSchedules(s Schedules) RouterOption {
	return func(r *Router) { r.schedules = s }
}

// WithAuth requires authentication on the API.
func WithAuth(s *auth.Service) RouterOption {
	return func(r *Router) { r.auth = s }
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/units, /abc/health, ...
func NewRouter(ctl Controller, basePath string, opts ...RouterOption) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	if r.auth != nil {
		group.POST("/auth/login", r.auth.GinLogin)
	}

	read := group.Group("", r.auth.GinRequire(auth.ActionRead))
	read.GET("/units", r.handleUnits)
	read.GET("/units/:name", r.handleUnit)
	read.GET("/messages", r.handleMessages)

	write := group.Group("", r.auth.GinRequire(auth.ActionWrite))
	write.POST("/units/:name/stop", r.handleStop)
	write.POST("/units/:name/send", r.handleSend)
	write.POST("/stop-all", r.handleStopAll)

	if r.schedules != nil {
		read.GET("/schedules", r.handleSchedules)
		write.POST("/schedules/:name/run", r.handleRunSchedule)
	}
	return g
}

// Server returns an http.Server for this router that has not been started.
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with the returned server's Shutdown or Close.
func NewServer(addr string, r *Router) *http.Server {
	server := r.Server(addr)
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type stopAllResp struct {
	Sent int `json:"sent"`
}

type healthResp struct {
	Healthy bool `json:"healthy"`
}

// UnitDetail is the body of GET /units/:name.
type UnitDetail struct {
	supervisor.UnitStatus
	Resources []metrics.ResourceSample `json:"resources,omitempty"`
}

// fail maps controller errors onto status codes.
func fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrUnknownUnit), errors.Is(err, schedule.ErrUnknownSchedule):
		code = http.StatusNotFound
	case errors.Is(err, schedule.ErrNotDelivered):
		code = http.StatusConflict
	case errors.Is(err, supervisor.ErrNotRunning):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

// unitName returns the :name param, writing a 400 when it is unsafe.
func unitName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid unit name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return "", false
	}
	return name, true
}

func (r *Router) handleUnits(c *gin.Context) {
	units, err := r.ctl.Units(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if units == nil {
		units = []supervisor.UnitStatus{}
	}
	writeJSON(c, http.StatusOK, units)
}

func (r *Router) handleUnit(c *gin.Context) {
	name, ok := unitName(c)
	if !ok {
		return
	}
	st, err := r.ctl.Unit(c.Request.Context(), name)
	if err != nil {
		fail(c, err)
		return
	}
	d := UnitDetail{UnitStatus: st}
	if r.resources != nil && r.resources.Enabled() {
		d.Resources = r.resources.History(name)
	}
	writeJSON(c, http.StatusOK, d)
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := unitName(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := r.ctl.Unit(ctx, name); err != nil {
		fail(c, err)
		return
	}
	sent, err := r.ctl.StopUnit(ctx, name)
	if err != nil {
		fail(c, err)
		return
	}
	if !sent {
		writeJSON(c, http.StatusConflict, errorResp{Error: "stop request could not be delivered to " + name})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSend(c *gin.Context) {
	name, ok := unitName(c)
	if !ok {
		return
	}
	var payload any
	if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.ctl.Send(c.Request.Context(), name, payload); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleStopAll(c *gin.Context) {
	n, err := r.ctl.StopAll(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, stopAllResp{Sent: n})
}

func (r *Router) handleHealth(c *gin.Context) {
	healthy, err := r.ctl.Healthy(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, healthResp{Healthy: healthy})
}

func (r *Router) handleMessages(c *gin.Context) {
	msgs, err := r.ctl.Messages(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []supervisor.Message{}
	}
	writeJSON(c, http.StatusOK, msgs)
}

func (r *Router) handleSchedules(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.schedules.Statuses())
}

func (r *Router) handleRunSchedule(c *gin.Context) {
	name, ok := unitName(c)
	if !ok {
		return
	}
	if err := r.schedules.Trigger(c.Request.Context(), name); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
