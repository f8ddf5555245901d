package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vesaa/smartsensors/internal/agent"
	"github.com/vesaa/smartsensors/internal/buffer"
	"github.com/vesaa/smartsensors/internal/sensor"
	"github.com/vesaa/smartsensors/internal/telemetry"
)

const shutdownGrace = 5 * time.Second

// Dashboard is the node-local HTTP API.
//
//	Public:    GET /api/health, POST /api/login, GET / (dashboard page)
//	API token or JWT: GET /data
//	JWT:       GET /api/device, GET|DELETE /api/buffer, GET /api/buffer/entries
type Dashboard struct {
	store  *telemetry.Store
	buf    *buffer.Buffer // nil when buffering is unavailable
	stats  func() map[string]sensor.Stats
	link   agent.Link
	auth   *Auth
	device string
	addr   string
	log    *slog.Logger
	engine *gin.Engine
}

// DashboardOptions carries what the dashboard needs beyond the node itself.
type DashboardOptions struct {
	Addr       string
	DeviceName string
	Auth       *Auth
}

// NewDashboard builds the dashboard routes over the node's components.
func NewDashboard(node *agent.Node, opts DashboardOptions, log *slog.Logger) *Dashboard {
	d := &Dashboard{
		store:  node.Store,
		buf:    node.Buffer,
		link:   node.Link,
		auth:   opts.Auth,
		device: opts.DeviceName,
		addr:   opts.Addr,
		log:    log.With("component", "dashboard"),
	}
	if node.Sampler != nil {
		d.stats = node.Sampler.Stats
	}

	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware)
	d.registerRoutes(r)
	RegisterStaticFiles(r)
	d.engine = r
	return d
}

// Handler exposes the routes for tests and custom listeners.
func (d *Dashboard) Handler() http.Handler { return d.engine }

func (d *Dashboard) registerRoutes(r *gin.Engine) {
	r.GET("/data", d.auth.DataMiddleware(), d.handleData)

	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", d.handleLogin)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", d.auth.JWTMiddleware())
	{
		auth.GET("/device", d.handleDevice)
		auth.GET("/buffer", d.handleBufferStatus)
		auth.GET("/buffer/entries", d.handleBufferEntries)
		auth.DELETE("/buffer", d.handleBufferClear)
	}
}

func corsMiddleware(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Token")
	c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (d *Dashboard) Run(ctx context.Context) error {
	srv := &http.Server{Addr: d.addr, Handler: d.engine, ReadHeaderTimeout: 5 * time.Second}
	return serve(ctx, srv, d.log)
}

func serve(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("http server listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
		}
		log.Info("http server stopped", "addr", srv.Addr)
		return nil
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (d *Dashboard) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if err := d.auth.CheckPassword(body.Username, body.Password); err != nil {
		d.log.Warn("login failed", "user", body.Username, "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	token, err := d.auth.GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL / time.Second),
		"type":       "Bearer",
	})
}

// handleData returns the current snapshot. Stale sensor groups are null.
func (d *Dashboard) handleData(c *gin.Context) {
	rec, err := d.store.Snapshot(c.Request.Context(), 0)
	if err != nil {
		d.log.Warn("snapshot unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Data temporarily unavailable"})
		return
	}
	uptime := int64(d.store.Uptime() / time.Second)
	c.JSON(http.StatusOK, telemetry.NewPayload(rec, "", d.device, uptime))
}

// handleDevice reports node uptime, host resources, link state and decoder
// counters.
func (d *Dashboard) handleDevice(c *gin.Context) {
	resp := gin.H{
		"device":   d.device,
		"uptime_s": int64(d.store.Uptime() / time.Second),
		"host":     agent.CollectDevice(),
	}
	if d.link != nil {
		resp["link"] = gin.H{
			"ready": d.link.LinkReady(),
			"ip":    d.link.LocalIP(),
			"mode":  d.link.Mode(),
		}
	}
	if d.stats != nil {
		resp["decoders"] = d.stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (d *Dashboard) bufferOrAbort(c *gin.Context) bool {
	if d.buf == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "buffering unavailable"})
		return false
	}
	return true
}

func (d *Dashboard) handleBufferStatus(c *gin.Context) {
	if !d.bufferOrAbort(c) {
		return
	}
	st, err := d.buf.Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleBufferEntries returns the oldest buffered entries.
//
//	GET /api/buffer/entries?limit=N   (default 20, 0 = all)
func (d *Dashboard) handleBufferEntries(c *gin.Context) {
	if !d.bufferOrAbort(c) {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	entries, err := d.buf.Read(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}

func (d *Dashboard) handleBufferClear(c *gin.Context) {
	if !d.bufferOrAbort(c) {
		return
	}
	if err := d.buf.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	d.log.Info("buffer cleared", "user", c.GetString("username"))
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
