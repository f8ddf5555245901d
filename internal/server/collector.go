package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/vesaa/smartsensors/internal/models"
	"github.com/vesaa/smartsensors/internal/telemetry"
)

const defaultHistory = 50

// Collector is the backend the nodes upload to.
//
//	Bearer agent token: POST /api/sensors, POST /api/sensors/batch
//	Public:             GET /data, GET /healthz
type Collector struct {
	db      *gorm.DB
	history int
	addr    string
	log     *slog.Logger
	engine  *gin.Engine
}

// CollectorOptions configures NewCollector.
type CollectorOptions struct {
	Addr       string
	AgentToken string
	History    int
}

func NewCollector(db *gorm.DB, opts CollectorOptions, log *slog.Logger) *Collector {
	if opts.History <= 0 {
		opts.History = defaultHistory
	}
	c := &Collector{
		db:      db,
		history: opts.History,
		addr:    opts.Addr,
		log:     log.With("component", "collector"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware)
	api := r.Group("/api", AgentTokenMiddleware(opts.AgentToken))
	{
		api.POST("/sensors", c.handleIngest)
		api.POST("/sensors/batch", c.handleBatch)
	}
	r.GET("/data", c.handleData)
	// health (no auth, used by probes)
	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	c.engine = r
	return c
}

func (c *Collector) Handler() http.Handler { return c.engine }

// Run serves until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	srv := &http.Server{Addr: c.addr, Handler: c.engine, ReadHeaderTimeout: 5 * time.Second}
	return serve(ctx, srv, c.log)
}

// handleIngest stores one uploaded entry.
func (c *Collector) handleIngest(ctx *gin.Context) {
	start := time.Now()
	var p telemetry.Payload
	if err := ctx.ShouldBindJSON(&p); err != nil {
		c.log.Warn("malformed upload", "remote", ctx.ClientIP(), "error", err)
		ctx.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": fmt.Sprintf("Invalid JSON: %v", err)})
		return
	}

	res, err := SaveUpload(c.db, p, ctx.ClientIP())
	if err != nil {
		c.log.Error("upload not stored", "id", res.ID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	status := "success"
	if res.Duplicate {
		status = "duplicate"
	}
	c.log.Info("upload received",
		"id", res.ID,
		"device", p.Device,
		"remote", ctx.ClientIP(),
		"sensors", res.Sensors,
		"duplicate", res.Duplicate,
	)
	ctx.JSON(http.StatusOK, gin.H{
		"status":             status,
		"id":                 res.ID,
		"sensors_received":   res.Sensors,
		"processing_time_ms": time.Since(start).Milliseconds(),
	})
}

// handleBatch stores a replayed buffer batch (a JSON array of entries).
// Entries that do not decode are reported and skipped with 207; a storage
// error fails the whole request so the node keeps the batch and retries.
func (c *Collector) handleBatch(ctx *gin.Context) {
	var raw []json.RawMessage
	if err := ctx.ShouldBindJSON(&raw); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": fmt.Sprintf("Invalid JSON: %v", err)})
		return
	}

	var (
		results []StoreResult
		errs    []string
	)
	for i, entry := range raw {
		var p telemetry.Payload
		if err := json.Unmarshal(entry, &p); err != nil {
			errs = append(errs, fmt.Sprintf("entry %d: %v", i, err))
			continue
		}
		res, err := SaveUpload(c.db, p, ctx.ClientIP())
		if err != nil {
			c.log.Error("batch entry not stored", "id", res.ID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error(), "stored": len(results)})
			return
		}
		results = append(results, res)
	}

	c.log.Info("batch received", "entries", len(raw), "stored", len(results), "rejected", len(errs))
	if len(errs) > 0 {
		ctx.JSON(http.StatusMultiStatus, gin.H{
			"status":  "partial_success",
			"message": "Some entries could not be decoded",
			"errors":  errs,
			"results": results,
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "success", "results": results})
}

// handleData returns the latest row per sensor plus recent history.
func (c *Collector) handleData(ctx *gin.Context) {
	db := c.db.WithContext(ctx.Request.Context())
	resp, err := c.dataView(db)
	if err != nil {
		c.log.Error("data view failed", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	ctx.JSON(http.StatusOK, resp)
}

func (c *Collector) dataView(db *gorm.DB) (gin.H, error) {
	aq, err := latest[models.AirQuality](db)
	if err != nil {
		return nil, err
	}
	mr, err := latest[models.MR007](db)
	if err != nil {
		return nil, err
	}
	me4, err := latest[models.ME4SO2](db)
	if err != nil {
		return nil, err
	}
	ze, err := latest[models.ZE40](db)
	if err != nil {
		return nil, err
	}
	info, err := latest[models.DeviceInfo](db)
	if err != nil {
		return nil, err
	}

	hist := gin.H{}
	if hist["air_quality"], err = history[models.AirQuality](db, c.history); err != nil {
		return nil, err
	}
	if hist["mr007"], err = history[models.MR007](db, c.history); err != nil {
		return nil, err
	}
	if hist["me4_so2"], err = history[models.ME4SO2](db, c.history); err != nil {
		return nil, err
	}
	if hist["ze40"], err = history[models.ZE40](db, c.history); err != nil {
		return nil, err
	}
	if hist["device_info"], err = history[models.DeviceInfo](db, c.history); err != nil {
		return nil, err
	}

	resp := gin.H{
		"air_quality":  aq,
		"mr007":        mr,
		"me4_so2":      me4,
		"ze40":         ze,
		"ip_address":   nil,
		"network_mode": nil,
		"history":      hist,
	}
	if info != nil {
		resp["ip_address"] = info.IPAddress
		resp["network_mode"] = info.NetworkMode
	}
	return resp, nil
}
