package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/response"
)

const probeTimeout = 2 * time.Second

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// liveCounter reports how many attempts this process hosts.
type liveCounter interface {
	Live() int
}

// SystemHandler serves health probes and runtime metrics.
type SystemHandler struct {
	rdb       *redis.Client
	deps      map[string]Pinger
	attempts  liveCounter
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler. deps are checked by Ready.
func NewSystemHandler(rdb *redis.Client, attempts liveCounter, deps map[string]Pinger, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		deps:      deps,
		attempts:  attempts,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

// Health godoc
// GET /health
// Liveness: the process is serving.
func (h *SystemHandler) Health(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}

// Ready godoc
// GET /ready
// Readiness: every storage dependency answers a ping.
func (h *SystemHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	status := make(map[string]string, len(h.deps))
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Str("dependency", name).Msg("Readiness check failed")
			status[name] = "down"
			ready = false
			continue
		}
		status[name] = "up"
	}

	if !ready {
		response.FailWithData(c, http.StatusServiceUnavailable, response.ErrInternal, status)
		return
	}
	response.Success(c, http.StatusOK, status)
}

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`

	// Sessions
	LiveAttempts int `json:"live_attempts"`

	// Worker Queues
	QueueSubmissions int64 `json:"queue_submissions"`
	QueueDead        int64 `json:"queue_dead"`
}

// Metrics godoc
// GET /internal/metrics
func (h *SystemHandler) Metrics(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := systemMetrics{
		Timestamp:    time.Now().Unix(),
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    mem.HeapAlloc,
		HeapSys:      mem.HeapSys,
		NumGC:        mem.NumGC,
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		LiveAttempts: h.attempts.Live(),
	}

	// Worker queues (pipelined LLEN).
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()
	pipe := h.rdb.Pipeline()
	subsCmd := pipe.LLen(ctx, config.WorkerKey.PersistSubmissionsQueue)
	deadCmd := pipe.LLen(ctx, config.WorkerKey.DeadSubmissionsQueue)
	if _, err := pipe.Exec(ctx); err == nil {
		m.QueueSubmissions, _ = subsCmd.Result()
		m.QueueDead, _ = deadCmd.Result()
	} else {
		h.log.Warn().Err(err).Msg("Queue length lookup failed")
	}

	response.Success(c, http.StatusOK, m)
}
