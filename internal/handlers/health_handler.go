package handlers

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"beanbrain/internal/metrics"
)

// HealthHandler reports process, database, and ledger-file health.
type HealthHandler struct {
	db         *gorm.DB
	ledgerPath string
	logger     *logrus.Logger
}

func NewHealthHandler(db *gorm.DB, ledgerPath string, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{
		db:         db,
		ledgerPath: ledgerPath,
		logger:     logger,
	}
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	GoVersion string                 `json:"go_version"`
	Services  map[string]ServiceInfo `json:"services"`
}

// ServiceInfo describes one dependency check.
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health checks the database connection and ledger file reachability.
// Degraded dependencies still return 200 so load balancers keep routing;
// only a dead database flips to 503.
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).String(),
		GoVersion: runtime.Version(),
		Services:  make(map[string]ServiceInfo),
	}

	statusCode := http.StatusOK

	start := time.Now()
	if sqlDB, err := h.db.DB(); err != nil {
		response.Services["database"] = ServiceInfo{Status: "unhealthy", Error: err.Error()}
		response.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		response.Services["database"] = ServiceInfo{Status: "unhealthy", Error: err.Error()}
		response.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		response.Services["database"] = ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	}

	start = time.Now()
	if _, err := os.Stat(h.ledgerPath); os.IsNotExist(err) {
		// A missing file is a fresh ledger, not a failure.
		response.Services["ledger"] = ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	} else if err != nil {
		response.Services["ledger"] = ServiceInfo{Status: "degraded", Error: err.Error()}
		if response.Status == "healthy" {
			response.Status = "degraded"
		}
		h.logger.Warnf("Ledger file check failed: %v", err)
	} else {
		response.Services["ledger"] = ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	}

	c.JSON(statusCode, response)
}

// Ready is the readiness probe: database reachable means ready.
func (h *HealthHandler) Ready(c *gin.Context) {
	ready := true
	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		ready = false
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{"ready": ready, "timestamp": time.Now()})
}

// Metrics dumps the in-process counters.
func (h *HealthHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.Collect())
}
