// Package api is the REST surface of the coordinator. Everything here is a
// thin projection over the hub, trust, and intel subsystems; no state lives
// in the handlers.
package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fedsig/threatnet/internal/hub"
	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/stats"
	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/internal/trust"
	"github.com/fedsig/threatnet/pkg/models"
)

type Handler struct {
	hub       *hub.Hub
	trust     *trust.Manager
	intel     *intel.Aggregator
	store     store.Store
	projector *stats.Projector
	durable   bool
}

// SetupRouter wires every route. durable reports whether a real database
// backs the store (surfaced on /api/health).
func SetupRouter(h *hub.Hub, tm *trust.Manager, agg *intel.Aggregator, st store.Store, projector *stats.Projector, durable bool) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())

	handler := &Handler{hub: h, trust: tm, intel: agg, store: st, projector: projector, durable: durable}

	limiter := NewRateLimiter(120, 30)

	api := r.Group("/api")
	api.Use(limiter.Middleware(), AuthMiddleware())
	{
		api.GET("/status", handler.handleStatus)
		api.GET("/clients", handler.handleClients)
		api.GET("/clients/:id", handler.handleClient)
		api.GET("/iocs", handler.handleIOCs)
		api.GET("/iocs/:id", handler.handleIOC)
		api.GET("/trust_scores", handler.handleTrustScores)
		api.GET("/trust_scores/:id", handler.handleTrustScore)
		api.GET("/trust_scores/:id/history", handler.handleTrustHistory)
		api.GET("/detections", handler.handleDetections)
		api.GET("/intel/statistics", handler.handleIntelStatistics)
		api.POST("/report_threat", handler.handleReportThreat)
		api.GET("/sync_intel", handler.handleSyncIntel)
		api.GET("/health", handler.handleHealth)
	}

	// Session and metrics endpoints sit outside the rate limiter: sessions
	// are long-lived and scrapes are periodic.
	r.GET("/ws", h.Serve)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func (h *Handler) handleStatus(c *gin.Context) {
	snapshot, err := h.projector.Build(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build status"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) handleClients(c *gin.Context) {
	clients := h.hub.Clients()
	c.JSON(http.StatusOK, gin.H{"clients": clients, "count": len(clients)})
}

func (h *Handler) handleClient(c *gin.Context) {
	profile, ok := h.hub.Client(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) handleIOCs(c *gin.Context) {
	status := models.IntelStatus(c.Query("status"))
	iocType := c.Query("type")
	threatLevel := c.Query("threat_level")

	intels, err := h.intel.List(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list iocs"})
		return
	}

	filtered := make([]models.ThreatIntel, 0, len(intels))
	for _, record := range intels {
		if iocType != "" && string(record.IOC.IOCType) != iocType {
			continue
		}
		if threatLevel != "" && string(record.IOC.ThreatLevel) != threatLevel {
			continue
		}
		filtered = append(filtered, record)
	}
	c.JSON(http.StatusOK, gin.H{"iocs": filtered, "count": len(filtered)})
}

func (h *Handler) handleIOC(c *gin.Context) {
	record, err := h.intel.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ioc not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch ioc"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) handleTrustScores(c *gin.Context) {
	scores := h.trust.All(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"trust_scores": scores, "count": len(scores)})
}

func (h *Handler) handleTrustScore(c *gin.Context) {
	score, err := h.trust.GetScore(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch trust score"})
		return
	}
	c.JSON(http.StatusOK, score)
}

func (h *Handler) handleTrustHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.trust.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch trust history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": events, "count": len(events)})
}

func (h *Handler) handleDetections(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	feed := h.hub.RecentDetections(limit)
	c.JSON(http.StatusOK, gin.H{"detections": feed, "count": len(feed)})
}

func (h *Handler) handleIntelStatistics(c *gin.Context) {
	intelStats, err := h.intel.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute statistics"})
		return
	}
	c.JSON(http.StatusOK, intelStats)
}

// reportRequest is the POST /api/report_threat body. Reporting over REST
// does not require a live session; dashboards and batch feeds use it.
type reportRequest struct {
	ClientID string     `json:"client_id" binding:"required"`
	IOC      models.IOC `json:"ioc"`
}

func (h *Handler) handleReportThreat(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.IOC.SourceClient = req.ClientID

	record, promoted, err := h.hub.SubmitReport(c.Request.Context(), req.IOC, req.ClientID)
	if hub.IsValidationError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process report"})
		return
	}

	iocID := models.GenerateIOCID(req.IOC.IOCType, req.IOC.Value)
	resp := gin.H{
		"status":   "accepted",
		"ioc_id":   iocID,
		"promoted": promoted,
	}
	if record == nil {
		// Pending path: return the stored pending record.
		record, _ = h.intel.GetByID(c.Request.Context(), iocID)
	}
	if record != nil {
		resp["intel"] = record
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleSyncIntel(c *gin.Context) {
	intels, err := h.intel.List(c.Request.Context(), models.StatusVerified)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sync intel"})
		return
	}
	c.JSON(http.StatusOK, models.SyncResponse{
		IOCs:      intels,
		Count:     len(intels),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "operational",
		"service":         "FedSIG ThreatNet Coordinator",
		"db_connected":    h.durable,
		"active_sessions": h.hub.SessionCount(),
		"verified_iocs":   h.intel.VerifiedCount(),
	})
}

// corsMiddleware allows dashboard origins configured via ALLOWED_ORIGINS
// (comma-separated), or any origin when unset.
func corsMiddleware() gin.HandlerFunc {
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
