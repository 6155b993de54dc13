package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sponsorstack/attribution-engine/internal/attribution"
	"github.com/sponsorstack/attribution-engine/internal/metrics"
	"github.com/sponsorstack/attribution-engine/internal/models"
	"github.com/sponsorstack/attribution-engine/internal/resolver"
	"github.com/sponsorstack/attribution-engine/internal/services"
	"github.com/sponsorstack/attribution-engine/internal/store"
	"github.com/sponsorstack/attribution-engine/internal/utils"
)

const tenantHeader = "X-Tenant-ID"

// Handler binds the HTTP surface to the attribution service facade.
type Handler struct {
	service *services.AttributionService
	router  *gin.Engine
	logger  *slog.Logger
}

// NewHandler constructs the gin router with all routes registered.
func NewHandler(service *services.AttributionService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	h := &Handler{
		service: service,
		router:  gin.New(),
		logger:  logger,
	}
	h.router.Use(gin.Recovery())
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.healthCheck)

	v1 := h.router.Group("/api/v1")
	v1.POST("/touchpoints", h.ingestTouchpoint)
	v1.POST("/attribution/compute", h.computeAttribution)
	v1.GET("/campaigns/:id/metrics", h.campaignMetrics)
	v1.GET("/validation/:model", h.validationReport)
	v1.GET("/merges", h.mergeEvents)
	v1.GET("/insights/paths", h.conversionPaths)
}

func tenantID(c *gin.Context) string {
	return c.GetHeader(tenantHeader)
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"ingest_p95_ms": h.service.LatencyP95().Milliseconds(),
	})
}

// ingestTouchpoint handles POST /api/v1/touchpoints. Malformed records are
// rejected synchronously with 400; they are never queued for retry.
func (h *Handler) ingestTouchpoint(c *gin.Context) {
	var req ingestTouchpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.ObserveRejectedTouchpoint()
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_touchpoint", Message: err.Error()})
		return
	}

	tp, err := req.toTouchpoint(tenantID(c))
	if err != nil {
		metrics.ObserveRejectedTouchpoint()
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_touchpoint", Message: err.Error()})
		return
	}

	journeyKey, err := h.service.Ingest(c.Request.Context(), tp)
	if err != nil {
		if errors.Is(err, resolver.ErrInvalidTouchpoint) {
			metrics.ObserveRejectedTouchpoint()
			h.logger.Warn("touchpoint rejected",
				slog.String("campaign_id", req.CampaignID), slog.Any("error", err))
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_touchpoint", Message: err.Error()})
			return
		}
		h.logger.Error("touchpoint ingest failed",
			slog.String("campaign_id", req.CampaignID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "failed to record touchpoint"})
		return
	}

	c.JSON(http.StatusAccepted, ingestTouchpointResponse{JourneyKey: journeyKey, Status: "accepted"})
}

// computeAttribution handles POST /api/v1/attribution/compute.
func (h *Handler) computeAttribution(c *gin.Context) {
	var req computeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	if !req.End.After(req.Start) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: "end must be after start"})
		return
	}

	results, err := h.service.Compute(c.Request.Context(), models.ComputeRequest{
		TenantID:   tenantID(c),
		CampaignID: req.CampaignID,
		Start:      req.Start,
		End:        req.End,
		Model:      models.ModelKind(req.Model),
	})
	if err != nil {
		if errors.Is(err, attribution.ErrModelNotFound) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "model_not_found", Message: err.Error()})
			return
		}
		h.logger.Error("attribution compute failed",
			slog.String("campaign_id", req.CampaignID),
			slog.String("model", req.Model), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "attribution run failed"})
		return
	}

	c.JSON(http.StatusOK, computeResponse{Model: req.Model, Results: results})
}

// campaignMetrics handles GET /api/v1/campaigns/:id/metrics?period=&model=.
func (h *Handler) campaignMetrics(c *gin.Context) {
	campaignID := c.Param("id")
	period := c.Query("period")
	model := models.ModelKind(c.DefaultQuery("model", string(models.ModelLinear)))

	if _, _, err := utils.ParsePeriod(period); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	if !model.Registered() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "model_not_found", Message: "unknown model " + string(model)})
		return
	}

	metric, err := h.service.CampaignMetrics(c.Request.Context(), models.MetricsRequest{
		TenantID:   tenantID(c),
		CampaignID: campaignID,
		Period:     period,
		Model:      model,
	})
	if err != nil {
		h.logger.Error("campaign metrics lookup failed",
			slog.String("campaign_id", campaignID),
			slog.String("period", period), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "failed to load campaign metrics"})
		return
	}

	c.JSON(http.StatusOK, toCampaignMetricResponse(metric))
}

// validationReport handles GET /api/v1/validation/:model.
func (h *Handler) validationReport(c *gin.Context) {
	model := models.ModelKind(c.Param("model"))

	report, err := h.service.ValidationReport(c.Request.Context(), tenantID(c), model)
	if err != nil {
		if errors.Is(err, attribution.ErrModelNotFound) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "model_not_found", Message: err.Error()})
			return
		}
		h.logger.Error("validation report lookup failed",
			slog.String("model", string(model)), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "failed to load validation report"})
		return
	}

	c.JSON(http.StatusOK, report)
}

// mergeEvents handles GET /api/v1/merges?limit=. Operator-facing audit feed.
func (h *Handler) mergeEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	events, err := h.service.MergeEvents(c.Request.Context(), limit)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("merge event listing failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "failed to list merge events"})
		return
	}
	if events == nil {
		events = []models.MergeEvent{}
	}

	c.JSON(http.StatusOK, gin.H{"merges": events})
}

// conversionPaths handles GET /api/v1/insights/paths?period=.
func (h *Handler) conversionPaths(c *gin.Context) {
	period := c.Query("period")
	start, end, err := utils.ParsePeriod(period)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	patterns, err := h.service.ConversionPaths(c.Request.Context(), tenantID(c), start, end)
	if err != nil {
		h.logger.Error("conversion path mining failed",
			slog.String("period", period), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "failed to mine conversion paths"})
		return
	}

	resp := make([]pathPatternResponse, 0, len(patterns))
	for _, p := range patterns {
		resp = append(resp, toPathPatternResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"period": period, "paths": resp})
}
