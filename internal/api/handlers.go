package api

import (
	"errors"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"conebeam/internal/conebeam"
)

type statusRequest struct {
	JobID string `json:"jobId" binding:"required"`
}

type jobHandleResponse struct {
	JobID string `json:"jobId"`
}

type API struct {
	manager *conebeam.Manager
}

func NewAPI(manager *conebeam.Manager) *API {
	return &API{manager: manager}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	orders := router.Group("/orders/:orderId")
	{
		orders.GET("/conebeam", a.RequestArchive)
		orders.POST("/conebeam", a.CheckStatus)
	}
	router.GET("/healthz", a.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RequestArchive returns the cached archive or a job handle to poll.
func (a *API) RequestArchive(c *gin.Context) {
	orderID := c.Param("orderId")
	resp, err := a.manager.RequestArchive(c.Request.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, conebeam.ErrNoFiles), errors.Is(err, conebeam.ErrOrderNotFound):
			log.Warn().Str("order_id", orderID).Err(err).Msg("no cone-beam files for order")
			c.String(http.StatusNotFound, "no cone-beam files found for order %s", orderID)
		case errors.Is(err, conebeam.ErrShuttingDown):
			c.String(http.StatusServiceUnavailable, "server shutting down")
		default:
			log.Error().Str("order_id", orderID).Err(err).Msg("archive request failed")
			c.String(http.StatusInternalServerError, "failed to prepare cone-beam archive")
		}
		return
	}

	if resp.Ready() {
		log.Info().Str("order_id", orderID).Int("bytes", len(resp.Archive)).Msg("serving cached archive")
		c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
			"filename": orderID + "-conebeam.zip",
		}))
		c.Data(http.StatusOK, "application/zip", resp.Archive)
		return
	}
	c.JSON(http.StatusOK, jobHandleResponse{JobID: resp.JobID})
}

// CheckStatus reports the state of a job belonging to the order.
func (a *API) CheckStatus(c *gin.Context) {
	orderID := c.Param("orderId")
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Str("order_id", orderID).Err(err).Msg("invalid status request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: jobId is required"})
		return
	}
	found, err := a.manager.CheckStatus(req.JobID)
	if err != nil || found.OrderID != orderID {
		log.Warn().Str("order_id", orderID).Str("job_id", req.JobID).Msg("job not found on status check")
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, found)
}

// Health reports liveness and build slot usage.
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"busy":      a.manager.IsBusy(),
		"in_flight": a.manager.InFlight(),
	})
}
