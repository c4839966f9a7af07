package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/internal/service"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
	"github.com/exports-digital/licensing-api/pkg/response"
)

// UsageHandler receives customs usage reports.
type UsageHandler struct {
	usage   *service.UsageService
	metrics *service.MetricsService
}

// NewUsageHandler constructs UsageHandler.
func NewUsageHandler(usage *service.UsageService, metrics *service.MetricsService) *UsageHandler {
	return &UsageHandler{usage: usage, metrics: metrics}
}

// ApplyBatch godoc
// @Summary Apply a customs usage batch
// @Description Records reported good usage against licences. Replays of a
// previously applied batch return 208 Already Reported.
// @Tags Usage
// @Accept json
// @Produce json
// @Param payload body models.UsageBatchRequest true "Usage batch"
// @Success 207 {object} response.Envelope
// @Router /licences/usage [put]
func (h *UsageHandler) ApplyBatch(c *gin.Context) {
	var req models.UsageBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.usage.ApplyBatch(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordUsageUpdates(len(result.Accepted), len(result.Rejected))
	status := http.StatusOK
	if len(result.Rejected) > 0 {
		status = http.StatusMultiStatus
	}
	response.JSON(c, status, result, nil)
}
