package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/exports-digital/licensing-api/internal/service"
	"github.com/exports-digital/licensing-api/pkg/response"
)

// FinalisationHandler exposes the case finalisation endpoint.
type FinalisationHandler struct {
	finalisation *service.FinalisationService
	metrics      *service.MetricsService
}

// NewFinalisationHandler constructs FinalisationHandler.
func NewFinalisationHandler(finalisation *service.FinalisationService, metrics *service.MetricsService) *FinalisationHandler {
	return &FinalisationHandler{finalisation: finalisation, metrics: metrics}
}

// Finalise godoc
// @Summary Finalise a case
// @Description Commits final advice as the case decision, issuing or refusing any draft licence.
// @Tags Cases
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/finalise [post]
func (h *FinalisationHandler) Finalise(c *gin.Context) {
	result, err := h.finalisation.Finalise(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordFinalisation(result.Outcome)
	response.JSON(c, http.StatusOK, result, nil)
}
