package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/internal/service"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
	"github.com/exports-digital/licensing-api/pkg/response"
)

// AdviceHandler exposes advice and countersignature endpoints.
type AdviceHandler struct {
	advice       *service.AdviceService
	countersigns *service.CountersignService
}

// NewAdviceHandler constructs AdviceHandler.
func NewAdviceHandler(advice *service.AdviceService, countersigns *service.CountersignService) *AdviceHandler {
	return &AdviceHandler{advice: advice, countersigns: countersigns}
}

// List godoc
// @Summary List advice on a case
// @Tags Advice
// @Produce json
// @Param id path string true "Case ID"
// @Param level query string false "Advice level" Enums(user, team, final)
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/advice [get]
func (h *AdviceHandler) List(c *gin.Context) {
	level := models.AdviceLevel(c.DefaultQuery("level", string(models.AdviceLevelFinal)))
	entries, err := h.advice.List(c.Request.Context(), c.Param("id"), level)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Give godoc
// @Summary Record advice on a case
// @Tags Advice
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body service.GiveAdviceRequest true "Advice payload"
// @Success 201 {object} response.Envelope
// @Router /cases/{id}/advice [post]
func (h *AdviceHandler) Give(c *gin.Context) {
	var req service.GiveAdviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.CaseID = c.Param("id")
	advice, err := h.advice.Give(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, advice)
}

// EditFinal godoc
// @Summary Edit a final advice entry
// @Tags Advice
// @Accept json
// @Produce json
// @Param adviceId path string true "Advice ID"
// @Param payload body service.EditFinalAdviceRequest true "Advice payload"
// @Success 200 {object} response.Envelope
// @Router /advice/{adviceId} [put]
func (h *AdviceHandler) EditFinal(c *gin.Context) {
	var req service.EditFinalAdviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	advice, err := h.advice.EditFinal(c.Request.Context(), actorFromContext(c), c.Param("adviceId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, advice, nil)
}

// ClearFinal godoc
// @Summary Clear the calling team's final advice on a case
// @Tags Advice
// @Produce json
// @Param id path string true "Case ID"
// @Success 204
// @Router /cases/{id}/advice/final [delete]
func (h *AdviceHandler) ClearFinal(c *gin.Context) {
	if err := h.advice.ClearFinal(c.Request.Context(), actorFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Countersign godoc
// @Summary Record a countersignature on final advice
// @Tags Advice
// @Accept json
// @Produce json
// @Param payload body service.CountersignRequest true "Countersign payload"
// @Success 201 {object} response.Envelope
// @Router /countersign [post]
func (h *AdviceHandler) Countersign(c *gin.Context) {
	var req service.CountersignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	cs, err := h.countersigns.Countersign(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, cs)
}
