package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/exports-digital/licensing-api/internal/middleware"
	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/internal/service"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
	"github.com/exports-digital/licensing-api/pkg/response"
)

// LicenceHandler exposes licence lifecycle endpoints.
type LicenceHandler struct {
	licences *service.LicenceService
}

// NewLicenceHandler constructs LicenceHandler.
func NewLicenceHandler(licences *service.LicenceService) *LicenceHandler {
	return &LicenceHandler{licences: licences}
}

// List godoc
// @Summary List licences
// @Tags Licences
// @Produce json
// @Param reference query string false "Reference contains"
// @Param status query []string false "Statuses" collectionFormat(multi)
// @Param case_id query string false "Case ID"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /licences [get]
func (h *LicenceHandler) List(c *gin.Context) {
	filter := models.LicenceFilter{
		Reference: c.Query("reference"),
		CaseID:    c.Query("case_id"),
	}
	for _, s := range c.QueryArray("status") {
		filter.Statuses = append(filter.Statuses, models.LicenceStatus(s))
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "25"))

	licences, pagination, err := h.licences.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, licences, pagination)
}

// Get godoc
// @Summary Get a licence with its goods
// @Tags Licences
// @Produce json
// @Param id path string true "Licence ID"
// @Success 200 {object} response.Envelope
// @Router /licences/{id} [get]
func (h *LicenceHandler) Get(c *gin.Context) {
	view, hit, err := h.licences.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, view, nil, middleware.ExtractMeta(c))
}

// CreateDraft godoc
// @Summary Create a draft licence for a case
// @Tags Licences
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body service.CreateDraftLicenceRequest true "Draft payload"
// @Success 201 {object} response.Envelope
// @Router /cases/{id}/licences [post]
func (h *LicenceHandler) CreateDraft(c *gin.Context) {
	var req service.CreateDraftLicenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.CaseID = c.Param("id")
	licence, err := h.licences.CreateDraft(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, licence)
}

// UpdateStatus godoc
// @Summary Update a licence's status
// @Description Suspends, reinstates or revokes an issued licence.
// @Tags Licences
// @Accept json
// @Produce json
// @Param id path string true "Licence ID"
// @Param payload body service.UpdateLicenceStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Router /licences/{id}/status [patch]
func (h *LicenceHandler) UpdateStatus(c *gin.Context) {
	var req service.UpdateLicenceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	licence, err := h.licences.UpdateStatus(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, licence, nil)
}
