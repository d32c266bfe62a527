package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"refprice/internal/apierror"
	"refprice/internal/dto"
	"refprice/internal/model"
	"refprice/internal/service"
)

// ReferencesHandler serves the public read API. Reads never fail because a
// tier is down; the coordinator degrades to the next one.
type ReferencesHandler struct {
	coordinators service.Coordinators
}

func NewReferencesHandler(coordinators service.Coordinators) *ReferencesHandler {
	return &ReferencesHandler{coordinators: coordinators}
}

// Search godoc
// @Summary Busca de preços de referência
// @Tags referencias
// @Produce json
// @Param source path string true "Fonte (sinapi, sicro)"
// @Param q query string false "Código ou termos da descrição"
// @Param region query string false "UF"
// @Param reference_month query string false "Mês de referência (AAAA-MM)"
// @Param item_type query string false "input | composition"
// @Param tax_regime query string false "burdened | unburdened"
// @Param page query int false "Página"
// @Param page_size query int false "Itens por página (1-100)"
// @Success 200 {object} dto.SearchResponse
// @Failure 404 {object} apierror.APIError
// @Failure 422 {object} apierror.ValidationError
// @Router /v1/references/{source}/search [get]
func (h *ReferencesHandler) Search(c *gin.Context) {
	co, ok := coordinator(c, h.coordinators)
	if !ok {
		return
	}
	var f dto.SearchFilters
	if !bindQueryAndValidate(c, &f) {
		return
	}
	res, err := co.Search(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, apierror.New("Requisição cancelada"))
		return
	}
	c.JSON(http.StatusOK, dto.SearchResponse{
		Data:       res.Items,
		Total:      res.Total,
		Page:       res.Page,
		PageSize:   res.PageSize,
		Source:     res.Source,
		Cached:     res.Cached,
		IsFallback: res.IsFallback,
		Timestamp:  time.Now().UTC(),
	})
}

// GetItem godoc
// @Summary Preço de referência por identificador canônico
// @Description Com tax_regime o preço é trocado para o regime pedido sem nova consulta.
// @Tags referencias
// @Produce json
// @Param source path string true "Fonte"
// @Param id path string true "source:code:UF:AAAA-MM:O|D"
// @Param tax_regime query string false "burdened | unburdened"
// @Success 200 {object} model.PriceReference
// @Failure 400 {object} apierror.APIError
// @Failure 404 {object} apierror.APIError
// @Router /v1/references/{source}/items/{id} [get]
func (h *ReferencesHandler) GetItem(c *gin.Context) {
	co, ok := coordinator(c, h.coordinators)
	if !ok {
		return
	}
	ref, err := co.GetByID(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, service.ErrInvalidReferenceID):
		c.JSON(http.StatusBadRequest, apierror.New("Identificador inválido"))
		return
	case err != nil:
		c.JSON(http.StatusNotFound, apierror.New("Referência não encontrada"))
		return
	}

	if raw := c.Query("tax_regime"); raw != "" {
		regime, ok := model.ParseTaxRegime(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, apierror.New("Regime tributário inválido"))
			return
		}
		switched := ref.SelectRegime(regime)
		ref = &switched
	}
	c.JSON(http.StatusOK, ref)
}
