package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"refprice/internal/apierror"
	"refprice/internal/dto"
	"refprice/internal/middleware"
	"refprice/internal/repository"
	"refprice/internal/service"
	"refprice/internal/spreadsheet"
	"refprice/internal/worker"
)

const (
	maxImportSize = 64 << 20
	// recentFailures bounds the DLQ entries echoed by the status route.
	recentFailures = 10
)

// SyncStates exposes sync bookkeeping. *worker.SyncRunner satisfies it.
type SyncStates interface {
	Snapshot(source string) worker.SyncState
}

// AdminStatusResponse is returned by GET /v1/admin/:source/status.
type AdminStatusResponse struct {
	Coordinator    service.CoordinatorStatus `json:"coordinator"`
	Sync           worker.SyncState          `json:"sync"`
	StoredItems    *int64                    `json:"stored_items,omitempty"`
	DLQLength      *int64                    `json:"dlq_length,omitempty"`
	RecentFailures []worker.DLQEntry         `json:"recent_failures,omitempty"`
}

// AdminHandler serves the operator routes: imports, sync, circuit reset,
// status and explicit data reset.
type AdminHandler struct {
	coordinators service.Coordinators
	ingest       service.IngestionService
	sync         service.SyncTrigger
	states       SyncStates
	repo         repository.ReferenceRepository
	rdb          redis.UniversalClient
}

// NewAdminHandler wires the admin routes; repo and rdb may be nil.
func NewAdminHandler(coordinators service.Coordinators, ingest service.IngestionService, sync service.SyncTrigger, states SyncStates, repo repository.ReferenceRepository, rdb redis.UniversalClient) *AdminHandler {
	return &AdminHandler{coordinators: coordinators, ingest: ingest, sync: sync, states: states, repo: repo, rdb: rdb}
}

// Import godoc
// @Summary Importa planilha (CSV/XLSX) de preços de referência
// @Tags admin
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param source path string true "Fonte"
// @Param file formData file true "Planilha"
// @Param region formData string true "UF"
// @Param reference_month formData string true "AAAA-MM"
// @Param memory_only query bool false "Carrega só na memória"
// @Success 200 {object} dto.ImportResponse
// @Failure 400 {object} apierror.APIError
// @Failure 422 {object} apierror.APIError
// @Router /v1/admin/{source}/import [post]
func (h *AdminHandler) Import(c *gin.Context) {
	co, ok := coordinator(c, h.coordinators)
	if !ok {
		return
	}
	var req dto.ImportRequest
	if !bindFormAndValidate(c, &req) {
		return
	}
	opts, err := service.OptionsFromRequest(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.New(err.Error()))
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.New("Arquivo 'file' obrigatório"))
		return
	}
	if fh.Size > maxImportSize {
		c.JSON(http.StatusRequestEntityTooLarge, apierror.New("Arquivo excede o limite de 64 MB"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.New("Não foi possível ler o arquivo"))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxImportSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.New("Não foi possível ler o arquivo"))
		return
	}

	run := h.ingest.Ingest
	if memoryOnly, _ := strconv.ParseBool(c.Query("memory_only")); memoryOnly {
		run = h.ingest.LoadFromBuffer
	}
	resp, err := run(c.Request.Context(), co.Source(), data, opts)
	switch {
	case err == nil:
		log.Info().
			Str("source", co.Source()).
			Str("operator", operator(c)).
			Str("file", fh.Filename).
			Str("run_id", resp.RunID).
			Msg("admin: import finished")
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, service.ErrInvalidImport):
		c.JSON(http.StatusBadRequest, apierror.New(err.Error()))
	case errors.Is(err, spreadsheet.ErrEmptyInput), errors.Is(err, spreadsheet.ErrNoHeader):
		c.JSON(http.StatusUnprocessableEntity, apierror.New(err.Error()))
	default:
		_ = c.Error(err)
	}
}

// Sync godoc
// @Summary Agenda uma sincronização manual
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param source path string true "Fonte"
// @Success 202 {object} map[string]string
// @Router /v1/admin/{source}/sync [post]
func (h *AdminHandler) Sync(c *gin.Context) {
	co, ok := coordinator(c, h.coordinators)
	if !ok {
		return
	}
	log.Info().Str("source", co.Source()).Str("operator", operator(c)).Msg("admin: manual sync requested")
	if err := h.sync.Enqueue(c.Request.Context(), co.Source(), service.TriggerManual); err != nil {
		log.Warn().Err(err).Str("source", co.Source()).Msg("admin: enqueue failed, running detached")
		h.sync.RunDetached(co.Source(), service.TriggerManual)
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Sincronização agendada", "source": co.Source()})
}

// ResetCircuit godoc
// @Summary Rearma o circuito da API remota
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param source path string true "Fonte"
// @Success 200 {object} infra.CircuitSnapshot
// @Router /v1/admin/{source}/circuit/reset [post]
func (h *AdminHandler) ResetCircuit(c *gin.Context) {
	co, ok := coordinator(c, h.coordinators)
	if !ok {
		return
	}
	co.ResetCircuit()
	log.Info().Str("source", co.Source()).Str("operator", operator(c)).Msg("admin: circuit reset")
	c.JSON(http.StatusOK, co.Status().Circuit)
}

// Status godoc
// @Summary Estado da fonte: sincronização, cache, circuito e cota
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param source path string true "Fonte"
// @Success 200 {object} AdminStatusResponse
// @Router /v1/admin/{source}/status [get]
func (h *AdminHandler) Status(c *gin.Context) {
	co, ok := coordinator(c, h.coordinators)
	if !ok {
		return
	}
	resp := AdminStatusResponse{Coordinator: co.Status()}
	if h.states != nil {
		resp.Sync = h.states.Snapshot(co.Source())
	}
	ctx := c.Request.Context()
	if h.repo != nil {
		if n, err := h.repo.Count(ctx, co.Source()); err == nil {
			resp.StoredItems = &n
		}
	}
	if h.rdb != nil {
		if n, err := worker.DLQLength(ctx, h.rdb, worker.QueueSync); err == nil {
			resp.DLQLength = &n
		}
		if entries, err := worker.PeekDLQ(ctx, h.rdb, worker.QueueSync, recentFailures); err == nil {
			resp.RecentFailures = entries
		} else {
			log.Warn().Err(err).Str("source", co.Source()).Msg("admin: dlq peek failed")
		}
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteReferences godoc
// @Summary Remove todos os dados persistidos e em memória da fonte
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param source path string true "Fonte"
// @Success 200 {object} dto.DeleteResponse
// @Router /v1/admin/{source}/references [delete]
func (h *AdminHandler) DeleteReferences(c *gin.Context) {
	co, ok := coordinator(c, h.coordinators)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	resp := dto.DeleteResponse{Source: co.Source()}
	if h.repo != nil {
		n, err := h.repo.DeleteSource(ctx, co.Source())
		if err != nil {
			_ = c.Error(err)
			return
		}
		resp.Deleted = n
	}
	resp.Deleted += int64(co.Memory().Clear(co.Source()))
	if _, err := co.InvalidateCache(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Str("source", co.Source()).Msg("admin: cache invalidation after reset failed")
	}
	log.Warn().
		Str("source", co.Source()).
		Str("operator", operator(c)).
		Int64("deleted", resp.Deleted).
		Msg("admin: source data reset")
	c.JSON(http.StatusOK, resp)
}

// operator names the token subject behind an admin request.
func operator(c *gin.Context) string {
	if claims := middleware.GetClaims(c); claims != nil {
		return claims.Subject
	}
	return ""
}
