package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/usecase/dispatch"
	"brief-scheduler/internal/usecase/sweep"
)

// BriefForcer ставит немедленную генерацию брифа.
type BriefForcer interface {
	ForceImmediate(ctx context.Context, userID int64, briefDate, timezone string) (domain.JobHandle, error)
}

// SweepTrigger выполняет внеочередной обход.
type SweepTrigger interface {
	Run(ctx context.Context) (sweep.Report, error)
}

// OpsHandler обслуживает служебные ручки планировщика.
type OpsHandler struct {
	forcer  BriefForcer
	sweeper SweepTrigger
	log     zerolog.Logger
}

// NewOpsHandler создаёт обработчик служебного API.
func NewOpsHandler(forcer BriefForcer, sweeper SweepTrigger, logger zerolog.Logger) *OpsHandler {
	return &OpsHandler{forcer: forcer, sweeper: sweeper, log: logger}
}

// Mount регистрирует ручки под защитой токена администратора.
func (h *OpsHandler) Mount(r chi.Router, adminToken string) {
	r.Group(func(protected chi.Router) {
		protected.Use(AdminTokenMiddleware(adminToken))
		protected.Post("/api/v1/briefs/{userID}/generate", h.forceGenerate)
		protected.Post("/api/v1/sweep", h.runSweep)
	})
}

type forceRequest struct {
	Date     string `json:"date"`
	Timezone string `json:"timezone"`
}

func (h *OpsHandler) forceGenerate(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		WriteError(w, http.StatusBadRequest, errors.New("некорректный userID"))
		return
	}

	var req forceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("некорректное тело запроса: %w", err))
		return
	}

	job, err := h.forcer.ForceImmediate(r.Context(), userID, req.Date, req.Timezone)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr), errors.Is(err, dispatch.ErrInvalidDate):
			WriteError(w, http.StatusBadRequest, err)
		default:
			h.log.Error().Err(err).Int64("user", userID).Str("request_id", RequestID(r)).Msg("api: не удалось поставить бриф")
			WriteError(w, http.StatusInternalServerError, errors.New("не удалось поставить задачу"))
		}
		return
	}
	WriteJSON(w, http.StatusAccepted, job)
}

func (h *OpsHandler) runSweep(w http.ResponseWriter, r *http.Request) {
	// Обход не должен обрываться по таймауту запроса посреди пользователей.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Minute)
	defer cancel()

	report, err := h.sweeper.Run(ctx)
	switch {
	case errors.Is(err, domain.ErrSweepInProgress):
		WriteError(w, http.StatusConflict, err)
	case err != nil:
		h.log.Error().Err(err).Str("request_id", RequestID(r)).Msg("api: внеочередной обход завершился с ошибкой")
		WriteError(w, http.StatusInternalServerError, errors.New("обход завершился с ошибкой"))
	default:
		WriteJSON(w, http.StatusOK, report)
	}
}
