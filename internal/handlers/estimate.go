package handlers

import (
	"net/http"

	"clinicq/internal/estimator"
	"clinicq/internal/queue"
	"clinicq/internal/response"

	"github.com/gin-gonic/gin"
)

// EstimateHandlers — точка входа внешнего оркестратора предсказаний.
// Вызывается после сбоев расписания (отсутствие, отмена, перестановка);
// движок очереди на своём пути чтения предсказания не запрашивает.
type EstimateHandlers struct {
	Repo      queue.Repository
	Estimator *estimator.Client
}

func NewEstimateHandlers(repo queue.Repository, est *estimator.Client) *EstimateHandlers {
	return &EstimateHandlers{Repo: repo, Estimator: est}
}

// @Summary		Обновление оценки ожидания
// @Description	Запрашивает внешний сервис предсказания и сохраняет результат в записи
// @Tags			estimation
// @Produce		json
// @Param			id	path		string	true	"ID записи"
// @Security		BearerAuth
// @Success		200	{object}	response.EstimateResponse	"Сохранённая оценка"
// @Failure		404	{object}	response.ErrorResponse	"Запись не найдена (NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Сервис предсказания недоступен (ESTIMATOR_ERROR)"
// @Router			/api/appointments/{id}/estimate [post]
func (h *EstimateHandlers) Refresh(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	if _, err := h.Repo.GetEntry(c.Request.Context(), id); err != nil {
		writeEngineError(c, err)
		return
	}

	est, err := h.Estimator.Estimate(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "ESTIMATOR_ERROR",
			Message: "Сервис предсказания недоступен",
			Details: err.Error(),
		})
		return
	}

	if _, err := h.Repo.UpdateEntry(c.Request.Context(), id, map[string]interface{}{
		"estimated_wait_minutes": est.Minutes,
		"prediction_mode":        est.Mode,
		"prediction_confidence":  est.Confidence,
	}); err != nil {
		writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"appointment_id": id,
		"minutes":        est.Minutes,
		"mode":           est.Mode,
		"confidence":     est.Confidence,
	})
}
