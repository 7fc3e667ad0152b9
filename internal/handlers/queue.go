package handlers

import (
	"net/http"
	"strconv"
	"time"

	"clinicq/internal/queue"
	"clinicq/internal/response"

	"github.com/gin-gonic/gin"
)

// QueueHandlers — HTTP-обёртка над движком очереди. Зависимости передаются
// явно при создании, без глобального состояния.
type QueueHandlers struct {
	Engine *queue.Engine
}

func NewQueueHandlers(engine *queue.Engine) *QueueHandlers {
	return &QueueHandlers{Engine: engine}
}

type CreateAppointmentRequest struct {
	ClinicID      uint       `json:"clinic_id" binding:"required"`
	StaffID       uint       `json:"staff_id" binding:"required"`
	PatientID     *uint      `json:"patient_id"`
	GuestToken    *string    `json:"guest_token"`
	ScheduledDate time.Time  `json:"scheduled_date" binding:"required"`
	StartTime     *time.Time `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	IsWalkIn      bool       `json:"is_walk_in"`
	PriorityScore *float64   `json:"priority_score"`
}

// @Summary		Создание записи в очереди
// @Description	Создаёт запись пациента; позицию назначает хранилище
// @Tags			appointments
// @Accept			json
// @Produce		json
// @Param			appointment	body		CreateAppointmentRequest	true	"Данные записи"
// @Security		BearerAuth
// @Success		201	{object}	response.AppointmentResponse	"Созданная запись"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/appointments [post]
func (h *QueueHandlers) CreateAppointment(c *gin.Context) {
	var req CreateAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	appt, err := h.Engine.CreateAppointment(c.Request.Context(), queue.CreateAppointmentInput{
		ClinicID:      req.ClinicID,
		StaffID:       req.StaffID,
		PatientID:     req.PatientID,
		GuestToken:    req.GuestToken,
		ScheduledDate: req.ScheduledDate,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		IsWalkIn:      req.IsWalkIn,
		PriorityScore: req.PriorityScore,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, appt)
}

// @Summary		Отметка прибытия пациента
// @Description	Пациент присутствует и ожидает вызова
// @Tags			appointments
// @Produce		json
// @Param			id	path		string	true	"ID записи"
// @Security		BearerAuth
// @Success		200	{object}	response.AppointmentResponse	"Обновлённая запись"
// @Failure		404	{object}	response.ErrorResponse	"Запись не найдена (NOT_FOUND)"
// @Failure		422	{object}	response.ErrorResponse	"Запись в конечном статусе (BUSINESS_RULE)"
// @Router			/api/appointments/{id}/checkin [post]
func (h *QueueHandlers) CheckIn(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	appt, err := h.Engine.CheckInPatient(c.Request.Context(), id)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

type CallNextRequest struct {
	ClinicID uint      `json:"clinic_id" binding:"required"`
	StaffID  uint      `json:"staff_id" binding:"required"`
	Date     time.Time `json:"date" binding:"required"`
}

// @Summary		Вызов следующего пациента
// @Description	Выбирает кандидата по стратегии клиники и переводит его в приём
// @Tags			queue
// @Accept			json
// @Produce		json
// @Param			scope	body		CallNextRequest	true	"Область вызова"
// @Security		BearerAuth
// @Success		200	{object}	response.AppointmentResponse	"Вызванная запись"
// @Failure		404	{object}	response.ErrorResponse	"Нет кандидата на вызов (NOT_FOUND)"
// @Failure		409	{object}	response.ErrorResponse	"Запись перехвачена параллельным вызовом (CONFLICT)"
// @Router			/api/queues/next [post]
func (h *QueueHandlers) CallNext(c *gin.Context) {
	var req CallNextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	appt, err := h.Engine.CallNextPatient(c.Request.Context(), queue.CallContext{
		ClinicID:    req.ClinicID,
		StaffID:     req.StaffID,
		Date:        req.Date,
		PerformedBy: c.GetUint("staffID"),
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

type MarkAbsentRequest struct {
	Reason       string `json:"reason"`
	GraceMinutes *int   `json:"grace_minutes"`
	AutoCancel   bool   `json:"auto_cancel"`
}

// @Summary		Пометка пациента отсутствующим
// @Description	Открывает окно отсутствия с льготным периодом
// @Tags			appointments
// @Accept			json
// @Produce		json
// @Param			id		path		string				true	"ID записи"
// @Param			body	body		MarkAbsentRequest	false	"Параметры отсутствия"
// @Security		BearerAuth
// @Success		200	{object}	response.AppointmentResponse	"Обновлённая запись"
// @Failure		409	{object}	response.ErrorResponse	"Окно отсутствия уже открыто (CONFLICT)"
// @Failure		422	{object}	response.ErrorResponse	"Запись в конечном статусе (BUSINESS_RULE)"
// @Router			/api/appointments/{id}/absent [post]
func (h *QueueHandlers) MarkAbsent(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req MarkAbsentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "Ошибка валидации данных",
				Details: err.Error(),
			})
			return
		}
	}

	appt, err := h.Engine.MarkPatientAbsent(c.Request.Context(), queue.MarkAbsentInput{
		AppointmentID: id,
		PerformedBy:   c.GetUint("staffID"),
		Reason:        req.Reason,
		GraceMinutes:  req.GraceMinutes,
		AutoCancel:    req.AutoCancel,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

// @Summary		Возвращение пациента
// @Description	Закрывает окно отсутствия; пациент получает новую позицию
// @Tags			appointments
// @Produce		json
// @Param			id	path		string	true	"ID записи"
// @Security		BearerAuth
// @Success		200	{object}	response.AppointmentResponse	"Обновлённая запись"
// @Failure		422	{object}	response.ErrorResponse	"Открытого окна отсутствия нет (BUSINESS_RULE)"
// @Router			/api/appointments/{id}/return [post]
func (h *QueueHandlers) MarkReturned(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	appt, err := h.Engine.MarkPatientReturned(c.Request.Context(), id, c.GetUint("staffID"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

// @Summary		Завершение приёма
// @Description	Переводит запись в completed и записывает фактические метки времени
// @Tags			appointments
// @Produce		json
// @Param			id	path		string	true	"ID записи"
// @Security		BearerAuth
// @Success		200	{object}	response.AppointmentResponse	"Завершённая запись"
// @Failure		409	{object}	response.ErrorResponse	"Приём уже завершён (CONFLICT)"
// @Router			/api/appointments/{id}/complete [post]
func (h *QueueHandlers) Complete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	appt, err := h.Engine.CompleteAppointment(c.Request.Context(), id, c.GetUint("staffID"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

type ReorderRequest struct {
	NewPosition int    `json:"new_position" binding:"required"`
	Reason      string `json:"reason"`
}

// @Summary		Перемещение записи в очереди
// @Description	Назначает новую позицию с журнальной записью вмешательства
// @Tags			queue
// @Accept			json
// @Produce		json
// @Param			id		path		string			true	"ID записи"
// @Param			body	body		ReorderRequest	true	"Новая позиция"
// @Security		BearerAuth
// @Success		200	{object}	response.AppointmentResponse	"Обновлённая запись"
// @Failure		400	{object}	response.ErrorResponse	"Недопустимая позиция (VALIDATION_ERROR)"
// @Router			/api/appointments/{id}/reorder [post]
func (h *QueueHandlers) Reorder(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	appt, err := h.Engine.ReorderQueue(c.Request.Context(), queue.ReorderInput{
		AppointmentID: id,
		NewPosition:   req.NewPosition,
		PerformedBy:   c.GetUint("staffID"),
		Reason:        req.Reason,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

// @Summary		Отмена записи
// @Description	Переводит запись в конечный статус cancelled
// @Tags			appointments
// @Accept			json
// @Produce		json
// @Param			id		path		string			true	"ID записи"
// @Param			body	body		CancelRequest	false	"Причина отмены"
// @Security		BearerAuth
// @Success		200	{object}	response.AppointmentResponse	"Отменённая запись"
// @Failure		422	{object}	response.ErrorResponse	"Запись уже в конечном статусе (BUSINESS_RULE)"
// @Router			/api/appointments/{id}/cancel [post]
func (h *QueueHandlers) Cancel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "Ошибка валидации данных",
				Details: err.Error(),
			})
			return
		}
	}

	appt, err := h.Engine.CancelAppointment(c.Request.Context(), id, c.GetUint("staffID"), req.Reason)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

type EmergencyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// @Summary		Экстренный приоритет
// @Description	Поднимает запись в начало очереди с журнальной записью emergency
// @Tags			queue
// @Accept			json
// @Produce		json
// @Param			id		path		string				true	"ID записи"
// @Param			body	body		EmergencyRequest	true	"Причина"
// @Security		BearerAuth
// @Success		200	{object}	response.AppointmentResponse	"Обновлённая запись"
// @Failure		422	{object}	response.ErrorResponse	"Запись в конечном статусе (BUSINESS_RULE)"
// @Router			/api/appointments/{id}/emergency [post]
func (h *QueueHandlers) Emergency(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req EmergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	appt, err := h.Engine.FlagEmergency(c.Request.Context(), id, c.GetUint("staffID"), req.Reason)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

// @Summary		Обработка позднего прибытия
// @Description	Применяет решение стратегии клиники к опоздавшему пациенту
// @Tags			queue
// @Produce		json
// @Param			id	path		string	true	"ID записи"
// @Security		BearerAuth
// @Success		200	{object}	response.LateArrivalResponse	"Принятое решение"
// @Failure		422	{object}	response.ErrorResponse	"Стратегия отклонила прибытие (BUSINESS_RULE)"
// @Router			/api/appointments/{id}/late [post]
func (h *QueueHandlers) LateArrival(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	decision, err := h.Engine.HandleLateArrival(c.Request.Context(), id, c.GetUint("staffID"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"action":          decision.Action,
		"target_position": decision.TargetPosition,
		"reason":          decision.Reason,
	})
}

// idParam извлекает идентификатор записи из пути.
func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_APPOINTMENT_ID",
			Message: "Неверный идентификатор записи",
		})
		return 0, false
	}
	return uint(id), true
}

// writeEngineError переводит доменную ошибку движка в HTTP-ответ с кодом
// для программной обработки.
func writeEngineError(c *gin.Context, err error) {
	switch {
	case queue.IsValidation(err):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
	case queue.IsNotFound(err):
		c.JSON(http.StatusNotFound, response.ErrorResponse{
			Code:    "NOT_FOUND",
			Message: "Запись или кандидат не найдены",
			Details: err.Error(),
		})
	case queue.IsConflict(err):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    "CONFLICT",
			Message: "Операция конфликтует с текущим состоянием",
			Details: err.Error(),
		})
	case queue.IsBusinessRule(err):
		c.JSON(http.StatusUnprocessableEntity, response.ErrorResponse{
			Code:    "BUSINESS_RULE",
			Message: "Операция недопустима в текущем состоянии",
			Details: err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка хранилища",
			Details: err.Error(),
		})
	}
}
