package handlers

import (
	"net/http"
	"strconv"
	"time"

	"clinicq/internal/response"
	"clinicq/internal/waitlist"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// WaitlistHandlers — HTTP-обёртка над менеджером листа ожидания.
type WaitlistHandlers struct {
	Manager *waitlist.Manager
}

func NewWaitlistHandlers(m *waitlist.Manager) *WaitlistHandlers {
	return &WaitlistHandlers{Manager: m}
}

type AddWaitlistRequest struct {
	ClinicID      uint      `json:"clinic_id" binding:"required"`
	PatientID     *uint     `json:"patient_id"`
	Guest         bool      `json:"guest"` // true — создать гостевой токен
	RequestedDate time.Time `json:"requested_date" binding:"required"`
	PriorityScore float64   `json:"priority_score"`
}

// @Summary		Постановка в лист ожидания
// @Description	Добавляет пациента или гостя в лист ожидания клиники
// @Tags			waitlist
// @Accept			json
// @Produce		json
// @Param			body	body		AddWaitlistRequest	true	"Данные записи"
// @Security		BearerAuth
// @Success		201	{object}	response.WaitlistEntryResponse	"Созданная запись листа ожидания"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Router			/api/waitlist [post]
func (h *WaitlistHandlers) Add(c *gin.Context) {
	var req AddWaitlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	in := waitlist.AddInput{
		ClinicID:      req.ClinicID,
		PatientID:     req.PatientID,
		RequestedDate: req.RequestedDate,
		PriorityScore: req.PriorityScore,
	}
	if req.Guest {
		token := uuid.NewString()
		in.GuestToken = &token
	}

	entry, err := h.Manager.Add(c.Request.Context(), in)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// @Summary		Просмотр листа ожидания
// @Description	Ожидающие по клинике и дню в порядке убывания приоритета
// @Tags			waitlist
// @Produce		json
// @Param			clinic_id	query		int		true	"ID клиники"
// @Param			date		query		string	true	"Дата в формате 2006-01-02"
// @Security		BearerAuth
// @Success		200	{array}		response.WaitlistEntryResponse	"Записи листа ожидания"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Router			/api/waitlist [get]
func (h *WaitlistHandlers) List(c *gin.Context) {
	clinicID, err1 := strconv.Atoi(c.Query("clinic_id"))
	date, err2 := time.Parse("2006-01-02", c.Query("date"))
	if err1 != nil || err2 != nil || clinicID < 1 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Нужны clinic_id и date (2006-01-02)",
		})
		return
	}

	entries, err := h.Manager.List(c.Request.Context(), uint(clinicID), date)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// @Summary		Снятие с листа ожидания
// @Description	Переводит ожидающую запись листа ожидания в cancelled
// @Tags			waitlist
// @Produce		json
// @Param			id	path		string	true	"ID записи листа ожидания"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Запись снята"
// @Failure		409	{object}	response.ErrorResponse	"Запись уже закрыта (CONFLICT)"
// @Router			/api/waitlist/{id}/cancel [post]
func (h *WaitlistHandlers) Cancel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.Manager.Cancel(c.Request.Context(), id); err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Запись снята с листа ожидания"})
}

type PromoteRequest struct {
	ClinicID uint      `json:"clinic_id" binding:"required"`
	StaffID  uint      `json:"staff_id" binding:"required"`
	Date     time.Time `json:"date" binding:"required"`
}

// @Summary		Продвижение из листа ожидания
// @Description	Занимает свободное окно расписания записью листа ожидания
// @Tags			waitlist
// @Accept			json
// @Produce		json
// @Param			id		path		string			true	"ID записи листа ожидания"
// @Param			body	body		PromoteRequest	true	"Область поиска окна"
// @Security		BearerAuth
// @Success		200	{object}	response.AppointmentResponse	"Созданная запись очереди"
// @Failure		404	{object}	response.ErrorResponse	"Свободного окна нет (NOT_FOUND)"
// @Failure		409	{object}	response.ErrorResponse	"Запись уже продвинута (CONFLICT)"
// @Router			/api/waitlist/{id}/promote [post]
func (h *WaitlistHandlers) Promote(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req PromoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	gap, err := h.Manager.FindGap(c.Request.Context(), req.ClinicID, req.StaffID, req.Date)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	appt, err := h.Manager.Promote(c.Request.Context(), id, gap, c.GetUint("staffID"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}
