package handlers

import (
	"net/http"
	"strconv"
	"time"

	"clinicq/internal/queue"
	"clinicq/internal/response"

	"github.com/gin-gonic/gin"
)

// ScheduleHandlers отдаёт расписание дня для табло и рабочего места врача.
type ScheduleHandlers struct {
	Repo queue.Repository
}

func NewScheduleHandlers(repo queue.Repository) *ScheduleHandlers {
	return &ScheduleHandlers{Repo: repo}
}

// ScheduleResponse — состояние очереди дня: режим клиники и записи
// в порядке позиций.
type ScheduleResponse struct {
	ClinicID        uint        `json:"clinic_id"`
	StaffID         uint        `json:"staff_id"`
	Date            string      `json:"date"`
	OperatingMode   string      `json:"operating_mode"`
	WaitlistEnabled bool        `json:"waitlist_enabled"`
	Entries         interface{} `json:"entries"`
}

// @Summary		Расписание дня
// @Description	Возвращает режим клиники и записи очереди в порядке позиций
// @Tags			queue
// @Produce		json
// @Param			clinic_id	query		int		true	"ID клиники"
// @Param			staff_id	query		int		true	"ID врача"
// @Param			date		query		string	true	"Дата в формате 2006-01-02"
// @Security		BearerAuth
// @Success		200	{object}	ScheduleResponse	"Расписание дня"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		404	{object}	response.ErrorResponse	"Клиника не найдена (NOT_FOUND)"
// @Router			/api/queues/schedule [get]
func (h *ScheduleHandlers) GetSchedule(c *gin.Context) {
	clinicID, err1 := strconv.Atoi(c.Query("clinic_id"))
	staffID, err2 := strconv.Atoi(c.Query("staff_id"))
	date, err3 := time.Parse("2006-01-02", c.Query("date"))
	if err1 != nil || err2 != nil || err3 != nil || clinicID < 1 || staffID < 1 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Нужны clinic_id, staff_id и date (2006-01-02)",
		})
		return
	}

	clinic, entries, err := h.Repo.GetSchedule(c.Request.Context(), uint(clinicID), uint(staffID), date)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, ScheduleResponse{
		ClinicID:        clinic.ID,
		StaffID:         uint(staffID),
		Date:            date.Format("2006-01-02"),
		OperatingMode:   clinic.OperatingMode,
		WaitlistEnabled: clinic.WaitlistEnabled,
		Entries:         entries,
	})
}
