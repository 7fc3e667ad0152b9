package queue

import "clinicq/internal/models"

// Типы доменных событий.
const (
	EventPatientAdded     = "patient_added"
	EventPatientCheckedIn = "patient_checked_in"
	EventPatientCalled    = "patient_called"
	EventPatientAbsent    = "patient_absent"
	EventPatientReturned  = "patient_returned"
	EventStatusChanged    = "status_changed"
	EventPositionChanged  = "position_changed"
	EventWaitlistPromoted = "waitlist_promoted"
	EventGraceExpired     = "grace_period_expired"
)

// Event — снимок записи плюс метаданные действия для подписчиков
// (обновление интерфейса, рассылка уведомлений).
type Event struct {
	Type     string                 `json:"event_type"`
	ClinicID uint                   `json:"clinic_id"`
	Entry    *models.Appointment    `json:"entry,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Publisher — внешний коллаборатор доставки событий. Публикация не должна
// блокировать операции движка и не возвращает ошибок (fire-and-forget).
type Publisher interface {
	Publish(e Event)
}
