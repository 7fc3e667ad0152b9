package queue

import (
	"context"
	"time"

	"clinicq/internal/models"
)

// Repository — контракт хранилища очереди. Реализация обязана гарантировать:
// позиции в рамках (клиника, врач, день) уникальны; переход call-next работает
// как compare-and-swap; журнальная запись QueueOverride фиксируется в одной
// транзакции с изменением, которое она документирует.
type Repository interface {
	GetClinic(ctx context.Context, id uint) (*models.Clinic, error)
	GetSchedule(ctx context.Context, clinicID, staffID uint, date time.Time) (*models.Clinic, []models.Appointment, error)
	GetEntry(ctx context.Context, id uint) (*models.Appointment, error)

	// CreateEntry сохраняет запись и назначает ей окончательную позицию.
	CreateEntry(ctx context.Context, appt *models.Appointment) error
	UpdateEntry(ctx context.Context, id uint, patch map[string]interface{}) (*models.Appointment, error)
	NextPosition(ctx context.Context, clinicID uint, date time.Time) (int, error)

	// CallEntry переводит запись в in_progress (CAS по статусу) и в той же
	// транзакции создаёт журнальную запись.
	CallEntry(ctx context.Context, id uint, calledAt time.Time, ov *models.QueueOverride) (*models.Appointment, error)
	MarkAbsent(ctx context.Context, id uint, patch map[string]interface{}, rec *models.AbsentPatient, ov *models.QueueOverride) (*models.Appointment, error)
	// MarkReturned назначает новую позицию, возвращает статус waiting,
	// закрывает окно отсутствия и запись AbsentPatient.
	MarkReturned(ctx context.Context, id uint, newPosition int, returnedAt time.Time, ov *models.QueueOverride) (*models.Appointment, error)
	// Reorder перемещает запись на новую позицию, раздвигая соседей,
	// чтобы позиции оставались уникальными.
	Reorder(ctx context.Context, id uint, newPosition int, ov *models.QueueOverride) (*models.Appointment, error)
	CancelAtomic(ctx context.Context, id uint, performer uint, reason string) (*models.Appointment, error)
	CompleteEntry(ctx context.Context, id uint, endedAt time.Time) (*models.Appointment, error)
	// RecordActualTiming сохраняет фактические ожидание и длительность приёма
	// как метки для обучения модели предсказания.
	RecordActualTiming(ctx context.Context, id uint, waitMinutes, serviceMinutes int) error

	AddToWaitlist(ctx context.Context, entry *models.WaitlistEntry) error
	ListWaitlist(ctx context.Context, clinicID uint, date time.Time) ([]models.WaitlistEntry, error)
	// PromoteWaitlist атомарно переводит запись листа ожидания в promoted
	// (CAS по статусу) и создаёт для неё запись в очереди.
	PromoteWaitlist(ctx context.Context, waitlistID uint, appt *models.Appointment) (*models.Appointment, error)
	// CancelWaitlist переводит ожидающую запись в cancelled (CAS по статусу).
	CancelWaitlist(ctx context.Context, waitlistID uint) error

	ListExpiredAbsences(ctx context.Context, now time.Time) ([]models.AbsentPatient, error)
	MarkAbsenceNotified(ctx context.Context, absenceID uint) error
	ExpireWaitlistBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
