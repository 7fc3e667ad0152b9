package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queue"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gorm — постоянное хранилище очереди поверх PostgreSQL. Гарантии
// конкурентности: назначение позиции под блокировкой строки максимума,
// переходы статусов — условным UPDATE с проверкой RowsAffected, журнальная
// запись создаётся в одной транзакции с изменением.
type Gorm struct {
	db *gorm.DB
	sf singleflight.Group
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (r *Gorm) GetClinic(ctx context.Context, id uint) (*models.Clinic, error) {
	var clinic models.Clinic
	if err := r.db.WithContext(ctx).First(&clinic, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &queue.NotFoundError{Entity: "клиника", ID: id}
		}
		return nil, &queue.DatabaseError{Operation: "get_clinic", Err: err}
	}
	return &clinic, nil
}

// GetSchedule загружает конфигурацию клиники и записи дня в порядке позиций.
// Параллельные чтения одного расписания схлопываются в один запрос.
func (r *Gorm) GetSchedule(ctx context.Context, clinicID, staffID uint, date time.Time) (*models.Clinic, []models.Appointment, error) {
	type scheduleResult struct {
		clinic  *models.Clinic
		entries []models.Appointment
	}
	key := fmt.Sprintf("%d:%d:%s", clinicID, staffID, date.Format("2006-01-02"))
	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		// Запрос разделяется несколькими вызывающими: отмена контекста
		// первого из них не должна ронять остальных.
		ctx := context.WithoutCancel(ctx)
		clinic, err := r.GetClinic(ctx, clinicID)
		if err != nil {
			return nil, err
		}
		var entries []models.Appointment
		if err := r.db.WithContext(ctx).
			Where("clinic_id = ? AND staff_id = ? AND scheduled_date = ?", clinicID, staffID, dateOnly(date)).
			Order("queue_position ASC").
			Find(&entries).Error; err != nil {
			return nil, &queue.DatabaseError{Operation: "get_schedule", Err: err}
		}
		return scheduleResult{clinic: clinic, entries: entries}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	res := v.(scheduleResult)
	return res.clinic, res.entries, nil
}

func (r *Gorm) GetEntry(ctx context.Context, id uint) (*models.Appointment, error) {
	var appt models.Appointment
	if err := r.db.WithContext(ctx).First(&appt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &queue.NotFoundError{Entity: "запись", ID: id}
		}
		return nil, &queue.DatabaseError{Operation: "get_entry", Err: err}
	}
	return &appt, nil
}

func (r *Gorm) CreateEntry(ctx context.Context, appt *models.Appointment) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pos, err := nextPositionTx(tx, appt.ClinicID, appt.ScheduledDate)
		if err != nil {
			return err
		}
		appt.QueuePosition = pos
		return tx.Create(appt).Error
	})
	if err != nil {
		return &queue.DatabaseError{Operation: "create_entry", Err: err}
	}
	return nil
}

func (r *Gorm) UpdateEntry(ctx context.Context, id uint, patch map[string]interface{}) (*models.Appointment, error) {
	res := r.db.WithContext(ctx).Model(&models.Appointment{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return nil, &queue.DatabaseError{Operation: "update_entry", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return nil, &queue.NotFoundError{Entity: "запись", ID: id}
	}
	return r.GetEntry(ctx, id)
}

func (r *Gorm) NextPosition(ctx context.Context, clinicID uint, date time.Time) (int, error) {
	var pos int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pos, err = nextPositionTx(tx, clinicID, date)
		return err
	})
	if err != nil {
		return 0, &queue.DatabaseError{Operation: "next_position", Err: err}
	}
	return pos, nil
}

// nextPositionTx выдаёт следующую позицию в области (клиника, день) под
// блокировкой строки текущего максимума — двум записям одна позиция не достанется.
func nextPositionTx(tx *gorm.DB, clinicID uint, date time.Time) (int, error) {
	var last models.Appointment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("clinic_id = ? AND scheduled_date = ?", clinicID, dateOnly(date)).
		Order("queue_position DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return last.QueuePosition + 1, nil
}

func (r *Gorm) CallEntry(ctx context.Context, id uint, calledAt time.Time, ov *models.QueueOverride) (*models.Appointment, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// CAS: запись, уже вызванная параллельным вызовом, второй раз не переходит.
		res := tx.Model(&models.Appointment{}).
			Where("id = ? AND status IN ?", id, []string{models.StatusScheduled, models.StatusWaiting}).
			Updates(map[string]interface{}{
				"status":            models.StatusInProgress,
				"actual_start_time": calledAt,
				"checked_in_at":     gorm.Expr("COALESCE(checked_in_at, ?)", calledAt),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &queue.ConflictError{
				AppointmentID: id, Operation: "call_next",
				Message: "запись уже вызвана или недоступна для вызова",
			}
		}
		return tx.Create(ov).Error
	})
	if err != nil {
		return nil, wrapTx("call_entry", err)
	}
	return r.GetEntry(ctx, id)
}

func (r *Gorm) MarkAbsent(ctx context.Context, id uint, patch map[string]interface{}, rec *models.AbsentPatient, ov *models.QueueOverride) (*models.Appointment, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Appointment{}).
			Where("id = ? AND status IN ?", id, []string{models.StatusScheduled, models.StatusWaiting}).
			Updates(patch)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &queue.ConflictError{
				AppointmentID: id, Operation: "mark_absent",
				Message: "запись изменена параллельной операцией",
			}
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		return tx.Create(ov).Error
	})
	if err != nil {
		return nil, wrapTx("mark_absent", err)
	}
	return r.GetEntry(ctx, id)
}

func (r *Gorm) MarkReturned(ctx context.Context, id uint, newPosition int, returnedAt time.Time, ov *models.QueueOverride) (*models.Appointment, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Appointment{}).
			Where("id = ? AND marked_absent_at IS NOT NULL AND returned_at IS NULL", id).
			Updates(map[string]interface{}{
				"queue_position": newPosition,
				"status":         models.StatusWaiting,
				"is_present":     true,
				"skip_reason":    nil,
				"returned_at":    returnedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &queue.ConflictError{
				AppointmentID: id, Operation: "mark_returned",
				Message: "окно отсутствия уже закрыто",
			}
		}
		if err := tx.Model(&models.AbsentPatient{}).
			Where("appointment_id = ? AND returned_at IS NULL", id).
			Update("returned_at", returnedAt).Error; err != nil {
			return err
		}
		return tx.Create(ov).Error
	})
	if err != nil {
		return nil, wrapTx("mark_returned", err)
	}
	return r.GetEntry(ctx, id)
}

func (r *Gorm) Reorder(ctx context.Context, id uint, newPosition int, ov *models.QueueOverride) (*models.Appointment, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var appt models.Appointment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&appt, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &queue.NotFoundError{Entity: "запись", ID: id}
			}
			return err
		}
		// Раздвигаем соседей, чтобы позиция осталась уникальной в области.
		if err := tx.Model(&models.Appointment{}).
			Where("clinic_id = ? AND scheduled_date = ? AND queue_position >= ? AND id <> ? AND status NOT IN ?",
				appt.ClinicID, appt.ScheduledDate, newPosition, id,
				[]string{models.StatusCompleted, models.StatusCancelled}).
			Update("queue_position", gorm.Expr("queue_position + 1")).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Appointment{}).
			Where("id = ?", id).
			Update("queue_position", newPosition).Error; err != nil {
			return err
		}
		return tx.Create(ov).Error
	})
	if err != nil {
		return nil, wrapTx("reorder", err)
	}
	return r.GetEntry(ctx, id)
}

func (r *Gorm) CancelAtomic(ctx context.Context, id uint, performer uint, reason string) (*models.Appointment, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var appt models.Appointment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&appt, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &queue.NotFoundError{Entity: "запись", ID: id}
			}
			return err
		}
		if appt.IsTerminal() {
			return &queue.BusinessRuleError{
				AppointmentID: id, Operation: "cancel", Status: appt.Status,
				Message: "запись уже в конечном статусе",
			}
		}
		if err := tx.Model(&models.Appointment{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":     models.StatusCancelled,
			"is_present": false,
		}).Error; err != nil {
			return err
		}
		// Уплотняем позиции активных записей после освободившейся.
		return tx.Model(&models.Appointment{}).
			Where("clinic_id = ? AND scheduled_date = ? AND queue_position > ? AND status NOT IN ?",
				appt.ClinicID, appt.ScheduledDate, appt.QueuePosition,
				[]string{models.StatusCompleted, models.StatusCancelled}).
			Update("queue_position", gorm.Expr("queue_position - 1")).Error
	})
	if err != nil {
		return nil, wrapTx("cancel", err)
	}
	return r.GetEntry(ctx, id)
}

func (r *Gorm) CompleteEntry(ctx context.Context, id uint, endedAt time.Time) (*models.Appointment, error) {
	res := r.db.WithContext(ctx).Model(&models.Appointment{}).
		Where("id = ? AND status <> ?", id, models.StatusCompleted).
		Updates(map[string]interface{}{
			"status":          models.StatusCompleted,
			"actual_end_time": endedAt,
		})
	if res.Error != nil {
		return nil, &queue.DatabaseError{Operation: "complete", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return nil, &queue.ConflictError{
			AppointmentID: id, Operation: "complete",
			Message: "приём уже завершён",
		}
	}
	return r.GetEntry(ctx, id)
}

func (r *Gorm) RecordActualTiming(ctx context.Context, id uint, waitMinutes, serviceMinutes int) error {
	err := r.db.WithContext(ctx).Model(&models.Appointment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"actual_wait_minutes":    waitMinutes,
			"actual_service_minutes": serviceMinutes,
		}).Error
	if err != nil {
		return &queue.DatabaseError{Operation: "record_actual_timing", Err: err}
	}
	return nil
}

func (r *Gorm) AddToWaitlist(ctx context.Context, entry *models.WaitlistEntry) error {
	entry.RequestedDate = dateOnly(entry.RequestedDate)
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return &queue.DatabaseError{Operation: "add_to_waitlist", Err: err}
	}
	return nil
}

func (r *Gorm) ListWaitlist(ctx context.Context, clinicID uint, date time.Time) ([]models.WaitlistEntry, error) {
	var entries []models.WaitlistEntry
	if err := r.db.WithContext(ctx).
		Where("clinic_id = ? AND requested_date = ? AND status = ?", clinicID, dateOnly(date), models.WaitlistWaiting).
		Order("priority_score DESC").
		Find(&entries).Error; err != nil {
		return nil, &queue.DatabaseError{Operation: "list_waitlist", Err: err}
	}
	return entries, nil
}

func (r *Gorm) PromoteWaitlist(ctx context.Context, waitlistID uint, appt *models.Appointment) (*models.Appointment, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// CAS по статусу: из двух параллельных продвижений выигрывает одно.
		res := tx.Model(&models.WaitlistEntry{}).
			Where("id = ? AND status = ?", waitlistID, models.WaitlistWaiting).
			Update("status", models.WaitlistPromoted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &queue.ConflictError{
				Operation: "promote_waitlist",
				Message:   "запись листа ожидания уже продвинута",
			}
		}
		pos, err := nextPositionTx(tx, appt.ClinicID, appt.ScheduledDate)
		if err != nil {
			return err
		}
		appt.QueuePosition = pos
		return tx.Create(appt).Error
	})
	if err != nil {
		return nil, wrapTx("promote_waitlist", err)
	}
	return appt, nil
}

func (r *Gorm) CancelWaitlist(ctx context.Context, waitlistID uint) error {
	res := r.db.WithContext(ctx).Model(&models.WaitlistEntry{}).
		Where("id = ? AND status = ?", waitlistID, models.WaitlistWaiting).
		Update("status", models.WaitlistCancelled)
	if res.Error != nil {
		return &queue.DatabaseError{Operation: "cancel_waitlist", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &queue.ConflictError{
			Operation: "cancel_waitlist",
			Message:   "запись листа ожидания уже закрыта",
		}
	}
	return nil
}

func (r *Gorm) ListExpiredAbsences(ctx context.Context, now time.Time) ([]models.AbsentPatient, error) {
	var recs []models.AbsentPatient
	if err := r.db.WithContext(ctx).
		Where("grace_period_ends_at < ? AND returned_at IS NULL AND notification_sent = ?", now, false).
		Find(&recs).Error; err != nil {
		return nil, &queue.DatabaseError{Operation: "list_expired_absences", Err: err}
	}
	return recs, nil
}

func (r *Gorm) MarkAbsenceNotified(ctx context.Context, absenceID uint) error {
	err := r.db.WithContext(ctx).Model(&models.AbsentPatient{}).
		Where("id = ?", absenceID).
		Update("notification_sent", true).Error
	if err != nil {
		return &queue.DatabaseError{Operation: "mark_absence_notified", Err: err}
	}
	return nil
}

func (r *Gorm) ExpireWaitlistBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.WaitlistEntry{}).
		Where("status = ? AND requested_date < ?", models.WaitlistWaiting, dateOnly(cutoff)).
		Update("status", models.WaitlistExpired)
	if res.Error != nil {
		return 0, &queue.DatabaseError{Operation: "expire_waitlist", Err: res.Error}
	}
	return res.RowsAffected, nil
}

// wrapTx сохраняет доменные ошибки и заворачивает прочие в DatabaseError.
func wrapTx(op string, err error) error {
	var conflict *queue.ConflictError
	var notFound *queue.NotFoundError
	var rule *queue.BusinessRuleError
	if errors.As(err, &conflict) || errors.As(err, &notFound) || errors.As(err, &rule) {
		return err
	}
	return &queue.DatabaseError{Operation: op, Err: err}
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
