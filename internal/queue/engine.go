package queue

import (
	"context"
	"log"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/strategy"
)

// DefaultGracePeriod — льготный период отсутствия по умолчанию.
const DefaultGracePeriod = 15 * time.Minute

// Engine — оркестратор жизненного цикла записей очереди. Решение «кто
// следующий» делегируется стратегии клиники, атомарность — репозиторию,
// события уходят подписчикам fire-and-forget.
type Engine struct {
	repo   Repository
	events Publisher
	now    func() time.Time
}

// Option настраивает Engine при создании.
type Option func(*Engine)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(repo Repository, events Publisher, opts ...Option) *Engine {
	e := &Engine{repo: repo, events: events, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateAppointmentInput — данные создания записи. Пациент указывается либо
// PatientID, либо GuestToken — строго одно из двух.
type CreateAppointmentInput struct {
	ClinicID      uint
	StaffID       uint
	PatientID     *uint
	GuestToken    *string
	ScheduledDate time.Time
	StartTime     *time.Time
	EndTime       *time.Time
	IsWalkIn      bool
	PriorityScore *float64
}

// CallContext — область вызова: кто, для какого врача и на какой день.
type CallContext struct {
	ClinicID    uint
	StaffID     uint
	Date        time.Time
	PerformedBy uint
}

// MarkAbsentInput — параметры пометки отсутствия.
type MarkAbsentInput struct {
	AppointmentID uint
	PerformedBy   uint
	Reason        string
	GraceMinutes  *int // nil — берётся настройка клиники
	AutoCancel    bool
}

// ReorderInput — параметры ручного перемещения в очереди.
type ReorderInput struct {
	AppointmentID uint
	NewPosition   int
	PerformedBy   uint
	Reason        string
}

// CreateAppointment создаёт запись. Требует конкретное время начала и конца;
// не-walk-in запись с началом в прошлом отклоняется. Позицию назначает
// репозиторий.
func (e *Engine) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*models.Appointment, error) {
	if in.StartTime == nil || in.EndTime == nil {
		return nil, &ValidationError{Field: "start_time/end_time", Message: "время приёма обязательно"}
	}
	if !in.EndTime.After(*in.StartTime) {
		return nil, &ValidationError{Field: "end_time", Message: "окончание должно быть позже начала"}
	}
	if (in.PatientID == nil) == (in.GuestToken == nil) {
		return nil, &ValidationError{Field: "patient", Message: "укажите либо пациента, либо гостевой токен"}
	}
	if !in.IsWalkIn && in.StartTime.Before(e.now()) {
		return nil, &ValidationError{Field: "start_time", Message: "время начала уже прошло"}
	}

	appt := &models.Appointment{
		ClinicID:      in.ClinicID,
		StaffID:       in.StaffID,
		PatientID:     in.PatientID,
		GuestToken:    in.GuestToken,
		ScheduledDate: dateOnly(in.ScheduledDate),
		StartTime:     in.StartTime,
		EndTime:       in.EndTime,
		IsWalkIn:      in.IsWalkIn,
		PriorityScore: in.PriorityScore,
		Status:        models.StatusScheduled,
	}
	if err := e.repo.CreateEntry(ctx, appt); err != nil {
		return nil, err
	}

	e.events.Publish(Event{
		Type:     EventPatientAdded,
		ClinicID: appt.ClinicID,
		Entry:    appt,
		Data:     map[string]interface{}{"position": appt.QueuePosition},
	})
	return appt, nil
}

// CheckInPatient отмечает прибытие пациента: присутствует и ожидает вызова.
func (e *Engine) CheckInPatient(ctx context.Context, id uint) (*models.Appointment, error) {
	appt, err := e.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.IsTerminal() {
		return nil, &BusinessRuleError{
			AppointmentID: id, Operation: "check_in", Status: appt.Status,
			Message: "запись в конечном статусе",
		}
	}

	patch := map[string]interface{}{
		"is_present": true,
		"status":     models.StatusWaiting,
	}
	if appt.CheckedInAt == nil {
		patch["checked_in_at"] = e.now()
	}
	appt, err = e.repo.UpdateEntry(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	e.events.Publish(Event{Type: EventPatientCheckedIn, ClinicID: appt.ClinicID, Entry: appt})
	return appt, nil
}

// CallNextPatient выбирает следующего пациента по стратегии клиники и
// переводит его в in_progress. Если кандидата нет — NotFoundError;
// повторный вызов остаётся на усмотрение вызывающего, движок не ретраит.
func (e *Engine) CallNextPatient(ctx context.Context, cc CallContext) (*models.Appointment, error) {
	clinic, entries, err := e.repo.GetSchedule(ctx, cc.ClinicID, cc.StaffID, cc.Date)
	if err != nil {
		return nil, err
	}

	snap := strategy.Snapshot{
		Now:             e.now(),
		Entries:         entries,
		WaitlistEnabled: clinic.WaitlistEnabled,
	}
	if clinic.WaitlistEnabled {
		wl, err := e.repo.ListWaitlist(ctx, cc.ClinicID, cc.Date)
		if err != nil {
			return nil, err
		}
		snap.Waitlist = wl
	}

	cand := strategy.ForMode(clinic.OperatingMode).NextCandidate(snap)
	if cand == nil {
		return nil, &NotFoundError{Entity: "кандидат на вызов"}
	}

	target := cand.Entry
	if cand.Waitlist != nil {
		// Окно заполняется из листа ожидания: продвижение и вызов.
		target, err = e.promoteIntoGap(ctx, cc, cand)
		if err != nil {
			return nil, err
		}
	}

	now := e.now()
	appt, err := e.repo.CallEntry(ctx, target.ID, now, &models.QueueOverride{
		ClinicID:         cc.ClinicID,
		AppointmentID:    target.ID,
		Action:           models.OverrideCallPresent,
		PerformedBy:      cc.PerformedBy,
		Reason:           "вызов следующего пациента",
		PreviousPosition: target.QueuePosition,
		NewPosition:      target.QueuePosition,
	})
	if err != nil {
		return nil, err
	}

	e.events.Publish(Event{
		Type:     EventPatientCalled,
		ClinicID: appt.ClinicID,
		Entry:    appt,
		Data:     map[string]interface{}{"performed_by": cc.PerformedBy},
	})
	return appt, nil
}

// promoteIntoGap атомарно превращает запись листа ожидания в запись очереди
// с временным окном освободившегося слота.
func (e *Engine) promoteIntoGap(ctx context.Context, cc CallContext, cand *strategy.Candidate) (*models.Appointment, error) {
	appt := &models.Appointment{
		ClinicID:      cc.ClinicID,
		StaffID:       cc.StaffID,
		PatientID:     cand.Waitlist.PatientID,
		GuestToken:    cand.Waitlist.GuestToken,
		ScheduledDate: dateOnly(cc.Date),
		StartTime:     cand.GapSlot.StartTime,
		EndTime:       cand.GapSlot.EndTime,
		Status:        models.StatusWaiting,
		IsPresent:     true,
		PriorityScore: &cand.Waitlist.PriorityScore,
	}
	promoted, err := e.repo.PromoteWaitlist(ctx, cand.Waitlist.ID, appt)
	if err != nil {
		return nil, err
	}

	e.events.Publish(Event{
		Type:     EventWaitlistPromoted,
		ClinicID: promoted.ClinicID,
		Entry:    promoted,
		Data: map[string]interface{}{
			"waitlist_id":  cand.Waitlist.ID,
			"gap_slot_id":  cand.GapSlot.ID,
			"performed_by": cc.PerformedBy,
		},
	})
	return promoted, nil
}

// MarkPatientAbsent открывает окно отсутствия с льготным периодом.
func (e *Engine) MarkPatientAbsent(ctx context.Context, in MarkAbsentInput) (*models.Appointment, error) {
	appt, err := e.repo.GetEntry(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	if appt.IsTerminal() {
		return nil, &BusinessRuleError{
			AppointmentID: appt.ID, Operation: "mark_absent", Status: appt.Status,
			Message: "запись в конечном статусе",
		}
	}
	if appt.Status != models.StatusScheduled && appt.Status != models.StatusWaiting {
		return nil, &BusinessRuleError{
			AppointmentID: appt.ID, Operation: "mark_absent", Status: appt.Status,
			Message: "отсутствие допустимо только до вызова",
		}
	}
	if appt.InAbsenceWindow() {
		return nil, &ConflictError{
			AppointmentID: appt.ID, Operation: "mark_absent",
			Message: "окно отсутствия уже открыто",
		}
	}

	grace := DefaultGracePeriod
	if in.GraceMinutes != nil {
		grace = time.Duration(*in.GraceMinutes) * time.Minute
	} else if clinic, err := e.repo.GetClinic(ctx, appt.ClinicID); err != nil {
		log.Println("Не удалось получить настройки клиники, льготный период по умолчанию:", err)
	} else if clinic.GracePeriodMinutes > 0 {
		grace = time.Duration(clinic.GracePeriodMinutes) * time.Minute
	}

	now := e.now()
	deadline := now.Add(grace)
	patch := map[string]interface{}{
		"is_present":       false,
		"skip_reason":      models.SkipPatientAbsent,
		"marked_absent_at": now,
		"returned_at":      nil,
		"skip_count":       appt.SkipCount + 1,
	}
	rec := &models.AbsentPatient{
		AppointmentID:     appt.ID,
		MarkedAbsentAt:    now,
		GracePeriodEndsAt: deadline,
		AutoCancel:        in.AutoCancel,
	}
	appt, err = e.repo.MarkAbsent(ctx, appt.ID, patch, rec, &models.QueueOverride{
		ClinicID:         appt.ClinicID,
		AppointmentID:    appt.ID,
		Action:           models.OverrideMarkAbsent,
		PerformedBy:      in.PerformedBy,
		Reason:           in.Reason,
		PreviousPosition: appt.QueuePosition,
		NewPosition:      appt.QueuePosition,
	})
	if err != nil {
		return nil, err
	}

	e.events.Publish(Event{
		Type:     EventPatientAbsent,
		ClinicID: appt.ClinicID,
		Entry:    appt,
		Data: map[string]interface{}{
			"grace_period_ends_at": deadline,
			"performed_by":         in.PerformedBy,
		},
	})
	return appt, nil
}

// MarkPatientReturned закрывает окно отсутствия: пациент получает новую
// позицию (исходная никогда не переиспользуется) и статус waiting.
func (e *Engine) MarkPatientReturned(ctx context.Context, id uint, performer uint) (*models.Appointment, error) {
	appt, err := e.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.InAbsenceWindow() {
		return nil, &BusinessRuleError{
			AppointmentID: appt.ID, Operation: "mark_returned", Status: appt.Status,
			Message: "открытого окна отсутствия нет",
		}
	}

	newPos, err := e.repo.NextPosition(ctx, appt.ClinicID, appt.ScheduledDate)
	if err != nil {
		return nil, err
	}

	oldPos := appt.QueuePosition
	appt, err = e.repo.MarkReturned(ctx, appt.ID, newPos, e.now(), &models.QueueOverride{
		ClinicID:         appt.ClinicID,
		AppointmentID:    appt.ID,
		Action:           models.OverrideLateArrival,
		PerformedBy:      performer,
		Reason:           "возвращение после отсутствия",
		PreviousPosition: oldPos,
		NewPosition:      newPos,
	})
	if err != nil {
		return nil, err
	}

	e.events.Publish(Event{
		Type:     EventPatientReturned,
		ClinicID: appt.ClinicID,
		Entry:    appt,
		Data: map[string]interface{}{
			"previous_position": oldPos,
			"new_position":      newPos,
			"performed_by":      performer,
		},
	})
	return appt, nil
}

// CompleteAppointment завершает приём и best-effort записывает фактические
// ожидание и длительность как метки для модели предсказания: сбой записи
// меток логируется, но завершение не срывает.
func (e *Engine) CompleteAppointment(ctx context.Context, id uint, performer uint) (*models.Appointment, error) {
	appt, err := e.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status == models.StatusCompleted {
		return nil, &ConflictError{
			AppointmentID: appt.ID, Operation: "complete",
			Message: "приём уже завершён",
		}
	}
	if appt.Status == models.StatusCancelled {
		return nil, &BusinessRuleError{
			AppointmentID: appt.ID, Operation: "complete", Status: appt.Status,
			Message: "нельзя завершить отменённую запись",
		}
	}

	now := e.now()
	appt, err = e.repo.CompleteEntry(ctx, appt.ID, now)
	if err != nil {
		return nil, err
	}

	if appt.CheckedInAt != nil {
		ref := appt.ScheduledDate
		if appt.StartTime != nil {
			ref = *appt.StartTime
		}
		wait := int(appt.CheckedInAt.Sub(ref).Minutes())
		if wait < 0 {
			wait = 0
		}
		service := int(now.Sub(*appt.CheckedInAt).Minutes())
		if err := e.repo.RecordActualTiming(ctx, appt.ID, wait, service); err != nil {
			log.Println("Ошибка записи фактических меток времени:", err)
		}
	}

	e.events.Publish(Event{
		Type:     EventStatusChanged,
		ClinicID: appt.ClinicID,
		Entry:    appt,
		Data:     map[string]interface{}{"performed_by": performer},
	})
	return appt, nil
}

// ReorderQueue перемещает запись на новую позицию. Перемещение на ту же
// позицию — успех без изменений и без журнальной записи.
func (e *Engine) ReorderQueue(ctx context.Context, in ReorderInput) (*models.Appointment, error) {
	if in.NewPosition < 1 {
		return nil, &ValidationError{Field: "new_position", Message: "позиция должна быть не меньше 1"}
	}
	appt, err := e.repo.GetEntry(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	if appt.IsTerminal() {
		return nil, &BusinessRuleError{
			AppointmentID: appt.ID, Operation: "reorder", Status: appt.Status,
			Message: "запись в конечном статусе",
		}
	}
	if appt.QueuePosition == in.NewPosition {
		return appt, nil
	}

	oldPos := appt.QueuePosition
	appt, err = e.repo.Reorder(ctx, appt.ID, in.NewPosition, &models.QueueOverride{
		ClinicID:         appt.ClinicID,
		AppointmentID:    appt.ID,
		Action:           models.OverrideReorder,
		PerformedBy:      in.PerformedBy,
		Reason:           in.Reason,
		PreviousPosition: oldPos,
		NewPosition:      in.NewPosition,
	})
	if err != nil {
		return nil, err
	}

	e.events.Publish(Event{
		Type:     EventPositionChanged,
		ClinicID: appt.ClinicID,
		Entry:    appt,
		Data: map[string]interface{}{
			"previous_position": oldPos,
			"new_position":      appt.QueuePosition,
			"performed_by":      in.PerformedBy,
		},
	})
	return appt, nil
}

// FlagEmergency поднимает запись в начало очереди с журнальной записью emergency.
func (e *Engine) FlagEmergency(ctx context.Context, id uint, performer uint, reason string) (*models.Appointment, error) {
	appt, err := e.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.IsTerminal() {
		return nil, &BusinessRuleError{
			AppointmentID: appt.ID, Operation: "emergency", Status: appt.Status,
			Message: "запись в конечном статусе",
		}
	}

	oldPos := appt.QueuePosition
	appt, err = e.repo.Reorder(ctx, appt.ID, 1, &models.QueueOverride{
		ClinicID:         appt.ClinicID,
		AppointmentID:    appt.ID,
		Action:           models.OverrideEmergency,
		PerformedBy:      performer,
		Reason:           reason,
		PreviousPosition: oldPos,
		NewPosition:      1,
	})
	if err != nil {
		return nil, err
	}

	e.events.Publish(Event{
		Type:     EventPositionChanged,
		ClinicID: appt.ClinicID,
		Entry:    appt,
		Data: map[string]interface{}{
			"previous_position": oldPos,
			"new_position":      1,
			"performed_by":      performer,
			"emergency":         true,
		},
	})
	return appt, nil
}

// CancelAppointment переводит запись в конечный статус cancelled. Само
// изменение выполняет атомарная операция репозитория, чтобы уплотнение
// позиций и история остались согласованными.
func (e *Engine) CancelAppointment(ctx context.Context, id uint, performer uint, reason string) (*models.Appointment, error) {
	appt, err := e.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.IsTerminal() {
		return nil, &BusinessRuleError{
			AppointmentID: appt.ID, Operation: "cancel", Status: appt.Status,
			Message: "запись уже в конечном статусе",
		}
	}

	appt, err = e.repo.CancelAtomic(ctx, id, performer, reason)
	if err != nil {
		return nil, err
	}

	e.events.Publish(Event{
		Type:     EventStatusChanged,
		ClinicID: appt.ClinicID,
		Entry:    appt,
		Data: map[string]interface{}{
			"performed_by": performer,
			"reason":       reason,
		},
	})
	return appt, nil
}

// HandleLateArrival применяет решение стратегии к опоздавшему пациенту:
// вставка в окно, перевод в лист ожидания, отказ либо ничего.
func (e *Engine) HandleLateArrival(ctx context.Context, id uint, performer uint) (strategy.Decision, error) {
	appt, err := e.repo.GetEntry(ctx, id)
	if err != nil {
		return strategy.Decision{}, err
	}
	if appt.IsTerminal() {
		return strategy.Decision{}, &BusinessRuleError{
			AppointmentID: appt.ID, Operation: "late_arrival", Status: appt.Status,
			Message: "запись в конечном статусе",
		}
	}

	clinic, entries, err := e.repo.GetSchedule(ctx, appt.ClinicID, appt.StaffID, appt.ScheduledDate)
	if err != nil {
		return strategy.Decision{}, err
	}
	snap := strategy.Snapshot{
		Now:             e.now(),
		Entries:         entries,
		WaitlistEnabled: clinic.WaitlistEnabled,
	}
	d := strategy.ForMode(clinic.OperatingMode).HandleLateArrival(appt, snap)

	switch d.Action {
	case strategy.ActionInsert:
		target := d.TargetPosition
		if target < 1 {
			// Стратегия не назвала позицию — в конец очереди.
			if target, err = e.repo.NextPosition(ctx, appt.ClinicID, appt.ScheduledDate); err != nil {
				return d, err
			}
		}
		// Пометка пропуска снимается: пациент снова доступен для вызова.
		patch := map[string]interface{}{"is_present": true, "skip_reason": nil}
		if d.PriorityDelta != 0 {
			patch["priority_score"] = scoreOf(appt) + d.PriorityDelta
		}
		if _, err := e.repo.UpdateEntry(ctx, appt.ID, patch); err != nil {
			return d, err
		}
		oldPos := appt.QueuePosition
		appt, err = e.repo.Reorder(ctx, appt.ID, target, &models.QueueOverride{
			ClinicID:         appt.ClinicID,
			AppointmentID:    appt.ID,
			Action:           models.OverrideLateArrival,
			PerformedBy:      performer,
			Reason:           d.Reason,
			PreviousPosition: oldPos,
			NewPosition:      target,
		})
		if err != nil {
			return d, err
		}
		e.events.Publish(Event{
			Type:     EventPositionChanged,
			ClinicID: appt.ClinicID,
			Entry:    appt,
			Data: map[string]interface{}{
				"previous_position": oldPos,
				"new_position":      appt.QueuePosition,
				"performed_by":      performer,
			},
		})
	case strategy.ActionWaitlist:
		wl := &models.WaitlistEntry{
			ClinicID:      appt.ClinicID,
			PatientID:     appt.PatientID,
			GuestToken:    appt.GuestToken,
			RequestedDate: appt.ScheduledDate,
			PriorityScore: d.WaitlistPriority,
			Status:        models.WaitlistWaiting,
		}
		if err := e.repo.AddToWaitlist(ctx, wl); err != nil {
			return d, err
		}
		if _, err := e.repo.UpdateEntry(ctx, appt.ID, map[string]interface{}{
			"status":      models.StatusRescheduled,
			"skip_reason": models.SkipLateArrival,
		}); err != nil {
			return d, err
		}
		e.events.Publish(Event{
			Type:     EventStatusChanged,
			ClinicID: appt.ClinicID,
			Entry:    appt,
			Data: map[string]interface{}{
				"waitlist_id":  wl.ID,
				"performed_by": performer,
			},
		})
	case strategy.ActionReject:
		return d, &BusinessRuleError{
			AppointmentID: appt.ID, Operation: "late_arrival", Status: appt.Status,
			Message: d.Reason,
		}
	}
	return d, nil
}

func scoreOf(a *models.Appointment) float64 {
	if a.PriorityScore == nil {
		return 0
	}
	return *a.PriorityScore
}

// dateOnly обнуляет время, оставляя день.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
