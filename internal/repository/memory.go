package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queue"
)

// Memory — хранилище очереди в памяти с теми же гарантиями, что и Gorm,
// только под одним мьютексом. Используется тестами и локальными запусками
// без PostgreSQL.
type Memory struct {
	mu           sync.Mutex
	clinics      map[uint]*models.Clinic
	appointments map[uint]*models.Appointment
	waitlist     map[uint]*models.WaitlistEntry
	absences     map[uint]*models.AbsentPatient
	overrides    []models.QueueOverride
	nextID       uint
}

func NewMemory() *Memory {
	return &Memory{
		clinics:      make(map[uint]*models.Clinic),
		appointments: make(map[uint]*models.Appointment),
		waitlist:     make(map[uint]*models.WaitlistEntry),
		absences:     make(map[uint]*models.AbsentPatient),
		nextID:       1,
	}
}

// SeedClinic регистрирует клинику (тестовая настройка).
func (m *Memory) SeedClinic(c *models.Clinic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.nextID
		m.nextID++
	}
	m.clinics[c.ID] = c
}

// Overrides возвращает копию журнала вмешательств (для проверок в тестах).
func (m *Memory) Overrides() []models.QueueOverride {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.QueueOverride, len(m.overrides))
	copy(out, m.overrides)
	return out
}

// Absences возвращает копию записей отсутствия (для проверок в тестах).
func (m *Memory) Absences() []models.AbsentPatient {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AbsentPatient, 0, len(m.absences))
	for _, rec := range m.absences {
		out = append(out, *rec)
	}
	return out
}

func (m *Memory) GetClinic(ctx context.Context, id uint) (*models.Clinic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clinics[id]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "клиника", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) GetSchedule(ctx context.Context, clinicID, staffID uint, date time.Time) (*models.Clinic, []models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clinics[clinicID]
	if !ok {
		return nil, nil, &queue.NotFoundError{Entity: "клиника", ID: clinicID}
	}
	day := dateOnly(date)
	var entries []models.Appointment
	for _, a := range m.appointments {
		if a.ClinicID == clinicID && a.StaffID == staffID && a.ScheduledDate.Equal(day) {
			entries = append(entries, *a)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QueuePosition < entries[j].QueuePosition
	})
	cp := *c
	return &cp, entries, nil
}

func (m *Memory) GetEntry(ctx context.Context, id uint) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id uint) (*models.Appointment, error) {
	a, ok := m.appointments[id]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "запись", ID: id}
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) CreateEntry(ctx context.Context, appt *models.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	appt.ID = m.nextID
	m.nextID++
	appt.QueuePosition = m.nextPositionLocked(appt.ClinicID, appt.ScheduledDate)
	cp := *appt
	m.appointments[appt.ID] = &cp
	return nil
}

func (m *Memory) UpdateEntry(ctx context.Context, id uint, patch map[string]interface{}) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "запись", ID: id}
	}
	applyPatch(a, patch)
	cp := *a
	return &cp, nil
}

func (m *Memory) NextPosition(ctx context.Context, clinicID uint, date time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextPositionLocked(clinicID, date), nil
}

func (m *Memory) nextPositionLocked(clinicID uint, date time.Time) int {
	day := dateOnly(date)
	max := 0
	for _, a := range m.appointments {
		if a.ClinicID == clinicID && a.ScheduledDate.Equal(day) && a.QueuePosition > max {
			max = a.QueuePosition
		}
	}
	return max + 1
}

func (m *Memory) CallEntry(ctx context.Context, id uint, calledAt time.Time, ov *models.QueueOverride) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "запись", ID: id}
	}
	if a.Status != models.StatusScheduled && a.Status != models.StatusWaiting {
		return nil, &queue.ConflictError{
			AppointmentID: id, Operation: "call_next",
			Message: "запись уже вызвана или недоступна для вызова",
		}
	}
	a.Status = models.StatusInProgress
	t := calledAt
	a.ActualStartTime = &t
	if a.CheckedInAt == nil {
		a.CheckedInAt = &t
	}
	m.appendOverrideLocked(ov)
	cp := *a
	return &cp, nil
}

func (m *Memory) MarkAbsent(ctx context.Context, id uint, patch map[string]interface{}, rec *models.AbsentPatient, ov *models.QueueOverride) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "запись", ID: id}
	}
	if a.Status != models.StatusScheduled && a.Status != models.StatusWaiting {
		return nil, &queue.ConflictError{
			AppointmentID: id, Operation: "mark_absent",
			Message: "запись изменена параллельной операцией",
		}
	}
	applyPatch(a, patch)
	rec.ID = m.nextID
	m.nextID++
	cp := *rec
	m.absences[rec.ID] = &cp
	m.appendOverrideLocked(ov)
	out := *a
	return &out, nil
}

func (m *Memory) MarkReturned(ctx context.Context, id uint, newPosition int, returnedAt time.Time, ov *models.QueueOverride) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "запись", ID: id}
	}
	if !a.InAbsenceWindow() {
		return nil, &queue.ConflictError{
			AppointmentID: id, Operation: "mark_returned",
			Message: "окно отсутствия уже закрыто",
		}
	}
	t := returnedAt
	a.QueuePosition = newPosition
	a.Status = models.StatusWaiting
	a.IsPresent = true
	a.SkipReason = nil
	a.ReturnedAt = &t
	for _, rec := range m.absences {
		if rec.AppointmentID == id && rec.ReturnedAt == nil {
			rec.ReturnedAt = &t
		}
	}
	m.appendOverrideLocked(ov)
	cp := *a
	return &cp, nil
}

func (m *Memory) Reorder(ctx context.Context, id uint, newPosition int, ov *models.QueueOverride) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "запись", ID: id}
	}
	for _, other := range m.appointments {
		if other.ID == id || other.IsTerminal() {
			continue
		}
		if other.ClinicID == a.ClinicID && other.ScheduledDate.Equal(a.ScheduledDate) && other.QueuePosition >= newPosition {
			other.QueuePosition++
		}
	}
	a.QueuePosition = newPosition
	m.appendOverrideLocked(ov)
	cp := *a
	return &cp, nil
}

func (m *Memory) CancelAtomic(ctx context.Context, id uint, performer uint, reason string) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "запись", ID: id}
	}
	if a.IsTerminal() {
		return nil, &queue.BusinessRuleError{
			AppointmentID: id, Operation: "cancel", Status: a.Status,
			Message: "запись уже в конечном статусе",
		}
	}
	freed := a.QueuePosition
	a.Status = models.StatusCancelled
	a.IsPresent = false
	for _, other := range m.appointments {
		if other.ID == id || other.IsTerminal() {
			continue
		}
		if other.ClinicID == a.ClinicID && other.ScheduledDate.Equal(a.ScheduledDate) && other.QueuePosition > freed {
			other.QueuePosition--
		}
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) CompleteEntry(ctx context.Context, id uint, endedAt time.Time) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "запись", ID: id}
	}
	if a.Status == models.StatusCompleted {
		return nil, &queue.ConflictError{
			AppointmentID: id, Operation: "complete",
			Message: "приём уже завершён",
		}
	}
	t := endedAt
	a.Status = models.StatusCompleted
	a.ActualEndTime = &t
	cp := *a
	return &cp, nil
}

func (m *Memory) RecordActualTiming(ctx context.Context, id uint, waitMinutes, serviceMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return &queue.NotFoundError{Entity: "запись", ID: id}
	}
	w, s := waitMinutes, serviceMinutes
	a.ActualWaitMinutes = &w
	a.ActualServiceMinutes = &s
	return nil
}

func (m *Memory) AddToWaitlist(ctx context.Context, entry *models.WaitlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.nextID
	m.nextID++
	entry.RequestedDate = dateOnly(entry.RequestedDate)
	if entry.Status == "" {
		entry.Status = models.WaitlistWaiting
	}
	cp := *entry
	m.waitlist[entry.ID] = &cp
	return nil
}

func (m *Memory) ListWaitlist(ctx context.Context, clinicID uint, date time.Time) ([]models.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := dateOnly(date)
	var out []models.WaitlistEntry
	for _, w := range m.waitlist {
		if w.ClinicID == clinicID && w.RequestedDate.Equal(day) && w.Status == models.WaitlistWaiting {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PriorityScore > out[j].PriorityScore
	})
	return out, nil
}

func (m *Memory) PromoteWaitlist(ctx context.Context, waitlistID uint, appt *models.Appointment) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waitlist[waitlistID]
	if !ok {
		return nil, &queue.NotFoundError{Entity: "запись листа ожидания", ID: waitlistID}
	}
	if w.Status != models.WaitlistWaiting {
		return nil, &queue.ConflictError{
			Operation: "promote_waitlist",
			Message:   "запись листа ожидания уже продвинута",
		}
	}
	w.Status = models.WaitlistPromoted
	appt.ID = m.nextID
	m.nextID++
	appt.QueuePosition = m.nextPositionLocked(appt.ClinicID, appt.ScheduledDate)
	cp := *appt
	m.appointments[appt.ID] = &cp
	return appt, nil
}

func (m *Memory) CancelWaitlist(ctx context.Context, waitlistID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waitlist[waitlistID]
	if !ok {
		return &queue.NotFoundError{Entity: "запись листа ожидания", ID: waitlistID}
	}
	if w.Status != models.WaitlistWaiting {
		return &queue.ConflictError{
			Operation: "cancel_waitlist",
			Message:   "запись листа ожидания уже закрыта",
		}
	}
	w.Status = models.WaitlistCancelled
	return nil
}

func (m *Memory) ListExpiredAbsences(ctx context.Context, now time.Time) ([]models.AbsentPatient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AbsentPatient
	for _, rec := range m.absences {
		if rec.ReturnedAt == nil && !rec.NotificationSent && rec.GracePeriodEndsAt.Before(now) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *Memory) MarkAbsenceNotified(ctx context.Context, absenceID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.absences[absenceID]
	if !ok {
		return &queue.NotFoundError{Entity: "запись отсутствия", ID: absenceID}
	}
	rec.NotificationSent = true
	return nil
}

func (m *Memory) ExpireWaitlistBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := dateOnly(cutoff)
	var n int64
	for _, w := range m.waitlist {
		if w.Status == models.WaitlistWaiting && w.RequestedDate.Before(day) {
			w.Status = models.WaitlistExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) appendOverrideLocked(ov *models.QueueOverride) {
	ov.ID = m.nextID
	m.nextID++
	m.overrides = append(m.overrides, *ov)
}

// applyPatch переносит значения map-патча в поля записи. Набор ключей
// ограничен теми, что использует движок.
func applyPatch(a *models.Appointment, patch map[string]interface{}) {
	for k, v := range patch {
		switch k {
		case "is_present":
			a.IsPresent = v.(bool)
		case "status":
			a.Status = v.(string)
		case "skip_reason":
			if v == nil {
				a.SkipReason = nil
			} else {
				s := v.(string)
				a.SkipReason = &s
			}
		case "skip_count":
			a.SkipCount = v.(int)
		case "checked_in_at":
			t := v.(time.Time)
			a.CheckedInAt = &t
		case "marked_absent_at":
			t := v.(time.Time)
			a.MarkedAbsentAt = &t
		case "returned_at":
			if v == nil {
				a.ReturnedAt = nil
			} else {
				t := v.(time.Time)
				a.ReturnedAt = &t
			}
		case "priority_score":
			f := v.(float64)
			a.PriorityScore = &f
		case "estimated_wait_minutes":
			n := v.(int)
			a.EstimatedWaitMinutes = &n
		case "prediction_mode":
			s := v.(string)
			a.PredictionMode = &s
		case "prediction_confidence":
			f := v.(float64)
			a.PredictionConfidence = &f
		}
	}
}
