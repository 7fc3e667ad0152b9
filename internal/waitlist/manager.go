package waitlist

import (
	"context"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queue"
	"clinicq/internal/strategy"
)

// Manager управляет листом ожидания: постановка, просмотр и продвижение
// записей в освободившиеся окна расписания.
type Manager struct {
	repo   queue.Repository
	events queue.Publisher
	now    func() time.Time
}

func NewManager(repo queue.Repository, events queue.Publisher) *Manager {
	return &Manager{repo: repo, events: events, now: time.Now}
}

// WithClock подменяет источник времени (для тестов).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// AddInput — данные постановки в лист ожидания.
type AddInput struct {
	ClinicID      uint
	PatientID     *uint
	GuestToken    *string
	RequestedDate time.Time
	PriorityScore float64
}

// Add ставит пациента в лист ожидания.
func (m *Manager) Add(ctx context.Context, in AddInput) (*models.WaitlistEntry, error) {
	if (in.PatientID == nil) == (in.GuestToken == nil) {
		return nil, &queue.ValidationError{Field: "patient", Message: "укажите либо пациента, либо гостевой токен"}
	}
	entry := &models.WaitlistEntry{
		ClinicID:      in.ClinicID,
		PatientID:     in.PatientID,
		GuestToken:    in.GuestToken,
		RequestedDate: in.RequestedDate,
		PriorityScore: in.PriorityScore,
		Status:        models.WaitlistWaiting,
	}
	if err := m.repo.AddToWaitlist(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// List возвращает ожидающих по клинике и дню в порядке убывания приоритета.
func (m *Manager) List(ctx context.Context, clinicID uint, date time.Time) ([]models.WaitlistEntry, error) {
	return m.repo.ListWaitlist(ctx, clinicID, date)
}

// Cancel снимает ожидающую запись с листа ожидания.
func (m *Manager) Cancel(ctx context.Context, waitlistID uint) error {
	return m.repo.CancelWaitlist(ctx, waitlistID)
}

// FindGap ищет окно в расписании врача: слот, чьё время наступило,
// а пациент не присутствует.
func (m *Manager) FindGap(ctx context.Context, clinicID, staffID uint, date time.Time) (*models.Appointment, error) {
	_, entries, err := m.repo.GetSchedule(ctx, clinicID, staffID, date)
	if err != nil {
		return nil, err
	}
	return strategy.FindGap(entries, m.now()), nil
}

// Promote продвигает запись листа ожидания в указанное окно: создаёт запись
// очереди с временным окном слота. Продвижение атомарно относительно
// параллельных попыток занять тот же слот — из двух выигрывает одна.
func (m *Manager) Promote(ctx context.Context, waitlistID uint, gap *models.Appointment, performer uint) (*models.Appointment, error) {
	if gap == nil {
		return nil, &queue.NotFoundError{Entity: "свободное окно"}
	}
	wl, err := m.findEntry(ctx, waitlistID, gap.ClinicID, gap.ScheduledDate)
	if err != nil {
		return nil, err
	}

	appt := &models.Appointment{
		ClinicID:      gap.ClinicID,
		StaffID:       gap.StaffID,
		PatientID:     wl.PatientID,
		GuestToken:    wl.GuestToken,
		ScheduledDate: gap.ScheduledDate,
		StartTime:     gap.StartTime,
		EndTime:       gap.EndTime,
		Status:        models.StatusWaiting,
		IsPresent:     true,
		PriorityScore: &wl.PriorityScore,
	}
	promoted, err := m.repo.PromoteWaitlist(ctx, waitlistID, appt)
	if err != nil {
		return nil, err
	}

	m.events.Publish(queue.Event{
		Type:     queue.EventWaitlistPromoted,
		ClinicID: promoted.ClinicID,
		Entry:    promoted,
		Data: map[string]interface{}{
			"waitlist_id":  waitlistID,
			"gap_slot_id":  gap.ID,
			"performed_by": performer,
		},
	})
	return promoted, nil
}

func (m *Manager) findEntry(ctx context.Context, waitlistID, clinicID uint, date time.Time) (*models.WaitlistEntry, error) {
	entries, err := m.repo.ListWaitlist(ctx, clinicID, date)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == waitlistID {
			return &entries[i], nil
		}
	}
	return nil, &queue.NotFoundError{Entity: "запись листа ожидания", ID: waitlistID}
}
