package strategy

import (
	"time"

	"clinicq/internal/models"
)

// Snapshot — неизменяемый срез дня, по которому стратегия принимает решение.
// Entries отсортированы по позиции, Waitlist — по убыванию приоритета.
type Snapshot struct {
	Now             time.Time
	Entries         []models.Appointment
	Waitlist        []models.WaitlistEntry
	WaitlistEnabled bool
}

// Candidate — выбранный стратегией следующий пациент: либо запись очереди,
// либо запись листа ожидания вместе со слотом-окном, которое она занимает.
type Candidate struct {
	Entry    *models.Appointment
	Waitlist *models.WaitlistEntry
	GapSlot  *models.Appointment
}

// Действия стратегии при позднем прибытии.
const (
	ActionInsert   = "insert"
	ActionWaitlist = "waitlist"
	ActionReject   = "reject"
	ActionNothing  = "nothing"
)

// Decision — реакция стратегии на позднее прибытие пациента.
type Decision struct {
	Action           string
	TargetPosition   int     // Для insert: позиция вставки
	Reason           string
	PriorityDelta    float64 // Штраф/бонус к приоритету записи (fluid)
	WaitlistPriority float64 // Приоритет при переводе в лист ожидания
}

// Strategy — политика вызова, одна реализация на режим работы клиники.
// Чистая функция от снимка расписания: состояния не держит.
type Strategy interface {
	Mode() string
	NextCandidate(s Snapshot) *Candidate
	HandleLateArrival(entry *models.Appointment, s Snapshot) Decision
}

// ForMode возвращает стратегию по режиму клиники. Разрешается один раз
// на конфигурацию клиники, а не на каждый вызов.
func ForMode(mode string) Strategy {
	switch mode {
	case models.ModeFluid:
		return Fluid{}
	case models.ModeHybrid:
		return Hybrid{}
	default:
		return Fixed{}
	}
}

// awaiting сообщает, ожидает ли запись вызова.
func awaiting(a *models.Appointment) bool {
	return a.Status == models.StatusScheduled || a.Status == models.StatusWaiting
}

// callable — присутствует, ожидает вызова и не помечена отсутствующей.
func callable(a *models.Appointment) bool {
	return a.IsPresent && awaiting(a) && !a.InAbsenceWindow()
}

// FindGap ищет окно: слот, чьё время уже наступило, а его пациент
// не присутствует. Возвращает nil, если окна нет.
func FindGap(entries []models.Appointment, now time.Time) *models.Appointment {
	for i := range entries {
		e := &entries[i]
		if !awaiting(e) || e.IsPresent || e.StartTime == nil {
			continue
		}
		if !e.StartTime.After(now) {
			return e
		}
	}
	return nil
}

// topWaitlist возвращает запись листа ожидания с наибольшим приоритетом
// среди ожидающих.
func topWaitlist(waitlist []models.WaitlistEntry) *models.WaitlistEntry {
	var best *models.WaitlistEntry
	for i := range waitlist {
		w := &waitlist[i]
		if w.Status != models.WaitlistWaiting {
			continue
		}
		if best == nil || w.PriorityScore > best.PriorityScore {
			best = w
		}
	}
	return best
}
