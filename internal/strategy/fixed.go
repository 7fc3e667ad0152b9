package strategy

import (
	"sort"

	"clinicq/internal/models"
)

// Fixed — слотовый режим: время авторитетно. Сначала предлагается лист
// ожидания в освободившееся окно, затем присутствующие пациенты в порядке
// возрастания времени слота.
type Fixed struct{}

func (Fixed) Mode() string { return models.ModeFixed }

func (Fixed) NextCandidate(s Snapshot) *Candidate {
	// Окно плюс разрешённый лист ожидания — вызываем готового пациента
	// из листа, а не ждём возможно не явившегося по расписанию.
	if s.WaitlistEnabled {
		if gap := FindGap(s.Entries, s.Now); gap != nil {
			if top := topWaitlist(s.Waitlist); top != nil {
				return &Candidate{Waitlist: top, GapSlot: gap}
			}
		}
	}

	// Присутствующие в порядке времени слота: пришедший раньше своего
	// слота может быть принят вперёд, освобождая слот под будущее окно.
	ordered := make([]*models.Appointment, 0, len(s.Entries))
	for i := range s.Entries {
		ordered = append(ordered, &s.Entries[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := ordered[i].StartTime, ordered[j].StartTime
		switch {
		case si == nil && sj == nil:
			return ordered[i].QueuePosition < ordered[j].QueuePosition
		case si == nil:
			return false
		case sj == nil:
			return true
		default:
			return si.Before(*sj)
		}
	})
	for _, e := range ordered {
		if callable(e) {
			return &Candidate{Entry: e}
		}
	}

	// Никого нет на месте — вызывающий решает, ждать или вмешаться.
	return nil
}

func (Fixed) HandleLateArrival(entry *models.Appointment, s Snapshot) Decision {
	// Слот ещё не прошёл — пациент успел, вмешательство не нужно.
	if entry.StartTime != nil && !entry.StartTime.Before(s.Now) {
		return Decision{Action: ActionNothing, Reason: "слот ещё не наступил"}
	}

	// Пробуем ближайшее свободное окно. Собственный пустующий слот
	// опоздавшего окном не считается.
	others := make([]models.Appointment, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.ID != entry.ID {
			others = append(others, e)
		}
	}
	if gap := FindGap(others, s.Now); gap != nil {
		return Decision{
			Action:         ActionInsert,
			TargetPosition: gap.QueuePosition,
			Reason:         "вставка в свободное окно",
		}
	}

	return Decision{
		Action:           ActionWaitlist,
		Reason:           "свободных окон нет, перевод в лист ожидания",
		WaitlistPriority: 0,
	}
}
