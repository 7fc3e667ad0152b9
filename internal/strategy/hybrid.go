package strategy

import "clinicq/internal/models"

// Повышенный приоритет листа ожидания при позднем прибытии в hybrid-режиме.
const hybridWaitlistBoost = 5.0

// Hybrid — слотовый режим с расширениями. Каскадная рассылка предложений
// ранним пациентам и автоматическое продвижение листа ожидания в этом
// варианте не реализованы: действует выбор Fixed (лист ожидания в окно,
// затем присутствующие по времени слота). Точка расширения — этот тип.
type Hybrid struct {
	Fixed
}

func (Hybrid) Mode() string { return models.ModeHybrid }

func (h Hybrid) HandleLateArrival(entry *models.Appointment, s Snapshot) Decision {
	d := h.Fixed.HandleLateArrival(entry, s)
	// Отличие от Fixed: при переводе в лист ожидания приоритет повышен,
	// чтобы опоздавший получил первое же следующее окно.
	if d.Action == ActionWaitlist {
		d.WaitlistPriority = hybridWaitlistBoost
		d.Reason = "перевод в лист ожидания с повышенным приоритетом"
	}
	return d
}
