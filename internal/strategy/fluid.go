package strategy

import "clinicq/internal/models"

// Штраф к приоритету за позднее прибытие в fluid-режиме.
const lateArrivalPenalty = 1.0

// Fluid — поточный режим: время слотов игнорируется, вызывается
// присутствующий непропущенный пациент с наибольшим приоритетом.
type Fluid struct{}

func (Fluid) Mode() string { return models.ModeFluid }

func (Fluid) NextCandidate(s Snapshot) *Candidate {
	var best *models.Appointment
	for i := range s.Entries {
		e := &s.Entries[i]
		if !callable(e) || e.SkipReason != nil {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		bp, ep := score(best), score(e)
		// Равный приоритет — первым вызывается меньшая позиция.
		if ep > bp || (ep == bp && e.QueuePosition < best.QueuePosition) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return &Candidate{Entry: best}
}

func (Fluid) HandleLateArrival(entry *models.Appointment, s Snapshot) Decision {
	// Опоздавший возвращается в поток со штрафом к приоритету.
	return Decision{
		Action:        ActionInsert,
		Reason:        "повторная вставка со штрафом к приоритету",
		PriorityDelta: -lateArrivalPenalty,
	}
}

func score(a *models.Appointment) float64 {
	if a.PriorityScore == nil {
		return 0
	}
	return *a.PriorityScore
}
