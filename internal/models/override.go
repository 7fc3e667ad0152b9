package models

import (
	"time"

	"gorm.io/gorm"
)

// Действия ручного вмешательства в порядок очереди.
const (
	OverrideCallPresent = "call_present"
	OverrideMarkAbsent  = "mark_absent"
	OverrideLateArrival = "late_arrival"
	OverrideEmergency   = "emergency"
	OverrideReorder     = "reorder"
)

// QueueOverride — журнальная запись вмешательства. Только добавляется,
// никогда не изменяется и не удаляется.
type QueueOverride struct {
	gorm.Model
	ClinicID         uint   `gorm:"index;not null"`
	AppointmentID    uint   `gorm:"index;not null"`
	Action           string `gorm:"not null"`
	PerformedBy      uint   `gorm:"not null"`
	Reason           string
	PreviousPosition int
	NewPosition      int
}

// AbsentPatient связывает запись с её окном отсутствия и льготным периодом.
type AbsentPatient struct {
	gorm.Model
	AppointmentID     uint      `gorm:"index;not null"`
	MarkedAbsentAt    time.Time `gorm:"not null"`
	ReturnedAt        *time.Time
	GracePeriodEndsAt time.Time `gorm:"index;not null"`
	NotificationSent  bool      `gorm:"default:false"`
	AutoCancel        bool      `gorm:"default:false"`
}
