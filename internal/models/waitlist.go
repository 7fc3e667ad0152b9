package models

import (
	"time"

	"gorm.io/gorm"
)

// Статусы записи листа ожидания.
const (
	WaitlistWaiting   = "waiting"
	WaitlistNotified  = "notified"
	WaitlistPromoted  = "promoted"
	WaitlistExpired   = "expired"
	WaitlistCancelled = "cancelled"
)

// WaitlistEntry — пациент без слота, ожидающий освободившегося окна.
type WaitlistEntry struct {
	gorm.Model
	ClinicID      uint      `gorm:"index;not null"`
	PatientID     *uint     `gorm:"index"`
	GuestToken    *string   `gorm:"index"`
	RequestedDate time.Time `gorm:"index;not null"`
	PriorityScore float64   `gorm:"index;not null;default:0"`
	Status        string    `gorm:"index;not null;default:waiting"`
}
