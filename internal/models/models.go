package models

import (
	"time"

	"gorm.io/gorm"
)

// Статусы записи в очереди.
const (
	StatusScheduled   = "scheduled"
	StatusWaiting     = "waiting"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusNoShow      = "no_show"
	StatusRescheduled = "rescheduled"
)

// Причины пропуска вызова.
const (
	SkipPatientAbsent   = "patient_absent"
	SkipPatientPresent  = "patient_present"
	SkipEmergency       = "emergency"
	SkipStaffPreference = "staff_preference"
	SkipLateArrival     = "late_arrival"
	SkipTechnical       = "technical"
	SkipOther           = "other"
)

// Режимы работы клиники — определяют стратегию вызова.
const (
	ModeFixed  = "fixed"
	ModeFluid  = "fluid"
	ModeHybrid = "hybrid"
)

type User struct {
	gorm.Model
	Name         string `gorm:"not null"`
	Surname      string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
}

type Clinic struct {
	gorm.Model
	Name               string `gorm:"not null"`
	OperatingMode      string `gorm:"not null;default:fixed"` // fixed | fluid | hybrid
	WaitlistEnabled    bool   `gorm:"default:false"`          // Разрешено ли заполнять окна из листа ожидания
	GracePeriodMinutes int    `gorm:"default:15"`             // Льготный период для отсутствующих, минуты
}

// Appointment — запись пациента в живой очереди клиники.
type Appointment struct {
	gorm.Model
	ClinicID uint `gorm:"index;not null"`
	StaffID  uint `gorm:"index;not null"`
	// Пациент либо зарегистрирован (PatientID), либо гость (GuestToken) — строго одно из двух.
	PatientID     *uint      `gorm:"index"`
	GuestToken    *string    `gorm:"index"`          // UUID неавторизованного пациента
	ScheduledDate time.Time  `gorm:"index;not null"` // День приёма, время обнулено
	StartTime     *time.Time // Начало слота; в fluid-режиме может отсутствовать
	EndTime       *time.Time
	QueuePosition int      `gorm:"index;not null"` // Порядок вызова в рамках (клиника, врач, день)
	Status        string   `gorm:"index;not null;default:scheduled"`
	IsPresent     bool     `gorm:"default:false"`
	IsWalkIn      bool     `gorm:"default:false"`
	SkipReason    *string  // Причина пропуска, nil — пациент не пропущен
	SkipCount     int      `gorm:"default:0"`
	PriorityScore *float64 // Используется только fluid-стратегией

	MarkedAbsentAt  *time.Time // Начало открытого окна отсутствия
	ReturnedAt      *time.Time
	CheckedInAt     *time.Time
	ActualStartTime *time.Time
	ActualEndTime   *time.Time

	// Поля оценки ожидания: движок их только записывает, расчёт — внешний.
	EstimatedWaitMinutes *int
	PredictionMode       *string
	PredictionConfidence *float64

	// Фактические метки для обучения модели предсказания.
	ActualWaitMinutes    *int
	ActualServiceMinutes *int
}

// InAbsenceWindow сообщает, открыто ли у записи окно отсутствия.
func (a *Appointment) InAbsenceWindow() bool {
	return a.MarkedAbsentAt != nil && a.ReturnedAt == nil
}

// IsTerminal сообщает, достигла ли запись конечного статуса.
func (a *Appointment) IsTerminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusCancelled
}
