package queue

import (
	"errors"
	"fmt"
)

// ValidationError — некорректные или неполные входные данные.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError — запись не существует либо нет подходящего кандидата на вызов.
type NotFoundError struct {
	Entity string
	ID     uint
}

func (e *NotFoundError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s не найден", e.Entity)
	}
	return fmt.Sprintf("%s %d не найден", e.Entity, e.ID)
}

// BusinessRuleError — операция недопустима в текущем состоянии жизненного цикла.
type BusinessRuleError struct {
	AppointmentID uint
	Operation     string
	Status        string
	Message       string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("запись %d, операция %s (статус %s): %s",
		e.AppointmentID, e.Operation, e.Status, e.Message)
}

// ConflictError — запись уже находится в состоянии, которое породила бы операция.
type ConflictError struct {
	AppointmentID uint
	Operation     string
	Message       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("запись %d, операция %s: %s", e.AppointmentID, e.Operation, e.Message)
}

// DatabaseError — непрозрачная ошибка репозитория.
type DatabaseError struct {
	Operation string
	Err       error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("ошибка хранилища при %s: %v", e.Operation, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

func IsBusinessRule(err error) bool {
	var v *BusinessRuleError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var v *ConflictError
	return errors.As(err, &v)
}
