package response

// SuccessResponse представляет успешный ответ API
type SuccessResponse struct {
	Message string `json:"message" example:"Операция успешно выполнена"`
}

// ErrorResponse представляет ответ с ошибкой API
type ErrorResponse struct {
	// Код ошибки для программной обработки
	// example: VALIDATION_ERROR
	Code string `json:"code"`

	// Человекочитаемое сообщение об ошибке
	// example: Ошибка валидации данных
	Message string `json:"message"`

	// Дополнительные детали об ошибке (опционально)
	// example: поле email должно быть валидным email адресом
	Details string `json:"details,omitempty"`
}

// AppointmentResponse представляет запись пациента в очереди
type AppointmentResponse struct {
	ID            uint    `json:"id" example:"1"`
	ClinicID      uint    `json:"clinic_id" example:"3"`
	StaffID       uint    `json:"staff_id" example:"7"`
	PatientID     *uint   `json:"patient_id,omitempty" example:"42"`
	GuestToken    *string `json:"guest_token,omitempty"`
	Status        string  `json:"status" example:"waiting"`
	QueuePosition int     `json:"queue_position" example:"2"`
	// Запланированное начало приёма в формате RFC3339
	StartTime *string `json:"start_time,omitempty" example:"2025-06-01T09:30:00Z"`
	EndTime   *string `json:"end_time,omitempty" example:"2025-06-01T09:45:00Z"`
	IsPresent bool    `json:"is_present" example:"true"`
	IsWalkIn  bool    `json:"is_walk_in" example:"false"`
}

// WaitlistEntryResponse представляет запись листа ожидания
type WaitlistEntryResponse struct {
	ID         uint    `json:"id" example:"5"`
	ClinicID   uint    `json:"clinic_id" example:"3"`
	StaffID    uint    `json:"staff_id" example:"7"`
	PatientID  *uint   `json:"patient_id,omitempty" example:"42"`
	GuestToken *string `json:"guest_token,omitempty"`
	Status     string  `json:"status" example:"waiting"`
	Priority   float64 `json:"priority" example:"5"`
}

// LateArrivalResponse представляет результат обработки опоздания
type LateArrivalResponse struct {
	// Принятое решение: insert, waitlist или reject
	Action string `json:"action" example:"insert"`

	// Причина решения для журнала
	Reason string `json:"reason" example:"вставка в ближайшее окно"`

	// Новая позиция в очереди (при action=insert)
	Position *int `json:"position,omitempty" example:"4"`
}

// EstimateResponse представляет сохранённую оценку ожидания
type EstimateResponse struct {
	AppointmentID uint    `json:"appointment_id" example:"1"`
	Minutes       int     `json:"minutes" example:"25"`
	Mode          string  `json:"mode" example:"model"`
	Confidence    float64 `json:"confidence" example:"0.82"`
}

// TokenResponse представляет ответ с токенами авторизации
type TokenResponse struct {
	// JWT токен для доступа к защищенным эндпоинтам
	// example: eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9...
	AccessToken string `json:"access_token"`

	// JWT токен для обновления access токена
	// example: eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9...
	RefreshToken string `json:"refresh_token"`
}
