package queue_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queue"
	"clinicq/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

// capture собирает опубликованные события для проверок.
type capture struct {
	mu     sync.Mutex
	events []queue.Event
}

func (c *capture) Publish(e queue.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

// clock — управляемый источник времени.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func setupEngine(t *testing.T, clinic *models.Clinic) (*queue.Engine, *repository.Memory, *capture, *clock) {
	t.Helper()
	repo := repository.NewMemory()
	repo.SeedClinic(clinic)
	pub := &capture{}
	ck := &clock{t: day.Add(9 * time.Hour)}
	return queue.NewEngine(repo, pub, queue.WithClock(ck.now)), repo, pub, ck
}

func fixedClinic() *models.Clinic {
	return &models.Clinic{Name: "Тестовая", OperatingMode: models.ModeFixed, GracePeriodMinutes: 15}
}

func at(h, m int) *time.Time {
	t := day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
	return &t
}

func createAt(t *testing.T, e *queue.Engine, clinicID uint, h, m int) *models.Appointment {
	t.Helper()
	pid := uint(100)
	appt, err := e.CreateAppointment(context.Background(), queue.CreateAppointmentInput{
		ClinicID:      clinicID,
		StaffID:       1,
		PatientID:     &pid,
		ScheduledDate: day,
		StartTime:     at(h, m),
		EndTime:       at(h, m+15),
	})
	require.NoError(t, err)
	return appt
}

func TestCreateAppointmentValidation(t *testing.T) {
	e, _, _, _ := setupEngine(t, fixedClinic())
	ctx := context.Background()
	pid := uint(100)
	guest := "token"

	cases := []struct {
		name string
		in   queue.CreateAppointmentInput
	}{
		{"без времени", queue.CreateAppointmentInput{ClinicID: 1, StaffID: 1, PatientID: &pid, ScheduledDate: day}},
		{"окончание раньше начала", queue.CreateAppointmentInput{ClinicID: 1, StaffID: 1, PatientID: &pid, ScheduledDate: day, StartTime: at(10, 0), EndTime: at(9, 45)}},
		{"пациент и гость одновременно", queue.CreateAppointmentInput{ClinicID: 1, StaffID: 1, PatientID: &pid, GuestToken: &guest, ScheduledDate: day, StartTime: at(10, 0), EndTime: at(10, 15)}},
		{"ни пациента, ни гостя", queue.CreateAppointmentInput{ClinicID: 1, StaffID: 1, ScheduledDate: day, StartTime: at(10, 0), EndTime: at(10, 15)}},
		{"начало в прошлом", queue.CreateAppointmentInput{ClinicID: 1, StaffID: 1, PatientID: &pid, ScheduledDate: day, StartTime: at(8, 0), EndTime: at(8, 15)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CreateAppointment(ctx, tc.in)
			assert.True(t, queue.IsValidation(err), "ожидалась ошибка валидации, получено: %v", err)
		})
	}
}

func TestCreateWalkInWithPastStartAllowed(t *testing.T) {
	e, _, pub, _ := setupEngine(t, fixedClinic())
	pid := uint(100)

	appt, err := e.CreateAppointment(context.Background(), queue.CreateAppointmentInput{
		ClinicID:      1,
		StaffID:       1,
		PatientID:     &pid,
		ScheduledDate: day,
		StartTime:     at(8, 0),
		EndTime:       at(8, 15),
		IsWalkIn:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, appt.QueuePosition)
	assert.Equal(t, models.StatusScheduled, appt.Status)
	assert.Contains(t, pub.types(), queue.EventPatientAdded)
}

func TestCreateAppointmentAssignsSequentialPositions(t *testing.T) {
	e, _, _, _ := setupEngine(t, fixedClinic())

	a := createAt(t, e, 1, 9, 15)
	b := createAt(t, e, 1, 9, 30)
	assert.Equal(t, 1, a.QueuePosition)
	assert.Equal(t, 2, b.QueuePosition)
}

func TestCheckInStampsArrivalOnce(t *testing.T) {
	e, _, pub, ck := setupEngine(t, fixedClinic())
	appt := createAt(t, e, 1, 9, 15)

	ck.set(day.Add(9*time.Hour + 10*time.Minute))
	appt, err := e.CheckInPatient(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.True(t, appt.IsPresent)
	assert.Equal(t, models.StatusWaiting, appt.Status)
	require.NotNil(t, appt.CheckedInAt)
	first := *appt.CheckedInAt

	// Повторная отметка не передвигает время прибытия.
	ck.set(day.Add(9*time.Hour + 20*time.Minute))
	appt, err = e.CheckInPatient(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.True(t, first.Equal(*appt.CheckedInAt))
	assert.Contains(t, pub.types(), queue.EventPatientCheckedIn)
}

func TestCheckInTerminalRejected(t *testing.T) {
	e, _, _, _ := setupEngine(t, fixedClinic())
	appt := createAt(t, e, 1, 9, 15)
	_, err := e.CancelAppointment(context.Background(), appt.ID, 1, "")
	require.NoError(t, err)

	_, err = e.CheckInPatient(context.Background(), appt.ID)
	assert.True(t, queue.IsBusinessRule(err))
}

func TestCallNextSkipsAbsentPatient(t *testing.T) {
	e, repo, pub, ck := setupEngine(t, fixedClinic())
	ctx := context.Background()

	a := createAt(t, e, 1, 9, 15) // не придёт
	b := createAt(t, e, 1, 9, 30)
	_, err := e.CheckInPatient(ctx, b.ID)
	require.NoError(t, err)

	ck.set(day.Add(9*time.Hour + 31*time.Minute))
	called, err := e.CallNextPatient(ctx, queue.CallContext{ClinicID: 1, StaffID: 1, Date: day, PerformedBy: 7})
	require.NoError(t, err)
	assert.Equal(t, b.ID, called.ID)
	assert.Equal(t, models.StatusInProgress, called.Status)
	require.NotNil(t, called.ActualStartTime)

	got, err := repo.GetEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, got.Status)

	ovs := repo.Overrides()
	require.Len(t, ovs, 1)
	assert.Equal(t, models.OverrideCallPresent, ovs[0].Action)
	assert.Equal(t, uint(7), ovs[0].PerformedBy)
	assert.Contains(t, pub.types(), queue.EventPatientCalled)
}

func TestCallNextNoCandidate(t *testing.T) {
	e, _, _, _ := setupEngine(t, fixedClinic())
	createAt(t, e, 1, 9, 15) // никто не отметился

	_, err := e.CallNextPatient(context.Background(), queue.CallContext{ClinicID: 1, StaffID: 1, Date: day})
	assert.True(t, queue.IsNotFound(err))
}

func TestCallNextAfterCallHasNoCandidate(t *testing.T) {
	e, _, _, _ := setupEngine(t, fixedClinic())
	ctx := context.Background()
	a := createAt(t, e, 1, 9, 15)
	_, err := e.CheckInPatient(ctx, a.ID)
	require.NoError(t, err)

	_, err = e.CallNextPatient(ctx, queue.CallContext{ClinicID: 1, StaffID: 1, Date: day})
	require.NoError(t, err)

	// Второй вызов: кандидата больше нет.
	_, err = e.CallNextPatient(ctx, queue.CallContext{ClinicID: 1, StaffID: 1, Date: day})
	assert.True(t, queue.IsNotFound(err))
}

func TestCallNextPromotesWaitlistIntoGap(t *testing.T) {
	clinic := fixedClinic()
	clinic.WaitlistEnabled = true
	e, repo, pub, ck := setupEngine(t, clinic)
	ctx := context.Background()

	gap := createAt(t, e, 1, 9, 15) // пациент не явится
	pid := uint(200)
	require.NoError(t, repo.AddToWaitlist(ctx, &models.WaitlistEntry{
		ClinicID:      1,
		PatientID:     &pid,
		RequestedDate: day,
		PriorityScore: 3,
		Status:        models.WaitlistWaiting,
	}))

	ck.set(day.Add(9*time.Hour + 20*time.Minute))
	called, err := e.CallNextPatient(ctx, queue.CallContext{ClinicID: 1, StaffID: 1, Date: day, PerformedBy: 7})
	require.NoError(t, err)
	require.NotNil(t, called.PatientID)
	assert.Equal(t, pid, *called.PatientID)
	assert.Equal(t, models.StatusInProgress, called.Status)
	require.NotNil(t, called.StartTime)
	assert.True(t, called.StartTime.Equal(*gap.StartTime))

	// Запись листа ожидания занята, повторного продвижения не будет.
	wl, err := repo.ListWaitlist(ctx, 1, day)
	require.NoError(t, err)
	assert.Empty(t, wl)

	types := pub.types()
	assert.Contains(t, types, queue.EventWaitlistPromoted)
	assert.Contains(t, types, queue.EventPatientCalled)
}

func TestMarkAbsentOpensGraceWindow(t *testing.T) {
	e, repo, pub, ck := setupEngine(t, fixedClinic())
	ctx := context.Background()
	appt := createAt(t, e, 1, 9, 15)

	ck.set(day.Add(9*time.Hour + 16*time.Minute))
	appt, err := e.MarkPatientAbsent(ctx, queue.MarkAbsentInput{
		AppointmentID: appt.ID,
		PerformedBy:   7,
		Reason:        "не явился к слоту",
	})
	require.NoError(t, err)
	assert.False(t, appt.IsPresent)
	assert.Equal(t, 1, appt.SkipCount)
	require.NotNil(t, appt.SkipReason)
	assert.Equal(t, models.SkipPatientAbsent, *appt.SkipReason)
	assert.True(t, appt.InAbsenceWindow())

	// Льготный период клиники: 09:16 + 15 минут = 09:31.
	recs := repo.Absences()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].GracePeriodEndsAt.Equal(day.Add(9*time.Hour+31*time.Minute)))

	ovs := repo.Overrides()
	require.Len(t, ovs, 1)
	assert.Equal(t, models.OverrideMarkAbsent, ovs[0].Action)
	assert.Contains(t, pub.types(), queue.EventPatientAbsent)

	// Повторная пометка при открытом окне — конфликт.
	_, err = e.MarkPatientAbsent(ctx, queue.MarkAbsentInput{AppointmentID: appt.ID})
	assert.True(t, queue.IsConflict(err))
}

// cliniclessRepo имитирует недоступность настроек клиники.
type cliniclessRepo struct {
	*repository.Memory
}

func (r *cliniclessRepo) GetClinic(ctx context.Context, id uint) (*models.Clinic, error) {
	return nil, &queue.DatabaseError{Operation: "get_clinic", Err: errors.New("соединение потеряно")}
}

func TestMarkAbsentClinicErrorFallsBackToDefaultGrace(t *testing.T) {
	base := repository.NewMemory()
	base.SeedClinic(&models.Clinic{Name: "Тестовая", OperatingMode: models.ModeFixed, GracePeriodMinutes: 45})
	ck := &clock{t: day.Add(9 * time.Hour)}
	e := queue.NewEngine(&cliniclessRepo{Memory: base}, &capture{}, queue.WithClock(ck.now))
	appt := createAt(t, e, 1, 9, 15)

	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	ck.set(day.Add(9*time.Hour + 16*time.Minute))
	_, err := e.MarkPatientAbsent(context.Background(), queue.MarkAbsentInput{
		AppointmentID: appt.ID,
		PerformedBy:   7,
	})
	require.NoError(t, err)

	// Настройки клиники недоступны: 15 минут по умолчанию, а не 45.
	recs := base.Absences()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].GracePeriodEndsAt.Equal(day.Add(9*time.Hour+31*time.Minute)))
	assert.Contains(t, buf.String(), "настройки клиники")
}

func TestMarkAbsentExplicitGraceOverridesClinic(t *testing.T) {
	e, repo, _, ck := setupEngine(t, fixedClinic())
	appt := createAt(t, e, 1, 9, 15)

	grace := 30
	ck.set(day.Add(9*time.Hour + 16*time.Minute))
	_, err := e.MarkPatientAbsent(context.Background(), queue.MarkAbsentInput{
		AppointmentID: appt.ID,
		GraceMinutes:  &grace,
	})
	require.NoError(t, err)

	recs := repo.Absences()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].GracePeriodEndsAt.Equal(day.Add(9*time.Hour+46*time.Minute)))
}

func TestMarkReturnedAssignsFreshPosition(t *testing.T) {
	e, repo, pub, ck := setupEngine(t, fixedClinic())
	ctx := context.Background()

	a := createAt(t, e, 1, 9, 15)
	createAt(t, e, 1, 9, 30)

	ck.set(day.Add(9*time.Hour + 16*time.Minute))
	_, err := e.MarkPatientAbsent(ctx, queue.MarkAbsentInput{AppointmentID: a.ID, PerformedBy: 7})
	require.NoError(t, err)

	ck.set(day.Add(9*time.Hour + 25*time.Minute))
	returned, err := e.MarkPatientReturned(ctx, a.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, returned.Status)
	assert.True(t, returned.IsPresent)
	assert.Nil(t, returned.SkipReason)
	assert.False(t, returned.InAbsenceWindow())
	// Исходная позиция не переиспользуется: получена новая, в конце.
	assert.Equal(t, 3, returned.QueuePosition)

	// Ровно одна журнальная запись late_arrival на возвращение.
	var late int
	for _, ov := range repo.Overrides() {
		if ov.Action == models.OverrideLateArrival {
			late++
			assert.Equal(t, 1, ov.PreviousPosition)
			assert.Equal(t, 3, ov.NewPosition)
		}
	}
	assert.Equal(t, 1, late)
	assert.Contains(t, pub.types(), queue.EventPatientReturned)

	// Окно закрыто — повторное возвращение недопустимо.
	_, err = e.MarkPatientReturned(ctx, a.ID, 7)
	assert.True(t, queue.IsBusinessRule(err))
}

func TestCompleteRecordsActualTiming(t *testing.T) {
	e, repo, _, ck := setupEngine(t, fixedClinic())
	ctx := context.Background()
	appt := createAt(t, e, 1, 9, 15)

	// Пациент пришёл раньше слота: ожидание не может быть отрицательным.
	ck.set(day.Add(9*time.Hour + 5*time.Minute))
	_, err := e.CheckInPatient(ctx, appt.ID)
	require.NoError(t, err)

	ck.set(day.Add(9*time.Hour + 40*time.Minute))
	done, err := e.CompleteAppointment(ctx, appt.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.ActualEndTime)

	got, err := repo.GetEntry(ctx, appt.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActualWaitMinutes)
	assert.Equal(t, 0, *got.ActualWaitMinutes)
	require.NotNil(t, got.ActualServiceMinutes)
	assert.Equal(t, 35, *got.ActualServiceMinutes)
}

func TestCompleteIdempotenceAndCancelGuard(t *testing.T) {
	e, _, _, _ := setupEngine(t, fixedClinic())
	ctx := context.Background()

	a := createAt(t, e, 1, 9, 15)
	_, err := e.CompleteAppointment(ctx, a.ID, 7)
	require.NoError(t, err)
	_, err = e.CompleteAppointment(ctx, a.ID, 7)
	assert.True(t, queue.IsConflict(err))

	b := createAt(t, e, 1, 9, 30)
	_, err = e.CancelAppointment(ctx, b.ID, 7, "")
	require.NoError(t, err)
	_, err = e.CompleteAppointment(ctx, b.ID, 7)
	assert.True(t, queue.IsBusinessRule(err))
}

func TestReorderShiftsNeighbours(t *testing.T) {
	e, repo, pub, _ := setupEngine(t, fixedClinic())
	ctx := context.Background()

	a := createAt(t, e, 1, 9, 15)
	b := createAt(t, e, 1, 9, 30)
	c := createAt(t, e, 1, 9, 45)

	moved, err := e.ReorderQueue(ctx, queue.ReorderInput{AppointmentID: c.ID, NewPosition: 1, PerformedBy: 7, Reason: "просьба врача"})
	require.NoError(t, err)
	assert.Equal(t, 1, moved.QueuePosition)

	gotA, _ := repo.GetEntry(ctx, a.ID)
	gotB, _ := repo.GetEntry(ctx, b.ID)
	assert.Equal(t, 2, gotA.QueuePosition)
	assert.Equal(t, 3, gotB.QueuePosition)

	ovs := repo.Overrides()
	require.Len(t, ovs, 1)
	assert.Equal(t, models.OverrideReorder, ovs[0].Action)
	assert.Equal(t, 3, ovs[0].PreviousPosition)
	assert.Equal(t, 1, ovs[0].NewPosition)
	assert.Contains(t, pub.types(), queue.EventPositionChanged)
}

func TestReorderSamePositionIsNoOp(t *testing.T) {
	e, repo, _, _ := setupEngine(t, fixedClinic())
	a := createAt(t, e, 1, 9, 15)

	appt, err := e.ReorderQueue(context.Background(), queue.ReorderInput{AppointmentID: a.ID, NewPosition: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, appt.QueuePosition)
	assert.Empty(t, repo.Overrides())
}

func TestReorderValidation(t *testing.T) {
	e, _, _, _ := setupEngine(t, fixedClinic())
	a := createAt(t, e, 1, 9, 15)

	_, err := e.ReorderQueue(context.Background(), queue.ReorderInput{AppointmentID: a.ID, NewPosition: 0})
	assert.True(t, queue.IsValidation(err))

	_, err = e.CancelAppointment(context.Background(), a.ID, 7, "")
	require.NoError(t, err)
	_, err = e.ReorderQueue(context.Background(), queue.ReorderInput{AppointmentID: a.ID, NewPosition: 2})
	assert.True(t, queue.IsBusinessRule(err))
}

func TestFlagEmergencyMovesToFront(t *testing.T) {
	e, repo, _, _ := setupEngine(t, fixedClinic())
	ctx := context.Background()

	createAt(t, e, 1, 9, 15)
	b := createAt(t, e, 1, 9, 30)

	moved, err := e.FlagEmergency(ctx, b.ID, 7, "острое состояние")
	require.NoError(t, err)
	assert.Equal(t, 1, moved.QueuePosition)

	ovs := repo.Overrides()
	require.Len(t, ovs, 1)
	assert.Equal(t, models.OverrideEmergency, ovs[0].Action)
	assert.Equal(t, "острое состояние", ovs[0].Reason)
}

func TestCancelCompactsPositions(t *testing.T) {
	e, repo, _, _ := setupEngine(t, fixedClinic())
	ctx := context.Background()

	a := createAt(t, e, 1, 9, 15)
	b := createAt(t, e, 1, 9, 30)
	c := createAt(t, e, 1, 9, 45)

	cancelled, err := e.CancelAppointment(ctx, b.ID, 7, "пациент отказался")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	gotA, _ := repo.GetEntry(ctx, a.ID)
	gotC, _ := repo.GetEntry(ctx, c.ID)
	assert.Equal(t, 1, gotA.QueuePosition)
	assert.Equal(t, 2, gotC.QueuePosition)

	_, err = e.CancelAppointment(ctx, b.ID, 7, "")
	assert.True(t, queue.IsBusinessRule(err))
}

func TestHandleLateArrivalFluidReinsertsWithPenalty(t *testing.T) {
	clinic := &models.Clinic{Name: "Поток", OperatingMode: models.ModeFluid, GracePeriodMinutes: 15}
	e, repo, _, ck := setupEngine(t, clinic)
	ctx := context.Background()

	score := 4.0
	pid := uint(100)
	appt, err := e.CreateAppointment(ctx, queue.CreateAppointmentInput{
		ClinicID:      1,
		StaffID:       1,
		PatientID:     &pid,
		ScheduledDate: day,
		StartTime:     at(9, 15),
		EndTime:       at(9, 30),
		PriorityScore: &score,
	})
	require.NoError(t, err)

	ck.set(day.Add(10 * time.Hour))
	d, err := e.HandleLateArrival(ctx, appt.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, "insert", d.Action)

	got, err := repo.GetEntry(ctx, appt.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPresent)
	require.NotNil(t, got.PriorityScore)
	assert.Equal(t, 3.0, *got.PriorityScore)
	assert.Nil(t, got.SkipReason)
}

func TestHandleLateArrivalFluidPatientStillCallable(t *testing.T) {
	clinic := &models.Clinic{Name: "Поток", OperatingMode: models.ModeFluid, GracePeriodMinutes: 15}
	e, _, _, ck := setupEngine(t, clinic)
	ctx := context.Background()

	score := 4.0
	pid := uint(100)
	appt, err := e.CreateAppointment(ctx, queue.CreateAppointmentInput{
		ClinicID:      1,
		StaffID:       1,
		PatientID:     &pid,
		ScheduledDate: day,
		StartTime:     at(9, 15),
		EndTime:       at(9, 30),
		PriorityScore: &score,
	})
	require.NoError(t, err)

	ck.set(day.Add(10 * time.Hour))
	d, err := e.HandleLateArrival(ctx, appt.ID, 7)
	require.NoError(t, err)
	require.Equal(t, "insert", d.Action)

	// После повторной вставки пациент должен вызываться как обычно.
	called, err := e.CallNextPatient(ctx, queue.CallContext{ClinicID: 1, StaffID: 1, Date: day, PerformedBy: 7})
	require.NoError(t, err)
	assert.Equal(t, appt.ID, called.ID)
	assert.Equal(t, models.StatusInProgress, called.Status)
}

func TestHandleLateArrivalFixedWithoutGapGoesToWaitlist(t *testing.T) {
	e, repo, _, ck := setupEngine(t, fixedClinic())
	ctx := context.Background()

	appt := createAt(t, e, 1, 9, 15)
	ck.set(day.Add(10 * time.Hour))
	d, err := e.HandleLateArrival(ctx, appt.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, "waitlist", d.Action)

	got, err := repo.GetEntry(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRescheduled, got.Status)

	wl, err := repo.ListWaitlist(ctx, 1, day)
	require.NoError(t, err)
	require.Len(t, wl, 1)
	require.NotNil(t, wl[0].PatientID)
	assert.Equal(t, uint(100), *wl[0].PatientID)
}
