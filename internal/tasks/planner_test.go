package tasks_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queue"
	"clinicq/internal/repository"
	"clinicq/internal/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu     sync.Mutex
	events []queue.Event
}

func (c *capture) Publish(e queue.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) all() []queue.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]queue.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestSweepExpiredGracesNotifiesOnce(t *testing.T) {
	repo := repository.NewMemory()
	repo.SeedClinic(&models.Clinic{Name: "Тестовая", OperatingMode: models.ModeFixed})
	pub := &capture{}
	planner := tasks.NewPlanner(repo, pub)
	ctx := context.Background()

	pid := uint(10)
	now := time.Now()
	appt := &models.Appointment{
		ClinicID:      1,
		StaffID:       1,
		PatientID:     &pid,
		ScheduledDate: now,
		Status:        models.StatusScheduled,
	}
	require.NoError(t, repo.CreateEntry(ctx, appt))

	absentAt := now.Add(-30 * time.Minute)
	_, err := repo.MarkAbsent(ctx, appt.ID,
		map[string]interface{}{"is_present": false, "marked_absent_at": absentAt},
		&models.AbsentPatient{
			AppointmentID:     appt.ID,
			MarkedAbsentAt:    absentAt,
			GracePeriodEndsAt: absentAt.Add(15 * time.Minute),
			AutoCancel:        true,
		},
		&models.QueueOverride{ClinicID: 1, AppointmentID: appt.ID, Action: models.OverrideMarkAbsent, PerformedBy: 1})
	require.NoError(t, err)

	planner.SweepExpiredGraces()

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, queue.EventGraceExpired, events[0].Type)
	assert.Equal(t, true, events[0].Data["auto_cancel"])

	// Повторный проход: запись уже уведомлена, событие не дублируется.
	planner.SweepExpiredGraces()
	assert.Len(t, pub.all(), 1)
}

func TestExpireStaleWaitlist(t *testing.T) {
	repo := repository.NewMemory()
	pub := &capture{}
	planner := tasks.NewPlanner(repo, pub)
	ctx := context.Background()

	pid := uint(10)
	stale := &models.WaitlistEntry{
		ClinicID:      1,
		PatientID:     &pid,
		RequestedDate: time.Now().Add(-48 * time.Hour),
		Status:        models.WaitlistWaiting,
	}
	fresh := &models.WaitlistEntry{
		ClinicID:      1,
		PatientID:     &pid,
		RequestedDate: time.Now(),
		Status:        models.WaitlistWaiting,
	}
	require.NoError(t, repo.AddToWaitlist(ctx, stale))
	require.NoError(t, repo.AddToWaitlist(ctx, fresh))

	planner.ExpireStaleWaitlist()

	entries, err := repo.ListWaitlist(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fresh.ID, entries[0].ID)
}
