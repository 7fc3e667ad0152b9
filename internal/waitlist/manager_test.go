package waitlist_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queue"
	"clinicq/internal/repository"
	"clinicq/internal/waitlist"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

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

func setup(t *testing.T) (*waitlist.Manager, *repository.Memory, *capture) {
	t.Helper()
	repo := repository.NewMemory()
	repo.SeedClinic(&models.Clinic{Name: "Тестовая", OperatingMode: models.ModeFixed, WaitlistEnabled: true})
	pub := &capture{}
	m := waitlist.NewManager(repo, pub).WithClock(func() time.Time {
		return day.Add(9*time.Hour + 20*time.Minute)
	})
	return m, repo, pub
}

func seedSlot(t *testing.T, repo *repository.Memory, h, m int, present bool) *models.Appointment {
	t.Helper()
	start := day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
	end := start.Add(15 * time.Minute)
	pid := uint(100)
	appt := &models.Appointment{
		ClinicID:      1,
		StaffID:       1,
		PatientID:     &pid,
		ScheduledDate: day,
		StartTime:     &start,
		EndTime:       &end,
		Status:        models.StatusScheduled,
		IsPresent:     present,
	}
	require.NoError(t, repo.CreateEntry(context.Background(), appt))
	return appt
}

func TestAddRequiresPatientOrGuest(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	_, err := m.Add(ctx, waitlist.AddInput{ClinicID: 1, RequestedDate: day})
	assert.True(t, queue.IsValidation(err))

	pid := uint(42)
	guest := "token"
	_, err = m.Add(ctx, waitlist.AddInput{ClinicID: 1, PatientID: &pid, GuestToken: &guest, RequestedDate: day})
	assert.True(t, queue.IsValidation(err))

	entry, err := m.Add(ctx, waitlist.AddInput{ClinicID: 1, PatientID: &pid, RequestedDate: day, PriorityScore: 2})
	require.NoError(t, err)
	assert.Equal(t, models.WaitlistWaiting, entry.Status)
}

func TestListOrdersByPriority(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	pid := uint(42)

	_, err := m.Add(ctx, waitlist.AddInput{ClinicID: 1, PatientID: &pid, RequestedDate: day, PriorityScore: 1})
	require.NoError(t, err)
	_, err = m.Add(ctx, waitlist.AddInput{ClinicID: 1, PatientID: &pid, RequestedDate: day, PriorityScore: 8})
	require.NoError(t, err)

	entries, err := m.List(ctx, 1, day)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 8.0, entries[0].PriorityScore)
}

func TestFindGapReturnsVacatedSlot(t *testing.T) {
	m, repo, _ := setup(t)
	ctx := context.Background()

	seedSlot(t, repo, 9, 0, true)
	vacant := seedSlot(t, repo, 9, 15, false)
	seedSlot(t, repo, 10, 0, false) // слот в будущем — не окно

	gap, err := m.FindGap(ctx, 1, 1, day)
	require.NoError(t, err)
	require.NotNil(t, gap)
	assert.Equal(t, vacant.ID, gap.ID)
}

func TestPromoteFillsGapSlot(t *testing.T) {
	m, repo, pub := setup(t)
	ctx := context.Background()

	gap := seedSlot(t, repo, 9, 15, false)
	pid := uint(42)
	entry, err := m.Add(ctx, waitlist.AddInput{ClinicID: 1, PatientID: &pid, RequestedDate: day, PriorityScore: 3})
	require.NoError(t, err)

	promoted, err := m.Promote(ctx, entry.ID, gap, 7)
	require.NoError(t, err)
	require.NotNil(t, promoted.PatientID)
	assert.Equal(t, pid, *promoted.PatientID)
	assert.Equal(t, models.StatusWaiting, promoted.Status)
	assert.True(t, promoted.IsPresent)
	require.NotNil(t, promoted.StartTime)
	assert.True(t, promoted.StartTime.Equal(*gap.StartTime))
	assert.Contains(t, pub.types(), queue.EventWaitlistPromoted)
}

func TestPromoteTwiceConflicts(t *testing.T) {
	m, repo, _ := setup(t)
	ctx := context.Background()

	gap := seedSlot(t, repo, 9, 15, false)
	pid := uint(42)
	entry, err := m.Add(ctx, waitlist.AddInput{ClinicID: 1, PatientID: &pid, RequestedDate: day, PriorityScore: 3})
	require.NoError(t, err)

	_, err = m.Promote(ctx, entry.ID, gap, 7)
	require.NoError(t, err)

	// Из двух попыток занять слот выигрывает одна.
	_, err = m.Promote(ctx, entry.ID, gap, 7)
	assert.Error(t, err)
}

func TestCancelRemovesWaitingEntry(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	pid := uint(42)
	entry, err := m.Add(ctx, waitlist.AddInput{ClinicID: 1, PatientID: &pid, RequestedDate: day})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, entry.ID))

	entries, err := m.List(ctx, 1, day)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Закрытую запись нельзя снять повторно.
	assert.True(t, queue.IsConflict(m.Cancel(ctx, entry.ID)))
}

func TestPromoteWithoutGap(t *testing.T) {
	m, _, _ := setup(t)
	_, err := m.Promote(context.Background(), 1, nil, 7)
	assert.True(t, queue.IsNotFound(err))
}
