package tasks

import (
	"context"
	"log"
	"time"

	"clinicq/internal/queue"

	"github.com/robfig/cron/v3"
)

// Planner — фоновые задачи обслуживания очереди. Перевод давно отсутствующих
// в конечный статус no_show здесь не выполняется: это задача внешнего
// процесса закрытия дня.
type Planner struct {
	repo   queue.Repository
	events queue.Publisher
}

func NewPlanner(repo queue.Repository, events queue.Publisher) *Planner {
	return &Planner{repo: repo, events: events}
}

// SweepExpiredGraces находит открытые окна отсутствия с истёкшим льготным
// периодом, помечает их уведомлёнными и публикует событие для рассылки.
func (p *Planner) SweepExpiredGraces() {
	ctx := context.Background()
	now := time.Now()

	records, err := p.repo.ListExpiredAbsences(ctx, now)
	if err != nil {
		log.Println("Ошибка поиска истёкших льготных периодов:", err)
		return
	}

	for _, rec := range records {
		appt, err := p.repo.GetEntry(ctx, rec.AppointmentID)
		if err != nil {
			log.Println("Ошибка загрузки записи для истёкшего льготного периода:", err)
			continue
		}
		if err := p.repo.MarkAbsenceNotified(ctx, rec.ID); err != nil {
			log.Println("Ошибка пометки уведомления об истёкшем льготном периоде:", err)
			continue
		}
		p.events.Publish(queue.Event{
			Type:     queue.EventGraceExpired,
			ClinicID: appt.ClinicID,
			Entry:    appt,
			Data: map[string]interface{}{
				"grace_period_ends_at": rec.GracePeriodEndsAt,
				"auto_cancel":          rec.AutoCancel,
			},
		})
		log.Printf("Льготный период записи %d истёк в %s\n", rec.AppointmentID, rec.GracePeriodEndsAt.Format(time.RFC3339))
	}
}

// ExpireStaleWaitlist переводит просроченные записи листа ожидания в expired.
func (p *Planner) ExpireStaleWaitlist() {
	n, err := p.repo.ExpireWaitlistBefore(context.Background(), time.Now())
	if err != nil {
		log.Println("Ошибка при очистке листа ожидания:", err)
		return
	}
	if n > 0 {
		log.Printf("Просроченных записей листа ожидания закрыто: %d\n", n)
	}
}

// InitScheduler инициализирует планировщик cron-задач.
func (p *Planner) InitScheduler() *cron.Cron {
	c := cron.New(cron.WithSeconds())

	// Проверка льготных периодов каждую минуту.
	if _, err := c.AddFunc("0 * * * * *", p.SweepExpiredGraces); err != nil {
		log.Println("Ошибка запуска cron-задачи SweepExpiredGraces:", err)
	}

	// Очистка листа ожидания каждый день в 03:00.
	if _, err := c.AddFunc("0 0 3 * * *", p.ExpireStaleWaitlist); err != nil {
		log.Println("Ошибка запуска cron-задачи ExpireStaleWaitlist:", err)
	}

	c.Start()
	log.Println("Cron-планировщик запущен.")
	return c
}
