// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает периодическую сверку леджера.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/features/points"
)

// ReconcileLockName — ключ блокировки сверки в Redis.
const ReconcileLockName = "points-ledger:reconcile"

// Reconciler — сверка остатков с журналом.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]points.Discrepancy, error)
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	locker     Locker
	schedule   string
}

// NewScheduler создаёт планировщик в часовом поясе loc.
func NewScheduler(reconciler Reconciler, locker Locker, schedule string, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(loc)),
		reconciler: reconciler,
		locker:     locker,
		schedule:   schedule,
	}
}

// Start запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.RunReconcile(ctx); err != nil {
			log.WithError(err).Error("[CRON] Ошибка сверки")
		}
	})
	if err != nil {
		return fmt.Errorf("некорректное расписание сверки %q: %w", s.schedule, err)
	}

	s.cron.Start()
	log.WithField("schedule", s.schedule).Info("Планировщик задач запущен")
	return nil
}

// RunReconcile выполняет одну сверку. Если сверку уже выполняет другая реплика,
// возвращает (false, nil).
func (s *Scheduler) RunReconcile(ctx context.Context) (ran bool, err error) {
	defer recoverJob("reconcile")

	unlock, err := s.locker.TryLock(ctx, ReconcileLockName)
	if err != nil {
		log.WithError(err).Debug("[CRON] Сверка уже выполняется другой репликой")
		return false, nil
	}
	defer unlock()

	log.Info("[CRON] Сверка леджера")
	found, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		return true, err
	}
	if len(found) > 0 {
		log.WithField("discrepancies", len(found)).Warn("[CRON] Сверка нашла расхождения")
	}
	return true, nil
}

// Stop останавливает планировщик и ждёт завершения запущенных задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}
