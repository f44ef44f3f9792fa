package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/domain"
)

// Scheduler evaluates enabled backup schedules on a fixed tick and enqueues
// a job whenever a schedule's fire time has passed. The fire time then
// advances by whole intervals regardless of job outcome; missed windows are
// skipped, never backfilled.
type Scheduler struct {
	db    *gorm.DB
	queue *Queue
	loc   *time.Location
}

func NewScheduler(db *gorm.DB, queue *Queue, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{db: db, queue: queue, loc: loc}
}

// ParseRunAt parses an "HH:MM" local time of day.
func ParseRunAt(runAt string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(runAt), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed run_at %q", runAt)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("malformed run_at %q", runAt)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("malformed run_at %q", runAt)
	}
	return hour, minute, nil
}

// NextFireTime computes the first fire strictly after now: prev's date
// anchored at runAt in loc, advanced in whole intervalDays steps. A zero
// prev anchors at now, so a new schedule first fires at the coming runAt.
func NextFireTime(prev, now time.Time, intervalDays int, runAt string, loc *time.Location) (time.Time, error) {
	hour, minute, err := ParseRunAt(runAt)
	if err != nil {
		return time.Time{}, err
	}
	if intervalDays < 1 {
		return time.Time{}, fmt.Errorf("invalid interval %d", intervalDays)
	}

	anchor := prev
	step := intervalDays
	if anchor.IsZero() {
		anchor = now
		step = 1 // first fire is the coming runAt, not a full interval away
	}
	anchor = anchor.In(loc)
	next := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), hour, minute, 0, 0, loc)
	for !next.After(now) {
		next = next.AddDate(0, 0, step)
		step = intervalDays
	}
	return next, nil
}

// Tick evaluates every enabled schedule once. A failure on one schedule is
// logged and never blocks the remaining schedules.
func (s *Scheduler) Tick() {
	var schedules []domain.BackupSchedule
	if err := s.db.Where("status = ?", "enabled").Find(&schedules).Error; err != nil {
		zap.L().Error("schedule scan failed", zap.Error(err))
		return
	}

	now := time.Now()
	for i := range schedules {
		s.evaluate(&schedules[i], now)
	}
}

func (s *Scheduler) evaluate(sched *domain.BackupSchedule, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("schedule evaluation panic",
				zap.String("name", sched.Name), zap.Any("panic", r))
		}
	}()

	if sched.NextRunAt.IsZero() {
		next, err := NextFireTime(time.Time{}, now, sched.IntervalDays, sched.RunAt, s.loc)
		if err != nil {
			zap.L().Error("schedule has malformed run_at",
				zap.String("name", sched.Name), zap.Error(err))
			return
		}
		s.db.Model(&domain.BackupSchedule{}).Where("id = ?", sched.ID).
			Update("next_run_at", next)
		return
	}

	if now.Before(sched.NextRunAt) {
		return
	}

	next, err := NextFireTime(sched.NextRunAt, now, sched.IntervalDays, sched.RunAt, s.loc)
	if err != nil {
		zap.L().Error("schedule has malformed run_at",
			zap.String("name", sched.Name), zap.Error(err))
		return
	}

	result, message := "success", "job enqueued"
	if _, err := s.queue.Enqueue("schedule:"+sched.Name, EnqueueOptions{
		Retention:  sched.Retention,
		TargetType: strings.ToLower(sched.TargetType),
		TargetTags: sched.TargetTags,
	}); err != nil {
		// fire time still advances: the window is consumed either way
		result, message = "failed", err.Error()
		zap.L().Error("schedule enqueue failed",
			zap.String("name", sched.Name), zap.Error(err))
	}

	s.db.Model(&domain.BackupSchedule{}).Where("id = ?", sched.ID).Updates(map[string]interface{}{
		"last_run_at":  now,
		"next_run_at":  next,
		"last_result":  result,
		"last_message": message,
	})
	zap.L().Info("schedule fired",
		zap.String("name", sched.Name), zap.Time("next_run_at", next))
}
