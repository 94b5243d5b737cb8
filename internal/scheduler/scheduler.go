package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"tutorgo/internal/realtime"
	"tutorgo/internal/service/tutor"
)

// Scheduler delivers due reminders over the realtime hub. It ticks every
// minute, fires anything past its remind_at, re-arms recurring reminders
// from their cron rule, and marks one-shots fired.
type Scheduler struct {
	store *tutor.Service
	hub   *realtime.Hub
	cron  *cron.Cron
}

// New constructs a stopped scheduler.
func New(store *tutor.Service, hub *realtime.Hub) *Scheduler {
	return &Scheduler{
		store: store,
		hub:   hub,
		cron:  cron.New(),
	}
}

// Start begins the minute tick. Returns any cron registration error.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("* * * * *", s.fire); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the tick; in-flight firings complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		log.WithError(err).Error("load due reminders failed")
		return
	}

	for i := range due {
		rem := due[i]
		if s.hub != nil {
			s.hub.BroadcastReminder(&rem)
		}

		if rem.IsRecurring && rem.RecurrenceRule != "" {
			sched, err := cron.ParseStandard(rem.RecurrenceRule)
			if err != nil {
				log.WithError(err).WithField("reminder_id", rem.ID).Warn("bad recurrence rule, firing once")
				if err := s.store.MarkReminderFired(ctx, rem.ID, now); err != nil {
					log.WithError(err).WithField("reminder_id", rem.ID).Error("mark reminder fired failed")
				}
				continue
			}
			next := sched.Next(now)
			if err := s.store.RearmReminder(ctx, rem.ID, next); err != nil {
				log.WithError(err).WithField("reminder_id", rem.ID).Error("rearm reminder failed")
			}
			continue
		}

		if err := s.store.MarkReminderFired(ctx, rem.ID, now); err != nil {
			log.WithError(err).WithField("reminder_id", rem.ID).Error("mark reminder fired failed")
		}
	}
}
