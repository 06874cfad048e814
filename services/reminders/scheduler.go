// Package reminders periodically emails recipients about documents they have not acknowledged yet.
package reminders

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trezcool/growthhub/core"
)

// Sender is implemented by document.Service.
type Sender interface {
	SendReminders(ctx context.Context, olderThan time.Duration) (int, error)
}

type Scheduler struct {
	cron         *cron.Cron
	sender       Sender
	logger       core.Logger
	schedule     string
	pendingAfter time.Duration
	timeout      time.Duration
}

func NewScheduler(sender Sender, logger core.Logger, conf *core.Config) *Scheduler {
	return &Scheduler{
		cron:         cron.New(cron.WithLocation(time.UTC)),
		sender:       sender,
		logger:       logger,
		schedule:     conf.Reminders.Schedule,
		pendingAfter: conf.Reminders.PendingAfter,
		timeout:      time.Minute,
	}
}

// Start registers the reminder job and starts the cron engine in its own goroutine.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.Run); err != nil {
		return errors.Wrapf(err, "scheduling reminders %q", s.schedule)
	}
	s.cron.Start()
	s.logger.Info("reminders scheduled", map[string]interface{}{"schedule": s.schedule})
	return nil
}

// Stop waits for a running job to complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Run sends one round of reminders.
func (s *Scheduler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.sender.SendReminders(ctx, s.pendingAfter)
	if err != nil {
		s.logger.Error("sending reminders", err)
		return
	}
	s.logger.Info("reminders sent", map[string]interface{}{"recipients": n})
}
