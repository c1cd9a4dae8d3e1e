package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/scheduler"
	"github.com/notifyhub/dispatch/internal/store"
)

// Confirmer is the source of delivery confirmations. The timer-based
// implementation below simulates a provider callback; a webhook ingress can
// replace it without touching the worker.
type Confirmer interface {
	ScheduleConfirm(notificationID string)
}

// TimerConfirmer transitions sent notifications to delivered after a fixed
// delay. MarkDelivered only applies while the row is still sent, so a
// confirmation racing a cancel or firing twice is a no-op.
type TimerConfirmer struct {
	store  store.Store
	sched  *scheduler.Scheduler
	delay  time.Duration
	logger *zap.Logger
}

func NewTimerConfirmer(st store.Store, sched *scheduler.Scheduler, delay time.Duration, logger *zap.Logger) *TimerConfirmer {
	return &TimerConfirmer{store: st, sched: sched, delay: delay, logger: logger}
}

func (c *TimerConfirmer) ScheduleConfirm(notificationID string) {
	c.sched.Schedule(time.Now().Add(c.delay), func(ctx context.Context) {
		if err := c.store.MarkDelivered(ctx, notificationID, time.Now().UTC()); err != nil {
			c.logger.Error("delivery confirmation failed",
				zap.String("notification_id", notificationID), zap.Error(err))
		}
	})
}

var _ Confirmer = (*TimerConfirmer)(nil)
