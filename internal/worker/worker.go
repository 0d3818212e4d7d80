package worker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"spotwatch/internal/notify"
	"spotwatch/internal/storage"
)

const defaultMaxAttempts = 8

// Observer is told how each delivery attempt ended: "delivered", "retry"
// or "failed".
type Observer interface {
	NotificationDelivery(status string)
}

// Worker delivers queued notifications through Sink.
type Worker struct {
	Store       *storage.Store
	Sink        notify.Sink
	MaxAttempts int
	Observer    Observer
	Log         *logrus.Entry
	Now         func() time.Time
}

// ProcessNext attempts delivery of one due notification. It reports
// whether a notification was found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	now := w.now()
	queued, err := w.Store.NextNotification(ctx, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	log := w.logger().WithFields(logrus.Fields{
		"notification_id": queued.ID,
		"session_id":      queued.SessionID,
		"kind":            queued.Kind,
	})

	if err := w.Sink.Notify(ctx, queued.Notification); err != nil {
		attempt := queued.Attempts + 1
		if attempt >= w.maxAttempts() {
			log.WithError(err).Error("notification delivery failed permanently")
			w.observe("failed")
			return true, w.Store.MarkFailed(ctx, queued.ID, err.Error())
		}
		next := now.Add(retryDelay(attempt))
		log.WithError(err).WithField("next_attempt", next).Warn("notification delivery failed, will retry")
		w.observe("retry")
		return true, w.Store.MarkRetry(ctx, queued.ID, err.Error(), next)
	}

	log.Debug("notification delivered")
	w.observe("delivered")
	return true, w.Store.MarkDelivered(ctx, queued.ID)
}

// Run drains the outbox until ctx is done, sleeping idleDelay whenever it
// is empty.
func (w *Worker) Run(ctx context.Context, idleDelay time.Duration) {
	if idleDelay <= 0 {
		idleDelay = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger().WithError(err).Error("worker error")
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleDelay):
			}
		}
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return 30 * time.Second
	}
	delay := 30 * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return delay
}

func (w *Worker) maxAttempts() int {
	if w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return defaultMaxAttempts
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) observe(status string) {
	if w.Observer != nil {
		w.Observer.NotificationDelivery(status)
	}
}

func (w *Worker) logger() *logrus.Entry {
	if w.Log != nil {
		return w.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
