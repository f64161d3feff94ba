// Package notify forwards overspending alerts to delivery channels
// (email, push, WhatsApp) owned by external systems. Dispatch is strictly
// fire-and-forget: it must never block or fail the engine's transaction.
package notify

import (
	"github.com/rs/zerolog"

	"github.com/dvloznov/savings-engine/internal/domain"
)

// Dispatcher receives alerts after an event commits. Implementations must
// return quickly and swallow their own failures.
type Dispatcher interface {
	Notify(userID string, alert *domain.OverspendingAlert)
}

// LogDispatcher writes alerts to the structured log. Used as the default
// sink and in tests.
type LogDispatcher struct {
	Log zerolog.Logger
}

// Notify implements Dispatcher.
func (d *LogDispatcher) Notify(userID string, alert *domain.OverspendingAlert) {
	d.Log.Info().
		Str("user_id", userID).
		Str("alert_type", string(alert.Type)).
		Str("severity", string(alert.Severity)).
		Str("message", alert.Message).
		Msg("Overspending alert")
}

// AsyncDispatcher decouples delivery from the event path with a buffered
// queue. When the buffer is full the alert is dropped and counted, never
// blocking the caller: alerts are advisory and losing one under pressure is
// preferable to stalling ledger writes.
type AsyncDispatcher struct {
	sink  Dispatcher
	queue chan queued
	done  chan struct{}
	log   zerolog.Logger
}

type queued struct {
	userID string
	alert  *domain.OverspendingAlert
}

// NewAsyncDispatcher starts the delivery goroutine with the given buffer.
func NewAsyncDispatcher(sink Dispatcher, buffer int, log zerolog.Logger) *AsyncDispatcher {
	d := &AsyncDispatcher{
		sink:  sink,
		queue: make(chan queued, buffer),
		done:  make(chan struct{}),
		log:   log,
	}
	go d.run()
	return d
}

func (d *AsyncDispatcher) run() {
	defer close(d.done)
	for q := range d.queue {
		d.sink.Notify(q.userID, q.alert)
	}
}

// Notify implements Dispatcher. Never blocks.
func (d *AsyncDispatcher) Notify(userID string, alert *domain.OverspendingAlert) {
	select {
	case d.queue <- queued{userID: userID, alert: alert}:
	default:
		d.log.Warn().
			Str("user_id", userID).
			Str("alert_type", string(alert.Type)).
			Msg("Alert queue full, dropping alert")
	}
}

// Close stops the dispatcher after draining queued alerts.
func (d *AsyncDispatcher) Close() {
	close(d.queue)
	<-d.done
}

var (
	_ Dispatcher = (*LogDispatcher)(nil)
	_ Dispatcher = (*AsyncDispatcher)(nil)
)
