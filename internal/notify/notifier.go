// Package notify provides the fire-and-forget notification sink for task
// lifecycle events. Delivery failures are logged and swallowed; they must
// never affect task state.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/crossarb/pkg/logger"
)

var log = logger.WithField("component", "notify")

// EventKind classifies a notification.
type EventKind string

const (
	EventTaskStarted   EventKind = "task_started"
	EventTaskCompleted EventKind = "task_completed"
	EventTaskFailed    EventKind = "task_failed"
	EventPriceGuard    EventKind = "price_guard"
	EventHedgeFailed   EventKind = "hedge_failed" // 裸露持仓，需人工介入
	EventUnwind        EventKind = "unwind"
)

// Event is a structured notification record.
type Event struct {
	Kind    EventKind
	TaskID  string
	Title   string
	Message string
	Fields  map[string]interface{}
	At      time.Time
}

// Sender is a single delivery channel.
type Sender interface {
	Send(ctx context.Context, ev Event) error
	Name() string
}

// Notifier fans out events to all registered senders, optionally filtered by
// event kind. Notify never returns an error: sender failures are logged only.
type Notifier struct {
	senders []Sender
	allowed map[EventKind]bool
}

// New creates a Notifier. If kinds is empty, all event kinds pass the filter.
func New(senders []Sender, kinds []string) *Notifier {
	allowed := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[EventKind(strings.TrimSpace(k))] = true
	}
	return &Notifier{senders: senders, allowed: allowed}
}

// Notify dispatches the event to all senders. Fire-and-forget.
func (n *Notifier) Notify(ev Event) {
	if len(n.allowed) > 0 && !n.allowed[ev.Kind] {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, s := range n.senders {
		sender := s
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sender.Send(ctx, ev); err != nil {
				log.WithFields(logrus.Fields{
					"sender": sender.Name(),
					"kind":   ev.Kind,
					"task":   ev.TaskID,
				}).Warnf("notification delivery failed: %v", err)
			}
		}()
	}
}

// LogSender writes notifications to the structured log. Always available,
// used as the default channel when no webhook is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, ev Event) error {
	log.WithFields(logrus.Fields{
		"kind":   ev.Kind,
		"task":   ev.TaskID,
		"fields": ev.Fields,
	}).Infof("%s: %s", ev.Title, ev.Message)
	return nil
}

func (LogSender) Name() string { return "log" }
