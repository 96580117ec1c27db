// Package notify provides a multi-channel alerting system. Alert events are
// rendered once and dispatched to all registered senders (Telegram, Discord,
// etc.), can be filtered by event type so operators receive only the alerts
// they care about, and are mirrored best effort onto the event bus for
// external subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mzulkifli/arbot/internal/domain"
)

// queueSize bounds alerts waiting for delivery; overflow drops the newest.
const queueSize = 128

// deliverTimeout caps one delivery round across all senders.
const deliverTimeout = 30 * time.Second

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier implements domain.Alerter. It maintains a set of allowed event
// types; alerts whose type is not in the set are dropped after logging. If no
// event types were configured, everything passes.
type Notifier struct {
	senders []Sender
	events  map[domain.AlertType]bool
	bus     domain.EventBus
	channel string
	logger  *slog.Logger

	queue     chan domain.AlertEvent
	dropped   atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
}

// NewNotifier creates a Notifier delivering to the given senders. bus may be
// nil; when set, every alert that passes the filter is also published as JSON
// on the given bus channel.
func NewNotifier(senders []Sender, events []string, bus domain.EventBus, channel string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.AlertType]bool, len(events))
	for _, e := range events {
		allowed[domain.AlertType(strings.TrimSpace(e))] = true
	}
	n := &Notifier{
		senders: senders,
		events:  allowed,
		bus:     bus,
		channel: channel,
		logger:  logger.With(slog.String("component", "notifier")),
		queue:   make(chan domain.AlertEvent, queueSize),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Alert enqueues one alert event for delivery and returns immediately. The
// caller sits on the trading decision path, so enqueueing never blocks: when
// the queue is full the event is dropped and counted.
func (n *Notifier) Alert(ctx context.Context, ev domain.AlertEvent) {
	if len(n.events) > 0 && !n.events[ev.Type] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("type", string(ev.Type)),
		)
		return
	}

	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
		n.logger.WarnContext(ctx, "alert queue full, event dropped",
			slog.String("type", string(ev.Type)),
			slog.Uint64("dropped_total", n.dropped.Load()),
		)
	}
}

// Dropped reports how many alerts were discarded on queue overflow.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Close stops accepting alerts, delivers what is already queued, and waits
// for the delivery worker to exit.
func (n *Notifier) Close() error {
	n.closeOnce.Do(func() { close(n.queue) })
	<-n.done
	return nil
}

// run is the delivery worker. Slow senders stall only this goroutine.
func (n *Notifier) run() {
	defer close(n.done)
	for ev := range n.queue {
		n.deliver(ev)
	}
}

func (n *Notifier) deliver(ev domain.AlertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	n.mirror(ctx, ev)

	title, message := render(ev)
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("type", string(ev.Type)),
			)
		}
	}
}

// mirror publishes the alert onto the event bus for external subscribers.
func (n *Notifier) mirror(ctx context.Context, ev domain.AlertEvent) {
	if n.bus == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Type     string            `json:"type"`
		Severity string            `json:"severity"`
		Payload  map[string]string `json:"payload"`
		At       string            `json:"at"`
	}{
		Type:     string(ev.Type),
		Severity: string(ev.Severity),
		Payload:  ev.Payload,
		At:       ev.At.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return
	}
	if err := n.bus.Publish(ctx, n.channel, payload); err != nil {
		n.logger.DebugContext(ctx, "event bus publish failed",
			slog.String("error", err.Error()),
		)
	}
}

// render produces the title and body shared by all senders. Payload keys are
// sorted so repeated alerts of the same shape read identically.
func render(ev domain.AlertEvent) (title, message string) {
	title = fmt.Sprintf("[%s] %s", strings.ToUpper(string(ev.Severity)), string(ev.Type))

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, ev.Payload[k])
	}
	fmt.Fprintf(&b, "at: %s", ev.At.Format("2006-01-02 15:04:05 MST"))
	return title, b.String()
}

// Compile-time interface check.
var _ domain.Alerter = (*Notifier)(nil)
