// Package notify pushes operator alerts to one or more channels. Events are
// filtered by type and delivered from a background queue so trading code never
// waits on a chat API.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"upbitScalper/internal/ports"
)

// Event types emitted by the bot.
const (
	EventEntry     = "entry"
	EventExit      = "exit"
	EventReconcile = "reconcile"
	EventEmergency = "emergency"
	EventStatus    = "status"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type message struct {
	event string
	text  string
}

// Config holds configuration for the Notifier.
type Config struct {
	Senders   []Sender
	Events    []string // Allowed event types; empty allows all
	Title     string   // Prefix for every message title, e.g. the market
	QueueSize int      // Defaults to 64
	Logger    ports.Logger
}

// Notifier implements ports.Notifier with an event filter and an async queue.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	title   string
	queue   chan message
	logger  ports.Logger
}

// NewNotifier builds a Notifier; call Run to start delivery.
func NewNotifier(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for notifier")
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: cfg.Senders,
		events:  allowed,
		title:   cfg.Title,
		queue:   make(chan message, size),
		logger:  cfg.Logger,
	}, nil
}

// Allowed reports whether an event type passes the filter.
func (n *Notifier) Allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify enqueues a message; it never blocks and drops when the queue is full.
func (n *Notifier) Notify(event, text string) {
	if len(n.senders) == 0 || !n.Allowed(event) {
		return
	}
	select {
	case n.queue <- message{event: event, text: text}:
	default:
		n.logger.Warn(context.Background(), "Notification queue full, dropping", map[string]interface{}{"event": event})
	}
}

// Run delivers queued messages until ctx is done, then drains what is left.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-n.queue:
			n.dispatch(ctx, msg)
		case <-ctx.Done():
			n.drain()
			return nil
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-n.queue:
			n.dispatch(ctx, msg)
		default:
			return
		}
	}
}

// dispatch sends to every sender; one failing sender does not block the rest.
func (n *Notifier) dispatch(ctx context.Context, msg message) {
	title := msg.event
	if n.title != "" {
		title = n.title + " " + msg.event
	}
	for _, s := range n.senders {
		if err := s.Send(ctx, title, msg.text); err != nil {
			n.logger.Error(ctx, err, "Notification sender failed", map[string]interface{}{
				"sender": s.Name(),
				"event":  msg.event,
			})
			continue
		}
		n.logger.Debug(ctx, "Notification sent", map[string]interface{}{"sender": s.Name(), "event": msg.event})
	}
}

var _ ports.Notifier = (*Notifier)(nil)
