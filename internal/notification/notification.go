// Package notification sends alerts about finished runs through configured
// channels (webhook, Slack, Telegram).
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jkaninda/cubelink/internal/config"
)

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("webhook", "slack", "telegram").
	Type() string
	// Send delivers a message to the target specified by the channel.
	Send(ctx context.Context, ch *Channel, msg *Message) error
}

// Channel is a configured alert destination.
type Channel struct {
	Name     string
	Type     string
	Settings map[string]string
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject  string            // Bold heading on chat channels.
	Body     string            // Plain text body.
	Metadata map[string]string // Extra data (run_id, port, outcome).
}

// Dispatcher routes notifications to the appropriate Sender based on channel type.
type Dispatcher struct {
	senders  map[string]Sender
	channels []Channel
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewDispatcher creates a dispatcher for the given channels.
func NewDispatcher(channels []Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		senders:  make(map[string]Sender),
		channels: channels,
		logger:   logger.With("component", "notification"),
	}
}

// FromConfig builds a dispatcher with every built-in sender registered.
func FromConfig(cfg *config.NotificationConfig, logger *slog.Logger) *Dispatcher {
	channels := make([]Channel, len(cfg.Channels))
	for i, c := range cfg.Channels {
		channels[i] = Channel{Name: c.Name, Type: c.Type, Settings: c.Settings}
	}
	d := NewDispatcher(channels, logger)
	d.RegisterSender(NewWebhookSender(d.logger))
	d.RegisterSender(NewSlackSender(d.logger))
	d.RegisterSender(NewTelegramSender(d.logger))
	return d
}

// RegisterSender adds a channel backend. Call at startup only.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Type()] = s
}

// Channels returns the configured channels.
func (d *Dispatcher) Channels() []Channel { return d.channels }

// Notify sends a message to every channel. Returns per-channel errors
// keyed by channel name (nil = success).
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) map[string]error {
	errs := make(map[string]error, len(d.channels))

	for i := range d.channels {
		ch := &d.channels[i]

		d.mu.RLock()
		sender, ok := d.senders[ch.Type]
		d.mu.RUnlock()
		if !ok {
			errs[ch.Name] = fmt.Errorf("no sender registered for channel type %q", ch.Type)
			continue
		}

		if err := sender.Send(ctx, ch, msg); err != nil {
			errs[ch.Name] = err
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		errs[ch.Name] = nil
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("channel", ch.Name),
			slog.String("type", ch.Type),
		)
	}

	return errs
}
