// Package notify surfaces push payloads as user-visible notifications.
// The core's only obligation here is decode-and-display: an opaque
// {title, body} payload arrives from the push channel and is handed to
// every registered sink with the fixed icon and badge attached. No
// further processing happens.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Defaults used when the push payload omits a field or cannot be decoded.
const (
	DefaultTitle = "New notification"
	DefaultBody  = "There is an update from Story App!"
)

// Payload is the wire shape of a push message.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Notification is what a sink displays.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Badge string `json:"badge"`
}

// Sink displays a notification. Implementations must not block longer
// than the context allows.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Dispatcher decodes push payloads and fans them out to sinks. Sink
// failures are logged and do not affect other sinks — notification
// delivery is best-effort by design of the channel.
type Dispatcher struct {
	sinks  []Sink
	icon   string
	badge  string
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithIcon sets the fixed icon and badge attached to every notification.
func WithIcon(icon, badge string) Option {
	return func(d *Dispatcher) { d.icon, d.badge = icon, badge }
}

// NewDispatcher creates a Dispatcher fanning out to the given sinks.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:  sinks,
		icon:   "/icons/icon-192.png",
		badge:  "/icons/icon-192.png",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch decodes raw push bytes and notifies every sink. A payload that
// does not decode still produces a notification with the default texts;
// the push channel is fire-and-forget and must never error out upstream.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	var p Payload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			d.logger.Warn("notify: undecodable push payload, using defaults", "error", err)
		}
	}
	if p.Title == "" {
		p.Title = DefaultTitle
	}
	if p.Body == "" {
		p.Body = DefaultBody
	}

	n := Notification{Title: p.Title, Body: p.Body, Icon: d.icon, Badge: d.badge}
	for _, s := range d.sinks {
		if err := s.Notify(ctx, n); err != nil {
			d.logger.Warn("notify: sink failed", "error", err)
		}
	}
}

// SlogSink logs notifications; the default sink when no platform surface
// is wired.
type SlogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s SlogSink) Notify(ctx context.Context, n Notification) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "notification", "title", n.Title, "body", n.Body)
	return nil
}
