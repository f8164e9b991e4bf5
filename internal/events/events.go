// Package events publishes security events for downstream consumers
// (alerting, SIEM). Publishing is best effort and never blocks a session
// transition.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	SessionCompromised = "session.compromised"
	PasswordChanged    = "user.password_changed"
	UserDisabled       = "user.disabled"
)

// Event is the JSON payload placed on the broker.
type Event struct {
	Type       string            `json:"type"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
