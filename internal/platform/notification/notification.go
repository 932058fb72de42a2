// Package notification delivers scheduling events to pet owners and staff.
// Delivery is fire-and-forget: Notify never returns an error and callers
// never roll back a state change because a message could not be sent.
package notification

import (
	"context"
	"time"
)

type EventType string

const (
	EventSlotAvailable  EventType = "waitlist_slot_available"
	EventOfferConfirmed EventType = "waitlist_confirmed"
	EventOfferDeclined  EventType = "waitlist_declined"
	EventOfferExpired   EventType = "waitlist_offer_expired"
	EventNearLimit      EventType = "recurrence_limit_warning"
	EventPatternPaused  EventType = "recurrence_paused"
	EventPatternResumed EventType = "recurrence_resumed"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// DefaultChannels is used when an event names none.
var DefaultChannels = []Channel{ChannelEmail, ChannelSMS}

type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Event struct {
	Type       EventType         `json:"type"`
	TenantID   string            `json:"tenant_id"`
	Recipient  Recipient         `json:"recipient"`
	Channels   []Channel         `json:"channels,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Dispatcher is the notification collaborator used by the domain packages.
type Dispatcher interface {
	Notify(ctx context.Context, evt Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
