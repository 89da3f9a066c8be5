package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Notification is one live event pushed to a subscriber.
type Notification struct {
	MessageID   int64           `json:"messageId,omitempty"`
	Channel     string          `json:"channel"`
	EventType   string          `json:"eventType"`
	Sender      string          `json:"sender,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Notifier delivers live notifications. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, channel, subscriberID string, n Notification) error
	Close() error
}

// Listener receives the notifications addressed to one subscriber.
type Listener interface {
	// Listen delivers notifications on the returned channel. Call the
	// returned cancel function to stop listening and close the channel.
	Listen(channel, subscriberID string) (<-chan Notification, func(), error)
	Close() error
}

type Transport interface {
	Notifier
	Listener
}

// Subject builds the transport address of a subscriber. Characters that are
// wildcards or separators on NATS are replaced so every subscriber maps to
// exactly one literal subject.
func Subject(prefix, channel, subscriberID string) string {
	return prefix + "." + sanitize(channel) + "." + sanitize(subscriberID)
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func sanitize(token string) string {
	if token == "" {
		return "_"
	}
	return subjectReplacer.Replace(token)
}
