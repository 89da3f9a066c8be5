package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"polaris/internal/log"
	"polaris/internal/metrics"
	"polaris/internal/notify"
	"polaris/internal/store"

	"go.uber.org/zap"
)

var (
	// ErrInvalidPayload is returned for payloads that are not a JSON object or
	// array, and for event types the channel does not support.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidSubscription is returned for unknown modes and filters that do
	// not compile.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrNotSubscribed is returned when streaming for an inactive subscriber.
	ErrNotSubscribed = errors.New("not subscribed")
)

// DefaultIdleTimeout is how long a subscriber may stay silent before the
// inactivity sweep deactivates it.
const DefaultIdleTimeout = 24 * time.Hour

type Store interface {
	GetChannel(ctx context.Context, name string) (store.Channel, error)
	ActiveSubscribers(ctx context.Context, channel string) ([]store.Subscriber, error)
	AppendEvent(ctx context.Context, p store.EnqueueParams, persist bool, subscriberCount int) (int64, error)
	UpsertSubscriber(ctx context.Context, sub store.Subscriber) (store.Subscriber, error)
	DeactivateSubscriber(ctx context.Context, channel, subscriberID string) (bool, error)
	TouchSubscriber(ctx context.Context, channel, subscriberID string) (bool, error)
	DeactivateIdleSubscribers(ctx context.Context, idle time.Duration) (int64, error)
}

type PublishRequest struct {
	Channel   string
	EventType string
	Payload   json.RawMessage
	Sender    string
	Persist   bool
}

type PublishResult struct {
	// NotifiedCount is the number of live subscribers the event was pushed to.
	NotifiedCount int
	// MessageID is set when the event was persisted.
	MessageID int64
	Persisted bool
}

type SubscribeRequest struct {
	Channel      string
	SubscriberID string
	Mode         store.SubscriptionMode
	Filter       string
}

type Broker struct {
	store    Store
	notifier notify.Notifier
	listener notify.Listener
	filters  *filterCache
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// New builds a broker. notifier and listener may be the same transport; a nil
// one falls back to notify.Noop.
func New(st Store, notifier notify.Notifier, listener notify.Listener, m *metrics.Metrics, logger *log.Logger) *Broker {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if listener == nil {
		listener = notify.Noop{}
	}
	return &Broker{
		store:    st,
		notifier: notifier,
		listener: listener,
		filters:  newFilterCache(filterCacheSize),
		metrics:  m,
		logger:   logger,
	}
}

// Publish delivers an event to a channel's subscribers. The message row (when
// persisted) and the audit record are written atomically before any live
// notification goes out; notification failures never fail the publish.
func (b *Broker) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	if err := validatePayload(req.EventType, req.Payload); err != nil {
		return PublishResult{}, err
	}
	ch, err := b.store.GetChannel(ctx, req.Channel)
	if err != nil {
		return PublishResult{}, err
	}
	if !ch.Active {
		return PublishResult{}, fmt.Errorf("%w: %s is inactive", store.ErrUnknownChannel, req.Channel)
	}
	if !ch.Supports(req.EventType) {
		return PublishResult{}, fmt.Errorf("%w: channel %s does not accept event type %q", ErrInvalidPayload, req.Channel, req.EventType)
	}

	subs, err := b.store.ActiveSubscribers(ctx, req.Channel)
	if err != nil {
		return PublishResult{}, err
	}
	ev := newEvent(req.Channel, req.EventType, req.Sender, req.Payload)
	var live []store.Subscriber
	matched := 0
	persist := req.Persist
	for _, sub := range subs {
		f, err := b.filters.get(sub.Filter)
		if err != nil {
			// Filters are validated on subscribe; a stale bad one just never matches.
			b.logger.Warn("Skipping subscriber with invalid filter", zap.String("channel", req.Channel),
				zap.String("subscriber_id", sub.SubscriberID), zap.Error(err))
			continue
		}
		if !f.match(ev) {
			continue
		}
		matched++
		if sub.Mode.Persistent() {
			persist = true
		}
		if sub.Mode.Live() {
			live = append(live, sub)
		}
	}

	msgID, err := b.store.AppendEvent(ctx, store.EnqueueParams{
		Channel:   req.Channel,
		EventType: req.EventType,
		Payload:   req.Payload,
		Sender:    req.Sender,
	}, persist, matched)
	if err != nil {
		return PublishResult{}, err
	}

	n := notify.Notification{
		MessageID:   msgID,
		Channel:     req.Channel,
		EventType:   req.EventType,
		Sender:      req.Sender,
		Payload:     req.Payload,
		PublishedAt: time.Now().UTC(),
	}
	for _, sub := range live {
		if err := b.notifier.Notify(ctx, req.Channel, sub.SubscriberID, n); err != nil {
			b.logger.Warn("Failed to notify subscriber", zap.String("channel", req.Channel),
				zap.String("subscriber_id", sub.SubscriberID), zap.Error(err))
		}
	}

	b.metrics.Published(req.Channel, persist, len(live))
	b.logger.Debug("Published event", zap.String("channel", req.Channel), zap.String("event_type", req.EventType),
		zap.Int("notified", len(live)), zap.Bool("persisted", persist), zap.Int64("message_id", msgID))
	return PublishResult{NotifiedCount: len(live), MessageID: msgID, Persisted: persist}, nil
}

func validatePayload(eventType string, payload json.RawMessage) error {
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidPayload)
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: payload is empty", ErrInvalidPayload)
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return fmt.Errorf("%w: payload must be a JSON object or array", ErrInvalidPayload)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
	}
	return nil
}

// Subscribe registers or refreshes a subscription. Subscribing again is
// idempotent and reactivates a subscription that was dropped.
func (b *Broker) Subscribe(ctx context.Context, req SubscribeRequest) (store.Subscriber, error) {
	if strings.TrimSpace(req.SubscriberID) == "" {
		return store.Subscriber{}, fmt.Errorf("%w: subscriber id is required", ErrInvalidSubscription)
	}
	if req.Mode == "" {
		req.Mode = store.ModeLive
	}
	if !req.Mode.Valid() {
		return store.Subscriber{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidSubscription, req.Mode)
	}
	if _, err := b.filters.get(req.Filter); err != nil {
		return store.Subscriber{}, fmt.Errorf("%w: filter: %v", ErrInvalidSubscription, err)
	}
	ch, err := b.store.GetChannel(ctx, req.Channel)
	if err != nil {
		return store.Subscriber{}, err
	}
	if !ch.Active {
		return store.Subscriber{}, fmt.Errorf("%w: %s is inactive", store.ErrUnknownChannel, req.Channel)
	}
	sub, err := b.store.UpsertSubscriber(ctx, store.Subscriber{
		Channel:      req.Channel,
		SubscriberID: req.SubscriberID,
		Mode:         req.Mode,
		Filter:       strings.TrimSpace(req.Filter),
	})
	if err != nil {
		return store.Subscriber{}, err
	}
	b.logger.Info("Subscriber registered", zap.String("channel", req.Channel),
		zap.String("subscriber_id", req.SubscriberID), zap.String("mode", string(req.Mode)))
	return sub, nil
}

// Unsubscribe deactivates the subscription. It reports false when there was
// no active subscription.
func (b *Broker) Unsubscribe(ctx context.Context, channel, subscriberID string) (bool, error) {
	ok, err := b.store.DeactivateSubscriber(ctx, channel, subscriberID)
	if err != nil {
		return false, err
	}
	if ok {
		b.logger.Info("Subscriber removed", zap.String("channel", channel), zap.String("subscriber_id", subscriberID))
	}
	return ok, nil
}

// Touch records subscriber activity so the inactivity sweep keeps it.
func (b *Broker) Touch(ctx context.Context, channel, subscriberID string) (bool, error) {
	return b.store.TouchSubscriber(ctx, channel, subscriberID)
}

// SweepInactive deactivates subscribers idle for longer than idle.
func (b *Broker) SweepInactive(ctx context.Context, idle time.Duration) (int64, error) {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	n, err := b.store.DeactivateIdleSubscribers(ctx, idle)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Info("Deactivated idle subscribers", zap.Int64("count", n), zap.Duration("idle", idle))
	}
	return n, nil
}

// Stream returns the live notifications for an active subscriber. The
// returned function stops the stream.
func (b *Broker) Stream(ctx context.Context, channel, subscriberID string) (<-chan notify.Notification, func(), error) {
	ok, err := b.store.TouchSubscriber(ctx, channel, subscriberID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrNotSubscribed, subscriberID, channel)
	}
	return b.listener.Listen(channel, subscriberID)
}
