package notify

import (
	"context"
	"sync"
)

// Noop drops notifications. Listeners never receive anything.
type Noop struct{}

func (Noop) Notify(ctx context.Context, channel, subscriberID string, n Notification) error {
	return nil
}

func (Noop) Listen(channel, subscriberID string) (<-chan Notification, func(), error) {
	ch := make(chan Notification)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (Noop) Close() error {
	return nil
}
