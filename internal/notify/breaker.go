package notify

import (
	"context"
	"time"

	"polaris/internal/log"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker stops calling a failing transport for a while so publishers do not
// pay a timeout per subscriber while it is down.
type Breaker struct {
	next   Notifier
	cb     *gobreaker.CircuitBreaker
	logger *log.Logger
}

func NewBreaker(next Notifier, logger *log.Logger) *Breaker {
	b := &Breaker{next: next, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Notification circuit changed state",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return b
}

func (b *Breaker) Notify(ctx context.Context, channel, subscriberID string, n Notification) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Notify(ctx, channel, subscriberID, n)
	})
	return err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Close() error {
	return b.next.Close()
}
