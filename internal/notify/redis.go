package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"polaris/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis fans notifications out over Redis pub/sub.
type Redis struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

func NewRedis(addr, password, prefix string, logger *log.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &Redis{client: client, prefix: prefix, logger: logger}, nil
}

func (t *Redis) Notify(ctx context.Context, channel, subscriberID string, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	if err := t.client.Publish(ctx, Subject(t.prefix, channel, subscriberID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (t *Redis) Listen(channel, subscriberID string) (<-chan Notification, func(), error) {
	ctx := context.Background()
	subject := Subject(t.prefix, channel, subscriberID)
	ps := t.client.Subscribe(ctx, subject)
	// Wait for the subscription confirmation so nothing published after
	// Listen returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	out := make(chan Notification, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					t.logger.Warn("Dropping malformed notification", zap.String("subject", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- n:
				case <-done:
					return
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}
	return out, cancel, nil
}

func (t *Redis) Close() error {
	return t.client.Close()
}
