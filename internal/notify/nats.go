package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"polaris/internal/log"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS publishes notifications as JSON on per-subscriber subjects.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *log.Logger
}

// NewNATS connects with automatic reconnection. Extra nats.Option values are
// appended to the defaults.
func NewNATS(url, prefix string, logger *log.Logger, opts ...nats.Option) (*NATS, error) {
	defaults := []nats.Option{
		nats.Name("polaris"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATS{conn: nc, prefix: prefix, logger: logger}, nil
}

func (t *NATS) Notify(ctx context.Context, channel, subscriberID string, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return t.conn.Publish(Subject(t.prefix, channel, subscriberID), data)
}

func (t *NATS) Listen(channel, subscriberID string) (<-chan Notification, func(), error) {
	ch := make(chan Notification, 64)
	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)
	subject := Subject(t.prefix, channel, subscriberID)
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			t.logger.Warn("Dropping malformed notification", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- n:
		default:
			// Slow listener; live delivery is best-effort.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	if err := t.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Flush waits until the server has processed every published notification.
func (t *NATS) Flush() error {
	return t.conn.Flush()
}

func (t *NATS) Close() error {
	t.conn.Close()
	return nil
}
