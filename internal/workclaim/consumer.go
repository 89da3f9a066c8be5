package workclaim

import (
	"context"
	"fmt"
	"time"

	"polaris/internal/log"
	"polaris/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed message. A nil error completes it; any error
// fails it and lets the retry policy decide its fate.
type Handler func(ctx context.Context, m store.Message) error

type ConsumerOptions struct {
	Channel      string
	EventTypes   []string
	Worker       string
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
}

// Consumer claims batches from one channel and runs the handler over them.
type Consumer struct {
	claimer *Claimer
	handler Handler
	opts    ConsumerOptions
	logger  *log.Logger
	trigger chan struct{}
}

func NewConsumer(claimer *Claimer, handler Handler, opts ConsumerOptions, logger *log.Logger) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Consumer{
		claimer: claimer,
		handler: handler,
		opts:    opts,
		logger:  logger.With(zap.String("channel", opts.Channel), zap.String("worker", opts.Worker)),
		trigger: make(chan struct{}, 1),
	}
}

// Run polls until ctx is done. A full batch triggers the next poll right away.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	c.logger.Info("Consumer started")

	poll := func() {
		n, err := c.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Failed to process batch", zap.Error(err))
			}
			return
		}
		if n >= c.opts.BatchSize {
			c.Trigger()
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer shutting down")
			return
		case <-ticker.C:
			poll()
		case <-c.trigger:
			ticker.Reset(c.opts.PollInterval)
			poll()
		}
	}
}

// Trigger wakes the consumer immediately. It never blocks.
func (c *Consumer) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// ProcessOnce claims one batch, handles it and returns how many messages
// were claimed.
func (c *Consumer) ProcessOnce(ctx context.Context) (int, error) {
	msgs, err := c.claimer.Claim(ctx, ClaimRequest{
		Channel:    c.opts.Channel,
		Worker:     c.opts.Worker,
		EventTypes: c.opts.EventTypes,
		BatchSize:  c.opts.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, m := range msgs {
		m := m
		g.Go(func() error {
			c.process(gctx, m)
			return nil
		})
	}
	return len(msgs), g.Wait()
}

func (c *Consumer) process(ctx context.Context, m store.Message) {
	start := time.Now()
	herr := c.handle(ctx, m)
	req := CompleteRequest{ID: m.ID, Worker: c.opts.Worker, Success: herr == nil}
	if herr != nil {
		req.Error = herr.Error()
	}
	status, err := c.claimer.Complete(context.WithoutCancel(ctx), req)
	if err != nil {
		c.logger.Error("Failed to complete message", zap.Int64("message_id", m.ID), zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.Int64("message_id", m.ID),
		zap.String("event_type", m.EventType),
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(start)),
	}
	if herr != nil {
		c.logger.Warn("Message failed", append(fields, zap.Error(herr))...)
		return
	}
	c.logger.Debug("Message processed", fields...)
}

func (c *Consumer) handle(ctx context.Context, m store.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, m)
}
