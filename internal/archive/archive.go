package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"polaris/internal/log"
	"polaris/internal/store"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// ObjectPutter is the subset of the S3 client the exporter uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Store interface {
	UnexportedDeadLetters(ctx context.Context, limit int) ([]store.Message, error)
	MarkExported(ctx context.Context, ids []int64) (int64, error)
}

// S3Exporter copies dead letters to an S3-compatible bucket as JSONL, one
// object per channel and run. Exported messages stay dead-lettered.
type S3Exporter struct {
	client    ObjectPutter
	store     Store
	bucket    string
	prefix    string
	batchSize int
	logger    *log.Logger
	now       func() time.Time
}

type Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	// BatchSize bounds the dead letters read per export run.
	BatchSize int
}

// NewS3Exporter loads the default AWS credential chain. A non-empty endpoint
// switches to path-style addressing for MinIO and similar services.
func NewS3Exporter(ctx context.Context, st Store, opts Options, logger *log.Logger) (*S3Exporter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	var s3opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}
	return NewWithClient(s3.NewFromConfig(cfg, s3opts...), st, opts, logger), nil
}

func NewWithClient(client ObjectPutter, st Store, opts Options, logger *log.Logger) *S3Exporter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &S3Exporter{
		client:    client,
		store:     st,
		bucket:    opts.Bucket,
		prefix:    opts.Prefix,
		batchSize: opts.BatchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Key is the object key for a channel's export taken at ts.
func (e *S3Exporter) Key(channel string, ts time.Time) string {
	return path.Join(e.prefix, channel, ts.UTC().Format("20060102T150405.000Z")+".jsonl")
}

// Export uploads msgs grouped by channel and returns the ids written.
func (e *S3Exporter) Export(ctx context.Context, msgs []store.Message) ([]int64, error) {
	var order []string
	byChannel := make(map[string][]store.Message)
	for _, m := range msgs {
		if _, ok := byChannel[m.Channel]; !ok {
			order = append(order, m.Channel)
		}
		byChannel[m.Channel] = append(byChannel[m.Channel], m)
	}

	ts := e.now()
	var written []int64
	for _, channel := range order {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, m := range byChannel[channel] {
			if err := enc.Encode(m); err != nil {
				return written, fmt.Errorf("encode message %d: %w", m.ID, err)
			}
		}
		key := e.Key(channel, ts)
		_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(e.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("application/x-ndjson"),
		})
		if err != nil {
			return written, fmt.Errorf("s3 put object %s: %w", key, err)
		}
		for _, m := range byChannel[channel] {
			written = append(written, m.ID)
		}
		e.logger.Info("Exported dead letters", zap.String("channel", channel), zap.String("key", key),
			zap.Int("count", len(byChannel[channel])))
	}
	return written, nil
}

// ExportPending exports every dead letter not yet archived and marks what
// was uploaded, even when a later channel fails.
func (e *S3Exporter) ExportPending(ctx context.Context) (int64, error) {
	msgs, err := e.store.UnexportedDeadLetters(ctx, e.batchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	written, exportErr := e.Export(ctx, msgs)
	marked, err := e.store.MarkExported(ctx, written)
	if err != nil {
		return marked, err
	}
	return marked, exportErr
}
