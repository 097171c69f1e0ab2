package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fusion_gateway/internal/models"
	"fusion_gateway/internal/utils"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the usage archive
type S3Config struct {
	Bucket string
	Region string
	Prefix string

	// Endpoint overrides the AWS endpoint for S3-compatible stores; path-style addressing is used with it
	Endpoint string

	// NodeName disambiguates objects written by concurrent replicas
	NodeName string
}

// S3Writer writes batches of usage records to S3 as JSON Lines objects
type S3Writer struct {
	client objectPutter
	bucket string
	prefix string
	node   string
	now    func() time.Time
	logger *utils.Logger
}

// NewS3Writer loads the default AWS credential chain for the configured region
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Writer(client, cfg), nil
}

func newS3Writer(client objectPutter, cfg S3Config) *S3Writer {
	node := cfg.NodeName
	if node == "" {
		node = "gateway"
	}
	return &S3Writer{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		node:   node,
		now:    time.Now,
		logger: utils.NewLogger("s3-writer"),
	}
}

// WriteBatch uploads records as one object and returns its key.
// Keys look like usage/2026/10/16/gateway-0-20261016-143022-123456789.jsonl
func (w *S3Writer) WriteBatch(ctx context.Context, records []*models.UsageRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	now := w.now().UTC()
	key := fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%09d.jsonl",
		w.prefix,
		now.Year(), now.Month(), now.Day(),
		w.node,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("failed to encode usage record %s: %w", rec.RequestID, err)
		}
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Debug("Wrote usage batch", "key", key, "count", len(records), "bytes", buf.Len())
	return key, nil
}
