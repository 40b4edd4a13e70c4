// Package reports archives sync reports to S3-compatible object storage.
package reports

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"cellarsync/internal/config"
	"cellarsync/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
)

const keyLayout = "sync-reports/2006/01/02/150405.json"

var loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes each report as a JSON object keyed by its UTC time.
type Archiver struct {
	logger *slog.Logger
	client putObjectAPI
	bucket string
	now    func() time.Time
}

// New creates an Archiver for cfg. Static credentials are used when an
// access key is configured, the default AWS chain otherwise. A custom
// endpoint switches to path-style addressing.
func New(ctx context.Context, logger *slog.Logger, cfg config.ReportConfig) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("report bucket is not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Archiver{logger: logger, client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// Store uploads report.
func (a *Archiver) Store(ctx context.Context, report *models.SyncReport) error {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	key := a.now().UTC().Format(keyLayout)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload report %s: %w", key, err)
	}

	a.logger.Debug("Archived sync report.", "bucket", a.bucket, "key", key)
	return nil
}
