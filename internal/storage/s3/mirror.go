// Package s3 replicates project metadata documents to an S3-compatible
// bucket (AWS, MinIO).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fruitsalade/projectd/internal/logging"
	"github.com/fruitsalade/projectd/internal/metrics"
	"github.com/fruitsalade/projectd/internal/retry"
	"github.com/fruitsalade/projectd/internal/storage"
)

// Config holds S3 mirror settings. Empty credentials fall back to the
// default AWS credential chain.
type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool // scheme for an Endpoint given without one
	// Retry governs repeated attempts after throttling and server errors.
	// Zero means retry.DefaultPolicy.
	Retry retry.Policy
}

// Mirror implements storage.Mirror using S3/MinIO.
type Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	retry  retry.Policy
}

var _ storage.Mirror = (*Mirror)(nil)

// New creates a new S3 metadata mirror.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Attempts are counted by the mirror's own policy.
		o.RetryMaxAttempts = 1
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
			o.UsePathStyle = true
		}
	})

	policy := cfg.Retry
	if policy.Attempts == 0 {
		policy = retry.DefaultPolicy()
	}
	m := &Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		retry:  policy,
	}

	// Verify bucket exists
	if err := m.ensureBucket(ctx); err != nil {
		logging.Error("mirror bucket check failed", zap.Error(err))
	}

	return m, nil
}

func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (m *Mirror) ensureBucket(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(m.bucket),
	})
	if err != nil {
		_, createErr := m.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(m.bucket),
		})
		if createErr != nil {
			metrics.RecordMirrorOperation("create_bucket", false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", m.bucket, createErr)
		}
		metrics.RecordMirrorOperation("create_bucket", true)
		logging.Info("created S3 bucket", zap.String("bucket", m.bucket))
	}
	return nil
}

func (m *Mirror) key(handle string) string {
	return path.Join(m.prefix, storage.MetadataKey(handle))
}

// retryable reports whether an S3 failure may succeed on another attempt.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}
	// Connection failures carry no response.
	return true
}

// call runs fn under the retry policy and records the outcome once.
func (m *Mirror) call(ctx context.Context, op, key string, fn func() error) error {
	start := time.Now()
	err := retry.Do(ctx, m.retry, func(attempt int) error {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return retry.Permanent(err)
		}
		if attempt < m.retry.Attempts {
			logging.Debug("S3 call failed, retrying",
				zap.String("op", op),
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
	metrics.RecordMirrorOperation(op, err == nil)
	metrics.RecordStorageOperation("s3_"+op, time.Since(start), err == nil)
	return err
}

// PutMetadata uploads a project's metadata document.
func (m *Mirror) PutMetadata(ctx context.Context, handle string, data []byte) error {
	key := m.key(handle)
	err := m.call(ctx, "put_metadata", key, func() error {
		_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(m.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/json"),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	logging.Debug("S3 put metadata", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// DeleteMetadata removes a reaped project's metadata document.
func (m *Mirror) DeleteMetadata(ctx context.Context, handle string) error {
	key := m.key(handle)
	err := m.call(ctx, "delete_metadata", key, func() error {
		_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	logging.Debug("S3 delete metadata", zap.String("key", key))
	return nil
}

// Type returns the mirror type.
func (m *Mirror) Type() string { return "s3" }
