// internal/archive/s3_uploader.go
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"logroller/internal/config"
)

var ErrNoBucket = errors.New("archive: ARCHIVE_BUCKET is not set")

// putObjectAPI is the slice of *s3.Client the uploader needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader puts export objects with application-level retry. The SDK's
// own retryer is disabled so S3AppRetries is the whole budget.
type S3Uploader struct {
	bucket  string
	timeout time.Duration
	retries int
	client  putObjectAPI
	log     zerolog.Logger

	backoff    time.Duration
	maxBackoff time.Duration
}

// NewS3Uploader loads the default AWS credential chain for cfg.AWSRegion.
func NewS3Uploader(ctx context.Context, cfg config.Config, log zerolog.Logger) (*S3Uploader, error) {
	if cfg.ArchiveBucket == "" {
		return nil, ErrNoBucket
	}
	var opts []func(*awsCfgLib.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsCfgLib.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return newS3Uploader(client, cfg, log), nil
}

func newS3Uploader(client putObjectAPI, cfg config.Config, log zerolog.Logger) *S3Uploader {
	retries := cfg.S3AppRetries
	if retries < 1 {
		retries = 1
	}
	return &S3Uploader{
		bucket:     cfg.ArchiveBucket,
		timeout:    cfg.S3Timeout,
		retries:    retries,
		client:     client,
		log:        log.With().Str("component", "s3_uploader").Logger(),
		backoff:    200 * time.Millisecond,
		maxBackoff: 2 * time.Second,
	}
}

// UploadBytesWithRetryCtx tries up to S3AppRetries times with doubling
// backoff capped at 2s, stopping early when ctx ends.
func (u *S3Uploader) UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error {
	var lastErr error
	backoff := u.backoff

	for attempt := 1; attempt <= u.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := u.putObject(ctx, key, body)
		if err == nil {
			u.log.Info().Str("bucket", u.bucket).Str("key", key).Int("bytes", len(body)).Int("attempt", attempt).Msg("export uploaded")
			return nil
		}
		lastErr = err
		u.log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("s3 put failed")

		if attempt == u.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > u.maxBackoff {
				backoff = u.maxBackoff
			}
		}
	}
	return fmt.Errorf("s3 put %s after %d attempts: %w", key, u.retries, lastErr)
}

// putObject is one attempt bounded by S3Timeout.
func (u *S3Uploader) putObject(ctx context.Context, key string, body []byte) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}
