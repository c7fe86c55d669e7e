package credentials

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/metrics"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Store struct {
	client S3API
	bucket string
	prefix string
	logger *zap.Logger
}

type S3StoreOptions struct {
	Bucket string
	Region string
	Prefix string
}

func NewS3Store(ctx context.Context, opts S3StoreOptions, logger *zap.Logger) (*S3Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg), opts, logger), nil
}

func NewS3StoreWithClient(client S3API, opts S3StoreOptions, logger *zap.Logger) *S3Store {
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	if prefix == "" {
		prefix = "session-credentials"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Store{client: client, bucket: opts.Bucket, prefix: prefix, logger: logger}
}

func (s *S3Store) key(instanceID string) string {
	return s.prefix + "/" + instanceID + ".json"
}

func (s *S3Store) Load(ctx context.Context, instanceID string) ([]byte, error) {
	var out *s3.GetObjectOutput
	err := s.retry(ctx, "get_object", func(callCtx context.Context) error {
		var getErr error
		out, getErr = s.client.GetObject(callCtx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(instanceID)),
		})
		return getErr
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return b, nil
}

func (s *S3Store) Save(ctx context.Context, instanceID string, blob []byte) error {
	err := s.retry(ctx, "put_object", func(callCtx context.Context) error {
		_, putErr := s.client.PutObject(callCtx, &s3.PutObjectInput{
			Bucket:               aws.String(s.bucket),
			Key:                  aws.String(s.key(instanceID)),
			Body:                 bytes.NewReader(blob),
			ContentType:          aws.String("application/json"),
			ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		})
		return putErr
	})
	if err != nil {
		return fmt.Errorf("put credentials: %w", err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, instanceID string) error {
	err := s.retry(ctx, "delete_object", func(callCtx context.Context) error {
		_, delErr := s.client.DeleteObject(callCtx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(instanceID)),
		})
		return delErr
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

func (s *S3Store) retry(ctx context.Context, opName string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 100 * time.Millisecond
		maxDelay    = time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientS3Error(err) || attempt == maxAttempts {
			return err
		}
		metrics.Default().IncCounter("linkgate_s3_retries_total", map[string]string{
			"op":     opName,
			"reason": s3ErrorCode(err),
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		s.logger.Warn("s3_retry",
			zap.String("op", opName),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	return floor + time.Duration(n)
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "NoSuchKey" || code == "NotFound"
}

func isTransientS3Error(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "SlowDown",
		"Throttling",
		"ThrottlingException",
		"RequestTimeout",
		"RequestTimeTooSkewed",
		"ServiceUnavailable",
		"InternalError":
		return true
	default:
		return false
	}
}

func s3ErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
