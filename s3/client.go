// Package s3 opens objects in S3 buckets as streams.
//
// It backs the s3:// scheme of the resource cache so the FreeDOS source ISO
// can be served from a private mirror instead of the public download site.
// The package only streams; writing to disk, temp files and renames are the
// cache's job.
//
// # Authentication
//
// The client uses the AWS SDK default credential chain:
//  1. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  2. Shared credentials file (~/.aws/credentials)
//  3. IAM role (if running on EC2)
//
// With no access key in the environment the client falls back to anonymous
// credentials, which is enough for public mirrors.
//
// # Security
//
// Object keys are validated before any request is made:
//   - Rejects keys containing ".."
//   - Rejects keys with absolute paths
//   - Enforces maximum key length (1024 chars)
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// objectAPI is the subset of the S3 API the client uses. It exists so tests
// can substitute an in-memory bucket.
type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client streams objects out of S3.
type Client struct {
	api    objectAPI
	logger logrus.FieldLogger
}

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (optional, defaults to us-east-1)
	Region string

	// Endpoint overrides the S3 endpoint, for S3-compatible mirrors.
	Endpoint string
}

// DefaultConfig returns a default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region: "us-east-1",
	}
}

// New creates a new S3 client.
func New(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Client, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultConfig().Region
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// If no credentials provided in env, use anonymous
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return newWithAPI(s3.NewFromConfig(awsCfg, s3Opts...), logger), nil
}

func newWithAPI(api objectAPI, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{api: api, logger: logger.WithField("component", "s3")}
}

// ParseURL splits an s3://bucket/key URL.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URL: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3:// URL: %s", raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("S3 URL has no bucket: %s", raw)
	}
	if err := validateS3Key(key); err != nil {
		return "", "", fmt.Errorf("invalid S3 key: %w", err)
	}
	return bucket, key, nil
}

// Open starts streaming bucket/key. The returned size is -1 when S3 did not
// report a content length. The caller closes the reader.
func (c *Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	if err := validateS3Key(key); err != nil {
		return nil, 0, fmt.Errorf("invalid S3 key: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
	})

	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("object s3://%s/%s not found: %w", bucket, key, err)
		}
		return nil, 0, fmt.Errorf("failed to get object metadata: %w", err)
	}

	size := int64(-1)
	if head.ContentLength != nil {
		size = *head.ContentLength
		logger.WithField("content_length", size).Debug("s3 object metadata fetched")
	}

	get, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get object: %w", err)
	}

	logger.Info("streaming s3 object")
	return get.Body, size, nil
}

// ObjectExists checks if an object exists in S3.
func (c *Client) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	// HeadObject errors carry no body, so the SDK cannot always decode a
	// typed error.
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

// validateS3Key validates an S3 key for security.
func validateS3Key(key string) error {
	if key == "" {
		return fmt.Errorf("S3 key cannot be empty")
	}

	if len(key) > 1024 {
		return fmt.Errorf("S3 key too long: %d characters (max 1024)", len(key))
	}

	if strings.Contains(key, "..") {
		return fmt.Errorf("S3 key contains path traversal: %s", key)
	}

	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("S3 key should not start with /: %s", key)
	}

	if strings.Contains(key, "\x00") {
		return fmt.Errorf("S3 key contains null byte")
	}

	return nil
}
