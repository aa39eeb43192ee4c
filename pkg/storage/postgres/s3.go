package postgres

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/releasegate/pkg/config"
	"github.com/platinummonkey/releasegate/pkg/observability"
)

// S3API is the subset of the S3 client used for archiving
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Client writes audit archive objects
type S3Client struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Client creates an archive client and ensures the bucket exists
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// Static credentials for MinIO or explicit keys
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	if err := createBucketIfNotExists(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return NewS3ClientWithAPI(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ClientWithAPI wraps an existing S3 API implementation
func NewS3ClientWithAPI(client S3API, bucket, prefix string) *S3Client {
	return &S3Client{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Bucket returns the archive bucket name
func (c *S3Client) Bucket() string {
	return c.bucket
}

// PutObject uploads data under the configured prefix and returns the full key.
// The object carries a sha256 checksum in its metadata.
func (c *S3Client) PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	fullKey := key
	if c.prefix != "" {
		fullKey = path.Join(c.prefix, key)
	}

	ctx, span := observability.StartSpan(ctx, "archive.PutObject",
		observability.AttrArchiveBucket.String(c.bucket),
		observability.AttrArchiveKey.String(fullKey),
		observability.AttrArchiveByteSize.Int(len(data)),
	)
	defer span.End()

	hash := sha256.Sum256(data)
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return "", fmt.Errorf("failed to upload to s3: %w", err)
	}

	span.SetStatus(codes.Ok, "object uploaded")
	return fullKey, nil
}

// HealthCheck verifies the archive bucket is reachable
func (c *S3Client) HealthCheck(ctx context.Context) error {
	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func createBucketIfNotExists(ctx context.Context, client S3API, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !isBucketAlreadyExistsError(err) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isBucketAlreadyExistsError(err error) bool {
	var exists *types.BucketAlreadyExists
	var owned *types.BucketAlreadyOwnedByYou
	return errors.As(err, &exists) || errors.As(err, &owned)
}
