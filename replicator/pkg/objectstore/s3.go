package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/malbeclabs/replicator/utils/pkg/retry"
)

// S3API is the subset of the S3 client used by the store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type S3Config struct {
	Logger *slog.Logger
	Client S3API
	Bucket string
	// SSEAlgorithm is applied to every write when set (e.g. "AES256").
	SSEAlgorithm string
	// Retry governs transient read and write failures. Zero means
	// retry.DefaultConfig().
	Retry retry.Config
}

func (cfg *S3Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// S3 is a Store backed by an S3 bucket.
type S3 struct {
	log *slog.Logger
	cfg S3Config
}

func NewS3(cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3{log: cfg.Logger, cfg: cfg}, nil
}

// NewS3Client builds an S3 client from the default AWS credential chain.
// endpoint is optional and enables path-style addressing for S3-compatible
// services.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (s *S3) Bucket() string {
	return s.cfg.Bucket
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	return retry.DoValue(ctx, s.cfg.Retry, func() ([]byte, error) {
		return s.get(ctx, key)
	})
}

func (s *S3) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, &NotFoundError{Bucket: s.cfg.Bucket, Key: key}
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	return data, nil
}

func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if s.cfg.SSEAlgorithm != "" {
		in.ServerSideEncryption = types.ServerSideEncryption(s.cfg.SSEAlgorithm)
	}
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		in.Body = bytes.NewReader(data)
		_, err := s.cfg.Client.PutObject(ctx, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	s.log.Debug("objectstore: wrote object", "bucket", s.cfg.Bucket, "key", key, "bytes", len(data))
	return nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.cfg.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head s3://%s/%s: %w", s.cfg.Bucket, key, err)
}
