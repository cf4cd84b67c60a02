// Package archive copies rendered artifacts to S3 compatible object storage
// so the exact files pushed to a host can be inspected after a run.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/mailstack/pkg/pipeline"
)

// Config selects the bucket artifacts are written to.
type Config struct {
	// Endpoint overrides the AWS endpoint, for Hetzner or MinIO style storage.
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string

	// Environment separates the artifacts of different deployments.
	Environment string
}

// Archiver uploads artifacts under <prefix>/<environment>/<name>.
type Archiver struct {
	s3          *s3.Client
	bucket      string
	prefix      string
	environment string
}

var _ pipeline.Archiver = (*Archiver)(nil)

// New creates an archiver. Static credentials are used when both keys are
// set, otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newArchiver(client, cfg), nil
}

func newArchiver(client *s3.Client, cfg Config) *Archiver {
	return &Archiver{
		s3:          client,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		environment: cfg.Environment,
	}
}

// Key returns the object key name is stored under.
func (a *Archiver) Key(name string) string {
	return path.Join(a.prefix, a.environment, name)
}

// Archive writes content to the bucket, replacing any previous version.
func (a *Archiver) Archive(ctx context.Context, name string, content []byte) error {
	key := a.Key(name)
	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		if isAccessDenied(err) {
			return fmt.Errorf("access denied writing %s to bucket %s: %w", key, a.bucket, err)
		}
		if isNoSuchBucket(err) {
			return fmt.Errorf("bucket %s does not exist: %w", a.bucket, err)
		}
		return fmt.Errorf("failed to put object %s in bucket %s: %w", key, a.bucket, err)
	}

	log.Debug().
		Str("bucket", a.bucket).
		Str("key", key).
		Int("bytes", len(content)).
		Msg("Archived artifact")
	return nil
}

func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "AccessDenied" || code == "InvalidAccessKeyId" || code == "SignatureDoesNotMatch"
	}
	return false
}

func isNoSuchBucket(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchBucket"
	}
	return false
}
