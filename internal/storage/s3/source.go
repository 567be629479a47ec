// Package s3 opens archive objects from S3 or any S3-compatible store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/JakeFAU/archive-scanner/internal/archive"
	"github.com/JakeFAU/archive-scanner/internal/storage"
)

// DefaultRegion is where the public Common Crawl bucket lives.
const DefaultRegion = "us-east-1"

// Config captures the parameters required to reach the bucket.
type Config struct {
	Region string `mapstructure:"region"`
	// Endpoint overrides the S3 endpoint (MinIO, Ceph, test servers).
	Endpoint string `mapstructure:"endpoint"`
	// Anonymous sends unsigned requests, which public buckets accept.
	Anonymous bool `mapstructure:"anonymous"`
	PathStyle bool `mapstructure:"path_style"`
	// AccessKeyID and SecretAccessKey pin static credentials. When empty the
	// default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source streams objects with GetObject.
type Source struct {
	client objectGetter
}

// New loads AWS configuration and builds a Source.
func New(ctx context.Context, cfg Config) (*Source, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = DefaultRegion
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	switch {
	case cfg.Anonymous:
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	case cfg.AccessKeyID != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewFromClient(client)
}

// NewFromClient wraps an existing S3 client.
func NewFromClient(client *s3.Client) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	return &Source{client: client}, nil
}

// Open starts a GetObject download. The body streams; nothing is buffered.
func (s *Source) Open(ctx context.Context, loc archive.Locator) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("open s3://%s: %w", loc, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("open s3://%s: %w", loc, err)
	}
	return out.Body, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	return errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket)
}

var _ storage.Source = (*Source)(nil)
