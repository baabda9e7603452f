package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/paulmach/orb/maptile"
	"google.golang.org/api/option"
)

// GCSFetcher reads payloads from a Google Cloud Storage bucket.
type GCSFetcher struct {
	client       *storage.Client
	bucket       *storage.BucketHandle
	pathTemplate string
	logger       *slog.Logger
}

// NewGCSFetcher opens a GCS client. Extra client options (credentials,
// endpoint) are passed through.
func NewGCSFetcher(ctx context.Context, bucket, pathTemplate string, logger *slog.Logger, opts ...option.ClientOption) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSFetcher{
		client:       client,
		bucket:       client.Bucket(bucket),
		pathTemplate: pathTemplate,
		logger:       logger,
	}, nil
}

// Fetch implements download.Fetcher.
func (g *GCSFetcher) Fetch(ctx context.Context, tile maptile.Tile, observed time.Time, w io.Writer) error {
	path := Expand(g.pathTemplate, tile, observed)
	r, err := g.bucket.Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("open gcs object %s: %w", path, err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("read gcs object %s: %w", path, err)
	}
	return nil
}

// Close releases the GCS client.
func (g *GCSFetcher) Close() error {
	return g.client.Close()
}

// S3API is the subset of the S3 client used by S3Fetcher.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads payloads from an S3 bucket.
type S3Fetcher struct {
	client       S3API
	bucket       string
	pathTemplate string
	logger       *slog.Logger
}

// NewS3Fetcher loads the default AWS configuration for region.
func NewS3Fetcher(ctx context.Context, bucket, region, pathTemplate string, logger *slog.Logger) (*S3Fetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3FetcherWithClient(s3.NewFromConfig(cfg), bucket, pathTemplate, logger), nil
}

// NewS3FetcherWithClient wraps an existing client.
func NewS3FetcherWithClient(client S3API, bucket, pathTemplate string, logger *slog.Logger) *S3Fetcher {
	return &S3Fetcher{client: client, bucket: bucket, pathTemplate: pathTemplate, logger: logger}
}

// Fetch implements download.Fetcher.
func (s *S3Fetcher) Fetch(ctx context.Context, tile maptile.Tile, observed time.Time, w io.Writer) error {
	key := Expand(s.pathTemplate, tile, observed)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("get s3 object %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("read s3 object %s: %w", key, err)
	}
	return nil
}
