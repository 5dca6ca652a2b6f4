package storage

import (
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// S3Options configures an S3Sink
type S3Options struct {
	Bucket string
	Prefix string
	Region string

	// PartSize and Concurrency tune multipart uploads; zero uses SDK defaults
	PartSize    int64
	Concurrency int
}

// uploader is the subset of manager.Uploader used here
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink streams objects to S3 with the multipart upload manager
type S3Sink struct {
	bucket   string
	prefix   string
	uploader uploader
	logger   *zap.Logger
}

// NewS3Sink loads the default AWS credential chain for the configured region
func NewS3Sink(ctx context.Context, opts S3Options, logger *zap.Logger) (*S3Sink, error) {
	if opts.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(cfg)
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		if opts.PartSize > 0 {
			u.PartSize = opts.PartSize
		}
		if opts.Concurrency > 0 {
			u.Concurrency = opts.Concurrency
		}
	})

	return newS3SinkWithUploader(opts, up, logger), nil
}

func newS3SinkWithUploader(opts S3Options, up uploader, logger *zap.Logger) *S3Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Sink{
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		uploader: up,
		logger:   logger.With(zap.String("component", "s3_sink"), zap.String("bucket", opts.Bucket)),
	}
}

// Put uploads r to s3://bucket/prefix/key
func (s *S3Sink) Put(ctx context.Context, key string, r io.Reader, contentType string) (Location, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return Location{}, err
	}
	objectKey := joinPrefix(s.prefix, cleaned)
	body := &countingReader{r: r}

	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"uploaded-by": "vendorflow",
			"created":     time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return Location{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload to S3").
			WithDetail("key", objectKey)
	}

	s.logger.Debug("object uploaded", zap.String("key", objectKey), zap.Int64("bytes", body.Count()))

	uri := "s3://" + s.bucket + "/" + objectKey
	if out != nil && out.Location != "" {
		uri = out.Location
	}
	return Location{
		Sink:        s.Name(),
		URI:         uri,
		Key:         objectKey,
		Bytes:       body.Count(),
		ContentType: contentType,
	}, nil
}

// Name returns "s3"
func (s *S3Sink) Name() string {
	return "s3"
}

// Close is a no-op; the SDK client holds no resources needing release
func (s *S3Sink) Close() error {
	return nil
}
