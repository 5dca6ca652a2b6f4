package storage

import (
	"context"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// GCSOptions configures a GCSSink
type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

// GCSSink streams objects into a Google Cloud Storage bucket
type GCSSink struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
	prefix string
	logger *zap.Logger
}

// NewGCSSink creates a client using CredentialsFile, or application default credentials
func NewGCSSink(ctx context.Context, opts GCSOptions, logger *zap.Logger) (*GCSSink, error) {
	if opts.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "gcs bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}

	return &GCSSink{
		client: client,
		bucket: client.Bucket(opts.Bucket),
		name:   opts.Bucket,
		prefix: opts.Prefix,
		logger: logger.With(zap.String("component", "gcs_sink"), zap.String("bucket", opts.Bucket)),
	}, nil
}

// Put writes r to gs://bucket/prefix/key
func (s *GCSSink) Put(ctx context.Context, key string, r io.Reader, contentType string) (Location, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return Location{}, err
	}
	objectKey := joinPrefix(s.prefix, cleaned)

	writer := s.bucket.Object(objectKey).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = map[string]string{
		"uploaded-by": "vendorflow",
		"created":     time.Now().UTC().Format(time.RFC3339),
	}

	n, err := io.Copy(writer, r)
	if err != nil {
		_ = writer.Close()
		return Location{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to write GCS object").
			WithDetail("key", objectKey)
	}
	if err := writer.Close(); err != nil {
		return Location{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to finalize GCS object").
			WithDetail("key", objectKey)
	}

	s.logger.Debug("object written", zap.String("key", objectKey), zap.Int64("bytes", n))

	return Location{
		Sink:        s.Name(),
		URI:         "gs://" + s.name + "/" + objectKey,
		Key:         objectKey,
		Bytes:       n,
		ContentType: contentType,
	}, nil
}

// Name returns "gcs"
func (s *GCSSink) Name() string {
	return "gcs"
}

// Close releases the client
func (s *GCSSink) Close() error {
	return s.client.Close()
}
