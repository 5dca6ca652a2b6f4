// Package storage writes downloaded model files to a destination: the local
// filesystem, S3 or Google Cloud Storage, optionally zstd-compressed.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// Location describes where a Put landed
type Location struct {
	Sink        string `json:"sink"`
	URI         string `json:"uri"`
	Key         string `json:"key"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"content_type"`
}

// Sink stores objects by key. Keys use forward slashes regardless of platform.
type Sink interface {
	// Put consumes r entirely and stores it under key
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Location, error)

	// Name identifies the sink kind in logs and metrics
	Name() string

	Close() error
}

// New builds the sink described by cfg
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		sink Sink
		err  error
	)
	switch cfg.Kind {
	case "", "local":
		sink, err = NewLocalSink(cfg.Dir)
	case "s3":
		sink, err = NewS3Sink(ctx, S3Options{Bucket: cfg.Bucket, Prefix: cfg.Prefix, Region: cfg.Region}, logger)
	case "gcs":
		sink, err = NewGCSSink(ctx, GCSOptions{Bucket: cfg.Bucket, Prefix: cfg.Prefix, CredentialsFile: cfg.CredentialsFile}, logger)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown storage kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Compress {
		codec, err := ParseCodec(cfg.Codec)
		if err != nil {
			_ = sink.Close()
			return nil, err
		}
		sink = NewCompressingSink(sink).WithCodec(codec)
	}
	return sink, nil
}

// ObjectKey builds the conventional key for a task result:
// <run>/<asset>/<task>.<format>
func ObjectKey(runID, asset, taskID, format string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{runID, asset} {
		if p = sanitize(p); p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, sanitize(taskID)+"."+strings.ToLower(format))
	return path.Join(parts...)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// cleanKey normalizes key so it cannot climb above the sink root
func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", errors.New(errors.ErrorTypeValidation, "empty object key")
	}
	return cleaned, nil
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// countingReader counts bytes passing through it
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(&c.n, int64(n))
	return n, err
}

func (c *countingReader) Count() int64 {
	return atomic.LoadInt64(&c.n)
}
