package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// LocalSink writes objects below a root directory. Files appear atomically:
// data goes to a temporary file that is renamed into place once complete.
type LocalSink struct {
	root string
}

// NewLocalSink creates the root directory if needed
func NewLocalSink(dir string) (*LocalSink, error) {
	if dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "local storage directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to resolve storage directory")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create storage directory")
	}
	return &LocalSink{root: abs}, nil
}

// Put writes r to <root>/<key>
func (s *LocalSink) Put(ctx context.Context, key string, r io.Reader, contentType string) (Location, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return Location{}, err
	}
	dest := filepath.Join(s.root, filepath.FromSlash(cleaned))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Location{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to create object directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return Location{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to create temporary file")
	}
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Location{}, ctxErr
		}
		return Location{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to write object").
			WithDetail("key", cleaned)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return Location{}, errors.Wrap(err, errors.ErrorTypeFile, "failed to move object into place")
	}

	return Location{
		Sink:        s.Name(),
		URI:         "file://" + filepath.ToSlash(dest),
		Key:         cleaned,
		Bytes:       n,
		ContentType: contentType,
	}, nil
}

// Root returns the absolute root directory
func (s *LocalSink) Root() string {
	return s.root
}

// Name returns "local"
func (s *LocalSink) Name() string {
	return "local"
}

// Close is a no-op
func (s *LocalSink) Close() error {
	return nil
}

// contextReader stops reading once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
