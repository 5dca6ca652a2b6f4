package storage

import (
	"context"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// Codec names a compression algorithm for stored objects
type Codec string

const (
	// CodecZstd is zstd compression, the default
	CodecZstd Codec = "zstd"
	// CodecLZ4 is lz4 frame compression, faster with a lower ratio
	CodecLZ4 Codec = "lz4"
)

// CompressedSuffix is appended to keys written through a zstd CompressingSink
const CompressedSuffix = ".zst"

// ParseCodec maps a config value to a Codec. Empty selects zstd.
func ParseCodec(s string) (Codec, error) {
	switch Codec(strings.ToLower(strings.TrimSpace(s))) {
	case "", CodecZstd:
		return CodecZstd, nil
	case CodecLZ4:
		return CodecLZ4, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "unknown compression codec %q", s)
	}
}

// Suffix is the key extension objects written with c carry
func (c Codec) Suffix() string {
	if c == CodecLZ4 {
		return ".lz4"
	}
	return CompressedSuffix
}

func (c Codec) contentType() string {
	if c == CodecLZ4 {
		return "application/x-lz4"
	}
	return "application/zstd"
}

// NewReader returns a reader yielding the original bytes of an object
// compressed with c
func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	if c == CodecLZ4 {
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to create zstd decoder")
	}
	return dec.IOReadCloser(), nil
}

// CompressingSink compresses objects on the way into another sink
type CompressingSink struct {
	inner Sink
	codec Codec
	level zstd.EncoderLevel
}

// NewCompressingSink wraps inner with default-level zstd compression
func NewCompressingSink(inner Sink) *CompressingSink {
	return &CompressingSink{inner: inner, codec: CodecZstd, level: zstd.SpeedDefault}
}

// WithLevel returns a copy using the given zstd encoder level
func (c *CompressingSink) WithLevel(level zstd.EncoderLevel) *CompressingSink {
	return &CompressingSink{inner: c.inner, codec: c.codec, level: level}
}

// WithCodec returns a copy compressing with codec
func (c *CompressingSink) WithCodec(codec Codec) *CompressingSink {
	return &CompressingSink{inner: c.inner, codec: codec, level: c.level}
}

func (c *CompressingSink) encoder(w io.Writer) (io.WriteCloser, error) {
	if c.codec == CodecLZ4 {
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to configure lz4 encoder")
		}
		return zw, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create zstd encoder")
	}
	return enc, nil
}

// Put compresses r into the inner sink under key plus the codec suffix. The
// returned location reports the compressed size and keeps the original
// content type.
func (c *CompressingSink) Put(ctx context.Context, key string, r io.Reader, contentType string) (Location, error) {
	pr, pw := io.Pipe()

	go func() {
		enc, err := c.encoder(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(enc, r); err != nil {
			_ = enc.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(enc.Close())
	}()

	loc, err := c.inner.Put(ctx, key+c.codec.Suffix(), pr, c.codec.contentType())
	// unblocks the encoder goroutine if the inner sink stopped early
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return Location{}, err
	}
	loc.ContentType = contentType
	return loc, nil
}

// Name reports the inner sink with a codec marker
func (c *CompressingSink) Name() string {
	return c.inner.Name() + "+" + string(c.codec)
}

// Close closes the inner sink
func (c *CompressingSink) Close() error {
	return c.inner.Close()
}

// Decompress returns a reader yielding the original bytes of a zstd object
func Decompress(r io.Reader) (io.ReadCloser, error) {
	return CodecZstd.NewReader(r)
}
