// Package http holds the body codecs shared by the ingest server and the
// snapshot collector: compression for outbound batches and the matching
// Content-Encoding decoders for inbound requests.
package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// ErrUnsupportedEncoding is returned by Decompress for an unknown
// Content-Encoding.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// ValidCompression reports whether algorithm is a known Compress setting.
// The empty string means none.
func ValidCompression(algorithm string) bool {
	switch algorithm {
	case "", CompressionNone, CompressionGzip, CompressionZstd,
		CompressionZlib, CompressionSnappy:
		return true
	default:
		return false
	}
}

// Compressor compresses data using a specified algorithm.
type Compressor struct {
	algorithm string
	encoder   *zstd.Encoder
}

// NewCompressor creates a new Compressor for the specified algorithm.
func NewCompressor(algorithm string) (*Compressor, error) {
	c := &Compressor{algorithm: algorithm}

	// Pre-create zstd encoder since it's expensive to create.
	if algorithm == CompressionZstd {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.encoder = encoder
	}

	return c, nil
}

// Compress compresses the data using the configured algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case CompressionNone, "":
		return data, nil
	case CompressionGzip:
		return compressGzip(data)
	case CompressionZstd:
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
	case CompressionZlib:
		return compressZlib(data)
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// ContentEncoding returns the Content-Encoding header value for the algorithm.
func (c *Compressor) ContentEncoding() string {
	switch c.algorithm {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionZlib:
		return "deflate"
	case CompressionSnappy:
		return "snappy"
	default:
		return ""
	}
}

// Close closes the compressor and releases resources.
func (c *Compressor) Close() error {
	if c.encoder != nil {
		return c.encoder.Close()
	}

	return nil
}

// Decompress reverses Compress for a Content-Encoding header value.
// An empty encoding or "identity" returns data unchanged. limit caps the
// decompressed size; zero means no cap.
func Decompress(encoding string, data []byte, limit int64) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)

	switch encoding {
	case "", "identity":
		return data, nil
	case "gzip":
		var gz *gzip.Reader

		if gz, err = gzip.NewReader(bytes.NewReader(data)); err == nil {
			defer gz.Close()

			r = gz
		}
	case "deflate":
		var zr io.ReadCloser

		if zr, err = zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer zr.Close()

			r = zr
		}
	case "zstd":
		var dec *zstd.Decoder

		if dec, err = zstd.NewReader(bytes.NewReader(data)); err == nil {
			defer dec.Close()

			r = dec
		}
	case "snappy":
		return decompressSnappy(data, limit)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}

	if err != nil {
		return nil, fmt.Errorf("opening %s reader: %w", encoding, err)
	}

	return readLimited(r, limit)
}

// ErrTooLarge is returned when decompressed data exceeds the limit.
var ErrTooLarge = errors.New("decompressed body too large")

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}

	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}

	return out, nil
}

func decompressSnappy(data []byte, limit int64) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("snappy header: %w", err)
	}

	if limit > 0 && int64(n) > limit {
		return nil, ErrTooLarge
	}

	return snappy.Decode(nil, data)
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}

	return buf.Bytes(), nil
}

func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := zlib.NewWriter(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}

	return buf.Bytes(), nil
}
