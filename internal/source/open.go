package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionByExt maps a trailing extension to its decompressor.
var compressionByExt = map[string]Compression{
	".gz":  CompressionGzip,
	".zst": CompressionZstd,
	".lz4": CompressionLZ4,
}

// splitCompression strips a compression suffix from name.
func splitCompression(name string) (string, Compression) {
	lower := strings.ToLower(name)
	for ext, c := range compressionByExt {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)], c
		}
	}
	return name, CompressionNone
}

type stackedReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReadCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenFile opens a discovered file and layers the matching decompressor on top.
func OpenFile(df DiscoveredFile) (io.ReadCloser, error) {
	f, err := os.Open(df.Path)
	if err != nil {
		return nil, err
	}
	rc, err := decompress(f, df.Compression)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("opening %s stream: %w", df.Compression, err)
	}
	return rc, nil
}

func decompress(f *os.File, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		return &stackedReadCloser{Reader: gz, closers: []io.Closer{gz, f}}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		zr := dec.IOReadCloser()
		return &stackedReadCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case CompressionLZ4:
		return &stackedReadCloser{Reader: lz4.NewReader(f), closers: []io.Closer{f}}, nil
	}
	return f, nil
}
