package source

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const maxArchiveEntry = 1 << 30

// IsArchive reports whether path names a tarball produced by the export scripts.
func IsArchive(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar.zst", ".tar"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ExtractArchive unpacks a tarball into a fresh temporary directory.
// Entries that would land outside the directory and link entries are skipped.
// The caller must invoke cleanup once analysis is done.
func ExtractArchive(ctx context.Context, path string) (string, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", nil, fmt.Errorf("opening gzip archive: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case strings.HasSuffix(lower, ".tar.zst"):
		dec, err := zstd.NewReader(f)
		if err != nil {
			return "", nil, fmt.Errorf("opening zstd archive: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	dir, err := os.MkdirTemp("", "telreport-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating extraction dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	if err := untar(ctx, tar.NewReader(r), dir); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("extracting %s: %w", path, err)
	}
	return dir, cleanup, nil
}

func untar(ctx context.Context, tr *tar.Reader, dir string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !withinDir(dir, target) {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target); err != nil {
				return err
			}
		}
	}
}

func writeEntry(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(r, maxArchiveEntry)); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
