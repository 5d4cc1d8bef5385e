package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/theirongolddev/telreport/internal/classify"
	"github.com/theirongolddev/telreport/internal/model"
	"github.com/theirongolddev/telreport/internal/source"
)

// ErrInputNotFound is returned when the data root or sub-path does not
// exist, or holds no classifiable telemetry files.
var ErrInputNotFound = errors.New("input not found")

// Options configures one analysis run.
type Options struct {
	DataDir    string
	SubPath    string // optional, relative to DataDir
	Workers    int    // 0 = GOMAXPROCS
	Classifier *classify.Classifier
	RawBucket  time.Duration
	Logger     *slog.Logger
	Progress   ProgressFunc
	Exclude    []string // files never treated as input, e.g. the report itself
}

// Analysis is the complete, immutable outcome of one run.
type Analysis struct {
	Root          string // what the caller asked for, including the sub-path
	Files         []source.DiscoveredFile
	Sessions      []*model.Session
	Unassigned    *model.Session
	Stats         model.AggregateStatistics
	Diagnostics   model.Diagnostics
	NewestModTime time.Time
	InputDigest   string // hex BLAKE3 over relative paths and file contents
}

// Analyze runs discovery, parsing, normalization, assembly and aggregation.
// Every call builds its own state, so concurrent calls are independent.
func Analyze(ctx context.Context, opts Options) (*Analysis, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	display := opts.DataDir
	if opts.SubPath != "" {
		display = filepath.Join(opts.DataDir, opts.SubPath)
	}

	base := opts.DataDir
	info, err := os.Stat(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, opts.DataDir)
		}
		return nil, fmt.Errorf("reading %s: %w", opts.DataDir, err)
	}
	if info.Mode().IsRegular() && source.IsArchive(base) {
		dir, cleanup, err := source.ExtractArchive(ctx, base)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		log.Debug("extracted archive", "archive", base, "dir", dir)
		base = dir
	}

	root := base
	if opts.SubPath != "" {
		root = filepath.Join(base, opts.SubPath)
	}

	scan, err := source.ScanDir(root, opts.Exclude...)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, display)
		}
		return nil, fmt.Errorf("scanning %s: %w", display, err)
	}
	if len(scan.Files) == 0 {
		return nil, fmt.Errorf("%w: no telemetry files under %s", ErrInputNotFound, display)
	}
	log.Debug("discovered files", "root", display, "files", len(scan.Files), "ignored", scan.Ignored)

	results := Load(ctx, scan.Files, opts.Workers, opts.Progress)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	norm := Normalize(results, opts.Classifier)

	agents := make(map[string]string, len(scan.Files))
	var newest time.Time
	for _, f := range scan.Files {
		agents[f.RelPath] = f.Agent
		if f.ModTime.After(newest) {
			newest = f.ModTime
		}
	}

	asm := Assemble(norm.Events, norm.Infos, AssembleOptions{RawBucket: opts.RawBucket, Agents: agents})

	diags := norm.Diagnostics
	diags.FilesDiscovered = len(scan.Files)
	diags.FilesIgnored = scan.Ignored
	diags.SuppressedRawLines = asm.SuppressedRawLines
	diags.Notes = append(diags.Notes, asm.Notes...)

	for _, fd := range diags.PerFile {
		if fd.Err != "" {
			log.Warn("unreadable file", "path", fd.Path, "err", fd.Err)
			continue
		}
		log.Debug("parsed file", "path", fd.Path, "kind", fd.Kind, "records", fd.Records,
			"skipped", fd.SkippedLines, "malformed", fd.MalformedSamples, "gaps", fd.SchemaGaps)
	}
	for _, n := range diags.Notes {
		log.Warn(n)
	}

	digest, err := digestFiles(scan.Files)
	if err != nil {
		log.Warn("computing input digest", "err", err)
	}

	return &Analysis{
		Root:          display,
		Files:         scan.Files,
		Sessions:      asm.Sessions,
		Unassigned:    asm.Unassigned,
		Stats:         Aggregate(asm.Sessions, asm.Unassigned),
		Diagnostics:   diags,
		NewestModTime: newest,
		InputDigest:   digest,
	}, nil
}

// digestFiles hashes every file's relative path and raw bytes in RelPath order.
func digestFiles(files []source.DiscoveredFile) (string, error) {
	h := blake3.New()
	for _, f := range files {
		_, _ = io.WriteString(h, f.RelPath)
		_, _ = h.Write([]byte{0})
		if err := hashFile(h, f.Path); err != nil {
			return "", fmt.Errorf("hashing %s: %w", f.RelPath, err)
		}
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
