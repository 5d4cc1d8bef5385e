package source

import (
	"time"

	"github.com/theirongolddev/telreport/internal/model"
)

// Compression identifies a transparent decompression layer.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// DiscoveredFile is a classified candidate file found during scanning.
type DiscoveredFile struct {
	Path        string
	RelPath     string // slash-separated, relative to the scan root
	Kind        model.SourceKind
	Agent       string
	Compression Compression
	DirSession  string // <id> when the file lives under sessions/<id>/
	Size        int64
	ModTime     time.Time
}

// RecordType tells the normalizer how to read a RawRecord.
type RecordType int

const (
	RecordMetric RecordType = iota
	RecordInteraction
	RecordLog // OTLP log record
	RecordRawLine
)

// RawRecord is one parsed line or object, before normalization.
type RawRecord struct {
	Type      RecordType
	Line      int
	Timestamp time.Time // zero for raw lines without a recognizable prefix
	SessionID string    // explicit session field, if any

	Event  string // interaction event or OTLP event.name
	Metric string // metric name
	Value  any    // json.Number, string, float64, int64 or nil
	Text   string // free text: interaction data, log body, raw line

	Data       map[string]any    // structured interaction data
	Attributes map[string]string // flattened attributes
}

// ParseResult holds the output of parsing a single file.
type ParseResult struct {
	File         DiscoveredFile
	Records      []RawRecord
	Info         *model.SessionInfo
	SkippedLines int
	SchemaGaps   int
	Notes        []string
	Err          error
}
