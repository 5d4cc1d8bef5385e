package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/theirongolddev/telreport/internal/model"
)

const (
	sniffLines    = 16
	sniffMaxBytes = 1 << 20
)

// ScanResult is the outcome of discovery.
type ScanResult struct {
	Files   []DiscoveredFile
	Ignored int // regular files that matched no source kind
}

// ScanDir walks root recursively and classifies every candidate telemetry file.
// Symlinked directories are followed once per real path, so link cycles
// terminate. A file reachable through several links is reported once.
// root may also be a single regular file. Files named in exclude (the
// caller's own outputs) are skipped without being counted as ignored.
func ScanDir(root string, exclude ...string) (*ScanResult, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}

	w := &walker{
		visitedDirs:  make(map[string]struct{}),
		visitedFiles: make(map[string]struct{}),
		excluded:     make(map[string]struct{}, len(exclude)),
		result:       &ScanResult{},
	}
	for _, p := range exclude {
		if p == "" {
			continue
		}
		w.excluded[realPath(p)] = struct{}{}
	}

	if !info.IsDir() {
		w.visitFile(root, filepath.Base(root), info)
		return w.result, nil
	}

	if err := w.walk(root, ""); err != nil {
		return nil, err
	}

	sort.Slice(w.result.Files, func(i, j int) bool {
		return w.result.Files[i].RelPath < w.result.Files[j].RelPath
	})
	return w.result, nil
}

type walker struct {
	visitedDirs  map[string]struct{}
	visitedFiles map[string]struct{}
	excluded     map[string]struct{}
	result       *ScanResult
}

// realPath resolves p to an absolute, symlink-free path where possible.
func realPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	return filepath.Clean(p)
}

func (w *walker) walk(dir, rel string) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if rel == "" {
			return err
		}
		return nil //nolint:nilerr // unreadable subdirectories are skipped
	}
	if _, seen := w.visitedDirs[real]; seen {
		return nil
	}
	w.visitedDirs[real] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if rel == "" {
			return fmt.Errorf("reading %s: %w", dir, err)
		}
		return nil //nolint:nilerr // unreadable subdirectories are skipped
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		childRel := e.Name()
		if rel != "" {
			childRel = rel + "/" + e.Name()
		}

		// os.Stat follows symlinks; dangling links are skipped.
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			if err := w.walk(path, childRel); err != nil {
				return err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		w.visitFile(path, childRel, info)
	}
	return nil
}

func (w *walker) visitFile(path, rel string, info os.FileInfo) {
	real := realPath(path)
	if _, skip := w.excluded[real]; skip {
		return
	}
	if _, seen := w.visitedFiles[real]; seen {
		return
	}
	w.visitedFiles[real] = struct{}{}

	df, ok := Classify(path, rel)
	if !ok {
		w.result.Ignored++
		return
	}
	df.Size = info.Size()
	df.ModTime = info.ModTime()
	w.result.Files = append(w.result.Files, df)
}

// Classify tags a single file by name pattern first and content sniffing second.
func Classify(path, rel string) (DiscoveredFile, bool) {
	name := filepath.Base(path)
	base, comp := splitCompression(name)
	lowerBase := strings.ToLower(base)
	ext := filepath.Ext(lowerBase)

	df := DiscoveredFile{
		Path:        path,
		RelPath:     filepath.ToSlash(rel),
		Compression: comp,
		DirSession:  dirSession(rel),
	}

	var firstLine map[string]any
	switch ext {
	case ".json":
		if strings.HasPrefix(lowerBase, "session-info") || strings.HasPrefix(lowerBase, "session_info") {
			df.Kind = model.SourceSessionInfo
			break
		}
		obj, ok := sniffObject(df)
		if !ok || !looksLikeSessionInfo(obj) {
			return df, false
		}
		df.Kind = model.SourceSessionInfo
		firstLine = obj

	case ".jsonl", ".ndjson":
		obj, ok := sniffFirstLine(df)
		if ok {
			firstLine = obj
		}
		kind, ok := classifyJSONLines(lowerBase, obj)
		if !ok {
			return df, false
		}
		df.Kind = kind

	case ".log", ".txt", ".typescript":
		df.Kind = model.SourceRawLog

	default:
		return df, false
	}

	df.Agent = detectAgent(path, firstLine)
	return df, true
}

func classifyJSONLines(lowerName string, first map[string]any) (model.SourceKind, bool) {
	if first != nil {
		if hasAny(first, "resourceLogs", "resourceMetrics") {
			return model.SourceOTLP, true
		}
		if hasAny(first, "resourceSpans") {
			return "", false
		}
	}
	switch {
	case strings.Contains(lowerName, "metric"):
		return model.SourceMetrics, true
	case strings.Contains(lowerName, "interaction"):
		return model.SourceInteractions, true
	}
	if first == nil {
		return "", false
	}
	if hasAny(first, "metric", "metric_name") && hasAny(first, "value") {
		return model.SourceMetrics, true
	}
	if hasAny(first, "event") && hasAny(first, "session_id", "sessionId", "data") {
		return model.SourceInteractions, true
	}
	return "", false
}

func looksLikeSessionInfo(obj map[string]any) bool {
	return hasAny(obj, "session_id", "sessionId") && hasAny(obj, "start_time", "user_name")
}

func hasAny(obj map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// sniffFirstLine decodes the first parsable JSON object among the leading lines.
func sniffFirstLine(df DiscoveredFile) (map[string]any, bool) {
	rc, err := OpenFile(df)
	if err != nil {
		return nil, false
	}
	defer func() { _ = rc.Close() }()

	scanner := bufio.NewScanner(io.LimitReader(rc, sniffMaxBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), sniffMaxBytes)
	for i := 0; i < sniffLines && scanner.Scan(); i++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var obj map[string]any
		if json.Unmarshal(line, &obj) == nil {
			return obj, true
		}
	}
	return nil, false
}

// sniffObject decodes a whole (possibly commented) JSON document.
func sniffObject(df DiscoveredFile) (map[string]any, bool) {
	rc, err := OpenFile(df)
	if err != nil {
		return nil, false
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, sniffMaxBytes))
	if err != nil {
		return nil, false
	}
	var obj map[string]any
	if json.Unmarshal(jsonc.ToJSON(data), &obj) != nil {
		return nil, false
	}
	return obj, true
}

// dirSession extracts <id> from a relative path of the form .../sessions/<id>/<file>.
func dirSession(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i := len(parts) - 3; i >= 0; i-- {
		if parts[i] == "sessions" && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return ""
}

var agentMarkers = []struct {
	marker string
	agent  string
}{
	{"claude", model.AgentClaude},
	{"gemini", model.AgentGemini},
	{"opencode", model.AgentOpenCode},
}

// detectAgent looks at the file name, then the parent directory, then
// the first record's keys and values.
func detectAgent(path string, first map[string]any) string {
	candidates := []string{
		strings.ToLower(filepath.Base(path)),
		strings.ToLower(filepath.Base(filepath.Dir(path))),
	}
	if first != nil {
		if b, err := json.Marshal(first); err == nil {
			candidates = append(candidates, strings.ToLower(string(b)))
		}
	}
	for _, c := range candidates {
		for _, m := range agentMarkers {
			if strings.Contains(c, m.marker) {
				return m.agent
			}
		}
	}
	return model.AgentUnknown
}
