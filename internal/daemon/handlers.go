package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/theirongolddev/telreport/internal/pipeline"
	"github.com/theirongolddev/telreport/internal/report"
)

// Handler returns the HTTP API wrapped in CORS and request logging.
func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/report", s.handleReport).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/stream", s.handleStream).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.snapshotStatus())
}

// insideDir reports whether root/sub still resolves under root once symlinks
// are followed. Paths that do not exist are left for the scanner to report.
func insideDir(root, sub string) bool {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return true
	}
	target, err := filepath.EvalSymlinks(filepath.Join(root, sub))
	if err != nil {
		return true
	}
	rel, err := filepath.Rel(realRoot, target)
	return err == nil && filepath.IsLocal(rel)
}

// handleReport runs a fresh analysis bound to the request context.
func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := s.options()
	if sub := q.Get("subpath"); sub != "" {
		if !filepath.IsLocal(sub) || !insideDir(opts.DataDir, sub) {
			http.Error(w, "subpath must stay inside the data directory", http.StatusBadRequest)
			return
		}
		opts.SubPath = sub
	}

	format := strings.ToLower(q.Get("format"))
	if format == "" {
		format = "md"
	}
	var export report.Format
	switch format {
	case "md", "markdown", "html":
	default:
		f, err := report.ParseFormat(format)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		export = f
	}

	a, err := pipeline.Analyze(r.Context(), opts)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrInputNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	doc := report.Build(a, report.GeneratedAt(a.NewestModTime))

	if export != "" {
		var buf bytes.Buffer
		if err := report.WriteExport(&buf, doc, export); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType(export))
		_, _ = w.Write(buf.Bytes())
		return
	}

	md := report.RenderMarkdown(doc, report.RenderOptions{RawDump: q.Get("raw") == "1", RawLimit: 50})
	if format == "html" {
		page, err := report.RenderHTML(md, "Telemetry Report")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(md))
}

func contentType(f report.Format) string {
	switch f {
	case report.FormatYAML:
		return "application/yaml"
	case report.FormatCBOR:
		return "application/cbor"
	}
	return "application/json"
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	writeJSON(w, events)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Send current snapshot immediately.
	current := Event{
		Type:      EventSnapshot,
		Timestamp: time.Now(),
		Snapshot:  s.snapshotStatus().Summary,
	}
	writeSSE(w, current)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}
