// Package daemon provides the long-running report service: it keeps a
// refreshed snapshot of the telemetry directory and serves reports over HTTP.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/theirongolddev/telreport/internal/classify"
	"github.com/theirongolddev/telreport/internal/pipeline"
	"github.com/theirongolddev/telreport/internal/report"
	"github.com/theirongolddev/telreport/internal/watch"
)

// Publisher receives every refreshed report.
type Publisher interface {
	Publish(ctx context.Context, doc *report.Document)
}

// Config controls the daemon runtime behavior.
type Config struct {
	DataDir      string
	Workers      int
	Classifier   *classify.Classifier
	RawBucket    time.Duration
	Interval     time.Duration
	Addr         string
	EventsBuffer int
	CORSOrigins  []string
	Watch        bool
	Debounce     time.Duration
	Logger       *slog.Logger
	Publisher    Publisher
	Exclude      []string
}

// Snapshot is a compact report state for status/event payloads.
type Snapshot struct {
	At           time.Time       `json:"at"`
	Sessions     int             `json:"sessions"`
	OpenSessions int             `json:"open_sessions"`
	Events       int             `json:"events"`
	Unassigned   int             `json:"unassigned"`
	ToolCalls    int             `json:"tool_calls"`
	Tokens       int64           `json:"tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	SkippedLines int             `json:"skipped_lines"`
	InputDigest  string          `json:"input_digest"`
}

// Delta captures snapshot deltas between polls.
type Delta struct {
	Sessions     int             `json:"sessions"`
	Events       int             `json:"events"`
	ToolCalls    int             `json:"tool_calls"`
	Tokens       int64           `json:"tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	SkippedLines int             `json:"skipped_lines"`
}

func (d Delta) isZero() bool {
	return d.Sessions == 0 &&
		d.Events == 0 &&
		d.ToolCalls == 0 &&
		d.Tokens == 0 &&
		d.CostUSD.IsZero() &&
		d.SkippedLines == 0
}

// Event is emitted whenever the snapshot changes.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Snapshot  Snapshot  `json:"snapshot"`
	Delta     Delta     `json:"delta"`
}

// Event types.
const (
	EventSnapshot     = "snapshot"
	EventDelta        = "report_delta"
	EventInputChanged = "input_changed"
)

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time `json:"started_at"`
	LastPollAt      time.Time `json:"last_poll_at"`
	PollIntervalSec int       `json:"poll_interval_sec"`
	PollCount       int64     `json:"poll_count"`
	DataDir         string    `json:"data_dir"`
	Watching        bool      `json:"watching"`
	Summary         Snapshot  `json:"summary"`
	LastError       string    `json:"last_error,omitempty"`
	EventCount      int       `json:"event_count"`
	SubscriberCount int       `json:"subscriber_count"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg Config
	log *slog.Logger

	mu          sync.RWMutex
	startedAt   time.Time
	lastPollAt  time.Time
	pollCount   int64
	lastError   string
	hasSnapshot bool
	snapshot    Snapshot
	nextEventID int64
	events      []Event

	nextSubID int
	subs      map[int]chan Event
}

// New returns a new daemon service with the provided config.
func New(cfg Config) *Service {
	if cfg.Interval < 2*time.Second {
		cfg.Interval = 30 * time.Second
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Service{
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
		subs:      make(map[int]chan Event),
	}
}

// Run starts HTTP endpoints and refreshing until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("serving", "addr", s.cfg.Addr, "data_dir", s.cfg.DataDir)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Seed initial snapshot so status is useful immediately.
	s.pollOnce(ctx)

	changed := make(chan struct{}, 1)
	if s.cfg.Watch {
		go func() {
			err := watch.Watch(ctx, s.cfg.DataDir, s.cfg.Debounce, s.log, func(context.Context) {
				select {
				case changed <- struct{}{}:
				default:
				}
			}, s.cfg.Exclude...)
			if err != nil {
				s.log.Warn("watch disabled", "err", err)
			}
		}()
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case <-ticker.C:
			s.pollOnce(ctx)
		case <-changed:
			s.pollOnce(ctx)
		case err := <-errCh:
			return fmt.Errorf("daemon http server: %w", err)
		}
	}
}

func (s *Service) options() pipeline.Options {
	return pipeline.Options{
		DataDir:    s.cfg.DataDir,
		Workers:    s.cfg.Workers,
		Classifier: s.cfg.Classifier,
		RawBucket:  s.cfg.RawBucket,
		Logger:     s.log,
		Exclude:    s.cfg.Exclude,
	}
}

func (s *Service) pollOnce(ctx context.Context) {
	a, err := pipeline.Analyze(ctx, s.options())
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.lastPollAt = time.Now()
		s.pollCount++
		s.mu.Unlock()
		s.log.Error("refresh failed", "err", err)
		return
	}

	now := time.Now()
	doc := report.Build(a, report.GeneratedAt(a.NewestModTime))
	snap := snapshotFromDocument(doc, now)
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish(ctx, doc)
	}

	var (
		ev      Event
		publish bool
	)

	s.mu.Lock()
	prev := s.snapshot
	prevExists := s.hasSnapshot

	s.hasSnapshot = true
	s.snapshot = snap
	s.lastPollAt = now
	s.pollCount++
	s.lastError = ""

	switch {
	case !prevExists:
		s.nextEventID++
		ev = Event{ID: s.nextEventID, Type: EventSnapshot, Timestamp: now, Snapshot: snap}
		publish = true
	default:
		delta := diffSnapshots(prev, snap)
		typ := ""
		if !delta.isZero() {
			typ = EventDelta
		} else if prev.InputDigest != snap.InputDigest {
			typ = EventInputChanged
		}
		if typ != "" {
			s.nextEventID++
			ev = Event{ID: s.nextEventID, Type: typ, Timestamp: now, Snapshot: snap, Delta: delta}
			publish = true
		}
	}
	s.mu.Unlock()

	if publish {
		s.log.Debug("snapshot changed", "type", ev.Type, "sessions", snap.Sessions, "events", snap.Events)
		s.publishEvent(ev)
	}
}

func snapshotFromDocument(doc *report.Document, at time.Time) Snapshot {
	st := doc.Statistics
	snap := Snapshot{
		At:           at,
		Sessions:     st.TotalSessions,
		OpenSessions: st.OpenSessions,
		Events:       st.TotalEvents,
		Unassigned:   st.UnassignedEvents,
		ToolCalls:    st.ToolInteractionCount,
		SkippedLines: doc.Diagnostics.SkippedLines,
		InputDigest:  doc.InputDigest,
	}
	for _, n := range st.TokenTotals {
		snap.Tokens += n
	}
	if v, ok := st.TotalCost["USD"]; ok {
		snap.CostUSD, _ = decimal.NewFromString(v)
	}
	return snap
}

func diffSnapshots(prev, curr Snapshot) Delta {
	return Delta{
		Sessions:     curr.Sessions - prev.Sessions,
		Events:       curr.Events - prev.Events,
		ToolCalls:    curr.ToolCalls - prev.ToolCalls,
		Tokens:       curr.Tokens - prev.Tokens,
		CostUSD:      curr.CostUSD.Sub(prev.CostUSD),
		SkippedLines: curr.SkippedLines - prev.SkippedLines,
	}
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) snapshotStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		StartedAt:       s.startedAt,
		LastPollAt:      s.lastPollAt,
		PollIntervalSec: int(s.cfg.Interval.Seconds()),
		PollCount:       s.pollCount,
		DataDir:         s.cfg.DataDir,
		Watching:        s.cfg.Watch,
		Summary:         s.snapshot,
		LastError:       s.lastError,
		EventCount:      len(s.events),
		SubscriberCount: len(s.subs),
	}
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
