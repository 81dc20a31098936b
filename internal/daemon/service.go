// Package daemon provides the long-running background ingestion service.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/theirongolddev/usagesync/internal/clock"
	"github.com/theirongolddev/usagesync/internal/config"
	"github.com/theirongolddev/usagesync/internal/ingest"
	"github.com/theirongolddev/usagesync/internal/model"
)

// Runner ingests a window for a set of subjects. *ingest.Batch satisfies it.
type Runner interface {
	Run(ctx context.Context, subjects []string, w model.Window) ([]model.Telemetry, error)
}

// Counter reports how many events the store holds.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Config controls the daemon runtime behavior.
type Config struct {
	Addr         string
	Interval     time.Duration
	EventsBuffer int
	LookbackDays int
	Subjects     []string

	// ConfigPath, when set, is watched and re-applied through Reload.
	ConfigPath string
	Reload     func(config.Config)
}

// Snapshot is the outcome of one ingestion cycle.
type Snapshot struct {
	At            time.Time `json:"at"`
	Subjects      int       `json:"subjects"`
	ProcessedKeys int       `json:"processed_keys"`
	SimulatedKeys int       `json:"simulated_keys"`
	FailedKeys    int       `json:"failed_keys"`
	StoredEvents  int       `json:"stored_events"`
	UpdatedEvents int       `json:"updated_events"`
	SkippedEvents int       `json:"skipped_events"`
	Issues        int       `json:"issues"`
	Degraded      bool      `json:"degraded"`
	StoreEvents   int       `json:"store_events"`
}

// Totals accumulates snapshots across the life of the daemon.
type Totals struct {
	Cycles        int64 `json:"cycles"`
	DegradedRuns  int64 `json:"degraded_runs"`
	ProcessedKeys int64 `json:"processed_keys"`
	FailedKeys    int64 `json:"failed_keys"`
	StoredEvents  int64 `json:"stored_events"`
	UpdatedEvents int64 `json:"updated_events"`
	Issues        int64 `json:"issues"`
}

// Event types.
const (
	EventIngest       = "ingest"
	EventDegraded     = "ingest_degraded"
	EventConfigReload = "config_reload"
	EventSnapshot     = "snapshot"
)

// Event is emitted after every ingestion cycle and config reload.
type Event struct {
	ID        int64         `json:"id"`
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Snapshot  Snapshot      `json:"snapshot"`
	Issues    []model.Issue `json:"issues,omitempty"`
}

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time `json:"started_at"`
	LastPollAt      time.Time `json:"last_poll_at"`
	PollIntervalSec int       `json:"poll_interval_sec"`
	PollCount       int64     `json:"poll_count"`
	LookbackDays    int       `json:"lookback_days"`
	Subjects        []string  `json:"subjects,omitempty"`
	ConfigPath      string    `json:"config_path,omitempty"`
	ConfigReloads   int64     `json:"config_reloads"`
	LastRun         Snapshot  `json:"last_run"`
	Totals          Totals    `json:"totals"`
	LastError       string    `json:"last_error,omitempty"`
	EventCount      int       `json:"event_count"`
	SubscriberCount int       `json:"subscriber_count"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used to place ingestion windows.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithCounter reports the store size in each snapshot.
func WithCounter(c Counter) Option { return func(s *Service) { s.counter = c } }

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg     Config
	runner  Runner
	counter Counter
	clock   clock.Clock
	logger  *slog.Logger

	mu          sync.RWMutex
	startedAt   time.Time
	lastPollAt  time.Time
	pollCount   int64
	reloads     int64
	lastError   string
	snapshot    Snapshot
	totals      Totals
	nextEventID int64
	events      []Event

	nextSubID int
	subs      map[int]chan Event
}

// New returns a daemon service that ingests through runner.
func New(cfg Config, runner Runner, opts ...Option) *Service {
	if cfg.Interval < time.Second {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	if cfg.LookbackDays < 1 {
		cfg.LookbackDays = 1
	}

	s := &Service{
		cfg:    cfg,
		runner: runner,
		clock:  clock.Real{},
		logger: slog.Default(),
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.clock.Now()
	return s
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/stream", s.handleStream)
	return mux
}

// Run starts HTTP endpoints, the config watcher and polling until ctx is
// canceled.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("daemon http server: %w", err)
		}
	}()
	if s.cfg.ConfigPath != "" && s.cfg.Reload != nil {
		go func() {
			if err := s.watchConfig(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	s.logger.Info("daemon started", "addr", s.cfg.Addr, "interval", s.cfg.Interval)

	s.pollOnce(ctx)

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
		case err := <-errCh:
			return err
		}
	}
}

// pollOnce runs one ingestion cycle over the lookback window. Partial
// results are published even when some subjects failed to load.
func (s *Service) pollOnce(ctx context.Context) {
	now := s.clock.Now()

	s.mu.RLock()
	days := s.cfg.LookbackDays
	subjects := s.cfg.Subjects
	s.mu.RUnlock()

	runs, runErr := s.runner.Run(ctx, subjects, model.LastDays(now, days))
	total := ingest.Total(runs)
	snap := snapshotFromTelemetry(total, len(runs), now)

	if s.counter != nil {
		n, err := s.counter.Count(ctx)
		if err != nil {
			s.logger.Warn("counting stored events", "err", err)
		}
		snap.StoreEvents = n
	}

	evType := EventIngest
	if snap.Degraded {
		evType = EventDegraded
	}

	s.mu.Lock()
	s.snapshot = snap
	s.totals = accumulate(s.totals, snap)
	s.lastPollAt = now
	s.pollCount++
	s.lastError = ""
	if runErr != nil {
		s.lastError = runErr.Error()
	}
	s.nextEventID++
	ev := Event{
		ID:        s.nextEventID,
		Type:      evType,
		Timestamp: now,
		Snapshot:  snap,
		Issues:    total.Issues,
	}
	s.mu.Unlock()

	if runErr != nil {
		s.logger.Error("ingestion cycle", "err", runErr)
	}
	s.logger.Info("ingestion cycle finished",
		"subjects", snap.Subjects,
		"processed", snap.ProcessedKeys,
		"failed", snap.FailedKeys,
		"stored", snap.StoredEvents,
		"updated", snap.UpdatedEvents,
		"issues", snap.Issues,
	)
	s.publishEvent(ev)
}

func snapshotFromTelemetry(t model.Telemetry, subjects int, at time.Time) Snapshot {
	return Snapshot{
		At:            at,
		Subjects:      subjects,
		ProcessedKeys: t.ProcessedKeys,
		SimulatedKeys: t.SimulatedKeys,
		FailedKeys:    t.FailedKeys,
		StoredEvents:  t.StoredEvents,
		UpdatedEvents: t.UpdatedEvents,
		SkippedEvents: t.SkippedEvents,
		Issues:        len(t.Issues),
		Degraded:      t.Degraded(),
	}
}

func accumulate(prev Totals, snap Snapshot) Totals {
	prev.Cycles++
	if snap.Degraded {
		prev.DegradedRuns++
	}
	prev.ProcessedKeys += int64(snap.ProcessedKeys)
	prev.FailedKeys += int64(snap.FailedKeys)
	prev.StoredEvents += int64(snap.StoredEvents)
	prev.UpdatedEvents += int64(snap.UpdatedEvents)
	prev.Issues += int64(snap.Issues)
	return prev
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
		LookbackDays:    s.cfg.LookbackDays,
		Subjects:        s.cfg.Subjects,
		ConfigPath:      s.cfg.ConfigPath,
		ConfigReloads:   s.reloads,
		LastRun:         s.snapshot,
		Totals:          s.totals,
		LastError:       s.lastError,
		EventCount:      len(s.events),
		SubscriberCount: len(s.subs),
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshotStatus())
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
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

	writeSSE(w, Event{
		Type:      EventSnapshot,
		Timestamp: s.clock.Now(),
		Snapshot:  s.snapshotStatus().LastRun,
	})
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
