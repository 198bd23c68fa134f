package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klazomenai/splash-gate/pkg/gate"
	"github.com/klazomenai/splash-gate/pkg/logging"
	"github.com/klazomenai/splash-gate/pkg/metrics"
	"github.com/klazomenai/splash-gate/pkg/runner"
	"github.com/klazomenai/splash-gate/pkg/storage"
	"github.com/klazomenai/splash-gate/pkg/ticket"
	"github.com/klazomenai/splash-gate/web"
)

// Run sources recorded with each run
const (
	SourceStream = "stream"
	SourceClient = "client"
)

const (
	defaultPollInterval      = 100 * time.Millisecond
	defaultHeartbeatInterval = 15 * time.Second
	defaultListLimit         = 20
	maxListLimit             = 100
)

// Options configures a Server.
type Options struct {
	Runner  *runner.Runner
	Assets  []gate.Asset
	Tickets *ticket.Service
	Store   *storage.RunStore

	TicketTTL         time.Duration // zero uses ticket.DefaultTicketExpiry
	PollInterval      time.Duration // stored-run stream poll period
	HeartbeatInterval time.Duration // SSE keepalive period
}

// Server represents the HTTP API server
type Server struct {
	runner           *runner.Runner
	assets           []gate.Asset
	tickets          *ticket.Service
	store            *storage.RunStore
	router           *mux.Router
	metricsCollector *metrics.Collector
	logger           *log.Logger

	ticketTTL         time.Duration
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	// background runs started by CreateRun
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	bgMu     sync.Mutex
	closing  bool
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// CreateRunResponse is returned when a background run starts.
type CreateRunResponse struct {
	RunID     string    `json:"run_id"`
	Ticket    string    `json:"ticket"`
	TicketID  string    `json:"ticket_id"`
	ExpiresAt time.Time `json:"expires_at"`
	StatusURL string    `json:"status_url"`
	StreamURL string    `json:"stream_url"`
}

// RunSummary is one entry of the recent runs listing.
type RunSummary struct {
	ID        string           `json:"id"`
	Source    string           `json:"source"`
	Status    string           `json:"status"`
	Reason    gate.CloseReason `json:"reason,omitempty"`
	Progress  int              `json:"progress"`
	CreatedAt time.Time        `json:"created_at"`
	ClosedAt  *time.Time       `json:"closed_at,omitempty"`
}

// RunResponse is a run record with its recorded states.
type RunResponse struct {
	Run    *storage.RunRecord `json:"run"`
	States []gate.State       `json:"states"`
}

// ClosedEvent is the payload of the final SSE event of a run.
type ClosedEvent struct {
	RunID     string           `json:"run_id"`
	Reason    gate.CloseReason `json:"reason"`
	Progress  int              `json:"progress"`
	Completed int              `json:"completed"`
	Total     int              `json:"total"`
	ElapsedMS int64            `json:"elapsed_ms"`
}

// AssetsResponse describes what the gate waits for.
type AssetsResponse struct {
	Assets         []gate.Asset `json:"assets"`
	Units          int          `json:"units"`
	ProbeTimeoutMS int64        `json:"probe_timeout_ms"`
	CeilingMS      int64        `json:"ceiling_ms"`
	ExitDelayMS    int64        `json:"exit_delay_ms"`
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.TicketTTL <= 0 {
		opts.TicketTTL = ticket.DefaultTicketExpiry
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())

	s := &Server{
		runner:            opts.Runner,
		assets:            opts.Assets,
		tickets:           opts.Tickets,
		store:             opts.Store,
		router:            mux.NewRouter(),
		metricsCollector:  metrics.NewCollector(opts.Store),
		logger:            logging.Logger.WithPrefix("api"),
		ticketTTL:         opts.TicketTTL,
		pollInterval:      opts.PollInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		bgCtx:             bgCtx,
		bgCancel:          bgCancel,
	}

	// Setup routes
	s.router.HandleFunc("/readiness/stream", s.StreamReadiness).Methods("GET")
	s.router.HandleFunc("/readiness/runs", s.CreateRun).Methods("POST")
	s.router.HandleFunc("/readiness/runs", s.ListRuns).Methods("GET")
	s.router.HandleFunc("/readiness/runs/{runID}", s.GetRun).Methods("GET")
	s.router.HandleFunc("/readiness/runs/{runID}/stream", s.StreamRun).Methods("GET")
	s.router.HandleFunc("/assets", s.GetAssets).Methods("GET")
	s.router.HandleFunc("/.well-known/jwks.json", s.GetJWKS).Methods("GET")
	s.router.HandleFunc("/health", s.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.Health).Methods("GET")
	s.router.Handle("/metrics", s.metricsHandler()).Methods("GET")
	s.router.PathPrefix("/").Handler(s.staticHandler()).Methods("GET", "HEAD")

	return s
}

// StreamReadiness runs the gate for this request and streams every state as
// Server-Sent Events. Disconnecting cancels the run.
func (s *Server) StreamReadiness(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "Streaming not supported", "")
		return
	}

	setSSEHeaders(w)
	runID := uuid.New().String()

	// Send initial connection confirmation
	writeEvent(w, "connected", "", map[string]interface{}{
		"run_id": runID,
		"units":  len(s.assets) + 1,
	})
	flusher.Flush()

	// the gate loop calls emit on this goroutine, so writes are not concurrent
	res := s.runner.Execute(r.Context(), runID, SourceStream, s.assets, func(st gate.State) {
		writeEvent(w, "state", "", st)
		flusher.Flush()
	})
	if res.Reason == gate.ReasonCancelled {
		// Client disconnected
		return
	}

	writeEvent(w, "closed", "", closedEvent(runID, res))
	flusher.Flush()
}

// CreateRun starts a gate run in the background and returns a ticket that
// grants read access to it.
func (s *Server) CreateRun(w http.ResponseWriter, r *http.Request) {
	runID := uuid.New().String()

	token, ticketID, err := s.tickets.IssueTicket(runID, s.ticketTTL)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to issue ticket", err.Error())
		return
	}

	// tracked before the run starts so Shutdown cannot miss it
	if !s.track() {
		s.sendError(w, http.StatusServiceUnavailable, "Server shutting down", "")
		return
	}
	done, err := s.runner.Launch(s.bgCtx, runID, SourceClient, s.assets)
	if err != nil {
		s.bg.Done()
		s.sendError(w, http.StatusServiceUnavailable, "Failed to start run", err.Error())
		return
	}
	go func() {
		defer s.bg.Done()
		<-done
	}()

	resp := CreateRunResponse{
		RunID:     runID,
		Ticket:    token,
		TicketID:  ticketID,
		ExpiresAt: time.Now().Add(s.ticketTTL),
		StatusURL: "/readiness/runs/" + runID,
		StreamURL: "/readiness/runs/" + runID + "/stream",
	}
	s.sendJSON(w, http.StatusAccepted, resp)
}

// ListRuns returns recent run summaries, newest first.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer", "")
			return
		}
		limit = min(n, maxListLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	runs, err := s.store.ListRecentRuns(ctx, limit)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to list runs", err.Error())
		return
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, rec := range runs {
		sum := RunSummary{
			ID:        rec.ID,
			Source:    rec.Source,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
			ClosedAt:  rec.ClosedAt,
		}
		if rec.Result != nil {
			sum.Reason = rec.Result.Reason
			sum.Progress = rec.Result.Progress
		}
		summaries = append(summaries, sum)
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"runs": summaries})
}

// GetRun returns a run record and its states. Requires the run's ticket.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	if !s.authorizeRun(w, r, runID) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rec, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		s.sendError(w, http.StatusNotFound, "Run not found", "The run may have expired")
		return
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to get run", err.Error())
		return
	}

	states, err := s.store.GetStates(ctx, runID, 0)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to get run states", err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, RunResponse{Run: rec, States: states})
}

// StreamRun replays a stored run as Server-Sent Events and follows it until
// it closes. Requires the run's ticket. Resumes after Last-Event-ID.
func (s *Server) StreamRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	if !s.authorizeRun(w, r, runID) {
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			s.sendError(w, http.StatusNotFound, "Run not found", "The run may have expired")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to get run", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "Streaming not supported", "")
		return
	}

	next := 0
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if n, err := strconv.Atoi(id); err == nil && n >= 0 {
			next = n + 1
		}
	}

	setSSEHeaders(w)
	writeEvent(w, "connected", "", map[string]string{"run_id": runID})
	flusher.Flush()

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		// read the record first: states recorded before close are then all visible
		rec, err := s.store.GetRun(ctx, runID)
		if errors.Is(err, storage.ErrRunNotFound) {
			writeEvent(w, "error", "", ErrorResponse{Error: "Run not found", Message: "The run expired or was deleted"})
			flusher.Flush()
			return
		}
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("SSE: failed to get run", "run_id", runID, "err", err)
		}

		states, err := s.store.GetStates(ctx, runID, next)
		if err != nil {
			if ctx.Err() == nil {
				// Log error but don't disconnect
				s.logger.Warn("SSE: failed to get states", "run_id", runID, "err", err)
			}
		} else {
			for _, st := range states {
				writeEvent(w, "state", strconv.Itoa(next), st)
				next++
			}
			if len(states) > 0 {
				flusher.Flush()
			}
		}

		if rec != nil && rec.Status == storage.StatusClosed && rec.Result != nil && err == nil {
			writeEvent(w, "closed", "", closedEvent(runID, *rec.Result))
			flusher.Flush()
			return
		}

		select {
		case <-ctx.Done():
			// Client disconnected
			return
		case <-poll.C:
		case <-heartbeat.C:
			// Send keepalive heartbeat
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"timestamp\":\"%s\"}\n\n", time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// GetAssets describes the configured critical assets and gate timings.
func (s *Server) GetAssets(w http.ResponseWriter, r *http.Request) {
	cfg := s.runner.Gate().Config()
	s.sendJSON(w, http.StatusOK, AssetsResponse{
		Assets:         s.assets,
		Units:          len(s.assets) + 1,
		ProbeTimeoutMS: cfg.ProbeTimeout.Milliseconds(),
		CeilingMS:      cfg.Ceiling.Milliseconds(),
		ExitDelayMS:    cfg.ExitDelay.Milliseconds(),
	})
}

// GetJWKS returns the JSON Web Key Set
func (s *Server) GetJWKS(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.tickets.GetJWKS())
}

// Health handles health check requests
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Check Redis health
	if err := s.store.Health(ctx); err != nil {
		s.sendError(w, http.StatusServiceUnavailable, "Redis unhealthy", err.Error())
		return
	}

	resp := map[string]string{
		"status": "healthy",
		"redis":  "connected",
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// Router returns the HTTP router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Shutdown cancels background runs and waits for them to record their
// result, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bgMu.Lock()
	s.closing = true
	s.bgMu.Unlock()

	s.bgCancel()
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background runs: %w", ctx.Err())
	}
}

// track registers a background run unless Shutdown has started.
func (s *Server) track() bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closing {
		return false
	}
	s.bg.Add(1)
	return true
}

// authorizeRun checks the ticket from the Authorization header or the
// ticket query parameter (EventSource cannot set headers).
func (s *Server) authorizeRun(w http.ResponseWriter, r *http.Request, runID string) bool {
	token := r.URL.Query().Get("ticket")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		s.sendError(w, http.StatusUnauthorized, "Missing ticket", "Provide a Bearer ticket or ?ticket=")
		return false
	}

	_, err := s.tickets.ValidateForRun(token, runID)
	if errors.Is(err, ticket.ErrRunMismatch) {
		s.sendError(w, http.StatusForbidden, "Ticket not valid for this run", "")
		return false
	}
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "Invalid ticket", err.Error())
		return false
	}
	return true
}

// metricsHandler returns an HTTP handler for Prometheus metrics
// It updates metrics from storage on each scrape to ensure fresh data
func (s *Server) metricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Update metrics from current storage state
		s.metricsCollector.UpdateMetrics()
		// Serve Prometheus metrics
		promhttp.Handler().ServeHTTP(w, r)
	})
}

// staticHandler serves the embedded splash overlay page.
func (s *Server) staticHandler() http.Handler {
	sub, err := fs.Sub(web.StaticFiles, "static")
	if err != nil {
		// the embed directive guarantees the directory
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}

func closedEvent(runID string, res gate.Result) ClosedEvent {
	return ClosedEvent{
		RunID:     runID,
		Reason:    res.Reason,
		Progress:  res.Progress,
		Completed: res.Completed,
		Total:     res.Total,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// writeEvent writes one SSE event; id is omitted when empty.
func writeEvent(w http.ResponseWriter, event, id string, data interface{}) {
	payload, _ := json.Marshal(data)
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// Helper methods
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) sendError(w http.ResponseWriter, status int, error, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
	}
	s.sendJSON(w, status, resp)
}
