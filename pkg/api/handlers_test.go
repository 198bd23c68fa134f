package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/klazomenai/splash-gate/pkg/gate"
	"github.com/klazomenai/splash-gate/pkg/runner"
	"github.com/klazomenai/splash-gate/pkg/storage"
	"github.com/klazomenai/splash-gate/pkg/ticket"
)

var testAssets = []gate.Asset{
	{URL: "http://site/bg.webp", Kind: gate.KindImage},
	{URL: "http://site/intro.mp4", Kind: gate.KindVideoMetadata},
}

func okProber() gate.Prober {
	return gate.ProberFunc(func(ctx context.Context, url string) error { return nil })
}

func hangProber() gate.Prober {
	return gate.ProberFunc(func(ctx context.Context, url string) error {
		<-ctx.Done()
		return ctx.Err()
	})
}

// setupTestServer creates a test server with miniredis
func setupTestServer(t *testing.T, probers gate.Probers, cfg gate.Config) (*Server, *storage.RunStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := storage.NewRunStore(mr.Addr(), "", 0, time.Hour)
	if err != nil {
		t.Fatalf("Failed to create run store: %v", err)
	}

	privateKey, _ := ticket.GenerateKeyPair()
	tickets, err := ticket.NewService("splash-gate-test", "test-clients", ticket.ExportPrivateKeyPEM(privateKey))
	if err != nil {
		t.Fatalf("Failed to create ticket service: %v", err)
	}

	server := NewServer(Options{
		Runner:            runner.New(gate.New(cfg, probers), store),
		Assets:            testAssets,
		Tickets:           tickets,
		Store:             store,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return server, store, mr
}

func fastConfig() gate.Config {
	return gate.Config{ProbeTimeout: 500 * time.Millisecond, Ceiling: time.Second, ExitDelay: 5 * time.Millisecond}
}

type sseEvent struct {
	Event string
	ID    string
	Data  string
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func statesOf(t *testing.T, events []sseEvent) []gate.State {
	t.Helper()
	var states []gate.State
	for _, e := range events {
		if e.Event != "state" {
			continue
		}
		var st gate.State
		if err := json.Unmarshal([]byte(e.Data), &st); err != nil {
			t.Fatalf("Bad state payload %q: %v", e.Data, err)
		}
		states = append(states, st)
	}
	return states
}

func createRun(t *testing.T, server *Server) CreateRunResponse {
	t.Helper()
	req := httptest.NewRequest("POST", "/readiness/runs", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp CreateRunResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func waitClosed(t *testing.T, store *storage.RunStore, runID string) *storage.RunRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.GetRun(context.Background(), runID)
		if err == nil && rec.Status == storage.StatusClosed {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Run %s did not close", runID)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	server.Health(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	json.NewDecoder(w.Body).Decode(&response)

	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", response["status"])
	}
	if response["redis"] != "connected" {
		t.Errorf("Expected redis 'connected', got '%s'", response["redis"])
	}
}

func TestHealthEndpoint_RedisDown(t *testing.T) {
	server, _, mr := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())
	mr.Close()

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestStreamReadiness(t *testing.T) {
	server, store, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	req := httptest.NewRequest("GET", "/readiness/stream", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	events := parseEvents(t, w.Body.String())
	if len(events) == 0 || events[0].Event != "connected" {
		t.Fatalf("Expected connected event first, got %+v", events)
	}
	if last := events[len(events)-1]; last.Event != "closed" {
		t.Errorf("Expected closed event last, got %s", last.Event)
	}

	states := statesOf(t, events)
	// initial, one per unit (fonts + 2 assets), terminal
	if len(states) != 5 {
		t.Fatalf("Expected 5 states, got %d: %v", len(states), states)
	}
	want := []int{0, 33, 67, 100, 100}
	for i, st := range states {
		if st.Progress != want[i] {
			t.Errorf("state %d: expected progress %d, got %d", i, want[i], st.Progress)
		}
		if st.Loading != (i < 4) {
			t.Errorf("state %d: unexpected loading=%v", i, st.Loading)
		}
	}

	var connected map[string]interface{}
	json.Unmarshal([]byte(events[0].Data), &connected)
	runID, _ := connected["run_id"].(string)
	rec, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("Expected stream run to be recorded: %v", err)
	}
	if rec.Source != SourceStream || rec.Status != storage.StatusClosed {
		t.Errorf("Unexpected record %+v", rec)
	}
}

func TestStreamReadiness_ClientDisconnect(t *testing.T) {
	cfg := gate.Config{ProbeTimeout: 5 * time.Second, Ceiling: 5 * time.Second, ExitDelay: 5 * time.Millisecond}
	server, _, _ := setupTestServer(t, gate.Probers{Image: hangProber(), Video: hangProber()}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/readiness/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		server.Router().ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler did not return after client disconnect")
	}

	events := parseEvents(t, w.Body.String())
	for _, e := range events {
		if e.Event == "closed" {
			t.Error("Expected no closed event after disconnect")
		}
	}
	for _, st := range statesOf(t, events) {
		if !st.Loading {
			t.Errorf("Expected no terminal state after disconnect, got %+v", st)
		}
	}
}

func TestCreateRun(t *testing.T) {
	server, store, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	resp := createRun(t, server)
	if resp.RunID == "" || resp.Ticket == "" {
		t.Fatalf("Expected run id and ticket, got %+v", resp)
	}
	if resp.StreamURL != "/readiness/runs/"+resp.RunID+"/stream" {
		t.Errorf("Unexpected stream URL %s", resp.StreamURL)
	}
	if time.Until(resp.ExpiresAt) <= 0 {
		t.Error("Ticket should not be expired")
	}

	claims, err := server.tickets.ValidateForRun(resp.Ticket, resp.RunID)
	if err != nil {
		t.Fatalf("Ticket should validate for its run: %v", err)
	}
	if claims.ID != resp.TicketID {
		t.Errorf("Expected ticket id %s, got %s", resp.TicketID, claims.ID)
	}

	rec := waitClosed(t, store, resp.RunID)
	if rec.Source != SourceClient || rec.Result.Reason != gate.ReasonSettled {
		t.Errorf("Unexpected record %+v", rec)
	}
}

func TestGetRun_TicketRequired(t *testing.T) {
	server, store, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	run := createRun(t, server)
	other := createRun(t, server)
	waitClosed(t, store, run.RunID)

	tests := []struct {
		name           string
		target         string
		authorization  string
		expectedStatus int
	}{
		{"bearer ticket", "/readiness/runs/" + run.RunID, "Bearer " + run.Ticket, http.StatusOK},
		{"query ticket", "/readiness/runs/" + run.RunID + "?ticket=" + run.Ticket, "", http.StatusOK},
		{"missing ticket", "/readiness/runs/" + run.RunID, "", http.StatusUnauthorized},
		{"malformed ticket", "/readiness/runs/" + run.RunID, "Bearer not.a.ticket", http.StatusUnauthorized},
		{"ticket for another run", "/readiness/runs/" + run.RunID, "Bearer " + other.Ticket, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			w := httptest.NewRecorder()

			// Use router to handle mux vars properly
			server.Router().ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest("GET", "/readiness/runs/"+run.RunID, nil)
	req.Header.Set("Authorization", "Bearer "+run.Ticket)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	var body RunResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode run: %v", err)
	}
	if body.Run.ID != run.RunID || len(body.States) != 5 {
		t.Errorf("Expected run with 5 states, got %s with %d", body.Run.ID, len(body.States))
	}
	if last := body.States[len(body.States)-1]; last.Loading {
		t.Errorf("Expected terminal state last, got %+v", last)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	server, _, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	token, _, _ := server.tickets.IssueTicket("expired-run", time.Minute)
	req := httptest.NewRequest("GET", "/readiness/runs/expired-run", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestStreamRun(t *testing.T) {
	probe := gate.ProberFunc(func(ctx context.Context, url string) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	server, _, _ := setupTestServer(t, gate.Probers{Image: probe, Video: probe}, fastConfig())

	run := createRun(t, server)

	req := httptest.NewRequest("GET", run.StreamURL+"?ticket="+run.Ticket, nil)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		server.Router().ServeHTTP(w, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stream did not finish after the run closed")
	}

	events := parseEvents(t, w.Body.String())
	if events[0].Event != "connected" {
		t.Errorf("Expected connected first, got %s", events[0].Event)
	}
	last := events[len(events)-1]
	if last.Event != "closed" {
		t.Fatalf("Expected closed last, got %s", last.Event)
	}
	var closed ClosedEvent
	json.Unmarshal([]byte(last.Data), &closed)
	if closed.RunID != run.RunID || closed.Reason != gate.ReasonSettled || closed.Progress != 100 {
		t.Errorf("Unexpected closed event %+v", closed)
	}

	states := statesOf(t, events)
	if len(states) != 5 {
		t.Fatalf("Expected 5 states, got %d", len(states))
	}
	prev := -1
	id := 0
	for _, e := range events {
		if e.Event != "state" {
			continue
		}
		if e.ID != strconv.Itoa(id) {
			t.Errorf("Expected event id %d, got %s", id, e.ID)
		}
		id++
	}
	for _, st := range states {
		if st.Progress < prev {
			t.Errorf("Progress went backwards: %d after %d", st.Progress, prev)
		}
		prev = st.Progress
	}
}

func TestStreamRun_ResumesAfterLastEventID(t *testing.T) {
	server, store, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	run := createRun(t, server)
	waitClosed(t, store, run.RunID)

	req := httptest.NewRequest("GET", run.StreamURL, nil)
	req.Header.Set("Authorization", "Bearer "+run.Ticket)
	req.Header.Set("Last-Event-ID", "2")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	var ids []string
	for _, e := range parseEvents(t, w.Body.String()) {
		if e.Event == "state" {
			ids = append(ids, e.ID)
		}
	}
	if strings.Join(ids, ",") != "3,4" {
		t.Errorf("Expected states 3,4 after resume, got %v", ids)
	}
}

func TestStreamRun_Unauthorized(t *testing.T) {
	server, _, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())
	run := createRun(t, server)

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest("GET", run.StreamURL, nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	server, store, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	first := createRun(t, server)
	second := createRun(t, server)
	waitClosed(t, store, first.RunID)
	waitClosed(t, store, second.RunID)

	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedRuns   int
	}{
		{"default limit", "", http.StatusOK, 2},
		{"limit one", "?limit=1", http.StatusOK, 1},
		{"bad limit", "?limit=zero", http.StatusBadRequest, 0},
		{"negative limit", "?limit=-3", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest("GET", "/readiness/runs"+tt.query, nil))

			if w.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var body struct {
				Runs []RunSummary `json:"runs"`
			}
			json.NewDecoder(w.Body).Decode(&body)
			if len(body.Runs) != tt.expectedRuns {
				t.Errorf("Expected %d runs, got %d", tt.expectedRuns, len(body.Runs))
			}
			for _, r := range body.Runs {
				if r.Status != storage.StatusClosed || r.Progress != 100 {
					t.Errorf("Unexpected summary %+v", r)
				}
			}
		})
	}
}

func TestGetAssets(t *testing.T) {
	server, _, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest("GET", "/assets", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var body AssetsResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(body.Assets) != 2 || body.Units != 3 {
		t.Errorf("Expected 2 assets and 3 units, got %d and %d", len(body.Assets), body.Units)
	}
	if body.Assets[1].Kind != gate.KindVideoMetadata {
		t.Errorf("Expected video-metadata kind, got %s", body.Assets[1].Kind)
	}
	if body.CeilingMS != 1000 || body.ExitDelayMS != 5 {
		t.Errorf("Unexpected timings %+v", body)
	}
}

func TestGetJWKS(t *testing.T) {
	server, _, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest("GET", "/.well-known/jwks.json", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var jwks ticket.JWKSet
	if err := json.NewDecoder(w.Body).Decode(&jwks); err != nil {
		t.Fatalf("Failed to decode JWKS: %v", err)
	}
	if len(jwks.Keys) != 1 || jwks.Keys[0].Kid != ticket.KeyID {
		t.Errorf("Unexpected JWKS %+v", jwks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	for _, name := range []string{"gate_runs_active", "gate_runs_recent_total"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("Expected metric %s in output", name)
		}
	}
}

func TestStaticOverlay(t *testing.T) {
	server, _, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/readiness/stream") {
		t.Error("Expected overlay page to open the readiness stream")
	}
}

func TestShutdown_CancelsBackgroundRuns(t *testing.T) {
	cfg := gate.Config{ProbeTimeout: time.Minute, Ceiling: time.Minute, ExitDelay: time.Millisecond}
	server, store, _ := setupTestServer(t, gate.Probers{Image: hangProber(), Video: hangProber()}, cfg)

	run := createRun(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	rec, err := store.GetRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if rec.Status != storage.StatusClosed || rec.Result.Reason != gate.ReasonCancelled {
		t.Errorf("Expected cancelled closed run, got %+v", rec)
	}
}

func TestShutdown_TracksRunsStartedConcurrently(t *testing.T) {
	cfg := gate.Config{ProbeTimeout: 30 * time.Second, Ceiling: time.Minute, ExitDelay: time.Millisecond}
	server, store, _ := setupTestServer(t, gate.Probers{Image: hangProber(), Video: hangProber()}, cfg)

	const callers = 8
	results := make(chan *httptest.ResponseRecorder, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		go func() {
			<-start
			w := httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest("POST", "/readiness/runs", nil))
			results <- w
		}()
	}

	close(start)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// every accepted run was waited for, so its record is already closed
	for i := 0; i < callers; i++ {
		w := <-results
		switch w.Code {
		case http.StatusAccepted:
			var resp CreateRunResponse
			json.NewDecoder(w.Body).Decode(&resp)
			rec := waitClosed(t, store, resp.RunID)
			if rec.Result.Reason != gate.ReasonCancelled {
				t.Errorf("Expected cancelled run, got %s", rec.Result.Reason)
			}
		case http.StatusServiceUnavailable:
		default:
			t.Errorf("Unexpected status %d", w.Code)
		}
	}
}

func TestCreateRun_RejectedAfterShutdown(t *testing.T) {
	server, _, _ := setupTestServer(t, gate.Probers{Image: okProber(), Video: okProber()}, fastConfig())

	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest("POST", "/readiness/runs", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestStreamRun_EndsWhenRecordDisappears(t *testing.T) {
	cfg := gate.Config{ProbeTimeout: 30 * time.Second, Ceiling: time.Minute, ExitDelay: time.Millisecond}
	server, _, mr := setupTestServer(t, gate.Probers{Image: hangProber(), Video: hangProber()}, cfg)

	run := createRun(t, server)

	req := httptest.NewRequest("GET", run.StreamURL+"?ticket="+run.Ticket, nil)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		server.Router().ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	mr.Del("gate:run:" + run.RunID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream kept polling after the run record disappeared")
	}

	events := parseEvents(t, w.Body.String())
	if len(events) == 0 {
		t.Fatalf("Expected SSE events, got %q", w.Body.String())
	}
	last := events[len(events)-1]
	if last.Event != "error" {
		t.Fatalf("Expected error event last, got %s", last.Event)
	}
	var body ErrorResponse
	json.Unmarshal([]byte(last.Data), &body)
	if body.Error != "Run not found" {
		t.Errorf("Unexpected error payload %+v", body)
	}
}
