package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/metric-investigator/internal/config"
	"github.com/kubilitics/metric-investigator/internal/db"
	"github.com/kubilitics/metric-investigator/internal/models"
	"github.com/kubilitics/metric-investigator/internal/reasoning/engine"
	"github.com/kubilitics/metric-investigator/pkg/types"
)

// ─── Fake engine ──────────────────────────────────────────────────────────────

type fakeEngine struct {
	mu       sync.Mutex
	convs    map[string]*models.ConversationContext
	runErr   error
	lastCall string
	subs     map[string][]*engine.Subscriber

	// onSubscribe runs after a subscriber is registered.
	onSubscribe func(id string)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		convs: map[string]*models.ConversationContext{},
		subs:  map[string][]*engine.Subscriber{},
	}
}

func (f *fakeEngine) StartOrResume(_ context.Context, query, id string) (*models.ConversationContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = "start:" + query + ":" + id
	if strings.TrimSpace(query) == "" && id == "" {
		return nil, engine.ErrEmptyQuery
	}
	conv, ok := f.convs[id]
	if !ok {
		conv = &models.ConversationContext{ConversationID: "conv-new", UserFeedback: []string{}, ExecutedSteps: []models.StepResult{}}
		f.convs[conv.ConversationID] = conv
	}
	conv.QueryText = query
	conv.State = models.StateTerminated
	return conv.Clone(), f.runErr
}

func (f *fakeEngine) SubmitFeedback(_ context.Context, id, feedback string) (*models.ConversationContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, &models.ConversationNotFoundError{ConversationID: id}
	}
	if strings.TrimSpace(feedback) == "" {
		return nil, engine.ErrEmptyFeedback
	}
	conv.UserFeedback = append(conv.UserFeedback, feedback)
	return conv.Clone(), f.runErr
}

func (f *fakeEngine) Get(_ context.Context, id string) (*models.ConversationContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, &models.ConversationNotFoundError{ConversationID: id}
	}
	return conv.Clone(), nil
}

func (f *fakeEngine) List(_ context.Context) []*models.ConversationContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ConversationContext, 0, len(f.convs))
	for _, c := range f.convs {
		out = append(out, c.Clone())
	}
	return out
}

func (f *fakeEngine) Subscribe(id string) *engine.Subscriber {
	f.mu.Lock()
	sub := &engine.Subscriber{Ch: make(chan engine.Event, 8)}
	f.subs[id] = append(f.subs[id], sub)
	hook := f.onSubscribe
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return sub
}

func (f *fakeEngine) Unsubscribe(id string, sub *engine.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[id]
	for i, s := range subs {
		if s == sub {
			f.subs[id] = append(subs[:i], subs[i+1:]...)
			close(s.Ch)
			return
		}
	}
}

func (f *fakeEngine) publish(ev engine.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs[ev.ConversationID] {
		s.Ch <- ev
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T, eng engine.Engine, archive db.Store) *Server {
	t.Helper()
	s, err := NewServer(&Config{AllowedOrigins: []string{"http://localhost:3000"}}, eng, archive, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// ─── Construction ─────────────────────────────────────────────────────────────

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(nil, newFakeEngine(), nil, nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&Config{}, nil, nil, nil); err == nil {
		t.Error("expected error for nil engine")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	sc := ConfigFrom(cfg)
	if sc.HTTPPort != cfg.Server.Port || sc.GRPCPort != cfg.Server.GRPCPort {
		t.Errorf("ports not carried over: %+v", sc)
	}
	if sc.RateLimitRPM != 120 {
		t.Errorf("expected rate limit 120, got %d", sc.RateLimitRPM)
	}
	if sc.RequestTimeout <= 0 {
		t.Error("expected a request timeout")
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHealthAndReady(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil).Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health: got %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusOK {
		t.Errorf("ready: got %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["archive"] != false {
		t.Errorf("expected archive=false, got %v", body["archive"])
	}
}

func TestReady_ArchiveDown(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	_ = store.Close()

	h := newTestServer(t, newFakeEngine(), store).Handler()
	if rec := do(t, h, http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with a closed archive, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil).Handler()
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "metric_investigator_") {
		t.Error("expected service metrics in exposition")
	}
}

// ─── Conversations ────────────────────────────────────────────────────────────

func TestStartConversation(t *testing.T) {
	eng := newFakeEngine()
	h := newTestServer(t, eng, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/conversations", `{"query":"Why did DAU drop?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	conv := decode[models.ConversationContext](t, rec)
	if conv.ConversationID != "conv-new" || conv.QueryText != "Why did DAU drop?" {
		t.Errorf("unexpected snapshot %+v", conv)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/conversations", `{"query":"and iOS?","conversation_id":"conv-new"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}
	if eng.lastCall != "start:and iOS?:conv-new" {
		t.Errorf("unexpected engine call %q", eng.lastCall)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/conversations", "")
	list := decode[types.ConversationList[models.ConversationContext]](t, rec)
	if list.Count != 1 {
		t.Errorf("expected 1 conversation, got %d", list.Count)
	}
}

func TestStartConversation_BadRequests(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil).Handler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"query":`},
		{"unknown field", `{"query":"x","mode":"fast"}`},
		{"empty query", `{"query":"  "}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/conversations", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStartConversation_FailureCarriesSnapshot(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"contract", &models.OracleContractError{Raw: "?", Err: errors.New("no JSON object")}, http.StatusBadGateway},
		{"synthesis", &models.SynthesisError{Err: errors.New("down")}, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng := newFakeEngine()
			eng.runErr = tc.err
			h := newTestServer(t, eng, nil).Handler()

			rec := do(t, h, http.MethodPost, "/api/v1/conversations", `{"query":"drop"}`)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			body := decode[types.ErrorResponse](t, rec)
			if body.Error == "" || body.Conversation == nil {
				t.Errorf("expected error and snapshot, got %+v", body)
			}
		})
	}
}

func TestGetConversation(t *testing.T) {
	eng := newFakeEngine()
	eng.convs["c1"] = &models.ConversationContext{ConversationID: "c1", QueryText: "q"}
	h := newTestServer(t, eng, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/conversations/c1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if conv := decode[models.ConversationContext](t, rec); conv.QueryText != "q" {
		t.Errorf("unexpected snapshot %+v", conv)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/conversations/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestFeedback(t *testing.T) {
	eng := newFakeEngine()
	eng.convs["c1"] = &models.ConversationContext{ConversationID: "c1", QueryText: "q", UserFeedback: []string{}}
	h := newTestServer(t, eng, nil).Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/conversations/nope/feedback", `{"feedback":"x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/conversations/c1/feedback", `{"feedback":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty feedback: expected 400, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/conversations/c1/feedback", `{"feedback":"check devices"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	conv := decode[models.ConversationContext](t, rec)
	if len(conv.UserFeedback) != 1 || conv.UserFeedback[0] != "check devices" {
		t.Errorf("unexpected feedback %v", conv.UserFeedback)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil).Handler()
	if rec := do(t, h, http.MethodDelete, "/api/v1/conversations", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestRateLimited(t *testing.T) {
	s, err := NewServer(&Config{RateLimitRPM: 1}, newFakeEngine(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.rateLimiter.Stop()
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
}

// ─── Archive ──────────────────────────────────────────────────────────────────

func TestArchive(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil).Handler()
	if rec := do(t, h, http.MethodGet, "/api/v1/archive", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled archive: expected 503, got %d", rec.Code)
	}

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	now := time.Now().UTC()
	if err := store.SaveConversation(ctx, &models.ConversationContext{
		ConversationID: "arch-1", QueryText: "drop", State: models.StateTerminated, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	if err := store.AppendUsage(ctx, &db.UsageRecord{ConversationID: "arch-1", Provider: "anthropic", PromptTokens: 10, CompletionTokens: 2}); err != nil {
		t.Fatalf("AppendUsage: %v", err)
	}

	h = newTestServer(t, newFakeEngine(), store).Handler()
	rec := do(t, h, http.MethodGet, "/api/v1/archive?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	list := decode[types.ConversationList[db.ConversationRecord]](t, rec)
	if len(list.Conversations) != 1 || list.Conversations[0].ID != "arch-1" {
		t.Errorf("unexpected archive list %+v", list.Conversations)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/archive/arch-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	got := decode[struct {
		ConversationID string        `json:"conversation_id"`
		Usage          db.UsageTotal `json:"llm_usage"`
	}](t, rec)
	if got.ConversationID != "arch-1" || got.Usage.PromptTokens != 10 {
		t.Errorf("unexpected archived conversation %+v", got)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/archive/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// ─── WebSocket ────────────────────────────────────────────────────────────────

func TestConversationStream(t *testing.T) {
	eng := newFakeEngine()
	eng.convs["c1"] = &models.ConversationContext{ConversationID: "c1", QueryText: "q"}
	ts := httptest.NewServer(newTestServer(t, eng, nil).Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/conversations/c1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first WSMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != MessageTypeSnapshot || first.Conversation == nil || first.Conversation.QueryText != "q" {
		t.Fatalf("unexpected first message %+v", first)
	}

	eng.publish(engine.Event{ConversationID: "c1", Type: engine.EventBudgetExhausted, State: models.StateTerminated, Timestamp: time.Now()})

	var next WSMessage
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if next.Type != string(engine.EventBudgetExhausted) || next.Event == nil || next.Event.State != models.StateTerminated {
		t.Errorf("unexpected event message %+v", next)
	}
}

func TestConversationStream_EventBeforeSnapshot(t *testing.T) {
	eng := newFakeEngine()
	eng.convs["c1"] = &models.ConversationContext{ConversationID: "c1", QueryText: "q", State: models.StateExecutingStep}
	// A run finishes right as the client connects.
	eng.onSubscribe = func(id string) {
		eng.mu.Lock()
		eng.convs[id].State = models.StateTerminated
		eng.mu.Unlock()
		eng.publish(engine.Event{ConversationID: id, Type: engine.EventDone, State: models.StateTerminated, Timestamp: time.Now()})
	}
	ts := httptest.NewServer(newTestServer(t, eng, nil).Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/conversations/c1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first WSMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Conversation == nil || first.Conversation.State != models.StateTerminated {
		t.Fatalf("snapshot predates the event: %+v", first.Conversation)
	}

	var next WSMessage
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if next.Type != string(engine.EventDone) {
		t.Errorf("expected %s event, got %+v", engine.EventDone, next)
	}
}

func TestConversationStream_Unknown(t *testing.T) {
	eng := newFakeEngine()
	ts := httptest.NewServer(newTestServer(t, eng, nil).Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/conversations/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 response, got %+v", resp)
	}

	// the handler may still be unwinding after the response is read
	deadline := time.Now().Add(2 * time.Second)
	for {
		eng.mu.Lock()
		n := len(eng.subs["nope"])
		eng.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriber to be released, %d left", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOriginChecking(t *testing.T) {
	tests := []struct {
		name      string
		origins   []string
		reqOrigin string
		want      bool
	}{
		{"allow configured origin", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"block external", []string{"http://localhost:3000"}, "https://evil.example.com", false},
		{"wildcard allows anything", []string{"*"}, "https://example.com", true},
		{"no origin header allowed", nil, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			up := newUpgrader(tc.origins)
			r, _ := http.NewRequest(http.MethodGet, "/ws/conversations/c1", nil)
			if tc.reqOrigin != "" {
				r.Header.Set("Origin", tc.reqOrigin)
			}
			if got := up.CheckOrigin(r); got != tc.want {
				t.Errorf("origin=%q, allowed=%v: got %v, want %v", tc.reqOrigin, tc.origins, got, tc.want)
			}
		})
	}
}

// ─── gRPC health ──────────────────────────────────────────────────────────────

func TestGRPCHealth(t *testing.T) {
	s := newTestServer(t, newFakeEngine(), nil)
	gs := s.newGRPCServer()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	cc, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(cc).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", resp.GetStatus())
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s, err := NewServer(&Config{Host: "127.0.0.1", HTTPPort: 0}, newFakeEngine(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}
