package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gravity-claw/internal/agent"
	"gravity-claw/internal/auth"
	"gravity-claw/internal/config"
	"gravity-claw/internal/pipeline"
	"gravity-claw/internal/push"
)

type fakeChat struct {
	mu      sync.Mutex
	calls   []string
	reply   string
	runtime *agent.RuntimeConfig
	done    chan struct{}
}

func newFakeChat(reply string) *fakeChat {
	return &fakeChat{reply: reply, runtime: agent.NewRuntimeConfig("primary", ""), done: make(chan struct{}, 4)}
}

func (f *fakeChat) Run(_ context.Context, sessionID, text string, _ []agent.Media) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID+"|"+text)
	f.mu.Unlock()
	f.done <- struct{}{}
	return f.reply, nil
}

func (f *fakeChat) Compact(context.Context, string) (string, error) { return agent.CompactTooSmallMessage, nil }
func (f *fakeChat) Reset(context.Context, string) (bool, error)     { return true, nil }
func (f *fakeChat) Runtime() *agent.RuntimeConfig                   { return f.runtime }

type producerFunc func(ctx context.Context, event pipeline.IntakeEvent) error

func (p producerFunc) Publish(ctx context.Context, event pipeline.IntakeEvent) error { return p(ctx, event) }
func (p producerFunc) Close() error                                                   { return nil }

type staticRenderer struct{}

func (staticRenderer) Render(context.Context, []pipeline.CompEntry, float64, string) (string, error) {
	return "/assets/willow/test.html", nil
}

func newTestServer(t *testing.T, deps Dependencies) (*Server, *pipeline.Engine) {
	t.Helper()
	if deps.Pipeline == nil {
		deps.Pipeline = pipeline.NewEngine(pipeline.NewTable(), pipeline.WithRenderer(staticRenderer{}))
	}
	return NewServer(":0", deps), deps.Pipeline
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, Dependencies{})
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestChatPublishesThinkingAndReply(t *testing.T) {
	hub := push.NewHub()
	sub := hub.Subscribe("s1")
	defer sub.Close()
	chat := newFakeChat("hello back")
	srv, _ := newTestServer(t, Dependencies{Chat: chat, Hub: hub})

	rec := do(t, srv.Handler(), http.MethodPost, "/api/chat", `{"sessionId":"s1","message":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reply != "hello back" || resp.SessionID != "s1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	first := <-sub.C()
	second := <-sub.C()
	if first.Content != thinkingNotice || second.Content != "hello back" {
		t.Fatalf("unexpected pushes %q %q", first.Content, second.Content)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	srv, _ := newTestServer(t, Dependencies{Chat: newFakeChat("x")})
	rec := do(t, srv.Handler(), http.MethodPost, "/api/chat", `{"message":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookAcceptsAndBroadcasts(t *testing.T) {
	hub := push.NewHub()
	sub := hub.Subscribe("")
	defer sub.Close()
	chat := newFakeChat("pay attention")
	srv, _ := newTestServer(t, Dependencies{Chat: chat, Hub: hub})

	rec := do(t, srv.Handler(), http.MethodPost, "/webhook", `{"event":"deploy_failed"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	srv.Wait()
	chat.mu.Lock()
	call := chat.calls[0]
	chat.mu.Unlock()
	if !strings.HasPrefix(call, webhookSession+"|SYSTEM WEBHOOK ALERT:") || !strings.Contains(call, "deploy_failed") {
		t.Fatalf("unexpected webhook prompt %q", call)
	}
	alert := <-sub.C()
	if alert.Type != push.TypeAlert || !strings.HasSuffix(alert.Content, "pay attention") {
		t.Fatalf("unexpected alert %+v", alert)
	}
}

func TestLeadWebhookPublishesIntake(t *testing.T) {
	var got pipeline.IntakeEvent
	producer := producerFunc(func(_ context.Context, e pipeline.IntakeEvent) error {
		got = e
		return nil
	})
	srv, _ := newTestServer(t, Dependencies{Intake: producer})

	rec := do(t, srv.Handler(), http.MethodPost, "/webhook/lead", `{"lead_id":"L-7","address":"12 Elm St"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if got.LeadID != "L-7" || got.Address != "12 Elm St" {
		t.Fatalf("unexpected event %+v", got)
	}

	rec = do(t, srv.Handler(), http.MethodPost, "/webhook/lead", `{"lead_id":"L-8"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing address should be rejected, got %d", rec.Code)
	}
}

func TestPipelineResumeAndExecute(t *testing.T) {
	srv, engine := newTestServer(t, Dependencies{})
	if _, err := engine.Intake(context.Background(), "L-1", "5 Oak Ave", nil); err != nil {
		t.Fatalf("intake: %v", err)
	}
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/pipeline/L-1/resume", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing price should be 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/pipeline/L-1/resume", `{"targetPrice":"abc"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("non numeric price should be 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/pipeline/L-404/resume", `{"targetPrice":500000}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown lead should be 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/pipeline/L-1/execute", ``); rec.Code != http.StatusConflict {
		t.Fatalf("execute before approval should be 409, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/pipeline/L-1/resume", `{"targetPrice":"500000"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	engine.Wait()

	state, err := engine.Get("L-1")
	if err != nil || state.Status != pipeline.StatusReadyForApproval {
		t.Fatalf("expected READY_FOR_APPROVAL, got %+v %v", state, err)
	}

	rec = do(t, h, http.MethodPost, "/api/pipeline/L-1/execute", ``)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/pipeline/L-404/execute", ``); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown lead execute should be 404, got %d", rec.Code)
	}
}

func TestPipelineListAndGet(t *testing.T) {
	srv, engine := newTestServer(t, Dependencies{})
	_, _ = engine.Intake(context.Background(), "L-1", "5 Oak Ave", nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/pipeline?status=AWAITING_ORACLE", "")
	var states []pipeline.State
	if err := json.Unmarshal(rec.Body.Bytes(), &states); err != nil || len(states) != 1 {
		t.Fatalf("unexpected list %s %v", rec.Body.String(), err)
	}
	if rec := do(t, h, http.MethodGet, "/api/pipeline?status=BOGUS", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status filter should be 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/pipeline/L-9", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeToken, StaticTokens: []string{"letmein"}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv, engine := newTestServer(t, Dependencies{Auth: svc})
	_, _ = engine.Intake(context.Background(), "L-1", "5 Oak Ave", nil)
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/pipeline/L-1/resume", `{"targetPrice":1}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/pipeline/L-1/resume", `{"targetPrice":1}`, "Authorization", "Bearer letmein")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d", rec.Code)
	}
	engine.Wait()
	if rec := do(t, h, http.MethodGet, "/api/pipeline/L-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("read routes stay open, got %d", rec.Code)
	}
}

func TestRuntimeUpdate(t *testing.T) {
	chat := newFakeChat("")
	srv, _ := newTestServer(t, Dependencies{Chat: chat})
	h := srv.Handler()

	rec := do(t, h, http.MethodPut, "/api/runtime", `{"model":"other","thinkLevel":"high"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if snap := chat.runtime.Snapshot(); snap.Model != "other" || snap.ThinkLevel != agent.ThinkHigh {
		t.Fatalf("runtime not updated: %+v", snap)
	}
	if rec := do(t, h, http.MethodPut, "/api/runtime", `{"thinkLevel":"turbo"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid think level should be 400, got %d", rec.Code)
	}
}

func TestSetupReportsMissingKeys(t *testing.T) {
	missing := []config.MissingKey{{Key: "GEMINI_API_KEY", Feature: "Pipeline narrative drafting", Status: "pending"}}
	srv, _ := newTestServer(t, Dependencies{Setup: missing})
	rec := do(t, srv.Handler(), http.MethodGet, "/api/dashboard/setup", "")
	var resp setupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.IsFullyArmed || len(resp.MissingKeys) != 1 || resp.MissingKeys[0].Key != "GEMINI_API_KEY" {
		t.Fatalf("unexpected setup %+v", resp)
	}

	srv, _ = newTestServer(t, Dependencies{})
	rec = do(t, srv.Handler(), http.MethodGet, "/api/dashboard/setup", "")
	if !strings.Contains(rec.Body.String(), `"isFullyArmed":true`) {
		t.Fatalf("expected fully armed: %s", rec.Body.String())
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", Dependencies{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}
