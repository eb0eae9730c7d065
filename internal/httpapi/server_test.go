package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicerelay/internal/accesstoken"
	"github.com/antoniostano/voicerelay/internal/config"
	"github.com/antoniostano/voicerelay/internal/history"
	"github.com/antoniostano/voicerelay/internal/issuer"
	"github.com/antoniostano/voicerelay/internal/observability"
	"github.com/antoniostano/voicerelay/internal/persona"
	"github.com/antoniostano/voicerelay/internal/protocol"
	"github.com/antoniostano/voicerelay/internal/relay"
	"github.com/antoniostano/voicerelay/internal/session"
)

type fakeIssuer struct {
	registry   *persona.Registry
	defaults   persona.Settings
	err        error
	configured bool
}

func (f *fakeIssuer) CreateSessionToken(_ context.Context, personaID string) (issuer.Credential, error) {
	if f.err != nil {
		return issuer.Credential{}, f.err
	}
	settings, found := f.ResolveSettings(personaID)
	if !found {
		personaID = ""
	}
	return issuer.Credential{
		Secret:             "ek_upstream_secret",
		ExpiresAt:          time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC),
		RealtimeURL:        "https://swedencentral.realtimeapi-preview.ai.azure.com/v1/realtimertc",
		Voice:              settings.Voice,
		SystemInstructions: settings.Instructions,
		PersonaID:          personaID,
	}, nil
}

func (f *fakeIssuer) ResolveSettings(personaID string) (persona.Settings, bool) {
	return f.registry.Resolve(personaID, f.defaults)
}

func (f *fakeIssuer) SessionSettings(s persona.Settings) protocol.SessionSettings {
	return protocol.NewSessionSettings(s.Voice, s.Instructions, "pcm16", protocol.ServerVAD(0.5, 0, 0))
}

func (f *fakeIssuer) Configured() bool { return f.configured }

// fakeRelay greets the caller, waits for one caller frame and reports a
// caller-side close.
type fakeRelay struct {
	mu     sync.Mutex
	params []relay.Params
}

func (f *fakeRelay) Run(ctx context.Context, caller protocol.Duplex, p relay.Params) session.Outcome {
	f.mu.Lock()
	f.params = append(f.params, p)
	f.mu.Unlock()

	_ = caller.Outbound().WriteFrame(ctx, protocol.TextFrame([]byte(`{"type":"session.updated"}`)))
	_, _ = caller.Inbound().ReadFrame(ctx)
	_ = caller.Close(websocket.CloseNormalClosure, "session ended")
	return session.Outcome{
		State:    session.StateClosedByCaller,
		Reason:   "caller closed",
		Counters: session.Counters{FramesToUpstream: 1, FramesToCaller: 1},
	}
}

func (f *fakeRelay) last() relay.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[len(f.params)-1]
}

var metricsSeq atomic.Int64

type testEnv struct {
	server  *httptest.Server
	issuer  *fakeIssuer
	relay   *fakeRelay
	tokens  *accesstoken.Store
	history *history.InMemoryStore
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *fakeIssuer)) *testEnv {
	t.Helper()
	registry, err := persona.New(persona.Builtin())
	if err != nil {
		t.Fatalf("persona.New() error = %v", err)
	}
	cfg := config.Config{
		AllowedOrigins:   []string{"http://localhost:4200"},
		RealtimeAPIKey:   "server-api-key",
		SessionRetention: time.Minute,
	}
	iss := &fakeIssuer{
		registry:   registry,
		defaults:   persona.Settings{Voice: "alloy", Instructions: "default instructions"},
		configured: true,
	}
	if mutate != nil {
		mutate(&cfg, iss)
	}

	env := &testEnv{
		issuer:  iss,
		relay:   &fakeRelay{},
		tokens:  accesstoken.NewStore(5 * time.Minute),
		history: history.NewInMemoryStore(0),
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	srv := New(cfg, Dependencies{
		Personas: registry,
		Issuer:   iss,
		Tokens:   env.tokens,
		Relay:    env.relay,
		Sessions: session.NewManager(cfg.SessionRetention),
		History:  env.history,
		Metrics:  metrics,
	})
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(env.server.Close)
	return env
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestPersonaRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := http.Get(env.server.URL + "/api/personas")
	if err != nil {
		t.Fatalf("GET /api/personas error = %v", err)
	}
	var list []persona.Persona
	decodeBody(t, res, &list)
	if len(list) != len(persona.Builtin()) || list[0].ID != "assistant" {
		t.Fatalf("personas = %+v", list)
	}

	res, err = http.Get(env.server.URL + "/api/personas/storyteller")
	if err != nil {
		t.Fatalf("GET persona error = %v", err)
	}
	var p map[string]any
	decodeBody(t, res, &p)
	if p["id"] != "storyteller" || p["systemInstructions"] == "" {
		t.Fatalf("persona = %+v", p)
	}

	res, err = http.Get(env.server.URL + "/api/personas/ghost")
	if err != nil {
		t.Fatalf("GET missing persona error = %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing persona status = %d, want 404", res.StatusCode)
	}
	var e errorResponse
	decodeBody(t, res, &e)
	if e.Code != "persona_not_found" {
		t.Fatalf("error code = %q", e.Code)
	}
}

func TestIssueTokenForPersona(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(map[string]string{"personaId": "backend-mentor"})
	res, err := http.Post(env.server.URL+"/api/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/token error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var got map[string]any
	decodeBody(t, res, &got)

	if got["clientSecret"] != "ek_upstream_secret" || got["voice"] != "echo" || got["personaId"] != "backend-mentor" {
		t.Fatalf("token response = %+v", got)
	}
	if got["expiresAt"] != "2025-06-01T12:01:00Z" {
		t.Fatalf("expiresAt = %v", got["expiresAt"])
	}
	relayToken, _ := got["relayToken"].(string)
	grant, err := env.tokens.Validate(relayToken)
	if err != nil {
		t.Fatalf("relay token invalid: %v", err)
	}
	if grant.UpstreamSecret != "ek_upstream_secret" || grant.PersonaID != "backend-mentor" {
		t.Fatalf("grant = %+v", grant)
	}

	res, err = http.Get(env.server.URL + "/api/token?personaId=unknown")
	if err != nil {
		t.Fatalf("GET /api/token error = %v", err)
	}
	got = map[string]any{}
	decodeBody(t, res, &got)
	if got["voice"] != "alloy" || got["systemInstructions"] != "default instructions" {
		t.Fatalf("unknown persona should use defaults: %+v", got)
	}
	if _, present := got["personaId"]; present {
		t.Fatalf("unknown persona leaked into response: %+v", got)
	}
}

func TestIssueTokenRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{"personaId":"backend-mentor"`, `{"personaId":`, `not json`} {
		res, err := http.Post(env.server.URL+"/api/token", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST /api/token error = %v", err)
		}
		var got map[string]any
		decodeBody(t, res, &got)
		if res.StatusCode != http.StatusBadRequest || got["code"] != "invalid_request" {
			t.Fatalf("body %q: status = %d, response = %+v, want 400 invalid_request", body, res.StatusCode, got)
		}
	}

	res, err := http.Post(env.server.URL+"/api/token", "application/json", strings.NewReader(""))
	if err != nil {
		t.Fatalf("POST /api/token error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("empty body status = %d, want 200", res.StatusCode)
	}
}

func TestIssueTokenErrorMapping(t *testing.T) {
	cases := []struct {
		err       error
		status    int
		code      string
		retryable bool
	}{
		{fmt.Errorf("%w: missing key", issuer.ErrConfigurationInvalid), http.StatusInternalServerError, "configuration_invalid", false},
		{&issuer.RejectedError{StatusCode: 429, Body: "slow"}, http.StatusBadGateway, "upstream_rejected", true},
		{&issuer.RejectedError{StatusCode: 400, Body: "bad"}, http.StatusBadGateway, "upstream_rejected", false},
		{fmt.Errorf("%w: missing client_secret", issuer.ErrMalformedResponse), http.StatusBadGateway, "malformed_upstream_response", false},
		{fmt.Errorf("%w: dial tcp", issuer.ErrUpstreamUnavailable), http.StatusBadGateway, "upstream_unavailable", true},
	}
	for _, tc := range cases {
		env := newTestEnv(t, func(_ *config.Config, iss *fakeIssuer) { iss.err = tc.err })
		res, err := http.Get(env.server.URL + "/api/token")
		if err != nil {
			t.Fatalf("GET /api/token error = %v", err)
		}
		if res.StatusCode != tc.status {
			t.Fatalf("%v: status = %d, want %d", tc.err, res.StatusCode, tc.status)
		}
		var e errorResponse
		decodeBody(t, res, &e)
		if e.Code != tc.code || e.Retryable != tc.retryable {
			t.Fatalf("%v: error = %+v", tc.err, e)
		}
	}
}

func TestLegacyTokenUsesDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := http.Get(env.server.URL + "/api/realtime/token")
	if err != nil {
		t.Fatalf("GET /api/realtime/token error = %v", err)
	}
	var got legacyTokenResponse
	decodeBody(t, res, &got)
	grant, err := env.tokens.Validate(got.Token)
	if err != nil {
		t.Fatalf("legacy token invalid: %v", err)
	}
	if grant.Voice != "alloy" || grant.UpstreamSecret != "" {
		t.Fatalf("grant = %+v", grant)
	}
}

func TestRealtimeWSRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := http.Get(env.server.URL + "/api/realtime/ws?token=whatever")
	if err != nil {
		t.Fatalf("GET ws without upgrade error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-upgrade status = %d, want 400", res.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/realtime/ws?token=forged"
	_, res, err = websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial with forged token succeeded")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token response = %+v", res)
	}
}

func TestRealtimeWSRelaysAndRecordsHistory(t *testing.T) {
	env := newTestEnv(t, nil)

	tok, err := env.tokens.Issue(accesstoken.Grant{PersonaID: "language-tutor", UpstreamSecret: "ek_from_issuer"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/realtime/ws"
	header := http.Header{"Authorization": []string{"Bearer " + tok.Value}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil || !strings.Contains(string(data), "session.updated") {
		t.Fatalf("first frame = %q, %v", data, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"input_audio_buffer.commit"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}

	p := env.relay.last()
	if p.Bearer != "ek_from_issuer" || p.Settings.Voice != "shimmer" || p.SessionID == "" {
		t.Fatalf("relay params = %+v", p)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		calls, _ := env.history.RecentCalls(context.Background(), 10)
		if len(calls) == 1 {
			if calls[0].State != string(session.StateClosedByCaller) || calls[0].PersonaID != "language-tutor" {
				t.Fatalf("history record = %+v", calls[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("call history not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := http.Get(env.server.URL + "/api/sessions/history?limit=5")
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	var hist struct {
		Mode  string               `json:"mode"`
		Calls []history.CallRecord `json:"calls"`
	}
	decodeBody(t, res, &hist)
	if hist.Mode != "in-memory" || len(hist.Calls) != 1 || hist.Calls[0].FramesToCaller != 1 {
		t.Fatalf("history response = %+v", hist)
	}

	res, err = http.Get(env.server.URL + "/api/sessions/history?limit=abc")
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", res.StatusCode)
	}
}

func TestRealtimeWSFallsBackToServerKey(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := http.Get(env.server.URL + "/api/realtime/token")
	if err != nil {
		t.Fatalf("GET legacy token error = %v", err)
	}
	var legacy legacyTokenResponse
	decodeBody(t, res, &legacy)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/realtime/ws?token=" + legacy.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte("x"))
	_, _, _ = conn.ReadMessage()

	if p := env.relay.last(); p.Bearer != "server-api-key" || p.Settings.Instructions != "default instructions" {
		t.Fatalf("relay params = %+v", p)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/api/token", nil)
	req.Header.Set("Origin", "http://localhost:4200")
	req.Header.Set("Access-Control-Request-Method", "POST")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", res.StatusCode)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "http://localhost:4200" || res.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("preflight headers = %v", res.Header)
	}

	req, _ = http.NewRequest(http.MethodGet, env.server.URL+"/api/personas", nil)
	req.Header.Set("Origin", "https://evil.example")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	res.Body.Close()
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed origin received CORS headers")
	}
}

func TestCORSAllowAnyOrigin(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, _ *fakeIssuer) { cfg.AllowAnyOrigin = true })

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/personas", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	res.Body.Close()
	if res.Header.Get("Access-Control-Allow-Origin") != "https://anywhere.example" {
		t.Fatalf("Access-Control-Allow-Origin = %q", res.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestReadinessReflectsIssuerConfiguration(t *testing.T) {
	env := newTestEnv(t, func(_ *config.Config, iss *fakeIssuer) { iss.configured = false })
	res, err := http.Get(env.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	var got map[string]any
	decodeBody(t, res, &got)
	if res.StatusCode != http.StatusServiceUnavailable || got["issuer_configured"] != false {
		t.Fatalf("readyz = %d %+v", res.StatusCode, got)
	}

	res, err = http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
}
