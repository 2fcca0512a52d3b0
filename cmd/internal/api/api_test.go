package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"desk/cmd/identity"
	"desk/cmd/internal/auth/session"
	"desk/cmd/internal/chat"
	v1 "desk/shared/contracts/chat/v1"

	paseto "aidanwoods.dev/go-paseto"
)

type apiEnv struct {
	sessions *session.Service
	server   *httptest.Server
}

func newAPIEnv(t *testing.T, mutate func(*Config), opts ...Option) *apiEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	sessions := session.NewService(scfg, session.NewMemoryStore(), tokens)
	svc := chat.NewService(chat.DefaultConfig(), log, chat.NewInMemoryStore(), nil)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := NewHandler(log, cfg, sessions, svc, opts...)

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", h.Routes()))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &apiEnv{sessions: sessions, server: ts}
}

func (e *apiEnv) token(t *testing.T, subject string, role identity.Role) string {
	t.Helper()
	issued, err := e.sessions.IssueSession(context.Background(), time.Now().UTC(), subject, role)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	return issued.AccessToken
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func decodeInto(t *testing.T, raw []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var er errorResponse
	decodeInto(t, raw, &er)
	return er.Error.Code
}

func TestConversationLifecycle(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, nil)
	cust := env.token(t, "cust-1", identity.RoleCustomer)
	op := env.token(t, "op-1", identity.RoleOperator)

	resp, raw := env.do(t, http.MethodPost, "/api/conversations", cust, map[string]any{
		"title":         "refund",
		"first_message": map[string]string{"text": " hello "},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", resp.StatusCode, raw)
	}
	var created createConversationResponse
	decodeInto(t, raw, &created)
	if created.Conversation.Status != "new" || created.Message == nil || created.Message.Text != "hello" {
		t.Fatalf("unexpected create response: %+v", created)
	}
	id := created.Conversation.ID
	base := "/api/conversations/" + itoa(id)

	resp, raw = env.do(t, http.MethodPost, base+"/messages", op, map[string]string{"text": "on it"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: status=%d body=%s", resp.StatusCode, raw)
	}
	var sent v1.MessageView
	decodeInto(t, raw, &sent)
	if sent.SenderID != "op-1" || sent.SenderRole != "operator" {
		t.Fatalf("sender must come from the token: %+v", sent)
	}

	resp, raw = env.do(t, http.MethodGet, base+"/messages?size=1", cust, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status=%d body=%s", resp.StatusCode, raw)
	}
	var page v1.MessagePage
	decodeInto(t, raw, &page)
	if page.Total != 2 || len(page.Items) != 1 || page.Items[0].Text != "on it" {
		t.Fatalf("expected newest message first: %+v", page)
	}

	resp, raw = env.do(t, http.MethodPatch, base+"/status", op, map[string]string{"status": "processing"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: status=%d body=%s", resp.StatusCode, raw)
	}
	var conv v1.ConversationView
	decodeInto(t, raw, &conv)
	if conv.Status != "processing" || !conv.UpdatedAt.After(created.Conversation.UpdatedAt) {
		t.Fatalf("unexpected conversation after status change: %+v", conv)
	}

	resp, raw = env.do(t, http.MethodGet, base, cust, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status=%d body=%s", resp.StatusCode, raw)
	}
	decodeInto(t, raw, &conv)
	if conv.Status != "processing" {
		t.Fatalf("customer sees stale status %q", conv.Status)
	}
}

func TestListConversations_Visibility(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, nil)
	a := env.token(t, "cust-a", identity.RoleCustomer)
	b := env.token(t, "cust-b", identity.RoleCustomer)
	op := env.token(t, "op-1", identity.RoleOperator)

	for _, tok := range []string{a, b, a} {
		if resp, raw := env.do(t, http.MethodPost, "/api/conversations", tok, map[string]string{"title": "t"}); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create: status=%d body=%s", resp.StatusCode, raw)
		}
	}

	cases := []struct {
		name  string
		token string
		query string
		want  int
	}{
		{name: "operator sees all", token: op, want: 3},
		{name: "operator filters by customer", token: op, query: "?customer_id=cust-b", want: 1},
		{name: "operator filters by status", token: op, query: "?status=closed", want: 0},
		{name: "customer sees own", token: a, want: 2},
		{name: "customer cannot widen filter", token: b, query: "?customer_id=cust-a", want: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := env.do(t, http.MethodGet, "/api/conversations"+tc.query, tc.token, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
			}
			var page v1.ConversationPage
			decodeInto(t, raw, &page)
			if page.Total != tc.want || len(page.Items) != tc.want {
				t.Fatalf("total=%d items=%d want=%d", page.Total, len(page.Items), tc.want)
			}
			for i := 1; i < len(page.Items); i++ {
				if page.Items[i-1].UpdatedAt.Before(page.Items[i].UpdatedAt) {
					t.Fatalf("items not ordered by updated_at desc")
				}
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, nil)
	owner := env.token(t, "cust-1", identity.RoleCustomer)
	other := env.token(t, "cust-2", identity.RoleCustomer)
	op := env.token(t, "op-1", identity.RoleOperator)

	resp, raw := env.do(t, http.MethodPost, "/api/conversations", owner, map[string]string{"title": "t"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", resp.StatusCode, raw)
	}
	var created createConversationResponse
	decodeInto(t, raw, &created)
	base := "/api/conversations/" + itoa(created.Conversation.ID)

	cases := []struct {
		name       string
		method     string
		path       string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"no token", http.MethodGet, "/api/conversations", "", nil, http.StatusUnauthorized, v1.CodeUnauthenticated},
		{"garbage token", http.MethodGet, "/api/conversations", "not-a-token", nil, http.StatusUnauthorized, v1.CodeUnauthenticated},
		{"foreign customer reads", http.MethodGet, base, other, nil, http.StatusForbidden, v1.CodeForbidden},
		{"foreign customer sends", http.MethodPost, base + "/messages", other, map[string]string{"text": "x"}, http.StatusForbidden, v1.CodeForbidden},
		{"customer changes status", http.MethodPatch, base + "/status", owner, map[string]string{"status": "closed"}, http.StatusForbidden, v1.CodeForbidden},
		{"operator starts conversation", http.MethodPost, "/api/conversations", op, map[string]string{"title": "t"}, http.StatusForbidden, v1.CodeForbidden},
		{"unknown conversation", http.MethodGet, "/api/conversations/999999", op, nil, http.StatusNotFound, v1.CodeNotFound},
		{"bad id", http.MethodGet, "/api/conversations/abc", op, nil, http.StatusBadRequest, v1.CodeValidation},
		{"empty message", http.MethodPost, base + "/messages", owner, map[string]string{"text": "   "}, http.StatusBadRequest, v1.CodeValidation},
		{"empty title", http.MethodPost, "/api/conversations", owner, map[string]string{"title": ""}, http.StatusBadRequest, v1.CodeValidation},
		{"unknown status", http.MethodPatch, base + "/status", op, map[string]string{"status": "archived"}, http.StatusBadRequest, v1.CodeValidation},
		{"unknown field", http.MethodPost, base + "/messages", owner, map[string]string{"sender_id": "op-1"}, http.StatusBadRequest, v1.CodeBadEnvelope},
		{"trailing data", http.MethodPost, base + "/messages", owner, `{"text":"a"}{}`, http.StatusBadRequest, v1.CodeBadEnvelope},
		{"bad page", http.MethodGet, base + "/messages?page=x", owner, nil, http.StatusBadRequest, v1.CodeValidation},
		{"nul in message", http.MethodPost, base + "/messages", owner, map[string]string{"text": "a\x00b"}, http.StatusBadRequest, v1.CodeValidation},
		{"unknown route", http.MethodGet, "/api/nope", owner, nil, http.StatusNotFound, "not_found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := env.do(t, tc.method, tc.path, tc.token, tc.body)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status=%d want=%d body=%s", resp.StatusCode, tc.wantStatus, raw)
			}
			if got := errorCode(t, raw); got != tc.wantCode {
				t.Fatalf("code=%q want=%q", got, tc.wantCode)
			}
		})
	}

	for _, path := range []string{base + "/messages?page=9223372036854775807", "/api/conversations?page=9223372036854775807"} {
		resp, raw := env.do(t, http.MethodGet, path, op, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status=%d body=%s", path, resp.StatusCode, raw)
		}
		var page struct {
			Items []json.RawMessage `json:"items"`
		}
		decodeInto(t, raw, &page)
		if len(page.Items) != 0 {
			t.Fatalf("GET %s: expected an empty page, got %d items", path, len(page.Items))
		}
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, nil)
	tok := env.token(t, "cust-1", identity.RoleCustomer)
	second := env.token(t, "cust-1", identity.RoleCustomer)

	resp, raw := env.do(t, http.MethodGet, "/api/auth/me", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status=%d body=%s", resp.StatusCode, raw)
	}
	var me meResponse
	decodeInto(t, raw, &me)
	if me.UserID != "cust-1" || me.Role != "customer" || me.SessionID == "" {
		t.Fatalf("unexpected me: %+v", me)
	}

	if resp, raw := env.do(t, http.MethodPost, "/api/auth/logout", tok, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status=%d body=%s", resp.StatusCode, raw)
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/auth/me", tok, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token must be rejected, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/auth/me", second, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("other session must survive a single logout, got %d", resp.StatusCode)
	}

	if resp, raw := env.do(t, http.MethodPost, "/api/auth/logout_all", second, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout_all: status=%d body=%s", resp.StatusCode, raw)
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/auth/me", second, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("logout_all must revoke every session, got %d", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, func(c *Config) { c.AllowedOrigins = []string{"https://console.example.com"} })

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/conversations", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")

	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	_ = resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DESK_API_MAX_BODY_BYTES", "1024")
	t.Setenv("DESK_API_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("DESK_API_CORS_MAX_AGE", "-5")
	t.Setenv("DESK_API_WRITE_LIMIT", "0")
	t.Setenv("DESK_API_WRITE_WINDOW", "30s")

	cfg := LoadConfigFromEnv()
	if cfg.MaxBodyBytes != 1024 {
		t.Fatalf("MaxBodyBytes=%d", cfg.MaxBodyBytes)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.CORSMaxAge != DefaultConfig().CORSMaxAge {
		t.Fatalf("invalid max age must fall back to default, got %d", cfg.CORSMaxAge)
	}
	if cfg.WriteLimit != 0 || cfg.WriteWindow != 30*time.Second {
		t.Fatalf("write limit: %d per %v", cfg.WriteLimit, cfg.WriteWindow)
	}
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *recordingAudit) Record(_ context.Context, e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

func TestAuditTrail(t *testing.T) {
	t.Parallel()

	rec := &recordingAudit{}
	env := newAPIEnv(t, nil, WithAudit(rec))

	cust := env.token(t, "cust-1", identity.RoleCustomer)
	op := env.token(t, "op-1", identity.RoleOperator)

	resp, raw := env.do(t, http.MethodPost, "/api/conversations", cust, map[string]any{"title": "lost parcel"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", resp.StatusCode, raw)
	}
	var created createConversationResponse
	decodeInto(t, raw, &created)

	path := "/api/conversations/" + itoa(created.Conversation.ID) + "/status"
	if resp, raw := env.do(t, http.MethodPatch, path, op, map[string]string{"status": "processing"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("status: status=%d body=%s", resp.StatusCode, raw)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/auth/logout", op, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status=%d", resp.StatusCode)
	}

	got := rec.actions()
	want := []string{"conversation.status", "auth.logout"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("audit actions=%v want=%v", got, want)
	}

	rec.mu.Lock()
	first := rec.entries[0]
	rec.mu.Unlock()
	if first.UserID != "op-1" || first.IP == "" || first.Meta["status"] != "processing" {
		t.Fatalf("unexpected audit entry: %+v", first)
	}
}

func TestWriteThrottle(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, func(c *Config) {
		c.WriteLimit = 2
		c.WriteWindow = time.Hour
	})

	cust := env.token(t, "cust-1", identity.RoleCustomer)
	other := env.token(t, "cust-2", identity.RoleCustomer)

	for i := 0; i < 2; i++ {
		if resp, raw := env.do(t, http.MethodPost, "/api/conversations", cust, map[string]any{"title": "t"}); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: status=%d body=%s", i, resp.StatusCode, raw)
		}
	}

	resp, raw := env.do(t, http.MethodPost, "/api/conversations", cust, map[string]any{"title": "t"})
	if resp.StatusCode != http.StatusTooManyRequests || errorCode(t, raw) != v1.CodeRateLimited {
		t.Fatalf("third write: status=%d body=%s", resp.StatusCode, raw)
	}
	// Two writes per hour refill one every 30 minutes.
	if got := resp.Header.Get("Retry-After"); got != "1800" {
		t.Fatalf("Retry-After=%q want 1800", got)
	}

	if resp, _ := env.do(t, http.MethodGet, "/api/conversations", cust, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("reads are never throttled, got %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/conversations", other, map[string]any{"title": "t"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("limits are per subject, got %d", resp.StatusCode)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
