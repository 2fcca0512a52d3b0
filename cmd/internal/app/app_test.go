package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"desk/cmd/identity"
	"desk/cmd/internal/chat"
	v1 "desk/shared/contracts/chat/v1"

	paseto "aidanwoods.dev/go-paseto"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestApp builds an in-memory App. It uses t.Setenv, so callers cannot be parallel.
func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()

	t.Setenv("DESK_DATABASE_URL", "")
	t.Setenv("DESK_RELAY_AMQP_URL", "")
	t.Setenv("DESK_PASETO_V4_SECRET_KEY_HEX", paseto.NewV4AsymmetricSecretKey().ExportHex())

	cfg := LoadConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.closeResources(context.Background()) })
	return a
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res, string(b)
}

func TestApp_HTTPSurface(t *testing.T) {
	a := newTestApp(t, nil)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	res, body := get(t, srv.URL+"/healthz")
	if res.StatusCode != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", res.StatusCode, body)
	}
	if res.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing on healthz")
	}

	if res, _ := get(t, srv.URL+"/readyz"); res.StatusCode != http.StatusOK {
		t.Fatalf("readyz without db requirement: %d", res.StatusCode)
	}

	res, body = get(t, srv.URL+"/metrics")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	for _, name := range []string{"desk_realtime_connections", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output lacks %s", name)
		}
	}

	res, body = get(t, srv.URL+"/api/conversations")
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(body, v1.CodeUnauthenticated) {
		t.Fatalf("anonymous api call: %d %q", res.StatusCode, body)
	}
}

func TestApp_APIRoundTrip(t *testing.T) {
	a := newTestApp(t, nil)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx := context.Background()
	issued, err := a.sessions.IssueSession(ctx, time.Now().UTC(), "cust-1", identity.RoleCustomer)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"title":         "billing",
		"first_message": map[string]string{"text": "charged twice"},
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/conversations", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+issued.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(res.Body)
		t.Fatalf("create: %d %s", res.StatusCode, b)
	}

	var out struct {
		Conversation v1.ConversationView `json:"conversation"`
		Message      *v1.MessageView     `json:"message"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Conversation.CustomerID != "cust-1" || out.Message == nil || out.Message.Text != "charged twice" {
		t.Fatalf("unexpected create response: %+v", out)
	}

	page, err := a.chat.ListConversations(ctx, identity.Identity{Subject: "op-1", Role: identity.RoleOperator, SessionID: "s"}, chat.ConversationFilter{}, chat.PageRequest{})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if page.Total != 1 || page.Items[0].ID != out.Conversation.ID {
		t.Fatalf("conversation not persisted through the app wiring: %+v", page)
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	a := newTestApp(t, func(c *Config) { c.ReadinessRequireDB = true })
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if res, _ := get(t, srv.URL+"/readyz"); res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz must fail without a database, got %d", res.StatusCode)
	}
}

func TestApp_MetricsDisabled(t *testing.T) {
	a := newTestApp(t, func(c *Config) { c.MetricsEnabled = false })
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if res, _ := get(t, srv.URL+"/metrics"); res.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics must be unrouted when disabled, got %d", res.StatusCode)
	}
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	a := newTestApp(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(3 * time.Second)
	for {
		res, err := http.Get(url)
		if err == nil {
			res.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}

func TestIssueSession_RequiresDatabase(t *testing.T) {
	t.Setenv("DESK_DATABASE_URL", "")

	var out bytes.Buffer
	err := issueSession(context.Background(), []string{"-user", "op-1", "-role", "operator"}, &out)
	if err == nil || !strings.Contains(err.Error(), "DESK_DATABASE_URL") {
		t.Fatalf("expected a database requirement error, got %v", err)
	}

	if err := issueSession(context.Background(), []string{"-role", "admin"}, &out); err == nil {
		t.Fatalf("expected an unknown role to be rejected")
	}
}

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "empty host", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := runtimeBaseURL(tc.in); got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("DESK_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("DESK_DB_MAX_CONNS", "4")
	t.Setenv("DESK_DB_MIN_CONNS", "-1")
	t.Setenv("DESK_HTTP_READ_TIMEOUT", "bogus")
	t.Setenv("DESK_METRICS_ENABLED", "false")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.DBMaxConns != 4 || cfg.MetricsEnabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.DBMinConns != 0 {
		t.Fatalf("negative min conns must fall back to 0, got %d", cfg.DBMinConns)
	}
	if cfg.ReadTimeout != 15*time.Second {
		t.Fatalf("malformed duration must fall back to default, got %v", cfg.ReadTimeout)
	}
	if cfg.DBSchema != "desk" || !cfg.AutoMigrate {
		t.Fatalf("unexpected db defaults: %+v", cfg)
	}
}
