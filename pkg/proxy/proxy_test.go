// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/go-core-stack/dev-proxy/pkg/config"
	"github.com/go-core-stack/dev-proxy/pkg/rules"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:              "127.0.0.1:0",
		RequestTimeout:          time.Second,
		LogLevel:                "info",
		LogFormat:               "json",
		ServerReadTimeout:       time.Second,
		ServerIdleTimeout:       time.Second,
		GracefulShutdownTimeout: time.Second,
	}
}

func newTestProxy(t *testing.T, cfg config.Config, table rules.Table) *Proxy {
	t.Helper()
	p, err := New(cfg, table)
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	return p
}

// setTransport replaces the upstream transport of the rule at index i.
func setTransport(p *Proxy, i int, rt http.RoundTripper) {
	p.active.Load().upstreams[i].proxy.Transport = rt
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestProxyForwardsDefaultRule(t *testing.T) {
	var (
		receivedURL    string
		receivedHost   string
		receivedBody   []byte
		receivedHeader http.Header
	)

	p := newTestProxy(t, testConfig(), rules.Default())
	setTransport(p, 0, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		receivedURL = req.URL.String()
		receivedHost = req.Host
		receivedBody = body
		receivedHeader = req.Header.Clone()
		return okResponse("upstream-ok"), nil
	}))

	req := httptest.NewRequest(http.MethodPost, "http://localhost:8080/api/log?lid=7", strings.NewReader(`{"op":"view"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://localhost:8080")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body := rec.Body.String(); body != "upstream-ok" {
		t.Fatalf("unexpected response body: %s", body)
	}
	if receivedURL != "http://localhost:12450/api/log?lid=7" {
		t.Fatalf("unexpected upstream url: %s", receivedURL)
	}
	if receivedHost != "localhost:12450" {
		t.Fatalf("changeOrigin should rewrite host, got %q", receivedHost)
	}
	if got := receivedHeader.Get("Origin"); got != "http://localhost:12450" {
		t.Fatalf("changeOrigin should rewrite origin, got %q", got)
	}
	if string(receivedBody) != `{"op":"view"}` {
		t.Fatalf("unexpected upstream body: %s", string(receivedBody))
	}
	if got := receivedHeader.Get("X-Forwarded-For"); got != "" {
		t.Fatalf("xfwd is off, got X-Forwarded-For %q", got)
	}
}

func TestProxyPreservesHostWithoutChangeOrigin(t *testing.T) {
	var receivedHost, receivedOrigin string

	table := rules.Table{{Prefix: "/api", Target: "http://backend.local:9000", PathRewrite: rules.RewriteTable{}}}
	p := newTestProxy(t, testConfig(), table)
	setTransport(p, 0, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		receivedHost = req.Host
		receivedOrigin = req.Header.Get("Origin")
		return okResponse(""), nil
	}))

	req := httptest.NewRequest(http.MethodGet, "http://devbox:8080/api/ping", nil)
	req.Header.Set("Origin", "http://devbox:8080")
	p.ServeHTTP(httptest.NewRecorder(), req)

	if receivedHost != "devbox:8080" {
		t.Fatalf("expected inbound host to be preserved, got %q", receivedHost)
	}
	if receivedOrigin != "http://devbox:8080" {
		t.Fatalf("expected inbound origin to be preserved, got %q", receivedOrigin)
	}
}

func TestProxyRewritesPathOntoTargetBase(t *testing.T) {
	var receivedURL string

	table := rules.Table{{
		Prefix:      "/api",
		Target:      "http://backend.local/base?token=dev",
		PathRewrite: rules.RewriteTable{{Pattern: "^/api", Replacement: ""}},
	}}
	p := newTestProxy(t, testConfig(), table)
	setTransport(p, 0, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		receivedURL = req.URL.String()
		return okResponse(""), nil
	}))

	cases := map[string]string{
		"/api/logs?lid=2": "http://backend.local/base/logs?token=dev&lid=2",
		"/api":            "http://backend.local/base/?token=dev",
	}
	for in, want := range cases {
		p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, in, nil))
		if receivedURL != want {
			t.Errorf("request %s: upstream url %q, want %q", in, receivedURL, want)
		}
	}
}

func TestProxyAddsForwardedHeadersAndCredentials(t *testing.T) {
	var receivedHeader http.Header

	table := rules.Table{{
		Prefix:      "/api",
		Target:      "http://backend.local",
		XFwd:        true,
		Headers:     map[string]string{"X-Dev-Proxy": "1"},
		Auth:        "dev:secret",
		PathRewrite: rules.RewriteTable{},
	}}
	p := newTestProxy(t, testConfig(), table)
	setTransport(p, 0, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		receivedHeader = req.Header.Clone()
		return okResponse(""), nil
	}))

	req := httptest.NewRequest(http.MethodGet, "http://devbox:8080/api/x", nil)
	req.RemoteAddr = "10.0.0.5:51000"
	req.Header.Set("X-Forwarded-For", "192.168.1.10")
	p.ServeHTTP(httptest.NewRecorder(), req)

	if got := receivedHeader.Get("X-Forwarded-For"); got != "192.168.1.10, 10.0.0.5" {
		t.Fatalf("unexpected X-Forwarded-For: %q", got)
	}
	if got := receivedHeader.Get("X-Forwarded-Host"); got != "devbox:8080" {
		t.Fatalf("unexpected X-Forwarded-Host: %q", got)
	}
	if got := receivedHeader.Get("X-Forwarded-Proto"); got != "http" {
		t.Fatalf("unexpected X-Forwarded-Proto: %q", got)
	}
	if got := receivedHeader.Get("X-Dev-Proxy"); got != "1" {
		t.Fatalf("missing configured header, got %q", got)
	}
	if got := receivedHeader.Get("Authorization"); got != "Basic ZGV2OnNlY3JldA==" {
		t.Fatalf("missing basic auth, got %q", got)
	}
}

func TestProxyFirstMatchingRuleWins(t *testing.T) {
	var hits [2]int32

	table := rules.Table{
		{Prefix: "/api", Target: "http://first.local", PathRewrite: rules.RewriteTable{}},
		{Prefix: "/api/v2", Target: "http://second.local", PathRewrite: rules.RewriteTable{}},
	}
	p := newTestProxy(t, testConfig(), table)
	for i := range hits {
		i := i
		setTransport(p, i, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&hits[i], 1)
			return okResponse(""), nil
		}))
	}

	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v2/users", nil))

	if atomic.LoadInt32(&hits[0]) != 1 || atomic.LoadInt32(&hits[1]) != 0 {
		t.Fatalf("expected only the first rule to be used, got %v", hits)
	}
}

func TestProxyUnmatchedPathIsNotFound(t *testing.T) {
	p := newTestProxy(t, testConfig(), rules.Default())
	setTransport(p, 0, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("unmatched paths must not reach the upstream")
	}))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestProxyServesStaticFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>viewer</html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	cfg := testConfig()
	cfg.StaticDir = dir
	p := newTestProxy(t, cfg, rules.Default())

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/room/21452505", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "viewer") {
		t.Fatalf("expected index.html, got %q", rec.Body.String())
	}
}

func TestProxyPropagatesErrorBodies(t *testing.T) {
	p := newTestProxy(t, testConfig(), rules.Default())
	long := strings.Repeat("x", maxLogBody+10)
	setTransport(p, 0, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("upstream-error:" + long)),
		}, nil
	}))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/log", strings.NewReader("body")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "upstream-error:"+long {
		t.Fatalf("error body was altered, got %d bytes", len(body))
	}
}

func TestProxyMapsTransportFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:12450: connect: connection refused"), want: http.StatusBadGateway},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "net timeout", err: &net.OpError{Op: "dial", Err: timeoutError{}}, want: http.StatusGatewayTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProxy(t, testConfig(), rules.Default())
			setTransport(p, 0, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				return nil, tc.err
			}))

			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/log", nil))

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestProxyHonoursRuleTimeout(t *testing.T) {
	table := rules.Table{{
		Prefix:      "/api",
		Target:      "http://backend.local",
		Timeout:     rules.Duration(30 * time.Millisecond),
		PathRewrite: rules.RewriteTable{},
	}}
	p := newTestProxy(t, testConfig(), table)
	setTransport(p, 0, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}))

	start := time.Now()
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slow", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("rule timeout not applied, took %s", elapsed)
	}
}

func TestProxyRejectsUpgradeWhenWebSocketDisabled(t *testing.T) {
	var outboundCalls int32

	table := rules.Table{{Prefix: "/api", Target: "http://backend.local", PathRewrite: rules.RewriteTable{}}}
	p := newTestProxy(t, testConfig(), table)
	setTransport(p, 0, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&outboundCalls, 1)
		return nil, errors.New("upgrade should not reach upstream")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/socket", nil)
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if atomic.LoadInt32(&outboundCalls) != 0 {
		t.Fatalf("expected no outbound calls, got %d", outboundCalls)
	}
}

func TestProxyReload(t *testing.T) {
	p := newTestProxy(t, testConfig(), rules.Default())

	next := rules.Table{{Prefix: "/backend", Target: "http://localhost:9999", PathRewrite: rules.RewriteTable{}}}
	if err := p.Reload(next); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := p.Rules().Prefixes(); len(got) != 1 || got[0] != "/backend" {
		t.Fatalf("unexpected prefixes after reload: %v", got)
	}

	bad := rules.Table{{Prefix: "/broken", Target: ""}}
	if err := p.Reload(bad); err == nil {
		t.Fatal("expected reload of invalid table to fail")
	}
	if got := p.Rules().Prefixes(); len(got) != 1 || got[0] != "/backend" {
		t.Fatalf("failed reload must keep active table, got %v", got)
	}
}

func TestNewRejectsInvalidTable(t *testing.T) {
	if _, err := New(testConfig(), rules.Table{{Prefix: "/api", Target: "localhost:12450"}}); err == nil {
		t.Fatal("expected error for relative target")
	}
}

func TestProxyEndToEnd(t *testing.T) {
	backend := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend-Host", r.Host)
		_, _ = io.WriteString(w, "backend:"+r.URL.RequestURI())
	}))
	defer backend.Close()

	table := rules.Table{{Prefix: "/api", Target: backend.URL + "/", ChangeOrigin: true, WS: true, PathRewrite: rules.RewriteTable{}}}
	front := startLocalHTTPServer(t, newTestProxy(t, testConfig(), table))
	defer front.Close()

	resp, err := http.Get(front.URL + "/api/log?lid=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if string(body) != "backend:/api/log?lid=1" {
		t.Fatalf("unexpected body: %q", body)
	}
	if got, want := resp.Header.Get("X-Backend-Host"), strings.TrimPrefix(backend.URL, "http://"); got != want {
		t.Fatalf("backend saw host %q, want %q", got, want)
	}
}

func TestProxyWebSocketPassthrough(t *testing.T) {
	backend := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		typ, msg, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), typ, append([]byte("echo:"), msg...))
	}))
	defer backend.Close()

	target := "ws://" + strings.TrimPrefix(backend.URL, "http://")
	table := rules.Table{{Prefix: "/api", Target: target, ChangeOrigin: true, WS: true, PathRewrite: rules.RewriteTable{}}}
	front := startLocalHTTPServer(t, newTestProxy(t, testConfig(), table))
	defer front.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + strings.TrimPrefix(front.URL, "http://") + "/api/chat"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{front.URL}},
	})
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte("danmaku")); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText || string(msg) != "echo:danmaku" {
		t.Fatalf("unexpected message %v %q", typ, msg)
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	cases := []struct {
		connection string
		upgrade    string
		want       bool
	}{
		{"Upgrade", "websocket", true},
		{"keep-alive, upgrade", "WebSocket", true},
		{"keep-alive", "websocket", false},
		{"Upgrade", "h2c", false},
		{"", "", false},
	}
	for _, tc := range cases {
		h := make(http.Header)
		if tc.connection != "" {
			h.Set("Connection", tc.connection)
		}
		if tc.upgrade != "" {
			h.Set("Upgrade", tc.upgrade)
		}
		if got := isWebSocketUpgrade(h); got != tc.want {
			t.Errorf("Connection=%q Upgrade=%q: got %v want %v", tc.connection, tc.upgrade, got, tc.want)
		}
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	cases := []struct{ a, b, want string }{
		{"/", "/api/log", "/api/log"},
		{"", "/api", "/api"},
		{"/base", "logs", "/base/logs"},
		{"/base/", "", "/base/"},
		{"", "", "/"},
	}
	for _, tc := range cases {
		if got := singleJoiningSlash(tc.a, tc.b); got != tc.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tc.a, tc.b, got, tc.want)
		}
	}
}

func startLocalHTTPServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: cannot bind loopback socket: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	return srv
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
