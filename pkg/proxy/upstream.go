// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/dev-proxy/pkg/auth"
	"github.com/go-core-stack/dev-proxy/pkg/rules"
)

// maxLogBody limits how much of an upstream error body is logged.
const maxLogBody = 64 * 1024

// upstream forwards requests for a single rule.
type upstream struct {
	rule     rules.Rule
	target   *url.URL
	rewriter *rules.Rewriter
	creds    *auth.Basic
	timeout  time.Duration
	proxy    *httputil.ReverseProxy
}

func newUpstream(rule rules.Rule, defaultTimeout time.Duration) (*upstream, error) {
	target, err := rule.URL()
	if err != nil {
		return nil, err
	}
	target = cloneURL(target)
	// The transport only speaks http(s); the upgrade handshake rides on it.
	switch strings.ToLower(target.Scheme) {
	case "ws":
		target.Scheme = "http"
	case "wss":
		target.Scheme = "https"
	}

	rewriter, err := rules.CompileRewrite(rule.PathRewrite)
	if err != nil {
		return nil, err
	}

	up := &upstream{
		rule:     rule,
		target:   target,
		rewriter: rewriter,
		timeout:  defaultTimeout,
	}
	if rule.Timeout > 0 {
		up.timeout = rule.Timeout.Std()
	}
	if rule.Auth != "" {
		if up.creds, err = auth.NewBasic(rule.Auth); err != nil {
			return nil, err
		}
	}

	// Build a transport that honours system proxies and keeps connections warm.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !rule.VerifyTLS(), // nolint:gosec -- opt-in per rule via secure: false
		},
	}

	up.proxy = &httputil.ReverseProxy{
		Rewrite:        up.rewrite,
		Transport:      transport,
		ModifyResponse: up.inspectResponse,
		ErrorHandler:   up.handleError,
		FlushInterval:  -1,
		ErrorLog:       stdlog.New(log.With().Str("component", "reverse-proxy").Logger(), "", 0),
	}

	return up, nil
}

func (u *upstream) matches(path string) bool {
	return strings.HasPrefix(path, u.rule.Prefix)
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	event := zerolog.Ctx(r.Context())
	upgrade := isWebSocketUpgrade(r.Header)

	if upgrade && !u.rule.WS {
		http.Error(w, "websocket proxying is disabled for this route", http.StatusBadRequest)
		event.Warn().Msg("websocket upgrade rejected")
		return
	}

	if !upgrade && u.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), u.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	rec := &statusRecorder{ResponseWriter: w}
	u.proxy.ServeHTTP(rec, r)

	status := rec.status
	if upgrade && status == 0 {
		status = http.StatusSwitchingProtocols
	}
	if rec.failed {
		return
	}

	msg := "request proxied"
	if upgrade {
		msg = "websocket closed"
	}
	event.Info().
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg(msg)
}

// rewrite maps the inbound request onto the rule target.
func (u *upstream) rewrite(pr *httputil.ProxyRequest) {
	in, out := pr.In, pr.Out

	reqPath := u.rewriter.Rewrite(in.URL.Path)
	reqRawPath := ""
	if reqPath == in.URL.Path {
		reqRawPath = in.URL.RawPath
	}

	out.URL.Scheme = u.target.Scheme
	out.URL.Host = u.target.Host
	out.URL.Path, out.URL.RawPath = joinURLPath(u.target, reqPath, reqRawPath)
	if u.target.RawQuery == "" || in.URL.RawQuery == "" {
		out.URL.RawQuery = u.target.RawQuery + in.URL.RawQuery
	} else {
		out.URL.RawQuery = u.target.RawQuery + "&" + in.URL.RawQuery
	}

	if u.rule.ChangeOrigin {
		out.Host = u.target.Host
		if out.Header.Get("Origin") != "" {
			out.Header.Set("Origin", u.target.Scheme+"://"+u.target.Host)
		}
	} else {
		out.Host = in.Host
	}

	if u.rule.XFwd {
		// append to the inbound chain rather than starting a new one
		out.Header["X-Forwarded-For"] = in.Header["X-Forwarded-For"]
		pr.SetXForwarded()
	}

	for k, v := range u.rule.Headers {
		out.Header.Set(k, v)
	}

	if u.creds != nil {
		u.creds.Attach(out)
	}
}

// inspectResponse logs upstream error bodies while still streaming them to
// the client unchanged.
func (u *upstream) inspectResponse(resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	ctx := context.Background()
	if resp.Request != nil {
		ctx = resp.Request.Context()
	}
	event := zerolog.Ctx(ctx)
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxLogBody))
	if err != nil {
		event.Error().
			Err(err).
			Int("status", resp.StatusCode).
			Msg("failed to read upstream error body")
		return err
	}

	event.Warn().
		Int("status", resp.StatusCode).
		Bytes("upstream_body", payload).
		Msg("upstream returned error")

	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(payload), resp.Body), resp.Body}
	return nil
}

// handleError converts round trip failures into gateway responses.
func (u *upstream) handleError(w http.ResponseWriter, r *http.Request, err error) {
	herr := classifyError(err)
	if rec, ok := w.(*statusRecorder); ok {
		rec.failed = true
	}
	http.Error(w, http.StatusText(herr.Status), herr.Status)
	zerolog.Ctx(r.Context()).Error().
		Err(herr.Err).
		Int("status", herr.Status).
		Str("upstream", u.target.Host).
		Msg("request failed")
}

// classifyError maps timeouts and cancellations to 504 and anything else to 502.
func classifyError(err error) *httpError {
	var herr *httpError
	if errors.As(err, &herr) {
		return herr
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &httpError{Status: http.StatusGatewayTimeout, Err: err}
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &httpError{Status: http.StatusGatewayTimeout, Err: err}
		}
	}
	return &httpError{Status: http.StatusBadGateway, Err: err}
}

// isWebSocketUpgrade reports whether the headers request a WebSocket upgrade.
func isWebSocketUpgrade(h http.Header) bool {
	if !strings.EqualFold(strings.TrimSpace(h.Get("Upgrade")), "websocket") {
		return false
	}
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// joinURLPath appends the request path to the target base path with exactly
// one slash between them.
func joinURLPath(base *url.URL, reqPath, reqRawPath string) (path, rawpath string) {
	if base.RawPath == "" && reqRawPath == "" {
		return singleJoiningSlash(base.Path, reqPath), ""
	}

	apath := base.EscapedPath()
	bpath := reqRawPath
	if bpath == "" {
		bpath = (&url.URL{Path: reqPath}).EscapedPath()
	}
	return singleJoiningSlash(base.Path, reqPath), singleJoiningSlash(apath, bpath)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// cloneURL makes a shallow copy of the provided URL pointer.
func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

// statusRecorder captures the status written through it. Unwrap lets the
// reverse proxy reach the underlying writer to hijack upgraded connections.
type statusRecorder struct {
	http.ResponseWriter
	status int
	failed bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 && status >= http.StatusOK {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
