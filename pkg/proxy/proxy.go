// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/dev-proxy/pkg/config"
	"github.com/go-core-stack/dev-proxy/pkg/rules"
	"github.com/go-core-stack/dev-proxy/pkg/static"
)

// Proxy routes inbound requests to the upstream of the first matching rule.
type Proxy struct {
	// cfg keeps process wide knobs such as the default request timeout.
	cfg config.Config
	// static serves requests no rule matches; nil means 404.
	static http.Handler
	// logger emits structured logs for observability.
	logger zerolog.Logger
	// active is the compiled table in use, swapped whole on reload.
	active atomic.Pointer[routeTable]
}

// routeTable pairs an immutable rule table with its compiled upstreams.
type routeTable struct {
	rules     rules.Table
	upstreams []*upstream
}

func (t *routeTable) match(path string) *upstream {
	for _, up := range t.upstreams {
		if up.matches(path) {
			return up
		}
	}
	return nil
}

// New compiles table into upstream handlers. When cfg.StaticDir is set,
// unmatched requests are served from it.
func New(cfg config.Config, table rules.Table) (*Proxy, error) {
	p := &Proxy{
		cfg:    cfg,
		logger: log.With().Str("component", "proxy").Logger(),
	}

	if cfg.StaticDir != "" {
		p.static = static.NewSPAHandler(os.DirFS(cfg.StaticDir))
	}

	compiled, err := p.compile(table)
	if err != nil {
		return nil, err
	}
	p.active.Store(compiled)

	return p, nil
}

// Reload swaps in a new rule table. The previous table stays active when the
// new one fails to compile.
func (p *Proxy) Reload(table rules.Table) error {
	compiled, err := p.compile(table)
	if err != nil {
		return err
	}
	p.active.Store(compiled)
	p.logger.Info().
		Strs("prefixes", table.Prefixes()).
		Msg("proxy rules reloaded")
	return nil
}

// Rules returns the active rule table.
func (p *Proxy) Rules() rules.Table {
	return p.active.Load().rules
}

func (p *Proxy) compile(table rules.Table) (*routeTable, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proxy rules: %w", err)
	}

	compiled := &routeTable{
		rules:     table,
		upstreams: make([]*upstream, 0, len(table)),
	}
	for _, rule := range table {
		up, err := newUpstream(rule, p.cfg.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("proxy[%q]: %w", rule.Prefix, err)
		}
		compiled.upstreams = append(compiled.upstreams, up)
	}
	return compiled, nil
}

// ServeHTTP forwards the request to the first matching rule, or falls back to
// static assets.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	event := p.logger.With().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	up := p.active.Load().match(r.URL.Path)
	if up == nil {
		if p.static != nil {
			p.static.ServeHTTP(w, r)
			event.Debug().
				Dur("duration", time.Since(start)).
				Msg("served static asset")
			return
		}
		http.NotFound(w, r)
		event.Debug().Msg("no proxy rule matched")
		return
	}

	event = event.With().Str("rule", up.rule.Prefix).Logger()
	up.ServeHTTP(w, r.WithContext(event.WithContext(r.Context())))
}
