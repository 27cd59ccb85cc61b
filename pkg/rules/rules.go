// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package rules models the dev-server proxy rule table: an ordered mapping
// from request path prefixes to upstream targets, together with the modifiers
// that control how matching requests are forwarded.
package rules

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPrefix is the path prefix forwarded by the built-in table.
	DefaultPrefix = "/api"
	// DefaultTarget is the local backend the built-in table forwards to.
	DefaultTarget = "http://localhost:12450/"
)

// ruleKeys lists the options accepted inside a single rule mapping.
var ruleKeys = map[string]struct{}{
	"target":       {},
	"changeOrigin": {},
	"ws":           {},
	"pathRewrite":  {},
	"secure":       {},
	"xfwd":         {},
	"headers":      {},
	"auth":         {},
	"proxyTimeout": {},
}

// Rule is a single forwarding directive keyed by its path prefix.
type Rule struct {
	// Prefix is the plain string prefix an inbound path must start with.
	Prefix string `yaml:"-"`
	// Target is the upstream base URL matching requests are forwarded to.
	Target string `yaml:"target"`
	// ChangeOrigin rewrites the outbound Host header to the target host.
	ChangeOrigin bool `yaml:"changeOrigin"`
	// WS enables WebSocket upgrade passthrough.
	WS bool `yaml:"ws"`
	// PathRewrite is applied to the inbound path before forwarding.
	PathRewrite RewriteTable `yaml:"pathRewrite"`
	// Secure controls upstream TLS verification; nil means verify.
	Secure *bool `yaml:"secure,omitempty"`
	// XFwd adds X-Forwarded-* headers to the outbound request.
	XFwd bool `yaml:"xfwd,omitempty"`
	// Headers are set on every outbound request.
	Headers map[string]string `yaml:"headers,omitempty"`
	// Auth holds "user:password" credentials sent as basic auth.
	Auth string `yaml:"auth,omitempty"`
	// Timeout bounds a single upstream round trip; zero uses the process default.
	Timeout Duration `yaml:"proxyTimeout,omitempty"`
}

// VerifyTLS reports whether upstream certificates must be verified.
func (r Rule) VerifyTLS() bool {
	return r.Secure == nil || *r.Secure
}

// URL parses the rule target.
func (r Rule) URL() (*url.URL, error) {
	return url.Parse(strings.TrimSpace(r.Target))
}

// Table is the ordered set of proxy rules. Order follows the document order of
// the proxy mapping and decides which rule wins when prefixes overlap.
type Table []Rule

// Default returns the built-in table: a single rule forwarding /api to the
// local backend with origin rewriting and WebSocket passthrough enabled.
func Default() Table {
	return Table{
		{
			Prefix:       DefaultPrefix,
			Target:       DefaultTarget,
			ChangeOrigin: true,
			WS:           true,
			PathRewrite:  RewriteTable{},
		},
	}
}

// Prefixes returns the rule prefixes in match order.
func (t Table) Prefixes() []string {
	return lo.Map(t, func(r Rule, _ int) string {
		return r.Prefix
	})
}

// Lookup returns the rule registered under exactly prefix.
func (t Table) Lookup(prefix string) (Rule, bool) {
	return lo.Find(t, func(r Rule) bool {
		return r.Prefix == prefix
	})
}

// Match returns the first rule whose prefix the path starts with.
func (t Table) Match(path string) (Rule, bool) {
	return lo.Find(t, func(r Rule) bool {
		return strings.HasPrefix(path, r.Prefix)
	})
}

// Validate checks every rule and joins all failures into a single error.
func (t Table) Validate() error {
	var errs []error

	for _, dup := range lo.FindDuplicates(t.Prefixes()) {
		errs = append(errs, fmt.Errorf("proxy[%q]: duplicate prefix", dup))
	}

	for _, r := range t {
		errs = append(errs, r.validate()...)
	}

	return errors.Join(errs...)
}

func (r Rule) validate() []error {
	var errs []error
	field := func(name string, format string, args ...any) {
		errs = append(errs, fmt.Errorf("proxy[%q].%s: %s", r.Prefix, name, fmt.Sprintf(format, args...)))
	}

	if r.Prefix == "" {
		errs = append(errs, errors.New("proxy: empty path prefix"))
	} else if !strings.HasPrefix(r.Prefix, "/") {
		errs = append(errs, fmt.Errorf("proxy[%q]: prefix must start with /", r.Prefix))
	}

	if strings.TrimSpace(r.Target) == "" {
		field("target", "required field missing")
	} else if u, err := r.URL(); err != nil {
		field("target", "invalid url: %v", err)
	} else {
		switch {
		case !u.IsAbs():
			field("target", "must be absolute (scheme://host), got %q", r.Target)
		case u.Host == "":
			field("target", "missing host in %q", r.Target)
		default:
			switch strings.ToLower(u.Scheme) {
			case "http", "https", "ws", "wss":
			default:
				field("target", "unsupported scheme %q", u.Scheme)
			}
		}
	}

	for _, rw := range r.PathRewrite {
		if _, err := compilePattern(rw.Pattern); err != nil {
			field("pathRewrite", "invalid pattern %q: %v", rw.Pattern, err)
		}
	}

	if r.Auth != "" {
		if user, _, ok := strings.Cut(r.Auth, ":"); !ok || user == "" {
			field("auth", "must be in user:password form")
		}
	}

	if r.Timeout < 0 {
		field("proxyTimeout", "must not be negative")
	}

	return errs
}

// Duration is a timeout that decodes from either integer milliseconds or a Go
// duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if value.ShortTag() == "!!int" {
		var ms int64
		if err := value.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML decodes the proxy mapping while preserving key order. A rule
// may be a full mapping or a bare target string.
func (t *Table) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: proxy must be a mapping of path prefix to rule", value.Line)
	}

	table := make(Table, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, body := value.Content[i], value.Content[i+1]

		rule := Rule{Prefix: key.Value}
		switch body.Kind {
		case yaml.ScalarNode:
			rule.Target = body.Value
		case yaml.MappingNode:
			if err := checkRuleKeys(key.Value, body); err != nil {
				return err
			}
			if err := body.Decode(&rule); err != nil {
				return fmt.Errorf("proxy[%q]: %w", key.Value, err)
			}
			rule.Prefix = key.Value
		default:
			return fmt.Errorf("line %d: proxy[%q] must be a target string or a mapping", body.Line, key.Value)
		}
		if rule.PathRewrite == nil {
			rule.PathRewrite = RewriteTable{}
		}
		table = append(table, rule)
	}

	*t = table
	return nil
}

// MarshalYAML encodes the table as an ordered prefix mapping.
func (t Table) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, r := range t {
		var body yaml.Node
		if err := body.Encode(r); err != nil {
			return nil, fmt.Errorf("encode rule %q: %w", r.Prefix, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: r.Prefix},
			&body,
		)
	}
	return node, nil
}

func checkRuleKeys(prefix string, body *yaml.Node) error {
	var errs []error
	for i := 0; i < len(body.Content); i += 2 {
		name := body.Content[i].Value
		if _, ok := ruleKeys[name]; !ok {
			errs = append(errs, fmt.Errorf("line %d: proxy[%q]: unknown option %q", body.Content[i].Line, prefix, name))
		}
	}
	return errors.Join(errs...)
}
