// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package rules

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rewrite is a single pathRewrite entry.
type Rewrite struct {
	Pattern     string
	Replacement string
}

// RewriteTable is the ordered pathRewrite mapping of a rule.
type RewriteTable []Rewrite

// UnmarshalYAML decodes the pathRewrite mapping preserving key order.
func (t *RewriteTable) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: pathRewrite must be a mapping of pattern to replacement", value.Line)
	}
	table := make(RewriteTable, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: pathRewrite[%q] must be a string", val.Line, key.Value)
		}
		table = append(table, Rewrite{Pattern: key.Value, Replacement: val.Value})
	}
	*t = table
	return nil
}

// MarshalYAML always emits a mapping, so an empty table prints as {}.
func (t RewriteTable) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if len(t) == 0 {
		node.Style = yaml.FlowStyle
	}
	for _, rw := range t {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: rw.Pattern},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: rw.Replacement},
		)
	}
	return node, nil
}

type compiledRewrite struct {
	re          *regexp.Regexp
	replacement string
	named       bool
}

// Rewriter applies a compiled RewriteTable to request paths.
type Rewriter struct {
	entries []compiledRewrite
}

// CompileRewrite compiles every pattern of the table.
func CompileRewrite(t RewriteTable) (*Rewriter, error) {
	rw := &Rewriter{entries: make([]compiledRewrite, 0, len(t))}
	for _, entry := range t {
		re, err := compilePattern(entry.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pathRewrite %q: %w", entry.Pattern, err)
		}
		rw.entries = append(rw.entries, compiledRewrite{
			re:          re,
			replacement: entry.Replacement,
			named:       hasNamedGroups(re),
		})
	}
	return rw, nil
}

// Rewrite returns path transformed by the first matching entry. Only the
// leftmost match of that entry is replaced. The replacement uses JavaScript
// String.prototype.replace patterns: $1..$99, $<name>, $&, $`, $' and $$.
// A path no entry matches is returned unchanged.
func (r *Rewriter) Rewrite(path string) string {
	if r == nil {
		return path
	}
	for _, entry := range r.entries {
		loc := entry.re.FindStringSubmatchIndex(path)
		if loc == nil {
			continue
		}
		out := make([]byte, 0, len(path))
		out = append(out, path[:loc[0]]...)
		out = entry.expand(out, path, loc)
		out = append(out, path[loc[1]:]...)
		return string(out)
	}
	return path
}

// Len reports the number of compiled entries.
func (r *Rewriter) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// expand appends the replacement for the match at loc in src to dst. Group
// references that do not exist are copied literally; groups that did not
// participate in the match expand to nothing.
func (e compiledRewrite) expand(dst []byte, src string, loc []int) []byte {
	group := func(n int) string {
		if loc[2*n] < 0 {
			return ""
		}
		return src[loc[2*n]:loc[2*n+1]]
	}
	groups := e.re.NumSubexp()
	repl := e.replacement

	for i := 0; i < len(repl); i++ {
		c := repl[i]
		if c != '$' || i+1 == len(repl) {
			dst = append(dst, c)
			continue
		}
		switch next := repl[i+1]; {
		case next == '$':
			dst = append(dst, '$')
			i++
		case next == '&':
			dst = append(dst, src[loc[0]:loc[1]]...)
			i++
		case next == '`':
			dst = append(dst, src[:loc[0]]...)
			i++
		case next == '\'':
			dst = append(dst, src[loc[1]:]...)
			i++
		case isDigit(next):
			n, width := int(next-'0'), 1
			if i+2 < len(repl) && isDigit(repl[i+2]) {
				if nn := n*10 + int(repl[i+2]-'0'); nn >= 1 && nn <= groups {
					n, width = nn, 2
				}
			}
			if n < 1 || n > groups {
				dst = append(dst, c)
				continue
			}
			dst = append(dst, group(n)...)
			i += width
		case next == '<' && e.named:
			end := strings.IndexByte(repl[i+2:], '>')
			if end < 0 {
				dst = append(dst, c)
				continue
			}
			if idx := e.re.SubexpIndex(repl[i+2 : i+2+end]); idx > 0 {
				dst = append(dst, group(idx)...)
			}
			i += 2 + end
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func hasNamedGroups(re *regexp.Regexp) bool {
	for _, name := range re.SubexpNames() {
		if name != "" {
			return true
		}
	}
	return false
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}
