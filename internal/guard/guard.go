// Package guard implements the sensitive-word pre-check run before a request is routed.
package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/blueberrycongee/relaymux/internal/session"
)

// Verdict is the outcome of a check.
type Verdict struct {
	Blocked bool
	// Match is the rule that matched when Blocked.
	Match string
}

// Checker decides whether a request may proceed.
type Checker interface {
	Check(ctx context.Context, sess *session.Session) (Verdict, error)
}

// AllowAll never blocks.
type AllowAll struct{}

// Check implements Checker.
func (AllowAll) Check(context.Context, *session.Session) (Verdict, error) {
	return Verdict{}, nil
}

// regexPrefix marks a rule as a regular expression instead of a plain word.
const regexPrefix = "re:"

// WordFilter blocks requests whose prompt text contains a configured word or matches
// a configured pattern. Words match case-insensitively as substrings. Rules are
// replaced atomically on config reload.
type WordFilter struct {
	mu       sync.RWMutex
	words    []string
	patterns []*regexp.Regexp
	sources  []string
}

// NewWordFilter compiles rules. A rule prefixed with "re:" is a regular expression.
func NewWordFilter(rules []string) (*WordFilter, error) {
	f := &WordFilter{}
	if err := f.Update(rules); err != nil {
		return nil, err
	}
	return f, nil
}

// Update replaces the rule set. On a compile error the old rules stay in place.
func (f *WordFilter) Update(rules []string) error {
	var (
		words    []string
		patterns []*regexp.Regexp
		sources  []string
	)
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(rule, regexPrefix); ok {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return fmt.Errorf("compile sensitive pattern %q: %w", expr, err)
			}
			patterns = append(patterns, re)
			sources = append(sources, expr)
			continue
		}
		words = append(words, strings.ToLower(rule))
	}

	f.mu.Lock()
	f.words, f.patterns, f.sources = words, patterns, sources
	f.mu.Unlock()
	return nil
}

// Check implements Checker.
func (f *WordFilter) Check(_ context.Context, sess *session.Session) (Verdict, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.words) == 0 && len(f.patterns) == 0 {
		return Verdict{}, nil
	}

	var texts []string
	if sess.IsJSON() {
		texts = PromptText(sess.Body())
	} else {
		texts = []string{sess.RawText()}
	}

	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, w := range f.words {
			if strings.Contains(lower, w) {
				return Verdict{Blocked: true, Match: w}, nil
			}
		}
		for i, re := range f.patterns {
			if re.MatchString(text) {
				return Verdict{Blocked: true, Match: f.sources[i]}, nil
			}
		}
	}
	return Verdict{}, nil
}

// promptKeys hold user-authored text in chat, message and response requests.
var promptKeys = map[string]bool{
	"content": true, "text": true, "system": true, "input": true, "prompt": true, "instructions": true,
}

// PromptText collects the user-authored strings of a request body.
func PromptText(body map[string]any) []string {
	var out []string
	var walk func(v any, collect bool)
	walk = func(v any, collect bool) {
		switch t := v.(type) {
		case string:
			if collect && t != "" {
				out = append(out, t)
			}
		case []any:
			for _, item := range t {
				walk(item, collect)
			}
		case map[string]any:
			for k, item := range t {
				if k == "tools" || k == "metadata" {
					continue
				}
				walk(item, promptKeys[k])
			}
		}
	}
	for _, k := range []string{"system", "instructions", "messages", "input", "prompt"} {
		if v, ok := body[k]; ok {
			walk(v, k != "messages")
		}
	}
	return out
}
