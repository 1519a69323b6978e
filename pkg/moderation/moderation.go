// Package moderation screens customer messages before they reach an agent.
package moderation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBlocked is wrapped by every rejection.
var ErrBlocked = errors.New("message blocked")

// CardNumberPattern matches 13 to 19 digit card numbers, optionally grouped
// with spaces or dashes. Ten digit account numbers do not match.
const CardNumberPattern = `\b(?:\d[ -]?){12,18}\d\b`

// Options configures a ContentFilter.
type Options struct {
	Enabled         bool
	BlockedKeywords []string
	BlockedPatterns []string
}

// ContentFilter checks content against configured keywords and patterns.
type ContentFilter struct {
	enabled  bool
	keywords []string
	patterns []*regexp.Regexp
}

// New creates a new content filter.
func New(opts Options) (*ContentFilter, error) {
	patterns := make([]*regexp.Regexp, 0, len(opts.BlockedPatterns))
	for _, p := range opts.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	keywords := make([]string, 0, len(opts.BlockedKeywords))
	for _, kw := range opts.BlockedKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}

	return &ContentFilter{
		enabled:  opts.Enabled,
		keywords: keywords,
		patterns: patterns,
	}, nil
}

// Enabled reports whether the filter rejects anything at all.
func (f *ContentFilter) Enabled() bool {
	return f != nil && f.enabled
}

// CheckMessage returns an error wrapping ErrBlocked if the message contains
// blocked content. The error never echoes the matched text.
func (f *ContentFilter) CheckMessage(message string) error {
	if !f.Enabled() {
		return nil
	}

	normalized := strings.ToLower(message)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, kw) {
			return fmt.Errorf("%w: contains blocked keyword %q", ErrBlocked, kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(message) {
			return fmt.Errorf("%w: matches blocked pattern #%d", ErrBlocked, i+1)
		}
	}
	return nil
}
