// Package spam decides whether an inbound user message is keyword spam and,
// when it is, routes it into the singleton spam topic instead of the user's
// own conversation.
package spam

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// Detector classifies message text.
type Detector interface {
	// Match reports whether the text trips any configured keyword.
	Match(text string) bool
	// Keywords returns the active keyword set in insertion order.
	Keywords() []string
}

// matcher is one immutable compiled snapshot of the keyword set. Lookups
// load it atomically, so reloads never block the hot path.
type matcher struct {
	keywords []string
	re       *regexp.Regexp
}

// KeywordDetector matches text against a case-insensitive alternation of
// all configured keywords.
type KeywordDetector struct {
	current atomic.Pointer[matcher]
}

// NewKeywordDetector builds a detector over the initial keyword set.
func NewKeywordDetector(keywords []string) *KeywordDetector {
	d := &KeywordDetector{}
	d.Reload(keywords)

	return d
}

// Reload swaps in a new keyword set. Empty and duplicate entries are
// dropped; the replaced snapshot keeps serving concurrent lookups.
func (d *KeywordDetector) Reload(keywords []string) {
	d.current.Store(compile(keywords))
}

// Match reports whether the text contains any active keyword.
func (d *KeywordDetector) Match(text string) bool {
	m := d.current.Load()
	if m.re == nil || text == "" {
		return false
	}

	return m.re.MatchString(text)
}

// Keywords returns a copy of the active keyword set.
func (d *KeywordDetector) Keywords() []string {
	m := d.current.Load()

	out := make([]string, len(m.keywords))
	copy(out, m.keywords)

	return out
}

func compile(keywords []string) *matcher {
	seen := make(map[string]struct{}, len(keywords))
	cleaned := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lower := strings.ToLower(kw)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		cleaned = append(cleaned, kw)
	}

	if len(cleaned) == 0 {
		return &matcher{}
	}

	quoted := make([]string, len(cleaned))
	for i, kw := range cleaned {
		quoted[i] = regexp.QuoteMeta(kw)
	}

	return &matcher{
		keywords: cleaned,
		re:       regexp.MustCompile(`(?i)` + strings.Join(quoted, "|")),
	}
}
