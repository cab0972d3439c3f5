// Package autoreply answers user messages automatically from an ordered
// rule list. A rule matches either the exact message text or a regular
// expression, optionally restricted to a daily time window. The first
// matching rule wins; an auto-replied message is still forwarded to the
// operator topic.
package autoreply

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Proton-105/forward-bot/internal/domain"
	apperrors "github.com/Proton-105/forward-bot/internal/errors"
	"github.com/Proton-105/forward-bot/internal/repository"
)

// compiledRule is a rule ready for matching. re is nil for exact rules.
type compiledRule struct {
	rule domain.AutoReplyRule
	re   *regexp.Regexp
}

// Engine evaluates the rule list against inbound user messages.
type Engine struct {
	repo repository.AutoReplyRepository
	log  *slog.Logger

	mu    sync.RWMutex
	rules []compiledRule
}

// NewEngine constructs the engine; call Load before first use.
func NewEngine(repo repository.AutoReplyRepository, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		repo: repo,
		log:  log,
	}
}

// Load compiles the stored rule list into the active snapshot. Rules with a
// broken regex are skipped with a warning rather than failing the load.
func (e *Engine) Load(ctx context.Context) error {
	stored, err := e.repo.List(ctx)
	if err != nil {
		return err
	}

	compiled := make([]compiledRule, 0, len(stored))
	for _, rule := range stored {
		cr := compiledRule{rule: rule}
		if rule.IsRegex {
			re, compileErr := regexp.Compile(rule.Pattern)
			if compileErr != nil {
				e.log.Warn("skipping auto-reply rule with invalid regex",
					slog.Int64("rule_id", rule.ID),
					slog.String("pattern", rule.Pattern),
					slog.Any("error", compileErr),
				)
				continue
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()

	return nil
}

// Match returns the response of the first rule matching text at the given
// time, or ok=false when nothing matches.
func (e *Engine) Match(text string, now time.Time) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cr := range e.rules {
		if !windowOpen(cr.rule.StartTime, cr.rule.EndTime, now) {
			continue
		}
		if cr.re != nil {
			if cr.re.MatchString(text) {
				return cr.rule.Response, true
			}
			continue
		}
		if strings.EqualFold(text, cr.rule.Pattern) {
			return cr.rule.Response, true
		}
	}

	return "", false
}

// Add validates and stores a new rule, then refreshes the snapshot.
func (e *Engine) Add(ctx context.Context, rule *domain.AutoReplyRule) error {
	if rule.IsRegex {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return apperrors.NewValidationError(fmt.Sprintf("invalid regex %q: %v", rule.Pattern, err))
		}
	}
	if err := validateWindow(rule.StartTime, rule.EndTime); err != nil {
		return err
	}

	if err := e.repo.Add(ctx, rule); err != nil {
		return err
	}

	return e.Load(ctx)
}

// Remove deletes a rule by id and refreshes the snapshot. Returns false
// when no such rule exists.
func (e *Engine) Remove(ctx context.Context, id int64) (bool, error) {
	removed, err := e.repo.Delete(ctx, id)
	if err != nil || !removed {
		return removed, err
	}

	return true, e.Load(ctx)
}

// Rules returns the active rule list for the admin listing.
func (e *Engine) Rules() []domain.AutoReplyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.AutoReplyRule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}

	return out
}

// windowOpen reports whether now falls inside the [start, end) daily window.
// Empty bounds mean always open; a window with end before start wraps past
// midnight, e.g. 22:00–06:00.
func windowOpen(start, end string, now time.Time) bool {
	if start == "" || end == "" {
		return true
	}

	startMin, err := parseClock(start)
	if err != nil {
		return true
	}
	endMin, err := parseClock(end)
	if err != nil {
		return true
	}

	nowMin := now.Hour()*60 + now.Minute()

	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin
	}

	return nowMin >= startMin || nowMin < endMin
}

func validateWindow(start, end string) error {
	if (start == "") != (end == "") {
		return apperrors.NewValidationError("time window needs both a start and an end")
	}
	if start == "" {
		return nil
	}

	if _, err := parseClock(start); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid start time %q, expected HH:MM", start))
	}
	if _, err := parseClock(end); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid end time %q, expected HH:MM", end))
	}

	return nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}

	return t.Hour()*60 + t.Minute(), nil
}
