// Package tier provides a lightweight heuristic-based budget tier selector
// for tool budgets during live Callyx calls.
//
// The [Selector] analyses STT transcript text using keyword detection and
// conversation state to choose the appropriate [types.BudgetTier] for each
// caller utterance. It deliberately avoids LLM calls to keep selection latency
// well below 1 ms — fast enough to run inline between VAD utterance end and
// the completion request.
//
// Tier priority (highest first):
//
//  1. Explicit agent override (non-zero override value)
//  2. DEEP keyword match — demoted to STANDARD if within anti-spam window
//  3. STANDARD keyword match
//  4. First conversation turn → STANDARD
//  5. Pending call backlog (≥ 3) → FAST
//  6. Default → FAST
package tier

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callyx/pkg/types"
)

// defaultMinDeepInterval is the minimum time between consecutive DEEP tier
// selections. A second DEEP selection within this window is demoted to
// STANDARD to prevent runaway expensive tool usage while a caller waits on
// the line.
const defaultMinDeepInterval = 30 * time.Second

// defaultDeepKeywords are the keywords that trigger [types.BudgetDeep] tier.
// They indicate requests the caller expects to take a moment.
var defaultDeepKeywords = []string{
	"search the web", "look online", "look it up online",
	"check showtimes", "movie times", "what's playing",
	"check my calendar", "find availability", "compare prices",
	"take your time",
}

// defaultStandardKeywords are the keywords that trigger [types.BudgetStandard]
// tier. They indicate CRM or knowledge lookups that need more than the
// fastest tools but don't warrant full deep access.
var defaultStandardKeywords = []string{
	"last time", "do you recall", "previously", "remember",
	"look up", "what are your hours", "how much", "pricing",
	"do you offer", "who is", "tell me about", "history",
	"our last conversation", "my account",
}

// Option is a functional option for configuring a [Selector].
type Option func(*Selector)

// WithDeepKeywords replaces the default deep-tier trigger keywords with the
// provided list. Each keyword is matched case-insensitively as a substring of
// the transcript text.
func WithDeepKeywords(keywords ...string) Option {
	return func(s *Selector) {
		s.deepKeywords = append([]string(nil), keywords...)
	}
}

// WithStandardKeywords replaces the default standard-tier trigger keywords
// with the provided list. Each keyword is matched case-insensitively as a
// substring of the transcript text.
func WithStandardKeywords(keywords ...string) Option {
	return func(s *Selector) {
		s.standardKeywords = append([]string(nil), keywords...)
	}
}

// WithMinDeepInterval sets the minimum elapsed time required between two
// consecutive [types.BudgetDeep] selections. If a DEEP selection was made
// within this interval, the next matching request is demoted to
// [types.BudgetStandard].
//
// The default is 30 seconds.
func WithMinDeepInterval(d time.Duration) Option {
	return func(s *Selector) {
		s.minDeepInterval = d
	}
}

// Selector determines the appropriate [types.BudgetTier] for a given
// conversational context. It uses lightweight heuristics (keyword detection,
// conversation state) rather than LLM calls to keep selection fast (< 1ms).
//
// All methods are safe for concurrent use.
type Selector struct {
	// Configuration — immutable after construction.
	deepKeywords     []string      // keywords that trigger DEEP tier
	standardKeywords []string      // keywords that trigger STANDARD tier
	minDeepInterval  time.Duration // minimum time between DEEP selections

	// State — protected by mu.
	mu           sync.Mutex
	turnCount    int       // turns in current conversation
	lastDeepTime time.Time // time of last DEEP selection
	backlog      int       // pending call jobs waiting for the line (set externally)
}

// NewSelector creates a new Selector with the given options applied over the
// defaults. The selector is ready to use immediately.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{
		deepKeywords:     append([]string(nil), defaultDeepKeywords...),
		standardKeywords: append([]string(nil), defaultStandardKeywords...),
		minDeepInterval:  defaultMinDeepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the appropriate [types.BudgetTier] for the given transcript
// text. It applies the following priority (highest first):
//
//  1. Agent override — if override is non-zero, return it directly without
//     consulting any other heuristic. This carries an agent's configured
//     model tier into tool selection.
//  2. DEEP keyword match — if any deep keyword is found in text. Subject to the
//     anti-spam rule: if a DEEP selection was made less than minDeepInterval ago,
//     the result is demoted to STANDARD instead.
//  3. High backlog — if three or more calls are queued for the single modem
//     line, FAST is returned to shorten the current call (overrides STANDARD
//     keyword heuristics, but not DEEP keyword matches).
//  4. STANDARD keyword match — if any standard keyword is found in text.
//  5. First turn of conversation — STANDARD is returned to allow a CRM lookup
//     for the opening exchange.
//  6. Default — FAST.
//
// Select is goroutine-safe and executes in sub-millisecond time (pure string
// operations, no I/O).
func (s *Selector) Select(text string, override types.BudgetTier) types.BudgetTier {
	// Priority 1: agent override wins unconditionally (non-zero means an
	// explicit tier). BudgetFast == 0 is the zero value, so override == 0
	// means "no override set".
	if override != 0 {
		return override
	}

	lower := strings.ToLower(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Priority 2: DEEP keyword match (with anti-spam guard).
	if containsAny(lower, s.deepKeywords) {
		now := time.Now()
		if !s.lastDeepTime.IsZero() && now.Sub(s.lastDeepTime) < s.minDeepInterval {
			// Anti-spam: too soon since the last DEEP — demote to STANDARD.
			return types.BudgetStandard
		}
		s.lastDeepTime = now
		return types.BudgetDeep
	}

	// Priority 3: high backlog — keep the current call short when others wait.
	// This intentionally overrides STANDARD keyword heuristics so that a
	// queued-up line doesn't get stuck behind slower tool sets.
	if s.backlog >= 3 {
		return types.BudgetFast
	}

	// Priority 4: STANDARD keyword match.
	if containsAny(lower, s.standardKeywords) {
		return types.BudgetStandard
	}

	// Priority 5: first turn — allow a CRM lookup for the opening exchange.
	if s.turnCount == 0 {
		return types.BudgetStandard
	}

	// Priority 6: default.
	return types.BudgetFast
}

// RecordTurn increments the conversation turn counter. Call this after each
// completed exchange so that the "first turn" heuristic advances correctly.
func (s *Selector) RecordTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCount++
}

// SetBacklog updates the number of call jobs currently queued for the modem
// line. A backlog of three or more causes [Select] to prefer
// [types.BudgetFast] over keyword-based STANDARD selections (but DEEP keyword
// matches still take priority).
func (s *Selector) SetBacklog(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = n
}

// Reset clears all per-call state (turn count, last deep time, backlog).
// Call this when a new call connects.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCount = 0
	s.lastDeepTime = time.Time{}
	s.backlog = 0
}

// containsAny reports whether lower contains any of the given keywords as a
// substring. lower must already be lowercased; keywords are compared as-is
// (callers must ensure they are lowercase if case-insensitive matching is
// required).
func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
