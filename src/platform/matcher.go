// Package platform classifies build slaves into target platforms.
package platform

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"bitten-master/src/contracts"
	"bitten-master/src/logger"
)

// Matcher evaluates platform rules against slave properties.
//
// A platform matches when every rule's pattern finds a match in the slave
// property named by the rule (search semantics; anchor the pattern for a full
// match). A missing or empty property fails the rule. An invalid pattern fails
// the platform and is logged.
type Matcher struct {
	// emptyMatchesAll makes platforms without rules match every slave.
	emptyMatchesAll atomic.Bool

	logger logger.Logger

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
	invalid  map[string]error
}

// NewMatcher creates a matcher with an empty pattern cache.
func NewMatcher(emptyMatchesAll bool, log logger.Logger) *Matcher {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	m := &Matcher{
		logger:   log,
		patterns: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]error),
	}
	m.emptyMatchesAll.Store(emptyMatchesAll)
	return m
}

// SetEmptyMatchesAll changes how platforms without rules are treated.
func (m *Matcher) SetEmptyMatchesAll(v bool) {
	m.emptyMatchesAll.Store(v)
}

// EmptyMatchesAll reports whether platforms without rules match every slave.
func (m *Matcher) EmptyMatchesAll() bool {
	return m.emptyMatchesAll.Load()
}

// Compile returns the compiled pattern, caching both successes and failures.
func (m *Matcher) Compile(pattern string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.patterns[pattern]
	bad := m.invalid[pattern]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}
	if bad != nil {
		return nil, bad
	}

	re, err := regexp.Compile(pattern)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("invalid pattern %q: %w", pattern, err)
		m.invalid[pattern] = err
		return nil, err
	}
	m.patterns[pattern] = re
	return re, nil
}

// Matches reports whether the slave properties satisfy every rule of p.
func (m *Matcher) Matches(p contracts.Platform, props map[string]string) bool {
	if len(p.Rules) == 0 {
		return m.emptyMatchesAll.Load()
	}
	for _, rule := range p.Rules {
		value := props[rule.Property]
		if value == "" {
			return false
		}
		re, err := m.Compile(rule.Pattern)
		if err != nil {
			m.logger.Error("[Matcher] Platform %q of configuration %q: %v", p.Name, p.Config, err)
			return false
		}
		if !re.MatchString(value) {
			return false
		}
	}
	return true
}

// Match returns the first platform, in the given order, whose rules all match.
func (m *Matcher) Match(platforms []contracts.Platform, props map[string]string) (*contracts.Platform, bool) {
	for i := range platforms {
		if m.Matches(platforms[i], props) {
			p := platforms[i]
			return &p, true
		}
	}
	return nil, false
}

// MatchPerConfig returns, for each configuration, the first matching platform
// in the given order. The result preserves the order of first appearance.
func (m *Matcher) MatchPerConfig(platforms []contracts.Platform, props map[string]string) []contracts.Platform {
	seen := make(map[string]bool)
	out := make([]contracts.Platform, 0)
	for _, p := range platforms {
		if seen[p.Config] {
			continue
		}
		if m.Matches(p, props) {
			seen[p.Config] = true
			out = append(out, p)
		}
	}
	return out
}

// ValidatePattern reports whether pattern compiles.
func ValidatePattern(pattern string) error {
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return nil
}
