// Package wordlist scans text against named lists of case-insensitive
// patterns and produces a redacted copy.
package wordlist

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

//go:embed lists/*.txt
var builtin embed.FS

// Custom names the caller-supplied list.
const Custom = "custom"

// matchTimeout bounds a single pattern evaluation.
const matchTimeout = 250 * time.Millisecond

// ErrUnknownList is returned when no list with the given name exists.
var ErrUnknownList = errors.New("unknown wordlist")

// Result is the outcome of matching one list against a text.
type Result struct {
	Matched  bool
	Redacted string
}

// Matcher loads lists from Dir, falling back to the built-in lists, and
// caches compiled patterns until Reset.
type Matcher struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	lists    map[string][]*regexp2.Regexp
	patterns map[string]*regexp2.Regexp
}

// New creates a Matcher reading {dir}/{name}.txt. An empty dir uses only the
// built-in lists.
func New(dir string, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		dir:      dir,
		logger:   logger,
		lists:    make(map[string][]*regexp2.Regexp),
		patterns: make(map[string]*regexp2.Regexp),
	}
}

// Match runs every pattern of the named list (or of custom, when name is
// Custom) over text. Each matching pattern has all of its occurrences
// replaced by marker in Redacted; Redacted is computed even when the caller
// only needs Matched.
func (m *Matcher) Match(name, text string, custom []string, marker string) (Result, error) {
	var patterns []*regexp2.Regexp
	if name == Custom {
		patterns = m.compileAll(custom)
	} else {
		var err error
		if patterns, err = m.list(name); err != nil {
			return Result{Redacted: text}, err
		}
	}

	res := Result{Redacted: text}
	for _, re := range patterns {
		ok, err := re.MatchString(text)
		if err != nil {
			m.logger.Warn("wordlist pattern failed", zap.String("list", name), zap.String("pattern", re.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		res.Matched = true
		redacted, err := re.ReplaceFunc(res.Redacted, func(regexp2.Match) string { return marker }, -1, -1)
		if err != nil {
			m.logger.Warn("wordlist redaction failed", zap.String("list", name), zap.String("pattern", re.String()), zap.Error(err))
			continue
		}
		res.Redacted = redacted
	}
	return res, nil
}

// Reset drops all cached lists and patterns.
func (m *Matcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists = make(map[string][]*regexp2.Regexp)
	m.patterns = make(map[string]*regexp2.Regexp)
}

func (m *Matcher) list(name string) ([]*regexp2.Regexp, error) {
	m.mu.RLock()
	cached, ok := m.lists[name]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := m.read(name)
	if err != nil {
		return nil, err
	}
	compiled := m.compileAll(strings.Split(string(data), "\n"))

	m.mu.Lock()
	m.lists[name] = compiled
	m.mu.Unlock()
	return compiled, nil
}

func (m *Matcher) read(name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownList, name)
	}
	if m.dir != "" {
		data, err := os.ReadFile(filepath.Join(m.dir, name+".txt"))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read wordlist %s: %w", name, err)
		}
	}
	data, err := builtin.ReadFile("lists/" + name + ".txt")
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownList, name)
	}
	return data, nil
}

// compileAll compiles each non-empty line, skipping invalid patterns.
func (m *Matcher) compileAll(lines []string) []*regexp2.Regexp {
	out := make([]*regexp2.Regexp, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		re, err := m.compile(line)
		if err != nil {
			m.logger.Warn("skipping invalid wordlist pattern", zap.String("pattern", line), zap.Error(err))
			continue
		}
		out = append(out, re)
	}
	return out
}

func (m *Matcher) compile(pattern string) (*regexp2.Regexp, error) {
	m.mu.RLock()
	re, ok := m.patterns[pattern]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase|regexp2.ECMAScript)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout

	m.mu.Lock()
	m.patterns[pattern] = re
	m.mu.Unlock()
	return re, nil
}
